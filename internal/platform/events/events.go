// Package events fans referral events out to live clients and the event
// stream. Delivery is best effort: failures are logged and counted, never
// returned to the request that caused them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rcn/rcn/internal/platform/websocket"
)

const (
	TypeReferralSent      = "referral.sent"
	TypeDepartmentUpdated = "referral.department_updated"
	TypePaymentInitiated  = "referral.payment_initiated"
	TypePaymentConfirmed  = "referral.payment_confirmed"
	TypeMessagePosted     = "referral.message_posted"
)

type Event struct {
	Type          string      `json:"type"`
	ReferralID    uuid.UUID   `json:"referral_id"`
	DepartmentID  *uuid.UUID  `json:"department_id,omitempty"`
	Status        string      `json:"status,omitempty"`
	PaymentStatus string      `json:"payment_status,omitempty"`
	At            time.Time   `json:"at"`
	// Organizations that should hear about the event. Used for routing only.
	Organizations []uuid.UUID `json:"-"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every sink and logs failures.
type Multi struct {
	sinks  map[string]Publisher
	logger zerolog.Logger
	onErr  func(sink string)
}

func NewMulti(logger zerolog.Logger, onErr func(sink string)) *Multi {
	return &Multi{sinks: make(map[string]Publisher), logger: logger, onErr: onErr}
}

func (m *Multi) Add(name string, p Publisher) {
	m.sinks[name] = p
}

// Publish never returns an error.
func (m *Multi) Publish(ctx context.Context, ev Event) error {
	for name, p := range m.sinks {
		if err := p.Publish(ctx, ev); err != nil {
			m.logger.Warn().Err(err).
				Str("sink", name).
				Str("type", ev.Type).
				Str("referral_id", ev.ReferralID.String()).
				Msg("event publish failed")
			if m.onErr != nil {
				m.onErr(name)
			}
		}
	}
	return nil
}

// HubPublisher broadcasts to the referral topic and to each routed
// organization topic.
type HubPublisher struct {
	hub *websocket.Hub
}

func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topics := []string{websocket.ReferralTopic(ev.ReferralID)}
	seen := make(map[uuid.UUID]struct{}, len(ev.Organizations))
	for _, org := range ev.Organizations {
		if _, dup := seen[org]; dup {
			continue
		}
		seen[org] = struct{}{}
		topics = append(topics, websocket.OrgTopic(org))
	}
	for _, t := range topics {
		p.hub.Broadcast(websocket.Event{Type: ev.Type, Topic: t, Timestamp: ev.At, Data: data})
	}
	return nil
}

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by referral id so all events of one
// referral land on the same partition in order.
type KafkaPublisher struct {
	w MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ReferralID.String()),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
