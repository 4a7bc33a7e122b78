// Package webhook delivers referral events to HTTPS endpoints registered by
// member organizations. Payloads are signed with HMAC-SHA256 so receivers can
// verify them.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcn/rcn/internal/platform/events"
	"github.com/rcn/rcn/internal/platform/kv"
)

const (
	storeKey        = "rcn:webhooks"
	SignatureHeader = "X-RCN-Signature"
	EventHeader     = "X-RCN-Event"
	// Deliveries kept per endpoint for the delivery log.
	maxDeliveries = 50
)

var (
	ErrNotFound   = errors.New("webhook endpoint not found")
	ErrInvalidURL = errors.New("webhook url must be an absolute http or https url")
)

// Endpoint is a destination registered by one organization.
type Endpoint struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	URL            string    `json:"url"`
	Secret         string    `json:"secret,omitempty"`
	// Event types to deliver; "*" or "referral.*" match several. Empty means all.
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery records one POST to an endpoint.
type Delivery struct {
	ID         uuid.UUID     `json:"id"`
	EndpointID uuid.UUID     `json:"endpoint_id"`
	EventType  string        `json:"event_type"`
	ReferralID uuid.UUID     `json:"referral_id"`
	StatusCode int           `json:"status_code"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a "sha256=<hex>" or bare hex signature.
func Verify(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ErrInvalidURL
	}
	return nil
}

func matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (ep *Endpoint) wants(eventType string) bool {
	if !ep.Active {
		return false
	}
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if matches(p, eventType) {
			return true
		}
	}
	return false
}

// Manager keeps endpoints in the key-value store and delivery logs in
// memory. It implements events.Publisher.
type Manager struct {
	store  kv.KV
	client *resty.Client
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	deliveries map[uuid.UUID][]*Delivery

	async bool
	wg    sync.WaitGroup
}

type Option func(*Manager)

// WithClient replaces the HTTP client, e.g. to point at an httptest server.
func WithClient(c *resty.Client) Option {
	return func(m *Manager) { m.client = c }
}

// Synchronous makes Publish wait for every delivery.
func Synchronous() Option {
	return func(m *Manager) { m.async = false }
}

func NewManager(store kv.KV, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetHeader("Content-Type", "application/json"),
		logger:     logger.With().Str("component", "webhook").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		deliveries: make(map[uuid.UUID][]*Delivery),
		async:      true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// load and save hold m.mu.
func (m *Manager) load(ctx context.Context) (map[uuid.UUID]*Endpoint, error) {
	raw, err := m.store.Get(ctx, storeKey)
	if errors.Is(err, kv.ErrMiss) {
		return make(map[uuid.UUID]*Endpoint), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read webhooks: %w", err)
	}
	out := make(map[uuid.UUID]*Endpoint)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode webhooks: %w", err)
	}
	return out, nil
}

func (m *Manager) save(ctx context.Context, all map[uuid.UUID]*Endpoint) error {
	b, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, storeKey, string(b), 0); err != nil {
		return fmt.Errorf("write webhooks: %w", err)
	}
	return nil
}

// Register stores a new endpoint. An empty secret is replaced by a random one,
// which is returned once in the result.
func (m *Manager) Register(ctx context.Context, orgID uuid.UUID, rawURL, secret string, eventTypes []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate webhook secret: %w", err)
		}
		secret = s
	}
	if eventTypes == nil {
		eventTypes = []string{}
	}
	ep := &Endpoint{
		ID:             uuid.New(),
		OrganizationID: orgID,
		URL:            rawURL,
		Secret:         secret,
		Events:         eventTypes,
		Active:         true,
		CreatedAt:      m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	all[ep.ID] = ep
	if err := m.save(ctx, all); err != nil {
		return nil, err
	}
	cp := *ep
	return &cp, nil
}

// List returns the organization's endpoints without their secrets.
func (m *Manager) List(ctx context.Context, orgID uuid.UUID) ([]*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := []*Endpoint{}
	for _, ep := range all {
		if ep.OrganizationID == orgID {
			cp := *ep
			cp.Secret = ""
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SetActive pauses or resumes an endpoint of the organization.
func (m *Manager) SetActive(ctx context.Context, orgID, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load(ctx)
	if err != nil {
		return err
	}
	ep, ok := all[id]
	if !ok || ep.OrganizationID != orgID {
		return ErrNotFound
	}
	ep.Active = active
	return m.save(ctx, all)
}

func (m *Manager) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load(ctx)
	if err != nil {
		return err
	}
	ep, ok := all[id]
	if !ok || ep.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(all, id)
	delete(m.deliveries, id)
	return m.save(ctx, all)
}

// Deliveries returns the recent delivery log of an endpoint, newest first.
func (m *Manager) Deliveries(ctx context.Context, orgID, id uuid.UUID) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if ep, ok := all[id]; !ok || ep.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	log := m.deliveries[id]
	out := make([]*Delivery, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		cp := *log[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Manager) record(d *Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := append(m.deliveries[d.EndpointID], d)
	if len(log) > maxDeliveries {
		log = log[len(log)-maxDeliveries:]
	}
	m.deliveries[d.EndpointID] = log
}

// targets picks the endpoints of the event's organizations that want it.
func (m *Manager) targets(ctx context.Context, ev events.Event) ([]*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	orgs := make(map[uuid.UUID]bool, len(ev.Organizations))
	for _, id := range ev.Organizations {
		orgs[id] = true
	}
	var out []*Endpoint
	for _, ep := range all {
		if orgs[ep.OrganizationID] && ep.wants(ev.Type) {
			cp := *ep
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Publish posts the event to every matching endpoint. Unless the manager is
// synchronous the posts run in the background and Publish returns at once;
// failures are recorded in the delivery log, not returned.
func (m *Manager) Publish(ctx context.Context, ev events.Event) error {
	eps, err := m.targets(ctx, ev)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if !m.async {
		for _, ep := range eps {
			m.deliver(ctx, ep, ev, payload)
		}
		return nil
	}

	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, ep := range eps {
			m.deliver(bg, ep, ev, payload)
		}
	}()
	return nil
}

// Wait blocks until background deliveries finish.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) deliver(ctx context.Context, ep *Endpoint, ev events.Event, payload []byte) {
	d := &Delivery{
		ID:         uuid.New(),
		EndpointID: ep.ID,
		EventType:  ev.Type,
		ReferralID: ev.ReferralID,
		CreatedAt:  m.now(),
	}
	start := time.Now()
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader(SignatureHeader, "sha256="+Sign(payload, ep.Secret)).
		SetHeader(EventHeader, ev.Type).
		SetBody(payload).
		Post(ep.URL)
	d.Duration = time.Since(start)

	switch {
	case err != nil:
		d.Error = err.Error()
	case resp.IsSuccess():
		d.StatusCode = resp.StatusCode()
		d.Success = true
	default:
		d.StatusCode = resp.StatusCode()
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode())
	}
	if !d.Success {
		m.logger.Warn().Str("endpoint", ep.ID.String()).Str("event", ev.Type).Str("error", d.Error).Msg("webhook delivery failed")
	}
	m.record(d)
}
