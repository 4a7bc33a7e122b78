package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcn/rcn/internal/platform/auth"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8)}
}

func recv(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return Event{}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1", "org:1")
	hub.Register(c)

	if hub.ClientCount() != 1 || hub.TopicCount("org:1") != 1 {
		t.Fatalf("expected 1 client on org:1, got %d/%d", hub.ClientCount(), hub.TopicCount("org:1"))
	}

	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount("org:1") != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(c)
}

func TestHub_BroadcastOnlyToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newClient("sub", "referral:a")
	other := newClient("other", "referral:b")
	hub.Register(sub)
	hub.Register(other)

	hub.Broadcast(Event{Type: "referral.accepted", Topic: "referral:a", Timestamp: time.Now()})

	if ev := recv(t, sub); ev.Type != "referral.accepted" {
		t.Errorf("unexpected event type %s", ev.Type)
	}
	select {
	case <-other.Send:
		t.Fatal("non-subscriber received event")
	default:
	}
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast(Event{Topic: "t"})
	hub.Broadcast(Event{Topic: "t"})

	if len(c.Send) != 1 {
		t.Fatalf("expected 1 buffered message, got %d", len(c.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("dyn")
	hub.Register(c)

	hub.Subscribe(c, []string{"a", "b", "a"})
	if len(c.Topics) != 2 {
		t.Fatalf("expected duplicate topic to be ignored, got %v", c.Topics)
	}

	hub.Unsubscribe(c, []string{"a"})
	if hub.TopicCount("a") != 0 || hub.TopicCount("b") != 1 {
		t.Fatalf("unexpected topic counts a=%d b=%d", hub.TopicCount("a"), hub.TopicCount("b"))
	}
	if len(c.Topics) != 1 || c.Topics[0] != "b" {
		t.Fatalf("expected only b to remain, got %v", c.Topics)
	}
}

func TestHub_ProcessMessageAuthorizes(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("p")
	hub.Register(c)

	allowOnly := func(_ auth.Identity, topic string) bool { return topic == "referral:mine" }
	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"referral:mine", "referral:theirs"}}, allowOnly)

	if hub.TopicCount("referral:mine") != 1 {
		t.Error("expected authorized topic to be subscribed")
	}
	if hub.TopicCount("referral:theirs") != 0 {
		t.Error("expected unauthorized topic to be refused")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"referral:mine"}}, allowOnly)
	if hub.TopicCount("referral:mine") != 0 {
		t.Error("expected unsubscribe to remove topic")
	}
}

func TestHandler_RequiresIdentity(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil, nil)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := h.HandleConnect(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_ConnectSubscribesOrgTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	id := auth.Identity{UserID: uuid.New(), OrganizationID: uuid.New()}

	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	})
	NewHandler(hub, nil, nil).RegisterRoutes(g)

	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	topic := OrgTopic(id.OrganizationID)
	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(topic) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(topic) != 1 {
		t.Fatalf("expected client on %s", topic)
	}

	hub.Broadcast(Event{Type: "referral.sent", Topic: topic, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "referral.sent" {
		t.Errorf("expected referral.sent, got %s", ev.Type)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil, []string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !h.checkOrigin(req) {
		t.Error("expected request without Origin to pass")
	}
	req.Header.Set("Origin", "http://localhost:3000")
	if !h.checkOrigin(req) {
		t.Error("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "http://evil.example")
	if h.checkOrigin(req) {
		t.Error("expected foreign origin to be rejected")
	}
}
