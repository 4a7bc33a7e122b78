package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcn/rcn/internal/platform/auth"
	"github.com/rcn/rcn/internal/platform/events"
	"github.com/rcn/rcn/internal/platform/kv"
)

func newTestManager() *Manager {
	return NewManager(kv.NewMemoryKV(), zerolog.Nop(), Synchronous(), WithClient(resty.New()))
}

type received struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
	types  []string
}

func receiver(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	rec := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.sigs = append(rec.sigs, r.Header.Get(SignatureHeader))
		rec.types = append(rec.types, r.Header.Get(EventHeader))
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"type":"referral.sent"}`)
	sig := Sign(payload, "secret")
	if !Verify(payload, "secret", sig) {
		t.Error("expected bare signature to verify")
	}
	if !Verify(payload, "secret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if Verify(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if Verify([]byte(`{}`), "secret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"*", "referral.sent", true},
		{"referral.sent", "referral.sent", true},
		{"referral.*", "referral.payment_confirmed", true},
		{"referral.sent", "referral.department_updated", false},
		{"chat.*", "referral.sent", false},
	}
	for _, tt := range tests {
		if got := matches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestManager_RegisterValidatesURL(t *testing.T) {
	m := newTestManager()
	for _, raw := range []string{"", "ftp://example.com/hook", "not a url", "/relative"} {
		if _, err := m.Register(context.Background(), uuid.New(), raw, "", nil); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Register(%q): expected ErrInvalidURL, got %v", raw, err)
		}
	}
}

func TestManager_RegisterGeneratesSecret(t *testing.T) {
	m := newTestManager()
	org := uuid.New()
	ep, err := m.Register(context.Background(), org, "https://example.com/hook", "", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(ep.Secret) != 64 {
		t.Errorf("expected 64-char hex secret, got %d chars", len(ep.Secret))
	}
	list, err := m.List(context.Background(), org)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Secret != "" {
		t.Errorf("expected one endpoint listed without its secret, got %+v", list)
	}
}

func TestManager_PublishDeliversSignedPayload(t *testing.T) {
	srv, rec := receiver(t, http.StatusOK)
	m := newTestManager()
	ctx := context.Background()
	org := uuid.New()
	ep, err := m.Register(ctx, org, srv.URL, "s3cret", []string{"referral.*"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ev := events.Event{
		Type:          events.TypeDepartmentUpdated,
		ReferralID:    uuid.New(),
		Status:        "active",
		At:            time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Organizations: []uuid.UUID{org},
	}
	if err := m.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(rec.bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(rec.bodies))
	}
	if !Verify(rec.bodies[0], "s3cret", rec.sigs[0]) {
		t.Error("expected delivered payload to verify against the endpoint secret")
	}
	if rec.types[0] != events.TypeDepartmentUpdated {
		t.Errorf("expected event header %q, got %q", events.TypeDepartmentUpdated, rec.types[0])
	}
	var got events.Event
	if err := json.Unmarshal(rec.bodies[0], &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.ReferralID != ev.ReferralID || got.Status != "active" {
		t.Errorf("unexpected payload %+v", got)
	}

	log, err := m.Deliveries(ctx, org, ep.ID)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(log) != 1 || !log[0].Success || log[0].StatusCode != http.StatusOK {
		t.Errorf("unexpected delivery log %+v", log)
	}
}

func TestManager_PublishSkipsOtherOrgsAndPausedEndpoints(t *testing.T) {
	srv, rec := receiver(t, http.StatusOK)
	m := newTestManager()
	ctx := context.Background()
	org, other := uuid.New(), uuid.New()

	if _, err := m.Register(ctx, other, srv.URL, "x", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	paused, err := m.Register(ctx, org, srv.URL, "x", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.SetActive(ctx, org, paused.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := m.Register(ctx, org, srv.URL, "x", []string{"referral.sent"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_ = m.Publish(ctx, events.Event{Type: events.TypeMessagePosted, ReferralID: uuid.New(), Organizations: []uuid.UUID{org}})
	if len(rec.bodies) != 0 {
		t.Errorf("expected no deliveries, got %d", len(rec.bodies))
	}
}

func TestManager_FailedDeliveryIsLogged(t *testing.T) {
	srv, _ := receiver(t, http.StatusInternalServerError)
	m := NewManager(kv.NewMemoryKV(), zerolog.Nop(), Synchronous(), WithClient(resty.New()))
	ctx := context.Background()
	org := uuid.New()
	ep, _ := m.Register(ctx, org, srv.URL, "x", nil)

	if err := m.Publish(ctx, events.Event{Type: events.TypeDepartmentUpdated, Organizations: []uuid.UUID{org}}); err != nil {
		t.Fatalf("Publish should not fail on delivery errors: %v", err)
	}
	log, _ := m.Deliveries(ctx, org, ep.ID)
	if len(log) != 1 || log[0].Success || log[0].StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected delivery log %+v", log)
	}
}

func TestManager_AsyncWait(t *testing.T) {
	srv, rec := receiver(t, http.StatusNoContent)
	m := NewManager(kv.NewMemoryKV(), zerolog.Nop(), WithClient(resty.New()))
	ctx := context.Background()
	org := uuid.New()
	_, _ = m.Register(ctx, org, srv.URL, "x", nil)

	_ = m.Publish(ctx, events.Event{Type: events.TypeDepartmentUpdated, Organizations: []uuid.UUID{org}})
	m.Wait()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.bodies) != 1 {
		t.Errorf("expected 1 delivery after Wait, got %d", len(rec.bodies))
	}
}

func TestManager_DeleteOtherOrg(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	ep, _ := m.Register(ctx, uuid.New(), "https://example.com/hook", "", nil)
	if err := m.Delete(ctx, uuid.New(), ep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting another org's endpoint, got %v", err)
	}
}

func TestHandler_RegisterAndList(t *testing.T) {
	m := newTestManager()
	h := NewHandler(m)
	e := echo.New()
	org := uuid.New()

	body := `{"url":"https://example.com/hook","events":["referral.*"]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{OrganizationID: org, Roles: []string{auth.RoleOrgAdmin}}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(org.String())

	if err := h.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	list, _ := m.List(context.Background(), org)
	if len(list) != 1 {
		t.Errorf("expected 1 endpoint, got %d", len(list))
	}
}

func TestHandler_ForeignOrganization(t *testing.T) {
	h := NewHandler(newTestManager())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{OrganizationID: uuid.New(), Roles: []string{auth.RoleOrgAdmin}}))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.List(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}
