package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGateway(url string) *HTTPGateway {
	return NewHTTPGateway(GatewayConfig{BaseURL: url, APIKey: "sk_test", Timeout: 2 * time.Second, TripAfter: 2, OpenFor: time.Minute}, zerolog.Nop())
}

func TestHTTPGateway_CreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "intent-s1" {
			t.Errorf("expected idempotency key from the session id, got %q", got)
		}
		var body createIntentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Amount != 1030 || body.Currency != "usd" || body.Metadata["session_id"] != "s1" {
			t.Errorf("unexpected body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_1","client_secret":"pi_1_secret","amount":1030,"currency":"usd"}`))
	}))
	defer srv.Close()

	intent, err := newTestGateway(srv.URL).CreateIntent(context.Background(), 1030, "usd", map[string]string{"session_id": "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.ID != "pi_1" || intent.ClientSecret != "pi_1_secret" {
		t.Errorf("unexpected intent: %+v", intent)
	}
}

func TestHTTPGateway_ConfirmSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "key-1" {
			t.Errorf("missing idempotency key")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_1","status":"succeeded"}`))
	}))
	defer srv.Close()

	res, err := newTestGateway(srv.URL).Confirm(context.Background(), "pm_1", "pi_1_secret", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("expected succeeded, got %+v", res)
	}
}

func TestHTTPGateway_ClientErrorIsChargeFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"code":"card_declined","message":"Your card was declined."}}`))
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL).Confirm(context.Background(), "pm_1", "pi_1_secret", "")
	if !errors.Is(err, ErrChargeFailed) {
		t.Fatalf("expected ErrChargeFailed, got %v", err)
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("a declined card is not a network error")
	}
}

func TestHTTPGateway_ServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL).Confirm(context.Background(), "pm_1", "pi_1_secret", "")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestHTTPGateway_UnreachableIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestGateway(url).CreateIntent(context.Background(), 100, "usd", nil)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestHTTPGateway_BreakerOpensAfterFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	for i := 0; i < 4; i++ {
		if _, err := g.Confirm(context.Background(), "pm_1", "s", ""); !errors.Is(err, ErrNetwork) {
			t.Fatalf("call %d: expected ErrNetwork, got %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("expected the breaker to stop calls after 2 failures, server saw %d", got)
	}
}

func TestSandboxGateway(t *testing.T) {
	g := SandboxGateway{}
	intent, err := g.CreateIntent(context.Background(), 1030, "usd", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, _ := g.Confirm(context.Background(), "pm_card_visa", intent.ClientSecret, "")
	if !res.Succeeded() || res.ID != intent.ID {
		t.Errorf("expected success for %s, got %+v", intent.ID, res)
	}
	res, _ = g.Confirm(context.Background(), DeclinedPaymentMethod, intent.ClientSecret, "")
	if res.Succeeded() {
		t.Error("expected the declined test card to fail")
	}
}
