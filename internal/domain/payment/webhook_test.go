package payment

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"type":"payment_intent.succeeded"}`)
	sig := Sign(secret, body)

	tests := []struct {
		name string
		sig  string
		want bool
	}{
		{"bare hex", sig, true},
		{"prefixed", "sha256=" + sig, true},
		{"empty", "", false},
		{"not hex", "zz", false},
		{"wrong secret", Sign([]byte("other"), body), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(secret, body, tt.sig); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}

	if VerifySignature(nil, body, sig) {
		t.Error("an unset secret must never verify")
	}
}

func TestParseWebhook(t *testing.T) {
	secret := []byte("whsec")
	sessionID := uuid.New()
	body := []byte(`{"type":"payment_intent.succeeded","intent_id":"pi_1","status":"succeeded","metadata":{"session_id":"` + sessionID.String() + `"}}`)

	ev, err := ParseWebhook(secret, body, Sign(secret, body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ev.SessionID()
	if err != nil || got != sessionID {
		t.Errorf("expected session %s, got %s (%v)", sessionID, got, err)
	}

	tampered := append([]byte{}, body...)
	tampered[10] = 'X'
	if _, err := ParseWebhook(secret, tampered, Sign(secret, body)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for a tampered body, got %v", err)
	}
}
