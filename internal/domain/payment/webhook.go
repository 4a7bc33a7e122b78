package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const SignatureHeader = "X-Payment-Signature"

const EventIntentSucceeded = "payment_intent.succeeded"

// WebhookEvent is a gateway callback. The session id travels in the intent
// metadata set at initiation.
type WebhookEvent struct {
	Type     string            `json:"type"`
	IntentID string            `json:"intent_id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func (e *WebhookEvent) SessionID() (uuid.UUID, error) {
	id, err := uuid.Parse(e.Metadata["session_id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: webhook carries no session id", ErrSessionNotFound)
	}
	return id, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts the bare hex digest or "sha256=<hex>".
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ParseWebhook verifies the signature before decoding the body.
func ParseWebhook(secret, body []byte, signature string) (*WebhookEvent, error) {
	if !VerifySignature(secret, body, signature) {
		return nil, ErrInvalidSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &ev, nil
}
