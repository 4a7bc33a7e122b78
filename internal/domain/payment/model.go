package payment

import (
	"time"

	"github.com/google/uuid"
)

type Method string

const (
	MethodCard          Method = "card"
	MethodCredits       Method = "credits"
	MethodSenderCredits Method = "sender_credits"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodCredits, MethodSenderCredits:
		return true
	}
	return false
}

// PaymentSummary is the advisory quote shown before a department pays to
// unlock a referral. Amounts are integer cents.
type PaymentSummary struct {
	ReferralID   uuid.UUID `json:"referral_id"`
	DepartmentID uuid.UUID `json:"department_id"`
	Method       Method    `json:"method"`
	BaseCents    int64     `json:"base_cents"`
	FeePercent   float64   `json:"fee_percent"`
	FeeCents     int64     `json:"fee_cents"`
	TotalCents   int64     `json:"total_cents"`
	Credits      int64     `json:"credits"`
	Currency     string    `json:"currency"`
	Message      string    `json:"message"`
}

// Intent is a gateway payment intent. The client secret is handed to the
// browser so the card form can be confirmed against it.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	AmountCents  int64  `json:"amount"`
	Currency     string `json:"currency"`
}

const StatusSucceeded = "succeeded"

type ChargeResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (r *ChargeResult) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// Session tracks a card payment between initiation and confirmation.
type Session struct {
	ID             uuid.UUID      `json:"id"`
	ReferralID     uuid.UUID      `json:"referral_id"`
	DepartmentID   uuid.UUID      `json:"department_id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	UserID         uuid.UUID      `json:"user_id"`
	IntentID       string         `json:"intent_id"`
	ClientSecret   string         `json:"client_secret"`
	Summary        PaymentSummary `json:"summary"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}
