package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rcn/rcn/internal/domain/org"
)

// Processor prices, charges and debits unlock payments. It decides nothing
// about referral state; callers mark a department paid only after Charge
// succeeds or DebitCredits returns nil.
type Processor interface {
	Quote(ctx context.Context, referralID, departmentID uuid.UUID, method Method) (*PaymentSummary, error)
	CreateIntent(ctx context.Context, summary *PaymentSummary, metadata map[string]string) (*Intent, error)
	Charge(ctx context.Context, paymentMethodID, clientSecret string) (*ChargeResult, error)
	DebitCredits(ctx context.Context, orgID uuid.UUID, credits int64, reason string) error
}

// CreditLedger is satisfied by *org.Service.
type CreditLedger interface {
	Debit(ctx context.Context, orgID uuid.UUID, credits int64, reason string) (*org.CreditTransaction, error)
}

type DefaultProcessor struct {
	pricing Pricing
	gateway Gateway
	ledger  CreditLedger
}

func NewProcessor(pricing Pricing, gateway Gateway, ledger CreditLedger) *DefaultProcessor {
	return &DefaultProcessor{pricing: pricing, gateway: gateway, ledger: ledger}
}

func (p *DefaultProcessor) Pricing() Pricing { return p.pricing }

func (p *DefaultProcessor) Quote(_ context.Context, referralID, departmentID uuid.UUID, method Method) (*PaymentSummary, error) {
	return p.pricing.Quote(referralID, departmentID, method)
}

func (p *DefaultProcessor) CreateIntent(ctx context.Context, summary *PaymentSummary, metadata map[string]string) (*Intent, error) {
	if summary.Method != MethodCard {
		return nil, fmt.Errorf("%w: intents are only created for card payments", ErrPaymentMethodRequired)
	}
	return p.gateway.CreateIntent(ctx, summary.TotalCents, summary.Currency, metadata)
}

// Charge confirms the intent behind clientSecret with the selected payment
// method. A gateway answer other than succeeded is ErrChargeFailed.
func (p *DefaultProcessor) Charge(ctx context.Context, paymentMethodID, clientSecret string) (*ChargeResult, error) {
	if paymentMethodID == "" {
		return nil, ErrPaymentMethodRequired
	}
	if clientSecret == "" {
		return nil, fmt.Errorf("%w: missing client secret", ErrSessionNotFound)
	}
	res, err := p.gateway.Confirm(ctx, paymentMethodID, clientSecret, idempotencyKey(paymentMethodID, clientSecret))
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return res, fmt.Errorf("%w: status %s", ErrChargeFailed, res.Status)
	}
	return res, nil
}

func (p *DefaultProcessor) DebitCredits(ctx context.Context, orgID uuid.UUID, credits int64, reason string) error {
	if credits <= 0 {
		return nil
	}
	if _, err := p.ledger.Debit(ctx, orgID, credits, reason); err != nil {
		if errors.Is(err, org.ErrInsufficientCredits) {
			return ErrInsufficientCredits
		}
		return fmt.Errorf("debit credits: %w", err)
	}
	return nil
}

// Retried confirmations of the same intent with the same card reuse a key.
func idempotencyKey(paymentMethodID, clientSecret string) string {
	sum := sha256.Sum256([]byte(paymentMethodID + ":" + clientSecret))
	return hex.EncodeToString(sum[:16])
}
