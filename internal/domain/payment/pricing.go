package payment

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Pricing holds the unlock price. The processing fee is kept in basis points
// so the arithmetic stays in integers.
type Pricing struct {
	BaseCents      int64
	Credits        int64
	FeeBasisPoints int64
	Currency       string
}

func NewPricing(baseCents, credits int64, feePercent float64, currency string) Pricing {
	if currency == "" {
		currency = "usd"
	}
	return Pricing{
		BaseCents:      baseCents,
		Credits:        credits,
		FeeBasisPoints: int64(math.Round(feePercent * 100)),
		Currency:       strings.ToLower(currency),
	}
}

// Fee rounds half up to the nearest cent.
func (p Pricing) Fee(cents int64) int64 {
	return (cents*p.FeeBasisPoints + 5000) / 10000
}

// Quote prices one department unlock. Only card payments carry the
// processing fee.
func (p Pricing) Quote(referralID, departmentID uuid.UUID, method Method) (*PaymentSummary, error) {
	if !method.Valid() {
		return nil, ErrPaymentMethodRequired
	}
	s := &PaymentSummary{
		ReferralID:   referralID,
		DepartmentID: departmentID,
		Method:       method,
		BaseCents:    p.BaseCents,
		Credits:      p.Credits,
		Currency:     p.Currency,
	}
	switch method {
	case MethodCard:
		s.FeePercent = float64(p.FeeBasisPoints) / 100
		s.FeeCents = p.Fee(p.BaseCents)
		s.TotalCents = p.BaseCents + s.FeeCents
		s.Message = fmt.Sprintf("Unlock fee %s + %s%% processing fee %s = %s total.",
			FormatCents(s.BaseCents), formatPercent(s.FeePercent), FormatCents(s.FeeCents), FormatCents(s.TotalCents))
	default:
		s.Message = fmt.Sprintf("%s will be deducted from the organization balance.", pluralCredits(p.Credits))
	}
	return s, nil
}

// FormatCents renders cents as dollars, e.g. 1030 -> "$10.30".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func formatPercent(p float64) string {
	s := fmt.Sprintf("%.2f", p)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func pluralCredits(n int64) string {
	if n == 1 {
		return "1 credit"
	}
	return fmt.Sprintf("%d credits", n)
}
