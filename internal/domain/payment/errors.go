package payment

import "errors"

var (
	ErrPaymentMethodRequired = errors.New("Please select a payment method.")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrNetwork               = errors.New("payment gateway unreachable")
	ErrChargeFailed          = errors.New("charge did not complete")
	ErrSessionNotFound       = errors.New("payment session not found or expired")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
)
