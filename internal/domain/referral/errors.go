package referral

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rcn/rcn/internal/domain/payment"
)

var (
	ErrNotFound           = errors.New("referral not found")
	ErrDepartmentNotFound = errors.New("department has no status row on this referral")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrConflict           = errors.New("department status was changed by someone else; reload and try again")
	ErrLocked             = errors.New("this information unlocks after payment")
	ErrForbidden          = errors.New("not allowed for this organization")
	ErrNotDraft           = errors.New("referral has already been sent")
	ErrValidation         = errors.New("validation failed")

	ErrPaymentMethodRequired = payment.ErrPaymentMethodRequired
	ErrInsufficientCredits   = payment.ErrInsufficientCredits
	ErrNetwork               = payment.ErrNetwork
)

// ConflictError reports a stale expected version.
type ConflictError struct {
	Expected int
	Current  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (expected version %d, current %d)", ErrConflict.Error(), e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every failing field of a rejected submission.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, " ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// TransitionError names the event and state of a refused transition.
type TransitionError struct {
	Event Event
	From  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a referral that is %s", e.Event, strings.ToLower(string(e.From)))
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
