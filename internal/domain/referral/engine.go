package referral

// State is the engine's view of a department row, derived from status,
// payment status and the sender-paid flag.
type State string

const (
	StatePending   State = "PENDING"
	StateAccepted  State = "ACCEPTED"
	StateRejected  State = "REJECTED"
	StatePaid      State = "PAID"
	StateCompleted State = "COMPLETED"
)

// Event is a receiver action applied to a department row.
type Event string

const (
	EventAccept Event = "accept"
	EventReject Event = "reject"
	EventPay    Event = "pay"
)

// Label is the status shown in the inbox and on the referral page.
type Label string

const (
	LabelPending   Label = "pending"
	LabelAccepted  Label = "accepted"
	LabelRejected  Label = "rejected"
	LabelPaid      Label = "paid"
	LabelCompleted Label = "completed"
)

// StateOf maps a stored row onto the engine states.
func StateOf(row DepartmentStatus) State {
	switch row.Status {
	case StatusRejected:
		return StateRejected
	case StatusCompleted:
		return StateCompleted
	}
	if row.PaymentStatus == PaymentPaid {
		return StatePaid
	}
	if row.Status == StatusActive {
		return StateAccepted
	}
	return StatePending
}

// LabelOf returns the display label of a row.
func LabelOf(row DepartmentStatus) Label {
	switch StateOf(row) {
	case StateAccepted:
		return LabelAccepted
	case StateRejected:
		return LabelRejected
	case StatePaid:
		return LabelPaid
	case StateCompleted:
		return LabelCompleted
	}
	return LabelPending
}

// Apply runs ev against row and returns the next row. changed is false for
// a repeated Accept. On error the returned row is the input, unmodified.
// reason is only used by Reject.
func Apply(row DepartmentStatus, ev Event, reason string) (DepartmentStatus, bool, error) {
	next := row
	from := StateOf(row)
	refuse := func() (DepartmentStatus, bool, error) {
		return row, false, &TransitionError{Event: ev, From: from}
	}

	switch from {
	case StatePending:
		switch ev {
		case EventAccept:
			next.Status = StatusActive
		case EventReject:
			next.Status = StatusRejected
			next.RejectionReason = reason
		case EventPay:
			if row.IsPaidBySender {
				return refuse()
			}
			next.Status = StatusActive
			next.PaymentStatus = PaymentPaid
		default:
			return refuse()
		}
	case StateAccepted:
		switch ev {
		case EventAccept:
			return row, false, nil
		case EventReject:
			next.Status = StatusRejected
			next.RejectionReason = reason
		case EventPay:
			if row.IsPaidBySender {
				return refuse()
			}
			next.PaymentStatus = PaymentPaid
		default:
			return refuse()
		}
	default:
		return refuse()
	}
	return next, true, nil
}

// Complete marks a paid or sender-paid accepted row as fulfilled. It sits
// outside Apply: only the fulfillment operation calls it.
func Complete(row DepartmentStatus) (DepartmentStatus, error) {
	st := StateOf(row)
	if st == StatePaid || (st == StateAccepted && row.IsPaidBySender) {
		row.Status = StatusCompleted
		return row, nil
	}
	return row, &TransitionError{Event: "complete", From: st}
}

// AvailableActions lists what the receiving department can do next.
func AvailableActions(row DepartmentStatus) []Event {
	switch StateOf(row) {
	case StatePending:
		if row.IsPaidBySender {
			return []Event{EventAccept, EventReject}
		}
		return []Event{EventAccept, EventReject, EventPay}
	case StateAccepted:
		if row.IsPaidBySender {
			return []Event{EventReject}
		}
		return []Event{EventPay, EventReject}
	}
	return nil
}

// RequiresCharge is false when the sender already paid for the row.
func RequiresCharge(row DepartmentStatus) bool {
	return !row.IsPaidBySender
}

// Unlocked reports whether the additional information block and chat are
// open to the row's department.
func Unlocked(row DepartmentStatus) bool {
	if row.Status == StatusRejected {
		return false
	}
	return row.PaymentStatus == PaymentPaid || (row.IsPaidBySender && row.Status != StatusPending)
}

// Viewer is the side of the referral a caller reads it from.
type Viewer string

const (
	ViewerSender   Viewer = "sender"
	ViewerReceiver Viewer = "receiver"
)

// Visibility lists which blocks of a referral a viewer may read.
type Visibility struct {
	Basic          bool `json:"basic"`
	Documents      bool `json:"documents"`
	AdditionalInfo bool `json:"additional_info"`
	Chat           bool `json:"chat"`
}

// VisibilityOf computes what viewer may see of the referral through row.
// The sender always sees its own additional information; the chat thread
// opens for both parties only once the row unlocks.
func VisibilityOf(row DepartmentStatus, viewer Viewer) Visibility {
	open := Unlocked(row)
	return Visibility{
		Basic:          true,
		Documents:      true,
		AdditionalInfo: open || viewer == ViewerSender,
		Chat:           open,
	}
}
