package referral

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// InboxFilter selects referrals for one organization's inbox. Zero-valued
// fields do not filter.
type InboxFilter struct {
	OrganizationID uuid.UUID
	Direction      Direction
	// Receiving side only: restrict to rows of these departments.
	DepartmentIDs []uuid.UUID
	Label         Label
	From          *time.Time
	To            *time.Time
	Search        string
	Draft         *bool
}

func (f InboxFilter) sent(r *Referral) bool {
	return r.SenderOrganizationID == f.OrganizationID
}

// receivedRow reports whether row is one the organization receives.
func (f InboxFilter) receivedRow(row DepartmentStatus) bool {
	if row.OrganizationID != f.OrganizationID {
		return false
	}
	if len(f.DepartmentIDs) == 0 {
		return true
	}
	for _, id := range f.DepartmentIDs {
		if id == row.DepartmentID {
			return true
		}
	}
	return false
}

// Matches is the in-memory form of the inbox query.
func (f InboxFilter) Matches(r *Referral) bool {
	sent := f.sent(r)
	received := false
	for _, row := range r.Departments {
		if f.receivedRow(row) {
			received = true
			break
		}
	}
	// Drafts are private to the sender.
	if r.IsDraft {
		received = false
	}

	switch f.Direction {
	case DirectionSent:
		if !sent {
			return false
		}
	case DirectionReceived:
		if !received {
			return false
		}
	default:
		if !sent && !received {
			return false
		}
	}

	if f.Draft != nil && r.IsDraft != *f.Draft {
		return false
	}
	if f.From != nil && r.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.CreatedAt.Before(*f.To) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		name := strings.ToLower(r.Patient.FirstName + " " + r.Patient.LastName)
		if !strings.Contains(name, q) {
			return false
		}
	}
	if f.Label != "" {
		found := false
		for _, row := range f.VisibleRows(r) {
			if LabelOf(row) == f.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// VisibleRows returns the department rows the organization may see: all of
// them for the sender, only its own otherwise.
func (f InboxFilter) VisibleRows(r *Referral) []DepartmentStatus {
	if f.sent(r) && f.Direction != DirectionReceived {
		return r.Departments
	}
	var rows []DepartmentStatus
	for _, row := range r.Departments {
		if f.receivedRow(row) {
			rows = append(rows, row)
		}
	}
	return rows
}
