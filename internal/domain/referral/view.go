package referral

import (
	"time"

	"github.com/google/uuid"

	"github.com/rcn/rcn/internal/platform/auth"
)

// GatedInfo carries the additional information block, or only a locked
// marker when the viewer has not unlocked it.
type GatedInfo struct {
	Locked bool            `json:"locked"`
	Info   *AdditionalInfo `json:"info,omitempty"`
}

type DepartmentView struct {
	DepartmentStatus
	Label          Label      `json:"label"`
	Actions        []Event    `json:"actions"`
	RequiresCharge bool       `json:"requires_charge"`
	Visibility     Visibility `json:"visibility"`
}

// View is a referral as one viewer is allowed to see it.
type View struct {
	ID                   uuid.UUID    `json:"id"`
	SenderOrganizationID uuid.UUID    `json:"sender_organization_id"`
	SenderUserID         uuid.UUID    `json:"sender_user_id"`
	Patient              Patient      `json:"patient"`
	Services             Services     `json:"services"`
	Attachments          Attachments  `json:"attachments"`
	Insurance            []Insurance  `json:"insurance"`
	PrimaryCare          *PrimaryCare `json:"primary_care,omitempty"`
	IsDraft              bool         `json:"is_draft"`
	CreatedAt            time.Time    `json:"created_at"`
	SentAt               *time.Time   `json:"sent_at,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`

	Viewer         Viewer           `json:"viewer"`
	AdditionalInfo GatedInfo        `json:"additional_info"`
	ChatLocked     bool             `json:"chat_locked"`
	Departments    []DepartmentView `json:"departments"`
}

// newView applies the visibility policy. selected is the receiving row the
// viewer looks through; it is nil for a sender view without a department.
func newView(ref *Referral, viewer Viewer, rows []DepartmentStatus, selected *DepartmentStatus, caller auth.Identity) *View {
	v := &View{
		ID:                   ref.ID,
		SenderOrganizationID: ref.SenderOrganizationID,
		SenderUserID:         ref.SenderUserID,
		Patient:              ref.Patient,
		Services:             ref.Services,
		Attachments:          ref.Attachments,
		Insurance:            ref.Insurance,
		PrimaryCare:          ref.PrimaryCare,
		IsDraft:              ref.IsDraft,
		CreatedAt:            ref.CreatedAt,
		SentAt:               ref.SentAt,
		UpdatedAt:            ref.UpdatedAt,
		Viewer:               viewer,
		Departments:          make([]DepartmentView, 0, len(rows)),
	}

	var vis Visibility
	switch {
	case selected != nil:
		vis = VisibilityOf(*selected, viewer)
	case viewer == ViewerSender:
		vis = Visibility{Basic: true, Documents: true, AdditionalInfo: true}
		for _, row := range rows {
			if Unlocked(row) {
				vis.Chat = true
			}
		}
	}
	if vis.AdditionalInfo {
		info := ref.AdditionalInfo
		v.AdditionalInfo = GatedInfo{Info: &info}
	} else {
		v.AdditionalInfo = GatedInfo{Locked: true}
	}
	v.ChatLocked = !vis.Chat

	for _, row := range rows {
		dv := DepartmentView{
			DepartmentStatus: row,
			Label:            LabelOf(row),
			RequiresCharge:   RequiresCharge(row),
			Visibility:       VisibilityOf(row, viewer),
		}
		if row.OrganizationID == caller.OrganizationID && caller.InDepartment(row.DepartmentID) {
			dv.Actions = AvailableActions(row)
		}
		if dv.Actions == nil {
			dv.Actions = []Event{}
		}
		v.Departments = append(v.Departments, dv)
	}
	return v
}

type InboxRow struct {
	DepartmentID   uuid.UUID     `json:"department_id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	Status         Status        `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	IsPaidBySender bool          `json:"is_paid_by_sender"`
	Label          Label         `json:"label"`
	Version        int           `json:"version"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type InboxItem struct {
	ID                   uuid.UUID  `json:"id"`
	PatientName          string     `json:"patient_name"`
	PatientDateOfBirth   string     `json:"patient_date_of_birth,omitempty"`
	Services             []string   `json:"services"`
	SenderOrganizationID uuid.UUID  `json:"sender_organization_id"`
	Direction            Direction  `json:"direction"`
	IsDraft              bool       `json:"is_draft"`
	CreatedAt            time.Time  `json:"created_at"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
	Departments          []InboxRow `json:"departments"`
}

func newInboxItem(ref *Referral, f InboxFilter) InboxItem {
	item := InboxItem{
		ID:                   ref.ID,
		PatientName:          ref.Patient.FullName(),
		PatientDateOfBirth:   ref.Patient.DateOfBirth,
		Services:             ref.Services.Specialties,
		SenderOrganizationID: ref.SenderOrganizationID,
		Direction:            DirectionReceived,
		IsDraft:              ref.IsDraft,
		CreatedAt:            ref.CreatedAt,
		SentAt:               ref.SentAt,
		Departments:          []InboxRow{},
	}
	if ref.SenderOrganizationID == f.OrganizationID && f.Direction != DirectionReceived {
		item.Direction = DirectionSent
	}
	for _, row := range f.VisibleRows(ref) {
		item.Departments = append(item.Departments, InboxRow{
			DepartmentID:   row.DepartmentID,
			OrganizationID: row.OrganizationID,
			Status:         row.Status,
			PaymentStatus:  row.PaymentStatus,
			IsPaidBySender: row.IsPaidBySender,
			Label:          LabelOf(row),
			Version:        row.Version,
			UpdatedAt:      row.UpdatedAt,
		})
	}
	return item
}
