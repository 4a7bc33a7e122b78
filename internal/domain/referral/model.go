package referral

import (
	"time"

	"github.com/google/uuid"

	"github.com/rcn/rcn/internal/domain/payment"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

type PaymentStatus string

const (
	PaymentNotPaid PaymentStatus = "not_paid"
	PaymentPaid    PaymentStatus = "paid"
)

type Address struct {
	Line  string `json:"line"`
	City  string `json:"city"`
	State string `json:"state"`
	Zip   string `json:"zip"`
}

type Patient struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	// YYYY-MM-DD
	DateOfBirth string  `json:"date_of_birth,omitempty"`
	Gender      string  `json:"gender,omitempty"`
	Address     Address `json:"address"`
}

func (p Patient) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type Services struct {
	Specialties []string `json:"specialties"`
	Other       string   `json:"other,omitempty"`
}

type Document struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Attachments struct {
	FaceSheet        string     `json:"face_sheet,omitempty"`
	MedicationList   string     `json:"medication_list,omitempty"`
	DischargeSummary string     `json:"discharge_summary,omitempty"`
	SignedOrder      string     `json:"signed_order,omitempty"`
	HistoryPhysical  string     `json:"history_physical,omitempty"`
	ProgressNotes    string     `json:"progress_notes,omitempty"`
	WoundPhotos      []Document `json:"wound_photos,omitempty"`
	OtherDocuments   []Document `json:"other_documents,omitempty"`
}

// AdditionalInfo is the payment-gated block.
type AdditionalInfo struct {
	Phone               string `json:"phone,omitempty"`
	Language            string `json:"language,omitempty"`
	RepresentativeName  string `json:"representative_name,omitempty"`
	RepresentativePhone string `json:"representative_phone,omitempty"`
	SSN                 string `json:"ssn,omitempty"`
	Notes               string `json:"notes,omitempty"`
}

type Insurance struct {
	Payer       string `json:"payer"`
	Policy      string `json:"policy"`
	PlanGroup   string `json:"plan_group"`
	DocumentURL string `json:"document_url,omitempty"`
}

func (i Insurance) empty() bool {
	return i.Payer == "" && i.Policy == "" && i.PlanGroup == "" && i.DocumentURL == ""
}

func (i Insurance) complete() bool {
	return i.Payer != "" && i.Policy != "" && i.PlanGroup != ""
}

type PrimaryCare struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	NPI   string `json:"npi,omitempty"`
}

type Referral struct {
	ID                   uuid.UUID      `json:"id"`
	SenderOrganizationID uuid.UUID      `json:"sender_organization_id"`
	SenderUserID         uuid.UUID      `json:"sender_user_id"`
	Patient              Patient        `json:"patient"`
	Services             Services       `json:"services"`
	Attachments          Attachments    `json:"attachments"`
	AdditionalInfo       AdditionalInfo `json:"additional_info"`
	// The first entry is the primary insurance.
	Insurance   []Insurance  `json:"insurance"`
	PrimaryCare *PrimaryCare `json:"primary_care,omitempty"`
	IsDraft     bool         `json:"is_draft"`
	CreatedAt   time.Time    `json:"created_at"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`

	Departments []DepartmentStatus `json:"departments"`
}

// Row returns the department row for departmentID.
func (r *Referral) Row(departmentID uuid.UUID) (*DepartmentStatus, bool) {
	for i := range r.Departments {
		if r.Departments[i].DepartmentID == departmentID {
			return &r.Departments[i], true
		}
	}
	return nil, false
}

// DepartmentStatus is one receiving department's view of a referral.
type DepartmentStatus struct {
	ReferralID      uuid.UUID     `json:"referral_id"`
	DepartmentID    uuid.UUID     `json:"department_id"`
	OrganizationID  uuid.UUID     `json:"organization_id"`
	BranchID        *uuid.UUID    `json:"branch_id,omitempty"`
	Status          Status        `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	IsPaidBySender  bool          `json:"is_paid_by_sender"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	Version         int           `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Activity actions.
const (
	ActionCreated          = "created"
	ActionSent             = "sent"
	ActionAccepted         = "accepted"
	ActionRejected         = "rejected"
	ActionPaymentInitiated = "payment_initiated"
	ActionPaymentConfirmed = "payment_confirmed"
	ActionCompleted        = "completed"
)

// ActivityEntry is append-only.
type ActivityEntry struct {
	ID           uuid.UUID  `json:"id"`
	ReferralID   uuid.UUID  `json:"referral_id"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	Actor        string     `json:"actor"`
	Action       string     `json:"action"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"created_at"`
}

type PaymentRecord struct {
	ID           uuid.UUID      `json:"id"`
	ReferralID   uuid.UUID      `json:"referral_id"`
	DepartmentID uuid.UUID      `json:"department_id"`
	Method       payment.Method `json:"method"`
	AmountCents  int64          `json:"amount_cents"`
	FeeCents     int64          `json:"fee_cents"`
	Credits      int64          `json:"credits"`
	ExternalRef  string         `json:"external_ref,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type ChatMessage struct {
	ID           uuid.UUID `json:"id"`
	ReferralID   uuid.UUID `json:"referral_id"`
	DepartmentID uuid.UUID `json:"department_id"`
	AuthorUserID uuid.UUID `json:"author_user_id"`
	AuthorOrgID  uuid.UUID `json:"author_org_id"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

// Target selects a receiving department at send time.
type Target struct {
	DepartmentID uuid.UUID `json:"department_id"`
	PaidBySender bool      `json:"paid_by_sender"`
}
