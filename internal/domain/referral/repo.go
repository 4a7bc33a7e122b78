package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Referral) error
	GetByID(ctx context.Context, id uuid.UUID) (*Referral, error)
	UpdateDraft(ctx context.Context, r *Referral) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Send clears the draft flag and creates one row per department.
	Send(ctx context.Context, id uuid.UUID, sentAt time.Time, rows []DepartmentStatus) error
	GetDepartmentStatus(ctx context.Context, referralID, departmentID uuid.UUID) (*DepartmentStatus, error)
	// UpdateDepartmentStatus writes row only if the stored version equals
	// expectedVersion, then bumps row.Version.
	UpdateDepartmentStatus(ctx context.Context, row *DepartmentStatus, expectedVersion int) error
	RecordPayment(ctx context.Context, p *PaymentRecord) error
	ListPayments(ctx context.Context, referralID uuid.UUID) ([]*PaymentRecord, error)
	AppendActivity(ctx context.Context, e *ActivityEntry) error
	// ListActivity returns entries oldest first. A nil departmentID returns
	// the whole log.
	ListActivity(ctx context.Context, referralID uuid.UUID, departmentID *uuid.UUID) ([]*ActivityEntry, error)
	ListInbox(ctx context.Context, f InboxFilter, limit, offset int) ([]*Referral, int, error)
	AppendMessage(ctx context.Context, m *ChatMessage) error
	ListMessages(ctx context.Context, referralID, departmentID uuid.UUID, limit, offset int) ([]*ChatMessage, int, error)
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
