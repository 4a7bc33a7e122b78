package referral

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rcn/rcn/internal/platform/auth"
	"github.com/rcn/rcn/internal/platform/events"
)

const maxMessageLen = 4000

// chatRow finds the thread's row and checks the caller is one of its two
// parties. The thread stays locked until the row unlocks.
func (s *Service) chatRow(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID) (*Referral, *DepartmentStatus, error) {
	ref, err := s.repo.GetByID(ctx, refID)
	if err != nil {
		return nil, nil, err
	}
	if ref.IsDraft {
		return nil, nil, ErrNotFound
	}
	row, ok := ref.Row(deptID)
	if !ok {
		return nil, nil, ErrDepartmentNotFound
	}
	sender := ref.SenderOrganizationID == actor.OrganizationID
	receiver := row.OrganizationID == actor.OrganizationID && actor.InDepartment(deptID)
	if !sender && !receiver && !actor.IsPlatformAdmin() {
		return nil, nil, ErrForbidden
	}
	if !Unlocked(*row) {
		return nil, nil, ErrLocked
	}
	return ref, row, nil
}

func (s *Service) PostMessage(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, body string) (*ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, &ValidationError{Fields: []FieldError{{Field: "body", Message: "Message cannot be empty."}}}
	}
	if utf8.RuneCountInString(body) > maxMessageLen {
		return nil, &ValidationError{Fields: []FieldError{{Field: "body", Message: "Message is too long."}}}
	}
	ref, row, err := s.chatRow(ctx, actor, refID, deptID)
	if err != nil {
		return nil, err
	}
	m := &ChatMessage{
		ReferralID:   refID,
		DepartmentID: deptID,
		AuthorUserID: actor.UserID,
		AuthorOrgID:  actor.OrganizationID,
		Body:         body,
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeMessagePosted, ref, row)
	return m, nil
}

func (s *Service) ListMessages(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, limit, offset int) ([]*ChatMessage, int, error) {
	if _, _, err := s.chatRow(ctx, actor, refID, deptID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMessages(ctx, refID, deptID, limit, offset)
}
