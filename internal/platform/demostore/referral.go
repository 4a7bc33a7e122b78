package demostore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rcn/rcn/internal/domain/referral"
	"github.com/rcn/rcn/pkg/pagination"
)

// copyReferral deep-copies through JSON so nested slices are never shared
// with the stored document.
func copyReferral(r *referral.Referral) *referral.Referral {
	b, err := json.Marshal(r)
	if err != nil {
		panic("demostore: copy referral: " + err.Error())
	}
	var out referral.Referral
	if err := json.Unmarshal(b, &out); err != nil {
		panic("demostore: copy referral: " + err.Error())
	}
	return &out
}

type referralRepo struct{ s *Store }

func (r *referralRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.s.WithinTx(ctx, fn)
}

func (r *referralRepo) Create(ctx context.Context, ref *referral.Referral) error {
	return r.s.write(ctx, func(st *State) error {
		if ref.ID == uuid.Nil {
			ref.ID = uuid.New()
		}
		now := r.s.now()
		ref.CreatedAt, ref.UpdatedAt = now, now
		st.Referrals[ref.ID] = copyReferral(ref)
		return nil
	})
}

func (r *referralRepo) GetByID(ctx context.Context, id uuid.UUID) (*referral.Referral, error) {
	var out *referral.Referral
	err := r.s.read(ctx, func(st *State) error {
		ref, ok := st.Referrals[id]
		if !ok {
			return referral.ErrNotFound
		}
		out = copyReferral(ref)
		return nil
	})
	return out, err
}

func (r *referralRepo) UpdateDraft(ctx context.Context, ref *referral.Referral) error {
	return r.s.write(ctx, func(st *State) error {
		stored, ok := st.Referrals[ref.ID]
		if !ok {
			return referral.ErrNotFound
		}
		if !stored.IsDraft {
			return referral.ErrNotDraft
		}
		ref.CreatedAt = stored.CreatedAt
		ref.UpdatedAt = r.s.now()
		cp := copyReferral(ref)
		cp.IsDraft = true
		cp.SentAt = nil
		cp.Departments = stored.Departments
		st.Referrals[ref.ID] = cp
		return nil
	})
}

// Delete drops the referral with its rows, activity, payments and messages.
func (r *referralRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Referrals[id]; !ok {
			return referral.ErrNotFound
		}
		delete(st.Referrals, id)
		st.Activity = dropActivity(st.Activity, id)
		var payments []*referral.PaymentRecord
		for _, p := range st.Payments {
			if p.ReferralID != id {
				payments = append(payments, p)
			}
		}
		st.Payments = payments
		var messages []*referral.ChatMessage
		for _, m := range st.Messages {
			if m.ReferralID != id {
				messages = append(messages, m)
			}
		}
		st.Messages = messages
		return nil
	})
}

func dropActivity(in []*referral.ActivityEntry, referralID uuid.UUID) []*referral.ActivityEntry {
	var out []*referral.ActivityEntry
	for _, e := range in {
		if e.ReferralID != referralID {
			out = append(out, e)
		}
	}
	return out
}

func (r *referralRepo) Send(ctx context.Context, id uuid.UUID, sentAt time.Time, rows []referral.DepartmentStatus) error {
	return r.s.write(ctx, func(st *State) error {
		ref, ok := st.Referrals[id]
		if !ok {
			return referral.ErrNotFound
		}
		if !ref.IsDraft {
			return referral.ErrNotDraft
		}
		ref.IsDraft = false
		at := sentAt
		ref.SentAt = &at
		ref.UpdatedAt = sentAt
		ref.Departments = append([]referral.DepartmentStatus(nil), rows...)
		return nil
	})
}

func (r *referralRepo) GetDepartmentStatus(ctx context.Context, referralID, departmentID uuid.UUID) (*referral.DepartmentStatus, error) {
	var out *referral.DepartmentStatus
	err := r.s.read(ctx, func(st *State) error {
		ref, ok := st.Referrals[referralID]
		if !ok {
			return referral.ErrNotFound
		}
		row, ok := ref.Row(departmentID)
		if !ok {
			return referral.ErrDepartmentNotFound
		}
		cp := *row
		out = &cp
		return nil
	})
	return out, err
}

func (r *referralRepo) UpdateDepartmentStatus(ctx context.Context, row *referral.DepartmentStatus, expectedVersion int) error {
	return r.s.write(ctx, func(st *State) error {
		ref, ok := st.Referrals[row.ReferralID]
		if !ok {
			return referral.ErrNotFound
		}
		stored, ok := ref.Row(row.DepartmentID)
		if !ok {
			return referral.ErrDepartmentNotFound
		}
		if stored.Version != expectedVersion {
			return &referral.ConflictError{Expected: expectedVersion, Current: stored.Version}
		}
		row.Version = stored.Version + 1
		row.UpdatedAt = r.s.now()
		stored.Status = row.Status
		stored.PaymentStatus = row.PaymentStatus
		stored.RejectionReason = row.RejectionReason
		stored.Version = row.Version
		stored.UpdatedAt = row.UpdatedAt
		return nil
	})
}

func (r *referralRepo) RecordPayment(ctx context.Context, p *referral.PaymentRecord) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Referrals[p.ReferralID]; !ok {
			return referral.ErrNotFound
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CreatedAt = r.s.now()
		cp := *p
		st.Payments = append(st.Payments, &cp)
		return nil
	})
}

func (r *referralRepo) ListPayments(ctx context.Context, referralID uuid.UUID) ([]*referral.PaymentRecord, error) {
	var out []*referral.PaymentRecord
	err := r.s.read(ctx, func(st *State) error {
		for _, p := range st.Payments {
			if p.ReferralID == referralID {
				cp := *p
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (r *referralRepo) AppendActivity(ctx context.Context, e *referral.ActivityEntry) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Referrals[e.ReferralID]; !ok {
			return referral.ErrNotFound
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = r.s.now()
		}
		cp := *e
		st.Activity = append(st.Activity, &cp)
		return nil
	})
}

// ListActivity relies on append order, which is chronological.
func (r *referralRepo) ListActivity(ctx context.Context, referralID uuid.UUID, departmentID *uuid.UUID) ([]*referral.ActivityEntry, error) {
	var out []*referral.ActivityEntry
	err := r.s.read(ctx, func(st *State) error {
		for _, e := range st.Activity {
			if e.ReferralID != referralID {
				continue
			}
			if departmentID != nil && (e.DepartmentID == nil || *e.DepartmentID != *departmentID) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

func (r *referralRepo) ListInbox(ctx context.Context, f referral.InboxFilter, limit, offset int) ([]*referral.Referral, int, error) {
	var out []*referral.Referral
	var total int
	err := r.s.read(ctx, func(st *State) error {
		var all []*referral.Referral
		for _, ref := range st.Referrals {
			if f.Matches(ref) {
				all = append(all, ref)
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].CreatedAt.Equal(all[j].CreatedAt) {
				return all[i].ID.String() < all[j].ID.String()
			}
			return all[i].CreatedAt.After(all[j].CreatedAt)
		})
		start, end := pagination.Window(len(all), limit, offset)
		for _, ref := range all[start:end] {
			out = append(out, copyReferral(ref))
		}
		total = len(all)
		return nil
	})
	return out, total, err
}

func (r *referralRepo) AppendMessage(ctx context.Context, m *referral.ChatMessage) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Referrals[m.ReferralID]; !ok {
			return referral.ErrNotFound
		}
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.CreatedAt = r.s.now()
		cp := *m
		st.Messages = append(st.Messages, &cp)
		return nil
	})
}

func (r *referralRepo) ListMessages(ctx context.Context, referralID, departmentID uuid.UUID, limit, offset int) ([]*referral.ChatMessage, int, error) {
	var out []*referral.ChatMessage
	var total int
	err := r.s.read(ctx, func(st *State) error {
		var all []*referral.ChatMessage
		for _, m := range st.Messages {
			if m.ReferralID == referralID && m.DepartmentID == departmentID {
				all = append(all, m)
			}
		}
		start, end := pagination.Window(len(all), limit, offset)
		for _, m := range all[start:end] {
			cp := *m
			out = append(out, &cp)
		}
		total = len(all)
		return nil
	})
	return out, total, err
}
