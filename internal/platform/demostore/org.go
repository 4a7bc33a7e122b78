package demostore

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rcn/rcn/internal/domain/org"
	"github.com/rcn/rcn/pkg/pagination"
)

func copyOrg(o *org.Organization) *org.Organization {
	cp := *o
	return &cp
}

func copyBranch(b *org.Branch) *org.Branch {
	cp := *b
	return &cp
}

func copyDepartment(d *org.Department) *org.Department {
	cp := *d
	cp.Specialties = append([]string{}, d.Specialties...)
	if d.BranchID != nil {
		id := *d.BranchID
		cp.BranchID = &id
	}
	return &cp
}

func (r *userRecord) user() *org.User {
	u := r.User
	u.PasswordHash = r.PasswordHash
	u.DepartmentIDs = append([]uuid.UUID{}, r.DepartmentIDs...)
	return &u
}

func recordOf(u *org.User) *userRecord {
	cp := *u
	cp.DepartmentIDs = append([]uuid.UUID{}, u.DepartmentIDs...)
	return &userRecord{User: cp, PasswordHash: u.PasswordHash}
}

// -- Organizations --

type orgRepo struct{ s *Store }

func (r *orgRepo) Create(ctx context.Context, o *org.Organization) error {
	return r.s.write(ctx, func(st *State) error {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		now := r.s.now()
		o.CreatedAt, o.UpdatedAt = now, now
		st.Organizations[o.ID] = copyOrg(o)
		return nil
	})
}

func (r *orgRepo) GetByID(ctx context.Context, id uuid.UUID) (*org.Organization, error) {
	var out *org.Organization
	err := r.s.read(ctx, func(st *State) error {
		o, ok := st.Organizations[id]
		if !ok {
			return org.ErrNotFound
		}
		out = copyOrg(o)
		return nil
	})
	return out, err
}

// Update leaves the credit balance alone; only AdjustCredits moves it.
func (r *orgRepo) Update(ctx context.Context, o *org.Organization) error {
	return r.s.write(ctx, func(st *State) error {
		stored, ok := st.Organizations[o.ID]
		if !ok {
			return org.ErrNotFound
		}
		o.UpdatedAt = r.s.now()
		o.CreatedAt = stored.CreatedAt
		o.CreditBalance = stored.CreditBalance
		st.Organizations[o.ID] = copyOrg(o)
		return nil
	})
}

func (r *orgRepo) List(ctx context.Context, limit, offset int) ([]*org.Organization, int, error) {
	var out []*org.Organization
	var total int
	err := r.s.read(ctx, func(st *State) error {
		all := make([]*org.Organization, 0, len(st.Organizations))
		for _, o := range st.Organizations {
			all = append(all, copyOrg(o))
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
		start, end := pagination.Window(len(all), limit, offset)
		out, total = all[start:end], len(all)
		return nil
	})
	return out, total, err
}

func (r *orgRepo) AdjustCredits(ctx context.Context, orgID uuid.UUID, delta int64, reason string) (*org.CreditTransaction, error) {
	var out *org.CreditTransaction
	err := r.s.write(ctx, func(st *State) error {
		o, ok := st.Organizations[orgID]
		if !ok {
			return org.ErrNotFound
		}
		if o.CreditBalance+delta < 0 {
			return org.ErrInsufficientCredits
		}
		now := r.s.now()
		o.CreditBalance += delta
		o.UpdatedAt = now
		tx := &org.CreditTransaction{
			ID:             uuid.New(),
			OrganizationID: orgID,
			Delta:          delta,
			BalanceAfter:   o.CreditBalance,
			Reason:         reason,
			CreatedAt:      now,
		}
		st.CreditTransactions = append(st.CreditTransactions, tx)
		cp := *tx
		out = &cp
		return nil
	})
	return out, err
}

// ListCreditTransactions returns the ledger newest first.
func (r *orgRepo) ListCreditTransactions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*org.CreditTransaction, int, error) {
	var out []*org.CreditTransaction
	var total int
	err := r.s.read(ctx, func(st *State) error {
		var all []*org.CreditTransaction
		for i := len(st.CreditTransactions) - 1; i >= 0; i-- {
			if tx := st.CreditTransactions[i]; tx.OrganizationID == orgID {
				cp := *tx
				all = append(all, &cp)
			}
		}
		start, end := pagination.Window(len(all), limit, offset)
		out, total = all[start:end], len(all)
		return nil
	})
	return out, total, err
}

// -- Branches --

type branchRepo struct{ s *Store }

func (r *branchRepo) Create(ctx context.Context, b *org.Branch) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Organizations[b.OrganizationID]; !ok {
			return org.ErrNotFound
		}
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		b.CreatedAt = r.s.now()
		st.Branches[b.ID] = copyBranch(b)
		return nil
	})
}

func (r *branchRepo) GetByID(ctx context.Context, id uuid.UUID) (*org.Branch, error) {
	var out *org.Branch
	err := r.s.read(ctx, func(st *State) error {
		b, ok := st.Branches[id]
		if !ok {
			return org.ErrNotFound
		}
		out = copyBranch(b)
		return nil
	})
	return out, err
}

func (r *branchRepo) Update(ctx context.Context, b *org.Branch) error {
	return r.s.write(ctx, func(st *State) error {
		stored, ok := st.Branches[b.ID]
		if !ok {
			return org.ErrNotFound
		}
		b.CreatedAt = stored.CreatedAt
		st.Branches[b.ID] = copyBranch(b)
		return nil
	})
}

// Delete detaches the branch's departments, as the foreign key does.
func (r *branchRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Branches[id]; !ok {
			return org.ErrNotFound
		}
		delete(st.Branches, id)
		for _, d := range st.Departments {
			if d.BranchID != nil && *d.BranchID == id {
				d.BranchID = nil
			}
		}
		return nil
	})
}

func (r *branchRepo) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*org.Branch, error) {
	var out []*org.Branch
	err := r.s.read(ctx, func(st *State) error {
		for _, b := range st.Branches {
			if b.OrganizationID == orgID {
				out = append(out, copyBranch(b))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return nil
	})
	return out, err
}

// -- Departments --

type departmentRepo struct{ s *Store }

func (r *departmentRepo) Create(ctx context.Context, d *org.Department) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Organizations[d.OrganizationID]; !ok {
			return org.ErrNotFound
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.Specialties == nil {
			d.Specialties = []string{}
		}
		d.CreatedAt = r.s.now()
		st.Departments[d.ID] = copyDepartment(d)
		return nil
	})
}

func (r *departmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*org.Department, error) {
	var out *org.Department
	err := r.s.read(ctx, func(st *State) error {
		d, ok := st.Departments[id]
		if !ok {
			return org.ErrNotFound
		}
		out = copyDepartment(d)
		return nil
	})
	return out, err
}

func (r *departmentRepo) Update(ctx context.Context, d *org.Department) error {
	return r.s.write(ctx, func(st *State) error {
		stored, ok := st.Departments[d.ID]
		if !ok {
			return org.ErrNotFound
		}
		d.CreatedAt = stored.CreatedAt
		st.Departments[d.ID] = copyDepartment(d)
		return nil
	})
}

func (r *departmentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Departments[id]; !ok {
			return org.ErrNotFound
		}
		delete(st.Departments, id)
		return nil
	})
}

func (r *departmentRepo) List(ctx context.Context, f org.DepartmentFilter, limit, offset int) ([]*org.Department, int, error) {
	var out []*org.Department
	var total int
	err := r.s.read(ctx, func(st *State) error {
		var all []*org.Department
		for _, d := range st.Departments {
			if f.Matches(d) {
				all = append(all, copyDepartment(d))
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
		start, end := pagination.Window(len(all), limit, offset)
		out, total = all[start:end], len(all)
		return nil
	})
	return out, total, err
}

// -- Users --

type userRepo struct{ s *Store }

func emailTaken(st *State, email string, except uuid.UUID) bool {
	for _, u := range st.Users {
		if u.ID != except && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

func (r *userRepo) Create(ctx context.Context, u *org.User) error {
	return r.s.write(ctx, func(st *State) error {
		if emailTaken(st, u.Email, uuid.Nil) {
			return org.ErrEmailTaken
		}
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		if u.DepartmentIDs == nil {
			u.DepartmentIDs = []uuid.UUID{}
		}
		u.CreatedAt = r.s.now()
		st.Users[u.ID] = recordOf(u)
		return nil
	})
}

func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (*org.User, error) {
	var out *org.User
	err := r.s.read(ctx, func(st *State) error {
		u, ok := st.Users[id]
		if !ok {
			return org.ErrNotFound
		}
		out = u.user()
		return nil
	})
	return out, err
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*org.User, error) {
	var out *org.User
	err := r.s.read(ctx, func(st *State) error {
		for _, u := range st.Users {
			if strings.EqualFold(u.Email, email) {
				out = u.user()
				return nil
			}
		}
		return org.ErrNotFound
	})
	return out, err
}

func (r *userRepo) Update(ctx context.Context, u *org.User) error {
	return r.s.write(ctx, func(st *State) error {
		stored, ok := st.Users[u.ID]
		if !ok {
			return org.ErrNotFound
		}
		if emailTaken(st, u.Email, u.ID) {
			return org.ErrEmailTaken
		}
		u.CreatedAt = stored.CreatedAt
		if u.PasswordHash == "" {
			u.PasswordHash = stored.PasswordHash
		}
		st.Users[u.ID] = recordOf(u)
		return nil
	})
}

func (r *userRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(st *State) error {
		if _, ok := st.Users[id]; !ok {
			return org.ErrNotFound
		}
		delete(st.Users, id)
		return nil
	})
}

func (r *userRepo) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*org.User, error) {
	var out []*org.User
	err := r.s.read(ctx, func(st *State) error {
		for _, u := range st.Users {
			if u.OrganizationID == orgID {
				out = append(out, u.user())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return nil
	})
	return out, err
}
