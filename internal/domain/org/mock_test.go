package org

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcn/rcn/internal/platform/auth"
)

// -- Mock Repositories --

type mockOrgRepo struct {
	orgs map[uuid.UUID]*Organization
	txns []*CreditTransaction
}

func (m *mockOrgRepo) Create(_ context.Context, o *Organization) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	m.orgs[o.ID] = &cp
	return nil
}

func (m *mockOrgRepo) GetByID(_ context.Context, id uuid.UUID) (*Organization, error) {
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrgRepo) Update(_ context.Context, o *Organization) error {
	if _, ok := m.orgs[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.orgs[o.ID] = &cp
	return nil
}

func (m *mockOrgRepo) List(_ context.Context, limit, offset int) ([]*Organization, int, error) {
	var out []*Organization
	for _, o := range m.orgs {
		out = append(out, o)
	}
	return out, len(out), nil
}

func (m *mockOrgRepo) AdjustCredits(_ context.Context, orgID uuid.UUID, delta int64, reason string) (*CreditTransaction, error) {
	o, ok := m.orgs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.CreditBalance+delta < 0 {
		return nil, ErrInsufficientCredits
	}
	o.CreditBalance += delta
	t := &CreditTransaction{ID: uuid.New(), OrganizationID: orgID, Delta: delta, BalanceAfter: o.CreditBalance, Reason: reason, CreatedAt: time.Now()}
	m.txns = append(m.txns, t)
	return t, nil
}

func (m *mockOrgRepo) ListCreditTransactions(_ context.Context, orgID uuid.UUID, limit, offset int) ([]*CreditTransaction, int, error) {
	var out []*CreditTransaction
	for _, t := range m.txns {
		if t.OrganizationID == orgID {
			out = append(out, t)
		}
	}
	return out, len(out), nil
}

type mockBranchRepo struct {
	branches map[uuid.UUID]*Branch
}

func (m *mockBranchRepo) Create(_ context.Context, b *Branch) error {
	b.ID = uuid.New()
	m.branches[b.ID] = b
	return nil
}

func (m *mockBranchRepo) GetByID(_ context.Context, id uuid.UUID) (*Branch, error) {
	b, ok := m.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *mockBranchRepo) Update(_ context.Context, b *Branch) error {
	m.branches[b.ID] = b
	return nil
}

func (m *mockBranchRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.branches, id)
	return nil
}

func (m *mockBranchRepo) ListByOrganization(_ context.Context, orgID uuid.UUID) ([]*Branch, error) {
	var out []*Branch
	for _, b := range m.branches {
		if b.OrganizationID == orgID {
			out = append(out, b)
		}
	}
	return out, nil
}

type mockDepartmentRepo struct {
	depts map[uuid.UUID]*Department
}

func (m *mockDepartmentRepo) Create(_ context.Context, d *Department) error {
	d.ID = uuid.New()
	m.depts[d.ID] = d
	return nil
}

func (m *mockDepartmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Department, error) {
	d, ok := m.depts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mockDepartmentRepo) Update(_ context.Context, d *Department) error {
	m.depts[d.ID] = d
	return nil
}

func (m *mockDepartmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.depts, id)
	return nil
}

func (m *mockDepartmentRepo) List(_ context.Context, f DepartmentFilter, limit, offset int) ([]*Department, int, error) {
	var out []*Department
	for _, d := range m.depts {
		if f.Matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, len(out), nil
}

type mockUserRepo struct {
	users map[uuid.UUID]*User
}

func (m *mockUserRepo) Create(_ context.Context, u *User) error {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	u.ID = uuid.New()
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockUserRepo) Update(_ context.Context, u *User) error {
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.users, id)
	return nil
}

func (m *mockUserRepo) ListByOrganization(_ context.Context, orgID uuid.UUID) ([]*User, error) {
	var out []*User
	for _, u := range m.users {
		if u.OrganizationID == orgID {
			out = append(out, u)
		}
	}
	return out, nil
}

// mockTx snapshots org balances so a failed Assign leaves them untouched.
type mockTx struct {
	orgs *mockOrgRepo
}

func (m *mockTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	saved := make(map[uuid.UUID]Organization, len(m.orgs.orgs))
	for id, o := range m.orgs.orgs {
		saved[id] = *o
	}
	txns := len(m.orgs.txns)
	if err := fn(ctx); err != nil {
		for id, o := range saved {
			cp := o
			m.orgs.orgs[id] = &cp
		}
		m.orgs.txns = m.orgs.txns[:txns]
		return err
	}
	return nil
}

type testEnv struct {
	svc   *Service
	orgs  *mockOrgRepo
	users *mockUserRepo
	depts *mockDepartmentRepo
}

var testJWT = auth.JWTConfig{Issuer: "rcn-test", SigningKey: []byte("org-test-signing-key"), TTL: time.Hour}

func newTestEnv() *testEnv {
	orgs := &mockOrgRepo{orgs: make(map[uuid.UUID]*Organization)}
	branches := &mockBranchRepo{branches: make(map[uuid.UUID]*Branch)}
	depts := &mockDepartmentRepo{depts: make(map[uuid.UUID]*Department)}
	users := &mockUserRepo{users: make(map[uuid.UUID]*User)}
	svc := NewService(orgs, branches, depts, users, &mockTx{orgs: orgs}, testJWT, zerolog.Nop())
	return &testEnv{svc: svc, orgs: orgs, users: users, depts: depts}
}

func (e *testEnv) seedOrg(name string, credits int64) *Organization {
	o := &Organization{Name: name, Active: true, CreditBalance: credits}
	e.orgs.Create(context.Background(), o)
	return o
}
