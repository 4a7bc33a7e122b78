package referral

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcn/rcn/internal/domain/org"
	"github.com/rcn/rcn/internal/domain/payment"
	"github.com/rcn/rcn/internal/platform/auth"
	"github.com/rcn/rcn/internal/platform/events"
	"github.com/rcn/rcn/internal/platform/kv"
	"github.com/rcn/rcn/pkg/pagination"
)

// -- Mock Repository --

type mockRepo struct {
	referrals map[uuid.UUID]*Referral
	activity  []*ActivityEntry
	payments  []*PaymentRecord
	messages  []*ChatMessage
	clock     time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		referrals: make(map[uuid.UUID]*Referral),
		clock:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick keeps created_at strictly increasing so inbox order is stable.
func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func cloneReferral(r *Referral) *Referral {
	cp := *r
	cp.Departments = append([]DepartmentStatus(nil), r.Departments...)
	cp.Insurance = append([]Insurance(nil), r.Insurance...)
	return &cp
}

func (m *mockRepo) Create(_ context.Context, r *Referral) error {
	r.CreatedAt = m.tick()
	r.UpdatedAt = r.CreatedAt
	m.referrals[r.ID] = cloneReferral(r)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Referral, error) {
	r, ok := m.referrals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReferral(r), nil
}

func (m *mockRepo) UpdateDraft(_ context.Context, r *Referral) error {
	existing, ok := m.referrals[r.ID]
	if !ok {
		return ErrNotFound
	}
	if !existing.IsDraft {
		return ErrNotDraft
	}
	cp := cloneReferral(r)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = m.tick()
	m.referrals[r.ID] = cp
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.referrals[id]; !ok {
		return ErrNotFound
	}
	delete(m.referrals, id)
	return nil
}

func (m *mockRepo) Send(_ context.Context, id uuid.UUID, sentAt time.Time, rows []DepartmentStatus) error {
	r, ok := m.referrals[id]
	if !ok {
		return ErrNotFound
	}
	if !r.IsDraft {
		return ErrNotDraft
	}
	r.IsDraft = false
	r.SentAt = &sentAt
	r.Departments = append([]DepartmentStatus(nil), rows...)
	return nil
}

func (m *mockRepo) GetDepartmentStatus(_ context.Context, referralID, departmentID uuid.UUID) (*DepartmentStatus, error) {
	r, ok := m.referrals[referralID]
	if !ok {
		return nil, ErrNotFound
	}
	row, ok := r.Row(departmentID)
	if !ok {
		return nil, ErrDepartmentNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *mockRepo) UpdateDepartmentStatus(_ context.Context, row *DepartmentStatus, expectedVersion int) error {
	r, ok := m.referrals[row.ReferralID]
	if !ok {
		return ErrNotFound
	}
	stored, ok := r.Row(row.DepartmentID)
	if !ok {
		return ErrDepartmentNotFound
	}
	if stored.Version != expectedVersion {
		return &ConflictError{Expected: expectedVersion, Current: stored.Version}
	}
	row.Version = expectedVersion + 1
	row.UpdatedAt = m.tick()
	*stored = *row
	return nil
}

func (m *mockRepo) RecordPayment(_ context.Context, p *PaymentRecord) error {
	p.ID = uuid.New()
	p.CreatedAt = m.tick()
	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m *mockRepo) ListPayments(_ context.Context, referralID uuid.UUID) ([]*PaymentRecord, error) {
	var out []*PaymentRecord
	for _, p := range m.payments {
		if p.ReferralID == referralID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) AppendActivity(_ context.Context, e *ActivityEntry) error {
	e.ID = uuid.New()
	cp := *e
	m.activity = append(m.activity, &cp)
	return nil
}

func (m *mockRepo) ListActivity(_ context.Context, referralID uuid.UUID, departmentID *uuid.UUID) ([]*ActivityEntry, error) {
	var out []*ActivityEntry
	for _, e := range m.activity {
		if e.ReferralID != referralID {
			continue
		}
		if departmentID != nil && (e.DepartmentID == nil || *e.DepartmentID != *departmentID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) ListInbox(_ context.Context, f InboxFilter, limit, offset int) ([]*Referral, int, error) {
	var out []*Referral
	for _, r := range m.referrals {
		if f.Matches(r) {
			out = append(out, cloneReferral(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	start, end := pagination.Window(len(out), limit, offset)
	return out[start:end], len(out), nil
}

func (m *mockRepo) AppendMessage(_ context.Context, msg *ChatMessage) error {
	msg.ID = uuid.New()
	msg.CreatedAt = m.tick()
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *mockRepo) ListMessages(_ context.Context, referralID, departmentID uuid.UUID, limit, offset int) ([]*ChatMessage, int, error) {
	var out []*ChatMessage
	for _, msg := range m.messages {
		if msg.ReferralID == referralID && msg.DepartmentID == departmentID {
			out = append(out, msg)
		}
	}
	start, end := pagination.Window(len(out), limit, offset)
	return out[start:end], len(out), nil
}

// WithinTx snapshots everything and restores it when fn fails.
func (m *mockRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	saved := make(map[uuid.UUID]*Referral, len(m.referrals))
	for id, r := range m.referrals {
		saved[id] = cloneReferral(r)
	}
	activity, payments, messages := len(m.activity), len(m.payments), len(m.messages)
	if err := fn(ctx); err != nil {
		m.referrals = saved
		m.activity = m.activity[:activity]
		m.payments = m.payments[:payments]
		m.messages = m.messages[:messages]
		return err
	}
	return nil
}

// -- Mock directory, ledger and gateway --

type mockDirectory struct {
	depts map[uuid.UUID]*org.Department
}

func (d *mockDirectory) GetDepartment(_ context.Context, id uuid.UUID) (*org.Department, error) {
	dept, ok := d.depts[id]
	if !ok {
		return nil, org.ErrNotFound
	}
	return dept, nil
}

type mockLedger struct {
	balances map[uuid.UUID]int64
	debits   int
}

func (l *mockLedger) Debit(_ context.Context, orgID uuid.UUID, credits int64, reason string) (*org.CreditTransaction, error) {
	if l.balances[orgID] < credits {
		return nil, org.ErrInsufficientCredits
	}
	l.balances[orgID] -= credits
	l.debits++
	return &org.CreditTransaction{ID: uuid.New(), OrganizationID: orgID, Delta: -credits, BalanceAfter: l.balances[orgID], Reason: reason}, nil
}

// flakyGateway wraps the sandbox and can be told to fail like an
// unreachable gateway.
type flakyGateway struct {
	payment.SandboxGateway
	down     bool
	confirms int
}

func (g *flakyGateway) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*payment.Intent, error) {
	if g.down {
		return nil, payment.ErrNetwork
	}
	return g.SandboxGateway.CreateIntent(ctx, amountCents, currency, metadata)
}

func (g *flakyGateway) Confirm(ctx context.Context, pm, secret, key string) (*payment.ChargeResult, error) {
	g.confirms++
	if g.down {
		return nil, payment.ErrNetwork
	}
	return g.SandboxGateway.Confirm(ctx, pm, secret, key)
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// -- Test environment --

type testEnv struct {
	svc       *Service
	repo      *mockRepo
	dir       *mockDirectory
	ledger    *mockLedger
	gateway   *flakyGateway
	sessions  *payment.SessionStore
	published *recordingPublisher

	senderOrg   uuid.UUID
	receiverOrg uuid.UUID
	otherOrg    uuid.UUID
	d1, d2, d3  uuid.UUID

	sender   auth.Identity
	receiver auth.Identity
	staffD1  auth.Identity
	outsider auth.Identity
	admin    auth.Identity
}

func newTestEnv() *testEnv {
	env := &testEnv{
		repo:        newMockRepo(),
		dir:         &mockDirectory{depts: make(map[uuid.UUID]*org.Department)},
		ledger:      &mockLedger{balances: make(map[uuid.UUID]int64)},
		gateway:     &flakyGateway{},
		sessions:    payment.NewSessionStore(kv.NewMemoryKV(), 30*time.Minute),
		published:   &recordingPublisher{},
		senderOrg:   uuid.New(),
		receiverOrg: uuid.New(),
		otherOrg:    uuid.New(),
	}
	env.d1 = env.addDepartment(env.receiverOrg, "Home Health")
	env.d2 = env.addDepartment(env.receiverOrg, "Hospice")
	env.d3 = env.addDepartment(env.receiverOrg, "Therapy")

	env.sender = auth.Identity{UserID: uuid.New(), OrganizationID: env.senderOrg, Roles: []string{auth.RoleOrgAdmin}}
	env.receiver = auth.Identity{UserID: uuid.New(), OrganizationID: env.receiverOrg, Roles: []string{auth.RoleOrgAdmin}}
	env.staffD1 = auth.Identity{UserID: uuid.New(), OrganizationID: env.receiverOrg, Roles: []string{auth.RoleStaff}, DepartmentIDs: []uuid.UUID{env.d1}}
	env.outsider = auth.Identity{UserID: uuid.New(), OrganizationID: env.otherOrg, Roles: []string{auth.RoleOrgAdmin}}
	env.admin = auth.Identity{UserID: uuid.New(), Roles: []string{auth.RoleAdmin}}

	processor := payment.NewProcessor(payment.NewPricing(1000, 1, 3, "usd"), env.gateway, env.ledger)
	env.svc = NewService(env.repo, env.dir, processor, env.sessions, 1, zerolog.Nop())
	env.svc.SetPublisher(env.published)
	return env
}

type binding struct {
	org, referral uuid.UUID
	urls          []string
}

type recordingBinder struct {
	calls []binding
	err   error
}

func (b *recordingBinder) Bind(_ context.Context, orgID, referralID uuid.UUID, urls []string) error {
	b.calls = append(b.calls, binding{org: orgID, referral: referralID, urls: urls})
	return b.err
}

func (e *testEnv) addDepartment(orgID uuid.UUID, name string) uuid.UUID {
	d := &org.Department{ID: uuid.New(), OrganizationID: orgID, Name: name, Active: true}
	e.dir.depts[d.ID] = d
	return d.ID
}

func validReferral() Referral {
	return Referral{
		Patient: Patient{
			FirstName:   "Maria",
			LastName:    "Lopez",
			DateOfBirth: "1950-04-12",
			Gender:      "female",
			Address:     Address{Line: "12 Elm St", City: "Austin", State: "TX", Zip: "78701"},
		},
		Services:       Services{Specialties: []string{"home_health"}},
		Attachments:    Attachments{FaceSheet: "https://files.example.test/face.pdf"},
		AdditionalInfo: AdditionalInfo{Phone: "512-555-0100", SSN: "123-45-6789", Notes: "Prefers mornings."},
		Insurance:      []Insurance{{Payer: "BCBS", Policy: "P123", PlanGroup: "G1"}},
	}
}

// sendTo creates and sends a valid referral from the sender org.
func (e *testEnv) sendTo(targets ...Target) *View {
	v, err := e.svc.CreateReferral(context.Background(), e.sender, CreateRequest{
		Referral: validReferral(),
		Send:     true,
		Targets:  targets,
	})
	if err != nil {
		panic(err)
	}
	return v
}

func (e *testEnv) row(refID, deptID uuid.UUID) DepartmentStatus {
	r, err := e.repo.GetDepartmentStatus(context.Background(), refID, deptID)
	if err != nil {
		panic(err)
	}
	return *r
}

func departmentView(v *View, deptID uuid.UUID) (DepartmentView, bool) {
	for _, d := range v.Departments {
		if d.DepartmentID == deptID {
			return d, true
		}
	}
	return DepartmentView{}, false
}

