package referral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestListInbox_Directions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sent := env.sendTo(Target{DepartmentID: env.d1})
	draft, _ := env.svc.CreateReferral(ctx, env.sender, CreateRequest{Referral: validReferral()})

	items, total, err := env.svc.ListInbox(ctx, env.sender, InboxFilter{Direction: DirectionSent}, 20, 0)
	if err != nil {
		t.Fatalf("sender inbox: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected sent referral and draft, got %d", total)
	}
	if items[0].ID != draft.ID || items[0].Direction != DirectionSent {
		t.Error("expected newest first, marked sent")
	}

	items, total, err = env.svc.ListInbox(ctx, env.receiver, InboxFilter{}, 20, 0)
	if err != nil {
		t.Fatalf("receiver inbox: %v", err)
	}
	if total != 1 || items[0].ID != sent.ID {
		t.Fatalf("receiver must see only the sent referral, got %d", total)
	}
	if items[0].Direction != DirectionReceived || len(items[0].Departments) != 1 {
		t.Errorf("unexpected received item %+v", items[0])
	}

	items, _, _ = env.svc.ListInbox(ctx, env.outsider, InboxFilter{}, 20, 0)
	if len(items) != 0 {
		t.Error("outsiders see nothing")
	}
}

func TestListInbox_Filters(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := env.sendTo(Target{DepartmentID: env.d1})
	b := env.sendTo(Target{DepartmentID: env.d2})
	if _, err := env.svc.Reject(ctx, env.receiver, b.ID, env.d2, "", 1); err != nil {
		t.Fatalf("reject: %v", err)
	}

	items, _, _ := env.svc.ListInbox(ctx, env.receiver, InboxFilter{Label: LabelRejected}, 20, 0)
	if len(items) != 1 || items[0].ID != b.ID {
		t.Fatalf("expected only the rejected referral, got %d", len(items))
	}
	items, _, _ = env.svc.ListInbox(ctx, env.receiver, InboxFilter{Label: LabelPending}, 20, 0)
	if len(items) != 1 || items[0].ID != a.ID {
		t.Fatalf("expected only the pending referral, got %d", len(items))
	}

	items, _, _ = env.svc.ListInbox(ctx, env.receiver, InboxFilter{DepartmentIDs: []uuid.UUID{env.d1}}, 20, 0)
	if len(items) != 1 || items[0].ID != a.ID {
		t.Fatalf("expected the D1 referral, got %d", len(items))
	}

	items, _, _ = env.svc.ListInbox(ctx, env.receiver, InboxFilter{Search: "lopez"}, 20, 0)
	if len(items) != 2 {
		t.Errorf("search by last name should match both, got %d", len(items))
	}
	items, _, _ = env.svc.ListInbox(ctx, env.receiver, InboxFilter{Search: "smith"}, 20, 0)
	if len(items) != 0 {
		t.Errorf("search should not match, got %d", len(items))
	}

	future := env.repo.clock.Add(time.Hour)
	items, _, _ = env.svc.ListInbox(ctx, env.receiver, InboxFilter{From: &future}, 20, 0)
	if len(items) != 0 {
		t.Errorf("nothing is created after from, got %d", len(items))
	}
}

func TestListInbox_StaffScope(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.sendTo(Target{DepartmentID: env.d1})
	env.sendTo(Target{DepartmentID: env.d2})

	items, total, err := env.svc.ListInbox(ctx, env.staffD1, InboxFilter{}, 20, 0)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if total != 1 || items[0].Departments[0].DepartmentID != env.d1 {
		t.Fatalf("staff must only see their department's rows, got %d", total)
	}

	if _, _, err := env.svc.ListInbox(ctx, env.staffD1, InboxFilter{DepartmentIDs: []uuid.UUID{env.d2}}, 20, 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for another department, got %v", err)
	}

	items, _, _ = env.svc.ListInbox(ctx, env.receiver, InboxFilter{}, 20, 0)
	if len(items) != 2 {
		t.Errorf("org admins see every department, got %d", len(items))
	}
}

func TestListInbox_Paging(t *testing.T) {
	env := newTestEnv()
	for i := 0; i < 5; i++ {
		env.sendTo(Target{DepartmentID: env.d1})
	}
	items, total, err := env.svc.ListInbox(context.Background(), env.receiver, InboxFilter{}, 2, 4)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if total != 5 || len(items) != 1 {
		t.Errorf("expected last page of one out of five, got %d of %d", len(items), total)
	}
}

func TestInboxFilter_Matches(t *testing.T) {
	me := uuid.New()
	dept := uuid.New()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	received := &Referral{
		SenderOrganizationID: uuid.New(),
		Patient:              Patient{FirstName: "Ana", LastName: "Ortiz"},
		CreatedAt:            created,
		Departments:          []DepartmentStatus{{DepartmentID: dept, OrganizationID: me, Status: StatusActive, PaymentStatus: PaymentPaid}},
	}
	yes, no := true, false
	day := created.Truncate(24 * time.Hour)
	nextDay := day.Add(24 * time.Hour)

	tests := []struct {
		name string
		f    InboxFilter
		want bool
	}{
		{"any direction", InboxFilter{OrganizationID: me}, true},
		{"received", InboxFilter{OrganizationID: me, Direction: DirectionReceived}, true},
		{"not sent", InboxFilter{OrganizationID: me, Direction: DirectionSent}, false},
		{"paid label", InboxFilter{OrganizationID: me, Label: LabelPaid}, true},
		{"accepted label", InboxFilter{OrganizationID: me, Label: LabelAccepted}, false},
		{"same day", InboxFilter{OrganizationID: me, From: &day, To: &nextDay}, true},
		{"to is exclusive", InboxFilter{OrganizationID: me, To: &created}, false},
		{"draft only", InboxFilter{OrganizationID: me, Draft: &yes}, false},
		{"non-draft", InboxFilter{OrganizationID: me, Draft: &no}, true},
		{"other department", InboxFilter{OrganizationID: me, DepartmentIDs: []uuid.UUID{uuid.New()}}, false},
		{"name search", InboxFilter{OrganizationID: me, Search: " ana ort "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(received); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}

	draft := *received
	draft.IsDraft = true
	if (InboxFilter{OrganizationID: me}).Matches(&draft) {
		t.Error("a draft is never in the receiver's inbox")
	}
}
