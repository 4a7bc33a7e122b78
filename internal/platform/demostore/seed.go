package demostore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcn/rcn/internal/domain/org"
	"github.com/rcn/rcn/internal/domain/referral"
	"github.com/rcn/rcn/internal/platform/auth"
)

// DemoPassword signs in every seeded user.
const DemoPassword = "demo1234"

// Seeded identifiers are fixed so a reset keeps bookmarked links working.
var (
	SenderOrgID   = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000001")
	ReceiverOrgID = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000002")

	senderBranchID   = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000101")
	receiverBranchID = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000102")

	DischargeDeptID = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000201")
	NursingDeptID   = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000202")
	TherapyDeptID   = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000203")

	sampleReferralID = uuid.MustParse("5b0d6a52-1f0e-4c59-9d55-000000000301")
)

func seedUser(orgID uuid.UUID, email, name, role string, hash string, depts []uuid.UUID, at time.Time) *userRecord {
	return &userRecord{
		User: org.User{
			ID:             uuid.NewSHA1(uuid.NameSpaceURL, []byte("rcn-demo:"+email)),
			OrganizationID: orgID,
			Email:          email,
			Name:           name,
			Role:           role,
			DepartmentIDs:  depts,
			Active:         true,
			CreatedAt:      at,
		},
		PasswordHash: hash,
	}
}

// SeedState builds the demo dataset: a sending hospital, a receiving home
// health agency with two departments, and one referral waiting on both.
func SeedState(now time.Time) (*State, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash demo password: %w", err)
	}
	pw := string(hash)
	st := emptyState()

	st.Organizations[SenderOrgID] = &org.Organization{
		ID: SenderOrgID, Name: "Riverside General Hospital", Email: "referrals@riverside.example",
		Phone: "555-0100", Address: org.Address{Line: "100 River Rd", City: "Springfield", State: "IL", Zip: "62701"},
		Active: true, CreditBalance: 50, CreatedAt: now, UpdatedAt: now,
	}
	st.Organizations[ReceiverOrgID] = &org.Organization{
		ID: ReceiverOrgID, Name: "Sunrise Home Health", Email: "intake@sunrise.example",
		Phone: "555-0200", Address: org.Address{Line: "22 Dawn Ave", City: "Springfield", State: "IL", Zip: "62704"},
		Active: true, CreditBalance: 20, CreatedAt: now, UpdatedAt: now,
	}
	for _, seed := range []struct {
		org   uuid.UUID
		delta int64
	}{{SenderOrgID, 50}, {ReceiverOrgID, 20}} {
		st.CreditTransactions = append(st.CreditTransactions, &org.CreditTransaction{
			ID: uuid.New(), OrganizationID: seed.org, Delta: seed.delta, BalanceAfter: seed.delta,
			Reason: "demo opening balance", CreatedAt: now,
		})
	}

	st.Branches[senderBranchID] = &org.Branch{ID: senderBranchID, OrganizationID: SenderOrgID, Name: "Main Campus", CreatedAt: now}
	st.Branches[receiverBranchID] = &org.Branch{ID: receiverBranchID, OrganizationID: ReceiverOrgID, Name: "North Office", CreatedAt: now}

	sb, rb := senderBranchID, receiverBranchID
	st.Departments[DischargeDeptID] = &org.Department{
		ID: DischargeDeptID, OrganizationID: SenderOrgID, BranchID: &sb, Name: "Discharge Planning",
		Specialties: []string{"case_management"}, Active: true, CreatedAt: now,
	}
	st.Departments[NursingDeptID] = &org.Department{
		ID: NursingDeptID, OrganizationID: ReceiverOrgID, BranchID: &rb, Name: "Skilled Nursing",
		Specialties: []string{"skilled_nursing", "wound_care"}, Active: true, CreatedAt: now,
	}
	st.Departments[TherapyDeptID] = &org.Department{
		ID: TherapyDeptID, OrganizationID: ReceiverOrgID, BranchID: &rb, Name: "Physical Therapy",
		Specialties: []string{"physical_therapy"}, Active: true, CreatedAt: now,
	}

	for _, u := range []*userRecord{
		seedUser(SenderOrgID, "admin@riverside.example", "Dana Admin", auth.RoleOrgAdmin, pw, []uuid.UUID{}, now),
		seedUser(SenderOrgID, "planner@riverside.example", "Sam Planner", auth.RoleStaff, pw, []uuid.UUID{DischargeDeptID}, now),
		seedUser(ReceiverOrgID, "admin@sunrise.example", "Robin Admin", auth.RoleOrgAdmin, pw, []uuid.UUID{}, now),
		seedUser(ReceiverOrgID, "nurse@sunrise.example", "Alex Nurse", auth.RoleStaff, pw, []uuid.UUID{NursingDeptID}, now),
		seedUser(ReceiverOrgID, "therapist@sunrise.example", "Jordan Therapist", auth.RoleStaff, pw, []uuid.UUID{TherapyDeptID}, now),
	} {
		st.Users[u.ID] = u
	}

	planner := uuid.NewSHA1(uuid.NameSpaceURL, []byte("rcn-demo:planner@riverside.example"))
	sent := now
	ref := &referral.Referral{
		ID:                   sampleReferralID,
		SenderOrganizationID: SenderOrgID,
		SenderUserID:         planner,
		Patient: referral.Patient{
			FirstName: "Maria", LastName: "Lopez", DateOfBirth: "1948-06-02", Gender: "female",
			Address: referral.Address{Line: "7 Elm St", City: "Springfield", State: "IL", Zip: "62702"},
		},
		Services:    referral.Services{Specialties: []string{"skilled_nursing", "physical_therapy"}},
		Attachments: referral.Attachments{FaceSheet: "https://files.example/demo/face-sheet.pdf"},
		AdditionalInfo: referral.AdditionalInfo{
			Phone: "555-0199", Language: "Spanish", RepresentativeName: "Luis Lopez", RepresentativePhone: "555-0198",
			Notes: "Lives with son; second-floor bedroom.",
		},
		Insurance: []referral.Insurance{{Payer: "Medicare", Policy: "1EG4-TE5-MK73", PlanGroup: "Part A"}},
		CreatedAt: now, SentAt: &sent, UpdatedAt: now,
	}
	for _, dept := range []uuid.UUID{NursingDeptID, TherapyDeptID} {
		b := receiverBranchID
		ref.Departments = append(ref.Departments, referral.DepartmentStatus{
			ReferralID: ref.ID, DepartmentID: dept, OrganizationID: ReceiverOrgID, BranchID: &b,
			Status: referral.StatusPending, PaymentStatus: referral.PaymentNotPaid,
			Version: 1, CreatedAt: now, UpdatedAt: now,
		})
	}
	st.Referrals[ref.ID] = ref
	st.Activity = append(st.Activity,
		&referral.ActivityEntry{ID: uuid.New(), ReferralID: ref.ID, Actor: "Sam Planner", Action: referral.ActionCreated,
			Message: "Referral created", CreatedAt: now},
		&referral.ActivityEntry{ID: uuid.New(), ReferralID: ref.ID, Actor: "Sam Planner", Action: referral.ActionSent,
			Message: "Referral sent to 2 departments", CreatedAt: now},
	)
	return st, nil
}
