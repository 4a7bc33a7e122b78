package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcn/rcn/internal/domain/org"
	"github.com/rcn/rcn/internal/domain/payment"
	"github.com/rcn/rcn/internal/platform/auth"
	"github.com/rcn/rcn/internal/platform/events"
	"github.com/rcn/rcn/internal/platform/metrics"
	"github.com/rcn/rcn/internal/platform/phi"
	"github.com/rcn/rcn/internal/platform/tracing"
	"github.com/rcn/rcn/internal/platform/websocket"
)

// DepartmentDirectory resolves receiving departments. Satisfied by
// *org.Service.
type DepartmentDirectory interface {
	GetDepartment(ctx context.Context, id uuid.UUID) (*org.Department, error)
}

// DocumentBinder records which uploaded files a referral references.
// Satisfied by *blobstore.Binder.
type DocumentBinder interface {
	Bind(ctx context.Context, orgID, referralID uuid.UUID, urls []string) error
}

const gatewayActor = "payment-gateway"

type Service struct {
	repo        Repository
	departments DepartmentDirectory
	payments    payment.Processor
	sessions    *payment.SessionStore
	unlockCost  int64
	documents   DocumentBinder

	sealer    phi.Sealer
	publisher events.Publisher
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the referral workflow. unlockCredits is what one
// sender-paid department costs the sender.
func NewService(repo Repository, departments DepartmentDirectory, payments payment.Processor,
	sessions *payment.SessionStore, unlockCredits int64, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		departments: departments,
		payments:    payments,
		sessions:    sessions,
		unlockCost:  unlockCredits,
		sealer:      phi.PlainSealer{},
		publisher:   events.Nop{},
		tracer:      tracing.Tracer("rcn/referral"),
		logger:      logger.With().Str("component", "referral").Logger(),
		now:         time.Now,
	}
}

func (s *Service) SetSealer(sealer phi.Sealer) { s.sealer = sealer }

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

func (s *Service) SetMetrics(m *metrics.Collector) { s.metrics = m }

func (s *Service) SetDocuments(b DocumentBinder) { s.documents = b }

// documentURLs lists every file link on the referral.
func documentURLs(ref *Referral) []string {
	a := ref.Attachments
	urls := []string{a.FaceSheet, a.MedicationList, a.DischargeSummary, a.SignedOrder, a.HistoryPhysical, a.ProgressNotes}
	for _, d := range a.WoundPhotos {
		urls = append(urls, d.URL)
	}
	for _, d := range a.OtherDocuments {
		urls = append(urls, d.URL)
	}
	for _, in := range ref.Insurance {
		urls = append(urls, in.DocumentURL)
	}
	out := urls[:0]
	for _, u := range urls {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

func (s *Service) bindDocuments(ctx context.Context, ref *Referral) error {
	if s.documents == nil {
		return nil
	}
	if err := s.documents.Bind(ctx, ref.SenderOrganizationID, ref.ID, documentURLs(ref)); err != nil {
		return fmt.Errorf("bind documents: %w", err)
	}
	return nil
}

func actorOf(id auth.Identity) string {
	return "user:" + id.UserID.String()
}

func (s *Service) startSpan(ctx context.Context, name string, referralID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "referral."+name, trace.WithAttributes(attribute.String("referral.id", referralID.String())))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// -- PHI --

func (s *Service) seal(ref *Referral) (*Referral, error) {
	cp := *ref
	sealed, err := s.sealer.Seal(ref.AdditionalInfo.SSN)
	if err != nil {
		return nil, fmt.Errorf("seal ssn: %w", err)
	}
	cp.AdditionalInfo.SSN = sealed
	return &cp, nil
}

func (s *Service) open(ref *Referral) error {
	plain, err := s.sealer.Open(ref.AdditionalInfo.SSN)
	if err != nil {
		return fmt.Errorf("open ssn: %w", err)
	}
	ref.AdditionalInfo.SSN = plain
	return nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Referral, error) {
	ref, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.open(ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// -- Events & metrics --

func (s *Service) publish(ctx context.Context, typ string, ref *Referral, row *DepartmentStatus) {
	ev := events.Event{Type: typ, ReferralID: ref.ID, At: s.now().UTC(), Organizations: []uuid.UUID{ref.SenderOrganizationID}}
	if row != nil {
		dept := row.DepartmentID
		ev.DepartmentID = &dept
		ev.Status = string(row.Status)
		ev.PaymentStatus = string(row.PaymentStatus)
		ev.Organizations = append(ev.Organizations, row.OrganizationID)
	} else {
		for _, r := range ref.Departments {
			ev.Organizations = append(ev.Organizations, r.OrganizationID)
		}
	}
	// Sinks log their own failures.
	_ = s.publisher.Publish(ctx, ev)
}

func (s *Service) countTransition(ev Event, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		outcome = "conflict"
		s.metrics.ConflictsTotal.Inc()
	case errors.Is(err, ErrInvalidTransition):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	s.metrics.TransitionsTotal.WithLabelValues(string(ev), outcome).Inc()
}

func (s *Service) countPayment(method payment.Method, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientCredits):
		outcome = "insufficient_credits"
	case errors.Is(err, ErrNetwork):
		outcome = "network"
	case errors.Is(err, payment.ErrChargeFailed):
		outcome = "declined"
	default:
		outcome = "error"
	}
	s.metrics.PaymentsTotal.WithLabelValues(string(method), outcome).Inc()
}

func (s *Service) appendActivity(ctx context.Context, refID uuid.UUID, dept *uuid.UUID, actor, action, msg string) error {
	e := &ActivityEntry{
		ReferralID:   refID,
		DepartmentID: dept,
		Actor:        actor,
		Action:       action,
		Message:      msg,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.AppendActivity(ctx, e); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// -- Create / draft / send --

type CreateRequest struct {
	Referral Referral `json:"referral"`
	Send     bool     `json:"send"`
	Targets  []Target `json:"departments"`
}

// CreateReferral stores a new referral as a draft, and sends it right away
// when req.Send is set. Nothing is written unless every check passes.
func (s *Service) CreateReferral(ctx context.Context, actor auth.Identity, req CreateRequest) (_ *View, err error) {
	ref := req.Referral
	ref.ID = uuid.New()
	ctx, span := s.startSpan(ctx, "create", ref.ID)
	defer func() { endSpan(span, err) }()

	ref.SenderOrganizationID = actor.OrganizationID
	ref.SenderUserID = actor.UserID
	ref.IsDraft = true
	ref.SentAt = nil
	ref.Departments = nil

	Normalize(&ref)
	if err := Validate(&ref, req.Send, s.now()); err != nil {
		return nil, err
	}
	var rows []DepartmentStatus
	if req.Send {
		if rows, err = s.resolveTargets(ctx, ref.ID, req.Targets); err != nil {
			return nil, err
		}
	}
	sealed, err := s.seal(&ref)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, sealed); err != nil {
			return fmt.Errorf("create referral: %w", err)
		}
		if err := s.bindDocuments(ctx, &ref); err != nil {
			return err
		}
		if err := s.appendActivity(ctx, ref.ID, nil, actorOf(actor), ActionCreated, "Referral created."); err != nil {
			return err
		}
		if req.Send {
			return s.send(ctx, actor, &ref, rows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := "draft"
	if req.Send {
		kind = "sent"
		s.publish(ctx, events.TypeReferralSent, &ref, nil)
	}
	if s.metrics != nil {
		s.metrics.ReferralsCreated.WithLabelValues(kind).Inc()
	}
	s.logger.Info().Str("referral_id", ref.ID.String()).Str("kind", kind).Int("departments", len(rows)).Msg("referral created")
	return s.GetReferralView(ctx, actor, ref.ID, nil)
}

// resolveTargets turns targets into pending rows. Unknown or inactive
// departments are reported as field errors.
func (s *Service) resolveTargets(ctx context.Context, refID uuid.UUID, targets []Target) ([]DepartmentStatus, error) {
	if err := ValidateTargets(targets); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	v := &ValidationError{}
	rows := make([]DepartmentStatus, 0, len(targets))
	for i, t := range targets {
		d, err := s.departments.GetDepartment(ctx, t.DepartmentID)
		if errors.Is(err, org.ErrNotFound) || (err == nil && !d.Active) {
			v.add(fmt.Sprintf("departments[%d]", i), "Department "+t.DepartmentID.String()+" is not available.")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve department: %w", err)
		}
		rows = append(rows, DepartmentStatus{
			ReferralID:     refID,
			DepartmentID:   d.ID,
			OrganizationID: d.OrganizationID,
			BranchID:       d.BranchID,
			Status:         StatusPending,
			PaymentStatus:  PaymentNotPaid,
			IsPaidBySender: t.PaidBySender,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}
	return rows, nil
}

// send runs inside a transaction. Sender-paid rows are charged to the
// sender's credits first so a short balance aborts the whole send.
func (s *Service) send(ctx context.Context, actor auth.Identity, ref *Referral, rows []DepartmentStatus) error {
	var prepaid []DepartmentStatus
	for _, row := range rows {
		if row.IsPaidBySender {
			prepaid = append(prepaid, row)
		}
	}
	if len(prepaid) > 0 && s.unlockCost > 0 {
		total := s.unlockCost * int64(len(prepaid))
		if err := s.payments.DebitCredits(ctx, ref.SenderOrganizationID, total, "sender-paid unlock for referral "+ref.ID.String()); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	if err := s.repo.Send(ctx, ref.ID, now, rows); err != nil {
		return fmt.Errorf("send referral: %w", err)
	}
	for _, row := range prepaid {
		rec := &PaymentRecord{
			ReferralID:   ref.ID,
			DepartmentID: row.DepartmentID,
			Method:       payment.MethodSenderCredits,
			Credits:      s.unlockCost,
		}
		if err := s.repo.RecordPayment(ctx, rec); err != nil {
			return fmt.Errorf("record sender payment: %w", err)
		}
	}
	msg := fmt.Sprintf("Referral sent to %d department(s).", len(rows))
	if len(prepaid) > 0 {
		msg = fmt.Sprintf("Referral sent to %d department(s), %d paid by sender.", len(rows), len(prepaid))
	}
	if err := s.appendActivity(ctx, ref.ID, nil, actorOf(actor), ActionSent, msg); err != nil {
		return err
	}

	ref.IsDraft = false
	ref.SentAt = &now
	ref.Departments = rows
	return nil
}

// senderOnly loads a referral the caller's organization sent.
func (s *Service) senderOnly(ctx context.Context, actor auth.Identity, id uuid.UUID) (*Referral, error) {
	ref, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref.SenderOrganizationID != actor.OrganizationID && !actor.IsPlatformAdmin() {
		if ref.IsDraft {
			return nil, ErrNotFound
		}
		return nil, ErrForbidden
	}
	return ref, nil
}

func (s *Service) UpdateDraft(ctx context.Context, actor auth.Identity, id uuid.UUID, in Referral) (*View, error) {
	existing, err := s.senderOnly(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !existing.IsDraft {
		return nil, ErrNotDraft
	}

	ref := in
	ref.ID = existing.ID
	ref.SenderOrganizationID = existing.SenderOrganizationID
	ref.SenderUserID = existing.SenderUserID
	ref.IsDraft = true
	ref.CreatedAt = existing.CreatedAt
	ref.SentAt = nil
	ref.Departments = nil
	Normalize(&ref)
	if err := Validate(&ref, false, s.now()); err != nil {
		return nil, err
	}
	sealed, err := s.seal(&ref)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateDraft(ctx, sealed); err != nil {
		return nil, err
	}
	if err := s.bindDocuments(ctx, &ref); err != nil {
		return nil, err
	}
	return s.GetReferralView(ctx, actor, id, nil)
}

func (s *Service) DeleteDraft(ctx context.Context, actor auth.Identity, id uuid.UUID) error {
	ref, err := s.senderOnly(ctx, actor, id)
	if err != nil {
		return err
	}
	if !ref.IsDraft {
		return ErrNotDraft
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("referral_id", id.String()).Msg("draft deleted")
	return nil
}

// SendReferral dispatches a draft to the target departments.
func (s *Service) SendReferral(ctx context.Context, actor auth.Identity, id uuid.UUID, targets []Target) (_ *View, err error) {
	ctx, span := s.startSpan(ctx, "send", id)
	defer func() { endSpan(span, err) }()

	ref, err := s.senderOnly(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !ref.IsDraft {
		return nil, ErrNotDraft
	}
	if err := Validate(ref, true, s.now()); err != nil {
		return nil, err
	}
	rows, err := s.resolveTargets(ctx, id, targets)
	if err != nil {
		return nil, err
	}
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		return s.send(ctx, actor, ref, rows)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeReferralSent, ref, nil)
	s.logger.Info().Str("referral_id", id.String()).Int("departments", len(rows)).Msg("referral sent")
	return s.GetReferralView(ctx, actor, id, nil)
}

// -- Reads --

// CanReadDocuments returns nil when actor may view the referral, and with it
// the files it references.
func (s *Service) CanReadDocuments(ctx context.Context, actor auth.Identity, id uuid.UUID) error {
	_, err := s.GetReferralView(ctx, actor, id, nil)
	return err
}

// DocumentsLocked reports whether the referral has been sent. Files it
// references can no longer be removed by the sender.
func (s *Service) DocumentsLocked(ctx context.Context, id uuid.UUID) (bool, error) {
	ref, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !ref.IsDraft, nil
}

// GetReferralView returns the referral as actor may see it. Receivers look
// through one of their organization's rows: departmentID when given, else
// the first row they act for.
func (s *Service) GetReferralView(ctx context.Context, actor auth.Identity, id uuid.UUID, departmentID *uuid.UUID) (*View, error) {
	ref, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if ref.SenderOrganizationID == actor.OrganizationID || actor.IsPlatformAdmin() {
		var selected *DepartmentStatus
		if departmentID != nil {
			row, ok := ref.Row(*departmentID)
			if !ok {
				return nil, ErrDepartmentNotFound
			}
			selected = row
		}
		return newView(ref, ViewerSender, ref.Departments, selected, actor), nil
	}

	if ref.IsDraft {
		return nil, ErrNotFound
	}
	var own []DepartmentStatus
	for _, row := range ref.Departments {
		if row.OrganizationID == actor.OrganizationID {
			own = append(own, row)
		}
	}
	if len(own) == 0 {
		return nil, ErrNotFound
	}

	var selected *DepartmentStatus
	if departmentID != nil {
		for i := range own {
			if own[i].DepartmentID == *departmentID {
				selected = &own[i]
			}
		}
		if selected == nil {
			return nil, ErrDepartmentNotFound
		}
	} else {
		selected = &own[0]
		for i := range own {
			if actor.InDepartment(own[i].DepartmentID) {
				selected = &own[i]
				break
			}
		}
	}
	return newView(ref, ViewerReceiver, own, selected, actor), nil
}

// CanWatch decides websocket subscriptions: organization topics for members,
// referral topics for the sender and receiving organizations.
func (s *Service) CanWatch(id auth.Identity, topic string) bool {
	if id.IsPlatformAdmin() {
		return true
	}
	if topic == websocket.OrgTopic(id.OrganizationID) {
		return true
	}
	raw, ok := strings.CutPrefix(topic, "referral:")
	if !ok {
		return false
	}
	refID, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.GetReferralView(ctx, id, refID, nil)
	return err == nil
}

// ListInbox returns one page of the caller's inbox. Staff without the org
// admin role only see rows of their own departments on the receiving side.
func (s *Service) ListInbox(ctx context.Context, actor auth.Identity, f InboxFilter, limit, offset int) ([]InboxItem, int, error) {
	f, err := s.scopeFilter(actor, f)
	if err != nil {
		return nil, 0, err
	}
	refs, total, err := s.repo.ListInbox(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items := make([]InboxItem, 0, len(refs))
	for _, ref := range refs {
		items = append(items, newInboxItem(ref, f))
	}
	return items, total, nil
}

func (s *Service) scopeFilter(actor auth.Identity, f InboxFilter) (InboxFilter, error) {
	if f.OrganizationID == uuid.Nil || !actor.IsPlatformAdmin() {
		f.OrganizationID = actor.OrganizationID
	}
	for _, d := range f.DepartmentIDs {
		if !actor.InDepartment(d) {
			return f, ErrForbidden
		}
	}
	staffOnly := !actor.HasRole(auth.RoleOrgAdmin) && !actor.IsPlatformAdmin()
	if len(f.DepartmentIDs) == 0 && staffOnly && len(actor.DepartmentIDs) > 0 {
		f.DepartmentIDs = actor.DepartmentIDs
	}
	return f, nil
}

// ListActivity returns the log oldest first. With departmentID only that
// department's entries are returned; otherwise receivers get the
// referral-wide entries plus those of their own rows.
func (s *Service) ListActivity(ctx context.Context, actor auth.Identity, id uuid.UUID, departmentID *uuid.UUID) ([]*ActivityEntry, error) {
	view, err := s.GetReferralView(ctx, actor, id, departmentID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListActivity(ctx, id, departmentID)
	if err != nil {
		return nil, err
	}
	if view.Viewer == ViewerSender || departmentID != nil {
		return entries, nil
	}
	own := make(map[uuid.UUID]bool, len(view.Departments))
	for _, d := range view.Departments {
		own[d.DepartmentID] = true
	}
	out := entries[:0]
	for _, e := range entries {
		if e.DepartmentID == nil || own[*e.DepartmentID] {
			out = append(out, e)
		}
	}
	return out, nil
}

// -- Receiver transitions --

// receiverRow loads the referral and the caller's row on it.
func (s *Service) receiverRow(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID) (*Referral, *DepartmentStatus, error) {
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
	if !actor.IsPlatformAdmin() && (row.OrganizationID != actor.OrganizationID || !actor.InDepartment(deptID)) {
		return nil, nil, ErrForbidden
	}
	return ref, row, nil
}

func checkVersion(row *DepartmentStatus, expected int) error {
	if expected <= 0 {
		return &ValidationError{Fields: []FieldError{{Field: "expected_version", Message: "expected_version is required."}}}
	}
	if row.Version != expected {
		return &ConflictError{Expected: expected, Current: row.Version}
	}
	return nil
}

var transitionMessages = map[Event]struct{ action, msg string }{
	EventAccept: {ActionAccepted, "Referral accepted."},
	EventReject: {ActionRejected, "Referral rejected."},
}

func (s *Service) transition(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, ev Event, reason string, expected int) (_ *View, err error) {
	ctx, span := s.startSpan(ctx, string(ev), refID)
	defer func() { endSpan(span, err) }()
	defer func() { s.countTransition(ev, err) }()

	var ref *Referral
	var next DepartmentStatus
	var changed bool
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		r, row, err := s.receiverRow(ctx, actor, refID, deptID)
		if err != nil {
			return err
		}
		if err := checkVersion(row, expected); err != nil {
			return err
		}
		ref = r
		next, changed, err = Apply(*row, ev, reason)
		if err != nil || !changed {
			return err
		}
		if err := s.repo.UpdateDepartmentStatus(ctx, &next, expected); err != nil {
			return err
		}
		m := transitionMessages[ev]
		msg := m.msg
		if ev == EventReject && reason != "" {
			msg = "Referral rejected: " + reason
		}
		return s.appendActivity(ctx, refID, &deptID, actorOf(actor), m.action, msg)
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.With().Str("referral_id", refID.String()).Str("department_id", deptID.String()).Str("event", string(ev)).Logger()
	if !changed {
		log.Debug().Msg("accept no-op")
	} else {
		log.Info().Int("version", next.Version).Msg("department status changed")
		if ev == EventReject {
			s.dropSession(ctx, refID, deptID)
		}
		s.publish(ctx, events.TypeDepartmentUpdated, ref, &next)
	}
	return s.GetReferralView(ctx, actor, refID, &deptID)
}

func (s *Service) Accept(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, expectedVersion int) (*View, error) {
	return s.transition(ctx, actor, refID, deptID, EventAccept, "", expectedVersion)
}

func (s *Service) Reject(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, reason string, expectedVersion int) (*View, error) {
	return s.transition(ctx, actor, refID, deptID, EventReject, strings.TrimSpace(reason), expectedVersion)
}

// MarkCompleted records external fulfillment of a paid department.
func (s *Service) MarkCompleted(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, expectedVersion int) (*View, error) {
	var ref *Referral
	var next DepartmentStatus
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetByID(ctx, refID)
		if err != nil {
			return err
		}
		row, ok := r.Row(deptID)
		if !ok {
			return ErrDepartmentNotFound
		}
		if err := checkVersion(row, expectedVersion); err != nil {
			return err
		}
		ref = r
		if next, err = Complete(*row); err != nil {
			return err
		}
		if err := s.repo.UpdateDepartmentStatus(ctx, &next, expectedVersion); err != nil {
			return err
		}
		return s.appendActivity(ctx, refID, &deptID, actorOf(actor), ActionCompleted, "Referral marked completed.")
	})
	s.countTransition("complete", err)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeDepartmentUpdated, ref, &next)
	return s.GetReferralView(ctx, actor, refID, &deptID)
}

// -- Payments --

// QuotePayment prices the unlock for the caller's department. A sender-paid
// row quotes nothing to pay.
func (s *Service) QuotePayment(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, method payment.Method) (*payment.PaymentSummary, error) {
	_, row, err := s.receiverRow(ctx, actor, refID, deptID)
	if err != nil {
		return nil, err
	}
	if !RequiresCharge(*row) {
		return &payment.PaymentSummary{
			ReferralID:   refID,
			DepartmentID: deptID,
			Method:       payment.MethodSenderCredits,
			Message:      "The sending organization already paid for this referral.",
		}, nil
	}
	if _, _, err := Apply(*row, EventPay, ""); err != nil {
		return nil, err
	}
	if method == "" {
		method = payment.MethodCard
	}
	return s.payments.Quote(ctx, refID, deptID, method)
}

type PayRequest struct {
	Method          payment.Method `json:"method"`
	UseCredits      bool           `json:"use_credits"`
	PaymentMethodID string         `json:"payment_method_id"`
	ExpectedVersion int            `json:"expected_version"`
}

func (r PayRequest) method() (payment.Method, error) {
	switch {
	case r.UseCredits:
		return payment.MethodCredits, nil
	case r.Method == payment.MethodCard || r.Method == payment.MethodCredits:
		return r.Method, nil
	case r.Method == "" && r.PaymentMethodID != "":
		return payment.MethodCard, nil
	}
	return "", ErrPaymentMethodRequired
}

const (
	PaymentOutcomePaid                 = "paid"
	PaymentOutcomeRequiresConfirmation = "requires_confirmation"
)

type PaymentOutcome struct {
	Status       string                  `json:"status"`
	Summary      *payment.PaymentSummary `json:"summary"`
	SessionID    *uuid.UUID              `json:"session_id,omitempty"`
	ClientSecret string                  `json:"client_secret,omitempty"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	Referral     *View                   `json:"referral,omitempty"`
}

// InitiatePayment starts the unlock payment for the caller's department.
// Credits settle immediately. A card payment opens a session the browser
// confirms, unless a payment method id is supplied, in which case it is
// confirmed in the same call.
func (s *Service) InitiatePayment(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, req PayRequest) (_ *PaymentOutcome, err error) {
	ctx, span := s.startSpan(ctx, "pay", refID)
	defer func() { endSpan(span, err) }()

	method, err := req.method()
	if err != nil {
		return nil, err
	}

	ref, row, err := s.receiverRow(ctx, actor, refID, deptID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(row, req.ExpectedVersion); err != nil {
		return nil, err
	}
	if _, _, err := Apply(*row, EventPay, ""); err != nil {
		return nil, err
	}
	summary, err := s.payments.Quote(ctx, refID, deptID, method)
	if err != nil {
		return nil, err
	}

	if method == payment.MethodCredits {
		out, err := s.payWithCredits(ctx, actor, refID, deptID, summary, req.ExpectedVersion)
		s.countPayment(method, err)
		return out, err
	}

	sess := &payment.Session{
		ID:             uuid.New(),
		ReferralID:     refID,
		DepartmentID:   deptID,
		OrganizationID: row.OrganizationID,
		UserID:         actor.UserID,
		Summary:        *summary,
	}
	intent, err := s.payments.CreateIntent(ctx, summary, map[string]string{
		"session_id":    sess.ID.String(),
		"referral_id":   refID.String(),
		"department_id": deptID.String(),
	})
	if err != nil {
		s.countPayment(method, err)
		return nil, err
	}
	sess.IntentID = intent.ID
	sess.ClientSecret = intent.ClientSecret
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Card payment of %s initiated.", payment.FormatCents(summary.TotalCents))
	if err := s.appendActivity(ctx, refID, &deptID, actorOf(actor), ActionPaymentInitiated, msg); err != nil {
		return nil, err
	}
	s.logger.Info().Str("referral_id", refID.String()).Str("department_id", deptID.String()).Str("session_id", sess.ID.String()).Msg("payment initiated")
	s.publish(ctx, events.TypePaymentInitiated, ref, row)

	if req.PaymentMethodID != "" {
		return s.ConfirmPayment(ctx, actor, sess.ID, req.PaymentMethodID)
	}
	return &PaymentOutcome{
		Status:       PaymentOutcomeRequiresConfirmation,
		Summary:      summary,
		SessionID:    &sess.ID,
		ClientSecret: sess.ClientSecret,
		ExpiresAt:    &sess.ExpiresAt,
	}, nil
}

func (s *Service) payWithCredits(ctx context.Context, actor auth.Identity, refID, deptID uuid.UUID, summary *payment.PaymentSummary, expected int) (*PaymentOutcome, error) {
	var ref *Referral
	var next DepartmentStatus
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		r, row, err := s.receiverRow(ctx, actor, refID, deptID)
		if err != nil {
			return err
		}
		if err := checkVersion(row, expected); err != nil {
			return err
		}
		ref = r
		if next, _, err = Apply(*row, EventPay, ""); err != nil {
			return err
		}
		reason := fmt.Sprintf("unlock referral %s department %s", refID, deptID)
		if err := s.payments.DebitCredits(ctx, row.OrganizationID, summary.Credits, reason); err != nil {
			return err
		}
		if err := s.repo.UpdateDepartmentStatus(ctx, &next, expected); err != nil {
			return err
		}
		if err := s.repo.RecordPayment(ctx, &PaymentRecord{
			ReferralID:   refID,
			DepartmentID: deptID,
			Method:       payment.MethodCredits,
			Credits:      summary.Credits,
		}); err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
		credits := fmt.Sprintf("%d credit(s)", summary.Credits)
		if err := s.appendActivity(ctx, refID, &deptID, actorOf(actor), ActionPaymentInitiated, "Payment initiated with "+credits+"."); err != nil {
			return err
		}
		return s.appendActivity(ctx, refID, &deptID, actorOf(actor), ActionPaymentConfirmed, "Payment confirmed; "+credits+" debited.")
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("referral_id", refID.String()).Str("department_id", deptID.String()).Int64("credits", summary.Credits).Msg("paid with credits")
	s.dropSession(ctx, refID, deptID)
	s.publish(ctx, events.TypePaymentConfirmed, ref, &next)

	view, err := s.GetReferralView(ctx, actor, refID, &deptID)
	if err != nil {
		return nil, err
	}
	return &PaymentOutcome{Status: PaymentOutcomePaid, Summary: summary, Referral: view}, nil
}

func (s *Service) session(ctx context.Context, actor auth.Identity, id uuid.UUID) (*payment.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OrganizationID != actor.OrganizationID && !actor.IsPlatformAdmin() {
		return nil, payment.ErrSessionNotFound
	}
	return sess, nil
}

// ConfirmPayment charges the card behind a session. Only a successful
// charge marks the department paid; any failure leaves it as it was and
// keeps the session so the user can retry.
func (s *Service) ConfirmPayment(ctx context.Context, actor auth.Identity, sessionID uuid.UUID, paymentMethodID string) (_ *PaymentOutcome, err error) {
	defer func() { s.countPayment(payment.MethodCard, err) }()

	sess, err := s.session(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "confirm_payment", sess.ReferralID)
	defer func() { endSpan(span, err) }()

	if err := s.payable(ctx, sess); err != nil {
		if derr := s.sessions.Delete(ctx, sess.ID); derr != nil {
			s.logger.Warn().Err(derr).Str("session_id", sessionID.String()).Msg("payment session not removed")
		}
		return nil, err
	}
	res, err := s.payments.Charge(ctx, paymentMethodID, sess.ClientSecret)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("charge failed")
		return nil, err
	}
	if err := s.settleCard(ctx, actorOf(actor), sess, res.ID); err != nil {
		return nil, err
	}
	view, err := s.GetReferralView(ctx, actor, sess.ReferralID, &sess.DepartmentID)
	if err != nil {
		return nil, err
	}
	return &PaymentOutcome{Status: PaymentOutcomePaid, Summary: &sess.Summary, Referral: view}, nil
}

// payable checks the session's row can still take a payment, so a row
// rejected or paid since initiation is never charged.
func (s *Service) payable(ctx context.Context, sess *payment.Session) error {
	r, err := s.repo.GetByID(ctx, sess.ReferralID)
	if err != nil {
		return err
	}
	row, ok := r.Row(sess.DepartmentID)
	if !ok {
		return ErrDepartmentNotFound
	}
	_, _, err = Apply(*row, EventPay, "")
	return err
}

// dropSession discards an open card session for a row that no longer takes
// payment. Failures are logged; ConfirmPayment re-checks the row anyway.
func (s *Service) dropSession(ctx context.Context, refID, deptID uuid.UUID) {
	removed, err := s.sessions.DeleteForRow(ctx, refID, deptID)
	if err != nil {
		s.logger.Warn().Err(err).Str("referral_id", refID.String()).Str("department_id", deptID.String()).Msg("open payment session not removed")
		return
	}
	if removed {
		s.logger.Info().Str("referral_id", refID.String()).Str("department_id", deptID.String()).Msg("open payment session discarded")
	}
}

// ConfirmFromWebhook settles a session the gateway reports as paid.
func (s *Service) ConfirmFromWebhook(ctx context.Context, ev *payment.WebhookEvent) error {
	if ev.Type != payment.EventIntentSucceeded {
		s.logger.Debug().Str("type", ev.Type).Msg("webhook ignored")
		return nil
	}
	id, err := ev.SessionID()
	if err != nil {
		return err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.IntentID != ev.IntentID {
		return fmt.Errorf("%w: intent mismatch", payment.ErrSessionNotFound)
	}
	err = s.settleCard(ctx, gatewayActor, sess, ev.IntentID)
	s.countPayment(payment.MethodCard, err)
	return err
}

// settleCard marks the session's row paid. A row that is already paid
// (browser and webhook racing) is left alone.
func (s *Service) settleCard(ctx context.Context, actor string, sess *payment.Session, chargeRef string) error {
	var ref *Referral
	var next DepartmentStatus
	settled := false
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetByID(ctx, sess.ReferralID)
		if err != nil {
			return err
		}
		row, ok := r.Row(sess.DepartmentID)
		if !ok {
			return ErrDepartmentNotFound
		}
		if StateOf(*row) == StatePaid {
			return nil
		}
		ref = r
		if next, _, err = Apply(*row, EventPay, ""); err != nil {
			s.logger.Error().Err(err).Str("session_id", sess.ID.String()).Str("charge", chargeRef).
				Msg("charge succeeded but department can no longer be marked paid")
			return err
		}
		if err := s.repo.UpdateDepartmentStatus(ctx, &next, row.Version); err != nil {
			return err
		}
		if err := s.repo.RecordPayment(ctx, &PaymentRecord{
			ReferralID:   sess.ReferralID,
			DepartmentID: sess.DepartmentID,
			Method:       payment.MethodCard,
			AmountCents:  sess.Summary.TotalCents,
			FeeCents:     sess.Summary.FeeCents,
			ExternalRef:  chargeRef,
		}); err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
		settled = true
		msg := fmt.Sprintf("Card payment of %s confirmed.", payment.FormatCents(sess.Summary.TotalCents))
		return s.appendActivity(ctx, sess.ReferralID, &sess.DepartmentID, actor, ActionPaymentConfirmed, msg)
	})
	if err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("payment session not removed")
	}
	if settled {
		s.logger.Info().Str("referral_id", sess.ReferralID.String()).Str("department_id", sess.DepartmentID.String()).Msg("card payment confirmed")
		s.publish(ctx, events.TypePaymentConfirmed, ref, &next)
	}
	return nil
}

// CancelPayment drops a pending session. The department row is untouched.
func (s *Service) CancelPayment(ctx context.Context, actor auth.Identity, sessionID uuid.UUID) error {
	sess, err := s.session(ctx, actor, sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("delete payment session: %w", err)
	}
	s.logger.Info().Str("session_id", sessionID.String()).Str("referral_id", sess.ReferralID.String()).Msg("payment cancelled")
	return nil
}

func (s *Service) ListPayments(ctx context.Context, actor auth.Identity, refID uuid.UUID) ([]*PaymentRecord, error) {
	view, err := s.GetReferralView(ctx, actor, refID, nil)
	if err != nil {
		return nil, err
	}
	recs, err := s.repo.ListPayments(ctx, refID)
	if err != nil {
		return nil, err
	}
	if view.Viewer == ViewerSender {
		return recs, nil
	}
	own := make(map[uuid.UUID]bool)
	for _, d := range view.Departments {
		own[d.DepartmentID] = true
	}
	out := recs[:0]
	for _, r := range recs {
		if own[r.DepartmentID] {
			out = append(out, r)
		}
	}
	return out, nil
}
