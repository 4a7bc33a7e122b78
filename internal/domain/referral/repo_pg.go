package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcn/rcn/internal/platform/db"
)

type referralRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &referralRepoPG{pool: pool}
}

func (r *referralRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *referralRepoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

const referralCols = `id, sender_organization_id, sender_user_id, patient_first_name, patient_last_name,
	patient_dob, patient_gender, care_address, services, services_other, attachments, additional_info,
	insurance, primary_care, is_draft, created_at, sent_at, updated_at`

type referralJSON struct {
	address, attachments, info, insurance, primaryCare []byte
}

func encodeReferral(ref *Referral) (referralJSON, error) {
	var out referralJSON
	var err error
	if out.address, err = json.Marshal(ref.Patient.Address); err != nil {
		return out, err
	}
	if out.attachments, err = json.Marshal(ref.Attachments); err != nil {
		return out, err
	}
	if out.info, err = json.Marshal(ref.AdditionalInfo); err != nil {
		return out, err
	}
	ins := ref.Insurance
	if ins == nil {
		ins = []Insurance{}
	}
	if out.insurance, err = json.Marshal(ins); err != nil {
		return out, err
	}
	if ref.PrimaryCare != nil {
		if out.primaryCare, err = json.Marshal(ref.PrimaryCare); err != nil {
			return out, err
		}
	}
	return out, nil
}

func parseDOB(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

func scanReferral(row pgx.Row) (*Referral, error) {
	var ref Referral
	var dob *time.Time
	var gender, other *string
	var address, attachments, info, insurance, primaryCare []byte
	err := row.Scan(&ref.ID, &ref.SenderOrganizationID, &ref.SenderUserID, &ref.Patient.FirstName, &ref.Patient.LastName,
		&dob, &gender, &address, &ref.Services.Specialties, &other, &attachments, &info,
		&insurance, &primaryCare, &ref.IsDraft, &ref.CreatedAt, &ref.SentAt, &ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dob != nil {
		ref.Patient.DateOfBirth = dob.Format("2006-01-02")
	}
	if gender != nil {
		ref.Patient.Gender = *gender
	}
	if other != nil {
		ref.Services.Other = *other
	}
	for _, part := range []struct {
		raw []byte
		dst interface{}
	}{
		{address, &ref.Patient.Address},
		{attachments, &ref.Attachments},
		{info, &ref.AdditionalInfo},
		{insurance, &ref.Insurance},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, fmt.Errorf("decode referral %s: %w", ref.ID, err)
		}
	}
	if len(primaryCare) > 0 && string(primaryCare) != "null" {
		ref.PrimaryCare = &PrimaryCare{}
		if err := json.Unmarshal(primaryCare, ref.PrimaryCare); err != nil {
			return nil, fmt.Errorf("decode referral %s: %w", ref.ID, err)
		}
	}
	return &ref, nil
}

func (r *referralRepoPG) Create(ctx context.Context, ref *Referral) error {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	now := time.Now().UTC()
	ref.CreatedAt, ref.UpdatedAt = now, now
	enc, err := encodeReferral(ref)
	if err != nil {
		return fmt.Errorf("encode referral: %w", err)
	}
	specialties := ref.Services.Specialties
	if specialties == nil {
		specialties = []string{}
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO referral (`+referralCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		ref.ID, ref.SenderOrganizationID, ref.SenderUserID, ref.Patient.FirstName, ref.Patient.LastName,
		parseDOB(ref.Patient.DateOfBirth), ref.Patient.Gender, enc.address, specialties, ref.Services.Other,
		enc.attachments, enc.info, enc.insurance, enc.primaryCare, ref.IsDraft, ref.CreatedAt, ref.SentAt, ref.UpdatedAt)
	return err
}

func (r *referralRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Referral, error) {
	ref, err := scanReferral(r.conn(ctx).QueryRow(ctx, `SELECT `+referralCols+` FROM referral WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := r.loadDepartments(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	ref.Departments = rows[id]
	return ref, nil
}

func (r *referralRepoPG) UpdateDraft(ctx context.Context, ref *Referral) error {
	ref.UpdatedAt = time.Now().UTC()
	enc, err := encodeReferral(ref)
	if err != nil {
		return fmt.Errorf("encode referral: %w", err)
	}
	specialties := ref.Services.Specialties
	if specialties == nil {
		specialties = []string{}
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral SET patient_first_name=$2, patient_last_name=$3, patient_dob=$4, patient_gender=$5,
			care_address=$6, services=$7, services_other=$8, attachments=$9, additional_info=$10,
			insurance=$11, primary_care=$12, updated_at=$13
		WHERE id = $1 AND is_draft`,
		ref.ID, ref.Patient.FirstName, ref.Patient.LastName, parseDOB(ref.Patient.DateOfBirth), ref.Patient.Gender,
		enc.address, specialties, ref.Services.Other, enc.attachments, enc.info,
		enc.insurance, enc.primaryCare, ref.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.draftMiss(ctx, ref.ID)
	}
	return nil
}

// draftMiss tells a missing referral apart from one that was already sent.
func (r *referralRepoPG) draftMiss(ctx context.Context, id uuid.UUID) error {
	var draft bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT is_draft FROM referral WHERE id = $1`, id).Scan(&draft)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrNotDraft
}

func (r *referralRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM referral WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *referralRepoPG) Send(ctx context.Context, id uuid.UUID, sentAt time.Time, rows []DepartmentStatus) error {
	return r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx, `UPDATE referral SET is_draft = FALSE, sent_at = $2, updated_at = $2 WHERE id = $1 AND is_draft`, id, sentAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.draftMiss(ctx, id)
		}
		for _, row := range rows {
			_, err := q.Exec(ctx, `
				INSERT INTO referral_department (referral_id, department_id, organization_id, branch_id, status,
					payment_status, is_paid_by_sender, version, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				id, row.DepartmentID, row.OrganizationID, row.BranchID, row.Status,
				row.PaymentStatus, row.IsPaidBySender, row.Version, row.CreatedAt, row.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert department %s: %w", row.DepartmentID, err)
			}
		}
		return nil
	})
}

const deptCols = `referral_id, department_id, organization_id, branch_id, status, payment_status,
	is_paid_by_sender, rejection_reason, version, created_at, updated_at`

func scanDepartment(row pgx.Row) (*DepartmentStatus, error) {
	var d DepartmentStatus
	var reason *string
	err := row.Scan(&d.ReferralID, &d.DepartmentID, &d.OrganizationID, &d.BranchID, &d.Status, &d.PaymentStatus,
		&d.IsPaidBySender, &reason, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		d.RejectionReason = *reason
	}
	return &d, nil
}

func (r *referralRepoPG) loadDepartments(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]DepartmentStatus, error) {
	out := make(map[uuid.UUID][]DepartmentStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+deptCols+` FROM referral_department WHERE referral_id = ANY($1) ORDER BY created_at, department_id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		out[d.ReferralID] = append(out[d.ReferralID], *d)
	}
	return out, rows.Err()
}

func (r *referralRepoPG) GetDepartmentStatus(ctx context.Context, referralID, departmentID uuid.UUID) (*DepartmentStatus, error) {
	d, err := scanDepartment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+deptCols+` FROM referral_department WHERE referral_id = $1 AND department_id = $2`, referralID, departmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDepartmentNotFound
	}
	return d, err
}

func (r *referralRepoPG) UpdateDepartmentStatus(ctx context.Context, row *DepartmentStatus, expectedVersion int) error {
	row.UpdatedAt = time.Now().UTC()
	var version int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE referral_department
		SET status = $3, payment_status = $4, rejection_reason = NULLIF($5, ''), version = version + 1, updated_at = $6
		WHERE referral_id = $1 AND department_id = $2 AND version = $7
		RETURNING version`,
		row.ReferralID, row.DepartmentID, row.Status, row.PaymentStatus, row.RejectionReason, row.UpdatedAt, expectedVersion,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := r.GetDepartmentStatus(ctx, row.ReferralID, row.DepartmentID)
		if err != nil {
			return err
		}
		return &ConflictError{Expected: expectedVersion, Current: current.Version}
	}
	if err != nil {
		return err
	}
	row.Version = version
	return nil
}

func (r *referralRepoPG) RecordPayment(ctx context.Context, p *PaymentRecord) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO referral_payment (id, referral_id, department_id, method, amount_cents, fee_cents, credits, external_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.ReferralID, p.DepartmentID, p.Method, p.AmountCents, p.FeeCents, p.Credits, p.ExternalRef, p.CreatedAt)
	return err
}

func (r *referralRepoPG) ListPayments(ctx context.Context, referralID uuid.UUID) ([]*PaymentRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, referral_id, department_id, method, amount_cents, fee_cents, credits, external_ref, created_at
		FROM referral_payment WHERE referral_id = $1 ORDER BY created_at`, referralID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		var ref *string
		if err := rows.Scan(&p.ID, &p.ReferralID, &p.DepartmentID, &p.Method, &p.AmountCents, &p.FeeCents, &p.Credits, &ref, &p.CreatedAt); err != nil {
			return nil, err
		}
		if ref != nil {
			p.ExternalRef = *ref
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *referralRepoPG) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO referral_activity (id, referral_id, department_id, actor, action, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ReferralID, e.DepartmentID, e.Actor, e.Action, e.Message, e.CreatedAt)
	return err
}

func (r *referralRepoPG) ListActivity(ctx context.Context, referralID uuid.UUID, departmentID *uuid.UUID) ([]*ActivityEntry, error) {
	q := `SELECT id, referral_id, department_id, actor, action, message, created_at
		FROM referral_activity WHERE referral_id = $1`
	args := []interface{}{referralID}
	if departmentID != nil {
		q += ` AND department_id = $2`
		args = append(args, *departmentID)
	}
	rows, err := r.conn(ctx).Query(ctx, q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.ReferralID, &e.DepartmentID, &e.Actor, &e.Action, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// labelPredicate is the SQL form of LabelOf over alias d.
func labelPredicate(l Label) string {
	switch l {
	case LabelPending:
		return `(d.status = 'pending' AND d.payment_status <> 'paid')`
	case LabelAccepted:
		return `(d.status = 'active' AND d.payment_status <> 'paid')`
	case LabelPaid:
		return `(d.status IN ('pending','active') AND d.payment_status = 'paid')`
	case LabelRejected:
		return `d.status = 'rejected'`
	case LabelCompleted:
		return `d.status = 'completed'`
	}
	return `FALSE`
}

type queryBuilder struct {
	args []interface{}
}

func (b *queryBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (r *referralRepoPG) ListInbox(ctx context.Context, f InboxFilter, limit, offset int) ([]*Referral, int, error) {
	b := &queryBuilder{}
	org := b.arg(f.OrganizationID)

	rowConds := []string{"d.referral_id = r.id", "d.organization_id = " + org}
	if len(f.DepartmentIDs) > 0 {
		rowConds = append(rowConds, "d.department_id = ANY("+b.arg(f.DepartmentIDs)+")")
	}
	label := ""
	if f.Label != "" {
		label = " AND " + labelPredicate(f.Label)
	}
	sent := "r.sender_organization_id = " + org
	sentLabeled := sent
	if label != "" {
		sentLabeled = "(" + sent + " AND EXISTS (SELECT 1 FROM referral_department d WHERE d.referral_id = r.id" + label + "))"
	}
	received := "(NOT r.is_draft AND EXISTS (SELECT 1 FROM referral_department d WHERE " + strings.Join(rowConds, " AND ") + label + "))"

	var where []string
	switch f.Direction {
	case DirectionSent:
		where = append(where, sentLabeled)
	case DirectionReceived:
		where = append(where, received)
	default:
		where = append(where, "("+sentLabeled+" OR "+received+")")
	}
	if f.Draft != nil {
		where = append(where, "r.is_draft = "+b.arg(*f.Draft))
	}
	if f.From != nil {
		where = append(where, "r.created_at >= "+b.arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "r.created_at < "+b.arg(*f.To))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		where = append(where, "(r.patient_first_name || ' ' || r.patient_last_name) ILIKE "+b.arg("%"+q+"%"))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM referral r WHERE `+cond, b.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args := append(append([]interface{}{}, b.args...), limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM referral r WHERE %s ORDER BY r.created_at DESC, r.id LIMIT $%d OFFSET $%d`,
			prefixCols("r.", referralCols), cond, len(b.args)+1, len(b.args)+2),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Referral
	var ids []uuid.UUID
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ref)
		ids = append(ids, ref.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()

	depts, err := r.loadDepartments(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, ref := range out {
		ref.Departments = depts[ref.ID]
	}
	return out, total, nil
}

func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (r *referralRepoPG) AppendMessage(ctx context.Context, m *ChatMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO chat_message (id, referral_id, department_id, author_user_id, author_org_id, body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.ReferralID, m.DepartmentID, m.AuthorUserID, m.AuthorOrgID, m.Body, m.CreatedAt)
	return err
}

func (r *referralRepoPG) ListMessages(ctx context.Context, referralID, departmentID uuid.UUID, limit, offset int) ([]*ChatMessage, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_message WHERE referral_id = $1 AND department_id = $2`, referralID, departmentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, referral_id, department_id, author_user_id, author_org_id, body, created_at
		FROM chat_message WHERE referral_id = $1 AND department_id = $2
		ORDER BY created_at, id LIMIT $3 OFFSET $4`, referralID, departmentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.ReferralID, &m.DepartmentID, &m.AuthorUserID, &m.AuthorOrgID, &m.Body, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &m)
	}
	return out, total, rows.Err()
}
