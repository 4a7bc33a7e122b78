package org

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcn/rcn/internal/platform/db"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// -- Organization Repository --

type orgRepoPG struct {
	pool *pgxpool.Pool
}

func NewOrganizationRepo(pool *pgxpool.Pool) OrganizationRepository {
	return &orgRepoPG{pool: pool}
}

const orgCols = `id, name, email, phone, address_line, city, state, zip, active, credit_balance, created_at, updated_at`

func scanOrg(row pgx.Row) (*Organization, error) {
	var o Organization
	var email, phone, line, city, state, zip *string
	err := row.Scan(&o.ID, &o.Name, &email, &phone, &line, &city, &state, &zip,
		&o.Active, &o.CreditBalance, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	o.Email, o.Phone = deref(email), deref(phone)
	o.Address = Address{Line: deref(line), City: deref(city), State: deref(state), Zip: deref(zip)}
	return &o, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *orgRepoPG) Create(ctx context.Context, o *Organization) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO organization (id, name, email, phone, address_line, city, state, zip, active, credit_balance, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.Name, o.Email, o.Phone, o.Address.Line, o.Address.City, o.Address.State, o.Address.Zip,
		o.Active, o.CreditBalance, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r *orgRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return scanOrg(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orgCols+` FROM organization WHERE id = $1`, id))
}

func (r *orgRepoPG) Update(ctx context.Context, o *Organization) error {
	o.UpdatedAt = time.Now().UTC()
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE organization SET name=$2, email=$3, phone=$4, address_line=$5, city=$6, state=$7, zip=$8,
			active=$9, updated_at=$10
		WHERE id = $1`,
		o.ID, o.Name, o.Email, o.Phone, o.Address.Line, o.Address.City, o.Address.State, o.Address.Zip,
		o.Active, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *orgRepoPG) List(ctx context.Context, limit, offset int) ([]*Organization, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM organization`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+orgCols+` FROM organization ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

func (r *orgRepoPG) AdjustCredits(ctx context.Context, orgID uuid.UUID, delta int64, reason string) (*CreditTransaction, error) {
	var txn *CreditTransaction
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		var balance int64
		err := q.QueryRow(ctx, `
			UPDATE organization SET credit_balance = credit_balance + $2, updated_at = NOW()
			WHERE id = $1 AND credit_balance + $2 >= 0
			RETURNING credit_balance`, orgID, delta).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM organization WHERE id = $1)`, orgID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("adjust credits: %w", err)
		}

		txn = &CreditTransaction{
			ID:             uuid.New(),
			OrganizationID: orgID,
			Delta:          delta,
			BalanceAfter:   balance,
			Reason:         reason,
			CreatedAt:      time.Now().UTC(),
		}
		_, err = q.Exec(ctx, `
			INSERT INTO credit_transaction (id, organization_id, delta, balance_after, reason, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			txn.ID, txn.OrganizationID, txn.Delta, txn.BalanceAfter, txn.Reason, txn.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *orgRepoPG) ListCreditTransactions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*CreditTransaction, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM credit_transaction WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, organization_id, delta, balance_after, reason, created_at
		FROM credit_transaction WHERE organization_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Delta, &t.BalanceAfter, &t.Reason, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &t)
	}
	return out, total, rows.Err()
}

// -- Branch Repository --

type branchRepoPG struct {
	pool *pgxpool.Pool
}

func NewBranchRepo(pool *pgxpool.Pool) BranchRepository {
	return &branchRepoPG{pool: pool}
}

const branchCols = `id, organization_id, name, address_line, city, state, zip, created_at`

func scanBranch(row pgx.Row) (*Branch, error) {
	var b Branch
	var line, city, state, zip *string
	if err := row.Scan(&b.ID, &b.OrganizationID, &b.Name, &line, &city, &state, &zip, &b.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	b.Address = Address{Line: deref(line), City: deref(city), State: deref(state), Zip: deref(zip)}
	return &b, nil
}

func (r *branchRepoPG) Create(ctx context.Context, b *Branch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = time.Now().UTC()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO branch (id, organization_id, name, address_line, city, state, zip, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.OrganizationID, b.Name, b.Address.Line, b.Address.City, b.Address.State, b.Address.Zip, b.CreatedAt)
	return err
}

func (r *branchRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Branch, error) {
	return scanBranch(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+branchCols+` FROM branch WHERE id = $1`, id))
}

func (r *branchRepoPG) Update(ctx context.Context, b *Branch) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE branch SET name=$2, address_line=$3, city=$4, state=$5, zip=$6 WHERE id = $1`,
		b.ID, b.Name, b.Address.Line, b.Address.City, b.Address.State, b.Address.Zip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *branchRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM branch WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *branchRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*Branch, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+branchCols+` FROM branch WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// -- Department Repository --

type departmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewDepartmentRepo(pool *pgxpool.Pool) DepartmentRepository {
	return &departmentRepoPG{pool: pool}
}

const departmentCols = `id, organization_id, branch_id, name, specialties, active, created_at`

func scanDepartment(row pgx.Row) (*Department, error) {
	var d Department
	if err := row.Scan(&d.ID, &d.OrganizationID, &d.BranchID, &d.Name, &d.Specialties, &d.Active, &d.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	if d.Specialties == nil {
		d.Specialties = []string{}
	}
	return &d, nil
}

func (r *departmentRepoPG) Create(ctx context.Context, d *Department) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now().UTC()
	if d.Specialties == nil {
		d.Specialties = []string{}
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO department (id, organization_id, branch_id, name, specialties, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.OrganizationID, d.BranchID, d.Name, d.Specialties, d.Active, d.CreatedAt)
	return err
}

func (r *departmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	return scanDepartment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+departmentCols+` FROM department WHERE id = $1`, id))
}

func (r *departmentRepoPG) Update(ctx context.Context, d *Department) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE department SET branch_id=$2, name=$3, specialties=$4, active=$5 WHERE id = $1`,
		d.ID, d.BranchID, d.Name, d.Specialties, d.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *departmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM department WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *departmentRepoPG) List(ctx context.Context, f DepartmentFilter, limit, offset int) ([]*Department, int, error) {
	var where []string
	var args []interface{}
	if f.OrganizationID != nil {
		args = append(args, *f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.BranchID != nil {
		args = append(args, *f.BranchID)
		where = append(where, fmt.Sprintf("branch_id = $%d", len(args)))
	}
	if f.Specialty != "" {
		args = append(args, f.Specialty)
		where = append(where, fmt.Sprintf("$%d = ANY(specialties)", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM department`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM department%s ORDER BY name LIMIT $%d OFFSET $%d`,
		departmentCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

const userCols = `id, organization_id, email, name, role, password_hash, department_ids, active, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Name, &u.Role, &u.PasswordHash,
		&u.DepartmentIDs, &u.Active, &u.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	if u.DepartmentIDs == nil {
		u.DepartmentIDs = []uuid.UUID{}
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now().UTC()
	if u.DepartmentIDs == nil {
		u.DepartmentIDs = []uuid.UUID{}
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO app_user (id, organization_id, email, name, role, password_hash, department_ids, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.OrganizationID, u.Email, u.Name, u.Role, u.PasswordHash, u.DepartmentIDs, u.Active, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE lower(email) = lower($1)`, email))
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE app_user SET email=$2, name=$3, role=$4, password_hash=$5, department_ids=$6, active=$7
		WHERE id = $1`,
		u.ID, u.Email, u.Name, u.Role, u.PasswordHash, u.DepartmentIDs, u.Active)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM app_user WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*User, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+userCols+` FROM app_user WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// -- Transactions --

type txRunnerPG struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) TxRunner {
	return &txRunnerPG{pool: pool}
}

func (t *txRunnerPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, t.pool, fn)
}
