package org

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcn/rcn/internal/platform/auth"
)

const minPasswordLen = 8

type Service struct {
	orgs        OrganizationRepository
	branches    BranchRepository
	departments DepartmentRepository
	users       UserRepository
	tx          TxRunner
	jwt         auth.JWTConfig
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(orgs OrganizationRepository, branches BranchRepository, departments DepartmentRepository,
	users UserRepository, tx TxRunner, jwt auth.JWTConfig, logger zerolog.Logger) *Service {
	return &Service{
		orgs:        orgs,
		branches:    branches,
		departments: departments,
		users:       users,
		tx:          tx,
		jwt:         jwt,
		logger:      logger,
		now:         time.Now,
	}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// -- Registration & login --

type RegisterRequest struct {
	Organization Organization `json:"organization"`
	AdminName    string       `json:"admin_name"`
	AdminEmail   string       `json:"admin_email"`
	Password     string       `json:"password"`
}

// Register creates an organization together with its first org_admin user.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Organization, *User, error) {
	o := req.Organization
	if strings.TrimSpace(o.Name) == "" {
		return nil, nil, invalid("organization name is required")
	}
	if strings.TrimSpace(req.AdminName) == "" {
		return nil, nil, invalid("admin name is required")
	}
	if err := validateEmail(req.AdminEmail); err != nil {
		return nil, nil, err
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	o.ID = uuid.Nil
	o.Active = true
	o.CreditBalance = 0
	u := &User{
		Email:        strings.ToLower(strings.TrimSpace(req.AdminEmail)),
		Name:         strings.TrimSpace(req.AdminName),
		Role:         auth.RoleOrgAdmin,
		PasswordHash: hash,
		Active:       true,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.users.GetByEmail(ctx, u.Email); err == nil {
			return ErrEmailTaken
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := s.orgs.Create(ctx, &o); err != nil {
			return fmt.Errorf("create organization: %w", err)
		}
		u.OrganizationID = o.ID
		if err := s.users.Create(ctx, u); err != nil {
			return fmt.Errorf("create admin user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().Str("organization_id", o.ID.String()).Str("user_id", u.ID.String()).Msg("organization registered")
	return &o, u, nil
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.Active || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	token, exp, err := auth.IssueToken(s.jwt, IdentityOf(u), s.now())
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: exp, User: u}, nil
}

// IdentityOf builds the token identity for a user.
func IdentityOf(u *User) auth.Identity {
	return auth.Identity{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		Roles:          []string{u.Role},
		DepartmentIDs:  u.DepartmentIDs,
	}
}

func validateEmail(email string) error {
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return invalid("a valid email is required")
	}
	return nil
}

func hashPassword(pw string) (string, error) {
	if len(pw) < minPasswordLen {
		return "", invalid(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// -- Organizations --

func (s *Service) CreateOrganization(ctx context.Context, o *Organization) error {
	if strings.TrimSpace(o.Name) == "" {
		return invalid("organization name is required")
	}
	o.Active = true
	return s.orgs.Create(ctx, o)
}

func (s *Service) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.orgs.GetByID(ctx, id)
}

// UpdateOrganization updates profile fields. The credit balance only moves
// through the credit operations.
func (s *Service) UpdateOrganization(ctx context.Context, o *Organization) error {
	if strings.TrimSpace(o.Name) == "" {
		return invalid("organization name is required")
	}
	existing, err := s.orgs.GetByID(ctx, o.ID)
	if err != nil {
		return err
	}
	o.CreditBalance = existing.CreditBalance
	o.CreatedAt = existing.CreatedAt
	return s.orgs.Update(ctx, o)
}

func (s *Service) ListOrganizations(ctx context.Context, limit, offset int) ([]*Organization, int, error) {
	return s.orgs.List(ctx, limit, offset)
}

// -- Credits --

func (s *Service) TopUp(ctx context.Context, orgID uuid.UUID, credits int64, reference string) (*CreditTransaction, error) {
	if credits <= 0 {
		return nil, invalid("credits must be positive")
	}
	reason := "top-up"
	if reference != "" {
		reason += " " + reference
	}
	return s.orgs.AdjustCredits(ctx, orgID, credits, reason)
}

// Assign moves credits from one organization to another in one transaction.
func (s *Service) Assign(ctx context.Context, from, to uuid.UUID, credits int64) (*CreditTransaction, error) {
	if credits <= 0 {
		return nil, invalid("credits must be positive")
	}
	if from == to {
		return nil, invalid("cannot assign credits to the same organization")
	}
	var out *CreditTransaction
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.orgs.GetByID(ctx, to); err != nil {
			return fmt.Errorf("target organization: %w", err)
		}
		txn, err := s.orgs.AdjustCredits(ctx, from, -credits, "assigned to "+to.String())
		if err != nil {
			return err
		}
		if _, err := s.orgs.AdjustCredits(ctx, to, credits, "assigned from "+from.String()); err != nil {
			return err
		}
		out = txn
		return nil
	})
	return out, err
}

// Debit removes credits atomically; ErrInsufficientCredits leaves the
// balance untouched.
func (s *Service) Debit(ctx context.Context, orgID uuid.UUID, credits int64, reason string) (*CreditTransaction, error) {
	if credits <= 0 {
		return nil, invalid("credits must be positive")
	}
	return s.orgs.AdjustCredits(ctx, orgID, -credits, reason)
}

func (s *Service) ListCreditTransactions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*CreditTransaction, int, error) {
	return s.orgs.ListCreditTransactions(ctx, orgID, limit, offset)
}

// -- Branches --

func (s *Service) CreateBranch(ctx context.Context, b *Branch) error {
	if strings.TrimSpace(b.Name) == "" {
		return invalid("branch name is required")
	}
	if _, err := s.orgs.GetByID(ctx, b.OrganizationID); err != nil {
		return err
	}
	return s.branches.Create(ctx, b)
}

func (s *Service) GetBranch(ctx context.Context, id uuid.UUID) (*Branch, error) {
	return s.branches.GetByID(ctx, id)
}

func (s *Service) UpdateBranch(ctx context.Context, b *Branch) error {
	if strings.TrimSpace(b.Name) == "" {
		return invalid("branch name is required")
	}
	return s.branches.Update(ctx, b)
}

func (s *Service) DeleteBranch(ctx context.Context, id uuid.UUID) error {
	return s.branches.Delete(ctx, id)
}

func (s *Service) ListBranches(ctx context.Context, orgID uuid.UUID) ([]*Branch, error) {
	return s.branches.ListByOrganization(ctx, orgID)
}

// -- Departments --

func (s *Service) checkBranch(ctx context.Context, d *Department) error {
	if d.BranchID == nil {
		return nil
	}
	b, err := s.branches.GetByID(ctx, *d.BranchID)
	if errors.Is(err, ErrNotFound) {
		return invalid("branch does not exist")
	}
	if err != nil {
		return err
	}
	if b.OrganizationID != d.OrganizationID {
		return invalid("branch belongs to another organization")
	}
	return nil
}

func (s *Service) CreateDepartment(ctx context.Context, d *Department) error {
	if strings.TrimSpace(d.Name) == "" {
		return invalid("department name is required")
	}
	if _, err := s.orgs.GetByID(ctx, d.OrganizationID); err != nil {
		return err
	}
	if err := s.checkBranch(ctx, d); err != nil {
		return err
	}
	d.Active = true
	return s.departments.Create(ctx, d)
}

func (s *Service) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	return s.departments.GetByID(ctx, id)
}

func (s *Service) UpdateDepartment(ctx context.Context, d *Department) error {
	if strings.TrimSpace(d.Name) == "" {
		return invalid("department name is required")
	}
	if err := s.checkBranch(ctx, d); err != nil {
		return err
	}
	return s.departments.Update(ctx, d)
}

func (s *Service) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	return s.departments.Delete(ctx, id)
}

func (s *Service) ListDepartments(ctx context.Context, f DepartmentFilter, limit, offset int) ([]*Department, int, error) {
	return s.departments.List(ctx, f, limit, offset)
}

// -- Users --

type CreateUserRequest struct {
	Email         string      `json:"email"`
	Name          string      `json:"name"`
	Role          string      `json:"role"`
	Password      string      `json:"password"`
	DepartmentIDs []uuid.UUID `json:"department_ids"`
}

func validRole(role string) bool {
	return role == auth.RoleOrgAdmin || role == auth.RoleStaff
}

func (s *Service) checkDepartments(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	for _, id := range ids {
		d, err := s.departments.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return invalid("department " + id.String() + " does not exist")
		}
		if err != nil {
			return err
		}
		if d.OrganizationID != orgID {
			return invalid("department " + id.String() + " belongs to another organization")
		}
	}
	return nil
}

func (s *Service) CreateUser(ctx context.Context, orgID uuid.UUID, req CreateUserRequest) (*User, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, invalid("name is required")
	}
	if err := validateEmail(req.Email); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = auth.RoleStaff
	}
	if !validRole(req.Role) {
		return nil, invalid("role must be org_admin or staff")
	}
	if _, err := s.orgs.GetByID(ctx, orgID); err != nil {
		return nil, err
	}
	if err := s.checkDepartments(ctx, orgID, req.DepartmentIDs); err != nil {
		return nil, err
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	u := &User{
		OrganizationID: orgID,
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		Name:           strings.TrimSpace(req.Name),
		Role:           req.Role,
		PasswordHash:   hash,
		DepartmentIDs:  req.DepartmentIDs,
		Active:         true,
	}
	if _, err := s.users.GetByEmail(ctx, u.Email); err == nil {
		return nil, ErrEmailTaken
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

type UpdateUserRequest struct {
	Name          *string      `json:"name"`
	Role          *string      `json:"role"`
	Password      *string      `json:"password"`
	DepartmentIDs *[]uuid.UUID `json:"department_ids"`
	Active        *bool        `json:"active"`
}

func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, req UpdateUserRequest) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, invalid("name is required")
		}
		u.Name = strings.TrimSpace(*req.Name)
	}
	if req.Role != nil {
		if !validRole(*req.Role) {
			return nil, invalid("role must be org_admin or staff")
		}
		u.Role = *req.Role
	}
	if req.Password != nil {
		hash, err := hashPassword(*req.Password)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = hash
	}
	if req.DepartmentIDs != nil {
		if err := s.checkDepartments(ctx, u.OrganizationID, *req.DepartmentIDs); err != nil {
			return nil, err
		}
		u.DepartmentIDs = *req.DepartmentIDs
	}
	if req.Active != nil {
		u.Active = *req.Active
	}
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.users.Delete(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, orgID uuid.UUID) ([]*User, error) {
	return s.users.ListByOrganization(ctx, orgID)
}
