package org

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcn/rcn/internal/platform/auth"
	"github.com/rcn/rcn/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes mounts the unauthenticated registration and login endpoints.
func (h *Handler) RegisterPublicRoutes(public *echo.Group) {
	public.POST("/register", h.Register)
	public.POST("/auth/login", h.Login)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/departments", h.DirectoryDepartments)
	api.GET("/organizations/:id", h.GetOrganization)
	api.GET("/organizations/:id/credits", h.ListCredits)
	api.GET("/organizations/:id/branches", h.ListBranches)
	api.GET("/organizations/:id/departments", h.ListDepartments)
	api.GET("/organizations/:id/users", h.ListUsers)

	manage := api.Group("", auth.RequireRole(auth.RoleOrgAdmin))
	manage.PUT("/organizations/:id", h.UpdateOrganization)
	manage.POST("/organizations/:id/credits/assign", h.AssignCredits)
	manage.POST("/organizations/:id/branches", h.CreateBranch)
	manage.PUT("/organizations/:id/branches/:branchId", h.UpdateBranch)
	manage.DELETE("/organizations/:id/branches/:branchId", h.DeleteBranch)
	manage.POST("/organizations/:id/departments", h.CreateDepartment)
	manage.PUT("/organizations/:id/departments/:deptId", h.UpdateDepartment)
	manage.DELETE("/organizations/:id/departments/:deptId", h.DeleteDepartment)
	manage.POST("/organizations/:id/users", h.CreateUser)
	manage.PUT("/organizations/:id/users/:userId", h.UpdateUser)
	manage.DELETE("/organizations/:id/users/:userId", h.DeleteUser)

	platform := api.Group("", auth.RequireRole(auth.RoleAdmin))
	platform.GET("/organizations", h.ListOrganizations)
	platform.POST("/organizations", h.CreateOrganization)
	platform.POST("/organizations/:id/credits/topup", h.TopUpCredits)
}

// httpError maps domain errors to HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInsufficientCredits):
		return echo.NewHTTPError(http.StatusPaymentRequired, "Insufficient credits.")
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// orgParam parses :id and checks the caller belongs to that organization.
func orgParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid organization id")
	}
	caller := auth.IdentityFromContext(c.Request().Context())
	if !caller.IsPlatformAdmin() && caller.OrganizationID != id {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "not a member of this organization")
	}
	return id, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Registration --

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, u, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"organization": o, "user": u})
}

func (h *Handler) Login(c echo.Context) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Organizations --

func (h *Handler) CreateOrganization(c echo.Context) error {
	var o Organization
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o.ID = uuid.Nil
	o.CreditBalance = 0
	if err := h.svc.CreateOrganization(c.Request().Context(), &o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrganization(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrganization(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) UpdateOrganization(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	var o Organization
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o.ID = id
	if err := h.svc.UpdateOrganization(c.Request().Context(), &o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrganizations(c echo.Context) error {
	pg := pagination.FromContext(c)
	orgs, total, err := h.svc.ListOrganizations(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orgs, total, pg.Limit, pg.Offset))
}

// -- Credits --

type creditRequest struct {
	Credits          int64     `json:"credits"`
	Reference        string    `json:"reference"`
	ToOrganizationID uuid.UUID `json:"to_organization_id"`
}

func (h *Handler) TopUpCredits(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	var req creditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	txn, err := h.svc.TopUp(c.Request().Context(), id, req.Credits, req.Reference)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, txn)
}

func (h *Handler) AssignCredits(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	var req creditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ToOrganizationID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to_organization_id is required")
	}
	txn, err := h.svc.Assign(c.Request().Context(), id, req.ToOrganizationID, req.Credits)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, txn)
}

func (h *Handler) ListCredits(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	o, err := h.svc.GetOrganization(ctx, id)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	txns, total, err := h.svc.ListCreditTransactions(ctx, id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"balance":      o.CreditBalance,
		"transactions": pagination.NewResponse(txns, total, pg.Limit, pg.Offset),
	})
}

// -- Branches --

func (h *Handler) ownedBranch(c echo.Context, orgID uuid.UUID) (*Branch, error) {
	bid, err := uuidParam(c, "branchId")
	if err != nil {
		return nil, err
	}
	b, err := h.svc.GetBranch(c.Request().Context(), bid)
	if err != nil {
		return nil, httpError(err)
	}
	if b.OrganizationID != orgID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "branch not found")
	}
	return b, nil
}

func (h *Handler) CreateBranch(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	var b Branch
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b.ID = uuid.Nil
	b.OrganizationID = id
	if err := h.svc.CreateBranch(c.Request().Context(), &b); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBranches(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	branches, err := h.svc.ListBranches(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, branches)
}

func (h *Handler) UpdateBranch(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	existing, err := h.ownedBranch(c, id)
	if err != nil {
		return err
	}
	var b Branch
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b.ID, b.OrganizationID, b.CreatedAt = existing.ID, existing.OrganizationID, existing.CreatedAt
	if err := h.svc.UpdateBranch(c.Request().Context(), &b); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) DeleteBranch(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	b, err := h.ownedBranch(c, id)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBranch(c.Request().Context(), b.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Departments --

func (h *Handler) ownedDepartment(c echo.Context, orgID uuid.UUID) (*Department, error) {
	did, err := uuidParam(c, "deptId")
	if err != nil {
		return nil, err
	}
	d, err := h.svc.GetDepartment(c.Request().Context(), did)
	if err != nil {
		return nil, httpError(err)
	}
	if d.OrganizationID != orgID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "department not found")
	}
	return d, nil
}

func (h *Handler) CreateDepartment(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	var d Department
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.ID = uuid.Nil
	d.OrganizationID = id
	if err := h.svc.CreateDepartment(c.Request().Context(), &d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDepartments(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	depts, total, err := h.svc.ListDepartments(c.Request().Context(), DepartmentFilter{OrganizationID: &id}, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(depts, total, pg.Limit, pg.Offset))
}

// DirectoryDepartments lists departments across the network so a sender can
// pick receivers.
func (h *Handler) DirectoryDepartments(c echo.Context) error {
	var f DepartmentFilter
	if v := c.QueryParam("organization_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid organization_id")
		}
		f.OrganizationID = &id
	}
	if v := c.QueryParam("branch_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid branch_id")
		}
		f.BranchID = &id
	}
	f.Specialty = c.QueryParam("specialty")

	pg := pagination.FromContext(c)
	depts, total, err := h.svc.ListDepartments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(depts, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateDepartment(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	existing, err := h.ownedDepartment(c, id)
	if err != nil {
		return err
	}
	var d Department
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.ID, d.OrganizationID, d.CreatedAt = existing.ID, existing.OrganizationID, existing.CreatedAt
	if err := h.svc.UpdateDepartment(c.Request().Context(), &d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDepartment(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	d, err := h.ownedDepartment(c, id)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDepartment(c.Request().Context(), d.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Users --

func (h *Handler) ownedUser(c echo.Context, orgID uuid.UUID) (*User, error) {
	uid, err := uuidParam(c, "userId")
	if err != nil {
		return nil, err
	}
	u, err := h.svc.GetUser(c.Request().Context(), uid)
	if err != nil {
		return nil, httpError(err)
	}
	if u.OrganizationID != orgID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return u, nil
}

func (h *Handler) CreateUser(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	var req CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.CreateUser(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) ListUsers(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	users, err := h.svc.ListUsers(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, users)
}

func (h *Handler) UpdateUser(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	existing, err := h.ownedUser(c, id)
	if err != nil {
		return err
	}
	var req UpdateUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.UpdateUser(c.Request().Context(), existing.ID, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeleteUser(c echo.Context) error {
	id, err := orgParam(c)
	if err != nil {
		return err
	}
	u, err := h.ownedUser(c, id)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteUser(c.Request().Context(), u.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
