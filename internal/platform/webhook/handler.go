package webhook

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcn/rcn/internal/platform/auth"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts endpoint management under an organization. The group
// is expected to require the org_admin role.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/organizations/:id/webhooks", h.Register)
	g.GET("/organizations/:id/webhooks", h.List)
	g.DELETE("/organizations/:id/webhooks/:hookId", h.Delete)
	g.POST("/organizations/:id/webhooks/:hookId/pause", h.Pause)
	g.POST("/organizations/:id/webhooks/:hookId/resume", h.Resume)
	g.GET("/organizations/:id/webhooks/:hookId/deliveries", h.Deliveries)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidURL):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func params(c echo.Context, withHook bool) (uuid.UUID, uuid.UUID, error) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid organization id")
	}
	caller := auth.IdentityFromContext(c.Request().Context())
	if !caller.IsPlatformAdmin() && caller.OrganizationID != orgID {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "not a member of this organization")
	}
	if !withHook {
		return orgID, uuid.Nil, nil
	}
	hookID, err := uuid.Parse(c.Param("hookId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	return orgID, hookID, nil
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (h *Handler) Register(c echo.Context) error {
	orgID, _, err := params(c, false)
	if err != nil {
		return err
	}
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.Register(c.Request().Context(), orgID, req.URL, req.Secret, req.Events)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	orgID, _, err := params(c, false)
	if err != nil {
		return err
	}
	eps, err := h.manager.List(c.Request().Context(), orgID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, eps)
}

func (h *Handler) Delete(c echo.Context) error {
	orgID, hookID, err := params(c, true)
	if err != nil {
		return err
	}
	if err := h.manager.Delete(c.Request().Context(), orgID, hookID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) setActive(c echo.Context, active bool) error {
	orgID, hookID, err := params(c, true)
	if err != nil {
		return err
	}
	if err := h.manager.SetActive(c.Request().Context(), orgID, hookID, active); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Pause(c echo.Context) error  { return h.setActive(c, false) }
func (h *Handler) Resume(c echo.Context) error { return h.setActive(c, true) }

func (h *Handler) Deliveries(c echo.Context) error {
	orgID, hookID, err := params(c, true)
	if err != nil {
		return err
	}
	ds, err := h.manager.Deliveries(c.Request().Context(), orgID, hookID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ds)
}
