package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcn/rcn/internal/platform/auth"
)

// ReferralAccess answers for the referrals a file is attached to.
type ReferralAccess interface {
	// CanReadDocuments returns nil when id may view the referral.
	CanReadDocuments(ctx context.Context, id auth.Identity, referralID uuid.UUID) error
	// DocumentsLocked reports whether the referral has left draft.
	DocumentsLocked(ctx context.Context, referralID uuid.UUID) (bool, error)
}

type Handler struct {
	store  Store
	access ReferralAccess
	prefix string
	logger zerolog.Logger
}

// NewHandler serves uploads; prefix is the path the routes are mounted under
// and is used to build the returned download URL. A nil access limits reads
// to the uploading organization.
func NewHandler(store Store, access ReferralAccess, prefix string, logger zerolog.Logger) *Handler {
	return &Handler{store: store, access: access, prefix: prefix, logger: logger.With().Str("component", "files").Logger()}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/files", h.Upload)
	g.GET("/files/:id", h.Download)
	g.GET("/files/:id/metadata", h.Metadata)
	g.DELETE("/files/:id", h.Delete)
}

type uploadResponse struct {
	*File
	URL string `json:"url"`
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ErrInvalidSlot), errors.Is(err, ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func fileID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid file id")
	}
	return id, nil
}

func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer src.Close()

	caller := auth.IdentityFromContext(c.Request().Context())
	f, err := h.store.Put(c.Request().Context(), File{
		OrganizationID: caller.OrganizationID,
		UploadedBy:     caller.UserID,
		Name:           fh.Filename,
		Slot:           c.FormValue("slot"),
		ContentType:    fh.Header.Get("Content-Type"),
	}, src)
	if err != nil {
		return httpError(err)
	}
	h.logger.Info().Str("file_id", f.ID.String()).Str("slot", f.Slot).Int64("size", f.Size).Msg("file uploaded")
	return c.JSON(http.StatusCreated, uploadResponse{File: f, URL: fmt.Sprintf("%s/files/%s", h.prefix, f.ID)})
}

// canRead allows the uploader, platform admins and the parties of any
// referral the file is attached to.
func (h *Handler) canRead(ctx context.Context, caller auth.Identity, f *File) bool {
	if caller.IsPlatformAdmin() || caller.OrganizationID == f.OrganizationID {
		return true
	}
	if h.access == nil {
		return false
	}
	for _, refID := range f.ReferralIDs {
		if h.access.CanReadDocuments(ctx, caller, refID) == nil {
			return true
		}
	}
	return false
}

func (h *Handler) readable(c echo.Context) (*File, error) {
	id, err := fileID(c)
	if err != nil {
		return nil, err
	}
	ctx := c.Request().Context()
	f, err := h.store.Stat(ctx, id)
	if err != nil {
		return nil, httpError(err)
	}
	caller := auth.IdentityFromContext(ctx)
	if !h.canRead(ctx, caller, f) {
		h.logger.Warn().Str("file_id", id.String()).Str("organization_id", caller.OrganizationID.String()).Msg("file access denied")
		return nil, echo.NewHTTPError(http.StatusForbidden, "file is not shared with your organization")
	}
	return f, nil
}

// Download streams a file to the parties of the referrals that reference it.
func (h *Handler) Download(c echo.Context) error {
	f, err := h.readable(c)
	if err != nil {
		return err
	}
	rc, _, err := h.store.Open(c.Request().Context(), f.ID)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	return c.Stream(http.StatusOK, f.ContentType, rc)
}

func (h *Handler) Metadata(c echo.Context) error {
	f, err := h.readable(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

// Delete is limited to the uploading organization and refused once a
// referral that references the file has been sent.
func (h *Handler) Delete(c echo.Context) error {
	id, err := fileID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	f, err := h.store.Stat(ctx, id)
	if err != nil {
		return httpError(err)
	}
	caller := auth.IdentityFromContext(ctx)
	if !caller.IsPlatformAdmin() && caller.OrganizationID != f.OrganizationID {
		return echo.NewHTTPError(http.StatusForbidden, "file belongs to another organization")
	}
	if h.access != nil {
		for _, refID := range f.ReferralIDs {
			locked, err := h.access.DocumentsLocked(ctx, refID)
			if err != nil {
				return httpError(err)
			}
			if locked {
				return echo.NewHTTPError(http.StatusConflict, "file is attached to a sent referral")
			}
		}
	}
	if err := h.store.Delete(ctx, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
