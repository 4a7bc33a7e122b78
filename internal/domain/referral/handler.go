package referral

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcn/rcn/internal/domain/payment"
	"github.com/rcn/rcn/internal/platform/auth"
	"github.com/rcn/rcn/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// maxWebhookBody caps what the gateway callback may send.
const maxWebhookBody = 1 << 20

type Handler struct {
	svc           *Service
	webhookSecret []byte
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetWebhookSecret enables the gateway callback. Without a secret every
// callback fails verification.
func (h *Handler) SetWebhookSecret(secret string) { h.webhookSecret = []byte(secret) }

// RegisterPublicRoutes mounts the gateway callback, which authenticates by
// signature rather than bearer token.
func (h *Handler) RegisterPublicRoutes(public *echo.Group) {
	public.POST("/payments/webhook", h.Webhook)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/referrals", h.Create)
	api.GET("/referrals", h.Inbox)
	api.GET("/referrals/export", h.Export)
	api.GET("/referrals/:id", h.Get)
	api.PUT("/referrals/:id", h.UpdateDraft)
	api.DELETE("/referrals/:id", h.DeleteDraft)
	api.POST("/referrals/:id/send", h.Send)
	api.GET("/referrals/:id/activity", h.Activity)
	api.GET("/referrals/:id/payments", h.Payments)

	api.POST("/referrals/:id/departments/:dept/accept", h.Accept)
	api.POST("/referrals/:id/departments/:dept/reject", h.Reject)
	api.GET("/referrals/:id/departments/:dept/payment-summary", h.PaymentSummary)
	api.POST("/referrals/:id/departments/:dept/payments", h.Pay)
	api.GET("/referrals/:id/departments/:dept/messages", h.ListMessages)
	api.POST("/referrals/:id/departments/:dept/messages", h.PostMessage)

	api.POST("/payments/:session/confirm", h.ConfirmPayment)
	api.POST("/payments/:session/cancel", h.CancelPayment)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/referrals/:id/departments/:dept/complete", h.Complete)
}

// httpError maps domain errors to HTTP statuses. Validation failures carry
// the failing fields alongside the message.
func httpError(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": ve.Error(),
			"fields":  ve.Fields,
		})
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":         ce.Error(),
			"current_version": ce.Current,
		})
	}
	switch {
	case errors.Is(err, ErrPaymentMethodRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInsufficientCredits):
		return echo.NewHTTPError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, payment.ErrChargeFailed):
		return echo.NewHTTPError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, payment.ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDepartmentNotFound), errors.Is(err, payment.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict), errors.Is(err, ErrNotDraft):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrLocked):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, ErrNetwork):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// rowParams parses :id and :dept.
func rowParams(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	refID, err := uuidParam(c, "id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	deptID, err := uuidParam(c, "dept")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return refID, deptID, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func caller(c echo.Context) auth.Identity {
	return auth.IdentityFromContext(c.Request().Context())
}

// -- Referrals --

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CreateReferral(c.Request().Context(), caller(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	dept, err := optionalUUID(c, "department_id")
	if err != nil {
		return err
	}
	v, err := h.svc.GetReferralView(c.Request().Context(), caller(c), id, dept)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdateDraft(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var ref Referral
	if err := c.Bind(&ref); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.UpdateDraft(c.Request().Context(), caller(c), id, ref)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteDraft(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDraft(c.Request().Context(), caller(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Send(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Departments []Target `json:"departments"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.SendReferral(c.Request().Context(), caller(c), id, req.Departments)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Inbox --

var labels = map[Label]bool{
	LabelPending: true, LabelAccepted: true, LabelRejected: true, LabelPaid: true, LabelCompleted: true,
}

// parseDay accepts YYYY-MM-DD or RFC 3339.
func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// inboxFilter reads direction, department_id (repeatable or comma separated),
// status, from, to, q and draft.
func inboxFilter(c echo.Context) (InboxFilter, error) {
	var f InboxFilter
	switch d := Direction(c.QueryParam("direction")); d {
	case "", DirectionSent, DirectionReceived:
		f.Direction = d
	default:
		return f, echo.NewHTTPError(http.StatusBadRequest, "direction must be sent or received")
	}

	for _, raw := range c.QueryParams()["department_id"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, "invalid department_id")
			}
			f.DepartmentIDs = append(f.DepartmentIDs, id)
		}
	}

	if v := c.QueryParam("status"); v != "" {
		if !labels[Label(v)] {
			return f, echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(v))
		}
		f.Label = Label(v)
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := parseDay(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := parseDay(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		f.To = &t
	}
	if v := c.QueryParam("draft"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "draft must be true or false")
		}
		f.Draft = &b
	}
	f.Search = c.QueryParam("q")
	return f, nil
}

func (h *Handler) Inbox(c echo.Context) error {
	f, err := inboxFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInbox(c.Request().Context(), caller(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Export(c echo.Context) error {
	f, err := inboxFilter(c)
	if err != nil {
		return err
	}
	data, err := h.svc.ExportInbox(c.Request().Context(), caller(c), f)
	if err != nil {
		return httpError(err)
	}
	name := "referrals-" + time.Now().UTC().Format("20060102") + ".xlsx"
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	return c.Blob(http.StatusOK, xlsxContentType, data)
}

func (h *Handler) Activity(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	dept, err := optionalUUID(c, "department_id")
	if err != nil {
		return err
	}
	entries, err := h.svc.ListActivity(c.Request().Context(), caller(c), id, dept)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) Payments(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	recs, err := h.svc.ListPayments(c.Request().Context(), caller(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, recs)
}

// -- Department transitions --

type transitionRequest struct {
	ExpectedVersion int    `json:"expected_version"`
	Reason          string `json:"reason"`
}

func (h *Handler) Accept(c echo.Context) error {
	refID, deptID, err := rowParams(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Accept(c.Request().Context(), caller(c), refID, deptID, req.ExpectedVersion)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Reject(c echo.Context) error {
	refID, deptID, err := rowParams(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Reject(c.Request().Context(), caller(c), refID, deptID, req.Reason, req.ExpectedVersion)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Complete(c echo.Context) error {
	refID, deptID, err := rowParams(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.MarkCompleted(c.Request().Context(), caller(c), refID, deptID, req.ExpectedVersion)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Payments --

func (h *Handler) PaymentSummary(c echo.Context) error {
	refID, deptID, err := rowParams(c)
	if err != nil {
		return err
	}
	method := payment.Method(c.QueryParam("method"))
	if method != "" && method != payment.MethodCard && method != payment.MethodCredits {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown payment method")
	}
	sum, err := h.svc.QuotePayment(c.Request().Context(), caller(c), refID, deptID, method)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) Pay(c echo.Context) error {
	refID, deptID, err := rowParams(c)
	if err != nil {
		return err
	}
	var req PayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.InitiatePayment(c.Request().Context(), caller(c), refID, deptID, req)
	if err != nil {
		return httpError(err)
	}
	status := http.StatusOK
	if out.Status == PaymentOutcomeRequiresConfirmation {
		status = http.StatusAccepted
	}
	return c.JSON(status, out)
}

func (h *Handler) ConfirmPayment(c echo.Context) error {
	id, err := uuidParam(c, "session")
	if err != nil {
		return err
	}
	var req struct {
		PaymentMethodID string `json:"payment_method_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.ConfirmPayment(c.Request().Context(), caller(c), id, req.PaymentMethodID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CancelPayment(c echo.Context) error {
	id, err := uuidParam(c, "session")
	if err != nil {
		return err
	}
	if err := h.svc.CancelPayment(c.Request().Context(), caller(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	ev, err := payment.ParseWebhook(h.webhookSecret, body, c.Request().Header.Get(payment.SignatureHeader))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// A replayed callback finds its session already settled; acknowledge it so
	// the gateway stops retrying.
	if err := h.svc.ConfirmFromWebhook(c.Request().Context(), ev); err != nil && !errors.Is(err, payment.ErrSessionNotFound) {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

// -- Chat --

func (h *Handler) ListMessages(c echo.Context) error {
	refID, deptID, err := rowParams(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	msgs, total, err := h.svc.ListMessages(c.Request().Context(), caller(c), refID, deptID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, pg.Limit, pg.Offset))
}

func (h *Handler) PostMessage(c echo.Context) error {
	refID, deptID, err := rowParams(c)
	if err != nil {
		return err
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.PostMessage(c.Request().Context(), caller(c), refID, deptID, req.Body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}
