package referral

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/rcn/rcn/internal/domain/payment"
	"github.com/rcn/rcn/internal/platform/auth"
)

const testWebhookSecret = "whsec_test"

func (e *testEnv) server() *echo.Echo {
	srv := echo.New()
	h := NewHandler(e.svc)
	h.SetWebhookSecret(testWebhookSecret)
	h.RegisterPublicRoutes(srv.Group("/api/v1"))
	h.RegisterRoutes(srv.Group("/api/v1"))
	return srv
}

func do(srv *echo.Echo, method, target, body string, id auth.Identity) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const createBody = `{
  "send": true,
  "departments": [{"department_id": "%s"}],
  "referral": {
    "patient": {"first_name": "Maria", "last_name": "Lopez", "date_of_birth": "1950-04-12"},
    "services": {"specialties": ["home_health"]},
    "additional_info": {"ssn": "123-45-6789"},
    "insurance": [{"payer": "BCBS", "policy": "P123", "plan_group": "%s"}]
  }
}`

func TestHandler_CreateAndGet(t *testing.T) {
	env := newTestEnv()
	srv := env.server()

	rec := do(srv, http.MethodPost, "/api/v1/referrals", fmt.Sprintf(createBody, env.d1, "G1"), env.sender)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var v View
	decode(t, rec, &v)
	if v.IsDraft || len(v.Departments) != 1 {
		t.Fatalf("expected a sent referral, got %+v", v)
	}

	rec = do(srv, http.MethodGet, "/api/v1/referrals/"+v.ID.String(), "", env.receiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "123-45-6789") {
		t.Error("locked additional info leaked to the receiver")
	}

	rec = do(srv, http.MethodGet, "/api/v1/referrals/"+v.ID.String()+"?department_id="+env.d2.String(), "", env.receiver)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a department without a row, got %d", rec.Code)
	}
	rec = do(srv, http.MethodGet, "/api/v1/referrals/not-a-uuid", "", env.receiver)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad id, got %d", rec.Code)
	}
}

func TestHandler_ValidationBody(t *testing.T) {
	env := newTestEnv()
	rec := do(env.server(), http.MethodPost, "/api/v1/referrals", fmt.Sprintf(createBody, env.d1, ""), env.sender)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body struct {
		Message string       `json:"message"`
		Fields  []FieldError `json:"fields"`
	}
	decode(t, rec, &body)
	if body.Message != msgPrimaryInsurance || len(body.Fields) != 1 || body.Fields[0].Field != "insurance[0]" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestHandler_TransitionStatuses(t *testing.T) {
	env := newTestEnv()
	srv := env.server()
	v := env.sendTo(Target{DepartmentID: env.d1})
	base := "/api/v1/referrals/" + v.ID.String() + "/departments/" + env.d1.String()

	rec := do(srv, http.MethodPost, base+"/accept", `{"expected_version": 9}`, env.receiver)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a stale version, got %d", rec.Code)
	}
	var conflict map[string]interface{}
	decode(t, rec, &conflict)
	if conflict["current_version"] != float64(1) {
		t.Errorf("conflict should report the current version, got %v", conflict)
	}

	rec = do(srv, http.MethodPost, base+"/accept", `{"expected_version": 1}`, env.outsider)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}

	rec = do(srv, http.MethodPost, base+"/reject", `{"expected_version": 1, "reason": "Full"}`, env.receiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(srv, http.MethodPost, base+"/accept", `{"expected_version": 2}`, env.receiver)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for an invalid transition, got %d", rec.Code)
	}

	rec = do(srv, http.MethodPost, base+"/complete", `{"expected_version": 2}`, env.receiver)
	if rec.Code != http.StatusForbidden {
		t.Errorf("completion is for platform admins, got %d", rec.Code)
	}
}

func TestHandler_PaymentStatuses(t *testing.T) {
	env := newTestEnv()
	srv := env.server()
	v := env.sendTo(Target{DepartmentID: env.d1})
	base := "/api/v1/referrals/" + v.ID.String() + "/departments/" + env.d1.String()

	rec := do(srv, http.MethodGet, base+"/payment-summary?method=card", "", env.receiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sum payment.PaymentSummary
	decode(t, rec, &sum)
	if sum.TotalCents != 1030 {
		t.Errorf("expected 1030, got %d", sum.TotalCents)
	}
	if rec := do(srv, http.MethodGet, base+"/payment-summary?method=cash", "", env.receiver); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown method, got %d", rec.Code)
	}

	rec = do(srv, http.MethodPost, base+"/payments", `{"expected_version": 1}`, env.receiver)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Please select a payment method.") {
		t.Errorf("expected 400 asking for a method, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(srv, http.MethodPost, base+"/payments", `{"use_credits": true, "expected_version": 1}`, env.receiver)
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 without credits, got %d", rec.Code)
	}

	env.gateway.down = true
	rec = do(srv, http.MethodPost, base+"/payments", `{"method": "card", "expected_version": 1}`, env.receiver)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with the gateway down, got %d", rec.Code)
	}
	env.gateway.down = false

	rec = do(srv, http.MethodPost, base+"/payments", `{"method": "card", "expected_version": 1}`, env.receiver)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var out PaymentOutcome
	decode(t, rec, &out)

	confirm := "/api/v1/payments/" + out.SessionID.String() + "/confirm"
	rec = do(srv, http.MethodPost, confirm, `{"payment_method_id": "`+payment.DeclinedPaymentMethod+`"}`, env.receiver)
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 for a declined card, got %d", rec.Code)
	}
	rec = do(srv, http.MethodPost, confirm, `{"payment_method_id": "pm_card_visa"}`, env.receiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(srv, http.MethodPost, confirm, `{"payment_method_id": "pm_card_visa"}`, env.receiver); rec.Code != http.StatusNotFound {
		t.Errorf("a settled session is gone, got %d", rec.Code)
	}

	rec = do(srv, http.MethodGet, "/api/v1/referrals/"+v.ID.String()+"/activity?department_id="+env.d1.String(), "", env.receiver)
	var log []ActivityEntry
	decode(t, rec, &log)
	if len(log) != 2 {
		t.Errorf("expected initiated and confirmed, got %d entries", len(log))
	}
}

func TestHandler_ChatLocked(t *testing.T) {
	env := newTestEnv()
	v := env.sendTo(Target{DepartmentID: env.d1})
	path := "/api/v1/referrals/" + v.ID.String() + "/departments/" + env.d1.String() + "/messages"
	rec := do(env.server(), http.MethodPost, path, `{"body": "hello"}`, env.sender)
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d", rec.Code)
	}
}

func TestHandler_Inbox(t *testing.T) {
	env := newTestEnv()
	srv := env.server()
	env.sendTo(Target{DepartmentID: env.d1})
	env.sendTo(Target{DepartmentID: env.d2})

	rec := do(srv, http.MethodGet, "/api/v1/referrals?direction=received&department_id="+env.d1.String()+"&status=pending", "", env.receiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data  []InboxItem `json:"data"`
		Total int         `json:"total"`
	}
	decode(t, rec, &page)
	if page.Total != 1 || len(page.Data) != 1 {
		t.Errorf("expected one item, got %d", page.Total)
	}

	for _, q := range []string{"direction=sideways", "status=lost", "from=yesterday", "draft=maybe", "department_id=x"} {
		if rec := do(srv, http.MethodGet, "/api/v1/referrals?"+q, "", env.receiver); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHandler_Export(t *testing.T) {
	env := newTestEnv()
	env.sendTo(Target{DepartmentID: env.d1})
	rec := do(env.server(), http.MethodGet, "/api/v1/referrals/export", "", env.receiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != xlsxContentType {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentDisposition), "attachment;") {
		t.Error("expected an attachment")
	}
	if rec.Body.Len() == 0 {
		t.Error("expected a workbook")
	}
}

func TestHandler_Webhook(t *testing.T) {
	env := newTestEnv()
	srv := env.server()
	ctx := t.Context()
	v := env.sendTo(Target{DepartmentID: env.d1})
	out, err := env.svc.InitiatePayment(ctx, env.receiver, v.ID, env.d1, PayRequest{Method: payment.MethodCard, ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sess, _ := env.sessions.Get(ctx, *out.SessionID)

	body := fmt.Sprintf(`{"type":"payment_intent.succeeded","intent_id":"%s","status":"succeeded","metadata":{"session_id":"%s"}}`, sess.IntentID, sess.ID)

	post := func(sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(payment.SignatureHeader, sig)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post("sha256=deadbeef"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", code)
	}
	if env.row(v.ID, env.d1).PaymentStatus != PaymentNotPaid {
		t.Fatal("an unsigned callback must not pay")
	}
	if code := post("sha256=" + payment.Sign([]byte(testWebhookSecret), []byte(body))); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if env.row(v.ID, env.d1).PaymentStatus != PaymentPaid {
		t.Fatal("expected paid after the signed callback")
	}
	if code := post("sha256=" + payment.Sign([]byte(testWebhookSecret), []byte(body))); code != http.StatusOK {
		t.Fatalf("expected a replayed callback to be acknowledged, got %d", code)
	}
	log, _ := env.repo.ListActivity(ctx, v.ID, &env.d1)
	if got := strings.Join(activityActions(log), ","); got != "payment_initiated,payment_confirmed" {
		t.Errorf("expected the replay to append nothing, got %s", got)
	}
}

func TestHandler_DraftRoutes(t *testing.T) {
	env := newTestEnv()
	srv := env.server()
	body := strings.Replace(fmt.Sprintf(createBody, env.d1, "G1"), `"send": true`, `"send": false`, 1)
	rec := do(srv, http.MethodPost, "/api/v1/referrals", body, env.sender)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var v View
	decode(t, rec, &v)

	rec = do(srv, http.MethodPost, "/api/v1/referrals/"+v.ID.String()+"/send", `{"departments":[{"department_id":"`+env.d2.String()+`"}]}`, env.sender)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(srv, http.MethodDelete, "/api/v1/referrals/"+v.ID.String(), "", env.sender)
	if rec.Code != http.StatusConflict {
		t.Errorf("a sent referral cannot be deleted, got %d", rec.Code)
	}
}
