package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testCfg = JWTConfig{Issuer: "rcn-test", SigningKey: []byte("test-secret-key-for-unit-tests-only"), TTL: time.Hour}

func testIdentity() Identity {
	return Identity{
		UserID:         uuid.New(),
		OrganizationID: uuid.New(),
		Roles:          []string{RoleStaff},
		DepartmentIDs:  []uuid.UUID{uuid.New()},
	}
}

func capture(got *Identity) echo.HandlerFunc {
	return func(c echo.Context) error {
		*got = IdentityFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}
}

func TestIssueAndParseToken(t *testing.T) {
	want := testIdentity()
	tok, exp, err := IssueToken(testCfg, want, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Error("expected expiry in the future")
	}

	got, err := ParseToken(testCfg, tok)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if got.UserID != want.UserID || got.OrganizationID != want.OrganizationID {
		t.Errorf("identity mismatch: got %+v want %+v", got, want)
	}
	if len(got.DepartmentIDs) != 1 || got.DepartmentIDs[0] != want.DepartmentIDs[0] {
		t.Errorf("department ids mismatch: %v", got.DepartmentIDs)
	}
	if !got.HasRole(RoleStaff) {
		t.Error("expected staff role")
	}
}

func TestIssueToken_NoKey(t *testing.T) {
	if _, _, err := IssueToken(JWTConfig{}, testIdentity(), time.Now()); err == nil {
		t.Fatal("expected error without signing key")
	}
}

func TestParseToken_Rejects(t *testing.T) {
	id := testIdentity()
	expired, _, _ := IssueToken(testCfg, id, time.Now().Add(-2*time.Hour))
	otherKey, _, _ := IssueToken(JWTConfig{Issuer: "rcn-test", SigningKey: []byte("other")}, id, time.Now())
	otherIssuer, _, _ := IssueToken(JWTConfig{Issuer: "someone-else", SigningKey: testCfg.SigningKey}, id, time.Now())

	badSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid", Issuer: "rcn-test"},
		OrgID:            uuid.NewString(),
	})
	badSubjectStr, _ := badSubject.SignedString(testCfg.SigningKey)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", otherKey},
		{"wrong issuer", otherIssuer},
		{"bad subject", badSubjectStr},
		{"garbage", "abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(testCfg, tt.token); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var got Identity
	err := JWTMiddleware(testCfg)(capture(&got))(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			var got Identity
			err := JWTMiddleware(testCfg)(capture(&got))(c)
			if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %v", err)
			}
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	want := testIdentity()
	tok, _, err := IssueToken(testCfg, want, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Identity
	if err := JWTMiddleware(testCfg)(capture(&got))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != want.UserID {
		t.Errorf("expected user %s, got %s", want.UserID, got.UserID)
	}
}

func TestDevAuthMiddleware_DefaultIdentity(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var got Identity
	if err := DevAuthMiddleware(testCfg)(capture(&got))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != DevUserID || got.OrganizationID != DevOrganizationID {
		t.Errorf("expected dev identity, got %+v", got)
	}
	if !got.IsPlatformAdmin() {
		t.Error("expected dev identity to be platform admin")
	}
}

func TestDevAuthMiddleware_OrgHeader(t *testing.T) {
	org := uuid.New()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevOrgHeader, org.String())
	c := e.NewContext(req, httptest.NewRecorder())

	var got Identity
	if err := DevAuthMiddleware(testCfg)(capture(&got))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrganizationID != org {
		t.Errorf("expected org %s, got %s", org, got.OrganizationID)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevOrgHeader, "nope")
	c = e.NewContext(req, httptest.NewRecorder())
	if err := DevAuthMiddleware(testCfg)(capture(&got))(c); err == nil {
		t.Error("expected error for malformed org header")
	}
}

func TestDevAuthMiddleware_ValidatesSuppliedToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	c := e.NewContext(req, httptest.NewRecorder())

	var got Identity
	err := DevAuthMiddleware(testCfg)(capture(&got))(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad token in dev mode, got %v", err)
	}
}
