package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Claims struct {
	jwt.RegisteredClaims
	OrgID         string   `json:"org_id"`
	Roles         []string `json:"roles"`
	DepartmentIDs []string `json:"department_ids,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	TTL        time.Duration
}

// Dev identity used when ENV=development and no bearer token is sent. The
// organization can be switched per request with X-Dev-Org-ID.
var (
	DevUserID         = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	DevOrganizationID = uuid.MustParse("00000000-0000-4000-8000-0000000000a1")
)

const DevOrgHeader = "X-Dev-Org-ID"

// IssueToken signs an HS256 token for the identity.
func IssueToken(cfg JWTConfig, id Identity, now time.Time) (string, time.Time, error) {
	if len(cfg.SigningKey) == 0 {
		return "", time.Time{}, fmt.Errorf("issue token: no signing key configured")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	expires := now.Add(ttl)

	depts := make([]string, len(id.DepartmentIDs))
	for i, d := range id.DepartmentIDs {
		depts[i] = d.String()
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		OrgID:         id.OrganizationID.String(),
		Roles:         id.Roles,
		DepartmentIDs: depts,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ParseToken validates a token and returns the identity it carries.
func ParseToken(cfg JWTConfig, tokenStr string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid subject: %w", err)
	}
	oid, err := uuid.Parse(claims.OrgID)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid org_id: %w", err)
	}
	id := Identity{UserID: uid, OrganizationID: oid, Roles: claims.Roles}
	for _, d := range claims.DepartmentIDs {
		did, err := uuid.Parse(d)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid department id %q: %w", d, err)
		}
		id.DepartmentIDs = append(id.DepartmentIDs, did)
	}
	return id, nil
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func authenticate(cfg JWTConfig, c echo.Context) error {
	tokenStr, err := bearerToken(c)
	if err != nil {
		return err
	}
	id, err := ParseToken(cfg, tokenStr)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
	return nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := authenticate(cfg, c); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// DevAuthMiddleware validates a bearer token when one is sent and otherwise
// injects the dev identity with the admin role.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				if err := authenticate(cfg, c); err != nil {
					return err
				}
				return next(c)
			}

			id := Identity{
				UserID:         DevUserID,
				OrganizationID: DevOrganizationID,
				Roles:          []string{RoleAdmin, RoleOrgAdmin},
			}
			if h := c.Request().Header.Get(DevOrgHeader); h != "" {
				oid, err := uuid.Parse(h)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid "+DevOrgHeader)
				}
				id.OrganizationID = oid
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
