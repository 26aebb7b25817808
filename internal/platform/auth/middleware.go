package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	IdentityIDKey contextKey = "identity_id"
	UserRolesKey  contextKey = "user_roles"
)

// DevIdentityHeader lets local tooling act as an identity without a token.
// Only honoured by DevAuthMiddleware.
const DevIdentityHeader = "X-Identity-ID"

// RolePlatformAdmin is the platform-level role allowed to register
// establishments. It is unrelated to establishment roles held through
// affiliations.
const RolePlatformAdmin = "platform_admin"

// Claims carries the identity id in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Skipper    middleware.Skipper
}

// tokenParser validates bearer tokens against either the HMAC dev key or
// the issuer's JWKS.
type tokenParser struct {
	keyFunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

func newTokenParser(cfg JWTConfig) *tokenParser {
	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" && len(cfg.SigningKey) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if u, err := discoverJWKS(ctx, &http.Client{}, cfg.Issuer); err == nil {
			jwksURL = u
		}
		cancel()
	}

	p := &tokenParser{}
	if len(cfg.SigningKey) > 0 {
		p.opts = append(p.opts, jwt.WithValidMethods([]string{"HS256"}))
		p.keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		p.opts = append(p.opts, jwt.WithValidMethods([]string{"RS256"}))
		p.keyFunc = jwksKeyFunc(jwksURL)
	}
	if cfg.Issuer != "" {
		p.opts = append(p.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		p.opts = append(p.opts, jwt.WithAudience(cfg.Audience))
	}
	return p
}

func (p *tokenParser) authenticate(c echo.Context) error {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	scheme, tokenStr, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, p.keyFunc, p.opts...)
	if err != nil || !token.Valid {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	identityID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "token subject is not an identity id")
	}

	setPrincipal(c, identityID, claims.Roles)
	return nil
}

func setPrincipal(c echo.Context, identityID uuid.UUID, roles []string) {
	ctx := WithIdentity(c.Request().Context(), identityID, roles...)
	c.SetRequest(c.Request().WithContext(ctx))
	c.Set(string(IdentityIDKey), identityID.String())
}

// JWTMiddleware authenticates every non-skipped request with a bearer token
// whose subject is the caller's identity id.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	parser := newTokenParser(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			if err := parser.authenticate(c); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// DevAuthMiddleware accepts an X-Identity-ID header in place of a token, with
// platform admin rights. A bearer token, when present, is still validated.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	parser := newTokenParser(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			if c.Request().Header.Get("Authorization") == "" {
				raw := c.Request().Header.Get(DevIdentityHeader)
				if raw == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
				}
				id, err := uuid.Parse(raw)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid "+DevIdentityHeader)
				}
				setPrincipal(c, id, []string{RolePlatformAdmin})
				return next(c)
			}
			if err := parser.authenticate(c); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying the authenticated identity and its
// platform roles.
func WithIdentity(ctx context.Context, identityID uuid.UUID, roles ...string) context.Context {
	ctx = context.WithValue(ctx, IdentityIDKey, identityID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

// IdentityIDFromContext returns the authenticated identity, if any.
func IdentityIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(IdentityIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// MustIdentity extracts the caller identity inside a handler, answering 401
// when the request was not authenticated.
func MustIdentity(c echo.Context) (uuid.UUID, error) {
	id, ok := IdentityIDFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}
