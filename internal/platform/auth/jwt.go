// Package auth authenticates FHIR requests with bearer tokens and checks
// SMART-style scopes against the interaction being performed.
package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

type contextKey string

const (
	SubjectKey contextKey = "auth_subject"
	ScopesKey  contextKey = "auth_scopes"
)

// SubjectContextKey is the echo context key holding the token subject. The
// request logger and the rate limiter read it.
const SubjectContextKey = "auth_subject"

// Claims are the token claims the server understands. Scopes may arrive as
// the space separated SMART "scope" claim or as a fhir_scopes array.
type Claims struct {
	jwt.RegisteredClaims
	Scope      string   `json:"scope,omitempty"`
	FHIRScopes []string `json:"fhir_scopes,omitempty"`
}

// Scopes returns the union of both scope claims.
func (c *Claims) Scopes() []string {
	out := append([]string(nil), c.FHIRScopes...)
	return append(out, strings.Fields(c.Scope)...)
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 tokens; development and tests only.
	SigningKey []byte
	Skipper    echomw.Skipper
}

// JWTMiddleware validates the bearer token and stores the subject and
// scopes on the request. When neither JWKSURL nor SigningKey is set the
// JWKS location is discovered from the issuer.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = echomw.DefaultSkipper
	}

	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if p, err := DiscoverOIDC(cfg.Issuer); err == nil {
				jwksURL = p.JWKSURI
			}
		}
		keyFunc = NewJWKSCache(jwksURL, defaultJWKSCacheTTL).KeyFunc()
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return fhir.Unauthorized("missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return fhir.Unauthorized("invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return fhir.Unauthorized("invalid token")
			}

			authenticate(c, claims.Subject, claims.Scopes())
			return next(c)
		}
	}
}

// DevAuthMiddleware grants every request full access as "dev-user". It is
// only installed when AUTH_MODE=development.
func DevAuthMiddleware(skipper echomw.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !skipper(c) {
				authenticate(c, "dev-user", []string{"system/*.*"})
			}
			return next(c)
		}
	}
}

func authenticate(c echo.Context, subject string, scopes []string) {
	c.Set(SubjectContextKey, subject)
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, SubjectKey, subject)
	ctx = context.WithValue(ctx, ScopesKey, scopes)
	c.SetRequest(c.Request().WithContext(ctx))
}

func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(SubjectKey).(string)
	return s
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ScopesKey).([]string)
	return scopes
}
