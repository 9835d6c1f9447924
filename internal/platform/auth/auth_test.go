package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return s
}

func validClaims(scope string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "practitioner-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scope: scope,
	}
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	var fe *fhir.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *fhir.Error, got %T (%v)", err, err)
	}
	if fe.Status != status {
		t.Errorf("expected %d, got %d", status, fe.Status)
	}
}

func run(mw echo.MiddlewareFunc, req *http.Request, path string) (echo.Context, error) {
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return c, h(c)
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	_, err := run(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req, "/fhir/:type")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
			req.Header.Set("Authorization", header)
			_, err := run(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req, "/fhir/:type")
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := validClaims("user/Patient.read launch")
	claims.FHIRScopes = []string{"user/Observation.*"}
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, claims, testSigningKey))

	c, err := run(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req, "/fhir/:type")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Get(SubjectContextKey); got != "practitioner-1" {
		t.Errorf("expected subject on echo context, got %v", got)
	}
	ctx := c.Request().Context()
	if SubjectFromContext(ctx) != "practitioner-1" {
		t.Errorf("expected subject on request context, got %q", SubjectFromContext(ctx))
	}
	scopes := ScopesFromContext(ctx)
	if len(scopes) != 3 || scopes[0] != "user/Observation.*" || scopes[1] != "user/Patient.read" {
		t.Errorf("unexpected scopes %v", scopes)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	expired := validClaims("")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims("")
	wrongIssuer.Issuer = "https://other.example"

	tests := []struct {
		name   string
		claims Claims
		key    []byte
	}{
		{"expired", expired, testSigningKey},
		{"wrong key", validClaims(""), []byte("another-key")},
		{"wrong issuer", wrongIssuer, testSigningKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
			req.Header.Set("Authorization", "Bearer "+createTestToken(t, tt.claims, tt.key))
			cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://issuer.example"}
			_, err := run(JWTMiddleware(cfg), req, "/fhir/:type")
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics", "/fhir/metadata"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		_, err := run(JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}), req, path)
		if err != nil {
			t.Errorf("%s: expected skip, got %v", path, err)
		}
	}
	preflight := httptest.NewRequest(http.MethodOptions, "/fhir/Patient", nil)
	if _, err := run(JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}), preflight, "/fhir/:type"); err != nil {
		t.Errorf("expected preflight to skip, got %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	_, err := run(JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}), req, "/fhir/:type")
	expectStatus(t, err, http.StatusUnauthorized)
}

func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_ = json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	}))
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	var hits int32
	srv := jwksServer(t, "k1", &priv.PublicKey, &hits)
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("system/*.*"))
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	mw := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		if _, err := run(mw, req, "/fhir/:type"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected keys to be cached after one fetch, got %d fetches", hits)
	}

	token.Header["kid"] = "unknown"
	signed, _ = token.SignedString(priv)
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	_, err = run(mw, req, "/fhir/:type")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDiscoverOIDC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "x", "jwks_uri": "https://x/jwks"})
	}))
	defer srv.Close()

	p, err := DiscoverOIDC(srv.URL + "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.JWKSURI != "https://x/jwks" {
		t.Errorf("expected jwks uri, got %q", p.JWKSURI)
	}

	if _, err := DiscoverOIDC(srv.URL + "/missing"); err == nil {
		t.Error("expected error for missing discovery document")
	}
}

func TestParseRSAPublicKey_Invalid(t *testing.T) {
	for _, k := range []JWKSKey{
		{N: "!!!", E: "AQAB"},
		{N: "AQAB", E: "!!!"},
		{N: "", E: "AQAB"},
	} {
		if _, err := parseRSAPublicKey(k); err == nil {
			t.Errorf("expected error for %+v", k)
		}
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	c, err := run(DevAuthMiddleware(AuthSkipper), req, "/fhir/:type")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if SubjectFromContext(c.Request().Context()) != "dev-user" {
		t.Errorf("expected dev-user, got %q", SubjectFromContext(c.Request().Context()))
	}
	if err := CheckAccess(c.Request().Context(), "Patient", AccessWrite); err != nil {
		t.Errorf("expected dev scopes to allow writes, got %v", err)
	}
}

func TestMatchScope(t *testing.T) {
	tests := []struct {
		granted  string
		resource string
		access   Access
		want     bool
	}{
		{"user/Patient.read", "Patient", AccessRead, true},
		{"user/Patient.read", "Patient", AccessWrite, false},
		{"user/Patient.read", "Observation", AccessRead, false},
		{"user/*.read", "Observation", AccessRead, true},
		{"system/*.*", "Encounter", AccessWrite, true},
		{"patient/Observation.write", "Observation", AccessWrite, true},
		{"patient/Observation.rs", "Observation", AccessRead, true},
		{"patient/Observation.rs", "Observation", AccessWrite, false},
		{"user/*.cud", "Patient", AccessWrite, true},
		{"user/*.xyz", "Patient", AccessRead, false},
		{"openid", "Patient", AccessRead, false},
		{"launch/patient", "Patient", AccessRead, false},
	}
	for _, tt := range tests {
		if got := matchScope(tt.granted, tt.resource, tt.access); got != tt.want {
			t.Errorf("matchScope(%q, %q, %s) = %v, want %v", tt.granted, tt.resource, tt.access, got, tt.want)
		}
	}
}

func TestAccessFor(t *testing.T) {
	tests := []struct {
		method, path string
		want         Access
	}{
		{http.MethodGet, "/fhir/:type/:id", AccessRead},
		{http.MethodPost, "/fhir/:type/_search", AccessRead},
		{http.MethodPost, "/fhir/:type", AccessWrite},
		{http.MethodDelete, "/fhir/:type/:id", AccessWrite},
		{http.MethodPatch, "/fhir/:type/:id", AccessWrite},
	}
	for _, tt := range tests {
		if got := AccessFor(tt.method, tt.path); got != tt.want {
			t.Errorf("AccessFor(%s, %s) = %s, want %s", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestRequireScope(t *testing.T) {
	e := echo.New()
	ctx := context.WithValue(context.Background(), SubjectKey, "u1")
	ctx = context.WithValue(ctx, ScopesKey, []string{"user/Patient.read"})

	tests := []struct {
		method   string
		typeName string
		wantErr  bool
	}{
		{http.MethodGet, "Patient", false},
		{http.MethodPut, "Patient", true},
		{http.MethodGet, "Observation", true},
		{http.MethodPost, "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/fhir", nil).WithContext(ctx)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetPath("/fhir/:type")
		if tt.typeName != "" {
			c.SetParamNames("type")
			c.SetParamValues(tt.typeName)
		}
		err := RequireScope(nil)(func(c echo.Context) error { return nil })(c)
		if tt.wantErr {
			expectStatus(t, err, http.StatusForbidden)
		} else if err != nil {
			t.Errorf("%s %s: unexpected error %v", tt.method, tt.typeName, err)
		}
	}
}

func TestCheckAccess_Unauthenticated(t *testing.T) {
	if err := CheckAccess(context.Background(), "Patient", AccessWrite); err != nil {
		t.Errorf("expected unauthenticated request to pass, got %v", err)
	}
}
