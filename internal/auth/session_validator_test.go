package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "reviewdesk-auth"
	testSessionCookieName    = "app_session"
	testSessionOwnerID       = "owner-123"
)

var testSessionNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock:         func() time.Time { return testSessionNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func newTestIssuer(t *testing.T, secret, issuer string, ttl time.Duration, now time.Time) *SessionIssuer {
	t.Helper()
	sessionIssuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        issuer,
		TTL:           ttl,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return sessionIssuer
}

func TestSessionIssuerRoundTrip(t *testing.T) {
	validator := newTestValidator(t)
	sessionIssuer := newTestIssuer(t, testSessionSigningSecret, testSessionIssuer, time.Hour, testSessionNow.Add(-time.Minute))

	signed, expiresAt, err := sessionIssuer.Issue(testSessionOwnerID, "owner@example.com")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if !expiresAt.Equal(testSessionNow.Add(59 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.OwnerID() != testSessionOwnerID || claims.Email != "owner@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	validator := newTestValidator(t)

	expired, _, err := newTestIssuer(t, testSessionSigningSecret, testSessionIssuer, time.Hour, testSessionNow.Add(-2*time.Hour)).Issue(testSessionOwnerID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	wrongIssuer, _, err := newTestIssuer(t, testSessionSigningSecret, "someone-else", time.Hour, testSessionNow).Issue(testSessionOwnerID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	wrongSecret, _, err := newTestIssuer(t, "other-secret", testSessionIssuer, time.Hour, testSessionNow).Issue(testSessionOwnerID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: testSessionIssuer, Subject: testSessionOwnerID},
	}).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: testSessionIssuer, ExpiresAt: jwt.NewNumericDate(testSessionNow.Add(time.Hour))},
	}).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "  ", want: ErrMissingSessionToken},
		{name: "expired", token: expired, want: ErrExpiredSessionToken},
		{name: "issuer", token: wrongIssuer, want: ErrInvalidSessionToken},
		{name: "secret", token: wrongSecret, want: ErrInvalidSessionToken},
		{name: "no-expiry", token: noExpiry, want: ErrInvalidSessionToken},
		{name: "no-subject", token: noSubject, want: ErrMissingSessionSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	validator := newTestValidator(t)
	signed, _, err := newTestIssuer(t, testSessionSigningSecret, testSessionIssuer, time.Hour, testSessionNow).Issue(testSessionOwnerID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	cookieRequest := httptest.NewRequest(http.MethodGet, "/workspaces", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	if claims, err := validator.ValidateRequest(cookieRequest); err != nil || claims.OwnerID() != testSessionOwnerID {
		t.Fatalf("cookie validation failed: %v", err)
	}

	bearerRequest := httptest.NewRequest(http.MethodGet, "/workspaces", http.NoBody)
	bearerRequest.Header.Set("Authorization", "Bearer "+signed)
	if claims, err := validator.ValidateRequest(bearerRequest); err != nil || claims.OwnerID() != testSessionOwnerID {
		t.Fatalf("bearer validation failed: %v", err)
	}

	basicRequest := httptest.NewRequest(http.MethodGet, "/workspaces", http.NoBody)
	basicRequest.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := validator.ValidateRequest(basicRequest); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected non-bearer authorization to be rejected, got %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/workspaces", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestNewSessionValidatorRequiresConfiguration(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{Issuer: "i", CookieName: "c"}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s"), CookieName: "c"}); !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected missing issuer, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s"), Issuer: "i"}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name, got %v", err)
	}
	if _, err := NewSessionIssuer(SessionIssuerConfig{SigningSecret: []byte("s"), Issuer: "i"}); err != nil {
		t.Fatalf("unexpected issuer error: %v", err)
	}
}
