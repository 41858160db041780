package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerScheme = "bearer"

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the dashboard session payload. The subject is the owner id
// that credentials and workspaces are keyed by.
type SessionClaims struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID returns the trimmed subject.
func (c SessionClaims) OwnerID() string {
	return strings.TrimSpace(c.Subject)
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator accepts HS256 session JWTs carried in a bearer header or a cookie.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, ErrMissingSessionSigningKey
	case strings.TrimSpace(cfg.Issuer) == "":
		return nil, ErrMissingSessionIssuer
	case strings.TrimSpace(cfg.CookieName) == "":
		return nil, ErrMissingSessionCookieName
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    strings.TrimSpace(cfg.CookieName),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(strings.TrimSpace(cfg.Issuer)),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// CookieName returns the cookie the validator reads sessions from.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken parses tokenString and returns its claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.OwnerID() == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest prefers the Authorization header and falls back to the session cookie.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, err := v.sessionToken(r)
	if err != nil {
		return SessionClaims{}, err
	}
	return v.ValidateToken(token)
}

func (v *SessionValidator) sessionToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, bearerScheme) {
			return "", ErrInvalidSessionToken
		}
		return token, nil
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return "", ErrMissingSessionToken
	}
	return cookie.Value, nil
}

func (v *SessionValidator) signingKey(*jwt.Token) (any, error) {
	return v.signingSecret, nil
}
