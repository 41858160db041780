package credentials

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	opProviderRefresh  = "credentials.provider.refresh"
	opProviderExchange = "credentials.provider.exchange"

	// Used when the token endpoint omits expires_in.
	defaultGrantLifetime = time.Hour
)

// BusinessProfileScope is the scope needed to manage locations and reviews.
const BusinessProfileScope = "https://www.googleapis.com/auth/business.manage"

var errMissingClientID = errors.New("credentials: oauth client id is required")

// TokenGrant is the token endpoint response in provider-neutral form.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// IdentityProvider refreshes access tokens.
type IdentityProvider interface {
	Refresh(ctx context.Context, refreshToken string) (TokenGrant, error)
}

// Authorizer runs the authorization-code leg of the OAuth flow.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (TokenGrant, error)
}

// OAuthProviderConfig configures the OAuth2 identity provider client.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	HTTPClient   *http.Client
	Clock        func() time.Time
}

// OAuthProvider implements IdentityProvider and Authorizer with golang.org/x/oauth2.
type OAuthProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
	clock      func() time.Time
}

var (
	_ IdentityProvider = (*OAuthProvider)(nil)
	_ Authorizer       = (*OAuthProvider)(nil)
)

// NewOAuthProvider builds an OAuth2 client. Endpoints default to Google's.
func NewOAuthProvider(cfg OAuthProviderConfig) (*OAuthProvider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	endpoint := google.Endpoint
	if authURL := strings.TrimSpace(cfg.AuthURL); authURL != "" {
		endpoint.AuthURL = authURL
	}
	if tokenURL := strings.TrimSpace(cfg.TokenURL); tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{BusinessProfileScope}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &OAuthProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

// AuthCodeURL returns the consent URL requesting offline access.
func (p *OAuthProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token grant.
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (TokenGrant, error) {
	if strings.TrimSpace(code) == "" {
		return TokenGrant{}, apperr.New(apperr.KindValidation, opProviderExchange, "missing_code", nil)
	}
	token, err := p.config.Exchange(p.withClient(ctx), code)
	if err != nil {
		return TokenGrant{}, classifyTokenError(opProviderExchange, err)
	}
	return p.grantFromToken(token), nil
}

// Refresh redeems the refresh token for a new access token.
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	if refreshToken == "" {
		return TokenGrant{}, apperr.New(apperr.KindAuthentication, opProviderRefresh, "missing_refresh_token", nil)
	}
	source := p.config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return TokenGrant{}, classifyTokenError(opProviderRefresh, err)
	}
	return p.grantFromToken(token), nil
}

func (p *OAuthProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *OAuthProvider) grantFromToken(token *oauth2.Token) TokenGrant {
	lifetime := defaultGrantLifetime
	if token.ExpiresIn > 0 {
		lifetime = time.Duration(token.ExpiresIn) * time.Second
	} else if !token.Expiry.IsZero() {
		lifetime = token.Expiry.Sub(p.clock())
	}
	return TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    lifetime,
	}
}

func classifyTokenError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			return apperr.New(apperr.KindTransientUpstream, operation, "provider_unavailable", err)
		case status >= http.StatusBadRequest:
			return apperr.New(apperr.KindAuthentication, operation, "grant_rejected", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindTransientUpstream, operation, "provider_unreachable", err)
	}
	if isPermanentGrantError(err) {
		return apperr.New(apperr.KindAuthentication, operation, "grant_rejected", err)
	}
	return apperr.New(apperr.KindTransientUpstream, operation, "provider_failed", err)
}

func isPermanentGrantError(err error) bool {
	message := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
