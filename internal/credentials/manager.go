package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshBuffer is how long before expiry a token stops being handed out.
	DefaultRefreshBuffer = 5 * time.Minute
	// DefaultProvider names the identity provider credentials are stored under.
	DefaultProvider = "google"

	refreshTimeout = 30 * time.Second

	opManagerNew          = "credentials.manager.new"
	opGetValidAccessToken = "credentials.get_valid_access_token"
	opRefresh             = "credentials.refresh"
	opCompleteAuth        = "credentials.complete_authorization"
	opRevoke              = "credentials.revoke"
)

var (
	errMissingStore            = errors.New("credentials: store is required")
	errMissingIdentityProvider = errors.New("credentials: identity provider is required")
	errMissingAuthorizer       = errors.New("credentials: authorizer is not configured")
	errMissingSubject          = errors.New("credentials: subject identifier is required")
	noOpLogger                 = zap.NewNop()
)

// RefreshFailedError reports a failed refresh. The wrapped error is classified as
// apperr.ErrAuthentication (re-authorize) or apperr.ErrTransientUpstream (retry later).
type RefreshFailedError struct {
	SubjectID string
	Err       error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("credentials: refresh failed for subject %s: %v", e.SubjectID, e.Err)
}

func (e *RefreshFailedError) Unwrap() error {
	return e.Err
}

// ManagerConfig describes the dependencies of the credential lifecycle manager.
type ManagerConfig struct {
	Store            Store
	IdentityProvider IdentityProvider
	Authorizer       Authorizer
	Provider         string
	RefreshBuffer    time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Manager hands out usable access tokens, refreshing them near expiry.
type Manager struct {
	store    Store
	idp      IdentityProvider
	auth     Authorizer
	provider string
	buffer   time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	flights  singleflight.Group
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, apperr.New(apperr.KindValidation, opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.IdentityProvider == nil {
		return nil, apperr.New(apperr.KindValidation, opManagerNew, "missing_identity_provider", errMissingIdentityProvider)
	}
	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = DefaultProvider
	}
	buffer := cfg.RefreshBuffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		store:    cfg.Store,
		idp:      cfg.IdentityProvider,
		auth:     cfg.Authorizer,
		provider: provider,
		buffer:   buffer,
		clock:    clock,
		logger:   logger,
	}, nil
}

// GetValidAccessToken returns an access token that stays valid for at least the
// refresh buffer, refreshing and persisting a new one when needed.
func (m *Manager) GetValidAccessToken(ctx context.Context, subjectID string) (string, error) {
	subject := strings.TrimSpace(subjectID)
	if subject == "" {
		return "", apperr.New(apperr.KindValidation, opGetValidAccessToken, "missing_subject", errMissingSubject)
	}

	credential, err := m.load(ctx, subject)
	if err != nil {
		return "", err
	}
	if m.usable(credential) {
		return credential.AccessToken, nil
	}

	// Concurrent callers for one subject share a single refresh. The flight
	// outlives any one caller so a cancelled request cannot fail the others.
	results := m.flights.DoChan(subject, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(flightCtx, subject)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

func (m *Manager) load(ctx context.Context, subject string) (Credential, error) {
	credential, err := m.store.Get(ctx, subject, m.provider)
	if errors.Is(err, ErrCredentialNotFound) {
		return Credential{}, apperr.New(apperr.KindNotAuthorized, opGetValidAccessToken, "no_credential", err)
	}
	if err != nil {
		m.logError(opGetValidAccessToken, "credential_load_failed", err, zap.String("subject_id", subject))
		return Credential{}, err
	}
	return credential, nil
}

func (m *Manager) usable(credential Credential) bool {
	if credential.AccessToken == "" {
		return false
	}
	return m.clock().Before(credential.ExpiresAt.Add(-m.buffer))
}

func (m *Manager) refresh(ctx context.Context, subject string) (string, error) {
	// Another flight may have refreshed since the caller's read.
	credential, err := m.load(ctx, subject)
	if err != nil {
		return "", err
	}
	if m.usable(credential) {
		return credential.AccessToken, nil
	}
	if !credential.HasRefreshToken() {
		cause := apperr.New(apperr.KindAuthentication, opRefresh, "missing_refresh_token", nil)
		return "", &RefreshFailedError{SubjectID: subject, Err: cause}
	}

	grant, err := m.idp.Refresh(ctx, credential.RefreshToken)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.New(apperr.KindTransientUpstream, opRefresh, "provider_failed", err)
		}
		m.logger.Warn("access token refresh failed",
			zap.String("subject_id", subject),
			zap.String("provider", m.provider),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		return "", &RefreshFailedError{SubjectID: subject, Err: err}
	}

	now := m.clock().UTC()
	updated := credential
	updated.AccessToken = grant.AccessToken
	updated.ExpiresAt = now.Add(grant.ExpiresIn)
	updated.UpdatedAt = now
	if grant.RefreshToken != "" {
		updated.RefreshToken = grant.RefreshToken
	}
	if err := m.store.Save(ctx, updated); err != nil {
		m.logError(opRefresh, "credential_save_failed", err, zap.String("subject_id", subject))
		return "", err
	}

	m.logger.Info("access token refreshed",
		zap.String("subject_id", subject),
		zap.String("provider", m.provider),
		zap.Time("expires_at", updated.ExpiresAt),
		zap.Bool("refresh_token_rotated", grant.RefreshToken != "" && grant.RefreshToken != credential.RefreshToken))
	return updated.AccessToken, nil
}

// AuthorizationURL returns the consent URL for the given anti-forgery state.
func (m *Manager) AuthorizationURL(state string) (string, error) {
	if m.auth == nil {
		return "", apperr.New(apperr.KindValidation, opCompleteAuth, "missing_authorizer", errMissingAuthorizer)
	}
	return m.auth.AuthCodeURL(state), nil
}

// CompleteAuthorization exchanges the code and stores the resulting credential.
func (m *Manager) CompleteAuthorization(ctx context.Context, subjectID, code string) error {
	subject := strings.TrimSpace(subjectID)
	if subject == "" {
		return apperr.New(apperr.KindValidation, opCompleteAuth, "missing_subject", errMissingSubject)
	}
	if m.auth == nil {
		return apperr.New(apperr.KindValidation, opCompleteAuth, "missing_authorizer", errMissingAuthorizer)
	}
	grant, err := m.auth.Exchange(ctx, code)
	if err != nil {
		m.logger.Warn("authorization code exchange failed", zap.String("subject_id", subject), zap.Error(err))
		return err
	}
	now := m.clock().UTC()
	credential := Credential{
		SubjectID:    subject,
		Provider:     m.provider,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    now.Add(grant.ExpiresIn),
		UpdatedAt:    now,
	}
	if err := m.store.Save(ctx, credential); err != nil {
		m.logError(opCompleteAuth, "credential_save_failed", err, zap.String("subject_id", subject))
		return err
	}
	m.logger.Info("credential authorized", zap.String("subject_id", subject), zap.String("provider", m.provider))
	return nil
}

// Revoke forgets the stored credential for the subject.
func (m *Manager) Revoke(ctx context.Context, subjectID string) error {
	subject := strings.TrimSpace(subjectID)
	if subject == "" {
		return apperr.New(apperr.KindValidation, opRevoke, "missing_subject", errMissingSubject)
	}
	if err := m.store.Delete(ctx, subject, m.provider); err != nil {
		m.logError(opRevoke, "credential_delete_failed", err, zap.String("subject_id", subject))
		return err
	}
	return nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("credential manager error", attrs...)
}
