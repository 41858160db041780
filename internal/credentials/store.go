package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreGet    = "credentials.store.get"
	opStoreSave   = "credentials.store.save"
	opStoreDelete = "credentials.store.delete"

	querySubjectProvider = "subject_id = ? AND provider = ?"

	// An empty incoming refresh token keeps the stored one.
	preserveRefreshTokenExpr = "CASE WHEN excluded.refresh_token = '' THEN oauth_credentials.refresh_token ELSE excluded.refresh_token END"
)

var (
	// ErrCredentialNotFound indicates no credential row exists for the subject and provider.
	ErrCredentialNotFound = errors.New("credentials: credential not found")
	errMissingDatabase    = errors.New("credentials: database handle is required")
)

// Store persists one credential per (subject, provider).
type Store interface {
	Get(ctx context.Context, subjectID, provider string) (Credential, error)
	Save(ctx context.Context, credential Credential) error
	Delete(ctx context.Context, subjectID, provider string) error
}

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore constructs a GORM backed credential store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Get loads the credential for the subject and provider.
func (s *GormStore) Get(ctx context.Context, subjectID, provider string) (Credential, error) {
	var credential Credential
	err := s.db.WithContext(ctx).
		Where(querySubjectProvider, strings.TrimSpace(subjectID), provider).
		Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, apperr.New(apperr.KindDatabase, opStoreGet, "query_failed", err)
	}
	return credential, nil
}

// Save upserts the credential keyed by (subject, provider). A credential with an
// empty refresh token never clears a previously stored one.
func (s *GormStore) Save(ctx context.Context, credential Credential) error {
	assignments := clause.AssignmentColumns([]string{"access_token", "expires_at", "updated_at"})
	assignments = append(assignments, clause.Assignment{
		Column: clause.Column{Name: "refresh_token"},
		Value:  gorm.Expr(preserveRefreshTokenExpr),
	})

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}, {Name: "provider"}},
			DoUpdates: assignments,
		}).
		Create(&credential).Error
	if err != nil {
		return apperr.New(apperr.KindDatabase, opStoreSave, "upsert_failed", err)
	}
	return nil
}

// Delete removes the credential. Deleting a missing credential is not an error.
func (s *GormStore) Delete(ctx context.Context, subjectID, provider string) error {
	err := s.db.WithContext(ctx).
		Where(querySubjectProvider, strings.TrimSpace(subjectID), provider).
		Delete(&Credential{}).Error
	if err != nil {
		return apperr.New(apperr.KindDatabase, opStoreDelete, "delete_failed", err)
	}
	return nil
}
