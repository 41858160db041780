package reviews

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/platform"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultMaxParallel bounds concurrent per-workspace sync units.
	DefaultMaxParallel = 8
	upsertBatchSize    = 100

	opServiceNew      = "reviews.service.new"
	opSyncWorkspaces  = "reviews.sync_workspaces"
	opSyncReviews     = "reviews.sync_reviews"
	opSyncLocations   = "reviews.sync_locations"
	opSyncAllReviews  = "reviews.sync_all_reviews"
	opPostReply       = "reviews.post_reply"
	opDeleteReply     = "reviews.delete_reply"
	opSaveAnalysis    = "reviews.save_analysis"
	opListWorkspaces  = "reviews.list_workspaces"
	opListReviews     = "reviews.list_reviews"
	opGetReview       = "reviews.get_review"
	opLoadWorkspace   = "reviews.load_workspace"
	opLoadOwnedReview = "reviews.load_owned_review"
)

var (
	errMissingDatabase    = errors.New("reviews: database handle is required")
	errMissingPlatform    = errors.New("reviews: platform client is required")
	errMissingTokenSource = errors.New("reviews: token source is required")
	errMissingIDProvider  = errors.New("reviews: id provider is required")
	errMissingOwnerID     = errors.New("reviews: owner identifier is required")
	errMissingWorkspaceID = errors.New("reviews: workspace identifier is required")
	errMissingReviewID    = errors.New("reviews: review identifier is required")
	noOpLogger            = zap.NewNop()
)

// TokenSource issues a currently valid platform access token for an owner.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, subjectID string) (string, error)
}

// ServiceConfig describes the dependencies of the reconciliation service.
type ServiceConfig struct {
	Database    *gorm.DB
	Platform    platform.Client
	TokenSource TokenSource
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	MaxParallel int
}

// Service mirrors upstream locations and reviews into local storage.
type Service struct {
	db          *gorm.DB
	platform    platform.Client
	tokens      TokenSource
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	maxParallel int
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindValidation, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Platform == nil {
		return nil, apperr.New(apperr.KindValidation, opServiceNew, "missing_platform", errMissingPlatform)
	}
	if cfg.TokenSource == nil {
		return nil, apperr.New(apperr.KindValidation, opServiceNew, "missing_token_source", errMissingTokenSource)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(apperr.KindValidation, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	return &Service{
		db:          cfg.Database,
		platform:    cfg.Platform,
		tokens:      cfg.TokenSource,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		logger:      logger,
		maxParallel: maxParallel,
	}, nil
}

// ListWorkspaces returns the owner's workspaces ordered by name.
func (s *Service) ListWorkspaces(ctx context.Context, ownerID string) ([]Workspace, error) {
	if ownerID == "" {
		return nil, apperr.New(apperr.KindValidation, opListWorkspaces, "missing_owner_id", errMissingOwnerID)
	}

	var workspaces []Workspace
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("name ASC").
		Order("id ASC").
		Find(&workspaces).Error; err != nil {
		s.logError(opListWorkspaces, "query_failed", err, zap.String("owner_id", ownerID))
		return nil, apperr.New(apperr.KindDatabase, opListWorkspaces, "query_failed", err)
	}
	return workspaces, nil
}

// ListReviews returns reviews of one owned workspace, newest first. An empty
// status returns every review.
func (s *Service) ListReviews(ctx context.Context, ownerID, workspaceID string, status ReviewStatus) ([]ReviewRecord, error) {
	if _, err := s.loadWorkspace(ctx, ownerID, workspaceID); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var records []ReviewRecord
	if err := query.Order("reviewed_at DESC").Order("id ASC").Find(&records).Error; err != nil {
		s.logError(opListReviews, "query_failed", err, zap.String("workspace_id", workspaceID))
		return nil, apperr.New(apperr.KindDatabase, opListReviews, "query_failed", err)
	}
	return records, nil
}

// GetReview loads a review by internal id if the owner holds its workspace.
func (s *Service) GetReview(ctx context.Context, ownerID, reviewID string) (ReviewRecord, error) {
	return s.loadOwnedReview(ctx, opGetReview, ownerID, reviewID)
}

func (s *Service) loadWorkspace(ctx context.Context, ownerID, workspaceID string) (Workspace, error) {
	if ownerID == "" {
		return Workspace{}, apperr.New(apperr.KindValidation, opLoadWorkspace, "missing_owner_id", errMissingOwnerID)
	}
	if workspaceID == "" {
		return Workspace{}, apperr.New(apperr.KindValidation, opLoadWorkspace, "missing_workspace_id", errMissingWorkspaceID)
	}

	var workspace Workspace
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", workspaceID, ownerID).
		Take(&workspace).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workspace{}, apperr.New(apperr.KindNotFound, opLoadWorkspace, "workspace_not_found", err)
	}
	if err != nil {
		s.logError(opLoadWorkspace, "query_failed", err, zap.String("workspace_id", workspaceID))
		return Workspace{}, apperr.New(apperr.KindDatabase, opLoadWorkspace, "query_failed", err)
	}
	return workspace, nil
}

func (s *Service) loadOwnedReview(ctx context.Context, operation, ownerID, reviewID string) (ReviewRecord, error) {
	if ownerID == "" {
		return ReviewRecord{}, apperr.New(apperr.KindValidation, operation, "missing_owner_id", errMissingOwnerID)
	}
	if reviewID == "" {
		return ReviewRecord{}, apperr.New(apperr.KindValidation, operation, "missing_review_id", errMissingReviewID)
	}

	db := s.db.WithContext(ctx)
	owned := db.Model(&Workspace{}).Select("id").Where("owner_id = ?", ownerID)

	var record ReviewRecord
	err := db.Where("id = ? AND workspace_id IN (?)", reviewID, owned).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReviewRecord{}, apperr.New(apperr.KindNotFound, operation, "review_not_found", err)
	}
	if err != nil {
		s.logError(opLoadOwnedReview, "query_failed", err, zap.String("review_id", reviewID))
		return ReviewRecord{}, apperr.New(apperr.KindDatabase, operation, "query_failed", err)
	}
	return record, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("reviews service error", attrs...)
}
