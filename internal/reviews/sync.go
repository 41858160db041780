package reviews

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/clause"
)

var (
	workspaceConflictColumns = []clause.Column{{Name: "owner_id"}, {Name: "external_location_id"}}
	workspaceMutableColumns  = []string{"name", "address", "updated_at"}

	reviewConflictColumns = []clause.Column{{Name: "external_review_id"}}
	// risk_level and ai_annotations are owned by analysis and never listed here.
	reviewMutableColumns = []string{
		"workspace_id",
		"external_name",
		"author_name",
		"rating",
		"body",
		"reviewed_at",
		"reply_body",
		"replied_at",
		"status",
		"updated_at",
	}
)

// SyncWorkspaces upserts one workspace per location for the owner and returns the
// number of rows affected. Workspaces absent from locations are left untouched.
func (s *Service) SyncWorkspaces(ctx context.Context, ownerID string, locations []platform.Location) (int64, error) {
	if ownerID == "" {
		return 0, apperr.New(apperr.KindValidation, opSyncWorkspaces, "missing_owner_id", errMissingOwnerID)
	}
	if len(locations) == 0 {
		return 0, nil
	}

	now := s.now()
	rows := make([]Workspace, 0, len(locations))
	positions := make(map[string]int, len(locations))
	for _, location := range locations {
		externalID := strings.TrimSpace(location.ID)
		if externalID == "" {
			s.loggerOrDefault().Warn("location without identifier skipped", zap.String("owner_id", ownerID))
			continue
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSyncWorkspaces, "id_generation_failed", err, zap.String("owner_id", ownerID))
			return 0, apperr.New(apperr.KindDatabase, opSyncWorkspaces, "id_generation_failed", err)
		}
		row := Workspace{
			ID:                 id,
			OwnerID:            ownerID,
			ExternalLocationID: externalID,
			Name:               workspaceName(location),
			Address:            location.Address,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if index, seen := positions[externalID]; seen {
			row.ID = rows[index].ID
			rows[index] = row
			continue
		}
		positions[externalID] = len(rows)
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   workspaceConflictColumns,
			DoUpdates: clause.AssignmentColumns(workspaceMutableColumns),
		}).
		CreateInBatches(&rows, upsertBatchSize)
	if result.Error != nil {
		s.logError(opSyncWorkspaces, "upsert_failed", result.Error, zap.String("owner_id", ownerID))
		return 0, apperr.New(apperr.KindDatabase, opSyncWorkspaces, "upsert_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// SyncReviews upserts the upstream reviews of one workspace keyed by external
// review id and returns the number of rows affected.
func (s *Service) SyncReviews(ctx context.Context, workspaceID string, upstream []platform.Review) (int64, error) {
	if workspaceID == "" {
		return 0, apperr.New(apperr.KindValidation, opSyncReviews, "missing_workspace_id", errMissingWorkspaceID)
	}
	if len(upstream) == 0 {
		return 0, nil
	}

	now := s.now()
	rows := make([]ReviewRecord, 0, len(upstream))
	positions := make(map[string]int, len(upstream))
	for _, review := range upstream {
		row, ok := s.reviewRow(workspaceID, review, now)
		if !ok {
			continue
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSyncReviews, "id_generation_failed", err, zap.String("workspace_id", workspaceID))
			return 0, apperr.New(apperr.KindDatabase, opSyncReviews, "id_generation_failed", err)
		}
		row.ID = id
		if index, seen := positions[row.ExternalReviewID]; seen {
			row.ID = rows[index].ID
			rows[index] = row
			continue
		}
		positions[row.ExternalReviewID] = len(rows)
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   reviewConflictColumns,
			DoUpdates: clause.AssignmentColumns(reviewMutableColumns),
		}).
		CreateInBatches(&rows, upsertBatchSize)
	if result.Error != nil {
		s.logError(opSyncReviews, "upsert_failed", result.Error, zap.String("workspace_id", workspaceID))
		return 0, apperr.New(apperr.KindDatabase, opSyncReviews, "upsert_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) reviewRow(workspaceID string, review platform.Review, now time.Time) (ReviewRecord, bool) {
	externalID := strings.TrimSpace(review.ReviewID)
	if externalID == "" {
		externalID = lastPathSegment(review.Name)
	}
	if externalID == "" {
		s.loggerOrDefault().Warn("review without identifier skipped", zap.String("workspace_id", workspaceID))
		return ReviewRecord{}, false
	}
	rating, ok := platform.ParseStarRating(review.StarRating)
	if !ok {
		s.loggerOrDefault().Warn("review with unusable rating skipped",
			zap.String("workspace_id", workspaceID),
			zap.String("external_review_id", externalID),
			zap.String("star_rating", review.StarRating))
		return ReviewRecord{}, false
	}

	reviewedAt := review.CreateTime.UTC()
	if review.CreateTime.IsZero() {
		reviewedAt = now
	}

	row := ReviewRecord{
		WorkspaceID:      workspaceID,
		ExternalReviewID: externalID,
		ExternalName:     review.Name,
		AuthorName:       review.AuthorName,
		Rating:           rating,
		Body:             review.Comment,
		ReviewedAt:       reviewedAt,
		Status:           StatusUnreplied,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if review.HasReply() {
		body := review.Reply.Comment
		repliedAt := review.Reply.UpdateTime.UTC()
		if review.Reply.UpdateTime.IsZero() {
			repliedAt = now
		}
		row.ReplyBody = &body
		row.RepliedAt = &repliedAt
		row.Status = StatusReplied
	}
	return row, true
}

// SyncLocations lists the owner's upstream locations and reconciles workspaces.
func (s *Service) SyncLocations(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, apperr.New(apperr.KindValidation, opSyncLocations, "missing_owner_id", errMissingOwnerID)
	}

	token, err := s.tokens.GetValidAccessToken(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	locations, err := s.platform.ListLocations(ctx, token)
	if err != nil {
		s.logError(opSyncLocations, "list_locations_failed", err, zap.String("owner_id", ownerID))
		return 0, err
	}

	synced, err := s.SyncWorkspaces(ctx, ownerID, locations)
	if err != nil {
		return 0, err
	}
	s.loggerOrDefault().Info("locations synced",
		zap.String("owner_id", ownerID),
		zap.Int("locations", len(locations)),
		zap.Int64("synced", synced))
	return synced, nil
}

type unitOutcome struct {
	workspace Workspace
	synced    int64
	err       error
}

// SyncAllReviews fetches and reconciles reviews for every workspace of the owner.
// Units run concurrently and fail independently; failed units become warnings.
// An error is returned only when the workspace listing fails or every unit fails.
func (s *Service) SyncAllReviews(ctx context.Context, ownerID string) (SyncReport, error) {
	report := SyncReport{Warnings: []SyncWarning{}}
	if ownerID == "" {
		return report, apperr.New(apperr.KindValidation, opSyncAllReviews, "missing_owner_id", errMissingOwnerID)
	}

	workspaces, err := s.ListWorkspaces(ctx, ownerID)
	if err != nil {
		return report, err
	}
	if len(workspaces) == 0 {
		return report, nil
	}

	token, err := s.tokens.GetValidAccessToken(ctx, ownerID)
	if err != nil {
		return report, err
	}

	// Units report failures through outcomes and always return nil, so the
	// group never cancels siblings and Wait settles every unit.
	outcomes := make([]unitOutcome, len(workspaces))
	var units errgroup.Group
	units.SetLimit(s.maxParallel)
	for index, workspace := range workspaces {
		units.Go(func() error {
			synced, err := s.syncWorkspaceUnit(ctx, workspace, token)
			outcomes[index] = unitOutcome{workspace: workspace, synced: synced, err: err}
			return nil
		})
	}
	_ = units.Wait()

	var firstErr error
	for _, outcome := range outcomes {
		if outcome.err != nil {
			if firstErr == nil {
				firstErr = outcome.err
			}
			s.loggerOrDefault().Warn("workspace review sync failed",
				zap.String("owner_id", ownerID),
				zap.String("workspace_id", outcome.workspace.ID),
				zap.String("kind", string(apperr.KindOf(outcome.err))),
				zap.Error(outcome.err))
			report.Warnings = append(report.Warnings, SyncWarning{
				WorkspaceID:   outcome.workspace.ID,
				WorkspaceName: outcome.workspace.Name,
				Message:       outcome.err.Error(),
			})
			continue
		}
		report.SyncedWorkspaces++
		report.TotalReviews += outcome.synced
	}

	if report.SyncedWorkspaces == 0 {
		kind := apperr.KindOf(firstErr)
		if kind == apperr.KindUnknown {
			kind = apperr.KindUpstream
		}
		s.logError(opSyncAllReviews, "all_units_failed", firstErr, zap.String("owner_id", ownerID))
		return report, apperr.New(kind, opSyncAllReviews, "all_units_failed", firstErr)
	}

	s.loggerOrDefault().Info("reviews synced",
		zap.String("owner_id", ownerID),
		zap.Int("workspaces", len(workspaces)),
		zap.Int("synced_workspaces", report.SyncedWorkspaces),
		zap.Int64("total_reviews", report.TotalReviews),
		zap.Int("warnings", len(report.Warnings)))
	return report, nil
}

func (s *Service) syncWorkspaceUnit(ctx context.Context, workspace Workspace, token string) (synced int64, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = apperr.New(apperr.KindUnknown, opSyncAllReviews, "unit_panicked", fmt.Errorf("%v", recovered))
		}
	}()

	upstream, err := s.platform.ListReviews(ctx, workspace.ExternalLocationID, token)
	if err != nil {
		return 0, err
	}
	return s.SyncReviews(ctx, workspace.ID, upstream)
}

func workspaceName(location platform.Location) string {
	if title := strings.TrimSpace(location.Title); title != "" {
		return title
	}
	return location.ID
}

func lastPathSegment(name string) string {
	trimmed := strings.Trim(strings.TrimSpace(name), "/")
	if index := strings.LastIndex(trimmed, "/"); index >= 0 {
		return trimmed[index+1:]
	}
	return trimmed
}
