package reviews

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"go.uber.org/zap"
)

var (
	errMissingReplyText      = errors.New("reviews: reply text is required")
	errInvalidAnnotationJSON = errors.New("reviews: annotations must be a JSON document")
)

// PostReply publishes a reply upstream and records it locally as replied.
// Posting again overwrites the previous reply.
func (s *Service) PostReply(ctx context.Context, ownerID, reviewID, text string) (ReviewRecord, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ReviewRecord{}, apperr.New(apperr.KindValidation, opPostReply, "missing_text", errMissingReplyText)
	}
	record, err := s.loadOwnedReview(ctx, opPostReply, ownerID, reviewID)
	if err != nil {
		return ReviewRecord{}, err
	}

	token, err := s.tokens.GetValidAccessToken(ctx, ownerID)
	if err != nil {
		return ReviewRecord{}, err
	}
	if err := s.platform.PostReply(ctx, record.ExternalName, text, token); err != nil {
		s.logError(opPostReply, "upstream_failed", err, zap.String("review_id", reviewID))
		return ReviewRecord{}, err
	}

	now := s.now()
	updates := map[string]any{
		"reply_body": text,
		"replied_at": now,
		"status":     string(StatusReplied),
		"updated_at": now,
	}
	if err := s.db.WithContext(ctx).Model(&ReviewRecord{}).Where("id = ?", record.ID).Updates(updates).Error; err != nil {
		s.logError(opPostReply, "update_failed", err, zap.String("review_id", reviewID))
		return ReviewRecord{}, apperr.New(apperr.KindDatabase, opPostReply, "update_failed", err)
	}

	record.ReplyBody = &text
	record.RepliedAt = &now
	record.Status = StatusReplied
	record.UpdatedAt = now
	return record, nil
}

// DeleteReply removes the reply upstream and marks the review unreplied.
func (s *Service) DeleteReply(ctx context.Context, ownerID, reviewID string) (ReviewRecord, error) {
	record, err := s.loadOwnedReview(ctx, opDeleteReply, ownerID, reviewID)
	if err != nil {
		return ReviewRecord{}, err
	}

	token, err := s.tokens.GetValidAccessToken(ctx, ownerID)
	if err != nil {
		return ReviewRecord{}, err
	}
	if err := s.platform.DeleteReply(ctx, record.ExternalName, token); err != nil {
		s.logError(opDeleteReply, "upstream_failed", err, zap.String("review_id", reviewID))
		return ReviewRecord{}, err
	}

	now := s.now()
	updates := map[string]any{
		"reply_body": nil,
		"replied_at": nil,
		"status":     string(StatusUnreplied),
		"updated_at": now,
	}
	if err := s.db.WithContext(ctx).Model(&ReviewRecord{}).Where("id = ?", record.ID).Updates(updates).Error; err != nil {
		s.logError(opDeleteReply, "update_failed", err, zap.String("review_id", reviewID))
		return ReviewRecord{}, apperr.New(apperr.KindDatabase, opDeleteReply, "update_failed", err)
	}

	record.ReplyBody = nil
	record.RepliedAt = nil
	record.Status = StatusUnreplied
	record.UpdatedAt = now
	return record, nil
}

// SaveAnalysis stores the risk level and annotations produced by review analysis.
// Reconciliation never overwrites these fields.
func (s *Service) SaveAnalysis(ctx context.Context, ownerID, reviewID string, risk RiskLevel, annotations json.RawMessage) (ReviewRecord, error) {
	level, err := ParseRiskLevel(string(risk))
	if err != nil {
		return ReviewRecord{}, err
	}
	var encoded *string
	if len(annotations) > 0 {
		if !json.Valid(annotations) {
			return ReviewRecord{}, apperr.New(apperr.KindValidation, opSaveAnalysis, "invalid_annotations", errInvalidAnnotationJSON)
		}
		value := string(annotations)
		encoded = &value
	}

	record, err := s.loadOwnedReview(ctx, opSaveAnalysis, ownerID, reviewID)
	if err != nil {
		return ReviewRecord{}, err
	}

	now := s.now()
	updates := map[string]any{
		"risk_level":     string(level),
		"ai_annotations": encoded,
		"updated_at":     now,
	}
	if err := s.db.WithContext(ctx).Model(&ReviewRecord{}).Where("id = ?", record.ID).Updates(updates).Error; err != nil {
		s.logError(opSaveAnalysis, "update_failed", err, zap.String("review_id", reviewID))
		return ReviewRecord{}, apperr.New(apperr.KindDatabase, opSaveAnalysis, "update_failed", err)
	}

	record.RiskLevel = &level
	record.AIAnnotations = encoded
	record.UpdatedAt = now
	return record, nil
}
