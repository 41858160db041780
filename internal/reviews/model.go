package reviews

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
)

// ReviewStatus tracks whether the owner has answered a review.
type ReviewStatus string

const (
	StatusUnreplied   ReviewStatus = "unreplied"
	StatusReplied     ReviewStatus = "replied"
	StatusAutoReplied ReviewStatus = "auto_replied"
)

// ParseReviewStatus validates a status filter value.
func ParseReviewStatus(raw string) (ReviewStatus, error) {
	switch status := ReviewStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusUnreplied, StatusReplied, StatusAutoReplied:
		return status, nil
	default:
		return "", apperr.New(apperr.KindValidation, "reviews.parse_status", "invalid_status", fmt.Errorf("unknown status %q", raw))
	}
}

// RiskLevel is the derived risk classification written by analysis.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// ParseRiskLevel validates a risk classification.
func ParseRiskLevel(raw string) (RiskLevel, error) {
	switch level := RiskLevel(strings.ToLower(strings.TrimSpace(raw))); level {
	case RiskHigh, RiskMedium, RiskLow:
		return level, nil
	default:
		return "", apperr.New(apperr.KindValidation, "reviews.parse_risk_level", "invalid_risk_level", fmt.Errorf("unknown risk level %q", raw))
	}
}

// Workspace maps one owner-scoped unit to one external location.
type Workspace struct {
	ID                 string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	OwnerID            string    `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_workspaces_owner_location,priority:1" json:"owner_id"`
	ExternalLocationID string    `gorm:"column:external_location_id;size:255;not null;uniqueIndex:idx_workspaces_owner_location,priority:2" json:"external_location_id"`
	Name               string    `gorm:"column:name;size:255;not null" json:"name"`
	Address            string    `gorm:"column:address;size:512;not null;default:''" json:"address"`
	CreatedAt          time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// ReviewRecord is the local mirror of one upstream review.
type ReviewRecord struct {
	ID               string       `gorm:"column:id;primaryKey;size:36" json:"id"`
	WorkspaceID      string       `gorm:"column:workspace_id;size:36;not null;index" json:"workspace_id"`
	ExternalReviewID string       `gorm:"column:external_review_id;size:255;not null;uniqueIndex" json:"external_review_id"`
	ExternalName     string       `gorm:"column:external_name;size:512;not null" json:"-"`
	AuthorName       string       `gorm:"column:author_name;size:255;not null;default:''" json:"author_name"`
	Rating           int          `gorm:"column:rating;not null;check:chk_reviews_rating,rating >= 1 AND rating <= 5" json:"rating"`
	Body             string       `gorm:"column:body;type:text;not null;default:''" json:"body"`
	ReviewedAt       time.Time    `gorm:"column:reviewed_at;not null" json:"reviewed_at"`
	ReplyBody        *string      `gorm:"column:reply_body;type:text" json:"reply_body,omitempty"`
	RepliedAt        *time.Time   `gorm:"column:replied_at" json:"replied_at,omitempty"`
	Status           ReviewStatus `gorm:"column:status;size:16;not null;default:unreplied;index" json:"status"`
	RiskLevel        *RiskLevel   `gorm:"column:risk_level;size:16" json:"risk_level,omitempty"`
	AIAnnotations    *string      `gorm:"column:ai_annotations;type:text" json:"ai_annotations,omitempty"`
	CreatedAt        time.Time    `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (ReviewRecord) TableName() string {
	return "reviews"
}

// SyncWarning names a workspace whose review sync failed.
type SyncWarning struct {
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
	Message       string `json:"message"`
}

// SyncReport aggregates a fan-out review sync.
type SyncReport struct {
	TotalReviews     int64         `json:"total_reviews"`
	SyncedWorkspaces int           `json:"synced_workspaces"`
	Warnings         []SyncWarning `json:"warnings"`
}
