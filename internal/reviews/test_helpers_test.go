package reviews

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/platform"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testOwnerID = "owner-1"
	testToken   = "access-token"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubTokenSource struct {
	calls atomic.Int32
	token string
	err   error
}

func (s *stubTokenSource) GetValidAccessToken(_ context.Context, _ string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

type testHarness struct {
	service *Service
	db      *gorm.DB
	tokens  *stubTokenSource
	logs    *observer.ObservedLogs
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "reviews.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Workspace{}, &ReviewRecord{}); err != nil {
		t.Fatalf("failed to migrate reviews schema: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T, client platform.Client) testHarness {
	t.Helper()
	db := newTestDatabase(t)
	tokens := &stubTokenSource{token: testToken}
	core, logs := observer.New(zap.DebugLevel)
	service, err := NewService(ServiceConfig{
		Database:    db,
		Platform:    client,
		TokenSource: tokens,
		IDProvider:  NewUUIDProvider(),
		Clock:       func() time.Time { return testNow },
		Logger:      zap.New(core),
		MaxParallel: 2,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return testHarness{service: service, db: db, tokens: tokens, logs: logs}
}

func location(id, title string) platform.Location {
	return platform.Location{ID: "accounts/1/locations/" + id, Title: title}
}

func upstreamReview(locationID, reviewID, rating, comment, reply string) platform.Review {
	review := platform.Review{
		Name:       locationID + "/reviews/" + reviewID,
		ReviewID:   reviewID,
		AuthorName: "author-" + reviewID,
		StarRating: rating,
		Comment:    comment,
		CreateTime: testNow.Add(-time.Hour),
	}
	if reply != "" {
		review.Reply = &platform.ReviewReply{Comment: reply, UpdateTime: testNow.Add(-30 * time.Minute)}
	}
	return review
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func loadReviewByExternalID(t *testing.T, db *gorm.DB, externalID string) ReviewRecord {
	t.Helper()
	var record ReviewRecord
	if err := db.Where("external_review_id = ?", externalID).Take(&record).Error; err != nil {
		t.Fatalf("failed to load review %s: %v", externalID, err)
	}
	return record
}
