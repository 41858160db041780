package reviews

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/platform"
)

func seededHarness(t *testing.T) (testHarness, *platform.StaticClient, Workspace) {
	t.Helper()
	locationID := location("1", "A Cafe").ID
	client := platform.NewStaticClient(platform.StaticFixture{
		Locations: []platform.Location{location("1", "A Cafe")},
		Reviews: map[string][]platform.Review{
			locationID: {
				upstreamReview(locationID, "r1", "TWO", "Slow service", ""),
				upstreamReview(locationID, "r2", "FIVE", "Lovely", "Thank you"),
			},
		},
	})
	harness := newTestHarness(t, client)
	ctx := context.Background()
	if _, err := harness.service.SyncLocations(ctx, testOwnerID); err != nil {
		t.Fatalf("sync locations failed: %v", err)
	}
	if _, err := harness.service.SyncAllReviews(ctx, testOwnerID); err != nil {
		t.Fatalf("sync reviews failed: %v", err)
	}
	workspaces, err := harness.service.ListWorkspaces(ctx, testOwnerID)
	if err != nil || len(workspaces) != 1 {
		t.Fatalf("expected one workspace, got %d (%v)", len(workspaces), err)
	}
	return harness, client, workspaces[0]
}

func TestPostReplyPublishesAndMarksReplied(t *testing.T) {
	harness, client, workspace := seededHarness(t)
	ctx := context.Background()
	record := loadReviewByExternalID(t, harness.db, "r1")

	updated, err := harness.service.PostReply(ctx, testOwnerID, record.ID, "  Sorry about the wait  ")
	if err != nil {
		t.Fatalf("post reply failed: %v", err)
	}
	if updated.Status != StatusReplied || updated.ReplyBody == nil || *updated.ReplyBody != "Sorry about the wait" {
		t.Fatalf("unexpected returned record %+v", updated)
	}
	stored := loadReviewByExternalID(t, harness.db, "r1")
	if stored.Status != StatusReplied || stored.RepliedAt == nil || !stored.RepliedAt.Equal(testNow) {
		t.Fatalf("expected stored reply, got %+v", stored)
	}

	upstream, err := client.ListReviews(ctx, workspace.ExternalLocationID, testToken)
	if err != nil {
		t.Fatalf("list upstream reviews failed: %v", err)
	}
	if !upstream[0].HasReply() || upstream[0].Reply.Comment != "Sorry about the wait" {
		t.Fatalf("expected reply to reach the platform, got %+v", upstream[0].Reply)
	}

	if _, err := harness.service.PostReply(ctx, testOwnerID, record.ID, "Updated reply"); err != nil {
		t.Fatalf("second post reply failed: %v", err)
	}
	if got := loadReviewByExternalID(t, harness.db, "r1"); *got.ReplyBody != "Updated reply" {
		t.Fatalf("expected reply overwrite, got %q", *got.ReplyBody)
	}
}

func TestDeleteReplyClearsReply(t *testing.T) {
	harness, _, workspace := seededHarness(t)
	ctx := context.Background()
	record := loadReviewByExternalID(t, harness.db, "r2")

	if _, err := harness.service.DeleteReply(ctx, testOwnerID, record.ID); err != nil {
		t.Fatalf("delete reply failed: %v", err)
	}
	stored := loadReviewByExternalID(t, harness.db, "r2")
	if stored.Status != StatusUnreplied || stored.ReplyBody != nil || stored.RepliedAt != nil {
		t.Fatalf("expected reply to be cleared, got %+v", stored)
	}

	unreplied, err := harness.service.ListReviews(ctx, testOwnerID, workspace.ID, StatusUnreplied)
	if err != nil {
		t.Fatalf("list reviews failed: %v", err)
	}
	if len(unreplied) != 2 {
		t.Fatalf("expected both reviews unreplied, got %d", len(unreplied))
	}
}

func TestReviewAccessIsScopedToOwner(t *testing.T) {
	harness, _, workspace := seededHarness(t)
	ctx := context.Background()
	record := loadReviewByExternalID(t, harness.db, "r1")

	if _, err := harness.service.GetReview(ctx, "owner-2", record.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
	if _, err := harness.service.PostReply(ctx, "owner-2", record.ID, "hijack"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found when replying as another owner, got %v", err)
	}
	if _, err := harness.service.ListReviews(ctx, "owner-2", workspace.ID, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found when listing another owner's workspace, got %v", err)
	}

	got, err := harness.service.GetReview(ctx, testOwnerID, record.ID)
	if err != nil {
		t.Fatalf("get review failed: %v", err)
	}
	if got.ExternalReviewID != "r1" {
		t.Fatalf("unexpected review %+v", got)
	}
}

func TestPostReplyPropagatesUpstreamErrors(t *testing.T) {
	harness, _, _ := seededHarness(t)
	record := loadReviewByExternalID(t, harness.db, "r1")
	harness.tokens.token = ""

	_, err := harness.service.PostReply(context.Background(), testOwnerID, record.ID, "hello")
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected authentication error from the platform, got %v", err)
	}
	if got := loadReviewByExternalID(t, harness.db, "r1"); got.Status != StatusUnreplied {
		t.Fatalf("failed upstream reply must not change local status, got %s", got.Status)
	}
}

func TestSaveAnalysisValidatesInput(t *testing.T) {
	harness, _, _ := seededHarness(t)
	ctx := context.Background()
	record := loadReviewByExternalID(t, harness.db, "r1")

	if _, err := harness.service.SaveAnalysis(ctx, testOwnerID, record.ID, "catastrophic", nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown risk, got %v", err)
	}
	if _, err := harness.service.SaveAnalysis(ctx, testOwnerID, record.ID, RiskLow, []byte("{not json")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for malformed annotations, got %v", err)
	}
	saved, err := harness.service.SaveAnalysis(ctx, testOwnerID, record.ID, "MEDIUM", nil)
	if err != nil {
		t.Fatalf("save analysis failed: %v", err)
	}
	if saved.RiskLevel == nil || *saved.RiskLevel != RiskMedium || saved.AIAnnotations != nil {
		t.Fatalf("unexpected analysis result %+v", saved)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	db := newTestDatabase(t)
	client := platform.NewStaticClient(platform.StaticFixture{})
	tokens := &stubTokenSource{token: testToken}

	testCases := []struct {
		name string
		cfg  ServiceConfig
	}{
		{name: "database", cfg: ServiceConfig{Platform: client, TokenSource: tokens, IDProvider: NewUUIDProvider()}},
		{name: "platform", cfg: ServiceConfig{Database: db, TokenSource: tokens, IDProvider: NewUUIDProvider()}},
		{name: "token-source", cfg: ServiceConfig{Database: db, Platform: client, IDProvider: NewUUIDProvider()}},
		{name: "id-provider", cfg: ServiceConfig{Database: db, Platform: client, TokenSource: tokens}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewService(testCase.cfg); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
