// Package platform talks to the external review platform. Every call takes the
// access token explicitly; callers own token lifecycle and retry policy.
package platform

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Location is one business location visible to the authorized account.
type Location struct {
	// ID is the fully qualified resource path, e.g. "accounts/1/locations/2".
	ID      string
	Title   string
	Address string
}

// ReviewReply is the owner response attached to a review.
type ReviewReply struct {
	Comment    string
	UpdateTime time.Time
}

// Review is an upstream review as returned by the platform.
type Review struct {
	// Name is the review resource path used to address replies.
	Name       string
	ReviewID   string
	AuthorName string
	StarRating string
	Comment    string
	CreateTime time.Time
	UpdateTime time.Time
	Reply      *ReviewReply
}

// HasReply reports whether the review carries a non-empty owner reply.
func (r Review) HasReply() bool {
	return r.Reply != nil && strings.TrimSpace(r.Reply.Comment) != ""
}

// Client is the set of platform operations the reconciliation engine needs.
type Client interface {
	ListLocations(ctx context.Context, accessToken string) ([]Location, error)
	ListReviews(ctx context.Context, locationID, accessToken string) ([]Review, error)
	PostReply(ctx context.Context, reviewName, text, accessToken string) error
	DeleteReply(ctx context.Context, reviewName, accessToken string) error
}

var starRatings = map[string]int{
	"ONE":   1,
	"TWO":   2,
	"THREE": 3,
	"FOUR":  4,
	"FIVE":  5,
}

// ParseStarRating converts the platform's rating enum (or a digit) into 1..5.
func ParseStarRating(raw string) (int, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if value, ok := starRatings[normalized]; ok {
		return value, true
	}
	value, err := strconv.Atoi(normalized)
	if err != nil || value < 1 || value > 5 {
		return 0, false
	}
	return value, true
}
