package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
)

// StaticFixture seeds a StaticClient.
type StaticFixture struct {
	Locations []Location
	// Reviews is keyed by Location.ID.
	Reviews map[string][]Review
	// Failures makes ListReviews fail for the given Location.ID.
	Failures map[string]error
}

// StaticClient serves a fixed in-memory catalogue. It backs demo mode and tests.
type StaticClient struct {
	mu        sync.RWMutex
	locations []Location
	reviews   map[string][]Review
	failures  map[string]error
	clock     func() time.Time
}

var _ Client = (*StaticClient)(nil)

// NewStaticClient copies the fixture into a new client.
func NewStaticClient(fixture StaticFixture) *StaticClient {
	client := &StaticClient{
		locations: append([]Location(nil), fixture.Locations...),
		reviews:   make(map[string][]Review, len(fixture.Reviews)),
		failures:  make(map[string]error, len(fixture.Failures)),
		clock:     time.Now,
	}
	for locationID, reviews := range fixture.Reviews {
		client.reviews[locationID] = append([]Review(nil), reviews...)
	}
	for locationID, err := range fixture.Failures {
		client.failures[locationID] = err
	}
	return client
}

func (c *StaticClient) ListLocations(ctx context.Context, accessToken string) ([]Location, error) {
	if err := requireToken(opListLocations, accessToken); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Location{}, c.locations...), nil
}

func (c *StaticClient) ListReviews(ctx context.Context, locationID, accessToken string) ([]Review, error) {
	if err := requireToken(opListReviews, accessToken); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err, ok := c.failures[locationID]; ok {
		return nil, err
	}
	reviews := c.reviews[locationID]
	result := make([]Review, 0, len(reviews))
	for _, review := range reviews {
		if review.Reply != nil {
			reply := *review.Reply
			review.Reply = &reply
		}
		result = append(result, review)
	}
	return result, nil
}

func (c *StaticClient) PostReply(ctx context.Context, reviewName, text, accessToken string) error {
	if err := requireToken(opPostReply, accessToken); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.KindValidation, opPostReply, "missing_text", nil)
	}
	return c.updateReview(opPostReply, reviewName, func(review *Review) {
		review.Reply = &ReviewReply{Comment: text, UpdateTime: c.clock().UTC()}
	})
}

func (c *StaticClient) DeleteReply(ctx context.Context, reviewName, accessToken string) error {
	if err := requireToken(opDeleteReply, accessToken); err != nil {
		return err
	}
	return c.updateReview(opDeleteReply, reviewName, func(review *Review) {
		review.Reply = nil
	})
}

func (c *StaticClient) updateReview(operation, reviewName string, mutate func(*Review)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for locationID, reviews := range c.reviews {
		for index := range reviews {
			if reviews[index].Name == reviewName {
				mutate(&c.reviews[locationID][index])
				return nil
			}
		}
	}
	return apperr.New(apperr.KindNotFound, operation, "review_not_found", nil)
}

func requireToken(operation, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return apperr.New(apperr.KindAuthentication, operation, "missing_access_token", errMissingAccessToken)
	}
	return nil
}

// DemoFixture builds a small two-location catalogue anchored at now.
func DemoFixture(now time.Time) StaticFixture {
	now = now.UTC().Truncate(time.Second)
	const account = "accounts/demo"
	cafe := Location{ID: account + "/locations/cafe", Title: "Harbor Cafe", Address: "1 Pier Road, Portsmouth"}
	bakery := Location{ID: account + "/locations/bakery", Title: "Corner Bakery", Address: "22 Mill Lane, Portsmouth"}

	review := func(location Location, id, author, rating, comment string, age time.Duration, reply string) Review {
		created := now.Add(-age)
		item := Review{
			Name:       fmt.Sprintf("%s/reviews/%s", location.ID, id),
			ReviewID:   id,
			AuthorName: author,
			StarRating: rating,
			Comment:    comment,
			CreateTime: created,
			UpdateTime: created,
		}
		if reply != "" {
			item.Reply = &ReviewReply{Comment: reply, UpdateTime: created.Add(time.Hour)}
		}
		return item
	}

	return StaticFixture{
		Locations: []Location{cafe, bakery},
		Reviews: map[string][]Review{
			cafe.ID: {
				review(cafe, "cafe-1", "Ada", "FIVE", "Best flat white in town.", 72*time.Hour, "Thank you, Ada!"),
				review(cafe, "cafe-2", "Grace", "TWO", "Waited twenty minutes for a table.", 30*time.Hour, ""),
				review(cafe, "cafe-3", "Linus", "FOUR", "", 5*time.Hour, ""),
			},
			bakery.ID: {
				review(bakery, "bakery-1", "Ken", "ONE", "Bread was stale.", 48*time.Hour, ""),
				review(bakery, "bakery-2", "Barbara", "FIVE", "Lovely croissants.", 2*time.Hour, "See you soon!"),
			},
		},
	}
}
