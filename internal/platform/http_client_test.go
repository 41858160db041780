package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "access-token"

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(HTTPClientConfig{
		AccountBaseURL:    server.URL + "/account/v1",
		BusinessBaseURL:   server.URL + "/business/v1",
		ReviewsBaseURL:    server.URL + "/reviews/v4",
		RequestsPerSecond: 1000,
		Burst:             100,
		PageSize:          2,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestListLocationsResolvesAccountAndFollowsPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/account/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"accounts": []map[string]string{{"name": "accounts/42"}}})
	})
	mux.HandleFunc("/business/v1/accounts/42/locations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, locationReadMask, r.URL.Query().Get("readMask"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"locations": []map[string]any{
					{"name": "locations/1", "title": "Cafe", "storefrontAddress": map[string]any{"addressLines": []string{"1 Pier Road"}, "locality": "Portsmouth"}},
				},
				"nextPageToken": "page-2",
			})
			return
		}
		assert.Equal(t, "page-2", r.URL.Query().Get("pageToken"))
		writeJSON(w, http.StatusOK, map[string]any{
			"locations": []map[string]any{{"name": "locations/2", "title": "Bakery"}},
		})
	})

	client := newTestClient(t, mux)
	locations, err := client.ListLocations(context.Background(), testToken)
	require.NoError(t, err)
	require.Len(t, locations, 2)
	assert.Equal(t, Location{ID: "accounts/42/locations/1", Title: "Cafe", Address: "1 Pier Road, Portsmouth"}, locations[0])
	assert.Equal(t, "accounts/42/locations/2", locations[1].ID)
}

func TestListLocationsWithoutAccountIsEmpty(t *testing.T) {
	var locationCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/account/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"accounts": []any{}})
	})
	mux.HandleFunc("/business/v1/", func(w http.ResponseWriter, r *http.Request) {
		locationCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	client := newTestClient(t, mux)
	locations, err := client.ListLocations(context.Background(), testToken)
	require.NoError(t, err)
	assert.NotNil(t, locations)
	assert.Empty(t, locations)
	assert.Zero(t, locationCalls.Load())
}

func TestListReviewsMapsPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reviews/v4/accounts/42/locations/1/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"reviews": []map[string]any{
				{
					"name":       "accounts/42/locations/1/reviews/r1",
					"reviewId":   "r1",
					"reviewer":   map[string]string{"displayName": "Ada"},
					"starRating": "FOUR",
					"comment":    "Good",
					"createTime": "2026-03-01T10:00:00Z",
					"reviewReply": map[string]string{
						"comment":    "Thanks",
						"updateTime": "2026-03-02T10:00:00Z",
					},
				},
				{
					"name":       "accounts/42/locations/1/reviews/r2",
					"reviewId":   "r2",
					"reviewer":   map[string]string{"displayName": "Grace"},
					"starRating": "ONE",
					"createTime": "2026-03-03T10:00:00Z",
				},
			},
		})
	})

	client := newTestClient(t, mux)
	reviews, err := client.ListReviews(context.Background(), "accounts/42/locations/1", testToken)
	require.NoError(t, err)
	require.Len(t, reviews, 2)

	assert.Equal(t, "r1", reviews[0].ReviewID)
	assert.Equal(t, "Ada", reviews[0].AuthorName)
	assert.True(t, reviews[0].HasReply())
	assert.Equal(t, "Thanks", reviews[0].Reply.Comment)
	assert.False(t, reviews[1].HasReply())
	assert.Empty(t, reviews[1].Comment)
}

func TestListReviewsTreatsUnknownLocationAsEmpty(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())

	reviews, err := client.ListReviews(context.Background(), "accounts/42/locations/missing", testToken)
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

func TestListReviewsMissingLaterPageIsAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reviews/v4/accounts/42/locations/1/reviews", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"reviews": []map[string]any{
					{"name": "accounts/42/locations/1/reviews/r1", "reviewId": "r1", "starRating": "FIVE"},
				},
				"nextPageToken": "p2",
			})
			return
		}
		http.NotFound(w, r)
	})

	client := newTestClient(t, mux)
	reviews, err := client.ListReviews(context.Background(), "accounts/42/locations/1", testToken)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Nil(t, reviews)
}

func TestHTTPClientNormalizesStatuses(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: apperr.ErrAuthentication},
		{name: "forbidden", status: http.StatusForbidden, want: apperr.ErrAuthorization},
		{name: "throttled", status: http.StatusTooManyRequests, want: apperr.ErrTransientUpstream},
		{name: "server-error", status: http.StatusBadGateway, want: apperr.ErrTransientUpstream},
		{name: "bad-request", status: http.StatusBadRequest, want: apperr.ErrUpstream},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, testCase.status, map[string]string{"error": "nope"})
			}))
			_, err := client.ListReviews(context.Background(), "accounts/42/locations/1", testToken)
			require.Error(t, err)
			assert.ErrorIs(t, err, testCase.want)
		})
	}
}

func TestHTTPClientDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.ListLocations(context.Background(), testToken)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostAndDeleteReply(t *testing.T) {
	var gotMethod []string
	var gotComment string
	mux := http.NewServeMux()
	mux.HandleFunc("/reviews/v4/accounts/42/locations/1/reviews/r1/reply", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = append(gotMethod, r.Method)
		if r.Method == http.MethodPut {
			var payload replyPayload
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			gotComment = payload.Comment
			writeJSON(w, http.StatusOK, payload)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, mux)
	ctx := context.Background()
	require.NoError(t, client.PostReply(ctx, "accounts/42/locations/1/reviews/r1", "Thank you", testToken))
	require.NoError(t, client.DeleteReply(ctx, "accounts/42/locations/1/reviews/r1", testToken))

	assert.Equal(t, []string{http.MethodPut, http.MethodDelete}, gotMethod)
	assert.Equal(t, "Thank you", gotComment)
}

func TestHTTPClientRequiresAccessToken(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	_, err := client.ListLocations(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestParseStarRating(t *testing.T) {
	testCases := map[string]int{"ONE": 1, "five": 5, " 3 ": 3}
	for raw, want := range testCases {
		got, ok := ParseStarRating(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "STAR_RATING_UNSPECIFIED", "0", "6"} {
		_, ok := ParseStarRating(raw)
		assert.False(t, ok, raw)
	}
}
