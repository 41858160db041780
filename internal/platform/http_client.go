package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultAccountBaseURL  = "https://mybusinessaccountmanagement.googleapis.com/v1"
	DefaultBusinessBaseURL = "https://mybusinessbusinessinformation.googleapis.com/v1"
	DefaultReviewsBaseURL  = "https://mybusiness.googleapis.com/v4"

	defaultRequestsPerSecond = 5
	defaultBurst             = 5
	defaultPageSize          = 50
	maxErrorBodyBytes        = 2048

	opListAccounts  = "platform.list_accounts"
	opListLocations = "platform.list_locations"
	opListReviews   = "platform.list_reviews"
	opPostReply     = "platform.post_reply"
	opDeleteReply   = "platform.delete_reply"

	locationReadMask = "name,title,storefrontAddress"
)

var errMissingAccessToken = errors.New("platform: access token is required")

// HTTPClientConfig configures the live platform client.
type HTTPClientConfig struct {
	AccountBaseURL    string
	BusinessBaseURL   string
	ReviewsBaseURL    string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	PageSize          int
	Logger            *zap.Logger
}

// HTTPClient implements Client against the Business Profile REST APIs.
type HTTPClient struct {
	accountBaseURL  string
	businessBaseURL string
	reviewsBaseURL  string
	httpClient      *http.Client
	limiter         *rate.Limiter
	pageSize        int
	logger          *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs a live client with an outbound token-bucket throttle.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	requestsPerSecond := cfg.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		accountBaseURL:  baseURLOrDefault(cfg.AccountBaseURL, DefaultAccountBaseURL),
		businessBaseURL: baseURLOrDefault(cfg.BusinessBaseURL, DefaultBusinessBaseURL),
		reviewsBaseURL:  baseURLOrDefault(cfg.ReviewsBaseURL, DefaultReviewsBaseURL),
		httpClient:      httpClient,
		limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		pageSize:        pageSize,
		logger:          logger,
	}
}

func baseURLOrDefault(value, fallback string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(value), "/")
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

type accountsPage struct {
	Accounts []struct {
		Name string `json:"name"`
	} `json:"accounts"`
	NextPageToken string `json:"nextPageToken"`
}

type locationsPage struct {
	Locations []struct {
		Name              string `json:"name"`
		Title             string `json:"title"`
		StorefrontAddress struct {
			AddressLines []string `json:"addressLines"`
			Locality     string   `json:"locality"`
		} `json:"storefrontAddress"`
	} `json:"locations"`
	NextPageToken string `json:"nextPageToken"`
}

type reviewsPage struct {
	Reviews []struct {
		Name     string `json:"name"`
		ReviewID string `json:"reviewId"`
		Reviewer struct {
			DisplayName string `json:"displayName"`
		} `json:"reviewer"`
		StarRating  string    `json:"starRating"`
		Comment     string    `json:"comment"`
		CreateTime  time.Time `json:"createTime"`
		UpdateTime  time.Time `json:"updateTime"`
		ReviewReply *struct {
			Comment    string    `json:"comment"`
			UpdateTime time.Time `json:"updateTime"`
		} `json:"reviewReply"`
	} `json:"reviews"`
	NextPageToken string `json:"nextPageToken"`
}

type replyPayload struct {
	Comment string `json:"comment"`
}

// ListLocations resolves the caller's account and lists all of its locations.
// A caller without a business account has no locations.
func (c *HTTPClient) ListLocations(ctx context.Context, accessToken string) ([]Location, error) {
	account, err := c.resolveAccount(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	locations := make([]Location, 0)
	if account == "" {
		c.logger.Info("platform account list is empty")
		return locations, nil
	}

	pageToken := ""
	for {
		query := url.Values{}
		query.Set("readMask", locationReadMask)
		query.Set("pageSize", strconv.Itoa(c.pageSize))
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		endpoint := fmt.Sprintf("%s/%s/locations?%s", c.businessBaseURL, account, query.Encode())

		var page locationsPage
		if err := c.do(ctx, opListLocations, http.MethodGet, endpoint, accessToken, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Locations {
			locations = append(locations, Location{
				ID:      qualifyLocation(account, item.Name),
				Title:   item.Title,
				Address: joinAddress(item.StorefrontAddress.AddressLines, item.StorefrontAddress.Locality),
			})
		}
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			break
		}
		pageToken = page.NextPageToken
	}
	return locations, nil
}

func (c *HTTPClient) resolveAccount(ctx context.Context, accessToken string) (string, error) {
	var page accountsPage
	if err := c.do(ctx, opListAccounts, http.MethodGet, c.accountBaseURL+"/accounts", accessToken, nil, &page); err != nil {
		return "", err
	}
	for _, account := range page.Accounts {
		if name := strings.TrimSpace(account.Name); name != "" {
			return name, nil
		}
	}
	return "", nil
}

// ListReviews lists every review of a location. A location the platform does not
// know yet yields an empty list; a missing later page is an error.
func (c *HTTPClient) ListReviews(ctx context.Context, locationID, accessToken string) ([]Review, error) {
	location := strings.Trim(strings.TrimSpace(locationID), "/")
	if location == "" {
		return nil, apperr.New(apperr.KindValidation, opListReviews, "missing_location", nil)
	}

	reviews := make([]Review, 0)
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("pageSize", strconv.Itoa(c.pageSize))
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		endpoint := fmt.Sprintf("%s/%s/reviews?%s", c.reviewsBaseURL, location, query.Encode())

		var page reviewsPage
		err := c.do(ctx, opListReviews, http.MethodGet, endpoint, accessToken, nil, &page)
		if pageToken == "" && errors.Is(err, apperr.ErrNotFound) {
			return []Review{}, nil
		}
		if err != nil {
			return nil, err
		}
		for _, item := range page.Reviews {
			review := Review{
				Name:       item.Name,
				ReviewID:   item.ReviewID,
				AuthorName: item.Reviewer.DisplayName,
				StarRating: item.StarRating,
				Comment:    item.Comment,
				CreateTime: item.CreateTime,
				UpdateTime: item.UpdateTime,
			}
			if item.ReviewReply != nil {
				review.Reply = &ReviewReply{Comment: item.ReviewReply.Comment, UpdateTime: item.ReviewReply.UpdateTime}
			}
			reviews = append(reviews, review)
		}
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			break
		}
		pageToken = page.NextPageToken
	}
	return reviews, nil
}

// PostReply creates or overwrites the owner reply on a review.
func (c *HTTPClient) PostReply(ctx context.Context, reviewName, text, accessToken string) error {
	name := strings.Trim(strings.TrimSpace(reviewName), "/")
	if name == "" {
		return apperr.New(apperr.KindValidation, opPostReply, "missing_review", nil)
	}
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.KindValidation, opPostReply, "missing_text", nil)
	}
	endpoint := fmt.Sprintf("%s/%s/reply", c.reviewsBaseURL, name)
	return c.do(ctx, opPostReply, http.MethodPut, endpoint, accessToken, replyPayload{Comment: text}, nil)
}

// DeleteReply removes the owner reply from a review.
func (c *HTTPClient) DeleteReply(ctx context.Context, reviewName, accessToken string) error {
	name := strings.Trim(strings.TrimSpace(reviewName), "/")
	if name == "" {
		return apperr.New(apperr.KindValidation, opDeleteReply, "missing_review", nil)
	}
	endpoint := fmt.Sprintf("%s/%s/reply", c.reviewsBaseURL, name)
	return c.do(ctx, opDeleteReply, http.MethodDelete, endpoint, accessToken, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, operation, method, endpoint, accessToken string, body any, out any) error {
	if strings.TrimSpace(accessToken) == "" {
		return apperr.New(apperr.KindAuthentication, operation, "missing_access_token", errMissingAccessToken)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.New(apperr.KindTransientUpstream, operation, "throttle_wait_failed", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.KindValidation, operation, "encode_failed", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperr.New(apperr.KindValidation, operation, "request_build_failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return apperr.New(apperr.KindTransientUpstream, operation, "request_failed", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		classified := classifyStatus(operation, response.StatusCode, snippet)
		c.logger.Debug("platform request rejected",
			zap.String("operation", operation),
			zap.Int("status", response.StatusCode))
		return classified
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return apperr.New(apperr.KindUpstream, operation, "decode_failed", err)
	}
	return nil
}

func classifyStatus(operation string, status int, body []byte) error {
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusUnauthorized:
		return apperr.New(apperr.KindAuthentication, operation, "unauthorized", cause)
	case status == http.StatusForbidden:
		return apperr.New(apperr.KindAuthorization, operation, "forbidden", cause)
	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, operation, "not_found", cause)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return apperr.New(apperr.KindTransientUpstream, operation, "unavailable", cause)
	default:
		return apperr.New(apperr.KindUpstream, operation, "rejected", cause)
	}
}

func qualifyLocation(account, name string) string {
	name = strings.Trim(name, "/")
	if strings.HasPrefix(name, "accounts/") {
		return name
	}
	return account + "/" + name
}

func joinAddress(lines []string, locality string) string {
	parts := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if trimmed := strings.TrimSpace(locality); trimmed != "" {
		parts = append(parts, trimmed)
	}
	return strings.Join(parts, ", ")
}
