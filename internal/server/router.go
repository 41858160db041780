package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/reviewdesk/internal/reviews"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey = "reviewdesk_owner_id"

	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingReviewService    = errors.New("review service dependency required")
	errMissingGovernor         = errors.New("rate governor dependency required")
)

// SessionValidator authenticates dashboard requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ReviewService is the reconciliation surface the HTTP layer calls into.
type ReviewService interface {
	SyncLocations(ctx context.Context, ownerID string) (int64, error)
	SyncAllReviews(ctx context.Context, ownerID string) (reviews.SyncReport, error)
	ListWorkspaces(ctx context.Context, ownerID string) ([]reviews.Workspace, error)
	ListReviews(ctx context.Context, ownerID, workspaceID string, status reviews.ReviewStatus) ([]reviews.ReviewRecord, error)
	PostReply(ctx context.Context, ownerID, reviewID, text string) (reviews.ReviewRecord, error)
	DeleteReply(ctx context.Context, ownerID, reviewID string) (reviews.ReviewRecord, error)
	SaveAnalysis(ctx context.Context, ownerID, reviewID string, risk reviews.RiskLevel, annotations json.RawMessage) (reviews.ReviewRecord, error)
}

// Dependencies wires the HTTP handler. Connector is optional; without it the
// OAuth routes answer 404.
type Dependencies struct {
	Sessions       SessionValidator
	Connector      Connector
	Reviews        ReviewService
	Governor       *ratelimit.Governor
	DefaultPolicy  ratelimit.Policy
	AnalysisPolicy ratelimit.Policy
	AllowedOrigins []string
	StateProvider  reviews.IDProvider
	SecureCookies  bool
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the dashboard API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Reviews == nil {
		return nil, errMissingReviewService
	}
	if deps.Governor == nil {
		return nil, errMissingGovernor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultPolicy := deps.DefaultPolicy
	if defaultPolicy.MaxRequests <= 0 {
		defaultPolicy = ratelimit.DefaultPolicy()
	}
	analysisPolicy := deps.AnalysisPolicy
	if analysisPolicy.MaxRequests <= 0 {
		analysisPolicy = ratelimit.AnalysisPolicy()
	}
	stateProvider := deps.StateProvider
	if stateProvider == nil {
		stateProvider = reviews.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		connector:     deps.Connector,
		reviews:       deps.Reviews,
		governor:      deps.Governor,
		stateProvider: stateProvider,
		secureCookies: deps.SecureCookies,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest, handler.limit(defaultPolicy))
	protected.GET("/oauth/connect", handler.handleOAuthConnect)
	protected.GET("/oauth/callback", handler.handleOAuthCallback)
	protected.DELETE("/oauth/connection", handler.handleOAuthRevoke)
	protected.POST("/sync/locations", handler.handleSyncLocations)
	protected.POST("/sync/reviews", handler.handleSyncReviews)
	protected.GET("/workspaces", handler.handleListWorkspaces)
	protected.GET("/workspaces/:id/reviews", handler.handleListReviews)
	protected.PUT("/reviews/:id/reply", handler.handlePostReply)
	protected.DELETE("/reviews/:id/reply", handler.handleDeleteReply)
	protected.POST("/reviews/:id/analysis", handler.limit(analysisPolicy), handler.handleSaveAnalysis)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{headerRateLimitRemaining, headerRateLimitReset},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions      SessionValidator
	connector     Connector
	reviews       ReviewService
	governor      *ratelimit.Governor
	stateProvider reviews.IDProvider
	secureCookies bool
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, claims.OwnerID())
	c.Next()
}

// limit consults the governor for the session owner under policy.
func (h *httpHandler) limit(policy ratelimit.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(ownerIDContextKey)
		decision := h.governor.CheckLimit(policy.Key(ownerID), policy)
		c.Header(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
		c.Header(headerRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if err := decision.Err(); err != nil {
			h.logger.Info("request rate limited",
				zap.String("owner_id", ownerID),
				zap.String("policy", policy.Name),
				zap.Time("reset_at", decision.ResetAt))
			h.respondError(c, err, nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *httpHandler) handleSyncLocations(c *gin.Context) {
	synced, err := h.reviews.SyncLocations(c.Request.Context(), c.GetString(ownerIDContextKey))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

type syncReviewsResponse struct {
	Success          bool                  `json:"success"`
	TotalReviews     int64                 `json:"total_reviews"`
	SyncedWorkspaces int                   `json:"synced_workspaces"`
	Warnings         []reviews.SyncWarning `json:"warnings"`
}

func (h *httpHandler) handleSyncReviews(c *gin.Context) {
	report, err := h.reviews.SyncAllReviews(c.Request.Context(), c.GetString(ownerIDContextKey))
	if err != nil {
		h.respondError(c, err, gin.H{"warnings": report.Warnings})
		return
	}
	warnings := report.Warnings
	if warnings == nil {
		warnings = []reviews.SyncWarning{}
	}
	c.JSON(http.StatusOK, syncReviewsResponse{
		Success:          true,
		TotalReviews:     report.TotalReviews,
		SyncedWorkspaces: report.SyncedWorkspaces,
		Warnings:         warnings,
	})
}

func (h *httpHandler) handleListWorkspaces(c *gin.Context) {
	workspaces, err := h.reviews.ListWorkspaces(c.Request.Context(), c.GetString(ownerIDContextKey))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	if workspaces == nil {
		workspaces = []reviews.Workspace{}
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (h *httpHandler) handleListReviews(c *gin.Context) {
	var status reviews.ReviewStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := reviews.ParseReviewStatus(raw)
		if err != nil {
			h.respondError(c, err, nil)
			return
		}
		status = parsed
	}

	records, err := h.reviews.ListReviews(c.Request.Context(), c.GetString(ownerIDContextKey), c.Param("id"), status)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	if records == nil {
		records = []reviews.ReviewRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"reviews": records})
}

type replyRequestPayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handlePostReply(c *gin.Context) {
	var request replyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.reviews.PostReply(c.Request.Context(), c.GetString(ownerIDContextKey), c.Param("id"), request.Text)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"review": record})
}

func (h *httpHandler) handleDeleteReply(c *gin.Context) {
	record, err := h.reviews.DeleteReply(c.Request.Context(), c.GetString(ownerIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"review": record})
}

type analysisRequestPayload struct {
	RiskLevel   string          `json:"risk_level"`
	Annotations json.RawMessage `json:"annotations"`
}

func (h *httpHandler) handleSaveAnalysis(c *gin.Context) {
	var request analysisRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.reviews.SaveAnalysis(c.Request.Context(), c.GetString(ownerIDContextKey), c.Param("id"),
		reviews.RiskLevel(request.RiskLevel), request.Annotations)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"review": record})
}

// respondError renders a classified error as {"error": kind, "code": code}.
func (h *httpHandler) respondError(c *gin.Context, err error, extra gin.H) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	body := gin.H{"error": errorLabel(kind)}
	if code := apperr.CodeOf(err); code != "" {
		body["code"] = code
	}
	var limited *apperr.RateLimitedError
	if errors.As(err, &limited) {
		body["reset_at"] = limited.ResetAt.UTC().Format(time.RFC3339)
	}
	for key, value := range extra {
		body[key] = value
	}

	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("owner_id", c.GetString(ownerIDContextKey)),
		zap.Int("status", status),
		zap.Error(err),
	}
	switch {
	case status == http.StatusBadGateway:
		h.logger.Warn("request failed", fields...)
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
	default:
		h.logger.Debug("request rejected", fields...)
	}
	c.JSON(status, body)
}

func errorLabel(kind apperr.Kind) string {
	if kind == apperr.KindUnknown {
		return "internal"
	}
	return string(kind)
}
