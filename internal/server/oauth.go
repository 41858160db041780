package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	oauthStateCookieName   = "reviewdesk_oauth_state"
	oauthStateCookieMaxAge = 600

	opOAuthConnect  = "server.oauth_connect"
	opOAuthCallback = "server.oauth_callback"
	opOAuthRevoke   = "server.oauth_revoke"
)

// Connector runs the platform account authorization flow.
type Connector interface {
	AuthorizationURL(state string) (string, error)
	CompleteAuthorization(ctx context.Context, subjectID, code string) error
	Revoke(ctx context.Context, subjectID string) error
}

func (h *httpHandler) requireConnector(c *gin.Context, operation string) bool {
	if h.connector != nil {
		return true
	}
	h.respondError(c, apperr.New(apperr.KindNotFound, operation, "oauth_not_configured", nil), nil)
	return false
}

func (h *httpHandler) handleOAuthConnect(c *gin.Context) {
	if !h.requireConnector(c, opOAuthConnect) {
		return
	}
	state, err := h.stateProvider.NewID()
	if err != nil {
		h.respondError(c, apperr.New(apperr.KindUnknown, opOAuthConnect, "state_generation_failed", err), nil)
		return
	}
	authorizationURL, err := h.connector.AuthorizationURL(state)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookieName, state, oauthStateCookieMaxAge, "/oauth", "", h.secureCookies, true)
	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, authorizationURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": authorizationURL})
}

func (h *httpHandler) handleOAuthCallback(c *gin.Context) {
	if !h.requireConnector(c, opOAuthCallback) {
		return
	}
	ownerID := c.GetString(ownerIDContextKey)

	if providerError := c.Query("error"); providerError != "" {
		h.logger.Info("authorization declined", zap.String("owner_id", ownerID), zap.String("provider_error", providerError))
		h.respondError(c, apperr.New(apperr.KindAuthorization, opOAuthCallback, "consent_declined", nil), nil)
		return
	}

	expected, err := c.Cookie(oauthStateCookieName)
	state := c.Query("state")
	if err != nil || expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		h.respondError(c, apperr.New(apperr.KindValidation, opOAuthCallback, "state_mismatch", nil), nil)
		return
	}
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		h.respondError(c, apperr.New(apperr.KindValidation, opOAuthCallback, "missing_code", nil), nil)
		return
	}

	if err := h.connector.CompleteAuthorization(c.Request.Context(), ownerID, code); err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookieName, "", -1, "/oauth", "", h.secureCookies, true)
	c.JSON(http.StatusOK, gin.H{"connected": true})
}

func (h *httpHandler) handleOAuthRevoke(c *gin.Context) {
	if !h.requireConnector(c, opOAuthRevoke) {
		return
	}
	if err := h.connector.Revoke(c.Request.Context(), c.GetString(ownerIDContextKey)); err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}
