package credentials

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/apperr"
)

// StaticTokenSource hands every subject the same token. Demo mode pairs it with
// the in-memory platform client, which accepts any non-empty token.
type StaticTokenSource struct {
	Token string
}

func (s StaticTokenSource) GetValidAccessToken(_ context.Context, subjectID string) (string, error) {
	if strings.TrimSpace(subjectID) == "" {
		return "", apperr.New(apperr.KindValidation, opGetValidAccessToken, "missing_subject", errMissingSubject)
	}
	if s.Token == "" {
		return "", apperr.New(apperr.KindNotAuthorized, opGetValidAccessToken, "no_credential", nil)
	}
	return s.Token, nil
}
