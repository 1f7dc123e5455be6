package providers

import (
	"errors"
	"fmt"

	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/auth/models"
	"github.com/golang-jwt/jwt/v5"
)

var errMissingEmail = errors.New("id_token.missing_email")

// ParseUserInfo reads display fields from the id_token payload WITHOUT
// verifying its signature. The result only prefills names in the account
// list; it is not a trust boundary and must never gate access.
func ParseUserInfo(idToken string) (*models.UserInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token: %w", err)
	}

	email, _ := claims["email"].(string)
	if email == "" {
		return nil, errMissingEmail
	}

	info := &models.UserInfo{Email: email}
	if auth, ok := claims[constants.AccountClaim].(map[string]interface{}); ok {
		info.AccountID, _ = auth[constants.AccountIDClaim].(string)
	}
	return info, nil
}
