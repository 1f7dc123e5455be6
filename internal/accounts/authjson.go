package accounts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/auth/models"
)

const (
	tokensKey      = "tokens"
	expiresAtKey   = "expires_at"
	expiresInKey   = "expires_in"
	lastRefreshKey = "last_refresh"
)

// ErrAuthRecordNotObject indicates a token record that is not a JSON object
var ErrAuthRecordNotObject = errors.New("accounts.auth_json.not_object")

// NewAuthRecord builds the token record for a freshly logged in account
func NewAuthRecord(token *models.TokenResponse, info *models.UserInfo, now time.Time) (json.RawMessage, error) {
	tokens := map[string]interface{}{
		"access_token": token.AccessToken,
		expiresAtKey:   token.ExpiresAt(now, constants.DefaultExpiresIn).Unix(),
	}
	if token.RefreshToken != "" {
		tokens["refresh_token"] = token.RefreshToken
	}
	if token.IDToken != "" {
		tokens["id_token"] = token.IDToken
	}
	if info != nil && info.AccountID != "" {
		tokens["account_id"] = info.AccountID
	}

	record := map[string]interface{}{
		"OPENAI_API_KEY": nil,
		tokensKey:        tokens,
		lastRefreshKey:   now.UTC().Format(time.RFC3339),
	}
	return json.Marshal(record)
}

// ExpiresAt finds the expiry under "tokens" first, then at the top level.
// Integer epoch seconds and RFC 3339 strings are accepted; anything else
// means no expiry is known.
func ExpiresAt(raw json.RawMessage) (time.Time, bool) {
	record, err := decodeRecord(raw)
	if err != nil {
		return time.Time{}, false
	}
	if tokens, ok := record[tokensKey].(map[string]interface{}); ok {
		if expiresAt, ok := parseExpiry(tokens[expiresAtKey]); ok {
			return expiresAt, true
		}
	}
	return parseExpiry(record[expiresAtKey])
}

// ApplyRefresh merges a refreshed token set into an existing record. Values
// land in "tokens" when that object exists, otherwise at the top level; the
// expiry keeps its existing encoding. Every other field is left as it was.
func ApplyRefresh(raw json.RawMessage, token *models.TokenResponse, now time.Time) (json.RawMessage, error) {
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}

	target := record
	if tokens, ok := record[tokensKey].(map[string]interface{}); ok {
		target = tokens
	}

	expiresAt := token.ExpiresAt(now, constants.DefaultExpiresIn)
	if _, isString := target[expiresAtKey].(string); isString {
		target[expiresAtKey] = expiresAt.UTC().Format(time.RFC3339)
	} else {
		target[expiresAtKey] = expiresAt.Unix()
	}
	if _, ok := target[expiresInKey]; ok {
		target[expiresInKey] = int64(expiresAt.Sub(now) / time.Second)
	}

	target["access_token"] = token.AccessToken
	if token.RefreshToken != "" {
		target["refresh_token"] = token.RefreshToken
	}
	if token.IDToken != "" {
		target["id_token"] = token.IDToken
	}

	record[lastRefreshKey] = now.UTC().Format(time.RFC3339)

	return json.Marshal(record)
}

// ValidateAuthRecord reports whether raw is a record ApplyRefresh can merge into
func ValidateAuthRecord(raw json.RawMessage) error {
	_, err := decodeRecord(raw)
	return err
}

// decodeRecord keeps numbers as json.Number so untouched values re-encode byte for byte
func decodeRecord(raw json.RawMessage) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return map[string]interface{}{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("failed to decode auth record: %w", err)
	}
	record, ok := value.(map[string]interface{})
	if !ok {
		return nil, ErrAuthRecordNotObject
	}
	return record, nil
}

func parseExpiry(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case json.Number:
		if seconds, err := v.Int64(); err == nil {
			return time.Unix(seconds, 0), true
		}
		seconds, err := v.Float64()
		if err != nil || seconds != math.Trunc(seconds) {
			return time.Time{}, false
		}
		return time.Unix(int64(seconds), 0), true
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
