package models

import (
	"time"

	"golang.org/x/oauth2"
)

// PkceCodes is a verifier/challenge pair owned by a single login attempt
type PkceCodes struct {
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
}

// PendingLogin is the state of the one in-flight login
type PendingLogin struct {
	PKCE  PkceCodes
	State string
	Port  uint16
}

// TokenResponse is the token endpoint payload.
// Optional fields are empty strings or zero when the provider omits them.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// ExpiresAt computes the absolute expiry from issuedAt, using fallback
// seconds when the provider did not send expires_in.
func (t *TokenResponse) ExpiresAt(issuedAt time.Time, fallback int64) time.Time {
	seconds := t.ExpiresIn
	if seconds <= 0 {
		seconds = fallback
	}
	return issuedAt.Add(time.Duration(seconds) * time.Second)
}

// NewTokenResponse reads an oauth2.Token returned by a code exchange.
// The id_token travels as an extra field of the token response.
func NewTokenResponse(token *oauth2.Token) *TokenResponse {
	response := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    token.ExpiresIn,
		TokenType:    token.TokenType,
	}
	// form-encoded responses only fill Expiry
	if response.ExpiresIn == 0 && !token.Expiry.IsZero() {
		response.ExpiresIn = int64(time.Until(token.Expiry).Round(time.Second) / time.Second)
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		response.IDToken = idToken
	}
	return response
}

// UserInfo holds display fields read from an unverified id_token.
// It is informational only and must never be used to authorize access.
type UserInfo struct {
	Email     string
	AccountID string
}

// CallbackResult is what the loopback listener hands back to its owner
type CallbackResult struct {
	Code string
	Err  error
}
