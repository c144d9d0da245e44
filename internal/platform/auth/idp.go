package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenResponse is the token-endpoint response the gateway returns to
// clients, extended with the SMART clinical-context fields.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
}

// IdentityProviderClient performs the actual authorization-code and
// refresh-token exchange against the external identity provider. The
// gateway never verifies or mints tokens itself.
type IdentityProviderClient interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// OAuth2IdentityProvider implements IdentityProviderClient on top of
// golang.org/x/oauth2.
type OAuth2IdentityProvider struct {
	cfg oauth2.Config
}

// NewOAuth2IdentityProvider builds a provider client for the given endpoint
// and client credentials.
func NewOAuth2IdentityProvider(clientID, clientSecret string, endpoint oauth2.Endpoint) *OAuth2IdentityProvider {
	return &OAuth2IdentityProvider{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
	}
}

// ExchangeCode implements IdentityProviderClient. The redirect URI must be
// the exact value used at authorization time; the provider rejects the
// exchange otherwise.
func (p *OAuth2IdentityProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	cfg := p.cfg
	cfg.RedirectURL = redirectURI

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("identity provider code exchange: %w", err)
	}
	return tokenResponseFromOAuth2(tok), nil
}

// Refresh implements IdentityProviderClient.
func (p *OAuth2IdentityProvider) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	ts := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("identity provider token refresh: %w", err)
	}
	return tokenResponseFromOAuth2(tok), nil
}

// tokenResponseFromOAuth2 maps an oauth2 token to the wire shape, lifting
// the SMART context extras when the provider included them.
func tokenResponseFromOAuth2(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if patient, ok := tok.Extra("patient").(string); ok {
		resp.Patient = patient
	}
	if encounter, ok := tok.Extra("encounter").(string); ok {
		resp.Encounter = encounter
	}
	return resp
}
