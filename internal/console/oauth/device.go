// Package oauth obtains a Google ID token for provider login from a
// terminal, using the OAuth 2.0 device authorization grant.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/teahouse-ops/teaconsole/internal/console/config"
)

var (
	ErrNotConfigured  = errors.New("oauth provider is not configured")
	ErrNoDeviceFlow   = errors.New("issuer does not expose a device authorization endpoint")
	ErrMissingIDToken = errors.New("token response has no id_token")
)

// Prompt is what the operator needs to approve the login in a browser.
type Prompt struct {
	VerificationURI         string
	VerificationURIComplete string
	UserCode                string
}

// Result is a verified provider ID token ready to hand to the backend.
type Result struct {
	IDToken string
	Subject string
	Email   string
}

// DeviceFlow runs device authorization against an OIDC issuer.
type DeviceFlow struct {
	oauth2   oauth2.Config
	verifier *gooidc.IDTokenVerifier
	logger   *zap.Logger
}

// NewDeviceFlow discovers the issuer's endpoints.
func NewDeviceFlow(ctx context.Context, cfg config.OAuthConfig, logger *zap.Logger) (*DeviceFlow, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.ClientID) == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := gooidc.NewProvider(ctx, strings.TrimSuffix(cfg.Issuer, "/"))
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}

	var extra struct {
		DeviceAuthEndpoint string `json:"device_authorization_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("read discovery document: %w", err)
	}
	if extra.DeviceAuthEndpoint == "" {
		return nil, ErrNoDeviceFlow
	}

	endpoint := provider.Endpoint()
	endpoint.DeviceAuthURL = extra.DeviceAuthEndpoint

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", "profile"}
	}

	return &DeviceFlow{
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       append([]string{}, scopes...),
		},
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		logger:   logger.Named("oauth"),
	}, nil
}

// Start requests a device code. Show the prompt, then call Wait with the
// returned response.
func (d *DeviceFlow) Start(ctx context.Context) (*oauth2.DeviceAuthResponse, Prompt, error) {
	da, err := d.oauth2.DeviceAuth(ctx)
	if err != nil {
		return nil, Prompt{}, fmt.Errorf("request device code: %w", err)
	}
	d.logger.Debug("device code issued", zap.Time("expiry", da.Expiry), zap.Int64("interval", da.Interval))
	return da, Prompt{
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		UserCode:                da.UserCode,
	}, nil
}

// Wait polls until the operator approves or ctx ends, then verifies the
// ID token against the issuer's keys.
func (d *DeviceFlow) Wait(ctx context.Context, da *oauth2.DeviceAuthResponse) (*Result, error) {
	tok, err := d.oauth2.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("wait for device approval: %w", err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, ErrMissingIDToken
	}

	idToken, err := d.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	d.logger.Info("provider login approved", zap.String("subject", idToken.Subject))
	return &Result{IDToken: raw, Subject: idToken.Subject, Email: claims.Email}, nil
}
