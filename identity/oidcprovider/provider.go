// Package oidcprovider adapts an OIDC issuer to the identity.Provider
// contract using the resource-owner password grant. It is the production
// counterpart of identityfake.
package oidcprovider

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/campuskit/sessioncore/identity"
)

// Config holds the issuer coordinates.
type Config struct {
	IssuerURL     string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	RevocationURL string // optional; used by SignOut when set
}

var _ identity.Provider = (*Provider)(nil)

// Provider implements identity.Provider against an OIDC issuer. It keeps the
// most recent token pair so that GetSession and RefreshSession can operate
// without the caller holding tokens.
type Provider struct {
	cfg      Config
	oauthCfg *oauth2.Config
	verifier *oidc.IDTokenVerifier

	mu      sync.Mutex
	token   *oauth2.Token
	subject identity.Identity
}

// New discovers the issuer and returns a ready Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("[oidcprovider.New] issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("[oidcprovider.New] client ID is required")
	}

	issuer, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, errors.Wrap(err, "[oidcprovider.New] issuer discovery")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}

	return &Provider{
		cfg: cfg,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     issuer.Endpoint(),
			Scopes:       scopes,
		},
		verifier: issuer.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*identity.ProviderSession, error) {
	token, err := p.oauthCfg.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == http.StatusBadRequest || retrieveErr.Response.StatusCode == http.StatusUnauthorized) {
			return nil, errors.Wrap(identity.ErrInvalidCredentials, err.Error())
		}
		return nil, errors.Wrap(err, "[Provider.SignIn] token request")
	}

	subject, err := p.subjectFromToken(ctx, token, email)
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.SignIn] resolve subject")
	}

	p.mu.Lock()
	p.token = token
	p.subject = subject
	p.mu.Unlock()

	return p.session(token, subject), nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	token := p.token
	p.token = nil
	p.subject = identity.Identity{}
	p.mu.Unlock()

	if token == nil || p.cfg.RevocationURL == "" {
		return nil
	}

	form := url.Values{
		"token":           {token.AccessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {p.cfg.ClientID},
		"client_secret":   {p.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RevocationURL, nil)
	if err != nil {
		return errors.Wrap(err, "[Provider.SignOut] build revocation request")
	}
	req.URL.RawQuery = form.Encode()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Provider.SignOut] revocation request")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("[Provider.SignOut] revocation returned %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) GetSession(ctx context.Context) (*identity.ProviderSession, error) {
	p.mu.Lock()
	token := p.token
	subject := p.subject
	p.mu.Unlock()

	if token == nil {
		return nil, nil
	}
	if token.Valid() {
		return p.session(token, subject), nil
	}
	if token.RefreshToken == "" {
		return nil, nil
	}
	return p.RefreshSession(ctx)
}

func (p *Provider) RefreshSession(ctx context.Context) (*identity.ProviderSession, error) {
	p.mu.Lock()
	token := p.token
	subject := p.subject
	p.mu.Unlock()

	if token == nil || token.RefreshToken == "" {
		return nil, identity.ErrNoSession
	}

	fresh, err := p.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken}).Token()
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.RefreshSession] token refresh")
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}

	p.mu.Lock()
	p.token = fresh
	p.mu.Unlock()

	return p.session(fresh, subject), nil
}

func (p *Provider) GetUser(ctx context.Context) (*identity.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil {
		return nil, nil
	}
	subject := p.subject
	return &subject, nil
}

// session converts an oauth2 token into the provider-session shape. When the
// token response carries no expiry, the exp claim of the access token is used
// instead.
func (p *Provider) session(token *oauth2.Token, subject identity.Identity) *identity.ProviderSession {
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = expiryFromClaims(token.AccessToken)
	}
	return &identity.ProviderSession{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		Identity:     subject,
	}
}

// subjectFromToken extracts the identity from the ID token when present,
// falling back to unverified access-token claims.
func (p *Provider) subjectFromToken(ctx context.Context, token *oauth2.Token, email string) (identity.Identity, error) {
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return identity.Identity{}, errors.Wrap(err, "verify id token")
		}
		var claims struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return identity.Identity{}, errors.Wrap(err, "decode id token claims")
		}
		if claims.Email == "" {
			claims.Email = email
		}
		return identity.Identity{
			ID:     idToken.Subject,
			Email:  claims.Email,
			Claims: map[string]string{"name": claims.Name},
		}, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, claims); err != nil {
		return identity.Identity{}, errors.Wrap(err, "parse access token")
	}
	subject := identity.Identity{Email: email, Claims: map[string]string{}}
	if sub, err := claims.GetSubject(); err == nil {
		subject.ID = sub
	}
	if name, ok := claims["name"].(string); ok {
		subject.Claims["name"] = name
	}
	return subject, nil
}

// expiryFromClaims reads the exp claim of a JWT without verifying it. The
// token was just received over the token endpoint; the claim is only a
// scheduling hint, not a trust decision.
func expiryFromClaims(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
