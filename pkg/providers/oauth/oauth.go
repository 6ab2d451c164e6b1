// Package oauth implements the authorization-code strategy. Each provider
// instance binds one upstream service's endpoints; client credentials are
// resolved lazily at operation time so secrets stay in the environment.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/providers"
)

var (
	ErrMissingCode        = errors.New("oauth: authorization code is required")
	ErrMissingCredentials = errors.New("oauth: client credentials are required")
)

const defaultTimeout = 30 * time.Second

// Endpoints names the upstream URLs one provider talks to. RevokeURL may be
// empty when the provider offers no revocation endpoint.
type Endpoints struct {
	AuthURL   string
	TokenURL  string
	ProbeURL  string
	RevokeURL string
}

// CredentialsFunc resolves the OAuth client id and secret for a service,
// typically from environment variables. Missing values are errors.
type CredentialsFunc func(service string) (clientID, clientSecret string, err error)

// Config assembles a provider.
type Config struct {
	Name        string
	Endpoints   Endpoints
	RedirectURL string
	// ScopeSeparator joins requested scopes in the authorization URL.
	// Defaults to a space; some providers want commas.
	ScopeSeparator string
	Credentials    CredentialsFunc
	HTTPClient     *http.Client
	Logger         logger.Logger
}

// Provider is an authorization-code strategy for one upstream service.
type Provider struct {
	providers.BaseProvider
	endpoints   Endpoints
	redirectURL string
	scopeSep    string
	credentials CredentialsFunc
	client      *http.Client
}

var (
	_ providers.Provider                = (*Provider)(nil)
	_ providers.AuthorizationURLBuilder = (*Provider)(nil)
)

func New(cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		return nil, errors.New("oauth: provider name is required")
	}
	if cfg.Endpoints.AuthURL == "" || cfg.Endpoints.TokenURL == "" {
		return nil, errors.New("oauth: auth and token endpoints are required")
	}
	if cfg.Credentials == nil {
		return nil, ErrMissingCredentials
	}
	if cfg.ScopeSeparator == "" {
		cfg.ScopeSeparator = " "
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Provider{
		BaseProvider: providers.NewBaseProvider(cfg.Name, domain.MethodOAuth, cfg.Logger),
		endpoints:    cfg.Endpoints,
		redirectURL:  cfg.RedirectURL,
		scopeSep:     cfg.ScopeSeparator,
		credentials:  cfg.Credentials,
		client:       cfg.HTTPClient,
	}, nil
}

// NewGitHub builds the GitHub strategy. GitHub tokens are revoked through
// the app-scoped API, which needs basic auth with the client secret; the
// generic bearer revocation endpoint stays empty here.
func NewGitHub(creds CredentialsFunc, redirectURL string, log logger.Logger) (*Provider, error) {
	return New(Config{
		Name: "github",
		Endpoints: Endpoints{
			AuthURL:  "https://github.com/login/oauth/authorize",
			TokenURL: "https://github.com/login/oauth/access_token",
			ProbeURL: "https://api.github.com/user",
		},
		RedirectURL: redirectURL,
		Credentials: creds,
		Logger:      log,
	})
}

// NewStrava builds the Strava strategy.
func NewStrava(creds CredentialsFunc, redirectURL string, log logger.Logger) (*Provider, error) {
	return New(Config{
		Name: "strava",
		Endpoints: Endpoints{
			AuthURL:   "https://www.strava.com/oauth/authorize",
			TokenURL:  "https://www.strava.com/oauth/token",
			ProbeURL:  "https://www.strava.com/api/v3/athlete",
			RevokeURL: "https://www.strava.com/oauth/deauthorize",
		},
		RedirectURL:    redirectURL,
		ScopeSeparator: ",",
		Credentials:    creds,
		Logger:         log,
	})
}

// AuthorizationURL builds the consent URL carrying the single-use state.
func (p *Provider) AuthorizationURL(state string, scopes []string) (string, error) {
	clientID, _, err := p.credentials(p.Name())
	if err != nil {
		return "", fmt.Errorf("oauth: %s: %w", p.Name(), err)
	}
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("response_type", "code")
	q.Set("state", state)
	if p.redirectURL != "" {
		q.Set("redirect_uri", p.redirectURL)
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, p.scopeSep))
	}
	return p.endpoints.AuthURL + "?" + q.Encode(), nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	ExpiresIn        int64  `json:"expires_in"`
	ExpiresAt        int64  `json:"expires_at"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Authenticate exchanges the redirect's authorization code for a token.
func (p *Provider) Authenticate(ctx context.Context, req providers.AuthRequest) (*domain.Credential, error) {
	if req.Code == "" {
		return nil, ErrMissingCode
	}
	clientID, clientSecret, err := p.credentials(p.Name())
	if err != nil {
		return nil, fmt.Errorf("oauth: %s: %w", p.Name(), err)
	}
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w for %s", ErrMissingCredentials, p.Name())
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", req.Code)
	form.Set("grant_type", "authorization_code")
	if p.redirectURL != "" {
		form.Set("redirect_uri", p.redirectURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: %s: build token request: %w", p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s token exchange failed: %w", p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth: %s token exchange failed: %w", p.Name(), err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("oauth: %s token exchange failed: unexpected response (%s)", p.Name(), snippet(body))
	}
	if tok.Error != "" {
		msg := tok.Error
		if tok.ErrorDescription != "" {
			msg = tok.ErrorDescription
		}
		return nil, fmt.Errorf("oauth: %s token exchange failed: %s", p.Name(), msg)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oauth: %s token exchange failed: HTTP %d (%s)", p.Name(), resp.StatusCode, snippet(body))
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("oauth: %s token exchange failed: empty access token", p.Name())
	}

	cred := &domain.Credential{
		Service: req.Service,
		Kind:    domain.KindOAuthToken,
		Payload: domain.JSONMap{
			"access_token": tok.AccessToken,
			"token_type":   tok.TokenType,
		},
	}
	if tok.RefreshToken != "" {
		cred.Payload["refresh_token"] = tok.RefreshToken
	}
	if tok.Scope != "" {
		cred.Payload["scope"] = tok.Scope
	}
	switch {
	case tok.ExpiresAt > 0:
		cred.ExpiresAt = time.Unix(tok.ExpiresAt, 0).UTC()
	case tok.ExpiresIn > 0:
		cred.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	}
	p.LogInfo("token exchange succeeded", logger.F("service", req.Service))
	return cred, nil
}

// Test performs a cheap authenticated probe against the provider API.
func (p *Provider) Test(ctx context.Context, cred *domain.Credential) (providers.TestResult, error) {
	token := cred.PayloadString("access_token")
	if token == "" {
		return providers.TestResult{Valid: false, Info: "no access token stored"}, nil
	}
	if p.endpoints.ProbeURL == "" {
		return providers.TestResult{Valid: true, Info: "no probe endpoint, assuming valid"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.ProbeURL, nil)
	if err != nil {
		return providers.TestResult{}, fmt.Errorf("oauth: %s: build probe request: %w", p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return providers.TestResult{}, fmt.Errorf("oauth: %s probe failed: %w", p.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return providers.TestResult{Valid: true}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return providers.TestResult{Valid: false, Info: fmt.Sprintf("token rejected (HTTP %d)", resp.StatusCode)}, nil
	default:
		return providers.TestResult{Valid: false, Info: fmt.Sprintf("probe returned HTTP %d", resp.StatusCode)}, nil
	}
}

// Revoke calls the provider revocation endpoint when one exists. Providers
// without one report false so the orchestrator knows only the local copy
// was removed.
func (p *Provider) Revoke(ctx context.Context, cred *domain.Credential) (bool, error) {
	if p.endpoints.RevokeURL == "" {
		return false, nil
	}
	token := cred.PayloadString("access_token")
	if token == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("access_token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("oauth: %s: build revoke request: %w", p.Name(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("oauth: %s revoke failed: %w", p.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, fmt.Errorf("oauth: %s revoke failed: HTTP %d", p.Name(), resp.StatusCode)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
