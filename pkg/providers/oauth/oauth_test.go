package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/providers"
)

func staticCreds(id, secret string) CredentialsFunc {
	return func(string) (string, string, error) { return id, secret, nil }
}

func testProvider(t *testing.T, endpoints Endpoints) *Provider {
	t.Helper()
	p, err := New(Config{
		Name:        "github",
		Endpoints:   endpoints,
		RedirectURL: "https://broker.local/callback",
		Credentials: staticCreds("client-id", "client-secret"),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestAuthorizationURL(t *testing.T) {
	p := testProvider(t, Endpoints{
		AuthURL:  "https://example.com/authorize",
		TokenURL: "https://example.com/token",
	})

	raw, err := p.AuthorizationURL("state-token", []string{"repo", "read:org"})
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-id" {
		t.Fatalf("missing client_id: %s", raw)
	}
	if q.Get("state") != "state-token" {
		t.Fatalf("missing state: %s", raw)
	}
	if q.Get("scope") != "repo read:org" {
		t.Fatalf("unexpected scope: %q", q.Get("scope"))
	}
	if q.Get("redirect_uri") != "https://broker.local/callback" {
		t.Fatalf("missing redirect_uri: %s", raw)
	}
}

func TestAuthenticateExchangesCode(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"gho_token","token_type":"bearer","scope":"repo","refresh_token":"ghr_refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	p := testProvider(t, Endpoints{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"})
	cred, err := p.Authenticate(context.Background(), providers.AuthRequest{Service: "github", Code: "the-code"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if gotForm.Get("code") != "the-code" || gotForm.Get("grant_type") != "authorization_code" {
		t.Fatalf("unexpected exchange form: %v", gotForm)
	}
	if gotForm.Get("client_secret") != "client-secret" {
		t.Fatalf("client secret not sent: %v", gotForm)
	}
	if cred.Kind != domain.KindOAuthToken {
		t.Fatalf("expected oauth_token kind, got %s", cred.Kind)
	}
	if cred.PayloadString("access_token") != "gho_token" {
		t.Fatalf("unexpected payload: %+v", cred.Payload)
	}
	if cred.PayloadString("refresh_token") != "ghr_refresh" {
		t.Fatalf("refresh token not kept: %+v", cred.Payload)
	}
	if cred.ExpiresAt.IsZero() {
		t.Fatal("expires_in should set expiry")
	}
}

func TestAuthenticateMapsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"bad_verification_code","error_description":"The code passed is incorrect or expired."}`))
	}))
	defer srv.Close()

	p := testProvider(t, Endpoints{AuthURL: srv.URL + "/a", TokenURL: srv.URL + "/t"})
	_, err := p.Authenticate(context.Background(), providers.AuthRequest{Service: "github", Code: "stale"})
	if err == nil {
		t.Fatal("expected provider error to surface")
	}
	if !strings.Contains(err.Error(), "github token exchange failed") {
		t.Fatalf("error not mapped: %v", err)
	}
	if !strings.Contains(err.Error(), "incorrect or expired") {
		t.Fatalf("provider message lost: %v", err)
	}
}

func TestAuthenticateRequiresCode(t *testing.T) {
	p := testProvider(t, Endpoints{AuthURL: "https://x/a", TokenURL: "https://x/t"})
	if _, err := p.Authenticate(context.Background(), providers.AuthRequest{Service: "github"}); !errors.Is(err, ErrMissingCode) {
		t.Fatalf("expected ErrMissingCode, got %v", err)
	}
}

func TestTestProbe(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer header: %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := testProvider(t, Endpoints{AuthURL: srv.URL + "/a", TokenURL: srv.URL + "/t", ProbeURL: srv.URL + "/user"})
	cred := &domain.Credential{Kind: domain.KindOAuthToken, Payload: domain.JSONMap{"access_token": "tok"}}

	status = http.StatusOK
	res, err := p.Test(context.Background(), cred)
	if err != nil || !res.Valid {
		t.Fatalf("expected valid, got %+v err=%v", res, err)
	}

	status = http.StatusUnauthorized
	res, err = p.Test(context.Background(), cred)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.Valid {
		t.Fatal("rejected token should report invalid")
	}
	if !strings.Contains(res.Info, "401") {
		t.Fatalf("info should name the status, got %q", res.Info)
	}
}

func TestRevoke(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		r.ParseForm()
		if r.PostForm.Get("access_token") != "tok" {
			t.Errorf("token not sent: %v", r.PostForm)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cred := &domain.Credential{Kind: domain.KindOAuthToken, Payload: domain.JSONMap{"access_token": "tok"}}

	withEndpoint := testProvider(t, Endpoints{AuthURL: srv.URL + "/a", TokenURL: srv.URL + "/t", RevokeURL: srv.URL + "/revoke"})
	ok, err := withEndpoint.Revoke(context.Background(), cred)
	if err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	if !called {
		t.Fatal("revocation endpoint not called")
	}

	withoutEndpoint := testProvider(t, Endpoints{AuthURL: srv.URL + "/a", TokenURL: srv.URL + "/t"})
	ok, err = withoutEndpoint.Revoke(context.Background(), cred)
	if err != nil || ok {
		t.Fatalf("no endpoint should report false, got ok=%v err=%v", ok, err)
	}
}

func TestStravaDefaults(t *testing.T) {
	p, err := NewStrava(staticCreds("id", "secret"), "", nil)
	if err != nil {
		t.Fatalf("new strava: %v", err)
	}
	raw, err := p.AuthorizationURL("st", []string{"read", "activity:read_all"})
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, _ := url.Parse(raw)
	if got := u.Query().Get("scope"); got != "read,activity:read_all" {
		t.Fatalf("strava scopes should join with commas, got %q", got)
	}
}
