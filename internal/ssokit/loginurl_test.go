package ssokit

import (
	"context"
	"net/url"
	"testing"
	"time"
)

func TestBuildLoginURLCarriesStateAndScopes(t *testing.T) {
	t.Parallel()

	states := NewMemoryStateStore(5 * time.Minute)
	settings := testSettings()
	settings.DirectoryResource = "https://graph.windows.net"
	builder := NewLoginURLBuilder(settings, states)

	loginURL, buildErr := builder.BuildLoginURL(context.Background())
	if buildErr != nil {
		t.Fatalf("build login url: %v", buildErr)
	}

	parsed, parseErr := url.Parse(loginURL)
	if parseErr != nil {
		t.Fatalf("parse login url: %v", parseErr)
	}
	if parsed.Host != "login.example.com" {
		t.Fatalf("unexpected host %s", parsed.Host)
	}
	query := parsed.Query()
	if query.Get("client_id") != "client-abc" {
		t.Fatalf("unexpected client_id %s", query.Get("client_id"))
	}
	if query.Get("response_type") != "code" {
		t.Fatalf("unexpected response_type %s", query.Get("response_type"))
	}
	if query.Get("redirect_uri") != settings.RedirectURI {
		t.Fatalf("unexpected redirect_uri %s", query.Get("redirect_uri"))
	}
	if query.Get("resource") != "https://graph.windows.net" {
		t.Fatalf("unexpected resource %s", query.Get("resource"))
	}

	state := query.Get("state")
	if state == "" {
		t.Fatalf("expected a state parameter")
	}
	if consumeErr := states.Consume(context.Background(), state); consumeErr != nil {
		t.Fatalf("the embedded state must be consumable: %v", consumeErr)
	}
}

func TestBuildLoginURLIssuesFreshStatePerCall(t *testing.T) {
	t.Parallel()

	builder := NewLoginURLBuilder(testSettings(), NewMemoryStateStore(5*time.Minute))

	firstURL, firstErr := builder.BuildLoginURL(context.Background())
	secondURL, secondErr := builder.BuildLoginURL(context.Background())
	if firstErr != nil || secondErr != nil {
		t.Fatalf("build login urls: %v %v", firstErr, secondErr)
	}

	firstParsed, _ := url.Parse(firstURL)
	secondParsed, _ := url.Parse(secondURL)
	if firstParsed.Query().Get("state") == secondParsed.Query().Get("state") {
		t.Fatalf("expected distinct state tokens per login attempt")
	}
}

func TestBuildLogoutURLAppendsPostLogoutRedirect(t *testing.T) {
	t.Parallel()

	builder := NewLoginURLBuilder(testSettings(), NewMemoryStateStore(5*time.Minute))
	logoutURL := builder.BuildLogoutURL()

	parsed, parseErr := url.Parse(logoutURL)
	if parseErr != nil {
		t.Fatalf("parse logout url: %v", parseErr)
	}
	if parsed.Query().Get("post_logout_redirect_uri") != "https://app.example.com/" {
		t.Fatalf("unexpected post_logout_redirect_uri %s", parsed.Query().Get("post_logout_redirect_uri"))
	}
}

func TestBuildLogoutURLEmptyWithoutEndSessionEndpoint(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.EndSessionEndpoint = ""
	builder := NewLoginURLBuilder(settings, NewMemoryStateStore(5*time.Minute))
	if logoutURL := builder.BuildLogoutURL(); logoutURL != "" {
		t.Fatalf("expected empty logout url, got %s", logoutURL)
	}
}
