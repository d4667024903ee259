package ssokit

import (
	"context"
	"net/url"

	"golang.org/x/oauth2"
)

// LoginURLBuilder produces the provider authorization URL for a fresh login
// attempt, binding it to a one-time state token, and the matching
// end-session URL.
type LoginURLBuilder struct {
	oauthConfig oauth2.Config
	settings    ProviderSettings
	states      StateStore
}

// NewLoginURLBuilder constructs a builder over the configured endpoints.
func NewLoginURLBuilder(settings ProviderSettings, states StateStore) *LoginURLBuilder {
	return &LoginURLBuilder{
		oauthConfig: oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			RedirectURL:  settings.RedirectURI,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  settings.AuthorizationEndpoint,
				TokenURL: settings.TokenEndpoint,
			},
		},
		settings: settings,
		states:   states,
	}
}

// BuildLoginURL issues a state token and returns the authorization URL
// carrying it.
func (builder *LoginURLBuilder) BuildLoginURL(ctx context.Context) (string, error) {
	state, issueErr := builder.states.Issue(ctx)
	if issueErr != nil {
		return "", issueErr
	}
	options := []oauth2.AuthCodeOption{}
	if builder.settings.DirectoryResource != "" {
		options = append(options, oauth2.SetAuthURLParam("resource", builder.settings.DirectoryResource))
	}
	return builder.oauthConfig.AuthCodeURL(state, options...), nil
}

// BuildLogoutURL returns the provider end-session URL with the
// post-logout redirect attached.
func (builder *LoginURLBuilder) BuildLogoutURL() string {
	if builder.settings.EndSessionEndpoint == "" {
		return ""
	}
	query := url.Values{}
	if builder.settings.LogoutRedirectURI != "" {
		query.Set("post_logout_redirect_uri", builder.settings.LogoutRedirectURI)
	}
	if encoded := query.Encode(); encoded != "" {
		return builder.settings.EndSessionEndpoint + "?" + encoded
	}
	return builder.settings.EndSessionEndpoint
}
