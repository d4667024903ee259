package ssokit

import (
	"fmt"
	"strings"
	"time"
)

const (
	configCodeMissingClientID        = "config.missing_client_id"
	configCodeMissingClientSecret    = "config.missing_client_secret"
	configCodeMissingAuthorizeURL    = "config.missing_authorization_endpoint"
	configCodeMissingTokenURL        = "config.missing_token_endpoint"
	configCodeMissingKeySetURL       = "config.missing_key_set_endpoint"
	configCodeMissingIssuer          = "config.missing_issuer"
	configCodeMissingAudience        = "config.missing_audience"
	configCodeMissingRedirectURI     = "config.missing_redirect_uri"
	configCodeMissingDefaultRole     = "config.missing_default_role"
	configCodeEmptyGroupRoleMap      = "config.empty_group_role_map"
	configCodeMalformedGroupRolePair = "config.malformed_group_role_pair"
)

// GroupRole binds one directory group id to one local role name. Order matters:
// the first configured group the subject belongs to wins.
type GroupRole struct {
	GroupID string
	Role    string
}

// ProviderSettings describes one OIDC authority and the local mapping policy.
type ProviderSettings struct {
	ClientID     string
	ClientSecret string

	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSessionEndpoint    string
	KeySetEndpoint        string
	Issuer                string
	Audience              string

	RedirectURI       string
	LogoutRedirectURI string

	// DirectoryResource is the resource identifier sent when acquiring directory
	// access tokens and when building the authorization URL.
	DirectoryResource string
	DirectoryBaseURL  string

	GroupRoleMap     []GroupRole
	DefaultRole      string
	EnableGroupRoles bool
	RequireGroupRole bool

	RegistrationOpen     bool
	OverrideRegistration bool

	RequireState bool

	HTTPTimeout   time.Duration
	ClockSkew     time.Duration
	KeyCacheTTL   time.Duration
	KeyCacheStale time.Duration
}

func configError(code string, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// Validate checks the settings required to run the authentication pipeline.
func (settings ProviderSettings) Validate() error {
	if strings.TrimSpace(settings.ClientID) == "" {
		return configError(configCodeMissingClientID, "client_id must be provided")
	}
	if strings.TrimSpace(settings.ClientSecret) == "" {
		return configError(configCodeMissingClientSecret, "client_secret must be provided")
	}
	if strings.TrimSpace(settings.AuthorizationEndpoint) == "" {
		return configError(configCodeMissingAuthorizeURL, "authorization_endpoint must be provided")
	}
	if strings.TrimSpace(settings.TokenEndpoint) == "" {
		return configError(configCodeMissingTokenURL, "token_endpoint must be provided")
	}
	if strings.TrimSpace(settings.KeySetEndpoint) == "" {
		return configError(configCodeMissingKeySetURL, "key_set_endpoint must be provided")
	}
	if strings.TrimSpace(settings.Issuer) == "" {
		return configError(configCodeMissingIssuer, "issuer must be provided")
	}
	if strings.TrimSpace(settings.Audience) == "" {
		return configError(configCodeMissingAudience, "audience must be provided")
	}
	if strings.TrimSpace(settings.RedirectURI) == "" {
		return configError(configCodeMissingRedirectURI, "redirect_uri must be provided")
	}
	if !settings.RequireGroupRole && strings.TrimSpace(settings.DefaultRole) == "" {
		return configError(configCodeMissingDefaultRole, "default_role must be provided unless require_group_role is set")
	}
	if settings.EnableGroupRoles && len(settings.GroupRoleMap) == 0 {
		return configError(configCodeEmptyGroupRoleMap, "group_role_map must be provided when enable_group_roles is set")
	}
	return nil
}

// GroupIDs returns the configured group ids in mapping order.
func (settings ProviderSettings) GroupIDs() []string {
	ids := make([]string, 0, len(settings.GroupRoleMap))
	for _, pair := range settings.GroupRoleMap {
		ids = append(ids, pair.GroupID)
	}
	return ids
}

// ParseGroupRolePairs converts "groupID=role" entries into an ordered mapping.
func ParseGroupRolePairs(pairs []string) ([]GroupRole, error) {
	mapping := make([]GroupRole, 0, len(pairs))
	for _, pair := range pairs {
		groupID, role, found := strings.Cut(pair, "=")
		groupID = strings.TrimSpace(groupID)
		role = strings.TrimSpace(role)
		if !found || groupID == "" || role == "" {
			return nil, configError(configCodeMalformedGroupRolePair, fmt.Sprintf("expected groupID=role, got %q", pair))
		}
		mapping = append(mapping, GroupRole{GroupID: groupID, Role: role})
	}
	return mapping, nil
}

func (settings ProviderSettings) httpTimeout() time.Duration {
	if settings.HTTPTimeout > 0 {
		return settings.HTTPTimeout
	}
	return 10 * time.Second
}

func (settings ProviderSettings) clockSkew() time.Duration {
	if settings.ClockSkew > 0 {
		return settings.ClockSkew
	}
	return time.Minute
}
