package ssokit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DirectoryTokenSource supplies access tokens for directory graph calls,
// scoped to one tenant. Acquisition is a collaborator capability; the
// pipeline only consumes it.
type DirectoryTokenSource interface {
	Token(ctx context.Context, tenantID string) (string, error)
}

// DirectoryProfile carries the profile attributes used for email derivation.
type DirectoryProfile struct {
	DisplayName       string   `json:"displayName"`
	Mail              string   `json:"mail"`
	UserPrincipalName string   `json:"userPrincipalName"`
	ProxyAddresses    []string `json:"proxyAddresses"`
	OtherMails        []string `json:"otherMails"`
}

// DirectoryClient queries the directory graph for profile attributes and
// group memberships, always scoped to the tenant from the validated token.
type DirectoryClient interface {
	Profile(ctx context.Context, tenantID string) (*DirectoryProfile, error)
	CheckMemberGroups(ctx context.Context, subjectID string, groupIDs []string, tenantID string) ([]string, error)
}

// GraphClient implements DirectoryClient against the directory graph REST
// API.
type GraphClient struct {
	baseURL    string
	apiVersion string
	tokens     DirectoryTokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGraphClient constructs a GraphClient with a bounded HTTP timeout.
func NewGraphClient(settings ProviderSettings, tokens DirectoryTokenSource, logger *zap.Logger) *GraphClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimSuffix(settings.DirectoryBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.windows.net"
	}
	return &GraphClient{
		baseURL:    baseURL,
		apiVersion: "1.6",
		tokens:     tokens,
		httpClient: &http.Client{Timeout: settings.httpTimeout()},
		logger:     logger,
	}
}

// Profile fetches the signed-in user's directory profile.
func (client *GraphClient) Profile(ctx context.Context, tenantID string) (*DirectoryProfile, error) {
	endpoint := fmt.Sprintf("%s/%s/me?api-version=%s", client.baseURL, url.PathEscape(tenantID), client.apiVersion)
	body, callErr := client.call(ctx, http.MethodGet, endpoint, tenantID, nil)
	if callErr != nil {
		return nil, &DirectoryError{Op: "profile", Err: callErr}
	}
	var profile DirectoryProfile
	if decodeErr := json.Unmarshal(body, &profile); decodeErr != nil {
		return nil, &DirectoryError{Op: "profile", Err: decodeErr}
	}
	return &profile, nil
}

// CheckMemberGroups returns the subset of groupIDs the subject belongs to.
// An empty result is a valid answer; only transport or authorization
// failures surface as DirectoryError.
func (client *GraphClient) CheckMemberGroups(ctx context.Context, subjectID string, groupIDs []string, tenantID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/%s/users/%s/checkMemberGroups?api-version=%s",
		client.baseURL, url.PathEscape(tenantID), url.PathEscape(subjectID), client.apiVersion)

	payload, encodeErr := json.Marshal(map[string][]string{"groupIds": groupIDs})
	if encodeErr != nil {
		return nil, &DirectoryError{Op: "check_member_groups", Err: encodeErr}
	}
	body, callErr := client.call(ctx, http.MethodPost, endpoint, tenantID, payload)
	if callErr != nil {
		return nil, &DirectoryError{Op: "check_member_groups", Err: callErr}
	}
	var reply struct {
		Value []string `json:"value"`
	}
	if decodeErr := json.Unmarshal(body, &reply); decodeErr != nil {
		return nil, &DirectoryError{Op: "check_member_groups", Err: decodeErr}
	}
	return reply.Value, nil
}

func (client *GraphClient) call(ctx context.Context, method string, endpoint string, tenantID string, payload []byte) ([]byte, error) {
	accessToken, tokenErr := client.tokens.Token(ctx, tenantID)
	if tokenErr != nil {
		return nil, fmt.Errorf("token_source: %w", tokenErr)
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if requestErr != nil {
		return nil, requestErr
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if readErr != nil {
		return nil, readErr
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	return body, nil
}

// ClientCredentialsTokenSource acquires directory access tokens with the
// client-credentials grant, caching one token per tenant until shortly
// before expiry.
type ClientCredentialsTokenSource struct {
	settings   ProviderSettings
	httpClient *http.Client
	clock      Clock

	mutex  sync.Mutex
	cached map[string]cachedDirectoryToken
}

type cachedDirectoryToken struct {
	token     string
	expiresAt time.Time
}

// NewClientCredentialsTokenSource constructs the default DirectoryTokenSource.
func NewClientCredentialsTokenSource(settings ProviderSettings, clock Clock) *ClientCredentialsTokenSource {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &ClientCredentialsTokenSource{
		settings:   settings,
		httpClient: &http.Client{Timeout: settings.httpTimeout()},
		clock:      clock,
		cached:     make(map[string]cachedDirectoryToken),
	}
}

// Token returns a directory access token for tenantID.
func (source *ClientCredentialsTokenSource) Token(ctx context.Context, tenantID string) (string, error) {
	source.mutex.Lock()
	entry, ok := source.cached[tenantID]
	source.mutex.Unlock()
	if ok && source.clock.Now().Before(entry.expiresAt) {
		return entry.token, nil
	}

	form := url.Values{}
	form.Set("client_id", source.settings.ClientID)
	form.Set("client_secret", source.settings.ClientSecret)
	form.Set("grant_type", "client_credentials")
	if source.settings.DirectoryResource != "" {
		form.Set("resource", source.settings.DirectoryResource)
	}

	endpoint := directoryTokenEndpoint(source.settings.TokenEndpoint, tenantID)
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return "", fmt.Errorf("directory_token.request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, postErr := source.httpClient.Do(request)
	if postErr != nil {
		return "", fmt.Errorf("directory_token.post: %w", postErr)
	}
	defer func() { _ = response.Body.Close() }()

	var reply struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
		ErrorCode   string      `json:"error"`
	}
	if decodeErr := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&reply); decodeErr != nil {
		return "", fmt.Errorf("directory_token.decode: %w", decodeErr)
	}
	if reply.AccessToken == "" {
		return "", fmt.Errorf("directory_token.denied: %s", reply.ErrorCode)
	}

	lifetime := time.Hour
	if seconds, numErr := reply.ExpiresIn.Int64(); numErr == nil && seconds > 60 {
		lifetime = time.Duration(seconds-60) * time.Second
	}
	source.mutex.Lock()
	source.cached[tenantID] = cachedDirectoryToken{token: reply.AccessToken, expiresAt: source.clock.Now().Add(lifetime)}
	source.mutex.Unlock()

	return reply.AccessToken, nil
}

// directoryTokenEndpoint rewrites the "common" tenant path segment of the
// token endpoint to the concrete tenant. Only a whole path segment is
// replaced; hosts or tenants that merely contain "common" are left alone.
func directoryTokenEndpoint(tokenEndpoint string, tenantID string) string {
	parsed, parseErr := url.Parse(tokenEndpoint)
	if parseErr != nil {
		return tokenEndpoint
	}
	segments := strings.Split(parsed.Path, "/")
	for index, segment := range segments {
		if segment == "common" {
			segments[index] = tenantID
			break
		}
	}
	parsed.Path = strings.Join(segments, "/")
	return parsed.String()
}
