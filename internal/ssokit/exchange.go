package ssokit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// TokenSet is the transient result of one authorization-code exchange. It is
// never persisted.
type TokenSet struct {
	AccessToken string
	IDToken     string
	ExpiresIn   int64
}

// Exchanger swaps an authorization code for a token set.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (*TokenSet, error)
}

// CodeExchanger performs the server-to-server authorization-code grant
// against the provider's token endpoint. A failed exchange is never retried:
// the code is single-use, so the caller surfaces the failure and the user
// re-initiates login.
type CodeExchanger struct {
	settings   ProviderSettings
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCodeExchanger constructs a CodeExchanger with a bounded HTTP timeout.
func NewCodeExchanger(settings ProviderSettings, logger *zap.Logger) *CodeExchanger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeExchanger{
		settings:   settings,
		httpClient: &http.Client{Timeout: settings.httpTimeout()},
		logger:     logger,
	}
}

type tokenEndpointReply struct {
	AccessToken      string      `json:"access_token"`
	IDToken          string      `json:"id_token"`
	ExpiresIn        json.Number `json:"expires_in"`
	ErrorCode        string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

// Exchange posts the code and interprets the reply: a body with access_token
// is success, a body with error is a typed denial, anything else is unknown.
func (exchanger *CodeExchanger) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("client_id", exchanger.settings.ClientID)
	form.Set("client_secret", exchanger.settings.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", exchanger.settings.RedirectURI)
	form.Set("grant_type", "authorization_code")
	if exchanger.settings.DirectoryResource != "" {
		form.Set("resource", exchanger.settings.DirectoryResource)
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, exchanger.settings.TokenEndpoint, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeUnknown, requestErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, postErr := exchanger.httpClient.Do(request)
	if postErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeUnknown, postErr)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if readErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeUnknown, readErr)
	}

	var reply tokenEndpointReply
	if decodeErr := json.Unmarshal(body, &reply); decodeErr != nil {
		return nil, fmt.Errorf("%w: undecodable reply with status %d", ErrExchangeUnknown, response.StatusCode)
	}

	if reply.AccessToken != "" {
		expiresIn, _ := reply.ExpiresIn.Int64()
		return &TokenSet{
			AccessToken: reply.AccessToken,
			IDToken:     reply.IDToken,
			ExpiresIn:   expiresIn,
		}, nil
	}

	if reply.ErrorCode != "" {
		exchanger.logger.Warn("token endpoint denied the exchange",
			zap.String("code", "exchange.denied"),
			zap.String("provider_error", reply.ErrorCode))
		return nil, &ExchangeDeniedError{Code: reply.ErrorCode, Description: reply.ErrorDescription}
	}

	return nil, fmt.Errorf("%w: reply carried neither access_token nor error", ErrExchangeUnknown)
}
