package ssokit

import (
	"context"
	"errors"
	"fmt"

	"github.com/tyemirov/adsso/internal/identity"
	"go.uber.org/zap"
)

// Status classifies the terminal state of one login attempt.
type Status int

const (
	// StatusDeferred means the request was not an SSO callback at all; any
	// other authentication mechanism may proceed.
	StatusDeferred Status = iota
	// StatusDenied means the attempt terminated with a typed failure.
	StatusDenied
	// StatusAuthenticated means the attempt yielded a local identity.
	StatusAuthenticated
)

// Denial reason codes surfaced to the end user. Details never include secret
// material.
const (
	DenyCodeStateMismatch = "state_mismatch"
	DenyCodeExchange      = "token_exchange_failed"
	DenyCodeInvalidToken  = "invalid_id_token"
	DenyCodeNotRegistered = "user_not_registered"
	DenyCodeNoGroupRole   = "user_not_member_of_required_group"
	DenyCodeDirectory     = "directory_unavailable"
	DenyCodeResolution    = "identity_resolution_failed"
)

// CallbackRequest is the inbound request context of one login attempt.
type CallbackRequest struct {
	Code             string
	State            string
	ErrorCode        string
	ErrorDescription string
}

// Outcome is the typed result of one login attempt.
type Outcome struct {
	Status       Status
	DenialCode   string
	DenialDetail string
	Identity     *identity.LocalIdentity
	Role         string
	Created      bool
}

func deferred() Outcome {
	return Outcome{Status: StatusDeferred}
}

func denied(code string, detail string) Outcome {
	return Outcome{Status: StatusDenied, DenialCode: code, DenialDetail: detail}
}

// Authenticator composes the exchange, validation, resolution, and role
// mapping steps into the end-to-end login decision. One value is constructed
// per process and shared across request contexts; all per-attempt state
// lives on the stack.
type Authenticator struct {
	settings   ProviderSettings
	exchanger  Exchanger
	validator  TokenValidator
	resolver   Resolver
	roles      RoleAssigner
	states     StateStore
	identities identity.Store
	metrics    MetricsRecorder
	logger     *zap.Logger
}

// NewAuthenticator wires the pipeline from its collaborators.
func NewAuthenticator(
	settings ProviderSettings,
	exchanger Exchanger,
	validator TokenValidator,
	resolver Resolver,
	roles RoleAssigner,
	states StateStore,
	identities identity.Store,
	metrics MetricsRecorder,
	logger *zap.Logger,
) *Authenticator {
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		settings:   settings,
		exchanger:  exchanger,
		validator:  validator,
		resolver:   resolver,
		roles:      roles,
		states:     states,
		identities: identities,
		metrics:    metrics,
		logger:     logger,
	}
}

// Authenticate runs the state machine over one callback. Every failure
// terminates the attempt; the user's browser re-initiating login is the only
// recovery path.
func (authenticator *Authenticator) Authenticate(ctx context.Context, request CallbackRequest) Outcome {
	outcome := authenticator.authenticate(ctx, request)
	switch outcome.Status {
	case StatusDeferred:
		authenticator.metrics.Increment(MetricLoginDeferred)
	case StatusDenied:
		authenticator.metrics.Increment(MetricLoginDenied)
		authenticator.metrics.Increment(MetricLoginDenied + "." + outcome.DenialCode)
		authenticator.logger.Warn("login denied",
			zap.String("code", "login.denied"),
			zap.String("reason", outcome.DenialCode),
			zap.String("detail", outcome.DenialDetail))
	case StatusAuthenticated:
		authenticator.metrics.Increment(MetricLoginAuthenticated)
		if outcome.Created {
			authenticator.metrics.Increment(MetricIdentityCreated)
		}
		authenticator.logger.Info("login authenticated",
			zap.String("code", "login.authenticated"),
			zap.String("username", outcome.Identity.Username),
			zap.String("role", outcome.Role),
			zap.Bool("created", outcome.Created))
	}
	return outcome
}

func (authenticator *Authenticator) authenticate(ctx context.Context, request CallbackRequest) Outcome {
	if request.Code == "" {
		if request.ErrorCode != "" {
			return denied(request.ErrorCode,
				fmt.Sprintf("access denied by the identity provider: %s", request.ErrorDescription))
		}
		return deferred()
	}

	if authenticator.settings.RequireState {
		if consumeErr := authenticator.states.Consume(ctx, request.State); consumeErr != nil {
			return denied(DenyCodeStateMismatch, "callback state parameter is missing, unknown, or expired")
		}
	}

	tokens, exchangeErr := authenticator.exchanger.Exchange(ctx, request.Code)
	if exchangeErr != nil {
		var deniedByProvider *ExchangeDeniedError
		if errors.As(exchangeErr, &deniedByProvider) {
			return denied(deniedByProvider.Code,
				fmt.Sprintf("could not obtain an access token: %s", deniedByProvider.Description))
		}
		return denied(DenyCodeExchange, "token endpoint returned an unrecognized reply")
	}

	claims, validateErr := authenticator.validator.Validate(ctx, tokens.IDToken)
	if validateErr != nil {
		return denied(DenyCodeInvalidToken, validateErr.Error())
	}

	resolved, created, resolveErr := authenticator.resolver.Resolve(ctx, claims)
	if resolveErr != nil {
		if errors.Is(resolveErr, ErrRegistrationClosed) {
			return denied(DenyCodeNotRegistered,
				fmt.Sprintf("the authenticated user %s is not a registered user", claims.UserPrincipalName))
		}
		return denied(DenyCodeResolution, resolveErr.Error())
	}

	assignedRole := resolved.Role
	if authenticator.settings.EnableGroupRoles {
		decision, mapErr := authenticator.roles.MapRole(ctx, claims.Subject, claims.TenantID)
		if mapErr != nil {
			if errors.Is(mapErr, ErrNoMatchingGroup) {
				return denied(DenyCodeNoGroupRole,
					fmt.Sprintf("the authenticated user %s is not a member of any group granting a role", claims.UserPrincipalName))
			}
			return denied(DenyCodeDirectory, "group membership could not be determined")
		}
		if updateErr := authenticator.identities.UpdateRole(ctx, resolved.ID, decision.Role); updateErr != nil {
			return denied(DenyCodeResolution, updateErr.Error())
		}
		resolved.Role = decision.Role
		assignedRole = decision.Role
	}

	return Outcome{
		Status:   StatusAuthenticated,
		Identity: resolved,
		Role:     assignedRole,
		Created:  created,
	}
}
