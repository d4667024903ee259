package ssokit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/adsso/internal/identity"
	"go.uber.org/zap"
)

// defaultEmailKeyOrder is the priority order of profile attributes consulted
// when deriving the provisioned account's email address.
var defaultEmailKeyOrder = []string{"proxyAddresses", "mail", "otherMails", "userPrincipalName"}

// disambiguationPrefix prefixes the subject id when the derived username is
// already held by a different subject.
const disambiguationPrefix = "aadsso-"

// UsernameDeriver produces the candidate local username for a validated
// token. The default takes the local part of the user principal name.
type UsernameDeriver func(claims *IDTokenClaims) string

// NewIdentityOverride may supply a pre-built identity instead of the default
// provisioning path. Returning nil, nil falls through to default creation.
type NewIdentityOverride func(ctx context.Context, candidate *identity.LocalIdentity, claims *IDTokenClaims) (*identity.LocalIdentity, error)

// FoundIdentityHook observes every successfully resolved identity.
type FoundIdentityHook func(ctx context.Context, found *identity.LocalIdentity, claims *IDTokenClaims) error

// Resolver maps a validated token subject onto a local identity.
type Resolver interface {
	Resolve(ctx context.Context, claims *IDTokenClaims) (resolved *identity.LocalIdentity, created bool, err error)
}

// IdentityResolver looks up the local identity for a verified subject,
// provisioning one when registration policy allows. Creation happens at most
// once per subject; the store's uniqueness constraint backs that up.
type IdentityResolver struct {
	store     identity.Store
	directory DirectoryClient
	settings  ProviderSettings
	logger    *zap.Logger

	emailKeyOrder       []string
	deriveUsername      UsernameDeriver
	newIdentityOverride NewIdentityOverride
	foundIdentityHook   FoundIdentityHook
}

// ResolverOption customizes an IdentityResolver.
type ResolverOption func(*IdentityResolver)

// WithEmailKeyOrder overrides the profile attribute priority for email
// derivation.
func WithEmailKeyOrder(order []string) ResolverOption {
	return func(resolver *IdentityResolver) {
		if len(order) > 0 {
			resolver.emailKeyOrder = order
		}
	}
}

// WithUsernameDeriver overrides the username derivation strategy.
func WithUsernameDeriver(derive UsernameDeriver) ResolverOption {
	return func(resolver *IdentityResolver) {
		if derive != nil {
			resolver.deriveUsername = derive
		}
	}
}

// WithNewIdentityOverride installs a creation override strategy.
func WithNewIdentityOverride(override NewIdentityOverride) ResolverOption {
	return func(resolver *IdentityResolver) {
		resolver.newIdentityOverride = override
	}
}

// WithFoundIdentityHook installs a post-resolution observer.
func WithFoundIdentityHook(hook FoundIdentityHook) ResolverOption {
	return func(resolver *IdentityResolver) {
		resolver.foundIdentityHook = hook
	}
}

// NewIdentityResolver constructs a resolver with the default strategies.
func NewIdentityResolver(settings ProviderSettings, store identity.Store, directory DirectoryClient, logger *zap.Logger, options ...ResolverOption) *IdentityResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := &IdentityResolver{
		store:          store,
		directory:      directory,
		settings:       settings,
		logger:         logger,
		emailKeyOrder:  defaultEmailKeyOrder,
		deriveUsername: DefaultUsernameDeriver,
	}
	for _, option := range options {
		option(resolver)
	}
	return resolver
}

// DefaultUsernameDeriver returns the local part of the user principal name.
func DefaultUsernameDeriver(claims *IDTokenClaims) string {
	localPart, _, _ := strings.Cut(claims.UserPrincipalName, "@")
	return localPart
}

// Resolve returns the existing identity for the subject, or provisions one
// when registration policy allows. The boolean reports whether a new
// identity was created.
func (resolver *IdentityResolver) Resolve(ctx context.Context, claims *IDTokenClaims) (*identity.LocalIdentity, bool, error) {
	existing, lookupErr := resolver.store.FindBySubject(ctx, claims.Subject)
	if lookupErr == nil {
		if hookErr := resolver.runFoundHook(ctx, existing, claims); hookErr != nil {
			return nil, false, hookErr
		}
		return existing, false, nil
	}
	if !errors.Is(lookupErr, identity.ErrIdentityNotFound) {
		return nil, false, fmt.Errorf("resolve.lookup: %w", lookupErr)
	}

	if !resolver.settings.RegistrationOpen && !resolver.settings.OverrideRegistration {
		return nil, false, fmt.Errorf("%w: subject %s", ErrRegistrationClosed, claims.Subject)
	}

	candidate, buildErr := resolver.buildCandidate(ctx, claims)
	if buildErr != nil {
		return nil, false, buildErr
	}

	if resolver.newIdentityOverride != nil {
		overridden, overrideErr := resolver.newIdentityOverride(ctx, candidate, claims)
		if overrideErr != nil {
			return nil, false, fmt.Errorf("resolve.override: %w", overrideErr)
		}
		if overridden != nil {
			if hookErr := resolver.runFoundHook(ctx, overridden, claims); hookErr != nil {
				return nil, false, hookErr
			}
			return overridden, false, nil
		}
	}

	createErr := resolver.store.Create(ctx, candidate)
	if createErr != nil {
		// Lost a provisioning race for the same subject: the winner's record is
		// authoritative.
		if errors.Is(createErr, identity.ErrSubjectTaken) {
			winner, refetchErr := resolver.store.FindBySubject(ctx, claims.Subject)
			if refetchErr != nil {
				return nil, false, fmt.Errorf("resolve.refetch: %w", refetchErr)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("resolve.create: %w", createErr)
	}

	resolver.logger.Info("provisioned new identity",
		zap.String("code", "resolve.identity_created"),
		zap.String("username", candidate.Username))

	if hookErr := resolver.runFoundHook(ctx, candidate, claims); hookErr != nil {
		return nil, false, hookErr
	}
	return candidate, true, nil
}

func (resolver *IdentityResolver) buildCandidate(ctx context.Context, claims *IDTokenClaims) (*identity.LocalIdentity, error) {
	username := resolver.deriveUsername(claims)
	if username == "" {
		username = disambiguationPrefix + claims.Subject
	}

	holder, holderErr := resolver.store.FindByUsername(ctx, username)
	if holderErr == nil && holder != nil && holder.Subject != claims.Subject {
		username = disambiguationPrefix + claims.Subject
	} else if holderErr != nil && !errors.Is(holderErr, identity.ErrIdentityNotFound) {
		return nil, fmt.Errorf("resolve.username_check: %w", holderErr)
	}

	displayName := claims.GivenName
	if claims.GivenName != "" && claims.FamilyName != "" {
		displayName = claims.GivenName + " " + claims.FamilyName
	}

	return &identity.LocalIdentity{
		Username:    username,
		Email:       resolver.deriveEmail(ctx, claims),
		DisplayName: displayName,
		GivenName:   claims.GivenName,
		FamilyName:  claims.FamilyName,
		Role:        resolver.settings.DefaultRole,
		Subject:     claims.Subject,
		TenantID:    claims.TenantID,
	}, nil
}

// deriveEmail walks the configured profile attributes in priority order,
// taking the first entry of list-valued attributes. Any directory failure
// falls back to the token's user principal name.
func (resolver *IdentityResolver) deriveEmail(ctx context.Context, claims *IDTokenClaims) string {
	profile, profileErr := resolver.directory.Profile(ctx, claims.TenantID)
	if profileErr != nil {
		resolver.logger.Warn("directory profile unavailable, falling back to upn",
			zap.String("code", "resolve.email_fallback"),
			zap.Error(profileErr))
		return claims.UserPrincipalName
	}

	for _, key := range resolver.emailKeyOrder {
		switch key {
		case "proxyAddresses":
			if len(profile.ProxyAddresses) > 0 && profile.ProxyAddresses[0] != "" {
				return profile.ProxyAddresses[0]
			}
		case "mail":
			if profile.Mail != "" {
				return profile.Mail
			}
		case "otherMails":
			if len(profile.OtherMails) > 0 && profile.OtherMails[0] != "" {
				return profile.OtherMails[0]
			}
		case "userPrincipalName":
			if profile.UserPrincipalName != "" {
				return profile.UserPrincipalName
			}
		}
	}
	return claims.UserPrincipalName
}

func (resolver *IdentityResolver) runFoundHook(ctx context.Context, found *identity.LocalIdentity, claims *IDTokenClaims) error {
	if resolver.foundIdentityHook == nil {
		return nil
	}
	if hookErr := resolver.foundIdentityHook(ctx, found, claims); hookErr != nil {
		return fmt.Errorf("resolve.found_hook: %w", hookErr)
	}
	return nil
}
