package ssokit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// allowedSigningAlgorithms is the closed list of acceptable ID token
// algorithms. Anything else, "none" included, is rejected before signature
// verification.
var allowedSigningAlgorithms = []string{"RS256", "RS384", "RS512"}

// IDTokenClaims are the validated claims extracted from a provider ID token.
// Immutable once returned.
type IDTokenClaims struct {
	Subject           string
	TenantID          string
	UserPrincipalName string
	GivenName         string
	FamilyName        string
	IssuedAt          time.Time
	NotBefore         time.Time
	ExpiresAt         time.Time
}

type rawIDClaims struct {
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	UserPrincipalName string `json:"upn"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	jwt.RegisteredClaims
}

// TokenValidator verifies a raw ID token and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken string) (*IDTokenClaims, error)
}

// IDTokenValidator checks signature, issuer, audience, and the validity
// window of provider ID tokens. Each failed check maps to its own sentinel
// error; callers never see a generic validation failure.
type IDTokenValidator struct {
	keys     SigningKeyStore
	issuer   string
	audience string
	skew     time.Duration
	clock    Clock
	parser   *jwt.Parser
}

// NewIDTokenValidator constructs a validator bound to one issuer and audience.
func NewIDTokenValidator(settings ProviderSettings, keys SigningKeyStore, clock Clock) *IDTokenValidator {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &IDTokenValidator{
		keys:     keys,
		issuer:   settings.Issuer,
		audience: settings.Audience,
		skew:     settings.clockSkew(),
		clock:    clock,
		parser:   jwt.NewParser(jwt.WithoutClaimsValidation()),
	}
}

// Validate runs the full check sequence against rawToken.
func (validator *IDTokenValidator) Validate(ctx context.Context, rawToken string) (*IDTokenClaims, error) {
	claims := &rawIDClaims{}
	parsed, parseErr := validator.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		return validator.resolveKey(ctx, token)
	})
	if parseErr != nil {
		return nil, validator.mapParseError(parseErr)
	}
	if !parsed.Valid {
		return nil, ErrSignatureInvalid
	}
	return validator.validateClaims(claims)
}

// resolveKey enforces the algorithm allow-list and resolves the header kid
// through the key store. Running both here keeps their failures distinct from
// a bad signature.
func (validator *IDTokenValidator) resolveKey(ctx context.Context, token *jwt.Token) (interface{}, error) {
	algorithm := token.Method.Alg()
	if !algorithmAllowed(algorithm) {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, algorithm)
	}
	keyID, ok := token.Header["kid"].(string)
	if !ok || strings.TrimSpace(keyID) == "" {
		return nil, fmt.Errorf("%w: token header carries no kid", ErrUnknownSigningKey)
	}
	return validator.keys.SigningKey(ctx, keyID)
}

func (validator *IDTokenValidator) mapParseError(parseErr error) error {
	switch {
	case errors.Is(parseErr, ErrAlgorithmNotAllowed),
		errors.Is(parseErr, ErrUnknownSigningKey),
		errors.Is(parseErr, ErrKeyStoreUnavailable):
		return parseErr
	case errors.Is(parseErr, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, parseErr)
	case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, parseErr)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, parseErr)
	}
}

func (validator *IDTokenValidator) validateClaims(claims *rawIDClaims) (*IDTokenClaims, error) {
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, claims.Issuer)
	}
	if !audienceContains(claims.Audience, validator.audience) {
		return nil, fmt.Errorf("%w: expected %q", ErrAudienceMismatch, validator.audience)
	}

	now := validator.clock.Now()
	if claims.NotBefore != nil && now.Add(validator.skew).Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("%w: nbf %s", ErrTokenNotYetValid, claims.NotBefore.Time.UTC().Format(time.RFC3339))
	}
	if claims.ExpiresAt != nil && now.Add(-validator.skew).After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: exp %s", ErrTokenExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}

	subject := claims.ObjectID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return nil, ErrMissingSubject
	}

	validated := &IDTokenClaims{
		Subject:           subject,
		TenantID:          claims.TenantID,
		UserPrincipalName: claims.UserPrincipalName,
		GivenName:         claims.GivenName,
		FamilyName:        claims.FamilyName,
	}
	if claims.IssuedAt != nil {
		validated.IssuedAt = claims.IssuedAt.Time
	}
	if claims.NotBefore != nil {
		validated.NotBefore = claims.NotBefore.Time
	}
	if claims.ExpiresAt != nil {
		validated.ExpiresAt = claims.ExpiresAt.Time
	}
	return validated, nil
}

func algorithmAllowed(algorithm string) bool {
	for _, allowed := range allowedSigningAlgorithms {
		if algorithm == allowed {
			return true
		}
	}
	return false
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, entry := range audience {
		if entry == expected {
			return true
		}
	}
	return false
}
