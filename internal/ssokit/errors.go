package ssokit

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken indicates the raw token is not a structurally valid JWT.
	ErrMalformedToken = errors.New("validate.malformed_token")
	// ErrUnknownSigningKey indicates the token's key id is absent from the provider's key set.
	ErrUnknownSigningKey = errors.New("keystore.unknown_key")
	// ErrKeyStoreUnavailable indicates the key set could not be fetched and no usable cached set remains.
	ErrKeyStoreUnavailable = errors.New("keystore.unavailable")
	// ErrAlgorithmNotAllowed indicates the token names a signing algorithm outside the allow-list.
	ErrAlgorithmNotAllowed = errors.New("validate.algorithm_not_allowed")
	// ErrSignatureInvalid indicates the token signature does not verify against the resolved key.
	ErrSignatureInvalid = errors.New("validate.signature_invalid")
	// ErrIssuerMismatch indicates the iss claim differs from the configured issuer.
	ErrIssuerMismatch = errors.New("validate.issuer_mismatch")
	// ErrAudienceMismatch indicates the aud claim does not contain the configured audience.
	ErrAudienceMismatch = errors.New("validate.audience_mismatch")
	// ErrTokenNotYetValid indicates nbf lies in the future beyond the skew tolerance.
	ErrTokenNotYetValid = errors.New("validate.token_not_yet_valid")
	// ErrTokenExpired indicates exp lies in the past beyond the skew tolerance.
	ErrTokenExpired = errors.New("validate.token_expired")
	// ErrMissingSubject indicates the validated token carries no stable subject identifier.
	ErrMissingSubject = errors.New("validate.missing_subject")

	// ErrExchangeUnknown indicates the token endpoint reply matched neither the success nor the error shape.
	ErrExchangeUnknown = errors.New("exchange.unknown_failure")

	// ErrRegistrationClosed indicates no local identity exists and registration policy forbids creating one.
	ErrRegistrationClosed = errors.New("resolve.registration_closed")

	// ErrNoMatchingGroup indicates the subject belongs to none of the configured groups under the
	// require-group policy.
	ErrNoMatchingGroup = errors.New("rolemap.no_matching_group")
)

// ExchangeDeniedError carries the error payload returned by the token endpoint.
type ExchangeDeniedError struct {
	Code        string
	Description string
}

// Error renders the provider's error code and description.
func (exchangeErr *ExchangeDeniedError) Error() string {
	return fmt.Sprintf("exchange.denied.%s: %s", exchangeErr.Code, exchangeErr.Description)
}

// DirectoryError wraps a failed directory graph call with the operation that failed.
type DirectoryError struct {
	Op  string
	Err error
}

// Error renders the failed operation and underlying cause.
func (directoryErr *DirectoryError) Error() string {
	return fmt.Sprintf("directory.%s: %v", directoryErr.Op, directoryErr.Err)
}

// Unwrap exposes the underlying cause.
func (directoryErr *DirectoryError) Unwrap() error {
	return directoryErr.Err
}
