package ssokit

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are embedded in the host session token minted after a
// successful login decision.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	UserRole        string `json:"user_role"`
	jwt.RegisteredClaims
}

// MintSessionJWT creates a signed HS256 session token for a resolved identity.
func MintSessionJWT(clock Clock, identityID string, username string, userEmail string, userDisplayName string, userRole string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if identityID == "" {
		return "", time.Time{}, errors.New("session.mint: subject must be non-empty")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:          identityID,
		Username:        username,
		UserEmail:       userEmail,
		UserDisplayName: userDisplayName,
		UserRole:        userRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	return signed, expiresAt, err
}

// ParseSessionJWT verifies a session token and returns its claims.
func ParseSessionJWT(rawToken string, issuer string, signingKey []byte) (*SessionClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(rawToken, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, errors.New("session.parse: invalid token")
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || claims.Issuer != issuer {
		return nil, errors.New("session.parse: invalid issuer")
	}
	return claims, nil
}
