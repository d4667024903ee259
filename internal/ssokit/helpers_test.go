package ssokit

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

type staticKeyStore struct {
	keys map[string]crypto.PublicKey
	err  error
}

func (store *staticKeyStore) SigningKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	if store.err != nil {
		return nil, store.err
	}
	key, ok := store.keys[keyID]
	if !ok {
		return nil, ErrUnknownSigningKey
	}
	return key, nil
}

func testSettings() ProviderSettings {
	return ProviderSettings{
		ClientID:              "client-abc",
		ClientSecret:          "secret-xyz",
		AuthorizationEndpoint: "https://login.example.com/common/oauth2/authorize",
		TokenEndpoint:         "https://login.example.com/common/oauth2/token",
		EndSessionEndpoint:    "https://login.example.com/common/oauth2/logout",
		KeySetEndpoint:        "https://login.example.com/common/discovery/keys",
		Issuer:                "https://sts.example.com/tenant-1/",
		Audience:              "client-abc",
		RedirectURI:           "https://app.example.com/auth/callback",
		LogoutRedirectURI:     "https://app.example.com/",
		DefaultRole:           "subscriber",
		RegistrationOpen:      true,
		ClockSkew:             time.Minute,
	}
}

func newTestRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, generateErr := rsa.GenerateKey(rand.Reader, 2048)
	if generateErr != nil {
		t.Fatalf("generate rsa key: %v", generateErr)
	}
	return privateKey
}

func signTestToken(t *testing.T, privateKey *rsa.PrivateKey, keyID string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if keyID != "" {
		token.Header["kid"] = keyID
	}
	signed, signErr := token.SignedString(privateKey)
	if signErr != nil {
		t.Fatalf("sign token: %v", signErr)
	}
	return signed
}

func testKeySetJSON(t *testing.T, keyIDs []string, keys []*rsa.PrivateKey) []byte {
	t.Helper()
	published := jose.JSONWebKeySet{}
	for index, privateKey := range keys {
		published.Keys = append(published.Keys, jose.JSONWebKey{
			Key:       privateKey.Public(),
			KeyID:     keyIDs[index],
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	encoded, encodeErr := json.Marshal(published)
	if encodeErr != nil {
		t.Fatalf("encode key set: %v", encodeErr)
	}
	return encoded
}

func validTokenClaims(settings ProviderSettings, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":         settings.Issuer,
		"aud":         settings.Audience,
		"oid":         "S1",
		"tid":         "T1",
		"upn":         "jane.doe@contoso.example",
		"given_name":  "Jane",
		"family_name": "Doe",
		"iat":         now.Unix(),
		"nbf":         now.Add(-time.Minute).Unix(),
		"exp":         now.Add(time.Hour).Unix(),
	}
}
