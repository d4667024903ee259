package ssokit

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"go.uber.org/zap"
)

// SigningKeyStore resolves a token header key id to public key material.
type SigningKeyStore interface {
	SigningKey(ctx context.Context, keyID string) (crypto.PublicKey, error)
}

type cachedKeySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// RemoteKeySet fetches and caches the provider's published JSON Web Key Set.
//
// The cached set is replaced wholesale on refresh, never mutated in place, so
// readers always observe a complete set. A refresh is attempted when the cache
// is older than the TTL or when a key id is not present; on fetch failure the
// last-known-good set keeps serving until the stale ceiling lapses, after
// which lookups fail with ErrKeyStoreUnavailable. An unresolvable key id is
// always a hard failure.
type RemoteKeySet struct {
	keySetURL  string
	httpClient *http.Client
	clock      Clock
	ttl        time.Duration
	maxStale   time.Duration
	logger     *zap.Logger

	mutex   sync.RWMutex
	current *cachedKeySet
}

// NewRemoteKeySet constructs a RemoteKeySet for the given JWKS endpoint.
func NewRemoteKeySet(settings ProviderSettings, clock Clock, logger *zap.Logger) *RemoteKeySet {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := settings.KeyCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxStale := settings.KeyCacheStale
	if maxStale <= 0 {
		maxStale = 24 * time.Hour
	}
	return &RemoteKeySet{
		keySetURL:  settings.KeySetEndpoint,
		httpClient: &http.Client{Timeout: settings.httpTimeout()},
		clock:      clock,
		ttl:        ttl,
		maxStale:   maxStale,
		logger:     logger,
	}
}

// SigningKey returns the public key for keyID, refreshing the cached set when
// it is stale or the key id is unknown.
func (keySet *RemoteKeySet) SigningKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	snapshot := keySet.snapshot()
	now := keySet.clock.Now()

	if snapshot != nil && now.Sub(snapshot.fetchedAt) < keySet.ttl {
		if key, ok := snapshot.keys[keyID]; ok {
			return key, nil
		}
	}

	refreshed, refreshErr := keySet.refresh(ctx)
	if refreshErr != nil {
		if snapshot != nil && now.Sub(snapshot.fetchedAt) < keySet.maxStale {
			keySet.logger.Warn("serving stale signing key set",
				zap.String("code", "keystore.stale_fallback"),
				zap.Error(refreshErr))
			if key, ok := snapshot.keys[keyID]; ok {
				return key, nil
			}
			return nil, fmt.Errorf("%w: kid %q", ErrUnknownSigningKey, keyID)
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, refreshErr)
	}

	if key, ok := refreshed.keys[keyID]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownSigningKey, keyID)
}

func (keySet *RemoteKeySet) snapshot() *cachedKeySet {
	keySet.mutex.RLock()
	defer keySet.mutex.RUnlock()
	return keySet.current
}

// refresh fetches the key set and swaps the cache. Concurrent refreshes are
// safe: each fetch produces a complete replacement set.
func (keySet *RemoteKeySet) refresh(ctx context.Context) (*cachedKeySet, error) {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, keySet.keySetURL, nil)
	if requestErr != nil {
		return nil, fmt.Errorf("keystore.request: %w", requestErr)
	}
	response, fetchErr := keySet.httpClient.Do(request)
	if fetchErr != nil {
		return nil, fmt.Errorf("keystore.fetch: %w", fetchErr)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keystore.fetch: unexpected status %d", response.StatusCode)
	}

	body, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if readErr != nil {
		return nil, fmt.Errorf("keystore.read: %w", readErr)
	}

	var published jose.JSONWebKeySet
	if decodeErr := json.Unmarshal(body, &published); decodeErr != nil {
		return nil, fmt.Errorf("keystore.decode: %w", decodeErr)
	}

	keys := make(map[string]crypto.PublicKey, len(published.Keys))
	for _, webKey := range published.Keys {
		if webKey.KeyID == "" || !webKey.Valid() || webKey.Use == "enc" {
			continue
		}
		public := webKey.Public()
		keys[webKey.KeyID] = public.Key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keystore.decode: key set contains no usable signing keys")
	}

	replacement := &cachedKeySet{keys: keys, fetchedAt: keySet.clock.Now()}
	keySet.mutex.Lock()
	keySet.current = replacement
	keySet.mutex.Unlock()

	keySet.logger.Info("signing key set refreshed",
		zap.String("code", "keystore.refreshed"),
		zap.Int("keys", len(keys)))
	return replacement, nil
}
