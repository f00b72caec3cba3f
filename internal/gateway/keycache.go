package gateway

import (
	"context"
	"fmt"
	"time"

	internalcache "github.com/darkpool-network/control-plane/internal/cache"
	crypto "github.com/darkpool-network/control-plane/internal/cryptoutil"
)

// keyCacheEntry pairs a decrypted secret with the ApiKey row it came
// from, so the authorizer never re-hits Postgres+AES-GCM on every
// request for the same caller.
type keyCacheEntry struct {
	key    ApiKey
	secret []byte
}

// KeyCache decrypts and caches API-key secrets, fronting Store with a
// short TTL so the authorizer isn't hitting Postgres and AES-GCM on
// every request.
type KeyCache struct {
	store     *Store
	masterKey []byte
	cache     *internalcache.TTLCache
}

func NewKeyCache(store *Store, masterKey []byte, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &KeyCache{store: store, masterKey: masterKey, cache: internalcache.NewTTLCache(ttl)}
}

// Get returns the ApiKey row and its decrypted secret, decrypting (and
// caching) on a miss.
func (c *KeyCache) Get(ctx context.Context, keyID string) (*ApiKey, []byte, error) {
	if v, ok := c.cache.Get(ctx, keyID); ok {
		entry := v.(keyCacheEntry)
		return &entry.key, entry.secret, nil
	}

	key, err := c.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup api key: %w", err)
	}
	secret, err := crypto.DecryptEnvelope(c.masterKey, []byte(key.ID), "api-key-secret", key.EncryptedSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt api key secret: %w", err)
	}

	c.cache.Set(ctx, keyID, keyCacheEntry{key: *key, secret: secret})
	return key, secret, nil
}

// Invalidate drops a cached entry, called after deactivate/whitelist
// mutations so the next request observes the fresh row.
func (c *KeyCache) Invalidate(ctx context.Context, keyID string) {
	c.cache.Delete(ctx, keyID)
}

// EncryptSecret encrypts a newly minted secret for storage, the inverse
// of Get's decryption path.
func EncryptSecret(masterKey []byte, keyID string, secret []byte) ([]byte, error) {
	return crypto.EncryptEnvelope(masterKey, []byte(keyID), "api-key-secret", secret)
}
