// Package tokens issues and redeems short-lived capability tokens backed by
// an expiring key-value cache. A token binds a random identifier to one
// protected document so callers never see the real storage reference.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means the token is absent or expired. Redemption fails closed.
var ErrNotFound = errors.New("token not found")

// Cache is the expiring key-value store shared by download tokens and OTPs.
// Implementations: RedisCache for production, MemoryCache for tests.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
}

// DownloadGrant is the resource reference bound to a token.
type DownloadGrant struct {
	DocumentGUID    string `json:"document_guid"`
	ApplicationGUID string `json:"application_guid"`
	IssuedBy        string `json:"issued_by"`
}

// Issuer mints and redeems download tokens.
type Issuer struct {
	Cache Cache
	TTL   time.Duration
	// SingleUse deletes the cache entry on successful redeem, so a token
	// authorizes exactly one retrieval. Concurrent redeems race to one
	// winner; with SingleUse off a token stays valid until its TTL lapses.
	SingleUse bool
	NewID     func() string
}

const keyPrefix = "download-token:"

// Issue stores a new grant under a random 128-bit identifier and returns the
// identifier. Cache unavailability surfaces as-is; it is an infrastructure
// fault, not a denial.
func (i Issuer) Issue(ctx context.Context, grant DownloadGrant) (string, error) {
	id := i.newID()
	data, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("marshal grant: %w", err)
	}
	if err := i.Cache.Set(ctx, keyPrefix+id, string(data), i.ttl()); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return id, nil
}

// Redeem exchanges a token identifier for its bound grant, or ErrNotFound.
func (i Issuer) Redeem(ctx context.Context, tokenID string) (DownloadGrant, error) {
	raw, ok, err := i.Cache.Get(ctx, keyPrefix+tokenID)
	if err != nil {
		return DownloadGrant{}, fmt.Errorf("lookup token: %w", err)
	}
	if !ok {
		return DownloadGrant{}, ErrNotFound
	}
	var grant DownloadGrant
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return DownloadGrant{}, fmt.Errorf("decode grant: %w", err)
	}
	if i.SingleUse {
		if err := i.Cache.Del(ctx, keyPrefix+tokenID); err != nil {
			return DownloadGrant{}, fmt.Errorf("invalidate token: %w", err)
		}
	}
	return grant, nil
}

func (i Issuer) newID() string {
	if i.NewID != nil {
		return i.NewID()
	}
	return uuid.New().String()
}

func (i Issuer) ttl() time.Duration {
	if i.TTL > 0 {
		return i.TTL
	}
	return 300 * time.Second
}
