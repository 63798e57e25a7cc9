// Package cache is the local bookkeeping layer: which purchase tokens were
// already accepted by the backend, and the last authoritative customer-info
// snapshot per app-user-id. All state lives behind the opaque KeyValueStore.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
	"github.com/subwise/subwise-go/internal/storage"
)

const (
	postedTokensKey       = "subwise.postedTokens"
	customerInfoKeyPrefix = "subwise.customerInfo."
)

// HashToken derives the stable hash under which a purchase token is tracked.
func HashToken(token string) model.TokenHash {
	sum := sha256.Sum256([]byte(token))
	return model.TokenHash(hex.EncodeToString(sum[:]))
}

// DeviceCache serializes all mutation through a single writer lock so readers
// never observe a partial update of the token set or the snapshot.
type DeviceCache struct {
	mu    sync.Mutex
	store storage.KeyValueStore
	log   *zap.Logger
}

// New constructs a cache over the given store.
func New(store storage.KeyValueStore, log *zap.Logger) *DeviceCache {
	return &DeviceCache{store: store, log: log}
}

// AddSuccessfullyPostedToken records a token as accepted by the backend.
// Idempotent: inserting an already-present token is a no-op.
func (c *DeviceCache) AddSuccessfullyPostedToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes, err := c.loadTokenHashes(ctx)
	if err != nil {
		return err
	}
	h := HashToken(token)
	if _, ok := hashes[h]; ok {
		return nil
	}
	c.log.Debug("caching posted token", zap.String("tokenHash", string(h)))
	hashes[h] = struct{}{}
	return c.saveTokenHashes(ctx, hashes)
}

// CleanPreviouslySentTokens prunes cached hashes absent from the live billing
// queue. The queue is the ground truth for relevance: a token that left it no
// longer needs bookkeeping.
func (c *DeviceCache) CleanPreviouslySentTokens(ctx context.Context, live map[model.TokenHash]struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes, err := c.loadTokenHashes(ctx)
	if err != nil {
		return err
	}
	pruned := false
	for h := range hashes {
		if _, ok := live[h]; !ok {
			delete(hashes, h)
			pruned = true
		}
	}
	if !pruned {
		return nil
	}
	return c.saveTokenHashes(ctx, hashes)
}

// ActivePurchasesNotInCache returns the transactions whose token hash has not
// been posted yet, preserving the order of the input queue snapshot.
func (c *DeviceCache) ActivePurchasesNotInCache(
	ctx context.Context, live []model.HashedPurchase,
) ([]model.StoreTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes, err := c.loadTokenHashes(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.StoreTransaction
	for _, p := range live {
		if _, posted := hashes[p.Hash]; !posted {
			out = append(out, p.Transaction)
		}
	}
	return out, nil
}

// CacheCustomerInfo replaces the cached snapshot for appUserID wholesale.
func (c *DeviceCache) CacheCustomerInfo(ctx context.Context, appUserID string, info model.CustomerInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal customer info: %w", err)
	}
	return c.store.Put(ctx, customerInfoKeyPrefix+appUserID, raw)
}

// CachedCustomerInfo returns the cached snapshot, or errs.ErrNotFound.
func (c *DeviceCache) CachedCustomerInfo(ctx context.Context, appUserID string) (*model.CustomerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.store.Get(ctx, customerInfoKeyPrefix+appUserID)
	if err != nil {
		return nil, err
	}
	var info model.CustomerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errs.Wrap(errs.KindCustomerInfo, "cached snapshot corrupted", err)
	}
	return &info, nil
}

// ClearCustomerInfo drops the cached snapshot for appUserID.
func (c *DeviceCache) ClearCustomerInfo(ctx context.Context, appUserID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Remove(ctx, customerInfoKeyPrefix+appUserID)
}

func (c *DeviceCache) loadTokenHashes(ctx context.Context) (map[model.TokenHash]struct{}, error) {
	raw, err := c.store.Get(ctx, postedTokensKey)
	if errors.Is(err, errs.ErrNotFound) {
		return make(map[model.TokenHash]struct{}), nil
	}
	if err != nil {
		return nil, err
	}
	var list []model.TokenHash
	if err := json.Unmarshal(raw, &list); err != nil {
		// A corrupted token set is rebuilt from scratch; worst case some
		// purchases get re-posted and the backend dedupes them.
		c.log.Warn("posted token set corrupted, resetting", zap.Error(err))
		return make(map[model.TokenHash]struct{}), nil
	}
	set := make(map[model.TokenHash]struct{}, len(list))
	for _, h := range list {
		set[h] = struct{}{}
	}
	return set, nil
}

func (c *DeviceCache) saveTokenHashes(ctx context.Context, set map[model.TokenHash]struct{}) error {
	list := make([]model.TokenHash, 0, len(set))
	for h := range set {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, postedTokensKey, raw)
}
