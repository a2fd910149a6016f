package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "droughtwatch:ledger:"

// CachedLedger wraps a Ledger with a Redis read-through cache for checksum
// lookups. Cache failures are logged and ignored; the inner ledger stays the
// source of truth.
type CachedLedger struct {
	inner  Ledger
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedLedger wraps inner with a lookup cache. A zero ttl means entries
// never expire until invalidated. The client stays owned by the caller;
// Close releases the inner ledger only.
func NewCachedLedger(inner Ledger, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLedger{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (c *CachedLedger) Prepare(ctx context.Context) error {
	return c.inner.Prepare(ctx)
}

func (c *CachedLedger) Lookup(ctx context.Context, checksum string) (*Entry, error) {
	key := cacheKeyPrefix + checksum
	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var e Entry
		if jsonErr := json.Unmarshal(data, &e); jsonErr == nil {
			return &e, nil
		}
		// Unreadable cache value, fall through to the inner ledger.
		c.invalidate(ctx, checksum)
	} else if err != redis.Nil {
		c.logger.Debug("ledger cache read failed", "checksum", checksum, "error", err)
	}

	e, err := c.inner.Lookup(ctx, checksum)
	if err != nil || e == nil {
		return e, err
	}
	c.store(ctx, checksum, e)
	return e, nil
}

func (c *CachedLedger) MarkProcessed(ctx context.Context, e Entry) error {
	if err := c.inner.MarkProcessed(ctx, e); err != nil {
		return err
	}
	c.invalidate(ctx, e.Checksum)
	return nil
}

func (c *CachedLedger) MarkPredicted(ctx context.Context, checksum, predictionsPath string) error {
	if err := c.inner.MarkPredicted(ctx, checksum, predictionsPath); err != nil {
		return err
	}
	c.invalidate(ctx, checksum)
	return nil
}

func (c *CachedLedger) Unpredicted(ctx context.Context) ([]Entry, error) {
	return c.inner.Unpredicted(ctx)
}

func (c *CachedLedger) Snapshot(ctx context.Context) ([]Entry, error) {
	return c.inner.Snapshot(ctx)
}

func (c *CachedLedger) Close() error {
	return c.inner.Close()
}

func (c *CachedLedger) store(ctx context.Context, checksum string, e *Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+checksum, data, c.ttl).Err(); err != nil {
		c.logger.Debug("ledger cache write failed", "checksum", checksum, "error", err)
	}
}

func (c *CachedLedger) invalidate(ctx context.Context, checksum string) {
	if err := c.client.Del(ctx, cacheKeyPrefix+checksum).Err(); err != nil {
		c.logger.Debug("ledger cache invalidation failed", "checksum", checksum, "error", err)
	}
}
