// Package kvttl abstracts the expiring key-value store used for
// challenges, offers and idempotency records. The redis backend is the
// production one; the memory backend serves single-process deployments
// and tests.
package kvttl

import (
	"context"
	"time"
)

// Store is a string-to-string store with per-key TTLs. Consumption
// primitives (GetDel, CompareAndDelete) must be atomic against concurrent
// callers; nonce replay protection hinges on that.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	// GetDel returns and removes the value in one step.
	GetDel(ctx context.Context, key string) (string, bool, error)
	// CompareAndDelete removes the key only while it still holds expected;
	// it reports whether this caller performed the deletion.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	FlushAll(ctx context.Context) error
}
