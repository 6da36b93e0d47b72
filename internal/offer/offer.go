// Package offer stores single-use issuance coupons: a challenge string an
// issuer pre-registers so a wallet can claim a credential within a TTL.
package offer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/kvttl"
	"github.com/ssilab/ssi-service/internal/model"
)

const (
	keyPrefix  = "offer:"
	DefaultTTL = 600
	MaxTTL     = 86400
)

// ErrNotFound means the coupon is absent, expired, or already claimed.
var ErrNotFound = errors.New("offer not found or expired")

type record struct {
	model.Offer
	// Deadline is the absolute expiry; Restore derives the remaining TTL
	// from it because Take has already destroyed the store's own timer.
	Deadline int64 `json:"deadline"`
}

// Store keeps offers in the expiring KV store.
type Store struct {
	kv  kvttl.Store
	now func() time.Time
}

func NewStore(kv kvttl.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

// ClampTTL applies the operator policy to a requested ttl_seconds.
func ClampTTL(requested *int) int {
	ttl := DefaultTTL
	if requested != nil {
		ttl = *requested
	}
	if ttl < 1 {
		ttl = 1
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return ttl
}

// Put registers the coupon under its challenge for o.TTLSeconds.
func (s *Store) Put(ctx context.Context, o model.Offer) error {
	ttl := time.Duration(o.TTLSeconds) * time.Second
	rec := record{Offer: o, Deadline: s.now().Add(ttl).Unix()}
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "serialize offer")
	}
	return s.kv.Set(ctx, keyPrefix+o.Challenge, string(buf), ttl)
}

// Taken is a coupon removed from the store, still carrying its original
// deadline so a failed claim can put it back with the remaining validity.
type Taken struct {
	Offer    model.Offer
	Deadline int64
}

// Take atomically removes and returns the coupon. The caller owns it from
// here: either the claim completes, or Restore puts it back.
func (s *Store) Take(ctx context.Context, challenge string) (*Taken, error) {
	value, found, err := s.kv.GetDel(ctx, keyPrefix+challenge)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	var rec record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, errors.Wrap(err, "parse offer record")
	}
	if rec.Deadline < s.now().Unix() {
		return nil, ErrNotFound
	}
	return &Taken{Offer: rec.Offer, Deadline: rec.Deadline}, nil
}

// Restore re-registers a taken coupon for whatever validity it had left.
// Used when the claim fails after Take so the holder may retry.
func (s *Store) Restore(ctx context.Context, t *Taken) error {
	if t == nil {
		return nil
	}
	remaining := time.Until(time.Unix(t.Deadline, 0))
	if remaining <= 0 {
		return nil
	}
	buf, err := json.Marshal(record{Offer: t.Offer, Deadline: t.Deadline})
	if err != nil {
		return errors.Wrap(err, "serialize offer")
	}
	return s.kv.Set(ctx, keyPrefix+t.Offer.Challenge, string(buf), remaining)
}
