// Package challenge issues and consumes the short-lived nonces that bind
// a presentation to its verifier audience.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/kvttl"
	"github.com/ssilab/ssi-service/internal/model"
)

const (
	// TTL bounds both the stored record and the exp claim.
	TTL       = 5 * time.Minute
	nonceSize = 12
	keyPrefix = "ch:"
)

// Validation reasons, surfaced verbatim to callers.
const (
	ReasonOK       = "ok"
	ReasonNotFound = "nonce not found"
	ReasonAud      = "aud mismatch"
	ReasonExpired  = "expired"
)

type record struct {
	Aud string `json:"aud"`
	Exp int64  `json:"exp"`
}

// Manager issues nonces into the expiring store and consumes them at most
// once.
type Manager struct {
	store kvttl.Store
	now   func() time.Time
}

func NewManager(store kvttl.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock overrides the clock; tests use it to force expiry.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue creates a nonce bound to aud, valid for TTL.
func (m *Manager) Issue(ctx context.Context, aud string) (model.Challenge, error) {
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return model.Challenge{}, errors.Wrap(err, "generate nonce")
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)
	exp := m.now().Add(TTL).Unix()

	buf, err := json.Marshal(record{Aud: aud, Exp: exp})
	if err != nil {
		return model.Challenge{}, errors.Wrap(err, "serialize challenge")
	}
	if err := m.store.Set(ctx, keyPrefix+nonce, string(buf), TTL); err != nil {
		return model.Challenge{}, err
	}
	return model.Challenge{Nonce: nonce, Aud: aud, Exp: exp}, nil
}

// Validate checks the nonce against aud and consumes it on success. A
// failed check leaves the nonce in place for retry until its TTL elapses;
// the compare-and-delete makes sure two concurrent validators cannot both
// succeed.
func (m *Manager) Validate(ctx context.Context, nonce, aud string) (bool, string, error) {
	key := keyPrefix + nonce
	value, found, err := m.store.Get(ctx, key)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, ReasonNotFound, nil
	}
	var rec record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return false, "", errors.Wrap(err, "parse challenge record")
	}
	if rec.Aud != aud {
		return false, ReasonAud, nil
	}
	if rec.Exp < m.now().Unix() {
		return false, ReasonExpired, nil
	}
	deleted, err := m.store.CompareAndDelete(ctx, key, value)
	if err != nil {
		return false, "", err
	}
	if !deleted {
		// Lost the race to another validator.
		return false, ReasonNotFound, nil
	}
	return true, ReasonOK, nil
}
