package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/kvttl"
)

const idemTTL = 24 * time.Hour

// idemCache replays prior responses for repeated issuance requests keyed
// by (Idempotency-Key, route, body hash).
type idemCache struct {
	kv kvttl.Store
}

func newIdemCache(kv kvttl.Store) *idemCache {
	return &idemCache{kv: kv}
}

type idemRecord struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

func idemStorageKey(key, route string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	sum := sha256.Sum256([]byte(key + "\n" + route + "\n" + hex.EncodeToString(bodyHash[:])))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Lookup returns the stored response for an already-processed request.
func (i *idemCache) Lookup(ctx context.Context, key, route string, body []byte) (int, []byte, bool, error) {
	value, found, err := i.kv.Get(ctx, idemStorageKey(key, route, body))
	if err != nil || !found {
		return 0, nil, false, err
	}
	var rec idemRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return 0, nil, false, errors.Wrap(err, "parse idempotency record")
	}
	return rec.Status, rec.Body, true, nil
}

// Store remembers the response of a completed request for 24 hours.
func (i *idemCache) Store(ctx context.Context, key, route string, body []byte, status int, resp []byte) error {
	buf, err := json.Marshal(idemRecord{Status: status, Body: resp})
	if err != nil {
		return errors.Wrap(err, "serialize idempotency record")
	}
	return i.kv.Set(ctx, idemStorageKey(key, route, body), string(buf), idemTTL)
}
