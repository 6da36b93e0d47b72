// Package merkle commits credential attributes to a root digest with
// per-field openings, and verifies openings during presentation checks.
//
// Two schemes exist behind one interface. The default "stub" scheme is a
// flat commitment: leaves are hashed in key order and the root digests
// their concatenation; the openings are fixed placeholders and the
// verifier accepts unconditionally. Its wire shape is frozen because
// stored credentials depend on it. The "smt" scheme replaces the placeholders
// with real sparse-merkle-tree inclusion proofs.
package merkle

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/model"
)

// Scheme binds attribute maps to a commitment and checks disclosed values
// against it.
type Scheme interface {
	Commit(attrs map[string]interface{}, order []string) (model.Merkle, error)
	Verify(root string, order []string, proofs []json.RawMessage, revealed map[string]interface{}) bool
}

// ForMode returns the scheme selected by MERKLE_MODE.
func ForMode(mode string) (Scheme, error) {
	switch mode {
	case "", "stub":
		return Stub{}, nil
	case "smt":
		return NewSMT(), nil
	}
	return nil, errors.Errorf("unknown merkle mode %q", mode)
}

// CanonicalJSON serializes v with object keys sorted ascending and no
// insignificant whitespace. encoding/json already emits exactly that for
// map-backed values, which is why no canonicalization library is needed.
func CanonicalJSON(v interface{}) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize attribute value")
	}
	return buf, nil
}

// SortedKeys is the default leaf order: byte-wise ascending attribute keys.
func SortedKeys(attrs map[string]interface{}) []string {
	order := make([]string, 0, len(attrs))
	for k := range attrs {
		order = append(order, k)
	}
	sort.Strings(order)
	return order
}

// Leaf digests a single attribute as SHA-256("<key>:" + canonicalJSON(value)).
func Leaf(key string, value interface{}) ([]byte, error) {
	canon, err := CanonicalJSON(value)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{':'})
	h.Write(canon)
	return h.Sum(nil), nil
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Stub is the flat commitment with placeholder openings.
type Stub struct{}

var stubPath = func() json.RawMessage {
	left := sha256.Sum256([]byte("left"))
	right := sha256.Sum256([]byte("right"))
	raw, err := json.Marshal([][2]string{
		{b64url(left[:]), "L"},
		{b64url(right[:]), "R"},
	})
	if err != nil {
		panic(err)
	}
	return raw
}()

// Commit hashes the leaves in order and digests their concatenation.
func (Stub) Commit(attrs map[string]interface{}, order []string) (model.Merkle, error) {
	if order == nil {
		order = SortedKeys(attrs)
	}
	root := sha256.New()
	paths := make([]json.RawMessage, len(order))
	for i, key := range order {
		leaf, err := Leaf(key, attrs[key])
		if err != nil {
			return model.Merkle{}, err
		}
		root.Write(leaf)
		paths[i] = stubPath
	}
	return model.Merkle{
		Order: order,
		Root:  b64url(root.Sum(nil)),
		Paths: paths,
	}, nil
}

// Verify accepts every opening. The placeholder paths carry no
// information; the call site exists so a real scheme can be swapped in
// without touching the verification pipeline.
func (Stub) Verify(string, []string, []json.RawMessage, map[string]interface{}) bool {
	return true
}
