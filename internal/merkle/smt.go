package merkle

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
	merkletree "github.com/iden3/go-merkletree-sql/v2"
	"github.com/iden3/go-merkletree-sql/v2/db/memory"
	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/model"
)

const smtLevels = 64

// SMT commits attributes to a sparse merkle tree keyed by the poseidon
// hash of the attribute name; openings are real inclusion proofs. The
// tree is rebuilt per commitment, so no storage backend is needed beyond
// the in-memory one.
type SMT struct {
	levels int
}

func NewSMT() *SMT {
	return &SMT{levels: smtLevels}
}

// smtOpening is the serialized form of one inclusion proof. Siblings are
// the full padded sibling list so the proof can be reconstructed without
// access to unexported tree internals.
type smtOpening struct {
	Existence bool     `json:"existence"`
	Siblings  []string `json:"siblings"`
	AuxKey    string   `json:"aux_key,omitempty"`
	AuxValue  string   `json:"aux_value,omitempty"`
}

func keyHash(key string) (*big.Int, error) {
	h, err := poseidon.HashBytes([]byte(key))
	if err != nil {
		return nil, errors.Wrapf(err, "hash attribute key %q", key)
	}
	return h, nil
}

func valueHash(value interface{}) (*big.Int, error) {
	canon, err := CanonicalJSON(value)
	if err != nil {
		return nil, err
	}
	h, err := poseidon.HashBytes(canon)
	if err != nil {
		return nil, errors.Wrap(err, "hash attribute value")
	}
	return h, nil
}

// Commit inserts every attribute and generates one proof per entry in
// order.
func (s *SMT) Commit(attrs map[string]interface{}, order []string) (model.Merkle, error) {
	if order == nil {
		order = SortedKeys(attrs)
	}
	ctx := context.Background()
	mt, err := merkletree.NewMerkleTree(ctx, memory.NewMemoryStorage(), s.levels)
	if err != nil {
		return model.Merkle{}, errors.Wrap(err, "build merkle tree")
	}
	for _, key := range order {
		k, err := keyHash(key)
		if err != nil {
			return model.Merkle{}, err
		}
		v, err := valueHash(attrs[key])
		if err != nil {
			return model.Merkle{}, err
		}
		if err := mt.Add(ctx, k, v); err != nil {
			return model.Merkle{}, errors.Wrapf(err, "insert attribute %q", key)
		}
	}

	root := mt.Root()
	paths := make([]json.RawMessage, len(order))
	for i, key := range order {
		k, err := keyHash(key)
		if err != nil {
			return model.Merkle{}, err
		}
		proof, _, err := mt.GenerateProof(ctx, k, root)
		if err != nil {
			return model.Merkle{}, errors.Wrapf(err, "prove attribute %q", key)
		}
		raw, err := json.Marshal(encodeOpening(proof))
		if err != nil {
			return model.Merkle{}, err
		}
		paths[i] = raw
	}
	return model.Merkle{Order: order, Root: root.Hex(), Paths: paths}, nil
}

func encodeOpening(proof *merkletree.Proof) smtOpening {
	siblings := proof.AllSiblings()
	out := smtOpening{
		Existence: proof.Existence,
		Siblings:  make([]string, len(siblings)),
	}
	for i, sib := range siblings {
		out.Siblings[i] = sib.Hex()
	}
	if proof.NodeAux != nil {
		out.AuxKey = proof.NodeAux.Key.Hex()
		out.AuxValue = proof.NodeAux.Value.Hex()
	}
	return out
}

func decodeOpening(raw json.RawMessage) (*merkletree.Proof, error) {
	var enc smtOpening
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, err
	}
	siblings := make([]*merkletree.Hash, len(enc.Siblings))
	for i, hex := range enc.Siblings {
		h, err := merkletree.NewHashFromHex(hex)
		if err != nil {
			return nil, err
		}
		siblings[i] = h
	}
	var aux *merkletree.NodeAux
	if enc.AuxKey != "" {
		k, err := merkletree.NewHashFromHex(enc.AuxKey)
		if err != nil {
			return nil, err
		}
		v, err := merkletree.NewHashFromHex(enc.AuxValue)
		if err != nil {
			return nil, err
		}
		aux = &merkletree.NodeAux{Key: k, Value: v}
	}
	return merkletree.NewProofFromData(enc.Existence, siblings, aux)
}

// Verify checks an inclusion proof for every revealed attribute against
// the committed root. Any malformed input fails closed.
func (s *SMT) Verify(root string, order []string, proofs []json.RawMessage, revealed map[string]interface{}) bool {
	rootHash, err := merkletree.NewHashFromHex(root)
	if err != nil {
		return false
	}
	index := make(map[string]int, len(order))
	for i, key := range order {
		index[key] = i
	}
	for key, value := range revealed {
		i, ok := index[key]
		if !ok || i >= len(proofs) {
			return false
		}
		proof, err := decodeOpening(proofs[i])
		if err != nil || !proof.Existence {
			return false
		}
		k, err := keyHash(key)
		if err != nil {
			return false
		}
		v, err := valueHash(value)
		if err != nil {
			return false
		}
		if !merkletree.VerifyProof(rootHash, proof, k, v) {
			return false
		}
	}
	return true
}
