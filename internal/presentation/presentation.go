// Package presentation assembles selective-disclosure presentations on
// the holder side and runs the verifier's acceptance pipeline:
// decrypt, challenge, revocation, proof.
package presentation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/challenge"
	"github.com/ssilab/ssi-service/internal/keys"
	"github.com/ssilab/ssi-service/internal/merkle"
	"github.com/ssilab/ssi-service/internal/model"
)

// Validity of the informational exp claim; the enforced bound is the
// challenge TTL.
const validity = 5 * time.Minute

// RejectError marks a presentation the verifier refused for a protocol
// reason (bad challenge, revoked credential, failed proof, undecryptable
// box). The HTTP layer turns these into 400s; everything else is a 500.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

// Reject builds a RejectError.
func Reject(reason string) error { return &RejectError{Reason: reason} }

// StatusReader answers revocation queries; implemented by the storage
// layer.
type StatusReader interface {
	IsRevoked(ctx context.Context, listID string, idx int) (bool, error)
}

// Builder composes and encrypts presentations for a holder.
type Builder struct {
	keys       *keys.Provider
	challenges *challenge.Manager
	scheme     merkle.Scheme
	now        func() time.Time
}

func NewBuilder(kp *keys.Provider, ch *challenge.Manager, scheme merkle.Scheme) *Builder {
	return &Builder{keys: kp, challenges: ch, scheme: scheme, now: time.Now}
}

// Build selects the revealed attributes, binds a fresh nonce to the
// verifier's DID and seals the payload to the verifier's agreement key.
// Reveal fields absent from the credential are skipped silently.
func (b *Builder) Build(ctx context.Context, verifierDoc model.DIDDoc, cred *model.Credential, revealFields []string) (*model.Box, error) {
	revealed := make(map[string]interface{}, len(revealFields))
	for _, field := range revealFields {
		if v, ok := cred.Attrs[field]; ok {
			revealed[field] = v
		}
	}

	ch, err := b.challenges.Issue(ctx, verifierDoc.DID)
	if err != nil {
		return nil, err
	}

	now := b.now().Unix()
	payload := model.PresentationPayload{
		Aud:   verifierDoc.DID,
		IAT:   now,
		Exp:   now + int64(validity.Seconds()),
		Nonce: ch.Nonce,
		Cred: model.PresentedCredential{
			ID:       cred.ID,
			Issuer:   cred.Issuer,
			Subject:  cred.Subject,
			Schema:   cred.Schema,
			Status:   cred.Status,
			Root:     cred.Merkle.Root,
			Order:    cred.Merkle.Order,
			Proofs:   cred.Merkle.Paths,
			Revealed: revealed,
		},
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "serialize presentation")
	}
	return b.keys.EncryptFor(plaintext, verifierDoc.DID)
}

// Verifier runs the acceptance pipeline for inbound presentation boxes.
type Verifier struct {
	keys       *keys.Provider
	challenges *challenge.Manager
	status     StatusReader
	scheme     merkle.Scheme
}

func NewVerifier(kp *keys.Provider, ch *challenge.Manager, status StatusReader, scheme merkle.Scheme) *Verifier {
	return &Verifier{keys: kp, challenges: ch, status: status, scheme: scheme}
}

// Verify decrypts the box with the verifier's agreement key, consumes the
// challenge, checks revocation and verifies the disclosed attributes
// against the merkle commitment. A rejected presentation cannot be
// retried; the holder has to build a new one.
func (v *Verifier) Verify(ctx context.Context, verifierDID string, box model.Box) (*model.VerifyResult, error) {
	plaintext, err := v.keys.DecryptFor(box, verifierDID)
	if err != nil {
		// Deliberately generic: decryption failures must not leak more
		// than the fact of failure.
		return nil, Reject("decryption failed")
	}

	var payload model.PresentationPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, Reject("malformed presentation payload")
	}

	ok, reason, err := v.challenges.Validate(ctx, payload.Nonce, payload.Aud)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Reject("challenge invalid: " + reason)
	}

	revoked, err := v.status.IsRevoked(ctx, payload.Cred.Status.ListID, payload.Cred.Status.Index)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, Reject("credential revoked")
	}

	if !v.scheme.Verify(payload.Cred.Root, payload.Cred.Order, payload.Cred.Proofs, payload.Cred.Revealed) {
		return nil, Reject("merkle proof failed")
	}

	return &model.VerifyResult{
		OK:        true,
		Message:   "verified OK",
		Disclosed: payload.Cred.Revealed,
	}, nil
}
