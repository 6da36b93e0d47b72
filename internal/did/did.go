// Package did derives did:key identifiers and DID documents from signing
// key material.
//
// The fingerprint is the base64url encoding (no padding) of the raw
// 64-byte X||Y concatenation, truncated to 46 characters. Despite the
// "did:key:z" prefix this is not a multibase/multicodec encoding; the
// identifiers are opaque and only resolvable inside this service. The
// format is frozen because issued DIDs live in the store.
package did

import (
	"crypto/ecdsa"
	"encoding/base64"

	"github.com/lestrrat-go/jwx/jwk"

	"github.com/ssilab/ssi-service/internal/keys"
	"github.com/ssilab/ssi-service/internal/model"
)

const fingerprintLen = 46

// Factory bootstraps DIDs: one signing and one agreement keypair per DID,
// persisted via the key provider.
type Factory struct {
	provider      *keys.Provider
	servicePrefix string
}

func NewFactory(provider *keys.Provider, servicePrefix string) *Factory {
	return &Factory{provider: provider, servicePrefix: servicePrefix}
}

// Fingerprint encodes the uncompressed public coordinates of pub.
func Fingerprint(pub *ecdsa.PublicKey) string {
	size := (pub.Curve.Params().BitSize + 7) / 8
	raw := make([]byte, 2*size)
	pub.X.FillBytes(raw[:size])
	pub.Y.FillBytes(raw[size:])
	return base64.RawURLEncoding.EncodeToString(raw)
}

// FromPublicKey derives the did:key string for a signing public key.
func FromPublicKey(pub *ecdsa.PublicKey) string {
	fp := Fingerprint(pub)
	if len(fp) > fingerprintLen {
		fp = fp[:fingerprintLen]
	}
	return "did:key:z" + fp
}

func coordinate(pub *ecdsa.PublicKey) string {
	size := (pub.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	pub.X.FillBytes(x)
	return base64.RawURLEncoding.EncodeToString(x)
}

// Bootstrap generates the "#sign" and "#agree" keypairs for a new DID and
// returns the identifier with its document. If a concurrent bootstrap of
// the same DID won the key file race, the winner's keys are adopted.
func (f *Factory) Bootstrap() (string, model.DIDDoc, error) {
	var doc model.DIDDoc

	signing, err := f.provider.Generate("", keys.SignOps)
	if err != nil {
		return "", doc, err
	}
	signPriv, err := keys.RawPrivate(signing)
	if err != nil {
		return "", doc, err
	}
	id := FromPublicKey(&signPriv.PublicKey)
	if err := signing.Set(jwk.KeyIDKey, id+"#sign"); err != nil {
		return "", doc, err
	}

	agreement, err := f.provider.Generate(id+"#agree", keys.AgreeOps)
	if err != nil {
		return "", doc, err
	}

	if signing, err = f.provider.Save(id+"#sign", signing); err != nil {
		return "", doc, err
	}
	if agreement, err = f.provider.Save(id+"#agree", agreement); err != nil {
		return "", doc, err
	}

	if signPriv, err = keys.RawPrivate(signing); err != nil {
		return "", doc, err
	}
	agreePriv, err := keys.RawPrivate(agreement)
	if err != nil {
		return "", doc, err
	}

	fp := Fingerprint(&signPriv.PublicKey)
	doc = model.DIDDoc{
		DID:             id,
		PublicSign:      coordinate(&signPriv.PublicKey),
		PublicAgree:     coordinate(&agreePriv.PublicKey),
		ServiceEndpoint: f.servicePrefix + fp[:8],
	}
	return id, doc, nil
}
