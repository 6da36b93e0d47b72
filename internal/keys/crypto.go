package keys

import (
	"encoding/json"
	"strings"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwe"
	"github.com/lestrrat-go/jwx/jws"
	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/model"
)

// SignVC signs the credential with the issuer's "#sign" key as a compact
// ES256 JWS. The signing key is created lazily if bootstrap never ran for
// this issuer.
func (p *Provider) SignVC(issuerDID string, cred *model.Credential) (string, error) {
	kid := issuerDID + "#sign"
	key, err := p.LoadOrCreate(kid, SignOps)
	if err != nil {
		return "", err
	}
	priv, err := RawPrivate(key)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return "", errors.Wrap(err, "serialize credential")
	}
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, kid); err != nil {
		return "", err
	}
	if err := hdrs.Set(jws.TypeKey, "JWT"); err != nil {
		return "", err
	}
	signed, err := jws.Sign(payload, jwa.ES256, priv, jws.WithHeaders(hdrs))
	if err != nil {
		return "", errors.Wrap(err, "sign credential")
	}
	return string(signed), nil
}

// VerifyVC checks an issuer signature produced by SignVC and returns the
// signed credential JSON.
func (p *Provider) VerifyVC(issuerDID, serialized string) ([]byte, error) {
	key, err := p.Load(issuerDID + "#sign")
	if err != nil {
		return nil, err
	}
	priv, err := RawPrivate(key)
	if err != nil {
		return nil, err
	}
	payload, err := jws.Verify([]byte(serialized), jwa.ES256, &priv.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "verify credential signature")
	}
	return payload, nil
}

// EncryptFor seals plaintext to the recipient DID's "#agree" public key
// and splits the compact JWE into its five segments. A missing agreement
// key here is an internal error: the holder cannot invent key material for
// the verifier.
func (p *Provider) EncryptFor(plaintext []byte, did string) (*model.Box, error) {
	key, err := p.Load(did + "#agree")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.Errorf("no agreement key available for %s", did)
		}
		return nil, err
	}
	priv, err := RawPrivate(key)
	if err != nil {
		return nil, err
	}
	sealed, err := jwe.Encrypt(plaintext, p.alg, &priv.PublicKey, p.enc, jwa.NoCompress)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt presentation")
	}
	parts := strings.Split(string(sealed), ".")
	if len(parts) != 5 {
		return nil, errors.Errorf("unexpected JWE segment count %d", len(parts))
	}
	return &model.Box{
		Protected: parts[0],
		Eph:       parts[1],
		Nonce:     parts[2],
		CT:        parts[3],
		Tag:       parts[4],
	}, nil
}

// DecryptFor opens a presentation box with the DID's "#agree" key. When no
// key file exists one is generated on the spot; that recovers a verifier
// whose key directory was lost, though boxes built against the old public
// key will no longer open.
func (p *Provider) DecryptFor(box model.Box, did string) ([]byte, error) {
	key, err := p.LoadOrCreate(did+"#agree", AgreeOps)
	if err != nil {
		return nil, err
	}
	priv, err := RawPrivate(key)
	if err != nil {
		return nil, err
	}
	compact := strings.Join([]string{box.Protected, box.Eph, box.Nonce, box.CT, box.Tag}, ".")
	plaintext, err := jwe.Decrypt([]byte(compact), p.alg, priv)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt presentation")
	}
	return plaintext, nil
}
