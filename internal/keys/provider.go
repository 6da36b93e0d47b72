// Package keys manages per-DID keypairs as private JWK files and exposes
// the JWS/JWE operations built on them.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Load when no key file exists for a kid.
var ErrNotFound = errors.New("key not found")

// SignOps are the key_ops of a "#sign" key.
var SignOps = jwk.KeyOperationList{jwk.KeyOpSign, jwk.KeyOpVerify}

// AgreeOps are the key_ops of a "#agree" key.
var AgreeOps = jwk.KeyOperationList{
	jwk.KeyOpDeriveKey, jwk.KeyOpDeriveBits,
	jwk.KeyOpWrapKey, jwk.KeyOpUnwrapKey,
	jwk.KeyOpEncrypt, jwk.KeyOpDecrypt,
}

// Provider stores one private JWK per kid under a local directory. The
// store is local, so I/O errors other than not-found are fatal to the
// operation and never retried.
type Provider struct {
	dir   string
	curve elliptic.Curve
	alg   jwa.KeyEncryptionAlgorithm
	enc   jwa.ContentEncryptionAlgorithm
}

// NewProvider creates the key directory if needed. curve is a JWK curve
// name (P-256, P-384, P-521); alg/enc are the JWE algorithms used for
// presentation boxes.
func NewProvider(dir, curve, alg, enc string) (*Provider, error) {
	c, err := curveByName(curve)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create key directory")
	}
	return &Provider{
		dir:   dir,
		curve: c,
		alg:   jwa.KeyEncryptionAlgorithm(alg),
		enc:   jwa.ContentEncryptionAlgorithm(enc),
	}, nil
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	}
	return nil, errors.Errorf("unsupported JWK curve %q", name)
}

// Generate creates a fresh EC keypair tagged with kid and key_ops. The key
// is not persisted; use Save for that.
func (p *Provider) Generate(kid string, ops jwk.KeyOperationList) (jwk.Key, error) {
	raw, err := ecdsa.GenerateKey(p.curve, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate keypair")
	}
	key, err := jwk.New(raw)
	if err != nil {
		return nil, errors.Wrap(err, "wrap keypair as JWK")
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyOpsKey, ops); err != nil {
		return nil, err
	}
	return key, nil
}

// Save persists key under "<kid>.json" with create-if-absent semantics.
// If another writer got there first the new key is discarded and the
// winner's key is returned, so a kid never maps to two keypairs.
func (p *Provider) Save(kid string, key jwk.Key) (jwk.Key, error) {
	buf, err := json.Marshal(key)
	if err != nil {
		return nil, errors.Wrap(err, "serialize JWK")
	}
	f, err := os.OpenFile(p.path(kid), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return p.Load(kid)
		}
		return nil, errors.Wrapf(err, "save key %s", kid)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return nil, errors.Wrapf(err, "write key %s", kid)
	}
	return key, nil
}

// Load reads the private JWK stored for kid.
func (p *Provider) Load(kid string) (jwk.Key, error) {
	buf, err := os.ReadFile(p.path(kid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, kid)
		}
		return nil, errors.Wrapf(err, "read key %s", kid)
	}
	key, err := jwk.ParseKey(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "parse key %s", kid)
	}
	return key, nil
}

// LoadOrCreate returns the key for kid, generating and persisting one when
// no key file exists yet.
func (p *Provider) LoadOrCreate(kid string, ops jwk.KeyOperationList) (jwk.Key, error) {
	key, err := p.Load(kid)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	key, err = p.Generate(kid, ops)
	if err != nil {
		return nil, err
	}
	return p.Save(kid, key)
}

// Reset removes every stored key file. Administrative use only.
func (p *Provider) Reset() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return errors.Wrap(err, "list key directory")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove key %s", e.Name())
		}
	}
	return nil
}

func (p *Provider) path(kid string) string {
	return filepath.Join(p.dir, kid+".json")
}

// RawPrivate extracts the ECDSA private key backing a stored JWK.
func RawPrivate(key jwk.Key) (*ecdsa.PrivateKey, error) {
	var raw ecdsa.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return nil, errors.Wrap(err, "extract EC private key")
	}
	return &raw, nil
}
