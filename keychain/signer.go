package keychain

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// ErrKeyZeroed is returned when a zeroed EphemeralKey is asked to sign.
var ErrKeyZeroed = errors.New("ephemeral key has been zeroed")

// SingleKeyDigestSigner is an abstraction for a signer that can sign digests
// with a single private key whose public key is known.
type SingleKeyDigestSigner interface {
	// PubKey returns the public key of the signer.
	PubKey() *btcec.PublicKey

	// SignDigest signs the given 32-byte digest with the private key.
	SignDigest(digest [32]byte) (*ecdsa.Signature, error)
}

// EphemeralKey owns a private key for the duration of a single signing
// operation. The owner must call Zero on every exit path, typically with
// defer right after the key is obtained.
type EphemeralKey struct {
	privKey *btcec.PrivateKey
	pubKey  *btcec.PublicKey
}

// NewEphemeralKey takes ownership of the given private key.
func NewEphemeralKey(privKey *btcec.PrivateKey) *EphemeralKey {
	return &EphemeralKey{
		privKey: privKey,
		pubKey:  privKey.PubKey(),
	}
}

// PubKey returns the public key of the pair. It stays valid after Zero.
//
// NOTE: This is part of the SingleKeyDigestSigner interface.
func (k *EphemeralKey) PubKey() *btcec.PublicKey {
	return k.pubKey
}

// SignDigest produces a deterministic (RFC6979) low-S ECDSA signature over the
// digest.
//
// NOTE: This is part of the SingleKeyDigestSigner interface.
func (k *EphemeralKey) SignDigest(digest [32]byte) (*ecdsa.Signature, error) {
	if k.IsZero() {
		return nil, ErrKeyZeroed
	}

	return ecdsa.Sign(k.privKey, digest[:]), nil
}

// Serialize returns a copy of the 32-byte private scalar. The caller owns the
// copy and must clear it.
func (k *EphemeralKey) Serialize() []byte {
	return k.privKey.Serialize()
}

// Zero overwrites the private scalar in memory. It is safe to call more than
// once.
func (k *EphemeralKey) Zero() {
	if k == nil || k.privKey == nil {
		return
	}

	k.privKey.Zero()
}

// IsZero reports whether the private scalar has been wiped.
func (k *EphemeralKey) IsZero() bool {
	return k == nil || k.privKey == nil || k.privKey.Key.IsZero()
}

// A compile time check to ensure EphemeralKey implements the
// SingleKeyDigestSigner interface.
var _ SingleKeyDigestSigner = (*EphemeralKey)(nil)
