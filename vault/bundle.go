package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightningnetwork/lnd/tlv"
)

// BundleVersion is the only recovery bundle version this package reads and
// writes.
const BundleVersion uint8 = 1

const (
	bundleLoanIDType     tlv.Type = 1
	bundleRoleType       tlv.Type = 2
	bundleSaltType       tlv.Type = 3
	bundleIterationsType tlv.Type = 4
	bundleNonceType      tlv.Type = 5
	bundleCiphertextType tlv.Type = 6
)

var (
	// ErrUnknownBundleVersion is returned for bundles whose version byte
	// is not BundleVersion. Nothing after the version is parsed.
	ErrUnknownBundleVersion = errors.New("unknown recovery bundle version")

	// ErrMalformedBundle is returned for bundles with missing or
	// malformed fields.
	ErrMalformedBundle = errors.New("malformed recovery bundle")
)

// RecoveryBundle is a private key sealed under a passphrase derived key. It
// is portable: everything except the passphrase needed to open it is part of
// the bundle.
type RecoveryBundle struct {
	// LoanID and Role identify the key. Both are authenticated.
	LoanID string
	Role   keychain.Role

	// Salt and Iterations are the PBKDF2 parameters.
	Salt       [SaltSize]byte
	Iterations uint32

	// Ciphertext is the sealed 32-byte private key.
	Ciphertext Ciphertext
}

// bundleAD returns the associated data binding a sealed key to its version,
// loan and role.
func bundleAD(version uint8, loanID string, role keychain.Role) []byte {
	var ad bytes.Buffer
	ad.WriteString("escrowd/bundle")
	ad.WriteByte(version)
	ad.WriteByte(byte(role))
	ad.WriteString(loanID)

	return ad.Bytes()
}

// SealBundle encrypts the private key of the ephemeral key under a key
// stretched from the passphrase. The ephemeral key is not zeroed, it stays
// owned by the caller.
func SealBundle(loanID string, role keychain.Role, key *keychain.EphemeralKey,
	passphrase []byte, iterations uint32) (*RecoveryBundle, error) {

	if key.IsZero() {
		return nil, keychain.ErrKeyZeroed
	}
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %v", keychain.ErrUnknownRole, role)
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}

	wrapKey, err := DeriveKeyFromPassphrase(passphrase, salt[:], iterations)
	if err != nil {
		return nil, err
	}
	defer clear(wrapKey)

	plaintext := key.Serialize()
	defer clear(plaintext)

	ct, err := Encrypt(
		plaintext, wrapKey, bundleAD(BundleVersion, loanID, role),
	)
	if err != nil {
		return nil, err
	}

	return &RecoveryBundle{
		LoanID:     loanID,
		Role:       role,
		Salt:       salt,
		Iterations: iterations,
		Ciphertext: *ct,
	}, nil
}

// Open decrypts the bundle with the passphrase. The caller must zero the
// returned key once done with it.
func (b *RecoveryBundle) Open(passphrase []byte) (*keychain.EphemeralKey,
	error) {

	wrapKey, err := DeriveKeyFromPassphrase(
		passphrase, b.Salt[:], b.Iterations,
	)
	if err != nil {
		return nil, err
	}
	defer clear(wrapKey)

	plaintext, err := Decrypt(
		&b.Ciphertext, wrapKey, bundleAD(BundleVersion, b.LoanID, b.Role),
	)
	if err != nil {
		return nil, err
	}
	defer clear(plaintext)

	return privKeyFromBytes(plaintext)
}

// privKeyFromBytes wraps a decrypted 32-byte scalar in an ephemeral key.
func privKeyFromBytes(plaintext []byte) (*keychain.EphemeralKey, error) {
	if len(plaintext) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: decrypted key has %d bytes",
			ErrDecryptionFailure, len(plaintext))
	}

	privKey, _ := btcec.PrivKeyFromBytes(plaintext)

	return keychain.NewEphemeralKey(privKey), nil
}

// Encode writes the version byte followed by the TLV encoded bundle.
func (b *RecoveryBundle) Encode(w io.Writer) error {
	var (
		loanID     = []byte(b.LoanID)
		role       = uint8(b.Role)
		salt       = b.Salt[:]
		iterations = b.Iterations
		nonce      = b.Ciphertext.Nonce[:]
		data       = b.Ciphertext.Data
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(bundleLoanIDType, &loanID),
		tlv.MakePrimitiveRecord(bundleRoleType, &role),
		tlv.MakePrimitiveRecord(bundleSaltType, &salt),
		tlv.MakePrimitiveRecord(bundleIterationsType, &iterations),
		tlv.MakePrimitiveRecord(bundleNonceType, &nonce),
		tlv.MakePrimitiveRecord(bundleCiphertextType, &data),
	)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte{BundleVersion}); err != nil {
		return err
	}

	return stream.Encode(w)
}

// Bytes returns the encoded bundle.
func (b *RecoveryBundle) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeBundle reads a bundle written by Encode. A version other than
// BundleVersion is rejected before any other byte is read.
func DecodeBundle(r io.Reader) (*RecoveryBundle, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if version[0] != BundleVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBundleVersion,
			version[0])
	}

	var (
		loanID, salt, nonce, data []byte
		role                      uint8
		iterations                uint32
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(bundleLoanIDType, &loanID),
		tlv.MakePrimitiveRecord(bundleRoleType, &role),
		tlv.MakePrimitiveRecord(bundleSaltType, &salt),
		tlv.MakePrimitiveRecord(bundleIterationsType, &iterations),
		tlv.MakePrimitiveRecord(bundleNonceType, &nonce),
		tlv.MakePrimitiveRecord(bundleCiphertextType, &data),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	for _, typ := range []tlv.Type{
		bundleLoanIDType, bundleRoleType, bundleSaltType,
		bundleIterationsType, bundleNonceType, bundleCiphertextType,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: missing field %d",
				ErrMalformedBundle, typ)
		}
	}

	switch {
	case len(loanID) == 0:
		return nil, fmt.Errorf("%w: empty loan id", ErrMalformedBundle)

	case !keychain.Role(role).IsValid():
		return nil, fmt.Errorf("%w: unknown role %d", ErrMalformedBundle,
			role)

	case len(salt) != SaltSize:
		return nil, fmt.Errorf("%w: salt has %d bytes",
			ErrMalformedBundle, len(salt))

	case len(nonce) != NonceSize:
		return nil, fmt.Errorf("%w: nonce has %d bytes",
			ErrMalformedBundle, len(nonce))

	case iterations < MinPBKDF2Iterations:
		return nil, fmt.Errorf("%w: %w", ErrMalformedBundle,
			ErrTooFewIterations)
	}

	b := &RecoveryBundle{
		LoanID:     string(loanID),
		Role:       keychain.Role(role),
		Iterations: iterations,
		Ciphertext: Ciphertext{Data: data},
	}
	copy(b.Salt[:], salt)
	copy(b.Ciphertext.Nonce[:], nonce)

	return b, nil
}
