package keychain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// MinPassphraseLen is the minimum number of characters a passphrase
	// must have before we derive a key from it.
	MinPassphraseLen = 8

	// maxDerivationAttempts bounds the rehash loop in DeriveKey. A single
	// SHA-256 output lands outside [1, n-1] with probability ~2^-128, so
	// this is never reached in practice.
	maxDerivationAttempts = 1 << 8
)

var (
	// keyDerivationTag domain separates the escrow key derivation digest
	// from every other use of SHA-256 over user supplied data.
	keyDerivationTag = []byte("escrowd/keyderive/v1")

	// ErrWeakPassphrase is returned when a passphrase fails the minimum
	// policy: at least MinPassphraseLen characters with at least one
	// letter and one digit.
	ErrWeakPassphrase = fmt.Errorf("passphrase must be at least %d "+
		"characters and contain both letters and digits",
		MinPassphraseLen)

	// ErrEmptyLoanID is returned when a key is requested for an empty
	// loan identifier.
	ErrEmptyLoanID = errors.New("loan id must not be empty")

	// ErrCannotDerivePrivKey is returned when no valid scalar could be
	// produced for the given inputs.
	ErrCannotDerivePrivKey = errors.New("unable to derive private key")
)

// ValidatePassphrase checks the passphrase against the minimum policy. This is
// a usability gate only, the derivation itself accepts any byte string.
func ValidatePassphrase(passphrase []byte) error {
	var (
		numChars  int
		hasLetter bool
		hasDigit  bool
	)
	for _, r := range string(passphrase) {
		numChars++

		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}

	if numChars < MinPassphraseLen || !hasLetter || !hasDigit {
		return ErrWeakPassphrase
	}

	return nil
}

// DeriveKey deterministically derives the escrow key pair of the given role
// for the given loan from the passphrase. Identical inputs always produce the
// same key, so the private key never needs to be stored: the user only has to
// remember the passphrase, loan ID and role.
//
// The returned key must be zeroed by the caller once the signing operation
// that needed it has completed.
func DeriveKey(loanID string, role Role, passphrase []byte) (*EphemeralKey,
	error) {

	if loanID == "" {
		return nil, ErrEmptyLoanID
	}
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRole, role)
	}
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}

	for counter := uint32(0); counter < maxDerivationAttempts; counter++ {
		digest := derivationDigest(loanID, role, passphrase, counter)

		var scalar secp256k1.ModNScalar
		overflow := scalar.SetByteSlice(digest[:])
		clear(digest[:])

		if overflow || scalar.IsZero() {
			log.Tracef("Derivation digest for loan=%v role=%v is "+
				"out of range, retrying with counter=%d",
				loanID, role, counter+1)

			scalar.Zero()
			continue
		}

		privKey := btcec.PrivKeyFromScalar(&scalar)
		scalar.Zero()

		log.Debugf("Derived %v key for loan=%v", role, loanID)

		return NewEphemeralKey(privKey), nil
	}

	return nil, ErrCannotDerivePrivKey
}

// DerivePubKey derives the key pair of the given role and returns only the
// public key. The private half is zeroed before returning.
func DerivePubKey(loanID string, role Role,
	passphrase []byte) (*btcec.PublicKey, error) {

	key, err := DeriveKey(loanID, role, passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	return key.PubKey(), nil
}

// derivationDigest computes
//
//	SHA256(tag || len(loanID) || loanID || len(role) || role ||
//	       len(passphrase) || passphrase || counter)
//
// with all lengths and the counter as 4-byte big-endian integers. Length
// prefixes make the encoding injective so no two distinct input tuples share
// a preimage.
func derivationDigest(loanID string, role Role, passphrase []byte,
	counter uint32) [sha256.Size]byte {

	h := sha256.New()

	writeVarField := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		h.Write(l[:])
		h.Write(b)
	}

	h.Write(keyDerivationTag)
	writeVarField([]byte(loanID))
	writeVarField([]byte(role.String()))
	writeVarField(passphrase)

	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	h.Write(c[:])

	// Sum appends into digest's own array so no other copy of the key
	// material is left on the heap.
	var digest [sha256.Size]byte
	h.Sum(digest[:0])
	h.Reset()

	return digest
}
