package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of an AES-256 key.
	KeySize = 32

	// NonceSize is the size of a GCM nonce.
	NonceSize = 12

	// SaltSize is the size of a PBKDF2 salt.
	SaltSize = 16

	// MinPBKDF2Iterations is the lowest iteration count accepted when
	// deriving a key from a passphrase.
	MinPBKDF2Iterations = 100_000

	// DefaultPBKDF2Iterations is the iteration count used for new bundles
	// unless configured otherwise.
	DefaultPBKDF2Iterations = 210_000
)

var (
	// ErrDecryptionFailure is returned when a ciphertext cannot be
	// authenticated, either because the key is wrong or because the data
	// was modified.
	ErrDecryptionFailure = errors.New("unable to decrypt: wrong key or " +
		"corrupted data")

	// ErrInvalidKeySize is returned for encryption keys that are not
	// KeySize bytes.
	ErrInvalidKeySize = fmt.Errorf("encryption key must be %d bytes",
		KeySize)

	// ErrTooFewIterations is returned for PBKDF2 iteration counts below
	// MinPBKDF2Iterations.
	ErrTooFewIterations = fmt.Errorf("pbkdf2 needs at least %d iterations",
		MinPBKDF2Iterations)

	// ErrInvalidSalt is returned for salts that are not SaltSize bytes.
	ErrInvalidSalt = fmt.Errorf("salt must be %d bytes", SaltSize)
)

// Ciphertext is the output of Encrypt.
type Ciphertext struct {
	// Nonce is the random GCM nonce.
	Nonce [NonceSize]byte

	// Data is the encrypted plaintext followed by the GCM tag.
	Data []byte
}

// newAEAD creates an AES-256-GCM instance for the key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key with a fresh random nonce. The associated
// data is authenticated but not encrypted, it must be passed again to
// Decrypt.
func Encrypt(plaintext, key, ad []byte) (*Ciphertext, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	var ct Ciphertext
	if _, err := io.ReadFull(rand.Reader, ct.Nonce[:]); err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %w", err)
	}

	ct.Data = aead.Seal(nil, ct.Nonce[:], plaintext, ad)

	return &ct, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any authentication failure
// is reported as ErrDecryptionFailure.
func Decrypt(ct *Ciphertext, key, ad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ct.Data) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short",
			ErrDecryptionFailure)
	}

	plaintext, err := aead.Open(nil, ct.Nonce[:], ct.Data, ad)
	if err != nil {
		return nil, ErrDecryptionFailure
	}

	return plaintext, nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("unable to generate salt: %w", err)
	}

	return salt, nil
}

// DeriveKeyFromPassphrase stretches the passphrase into an AES-256 key with
// PBKDF2-HMAC-SHA256. This path is separate from the deterministic escrow key
// derivation and only protects keys at rest.
func DeriveKeyFromPassphrase(passphrase, salt []byte,
	iterations uint32) ([]byte, error) {

	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewIterations,
			iterations)
	}
	if len(salt) != SaltSize {
		return nil, ErrInvalidSalt
	}

	return pbkdf2.Key(
		passphrase, salt, int(iterations), KeySize, sha256.New,
	), nil
}
