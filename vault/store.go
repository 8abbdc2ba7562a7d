package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/multimutex"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// vaultBucket is the top level bucket of the vault.
	vaultBucket = []byte("escrow-vault")

	// deviceKeyKey stores the device key inside vaultBucket.
	deviceKeyKey = []byte("device-key")

	// deviceSealedBucket holds the device sealed keys, nested by loan id
	// and keyed by role.
	deviceSealedBucket = []byte("device-sealed")

	// bundleBucket holds the passphrase sealed recovery bundles, nested
	// by loan id and keyed by role.
	bundleBucket = []byte("bundles")

	// ErrNotFound is returned when no key is stored for a loan and role.
	ErrNotFound = errors.New("no sealed key stored")
)

const (
	sealedNonceType      tlv.Type = 1
	sealedCiphertextType tlv.Type = 2
)

// Store keeps sealed private keys in a kvdb backend. Writes for the same loan
// and role are serialized, reads run in parallel.
type Store struct {
	db kvdb.Backend

	// keyMtx serializes writes per "loanID/role".
	keyMtx *multimutex.Mutex[string]
}

// NewStore creates the vault buckets if needed and returns the store.
func NewStore(db kvdb.Backend) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		root, err := tx.CreateTopLevelBucket(vaultBucket)
		if err != nil {
			return err
		}

		if _, err := root.CreateBucketIfNotExists(
			deviceSealedBucket,
		); err != nil {
			return err
		}

		_, err = root.CreateBucketIfNotExists(bundleBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create vault buckets: %w", err)
	}

	return &Store{
		db:     db,
		keyMtx: multimutex.NewMutex[string](),
	}, nil
}

// lockKey returns the write lock key of a loan and role.
func lockKey(loanID string, role keychain.Role) string {
	return fmt.Sprintf("%s/%v", loanID, role)
}

// roleKey is the bucket key of a role.
func roleKey(role keychain.Role) []byte {
	return []byte{byte(role)}
}

// deviceKey returns the device key, creating it on first use. It must be
// called within a read-write transaction.
func deviceKey(root kvdb.RwBucket) ([]byte, error) {
	if key := root.Get(deviceKeyKey); key != nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("stored device key has %d bytes",
				len(key))
		}

		return bytes.Clone(key), nil
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("unable to generate device key: %w", err)
	}
	if err := root.Put(deviceKeyKey, key); err != nil {
		return nil, err
	}

	log.Infof("Created new device key")

	return key, nil
}

// deviceAD binds a device sealed key to its loan and role.
func deviceAD(loanID string, role keychain.Role) []byte {
	var ad bytes.Buffer
	ad.WriteString("escrowd/device")
	ad.WriteByte(byte(role))
	ad.WriteString(loanID)

	return ad.Bytes()
}

// encodeSealed serializes a device sealed key.
func encodeSealed(ct *Ciphertext) ([]byte, error) {
	nonce := ct.Nonce[:]
	data := ct.Data

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(sealedNonceType, &nonce),
		tlv.MakePrimitiveRecord(sealedCiphertextType, &data),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeSealed parses a device sealed key.
func decodeSealed(b []byte) (*Ciphertext, error) {
	var nonce, data []byte
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(sealedNonceType, &nonce),
		tlv.MakePrimitiveRecord(sealedCiphertextType, &data),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce has %d bytes",
			ErrDecryptionFailure, len(nonce))
	}

	ct := &Ciphertext{Data: data}
	copy(ct.Nonce[:], nonce)

	return ct, nil
}

// putEntry stores value under bucket/loanID/role.
func (s *Store) putEntry(bucket []byte, loanID string, role keychain.Role,
	seal func(root kvdb.RwBucket) ([]byte, error)) error {

	if loanID == "" {
		return keychain.ErrEmptyLoanID
	}
	if !role.IsValid() {
		return fmt.Errorf("%w: %v", keychain.ErrUnknownRole, role)
	}

	s.keyMtx.Lock(lockKey(loanID, role))
	defer s.keyMtx.Unlock(lockKey(loanID, role))

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		root := tx.ReadWriteBucket(vaultBucket)
		if root == nil {
			return kvdb.ErrBucketNotFound
		}

		value, err := seal(root)
		if err != nil {
			return err
		}

		loanBucket, err := root.NestedReadWriteBucket(
			bucket,
		).CreateBucketIfNotExists([]byte(loanID))
		if err != nil {
			return err
		}

		return loanBucket.Put(roleKey(role), value)
	}, func() {})
}

// getEntry reads bucket/loanID/role.
func (s *Store) getEntry(bucket []byte, loanID string,
	role keychain.Role) ([]byte, error) {

	var value []byte
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		root := tx.ReadBucket(vaultBucket)
		if root == nil {
			return kvdb.ErrBucketNotFound
		}

		loanBucket := root.NestedReadBucket(bucket).NestedReadBucket(
			[]byte(loanID),
		)
		if loanBucket == nil {
			return ErrNotFound
		}

		v := loanBucket.Get(roleKey(role))
		if v == nil {
			return ErrNotFound
		}
		value = bytes.Clone(v)

		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// RememberKey seals the key under the device key for the "remember this
// device" flow. The ephemeral key stays owned by the caller.
func (s *Store) RememberKey(loanID string, role keychain.Role,
	key *keychain.EphemeralKey) error {

	if key.IsZero() {
		return keychain.ErrKeyZeroed
	}

	err := s.putEntry(deviceSealedBucket, loanID, role,
		func(root kvdb.RwBucket) ([]byte, error) {
			devKey, err := deviceKey(root)
			if err != nil {
				return nil, err
			}
			defer clear(devKey)

			plaintext := key.Serialize()
			defer clear(plaintext)

			ct, err := Encrypt(
				plaintext, devKey, deviceAD(loanID, role),
			)
			if err != nil {
				return nil, err
			}

			return encodeSealed(ct)
		},
	)
	if err != nil {
		return err
	}

	log.Debugf("Stored device sealed %v key of loan %v", role, loanID)

	return nil
}

// RecallKey opens a key sealed by RememberKey. The caller must zero the
// returned key.
func (s *Store) RecallKey(loanID string,
	role keychain.Role) (*keychain.EphemeralKey, error) {

	var devKey []byte
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		root := tx.ReadBucket(vaultBucket)
		if root == nil {
			return kvdb.ErrBucketNotFound
		}

		key := root.Get(deviceKeyKey)
		if key == nil {
			return ErrNotFound
		}
		devKey = bytes.Clone(key)

		return nil
	}, func() {
		devKey = nil
	})
	if err != nil {
		return nil, err
	}
	defer clear(devKey)

	sealed, err := s.getEntry(deviceSealedBucket, loanID, role)
	if err != nil {
		return nil, err
	}

	ct, err := decodeSealed(sealed)
	if err != nil {
		return nil, err
	}

	plaintext, err := Decrypt(ct, devKey, deviceAD(loanID, role))
	if err != nil {
		log.Warnf("Unable to open device sealed %v key of loan %v: %v",
			role, loanID, err)

		return nil, err
	}
	defer clear(plaintext)

	return privKeyFromBytes(plaintext)
}

// PutBundle stores a recovery bundle under its loan and role.
func (s *Store) PutBundle(b *RecoveryBundle) error {
	encoded, err := b.Bytes()
	if err != nil {
		return err
	}

	err = s.putEntry(bundleBucket, b.LoanID, b.Role,
		func(kvdb.RwBucket) ([]byte, error) {
			return encoded, nil
		},
	)
	if err != nil {
		return err
	}

	log.Debugf("Stored recovery bundle for %v key of loan %v", b.Role,
		b.LoanID)

	return nil
}

// GetBundle loads the recovery bundle of a loan and role.
func (s *Store) GetBundle(loanID string,
	role keychain.Role) (*RecoveryBundle, error) {

	encoded, err := s.getEntry(bundleBucket, loanID, role)
	if err != nil {
		return nil, err
	}

	return DecodeBundle(bytes.NewReader(encoded))
}

// Forget deletes every sealed copy of the key of a loan and role.
func (s *Store) Forget(loanID string, role keychain.Role) error {
	s.keyMtx.Lock(lockKey(loanID, role))
	defer s.keyMtx.Unlock(lockKey(loanID, role))

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		root := tx.ReadWriteBucket(vaultBucket)
		if root == nil {
			return kvdb.ErrBucketNotFound
		}

		for _, name := range [][]byte{deviceSealedBucket, bundleBucket} {
			loanBucket := root.NestedReadWriteBucket(
				name,
			).NestedReadWriteBucket([]byte(loanID))
			if loanBucket == nil {
				continue
			}

			if err := loanBucket.Delete(roleKey(role)); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}
