package vault

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

var (
	testPassphrase = []byte("tr0ub4dor&3")
	testLoanID     = "loan-vault"
)

func testKey(t *testing.T, role keychain.Role) *keychain.EphemeralKey {
	t.Helper()

	key, err := keychain.DeriveKey(testLoanID, role, []byte("seed1234seed"))
	require.NoError(t, err)

	return key
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "vault.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := NewStore(db)
	require.NoError(t, err)

	return store
}

// TestEncryptDecrypt tests that a ciphertext only opens with the right key and
// associated data, and that any modification is caught.
func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x11}, KeySize)
	plaintext := []byte("thirty-two bytes of private key!")
	ad := []byte("loan-1/borrower")

	testCases := []struct {
		name    string
		mutate  func(ct *Ciphertext, key, ad []byte) ([]byte, []byte)
		wantErr error
	}{
		{
			name: "valid",
			mutate: func(_ *Ciphertext, key, ad []byte) ([]byte,
				[]byte) {

				return key, ad
			},
		},
		{
			name: "flipped ciphertext byte",
			mutate: func(ct *Ciphertext, key, ad []byte) ([]byte,
				[]byte) {

				ct.Data[0] ^= 0x01
				return key, ad
			},
			wantErr: ErrDecryptionFailure,
		},
		{
			name: "flipped tag byte",
			mutate: func(ct *Ciphertext, key, ad []byte) ([]byte,
				[]byte) {

				ct.Data[len(ct.Data)-1] ^= 0x80
				return key, ad
			},
			wantErr: ErrDecryptionFailure,
		},
		{
			name: "flipped nonce byte",
			mutate: func(ct *Ciphertext, key, ad []byte) ([]byte,
				[]byte) {

				ct.Nonce[3] ^= 0x01
				return key, ad
			},
			wantErr: ErrDecryptionFailure,
		},
		{
			name: "truncated",
			mutate: func(ct *Ciphertext, key, ad []byte) ([]byte,
				[]byte) {

				ct.Data = ct.Data[:10]
				return key, ad
			},
			wantErr: ErrDecryptionFailure,
		},
		{
			name: "wrong key",
			mutate: func(_ *Ciphertext, _, ad []byte) ([]byte,
				[]byte) {

				return bytes.Repeat([]byte{0x22}, KeySize), ad
			},
			wantErr: ErrDecryptionFailure,
		},
		{
			name: "wrong associated data",
			mutate: func(_ *Ciphertext, key, _ []byte) ([]byte,
				[]byte) {

				return key, []byte("loan-1/lender")
			},
			wantErr: ErrDecryptionFailure,
		},
		{
			name: "short key",
			mutate: func(_ *Ciphertext, key, ad []byte) ([]byte,
				[]byte) {

				return key[:16], ad
			},
			wantErr: ErrInvalidKeySize,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ct, err := Encrypt(plaintext, key, ad)
			require.NoError(t, err)
			require.NotEqual(t, plaintext, ct.Data[:len(plaintext)])

			decKey, decAD := tc.mutate(ct, key, ad)
			got, err := Decrypt(ct, decKey, decAD)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Nil(t, got)
				return
			}

			require.NoError(t, err)
			require.Equal(t, plaintext, got)
		})
	}
}

// TestEncryptFreshNonce makes sure two encryptions of the same plaintext
// differ.
func TestEncryptFreshNonce(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x33}, KeySize)
	a, err := Encrypt([]byte("same"), key, nil)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), key, nil)
	require.NoError(t, err)

	require.NotEqual(t, a.Nonce, b.Nonce)
	require.NotEqual(t, a.Data, b.Data)
}

// TestDeriveKeyFromPassphrase tests the KDF parameter checks.
func TestDeriveKeyFromPassphrase(t *testing.T) {
	t.Parallel()

	salt := bytes.Repeat([]byte{0x01}, SaltSize)

	_, err := DeriveKeyFromPassphrase(
		testPassphrase, salt, MinPBKDF2Iterations-1,
	)
	require.ErrorIs(t, err, ErrTooFewIterations)

	_, err = DeriveKeyFromPassphrase(
		testPassphrase, salt[:8], MinPBKDF2Iterations,
	)
	require.ErrorIs(t, err, ErrInvalidSalt)

	k1, err := DeriveKeyFromPassphrase(
		testPassphrase, salt, MinPBKDF2Iterations,
	)
	require.NoError(t, err)
	require.Len(t, k1, KeySize)

	k2, err := DeriveKeyFromPassphrase(
		testPassphrase, salt, MinPBKDF2Iterations,
	)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	otherSalt := bytes.Repeat([]byte{0x02}, SaltSize)
	k3, err := DeriveKeyFromPassphrase(
		testPassphrase, otherSalt, MinPBKDF2Iterations,
	)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

// TestRecoveryBundle seals, encodes, decodes and opens a bundle.
func TestRecoveryBundle(t *testing.T) {
	t.Parallel()

	key := testKey(t, keychain.RoleBorrower)
	defer key.Zero()

	bundle, err := SealBundle(
		testLoanID, keychain.RoleBorrower, key, testPassphrase,
		MinPBKDF2Iterations,
	)
	require.NoError(t, err)
	require.False(t, key.IsZero())

	encoded, err := bundle.Bytes()
	require.NoError(t, err)
	require.Equal(t, BundleVersion, encoded[0])

	decoded, err := DecodeBundle(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, bundle, decoded)

	opened, err := decoded.Open(testPassphrase)
	require.NoError(t, err)
	defer opened.Zero()
	require.True(t, key.PubKey().IsEqual(opened.PubKey()))

	_, err = decoded.Open([]byte("wrong passphrase 1"))
	require.ErrorIs(t, err, ErrDecryptionFailure)

	// Relabeling the bundle for another role breaks authentication.
	decoded.Role = keychain.RoleLender
	_, err = decoded.Open(testPassphrase)
	require.ErrorIs(t, err, ErrDecryptionFailure)

	_, err = SealBundle(
		testLoanID, keychain.RoleBorrower, key, testPassphrase,
		MinPBKDF2Iterations/2,
	)
	require.ErrorIs(t, err, ErrTooFewIterations)
}

// TestDecodeBundleRejects tests that unknown versions are rejected outright
// and malformed bodies are caught.
func TestDecodeBundleRejects(t *testing.T) {
	t.Parallel()

	key := testKey(t, keychain.RoleLender)
	defer key.Zero()

	bundle, err := SealBundle(
		testLoanID, keychain.RoleLender, key, testPassphrase,
		MinPBKDF2Iterations,
	)
	require.NoError(t, err)
	encoded, err := bundle.Bytes()
	require.NoError(t, err)

	testCases := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "empty",
			data:    nil,
			wantErr: ErrMalformedBundle,
		},
		{
			name: "future version",
			data: append(
				[]byte{BundleVersion + 1}, encoded[1:]...,
			),
			wantErr: ErrUnknownBundleVersion,
		},
		{
			name:    "version zero with garbage",
			data:    []byte{0x00, 0xff, 0xff, 0xff},
			wantErr: ErrUnknownBundleVersion,
		},
		{
			name:    "truncated body",
			data:    encoded[:len(encoded)-5],
			wantErr: ErrMalformedBundle,
		},
		{
			name:    "version only",
			data:    []byte{BundleVersion},
			wantErr: ErrMalformedBundle,
		},
	}

	for _, tc := range testCases {
		_, err := DecodeBundle(bytes.NewReader(tc.data))
		require.ErrorIs(t, err, tc.wantErr, tc.name)
	}
}

// TestStoreDeviceKeys tests the device sealed flow.
func TestStoreDeviceKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, err := store.RecallKey(testLoanID, keychain.RoleLender)
	require.ErrorIs(t, err, ErrNotFound)

	key := testKey(t, keychain.RoleLender)
	defer key.Zero()
	require.NoError(t, store.RememberKey(
		testLoanID, keychain.RoleLender, key,
	))

	recalled, err := store.RecallKey(testLoanID, keychain.RoleLender)
	require.NoError(t, err)
	require.True(t, key.PubKey().IsEqual(recalled.PubKey()))
	recalled.Zero()

	// Only the stored role is available.
	_, err = store.RecallKey(testLoanID, keychain.RolePlatform)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Forget(testLoanID, keychain.RoleLender))
	_, err = store.RecallKey(testLoanID, keychain.RoleLender)
	require.ErrorIs(t, err, ErrNotFound)

	zeroed := testKey(t, keychain.RoleBorrower)
	zeroed.Zero()
	err = store.RememberKey(testLoanID, keychain.RoleBorrower, zeroed)
	require.ErrorIs(t, err, keychain.ErrKeyZeroed)
}

// TestStoreTamperedDeviceEntry makes sure a modified entry fails to open.
func TestStoreTamperedDeviceEntry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	key := testKey(t, keychain.RolePlatform)
	defer key.Zero()
	require.NoError(t, store.RememberKey(
		testLoanID, keychain.RolePlatform, key,
	))

	err := kvdb.Update(store.db, func(tx kvdb.RwTx) error {
		loanBucket := tx.ReadWriteBucket(vaultBucket).
			NestedReadWriteBucket(deviceSealedBucket).
			NestedReadWriteBucket([]byte(testLoanID))

		value := bytes.Clone(loanBucket.Get(
			roleKey(keychain.RolePlatform),
		))
		value[len(value)-1] ^= 0x01

		return loanBucket.Put(roleKey(keychain.RolePlatform), value)
	}, func() {})
	require.NoError(t, err)

	_, err = store.RecallKey(testLoanID, keychain.RolePlatform)
	require.ErrorIs(t, err, ErrDecryptionFailure)
}

// TestStoreBundles tests the passphrase sealed flow.
func TestStoreBundles(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	key := testKey(t, keychain.RoleBorrower)
	defer key.Zero()

	bundle, err := SealBundle(
		testLoanID, keychain.RoleBorrower, key, testPassphrase,
		MinPBKDF2Iterations,
	)
	require.NoError(t, err)
	require.NoError(t, store.PutBundle(bundle))

	loaded, err := store.GetBundle(testLoanID, keychain.RoleBorrower)
	require.NoError(t, err)
	require.Equal(t, bundle, loaded)

	opened, err := loaded.Open(testPassphrase)
	require.NoError(t, err)
	require.True(t, key.PubKey().IsEqual(opened.PubKey()))
	opened.Zero()

	_, err = store.GetBundle("other-loan", keychain.RoleBorrower)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestStoreConcurrentWrites writes keys for many loans and roles in parallel
// and reads every one of them back.
func TestStoreConcurrentWrites(t *testing.T) {
	t.Parallel()

	const numLoans = 8

	store := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, numLoans*len(keychain.Roles)*2)
	for i := 0; i < numLoans; i++ {
		loanID := fmt.Sprintf("loan-%d", i)
		for _, role := range keychain.Roles {
			// Two writers per key race for the same entry.
			for j := 0; j < 2; j++ {
				wg.Add(1)
				go func() {
					defer wg.Done()

					key, err := keychain.DeriveKey(
						loanID, role,
						[]byte("seed1234seed"),
					)
					if err != nil {
						errs <- err
						return
					}
					defer key.Zero()

					errs <- store.RememberKey(
						loanID, role, key,
					)
				}()
			}
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < numLoans; i++ {
		loanID := fmt.Sprintf("loan-%d", i)
		for _, role := range keychain.Roles {
			want, err := keychain.DerivePubKey(
				loanID, role, []byte("seed1234seed"),
			)
			require.NoError(t, err)

			got, err := store.RecallKey(loanID, role)
			require.NoError(t, err)
			require.True(t, want.IsEqual(got.PubKey()))
			got.Zero()
		}
	}
}
