package keychain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testPassphrase = []byte("correcthorse42")

// TestDeriveKeyVectors checks the derivation against vectors computed by an
// independent implementation of the same digest layout.
func TestDeriveKeyVectors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		role    Role
		privKey string
		pubKey  string
	}{
		{
			role: RoleBorrower,
			privKey: "a82762284d58b5c988d7a6630617123aad8e22cdb0" +
				"eba678b31218e791de7b0f",
			pubKey: "03a351bb631d6353a364a223f020ceee60b14dce15be6" +
				"f7d705830b8a62e95c810",
		},
		{
			role: RoleLender,
			privKey: "ece56d44244052b28bd7cf5d2e96fc17f67ded220a" +
				"7ccac678d7bfae09507eb6",
			pubKey: "034b64ca7261b206fba14ec8a396c48e2274ae9401fda" +
				"6527b82456a29275af190",
		},
		{
			role: RolePlatform,
			privKey: "6436f1afb68bc1afe5dec05d6a0729cb70b9aa9f05" +
				"32d07ec0dfa4b3b8e64e59",
			pubKey: "02975704b9a1232b0d35d2221809e9fa5703ec61b71c8" +
				"bfea8c7bac65b80b71ccf",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.role.String(), func(t *testing.T) {
			t.Parallel()

			key, err := DeriveKey("loan-42", tc.role, testPassphrase)
			require.NoError(t, err)
			defer key.Zero()

			require.Equal(
				t, tc.privKey, hex.EncodeToString(key.Serialize()),
			)
			require.Equal(
				t, tc.pubKey,
				hex.EncodeToString(key.PubKey().SerializeCompressed()),
			)
		})
	}
}

// TestDeriveKeyDeterministic asserts that identical inputs always map to the
// same key and that changing any single input changes the key.
func TestDeriveKeyDeterministic(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		loanID := rapid.StringMatching(`[a-z0-9-]{1,40}`).Draw(
			t, "loanID",
		)
		pass := rapid.StringMatching(`[a-z]{4,20}[0-9]{4,20}`).Draw(
			t, "passphrase",
		)
		role := Roles[rapid.IntRange(0, 2).Draw(t, "role")]

		first, err := DerivePubKey(loanID, role, []byte(pass))
		require.NoError(t, err)

		second, err := DerivePubKey(loanID, role, []byte(pass))
		require.NoError(t, err)
		require.True(t, first.IsEqual(second))

		otherRole := Roles[(int(role)+1)%len(Roles)]
		third, err := DerivePubKey(loanID, otherRole, []byte(pass))
		require.NoError(t, err)
		require.False(t, first.IsEqual(third))

		fourth, err := DerivePubKey(loanID+"x", role, []byte(pass))
		require.NoError(t, err)
		require.False(t, first.IsEqual(fourth))
	})
}

// TestDerivationDigestInjective makes sure that moving bytes between
// adjacent fields changes the digest.
func TestDerivationDigestInjective(t *testing.T) {
	t.Parallel()

	a := derivationDigest("ab", RoleLender, []byte("c1234567"), 0)
	b := derivationDigest("a", RoleLender, []byte("bc1234567"), 0)
	require.NotEqual(t, a, b)

	c := derivationDigest("ab", RoleLender, []byte("c1234567"), 1)
	require.NotEqual(t, a, c)
}

// TestDerivationDigestLayout rebuilds the digest preimage by hand and checks
// that the digest filled in place matches a one-shot hash of it.
func TestDerivationDigestLayout(t *testing.T) {
	t.Parallel()

	field := func(b []byte) []byte {
		out := binary.BigEndian.AppendUint32(nil, uint32(len(b)))
		return append(out, b...)
	}

	var preimage []byte
	preimage = append(preimage, keyDerivationTag...)
	preimage = append(preimage, field([]byte("loan-1"))...)
	preimage = append(preimage, field([]byte(RoleBorrower.String()))...)
	preimage = append(preimage, field(testPassphrase)...)
	preimage = binary.BigEndian.AppendUint32(preimage, 3)

	digest := derivationDigest("loan-1", RoleBorrower, testPassphrase, 3)
	require.Equal(t, sha256.Sum256(preimage), digest)

	// Every call returns its own array.
	again := derivationDigest("loan-1", RoleBorrower, testPassphrase, 3)
	clear(digest[:])
	require.Equal(t, sha256.Sum256(preimage), again)
}

// TestValidatePassphrase exercises the passphrase policy.
func TestValidatePassphrase(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		passphrase string
		valid      bool
	}{
		{name: "too short", passphrase: "abc123", valid: false},
		{name: "seven chars", passphrase: "abcd123", valid: false},
		{name: "letters only", passphrase: "abcdefghij", valid: false},
		{name: "digits only", passphrase: "1234567890", valid: false},
		{name: "minimum", passphrase: "abcdefg1", valid: true},
		{name: "unicode letters", passphrase: "ünïcödé9", valid: true},
		{name: "with symbols", passphrase: "p@ss w0rd!", valid: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := ValidatePassphrase([]byte(tc.passphrase))
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrWeakPassphrase)
		})
	}
}

// TestDeriveKeyRejectsInput checks that invalid input never reaches the
// derivation.
func TestDeriveKeyRejectsInput(t *testing.T) {
	t.Parallel()

	_, err := DeriveKey("", RoleBorrower, testPassphrase)
	require.ErrorIs(t, err, ErrEmptyLoanID)

	_, err = DeriveKey("loan-42", Role(7), testPassphrase)
	require.ErrorIs(t, err, ErrUnknownRole)

	_, err = DeriveKey("loan-42", RoleBorrower, []byte("short1"))
	require.ErrorIs(t, err, ErrWeakPassphrase)
}

// TestEphemeralKeyZero ensures a zeroed key leaves no recoverable scalar and
// refuses to sign.
func TestEphemeralKeyZero(t *testing.T) {
	t.Parallel()

	key, err := DeriveKey("loan-7", RolePlatform, testPassphrase)
	require.NoError(t, err)
	require.False(t, key.IsZero())

	digest := chainhash.HashH([]byte("escrow"))
	sig, err := key.SignDigest(digest)
	require.NoError(t, err)
	require.True(t, sig.Verify(digest[:], key.PubKey()))

	key.Zero()
	require.True(t, key.IsZero())
	require.True(t, bytes.Equal(key.Serialize(), make([]byte, 32)))

	_, err = key.SignDigest(digest)
	require.ErrorIs(t, err, ErrKeyZeroed)

	// Zeroing twice must be harmless, and so must zeroing nil.
	key.Zero()
	var nilKey *EphemeralKey
	nilKey.Zero()
	require.True(t, nilKey.IsZero())
}

// TestParseRole tests round tripping role names.
func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, role := range Roles {
		parsed, err := ParseRole(role.String())
		require.NoError(t, err)
		require.Equal(t, role, parsed)
	}

	parsed, err := ParseRole(" Lender ")
	require.NoError(t, err)
	require.Equal(t, RoleLender, parsed)

	_, err = ParseRole("arbiter")
	require.ErrorIs(t, err, ErrUnknownRole)
	require.False(t, Role(3).IsValid())
}
