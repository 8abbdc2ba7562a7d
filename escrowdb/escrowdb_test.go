package escrowdb

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/chainfee"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/presign"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

const (
	testLoanID       = "loan-db"
	testBorrowerAddr = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	testLenderAddr   = "tb1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcc" +
		"efvpysxf3q0sl5k7"
)

var (
	testPassphrase = []byte("correct1horse")
	testNow        = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	backend, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "escrow.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, backend.Close())
	})

	db, err := New(backend)
	require.NoError(t, err)

	return db
}

func newTestContract(t *testing.T, loanID string) *escrow.Contract {
	t.Helper()

	var keys [3][]byte
	for _, role := range keychain.Roles {
		pub, err := keychain.DerivePubKey(loanID, role, testPassphrase)
		require.NoError(t, err)
		keys[role] = pub.SerializeCompressed()
	}

	parties, err := escrow.NewParties(keys[0], keys[1], keys[2])
	require.NoError(t, err)

	e, err := escrow.New(parties, escrow.NetworkTestnet, 144)
	require.NoError(t, err)

	return escrow.NewContract(loanID, e, testNow)
}

func testUtxo(index uint32) escrow.FundingUTXO {
	return escrow.FundingUTXO{
		OutPoint: wire.OutPoint{
			Hash: chainhash.Hash{0xab, 0xcd, byte(index)}, Index: index,
		},
		Value: 750_000,
	}
}

// TestContractRoundTrip stores a contract at each stage of its life and
// reads it back.
func TestContractRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	c := newTestContract(t, testLoanID)

	require.NoError(t, db.CreateContract(c))
	require.ErrorIs(t, db.CreateContract(c), ErrContractExists)

	stored, err := db.FetchContract(testLoanID)
	require.NoError(t, err)
	require.Equal(t, c, stored)

	require.NoError(t, c.RecordFunding(testUtxo(0)))
	require.NoError(t, c.RecordRecoveryFunding(testUtxo(1)))
	c.Terms = fn.Some(escrow.LoanTerms{
		BorrowerAddress: testBorrowerAddr,
		LenderAddress:   testLenderAddr,
		AmountOwed:      120_000,
	})
	require.NoError(t, db.UpdateContract(c))

	stored, err = db.FetchContract(testLoanID)
	require.NoError(t, err)
	require.Equal(t, c, stored)
	require.Equal(t, escrow.StateFunded, stored.State)

	_, err = db.FetchContract("unknown")
	require.ErrorIs(t, err, ErrContractNotFound)
	require.ErrorIs(
		t, db.UpdateContract(newTestContract(t, "unknown")),
		ErrContractNotFound,
	)

	other := newTestContract(t, "loan-other")
	require.NoError(t, db.CreateContract(other))

	contracts, err := db.ListContracts()
	require.NoError(t, err)
	require.Len(t, contracts, 2)
	require.Equal(t, testLoanID, contracts[0].LoanID)
	require.Equal(t, "loan-other", contracts[1].LoanID)
}

// TestTemplateRoundTrip stores templates in each signing state.
func TestTemplateRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	c := newTestContract(t, testLoanID)
	require.NoError(t, db.CreateContract(c))

	factory := presign.NewFactory(&presign.Config{
		Network: escrow.NetworkTestnet,
		Clock:   clock.NewTestClock(testNow),
	})

	recovery, err := factory.Recovery(
		testLoanID, c.Parties, testUtxo(1), testBorrowerAddr, 144,
		chainfee.SatPerVByte(5),
	)
	require.NoError(t, err)
	require.NoError(t, db.PutTemplate(recovery))

	repayment, err := factory.Repayment(
		testLoanID, c.WitnessScript, testUtxo(0), testBorrowerAddr,
		chainfee.SatPerVByte(5),
	)
	require.NoError(t, err)

	sign := func(role keychain.Role) {
		key, err := keychain.DeriveKey(testLoanID, role, testPassphrase)
		require.NoError(t, err)

		_, err = repayment.Sign(key)
		require.NoError(t, err)
	}

	checkStored := func(state presign.State) {
		require.NoError(t, db.PutTemplate(repayment))

		stored, err := db.FetchTemplate(
			testLoanID, presign.TxTypeRepayment,
		)
		require.NoError(t, err)
		require.Equal(t, state, stored.State)
		require.Equal(t, repayment.TxHash(), stored.TxHash())
		require.Equal(t, repayment.Fee, stored.Fee)
		require.Equal(t, repayment.Funding, stored.Funding)
		require.Equal(t, repayment.CreatedAt, stored.CreatedAt)

		want, err := repayment.Base64()
		require.NoError(t, err)
		got, err := stored.Base64()
		require.NoError(t, err)
		require.Equal(t, want, got)

		wantSigners, err := repayment.Signers()
		require.NoError(t, err)
		gotSigners, err := stored.Signers()
		require.NoError(t, err)
		require.Equal(t, wantSigners, gotSigners)
	}

	checkStored(presign.StateUnsigned)

	sign(keychain.RoleLender)
	checkStored(presign.StatePartiallySigned)

	sign(keychain.RolePlatform)
	checkStored(presign.StateReady)

	_, _, err = repayment.Finalize()
	require.NoError(t, err)
	checkStored(presign.StateFinalized)

	require.NoError(t, repayment.MarkBroadcast())
	checkStored(presign.StateBroadcast)

	templates, err := db.FetchTemplates(testLoanID)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	require.Equal(t, presign.TxTypeRepayment, templates[0].Type)
	require.Equal(t, presign.TxTypeBorrowerRecovery, templates[1].Type)
	require.Equal(t, recovery.ValidAfter, templates[1].ValidAfter)
	require.Equal(t, recovery.CSVDelay, templates[1].CSVDelay)

	_, err = db.FetchTemplate(testLoanID, presign.TxTypeDefaultLiquidation)
	require.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = db.FetchTemplates("unknown")
	require.ErrorIs(t, err, ErrContractNotFound)

	repayment.LoanID = "unknown"
	require.ErrorIs(t, db.PutTemplate(repayment), ErrContractNotFound)
}

// TestCorruptRecords makes sure inconsistent records are refused.
func TestCorruptRecords(t *testing.T) {
	t.Parallel()

	c := newTestContract(t, testLoanID)

	var buf bytes.Buffer
	require.NoError(t, serializeContract(&buf, c))
	encoded := buf.Bytes()

	// A record read back under another loan id still decodes, the id is
	// the bucket key.
	_, err := deserializeContract("other", bytes.NewReader(encoded))
	require.NoError(t, err)

	_, err = deserializeContract(
		testLoanID, bytes.NewReader(encoded[:len(encoded)/2]),
	)
	require.ErrorIs(t, err, ErrCorruptRecord)

	// Swapping the lender key for another valid key makes the stored
	// script disagree with the rebuilt one.
	swapped := *c
	swapped.Escrow = &escrow.Escrow{}
	*swapped.Escrow = *c.Escrow
	other := newTestContract(t, "loan-other")
	swapped.Parties[keychain.RoleLender] = other.Parties[keychain.RoleLender]

	buf.Reset()
	require.NoError(t, serializeContract(&buf, &swapped))
	_, err = deserializeContract(testLoanID, bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ErrCorruptRecord)

	// Unknown states are refused.
	bad := *c
	bad.State = escrow.State(42)
	buf.Reset()
	require.NoError(t, serializeContract(&buf, &bad))
	_, err = deserializeContract(testLoanID, bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ErrCorruptRecord)

	_, err = deserializeTemplate(testLoanID, bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrCorruptRecord)
}
