package signer

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/input"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/stretchr/testify/require"
)

const (
	testLoanID   = "loan-42"
	testValue    = 500_000
	testCSVDelay = 144
)

var testPassphrase = []byte("correcthorse42")

// deriveKey derives the test key of the given role.
func deriveKey(t *testing.T, role keychain.Role) *keychain.EphemeralKey {
	t.Helper()

	key, err := keychain.DeriveKey(testLoanID, role, testPassphrase)
	require.NoError(t, err)

	return key
}

// testKeys returns the compressed public keys of all three roles in role
// order.
func testKeys(t *testing.T) [input.NumEscrowKeys][]byte {
	t.Helper()

	var keys [input.NumEscrowKeys][]byte
	for _, role := range keychain.Roles {
		pub, err := keychain.DerivePubKey(
			testLoanID, role, testPassphrase,
		)
		require.NoError(t, err)
		keys[role] = pub.SerializeCompressed()
	}

	return keys
}

// newTestPacket builds a single input packet spending an escrow output
// locked to the given witness script.
func newTestPacket(t *testing.T, witnessScript []byte,
	sequence uint32) *psbt.Packet {

	t.Helper()

	pkScript, err := input.WitnessScriptHash(witnessScript)
	require.NoError(t, err)

	op := &wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: 1}
	packet, err := psbt.New(
		[]*wire.OutPoint{op},
		[]*wire.TxOut{wire.NewTxOut(testValue-2000, pkScript)},
		2, 0, []uint32{sequence},
	)
	require.NoError(t, err)

	updater, err := psbt.NewUpdater(packet)
	require.NoError(t, err)
	require.NoError(t, updater.AddInWitnessUtxo(
		wire.NewTxOut(testValue, pkScript), 0,
	))
	require.NoError(t, updater.AddInWitnessScript(witnessScript, 0))
	require.NoError(t, updater.AddInSighashType(txscript.SigHashAll, 0))

	return packet
}

// assertSpendValid runs the extracted transaction through the script VM.
func assertSpendValid(t *testing.T, tx *wire.MsgTx, prevOut *wire.TxOut) {
	t.Helper()

	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// derInt encodes a big-endian scalar as a minimal DER integer.
func derInt(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 && b[1]&0x80 == 0 {
		b = b[1:]
	}
	if b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}

	return append([]byte{0x02, byte(len(b))}, b...)
}

// highSSignature returns the malleated form (r, n-s) of a partial signature
// with its sighash flag. Serialize always normalizes S, so the DER encoding
// is assembled by hand.
func highSSignature(t *testing.T, sig []byte) []byte {
	t.Helper()

	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	require.NoError(t, err)

	r, s := parsed.R(), parsed.S()
	s.Negate()
	require.True(t, s.IsOverHalfOrder())

	rBytes, sBytes := r.Bytes(), s.Bytes()
	body := append(derInt(rBytes[:]), derInt(sBytes[:])...)
	der := append([]byte{0x30, byte(len(body))}, body...)

	return append(der, sig[len(sig)-1])
}

// TestSignFinalizeAllPairs signs with every 2-of-3 subset of the derived keys,
// finalizes, and checks the spend in the script VM for both escrow scripts.
func TestSignFinalizeAllPairs(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	standard, err := input.GenEscrowScript(keys)
	require.NoError(t, err)
	timelock, err := input.GenTimelockEscrowScript(keys, testCSVDelay)
	require.NoError(t, err)

	pairs := [][2]keychain.Role{
		{keychain.RoleBorrower, keychain.RoleLender},
		{keychain.RoleBorrower, keychain.RolePlatform},
		{keychain.RoleLender, keychain.RolePlatform},
		{keychain.RolePlatform, keychain.RoleBorrower},
	}

	scripts := []struct {
		name     string
		script   []byte
		sequence uint32
	}{
		{"standard", standard, wire.MaxTxInSequenceNum},
		{"timelock", timelock, input.LockTimeToSequence(testCSVDelay)},
	}

	for _, sc := range scripts {
		for _, pair := range pairs {
			sc, pair := sc, pair
			name := sc.name + "/" + pair[0].String() + "+" +
				pair[1].String()

			t.Run(name, func(t *testing.T) {
				t.Parallel()

				packet := newTestPacket(t, sc.script, sc.sequence)
				prevOut := packet.Inputs[0].WitnessUtxo

				first := deriveKey(t, pair[0])
				_, err := Sign(packet, first, 0)
				require.NoError(t, err)
				require.True(t, first.IsZero())

				// One signature is not enough.
				_, _, err = FinalizeAndExtract(packet)
				require.ErrorIs(t, err, ErrInsufficientSignatures)

				_, err = Sign(packet, deriveKey(t, pair[1]), 0)
				require.NoError(t, err)

				for _, role := range pair {
					require.NoError(t, VerifySignature(
						packet, keys[role], 0,
					))
				}

				signers, err := ValidSigners(packet, 0)
				require.NoError(t, err)
				require.Len(t, signers, 2)

				tx, err := FinalizeAndExtractTx(packet)
				require.NoError(t, err)
				require.Len(t, tx.TxIn[0].Witness, 4)
				require.Nil(t, packet.Inputs[0].PartialSigs)

				assertSpendValid(t, tx, prevOut)

				// A finalized packet is not finalized twice.
				_, err = FinalizeAndExtractTx(packet)
				require.ErrorIs(t, err, ErrInputFinalized)
			})
		}
	}
}

// TestSignRejects tests the signer's guards.
func TestSignRejects(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	script, err := input.GenEscrowScript(keys)
	require.NoError(t, err)

	t.Run("duplicate signer", func(t *testing.T) {
		t.Parallel()

		packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
		_, err := Sign(packet, deriveKey(t, keychain.RoleLender), 0)
		require.NoError(t, err)

		_, err = Sign(packet, deriveKey(t, keychain.RoleLender), 0)
		require.ErrorIs(t, err, ErrDuplicateSigner)
		require.Len(t, packet.Inputs[0].PartialSigs, 1)
	})

	t.Run("foreign key", func(t *testing.T) {
		t.Parallel()

		packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
		key, err := keychain.DeriveKey(
			"other-loan", keychain.RoleLender, testPassphrase,
		)
		require.NoError(t, err)

		_, err = Sign(packet, key, 0)
		require.ErrorIs(t, err, ErrUnknownSigner)

		// The key is wiped even though signing failed.
		require.True(t, key.IsZero())
	})

	t.Run("zeroed key", func(t *testing.T) {
		t.Parallel()

		packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
		key := deriveKey(t, keychain.RoleBorrower)
		key.Zero()

		_, err := Sign(packet, key, 0)
		require.ErrorIs(t, err, keychain.ErrKeyZeroed)
	})

	t.Run("script mismatch", func(t *testing.T) {
		t.Parallel()

		packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
		packet.Inputs[0].WitnessUtxo = wire.NewTxOut(
			testValue, []byte{txscript.OP_0, 0x14},
		)

		_, err := Sign(packet, deriveKey(t, keychain.RoleBorrower), 0)
		require.ErrorIs(t, err, ErrWitnessScriptMismatch)
	})

	t.Run("missing utxo", func(t *testing.T) {
		t.Parallel()

		packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
		packet.Inputs[0].WitnessUtxo = nil

		_, err := Sign(packet, deriveKey(t, keychain.RoleBorrower), 0)
		require.ErrorIs(t, err, ErrMissingWitnessUtxo)
	})

	t.Run("sighash single", func(t *testing.T) {
		t.Parallel()

		packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
		packet.Inputs[0].SighashType = txscript.SigHashSingle

		_, err := Sign(packet, deriveKey(t, keychain.RoleBorrower), 0)
		require.ErrorIs(t, err, ErrUnsupportedSigHash)
	})

	t.Run("bad index", func(t *testing.T) {
		t.Parallel()

		packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
		_, err := Sign(packet, deriveKey(t, keychain.RoleBorrower), 3)
		require.ErrorIs(t, err, ErrInvalidInputIndex)
	})
}

// TestVerifySignatureTampered makes sure a signature stops verifying once any
// committed field of the packet changes.
func TestVerifySignatureTampered(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	script, err := input.GenEscrowScript(keys)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		tamper func(t *testing.T, p *psbt.Packet)
	}{
		{
			name: "output value",
			tamper: func(t *testing.T, p *psbt.Packet) {
				p.UnsignedTx.TxOut[0].Value--
			},
		},
		{
			name: "utxo value",
			tamper: func(t *testing.T, p *psbt.Packet) {
				p.Inputs[0].WitnessUtxo.Value++
			},
		},
		{
			name: "sequence",
			tamper: func(t *testing.T, p *psbt.Packet) {
				p.UnsignedTx.TxIn[0].Sequence = 1
			},
		},
		{
			name: "locktime",
			tamper: func(t *testing.T, p *psbt.Packet) {
				p.UnsignedTx.LockTime = 800_000
			},
		},
		{
			name: "signature byte",
			tamper: func(t *testing.T, p *psbt.Packet) {
				sig := p.Inputs[0].PartialSigs[0].Signature
				sig[10] ^= 0x01
			},
		},
		{
			name: "high s",
			tamper: func(t *testing.T, p *psbt.Packet) {
				partialSig := p.Inputs[0].PartialSigs[0]
				partialSig.Signature = highSSignature(
					t, partialSig.Signature,
				)
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
			_, err := Sign(packet, deriveKey(t, keychain.RoleLender), 0)
			require.NoError(t, err)
			require.NoError(t, VerifySignature(
				packet, keys[keychain.RoleLender], 0,
			))

			tc.tamper(t, packet)

			err = VerifySignature(packet, keys[keychain.RoleLender], 0)
			require.ErrorIs(t, err, ErrSignatureVerificationFailure)
		})
	}

	// A key that never signed does not verify either.
	packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
	err = VerifySignature(packet, keys[keychain.RolePlatform], 0)
	require.ErrorIs(t, err, ErrSignatureVerificationFailure)
}

// TestAddPartialSigForeign tests importing a counterparty signature.
func TestAddPartialSigForeign(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	script, err := input.GenEscrowScript(keys)
	require.NoError(t, err)

	// Sign a copy of the packet elsewhere and import the signature.
	remote := newTestPacket(t, script, wire.MaxTxInSequenceNum)
	partialSig, err := Sign(remote, deriveKey(t, keychain.RolePlatform), 0)
	require.NoError(t, err)

	local := newTestPacket(t, script, wire.MaxTxInSequenceNum)
	require.NoError(t, AddPartialSig(local, 0, partialSig))
	require.ErrorIs(
		t, AddPartialSig(local, 0, partialSig), ErrDuplicateSigner,
	)

	// A signature over a different transaction is rejected.
	other := newTestPacket(t, script, 5)
	otherSig, err := Sign(other, deriveKey(t, keychain.RoleLender), 0)
	require.NoError(t, err)
	err = AddPartialSig(local, 0, otherSig)
	require.ErrorIs(t, err, ErrSignatureVerificationFailure)

	// Signing with an explicit signer through the sign descriptor path
	// works the same as Sign.
	key := deriveKey(t, keychain.RoleBorrower)
	defer key.Zero()
	_, err = SignWith(
		local, NewKeySigner(key), keys[keychain.RoleBorrower], 0,
	)
	require.NoError(t, err)

	signers, err := ValidSigners(local, 0)
	require.NoError(t, err)
	require.Len(t, signers, 2)
}

// TestAddPartialSigHighS makes sure a malleated signature is refused even
// though it is valid ECDSA, since its final witness would not be relayed.
func TestAddPartialSigHighS(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	script, err := input.GenEscrowScript(keys)
	require.NoError(t, err)

	remote := newTestPacket(t, script, wire.MaxTxInSequenceNum)
	partialSig, err := Sign(remote, deriveKey(t, keychain.RoleLender), 0)
	require.NoError(t, err)

	highS := &psbt.PartialSig{
		PubKey:    partialSig.PubKey,
		Signature: highSSignature(t, partialSig.Signature),
	}

	// The malleated signature still satisfies the curve equation.
	digest, err := SigHash(remote, 0)
	require.NoError(t, err)
	parsed, err := ecdsa.ParseDERSignature(
		highS.Signature[:len(highS.Signature)-1],
	)
	require.NoError(t, err)
	pubKey, err := btcec.ParsePubKey(highS.PubKey)
	require.NoError(t, err)
	require.True(t, parsed.Verify(digest, pubKey))

	local := newTestPacket(t, script, wire.MaxTxInSequenceNum)
	err = AddPartialSig(local, 0, highS)
	require.ErrorIs(t, err, ErrSignatureVerificationFailure)
	require.Empty(t, local.Inputs[0].PartialSigs)

	// The canonical form is still accepted.
	require.NoError(t, AddPartialSig(local, 0, partialSig))
}

// TestFinalizeRejectsFinalWitness makes sure a packet arriving with a final
// witness already in place is refused instead of being extracted unchecked.
func TestFinalizeRejectsFinalWitness(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	script, err := input.GenEscrowScript(keys)
	require.NoError(t, err)

	packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)

	var buf bytes.Buffer
	require.NoError(t, psbt.WriteTxWitness(&buf, wire.TxWitness{
		nil, {0x01}, {0x02}, script,
	}))
	packet.Inputs[0].FinalScriptWitness = buf.Bytes()

	_, err = FinalizeAndExtractTx(packet)
	require.ErrorIs(t, err, ErrInputFinalized)

	_, _, err = FinalizeAndExtract(packet)
	require.ErrorIs(t, err, ErrInputFinalized)
}

// TestVerifyWitnessScriptAndUtxo tests the pre-signing input checks.
func TestVerifyWitnessScriptAndUtxo(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	script, err := input.GenEscrowScript(keys)
	require.NoError(t, err)
	timelock, err := input.GenTimelockEscrowScript(keys, testCSVDelay)
	require.NoError(t, err)

	packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)
	require.NoError(t, VerifyWitnessScript(packet, script, 0))
	require.ErrorIs(
		t, VerifyWitnessScript(packet, timelock, 0),
		ErrWitnessScriptMismatch,
	)

	// Swapping only the witness script, keeping the utxo, is caught too.
	packet.Inputs[0].WitnessScript = timelock
	require.ErrorIs(
		t, VerifyWitnessScript(packet, timelock, 0),
		ErrWitnessScriptMismatch,
	)

	require.NoError(t, VerifyUtxo(packet, chainhash.Hash{0xaa}, 1, 0))
	require.ErrorIs(
		t, VerifyUtxo(packet, chainhash.Hash{0xaa}, 0, 0),
		escrow.ErrUtxoMismatch,
	)
	require.ErrorIs(
		t, VerifyUtxo(packet, chainhash.Hash{0xbb}, 1, 0),
		escrow.ErrUtxoMismatch,
	)
}

// TestKeySignerWrongKey makes sure the sign descriptor key is enforced.
func TestKeySignerWrongKey(t *testing.T) {
	t.Parallel()

	keys := testKeys(t)
	script, err := input.GenEscrowScript(keys)
	require.NoError(t, err)
	packet := newTestPacket(t, script, wire.MaxTxInSequenceNum)

	lender := deriveKey(t, keychain.RoleLender)
	defer lender.Zero()

	borrowerPub, err := btcec.ParsePubKey(keys[keychain.RoleBorrower])
	require.NoError(t, err)

	signDesc, err := signDescriptor(packet, 0, borrowerPub)
	require.NoError(t, err)

	_, err = NewKeySigner(lender).SignOutputRaw(
		packet.UnsignedTx, signDesc,
	)
	require.Error(t, err)
}
