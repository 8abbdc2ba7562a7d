package signer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/input"
)

var (
	// ErrSignatureVerificationFailure is returned when a partial signature
	// is missing or does not verify against the input's sighash.
	ErrSignatureVerificationFailure = errors.New("signature verification " +
		"failed")

	// ErrWitnessScriptMismatch is returned when an input's witness script
	// or spent output does not commit to the expected escrow script.
	ErrWitnessScriptMismatch = errors.New("witness script mismatch")

	// ErrMissingWitnessUtxo is returned for inputs without the spent
	// output.
	ErrMissingWitnessUtxo = errors.New("psbt input is missing the " +
		"witness utxo")

	// ErrUnknownSigner is returned when a key is not committed to by the
	// input's witness script.
	ErrUnknownSigner = errors.New("key is not part of the escrow script")

	// ErrDuplicateSigner is returned when a key already signed the input.
	ErrDuplicateSigner = errors.New("key already signed this input")

	// ErrInsufficientSignatures is returned when finalizing an input that
	// does not carry two valid signatures from distinct escrow keys.
	ErrInsufficientSignatures = errors.New("escrow input needs two valid " +
		"signatures")

	// ErrInputFinalized is returned when finalizing a packet with an input
	// that already carries a final witness.
	ErrInputFinalized = errors.New("psbt input is already finalized")

	// ErrInvalidInputIndex is returned for an input index that is not part
	// of the packet.
	ErrInvalidInputIndex = errors.New("psbt input index out of range")

	// ErrUnsupportedSigHash is returned for any sighash type other than
	// SIGHASH_ALL.
	ErrUnsupportedSigHash = errors.New("escrow inputs must be signed " +
		"with SIGHASH_ALL")
)

// pInput returns the PSBT input at idx after checking the index against both
// the unsigned transaction and the input list.
func pInput(packet *psbt.Packet, idx int) (*psbt.PInput, error) {
	if packet == nil || packet.UnsignedTx == nil {
		return nil, fmt.Errorf("%w: empty packet", ErrInvalidInputIndex)
	}
	if idx < 0 || idx >= len(packet.Inputs) ||
		idx >= len(packet.UnsignedTx.TxIn) {

		return nil, fmt.Errorf("%w: %d", ErrInvalidInputIndex, idx)
	}

	return &packet.Inputs[idx], nil
}

// sigHashType returns the sighash type of an input, defaulting to
// SIGHASH_ALL. Any other type is rejected since the escrow templates fix
// their complete output set.
func sigHashType(in *psbt.PInput) (txscript.SigHashType, error) {
	switch in.SighashType {
	case 0, txscript.SigHashAll:
		return txscript.SigHashAll, nil

	default:
		return 0, fmt.Errorf("%w: got %v", ErrUnsupportedSigHash,
			in.SighashType)
	}
}

// escrowInput checks that the input carries a witness UTXO and an escrow
// witness script that the UTXO's pkScript commits to, and returns the parsed
// script.
func escrowInput(in *psbt.PInput) (*input.EscrowScript, error) {
	if in.WitnessUtxo == nil {
		return nil, ErrMissingWitnessUtxo
	}
	if len(in.WitnessScript) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrWitnessScriptMismatch,
			input.ErrMissingWitnessScript)
	}

	pkScript, err := input.WitnessScriptHash(in.WitnessScript)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pkScript, in.WitnessUtxo.PkScript) {
		return nil, fmt.Errorf("%w: utxo script %x does not commit "+
			"to the input witness script", ErrWitnessScriptMismatch,
			in.WitnessUtxo.PkScript)
	}

	script, err := input.ParseEscrowScript(in.WitnessScript)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWitnessScriptMismatch, err)
	}

	return script, nil
}

// signDescriptor assembles the sign descriptor of an escrow input.
func signDescriptor(packet *psbt.Packet, idx int,
	pubKey *btcec.PublicKey) (*input.SignDescriptor, error) {

	in, err := pInput(packet, idx)
	if err != nil {
		return nil, err
	}

	if _, err := escrowInput(in); err != nil {
		return nil, err
	}

	hashType, err := sigHashType(in)
	if err != nil {
		return nil, err
	}

	return &input.SignDescriptor{
		PubKey:        pubKey,
		WitnessScript: in.WitnessScript,
		Output:        in.WitnessUtxo,
		HashType:      hashType,
		SigHashes:     input.NewSigHashMidstate(packet.UnsignedTx),
		InputIndex:    idx,
	}, nil
}

// SigHash recomputes the BIP-143 digest of an escrow input from the packet's
// current contents.
func SigHash(packet *psbt.Packet, idx int) ([]byte, error) {
	signDesc, err := signDescriptor(packet, idx, nil)
	if err != nil {
		return nil, err
	}

	return signDesc.SigHash(packet.UnsignedTx)
}

// verifyPartialSig checks a single DER signature with trailing sighash flag
// against the input's digest.
func verifyPartialSig(packet *psbt.Packet, idx int, pubKey, sig []byte) error {
	in, err := pInput(packet, idx)
	if err != nil {
		return err
	}

	hashType, err := sigHashType(in)
	if err != nil {
		return err
	}

	if len(sig) < 2 || txscript.SigHashType(sig[len(sig)-1]) != hashType {
		return fmt.Errorf("%w: signature does not end in sighash "+
			"flag %v", ErrSignatureVerificationFailure, hashType)
	}

	parsedSig, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerificationFailure, err)
	}

	// Relay policy only accepts low-S signatures, a final witness built
	// from a high-S one could never be broadcast.
	if s := parsedSig.S(); s.IsOverHalfOrder() {
		return fmt.Errorf("%w: signature by %x has a high S value",
			ErrSignatureVerificationFailure, pubKey)
	}

	key, err := input.ParsePubKey(pubKey)
	if err != nil {
		return err
	}

	digest, err := SigHash(packet, idx)
	if err != nil {
		return err
	}

	if !parsedSig.Verify(digest, key) {
		return fmt.Errorf("%w: signature by %x does not match the "+
			"input digest", ErrSignatureVerificationFailure, pubKey)
	}

	return nil
}

// VerifySignature checks that the input holds a partial signature by the
// given key and that it verifies against the digest recomputed from the
// packet's current bytes.
func VerifySignature(packet *psbt.Packet, pubKey []byte, idx int) error {
	in, err := pInput(packet, idx)
	if err != nil {
		return err
	}

	for _, partialSig := range in.PartialSigs {
		if !bytes.Equal(partialSig.PubKey, pubKey) {
			continue
		}

		return verifyPartialSig(
			packet, idx, partialSig.PubKey, partialSig.Signature,
		)
	}

	return fmt.Errorf("%w: no signature by %x on input %d",
		ErrSignatureVerificationFailure, pubKey, idx)
}

// VerifyWitnessScript checks that the input's witness script equals the
// expected one and that the spent output pays to its P2WSH.
func VerifyWitnessScript(packet *psbt.Packet, expected []byte, idx int) error {
	in, err := pInput(packet, idx)
	if err != nil {
		return err
	}
	if in.WitnessUtxo == nil {
		return ErrMissingWitnessUtxo
	}

	pkScript, err := input.WitnessScriptHash(expected)
	if err != nil {
		return err
	}

	if !bytes.Equal(in.WitnessScript, expected) {
		return fmt.Errorf("%w: input %d carries script %x",
			ErrWitnessScriptMismatch, idx, in.WitnessScript)
	}
	if !bytes.Equal(in.WitnessUtxo.PkScript, pkScript) {
		return fmt.Errorf("%w: input %d spends script %x, expected %x",
			ErrWitnessScriptMismatch, idx, in.WitnessUtxo.PkScript,
			pkScript)
	}

	return nil
}

// VerifyUtxo checks that the input spends the given outpoint.
func VerifyUtxo(packet *psbt.Packet, txid chainhash.Hash, vout uint32,
	idx int) error {

	if _, err := pInput(packet, idx); err != nil {
		return err
	}

	got := packet.UnsignedTx.TxIn[idx].PreviousOutPoint
	want := wire.OutPoint{Hash: txid, Index: vout}
	if got != want {
		return fmt.Errorf("%w: input %d spends %v, expected %v",
			escrow.ErrUtxoMismatch, idx, got, want)
	}

	return nil
}

// ValidSigners returns the script keys, in script order, that hold a valid
// signature on the input. Invalid or foreign signatures are skipped.
func ValidSigners(packet *psbt.Packet, idx int) ([][]byte, error) {
	in, err := pInput(packet, idx)
	if err != nil {
		return nil, err
	}

	script, err := escrowInput(in)
	if err != nil {
		return nil, err
	}

	var signers [][]byte
	for _, key := range script.Keys {
		if err := VerifySignature(packet, key, idx); err != nil {
			continue
		}
		signers = append(signers, key)
	}

	return signers, nil
}
