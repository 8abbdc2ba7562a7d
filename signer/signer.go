package signer

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/input"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/lnutils"
)

// KeySigner is an input.Signer backed by a single in-memory key.
type KeySigner struct {
	key keychain.SingleKeyDigestSigner
}

// NewKeySigner creates a signer for the given key.
func NewKeySigner(key keychain.SingleKeyDigestSigner) *KeySigner {
	return &KeySigner{key: key}
}

// SignOutputRaw generates a signature for the passed transaction according to
// the data within the passed SignDescriptor.
//
// NOTE: This is part of the input.Signer interface.
func (k *KeySigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *input.SignDescriptor) (*ecdsa.Signature, error) {

	if err := signDesc.Validate(); err != nil {
		return nil, err
	}

	if signDesc.PubKey != nil && !signDesc.PubKey.IsEqual(k.key.PubKey()) {
		return nil, fmt.Errorf("sign descriptor is for key %x, signer "+
			"holds %x", signDesc.PubKey.SerializeCompressed(),
			k.key.PubKey().SerializeCompressed())
	}

	sigHash, err := signDesc.SigHash(tx)
	if err != nil {
		return nil, err
	}

	var digest [32]byte
	copy(digest[:], sigHash)

	return k.key.SignDigest(digest)
}

// A compile time check to ensure KeySigner implements the input.Signer
// interface.
var _ input.Signer = (*KeySigner)(nil)

// Sign signs input idx of the packet with the ephemeral key and appends the
// partial signature. The key is zeroed before Sign returns, on every path.
func Sign(packet *psbt.Packet, key *keychain.EphemeralKey,
	idx int) (*psbt.PartialSig, error) {

	defer key.Zero()

	if key.IsZero() {
		return nil, keychain.ErrKeyZeroed
	}

	return SignWith(packet, NewKeySigner(key), key.PubKey().
		SerializeCompressed(), idx)
}

// SignWith signs input idx of the packet with an arbitrary input.Signer
// holding the given escrow key, verifies the result and appends it as a
// partial signature.
func SignWith(packet *psbt.Packet, s input.Signer, pubKey []byte,
	idx int) (*psbt.PartialSig, error) {

	key, err := input.ParsePubKey(pubKey)
	if err != nil {
		return nil, err
	}

	if err := checkSigner(packet, pubKey, idx); err != nil {
		return nil, err
	}

	signDesc, err := signDescriptor(packet, idx, key)
	if err != nil {
		return nil, err
	}

	sig, err := s.SignOutputRaw(packet.UnsignedTx, signDesc)
	if err != nil {
		return nil, fmt.Errorf("unable to sign input %d: %w", idx, err)
	}

	partialSig := &psbt.PartialSig{
		PubKey:    pubKey,
		Signature: append(sig.Serialize(), byte(signDesc.HashType)),
	}
	if err := AddPartialSig(packet, idx, partialSig); err != nil {
		return nil, err
	}

	log.Debugf("Signed input %d of %v with key %x", idx,
		packet.UnsignedTx.TxHash(), pubKey)

	return partialSig, nil
}

// checkSigner makes sure the key is one of the escrow keys of the input and
// has not signed it yet.
func checkSigner(packet *psbt.Packet, pubKey []byte, idx int) error {
	in, err := pInput(packet, idx)
	if err != nil {
		return err
	}

	script, err := escrowInput(in)
	if err != nil {
		return err
	}

	if script.KeyIndex(pubKey) < 0 {
		return fmt.Errorf("%w: %x", ErrUnknownSigner, pubKey)
	}

	for _, partialSig := range in.PartialSigs {
		if bytes.Equal(partialSig.PubKey, pubKey) {
			return fmt.Errorf("%w: %x", ErrDuplicateSigner, pubKey)
		}
	}

	return nil
}

// AddPartialSig verifies a signature produced elsewhere and appends it to
// input idx. Only signatures by escrow keys that verify against the input's
// digest are accepted.
func AddPartialSig(packet *psbt.Packet, idx int,
	partialSig *psbt.PartialSig) error {

	if err := checkSigner(packet, partialSig.PubKey, idx); err != nil {
		return err
	}

	err := verifyPartialSig(
		packet, idx, partialSig.PubKey, partialSig.Signature,
	)
	if err != nil {
		return err
	}

	in := &packet.Inputs[idx]
	in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
		PubKey:    append([]byte(nil), partialSig.PubKey...),
		Signature: append([]byte(nil), partialSig.Signature...),
	})

	return nil
}

// Finalize builds the final witness of input idx from two valid signatures by
// distinct escrow keys:
//
//	<nil> <sig_a> <sig_b> <witnessScript>
//
// with the signatures in script key order. The partial signature fields are
// cleared as BIP-174 requires for finalized inputs.
func Finalize(packet *psbt.Packet, idx int) error {
	in, err := pInput(packet, idx)
	if err != nil {
		return err
	}

	signers, err := ValidSigners(packet, idx)
	if err != nil {
		return err
	}
	if len(signers) < input.EscrowSigsRequired {
		return fmt.Errorf("%w: input %d has %d", ErrInsufficientSignatures,
			idx, len(signers))
	}

	sigFor := func(pubKey []byte) []byte {
		for _, partialSig := range in.PartialSigs {
			if bytes.Equal(partialSig.PubKey, pubKey) {
				return partialSig.Signature
			}
		}

		return nil
	}

	pubA, pubB := signers[0], signers[1]
	witness := input.SpendEscrow(
		in.WitnessScript, pubA, sigFor(pubA), pubB, sigFor(pubB),
	)

	var buf bytes.Buffer
	if err := psbt.WriteTxWitness(&buf, witness); err != nil {
		return err
	}

	in.FinalScriptWitness = buf.Bytes()
	in.PartialSigs = nil
	in.SighashType = 0
	in.WitnessScript = nil
	in.Bip32Derivation = nil

	log.Tracef("Finalized input %d: %v", idx,
		lnutils.SpewLogClosure(witness))

	return nil
}

// FinalizeAndExtract finalizes every input of the packet and extracts the
// network serialized transaction. It returns the raw transaction in hex and
// its txid.
func FinalizeAndExtract(packet *psbt.Packet) (string, chainhash.Hash,
	error) {

	tx, err := FinalizeAndExtractTx(packet)
	if err != nil {
		return "", chainhash.Hash{}, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", chainhash.Hash{}, err
	}

	return hex.EncodeToString(buf.Bytes()), tx.TxHash(), nil
}

// FinalizeAndExtractTx is FinalizeAndExtract returning the transaction
// itself.
func FinalizeAndExtractTx(packet *psbt.Packet) (*wire.MsgTx, error) {
	if packet == nil || packet.UnsignedTx == nil ||
		len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {

		return nil, fmt.Errorf("%w: malformed packet",
			ErrInvalidInputIndex)
	}

	// A final witness cannot be checked against the signature threshold,
	// so only inputs still carrying their partial signatures are accepted.
	for idx := range packet.Inputs {
		in := &packet.Inputs[idx]
		if len(in.FinalScriptWitness) != 0 || len(in.FinalScriptSig) != 0 {
			return nil, fmt.Errorf("%w: input %d", ErrInputFinalized,
				idx)
		}
	}

	for idx := range packet.UnsignedTx.TxIn {
		if err := Finalize(packet, idx); err != nil {
			return nil, err
		}
	}

	return psbt.Extract(packet)
}
