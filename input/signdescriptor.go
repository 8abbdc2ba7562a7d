package input

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMissingWitnessScript is returned when a sign descriptor does not
	// carry the witness script of the output being spent.
	ErrMissingWitnessScript = errors.New("sign descriptor is missing the " +
		"witness script")

	// ErrMissingOutput is returned when a sign descriptor does not carry
	// the output being spent.
	ErrMissingOutput = errors.New("sign descriptor is missing the " +
		"spent output")
)

// SignDescriptor houses the necessary information required to successfully
// sign a given escrow input. This struct is used by the Signer interface in
// order to gain access to critical data needed to generate a valid signature.
type SignDescriptor struct {
	// PubKey is the public key of the signing party. It must be one of
	// the keys committed to by WitnessScript.
	PubKey *btcec.PublicKey

	// WitnessScript is the full escrow script required to redeem the
	// output. It doubles as the BIP-143 scriptCode.
	WitnessScript []byte

	// Output is the target output which should be signed. The PkScript and
	// Value fields within the output should be properly populated,
	// otherwise an invalid signature may be generated.
	Output *wire.TxOut

	// HashType is the target sighash type that should be used when
	// generating the final sighash, and signature.
	HashType txscript.SigHashType

	// SigHashes is the pre-computed sighash midstate to be used when
	// generating the final sighash for signing. If nil it is computed on
	// demand.
	SigHashes *SigHashMidstate

	// InputIndex is the target input within the transaction that should be
	// signed.
	InputIndex int
}

// Validate checks that the descriptor is complete and that the output pays to
// the P2WSH of the witness script.
func (sd *SignDescriptor) Validate() error {
	if len(sd.WitnessScript) == 0 {
		return ErrMissingWitnessScript
	}
	if sd.Output == nil {
		return ErrMissingOutput
	}

	pkScript, err := WitnessScriptHash(sd.WitnessScript)
	if err != nil {
		return err
	}
	if !bytes.Equal(pkScript, sd.Output.PkScript) {
		return fmt.Errorf("output script %x does not commit to the "+
			"witness script", sd.Output.PkScript)
	}

	return nil
}

// SigHash computes the BIP-143 digest this descriptor's input must be signed
// over within tx.
func (sd *SignDescriptor) SigHash(tx *wire.MsgTx) ([]byte, error) {
	return CalcWitnessSigHash(
		sd.WitnessScript, sd.SigHashes, sd.HashType, tx,
		sd.InputIndex, sd.Output.Value,
	)
}
