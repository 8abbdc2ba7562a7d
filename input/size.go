package input

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// witnessScaleFactor determines the level of "discount" witness data
	// receives compared to "base" data.
	witnessScaleFactor = blockchain.WitnessScaleFactor

	// P2WSHSize 34 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (WitnessScriptSHA256 length)
	//	- WitnessScriptSHA256: 32 bytes
	P2WSHSize = 1 + 1 + 32

	// P2WKHSize 22 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (PublicKeyHASH160 length)
	//	- PublicKeyHASH160: 20 bytes
	P2WKHSize = 1 + 1 + 20

	// P2TRSize 34 bytes
	//	- OP_1: 1 byte
	//	- OP_DATA: 1 byte (x-only public key length)
	//	- x-only public key: 32 bytes
	P2TRSize = 1 + 1 + 32

	// MaxOutputPkScriptSize is the largest standard output script an
	// escrow payout can pay to. Template fees are estimated against it so
	// they do not depend on the destination address type.
	MaxOutputPkScriptSize = P2WSHSize

	// MaxOutputSize 43 bytes
	//	- value: 8 bytes
	//	- var_int: 1 byte (pkscript_length)
	//	- pkscript: 34 bytes
	MaxOutputSize = 8 + 1 + MaxOutputPkScriptSize

	// EscrowWitnessScriptSize 105 bytes
	//	- OP_2: 1 byte
	//	- 3 * (OP_DATA: 1 byte + pubkey: 33 bytes)
	//	- OP_3: 1 byte
	//	- OP_CHECKMULTISIG: 1 byte
	EscrowWitnessScriptSize = 1 + NumEscrowKeys*(1+33) + 1 + 1

	// TimelockEscrowWitnessScriptSize 111 bytes
	//	- csv delay push: up to 4 bytes (OP_DATA_3 + 3 byte script num
	//	  for delays of 0x8000 and above)
	//	- OP_CHECKSEQUENCEVERIFY: 1 byte
	//	- OP_DROP: 1 byte
	//	- escrow script: 105 bytes
	TimelockEscrowWitnessScriptSize = 4 + 1 + 1 + EscrowWitnessScriptSize

	// MaxSignatureSize is the largest DER signature plus its sighash
	// flag.
	MaxSignatureSize = 73

	// EscrowWitnessSize 256 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- NilLength: 1 byte
	//	- 2 * (sigLength: 1 byte + sig: 73 bytes)
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript: 105 bytes
	EscrowWitnessSize = 1 + 1 + EscrowSigsRequired*(1+MaxSignatureSize) +
		1 + EscrowWitnessScriptSize

	// TimelockEscrowWitnessSize 262 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- NilLength: 1 byte
	//	- 2 * (sigLength: 1 byte + sig: 73 bytes)
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript: 111 bytes
	TimelockEscrowWitnessSize = 1 + 1 +
		EscrowSigsRequired*(1+MaxSignatureSize) + 1 +
		TimelockEscrowWitnessScriptSize

	// BaseTxSize 8 bytes
	//	- Version: 4 bytes
	//	- LockTime: 4 bytes
	BaseTxSize = 4 + 4

	// InputSize 41 bytes
	//	- PreviousOutPoint:
	//		- Hash: 32 bytes
	//		- Index: 4 bytes
	//	- OP_DATA: 1 byte (ScriptSigLength)
	//	- ScriptSig: 0 bytes
	//	- Witness <----	we use "Witness" instead of "ScriptSig" for
	//			transaction validation, but "Witness" is stored
	//			separately and weight for it size is smaller. So
	//			we separate the calculation of ordinary data
	//			from witness data.
	//	- Sequence: 4 bytes
	InputSize = 32 + 4 + 1 + 4

	// WitnessHeaderSize 2 bytes
	//	- Flag: 1 byte
	//	- Marker: 1 byte
	WitnessHeaderSize = 1 + 1
)

// TxWeightEstimator is able to calculate weight estimates for transactions
// based on the input and output types. For purposes of estimation, all
// signatures are assumed to be of the maximum possible size, 73 bytes.
type TxWeightEstimator struct {
	hasWitness       bool
	inputCount       uint32
	outputCount      uint32
	inputSize        int
	inputWitnessSize int
	outputSize       int
}

// AddWitnessInput updates the weight estimate to account for an additional
// input spending a native segwit output with the given witness size. The
// witness size must include the witness item count.
func (twe *TxWeightEstimator) AddWitnessInput(
	witnessSize int) *TxWeightEstimator {

	twe.inputSize += InputSize
	twe.inputWitnessSize += witnessSize
	twe.inputCount++
	twe.hasWitness = true

	return twe
}

// AddEscrowInput updates the weight estimate to account for a 2-of-3 spend
// of a standard escrow output.
func (twe *TxWeightEstimator) AddEscrowInput() *TxWeightEstimator {
	return twe.AddWitnessInput(EscrowWitnessSize)
}

// AddTimelockEscrowInput updates the weight estimate to account for a 2-of-3
// spend of a CSV gated escrow output.
func (twe *TxWeightEstimator) AddTimelockEscrowInput() *TxWeightEstimator {
	return twe.AddWitnessInput(TimelockEscrowWitnessSize)
}

// AddOutput estimates the weight of an output based on the pkScript size.
func (twe *TxWeightEstimator) AddOutput(pkScriptSize int) *TxWeightEstimator {
	twe.outputSize += 8 + wire.VarIntSerializeSize(uint64(pkScriptSize)) +
		pkScriptSize
	twe.outputCount++

	return twe
}

// AddP2WKHOutput updates the weight estimate to account for an additional
// native P2WKH output.
func (twe *TxWeightEstimator) AddP2WKHOutput() *TxWeightEstimator {
	return twe.AddOutput(P2WKHSize)
}

// AddP2WSHOutput updates the weight estimate to account for an additional
// native P2WSH output.
func (twe *TxWeightEstimator) AddP2WSHOutput() *TxWeightEstimator {
	return twe.AddOutput(P2WSHSize)
}

// AddP2TROutput updates the weight estimate to account for an additional
// native P2TR output.
func (twe *TxWeightEstimator) AddP2TROutput() *TxWeightEstimator {
	return twe.AddOutput(P2TRSize)
}

// Weight gets the estimated weight of the transaction.
func (twe *TxWeightEstimator) Weight() int {
	txSizeStripped := BaseTxSize +
		wire.VarIntSerializeSize(uint64(twe.inputCount)) +
		twe.inputSize +
		wire.VarIntSerializeSize(uint64(twe.outputCount)) +
		twe.outputSize
	weight := txSizeStripped * witnessScaleFactor
	if twe.hasWitness {
		weight += WitnessHeaderSize + twe.inputWitnessSize
	}

	return weight
}

// VSize gets the estimated virtual size of the transactions, in vbytes.
func (twe *TxWeightEstimator) VSize() int {
	// A tx's vsize is 1/4 of the weight, rounded up.
	return (twe.Weight() + witnessScaleFactor - 1) / witnessScaleFactor
}
