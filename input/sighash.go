package input

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// sigHashMask defines the number of bits of the hash type which is
	// used to identify which outputs are signed.
	sigHashMask = 0x1f
)

var (
	// ErrSigHashInputIndex is returned when the input index to compute a
	// sighash for is outside of the transaction's input set.
	ErrSigHashInputIndex = errors.New("input index out of range")

	// ErrUnknownSigHashType is returned for hash types whose base type is
	// not one of ALL, NONE or SINGLE.
	ErrUnknownSigHashType = errors.New("unknown sighash type")
)

// SigHashMidstate houses the three BIP-143 hashes that are shared by every
// input of a transaction. Computing them once lets a signer hash many inputs
// in linear time.
type SigHashMidstate struct {
	// HashPrevOuts is the double SHA-256 of every input outpoint.
	HashPrevOuts chainhash.Hash

	// HashSequence is the double SHA-256 of every input sequence.
	HashSequence chainhash.Hash

	// HashOutputs is the double SHA-256 of every serialized output.
	HashOutputs chainhash.Hash
}

// NewSigHashMidstate computes the shared BIP-143 hashes of the transaction.
// The loops run over every input and output even for the single input spends
// built by this package, so the result stays correct for larger transactions.
func NewSigHashMidstate(tx *wire.MsgTx) *SigHashMidstate {
	var (
		prevOuts bytes.Buffer
		seqs     bytes.Buffer
		outs     bytes.Buffer
		scratch  [8]byte
	)

	for _, in := range tx.TxIn {
		prevOuts.Write(in.PreviousOutPoint.Hash[:])
		binary.LittleEndian.PutUint32(
			scratch[:4], in.PreviousOutPoint.Index,
		)
		prevOuts.Write(scratch[:4])

		binary.LittleEndian.PutUint32(scratch[:4], in.Sequence)
		seqs.Write(scratch[:4])
	}

	for _, out := range tx.TxOut {
		// Writes to a bytes.Buffer cannot fail.
		_ = writeTxOut(&outs, out)
	}

	return &SigHashMidstate{
		HashPrevOuts: chainhash.DoubleHashH(prevOuts.Bytes()),
		HashSequence: chainhash.DoubleHashH(seqs.Bytes()),
		HashOutputs:  chainhash.DoubleHashH(outs.Bytes()),
	}
}

// CalcWitnessSigHashPreimage assembles the BIP-143 signature hash preimage of
// input idx:
//
//	nVersion     (4 bytes LE)
//	hashPrevouts (32 bytes)
//	hashSequence (32 bytes)
//	outpoint     (32 byte txid in internal byte order || 4 byte LE index)
//	scriptCode   (varint length prefixed witness script)
//	value        (8 bytes LE)
//	nSequence    (4 bytes LE)
//	hashOutputs  (32 bytes)
//	nLockTime    (4 bytes LE)
//	sighashType  (4 bytes LE)
//
// Depending on the hash type, hashPrevouts, hashSequence and hashOutputs are
// replaced by 32 zero bytes or, for SIGHASH_SINGLE, by the hash of the single
// matching output.
func CalcWitnessSigHashPreimage(scriptCode []byte, midstate *SigHashMidstate,
	hashType txscript.SigHashType, tx *wire.MsgTx, idx int,
	amt int64) ([]byte, error) {

	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)",
			ErrSigHashInputIndex, idx, len(tx.TxIn))
	}

	baseType := hashType & sigHashMask
	switch baseType {
	case txscript.SigHashAll, txscript.SigHashNone,
		txscript.SigHashSingle:

	default:
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownSigHashType,
			uint32(hashType))
	}

	if midstate == nil {
		midstate = NewSigHashMidstate(tx)
	}

	var (
		zeroHash     chainhash.Hash
		anyoneCanPay = hashType&txscript.SigHashAnyOneCanPay != 0
		signsAllOuts = baseType != txscript.SigHashSingle &&
			baseType != txscript.SigHashNone
	)

	var preimage bytes.Buffer
	preimage.Grow(
		4 + 32 + 32 + 36 + wire.VarIntSerializeSize(
			uint64(len(scriptCode)),
		) + len(scriptCode) + 8 + 4 + 32 + 4 + 4,
	)

	var scratch [8]byte
	putUint32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		preimage.Write(scratch[:4])
	}

	putUint32(uint32(tx.Version))

	// hashPrevouts commits to every outpoint unless ANYONECANPAY limits
	// the signature to this input alone.
	if anyoneCanPay {
		preimage.Write(zeroHash[:])
	} else {
		preimage.Write(midstate.HashPrevOuts[:])
	}

	// hashSequence is only committed to by plain SIGHASH_ALL.
	if anyoneCanPay || !signsAllOuts {
		preimage.Write(zeroHash[:])
	} else {
		preimage.Write(midstate.HashSequence[:])
	}

	txIn := tx.TxIn[idx]
	preimage.Write(txIn.PreviousOutPoint.Hash[:])
	putUint32(txIn.PreviousOutPoint.Index)

	// For P2WSH the scriptCode is the witness script itself, serialized
	// with its length prefix.
	if err := wire.WriteVarBytes(&preimage, 0, scriptCode); err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint64(scratch[:], uint64(amt))
	preimage.Write(scratch[:])

	putUint32(txIn.Sequence)

	switch {
	case signsAllOuts:
		preimage.Write(midstate.HashOutputs[:])

	case baseType == txscript.SigHashSingle && idx < len(tx.TxOut):
		var out bytes.Buffer
		if err := writeTxOut(&out, tx.TxOut[idx]); err != nil {
			return nil, err
		}
		hashOutput := chainhash.DoubleHashH(out.Bytes())
		preimage.Write(hashOutput[:])

	default:
		preimage.Write(zeroHash[:])
	}

	putUint32(tx.LockTime)
	putUint32(uint32(hashType))

	return preimage.Bytes(), nil
}

// CalcWitnessSigHash computes the BIP-143 signature hash of input idx: the
// double SHA-256 of the preimage built by CalcWitnessSigHashPreimage. This is
// the exact 32-byte digest every escrow party signs.
func CalcWitnessSigHash(scriptCode []byte, midstate *SigHashMidstate,
	hashType txscript.SigHashType, tx *wire.MsgTx, idx int,
	amt int64) ([]byte, error) {

	preimage, err := CalcWitnessSigHashPreimage(
		scriptCode, midstate, hashType, tx, idx, amt,
	)
	if err != nil {
		return nil, err
	}

	return chainhash.DoubleHashB(preimage), nil
}

// writeTxOut serializes an output as value (8 bytes LE) followed by the
// length prefixed pkScript.
func writeTxOut(w io.Writer, out *wire.TxOut) error {
	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], uint64(out.Value))
	if _, err := w.Write(value[:]); err != nil {
		return err
	}

	return wire.WriteVarBytes(w, 0, out.PkScript)
}
