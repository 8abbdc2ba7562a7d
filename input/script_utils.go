package input

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// NumEscrowKeys is the number of keys committed to by an escrow
	// script.
	NumEscrowKeys = 3

	// EscrowSigsRequired is the number of signatures required to spend an
	// escrow output.
	EscrowSigsRequired = 2

	// MaxCSVDelay is the largest relative block delay that BIP-68 can
	// express in the 16-bit value field of a block based sequence lock.
	MaxCSVDelay = 0xffff

	// SequenceLockTimeMask masks the value bits of a BIP-68 sequence.
	SequenceLockTimeMask = 0x0000ffff

	// SequenceLockTimeIsSeconds is the flag marking a time based BIP-68
	// sequence lock. Escrow scripts only use block based locks.
	SequenceLockTimeIsSeconds = 1 << 22

	// SequenceLockTimeDisabled is the flag that disables BIP-68 for an
	// input.
	SequenceLockTimeDisabled = 1 << 31
)

var (
	// ErrInvalidPublicKey is returned when a key is not a 33-byte
	// compressed secp256k1 public key.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrDuplicateKey is returned when the same public key appears more
	// than once in an escrow key set.
	ErrDuplicateKey = errors.New("duplicate public key in escrow key set")

	// ErrInvalidCSVDelay is returned for a relative delay that cannot be
	// expressed as a block based BIP-68 sequence lock.
	ErrInvalidCSVDelay = fmt.Errorf("csv delay must be between 1 and %d "+
		"blocks", MaxCSVDelay)

	// ErrNotEscrowScript is returned when a script does not match either
	// escrow script template byte for byte.
	ErrNotEscrowScript = errors.New("script is not an escrow witness " +
		"script")
)

// ParsePubKey validates that key is a 33-byte compressed public key with a
// 0x02 or 0x03 prefix that lies on the curve.
func ParsePubKey(key []byte) (*btcec.PublicKey, error) {
	if len(key) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidPublicKey, btcec.PubKeyBytesLenCompressed,
			len(key))
	}

	if !btcec.IsCompressedPubKey(key) {
		return nil, fmt.Errorf("%w: prefix 0x%02x is not a "+
			"compressed key prefix", ErrInvalidPublicKey, key[0])
	}

	pubKey, err := btcec.ParsePubKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	return pubKey, nil
}

// SortEscrowKeys validates the three keys and returns copies of them sorted in
// byte-lexicographic order. The order of the keys in the script determines its
// hash and therefore the escrow address, so every party reconstructing the
// script offline must arrive at the same order regardless of the order in
// which the keys were supplied.
func SortEscrowKeys(keys [NumEscrowKeys][]byte) ([NumEscrowKeys][]byte,
	error) {

	var sorted [NumEscrowKeys][]byte
	for i, key := range keys {
		if _, err := ParsePubKey(key); err != nil {
			return sorted, fmt.Errorf("key %d: %w", i, err)
		}

		sorted[i] = append([]byte(nil), key...)
	}

	sort.Slice(sorted[:], func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	for i := 1; i < NumEscrowKeys; i++ {
		if bytes.Equal(sorted[i-1], sorted[i]) {
			return sorted, ErrDuplicateKey
		}
	}

	return sorted, nil
}

// GenEscrowScript generates the 2-of-3 multisig witness script over the given
// keys:
//
//	OP_2 <pk1> <pk2> <pk3> OP_3 OP_CHECKMULTISIG
//
// with the keys sorted lexicographically.
func GenEscrowScript(keys [NumEscrowKeys][]byte) ([]byte, error) {
	sorted, err := SortEscrowKeys(keys)
	if err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder(
		txscript.WithScriptAllocSize(EscrowWitnessScriptSize),
	)
	addMultiSig(bldr, sorted)

	return bldr.Script()
}

// GenTimelockEscrowScript generates the CSV gated variant of the escrow script
// used by the borrower recovery path:
//
//	<csvDelay> OP_CHECKSEQUENCEVERIFY OP_DROP
//	OP_2 <pk1> <pk2> <pk3> OP_3 OP_CHECKMULTISIG
//
// The delay is pushed with the minimal script number encoding and counts
// blocks.
func GenTimelockEscrowScript(keys [NumEscrowKeys][]byte,
	csvDelay uint32) ([]byte, error) {

	if csvDelay == 0 || csvDelay > MaxCSVDelay {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCSVDelay,
			csvDelay)
	}

	sorted, err := SortEscrowKeys(keys)
	if err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder(
		txscript.WithScriptAllocSize(TimelockEscrowWitnessScriptSize),
	)
	bldr.AddInt64(int64(csvDelay))
	bldr.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	bldr.AddOp(txscript.OP_DROP)
	addMultiSig(bldr, sorted)

	return bldr.Script()
}

// addMultiSig appends the 2-of-3 CHECKMULTISIG clause over already sorted
// keys.
func addMultiSig(bldr *txscript.ScriptBuilder,
	sorted [NumEscrowKeys][]byte) {

	bldr.AddOp(txscript.OP_2)
	for _, key := range sorted {
		bldr.AddData(key)
	}
	bldr.AddOp(txscript.OP_3)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
}

// EscrowScript is the parsed form of an escrow witness script.
type EscrowScript struct {
	// Keys are the committed public keys in script order.
	Keys [NumEscrowKeys][]byte

	// CSVDelay is the relative block delay of the timelocked variant, or
	// zero for the standard script.
	CSVDelay uint32
}

// KeyIndex returns the script position of the given serialized key, or -1 if
// the key is not committed to by the script.
func (e *EscrowScript) KeyIndex(key []byte) int {
	for i, k := range e.Keys {
		if bytes.Equal(k, key) {
			return i
		}
	}

	return -1
}

// ParseEscrowScript parses either escrow script variant. The script is rebuilt
// from the parsed values and compared byte for byte, so any non-minimal push,
// unsorted key order or trailing data is rejected.
func ParseEscrowScript(script []byte) (*EscrowScript, error) {
	type token struct {
		op   byte
		data []byte
	}

	var tokens []token
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		tokens = append(tokens, token{
			op:   tokenizer.Opcode(),
			data: tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEscrowScript, err)
	}

	var parsed EscrowScript

	// A timelocked script starts with the delay push followed by
	// OP_CHECKSEQUENCEVERIFY OP_DROP. The second opcode is what tells the
	// variants apart, since a delay of two is itself pushed as OP_2.
	if len(tokens) > 2 && tokens[1].op == txscript.OP_CHECKSEQUENCEVERIFY {
		delay, err := scriptNumToDelay(tokens[0].op, tokens[0].data)
		if err != nil {
			return nil, err
		}
		parsed.CSVDelay = delay
		tokens = tokens[3:]
	}

	// What remains must be OP_2 <pk1> <pk2> <pk3> OP_3 OP_CHECKMULTISIG.
	if len(tokens) != NumEscrowKeys+3 {
		return nil, ErrNotEscrowScript
	}
	for i := range parsed.Keys {
		parsed.Keys[i] = tokens[i+1].data
	}

	var (
		rebuilt []byte
		err     error
	)
	if parsed.CSVDelay != 0 {
		rebuilt, err = GenTimelockEscrowScript(
			parsed.Keys, parsed.CSVDelay,
		)
	} else {
		rebuilt, err = GenEscrowScript(parsed.Keys)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEscrowScript, err)
	}
	if !bytes.Equal(rebuilt, script) {
		log.Tracef("Script %x is not canonical, expected %x", script,
			rebuilt)

		return nil, ErrNotEscrowScript
	}

	return &parsed, nil
}

// scriptNumToDelay decodes the CSV delay push of a timelocked escrow script.
// Only small integers and pushes of up to three bytes can encode a valid
// block delay.
func scriptNumToDelay(op byte, data []byte) (uint32, error) {
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		return uint32(txscript.AsSmallInt(op)), nil
	}

	if len(data) == 0 || len(data) > 3 {
		return 0, ErrNotEscrowScript
	}

	// Script numbers are little-endian sign-magnitude. A set sign bit
	// would make the delay negative, which CSV rejects.
	if data[len(data)-1]&0x80 != 0 {
		return 0, ErrNotEscrowScript
	}

	var delay uint32
	for i, b := range data {
		delay |= uint32(b) << (8 * i)
	}

	return delay, nil
}

// WitnessScriptHash generates a pay-to-witness-script-hash public key script
// paying to a version 0 witness program paying to the passed redeem script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder(
		txscript.WithScriptAllocSize(P2WSHSize),
	)

	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(witnessScript)
	bldr.AddData(scriptHash[:])

	return bldr.Script()
}

// GenEscrowPkScript creates the escrow witness script and its matching p2wsh
// output for a funding transaction of the given amount.
func GenEscrowPkScript(keys [NumEscrowKeys][]byte, amt int64) ([]byte,
	*wire.TxOut, error) {

	if amt <= 0 {
		return nil, nil, fmt.Errorf("can't create escrow output " +
			"with zero, or negative coins")
	}

	witnessScript, err := GenEscrowScript(keys)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return witnessScript, wire.NewTxOut(amt, pkScript), nil
}

// SpendEscrow generates the witness stack required to redeem an escrow
// output with two signatures. The signatures must be passed along with the
// public key that produced them, in any order. They are placed on the stack
// in script key order as CHECKMULTISIG requires.
func SpendEscrow(witnessScript, pubA, sigA, pubB, sigB []byte) [][]byte {
	witness := make([][]byte, 4)

	// When spending a p2wsh multi-sig script, rather than an OP_0, we add
	// a nil stack element to eat the extra pop.
	witness[0] = nil

	// The script commits to the keys in lexicographic order, so the
	// signatures must appear in that order too.
	if bytes.Compare(pubA, pubB) == 1 {
		witness[1] = sigB
		witness[2] = sigA
	} else {
		witness[1] = sigA
		witness[2] = sigB
	}

	// Finally, add the preimage as the last witness element.
	witness[3] = witnessScript

	return witness
}

// LockTimeToSequence converts the passed relative block delay to a sequence
// number in accordance to BIP-68.
func LockTimeToSequence(csvDelay uint32) uint32 {
	return csvDelay & SequenceLockTimeMask
}

// FindScriptOutputIndex finds the index of the public key script output
// matching 'script'. Additionally, a boolean is returned indicating if a
// matching output was found at all.
//
// NOTE: The search stops after the first matching script is found.
func FindScriptOutputIndex(tx *wire.MsgTx, script []byte) (bool, uint32) {
	for i, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, script) {
			return true, uint32(i)
		}
	}

	return false, 0
}
