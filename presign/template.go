package presign

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/lnutils"
	"github.com/lightninglabs/escrowd/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is the signing state of a template.
type State uint8

const (
	// StateUnsigned means no valid signature is attached.
	StateUnsigned State = iota

	// StatePartiallySigned means one escrow key signed.
	StatePartiallySigned

	// StateReady means two distinct escrow keys signed and both
	// signatures verified.
	StateReady

	// StateFinalized means the witness was assembled and the transaction
	// can be extracted.
	StateFinalized

	// StateBroadcast means the transaction was handed to the network.
	StateBroadcast
)

// ErrInvalidStateTransition is returned when a template operation is not
// allowed in the template's current state.
var ErrInvalidStateTransition = errors.New("invalid template state " +
	"transition")

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnsigned:
		return "UNSIGNED"

	case StatePartiallySigned:
		return "PARTIALLY_SIGNED"

	case StateReady:
		return "READY"

	case StateFinalized:
		return "FINALIZED"

	case StateBroadcast:
		return "BROADCAST"

	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	return s <= StateBroadcast
}

// Template is an unsigned or partially signed transaction spending an escrow
// output along one of the permitted paths. Its inputs and outputs are fixed
// at creation, only signatures are ever added.
type Template struct {
	// LoanID is the loan the escrow secures.
	LoanID string

	// Type is the spend path.
	Type TxType

	// Packet is the PSBT. Its single input carries the witness UTXO and
	// the witness script so that any holder of two signatures can
	// finalize it offline.
	Packet *psbt.Packet

	// WitnessScript is the escrow script the input spends. It is kept
	// outside the packet since finalizing clears it there.
	WitnessScript []byte

	// Funding is the UTXO the template spends.
	Funding escrow.FundingUTXO

	// Fee is the absolute fee paid.
	Fee btcutil.Amount

	// CSVDelay is the relative timelock of the recovery path, zero for
	// the other types.
	CSVDelay uint32

	// ValidAfter is an estimate of when a recovery transaction becomes
	// spendable. It is informational only, the chain enforces the real
	// constraint.
	ValidAfter fn.Option[time.Time]

	// State is the signing state.
	State State

	// FinalSigners are the two escrow keys whose signatures went into the
	// final witness. Set once the template is finalized.
	FinalSigners [][]byte

	// CreatedAt is when the template was built.
	CreatedAt time.Time
}

// transition moves the template to the given state if it directly follows
// the current one.
func (t *Template) transition(to State) error {
	if to != t.State+1 {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidStateTransition,
			t.State, to)
	}

	log.Debugf("Template %v/%v: %v -> %v", t.LoanID, t.Type, t.State, to)
	t.State = to

	return nil
}

// acceptsSignatures returns an error if the template can no longer be signed.
func (t *Template) acceptsSignatures() error {
	if t.State >= StateReady {
		return fmt.Errorf("%w: template is %v", ErrInvalidStateTransition,
			t.State)
	}

	return nil
}

// Verify checks that the template spends the given funding UTXO through the
// expected witness script. It must pass before any party signs a template it
// did not build itself.
func (t *Template) Verify(funding escrow.FundingUTXO,
	witnessScript []byte) error {

	err := signer.VerifyUtxo(
		t.Packet, funding.OutPoint.Hash, funding.OutPoint.Index, 0,
	)
	if err != nil {
		return err
	}

	if t.State >= StateFinalized {
		if !bytes.Equal(t.WitnessScript, witnessScript) {
			return fmt.Errorf("%w: template script %x",
				signer.ErrWitnessScriptMismatch, t.WitnessScript)
		}

		return nil
	}

	err = signer.VerifyWitnessScript(t.Packet, witnessScript, 0)
	if err != nil {
		return err
	}

	in := t.Packet.Inputs[0]
	if btcutil.Amount(in.WitnessUtxo.Value) != funding.Value {
		return fmt.Errorf("%w: template spends %v, funding output "+
			"holds %v", escrow.ErrUtxoMismatch,
			btcutil.Amount(in.WitnessUtxo.Value), funding.Value)
	}

	return nil
}

// Sign signs the template with the ephemeral key and advances its state. The
// key is zeroed on every path.
func (t *Template) Sign(key *keychain.EphemeralKey) (*psbt.PartialSig,
	error) {

	defer key.Zero()

	if err := t.acceptsSignatures(); err != nil {
		return nil, err
	}

	partialSig, err := signer.Sign(t.Packet, key, 0)
	if err != nil {
		return nil, err
	}

	if err := t.refreshState(); err != nil {
		return nil, err
	}

	return partialSig, nil
}

// AddSignature imports a partial signature produced by another party. It is
// verified against the digest of this template before it is attached.
func (t *Template) AddSignature(partialSig *psbt.PartialSig) error {
	if err := t.acceptsSignatures(); err != nil {
		return err
	}

	if err := signer.AddPartialSig(t.Packet, 0, partialSig); err != nil {
		return err
	}

	return t.refreshState()
}

// refreshState recounts the verified signatures and advances the state
// accordingly.
func (t *Template) refreshState() error {
	signers, err := signer.ValidSigners(t.Packet, 0)
	if err != nil {
		return err
	}

	target := StateUnsigned
	switch {
	case len(signers) >= 2:
		target = StateReady

	case len(signers) == 1:
		target = StatePartiallySigned
	}

	for t.State < target {
		if err := t.transition(t.State + 1); err != nil {
			return err
		}
	}

	return nil
}

// Signers returns the escrow keys holding a verified signature.
func (t *Template) Signers() ([][]byte, error) {
	if t.State >= StateFinalized {
		return t.FinalSigners, nil
	}

	return signer.ValidSigners(t.Packet, 0)
}

// Finalize assembles the witness of a ready template and returns the raw
// transaction in hex with its txid.
func (t *Template) Finalize() (string, chainhash.Hash, error) {
	if t.State != StateReady {
		return "", chainhash.Hash{}, fmt.Errorf("%w: cannot finalize "+
			"%v template", ErrInvalidStateTransition, t.State)
	}

	signers, err := signer.ValidSigners(t.Packet, 0)
	if err != nil {
		return "", chainhash.Hash{}, err
	}

	rawTx, txid, err := signer.FinalizeAndExtract(t.Packet)
	if err != nil {
		return "", chainhash.Hash{}, err
	}
	t.FinalSigners = signers

	if err := t.transition(StateFinalized); err != nil {
		return "", chainhash.Hash{}, err
	}

	log.Infof("Finalized %v for loan %v: txid=%v", t.Type, t.LoanID, txid)
	log.Tracef("Final %v packet: %v", t.Type,
		lnutils.SpewLogClosure(t.Packet))

	return rawTx, txid, nil
}

// FinalTx extracts the broadcastable transaction of a finalized template.
func (t *Template) FinalTx() (*wire.MsgTx, error) {
	if t.State < StateFinalized {
		return nil, fmt.Errorf("%w: template is %v",
			ErrInvalidStateTransition, t.State)
	}

	return psbt.Extract(t.Packet)
}

// RawTx returns the hex encoded final transaction.
func (t *Template) RawTx() (string, error) {
	tx, err := t.FinalTx()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// MarkBroadcast records that the final transaction was published.
func (t *Template) MarkBroadcast() error {
	return t.transition(StateBroadcast)
}

// Base64 returns the base64 encoding of the PSBT.
func (t *Template) Base64() (string, error) {
	return t.Packet.B64Encode()
}

// TxHash returns the txid of the template. It does not change with signing
// since segwit txids exclude the witness.
func (t *Template) TxHash() chainhash.Hash {
	return t.Packet.UnsignedTx.TxHash()
}

// Payout is one output of a template.
type Payout struct {
	// Address is the encoded payout address.
	Address string

	// Value is the amount paid.
	Value btcutil.Amount
}

// Payouts decodes the outputs of the template for the given network.
func (t *Template) Payouts(net escrow.Network) ([]Payout, error) {
	params, err := net.Params()
	if err != nil {
		return nil, err
	}

	payouts := make([]Payout, 0, len(t.Packet.UnsignedTx.TxOut))
	for i, txOut := range t.Packet.UnsignedTx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			txOut.PkScript, params,
		)
		if err != nil || len(addrs) != 1 {
			return nil, fmt.Errorf("output %d has no single address",
				i)
		}

		payouts = append(payouts, Payout{
			Address: addrs[0].EncodeAddress(),
			Value:   btcutil.Amount(txOut.Value),
		})
	}

	return payouts, nil
}

// Status returns the exported summary of the template.
func (t *Template) Status() escrow.TemplateStatus {
	status := escrow.TemplateStatus{
		Type:   t.Type.String(),
		State:  t.State.String(),
		TxHash: t.TxHash().String(),
		Fee:    int64(t.Fee),
	}

	signers, err := t.Signers()
	if err != nil {
		log.Warnf("Unable to list signers of %v/%v: %v", t.LoanID,
			t.Type, err)
	}
	for _, key := range signers {
		status.Signers = append(status.Signers, hex.EncodeToString(key))
	}

	return status
}
