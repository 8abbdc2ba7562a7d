package escrow

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/input"
)

var (
	// ErrUtxoMismatch is returned when a transaction or request references
	// an outpoint other than the authoritative funding UTXO of the loan.
	ErrUtxoMismatch = errors.New("utxo does not match the funding output")

	// ErrInvalidFundingValue is returned for a funding output without a
	// positive value.
	ErrInvalidFundingValue = errors.New("funding output value must be " +
		"positive")

	// ErrFundingOutputNotFound is returned when a funding transaction has
	// no output paying to the escrow.
	ErrFundingOutputNotFound = errors.New("transaction does not pay to " +
		"the escrow")
)

// FundingUTXO identifies the on-chain output that funded an escrow. Exactly
// one is authoritative per escrow address.
type FundingUTXO struct {
	// OutPoint is the funding transaction output.
	OutPoint wire.OutPoint

	// Value is the amount locked in the output.
	Value btcutil.Amount
}

// NewFundingUTXO parses a display-order txid and builds the funding UTXO.
func NewFundingUTXO(txid string, vout uint32,
	value btcutil.Amount) (FundingUTXO, error) {

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return FundingUTXO{}, fmt.Errorf("invalid funding txid: %w", err)
	}
	if value <= 0 {
		return FundingUTXO{}, fmt.Errorf("%w: %v",
			ErrInvalidFundingValue, value)
	}

	return FundingUTXO{
		OutPoint: wire.OutPoint{Hash: *hash, Index: vout},
		Value:    value,
	}, nil
}

// FundingFromTx locates the output of tx paying to pkScript and returns it as
// a funding UTXO.
func FundingFromTx(tx *wire.MsgTx, pkScript []byte) (FundingUTXO, error) {
	found, vout := input.FindScriptOutputIndex(tx, pkScript)
	if !found {
		return FundingUTXO{}, fmt.Errorf("%w: %v",
			ErrFundingOutputNotFound, tx.TxHash())
	}

	value := btcutil.Amount(tx.TxOut[vout].Value)
	if value <= 0 {
		return FundingUTXO{}, fmt.Errorf("%w: %v",
			ErrInvalidFundingValue, value)
	}

	return FundingUTXO{
		OutPoint: wire.OutPoint{Hash: tx.TxHash(), Index: vout},
		Value:    value,
	}, nil
}

// Txid returns the funding txid in display byte order.
func (u FundingUTXO) Txid() string {
	return u.OutPoint.Hash.String()
}

// Verify checks that the given outpoint is the funding outpoint.
func (u FundingUTXO) Verify(op wire.OutPoint) error {
	if op != u.OutPoint {
		return fmt.Errorf("%w: got %v, expected %v", ErrUtxoMismatch,
			op, u.OutPoint)
	}

	return nil
}

// String returns the outpoint and value.
func (u FundingUTXO) String() string {
	return fmt.Sprintf("%v (%v)", u.OutPoint, u.Value)
}
