package presign

import (
	"errors"
	"fmt"

	"github.com/lightninglabs/escrowd/input"
)

// TxType is one of the three spend paths an escrow output may be pre-signed
// for.
type TxType uint8

const (
	// TxTypeRepayment pays the whole collateral back to the borrower,
	// minus the fee.
	TxTypeRepayment TxType = iota + 1

	// TxTypeDefaultLiquidation pays the amount owed to the lender and the
	// remainder, if not dust, to the borrower.
	TxTypeDefaultLiquidation

	// TxTypeBorrowerRecovery pays the whole collateral of the recovery
	// output to the borrower once its relative timelock has expired.
	TxTypeBorrowerRecovery
)

// ErrInvalidTransactionType is returned for any transaction type outside the
// three permitted ones.
var ErrInvalidTransactionType = errors.New("invalid transaction type")

// TxTypes lists every permitted transaction type.
var TxTypes = []TxType{
	TxTypeRepayment, TxTypeDefaultLiquidation, TxTypeBorrowerRecovery,
}

// String returns the canonical upper case name.
func (t TxType) String() string {
	switch t {
	case TxTypeRepayment:
		return "REPAYMENT"

	case TxTypeDefaultLiquidation:
		return "DEFAULT_LIQUIDATION"

	case TxTypeBorrowerRecovery:
		return "BORROWER_RECOVERY"

	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// APIName returns the lower case form used in requests.
func (t TxType) APIName() string {
	switch t {
	case TxTypeRepayment:
		return "repayment"

	case TxTypeDefaultLiquidation:
		return "default_liquidation"

	case TxTypeBorrowerRecovery:
		return "borrower_recovery"

	default:
		return ""
	}
}

// IsValid reports whether t is one of the permitted types.
func (t TxType) IsValid() bool {
	return t >= TxTypeRepayment && t <= TxTypeBorrowerRecovery
}

// ParseTxType parses either the canonical or the API name of a transaction
// type. Names are matched exactly, nothing is trimmed or case folded.
func ParseTxType(name string) (TxType, error) {
	for _, t := range TxTypes {
		if name == t.String() || name == t.APIName() {
			return t, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidTransactionType, name)
}

// weightEstimate returns the worst case size estimate of the transaction
// type. Every type spends exactly one escrow input, and payouts are sized for
// the largest standard output script.
func (t TxType) weightEstimate() *input.TxWeightEstimator {
	var estimator input.TxWeightEstimator

	switch t {
	case TxTypeRepayment:
		estimator.AddEscrowInput()
		estimator.AddOutput(input.MaxOutputPkScriptSize)

	case TxTypeDefaultLiquidation:
		estimator.AddEscrowInput()
		estimator.AddOutput(input.MaxOutputPkScriptSize)
		estimator.AddOutput(input.MaxOutputPkScriptSize)

	case TxTypeBorrowerRecovery:
		estimator.AddTimelockEscrowInput()
		estimator.AddOutput(input.MaxOutputPkScriptSize)
	}

	return &estimator
}

// Weight returns the estimated weight of the transaction type.
func (t TxType) Weight() int {
	if !t.IsValid() {
		return 0
	}

	return t.weightEstimate().Weight()
}

// VSize returns the virtual size the fee of the transaction type is computed
// from.
func (t TxType) VSize() int {
	if !t.IsValid() {
		return 0
	}

	return t.weightEstimate().VSize()
}
