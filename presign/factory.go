package presign

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/chainfee"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/input"
	"github.com/lightninglabs/escrowd/signer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DustLimit is the largest output value that is still considered
	// dust. Every template output must be strictly above it.
	DustLimit btcutil.Amount = 546

	// TxVersion is the version of every template transaction. Version 2
	// is required for CSV.
	TxVersion = 2

	// BlockInterval is the expected time between blocks, used to estimate
	// when a recovery transaction becomes valid.
	BlockInterval = 10 * time.Minute
)

// ErrDustLimitExceeded is returned when a template output would not be above
// the dust limit after the fee is paid.
var ErrDustLimitExceeded = errors.New("output would be at or below the " +
	"dust limit")

// Config holds the dependencies of a Factory.
type Config struct {
	// Network is the network payout addresses must belong to.
	Network escrow.Network

	// Clock provides the creation time and the recovery estimate.
	Clock clock.Clock
}

// Factory builds unsigned templates for the permitted spend paths.
type Factory struct {
	cfg *Config
}

// NewFactory creates a template factory.
func NewFactory(cfg *Config) *Factory {
	return &Factory{cfg: cfg}
}

// Repayment builds a template paying the whole escrow output, minus the fee,
// to the borrower.
func (f *Factory) Repayment(loanID string, witnessScript []byte,
	utxo escrow.FundingUTXO, borrowerAddr string,
	feeRate chainfee.SatPerVByte) (*Template, error) {

	if err := requireScript(witnessScript, false); err != nil {
		return nil, err
	}

	borrowerScript, err := escrow.PayoutScript(borrowerAddr, f.cfg.Network)
	if err != nil {
		return nil, err
	}

	fee, err := templateFee(TxTypeRepayment, feeRate)
	if err != nil {
		return nil, err
	}

	payout := utxo.Value - fee
	if payout <= DustLimit {
		return nil, fmt.Errorf("%w: repayment output %v from %v with "+
			"fee %v", ErrDustLimitExceeded, payout, utxo.Value, fee)
	}

	outputs := []*wire.TxOut{
		wire.NewTxOut(int64(payout), borrowerScript),
	}

	return f.newTemplate(
		loanID, TxTypeRepayment, witnessScript, utxo,
		wire.MaxTxInSequenceNum, outputs, fee, 0,
	)
}

// DefaultLiquidation builds a template paying the amount owed to the lender,
// capped so that the fee and a dust sized remainder stay covered. The
// borrower receives what is left only if it is above the dust limit,
// otherwise the remainder goes to the fee.
func (f *Factory) DefaultLiquidation(loanID string, witnessScript []byte,
	utxo escrow.FundingUTXO, lenderAddr, borrowerAddr string,
	amountOwed btcutil.Amount,
	feeRate chainfee.SatPerVByte) (*Template, error) {

	if err := requireScript(witnessScript, false); err != nil {
		return nil, err
	}
	if amountOwed <= 0 {
		return nil, fmt.Errorf("%w: amount owed must be positive",
			escrow.ErrInvalidTerms)
	}

	lenderScript, err := escrow.PayoutScript(lenderAddr, f.cfg.Network)
	if err != nil {
		return nil, err
	}
	borrowerScript, err := escrow.PayoutScript(borrowerAddr, f.cfg.Network)
	if err != nil {
		return nil, err
	}

	fee, err := templateFee(TxTypeDefaultLiquidation, feeRate)
	if err != nil {
		return nil, err
	}

	available := utxo.Value - fee
	lenderValue := min(amountOwed, available-DustLimit)
	if lenderValue <= DustLimit {
		return nil, fmt.Errorf("%w: lender output %v from %v with "+
			"fee %v", ErrDustLimitExceeded, lenderValue, utxo.Value,
			fee)
	}

	outputs := []*wire.TxOut{
		wire.NewTxOut(int64(lenderValue), lenderScript),
	}

	remainder := available - lenderValue
	if remainder > DustLimit {
		outputs = append(
			outputs, wire.NewTxOut(int64(remainder), borrowerScript),
		)
	} else {
		log.Debugf("Omitting borrower output of %v for loan %v, "+
			"remainder is dust", remainder, loanID)

		fee += remainder
	}

	return f.newTemplate(
		loanID, TxTypeDefaultLiquidation, witnessScript, utxo,
		wire.MaxTxInSequenceNum, outputs, fee, 0,
	)
}

// Recovery builds a template paying the recovery output to the borrower once
// csvDelay blocks have passed since it confirmed. The CSV gated script is
// rebuilt from the party keys.
func (f *Factory) Recovery(loanID string, parties escrow.Parties,
	utxo escrow.FundingUTXO, borrowerAddr string, csvDelay uint32,
	feeRate chainfee.SatPerVByte) (*Template, error) {

	if err := parties.Validate(); err != nil {
		return nil, err
	}

	witnessScript, err := input.GenTimelockEscrowScript(
		parties.Keys(), csvDelay,
	)
	if err != nil {
		return nil, err
	}

	borrowerScript, err := escrow.PayoutScript(borrowerAddr, f.cfg.Network)
	if err != nil {
		return nil, err
	}

	fee, err := templateFee(TxTypeBorrowerRecovery, feeRate)
	if err != nil {
		return nil, err
	}

	payout := utxo.Value - fee
	if payout <= DustLimit {
		return nil, fmt.Errorf("%w: recovery output %v from %v with "+
			"fee %v", ErrDustLimitExceeded, payout, utxo.Value, fee)
	}

	outputs := []*wire.TxOut{
		wire.NewTxOut(int64(payout), borrowerScript),
	}

	return f.newTemplate(
		loanID, TxTypeBorrowerRecovery, witnessScript, utxo,
		input.LockTimeToSequence(csvDelay), outputs, fee, csvDelay,
	)
}

// requireScript checks that the witness script is an escrow script of the
// expected variant.
func requireScript(witnessScript []byte, timelocked bool) error {
	script, err := input.ParseEscrowScript(witnessScript)
	if err != nil {
		return fmt.Errorf("%w: %v", signer.ErrWitnessScriptMismatch, err)
	}

	if (script.CSVDelay != 0) != timelocked {
		return fmt.Errorf("%w: unexpected csv delay %d",
			signer.ErrWitnessScriptMismatch, script.CSVDelay)
	}

	return nil
}

// templateFee returns the fee of the transaction type at the given rate.
func templateFee(txType TxType,
	feeRate chainfee.SatPerVByte) (btcutil.Amount, error) {

	if feeRate < chainfee.FeePerVByteFloor {
		return 0, fmt.Errorf("%w: got %v", chainfee.ErrFeeRateTooLow,
			feeRate)
	}

	return feeRate.FeeForVSize(int64(txType.VSize())), nil
}

// newTemplate assembles the PSBT spending utxo through witnessScript to the
// given outputs.
func (f *Factory) newTemplate(loanID string, txType TxType,
	witnessScript []byte, utxo escrow.FundingUTXO, sequence uint32,
	outputs []*wire.TxOut, fee btcutil.Amount,
	csvDelay uint32) (*Template, error) {

	if loanID == "" {
		return nil, errors.New("loan id must not be empty")
	}

	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	outPoint := utxo.OutPoint
	packet, err := psbt.New(
		[]*wire.OutPoint{&outPoint}, outputs, TxVersion, 0,
		[]uint32{sequence},
	)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	err = updater.AddInWitnessUtxo(
		wire.NewTxOut(int64(utxo.Value), pkScript), 0,
	)
	if err != nil {
		return nil, err
	}
	if err := updater.AddInWitnessScript(witnessScript, 0); err != nil {
		return nil, err
	}
	if err := updater.AddInSighashType(txscript.SigHashAll, 0); err != nil {
		return nil, err
	}

	if err := packet.SanityCheck(); err != nil {
		return nil, err
	}

	now := f.cfg.Clock.Now().UTC()
	template := &Template{
		LoanID:        loanID,
		Type:          txType,
		Packet:        packet,
		WitnessScript: witnessScript,
		Funding:       utxo,
		Fee:           fee,
		CSVDelay:      csvDelay,
		State:         StateUnsigned,
		CreatedAt:     now.Truncate(time.Second),
	}

	if csvDelay != 0 {
		template.ValidAfter = fn.Some(
			now.Add(time.Duration(csvDelay) * BlockInterval),
		)
	}

	log.Infof("Created %v template for loan %v: txid=%v, fee=%v",
		txType, loanID, template.TxHash(), fee)

	return template, nil
}
