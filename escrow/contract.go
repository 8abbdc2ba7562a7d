package escrow

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is the lifecycle state of an escrow contract.
type State uint8

const (
	// StateInitialized is the state of a contract whose scripts were built
	// but whose address was not handed out yet.
	StateInitialized State = iota

	// StateWaitingForFunding means the escrow address was published and
	// the collateral has not been seen on chain yet.
	StateWaitingForFunding

	// StateFunded means the funding UTXO is known.
	StateFunded

	// StateTransactionsSigned means the repayment and liquidation
	// templates carry enough signatures to be broadcast.
	StateTransactionsSigned

	// StateActive means the loan was disbursed.
	StateActive

	// StateRepaid is terminal: the repayment transaction was broadcast.
	StateRepaid

	// StateDefaulted means the borrower missed the repayment deadline.
	StateDefaulted

	// StateLiquidated is terminal: the liquidation transaction was
	// broadcast.
	StateLiquidated

	// StateRecovered is terminal: the borrower recovery transaction was
	// broadcast.
	StateRecovered
)

var (
	// ErrInvalidStateTransition is returned when a contract is asked to
	// move to a state that is not reachable from its current one.
	ErrInvalidStateTransition = errors.New("invalid contract state " +
		"transition")

	// ErrUnknownState is returned when parsing an unknown state name.
	ErrUnknownState = errors.New("unknown contract state")

	// ErrNotFunded is returned when an operation needs the funding UTXO of
	// a contract that has not been funded.
	ErrNotFunded = errors.New("contract is not funded")

	// ErrMissingTerms is returned when an operation needs the loan terms
	// of a contract that has none.
	ErrMissingTerms = errors.New("contract has no loan terms")

	// ErrInvalidTerms is returned for loan terms that cannot be paid out.
	ErrInvalidTerms = errors.New("invalid loan terms")
)

var stateNames = map[State]string{
	StateInitialized:        "initialized",
	StateWaitingForFunding:  "waiting_for_funding",
	StateFunded:             "funded",
	StateTransactionsSigned: "transactions_signed",
	StateActive:             "active",
	StateRepaid:             "repaid",
	StateDefaulted:          "defaulted",
	StateLiquidated:         "liquidated",
	StateRecovered:          "recovered",
}

// validTransitions maps every state to the states reachable from it.
var validTransitions = map[State][]State{
	StateInitialized:       {StateWaitingForFunding},
	StateWaitingForFunding: {StateFunded},
	StateFunded: {
		StateTransactionsSigned, StateRecovered,
	},
	StateTransactionsSigned: {
		StateActive, StateRepaid, StateLiquidated, StateRecovered,
	},
	StateActive: {
		StateRepaid, StateDefaulted, StateLiquidated, StateRecovered,
	},
	StateDefaulted: {
		StateLiquidated, StateRecovered,
	},
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsTerminal reports whether the escrow output was spent in this state.
func (s State) IsTerminal() bool {
	return s == StateRepaid || s == StateLiquidated || s == StateRecovered
}

// CanTransition reports whether to is reachable from s.
func (s State) CanTransition(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

// ParseState parses a state name as returned by String.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for state, stateName := range stateNames {
		if stateName == name {
			return state, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// LoanTerms are the payout parameters of the loan that the pre-signed
// transactions enforce.
type LoanTerms struct {
	// BorrowerAddress receives the collateral on repayment and recovery,
	// and any liquidation surplus.
	BorrowerAddress string

	// LenderAddress receives the amount owed on liquidation.
	LenderAddress string

	// AmountOwed is what the lender is paid on liquidation.
	AmountOwed btcutil.Amount
}

// Validate checks that both addresses decode on the network and that the
// amount owed is positive.
func (t *LoanTerms) Validate(net Network) error {
	if _, err := PayoutScript(t.BorrowerAddress, net); err != nil {
		return fmt.Errorf("borrower address: %w", err)
	}
	if _, err := PayoutScript(t.LenderAddress, net); err != nil {
		return fmt.Errorf("lender address: %w", err)
	}
	if t.AmountOwed <= 0 {
		return fmt.Errorf("%w: amount owed must be positive",
			ErrInvalidTerms)
	}

	return nil
}

// Contract is the persisted record of an escrow.
type Contract struct {
	// LoanID identifies the loan the escrow secures.
	LoanID string

	// Escrow holds the scripts and addresses.
	*Escrow

	// Terms are the payout parameters, set once known.
	Terms fn.Option[LoanTerms]

	// Funding is the authoritative UTXO paying to the escrow address.
	Funding fn.Option[FundingUTXO]

	// RecoveryFunding is the authoritative UTXO paying to the recovery
	// address, if any.
	RecoveryFunding fn.Option[FundingUTXO]

	// State is the lifecycle state.
	State State

	// CreatedAt is when the contract was first created.
	CreatedAt time.Time
}

// NewContract creates a contract in the initialized state.
func NewContract(loanID string, e *Escrow, now time.Time) *Contract {
	return &Contract{
		LoanID:    loanID,
		Escrow:    e,
		State:     StateInitialized,
		CreatedAt: now.UTC().Truncate(time.Second),
	}
}

// Transition moves the contract to the given state.
func (c *Contract) Transition(to State) error {
	if !c.State.CanTransition(to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidStateTransition,
			c.State, to)
	}

	log.Infof("Contract %v: %v -> %v", c.LoanID, c.State, to)
	c.State = to

	return nil
}

// RecordFunding stores the funding UTXO of the escrow address and moves the
// contract to funded. Recording the same UTXO again is a no-op, recording a
// different one fails with ErrUtxoMismatch.
func (c *Contract) RecordFunding(utxo FundingUTXO) error {
	if utxo.Value <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidFundingValue, utxo.Value)
	}

	if existing, err := c.Funding.UnwrapOrErr(ErrNotFunded); err == nil {
		if existing != utxo {
			return fmt.Errorf("%w: already funded by %v, got %v",
				ErrUtxoMismatch, existing, utxo)
		}

		return nil
	}

	if c.State == StateInitialized {
		if err := c.Transition(StateWaitingForFunding); err != nil {
			return err
		}
	}
	if err := c.Transition(StateFunded); err != nil {
		return err
	}
	c.Funding = fn.Some(utxo)

	return nil
}

// RecordRecoveryFunding stores the funding UTXO of the recovery address. It
// does not change the lifecycle state.
func (c *Contract) RecordRecoveryFunding(utxo FundingUTXO) error {
	if c.RecoveryAddress == nil {
		return fmt.Errorf("contract %v has no recovery path", c.LoanID)
	}

	existing, err := c.RecoveryFunding.UnwrapOrErr(ErrNotFunded)
	if err == nil && existing != utxo {
		return fmt.Errorf("%w: recovery already funded by %v, got %v",
			ErrUtxoMismatch, existing, utxo)
	}
	c.RecoveryFunding = fn.Some(utxo)

	return nil
}

// ContractStatus is the exported view of a contract.
type ContractStatus struct {
	LoanID          string           `json:"loan_id"`
	Network         string           `json:"network"`
	State           string           `json:"state"`
	CreatedAt       string           `json:"created_at"`
	EscrowAddress   string           `json:"escrow_address"`
	WitnessScript   string           `json:"witness_script"`
	RecoveryAddress string           `json:"recovery_address,omitempty"`
	RecoveryScript  string           `json:"recovery_script,omitempty"`
	CSVDelay        uint32           `json:"csv_delay,omitempty"`
	BorrowerPubKey  string           `json:"borrower_pubkey"`
	LenderPubKey    string           `json:"lender_pubkey"`
	PlatformPubKey  string           `json:"platform_pubkey"`
	Funded          bool             `json:"funded"`
	Funding         *FundingStatus   `json:"funding,omitempty"`
	RecoveryFunding *FundingStatus   `json:"recovery_funding,omitempty"`
	Terms           *LoanTermsStatus `json:"terms,omitempty"`
	Templates       []TemplateStatus `json:"templates,omitempty"`
}

// FundingStatus is the exported view of a funding UTXO.
type FundingStatus struct {
	Txid       string `json:"txid"`
	Vout       uint32 `json:"vout"`
	AmountSats int64  `json:"amount_sats"`
}

// LoanTermsStatus is the exported view of the loan terms.
type LoanTermsStatus struct {
	BorrowerAddress string `json:"borrower_address"`
	LenderAddress   string `json:"lender_address"`
	AmountOwedSats  int64  `json:"amount_owed_sats"`
}

// TemplateStatus summarizes a pre-signed transaction template.
type TemplateStatus struct {
	Type    string   `json:"type"`
	State   string   `json:"state"`
	TxHash  string   `json:"tx_hash"`
	Fee     int64    `json:"fee_sats"`
	Signers []string `json:"signers"`
}

// Status returns the exported view of the contract. Template summaries are
// filled in by the caller that owns the templates.
func (c *Contract) Status() *ContractStatus {
	status := &ContractStatus{
		LoanID:        c.LoanID,
		Network:       c.Network.String(),
		State:         c.State.String(),
		CreatedAt:     c.CreatedAt.UTC().Format(time.RFC3339),
		EscrowAddress: c.Address.EncodeAddress(),
		WitnessScript: hex.EncodeToString(c.WitnessScript),
		CSVDelay:      c.CSVDelay,
		Funded:        c.Funding.IsSome(),
	}

	if c.RecoveryAddress != nil {
		status.RecoveryAddress = c.RecoveryAddress.EncodeAddress()
		status.RecoveryScript = hex.EncodeToString(c.RecoveryScript)
	}

	keys := c.Parties.Keys()
	status.BorrowerPubKey = hex.EncodeToString(keys[keychain.RoleBorrower])
	status.LenderPubKey = hex.EncodeToString(keys[keychain.RoleLender])
	status.PlatformPubKey = hex.EncodeToString(keys[keychain.RolePlatform])

	c.Funding.WhenSome(func(u FundingUTXO) {
		status.Funding = newFundingStatus(u)
	})
	c.RecoveryFunding.WhenSome(func(u FundingUTXO) {
		status.RecoveryFunding = newFundingStatus(u)
	})
	c.Terms.WhenSome(func(t LoanTerms) {
		status.Terms = &LoanTermsStatus{
			BorrowerAddress: t.BorrowerAddress,
			LenderAddress:   t.LenderAddress,
			AmountOwedSats:  int64(t.AmountOwed),
		}
	})

	return status
}

func newFundingStatus(u FundingUTXO) *FundingStatus {
	return &FundingStatus{
		Txid:       u.Txid(),
		Vout:       u.OutPoint.Index,
		AmountSats: int64(u.Value),
	}
}
