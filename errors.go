package escrowd

import (
	"errors"

	"github.com/lightninglabs/escrowd/chainfee"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/escrowdb"
	"github.com/lightninglabs/escrowd/input"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/presign"
	"github.com/lightninglabs/escrowd/signer"
	"github.com/lightninglabs/escrowd/vault"
)

var (
	// ErrUtxoNotFound is returned when the funding lookup finds no output
	// paying to the escrow address yet.
	ErrUtxoNotFound = errors.New("funding utxo not found")

	// ErrContractConflict is returned when an escrow is requested for a
	// loan that already has one with different parties.
	ErrContractConflict = errors.New("loan already has a different escrow")

	// ErrKeyMismatch is returned when an unlocked or derived key is not the
	// escrow key of the requested role.
	ErrKeyMismatch = errors.New("key does not match the escrow party")
)

// ErrorKind classifies service errors for alerting. Callers show users the
// message of UserMessage and keep the kind and the full error for operators.
type ErrorKind uint8

const (
	// ErrorKindInternal covers everything not classified below.
	ErrorKindInternal ErrorKind = iota

	// ErrorKindInvalidRequest is a malformed or inconsistent request.
	ErrorKindInvalidRequest

	// ErrorKindNotFound is an unknown loan, template or sealed key.
	ErrorKindNotFound

	// ErrorKindConflict is a request that contradicts stored state.
	ErrorKindConflict

	// ErrorKindInvalidPublicKey is a malformed escrow key.
	ErrorKindInvalidPublicKey

	// ErrorKindInvalidTransactionType is a type outside the whitelist.
	ErrorKindInvalidTransactionType

	// ErrorKindDustLimitExceeded is an output at or below the dust limit.
	ErrorKindDustLimitExceeded

	// ErrorKindUtxoMismatch is a packet spending an unexpected outpoint.
	ErrorKindUtxoMismatch

	// ErrorKindWitnessScriptMismatch is a packet with an unexpected
	// witness script.
	ErrorKindWitnessScriptMismatch

	// ErrorKindDecryptionFailure is a wrong passphrase or a corrupted
	// vault entry. The user may retry.
	ErrorKindDecryptionFailure

	// ErrorKindSignatureVerificationFailure is a signature that does not
	// verify.
	ErrorKindSignatureVerificationFailure

	// ErrorKindInvalidState is an operation not allowed in the current
	// contract or template state.
	ErrorKindInvalidState
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInternal:
		return "internal"
	case ErrorKindInvalidRequest:
		return "invalid_request"
	case ErrorKindNotFound:
		return "not_found"
	case ErrorKindConflict:
		return "conflict"
	case ErrorKindInvalidPublicKey:
		return "invalid_public_key"
	case ErrorKindInvalidTransactionType:
		return "invalid_transaction_type"
	case ErrorKindDustLimitExceeded:
		return "dust_limit_exceeded"
	case ErrorKindUtxoMismatch:
		return "utxo_mismatch"
	case ErrorKindWitnessScriptMismatch:
		return "witness_script_mismatch"
	case ErrorKindDecryptionFailure:
		return "decryption_failure"
	case ErrorKindSignatureVerificationFailure:
		return "signature_verification_failure"
	case ErrorKindInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

// IsSecurity reports whether errors of this kind must raise an audit event.
func (k ErrorKind) IsSecurity() bool {
	switch k {
	case ErrorKindInvalidTransactionType, ErrorKindUtxoMismatch,
		ErrorKindWitnessScriptMismatch:

		return true

	default:
		return false
	}
}

// kindTable maps sentinel errors to their kind. The first match wins, so
// more specific errors come first.
var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{presign.ErrInvalidTransactionType, ErrorKindInvalidTransactionType},
	{escrow.ErrUtxoMismatch, ErrorKindUtxoMismatch},
	{signer.ErrWitnessScriptMismatch, ErrorKindWitnessScriptMismatch},
	{vault.ErrDecryptionFailure, ErrorKindDecryptionFailure},
	{signer.ErrSignatureVerificationFailure,
		ErrorKindSignatureVerificationFailure},
	{presign.ErrDustLimitExceeded, ErrorKindDustLimitExceeded},
	{input.ErrInvalidPublicKey, ErrorKindInvalidPublicKey},
	{input.ErrDuplicateKey, ErrorKindInvalidPublicKey},

	{escrowdb.ErrContractNotFound, ErrorKindNotFound},
	{escrowdb.ErrTemplateNotFound, ErrorKindNotFound},
	{vault.ErrNotFound, ErrorKindNotFound},
	{ErrUtxoNotFound, ErrorKindNotFound},
	{escrow.ErrFundingOutputNotFound, ErrorKindNotFound},

	{escrowdb.ErrContractExists, ErrorKindConflict},
	{ErrContractConflict, ErrorKindConflict},

	{escrow.ErrInvalidStateTransition, ErrorKindInvalidState},
	{presign.ErrInvalidStateTransition, ErrorKindInvalidState},
	{escrow.ErrNotFunded, ErrorKindInvalidState},
	{escrow.ErrMissingTerms, ErrorKindInvalidState},
	{signer.ErrInputFinalized, ErrorKindInvalidState},

	{ErrKeyMismatch, ErrorKindInvalidRequest},
	{keychain.ErrWeakPassphrase, ErrorKindInvalidRequest},
	{keychain.ErrEmptyLoanID, ErrorKindInvalidRequest},
	{keychain.ErrUnknownRole, ErrorKindInvalidRequest},
	{keychain.ErrKeyZeroed, ErrorKindInvalidRequest},
	{input.ErrInvalidCSVDelay, ErrorKindInvalidRequest},
	{escrow.ErrInvalidTerms, ErrorKindInvalidRequest},
	{escrow.ErrInvalidPayoutAddress, ErrorKindInvalidRequest},
	{escrow.ErrInvalidFundingValue, ErrorKindInvalidRequest},
	{escrow.ErrAddressMismatch, ErrorKindInvalidRequest},
	{escrow.ErrUnknownParty, ErrorKindInvalidRequest},
	{escrow.ErrMissingParty, ErrorKindInvalidRequest},
	{chainfee.ErrFeeRateTooLow, ErrorKindInvalidRequest},
	{signer.ErrDuplicateSigner, ErrorKindInvalidRequest},
	{signer.ErrUnknownSigner, ErrorKindInvalidRequest},
	{vault.ErrUnknownBundleVersion, ErrorKindInvalidRequest},
	{vault.ErrMalformedBundle, ErrorKindInvalidRequest},
}

// ClassifyError returns the kind of err. A nil error is internal.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindInternal
	}

	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}

	return ErrorKindInternal
}

// Messages shown to end users. Cryptographic detail stays in the logs.
const (
	msgSigningFailed  = "could not complete signing"
	msgNotFound       = "the requested loan or template was not found"
	msgInvalidRequest = "the request is invalid"
	msgConflict       = "the request conflicts with the loan's escrow"
	msgInvalidState   = "the loan is not in a state that allows this"
	msgDust           = "the escrow value is too small for this transaction"
	msgInternal       = "internal error"
)

// UserMessage returns the message to show an end user for err. Every signing
// failure maps to the same generic message.
func UserMessage(err error) string {
	switch ClassifyError(err) {
	case ErrorKindInvalidTransactionType, ErrorKindUtxoMismatch,
		ErrorKindWitnessScriptMismatch, ErrorKindDecryptionFailure,
		ErrorKindSignatureVerificationFailure:

		return msgSigningFailed

	case ErrorKindNotFound:
		return msgNotFound

	case ErrorKindInvalidRequest, ErrorKindInvalidPublicKey:
		return msgInvalidRequest

	case ErrorKindConflict:
		return msgConflict

	case ErrorKindInvalidState:
		return msgInvalidState

	case ErrorKindDustLimitExceeded:
		return msgDust

	default:
		return msgInternal
	}
}
