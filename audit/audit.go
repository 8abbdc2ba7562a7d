package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// Kind classifies an audit event.
type Kind string

const (
	// KindInvalidTransactionType is recorded when a signing request names
	// a transaction type outside the whitelist.
	KindInvalidTransactionType Kind = "invalid_transaction_type"

	// KindUtxoMismatch is recorded when a packet spends an outpoint other
	// than the contract's funding output.
	KindUtxoMismatch Kind = "utxo_mismatch"

	// KindWitnessScriptMismatch is recorded when a packet carries a
	// witness script other than the contract's.
	KindWitnessScriptMismatch Kind = "witness_script_mismatch"

	// KindDecryptionFailure is recorded when a sealed key fails to open.
	KindDecryptionFailure Kind = "decryption_failure"

	// KindSignatureVerificationFailure is recorded when a signature does
	// not verify against the packet.
	KindSignatureVerificationFailure Kind = "signature_verification_failure"

	// KindTemplateSigned is recorded for every accepted signature.
	KindTemplateSigned Kind = "template_signed"

	// KindTemplateFinalized is recorded when a template is finalized.
	KindTemplateFinalized Kind = "template_finalized"
)

// IsSecurity reports whether the kind signals a possible attack rather than
// normal operation.
func (k Kind) IsSecurity() bool {
	switch k {
	case KindInvalidTransactionType, KindUtxoMismatch,
		KindWitnessScriptMismatch, KindDecryptionFailure,
		KindSignatureVerificationFailure:

		return true

	default:
		return false
	}
}

// Event is a single audit record. It never carries key material.
type Event struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	LoanID string    `json:"loan_id,omitempty"`
	TxType string    `json:"tx_type,omitempty"`
	Role   string    `json:"role,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// attrs returns the structured log attributes of the event.
func (e *Event) attrs() []any {
	attrs := []any{
		slog.String("event_id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.String("loan_id", e.LoanID),
	}
	if e.TxType != "" {
		attrs = append(attrs, slog.String("tx_type", e.TxType))
	}
	if e.Role != "" {
		attrs = append(attrs, slog.String("role", e.Role))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}

	return attrs
}

// EventOption sets an optional field of an event.
type EventOption func(*Event)

// WithTxType sets the transaction type of the event.
func WithTxType(txType string) EventOption {
	return func(e *Event) {
		e.TxType = txType
	}
}

// WithRole sets the signer role of the event.
func WithRole(role string) EventOption {
	return func(e *Event) {
		e.Role = role
	}
}

// WithError records the error message as the event detail.
func WithError(err error) EventOption {
	return func(e *Event) {
		if err != nil {
			e.Detail = err.Error()
		}
	}
}

// Sink receives audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	// Append stores the event.
	Append(ctx context.Context, e *Event) error
}

// Logger stamps events and fans them out to its sinks.
type Logger struct {
	clock clock.Clock
	sinks []Sink
}

// NewLogger returns a logger writing to the given sinks. The btclog sink is
// always included.
func NewLogger(clk clock.Clock, sinks ...Sink) *Logger {
	return &Logger{
		clock: clk,
		sinks: append([]Sink{&LogSink{}}, sinks...),
	}
}

// Record creates an event and appends it to every sink. Every sink is tried
// even if an earlier one fails.
func (l *Logger) Record(ctx context.Context, kind Kind, loanID string,
	opts ...EventOption) (*Event, error) {

	e := &Event{
		ID:     uuid.NewString(),
		Time:   l.clock.Now().UTC(),
		Kind:   kind,
		LoanID: loanID,
	}
	for _, opt := range opts {
		opt(e)
	}

	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return e, errors.Join(errs...)
}

// LogSink writes events to the AUDT subsystem logger.
type LogSink struct{}

// Append logs the event, security events at warning level.
func (s *LogSink) Append(ctx context.Context, e *Event) error {
	if e.Kind.IsSecurity() {
		log.WarnS(ctx, "Security event", nil, e.attrs()...)
		return nil
	}

	log.InfoS(ctx, "Audit event", e.attrs()...)

	return nil
}
