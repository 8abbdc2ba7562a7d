package escrowd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/escrowd/audit"
	"github.com/lightninglabs/escrowd/chainfee"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/escrowdb"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/lnutils"
	"github.com/lightninglabs/escrowd/monitoring"
	"github.com/lightninglabs/escrowd/multimutex"
	"github.com/lightninglabs/escrowd/presign"
	"github.com/lightninglabs/escrowd/signer"
	"github.com/lightninglabs/escrowd/vault"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultConfTarget is the confirmation target templates are priced
	// for.
	DefaultConfTarget = 6
)

// ServiceConfig holds the collaborators of the escrow service.
type ServiceConfig struct {
	// Network is the network every escrow and payout address belongs to.
	Network escrow.Network

	// CSVDelay is the recovery delay used when a request does not name
	// one.
	CSVDelay uint32

	// DB persists contracts and templates.
	DB *escrowdb.DB

	// Vault holds sealed ephemeral keys.
	Vault *vault.Store

	// FeeEstimator prices new templates.
	FeeEstimator chainfee.Estimator

	// ConfTarget is passed to the fee estimator.
	ConfTarget uint32

	// UtxoSource is the authoritative view of funding outputs.
	UtxoSource UtxoSource

	// Audit records signing and security events.
	Audit *audit.Logger

	// Metrics counts requests and security events.
	Metrics *monitoring.Metrics

	// Clock stamps contracts and templates.
	Clock clock.Clock

	// PBKDF2Iterations is the work factor of new recovery bundles.
	PBKDF2Iterations uint32
}

// Service implements the escrow operations exposed to the lending platform.
// Every operation on a loan is serialized on the loan id.
type Service struct {
	started sync.Once
	stopped sync.Once

	cfg *ServiceConfig

	factory *presign.Factory

	loanMtx *multimutex.Mutex[string]
}

// NewService creates a service from the given config.
func NewService(cfg *ServiceConfig) *Service {
	if cfg.ConfTarget == 0 {
		cfg.ConfTarget = DefaultConfTarget
	}

	return &Service{
		cfg: cfg,
		factory: presign.NewFactory(&presign.Config{
			Network: cfg.Network,
			Clock:   cfg.Clock,
		}),
		loanMtx: multimutex.NewMutex[string](),
	}
}

// Start starts the fee estimator.
func (s *Service) Start() error {
	var startErr error
	s.started.Do(func() {
		escdLog.Infof("Escrow service starting on %v", s.cfg.Network)
		startErr = s.cfg.FeeEstimator.Start()
	})

	return startErr
}

// Stop stops the fee estimator.
func (s *Service) Stop() error {
	var stopErr error
	s.stopped.Do(func() {
		escdLog.Info("Escrow service shutting down...")
		stopErr = s.cfg.FeeEstimator.Stop()
	})

	return stopErr
}

// EscrowAddress is the result of GenerateEscrowAddress.
type EscrowAddress struct {
	LoanID          string `json:"loan_id"`
	Address         string `json:"address"`
	WitnessScript   string `json:"witness_script"`
	RecoveryAddress string `json:"recovery_address,omitempty"`
	RecoveryScript  string `json:"recovery_script,omitempty"`
	CSVDelay        uint32 `json:"csv_delay,omitempty"`
	State           string `json:"state"`
}

func newEscrowAddress(c *escrow.Contract) *EscrowAddress {
	addr := &EscrowAddress{
		LoanID:        c.LoanID,
		Address:       c.Address.EncodeAddress(),
		WitnessScript: hex.EncodeToString(c.WitnessScript),
		CSVDelay:      c.CSVDelay,
		State:         c.State.String(),
	}
	if c.RecoveryAddress != nil {
		addr.RecoveryAddress = c.RecoveryAddress.EncodeAddress()
		addr.RecoveryScript = hex.EncodeToString(c.RecoveryScript)
	}

	return addr
}

// GenerateEscrowAddress builds the escrow of a loan from the three party keys
// and records the contract. Repeating the request with the same keys returns
// the stored escrow, different keys fail with ErrContractConflict. A zero
// csvDelay selects the configured default.
func (s *Service) GenerateEscrowAddress(ctx context.Context, loanID string,
	borrower, lender, platform []byte,
	csvDelay uint32) (*EscrowAddress, error) {

	if loanID == "" {
		return nil, keychain.ErrEmptyLoanID
	}
	if csvDelay == 0 {
		csvDelay = s.cfg.CSVDelay
	}

	parties, err := escrow.NewParties(borrower, lender, platform)
	if err != nil {
		return nil, err
	}

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	existing, err := s.cfg.DB.FetchContract(loanID)
	switch {
	case err == nil:
		if !existing.Parties.Equal(&parties) ||
			existing.CSVDelay != csvDelay ||
			existing.Network != s.cfg.Network {

			return nil, fmt.Errorf("%w: %v", ErrContractConflict,
				loanID)
		}

		return newEscrowAddress(existing), nil

	case !errors.Is(err, escrowdb.ErrContractNotFound):
		return nil, err
	}

	e, err := escrow.New(parties, s.cfg.Network, csvDelay)
	if err != nil {
		return nil, err
	}

	c := escrow.NewContract(loanID, e, s.cfg.Clock.Now())
	if err := c.Transition(escrow.StateWaitingForFunding); err != nil {
		return nil, err
	}
	if err := s.cfg.DB.CreateContract(c); err != nil {
		return nil, err
	}
	s.cfg.Metrics.EscrowsCreated.Inc()

	escdLog.InfoS(ctx, "Escrow created",
		slog.String("loan_id", loanID),
		slog.String("address", c.Address.EncodeAddress()),
		slog.Int("csv_delay", int(csvDelay)))

	return newEscrowAddress(c), nil
}

// SetLoanTerms records the payout parameters of a loan. Terms are set once,
// repeating the same terms is a no-op.
func (s *Service) SetLoanTerms(ctx context.Context, loanID string,
	terms escrow.LoanTerms) error {

	if err := terms.Validate(s.cfg.Network); err != nil {
		return err
	}

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return err
	}

	existing, err := c.Terms.UnwrapOrErr(escrow.ErrMissingTerms)
	if err == nil {
		if existing != terms {
			return fmt.Errorf("%w: terms of %v already set",
				ErrContractConflict, loanID)
		}

		return nil
	}

	c.Terms = fn.Some(terms)
	if err := s.cfg.DB.UpdateContract(c); err != nil {
		return err
	}

	escdLog.InfoS(ctx, "Loan terms set", slog.String("loan_id", loanID),
		slog.Int64("amount_owed", int64(terms.AmountOwed)))

	return nil
}

// RecordFunding looks up the output funding the escrow address and records
// it as the authoritative funding UTXO.
func (s *Service) RecordFunding(ctx context.Context,
	loanID string) (*escrow.FundingUTXO, error) {

	return s.recordFunding(ctx, loanID, false, s.lookupFunding)
}

// RecordRecoveryFunding looks up the output funding the recovery address and
// records it.
func (s *Service) RecordRecoveryFunding(ctx context.Context,
	loanID string) (*escrow.FundingUTXO, error) {

	return s.recordFunding(ctx, loanID, true, s.lookupFunding)
}

// RecordFundingTx records the output of a full funding transaction that pays
// to the escrow address, or to the recovery address if recovery is set. When
// the UTXO source already reports an output for the address, it must be the
// one found in the transaction.
func (s *Service) RecordFundingTx(ctx context.Context, loanID string,
	tx *wire.MsgTx, recovery bool) (*escrow.FundingUTXO, error) {

	locate := func(ctx context.Context, c *escrow.Contract,
		addr btcutil.Address) (escrow.FundingUTXO, error) {

		pkScript := c.PkScript
		if recovery {
			pkScript = c.RecoveryPkScript
		}

		utxo, err := escrow.FundingFromTx(tx, pkScript)
		if err != nil {
			return escrow.FundingUTXO{}, fmt.Errorf("%w: %w",
				ErrUtxoNotFound, err)
		}

		live, err := s.cfg.UtxoSource.FundingUtxo(ctx, addr)
		if err != nil {
			return escrow.FundingUTXO{}, err
		}

		err = fn.MapOptionZ(live, func(l escrow.FundingUTXO) error {
			if l != utxo {
				return fmt.Errorf("%w: transaction pays %v, "+
					"chain reports %v", escrow.ErrUtxoMismatch,
					utxo, l)
			}

			return nil
		})

		return utxo, err
	}

	return s.recordFunding(ctx, loanID, recovery, locate)
}

// lookupFunding asks the UTXO source for the output paying to addr.
func (s *Service) lookupFunding(ctx context.Context, _ *escrow.Contract,
	addr btcutil.Address) (escrow.FundingUTXO, error) {

	found, err := s.cfg.UtxoSource.FundingUtxo(ctx, addr)
	if err != nil {
		return escrow.FundingUTXO{}, err
	}

	return found.UnwrapOrErr(fmt.Errorf("%w: %v", ErrUtxoNotFound, addr))
}

// fundingLocator finds the funding output of a contract address.
type fundingLocator func(ctx context.Context, c *escrow.Contract,
	addr btcutil.Address) (escrow.FundingUTXO, error)

func (s *Service) recordFunding(ctx context.Context, loanID string,
	recovery bool, locate fundingLocator) (*escrow.FundingUTXO, error) {

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return nil, err
	}

	var addr btcutil.Address = c.Address
	if recovery {
		if c.RecoveryAddress == nil {
			return nil, fmt.Errorf("%w: %v has no recovery path",
				ErrUtxoNotFound, loanID)
		}
		addr = c.RecoveryAddress
	}

	utxo, err := locate(ctx, c, addr)
	if err != nil {
		if errors.Is(err, escrow.ErrUtxoMismatch) {
			s.securityEvent(ctx, audit.KindUtxoMismatch, loanID, err)
		}

		return nil, err
	}

	if recovery {
		err = c.RecordRecoveryFunding(utxo)
	} else {
		err = c.RecordFunding(utxo)
	}
	if err != nil {
		if errors.Is(err, escrow.ErrUtxoMismatch) {
			s.securityEvent(ctx, audit.KindUtxoMismatch, loanID, err)
		}

		return nil, err
	}

	if err := s.cfg.DB.UpdateContract(c); err != nil {
		return nil, err
	}

	escdLog.InfoS(ctx, "Funding recorded",
		slog.String("loan_id", loanID),
		slog.String("outpoint", utxo.OutPoint.String()),
		slog.Int64("value", int64(utxo.Value)),
		slog.Bool("recovery", recovery))

	return &utxo, nil
}

// authoritativeFunding returns the funding UTXO and witness script a template
// of the given type must spend. The stored UTXO is checked against the live
// view of the UTXO source when it still reports one.
func (s *Service) authoritativeFunding(ctx context.Context, c *escrow.Contract,
	txType presign.TxType) (escrow.FundingUTXO, []byte, error) {

	var addr btcutil.Address = c.Address
	stored, script := c.Funding, c.WitnessScript
	if txType == presign.TxTypeBorrowerRecovery {
		if c.RecoveryAddress == nil {
			return escrow.FundingUTXO{}, nil, fmt.Errorf("%w: "+
				"%v has no recovery path", escrow.ErrNotFunded,
				c.LoanID)
		}
		stored, script = c.RecoveryFunding, c.RecoveryScript
		addr = c.RecoveryAddress
	}

	utxo, err := stored.UnwrapOrErr(
		fmt.Errorf("%w: %v", escrow.ErrNotFunded, addr),
	)
	if err != nil {
		return escrow.FundingUTXO{}, nil, err
	}

	live, err := s.cfg.UtxoSource.FundingUtxo(ctx, addr)
	if err != nil {
		return escrow.FundingUTXO{}, nil, err
	}
	err = fn.MapOptionZ(live, func(l escrow.FundingUTXO) error {
		if l != utxo {
			return fmt.Errorf("%w: source reports %v, contract "+
				"holds %v", escrow.ErrUtxoMismatch, l, utxo)
		}

		return nil
	})
	if err != nil {
		return escrow.FundingUTXO{}, nil, err
	}

	return utxo, script, nil
}

// Output is one output of a template result.
type Output struct {
	Address string `json:"address"`
	Value   int64  `json:"value_sats"`
}

// TemplateResult describes a pre-signed transaction template.
type TemplateResult struct {
	LoanID        string   `json:"loan_id"`
	TxType        string   `json:"tx_type"`
	PsbtBase64    string   `json:"psbt_base64"`
	TxHash        string   `json:"tx_hash"`
	OutputAddress string   `json:"output_address"`
	OutputValue   int64    `json:"output_value_sats"`
	Outputs       []Output `json:"outputs"`
	Fee           int64    `json:"fee_sats"`
	State         string   `json:"state"`
	CSVDelay      uint32   `json:"csv_delay,omitempty"`
	ValidAfter    string   `json:"valid_after,omitempty"`
}

func (s *Service) newTemplateResult(t *presign.Template) (*TemplateResult,
	error) {

	b64, err := t.Base64()
	if err != nil {
		return nil, err
	}
	payouts, err := t.Payouts(s.cfg.Network)
	if err != nil {
		return nil, err
	}

	result := &TemplateResult{
		LoanID:     t.LoanID,
		TxType:     t.Type.String(),
		PsbtBase64: b64,
		TxHash:     t.TxHash().String(),
		Fee:        int64(t.Fee),
		State:      t.State.String(),
		CSVDelay:   t.CSVDelay,
	}
	for _, p := range payouts {
		result.Outputs = append(result.Outputs, Output{
			Address: p.Address,
			Value:   int64(p.Value),
		})
	}

	// The first output is always the primary payee.
	if len(result.Outputs) > 0 {
		result.OutputAddress = result.Outputs[0].Address
		result.OutputValue = result.Outputs[0].Value
	}
	t.ValidAfter.WhenSome(func(ts time.Time) {
		result.ValidAfter = ts.UTC().Format(time.RFC3339)
	})

	return result, nil
}

// parseTxType parses a requested transaction type. Anything outside the
// whitelist is recorded as a security event.
func (s *Service) parseTxType(ctx context.Context, loanID, name string,
	opts ...audit.EventOption) (presign.TxType, error) {

	txType, err := presign.ParseTxType(name)
	if err != nil {
		opts = append(opts, audit.WithTxType(name))
		s.securityEvent(
			ctx, audit.KindInvalidTransactionType, loanID, err,
			opts...,
		)

		return 0, err
	}

	return txType, nil
}

// PsbtTemplate returns the template of the given type, building and storing
// it first if needed. Templates are immutable once built, so repeated calls
// return the same transaction.
func (s *Service) PsbtTemplate(ctx context.Context, loanID,
	txTypeName string) (*TemplateResult, error) {

	txType, err := s.parseTxType(ctx, loanID, txTypeName)
	if err != nil {
		return nil, err
	}

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return nil, err
	}

	funding, script, err := s.authoritativeFunding(ctx, c, txType)
	if err != nil {
		s.checkSecurity(ctx, err, loanID, audit.WithTxType(txTypeName))
		return nil, err
	}

	t, err := s.cfg.DB.FetchTemplate(loanID, txType)
	switch {
	case err == nil:
		if err := t.Verify(funding, script); err != nil {
			s.checkSecurity(
				ctx, err, loanID, audit.WithTxType(txTypeName),
			)
			return nil, err
		}

		return s.newTemplateResult(t)

	case !errors.Is(err, escrowdb.ErrTemplateNotFound):
		return nil, err
	}

	t, err = s.buildTemplate(c, txType, funding)
	if err != nil {
		return nil, err
	}
	if err := t.Verify(funding, script); err != nil {
		return nil, err
	}
	if err := s.cfg.DB.PutTemplate(t); err != nil {
		return nil, err
	}

	escdLog.InfoS(ctx, "Template built",
		slog.String("loan_id", loanID),
		slog.String("tx_type", txType.String()),
		slog.String("txid", t.TxHash().String()),
		slog.Int64("fee", int64(t.Fee)))

	return s.newTemplateResult(t)
}

// buildTemplate builds a new unsigned template of the given type.
func (s *Service) buildTemplate(c *escrow.Contract, txType presign.TxType,
	funding escrow.FundingUTXO) (*presign.Template, error) {

	terms, err := c.Terms.UnwrapOrErr(
		fmt.Errorf("%w: %v", escrow.ErrMissingTerms, c.LoanID),
	)
	if err != nil {
		return nil, err
	}

	feeRate, err := s.cfg.FeeEstimator.EstimateFeePerVByte(
		s.cfg.ConfTarget,
	)
	if err != nil {
		return nil, err
	}

	switch txType {
	case presign.TxTypeRepayment:
		return s.factory.Repayment(
			c.LoanID, c.WitnessScript, funding,
			terms.BorrowerAddress, feeRate,
		)

	case presign.TxTypeDefaultLiquidation:
		return s.factory.DefaultLiquidation(
			c.LoanID, c.WitnessScript, funding,
			terms.LenderAddress, terms.BorrowerAddress,
			terms.AmountOwed, feeRate,
		)

	case presign.TxTypeBorrowerRecovery:
		return s.factory.Recovery(
			c.LoanID, c.Parties, funding, terms.BorrowerAddress,
			c.CSVDelay, feeRate,
		)

	default:
		return nil, fmt.Errorf("%w: %v",
			presign.ErrInvalidTransactionType, txType)
	}
}

// SigningRequest asks the service to sign a stored template with the key of
// one party.
type SigningRequest struct {
	// LoanID is the loan of the template.
	LoanID string

	// TxType names the template. Only the whitelisted types are accepted.
	TxType string

	// Role is the party signing.
	Role keychain.Role

	// Key unlocks the ephemeral key of the party.
	Key KeySource
}

// SigningResult describes a template after a signature was added.
type SigningResult struct {
	LoanID     string   `json:"loan_id"`
	TxType     string   `json:"tx_type"`
	Role       string   `json:"role"`
	PubKey     string   `json:"pubkey"`
	Signature  string   `json:"signature"`
	State      string   `json:"state"`
	Signers    []string `json:"signers"`
	PsbtBase64 string   `json:"psbt_base64"`
	TxHash     string   `json:"tx_hash"`
	RawTx      string   `json:"raw_tx,omitempty"`
}

// SignPredefinedTemplate signs a stored template with the key of the
// requesting party. The transaction type is checked against the whitelist
// before any key material is touched, and the template is checked against
// the authoritative funding output before it is signed. Once two parties
// signed, the template is finalized.
func (s *Service) SignPredefinedTemplate(ctx context.Context,
	req *SigningRequest) (*SigningResult, error) {

	start := s.cfg.Clock.Now()
	ctx = btclog.WithCtx(ctx,
		slog.String("loan_id", req.LoanID),
		slog.String("role", req.Role.String()))

	txType, err := s.parseTxType(
		ctx, req.LoanID, req.TxType, audit.WithRole(req.Role.String()),
	)
	if err != nil {
		s.cfg.Metrics.ObserveSigning(
			"invalid", monitoring.ResultRejected,
			s.cfg.Clock.Now().Sub(start),
		)

		return nil, err
	}

	result, err := s.signTemplate(ctx, req, txType)
	s.observeSigning(txType, err, s.cfg.Clock.Now().Sub(start))
	if err != nil {
		escdLog.ErrorS(ctx, "Signing failed", err,
			slog.String("tx_type", txType.String()),
			slog.String("key_source", req.Key.String()))

		return nil, err
	}

	return result, nil
}

func (s *Service) signTemplate(ctx context.Context, req *SigningRequest,
	txType presign.TxType) (*SigningResult, error) {

	s.loanMtx.Lock(req.LoanID)
	defer s.loanMtx.Unlock(req.LoanID)

	c, t, err := s.loadVerified(ctx, req.LoanID, txType, req.Role)
	if err != nil {
		return nil, err
	}

	party, err := c.Parties.Party(req.Role)
	if err != nil {
		return nil, err
	}

	key, err := req.Key.unlock(s.cfg.Vault, req.LoanID, req.Role)
	if err != nil {
		s.checkSecurity(ctx, err, req.LoanID,
			audit.WithTxType(txType.String()),
			audit.WithRole(req.Role.String()))

		return nil, err
	}
	if !key.PubKey().IsEqual(party.PubKey) {
		key.Zero()
		return nil, fmt.Errorf("%w: %v key of %v", ErrKeyMismatch,
			req.Role, req.LoanID)
	}

	// Sign zeroes the key on every path.
	partialSig, err := t.Sign(key)
	if err != nil {
		s.checkSecurity(ctx, err, req.LoanID,
			audit.WithTxType(txType.String()),
			audit.WithRole(req.Role.String()))

		return nil, err
	}

	return s.completeSigning(ctx, c, t, req.Role, partialSig)
}

// SubmitSignature imports a partial signature produced outside the service,
// for example by the lender's own wallet, from a PSBT carrying it.
func (s *Service) SubmitSignature(ctx context.Context, loanID,
	txTypeName, psbtBase64 string, pubKey []byte) (*SigningResult, error) {

	start := s.cfg.Clock.Now()
	txType, err := s.parseTxType(ctx, loanID, txTypeName)
	if err != nil {
		s.cfg.Metrics.ObserveSigning(
			"invalid", monitoring.ResultRejected,
			s.cfg.Clock.Now().Sub(start),
		)

		return nil, err
	}

	result, err := s.submitSignature(ctx, loanID, txType, psbtBase64, pubKey)
	s.observeSigning(txType, err, s.cfg.Clock.Now().Sub(start))
	if err != nil {
		escdLog.ErrorS(ctx, "Signature import failed", err,
			slog.String("loan_id", loanID),
			slog.String("tx_type", txType.String()),
			lnutils.LogPubKeyBytes("pubkey", pubKey))

		return nil, err
	}

	return result, nil
}

func (s *Service) submitSignature(ctx context.Context, loanID string,
	txType presign.TxType, psbtBase64 string,
	pubKey []byte) (*SigningResult, error) {

	key, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signer.ErrUnknownSigner, err)
	}

	packet, err := psbt.NewFromRawBytes(strings.NewReader(psbtBase64), true)
	if err != nil {
		return nil, fmt.Errorf("unable to decode psbt: %w", err)
	}

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return nil, err
	}
	role, err := c.Parties.RoleOf(key)
	if err != nil {
		return nil, err
	}

	c, t, err := s.loadVerified(ctx, loanID, txType, role)
	if err != nil {
		return nil, err
	}

	if packet.UnsignedTx.TxHash() != t.TxHash() {
		err := fmt.Errorf("%w: psbt signs %v, template is %v",
			signer.ErrSignatureVerificationFailure,
			packet.UnsignedTx.TxHash(), t.TxHash())
		s.checkSecurity(ctx, err, loanID,
			audit.WithTxType(txType.String()),
			audit.WithRole(role.String()))

		return nil, err
	}

	var partialSig *psbt.PartialSig
	for _, in := range packet.Inputs {
		for _, ps := range in.PartialSigs {
			if bytes.Equal(ps.PubKey, key.SerializeCompressed()) {
				partialSig = ps
			}
		}
	}
	if partialSig == nil {
		return nil, fmt.Errorf("%w: psbt has no signature of %v",
			signer.ErrSignatureVerificationFailure, role)
	}

	if err := t.AddSignature(partialSig); err != nil {
		s.checkSecurity(ctx, err, loanID,
			audit.WithTxType(txType.String()),
			audit.WithRole(role.String()))

		return nil, err
	}

	return s.completeSigning(ctx, c, t, role, partialSig)
}

// loadVerified loads a contract and one of its templates and checks the
// template against the authoritative funding output and script.
func (s *Service) loadVerified(ctx context.Context, loanID string,
	txType presign.TxType, role keychain.Role) (*escrow.Contract,
	*presign.Template, error) {

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.cfg.DB.FetchTemplate(loanID, txType)
	if err != nil {
		return nil, nil, err
	}

	funding, script, err := s.authoritativeFunding(ctx, c, txType)
	if err == nil {
		err = t.Verify(funding, script)
	}
	if err != nil {
		s.checkSecurity(ctx, err, loanID,
			audit.WithTxType(txType.String()),
			audit.WithRole(role.String()))

		return nil, nil, err
	}

	return c, t, nil
}

// completeSigning finalizes a ready template, stores it and advances the
// contract once the loan's templates are all signed.
func (s *Service) completeSigning(ctx context.Context, c *escrow.Contract,
	t *presign.Template, role keychain.Role,
	partialSig *psbt.PartialSig) (*SigningResult, error) {

	var rawTx string
	if t.State == presign.StateReady {
		var err error
		rawTx, _, err = t.Finalize()
		if err != nil {
			return nil, err
		}
	}

	if err := s.cfg.DB.PutTemplate(t); err != nil {
		return nil, err
	}

	s.record(ctx, audit.KindTemplateSigned, c.LoanID,
		audit.WithTxType(t.Type.String()), audit.WithRole(role.String()))
	if rawTx != "" {
		s.cfg.Metrics.IncFinalized(t.Type.String())
		s.record(ctx, audit.KindTemplateFinalized, c.LoanID,
			audit.WithTxType(t.Type.String()))
	}

	if err := s.maybeMarkSigned(ctx, c); err != nil {
		return nil, err
	}

	b64, err := t.Base64()
	if err != nil {
		return nil, err
	}
	status := t.Status()

	return &SigningResult{
		LoanID:     c.LoanID,
		TxType:     t.Type.String(),
		Role:       role.String(),
		PubKey:     hex.EncodeToString(partialSig.PubKey),
		Signature:  hex.EncodeToString(partialSig.Signature),
		State:      t.State.String(),
		Signers:    status.Signers,
		PsbtBase64: b64,
		TxHash:     t.TxHash().String(),
		RawTx:      rawTx,
	}, nil
}

// maybeMarkSigned moves a funded contract to transactions_signed once both
// its repayment and liquidation templates are finalized.
func (s *Service) maybeMarkSigned(ctx context.Context,
	c *escrow.Contract) error {

	if c.State != escrow.StateFunded {
		return nil
	}

	templates, err := s.cfg.DB.FetchTemplates(c.LoanID)
	if err != nil {
		return err
	}

	var finalized int
	for _, t := range templates {
		switch t.Type {
		case presign.TxTypeRepayment, presign.TxTypeDefaultLiquidation:
			if t.State >= presign.StateFinalized {
				finalized++
			}
		}
	}
	if finalized < 2 {
		return nil
	}

	if err := c.Transition(escrow.StateTransactionsSigned); err != nil {
		return err
	}
	if err := s.cfg.DB.UpdateContract(c); err != nil {
		return err
	}

	escdLog.InfoS(ctx, "Escrow transactions signed",
		slog.String("loan_id", c.LoanID))

	return nil
}

// broadcastStates maps every template type to the contract state its
// broadcast settles the loan in.
var broadcastStates = map[presign.TxType]escrow.State{
	presign.TxTypeRepayment:          escrow.StateRepaid,
	presign.TxTypeDefaultLiquidation: escrow.StateLiquidated,
	presign.TxTypeBorrowerRecovery:   escrow.StateRecovered,
}

// MarkBroadcast records that the final transaction of a template was
// published and settles the contract accordingly.
func (s *Service) MarkBroadcast(ctx context.Context, loanID,
	txTypeName string) error {

	txType, err := s.parseTxType(ctx, loanID, txTypeName)
	if err != nil {
		return err
	}

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return err
	}
	t, err := s.cfg.DB.FetchTemplate(loanID, txType)
	if err != nil {
		return err
	}

	target := broadcastStates[txType]
	if !c.State.CanTransition(target) {
		return fmt.Errorf("%w: %v -> %v", escrow.ErrInvalidStateTransition,
			c.State, target)
	}
	if err := t.MarkBroadcast(); err != nil {
		return err
	}
	if err := c.Transition(target); err != nil {
		return err
	}

	if err := s.cfg.DB.PutTemplate(t); err != nil {
		return err
	}
	if err := s.cfg.DB.UpdateContract(c); err != nil {
		return err
	}

	escdLog.InfoS(ctx, "Template broadcast",
		slog.String("loan_id", loanID),
		slog.String("tx_type", txType.String()),
		slog.String("txid", t.TxHash().String()))

	return nil
}

// Activate records that the loan was disbursed.
func (s *Service) Activate(ctx context.Context, loanID string) error {
	return s.transition(ctx, loanID, escrow.StateActive)
}

// MarkDefaulted records that the borrower missed the repayment deadline.
func (s *Service) MarkDefaulted(ctx context.Context, loanID string) error {
	return s.transition(ctx, loanID, escrow.StateDefaulted)
}

func (s *Service) transition(ctx context.Context, loanID string,
	to escrow.State) error {

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return err
	}
	if err := c.Transition(to); err != nil {
		return err
	}
	if err := s.cfg.DB.UpdateContract(c); err != nil {
		return err
	}

	escdLog.InfoS(ctx, "Contract state changed",
		slog.String("loan_id", loanID), slog.String("state", to.String()))

	return nil
}

// ContractStatus returns the contract of a loan with the status of each of
// its templates.
func (s *Service) ContractStatus(_ context.Context,
	loanID string) (*escrow.ContractStatus, error) {

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return nil, err
	}
	templates, err := s.cfg.DB.FetchTemplates(loanID)
	if err != nil {
		return nil, err
	}

	status := c.Status()
	for _, t := range templates {
		status.Templates = append(status.Templates, t.Status())
	}

	return status, nil
}

// derivePartyKey derives the key of a party from the passphrase and checks it
// is the one the escrow commits to. The caller must zero the key.
func (s *Service) derivePartyKey(loanID string, role keychain.Role,
	passphrase []byte) (*keychain.EphemeralKey, error) {

	c, err := s.cfg.DB.FetchContract(loanID)
	if err != nil {
		return nil, err
	}
	party, err := c.Parties.Party(role)
	if err != nil {
		return nil, err
	}

	key, err := keychain.DeriveKey(loanID, role, passphrase)
	if err != nil {
		return nil, err
	}
	if !key.PubKey().IsEqual(party.PubKey) {
		key.Zero()
		return nil, fmt.Errorf("%w: %v key of %v", ErrKeyMismatch, role,
			loanID)
	}

	return key, nil
}

// RememberKey seals the key derived from the passphrase under the device key,
// so that later signing requests can use DeviceKey.
func (s *Service) RememberKey(ctx context.Context, loanID string,
	role keychain.Role, passphrase []byte) error {

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	key, err := s.derivePartyKey(loanID, role, passphrase)
	if err != nil {
		return err
	}
	defer key.Zero()

	if err := s.cfg.Vault.RememberKey(loanID, role, key); err != nil {
		return err
	}

	escdLog.InfoS(ctx, "Key remembered", slog.String("loan_id", loanID),
		slog.String("role", role.String()))

	return nil
}

// ForgetKey deletes every sealed copy of the key of a party.
func (s *Service) ForgetKey(ctx context.Context, loanID string,
	role keychain.Role) error {

	if err := s.cfg.Vault.Forget(loanID, role); err != nil {
		return err
	}

	escdLog.InfoS(ctx, "Key forgotten", slog.String("loan_id", loanID),
		slog.String("role", role.String()))

	return nil
}

// SealRecoveryBundle seals the key derived from the passphrase under a
// separate bundle passphrase and stores the bundle. The returned bundle can
// be exported for offline recovery.
func (s *Service) SealRecoveryBundle(ctx context.Context, loanID string,
	role keychain.Role, passphrase,
	bundlePassphrase []byte) (*vault.RecoveryBundle, error) {

	if err := keychain.ValidatePassphrase(bundlePassphrase); err != nil {
		return nil, err
	}

	s.loanMtx.Lock(loanID)
	defer s.loanMtx.Unlock(loanID)

	key, err := s.derivePartyKey(loanID, role, passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	bundle, err := vault.SealBundle(
		loanID, role, key, bundlePassphrase, s.cfg.PBKDF2Iterations,
	)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Vault.PutBundle(bundle); err != nil {
		return nil, err
	}

	escdLog.InfoS(ctx, "Recovery bundle sealed",
		slog.String("loan_id", loanID),
		slog.String("role", role.String()))

	return bundle, nil
}

// ImportRecoveryBundle stores a bundle exported elsewhere, so that BundleKey
// can open it.
func (s *Service) ImportRecoveryBundle(ctx context.Context,
	bundle *vault.RecoveryBundle) error {

	s.loanMtx.Lock(bundle.LoanID)
	defer s.loanMtx.Unlock(bundle.LoanID)

	if _, err := s.cfg.DB.FetchContract(bundle.LoanID); err != nil {
		return err
	}
	if err := s.cfg.Vault.PutBundle(bundle); err != nil {
		return err
	}

	escdLog.InfoS(ctx, "Recovery bundle imported",
		slog.String("loan_id", bundle.LoanID),
		slog.String("role", bundle.Role.String()))

	return nil
}

// observeSigning records the outcome of a signing request.
func (s *Service) observeSigning(txType presign.TxType, err error,
	d time.Duration) {

	result := monitoring.ResultSigned
	switch {
	case err == nil:

	case isSecurityFailure(err):
		result = monitoring.ResultRejected

	default:
		result = monitoring.ResultFailed
	}

	s.cfg.Metrics.ObserveSigning(txType.APIName(), result, d)
}

// securityKinds maps error kinds to the audit event they raise.
var securityKinds = map[ErrorKind]audit.Kind{
	ErrorKindInvalidTransactionType: audit.KindInvalidTransactionType,
	ErrorKindUtxoMismatch:           audit.KindUtxoMismatch,
	ErrorKindWitnessScriptMismatch:  audit.KindWitnessScriptMismatch,
	ErrorKindDecryptionFailure:      audit.KindDecryptionFailure,
	ErrorKindSignatureVerificationFailure: audit.
		KindSignatureVerificationFailure,
}

func isSecurityFailure(err error) bool {
	_, ok := securityKinds[ClassifyError(err)]
	return ok
}

// checkSecurity records an audit event if err is a security failure.
func (s *Service) checkSecurity(ctx context.Context, err error,
	loanID string, opts ...audit.EventOption) {

	kind, ok := securityKinds[ClassifyError(err)]
	if !ok {
		return
	}

	s.securityEvent(ctx, kind, loanID, err, opts...)
}

// securityEvent records a security event and counts it.
func (s *Service) securityEvent(ctx context.Context, kind audit.Kind,
	loanID string, err error, opts ...audit.EventOption) {

	opts = append(opts, audit.WithError(err))
	s.record(ctx, kind, loanID, opts...)
	s.cfg.Metrics.IncSecurityEvent(string(kind))
}

// record appends an audit event. A failing sink is logged, it never fails the
// request.
func (s *Service) record(ctx context.Context, kind audit.Kind, loanID string,
	opts ...audit.EventOption) {

	if _, err := s.cfg.Audit.Record(ctx, kind, loanID, opts...); err != nil {
		escdLog.ErrorS(ctx, "Unable to record audit event", err,
			slog.String("kind", string(kind)))
	}
}
