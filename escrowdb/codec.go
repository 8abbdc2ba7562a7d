package escrowdb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/presign"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Contract record types.
const (
	contractNetworkType       tlv.Type = 1
	contractBorrowerKeyType   tlv.Type = 2
	contractLenderKeyType     tlv.Type = 3
	contractPlatformKeyType   tlv.Type = 4
	contractCSVDelayType      tlv.Type = 5
	contractStateType         tlv.Type = 6
	contractCreatedAtType     tlv.Type = 7
	contractWitnessScriptType tlv.Type = 8
	contractAddressType       tlv.Type = 9

	// Funding, recovery funding and terms are optional, each occupies a
	// block of consecutive types starting at its base.
	contractFundingBase  tlv.Type = 20
	contractRecoveryBase tlv.Type = 30
	contractTermsBase    tlv.Type = 40
)

// Template record types.
const (
	templateTypeType          tlv.Type = 1
	templateStateType         tlv.Type = 2
	templatePacketType        tlv.Type = 3
	templateWitnessScriptType tlv.Type = 4
	templateFeeType           tlv.Type = 5
	templateCSVDelayType      tlv.Type = 6
	templateCreatedAtType     tlv.Type = 7
	templateValidAfterType    tlv.Type = 8
	templateFinalSignersType  tlv.Type = 9
	templateFundingBase       tlv.Type = 20
)

// utxoRecord is the stored form of a funding UTXO.
type utxoRecord struct {
	txid  [32]byte
	vout  uint32
	value uint64
}

func newUtxoRecord(u escrow.FundingUTXO) *utxoRecord {
	return &utxoRecord{
		txid:  [32]byte(u.OutPoint.Hash),
		vout:  u.OutPoint.Index,
		value: uint64(u.Value),
	}
}

// records returns the TLV records of the UTXO starting at base.
func (r *utxoRecord) records(base tlv.Type) []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(base, &r.txid),
		tlv.MakePrimitiveRecord(base+1, &r.vout),
		tlv.MakePrimitiveRecord(base+2, &r.value),
	}
}

func (r *utxoRecord) utxo() escrow.FundingUTXO {
	return escrow.FundingUTXO{
		OutPoint: wire.OutPoint{
			Hash:  chainhash.Hash(r.txid),
			Index: r.vout,
		},
		Value: btcutil.Amount(r.value),
	}
}

// termsRecord is the stored form of the loan terms.
type termsRecord struct {
	borrowerAddr []byte
	lenderAddr   []byte
	amountOwed   uint64
}

func (r *termsRecord) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(contractTermsBase, &r.borrowerAddr),
		tlv.MakePrimitiveRecord(contractTermsBase+1, &r.lenderAddr),
		tlv.MakePrimitiveRecord(contractTermsBase+2, &r.amountOwed),
	}
}

// serializeContract writes the contract record. Scripts and addresses are
// rebuilt from the keys on read, the stored copies only detect corruption.
func serializeContract(w io.Writer, c *escrow.Contract) error {
	var (
		network       = []byte(c.Network)
		borrower      = c.Parties[keychain.RoleBorrower].PubKey
		lender        = c.Parties[keychain.RoleLender].PubKey
		platform      = c.Parties[keychain.RolePlatform].PubKey
		csvDelay      = c.CSVDelay
		state         = uint8(c.State)
		createdAt     = uint64(c.CreatedAt.Unix())
		witnessScript = c.WitnessScript
		address       = []byte(c.Address.EncodeAddress())
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(contractNetworkType, &network),
		tlv.MakePrimitiveRecord(contractBorrowerKeyType, &borrower),
		tlv.MakePrimitiveRecord(contractLenderKeyType, &lender),
		tlv.MakePrimitiveRecord(contractPlatformKeyType, &platform),
		tlv.MakePrimitiveRecord(contractCSVDelayType, &csvDelay),
		tlv.MakePrimitiveRecord(contractStateType, &state),
		tlv.MakePrimitiveRecord(contractCreatedAtType, &createdAt),
		tlv.MakePrimitiveRecord(
			contractWitnessScriptType, &witnessScript,
		),
		tlv.MakePrimitiveRecord(contractAddressType, &address),
	}

	c.Funding.WhenSome(func(u escrow.FundingUTXO) {
		records = append(
			records, newUtxoRecord(u).records(contractFundingBase)...,
		)
	})
	c.RecoveryFunding.WhenSome(func(u escrow.FundingUTXO) {
		records = append(
			records,
			newUtxoRecord(u).records(contractRecoveryBase)...,
		)
	})
	c.Terms.WhenSome(func(t escrow.LoanTerms) {
		terms := &termsRecord{
			borrowerAddr: []byte(t.BorrowerAddress),
			lenderAddr:   []byte(t.LenderAddress),
			amountOwed:   uint64(t.AmountOwed),
		}
		records = append(records, terms.records()...)
	})

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeContract reads a contract record and rebuilds its scripts.
func deserializeContract(loanID string, r io.Reader) (*escrow.Contract,
	error) {

	var (
		network                    []byte
		borrower, lender, platform *btcec.PublicKey
		csvDelay                   uint32
		state                      uint8
		createdAt                  uint64
		witnessScript, address     []byte
		funding, recovery          utxoRecord
		terms                      termsRecord
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(contractNetworkType, &network),
		tlv.MakePrimitiveRecord(contractBorrowerKeyType, &borrower),
		tlv.MakePrimitiveRecord(contractLenderKeyType, &lender),
		tlv.MakePrimitiveRecord(contractPlatformKeyType, &platform),
		tlv.MakePrimitiveRecord(contractCSVDelayType, &csvDelay),
		tlv.MakePrimitiveRecord(contractStateType, &state),
		tlv.MakePrimitiveRecord(contractCreatedAtType, &createdAt),
		tlv.MakePrimitiveRecord(
			contractWitnessScriptType, &witnessScript,
		),
		tlv.MakePrimitiveRecord(contractAddressType, &address),
	}
	records = append(records, funding.records(contractFundingBase)...)
	records = append(records, recovery.records(contractRecoveryBase)...)
	records = append(records, terms.records()...)

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	for _, typ := range []tlv.Type{
		contractNetworkType, contractBorrowerKeyType,
		contractLenderKeyType, contractPlatformKeyType,
		contractStateType, contractWitnessScriptType,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: contract %v is missing "+
				"field %d", ErrCorruptRecord, loanID, typ)
		}
	}

	net, err := escrow.ParseNetwork(string(network))
	if err != nil {
		return nil, err
	}

	parties, err := escrow.NewParties(
		borrower.SerializeCompressed(), lender.SerializeCompressed(),
		platform.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}

	e, err := escrow.New(parties, net, csvDelay)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(e.WitnessScript, witnessScript) ||
		e.Address.EncodeAddress() != string(address) {

		return nil, fmt.Errorf("%w: stored script of contract %v does "+
			"not match its keys", ErrCorruptRecord, loanID)
	}

	contractState := escrow.State(state)
	if !contractState.IsValid() {
		return nil, fmt.Errorf("%w: contract %v has unknown state %d",
			ErrCorruptRecord, loanID, state)
	}

	c := escrow.NewContract(
		loanID, e, time.Unix(int64(createdAt), 0),
	)
	c.State = contractState

	if _, ok := parsed[contractFundingBase]; ok {
		c.Funding = fn.Some(funding.utxo())
	}
	if _, ok := parsed[contractRecoveryBase]; ok {
		c.RecoveryFunding = fn.Some(recovery.utxo())
	}
	if _, ok := parsed[contractTermsBase]; ok {
		c.Terms = fn.Some(escrow.LoanTerms{
			BorrowerAddress: string(terms.borrowerAddr),
			LenderAddress:   string(terms.lenderAddr),
			AmountOwed:      btcutil.Amount(terms.amountOwed),
		})
	}

	return c, nil
}

// serializeTemplate writes a template record.
func serializeTemplate(w io.Writer, t *presign.Template) error {
	var packet bytes.Buffer
	if err := t.Packet.Serialize(&packet); err != nil {
		return err
	}

	var (
		txType        = uint8(t.Type)
		state         = uint8(t.State)
		packetBytes   = packet.Bytes()
		witnessScript = t.WitnessScript
		fee           = uint64(t.Fee)
		csvDelay      = t.CSVDelay
		createdAt     = uint64(t.CreatedAt.Unix())
		finalSigners  = bytes.Join(t.FinalSigners, nil)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(templateTypeType, &txType),
		tlv.MakePrimitiveRecord(templateStateType, &state),
		tlv.MakePrimitiveRecord(templatePacketType, &packetBytes),
		tlv.MakePrimitiveRecord(
			templateWitnessScriptType, &witnessScript,
		),
		tlv.MakePrimitiveRecord(templateFeeType, &fee),
		tlv.MakePrimitiveRecord(templateCSVDelayType, &csvDelay),
		tlv.MakePrimitiveRecord(templateCreatedAtType, &createdAt),
	}

	t.ValidAfter.WhenSome(func(validAfter time.Time) {
		ts := uint64(validAfter.Unix())
		records = append(records, tlv.MakePrimitiveRecord(
			templateValidAfterType, &ts,
		))
	})

	if len(finalSigners) != 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			templateFinalSignersType, &finalSigners,
		))
	}

	records = append(
		records, newUtxoRecord(t.Funding).records(templateFundingBase)...,
	)

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeTemplate reads a template record.
func deserializeTemplate(loanID string, r io.Reader) (*presign.Template,
	error) {

	var (
		txType, state              uint8
		packetBytes, witnessScript []byte
		fee, createdAt, validAfter uint64
		csvDelay                   uint32
		finalSigners               []byte
		funding                    utxoRecord
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(templateTypeType, &txType),
		tlv.MakePrimitiveRecord(templateStateType, &state),
		tlv.MakePrimitiveRecord(templatePacketType, &packetBytes),
		tlv.MakePrimitiveRecord(
			templateWitnessScriptType, &witnessScript,
		),
		tlv.MakePrimitiveRecord(templateFeeType, &fee),
		tlv.MakePrimitiveRecord(templateCSVDelayType, &csvDelay),
		tlv.MakePrimitiveRecord(templateCreatedAtType, &createdAt),
		tlv.MakePrimitiveRecord(templateValidAfterType, &validAfter),
		tlv.MakePrimitiveRecord(
			templateFinalSignersType, &finalSigners,
		),
	}
	records = append(records, funding.records(templateFundingBase)...)

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	for _, typ := range []tlv.Type{
		templateTypeType, templateStateType, templatePacketType,
		templateWitnessScriptType, templateFundingBase,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: template of %v is missing "+
				"field %d", ErrCorruptRecord, loanID, typ)
		}
	}

	kind := presign.TxType(txType)
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %v", presign.ErrInvalidTransactionType,
			txType)
	}
	templateState := presign.State(state)
	if !templateState.IsValid() {
		return nil, fmt.Errorf("%w: template of %v has unknown state "+
			"%d", ErrCorruptRecord, loanID, state)
	}
	if len(finalSigners)%btcec.PubKeyBytesLenCompressed != 0 {
		return nil, fmt.Errorf("%w: template of %v has malformed "+
			"signer list", ErrCorruptRecord, loanID)
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(packetBytes), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	t := &presign.Template{
		LoanID:        loanID,
		Type:          kind,
		Packet:        packet,
		WitnessScript: witnessScript,
		Funding:       funding.utxo(),
		Fee:           btcutil.Amount(fee),
		CSVDelay:      csvDelay,
		State:         templateState,
		CreatedAt:     time.Unix(int64(createdAt), 0).UTC(),
	}

	if _, ok := parsed[templateValidAfterType]; ok {
		t.ValidAfter = fn.Some(time.Unix(int64(validAfter), 0).UTC())
	}

	for len(finalSigners) > 0 {
		key := finalSigners[:btcec.PubKeyBytesLenCompressed]
		t.FinalSigners = append(t.FinalSigners, key)
		finalSigners = finalSigners[btcec.PubKeyBytesLenCompressed:]
	}

	return t, nil
}
