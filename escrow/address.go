package escrow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightninglabs/escrowd/input"
)

var (
	// ErrAddressMismatch is returned when an escrow address does not
	// commit to the script rebuilt from the party keys.
	ErrAddressMismatch = errors.New("escrow address does not match the " +
		"party keys")

	// ErrInvalidPayoutAddress is returned for payout addresses that do not
	// decode for the escrow's network or pay to an unsupported script.
	ErrInvalidPayoutAddress = errors.New("invalid payout address")
)

// Escrow bundles the two scripts and addresses of a loan: the 2-of-3 escrow
// output that receives the collateral and, when a recovery delay is set, the
// CSV gated variant used by the borrower recovery path.
type Escrow struct {
	// Parties are the three key holders.
	Parties Parties

	// Network is the network the addresses are encoded for.
	Network Network

	// WitnessScript is the standard 2-of-3 script.
	WitnessScript []byte

	// PkScript is the P2WSH output script of WitnessScript.
	PkScript []byte

	// Address is the bech32 encoding of PkScript.
	Address *btcutil.AddressWitnessScriptHash

	// CSVDelay is the relative delay of the recovery script in blocks, or
	// zero if the escrow has no recovery path.
	CSVDelay uint32

	// RecoveryScript is the CSV gated 2-of-3 script.
	RecoveryScript []byte

	// RecoveryPkScript is the P2WSH output script of RecoveryScript.
	RecoveryPkScript []byte

	// RecoveryAddress is the bech32 encoding of RecoveryPkScript.
	RecoveryAddress *btcutil.AddressWitnessScriptHash
}

// New builds the scripts and addresses of an escrow. The result only depends
// on the key set, never on the order the keys were supplied in, so any party
// can reconstruct it offline.
func New(parties Parties, net Network, csvDelay uint32) (*Escrow, error) {
	if err := parties.Validate(); err != nil {
		return nil, err
	}

	keys := parties.Keys()
	witnessScript, err := input.GenEscrowScript(keys)
	if err != nil {
		return nil, err
	}

	addr, err := DeriveAddress(witnessScript, net)
	if err != nil {
		return nil, err
	}

	e := &Escrow{
		Parties:       parties,
		Network:       net,
		WitnessScript: witnessScript,
		PkScript:      mustPayToAddr(addr),
		Address:       addr,
		CSVDelay:      csvDelay,
	}

	if csvDelay == 0 {
		return e, nil
	}

	e.RecoveryScript, err = input.GenTimelockEscrowScript(keys, csvDelay)
	if err != nil {
		return nil, err
	}
	e.RecoveryAddress, err = DeriveAddress(e.RecoveryScript, net)
	if err != nil {
		return nil, err
	}
	e.RecoveryPkScript = mustPayToAddr(e.RecoveryAddress)

	log.Debugf("Built escrow %v (recovery %v, csv=%d) on %v", e.Address,
		e.RecoveryAddress, csvDelay, net)

	return e, nil
}

// DeriveAddress returns the bech32 P2WSH address of the witness script on the
// given network.
func DeriveAddress(witnessScript []byte,
	net Network) (*btcutil.AddressWitnessScriptHash, error) {

	params, err := net.Params()
	if err != nil {
		return nil, err
	}

	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	// The witness program is everything after OP_0 OP_DATA_32.
	return btcutil.NewAddressWitnessScriptHash(pkScript[2:], params)
}

// VerifyAddress rebuilds the escrow script from the party keys and checks that
// addr commits to it. A non-zero csvDelay verifies the recovery address
// instead.
func VerifyAddress(parties Parties, net Network, csvDelay uint32,
	addr string) error {

	e, err := New(parties, net, csvDelay)
	if err != nil {
		return err
	}

	params, err := net.Params()
	if err != nil {
		return err
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressMismatch, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("%w: %v is not a %v address",
			ErrAddressMismatch, addr, net)
	}

	want := e.PkScript
	if csvDelay != 0 {
		want = e.RecoveryPkScript
	}

	got, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressMismatch, err)
	}
	if !bytes.Equal(got, want) {
		return ErrAddressMismatch
	}

	return nil
}

// PayoutScript decodes a payout address of the given network and returns its
// output script. Every standard segwit and legacy address type is accepted
// since all of them fit within input.MaxOutputPkScriptSize.
func PayoutScript(addr string, net Network) ([]byte, error) {
	params, err := net.Params()
	if err != nil {
		return nil, err
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayoutAddress, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("%w: %v is not a %v address",
			ErrInvalidPayoutAddress, addr, net)
	}

	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayoutAddress, err)
	}
	if len(pkScript) > input.MaxOutputPkScriptSize {
		return nil, fmt.Errorf("%w: script of %d bytes exceeds %d",
			ErrInvalidPayoutAddress, len(pkScript),
			input.MaxOutputPkScriptSize)
	}

	return pkScript, nil
}

// mustPayToAddr returns the output script of a P2WSH address, which cannot
// fail for an address we just constructed.
func mustPayToAddr(addr *btcutil.AddressWitnessScriptHash) []byte {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		panic(fmt.Sprintf("p2wsh address %v has no script: %v", addr,
			err))
	}

	return pkScript
}
