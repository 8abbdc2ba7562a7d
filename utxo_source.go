package escrowd

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// UtxoSource looks up the output funding an escrow address. It is backed by
// the blockchain monitoring collaborator.
type UtxoSource interface {
	// FundingUtxo returns the output paying to addr, or None if the
	// address is not funded yet.
	FundingUtxo(ctx context.Context,
		addr btcutil.Address) (fn.Option[escrow.FundingUTXO], error)
}

// StaticUtxoSource is a UtxoSource over outputs registered by hand, for
// example from the operator CLI or tests.
type StaticUtxoSource struct {
	mu    sync.RWMutex
	utxos map[string]escrow.FundingUTXO
}

// NewStaticUtxoSource returns an empty source.
func NewStaticUtxoSource() *StaticUtxoSource {
	return &StaticUtxoSource{
		utxos: make(map[string]escrow.FundingUTXO),
	}
}

// AddUtxo registers the output funding addr, replacing any earlier one.
func (s *StaticUtxoSource) AddUtxo(addr string, utxo escrow.FundingUTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.utxos[addr] = utxo
}

// FundingUtxo returns the registered output of addr.
//
// NOTE: This is part of the UtxoSource interface.
func (s *StaticUtxoSource) FundingUtxo(_ context.Context,
	addr btcutil.Address) (fn.Option[escrow.FundingUTXO], error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	utxo, ok := s.utxos[addr.EncodeAddress()]
	if !ok {
		return fn.None[escrow.FundingUTXO](), nil
	}

	return fn.Some(utxo), nil
}

// A compile time check to ensure StaticUtxoSource implements the UtxoSource
// interface.
var _ UtxoSource = (*StaticUtxoSource)(nil)
