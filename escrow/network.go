package escrow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network is the name of the bitcoin network an escrow lives on.
type Network string

const (
	// NetworkMainnet is the main bitcoin network.
	NetworkMainnet Network = "mainnet"

	// NetworkTestnet is testnet3.
	NetworkTestnet Network = "testnet"

	// NetworkRegtest is a local regression test network.
	NetworkRegtest Network = "regtest"

	// NetworkSignet is the default signet.
	NetworkSignet Network = "signet"
)

// ErrUnknownNetwork is returned for network names we have no parameters for.
var ErrUnknownNetwork = errors.New("unknown network")

// Networks lists every supported network.
var Networks = []Network{
	NetworkMainnet, NetworkTestnet, NetworkRegtest, NetworkSignet,
}

// ParseNetwork parses a network name. The aliases used by bitcoind and btcd
// are accepted too.
func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mainnet", "main", "bitcoin":
		return NetworkMainnet, nil

	case "testnet", "testnet3", "test":
		return NetworkTestnet, nil

	case "regtest", "regnet", "simnet":
		return NetworkRegtest, nil

	case "signet":
		return NetworkSignet, nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
}

// Params returns the chain parameters of the network.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil

	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil

	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil

	case NetworkSignet:
		return &chaincfg.SigNetParams, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, string(n))
	}
}

// IsMainnet reports whether real funds are at stake on this network.
func (n Network) IsMainnet() bool {
	return n == NetworkMainnet
}

// String returns the network name.
func (n Network) String() string {
	return string(n)
}
