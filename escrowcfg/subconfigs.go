package escrowcfg

import (
	"fmt"
	"time"

	"github.com/lightninglabs/escrowd/chainfee"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/input"
	"github.com/lightninglabs/escrowd/vault"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultCSVDelay is the recovery timelock in blocks, roughly one day.
	DefaultCSVDelay = 144

	// DefaultFeeRate is the static fee rate used when none is configured.
	DefaultFeeRate = 10

	// DefaultPrometheusListen is the default metrics listener.
	DefaultPrometheusListen = "127.0.0.1:8989"
)

// Chain selects the bitcoin network.
//
//nolint:ll
type Chain struct {
	Network string `long:"network" description:"The bitcoin network escrows are created for." choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet"`
}

// DefaultChain returns the testnet chain config.
func DefaultChain() *Chain {
	return &Chain{Network: string(escrow.NetworkTestnet)}
}

// Validate checks the network name.
func (c *Chain) Validate() error {
	_, err := escrow.ParseNetwork(c.Network)
	return err
}

// Net returns the parsed network.
func (c *Chain) Net() escrow.Network {
	return escrow.Network(c.Network)
}

// Fee holds the fee rate options.
//
//nolint:ll
type Fee struct {
	FeeRate  uint64 `long:"feerate" description:"Static fee rate in sat/vbyte used for pre-signed templates."`
	RelayFee uint64 `long:"relayfee" description:"Minimum relay fee rate in sat/vbyte."`
}

// DefaultFee returns the default fee config.
func DefaultFee() *Fee {
	return &Fee{
		FeeRate:  DefaultFeeRate,
		RelayFee: uint64(chainfee.FeePerVByteFloor),
	}
}

// Validate checks the rates against the relay floor.
func (f *Fee) Validate() error {
	if chainfee.SatPerVByte(f.RelayFee) < chainfee.FeePerVByteFloor {
		return fmt.Errorf("%w: relay fee %d sat/vbyte",
			chainfee.ErrFeeRateTooLow, f.RelayFee)
	}
	if f.FeeRate < f.RelayFee {
		return fmt.Errorf("%w: fee rate %d below relay fee %d",
			chainfee.ErrFeeRateTooLow, f.FeeRate, f.RelayFee)
	}

	return nil
}

// Estimator returns a static estimator over the configured rates.
func (f *Fee) Estimator() (*chainfee.StaticEstimator, error) {
	return chainfee.NewStaticEstimator(
		chainfee.SatPerVByte(f.FeeRate), chainfee.SatPerVByte(f.RelayFee),
	)
}

// Escrow holds the escrow script options.
//
//nolint:ll
type Escrow struct {
	CSVDelay uint32 `long:"csvdelay" description:"Relative timelock in blocks of the borrower recovery path."`
}

// DefaultEscrow returns the default escrow config.
func DefaultEscrow() *Escrow {
	return &Escrow{CSVDelay: DefaultCSVDelay}
}

// Validate checks the delay is a valid block based relative lock.
func (e *Escrow) Validate() error {
	if e.CSVDelay == 0 || e.CSVDelay > input.MaxCSVDelay {
		return fmt.Errorf("%w: %d", input.ErrInvalidCSVDelay, e.CSVDelay)
	}

	return nil
}

// Vault holds the key vault options.
//
//nolint:ll
type Vault struct {
	PBKDF2Iterations uint32 `long:"pbkdf2iterations" description:"PBKDF2-SHA256 iterations used to seal recovery bundles."`
}

// DefaultVault returns the default vault config.
func DefaultVault() *Vault {
	return &Vault{PBKDF2Iterations: vault.DefaultPBKDF2Iterations}
}

// Validate enforces the iteration floor.
func (v *Vault) Validate() error {
	if v.PBKDF2Iterations < vault.MinPBKDF2Iterations {
		return fmt.Errorf("%w: %d", vault.ErrTooFewIterations,
			v.PBKDF2Iterations)
	}

	return nil
}

// DB holds the bolt database options.
//
//nolint:ll
type DB struct {
	Timeout        time.Duration `long:"timeout" description:"How long to wait for the database lock before giving up."`
	NoFreelistSync bool          `long:"nofreelistsync" description:"Skip syncing the freelist to disk, trading startup time for write speed."`
}

// DefaultDB returns the default DB config.
func DefaultDB() *DB {
	return &DB{
		Timeout:        kvdb.DefaultDBTimeout,
		NoFreelistSync: true,
	}
}

// Validate checks the lock timeout.
func (db *DB) Validate() error {
	if db.Timeout <= 0 {
		return fmt.Errorf("db timeout must be positive, got %v",
			db.Timeout)
	}

	return nil
}

// Open creates or opens the bolt database at path.
func (db *DB) Open(path string) (kvdb.Backend, error) {
	return kvdb.Create(
		kvdb.BoltBackendName, path, db.NoFreelistSync, db.Timeout,
		false,
	)
}

// Prometheus configures the metrics exporter.
//
//nolint:ll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Export Prometheus metrics."`
	Listen string `long:"listen" description:"The interface the Prometheus exporter listens on."`
}

// DefaultPrometheus returns the default exporter config, disabled.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{Listen: DefaultPrometheusListen}
}

// Validate requires a listen address when the exporter is enabled.
func (p *Prometheus) Validate() error {
	if p.Enable && p.Listen == "" {
		return fmt.Errorf("prometheus listen address must be set")
	}

	return nil
}

// Compile-time constraints to ensure every sub config implements the
// Validator interface.
var (
	_ Validator = (*Chain)(nil)
	_ Validator = (*Fee)(nil)
	_ Validator = (*Escrow)(nil)
	_ Validator = (*Vault)(nil)
	_ Validator = (*DB)(nil)
	_ Validator = (*Prometheus)(nil)
)
