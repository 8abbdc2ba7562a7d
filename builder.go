package escrowd

import (
	"errors"
	"fmt"
	"os"

	"github.com/lightninglabs/escrowd/audit"
	"github.com/lightninglabs/escrowd/escrowdb"
	"github.com/lightninglabs/escrowd/monitoring"
	"github.com/lightninglabs/escrowd/vault"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Services bundles a running escrow service with the resources backing it.
type Services struct {
	*Service

	// Sink is the audit file sink.
	Sink *audit.FileSink

	// Exporter serves the metrics, if enabled.
	Exporter *monitoring.Exporter

	// Utxos is the funding view of the service. Outputs reported by the
	// operator are registered here.
	Utxos *StaticUtxoSource

	cleanups []func() error
}

// Close stops the service and releases its resources in reverse order of
// creation.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		if err := s.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.cleanups = nil

	return errors.Join(errs...)
}

// BuildServices opens the database, vault and audit log described by the
// config and starts the escrow service on top of them. The caller must Close
// the result.
func BuildServices(cfg *Config) (*Services, error) {
	s := &Services{}

	fail := func(err error) (*Services, error) {
		if closeErr := s.Close(); closeErr != nil {
			escdLog.Errorf("Unable to clean up: %v", closeErr)
		}

		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	backend, err := cfg.DB.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	s.cleanups = append(s.cleanups, backend.Close)

	db, err := escrowdb.New(backend)
	if err != nil {
		return fail(err)
	}
	store, err := vault.NewStore(backend)
	if err != nil {
		return fail(err)
	}

	s.Sink, err = audit.NewFileSink(cfg.AuditFile)
	if err != nil {
		return fail(fmt.Errorf("unable to open audit log: %w", err))
	}
	s.cleanups = append(s.cleanups, s.Sink.Close)

	registry := prometheus.NewRegistry()
	metrics, err := monitoring.NewMetrics(registry)
	if err != nil {
		return fail(err)
	}
	if cfg.Prometheus.Enable {
		s.Exporter = monitoring.NewExporter(cfg.Prometheus, registry)
		if err := s.Exporter.Start(); err != nil {
			return fail(err)
		}
		s.cleanups = append(s.cleanups, s.Exporter.Stop)
	}

	estimator, err := cfg.Fee.Estimator()
	if err != nil {
		return fail(err)
	}

	clk := clock.NewDefaultClock()
	s.Utxos = NewStaticUtxoSource()
	s.Service = NewService(&ServiceConfig{
		Network:          cfg.Chain.Net(),
		CSVDelay:         cfg.Escrow.CSVDelay,
		DB:               db,
		Vault:            store,
		FeeEstimator:     estimator,
		UtxoSource:       s.Utxos,
		Audit:            audit.NewLogger(clk, s.Sink),
		Metrics:          metrics,
		Clock:            clk,
		PBKDF2Iterations: cfg.Vault.PBKDF2Iterations,
	})
	if err := s.Service.Start(); err != nil {
		return fail(err)
	}
	s.cleanups = append(s.cleanups, s.Service.Stop)

	escdLog.Infof("Escrow services ready: network=%v, db=%v",
		cfg.Chain.Net(), cfg.DBPath())

	return s, nil
}
