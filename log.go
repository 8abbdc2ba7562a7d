package escrowd

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/escrowd/audit"
	"github.com/lightninglabs/escrowd/build"
	"github.com/lightninglabs/escrowd/chainfee"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/escrowdb"
	"github.com/lightninglabs/escrowd/input"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/monitoring"
	"github.com/lightninglabs/escrowd/presign"
	"github.com/lightninglabs/escrowd/signer"
	"github.com/lightninglabs/escrowd/vault"
)

// Subsystem defines the logging code for the escrow service.
const Subsystem = "ESCD"

// escdLog is the service logger. It stays disabled until SetupLoggers
// replaces it.
var escdLog btclog.Logger

func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// UseLogger uses a specified Logger to output service logging info.
func UseLogger(logger btclog.Logger) {
	escdLog = logger
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	AddSubLogger(root, Subsystem, UseLogger)
	AddSubLogger(root, keychain.Subsystem, keychain.UseLogger)
	AddSubLogger(root, input.Subsystem, input.UseLogger)
	AddSubLogger(root, escrow.Subsystem, escrow.UseLogger)
	AddSubLogger(root, chainfee.Subsystem, chainfee.UseLogger)
	AddSubLogger(root, presign.Subsystem, presign.UseLogger)
	AddSubLogger(root, signer.Subsystem, signer.UseLogger)
	AddSubLogger(root, vault.Subsystem, vault.UseLogger)
	AddSubLogger(root, escrowdb.Subsystem, escrowdb.UseLogger)
	AddSubLogger(root, audit.Subsystem, audit.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// InitLogging creates the console and rotating file handlers described by the
// config, registers every subsystem and applies the debug levels. The
// returned writer must be closed on shutdown.
func InitLogging(cfg *Config) (*build.SubLoggerManager,
	*build.RotatingLogWriter, error) {

	logWriter := build.NewRotatingLogWriter()

	var handlers []btclog.Handler
	if !cfg.LogConfig.Console.Disable {
		handlers = append(handlers, btclog.NewDefaultHandler(
			os.Stdout, cfg.LogConfig.Console.HandlerOptions()...,
		))
	}
	if !cfg.LogConfig.File.Disable {
		err := logWriter.InitLogRotator(cfg.LogConfig.File, cfg.LogFile())
		if err != nil {
			return nil, nil, fmt.Errorf("log rotation setup "+
				"failed: %w", err)
		}

		handlers = append(handlers, btclog.NewDefaultHandler(
			logWriter, cfg.LogConfig.File.HandlerOptions()...,
		))
	}

	root := build.NewSubLoggerManager(handlers...)
	SetupLoggers(root)

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		_ = logWriter.Close()
		return nil, nil, err
	}

	return root, logWriter, nil
}
