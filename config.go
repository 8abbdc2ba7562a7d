package escrowd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightninglabs/escrowd/build"
	"github.com/lightninglabs/escrowd/escrowcfg"
)

const (
	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultLogFilename = "escrowd.log"
	defaultLogLevel    = "info"
)

var (
	// DefaultEscrowDir is the default directory where escrowd keeps its
	// configuration, database and logs.
	DefaultEscrowDir = btcutil.AppDataDir("escrowd", false)

	// DefaultConfigFile is the default full path of escrowd's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultEscrowDir, escrowcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultEscrowDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultEscrowDir, defaultLogDirname)
)

// Config defines the configuration options for escrowd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:ll
type Config struct {
	EscrowDir  string `long:"escrowdir" description:"The base directory that contains escrowd's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store escrowd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	AuditFile  string `long:"auditfile" description:"Path of the JSON lines security audit log. Defaults to audit.jsonl in the data directory."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Chain *escrowcfg.Chain `group:"chain" namespace:"chain"`

	Fee *escrowcfg.Fee `group:"fee" namespace:"fee"`

	Escrow *escrowcfg.Escrow `group:"escrow" namespace:"escrow"`

	Vault *escrowcfg.Vault `group:"vault" namespace:"vault"`

	DB *escrowcfg.DB `group:"db" namespace:"db"`

	Prometheus *escrowcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		EscrowDir:  DefaultEscrowDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Chain:      escrowcfg.DefaultChain(),
		Fee:        escrowcfg.DefaultFee(),
		Escrow:     escrowcfg.DefaultEscrow(),
		Vault:      escrowcfg.DefaultVault(),
		DB:         escrowcfg.DefaultDB(),
		Prometheus: escrowcfg.DefaultPrometheus(),
		LogConfig:  build.DefaultLogConfig(),
	}
}

// LoadConfig builds the config from the defaults, the config file and the
// overrides, in that order of increasing precedence.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Locate the config file, inside escrowDir unless configFile is set
//  3. Load the config file overwriting defaults with any specified options
//  4. Apply the overrides, typically taken from command line flags
func LoadConfig(escrowDir, configFile string,
	overrides ...func(*Config)) (*Config, error) {

	cfg := DefaultConfig()
	if escrowDir != "" {
		cfg.EscrowDir = escrowDir
	}

	// If the config file path has not been set, we'll use the one within
	// the escrow directory.
	configFilePath := CleanAndExpandPath(configFile)
	if configFilePath == "" {
		configFilePath = filepath.Join(
			CleanAndExpandPath(cfg.EscrowDir),
			escrowcfg.DefaultConfigFilename,
		)
	}
	cfg.ConfigFile = configFilePath

	// Next, load any additional configuration options from the file.
	var configFileError error
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	for _, override := range overrides {
		override(&cfg)
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	if configFileError != nil {
		escdLog.Debugf("No config file loaded: %v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided escrow directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	escrowDir := CleanAndExpandPath(cfg.EscrowDir)
	if escrowDir != CleanAndExpandPath(DefaultEscrowDir) {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(escrowDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(escrowDir, defaultLogDirname)
		}
	}

	cfg.EscrowDir = escrowDir
	cfg.ConfigFile = CleanAndExpandPath(cfg.ConfigFile)
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.AuditFile = CleanAndExpandPath(cfg.AuditFile)

	err := escrowcfg.Validate(
		cfg.Chain, cfg.Fee, cfg.Escrow, cfg.Vault, cfg.DB,
		cfg.Prometheus, cfg.LogConfig,
	)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	// Data and logs are namespaced per network.
	network := cfg.Chain.Net().String()
	cfg.DataDir = filepath.Join(cfg.DataDir, network)
	cfg.LogDir = filepath.Join(cfg.LogDir, network)

	if cfg.AuditFile == "" {
		cfg.AuditFile = filepath.Join(
			cfg.DataDir, escrowcfg.DefaultAuditFilename,
		)
	}

	return &cfg, nil
}

// DBPath returns the full path of the bolt database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, escrowcfg.DefaultDBFilename)
}

// LogFile returns the full path of the rotating log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	return escrowcfg.CleanAndExpandPath(path)
}
