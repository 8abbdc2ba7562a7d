package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/lightninglabs/escrowd"
	"github.com/lightninglabs/escrowd/build"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/urfave/cli"
	"golang.org/x/term"
)

// errMainnetNotConfirmed is returned when a mainnet operation is attempted
// without --confirm-mainnet.
var errMainnetNotConfirmed = errors.New("refusing to operate on mainnet " +
	"without --confirm-mainnet")

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[escrowcli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "escrowcli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "operate the escrow key store and pre-signed transactions"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "escrowdir",
			Value:     escrowd.DefaultEscrowDir,
			Usage:     "The path to escrowd's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Usage:     "The path to escrowd's config file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network escrows are created for, e.g. " +
				"mainnet, testnet, regtest or signet. Overrides " +
				"the config file.",
		},
		cli.BoolFlag{
			Name: "confirm-mainnet",
			Usage: "Required for any operation on mainnet, where " +
				"real funds are at stake.",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "Logging level for all subsystems.",
		},
		cli.BoolFlag{
			Name:  "log-console",
			Usage: "Also write logs to stdout.",
		},
		cli.BoolFlag{
			Name: "verbose",
			Usage: "Print the full error instead of the user " +
				"facing message.",
		},
	}
	app.Commands = []cli.Command{
		deriveKeyCommand,
		newEscrowCommand,
		verifyAddressCommand,
		setTermsCommand,
		fundCommand,
		templateCommand,
		signCommand,
		submitSigCommand,
		rememberKeyCommand,
		forgetKeyCommand,
		sealBundleCommand,
		importBundleCommand,
		activateCommand,
		defaultCommand,
		broadcastCommand,
		statusCommand,
		auditCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// actionDecorator replaces errors with their user facing message unless
// --verbose is set.
func actionDecorator(f func(*cli.Context) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		err := f(c)
		if err == nil || c.GlobalBool("verbose") {
			return err
		}

		return fmt.Errorf("%v (%v)", escrowd.UserMessage(err),
			escrowd.ClassifyError(err))
	}
}

// loadConfig loads escrowd's config with the global flags applied.
func loadConfig(ctx *cli.Context) (*escrowd.Config, error) {
	cfg, err := escrowd.LoadConfig(
		ctx.GlobalString("escrowdir"), ctx.GlobalString("configfile"),
		func(c *escrowd.Config) {
			if ctx.GlobalIsSet("network") {
				c.Chain.Network = ctx.GlobalString("network")
			}
			if ctx.GlobalIsSet("debuglevel") {
				c.DebugLevel = ctx.GlobalString("debuglevel")
			}
			c.LogConfig.Console.Disable = !ctx.GlobalBool(
				"log-console",
			)
		},
	)
	if err != nil {
		return nil, err
	}

	if cfg.Chain.Net().IsMainnet() && !ctx.GlobalBool("confirm-mainnet") {
		return nil, errMainnetNotConfirmed
	}

	return cfg, nil
}

// network returns the configured network without opening anything.
func network(ctx *cli.Context) (escrow.Network, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return "", err
	}

	return cfg.Chain.Net(), nil
}

// getServices loads the config, sets up logging and opens the escrow
// services. The returned closure releases everything.
func getServices(ctx *cli.Context) (*escrowd.Services, func(), error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	_, logWriter, err := escrowd.InitLogging(cfg)
	if err != nil {
		return nil, nil, err
	}

	services, err := escrowd.BuildServices(cfg)
	if err != nil {
		_ = logWriter.Close()
		return nil, nil, err
	}

	cleanUp := func() {
		if err := services.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "[escrowcli] %v\n", err)
		}
		_ = logWriter.Close()
	}

	return services, cleanUp, nil
}

// readPassword reads a password from the terminal. This requires there to be
// an actual TTY so passing in a password from stdin won't work.
func readPassword(text string) ([]byte, error) {
	fmt.Print(text)

	// The variable syscall.Stdin is of a different type in the Windows API
	// that's why we need the explicit cast. And of course the linter
	// doesn't like it either.
	pw, err := term.ReadPassword(int(syscall.Stdin)) // nolint:unconvert
	fmt.Println()

	return pw, err
}

// readNewPassword reads a password twice and checks both match.
func readNewPassword(text string) ([]byte, error) {
	pw, err := readPassword(text)
	if err != nil {
		return nil, err
	}

	confirm, err := readPassword("Confirm " + text)
	if err != nil {
		return nil, err
	}
	defer clear(confirm)

	if !bytes.Equal(pw, confirm) {
		clear(pw)
		return nil, errors.New("passphrases don't match")
	}

	return pw, nil
}

func printJSON(resp any) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "    ")
	out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}
