package main

import (
	"flag"
	"fmt"
	"testing"

	"github.com/lightninglabs/escrowd/presign"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func newTestContext(t *testing.T, verbose bool,
	args ...string) *cli.Context {

	t.Helper()

	global := flag.NewFlagSet("escrowcli", flag.ContinueOnError)
	global.Bool("verbose", verbose, "")
	globalCtx := cli.NewContext(cli.NewApp(), global, nil)

	set := flag.NewFlagSet("cmd", flag.ContinueOnError)
	set.String("loan_id", "", "")
	set.String("role", "", "")
	require.NoError(t, set.Parse(args))

	return cli.NewContext(cli.NewApp(), set, globalCtx)
}

// TestActionDecorator checks that signing errors are masked unless verbose
// output is requested.
func TestActionDecorator(t *testing.T) {
	t.Parallel()

	failing := func(*cli.Context) error {
		return fmt.Errorf("sign: %w: %q",
			presign.ErrInvalidTransactionType, "REFUND")
	}

	err := actionDecorator(failing)(newTestContext(t, false))
	require.EqualError(
		t, err,
		"could not complete signing (invalid_transaction_type)",
	)

	err = actionDecorator(failing)(newTestContext(t, true))
	require.ErrorIs(t, err, presign.ErrInvalidTransactionType)
}

// TestRequiredFlags checks the parsing of the common flags.
func TestRequiredFlags(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, false, "--loan_id=loan-1", "--role=lender")
	loanID, err := requireString(ctx, "loan_id")
	require.NoError(t, err)
	require.Equal(t, "loan-1", loanID)

	role, err := parseRole(ctx)
	require.NoError(t, err)
	require.Equal(t, "lender", role.String())

	ctx = newTestContext(t, false, "--role=banker")
	_, err = requireString(ctx, "loan_id")
	require.Error(t, err)
	_, err = parseRole(ctx)
	require.Error(t, err)
}
