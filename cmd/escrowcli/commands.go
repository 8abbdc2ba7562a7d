package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/escrowd"
	"github.com/lightninglabs/escrowd/audit"
	"github.com/lightninglabs/escrowd/escrow"
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/vault"
	"github.com/urfave/cli"
)

var (
	loanIDFlag = cli.StringFlag{
		Name:  "loan_id",
		Usage: "the id of the loan the escrow secures",
	}
	roleFlag = cli.StringFlag{
		Name:  "role",
		Usage: "the escrow party: borrower, lender or platform",
	}
	txTypeFlag = cli.StringFlag{
		Name: "tx_type",
		Usage: "the pre-signed transaction: REPAYMENT, " +
			"DEFAULT_LIQUIDATION or BORROWER_RECOVERY",
	}
	csvDelayFlag = cli.Uint64Flag{
		Name: "csv_delay",
		Usage: "the relative timelock in blocks of the recovery " +
			"path, defaults to the configured value",
	}
)

var partyKeyFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "borrower_pubkey",
		Usage: "the hex encoded compressed key of the borrower",
	},
	cli.StringFlag{
		Name:  "lender_pubkey",
		Usage: "the hex encoded compressed key of the lender",
	},
	cli.StringFlag{
		Name:  "platform_pubkey",
		Usage: "the hex encoded compressed key of the platform",
	},
}

func requireString(ctx *cli.Context, name string) (string, error) {
	if !ctx.IsSet(name) || ctx.String(name) == "" {
		return "", fmt.Errorf("%v argument missing", name)
	}

	return ctx.String(name), nil
}

func parseRole(ctx *cli.Context) (keychain.Role, error) {
	name, err := requireString(ctx, "role")
	if err != nil {
		return 0, err
	}

	return keychain.ParseRole(name)
}

func parsePartyKeys(ctx *cli.Context) ([3][]byte, error) {
	var keys [3][]byte
	names := []string{"borrower_pubkey", "lender_pubkey", "platform_pubkey"}
	for i, name := range names {
		str, err := requireString(ctx, name)
		if err != nil {
			return keys, err
		}

		keys[i], err = hex.DecodeString(str)
		if err != nil {
			return keys, fmt.Errorf("unable to decode %v: %w", name,
				err)
		}
	}

	return keys, nil
}

var deriveKeyCommand = cli.Command{
	Name:     "derivekey",
	Category: "Keys",
	Usage:    "Derive the escrow public key of a party.",
	Description: `
	Derive the public key a party contributes to the escrow of a loan from
	the loan id, the role and a passphrase read from the terminal. Nothing
	is stored, the same inputs always give the same key.
	`,
	Flags:  []cli.Flag{loanIDFlag, roleFlag},
	Action: actionDecorator(deriveKey),
}

func deriveKey(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	role, err := parseRole(ctx)
	if err != nil {
		return err
	}

	pass, err := readPassword("Input escrow passphrase: ")
	if err != nil {
		return err
	}
	defer clear(pass)

	pubKey, err := keychain.DerivePubKey(loanID, role, pass)
	if err != nil {
		return err
	}

	printJSON(struct {
		LoanID string `json:"loan_id"`
		Role   string `json:"role"`
		PubKey string `json:"pubkey"`
	}{
		LoanID: loanID,
		Role:   role.String(),
		PubKey: hex.EncodeToString(pubKey.SerializeCompressed()),
	})

	return nil
}

var newEscrowCommand = cli.Command{
	Name:     "newescrow",
	Category: "Escrow",
	Usage:    "Create the 2-of-3 escrow address of a loan.",
	Flags: append([]cli.Flag{
		loanIDFlag, csvDelayFlag,
	}, partyKeyFlags...),
	Action: actionDecorator(newEscrow),
}

func newEscrow(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	keys, err := parsePartyKeys(ctx)
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	addr, err := services.GenerateEscrowAddress(
		context.Background(), loanID, keys[0], keys[1], keys[2],
		uint32(ctx.Uint64("csv_delay")),
	)
	if err != nil {
		return err
	}

	printJSON(addr)

	return nil
}

var verifyAddressCommand = cli.Command{
	Name:     "verifyaddress",
	Category: "Escrow",
	Usage:    "Check an escrow address against the party keys.",
	Description: `
	Rebuild the escrow script from the three party keys and check that the
	address commits to it. With --csv_delay the recovery address is checked
	instead. This needs no database.
	`,
	Flags: append([]cli.Flag{
		cli.StringFlag{
			Name:  "address",
			Usage: "the escrow address to verify",
		},
		csvDelayFlag,
	}, partyKeyFlags...),
	Action: actionDecorator(verifyAddress),
}

func verifyAddress(ctx *cli.Context) error {
	addr, err := requireString(ctx, "address")
	if err != nil {
		return err
	}
	keys, err := parsePartyKeys(ctx)
	if err != nil {
		return err
	}
	net, err := network(ctx)
	if err != nil {
		return err
	}

	parties, err := escrow.NewParties(keys[0], keys[1], keys[2])
	if err != nil {
		return err
	}

	err = escrow.VerifyAddress(
		parties, net, uint32(ctx.Uint64("csv_delay")), addr,
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		Address string `json:"address"`
		Valid   bool   `json:"valid"`
	}{
		Address: addr,
		Valid:   true,
	})

	return nil
}

var setTermsCommand = cli.Command{
	Name:     "setterms",
	Category: "Escrow",
	Usage:    "Record the payout addresses and amount owed of a loan.",
	Flags: []cli.Flag{
		loanIDFlag,
		cli.StringFlag{
			Name:  "borrower_addr",
			Usage: "the address the borrower is paid to",
		},
		cli.StringFlag{
			Name:  "lender_addr",
			Usage: "the address the lender is paid to on liquidation",
		},
		cli.Int64Flag{
			Name:  "amount_owed",
			Usage: "the amount in satoshis owed to the lender",
		},
	},
	Action: actionDecorator(setTerms),
}

func setTerms(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	borrowerAddr, err := requireString(ctx, "borrower_addr")
	if err != nil {
		return err
	}
	lenderAddr, err := requireString(ctx, "lender_addr")
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return services.SetLoanTerms(
		context.Background(), loanID, escrow.LoanTerms{
			BorrowerAddress: borrowerAddr,
			LenderAddress:   lenderAddr,
			AmountOwed:      btcutil.Amount(ctx.Int64("amount_owed")),
		},
	)
}

var fundCommand = cli.Command{
	Name:     "fund",
	Category: "Escrow",
	Usage:    "Record the output funding an escrow address.",
	Flags: []cli.Flag{
		loanIDFlag,
		cli.StringFlag{
			Name:  "txid",
			Usage: "the funding transaction id",
		},
		cli.Uint64Flag{
			Name:  "vout",
			Usage: "the funding output index",
		},
		cli.Int64Flag{
			Name:  "amount",
			Usage: "the funding output value in satoshis",
		},
		cli.StringFlag{
			Name: "raw_tx",
			Usage: "the hex encoded funding transaction, the " +
				"escrow output is located in it instead of " +
				"taking txid, vout and amount",
		},
		cli.BoolFlag{
			Name:  "recovery",
			Usage: "the output funds the CSV recovery address",
		},
	},
	Action: actionDecorator(fund),
}

func fund(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	if ctx.IsSet("raw_tx") {
		return fundFromTx(ctx, loanID)
	}

	txid, err := requireString(ctx, "txid")
	if err != nil {
		return err
	}

	utxo, err := escrow.NewFundingUTXO(
		txid, uint32(ctx.Uint64("vout")),
		btcutil.Amount(ctx.Int64("amount")),
	)
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	ctxb := context.Background()
	status, err := services.ContractStatus(ctxb, loanID)
	if err != nil {
		return err
	}

	recovery := ctx.Bool("recovery")
	addr := status.EscrowAddress
	if recovery {
		addr = status.RecoveryAddress
	}
	services.Utxos.AddUtxo(addr, utxo)

	var recorded *escrow.FundingUTXO
	if recovery {
		recorded, err = services.RecordRecoveryFunding(ctxb, loanID)
	} else {
		recorded, err = services.RecordFunding(ctxb, loanID)
	}
	if err != nil {
		return err
	}

	printJSON(struct {
		Address  string `json:"address"`
		Outpoint string `json:"outpoint"`
		Amount   int64  `json:"amount_sats"`
	}{
		Address:  addr,
		Outpoint: recorded.OutPoint.String(),
		Amount:   int64(recorded.Value),
	})

	return nil
}

// fundFromTx records the escrow output found in a raw funding transaction.
func fundFromTx(ctx *cli.Context, loanID string) error {
	rawTx, err := hex.DecodeString(ctx.String("raw_tx"))
	if err != nil {
		return fmt.Errorf("invalid raw_tx: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return fmt.Errorf("invalid raw_tx: %w", err)
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	recorded, err := services.RecordFundingTx(
		context.Background(), loanID, tx, ctx.Bool("recovery"),
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		Outpoint string `json:"outpoint"`
		Amount   int64  `json:"amount_sats"`
	}{
		Outpoint: recorded.OutPoint.String(),
		Amount:   int64(recorded.Value),
	})

	return nil
}

var templateCommand = cli.Command{
	Name:     "template",
	Category: "Transactions",
	Usage:    "Build or show a pre-signed transaction template.",
	Flags:    []cli.Flag{loanIDFlag, txTypeFlag},
	Action:   actionDecorator(template),
}

func template(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	txType, err := requireString(ctx, "tx_type")
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	result, err := services.PsbtTemplate(
		context.Background(), loanID, txType,
	)
	if err != nil {
		return err
	}

	printJSON(result)

	return nil
}

var signCommand = cli.Command{
	Name:     "sign",
	Category: "Transactions",
	Usage:    "Sign a pre-signed transaction template.",
	Description: `
	Sign the template of the given type with the key of the given party.
	The key is unlocked from one of three sources:

	  passphrase: derived from the passphrase typed in the terminal
	  device:     opened from the key stored with "rememberkey"
	  bundle:     opened from the recovery bundle with its passphrase

	Once two parties signed, the transaction is finalized and printed.
	`,
	Flags: []cli.Flag{
		loanIDFlag, txTypeFlag, roleFlag,
		cli.StringFlag{
			Name:  "key_source",
			Value: "passphrase",
			Usage: "how to unlock the key: passphrase, device or " +
				"bundle",
		},
	},
	Action: actionDecorator(sign),
}

func sign(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	txType, err := requireString(ctx, "tx_type")
	if err != nil {
		return err
	}
	role, err := parseRole(ctx)
	if err != nil {
		return err
	}

	var (
		key  escrowd.KeySource
		pass []byte
	)
	switch ctx.String("key_source") {
	case "passphrase":
		pass, err = readPassword("Input escrow passphrase: ")
		key = escrowd.PassphraseKey(pass)

	case "bundle":
		pass, err = readPassword("Input bundle passphrase: ")
		key = escrowd.BundleKey(pass)

	case "device":
		key = escrowd.DeviceKey()

	default:
		return fmt.Errorf("unknown key source %q",
			ctx.String("key_source"))
	}
	if err != nil {
		return err
	}
	defer clear(pass)

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	result, err := services.SignPredefinedTemplate(
		context.Background(), &escrowd.SigningRequest{
			LoanID: loanID,
			TxType: txType,
			Role:   role,
			Key:    key,
		},
	)
	if err != nil {
		return err
	}

	printJSON(result)

	return nil
}

var submitSigCommand = cli.Command{
	Name:     "submitsig",
	Category: "Transactions",
	Usage:    "Import a signature made by an external wallet.",
	Flags: []cli.Flag{
		loanIDFlag, txTypeFlag,
		cli.StringFlag{
			Name:  "psbt",
			Usage: "the base64 encoded PSBT carrying the signature",
		},
		cli.StringFlag{
			Name:  "pubkey",
			Usage: "the hex encoded escrow key that signed",
		},
	},
	Action: actionDecorator(submitSig),
}

func submitSig(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	txType, err := requireString(ctx, "tx_type")
	if err != nil {
		return err
	}
	packet, err := requireString(ctx, "psbt")
	if err != nil {
		return err
	}
	pubKeyStr, err := requireString(ctx, "pubkey")
	if err != nil {
		return err
	}
	pubKey, err := hex.DecodeString(pubKeyStr)
	if err != nil {
		return fmt.Errorf("unable to decode pubkey: %w", err)
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	result, err := services.SubmitSignature(
		context.Background(), loanID, txType, packet, pubKey,
	)
	if err != nil {
		return err
	}

	printJSON(result)

	return nil
}

var rememberKeyCommand = cli.Command{
	Name:     "rememberkey",
	Category: "Keys",
	Usage:    "Store the key of a party on this device.",
	Flags:    []cli.Flag{loanIDFlag, roleFlag},
	Action:   actionDecorator(rememberKey),
}

func rememberKey(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	role, err := parseRole(ctx)
	if err != nil {
		return err
	}

	pass, err := readPassword("Input escrow passphrase: ")
	if err != nil {
		return err
	}
	defer clear(pass)

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return services.RememberKey(context.Background(), loanID, role, pass)
}

var forgetKeyCommand = cli.Command{
	Name:     "forgetkey",
	Category: "Keys",
	Usage:    "Delete every stored copy of the key of a party.",
	Flags:    []cli.Flag{loanIDFlag, roleFlag},
	Action:   actionDecorator(forgetKey),
}

func forgetKey(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	role, err := parseRole(ctx)
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return services.ForgetKey(context.Background(), loanID, role)
}

var sealBundleCommand = cli.Command{
	Name:     "sealbundle",
	Category: "Keys",
	Usage:    "Seal the key of a party in a recovery bundle.",
	Flags: []cli.Flag{
		loanIDFlag, roleFlag,
		cli.StringFlag{
			Name:  "save_to",
			Usage: "also write the bundle to this file",
		},
	},
	Action: actionDecorator(sealBundle),
}

func sealBundle(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	role, err := parseRole(ctx)
	if err != nil {
		return err
	}

	pass, err := readPassword("Input escrow passphrase: ")
	if err != nil {
		return err
	}
	defer clear(pass)

	bundlePass, err := readNewPassword("bundle passphrase: ")
	if err != nil {
		return err
	}
	defer clear(bundlePass)

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	bundle, err := services.SealRecoveryBundle(
		context.Background(), loanID, role, pass, bundlePass,
	)
	if err != nil {
		return err
	}

	encoded, err := bundle.Bytes()
	if err != nil {
		return err
	}

	if path := ctx.String("save_to"); path != "" {
		path = escrowd.CleanAndExpandPath(path)
		if err := os.WriteFile(path, encoded, 0600); err != nil {
			return err
		}
	}

	printJSON(struct {
		LoanID string `json:"loan_id"`
		Role   string `json:"role"`
		Bundle string `json:"bundle"`
	}{
		LoanID: loanID,
		Role:   role.String(),
		Bundle: hex.EncodeToString(encoded),
	})

	return nil
}

var importBundleCommand = cli.Command{
	Name:      "importbundle",
	Category:  "Keys",
	Usage:     "Import a recovery bundle written by sealbundle.",
	ArgsUsage: "bundle_file",
	Action:    actionDecorator(importBundle),
}

func importBundle(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "importbundle")
	}

	encoded, err := os.ReadFile(
		escrowd.CleanAndExpandPath(ctx.Args().First()),
	)
	if err != nil {
		return err
	}
	bundle, err := vault.DecodeBundle(bytes.NewReader(encoded))
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return services.ImportRecoveryBundle(context.Background(), bundle)
}

var activateCommand = cli.Command{
	Name:     "activate",
	Category: "Lifecycle",
	Usage:    "Record that the loan was disbursed.",
	Flags:    []cli.Flag{loanIDFlag},
	Action:   actionDecorator(activate),
}

func activate(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return services.Activate(context.Background(), loanID)
}

var defaultCommand = cli.Command{
	Name:     "default",
	Category: "Lifecycle",
	Usage:    "Record that the borrower missed the repayment deadline.",
	Flags:    []cli.Flag{loanIDFlag},
	Action:   actionDecorator(markDefaulted),
}

func markDefaulted(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return services.MarkDefaulted(context.Background(), loanID)
}

var broadcastCommand = cli.Command{
	Name:     "broadcast",
	Category: "Lifecycle",
	Usage:    "Record that a finalized transaction was published.",
	Flags:    []cli.Flag{loanIDFlag, txTypeFlag},
	Action:   actionDecorator(broadcast),
}

func broadcast(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}
	txType, err := requireString(ctx, "tx_type")
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return services.MarkBroadcast(context.Background(), loanID, txType)
}

var statusCommand = cli.Command{
	Name:     "status",
	Category: "Lifecycle",
	Usage:    "Show the escrow and templates of a loan.",
	Flags:    []cli.Flag{loanIDFlag},
	Action:   actionDecorator(status),
}

func status(ctx *cli.Context) error {
	loanID, err := requireString(ctx, "loan_id")
	if err != nil {
		return err
	}

	services, cleanUp, err := getServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	contract, err := services.ContractStatus(context.Background(), loanID)
	if err != nil {
		return err
	}

	printJSON(contract)

	return nil
}

var auditCommand = cli.Command{
	Name:     "audit",
	Category: "Lifecycle",
	Usage:    "List the audit events of a loan.",
	Flags:    []cli.Flag{loanIDFlag},
	Action:   actionDecorator(listAudit),
}

func listAudit(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	events, err := audit.ReadEvents(cfg.AuditFile, ctx.String("loan_id"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []*audit.Event{}
	}

	printJSON(events)

	return nil
}
