package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/brojonat/tipjar/service/solana"
	"github.com/urfave/cli/v2"
)

func ledgerCommands() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Ledger helpers (balances, amounts, explorer links)",
		Subcommands: []*cli.Command{
			ledgerBalanceCommand(),
			ledgerLamportsCommand(),
			ledgerLinkCommand(),
		},
	}
}

func ledgerBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Read the balance of an address",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint (a comma separated list picks one at random)",
				EnvVars: []string{"SOLANA_RPC_URL"},
				Value:   "https://api.devnet.solana.com",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().Get(0)

			endpoint, err := solana.SelectRandomEndpoint(splitEndpoints(c.String("rpc-url")))
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
			ledger := solana.NewClient(solana.NewRPCClient(endpoint), endpoint, nil, logger)
			lamports, err := ledger.GetBalance(c.Context, address)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return writeJSONLine(c.App.Writer, map[string]interface{}{
					"address":  address,
					"lamports": lamports,
					"sol":      solana.FormatSOL(lamports),
				})
			}
			fmt.Fprintf(c.App.Writer, "%s SOL (%d lamports)\n", solana.FormatSOL(lamports), lamports)
			return nil
		},
	}
}

func ledgerLamportsCommand() *cli.Command {
	return &cli.Command{
		Name:      "lamports",
		Usage:     "Convert a SOL amount to lamports the way a tip is built",
		ArgsUsage: "AMOUNT",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("amount is required")
			}
			amount, err := strconv.ParseFloat(c.Args().Get(0), 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.Args().Get(0), err)
			}
			lamports, err := solana.ToLamports(amount)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return writeJSONLine(c.App.Writer, map[string]interface{}{
					"sol":      amount,
					"lamports": lamports,
				})
			}
			fmt.Fprintf(c.App.Writer, "%d\n", lamports)
			return nil
		},
	}
}

func ledgerLinkCommand() *cli.Command {
	return &cli.Command{
		Name:      "link",
		Usage:     "Build the explorer link for a transaction reference",
		ArgsUsage: "REFERENCE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "explorer",
				EnvVars: []string{"EXPLORER_BASE_URL"},
				Value:   "https://explorer.solana.com",
			},
			&cli.StringFlag{
				Name:    "cluster",
				EnvVars: []string{"SOLANA_CLUSTER"},
				Value:   "devnet",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("transaction reference is required")
			}
			fmt.Fprintln(c.App.Writer, solana.ExplorerTxURL(c.String("explorer"), c.Args().Get(0), c.String("cluster")))
			return nil
		},
	}
}

func splitEndpoints(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSONLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
