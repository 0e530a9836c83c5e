package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/tipjar/client"
	"github.com/urfave/cli/v2"
)

func sessionCommands() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Drive widget sessions on a tip jar server",
		Subcommands: []*cli.Command{
			sessionCreateCommand(),
			sessionGetCommand(),
			sessionDeleteCommand(),
			sessionActionCommand(),
			sessionResetCommand(),
			sessionAmountCommand(),
			sessionDisconnectCommand(),
			sessionAwaitCommand(),
		},
	}
}

func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func requireSessionID(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("session id is required")
	}
	return c.Args().Get(0), nil
}

func sessionCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Start a new widget session",
		Action: func(c *cli.Context) error {
			s, err := newClient(c).CreateSession(c.Context)
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			return outputSession(c, s)
		},
	}
}

func sessionGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the current state of a session",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			id, err := requireSessionID(c)
			if err != nil {
				return err
			}
			s, err := newClient(c).GetSession(c.Context, id)
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}
			return outputSession(c, s)
		},
	}
}

func sessionDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Aliases:   []string{"rm"},
		Usage:     "Tear a session down",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			id, err := requireSessionID(c)
			if err != nil {
				return err
			}
			if err := newClient(c).DeleteSession(c.Context, id); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			if !c.Bool("json") {
				fmt.Fprintf(c.App.Writer, "✓ Session %s deleted\n", id)
			}
			return nil
		},
	}
}

func sessionActionCommand() *cli.Command {
	return &cli.Command{
		Name:      "action",
		Aliases:   []string{"press"},
		Usage:     "Press the primary button: connect, or tip when connected",
		ArgsUsage: "SESSION_ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "Return as soon as the provider call starts",
			},
		},
		Action: func(c *cli.Context) error {
			id, err := requireSessionID(c)
			if err != nil {
				return err
			}
			s, err := newClient(c).Action(c.Context, id, !c.Bool("no-wait"))
			if err != nil {
				if client.IsConflict(err) {
					return fmt.Errorf("session is busy or needs a reset: %w", err)
				}
				return fmt.Errorf("action failed: %w", err)
			}
			return outputSession(c, s)
		},
	}
}

func sessionResetCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "Return a settled attempt to idle",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			id, err := requireSessionID(c)
			if err != nil {
				return err
			}
			s, err := newClient(c).Reset(c.Context, id)
			if err != nil {
				return fmt.Errorf("reset failed: %w", err)
			}
			return outputSession(c, s)
		},
	}
}

func sessionAmountCommand() *cli.Command {
	return &cli.Command{
		Name:      "amount",
		Usage:     "Select one of the configured preset amounts (in SOL)",
		ArgsUsage: "SESSION_ID AMOUNT",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("session id and amount are required")
			}
			id := c.Args().Get(0)
			amount, err := strconv.ParseFloat(c.Args().Get(1), 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.Args().Get(1), err)
			}
			s, err := newClient(c).SelectAmount(c.Context, id, amount)
			if err != nil {
				return fmt.Errorf("failed to select amount: %w", err)
			}
			return outputSession(c, s)
		},
	}
}

func sessionDisconnectCommand() *cli.Command {
	return &cli.Command{
		Name:      "disconnect",
		Usage:     "Disconnect the wallet but keep the session",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			id, err := requireSessionID(c)
			if err != nil {
				return err
			}
			s, err := newClient(c).Disconnect(c.Context, id)
			if err != nil {
				return fmt.Errorf("disconnect failed: %w", err)
			}
			return outputSession(c, s)
		},
	}
}

func sessionAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until the session reaches a state",
		ArgsUsage: "SESSION_ID",
		Description: `Streams session snapshots and exits with the first one that matches.
Without filters this waits for the current attempt to settle.

Examples:
  tipjar session await $ID
  tipjar session await $ID --jq '.connected' --jq '.balance_lamports != null'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter over the snapshot; all must be truthy (repeatable)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			id, err := requireSessionID(c)
			if err != nil {
				return err
			}

			filters := c.StringSlice("jq")
			codes, err := compileJQ(filters)
			if err != nil {
				return err
			}

			match := (*client.Session).Settled
			if len(codes) > 0 {
				match = func(s *client.Session) bool {
					ok, err := matchesJQ(codes, s)
					if err != nil {
						fmt.Fprintf(c.App.ErrWriter, "jq filter error: %v\n", err)
					}
					return ok
				}
			}

			if !c.Bool("json") {
				fmt.Fprintf(c.App.ErrWriter, "Waiting on session %s...\n", id)
				for _, f := range filters {
					fmt.Fprintf(c.App.ErrWriter, "  jq Filter: %s\n", f)
				}
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			s, err := newClient(c).Await(ctx, id, match)
			if err != nil {
				return fmt.Errorf("failed to await session: %w", err)
			}
			return outputSession(c, s)
		},
	}
}

func outputSession(c *cli.Context, s *client.Session) error {
	if c.Bool("json") {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		fmt.Fprintln(c.App.Writer, string(data))
		return nil
	}
	printSession(c.App.Writer, s)
	return nil
}

func printSession(w io.Writer, s *client.Session) {
	fmt.Fprintf(w, "Session:   %s\n", s.SessionID)
	fmt.Fprintf(w, "Button:    %s", s.Label)
	if s.Busy {
		fmt.Fprintf(w, " (busy)")
	}
	fmt.Fprintln(w)

	if s.Connected {
		fmt.Fprintf(w, "Wallet:    %s\n", s.Address)
	} else {
		fmt.Fprintf(w, "Wallet:    not connected\n")
	}
	if s.BalanceDisplay != "" {
		fmt.Fprintf(w, "Balance:   %s SOL\n", s.BalanceDisplay)
	}
	fmt.Fprintf(w, "Amount:    %g SOL\n", s.SelectedAmount)
	fmt.Fprintf(w, "Status:    %s\n", s.Status)

	if s.TransactionReference != "" {
		fmt.Fprintf(w, "Reference: %s\n", s.TransactionReference)
	}
	if s.ExplorerURL != "" {
		fmt.Fprintf(w, "Explorer:  %s\n", s.ExplorerURL)
	}
	if s.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.ErrorMessage)
	}
	if s.ConnectError != "" {
		fmt.Fprintf(w, "Connect:   %s\n", s.ConnectError)
	}
}
