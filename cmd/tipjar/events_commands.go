package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/tipjar/service/nats"
	"github.com/brojonat/tipjar/service/solana"
	"github.com/urfave/cli/v2"
)

func eventsCommands() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Tip event commands (NATS)",
		Subcommands: []*cli.Command{
			eventsTailCommand(),
		},
	}
}

func eventsTailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Print tip events as they are published",
		ArgsUsage: "[session_id]",
		Description: `Subscribe to settled tip attempts published to NATS.

Events are published to the subject: tips.{session_id}
Without a session id every session is followed.

Example:
  tipjar events tail --jq '.status == "success"' --json`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "Only print events for which every jq filter is truthy (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.AllTipsSubject
			if id := c.Args().First(); id != "" {
				subject = natspkg.Subject(id)
			}

			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			nc, err := natspkg.Connect(c.String("nats-url"), "tipjar-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Listening on %s... (Ctrl+C to stop)\n\n", subject)
			}

			err = natspkg.Subscribe(ctx, nc, subject, func(event *natspkg.TipEvent) {
				ok, err := matchesJQ(codes, event)
				if err != nil {
					fmt.Fprintf(c.App.ErrWriter, "jq filter error: %v\n", err)
				}
				if !ok {
					return
				}
				if err := printTipEvent(c.App.Writer, event, jsonOutput); err != nil {
					fmt.Fprintf(c.App.ErrWriter, "Error printing event: %v\n", err)
				}
			}, func(err error) {
				fmt.Fprintf(c.App.ErrWriter, "%v\n", err)
			})
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}
}

func printTipEvent(w io.Writer, event *natspkg.TipEvent, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Session:   %s\n", event.SessionID)
	fmt.Fprintf(w, "Attempt:   %s\n", event.AttemptID)
	fmt.Fprintf(w, "Status:    %s\n", event.Status)
	fmt.Fprintf(w, "Amount:    %s SOL (%d lamports)\n", solana.FormatAmount(event.Amount), event.Lamports)
	fmt.Fprintf(w, "From:      %s\n", event.FromAddress)
	fmt.Fprintf(w, "To:        %s\n", event.Recipient)
	if event.TransactionReference != "" {
		fmt.Fprintf(w, "Reference: %s\n", event.TransactionReference)
	}
	if event.ExplorerURL != "" {
		fmt.Fprintf(w, "Explorer:  %s\n", event.ExplorerURL)
	}
	if event.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     %s\n", event.ErrorMessage)
	}
	fmt.Fprintf(w, "Published: %s\n", event.PublishedAt.Format(time.RFC3339))
	return nil
}
