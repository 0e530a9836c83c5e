package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brojonat/tipjar/client"
	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set TIPJAR_SERVER_URL env var or use --server-url)")
			}

			cl := client.NewClient(serverURL, &http.Client{Timeout: c.Duration("timeout")}, nil)
			if err := cl.Health(c.Context); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			fmt.Fprintf(c.App.Writer, "✓ Server is healthy\n")
			fmt.Fprintf(c.App.Writer, "  URL: %s\n", serverURL)
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show the widget configuration served by the server",
		Action: func(c *cli.Context) error {
			cfg, err := newClient(c).Config(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}

			if c.Bool("json") {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal config: %w", err)
				}
				fmt.Fprintln(c.App.Writer, string(data))
				return nil
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Recipient:     %s\n", cfg.Recipient)
			fmt.Fprintf(w, "Cluster:       %s\n", cfg.Cluster)
			fmt.Fprintf(w, "Fee mode:      %s\n", cfg.FeeMode)
			fmt.Fprintf(w, "Poll interval: %s\n", cfg.PollInterval)
			fmt.Fprintf(w, "Presets:\n")
			for _, p := range cfg.Presets {
				fmt.Fprintf(w, "  %-8g %s\n", p.Amount, p.Label)
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "tipjar CLI\n")
			fmt.Fprintf(c.App.Writer, "  Version: %s\n", version)
			fmt.Fprintf(c.App.Writer, "  Commit:  %s\n", commit)
			fmt.Fprintf(c.App.Writer, "  Built:   %s\n", date)
			return nil
		},
	}
}
