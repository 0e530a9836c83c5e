package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/brojonat/tipjar/client"
	"github.com/urfave/cli/v2"
)

func sseCommands() *cli.Command {
	return &cli.Command{
		Name:  "sse",
		Usage: "Server-Sent Events (SSE) streaming commands",
		Subcommands: []*cli.Command{
			streamCommand(),
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream session snapshots via SSE (HTTP)",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			id, err := requireSessionID(c)
			if err != nil {
				return err
			}
			jsonOutput := c.Bool("json")
			url := fmt.Sprintf("%s/api/v1/sessions/%s/stream", strings.TrimSuffix(c.String("server-url"), "/"), id)

			req, err := http.NewRequestWithContext(c.Context, "GET", url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			// No timeout for streaming
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Streaming session %s... (Ctrl+C to stop)\n\n", id)
			}

			scanner := bufio.NewScanner(resp.Body)
			var currentEvent, currentData string

			for scanner.Scan() {
				line := scanner.Text()

				// Empty line indicates end of event
				if line == "" {
					if currentEvent != "" && currentData != "" {
						done, err := handleSSEEvent(c.App.Writer, currentEvent, currentData, jsonOutput)
						if err != nil {
							fmt.Fprintf(c.App.ErrWriter, "Error handling event: %v\n", err)
						}
						if done {
							return nil
						}
					}
					currentEvent = ""
					currentData = ""
					continue
				}

				if strings.HasPrefix(line, "event:") {
					currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				} else if strings.HasPrefix(line, "data:") {
					currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}

			if err := scanner.Err(); err != nil {
				if c.Context.Err() != nil {
					return nil
				}
				return fmt.Errorf("error reading SSE stream: %w", err)
			}
			return nil
		},
	}
}

// handleSSEEvent prints one event. done is true when the server closed the session.
func handleSSEEvent(w io.Writer, eventType, data string, jsonOutput bool) (done bool, err error) {
	switch eventType {
	case "connected":
		if !jsonOutput {
			fmt.Fprintf(w, "✓ Subscribed\n\n")
		}
		return false, nil

	case "snapshot":
		if jsonOutput {
			fmt.Fprintln(w, data)
			return false, nil
		}
		var s client.Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return false, err
		}
		fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		printSession(w, &s)
		return false, nil

	case "closed":
		if !jsonOutput {
			fmt.Fprintf(w, "Session closed by server\n")
		}
		return true, nil

	default:
		// Unknown event type, ignore
		return false, nil
	}
}
