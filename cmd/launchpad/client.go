package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"launchpad/internal/config"
	"launchpad/internal/journal"
	"launchpad/internal/livequery"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func emitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emit <event> [json]",
		Short: "Signal an event on a running server",
		Long: `Signal an event on a running server. The optional JSON document becomes
the signal args: an array is spread, anything else is a single arg.

  launchpad emit authChange '{"name":"ada"}'
  launchpad emit devChange '["src/a.js","src/b.js"]'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadConfigOrDefaults()
			var body []byte
			if len(args) == 2 {
				body = []byte(args[1])
				if _, err := livequery.ParseArgs(body); err != nil {
					return fmt.Errorf("invalid JSON args: %w", err)
				}
			}
			res, err := emit(cmd.Context(), serverBaseURL(cfg), args[0], body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s signalled (%d listeners)\n", res.Event, res.Listeners)
			return nil
		},
	}
}

type emitResult struct {
	Event     string `json:"event"`
	Listeners int    `json:"listeners"`
}

// emit posts body to the signal API of the server at base.
func emit(ctx context.Context, base, event string, body []byte) (*emitResult, error) {
	u := base + "/api/signal/" + url.PathEscape(event)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("signal %s: %s: %s", event, resp.Status, strings.TrimSpace(string(data)))
	}
	var res emitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}

func watchCmd() *cobra.Command {
	var initial bool
	cmd := &cobra.Command{
		Use:   "watch <event>",
		Short: "Subscribe to an event and print every value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadConfigOrDefaults()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchEvent(ctx, liveQueryURL(cfg), args[0], initial, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&initial, "initial", false, "receive an immediate initial value")
	return cmd
}

// liveQueryURL returns the websocket endpoint of the server described by cfg.
func liveQueryURL(cfg *config.Config) string {
	base := serverBaseURL(cfg)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + cfg.Server.LiveQueryPath
}

// watchEvent prints one JSON line per value until ctx is done or the server
// ends the subscription.
func watchEvent(ctx context.Context, wsURL, event string, initial bool, out io.Writer) error {
	client, err := livequery.Dial(ctx, wsURL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Subscribe(event, initial)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			sub.Complete()
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return client.Err()
			}
			if msg.Type == livequery.TypeError {
				return errors.New(msg.Message)
			}
			enc.Encode(map[string]any{
				"event":   msg.Event,
				"initial": msg.Initial,
				"args":    msg.Args,
			})
		}
	}
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadConfigOrDefaults()
			st, raw, err := fetchStatus(cmd.Context(), serverBaseURL(cfg))
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatStatus(*st))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON status")
	return cmd
}

func fetchStatus(ctx context.Context, base string) (*livequery.Status, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("server not reachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("status: %s", resp.Status)
	}
	var st livequery.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, raw, nil
}

func journalCmd() *cobra.Command {
	var (
		event     string
		limit     int
		pruneDays int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recently forwarded notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadConfigOrDefaults()
			dbPath := config.ExpandPath(cfg.Outputs.Journal.DBPath)
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("no journal at %s (enable outputs.journal and run serve)", dbPath)
			}
			store, err := journal.Open(dbPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if pruneDays > 0 {
				n, err := store.Prune(ctx, time.Now().AddDate(0, 0, -pruneDays))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d entries older than %d days\n", n, pruneDays)
				return nil
			}

			entries, err := store.List(ctx, event, limit)
			if err != nil {
				return err
			}
			printJournal(out, entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&event, "event", "e", "", "only show this event")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")
	cmd.Flags().IntVar(&pruneDays, "prune", 0, "delete entries older than this many days instead of listing")
	return cmd
}

func printJournal(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no entries")
		return
	}
	for _, e := range entries {
		ch := ""
		if e.Channel != "" {
			ch = " [" + e.Channel + "]"
		}
		fmt.Fprintf(w, "%s  #%d  %s%s  %s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.ID, e.Event, ch, e.Args)
	}
}
