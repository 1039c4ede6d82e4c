package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"launchpad/internal/browser"
	"launchpad/internal/bus"
	"launchpad/internal/channel"
	"launchpad/internal/config"
	"launchpad/internal/journal"
	"launchpad/internal/livequery"
	"launchpad/internal/metrics"
	"launchpad/internal/subscription"
	"launchpad/internal/watcher"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the notification bus, live-query server and outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				logger.Warn("config file not found, using defaults", "path", cfgPath)
				cfg = config.Defaults()
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			log, closer, err := buildLogger(cfg.General, os.Stderr)
			if err != nil {
				return err
			}
			defer closer.Close()
			logger = log

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, cfgPath)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

// runServe wires every component onto one bus and blocks until ctx is done
// or a component fails.
func runServe(ctx context.Context, cfg *config.Config, cfgPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	b := bus.New(logger)
	emitter := bus.NewEmitter(b)
	manager := subscription.NewManager(b, logger)
	fanout := channel.NewFanout(channel.FanoutConfig{Bus: b, Logger: logger})

	g, gctx := errgroup.WithContext(ctx)

	// Every goroutine has returned before outputs are detached, and outputs
	// are detached before the resources behind them are released.
	var closers []func()
	defer func() {
		cancel()
		g.Wait()
		fanout.DetachAll()
		manager.CancelAll()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		b.RemoveAll()
		logger.Info("launchpad stopped")
	}()

	mounts := make(map[string]http.Handler)

	// --- Outputs ---

	if cfg.Outputs.WebSocket.Enabled {
		ws := channel.NewWebSocketOutput(channel.WSConfig{
			Channels: cfg.Outputs.WebSocket.Channels,
			Logger:   logger,
		})
		for name, events := range ws.Channels() {
			fanout.Attach(ws, name, events...)
		}
		mounts[cfg.Outputs.WebSocket.Path] = ws
		closers = append(closers, ws.CloseAll)
	}

	if cfg.Outputs.Journal.Enabled {
		store, err := journal.Open(cfg.Outputs.Journal.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		closers = append(closers, func() { store.Close() })

		events := cfg.Outputs.Journal.Events
		if len(events) == 0 {
			events = bus.KnownEvents()
		}
		fanout.Attach(channel.NewJournalOutput(store), "journal", events...)

		keep := time.Duration(cfg.Outputs.Journal.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return store.RunRetention(gctx, keep, time.Hour)
		})
	}

	if cfg.Metrics.Enabled {
		mounts[cfg.Metrics.Endpoint] = metrics.Handler()
	}

	// --- Live-query server ---

	server := livequery.New(livequery.Config{
		Host:                    cfg.Server.Host,
		Port:                    cfg.Server.Port,
		Path:                    cfg.Server.LiveQueryPath,
		PingInterval:            time.Duration(cfg.Server.PingIntervalSeconds) * time.Second,
		MaxSubscriptionsPerConn: cfg.Server.MaxSubscriptionsPerConn,
		AllowedOrigins:          cfg.Server.AllowedOrigins,
		ShutdownTimeout:         time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		Bus:                     b,
		Manager:                 manager,
		Mounts:                  mounts,
		Logger:                  logger,
	})
	g.Go(func() error { return server.Start(gctx) })

	if cfg.Outputs.Telegram.Enabled {
		tg, err := channel.NewTelegram(channel.TelegramConfig{
			Token:   cfg.Outputs.Telegram.Token,
			ChatIDs: cfg.Outputs.Telegram.ChatIDs,
			Status:  func() string { return formatStatus(server.Status()) },
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		if err := tg.Connect(); err != nil {
			// A bad token should not take the live-query server down with it.
			logger.Error("telegram disabled", "err", err)
		} else {
			fanout.Attach(tg, "telegram", cfg.Outputs.Telegram.Events...)
			g.Go(func() error { return tg.Listen(gctx) })
		}
	}

	// --- State sources ---

	if cfg.Watch.Enabled || cfg.Watch.ConfigFile {
		wcfg := watcher.Config{
			SpecPatterns: cfg.Watch.SpecPatterns,
			Debounce:     time.Duration(cfg.Watch.DebounceMillis) * time.Millisecond,
			Sink:         emitter,
			Logger:       logger,
		}
		if cfg.Watch.Enabled {
			wcfg.DevDirs = cfg.Watch.DevDirs
			wcfg.SpecDirs = cfg.Watch.SpecDirs
		}
		if cfg.Watch.ConfigFile {
			if _, err := os.Stat(cfgPath); err == nil {
				wcfg.ConfigFile = cfgPath
				b.On(bus.EventConfigChange, reloadConfig(cfgPath, logger))
			}
		}
		if len(wcfg.DevDirs)+len(wcfg.SpecDirs) > 0 || wcfg.ConfigFile != "" {
			w, err := watcher.New(wcfg)
			if err != nil {
				return fmt.Errorf("start watcher: %w", err)
			}
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if cfg.Browser.Enabled {
		launcher := browser.NewLauncher(browser.LauncherConfig{
			ProfileDir: cfg.Browser.ProfileDir,
			Headless:   cfg.Browser.Headless,
			Sink:       emitter,
			Logger:     logger,
		})
		closers = append(closers, launcher.Close)
		if cfg.Browser.URL != "" {
			if err := launcher.Open(gctx, cfg.Browser.URL); err != nil {
				logger.Error("browser launch failed", "url", cfg.Browser.URL, "err", err)
			}
		}
	}

	logger.Info("launchpad started",
		"version", version,
		"port", cfg.Server.Port,
		"outputs", fanout.Outputs(),
	)

	return g.Wait()
}

// reloadConfig returns a configChange listener that re-reads the config file
// and reports whether it is still valid. Running components keep their
// settings until restart.
func reloadConfig(path string, log *slog.Logger) func(args ...any) {
	return func(args ...any) {
		if _, err := config.Load(path); err != nil {
			log.Error("config changed but is invalid", "path", path, "err", err)
			return
		}
		log.Info("config changed, restart to apply", "path", path)
	}
}

// formatStatus renders a server status as a short plain-text report.
func formatStatus(st livequery.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "launchpad %s\n", st.Status)
	fmt.Fprintf(&sb, "uptime: %s\n", st.Uptime)
	fmt.Fprintf(&sb, "connections: %d\n", st.Connections)
	fmt.Fprintf(&sb, "subscriptions: %d\n", st.Subscriptions)
	for _, event := range slices.Sorted(maps.Keys(st.ByEvent)) {
		fmt.Fprintf(&sb, "  %s: %d\n", event, st.ByEvent[event])
	}
	return strings.TrimRight(sb.String(), "\n")
}
