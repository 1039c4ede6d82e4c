package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"launchpad/internal/config"
	"launchpad/internal/journal"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your launchpad installation",
		Long: `Verifies that launchpad's configuration, journal database, watched
directories and server port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "launchpad doctor v%s\n", version)
			fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			d := &doctor{out: out}
			d.run(cmd.Context(), resolveConfigPath())

			fmt.Fprintf(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
			if d.failed > 0 {
				fmt.Fprintf(out, "\nPlease fix the failed checks before running launchpad.\n")
				return fmt.Errorf("%d check(s) failed", d.failed)
			}
			if d.warned > 0 {
				fmt.Fprintf(out, "\nlaunchpad should work but consider fixing the warnings.\n")
			} else {
				fmt.Fprintf(out, "\nAll checks passed! launchpad is ready to run.\n")
			}
			return nil
		},
	}
}

type doctor struct {
	out                    io.Writer
	passed, warned, failed int
}

func (d *doctor) run(ctx context.Context, cfgPath string) {
	// 1. Config file exists
	if _, err := os.Stat(cfgPath); err != nil {
		d.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(d.out, "\nRun 'launchpad init' to create a default configuration.\n")
		return
	}
	d.pass("Config file", cfgPath)

	// 2. Config loads and validates
	cfg, err := config.Load(cfgPath)
	if err != nil {
		d.fail("Config validation", err.Error())
		return
	}
	d.pass("Config validation", "valid")

	// 3. Data directory
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		d.fail("Data directory", err.Error())
	} else {
		d.pass("Data directory", cfg.General.DataDir)
	}

	// 4. Journal database writable
	if cfg.Outputs.Journal.Enabled {
		if err := checkJournal(ctx, cfg.Outputs.Journal.DBPath); err != nil {
			d.fail("Journal", err.Error())
		} else {
			d.pass("Journal", cfg.Outputs.Journal.DBPath)
		}
	}

	// 5. Server port
	if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
		if _, _, serr := fetchStatus(ctx, serverBaseURL(cfg)); serr == nil {
			d.pass("Server port", fmt.Sprintf(":%d (launchpad already running)", cfg.Server.Port))
		} else {
			d.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
		}
	} else {
		d.pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
	}

	// 6. Watched directories
	if cfg.Watch.Enabled {
		dirs := append(append([]string{}, cfg.Watch.DevDirs...), cfg.Watch.SpecDirs...)
		if len(dirs) == 0 {
			d.warn("Watch", "enabled but no devDirs or specDirs configured")
		}
		for _, dir := range dirs {
			if info, err := os.Stat(dir); err != nil {
				d.fail("Watch dir", fmt.Sprintf("not found: %s", dir))
			} else if !info.IsDir() {
				d.fail("Watch dir", fmt.Sprintf("not a directory: %s", dir))
			} else {
				d.pass("Watch dir", dir)
			}
		}
	}

	// 7. Telegram output
	if cfg.Outputs.Telegram.Enabled {
		if len(cfg.Outputs.Telegram.Events) == 0 {
			d.warn("Telegram", "enabled but no events configured")
		} else {
			d.pass("Telegram", fmt.Sprintf("%d chat(s), %d event(s)",
				len(cfg.Outputs.Telegram.ChatIDs), len(cfg.Outputs.Telegram.Events)))
		}
	}

	// 8. Log file writable
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			d.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkJournal(ctx context.Context, dbPath string) error {
	store, err := journal.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := store.Counts(ctx); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	fmt.Fprintf(d.out, "  [PASS] %-20s %s\n", check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	fmt.Fprintf(d.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	fmt.Fprintf(d.out, "  [WARN] %-20s %s\n", check, detail)
}
