package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"launchpad/internal/config"

	"github.com/spf13/cobra"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: server → watchers → telegram → journal → save config",
		Long:  "Guides you through the server port, watched directories, the Telegram output and the journal. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(cmd.InOrStdin(), cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig saved to %s\nRun 'launchpad serve' to start.\n", cfgPath)
			return nil
		},
	}
}

// runWizard asks for each setting on out, reading answers from in, and
// applies them to cfg. An empty answer keeps the value shown in brackets.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	yesNo := func(label string, def bool) (bool, error) {
		d := "n"
		if def {
			d = "y"
		}
		ans, err := prompt(label+" (y/n)", d)
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(strings.ToLower(ans), "y"), nil
	}

	// Step 1: Server
	fmt.Fprintln(out, "\n--- Step 1: Server ---")
	portStr, err := prompt("Port", strconv.Itoa(cfg.Server.Port))
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	cfg.Server.Port = port

	// Step 2: Watchers
	fmt.Fprintln(out, "\n--- Step 2: File watchers ---")
	devDirs, err := prompt("Dev directories, comma separated (devChange)", strings.Join(cfg.Watch.DevDirs, ","))
	if err != nil {
		return err
	}
	specDirs, err := prompt("Spec directories, comma separated (specsChange)", strings.Join(cfg.Watch.SpecDirs, ","))
	if err != nil {
		return err
	}
	cfg.Watch.DevDirs = splitList(devDirs)
	cfg.Watch.SpecDirs = splitList(specDirs)
	cfg.Watch.Enabled = len(cfg.Watch.DevDirs)+len(cfg.Watch.SpecDirs) > 0

	// Step 3: Telegram
	fmt.Fprintln(out, "\n--- Step 3: Telegram output ---")
	tgOn, err := yesNo("Forward notifications to Telegram", cfg.Outputs.Telegram.Enabled)
	if err != nil {
		return err
	}
	cfg.Outputs.Telegram.Enabled = tgOn
	if tgOn {
		token, err := prompt("Bot token (or ${TELEGRAM_BOT_TOKEN})", cfg.Outputs.Telegram.Token)
		if err != nil {
			return err
		}
		chats, err := prompt("Chat IDs, comma separated", strings.Join(cfg.Outputs.Telegram.ChatIDs, ","))
		if err != nil {
			return err
		}
		cfg.Outputs.Telegram.Token = token
		cfg.Outputs.Telegram.ChatIDs = splitList(chats)
	}

	// Step 4: Journal
	fmt.Fprintln(out, "\n--- Step 4: Journal ---")
	jOn, err := yesNo("Record notifications in the journal", cfg.Outputs.Journal.Enabled)
	if err != nil {
		return err
	}
	cfg.Outputs.Journal.Enabled = jOn
	if jOn {
		days, err := prompt("Retention in days", strconv.Itoa(cfg.Outputs.Journal.RetentionDays))
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(days)
		if err != nil {
			return fmt.Errorf("invalid retention %q", days)
		}
		cfg.Outputs.Journal.RetentionDays = n
	}

	return config.Validate(cfg)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, config.ExpandPath(item))
		}
	}
	return out
}
