package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for launchpad.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Watch   WatchConfig   `json:"watch" yaml:"watch"`
	Browser BrowserConfig `json:"browser" yaml:"browser"`
	Outputs OutputsConfig `json:"outputs" yaml:"outputs"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`                   // debug | info | warn | error
	LogFormat string `json:"logFormat" yaml:"logFormat"`                 // text | json
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// ServerConfig configures the live-query HTTP/websocket server.
type ServerConfig struct {
	Host                    string   `json:"host" yaml:"host"`
	Port                    int      `json:"port" yaml:"port"`
	LiveQueryPath           string   `json:"liveQueryPath" yaml:"liveQueryPath"`
	AllowedOrigins          []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
	PingIntervalSeconds     int      `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds"`
	MaxSubscriptionsPerConn int      `json:"maxSubscriptionsPerConn" yaml:"maxSubscriptionsPerConn"`
	ShutdownTimeoutSeconds  int      `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// WatchConfig configures the file watchers that raise devChange,
// specsChange and configChange.
type WatchConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	DevDirs        []string `json:"devDirs,omitempty" yaml:"devDirs,omitempty"`
	SpecDirs       []string `json:"specDirs,omitempty" yaml:"specDirs,omitempty"`
	SpecPatterns   []string `json:"specPatterns,omitempty" yaml:"specPatterns,omitempty"`
	ConfigFile     bool     `json:"configFile" yaml:"configFile"`
	DebounceMillis int      `json:"debounceMillis" yaml:"debounceMillis"`
}

type BrowserConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ProfileDir string `json:"profileDir,omitempty" yaml:"profileDir,omitempty"`
	Headless   bool   `json:"headless" yaml:"headless"`
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
}

// OutputsConfig configures the fan-out channels. Each output is an
// independent bus listener.
type OutputsConfig struct {
	WebSocket WebSocketOutputConfig `json:"websocket" yaml:"websocket"`
	Telegram  TelegramConfig        `json:"telegram" yaml:"telegram"`
	Journal   JournalConfig         `json:"journal" yaml:"journal"`
}

// WebSocketOutputConfig maps named channels to the events they carry.
type WebSocketOutputConfig struct {
	Enabled  bool                `json:"enabled" yaml:"enabled"`
	Path     string              `json:"path" yaml:"path"`
	Channels map[string][]string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

type TelegramConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Token   string         `json:"token" yaml:"token"`
	ChatIDs FlexStringList `json:"chatIds" yaml:"chatIds"`
	Events  []string       `json:"events,omitempty" yaml:"events,omitempty"`
}

type JournalConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	DBPath        string   `json:"dbPath" yaml:"dbPath"`
	RetentionDays int      `json:"retentionDays" yaml:"retentionDays"`
	Events        []string `json:"events,omitempty" yaml:"events,omitempty"` // empty = every event
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.launchpad).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".launchpad"
	}
	return filepath.Join(home, ".launchpad")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Outputs.Journal.DBPath = ExpandPath(cfg.Outputs.Journal.DBPath)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
	for i, dir := range cfg.Watch.DevDirs {
		cfg.Watch.DevDirs[i] = ExpandPath(dir)
	}
	for i, dir := range cfg.Watch.SpecDirs {
		cfg.Watch.SpecDirs[i] = ExpandPath(dir)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg to path as YAML or JSON depending on the extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
		// valid
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.LiveQueryPath, "/") {
		errs = append(errs, "server.liveQueryPath must start with /")
	}
	if cfg.Server.PingIntervalSeconds < 1 {
		errs = append(errs, "server.pingIntervalSeconds must be >= 1")
	}
	if cfg.Server.MaxSubscriptionsPerConn < 1 || cfg.Server.MaxSubscriptionsPerConn > 1000 {
		errs = append(errs, "server.maxSubscriptionsPerConn must be between 1 and 1000")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}

	if cfg.Watch.DebounceMillis < 0 {
		errs = append(errs, "watch.debounceMillis must be >= 0")
	}

	if cfg.Outputs.WebSocket.Enabled {
		if !strings.HasPrefix(cfg.Outputs.WebSocket.Path, "/") {
			errs = append(errs, "outputs.websocket.path must start with /")
		}
		if cfg.Outputs.WebSocket.Path == cfg.Server.LiveQueryPath {
			errs = append(errs, "outputs.websocket.path must differ from server.liveQueryPath")
		}
		for name, events := range cfg.Outputs.WebSocket.Channels {
			if len(events) == 0 {
				errs = append(errs, fmt.Sprintf("outputs.websocket.channels.%s: at least one event is required", name))
			}
		}
	}
	if cfg.Outputs.Telegram.Enabled {
		if cfg.Outputs.Telegram.Token == "" {
			errs = append(errs, "outputs.telegram.token is required when telegram is enabled")
		}
		if len(cfg.Outputs.Telegram.ChatIDs) == 0 {
			errs = append(errs, "outputs.telegram.chatIds must list at least one chat")
		}
		for _, id := range cfg.Outputs.Telegram.ChatIDs {
			if _, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err != nil {
				errs = append(errs, fmt.Sprintf("outputs.telegram.chatIds: invalid chat id %q", id))
			}
		}
	}
	if cfg.Outputs.Journal.Enabled {
		if cfg.Outputs.Journal.DBPath == "" {
			errs = append(errs, "outputs.journal.dbPath is required when the journal is enabled")
		}
		if cfg.Outputs.Journal.RetentionDays < 1 {
			errs = append(errs, "outputs.journal.retentionDays must be >= 1")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
