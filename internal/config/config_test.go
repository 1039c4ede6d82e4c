package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

func TestValidate_LogFormats(t *testing.T) {
	for _, format := range []string{"", "text", "json"} {
		cfg := Defaults()
		cfg.General.LogFormat = format
		if err := Validate(cfg); err != nil {
			t.Fatalf("logFormat %q should be valid: %v", format, err)
		}
	}
	cfg := Defaults()
	cfg.General.LogFormat = "xml"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logFormat=xml")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_MaxSubscriptions_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.Server.MaxSubscriptionsPerConn = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxSubscriptionsPerConn=1 should be valid: %v", err)
	}

	cfg.Server.MaxSubscriptionsPerConn = 1000
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxSubscriptionsPerConn=1000 should be valid: %v", err)
	}

	cfg.Server.MaxSubscriptionsPerConn = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxSubscriptionsPerConn=0")
	}
}

func TestValidate_PathsMustDiffer(t *testing.T) {
	cfg := Defaults()
	cfg.Outputs.WebSocket.Path = cfg.Server.LiveQueryPath
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when output path equals live-query path")
	}
}

func TestValidate_EmptyChannel(t *testing.T) {
	cfg := Defaults()
	cfg.Outputs.WebSocket.Channels["empty"] = nil
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "channels.empty") {
		t.Fatalf("expected error naming the empty channel, got %v", err)
	}
}

func TestValidate_TelegramRequiresTokenAndChats(t *testing.T) {
	cfg := Defaults()
	cfg.Outputs.Telegram.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}

	cfg.Outputs.Telegram.Token = "123:abc"
	cfg.Outputs.Telegram.ChatIDs = FlexStringList{"not-a-number"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}

	cfg.Outputs.Telegram.ChatIDs = FlexStringList{"42"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid telegram config rejected: %v", err)
	}
}

func TestValidate_InvalidJournal(t *testing.T) {
	cfg := Defaults()
	cfg.Outputs.Journal.Enabled = true
	cfg.Outputs.Journal.RetentionDays = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for retentionDays=0")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTripJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Server.Port = 9999

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Server.Port != 9999 {
		t.Fatalf("expected 9999, got %d", loaded.Server.Port)
	}
}

func TestLoadSave_RoundTripYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.Watch.DevDirs = []string{"/tmp/dev"}
	original.Outputs.WebSocket.Channels = map[string][]string{"ops": {"browserStatusChange"}}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "liveQueryPath: /graphql-ws") {
		t.Fatalf("expected YAML output, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Watch.DevDirs) != 1 || loaded.Watch.DevDirs[0] != "/tmp/dev" {
		t.Fatalf("devDirs mismatch: %v", loaded.Watch.DevDirs)
	}
	if got := loaded.Outputs.WebSocket.Channels["ops"]; len(got) != 1 || got[0] != "browserStatusChange" {
		t.Fatalf("channels mismatch: %v", loaded.Outputs.WebSocket.Channels)
	}
}

func TestLoad_YAMLChatIDsAsNumbers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := `
outputs:
  telegram:
    enabled: true
    token: "123:abc"
    chatIds: [42, "43"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ids := cfg.Outputs.Telegram.ChatIDs
	if len(ids) != 2 || ids[0] != "42" || ids[1] != "43" {
		t.Fatalf("unexpected chat ids: %v", ids)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"server": {"port": 123456}}`), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Fatalf("expected validation error for server.port, got %v", err)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "server.liveQueryPath")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "/graphql-ws" {
		t.Fatalf("expected /graphql-ws, got %v", val)
	}

	val, err = GetByPath(cfg, "outputs.websocket.channels.launchpad.0")
	if err != nil {
		t.Fatalf("get list item: %v", err)
	}
	if val != "authChange" {
		t.Fatalf("expected authChange, got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	if _, err := GetByPath(cfg, "server.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, err := GetByPath(cfg, "outputs.websocket.channels.launchpad.99"); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestSetByPath_ScalarConversions(t *testing.T) {
	cfg := Defaults()

	if err := SetByPath(cfg, "server.port", "8123"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Fatalf("expected 8123, got %d", cfg.Server.Port)
	}

	if err := SetByPath(cfg, "watch.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Watch.Enabled {
		t.Fatal("expected watch.enabled=true")
	}

	if err := SetByPath(cfg, "server.host", "8080"); err != nil {
		t.Fatalf("numeric-looking string: %v", err)
	}
	if cfg.Server.Host != "8080" {
		t.Fatalf("expected host 8080, got %q", cfg.Server.Host)
	}
}

func TestSetByPath_ListValues(t *testing.T) {
	cfg := Defaults()

	if err := SetByPath(cfg, "watch.devDirs", "/a, /b"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Watch.DevDirs) != 2 || cfg.Watch.DevDirs[1] != "/b" {
		t.Fatalf("unexpected devDirs: %v", cfg.Watch.DevDirs)
	}

	if err := SetByPath(cfg, "outputs.websocket.channels.ops", "browserStatusChange,configChange"); err != nil {
		t.Fatalf("set new channel: %v", err)
	}
	if got := cfg.Outputs.WebSocket.Channels["ops"]; len(got) != 2 {
		t.Fatalf("unexpected ops channel: %v", got)
	}
}

func TestSetByPath_RejectsInvalidResult(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.logLevel", "loud"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.General.LogLevel != "info" {
		t.Fatalf("config must be untouched on error, got %q", cfg.General.LogLevel)
	}
}

func TestSetByPath_EmptyPath(t *testing.T) {
	if err := SetByPath(Defaults(), "", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Outputs.Telegram.Token = "123456789:ABCDEFGHIJKLMNOP"

	s := Sanitize(cfg)
	if s.Outputs.Telegram.Token == cfg.Outputs.Telegram.Token {
		t.Fatal("token should be masked")
	}
	if !strings.HasPrefix(s.Outputs.Telegram.Token, "1234") || !strings.HasSuffix(s.Outputs.Telegram.Token, "MNOP") {
		t.Fatalf("unexpected mask: %q", s.Outputs.Telegram.Token)
	}
	if cfg.Outputs.Telegram.Token != "123456789:ABCDEFGHIJKLMNOP" {
		t.Fatal("original config must not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Outputs.Telegram.Token = "short"
	if got := Sanitize(cfg).Outputs.Telegram.Token; got != "***" {
		t.Fatalf("expected ***, got %q", got)
	}
}

func TestListPaths_SortedLeaves(t *testing.T) {
	paths, values := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected paths")
	}
	for i := 1; i < len(paths); i++ {
		if paths[i-1] > paths[i] {
			t.Fatalf("paths not sorted at %d: %q > %q", i, paths[i-1], paths[i])
		}
	}
	if values["server.port"] != float64(7350) {
		t.Fatalf("expected server.port=7350, got %v", values["server.port"])
	}
	if _, ok := values["outputs.websocket.channels.app"]; !ok {
		t.Fatal("expected channel leaf")
	}
}

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`not json`), &list); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_LP_TOKEN", "tok-abc123")
	result := ExpandEnvVars(`token: "${TEST_LP_TOKEN}"`)
	expected := `token: "tok-abc123"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	result := ExpandEnvVars(`port: ${TEST_LP_UNSET_PORT:-7350}`)
	if result != `port: 7350` {
		t.Fatalf("unexpected: %q", result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	input := `host: ${TEST_LP_DEFINITELY_UNSET}`
	if result := ExpandEnvVars(input); result != input {
		t.Fatalf("expected original, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_LP_DATA_DIR", "/tmp/lp-data")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	content := "general:\n  dataDir: ${TEST_LP_DATA_DIR}\n  logLevel: debug\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.DataDir != "/tmp/lp-data" {
		t.Fatalf("expected dataDir '/tmp/lp-data', got %q", cfg.General.DataDir)
	}
	if cfg.General.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.General.LogLevel)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Server.LiveQueryPath == "" {
		t.Fatal("live-query path should not be empty")
	}
	if len(cfg.Outputs.WebSocket.Channels) == 0 {
		t.Fatal("expected default output channels")
	}
}
