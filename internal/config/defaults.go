package config

import "launchpad/internal/bus"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.launchpad",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                    "127.0.0.1",
			Port:                    7350,
			LiveQueryPath:           "/graphql-ws",
			PingIntervalSeconds:     30,
			MaxSubscriptionsPerConn: 64,
			ShutdownTimeoutSeconds:  10,
		},
		Watch: WatchConfig{
			Enabled:        false,
			SpecPatterns:   defaultSpecPatterns(),
			ConfigFile:     true,
			DebounceMillis: 250,
		},
		Browser: BrowserConfig{
			Enabled:  false,
			Headless: true,
		},
		Outputs: OutputsConfig{
			WebSocket: WebSocketOutputConfig{
				Enabled: true,
				Path:    "/channels",
				Channels: map[string][]string{
					"launchpad": {bus.EventAuthChange, bus.EventConfigChange, bus.EventToLaunchpad},
					"app":       {bus.EventDevChange, bus.EventSpecsChange, bus.EventToApp},
				},
			},
			Telegram: TelegramConfig{
				Enabled: false,
				Events:  []string{bus.EventBrowserStatusChange},
			},
			Journal: JournalConfig{
				Enabled:       false,
				DBPath:        "~/.launchpad/journal.db",
				RetentionDays: 7,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

func defaultSpecPatterns() []string {
	return []string{
		"*_test.go",
		"*.spec.js",
		"*.spec.ts",
		"*.cy.js",
		"*.cy.ts",
	}
}
