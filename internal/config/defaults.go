package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			MaxSteps: 5,
			History:  20,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 60,
			Temperature:    0.7,
		},
		Registry: RegistryConfig{
			TimeoutSeconds: 15,
		},
		Tools: ToolsConfig{
			Root:  "~/.jumith/tool-cache",
			Watch: true,
		},
		Storage: StorageConfig{
			DBPath: "~/.jumith/jumith.db",
		},
		Security: SecurityConfig{
			BlockedTools:          []string{},
			ConfirmTools:          []string{},
			ConfirmTimeoutSeconds: 120,
			AuditLog:              true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "jumith",
		},
	}
}
