package main

import (
	"context"

	"counsel/cmd/internal/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the reference backend (WebSocket, SSE, session REST and relay).",
	PreRunE: bindFlags,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.Run(context.Background(), serveConfig())
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("http-addr", "", "listen address (default 0.0.0.0:8080)")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "json or pretty")
	f.String("database-url", "", "Postgres DSN; empty keeps sessions in memory")
	f.String("llm-provider", "", "echo or openai")
	f.String("llm-model", "", "model name passed to the provider")
	f.Bool("metrics", true, "expose /metrics")
}

// serveConfig starts from the environment and applies whatever flags were set explicitly.
func serveConfig() app.Config {
	cfg := app.LoadConfig()
	overrideString(&cfg.HTTPAddr, "http-addr")
	overrideString(&cfg.LogLevel, "log-level")
	overrideString(&cfg.LogFormat, "log-format")
	overrideString(&cfg.DatabaseURL, "database-url")
	overrideString(&cfg.LLMProvider, "llm-provider")
	overrideString(&cfg.LLMModel, "llm-model")
	if viper.IsSet("metrics") {
		cfg.MetricsEnabled = viper.GetBool("metrics")
	}
	return cfg
}

func overrideString(dst *string, key string) {
	if viper.IsSet(key) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
}
