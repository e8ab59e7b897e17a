package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "daedalus",
	Short:         "Daedalus workflow node executor",
	Long:          "Daedalus executes workflow nodes: conditions, loops, transforms, CSV, HTTP, code, database queries and triggers.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (yaml or json)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json or console)")
	flags.String("environment", "development", "Deployment environment reported to Sentry and tracing")

	flags.String("nats-url", "", "NATS server URL; JetStream must be enabled")
	flags.String("storage", "badger", "Result store (badger, azure or none)")
	flags.String("badger-dir", "", "Badger directory (in-memory when empty)")
	flags.String("azure-connection-string", "", "Azure storage connection string")
	flags.String("azure-container", "daedalus-results", "Azure blob container for results")

	flags.String("sentry-dsn", "", "Sentry DSN; failures are not reported when empty")
	flags.Bool("tracing", false, "Export traces over OTLP/HTTP")
	flags.String("otlp-endpoint", "127.0.0.1:4318", "OTLP/HTTP collector host:port")
	flags.Float64("trace-sample-ratio", 1.0, "Trace sampling ratio")

	for _, name := range []string{
		"config", "log-level", "log-format", "environment",
		"nats-url", "storage", "badger-dir", "azure-connection-string", "azure-container",
		"sentry-dsn", "tracing", "otlp-endpoint", "trace-sample-ratio",
	} {
		_ = viper.BindPFlag(configKey(name), flags.Lookup(name))
	}
}

func initConfig() {
	viper.SetEnvPrefix("DAEDALUS")
	viper.AutomaticEnv()

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			cobra.CheckErr(fmt.Errorf("reading config file: %w", err))
		}
	}
}

// configKey maps a flag name to its viper key, so --nats-url reads DAEDALUS_NATS_URL.
func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
