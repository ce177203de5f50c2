// mailboxd is the inter-LLM mailbox service daemon.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "mailboxd",
	Short: "Persistent message fabric for LLM agents",
	Long: `mailboxd runs the inter-LLM mailbox service: direct, topic and
broadcast message routing over a Redis backend, with persistent
mailboxes, offline queues and realtime delivery.

Example:
  mailboxd serve --config mailboxd.yaml
  mailboxd serve --redis-addr localhost:6379 --listen :9080
  mailboxd health --redis-addr localhost:6379
`,
	Version:           "1.0.0",
	PersistentPreRunE: setupLogging,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	rootCmd.PersistentFlags().Int("redis-db", 0, "Redis database")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("backend.address", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("backend.password", rootCmd.PersistentFlags().Lookup("redis-password"))
	viper.BindPFlag("backend.db", rootCmd.PersistentFlags().Lookup("redis-db"))
	viper.SetEnvPrefix("MAILBOXD")
	viper.AutomaticEnv()
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	switch viper.GetString("log_level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
