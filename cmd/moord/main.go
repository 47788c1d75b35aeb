package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "moord",
	Short:   "moord - a LambdaMOO-family multi-user programmable server",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("moord version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("db", "Test.db", "Database file path")
	rootCmd.Flags().Int("port", 7777, "Listen port")
	rootCmd.Flags().Int("checkpoint-interval", 300, "Seconds between automatic checkpoints (0 disables)")
	rootCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus /metrics on (e.g. :9090); empty disables")
	rootCmd.Flags().String("worker-addr", "", "Address to serve the worker RPC websocket on (e.g. :8999); empty disables worker_request()")
	rootCmd.Flags().String("enrollment-token-file", "enrollment.token", "Path to the worker enrollment token (generated on first run if missing)")
	rootCmd.Flags().String("rpc-addr", "", "Address to serve the Host RPC websocket on (e.g. :8998); empty disables structured host access")
	rootCmd.Flags().Bool("trace", false, "Enable execution tracing")
	rootCmd.Flags().String("trace-filter", "", "Trace filter pattern (glob, e.g., 'do_*' or 'user_*')")

	viper.SetEnvPrefix("MOORD")
	viper.AutomaticEnv()
	for _, flagName := range []string{"db", "port", "checkpoint-interval", "metrics-addr", "worker-addr", "enrollment-token-file", "rpc-addr", "trace", "trace-filter", "log-level", "log-json"} {
		flagSet := rootCmd.Flags()
		if flagSet.Lookup(flagName) == nil {
			flagSet = rootCmd.PersistentFlags()
		}
		viper.BindPFlag(flagName, flagSet.Lookup(flagName))
	}

	rootCmd.AddCommand(inspectCmd)
}
