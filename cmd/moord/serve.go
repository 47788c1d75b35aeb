package main

import (
	"moor/logging"
	"moor/server"
	"moor/trace"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runServe is the root command's RunE: it boots the server and blocks until
// shutdown. Inspection subcommands (see inspect.go) short-circuit before
// ever reaching here.
func runServe(cmd *cobra.Command, args []string) error {
	logging.Init(logging.Config{
		Level: viper.GetString("log-level"),
		JSON:  viper.GetBool("log-json"),
	})
	log := logging.Component("main")

	dbPath := viper.GetString("db")
	port := viper.GetInt("port")
	checkpointInterval := viper.GetInt("checkpoint-interval")
	metricsAddr := viper.GetString("metrics-addr")
	workerAddr := viper.GetString("worker-addr")
	enrollmentTokenFile := viper.GetString("enrollment-token-file")
	rpcAddr := viper.GetString("rpc-addr")

	log.Info().Str("db", dbPath).Int("port", port).Msg("moord starting")

	if viper.GetBool("trace") {
		var filters []string
		if f := viper.GetString("trace-filter"); f != "" {
			filters = strings.Split(f, ",")
			for i := range filters {
				filters[i] = strings.TrimSpace(filters[i])
			}
		}
		trace.Init(true, filters, os.Stderr)
		log.Info().Strs("filters", filters).Msg("tracing enabled")
	} else {
		trace.Init(false, nil, nil)
	}

	srv, err := server.NewServer(dbPath, port, checkpointInterval)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		srv.SetMetricsAddr(metricsAddr)
	}
	if workerAddr != "" {
		srv.SetWorkerAddr(workerAddr, enrollmentTokenFile)
	}

	if err := srv.LoadDatabase(); err != nil {
		return err
	}

	if rpcAddr != "" {
		go serveHostRPC(srv, rpcAddr)
	}

	log.Info().Int("port", port).Msg("starting server")
	return srv.Start()
}
