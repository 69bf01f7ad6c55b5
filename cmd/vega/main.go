package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	pgDSN      string
	redisAddr  string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vega",
		Short: "Vega VM live-migration control plane",
		Long:  "Run the Vega migration scheduler, worker pool, and intake API via the daemon command",
	}

	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN (or \"memory\" for the in-memory store)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address (or \"local\" for in-process lock and queue)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
