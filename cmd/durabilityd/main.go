// Command durabilityd runs the durability engine's control-plane daemon:
// the archive mover, the retry scheduler, and a small HTTP surface for
// metrics and worker status. Modeled on the teacher's cmd/nova root command
// (single cobra root, a "daemon" subcommand, a shared --config flag).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "durabilityd",
		Short: "Durability engine control plane",
		Long:  "Runs the durability engine's archive mover and retry scheduler against a shared Postgres oplog",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, defaults + env apply otherwise)")
	rootCmd.AddCommand(daemonCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
