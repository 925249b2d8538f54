// Command rgctl is the control-plane CLI for the runtime: LOAD/LIST/DELETE
// against the Library Registry, CALL against the Invocation Gate, and a
// serve command that runs the daemon wiring every component together.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	redisAddr  string
	redisPass  string
	redisDB    int
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rgctl",
		Short: "rgctl - control plane for the function and event-handler runtime",
		Long:  "rgctl loads libraries into the runtime, calls their functions, and runs the runtime daemon.",
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		loadCmd(),
		upgradeCmd(),
		listCmd(),
		getCmd(),
		deleteCmd(),
		callCmd(),
		versionCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print rgctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("rgctl 0.1.0")
			return nil
		},
	}
}
