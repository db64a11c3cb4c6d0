package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the realmd entrypoint. Running without a subcommand starts the
// server, matching how the process is launched in production.
var rootCmd = &cobra.Command{
	Use:   "realmd",
	Short: "realmd - persistent world game server",
	Long: `realmd is the authoritative server core for a persistent multi-user
world: identity and sessions, zones and movement, turn-based combat, exact
big-integer progression, and the realtime gateway that fans events out to
connected clients.

State of record lives in Postgres; Redis carries sessions, caches, locks,
rate limit windows, and the cross-replica event bus.`,
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the game server",
	Long: `Starts the HTTP API and websocket gateway, connects to Postgres and
Redis, and serves until SIGINT or SIGTERM. Shutdown drains in-flight
requests within server.shutdown_timeout.`,
	RunE: runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Creates or updates the realmd tables and indexes. Statements are
idempotent; running migrate against an up-to-date database is a no-op.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "realmd.yaml",
		"path to the YAML config file (missing file falls back to defaults)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
