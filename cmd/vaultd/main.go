// vaultd stores third-party credentials for agents and decides which agent
// may use which connection.
package main

// @title           Agentopia Vault API
// @version         1.0
// @description     Credential vault and scoped access control for agent tool execution.

// @BasePath  /api/v1
// @schemes   http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token. Format: "Bearer {token}"

// @securityDefinitions.apikey ExecutorKey
// @in header
// @name X-Executor-Key

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maverick-software/agentopia-vault/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Credential vault and scoped access control for agents.",
	Long: `vaultd keeps OAuth tokens and API keys encrypted at rest, refreshes them
before they expire, and answers whether an agent may use a connection for a
set of capabilities.`,
	RunE:          runAll, // Default to API and worker in one process.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("vaultd %s (commit: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, allCmd, auditCmd, importLegacyCmd, hashKeyCmd, tokenCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig reads .env, then parses and validates the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
