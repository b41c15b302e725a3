// Package cli implements the fieldnet command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/daemon"
	"github.com/tutu-network/fieldnet/internal/infra/observability"
)

var (
	flagHome   string
	flagConfig string
	flagEnv    string
)

var rootCmd = &cobra.Command{
	Use:   "fieldnet",
	Short: "Distributor network, compensation and territory licensing",
	Long: `fieldnet runs the distributor network API: enrollment into the binary
tree, commission payouts, rank maintenance, territory claims with geo pricing
and the referral leaderboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(flagEnv)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "Data and config directory (default $FIELDNET_HOME or ~/.fieldnet)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default $FIELDNET_CONFIG or <home>/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env-file", ".env", "Environment file loaded before reading config")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func homeDir() string {
	if flagHome != "" {
		return flagHome
	}
	return daemon.Home()
}

func loadConfig() (daemon.Config, error) {
	path := flagConfig
	if path == "" {
		path = daemon.ConfigPath(homeDir())
	}
	return daemon.LoadConfig(path)
}

func newLogger(cfg daemon.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
