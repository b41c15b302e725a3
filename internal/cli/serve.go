package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/fieldnet/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(maintainCmd)

	serveCmd.Flags().Int("port", 0, "Override api.port")
	maintainCmd.Flags().Duration("timeout", 30*time.Minute, "Abort the pass after this long")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the maintenance scheduler",
	Long: `Start the API server. Rank maintenance runs on [maintenance].schedule
and the server shuts down gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.API.Port = port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, homeDir(), logger)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Info("fieldnet starting", zap.String("addr", d.Addr()))
	return d.Run(ctx)
}

// ─── maintain ───────────────────────────────────────────────────────────────

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one rank maintenance pass now",
	Long: `Re-evaluate every distributor's activity and rank against the stored
volumes, as the scheduler does at each period boundary.`,
	Args: cobra.NoArgs,
	RunE: runMaintain,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	d, err := daemon.New(ctx, cfg, homeDir(), logger)
	if err != nil {
		return err
	}
	defer d.Close()

	rep, err := d.Service().Maintain(ctx)
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), rep)
}
