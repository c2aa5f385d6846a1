package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/batman/internal/app"
	"github.com/shizukutanaka/batman/internal/logging"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start monitoring the mesh",
	Long: `Start the monitor loop, the metrics endpoint and the status API with the
specified configuration. Runs until SIGINT or SIGTERM.

Examples:
  # Start with the default config
  batman start

  # Start with a specific config and debug logging
  batman start --config /etc/batman/config.yml --log-level debug`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().Bool("check-interface", false, "Require network.interface to exist on this host")
	startCmd.Flags().Bool("no-watch", false, "Do not reload the configuration file on change")
	startCmd.Flags().String("pid-file", "", "PID file path")
}

func runStart(cmd *cobra.Command, args []string) error {
	checkInterface, _ := cmd.Flags().GetBool("check-interface")
	noWatch, _ := cmd.Flags().GetBool("no-watch")
	pidFile, _ := cmd.Flags().GetString("pid-file")

	cfg, err := loadConfig(checkInterface)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			logger.Warn("Failed to write PID file", zap.Error(err))
		}
		defer os.Remove(pidFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.ToContext(ctx, logger)

	watchPath := cfgFile
	if noWatch {
		watchPath = ""
	}

	application, err := app.New(logger, cfg, watchPath)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return serve(ctx, application)
}

// serve starts application and blocks until ctx is cancelled, then shuts it
// down within app.ShutdownTimeout.
func serve(ctx context.Context, application *app.Application) error {
	logger := logging.FromContext(ctx)

	if err := application.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
		return err
	}
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
