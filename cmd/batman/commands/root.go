package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/batman/internal/app"
	"github.com/shizukutanaka/batman/internal/config"
	"github.com/shizukutanaka/batman/internal/logging"
)

const defaultConfigPath = "config/config.yml"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "batman",
	Short: "Mesh network health monitor",
	Long: `batman probes every node of a BATMAN-adv, OLSR or Babel mesh on a fixed
interval, exports link quality as Prometheus metrics and serves the aggregated
mesh health over HTTP.`,
	Version:       app.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath, "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.SetVersionTemplate("batman {{.Version}}\n")
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig(checkInterface bool) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	validator := config.NewValidator()
	validator.CheckInterface = checkInterface
	if err := validator.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the zap global.
func newLogger(cfg logging.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
