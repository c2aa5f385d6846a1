package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/batman/internal/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Write config.yml with a two-node sample mesh into the configuration
directory. Edit the node list and interface before running 'batman start'.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("config-dir", "config", "Configuration directory")
	initCmd.Flags().String("interface", "bat0", "Mesh network interface")
	initCmd.Flags().Bool("force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	iface, _ := cmd.Flags().GetString("interface")
	force, _ := cmd.Flags().GetBool("force")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.yml")
	if !force && fileExists(path) {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	if err := config.Save(sampleConfig(iface), path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration written to %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Edit mesh.nodes to list your peers")
	fmt.Fprintf(out, "  2. Run 'batman validate --config %s'\n", path)
	fmt.Fprintf(out, "  3. Run 'batman start --config %s'\n", path)
	return nil
}

func sampleConfig(iface string) *config.Config {
	cfg := config.Default()
	cfg.Network = config.NetworkConfig{
		Interface: iface,
		IPRange:   "10.0.0.0/24",
		Port:      4305,
	}
	cfg.Mesh.Nodes = []config.Node{
		{ID: "node-1", IP: "10.0.0.1"},
		{ID: "node-2", IP: "10.0.0.2"},
	}
	cfg.Monitoring.Enabled = true
	cfg.Monitoring.Interval = 10
	cfg.Monitoring.Metrics = []string{"latency", "bandwidth", "packet_loss", "signal_strength"}
	return cfg
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
