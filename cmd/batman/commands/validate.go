package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/batman/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().Bool("check-interface", false, "Require network.interface to exist on this host")
}

func runValidate(cmd *cobra.Command, args []string) error {
	checkInterface, _ := cmd.Flags().GetBool("check-interface")
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(checkInterface)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "%s is invalid:\n", cfgFile)
			for _, problem := range verr.Problems {
				fmt.Fprintf(out, "  - %s\n", problem)
			}
			return fmt.Errorf("%d configuration problem(s)", len(verr.Problems))
		}
		return err
	}

	fmt.Fprintf(out, "%s is valid: %d nodes, protocol %s, interval %ds\n",
		cfgFile, len(cfg.Mesh.Nodes), cfg.Mesh.Protocol, cfg.Monitoring.Interval)
	return nil
}
