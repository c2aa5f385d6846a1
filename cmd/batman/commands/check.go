package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/batman/internal/app"
	"github.com/shizukutanaka/batman/internal/monitoring"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every node once and print the mesh health",
	Long: `Run a single probing cycle against the configured nodes without starting
the metrics endpoint or the API, then print the result.

Exits non-zero when nodes are configured and none of them is up.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringP("format", "f", "table", "Output format (table, json, yaml)")
	checkCmd.Flags().Duration("timeout", 30*time.Second, "Overall timeout for the check")
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig(false)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel == "" {
		// keep stdout for the report
		cfg.Logging.Level = "warn"
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	application, err := app.New(logger, cfg, "")
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	snapshot, err := application.CheckOnce(ctx)
	if err != nil {
		return err
	}

	if err := render(cmd.OutOrStdout(), format, snapshot, func(w io.Writer) {
		displayHealth(w, snapshot)
	}); err != nil {
		return err
	}

	if snapshot.TotalNodes > 0 && snapshot.UpNodes == 0 {
		return fmt.Errorf("no nodes up out of %d", snapshot.TotalNodes)
	}
	return nil
}

// displayHealth prints a mesh snapshot as a node table.
func displayHealth(w io.Writer, snapshot monitoring.MeshHealthSnapshot) {
	fmt.Fprintf(w, "Mesh Health: %d/%d nodes up (%.0f%%)\n",
		snapshot.UpNodes, snapshot.TotalNodes, snapshot.HealthRatio*100)
	fmt.Fprintln(w, "===========================")

	if len(snapshot.Nodes) == 0 {
		fmt.Fprintln(w, "No nodes observed yet")
		return
	}

	ids := make([]string, 0, len(snapshot.Nodes))
	for id := range snapshot.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(w, "%-16s %-8s %-10s %-12s %-6s %-9s %s\n",
		"NODE", "STATUS", "LATENCY", "BANDWIDTH", "LOSS", "SIGNAL", "LAST SEEN")
	for _, id := range ids {
		node := snapshot.Nodes[id]
		lastSeen := "never"
		if !node.LastSeen.IsZero() {
			lastSeen = humanize.Time(node.LastSeen)
		}
		fmt.Fprintf(w, "%-16s %-8s %-10s %-12s %-6s %-9s %s\n",
			id,
			node.Status,
			node.Latency.Round(time.Microsecond),
			humanize.Bytes(uint64(node.Bandwidth))+"/s",
			fmt.Sprintf("%.0f%%", node.PacketLoss*100),
			fmt.Sprintf("%.0f dBm", node.SignalStrength),
			lastSeen,
		)
	}
}
