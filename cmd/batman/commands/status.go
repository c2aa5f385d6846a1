package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	merrors "github.com/shizukutanaka/batman/internal/errors"
	"github.com/shizukutanaka/batman/internal/monitoring"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running monitor",
	Long: `Query the status API of a running batman instance and display the mesh
health, the monitor loop counters and the error statistics.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8081", "API URL")
	statusCmd.Flags().StringP("format", "f", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().BoolP("watch", "w", false, "Watch mode (refresh periodically)")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Refresh interval for watch mode")
}

// StatusInfo is what the status command displays.
type StatusInfo struct {
	Service string                        `json:"service"`
	Version string                        `json:"version"`
	Uptime  float64                       `json:"uptime"`
	Monitor monitoring.Stats              `json:"monitor"`
	Errors  merrors.Stats                 `json:"errors"`
	Health  monitoring.MeshHealthSnapshot `json:"health"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	client := &http.Client{Timeout: 10 * time.Second}
	out := cmd.OutOrStdout()

	if !watch {
		return showStatus(cmd.Context(), client, out, apiURL, format)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// clear screen
		fmt.Fprint(out, "\033[H\033[2J")
		if err := showStatus(ctx, client, out, apiURL, format); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func showStatus(ctx context.Context, client *http.Client, w io.Writer, apiURL, format string) error {
	status, err := fetchStatus(ctx, client, apiURL)
	if err != nil {
		return err
	}
	return render(w, format, status, func(w io.Writer) {
		displayTable(w, status)
	})
}

func fetchStatus(ctx context.Context, client *http.Client, apiURL string) (*StatusInfo, error) {
	base := strings.TrimRight(apiURL, "/") + "/api/v1"

	var status StatusInfo
	if err := getJSON(ctx, client, base+"/status", &status); err != nil {
		return nil, err
	}
	if err := getJSON(ctx, client, base+"/health", &status.Health); err != nil {
		return nil, err
	}
	return &status, nil
}

// getJSON decodes the data field of an API response into v. A 503 from the
// health endpoint still carries a snapshot.
func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		if env.Error != "" {
			return fmt.Errorf("API error: %s", env.Error)
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("empty response from %s", url)
	}
	return json.Unmarshal(env.Data, v)
}

func displayTable(w io.Writer, status *StatusInfo) {
	fmt.Fprintf(w, "%s %s\n", status.Service, status.Version)
	fmt.Fprintln(w, "===========================")
	fmt.Fprintf(w, "Uptime:         %s\n", time.Duration(status.Uptime*float64(time.Second)).Round(time.Second))

	running := "stopped"
	if status.Monitor.Running {
		running = "running"
	}
	fmt.Fprintf(w, "Monitor:        %s\n", running)
	fmt.Fprintf(w, "Cycles:         %s\n", humanize.Comma(int64(status.Monitor.Cycles)))
	if !status.Monitor.LastCycle.IsZero() {
		fmt.Fprintf(w, "Last Cycle:     %s\n", humanize.Time(status.Monitor.LastCycle))
	}
	fmt.Fprintf(w, "Loop Errors:    %d\n", status.Monitor.LoopErrors)
	fmt.Fprintf(w, "Probe Errors:   %d\n", status.Monitor.ProbeErrors)
	fmt.Fprintf(w, "Errors Handled: %d (recovered %d, skipped %d)\n",
		status.Errors.Total, status.Errors.Succeeded, status.Errors.Skipped)
	fmt.Fprintln(w)

	displayHealth(w, status.Health)
}
