package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/batman/internal/api"
	"github.com/shizukutanaka/batman/internal/app"
	"github.com/shizukutanaka/batman/internal/config"
	merrors "github.com/shizukutanaka/batman/internal/errors"
	"github.com/shizukutanaka/batman/internal/logging"
	"github.com/shizukutanaka/batman/internal/monitoring"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestInitThenValidate(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", "--config-dir", dir, "--force=false")
	require.NoError(t, err)
	path := filepath.Join(dir, "config.yml")
	assert.Contains(t, out, path)

	cfg, err := config.LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, "bat0", cfg.Network.Interface)
	assert.Len(t, cfg.Mesh.Nodes, 2)
	assert.True(t, cfg.Monitoring.Enabled)

	out, err = execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 2 nodes, protocol batman-adv, interval 10s")
}

func TestInit_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "init", "--config-dir", dir, "--force=false")
	require.NoError(t, err)

	_, err = execute(t, "init", "--config-dir", dir, "--force=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use --force to overwrite")

	_, err = execute(t, "init", "--config-dir", dir, "--force")
	assert.NoError(t, err)
}

func TestValidate_ReportsProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  interface: bat0
  ip_range: 10.0.0.0/24
  port: 80
mesh:
  protocol: carrier-pigeon
  nodes:
    - id: n1
      ip: 10.0.0.1
monitoring:
  enabled: true
  interval: 10
`), 0644))

	out, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 configuration problem(s)")
	assert.Contains(t, out, "  - network.port 80 must be between 1024 and 65535")
	assert.Contains(t, out, "mesh.protocol")
	assert.Contains(t, out, "mesh network must have at least 2 nodes")
}

func TestStatus(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg := config.Default()
	cfg.Mesh.Nodes = []config.Node{{ID: "n1", IP: "10.0.0.1"}, {ID: "n2", IP: "10.0.0.2"}}
	cfg.Monitoring.Interval = 1

	prober := monitoring.ProberFunc(func(ctx context.Context, address string) (monitoring.Measurement, error) {
		if address != "10.0.0.1" {
			return monitoring.Measurement{}, fmt.Errorf("%s unreachable", address)
		}
		return monitoring.Measurement{Latency: 15 * time.Millisecond, Bandwidth: 2048, SignalStrength: -52}, nil
	})

	handler := merrors.NewErrorHandler(logger, merrors.Config{MaxRetries: 1})
	monitor := monitoring.NewMeshMonitor(logger, cfg, prober,
		monitoring.NewPrometheusExporter(logger, monitoring.ExporterConfig{}), handler)
	require.NoError(t, monitor.RunOnce(context.Background()))

	srv := httptest.NewServer(api.NewServer(api.Config{Version: "test"}, logger, monitor, handler).Handler())
	defer srv.Close()

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "status", "--api-url", srv.URL, "--format", "table")
		require.NoError(t, err)
		assert.Contains(t, out, "batman test")
		assert.Contains(t, out, "Cycles:         1")
		assert.Contains(t, out, "Probe Errors:   1")
		assert.Contains(t, out, "Mesh Health: 1/2 nodes up (50%)")
		assert.Contains(t, out, "n1")
		assert.NotContains(t, out, "n2 ")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "status", "--api-url", srv.URL, "--format", "json")
		require.NoError(t, err)

		var status StatusInfo
		require.NoError(t, json.Unmarshal([]byte(out), &status))
		assert.Equal(t, "batman", status.Service)
		assert.Equal(t, 2, status.Health.TotalNodes)
		assert.Equal(t, 0.5, status.Health.HealthRatio)
		assert.Equal(t, monitoring.StatusUp, status.Health.Nodes["n1"].Status)
		assert.Equal(t, int64(1), status.Errors.Total)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := execute(t, "status", "--api-url", srv.URL, "--format", "yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "health_ratio: 0.5")
		assert.Contains(t, out, "service: batman")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := execute(t, "status", "--api-url", srv.URL, "--format", "xml")
		assert.Error(t, err)
	})
}

func TestStatus_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, err := execute(t, "status", "--api-url", url, "--format", "table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to API")
}

func TestDisplayHealth_NoNodes(t *testing.T) {
	var buf bytes.Buffer
	displayHealth(&buf, monitoring.MeshHealthSnapshot{TotalNodes: 3})
	assert.Contains(t, buf.String(), "Mesh Health: 0/3 nodes up (0%)")
	assert.Contains(t, buf.String(), "No nodes observed yet")
}

func TestServe_StopsOnCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg := sampleConfig("bat0")
	cfg.Monitoring.Interval = 1
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	cfg.API.ListenAddr = "127.0.0.1:0"

	prober := monitoring.ProberFunc(func(ctx context.Context, address string) (monitoring.Measurement, error) {
		return monitoring.Measurement{Latency: time.Millisecond}, nil
	})
	application, err := app.New(logger, cfg, "", app.WithProber(prober))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(logging.ToContext(context.Background(), logger))
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, application) }()

	require.Eventually(t, func() bool {
		return application.Monitor().Stats().Cycles > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.False(t, application.Monitor().Running())
}
