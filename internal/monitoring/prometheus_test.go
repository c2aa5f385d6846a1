package monitoring

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPrometheusExporter_ExportNode(t *testing.T) {
	pe := NewPrometheusExporter(zaptest.NewLogger(t), ExporterConfig{})

	pe.ExportNode(NodeMetrics{
		NodeID:         "n1",
		Latency:        250 * time.Millisecond,
		Bandwidth:      2e6,
		PacketLoss:     0.1,
		SignalStrength: -61,
		Status:         StatusUp,
	})
	pe.ExportNode(NodeMetrics{NodeID: "n2", Latency: 2 * time.Second, Status: StatusDown})

	assert.Equal(t, 0.25, testutil.ToFloat64(pe.latency.WithLabelValues("n1")))
	assert.Equal(t, 2e6, testutil.ToFloat64(pe.bandwidth.WithLabelValues("n1")))
	assert.Equal(t, 0.1, testutil.ToFloat64(pe.packetLoss.WithLabelValues("n1")))
	assert.Equal(t, -61.0, testutil.ToFloat64(pe.signalStrength.WithLabelValues("n1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pe.status.WithLabelValues("n1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pe.status.WithLabelValues("n2")))

	pe.RemoveNode("n2")
	assert.Equal(t, 1, testutil.CollectAndCount(pe.latency))
}

func TestPrometheusExporter_Counters(t *testing.T) {
	pe := NewPrometheusExporter(zaptest.NewLogger(t), ExporterConfig{})

	pe.IncError("node_metrics")
	pe.IncError("node_metrics")
	pe.IncError("monitor_loop")
	pe.ObserveOperation("update_metrics", 30*time.Millisecond)

	expected := `
# HELP mesh_errors_total Total number of classified mesh errors
# TYPE mesh_errors_total counter
mesh_errors_total{error_type="monitor_loop"} 1
mesh_errors_total{error_type="node_metrics"} 2
`
	require.NoError(t, testutil.CollectAndCompare(pe.errorsTotal, strings.NewReader(expected)))
	assert.Equal(t, 1, testutil.CollectAndCount(pe.operations, "mesh_operation_duration_seconds"))
}

func TestPrometheusExporter_Serve(t *testing.T) {
	pe := NewPrometheusExporter(zaptest.NewLogger(t), ExporterConfig{ListenAddr: "127.0.0.1:0"})
	pe.ExportNode(NodeMetrics{NodeID: "n1", Status: StatusUp})

	require.NoError(t, pe.Start())
	assert.Error(t, pe.Start())
	defer pe.Stop(context.Background())

	resp, err := http.Get("http://" + pe.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mesh_node_status{node_id="n1"} 1`)
	assert.Contains(t, string(body), "go_goroutines")

	require.NoError(t, pe.Stop(context.Background()))
	assert.Nil(t, pe.Addr())
}
