package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ExporterConfig defines metrics exporter configuration
type ExporterConfig struct {
	ListenAddr  string
	MetricsPath string
}

// PrometheusExporter publishes mesh metrics on its own registry.
type PrometheusExporter struct {
	logger   *zap.Logger
	config   ExporterConfig
	registry *prometheus.Registry

	latency        *prometheus.GaugeVec
	bandwidth      *prometheus.GaugeVec
	packetLoss     *prometheus.GaugeVec
	signalStrength *prometheus.GaugeVec
	status         *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec
	operations     *prometheus.HistogramVec

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewPrometheusExporter creates the exporter and registers the mesh metrics.
func NewPrometheusExporter(logger *zap.Logger, config ExporterConfig) *PrometheusExporter {
	if config.ListenAddr == "" {
		config.ListenAddr = ":9100"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	pe := &PrometheusExporter{
		logger:   logger,
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	pe.initializeMetrics()
	return pe
}

func (pe *PrometheusExporter) initializeMetrics() {
	nodeLabels := []string{"node_id"}

	pe.latency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_node_latency_seconds",
		Help: "Round trip latency to the node in seconds",
	}, nodeLabels)
	pe.bandwidth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_node_bandwidth_bytes",
		Help: "Observed bandwidth towards the node in bytes per second",
	}, nodeLabels)
	pe.packetLoss = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_node_packet_loss_ratio",
		Help: "Packet loss ratio towards the node",
	}, nodeLabels)
	pe.signalStrength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_node_signal_strength_dbm",
		Help: "Signal strength of the node link in dBm",
	}, nodeLabels)
	pe.status = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_node_status",
		Help: "Node status (1 = up, 0 = down)",
	}, nodeLabels)
	pe.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_errors_total",
		Help: "Total number of classified mesh errors",
	}, []string{"error_type"})
	pe.operations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_operation_duration_seconds",
		Help:    "Duration of mesh monitoring operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	pe.registry.MustRegister(
		pe.latency,
		pe.bandwidth,
		pe.packetLoss,
		pe.signalStrength,
		pe.status,
		pe.errorsTotal,
		pe.operations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry backing the exporter.
func (pe *PrometheusExporter) Registry() *prometheus.Registry {
	return pe.registry
}

// Handler returns the scrape handler.
func (pe *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(pe.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// ExportNode implements MetricsExporter.
func (pe *PrometheusExporter) ExportNode(m NodeMetrics) {
	pe.latency.WithLabelValues(m.NodeID).Set(m.Latency.Seconds())
	pe.bandwidth.WithLabelValues(m.NodeID).Set(m.Bandwidth)
	pe.packetLoss.WithLabelValues(m.NodeID).Set(m.PacketLoss)
	pe.signalStrength.WithLabelValues(m.NodeID).Set(m.SignalStrength)
	pe.status.WithLabelValues(m.NodeID).Set(m.Status.Value())
}

// RemoveNode implements MetricsExporter.
func (pe *PrometheusExporter) RemoveNode(nodeID string) {
	for _, vec := range []*prometheus.GaugeVec{pe.latency, pe.bandwidth, pe.packetLoss, pe.signalStrength, pe.status} {
		vec.DeleteLabelValues(nodeID)
	}
}

// IncError implements MetricsExporter.
func (pe *PrometheusExporter) IncError(errorType string) {
	pe.errorsTotal.WithLabelValues(errorType).Inc()
}

// ObserveOperation implements MetricsExporter.
func (pe *PrometheusExporter) ObserveOperation(operation string, d time.Duration) {
	pe.operations.WithLabelValues(operation).Observe(d.Seconds())
}

// Start binds the listen address and serves metrics in the background.
func (pe *PrometheusExporter) Start() error {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	if pe.server != nil {
		return errors.New("metrics exporter already started")
	}

	mux := http.NewServeMux()
	mux.Handle(pe.config.MetricsPath, pe.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", pe.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", pe.config.ListenAddr, err)
	}

	pe.listener = ln
	pe.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	pe.logger.Info("Starting metrics exporter",
		zap.String("address", ln.Addr().String()),
		zap.String("path", pe.config.MetricsPath),
	)

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			pe.logger.Error("Metrics server error", zap.Error(err))
		}
	}(pe.server)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (pe *PrometheusExporter) Addr() net.Addr {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.listener == nil {
		return nil
	}
	return pe.listener.Addr()
}

// Stop halts metrics export
func (pe *PrometheusExporter) Stop(ctx context.Context) error {
	pe.mu.Lock()
	server := pe.server
	pe.server = nil
	pe.listener = nil
	pe.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	pe.logger.Info("Metrics exporter stopped")
	return nil
}
