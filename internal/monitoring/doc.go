// Package monitoring provides mesh network health monitoring.
//
// The package is built from three parts:
//
// 1. Probing (prober.go, probe_net.go):
//   - Prober measures latency, bandwidth, packet loss and signal strength
//   - WithTimeout bounds every measurement
//   - NetProber uses ping, interface counters and /proc/net/wireless
//
// 2. The monitor loop (monitor.go):
//   - Polls every configured node once per interval
//   - Keeps the latest measurement per node
//   - Routes probe and loop failures to an ErrorReporter
//
// 3. Health aggregation and export (health.go, prometheus.go):
//   - NodeHealth and MeshHealth summarise the node table on demand
//   - PrometheusExporter publishes the mesh_* metric families
//
// Usage:
//
//	exporter := monitoring.NewPrometheusExporter(logger, monitoring.ExporterConfig{ListenAddr: ":9100"})
//	monitor := monitoring.NewMeshMonitor(logger, cfg, monitoring.NewNetProber(logger, "bat0", 4305), exporter, handler)
//	monitor.Start()
//	defer monitor.Stop()
//
//	health := monitor.MeshHealth()
package monitoring
