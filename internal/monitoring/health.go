package monitoring

import (
	"encoding/json"
	"time"
)

// NodeHealth is the externally visible health of one node.
type NodeHealth struct {
	NodeID         string
	Status         Status
	LastSeen       time.Time
	Latency        time.Duration
	Bandwidth      float64
	PacketLoss     float64
	SignalStrength float64
}

// MarshalJSON renders a never-probed node as status "unknown" with a null
// last_seen and no measurements.
func (h NodeHealth) MarshalJSON() ([]byte, error) {
	if h.Status == StatusUnknown || h.LastSeen.IsZero() {
		return json.Marshal(struct {
			Status   Status      `json:"status"`
			LastSeen interface{} `json:"last_seen"`
		}{StatusUnknown, nil})
	}

	return json.Marshal(struct {
		Status         Status    `json:"status"`
		LastSeen       time.Time `json:"last_seen"`
		Latency        float64   `json:"latency"`
		Bandwidth      float64   `json:"bandwidth"`
		PacketLoss     float64   `json:"packet_loss"`
		SignalStrength float64   `json:"signal_strength"`
	}{
		Status:         h.Status,
		LastSeen:       h.LastSeen,
		Latency:        h.Latency.Seconds(),
		Bandwidth:      h.Bandwidth,
		PacketLoss:     h.PacketLoss,
		SignalStrength: h.SignalStrength,
	})
}

// UnmarshalJSON reverses MarshalJSON so API clients can decode node views.
func (h *NodeHealth) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status         Status     `json:"status"`
		LastSeen       *time.Time `json:"last_seen"`
		Latency        float64    `json:"latency"`
		Bandwidth      float64    `json:"bandwidth"`
		PacketLoss     float64    `json:"packet_loss"`
		SignalStrength float64    `json:"signal_strength"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*h = NodeHealth{
		NodeID:         h.NodeID,
		Status:         raw.Status,
		Latency:        time.Duration(raw.Latency * float64(time.Second)),
		Bandwidth:      raw.Bandwidth,
		PacketLoss:     raw.PacketLoss,
		SignalStrength: raw.SignalStrength,
	}
	if raw.LastSeen != nil {
		h.LastSeen = *raw.LastSeen
	}
	return nil
}

// MeshHealthSnapshot summarises the mesh. It is computed on demand and never
// stored by the monitor.
type MeshHealthSnapshot struct {
	TotalNodes  int                   `json:"total_nodes"`
	UpNodes     int                   `json:"up_nodes"`
	HealthRatio float64               `json:"health_ratio"`
	Nodes       map[string]NodeHealth `json:"nodes"`
	Timestamp   time.Time             `json:"timestamp"`
}

func healthOf(m NodeMetrics) NodeHealth {
	return NodeHealth{
		NodeID:         m.NodeID,
		Status:         m.Status,
		LastSeen:       m.LastSeen,
		Latency:        m.Latency,
		Bandwidth:      m.Bandwidth,
		PacketLoss:     m.PacketLoss,
		SignalStrength: m.SignalStrength,
	}
}

// NodeHealth returns the latest health of nodeID, or StatusUnknown if the
// node has never been probed successfully.
func (m *MeshMonitor) NodeHealth(nodeID string) NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics, ok := m.table[nodeID]
	if !ok {
		return NodeHealth{NodeID: nodeID, Status: StatusUnknown}
	}
	return healthOf(metrics)
}

// MeshHealth aggregates the table. The denominator is the configured node
// count, so configured nodes that were never probed count as not up. The
// table only ever holds configured nodes, so up_nodes never exceeds it. The
// per-node view only includes observed nodes.
func (m *MeshMonitor) MeshHealth() MeshHealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	if cfg := m.config.Load(); cfg != nil {
		total = len(cfg.Mesh.Nodes)
	}

	snapshot := MeshHealthSnapshot{
		TotalNodes: total,
		Nodes:      make(map[string]NodeHealth, len(m.table)),
		Timestamp:  time.Now(),
	}
	for id, metrics := range m.table {
		if metrics.Status == StatusUp {
			snapshot.UpNodes++
		}
		snapshot.Nodes[id] = healthOf(metrics)
	}
	if total > 0 {
		snapshot.HealthRatio = float64(snapshot.UpNodes) / float64(total)
	}
	return snapshot
}
