package monitoring

import (
	"context"
	"time"

	merrors "github.com/shizukutanaka/batman/internal/errors"
)

// Status is the liveness state of a mesh node.
type Status string

const (
	StatusUp      Status = "up"
	StatusDown    Status = "down"
	StatusUnknown Status = "unknown"
)

// Value returns the gauge value exported for s.
func (s Status) Value() float64 {
	if s == StatusUp {
		return 1
	}
	return 0
}

// Measurement is the result of one successful probe.
type Measurement struct {
	Latency        time.Duration
	Bandwidth      float64 // bytes/s
	PacketLoss     float64 // ratio 0-1
	SignalStrength float64 // dBm
}

// NodeMetrics is the latest observation of a node. Entries in the metrics
// table are replaced wholesale, never mutated.
type NodeMetrics struct {
	NodeID         string
	Latency        time.Duration
	Bandwidth      float64
	PacketLoss     float64
	SignalStrength float64
	LastSeen       time.Time
	Status         Status
}

// Prober measures link quality to a node address.
type Prober interface {
	Measure(ctx context.Context, address string) (Measurement, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, address string) (Measurement, error)

// Measure calls f.
func (f ProberFunc) Measure(ctx context.Context, address string) (Measurement, error) {
	return f(ctx, address)
}

// MetricsExporter is the sink for per-node gauges, error counters and
// operation timings.
type MetricsExporter interface {
	ExportNode(m NodeMetrics)
	RemoveNode(nodeID string)
	IncError(errorType string)
	ObserveOperation(operation string, d time.Duration)
}

// ErrorReporter receives failures raised by the monitor.
type ErrorReporter interface {
	Handle(ctx context.Context, err error, fields merrors.Fields) bool
}

// Stats summarises monitor loop activity.
type Stats struct {
	Running     bool      `json:"running"`
	Cycles      uint64    `json:"cycles"`
	LoopErrors  uint64    `json:"loop_errors"`
	ProbeErrors uint64    `json:"probe_errors"`
	LastCycle   time.Time `json:"last_cycle"`
}
