package monitoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shizukutanaka/batman/internal/config"
	merrors "github.com/shizukutanaka/batman/internal/errors"
	"github.com/shizukutanaka/batman/internal/logging"
)

const (
	opNodeMetrics   = "node_metrics"
	opMonitorLoop   = "monitor_loop"
	opUpdateMetrics = "update_metrics"

	defaultStopTimeout  = 5 * time.Second
	defaultErrorBackoff = 5 * time.Second
	maxParallelProbes   = 16
)

// MeshMonitor polls every configured node on a fixed interval and keeps the
// latest observation per node.
type MeshMonitor struct {
	logger   *zap.Logger
	prober   Prober
	probes   *inflight
	exporter MetricsExporter
	reporter ErrorReporter
	config   atomic.Pointer[config.Config]

	stopTimeout  time.Duration
	errorBackoff time.Duration

	// mu guards table. Writers check their run context while holding it so
	// nothing is written once Stop has cancelled that context.
	mu    sync.RWMutex
	table map[string]NodeMetrics

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	cycles      atomic.Uint64
	loopErrors  atomic.Uint64
	probeErrors atomic.Uint64
	lastCycle   atomic.Int64

	subMu       sync.Mutex
	subscribers map[uint64]chan MeshHealthSnapshot
	nextSub     uint64
}

// NewMeshMonitor creates a monitor. cfg may be nil; the loop then reports a
// configuration error every backoff period until UpdateConfig is called.
func NewMeshMonitor(logger *zap.Logger, cfg *config.Config, prober Prober, exporter MetricsExporter, reporter ErrorReporter) *MeshMonitor {
	m := &MeshMonitor{
		logger:       logger,
		prober:       prober,
		probes:       newInflight(),
		exporter:     exporter,
		reporter:     reporter,
		stopTimeout:  defaultStopTimeout,
		errorBackoff: defaultErrorBackoff,
		table:        make(map[string]NodeMetrics),
		subscribers:  make(map[uint64]chan MeshHealthSnapshot),
	}
	m.config.Store(cfg)
	return m
}

// SetStopTimeout bounds how long Stop waits for the loop to exit.
func (m *MeshMonitor) SetStopTimeout(d time.Duration) {
	m.stopTimeout = d
}

// SetErrorBackoff sets the pause after a loop-level failure.
func (m *MeshMonitor) SetErrorBackoff(d time.Duration) {
	m.errorBackoff = d
}

// Start launches the polling loop. Calling Start on a running monitor only
// logs a warning.
func (m *MeshMonitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		m.logger.Warn("Mesh monitor already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, m.done)

	m.logger.Info("Mesh monitor started")
}

// Stop cancels the loop and waits up to the stop timeout for it to exit. It
// reports whether the loop exited in time. No metric writes happen after
// Stop returns either way.
func (m *MeshMonitor) Stop() bool {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return true
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()

	m.mu.Lock()
	cancel()
	m.mu.Unlock()

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		m.logger.Info("Mesh monitor stopped")
		return true
	case <-timer.C:
		m.logger.Warn("Mesh monitor did not stop in time", zap.Duration("timeout", m.stopTimeout))
		return false
	}
}

// Running reports whether the loop has been started and not stopped.
func (m *MeshMonitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// RunOnce runs a single probing cycle on the caller's goroutine.
func (m *MeshMonitor) RunOnce(ctx context.Context) error {
	_, err := m.tick(ctx)
	return err
}

// UpdateConfig swaps the configuration used from the next cycle on. Nodes
// that are no longer configured are dropped from the table and the exporter.
// The swap happens under the table lock so a cycle still running on the old
// configuration cannot write a removed node back.
func (m *MeshMonitor) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config.Store(cfg)

	for id := range m.table {
		if configured(cfg, id) {
			continue
		}
		delete(m.table, id)
		m.exporter.RemoveNode(id)
		m.logger.Info("Node removed from mesh", zap.String("node_id", id))
	}
}

func configured(cfg *config.Config, nodeID string) bool {
	if cfg == nil {
		return false
	}
	for _, node := range cfg.Mesh.Nodes {
		if node.ID == nodeID {
			return true
		}
	}
	return false
}

// Config returns the configuration currently in use.
func (m *MeshMonitor) Config() *config.Config {
	return m.config.Load()
}

// Stats returns loop counters.
func (m *MeshMonitor) Stats() Stats {
	s := Stats{
		Running:     m.Running(),
		Cycles:      m.cycles.Load(),
		LoopErrors:  m.loopErrors.Load(),
		ProbeErrors: m.probeErrors.Load(),
	}
	if ns := m.lastCycle.Load(); ns > 0 {
		s.LastCycle = time.Unix(0, ns)
	}
	return s
}

// Subscribe returns a channel receiving a health snapshot after every
// completed cycle. Slow subscribers miss snapshots. Call the returned func to
// unsubscribe.
func (m *MeshMonitor) Subscribe() (<-chan MeshHealthSnapshot, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan MeshHealthSnapshot, 1)
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			delete(m.subscribers, id)
			close(ch)
		})
	}
}

func (m *MeshMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		wait, err := m.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.loopErrors.Add(1)
			m.recordError(ctx, opMonitorLoop)
			m.reporter.Handle(ctx, err, merrors.Fields{"operation": opMonitorLoop})
			wait = m.errorBackoff
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// tick runs one cycle and turns a panic into a loop-level error.
func (m *MeshMonitor) tick(ctx context.Context) (wait time.Duration, err error) {
	defer merrors.SafeRecover(m.logger, opMonitorLoop, func(e *merrors.MeshError) {
		err = e
	})
	return m.cycle(ctx)
}

func (m *MeshMonitor) cycle(ctx context.Context) (time.Duration, error) {
	cfg := m.config.Load()
	if cfg == nil {
		return 0, merrors.NewConfigurationError("no configuration loaded", merrors.CodeConfigMissing).
			WithCause(merrors.ErrNoConfiguration)
	}
	if cfg.Monitoring.Interval < 1 {
		return 0, merrors.NewConfigurationError(
			fmt.Sprintf("monitoring.interval %d must be at least 1", cfg.Monitoring.Interval),
			merrors.CodeConfigInvalid,
		)
	}

	start := time.Now()
	if cfg.Monitoring.Parallel {
		m.probeParallel(ctx, cfg)
	} else {
		for _, node := range cfg.Mesh.Nodes {
			if ctx.Err() != nil {
				break
			}
			m.probeNode(ctx, cfg, node)
		}
	}
	m.observe(ctx, opUpdateMetrics, time.Since(start))

	if ctx.Err() == nil {
		m.cycles.Add(1)
		m.lastCycle.Store(time.Now().UnixNano())
		m.publish()
	}

	return cfg.Monitoring.IntervalDuration(), nil
}

func (m *MeshMonitor) probeParallel(ctx context.Context, cfg *config.Config) {
	var g errgroup.Group
	g.SetLimit(maxParallelProbes)

	for _, node := range cfg.Mesh.Nodes {
		node := node
		g.Go(func() error {
			defer merrors.SafeRecover(m.logger, opNodeMetrics, func(e *merrors.MeshError) {
				m.nodeFailed(ctx, node.ID, e)
			})
			m.probeNode(ctx, cfg, node)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *MeshMonitor) probeNode(ctx context.Context, cfg *config.Config, node config.Node) {
	// shared across runs so a stalled call from a stopped loop is not overlapped
	prober := newTimeoutProber(m.prober, cfg.Monitoring.ProbeTimeoutDuration(), m.probes)

	measurement, err := prober.Measure(ctx, node.IP)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.WithNode(m.logger, node.ID, node.IP).Debug("Probe failed", zap.Error(err))
		m.nodeFailed(ctx, node.ID, err)
		return
	}

	status := StatusDown
	if measurement.Latency < cfg.Monitoring.LatencyThresholdDuration() {
		status = StatusUp
	}

	m.commit(ctx, NodeMetrics{
		NodeID:         node.ID,
		Latency:        measurement.Latency,
		Bandwidth:      measurement.Bandwidth,
		PacketLoss:     measurement.PacketLoss,
		SignalStrength: measurement.SignalStrength,
		LastSeen:       time.Now(),
		Status:         status,
	})
}

func (m *MeshMonitor) nodeFailed(ctx context.Context, nodeID string, err error) {
	m.probeErrors.Add(1)
	m.recordError(ctx, opNodeMetrics)
	m.reporter.Handle(ctx, nodeFailure(err, nodeID), merrors.Fields{
		"operation": opNodeMetrics,
		"node_id":   nodeID,
	})
}

// nodeFailure attributes err to nodeID. Unclassified errors become node
// errors.
func nodeFailure(err error, nodeID string) *merrors.MeshError {
	classified := merrors.Classify(err)
	if classified.Kind == merrors.KindGeneric && classified.Code == "" {
		return merrors.NewNodeError(err.Error(), nodeID, merrors.CodeProbeFailed).WithCause(err)
	}
	return classified.ForNode(nodeID)
}

func (m *MeshMonitor) commit(ctx context.Context, metrics NodeMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if !configured(m.config.Load(), metrics.NodeID) {
		m.logger.Debug("Dropping result for removed node", zap.String("node_id", metrics.NodeID))
		return
	}
	m.table[metrics.NodeID] = metrics
	m.exporter.ExportNode(metrics)
}

func (m *MeshMonitor) recordError(ctx context.Context, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	m.exporter.IncError(errorType)
}

func (m *MeshMonitor) observe(ctx context.Context, operation string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	m.exporter.ObserveOperation(operation, d)
}

func (m *MeshMonitor) publish() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if len(m.subscribers) == 0 {
		return
	}
	snapshot := m.MeshHealth()
	for _, ch := range m.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
