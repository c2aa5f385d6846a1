package errors

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fields is the caller-supplied context attached to a handled error.
type Fields map[string]string

func (f Fields) clone() Fields {
	c := make(Fields, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

// Config controls retry budgeting and history retention.
type Config struct {
	MaxRetries   int
	RetryDelay   time.Duration
	HistoryLimit int // 0 keeps every record
}

// DefaultConfig returns the handler defaults: 3 retries, 5s delay, 100 records per identity.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryDelay:   5 * time.Second,
		HistoryLimit: 100,
	}
}

// RecoveryFunc attempts to recover from a classified error. A nil return
// means recovery succeeded.
type RecoveryFunc func(ctx context.Context, err *MeshError, fields Fields) error

// Record is one entry of the error history.
type Record struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Context   Fields    `json:"context,omitempty"`
}

// Stats summarises handler activity.
type Stats struct {
	Total      int64            `json:"total"`
	ByKind     map[string]int64 `json:"by_kind"`
	Identities int              `json:"identities"`
	Attempted  int64            `json:"recoveries_attempted"`
	Succeeded  int64            `json:"recoveries_succeeded"`
	Failed     int64            `json:"recoveries_failed"`
	Skipped    int64            `json:"recoveries_skipped"`
}

// ErrorHandler classifies failures, keeps their history and runs bounded
// recovery strategies.
type ErrorHandler struct {
	logger *zap.Logger
	config Config

	mu         sync.Mutex
	history    map[Identity][]Record
	attempts   map[Identity]int
	strategies map[Kind]RecoveryFunc
	stats      Stats
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger, config Config) *ErrorHandler {
	h := &ErrorHandler{
		logger:     logger,
		config:     config.normalize(),
		history:    make(map[Identity][]Record),
		attempts:   make(map[Identity]int),
		strategies: make(map[Kind]RecoveryFunc),
		stats:      Stats{ByKind: make(map[string]int64)},
	}

	h.strategies[KindNetwork] = h.recoverNetwork
	h.strategies[KindConfiguration] = h.recoverConfiguration
	h.strategies[KindNode] = h.recoverNode
	h.strategies[KindGeneric] = h.recoverGeneric

	return h
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	return c
}

// UpdateConfig applies new retry and retention settings. Attempt counters
// are kept, so raising MaxRetries re-opens exhausted identities. Histories
// longer than a lowered HistoryLimit are trimmed to their newest records.
func (h *ErrorHandler) UpdateConfig(config Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.config = config.normalize()
	if limit := h.config.HistoryLimit; limit > 0 {
		for id, records := range h.history {
			if len(records) > limit {
				h.history[id] = append([]Record(nil), records[len(records)-limit:]...)
			}
		}
	}

	h.logger.Info("Error handling configuration updated",
		zap.Int("max_retries", h.config.MaxRetries),
		zap.Duration("retry_delay", h.config.RetryDelay),
		zap.Int("history_limit", h.config.HistoryLimit),
	)
}

// Config returns the settings in use.
func (h *ErrorHandler) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config
}

// RegisterRecovery replaces the recovery strategy for a kind.
func (h *ErrorHandler) RegisterRecovery(kind Kind, fn RecoveryFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies[kind] = fn
}

// Handle records err and, while its identity is under the retry ceiling,
// dispatches the kind's recovery strategy. It reports whether recovery
// succeeded. Strategy failures and panics are logged, never propagated.
func (h *ErrorHandler) Handle(ctx context.Context, err error, fields Fields) bool {
	meshErr := Classify(err)
	if meshErr == nil {
		return true
	}
	if fields == nil {
		fields = Fields{}
	}

	id := meshErr.Identity()
	h.logError(meshErr, id, fields)

	strategy, attempt, maxRetries, ok := h.admit(id, meshErr, fields)
	if !ok {
		h.logger.Warn("Retry ceiling reached, skipping recovery",
			zap.String("identity", id.String()),
			zap.Int("max_retries", maxRetries),
		)
		return false
	}

	h.logger.Info("Attempting recovery",
		zap.String("identity", id.String()),
		zap.Int("attempt", attempt),
		zap.Int("max_retries", maxRetries),
	)

	recovered := h.runStrategy(ctx, strategy, meshErr, fields.clone())

	h.mu.Lock()
	if recovered {
		h.stats.Succeeded++
	} else {
		h.stats.Failed++
	}
	h.mu.Unlock()

	return recovered
}

// admit appends the history record and reserves a recovery attempt. It also
// returns the retry ceiling it checked against.
func (h *ErrorHandler) admit(id Identity, err *MeshError, fields Fields) (RecoveryFunc, int, int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record := Record{
		ID:        uuid.NewString(),
		Identity:  id.String(),
		Timestamp: time.Now(),
		Message:   err.Error(),
		Kind:      err.Kind.String(),
		Context:   fields.clone(),
	}
	records := append(h.history[id], record)
	if limit := h.config.HistoryLimit; limit > 0 && len(records) > limit {
		records = append([]Record(nil), records[len(records)-limit:]...)
	}
	h.history[id] = records

	h.stats.Total++
	h.stats.ByKind[err.Kind.String()]++

	maxRetries := h.config.MaxRetries
	if h.attempts[id] >= maxRetries {
		h.stats.Skipped++
		return nil, 0, maxRetries, false
	}
	h.attempts[id]++
	h.stats.Attempted++

	strategy, ok := h.strategies[err.Kind]
	if !ok {
		strategy = h.strategies[KindGeneric]
	}
	return strategy, h.attempts[id], maxRetries, true
}

func (h *ErrorHandler) runStrategy(ctx context.Context, strategy RecoveryFunc, err *MeshError, fields Fields) (recovered bool) {
	defer SafeRecover(h.logger, "recovery", func(*MeshError) {
		recovered = false
	})

	if recoveryErr := strategy(ctx, err, fields); recoveryErr != nil {
		h.logger.Error("Recovery attempt failed",
			zap.String("identity", err.Identity().String()),
			zap.Error(recoveryErr),
		)
		return false
	}
	return true
}

// History returns a copy of the records kept for id, oldest first.
func (h *ErrorHandler) History(id Identity) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.history[id]...)
}

// Recent returns up to limit records across all identities, newest first.
// A limit of 0 or less returns everything.
func (h *ErrorHandler) Recent(limit int) []Record {
	h.mu.Lock()
	var records []Record
	for _, r := range h.history {
		records = append(records, r...)
	}
	h.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// Attempts returns how many recoveries have been attempted for id.
func (h *ErrorHandler) Attempts(id Identity) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[id]
}

// Stats returns a snapshot of handler statistics.
func (h *ErrorHandler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stats
	s.ByKind = make(map[string]int64, len(h.stats.ByKind))
	for k, v := range h.stats.ByKind {
		s.ByKind[k] = v
	}
	s.Identities = len(h.history)
	return s
}

// logError writes the structured error record
func (h *ErrorHandler) logError(err *MeshError, id Identity, fields Fields) {
	h.logger.Error(err.Message,
		zap.String("kind", err.Kind.String()),
		zap.Time("timestamp", err.Timestamp),
		zap.String("node_id", err.NodeID),
		zap.String("error_code", err.Code),
		zap.String("identity", id.String()),
		zap.Any("context", fields),
		zap.NamedError("cause", err.Unwrap()),
	)
}

// Recovery strategies. Each one backs off for the configured retry delay
// before reporting success.

func (h *ErrorHandler) recoverNetwork(ctx context.Context, err *MeshError, _ Fields) error {
	h.logger.Debug("Waiting for network to settle", zap.String("node_id", err.NodeID))
	return h.backoff(ctx)
}

func (h *ErrorHandler) recoverConfiguration(ctx context.Context, err *MeshError, _ Fields) error {
	h.logger.Debug("Waiting for configuration to be corrected", zap.String("error_code", err.Code))
	return h.backoff(ctx)
}

func (h *ErrorHandler) recoverNode(ctx context.Context, err *MeshError, _ Fields) error {
	h.logger.Debug("Waiting for node to come back", zap.String("node_id", err.NodeID))
	return h.backoff(ctx)
}

func (h *ErrorHandler) recoverGeneric(ctx context.Context, _ *MeshError, _ Fields) error {
	return h.backoff(ctx)
}

func (h *ErrorHandler) backoff(ctx context.Context) error {
	delay := h.Config().RetryDelay
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
