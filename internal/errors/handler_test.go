package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler_RetryCeiling(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 3, RetryDelay: time.Millisecond})

	calls := 0
	h.RegisterRecovery(KindNetwork, func(ctx context.Context, err *MeshError, fields Fields) error {
		calls++
		return nil
	})

	var results []bool
	for i := 0; i < 5; i++ {
		err := NewNetworkError("link down", "n1", "LINK_DOWN")
		results = append(results, h.Handle(context.Background(), err, Fields{"operation": "node_metrics"}))
	}

	assert.Equal(t, []bool{true, true, true, false, false}, results)
	assert.Equal(t, 3, calls)

	id := Identity{Kind: KindNetwork, NodeID: "n1", Code: "LINK_DOWN"}
	assert.Equal(t, 3, h.Attempts(id))
	assert.Len(t, h.History(id), 5)

	stats := h.Stats()
	assert.EqualValues(t, 5, stats.Total)
	assert.EqualValues(t, 3, stats.Attempted)
	assert.EqualValues(t, 3, stats.Succeeded)
	assert.EqualValues(t, 2, stats.Skipped)
	assert.EqualValues(t, 5, stats.ByKind["network"])
	assert.Equal(t, 1, stats.Identities)
}

func TestErrorHandler_NoDelayOnceCeilingReached(t *testing.T) {
	delay := 100 * time.Millisecond
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 3, RetryDelay: delay})

	newErr := func() error { return NewNodeError("no route", "n2", CodeUnreachable) }

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.True(t, h.Handle(context.Background(), newErr(), nil))
	}
	assert.GreaterOrEqual(t, time.Since(start), 3*delay)

	start = time.Now()
	assert.False(t, h.Handle(context.Background(), newErr(), nil))
	assert.Less(t, time.Since(start), delay/2)
}

func TestErrorHandler_IdentityIgnoresTimestamp(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 1})

	first := NewNetworkError("timeout", "n1", CodeProbeTimeout)
	first.Timestamp = time.Now().Add(-time.Hour)
	second := NewNetworkError("timeout", "n1", CodeProbeTimeout)

	assert.Equal(t, first.Identity(), second.Identity())
	assert.True(t, h.Handle(context.Background(), first, nil))
	assert.False(t, h.Handle(context.Background(), second, nil))
}

func TestErrorHandler_SeparateBudgetsPerCondition(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 1})

	assert.True(t, h.Handle(context.Background(), NewNodeError("down", "n1", CodeUnreachable), nil))
	assert.False(t, h.Handle(context.Background(), NewNodeError("down", "n1", CodeUnreachable), nil))

	assert.True(t, h.Handle(context.Background(), NewNodeError("down", "n2", CodeUnreachable), nil))
	assert.True(t, h.Handle(context.Background(), NewNodeError("down", "n1", CodeProbeTimeout), nil))
	assert.True(t, h.Handle(context.Background(), NewNetworkError("down", "n1", CodeUnreachable), nil))
}

func TestErrorHandler_DispatchByKind(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 10})

	var mu sync.Mutex
	seen := map[Kind]int{}
	for _, kind := range []Kind{KindNetwork, KindConfiguration, KindNode, KindGeneric} {
		kind := kind
		h.RegisterRecovery(kind, func(ctx context.Context, err *MeshError, fields Fields) error {
			mu.Lock()
			defer mu.Unlock()
			seen[kind]++
			return nil
		})
	}

	ctx := context.Background()
	h.Handle(ctx, NewNetworkError("a", "", ""), nil)
	h.Handle(ctx, NewConfigurationError("b", CodeConfigInvalid), nil)
	h.Handle(ctx, NewNodeError("c", "n1", ""), nil)
	h.Handle(ctx, stderrors.New("something else"), nil)

	assert.Equal(t, map[Kind]int{KindNetwork: 1, KindConfiguration: 1, KindNode: 1, KindGeneric: 1}, seen)
}

func TestErrorHandler_FailingStrategy(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 3})

	h.RegisterRecovery(KindNode, func(ctx context.Context, err *MeshError, fields Fields) error {
		return stderrors.New("restart failed")
	})
	h.RegisterRecovery(KindNetwork, func(ctx context.Context, err *MeshError, fields Fields) error {
		panic("boom")
	})

	assert.False(t, h.Handle(context.Background(), NewNodeError("down", "n1", ""), nil))
	assert.False(t, h.Handle(context.Background(), NewNetworkError("down", "n1", ""), nil))

	stats := h.Stats()
	assert.EqualValues(t, 2, stats.Failed)
	assert.EqualValues(t, 0, stats.Succeeded)
}

func TestErrorHandler_CancelledContextAbortsBackoff(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 3, RetryDelay: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	assert.False(t, h.Handle(ctx, NewNetworkError("down", "n1", ""), nil))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestErrorHandler_HistoryRetention(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 0, HistoryLimit: 2})

	for i := 0; i < 5; i++ {
		h.Handle(context.Background(), NewNodeError(fmt.Sprintf("failure %d", i), "n1", "X"), Fields{"i": fmt.Sprint(i)})
	}

	history := h.History(Identity{Kind: KindNode, NodeID: "n1", Code: "X"})
	require.Len(t, history, 2)
	assert.Equal(t, "3", history[0].Context["i"])
	assert.Equal(t, "4", history[1].Context["i"])
	assert.Equal(t, "node", history[1].Kind)
	assert.NotEmpty(t, history[1].ID)
}

func TestErrorHandler_ContextIsCopied(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 0})

	fields := Fields{"operation": "node_metrics"}
	h.Handle(context.Background(), NewNodeError("down", "n1", ""), fields)
	fields["operation"] = "mutated"

	history := h.History(Identity{Kind: KindNode, NodeID: "n1"})
	require.Len(t, history, 1)
	assert.Equal(t, "node_metrics", history[0].Context["operation"])
}

func TestErrorHandler_NilError(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), DefaultConfig())
	assert.True(t, h.Handle(context.Background(), nil, nil))
	assert.EqualValues(t, 0, h.Stats().Total)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code string
	}{
		{"mesh error", NewNodeError("x", "n1", "C"), KindNode, "C"},
		{"wrapped mesh error", fmt.Errorf("probe: %w", NewNetworkError("x", "n1", "C")), KindNetwork, "C"},
		{"deadline", context.DeadlineExceeded, KindNetwork, CodeProbeTimeout},
		{"probe timeout", fmt.Errorf("n1: %w", ErrProbeTimeout), KindNetwork, CodeProbeTimeout},
		{"no configuration", ErrNoConfiguration, KindConfiguration, CodeConfigMissing},
		{"plain", stderrors.New("boom"), KindGeneric, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.code, got.Code)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestClassify_KeepsCause(t *testing.T) {
	cause := stderrors.New("boom")

	got := Classify(fmt.Errorf("dial: %w", cause))
	assert.True(t, stderrors.Is(got, cause))
	assert.Equal(t, "unclassified error: dial: boom", got.Error())

	var target *customError
	wrapped := Classify(&customError{"disk"})
	require.True(t, stderrors.As(wrapped, &target))
	assert.Equal(t, "disk", target.what)
}

type customError struct{ what string }

func (e *customError) Error() string { return e.what + " failed" }

func TestMeshError_ForNode(t *testing.T) {
	base := NewNetworkError("timeout", "", CodeProbeTimeout).WithCause(ErrProbeTimeout)

	attributed := base.ForNode("n2")
	assert.Equal(t, "n2", attributed.NodeID)
	assert.Empty(t, base.NodeID)
	assert.True(t, stderrors.Is(attributed, ErrProbeTimeout))
	assert.Same(t, attributed, attributed.ForNode("n3"))

	assert.Equal(t, "network/n2/PROBE_TIMEOUT", attributed.Identity().String())
	assert.Equal(t, "generic/-/-", Identity{}.String())
}

func TestErrorHandler_Recent(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 0})

	h.Handle(context.Background(), NewNodeError("first", "n1", "A"), nil)
	time.Sleep(time.Millisecond)
	h.Handle(context.Background(), NewNetworkError("second", "n2", "B"), nil)

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "network", recent[0].Kind)
	assert.Equal(t, "node", recent[1].Kind)

	assert.Len(t, h.Recent(1), 1)
}

func TestErrorHandler_LogsStructuredRecord(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewErrorHandler(zap.New(core), Config{MaxRetries: 0})

	err := NewNodeError("no route to host", "n2", CodeProbeFailed).WithCause(stderrors.New("connect refused"))
	before := time.Now()
	h.Handle(context.Background(), err, Fields{"operation": "node_metrics", "node_id": "n2"})

	entries := logs.FilterMessage("no route to host").All()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)

	fields := entry.ContextMap()
	assert.Equal(t, "node", fields["kind"])
	assert.Equal(t, "n2", fields["node_id"])
	assert.Equal(t, CodeProbeFailed, fields["error_code"])
	assert.Equal(t, "node/n2/PROBE_FAILED", fields["identity"])
	assert.Equal(t, Fields{"operation": "node_metrics", "node_id": "n2"}, fields["context"])
	assert.Equal(t, "connect refused", fields["cause"])

	ts, ok := fields["timestamp"].(time.Time)
	require.True(t, ok)
	assert.False(t, ts.Before(before.Add(-time.Second)))

	assert.Equal(t, 1, logs.FilterMessage("Retry ceiling reached, skipping recovery").Len())
}

func TestErrorHandler_UpdateConfig(t *testing.T) {
	h := NewErrorHandler(zaptest.NewLogger(t), Config{MaxRetries: 1, HistoryLimit: 10})
	h.RegisterRecovery(KindNode, func(context.Context, *MeshError, Fields) error { return nil })

	id := Identity{Kind: KindNode, NodeID: "n1", Code: CodeProbeFailed}
	handle := func() bool {
		return h.Handle(context.Background(), NewNodeError("down", "n1", CodeProbeFailed), nil)
	}

	assert.True(t, handle())
	assert.False(t, handle())
	for i := 0; i < 4; i++ {
		handle()
	}
	assert.Len(t, h.History(id), 6)

	h.UpdateConfig(Config{MaxRetries: 2, HistoryLimit: 3, RetryDelay: -1})
	assert.Equal(t, 2, h.Config().MaxRetries)
	assert.Equal(t, DefaultConfig().RetryDelay, h.Config().RetryDelay)
	assert.Len(t, h.History(id), 3)

	assert.True(t, handle())
	assert.False(t, handle())
	assert.Equal(t, 2, h.Attempts(id))
	assert.Len(t, h.History(id), 3)
}
