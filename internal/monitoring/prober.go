package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	merrors "github.com/shizukutanaka/batman/internal/errors"
)

// WithTimeout bounds every Measure call of p by d. A probe that does not
// return in time fails with a network error coded PROBE_TIMEOUT. The
// underlying call is left to finish in the background and its result is
// discarded, so p must honor ctx cancellation. Until an abandoned call
// returns, further probes of the same address through the returned Prober
// fail immediately with PROBE_TIMEOUT instead of piling up. A panicking
// prober fails the probe with code PANIC.
func WithTimeout(p Prober, d time.Duration) Prober {
	if d <= 0 {
		return p
	}
	return newTimeoutProber(p, d, newInflight())
}

func newTimeoutProber(p Prober, d time.Duration, calls *inflight) *timeoutProber {
	return &timeoutProber{prober: p, timeout: d, calls: calls}
}

// inflight tracks addresses whose Measure call has not returned yet.
type inflight struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{busy: make(map[string]struct{})}
}

func (f *inflight) acquire(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.busy[address]; ok {
		return false
	}
	f.busy[address] = struct{}{}
	return true
}

func (f *inflight) release(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.busy, address)
}

type timeoutProber struct {
	prober  Prober
	timeout time.Duration // 0 waits for the call or ctx
	calls   *inflight
}

type probeResult struct {
	m   Measurement
	err error
}

func (t *timeoutProber) Measure(ctx context.Context, address string) (Measurement, error) {
	if !t.calls.acquire(address) {
		return Measurement{}, merrors.NewNetworkError(
			fmt.Sprintf("previous probe of %s still running", address), "", merrors.CodeProbeTimeout,
		).WithCause(merrors.ErrProbeTimeout)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resultCh := make(chan probeResult, 1)
	go func() {
		r := t.measure(ctx, address)
		t.calls.release(address)
		resultCh <- r
	}()

	select {
	case r := <-resultCh:
		return r.m, r.err
	case <-ctx.Done():
		return Measurement{}, merrors.NewNetworkError(
			fmt.Sprintf("probe of %s exceeded %s", address, t.timeout), "", merrors.CodeProbeTimeout,
		).WithCause(merrors.ErrProbeTimeout)
	}
}

func (t *timeoutProber) measure(ctx context.Context, address string) (r probeResult) {
	defer func() {
		if p := recover(); p != nil {
			r = probeResult{err: merrors.New(merrors.KindGeneric,
				fmt.Sprintf("probe of %s panicked: %v", address, p), "", merrors.CodePanic)}
		}
	}()
	m, err := t.prober.Measure(ctx, address)
	return probeResult{m: m, err: err}
}
