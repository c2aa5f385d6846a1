package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	merrors "github.com/shizukutanaka/batman/internal/errors"
)

var (
	pingLossRe = regexp.MustCompile(`([0-9.]+)% packet loss`)
	pingRttRe  = regexp.MustCompile(`= [0-9.]+/([0-9.]+)/`)
)

const wirelessStatsPath = "/proc/net/wireless"

// NetProber measures nodes with the system ping, falling back to a TCP
// connect when ping is unavailable. Bandwidth is the byte rate of the mesh
// interface since the previous probe; signal strength comes from the kernel
// wireless statistics when the interface is a radio.
type NetProber struct {
	logger    *zap.Logger
	iface     string
	port      int
	pingCount int
	pingCmd   string

	wirelessPath string
	counters     func(ctx context.Context) ([]psnet.IOCountersStat, error)

	// mu guards iface, port and the counter sample.
	mu       sync.Mutex
	lastRead time.Time
	lastIO   uint64
}

// NewNetProber creates a prober bound to the mesh interface iface. port is
// used for the TCP fallback.
func NewNetProber(logger *zap.Logger, iface string, port int) *NetProber {
	return &NetProber{
		logger:       logger,
		iface:        iface,
		port:         port,
		pingCount:    3,
		pingCmd:      "ping",
		wirelessPath: wirelessStatsPath,
		counters: func(ctx context.Context) ([]psnet.IOCountersStat, error) {
			return psnet.IOCountersWithContext(ctx, true)
		},
	}
}

// Reconfigure switches the mesh interface and fallback port. Changing the
// interface resets the bandwidth sample.
func (p *NetProber) Reconfigure(iface string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if iface != p.iface {
		p.lastRead = time.Time{}
		p.lastIO = 0
		p.logger.Info("Mesh interface changed", zap.String("from", p.iface), zap.String("to", iface))
	}
	p.iface = iface
	p.port = port
}

func (p *NetProber) target() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iface, p.port
}

// Measure implements Prober.
func (p *NetProber) Measure(ctx context.Context, address string) (Measurement, error) {
	latency, loss, err := p.ping(ctx, address)
	if err != nil {
		return Measurement{}, err
	}

	return Measurement{
		Latency:        latency,
		Bandwidth:      p.bandwidth(ctx),
		PacketLoss:     loss,
		SignalStrength: p.signal(),
	}, nil
}

// ping falls back to dial when ping is missing, or when it fails without
// printing statistics (typically no permission for raw sockets).
func (p *NetProber) ping(ctx context.Context, address string) (time.Duration, float64, error) {
	cmd := exec.CommandContext(ctx, p.pingCmd, "-c", strconv.Itoa(p.pingCount), "-W", "1", address)
	out, err := cmd.CombinedOutput()
	if errors.Is(err, exec.ErrNotFound) {
		return p.dial(ctx, address)
	}

	output := string(out)
	loss, lossOK := parsePingLoss(output)
	if !lossOK {
		if err != nil && ctx.Err() == nil {
			p.logger.Debug("Ping unusable, falling back to TCP connect",
				zap.String("address", address),
				zap.Error(err),
				zap.String("output", strings.TrimSpace(output)),
			)
			return p.dial(ctx, address)
		}
		if err == nil {
			err = errors.New("unrecognised ping output")
		}
		return 0, 0, merrors.NewNetworkError("ping failed", "", merrors.CodeProbeFailed).WithCause(err)
	}
	if loss >= 1 {
		return 0, loss, merrors.NewNetworkError(fmt.Sprintf("%s unreachable", address), "", merrors.CodeUnreachable)
	}

	latency, _ := parsePingLatency(output)
	return latency, loss, nil
}

// dial makes pingCount TCP connects. Loss is the failed share, latency the
// mean of the successful connects.
func (p *NetProber) dial(ctx context.Context, address string) (time.Duration, float64, error) {
	_, port := p.target()
	target := net.JoinHostPort(address, strconv.Itoa(port))
	d := net.Dialer{Timeout: time.Second}

	var total time.Duration
	var lastErr error
	ok := 0
	for i := 0; i < p.pingCount; i++ {
		start := time.Now()
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		total += time.Since(start)
		ok++
		_ = conn.Close()
	}

	if ok == 0 {
		return 0, 1, merrors.NewNetworkError(fmt.Sprintf("%s unreachable", address), "", merrors.CodeUnreachable).WithCause(lastErr)
	}
	loss := float64(p.pingCount-ok) / float64(p.pingCount)
	return total / time.Duration(ok), loss, nil
}

func (p *NetProber) bandwidth(ctx context.Context) float64 {
	stats, err := p.counters(ctx)
	if err != nil {
		p.logger.Debug("Failed to read interface counters", zap.Error(err))
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var total uint64
	found := false
	for _, s := range stats {
		if s.Name == p.iface {
			total = s.BytesRecv + s.BytesSent
			found = true
			break
		}
	}
	if !found {
		return 0
	}

	now := time.Now()
	var rate float64
	if !p.lastRead.IsZero() && total >= p.lastIO {
		if elapsed := now.Sub(p.lastRead).Seconds(); elapsed > 0 {
			rate = float64(total-p.lastIO) / elapsed
		}
	}
	p.lastRead = now
	p.lastIO = total
	return rate
}

func (p *NetProber) signal() float64 {
	data, err := os.ReadFile(p.wirelessPath)
	if err != nil {
		return 0
	}
	iface, _ := p.target()
	level, ok := parseWirelessLevel(string(data), iface)
	if !ok {
		return 0
	}
	return level
}

func parsePingLoss(s string) (float64, bool) {
	m := pingLossRe.FindStringSubmatch(s)
	if len(m) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v / 100, true
}

func parsePingLatency(s string) (time.Duration, bool) {
	m := pingRttRe.FindStringSubmatch(s)
	if len(m) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// parseWirelessLevel extracts the signal level in dBm for iface from the
// contents of /proc/net/wireless.
func parseWirelessLevel(data, iface string) (float64, bool) {
	for _, line := range strings.Split(data, "\n") {
		name, rest, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || name != iface {
			continue
		}
		// status link level noise ...
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, false
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, false
		}
		return level, true
	}
	return 0, false
}
