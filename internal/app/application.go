package app

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shizukutanaka/batman/internal/api"
	"github.com/shizukutanaka/batman/internal/config"
	merrors "github.com/shizukutanaka/batman/internal/errors"
	"github.com/shizukutanaka/batman/internal/logging"
	"github.com/shizukutanaka/batman/internal/monitoring"
)

// Version is the release version reported by the CLI and the status API.
const Version = "1.0.0"

const (
	ShutdownTimeout = 30 * time.Second
	StartupTimeout  = 10 * time.Second
)

// Option customises an Application.
type Option func(*Application)

// WithProber replaces the network prober.
func WithProber(p monitoring.Prober) Option {
	return func(a *Application) {
		a.prober = p
	}
}

// Application wires the mesh monitor and its collaborators together.
type Application struct {
	logger     *zap.Logger
	configPath string

	mu     sync.Mutex
	config *config.Config

	prober   monitoring.Prober
	handler  *merrors.ErrorHandler
	exporter *monitoring.PrometheusExporter
	monitor  *monitoring.MeshMonitor
	api      *api.Server
	watcher  *config.Watcher
}

// New creates a new application instance. configPath is watched for changes
// when non-empty.
func New(logger *zap.Logger, cfg *config.Config, configPath string, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, merrors.ErrNoConfiguration
	}

	a := &Application{
		logger:     logger,
		config:     cfg,
		configPath: configPath,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.handler = merrors.NewErrorHandler(logging.WithComponent(logger, "errors"), handlerConfig(cfg))

	a.exporter = monitoring.NewPrometheusExporter(logging.WithComponent(logger, "metrics"), monitoring.ExporterConfig{
		ListenAddr:  cfg.Metrics.ListenAddr,
		MetricsPath: cfg.Metrics.Path,
	})

	if a.prober == nil {
		a.prober = monitoring.NewNetProber(logging.WithComponent(logger, "prober"), cfg.Network.Interface, cfg.Network.Port)
	}

	a.monitor = monitoring.NewMeshMonitor(logging.WithComponent(logger, "monitor"), cfg, a.prober, a.exporter, a.handler)

	a.api = api.NewServer(api.Config{
		ListenAddr:   cfg.API.ListenAddr,
		AllowOrigins: cfg.API.AllowOrigins,
		Version:      Version,
	}, logging.WithComponent(logger, "api"), a.monitor, a.handler)

	if configPath != "" {
		watcher, err := config.NewWatcher(logging.WithComponent(logger, "config"), configPath, config.NewValidator())
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		a.watcher = watcher
	}

	return a, nil
}

// Start starts the metrics endpoint, the API and the monitor. Failures are
// reported to the error handler and returned.
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting BATMAN",
		zap.String("version", Version),
		zap.String("interface", a.config.Network.Interface),
		zap.String("protocol", a.config.Mesh.Protocol),
		zap.Int("nodes", len(a.config.Mesh.Nodes)),
	)

	if a.config.Metrics.Enabled {
		if err := a.exporter.Start(); err != nil {
			return a.startFailed(ctx, "metrics", err)
		}
	}

	if a.config.API.Enabled {
		if err := a.api.Start(); err != nil {
			return a.startFailed(ctx, "api", err)
		}
	}

	if a.config.Monitoring.Enabled {
		a.monitor.Start()
	} else {
		a.logger.Info("Monitoring disabled by configuration")
	}

	if a.watcher != nil {
		if err := a.watcher.Start(a.onConfigChange); err != nil {
			return a.startFailed(ctx, "config_watcher", err)
		}
	}

	a.logger.Info("BATMAN started")
	return nil
}

func (a *Application) startFailed(ctx context.Context, component string, err error) error {
	err = fmt.Errorf("failed to start %s: %w", component, err)
	a.handler.Handle(ctx, err, merrors.Fields{"operation": "start", "component": component})
	return err
}

func handlerConfig(cfg *config.Config) merrors.Config {
	return merrors.Config{
		MaxRetries:   cfg.ErrorHandling.MaxRetries,
		RetryDelay:   cfg.ErrorHandling.RetryDelayDuration(),
		HistoryLimit: cfg.ErrorHandling.HistoryLimit,
	}
}

// onConfigChange applies a reloaded configuration. Nodes, monitoring
// settings, error handling and the probed interface take effect on the next
// cycle; listeners and logging keep their startup values.
func (a *Application) onConfigChange(cfg *config.Config) {
	a.mu.Lock()
	prev := a.config
	a.config = cfg
	a.mu.Unlock()

	a.logger.Info("Applying configuration change", zap.Int("nodes", len(cfg.Mesh.Nodes)))

	a.monitor.UpdateConfig(cfg)
	a.handler.UpdateConfig(handlerConfig(cfg))
	if np, ok := a.prober.(*monitoring.NetProber); ok {
		np.Reconfigure(cfg.Network.Interface, cfg.Network.Port)
	}

	if sections := restartRequired(prev, cfg); len(sections) > 0 {
		a.logger.Warn("Configuration change requires restart to take effect",
			zap.Strings("sections", sections),
		)
	}
}

// restartRequired lists the changed sections that are only read at startup.
func restartRequired(prev, next *config.Config) []string {
	var sections []string
	if !reflect.DeepEqual(prev.Metrics, next.Metrics) {
		sections = append(sections, "metrics")
	}
	if !reflect.DeepEqual(prev.API, next.API) {
		sections = append(sections, "api")
	}
	if prev.Logging != next.Logging {
		sections = append(sections, "logging")
	}
	if prev.Monitoring.Enabled != next.Monitoring.Enabled {
		sections = append(sections, "monitoring.enabled")
	}
	return sections
}

// Config returns the configuration last applied.
func (a *Application) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// Stop shuts every component down. The monitor wait is bounded by its own
// stop timeout.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping BATMAN")

	if a.watcher != nil {
		a.watcher.Stop()
	}

	if !a.monitor.Stop() {
		a.logger.Warn("Monitor loop still running after stop timeout")
	}

	err := multierr.Combine(
		a.api.Shutdown(ctx),
		a.exporter.Stop(ctx),
	)

	a.logger.Info("BATMAN stopped")
	return err
}

// CheckOnce runs a single probing cycle and returns the resulting health.
func (a *Application) CheckOnce(ctx context.Context) (monitoring.MeshHealthSnapshot, error) {
	if err := a.monitor.RunOnce(ctx); err != nil {
		return monitoring.MeshHealthSnapshot{}, err
	}
	return a.monitor.MeshHealth(), nil
}

// Monitor returns the mesh monitor.
func (a *Application) Monitor() *monitoring.MeshMonitor {
	return a.monitor
}

// ErrorHandler returns the shared error handler.
func (a *Application) ErrorHandler() *merrors.ErrorHandler {
	return a.handler
}

// APIAddr returns the bound API address, or an empty string when the API is
// not serving.
func (a *Application) APIAddr() string {
	if addr := a.api.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// MetricsAddr returns the bound metrics address, or an empty string.
func (a *Application) MetricsAddr() string {
	if addr := a.exporter.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}
