package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/multierr"
)

var (
	validProtocols = []string{"batman-adv", "olsr", "babel"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	ipRangePattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d{1,2}$`)
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Problems []error
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

// Validator is responsible for validating the application's configuration.
type Validator struct {
	// CheckInterface requires network.interface to exist on this host.
	CheckInterface bool

	interfaces func() ([]string, error)
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{interfaces: hostInterfaces}
}

// Validate performs a full validation of the provided Config struct and
// reports all problems at once.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Problems: []error{errors.New("configuration not loaded")}}
	}

	err := multierr.Combine(
		v.validateNetwork(&cfg.Network),
		v.validateMesh(&cfg.Mesh),
		v.validateMonitoring(&cfg.Monitoring),
		v.validateErrorHandling(&cfg.ErrorHandling),
		v.validateMetrics(&cfg.Metrics),
		v.validateAPI(&cfg.API),
		v.validateLogging(cfg),
	)
	if err != nil {
		return &ValidationError{Problems: multierr.Errors(err)}
	}
	return nil
}

func (v *Validator) validateNetwork(cfg *NetworkConfig) error {
	var err error
	if cfg.Interface == "" {
		err = multierr.Append(err, errors.New("network.interface is required"))
	} else if v.CheckInterface {
		err = multierr.Append(err, v.checkInterface(cfg.Interface))
	}
	if !ipRangePattern.MatchString(cfg.IPRange) {
		err = multierr.Append(err, fmt.Errorf("network.ip_range %q must look like A.B.C.D/N", cfg.IPRange))
	} else if _, _, parseErr := net.ParseCIDR(cfg.IPRange); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("network.ip_range: %w", parseErr))
	}
	if cfg.Port < 1024 || cfg.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("network.port %d must be between 1024 and 65535", cfg.Port))
	}
	return err
}

func (v *Validator) checkInterface(name string) error {
	names, err := v.interfaces()
	if err != nil {
		return fmt.Errorf("network.interface: cannot list host interfaces: %w", err)
	}
	if !contains(names, name) {
		return fmt.Errorf("network.interface %q does not exist on this host", name)
	}
	return nil
}

func (v *Validator) validateMesh(cfg *MeshConfig) error {
	var err error
	if !contains(validProtocols, cfg.Protocol) {
		err = multierr.Append(err, fmt.Errorf("mesh.protocol %q must be one of %s", cfg.Protocol, strings.Join(validProtocols, ", ")))
	}
	if len(cfg.Nodes) < 2 {
		err = multierr.Append(err, errors.New("mesh network must have at least 2 nodes"))
	}

	ids := make(map[string]bool, len(cfg.Nodes))
	ips := make(map[string]bool, len(cfg.Nodes))
	for i, node := range cfg.Nodes {
		switch {
		case node.ID == "":
			err = multierr.Append(err, fmt.Errorf("mesh.nodes[%d].id is required", i))
		case ids[node.ID]:
			err = multierr.Append(err, fmt.Errorf("mesh.nodes[%d].id %q is duplicated", i, node.ID))
		}
		ids[node.ID] = true

		ip := net.ParseIP(node.IP)
		switch {
		case ip == nil || ip.To4() == nil:
			err = multierr.Append(err, fmt.Errorf("mesh.nodes[%d].ip %q is not an IPv4 address", i, node.IP))
		case ips[node.IP]:
			err = multierr.Append(err, fmt.Errorf("mesh.nodes[%d].ip %q is duplicated", i, node.IP))
		}
		ips[node.IP] = true
	}
	return err
}

func (v *Validator) validateMonitoring(cfg *MonitoringConfig) error {
	var err error
	if cfg.Interval < 1 {
		err = multierr.Append(err, fmt.Errorf("monitoring.interval %d must be at least 1", cfg.Interval))
	}
	if cfg.ProbeTimeout <= 0 {
		err = multierr.Append(err, errors.New("monitoring.probe_timeout must be positive"))
	}
	if cfg.LatencyThreshold <= 0 {
		err = multierr.Append(err, errors.New("monitoring.latency_threshold must be positive"))
	}
	for i, name := range cfg.Metrics {
		if strings.TrimSpace(name) == "" {
			err = multierr.Append(err, fmt.Errorf("monitoring.metrics[%d] is empty", i))
		}
	}
	return err
}

func (v *Validator) validateErrorHandling(cfg *ErrorHandlingConfig) error {
	var err error
	if cfg.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("error_handling.max_retries cannot be negative"))
	}
	if cfg.RetryDelay < 0 {
		err = multierr.Append(err, errors.New("error_handling.retry_delay cannot be negative"))
	}
	if cfg.HistoryLimit < 0 {
		err = multierr.Append(err, errors.New("error_handling.history_limit cannot be negative"))
	}
	return err
}

func (v *Validator) validateMetrics(cfg *MetricsConfig) error {
	if !cfg.Enabled {
		return nil
	}
	var err error
	if addrErr := validateListenAddress(cfg.ListenAddr); addrErr != nil {
		err = multierr.Append(err, fmt.Errorf("metrics.listen_addr: %w", addrErr))
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		err = multierr.Append(err, fmt.Errorf("metrics.path %q must start with /", cfg.Path))
	}
	return err
}

func (v *Validator) validateAPI(cfg *APIConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("api.listen_addr: %w", err)
	}
	return nil
}

func (v *Validator) validateLogging(cfg *Config) error {
	var err error
	if !contains(validLogLevels, cfg.Logging.Level) {
		err = multierr.Append(err, fmt.Errorf("logging.level %q is invalid", cfg.Logging.Level))
	}
	if cfg.Logging.Encoding != "json" && cfg.Logging.Encoding != "console" {
		err = multierr.Append(err, fmt.Errorf("logging.encoding %q must be json or console", cfg.Logging.Encoding))
	}
	return err
}

// validateListenAddress checks if a string is a valid network listen address.
func validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address format: %s", addr)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port: %s", addr)
	}
	return nil
}

func hostInterfaces() ([]string, error) {
	stats, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(stats))
	for _, s := range stats {
		names = append(names, s.Name)
	}
	return names, nil
}

// contains is a helper function to check for string presence in a slice.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
