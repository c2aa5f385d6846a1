package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shizukutanaka/batman/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config is the BATMAN component configuration.
type Config struct {
	Network       NetworkConfig       `yaml:"network"`
	Mesh          MeshConfig          `yaml:"mesh"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	ErrorHandling ErrorHandlingConfig `yaml:"error_handling"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	API           APIConfig           `yaml:"api"`
	Logging       logging.Config      `yaml:"logging"`
}

// NetworkConfig describes the local mesh interface.
type NetworkConfig struct {
	Interface string `yaml:"interface"`
	IPRange   string `yaml:"ip_range"`
	Port      int    `yaml:"port"`
}

// Node is a configured mesh peer.
type Node struct {
	ID string `yaml:"id" json:"id"`
	IP string `yaml:"ip" json:"ip"`
}

// MeshConfig lists the monitored peers and the routing protocol.
type MeshConfig struct {
	Nodes    []Node `yaml:"nodes"`
	Protocol string `yaml:"protocol"`
}

// MonitoringConfig controls the polling loop. Durations are in seconds.
type MonitoringConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Interval         int      `yaml:"interval"`
	Metrics          []string `yaml:"metrics,omitempty"`
	ProbeTimeout     float64  `yaml:"probe_timeout"`
	Parallel         bool     `yaml:"parallel"`
	LatencyThreshold float64  `yaml:"latency_threshold"`
}

// IntervalDuration returns the sleep between cycles.
func (m MonitoringConfig) IntervalDuration() time.Duration {
	return time.Duration(m.Interval) * time.Second
}

// ProbeTimeoutDuration returns the per-probe bound.
func (m MonitoringConfig) ProbeTimeoutDuration() time.Duration {
	return seconds(m.ProbeTimeout)
}

// LatencyThresholdDuration returns the liveness threshold; a node is up only
// when its latency is strictly below it.
func (m MonitoringConfig) LatencyThresholdDuration() time.Duration {
	return seconds(m.LatencyThreshold)
}

// ErrorHandlingConfig controls recovery budgeting.
type ErrorHandlingConfig struct {
	MaxRetries   int     `yaml:"max_retries"`
	RetryDelay   float64 `yaml:"retry_delay"`
	HistoryLimit int     `yaml:"history_limit"`
}

// RetryDelayDuration returns the recovery backoff.
func (e ErrorHandlingConfig) RetryDelayDuration() time.Duration {
	return seconds(e.RetryDelay)
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// APIConfig controls the status API.
type APIConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ListenAddr   string   `yaml:"listen_addr"`
	AllowOrigins []string `yaml:"allow_origins,omitempty"`
}

// Default returns a configuration with every optional field defaulted.
// Sections required by the schema are left empty.
func Default() *Config {
	return &Config{
		Mesh: MeshConfig{
			Protocol: "batman-adv",
		},
		Monitoring: MonitoringConfig{
			ProbeTimeout:     3,
			LatencyThreshold: 1.0,
		},
		ErrorHandling: ErrorHandlingConfig{
			MaxRetries:   3,
			RetryDelay:   5,
			HistoryLimit: 100,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9100",
			Path:       "/metrics",
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: ":8081",
		},
		Logging: logging.DefaultConfig(),
	}
}

// requiredKeys mirrors the required properties of the configuration schema.
var requiredKeys = map[string][]string{
	"network":    {"interface", "ip_range", "port"},
	"mesh":       {"nodes", "protocol"},
	"monitoring": {"enabled", "interval"},
}

// Load reads the YAML configuration at path and applies defaults and
// environment overrides. It does not run the Validator.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a defaulted Config.
func Parse(data []byte) (*Config, error) {
	var raw map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if problems := missingKeys(raw); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := NewEnvLoader(EnvPrefix).Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAndValidate loads the configuration and runs the full Validator.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func missingKeys(raw map[string]map[string]interface{}) []error {
	var problems []error
	for _, section := range []string{"network", "mesh", "monitoring"} {
		values, ok := raw[section]
		if !ok {
			problems = append(problems, fmt.Errorf("%s: section is required", section))
			continue
		}
		for _, key := range requiredKeys[section] {
			if _, ok := values[key]; !ok {
				problems = append(problems, fmt.Errorf("%s.%s: is required", section, key))
			}
		}
	}
	return problems
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
