package config

import (
	"FlowDAQ/internal/model"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AcquisitionConfig describes the run fd-acquire performs.
type AcquisitionConfig struct {
	FileName        string          `yaml:"file_name"`
	DurationSeconds float64         `yaml:"duration_seconds"`
	SampleRateHz    float64         `yaml:"sample_rate_hz"`
	Channels        []model.Channel `yaml:"channels"`
	ModelVersion    string          `yaml:"model_version"`
	FinalizeTimeout string          `yaml:"finalize_timeout"`
	// Seed fixes the synthetic generator; 0 seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// InferenceConfig holds the settings of the streaming prediction client.
type InferenceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	Hop              int    `yaml:"hop"`
	ReconnectDelay   string `yaml:"reconnect_delay"`
	HandshakeTimeout string `yaml:"handshake_timeout"`
	// WriteTimeout bounds every frame write; a peer that stops reading drops the connection.
	WriteTimeout string `yaml:"write_timeout"`
	// SendQueue is the number of sample batches buffered per connection before new ones are dropped.
	SendQueue int `yaml:"send_queue"`
}

// RegistryConfig selects where runs are registered. URL points at a remote fd-registry; when
// it is empty and Path is set, a local SQLite database is used.
type RegistryConfig struct {
	URL     string `yaml:"url"`
	Path    string `yaml:"path"`
	Timeout string `yaml:"timeout"`
	// HealthAddr is the gRPC address of the remote registry's health service.
	HealthAddr string `yaml:"health_addr"`
}

// ExportConfig controls the file export writer.
type ExportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// ClickHouseConfig holds the connection details for the ClickHouse archive.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// NATSConfig configures the live stream publisher.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SMTPConfig holds the settings for the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// ReportConfig controls the end-of-run report.
type ReportConfig struct {
	Enabled bool `yaml:"enabled"`
	// AIAnalysis asks the configured model to comment on the run.
	AIAnalysis bool `yaml:"ai_analysis"`
}

// AIConfig holds the settings for the AI analyzer.
type AIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// APIConfig holds the listen addresses of fd-registry.
type APIConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	GRPCListenAddr string `yaml:"grpc_listen_addr"`
}

// MetricsConfig controls the Prometheus endpoint of fd-acquire.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Inference   InferenceConfig   `yaml:"inference"`
	Registry    RegistryConfig    `yaml:"registry"`
	Export      ExportConfig      `yaml:"export"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	NATS        NATSConfig        `yaml:"nats"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	Report      ReportConfig      `yaml:"report"`
	AI          AIConfig          `yaml:"ai"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults and validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate fills in defaults and checks value ranges.
func (c *Config) Validate() error {
	a := &c.Acquisition
	if a.FileName == "" {
		a.FileName = "measurement"
	}
	if a.DurationSeconds <= 0 {
		return fmt.Errorf("acquisition.duration_seconds must be positive")
	}
	if a.SampleRateHz <= 0 {
		return fmt.Errorf("acquisition.sample_rate_hz must be positive")
	}
	if len(a.Channels) == 0 {
		for i := 1; i <= 5; i++ {
			a.Channels = append(a.Channels, model.Channel{ID: fmt.Sprintf("sensor%d", i), Active: true})
		}
	}
	seen := make(map[string]bool, len(a.Channels))
	for _, ch := range a.Channels {
		if ch.ID == "" {
			return fmt.Errorf("acquisition.channels: channel id must not be empty")
		}
		if seen[ch.ID] {
			return fmt.Errorf("acquisition.channels: duplicate channel %q", ch.ID)
		}
		seen[ch.ID] = true
	}
	if len(model.ActiveChannelIDs(a.Channels)) == 0 {
		return fmt.Errorf("acquisition.channels: at least one channel must be active")
	}
	if err := defaultDuration(&a.FinalizeTimeout, "30s", "acquisition.finalize_timeout"); err != nil {
		return err
	}

	in := &c.Inference
	if in.URL == "" {
		in.URL = "ws://127.0.0.1:8765/ws"
	}
	if in.Hop <= 0 {
		in.Hop = 30
	}
	if err := defaultDuration(&in.ReconnectDelay, "3s", "inference.reconnect_delay"); err != nil {
		return err
	}
	if err := defaultDuration(&in.HandshakeTimeout, "10s", "inference.handshake_timeout"); err != nil {
		return err
	}
	if err := defaultDuration(&in.WriteTimeout, "5s", "inference.write_timeout"); err != nil {
		return err
	}
	if in.SendQueue <= 0 {
		in.SendQueue = 256
	}

	if err := defaultDuration(&c.Registry.Timeout, "10s", "registry.timeout"); err != nil {
		return err
	}

	if c.Export.Enabled && c.Export.Directory == "" {
		c.Export.Directory = "exports"
	}

	if c.ClickHouse.Enabled {
		if c.ClickHouse.Host == "" {
			return fmt.Errorf("clickhouse.host is required when clickhouse is enabled")
		}
		if c.ClickHouse.Port == 0 {
			c.ClickHouse.Port = 9000
		}
		if c.ClickHouse.Database == "" {
			c.ClickHouse.Database = "default"
		}
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "flowdaq"
	}

	if c.Report.Enabled && c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required when report is enabled")
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if err := defaultDuration(&c.AI.Timeout, "60s", "ai.timeout"); err != nil {
		return err
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.GRPCListenAddr == "" {
		c.API.GRPCListenAddr = ":9090"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":2112"
	}
	return nil
}

func defaultDuration(value *string, def, field string) error {
	if *value == "" {
		*value = def
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be a positive duration", field)
	}
	return nil
}

// mustDuration parses a duration that Validate has already checked.
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// FinalizeTimeoutDuration returns the parsed finalize timeout.
func (a AcquisitionConfig) FinalizeTimeoutDuration() time.Duration {
	return mustDuration(a.FinalizeTimeout)
}

// ReconnectDelayDuration returns the parsed reconnect delay.
func (c InferenceConfig) ReconnectDelayDuration() time.Duration {
	return mustDuration(c.ReconnectDelay)
}

// HandshakeTimeoutDuration returns the parsed WebSocket handshake timeout.
func (c InferenceConfig) HandshakeTimeoutDuration() time.Duration {
	return mustDuration(c.HandshakeTimeout)
}

// WriteTimeoutDuration returns the parsed per-frame write timeout.
func (c InferenceConfig) WriteTimeoutDuration() time.Duration {
	return mustDuration(c.WriteTimeout)
}

// TimeoutDuration returns the parsed registry request timeout.
func (c RegistryConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout)
}

// TimeoutDuration returns the parsed AI request timeout.
func (c AIConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout)
}
