// Package config loads the agentd configuration file. Values absent from
// the file keep their defaults, ${VAR} references anywhere in the file are
// expanded from the environment before parsing, and durations are written
// in Go syntax ("250ms", "1h30m") or as integer nanoseconds.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentcore/agentcore/pkg/admission"
	"github.com/agentcore/agentcore/pkg/logutil"
	"github.com/agentcore/agentcore/pkg/provider/openai"
	"github.com/agentcore/agentcore/pkg/retry"
	"github.com/agentcore/agentcore/pkg/services/archive"
	"github.com/agentcore/agentcore/pkg/services/runtime"
)

const (
	DefaultHTTPAddr = "127.0.0.1:7580"
	DefaultDataDir  = "./agentcore-data"
)

// Config is the full agentd configuration surface, in the shapes the
// components consume. The YAML schema is the file* mirror below; Load
// translates between the two.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Provider  openai.Config
	Admission admission.Limits
	Retry     retry.Config
	Breaker   retry.BreakerSettings
	Runtime   runtime.Config
	Archive   archive.Config
	Logging   LoggingConfig
}

type ServerConfig struct {
	HTTPAddr string
	// CORSOrigins pins the browser origins allowed to call the API.
	// Empty allows any origin, without credentials.
	CORSOrigins []string
}

type StorageConfig struct {
	// Path is the pebble database directory. Empty keeps everything in
	// memory; nothing survives a restart.
	Path string
}

type LoggingConfig struct {
	Level string
}

// Default is what agentd runs with when no file is given.
func Default() Config {
	return Config{
		Server:  ServerConfig{HTTPAddr: DefaultHTTPAddr},
		Storage: StorageConfig{Path: DefaultDataDir},
		Retry:   retry.Config{MaxRetries: retry.DefaultMaxRetries},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Duration is a time.Duration that decodes from YAML duration strings or
// integer nanoseconds. yaml.v3 has no native duration support.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: %q is not a duration", node.Line, node.Value)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// The file* types are the YAML schema. They exist so duration fields can
// carry the Duration scalar while the components keep plain time.Duration,
// and so "absent" stays distinguishable from an explicit zero value where
// that matters (server address, storage path, retry budget).
type fileConfig struct {
	Server    fileServer    `yaml:"server"`
	Storage   fileStorage   `yaml:"storage"`
	Provider  fileProvider  `yaml:"provider"`
	Admission fileAdmission `yaml:"admission"`
	Retry     fileRetry     `yaml:"retry"`
	Breaker   fileBreaker   `yaml:"breaker"`
	Runtime   fileRuntime   `yaml:"runtime"`
	Archive   fileArchive   `yaml:"archive"`
	Logging   fileLogging   `yaml:"logging"`
}

type fileServer struct {
	HTTPAddr    *string  `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type fileStorage struct {
	Path *string `yaml:"path"`
}

type fileProvider struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

type fileAdmission struct {
	RequestsPerMinute int64    `yaml:"requests_per_minute"`
	RequestsPerHour   int64    `yaml:"requests_per_hour"`
	TokensPerMinute   int64    `yaml:"tokens_per_minute"`
	TokensPerHour     int64    `yaml:"tokens_per_hour"`
	MaxWait           Duration `yaml:"max_wait"`
	GracePeriod       Duration `yaml:"grace_period"`
	StaleAfter        Duration `yaml:"stale_after"`
	SweepInterval     Duration `yaml:"sweep_interval"`
}

type fileRetry struct {
	MaxRetries      *int     `yaml:"max_retries"`
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	ExponentialBase float64  `yaml:"exponential_base"`
	JitterFactor    float64  `yaml:"jitter_factor"`
}

type fileBreaker struct {
	FailureThreshold float64  `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	MonitoringPeriod Duration `yaml:"monitoring_period"`
}

type fileRuntime struct {
	ManifestPath     string            `yaml:"manifest_path"`
	SnapshotInterval Duration          `yaml:"snapshot_interval"`
	ShutdownTimeout  Duration          `yaml:"shutdown_timeout"`
	Default          *fileDefaultAgent `yaml:"default_agent"`
}

type fileDefaultAgent struct {
	Name                    string   `yaml:"name"`
	Network                 string   `yaml:"network"`
	Capabilities            []string `yaml:"capabilities"`
	MaxRestarts             int      `yaml:"max_restarts"`
	HeartbeatInterval       Duration `yaml:"heartbeat_interval"`
	HeartbeatFreshness      Duration `yaml:"heartbeat_freshness"`
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`
	RestartSettleDelay      Duration `yaml:"restart_settle_delay"`
}

type fileArchive struct {
	FlushInterval Duration `yaml:"flush_interval"`
	MaxBuffer     int      `yaml:"max_buffer"`
	Retention     int      `yaml:"retention"`
}

type fileLogging struct {
	Level string `yaml:"level"`
}

// Load reads path and decodes it over the defaults. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var file fileConfig
	dec := yaml.NewDecoder(strings.NewReader(expandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	file.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (f fileConfig) apply(cfg *Config) {
	if f.Server.HTTPAddr != nil {
		cfg.Server.HTTPAddr = *f.Server.HTTPAddr
	}
	if len(f.Server.CORSOrigins) > 0 {
		cfg.Server.CORSOrigins = f.Server.CORSOrigins
	}
	if f.Storage.Path != nil {
		cfg.Storage.Path = *f.Storage.Path
	}
	if f.Logging.Level != "" {
		cfg.Logging.Level = f.Logging.Level
	}

	cfg.Provider = openai.Config{
		APIKey:  f.Provider.APIKey,
		BaseURL: f.Provider.BaseURL,
		Model:   f.Provider.Model,
		Timeout: f.Provider.Timeout.Std(),
	}
	cfg.Admission = admission.Limits{
		RequestsPerMinute: f.Admission.RequestsPerMinute,
		RequestsPerHour:   f.Admission.RequestsPerHour,
		TokensPerMinute:   f.Admission.TokensPerMinute,
		TokensPerHour:     f.Admission.TokensPerHour,
		MaxWait:           f.Admission.MaxWait.Std(),
		GracePeriod:       f.Admission.GracePeriod.Std(),
		StaleAfter:        f.Admission.StaleAfter.Std(),
		SweepInterval:     f.Admission.SweepInterval.Std(),
	}
	if f.Retry.MaxRetries != nil {
		cfg.Retry.MaxRetries = *f.Retry.MaxRetries
	}
	cfg.Retry.BaseDelay = f.Retry.BaseDelay.Std()
	cfg.Retry.MaxDelay = f.Retry.MaxDelay.Std()
	cfg.Retry.ExponentialBase = f.Retry.ExponentialBase
	cfg.Retry.JitterFactor = f.Retry.JitterFactor
	cfg.Breaker = retry.BreakerSettings{
		FailureThreshold: f.Breaker.FailureThreshold,
		ResetTimeout:     f.Breaker.ResetTimeout.Std(),
		MonitoringPeriod: f.Breaker.MonitoringPeriod.Std(),
	}
	cfg.Runtime = runtime.Config{
		ManifestPath:     f.Runtime.ManifestPath,
		SnapshotInterval: f.Runtime.SnapshotInterval.Std(),
		ShutdownTimeout:  f.Runtime.ShutdownTimeout.Std(),
	}
	if f.Runtime.Default != nil {
		cfg.Runtime.Default = &runtime.CreateSpec{
			Name:                    f.Runtime.Default.Name,
			Network:                 f.Runtime.Default.Network,
			Capabilities:            f.Runtime.Default.Capabilities,
			MaxRestarts:             f.Runtime.Default.MaxRestarts,
			HeartbeatInterval:       f.Runtime.Default.HeartbeatInterval.Std(),
			HeartbeatFreshness:      f.Runtime.Default.HeartbeatFreshness.Std(),
			GracefulShutdownTimeout: f.Runtime.Default.GracefulShutdownTimeout.Std(),
			RestartSettleDelay:      f.Runtime.Default.RestartSettleDelay.Std(),
		}
	}
	cfg.Archive = archive.Config{
		FlushInterval: f.Archive.FlushInterval.Std(),
		MaxBuffer:     f.Archive.MaxBuffer,
		Retention:     f.Archive.Retention,
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} with the environment value. Unset variables
// become empty strings rather than errors so optional secrets can be left
// out of the environment.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}

func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr must not be empty")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be between 0 and 1")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failure_threshold must be between 0 and 1")
	}
	return nil
}

// LogLevel parses the configured logging level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Logging.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return logutil.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level %q is not one of trace, debug, info, warn, error", c.Logging.Level)
}
