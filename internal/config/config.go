package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/deployr/internal/auth"
	"github.com/loykin/deployr/internal/jobs"
	"github.com/loykin/deployr/internal/logger"
	tlsx "github.com/loykin/deployr/internal/tls"
)

// EnvPrefix is prepended to every environment override, e.g. DEPLOYR_STORE_DSN.
const EnvPrefix = "DEPLOYR"

// Config represents the top-level TOML structure.
type Config struct {
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	History    HistoryConfig    `mapstructure:"history"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Log        logger.Config    `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Auth       auth.Config      `mapstructure:"auth"`
	Jobs       []jobs.Job       `mapstructure:"jobs"`
}

type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	BasePath          string        `mapstructure:"base_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	PidFile           string        `mapstructure:"pidfile"`
	LogFile           string        `mapstructure:"logfile"`
	TLS               tlsx.Config   `mapstructure:"tls"`
}

// StoreConfig selects the shared key-value store holding leases and abort
// flags. Every server of one deployment must point at the same store.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSN   string   `mapstructure:"dsn"`
	Sinks []string `mapstructure:"sinks"`
}

type LeaseConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	AbortTTL    time.Duration `mapstructure:"abort_ttl"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	AbortPrefix string        `mapstructure:"abort_prefix"`
}

type SupervisorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
	InterruptGrace time.Duration `mapstructure:"interrupt_grace"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	Shell          string        `mapstructure:"shell"`
}

type PipelineConfig struct {
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// MetricsConfig exposes /metrics on the API listener, or on Listen when set.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8081")
	v.SetDefault("server.base_path", "/api/v1")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.dsn", "memory://")
	v.SetDefault("history.dsn", "deployr.db")
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("lease.ttl", 300*time.Second)
	v.SetDefault("lease.heartbeat", 500*time.Millisecond)
	v.SetDefault("lease.op_timeout", 2*time.Second)
	v.SetDefault("lease.stop_timeout", 5*time.Second)
	v.SetDefault("lease.abort_ttl", 30*time.Second)
	v.SetDefault("lease.key_prefix", "deployr:lease:")
	v.SetDefault("lease.abort_prefix", "deployr:abort:")

	v.SetDefault("supervisor.poll_interval", 100*time.Millisecond)
	v.SetDefault("supervisor.queue_size", 256)
	v.SetDefault("supervisor.interrupt_grace", 3*time.Second)
	v.SetDefault("supervisor.terminate_grace", 3*time.Second)
	v.SetDefault("supervisor.kill_grace", time.Second)
	v.SetDefault("supervisor.shell", "/bin/sh")

	v.SetDefault("pipeline.step_delay", time.Duration(0))

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", time.Second)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl", 12*time.Hour)
}

// Load reads path (TOML) if given, applies DEPLOYR_* environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"lease.ttl":                  c.Lease.TTL,
		"lease.heartbeat":            c.Lease.Heartbeat,
		"lease.op_timeout":           c.Lease.OpTimeout,
		"lease.stop_timeout":         c.Lease.StopTimeout,
		"lease.abort_ttl":            c.Lease.AbortTTL,
		"supervisor.poll_interval":   c.Supervisor.PollInterval,
		"supervisor.interrupt_grace": c.Supervisor.InterruptGrace,
		"supervisor.terminate_grace": c.Supervisor.TerminateGrace,
		"supervisor.kill_grace":      c.Supervisor.KillGrace,
	}
	for k, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", k, d))
		}
	}
	if c.Lease.Heartbeat > 0 && c.Lease.Heartbeat >= c.Lease.TTL {
		errs = append(errs, fmt.Errorf("lease.heartbeat (%s) must be shorter than lease.ttl (%s)", c.Lease.Heartbeat, c.Lease.TTL))
	}
	if c.Pipeline.StepDelay < 0 {
		errs = append(errs, errors.New("pipeline.step_delay must not be negative"))
	}
	if c.Supervisor.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.queue_size must be positive, got %d", c.Supervisor.QueueSize))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with /, got %q", c.Server.BasePath))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if seen[j.Name] {
			errs = append(errs, fmt.Errorf("duplicate job %q", j.Name))
			continue
		}
		seen[j.Name] = true
		if err := j.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GlobalEnv merges env_files contents in order and then the top-level env
// list, later entries winning. ${VAR} references are left for the job
// environment to expand.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
