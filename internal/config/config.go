package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Governor   GovernorConfig   `yaml:"governor"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Stream     StreamConfig     `yaml:"stream"`
	Benchmark  BenchmarkConfig  `yaml:"benchmark"`
	Complexity ComplexityConfig `yaml:"complexity"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // "auto" (default), "process", "containerd", or "docker"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	DockerHost       string        `yaml:"docker_host"` // empty uses DOCKER_HOST from the environment
	WorkRoot         string        `yaml:"work_root"`   // parent of per-execution workspaces; empty uses os.TempDir
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxCodeBytes     int           `yaml:"max_code_bytes"`
	MaxInputBytes    int           `yaml:"max_input_bytes"`
	MaxLineBytes     int           `yaml:"max_line_bytes"`
	MaxStderrBytes   int           `yaml:"max_stderr_bytes"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
	Process          ProcessConfig `yaml:"process"`
}

type DefaultLimits struct {
	MemoryMB      int64         `yaml:"memory_mb"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	MaxCPUPercent float64       `yaml:"max_cpu_percent"`
	PidsLimit     int64         `yaml:"pids_limit"`
	ScratchMB     int64         `yaml:"scratch_mb"`
}

// ProcessConfig tunes the OS process-group backend.
type ProcessConfig struct {
	IsolateNetwork bool   `yaml:"isolate_network"` // new network namespace (user namespace when unprivileged)
	IsolatePIDs    bool   `yaml:"isolate_pids"`    // new PID namespace, dropped at startup if the host refuses it
	RunAsNobody    bool   `yaml:"run_as_nobody"`   // only honoured when the server runs as root
	PythonBinary   string `yaml:"python_binary"`
	NodeBinary     string `yaml:"node_binary"`
}

type GovernorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CPUGrace     time.Duration `yaml:"cpu_grace"`
}

type SessionsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSteps      int           `yaml:"max_steps"`
}

type StreamConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type BenchmarkConfig struct {
	DefaultSizes  []int         `yaml:"default_sizes"`
	DefaultTrials int           `yaml:"default_trials"`
	MaxTrials     int           `yaml:"max_trials"`
	MaxSizes      int           `yaml:"max_sizes"`
	MaxInputSize  int           `yaml:"max_input_size"`
	TrialTimeout  time.Duration `yaml:"trial_timeout"`
}

type ComplexityConfig struct {
	TieEpsilon float64 `yaml:"tie_epsilon"`
	MinPoints  int     `yaml:"min_points"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"` // postgres://... or sqlite:path
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Retention       time.Duration `yaml:"retention"`
	BufferSize      int           `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	BlockCritical  bool     `yaml:"block_critical"` // reject submissions with critical screening findings
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays secrets that should not live in the config file.
func (c *Config) ApplyEnv() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if keys := os.Getenv("ALGO_API_KEYS"); keys != "" {
		c.Security.AllowedKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Security.AllowedKeys = append(c.Security.AllowedKeys, k)
			}
		}
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses outlive any fixed write deadline
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  4 << 20,
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "algo-trace",
			MaxTimeout:       60 * time.Second,
			MaxConcurrent:    32,
			MaxCodeBytes:     1 << 20,
			MaxInputBytes:    2 << 20,
			MaxLineBytes:     1 << 20,
			MaxStderrBytes:   64 << 10,
			KillGrace:        2 * time.Second,
			DefaultLimits: DefaultLimits{
				MemoryMB:      128,
				MaxDuration:   30 * time.Second,
				MaxCPUPercent: 100,
				PidsLimit:     64,
				ScratchMB:     64,
			},
			Process: ProcessConfig{
				IsolateNetwork: true,
				IsolatePIDs:    true,
				RunAsNobody:    true,
				PythonBinary:   "python3",
				NodeBinary:     "node",
			},
		},
		Governor: GovernorConfig{
			PollInterval: 100 * time.Millisecond,
			CPUGrace:     time.Second,
		},
		Sessions: SessionsConfig{
			Retention:     15 * time.Minute,
			SweepInterval: time.Minute,
			MaxSteps:      10000,
		},
		Stream: StreamConfig{
			SubscriberBuffer: 256,
			PingInterval:     30 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Benchmark: BenchmarkConfig{
			DefaultSizes:  []int{100, 500, 1000, 2500, 5000},
			DefaultTrials: 5,
			MaxTrials:     20,
			MaxSizes:      12,
			MaxInputSize:  1_000_000,
			TrialTimeout:  10 * time.Second,
		},
		Complexity: ComplexityConfig{
			TieEpsilon: 0.01,
			MinPoints:  3,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			Retention:       24 * time.Hour,
			BufferSize:      10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			BlockCritical:  true,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "", "auto", "process", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.backend must be auto, process, containerd, or docker, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.DefaultLimits.MaxDuration > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_limits.max_duration (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultLimits.MaxDuration, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.Sandbox.DefaultLimits.MaxCPUPercent <= 0 {
		return fmt.Errorf("sandbox.default_limits.max_cpu_percent must be > 0")
	}
	if c.Sandbox.MaxLineBytes < 1024 {
		return fmt.Errorf("sandbox.max_line_bytes must be >= 1024")
	}
	if c.Sandbox.WorkRoot != "" && !filepath.IsAbs(c.Sandbox.WorkRoot) {
		return fmt.Errorf("sandbox.work_root: %q must be an absolute path", c.Sandbox.WorkRoot)
	}
	if c.Governor.PollInterval <= 0 || c.Governor.PollInterval > time.Second {
		return fmt.Errorf("governor.poll_interval must be in (0, 1s], got %s", c.Governor.PollInterval)
	}
	if c.Governor.CPUGrace < c.Governor.PollInterval {
		return fmt.Errorf("governor.cpu_grace must be >= poll_interval")
	}
	if c.Sessions.Retention <= 0 {
		return fmt.Errorf("sessions.retention must be > 0")
	}
	if c.Stream.SubscriberBuffer < 1 {
		return fmt.Errorf("stream.subscriber_buffer must be >= 1")
	}
	if c.Benchmark.DefaultTrials < 1 || c.Benchmark.DefaultTrials > c.Benchmark.MaxTrials {
		return fmt.Errorf("benchmark.default_trials must be 1-%d, got %d", c.Benchmark.MaxTrials, c.Benchmark.DefaultTrials)
	}
	for i := 1; i < len(c.Benchmark.DefaultSizes); i++ {
		if c.Benchmark.DefaultSizes[i] <= c.Benchmark.DefaultSizes[i-1] {
			return fmt.Errorf("benchmark.default_sizes must be strictly increasing")
		}
	}
	if c.Complexity.TieEpsilon < 0 || c.Complexity.TieEpsilon >= 1 {
		return fmt.Errorf("complexity.tie_epsilon must be in [0, 1)")
	}
	if c.Complexity.MinPoints < 3 {
		return fmt.Errorf("complexity.min_points must be >= 3")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
