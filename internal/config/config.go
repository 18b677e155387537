// Package config loads the server configuration from defaults, an optional
// YAML file and JOBSTREAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/jobstream/internal/cluster"
	"github.com/ChuLiYu/jobstream/internal/jobconf"
)

// EnvPrefix prefixes every environment override, e.g. JOBSTREAM_RPC_PORT.
const EnvPrefix = "JOBSTREAM"

// MaxServerID is the largest server id. Job ids carry the server id in
// their top 16 bits.
const MaxServerID = 1<<16 - 1

// Config is the root server configuration.
type Config struct {
	ServerID    uint64        `mapstructure:"server_id" yaml:"server_id"`
	RPC         RPCConfig     `mapstructure:"rpc" yaml:"rpc"`
	Cluster     ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
	Runtime     RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	JobDefaults JobDefaults   `mapstructure:"job_defaults" yaml:"job_defaults"`
	Log         LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// RPCConfig tunes the public endpoint. Zero values leave the gRPC default
// in place; TCPNoDelay is nil-able so that unset means enabled.
type RPCConfig struct {
	Host                          string        `mapstructure:"host" yaml:"host"`
	Port                          int           `mapstructure:"port" yaml:"port"`
	ConcurrencyLimitPerConnection int           `mapstructure:"concurrency_limit_per_connection" yaml:"concurrency_limit_per_connection,omitempty"`
	Timeout                       time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	InitialStreamWindowSize       int32         `mapstructure:"initial_stream_window_size" yaml:"initial_stream_window_size,omitempty"`
	InitialConnectionWindowSize   int32         `mapstructure:"initial_connection_window_size" yaml:"initial_connection_window_size,omitempty"`
	MaxConcurrentStreams          uint32        `mapstructure:"max_concurrent_streams" yaml:"max_concurrent_streams,omitempty"`
	KeepAliveInterval             time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval,omitempty"`
	KeepAliveTimeout              time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout,omitempty"`
	TCPKeepAlive                  time.Duration `mapstructure:"tcp_keep_alive" yaml:"tcp_keep_alive,omitempty"`
	TCPNoDelay                    *bool         `mapstructure:"tcp_nodelay" yaml:"tcp_nodelay,omitempty"`
	ShutdownGracePeriod           time.Duration `mapstructure:"shutdown_grace_period" yaml:"shutdown_grace_period"`
}

// Addr returns host:port.
func (c RPCConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ClusterConfig describes the internal membership endpoint and the peers.
type ClusterConfig struct {
	Listen         string           `mapstructure:"listen" yaml:"listen"`
	Peers          []cluster.Member `mapstructure:"peers" yaml:"peers"`
	ProbeInterval  time.Duration    `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout   time.Duration    `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	BackoffInitial time.Duration    `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration    `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// RuntimeConfig sizes the execution runtime.
type RuntimeConfig struct {
	Executors     int    `mapstructure:"executors" yaml:"executors"`
	QueueCapacity int    `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	Encoding      string `mapstructure:"encoding" yaml:"encoding"`
}

// JobDefaults are the values a submission falls back to.
type JobDefaults struct {
	Workers       uint32        `mapstructure:"workers" yaml:"workers"`
	TimeLimit     time.Duration `mapstructure:"time_limit" yaml:"time_limit"`
	BatchSize     uint32        `mapstructure:"batch_size" yaml:"batch_size"`
	BatchCapacity uint32        `mapstructure:"batch_capacity" yaml:"batch_capacity"`
}

// JobConf converts the defaults into a resolved job configuration.
func (d JobDefaults) JobConf() jobconf.JobConf {
	c := jobconf.New("")
	c.Workers = d.Workers
	c.TimeLimit = uint64(d.TimeLimit / time.Millisecond)
	c.BatchSize = d.BatchSize
	c.BatchCapacity = d.BatchCapacity
	return c
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ServerID: 1,
		RPC: RPCConfig{
			Host:                "0.0.0.0",
			Port:                6000,
			ShutdownGracePeriod: 10 * time.Second,
		},
		Cluster: ClusterConfig{
			Listen:         "0.0.0.0:0",
			ProbeInterval:  2 * time.Second,
			ProbeTimeout:   time.Second,
			BackoffInitial: 100 * time.Millisecond,
			BackoffMax:     5 * time.Second,
		},
		Runtime: RuntimeConfig{
			Executors:     8,
			QueueCapacity: 256,
			Encoding:      "proto",
		},
		JobDefaults: JobDefaults{
			Workers:       jobconf.DefaultWorkers,
			BatchSize:     jobconf.DefaultBatchSize,
			BatchCapacity: jobconf.DefaultBatchCapacity,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/jobstream.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads configuration from path (if non-empty) on top of the
// defaults. Environment variables use the prefix JOBSTREAM and `.` is
// replaced with `_`, e.g. JOBSTREAM_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("server_id", cfg.ServerID)
	v.SetDefault("rpc.host", cfg.RPC.Host)
	v.SetDefault("rpc.port", cfg.RPC.Port)
	v.SetDefault("rpc.concurrency_limit_per_connection", 0)
	v.SetDefault("rpc.timeout", time.Duration(0))
	v.SetDefault("rpc.initial_stream_window_size", 0)
	v.SetDefault("rpc.initial_connection_window_size", 0)
	v.SetDefault("rpc.max_concurrent_streams", 0)
	v.SetDefault("rpc.keep_alive_interval", time.Duration(0))
	v.SetDefault("rpc.keep_alive_timeout", time.Duration(0))
	v.SetDefault("rpc.tcp_keep_alive", time.Duration(0))
	v.SetDefault("rpc.shutdown_grace_period", cfg.RPC.ShutdownGracePeriod)
	v.SetDefault("cluster.listen", cfg.Cluster.Listen)
	v.SetDefault("cluster.probe_interval", cfg.Cluster.ProbeInterval)
	v.SetDefault("cluster.probe_timeout", cfg.Cluster.ProbeTimeout)
	v.SetDefault("cluster.backoff_initial", cfg.Cluster.BackoffInitial)
	v.SetDefault("cluster.backoff_max", cfg.Cluster.BackoffMax)
	v.SetDefault("runtime.executors", cfg.Runtime.Executors)
	v.SetDefault("runtime.queue_capacity", cfg.Runtime.QueueCapacity)
	v.SetDefault("runtime.encoding", cfg.Runtime.Encoding)
	v.SetDefault("job_defaults.workers", cfg.JobDefaults.Workers)
	v.SetDefault("job_defaults.time_limit", cfg.JobDefaults.TimeLimit)
	v.SetDefault("job_defaults.batch_size", cfg.JobDefaults.BatchSize)
	v.SetDefault("job_defaults.batch_capacity", cfg.JobDefaults.BatchCapacity)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// tcp_nodelay has no default so that "unset" stays distinguishable.
	if v.IsSet("rpc.tcp_nodelay") {
		b := v.GetBool("rpc.tcp_nodelay")
		cfg.RPC.TCPNoDelay = &b
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.ServerID > MaxServerID {
		result = multierror.Append(result, fmt.Errorf("invalid server_id: %d (max %d)", c.ServerID, MaxServerID))
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.RPC.Port < 0 || c.RPC.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid rpc.port: %d", c.RPC.Port))
	}
	if c.RPC.ConcurrencyLimitPerConnection < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid rpc.concurrency_limit_per_connection: %d", c.RPC.ConcurrencyLimitPerConnection))
	}
	for name, d := range map[string]time.Duration{
		"rpc.timeout":               c.RPC.Timeout,
		"rpc.keep_alive_interval":   c.RPC.KeepAliveInterval,
		"rpc.keep_alive_timeout":    c.RPC.KeepAliveTimeout,
		"rpc.tcp_keep_alive":        c.RPC.TCPKeepAlive,
		"rpc.shutdown_grace_period": c.RPC.ShutdownGracePeriod,
	} {
		if d < 0 {
			result = multierror.Append(result, fmt.Errorf("invalid %s: %s", name, d))
		}
	}

	if c.Runtime.Executors <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid runtime.executors: %d", c.Runtime.Executors))
	}
	if c.Runtime.QueueCapacity <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid runtime.queue_capacity: %d", c.Runtime.QueueCapacity))
	}
	switch c.Runtime.Encoding {
	case "proto", "cbor":
	default:
		result = multierror.Append(result, fmt.Errorf("invalid runtime.encoding: %q", c.Runtime.Encoding))
	}

	if c.JobDefaults.Workers == 0 {
		result = multierror.Append(result, errors.New("invalid job_defaults.workers: 0"))
	}
	if _, err := cluster.NewStaticDetector(c.Cluster.Peers); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid cluster.peers: %w", err))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		result = multierror.Append(result, fmt.Errorf("invalid metrics.port: %d", c.Metrics.Port))
	}

	return result.ErrorOrNil()
}
