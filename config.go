package archbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by LoadConfig;
// connect.probe_timeout is ARCHBRIDGE_CONNECT_PROBE_TIMEOUT
const EnvPrefix = "ARCHBRIDGE"

// Config is the file/environment configuration of both ends
type Config struct {
	Channel   string          `mapstructure:"channel"`
	Log       LogConfig       `mapstructure:"log"`
	Connect   ConnectConfig   `mapstructure:"connect"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Listener  ListenConfig    `mapstructure:"listener"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type ConnectConfig struct {
	StartIfMissing    bool          `mapstructure:"start_if_missing"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	Window            time.Duration `mapstructure:"window"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxRetryInterval  time.Duration `mapstructure:"max_retry_interval"`
	Jitter            bool          `mapstructure:"jitter"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type HeartbeatConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxMisses int           `mapstructure:"max_misses"`
}

type WorkerConfig struct {
	Path           string        `mapstructure:"path"`
	Executable     string        `mapstructure:"executable"`
	Artifact       string        `mapstructure:"artifact"`
	SearchRoots    []string      `mapstructure:"search_roots"`
	MaxSearchDepth int           `mapstructure:"max_search_depth"`
	RuntimeHost    string        `mapstructure:"runtime_host"`
	RuntimeArgs    []string      `mapstructure:"runtime_args"`
	ExitWait       time.Duration `mapstructure:"exit_wait"`
}

type ListenConfig struct {
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	cc := DefaultClientConfig()
	sc := DefaultSupervisorConfig()
	return Config{
		Channel: DefaultChannelName,
		Log:     LogConfig{Level: "info"},
		Connect: ConnectConfig{
			StartIfMissing:    cc.StartIfMissing,
			ProbeTimeout:      cc.ProbeTimeout,
			AttemptTimeout:    cc.AttemptTimeout,
			Window:            cc.ConnectWindow,
			RetryInterval:     cc.Backoff.InitialDelay,
			BackoffMultiplier: cc.Backoff.Multiplier,
			NotifyTimeout:     cc.NotifyTimeout,
			ShutdownTimeout:   cc.ShutdownTimeout,
		},
		Heartbeat: HeartbeatConfig{
			Interval:  cc.HeartbeatInterval,
			Timeout:   cc.HeartbeatTimeout,
			MaxMisses: cc.HeartbeatMaxMisses,
		},
		Worker: WorkerConfig{
			Executable:     sc.ExecutableName,
			Artifact:       sc.ArtifactName,
			MaxSearchDepth: sc.MaxSearchDepth,
			RuntimeHost:    sc.RuntimeHost,
			RuntimeArgs:    sc.RuntimeArgs,
			ExitWait:       sc.ExitWait,
		},
		Listener: ListenConfig{
			SessionIdleTimeout: 5 * time.Second,
			DrainTimeout:       2 * time.Second,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and reading
// ARCHBRIDGE_* environment variables. Callers may bind flags to it before
// LoadConfigFrom.
func NewViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("channel", d.Channel)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	v.SetDefault("connect.start_if_missing", d.Connect.StartIfMissing)
	v.SetDefault("connect.probe_timeout", d.Connect.ProbeTimeout)
	v.SetDefault("connect.attempt_timeout", d.Connect.AttemptTimeout)
	v.SetDefault("connect.window", d.Connect.Window)
	v.SetDefault("connect.retry_interval", d.Connect.RetryInterval)
	v.SetDefault("connect.backoff_multiplier", d.Connect.BackoffMultiplier)
	v.SetDefault("connect.max_retry_interval", d.Connect.MaxRetryInterval)
	v.SetDefault("connect.jitter", d.Connect.Jitter)
	v.SetDefault("connect.notify_timeout", d.Connect.NotifyTimeout)
	v.SetDefault("connect.shutdown_timeout", d.Connect.ShutdownTimeout)

	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.timeout", d.Heartbeat.Timeout)
	v.SetDefault("heartbeat.max_misses", d.Heartbeat.MaxMisses)

	v.SetDefault("worker.path", d.Worker.Path)
	v.SetDefault("worker.executable", d.Worker.Executable)
	v.SetDefault("worker.artifact", d.Worker.Artifact)
	v.SetDefault("worker.search_roots", d.Worker.SearchRoots)
	v.SetDefault("worker.max_search_depth", d.Worker.MaxSearchDepth)
	v.SetDefault("worker.runtime_host", d.Worker.RuntimeHost)
	v.SetDefault("worker.runtime_args", d.Worker.RuntimeArgs)
	v.SetDefault("worker.exit_wait", d.Worker.ExitWait)

	v.SetDefault("listener.session_idle_timeout", d.Listener.SessionIdleTimeout)
	v.SetDefault("listener.drain_timeout", d.Listener.DrainTimeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads defaults, then the config file, then the environment.
// An empty path looks for archbridge.{yaml,toml,json} in the working
// directory and tolerates its absence; an explicit path must exist.
func LoadConfig(path string) (Config, error) {
	return LoadConfigFrom(NewViper(), path)
}

// LoadConfigFrom is LoadConfig on a caller-prepared viper instance
func LoadConfigFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("archbridge")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level '%s'", c.Log.Level)
	}
	for name, d := range map[string]time.Duration{
		"connect.probe_timeout":   c.Connect.ProbeTimeout,
		"connect.attempt_timeout": c.Connect.AttemptTimeout,
		"connect.window":          c.Connect.Window,
		"worker.exit_wait":        c.Worker.ExitWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Connect.RetryInterval < 0 {
		return fmt.Errorf("connect.retry_interval must not be negative")
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.MaxMisses <= 0 {
		return fmt.Errorf("heartbeat.max_misses must be positive when heartbeats are enabled")
	}
	return nil
}

// SupervisorConfig projects the worker settings
func (c Config) SupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ExecutableName: c.Worker.Executable,
		ArtifactName:   c.Worker.Artifact,
		Path:           c.Worker.Path,
		EnvOverride:    EnvWorkerPath,
		SearchRoots:    c.Worker.SearchRoots,
		MaxSearchDepth: c.Worker.MaxSearchDepth,
		RuntimeHost:    c.Worker.RuntimeHost,
		RuntimeArgs:    c.Worker.RuntimeArgs,
		Channel:        c.Channel,
		ExitWait:       c.Worker.ExitWait,
	}
}

// ClientConfig projects the host-side settings
func (c Config) ClientConfig() ClientConfig {
	return ClientConfig{
		Channel:        c.Channel,
		StartIfMissing: c.Connect.StartIfMissing,
		ProbeTimeout:   c.Connect.ProbeTimeout,
		AttemptTimeout: c.Connect.AttemptTimeout,
		ConnectWindow:  c.Connect.Window,
		Backoff: BackoffConfig{
			InitialDelay: c.Connect.RetryInterval,
			Multiplier:   c.Connect.BackoffMultiplier,
			MaxDelay:     c.Connect.MaxRetryInterval,
			Jitter:       c.Connect.Jitter,
		},
		NotifyTimeout:      c.Connect.NotifyTimeout,
		ShutdownTimeout:    c.Connect.ShutdownTimeout,
		HeartbeatInterval:  c.Heartbeat.Interval,
		HeartbeatTimeout:   c.Heartbeat.Timeout,
		HeartbeatMaxMisses: c.Heartbeat.MaxMisses,
		Supervisor:         c.SupervisorConfig(),
	}
}

// ListenerConfig projects the worker-side settings
func (c Config) ListenerConfig() ListenerConfig {
	return ListenerConfig{
		Channel:            c.Channel,
		SessionIdleTimeout: c.Listener.SessionIdleTimeout,
		DrainTimeout:       c.Listener.DrainTimeout,
	}
}

// Logger builds the logger described by the log section
func (c Config) Logger() (*logrus.Logger, error) {
	return NewLogger(c.Log.Level, c.Log.JSON)
}
