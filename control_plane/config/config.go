// Package config loads control-plane configuration.
//
// Values are layered, later layers winning:
//   - built-in defaults
//   - a YAML file named by --config or YUMNA_CONFIG
//   - a .env file (--env-file, default ".env"), which only fills unset variables
//   - YUMNA_* environment variables
//   - command-line flags that were explicitly set
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/secret"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the control-plane configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Agent    AgentConfig    `yaml:"agent"`
	Health   HealthConfig   `yaml:"health"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// JWTSecret signs caller tokens. At least 32 bytes outside development.
	JWTSecret string `yaml:"jwt_secret"`
	// AllowedOrigin is sent as Access-Control-Allow-Origin.
	AllowedOrigin string `yaml:"allowed_origin"`
}

// DatabaseConfig selects the node registry backend. An empty URL uses
// the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables the Redis event publisher when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// SecretsConfig holds the credential encryption key (an age X25519 identity).
type SecretsConfig struct {
	Key string `yaml:"key"`
}

// TunnelConfig configures the agent tunnel endpoint.
type TunnelConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HandshakeRate  float64       `yaml:"handshake_rate"`
	HandshakeBurst int           `yaml:"handshake_burst"`
	HeartbeatRate  float64       `yaml:"heartbeat_rate"`
	HeartbeatBurst int           `yaml:"heartbeat_burst"`
	ShellCapacity  int           `yaml:"shell_capacity"`
}

// AgentConfig describes how agents are reached and deployed.
type AgentConfig struct {
	LocalURL         string `yaml:"local_url"`
	LocalSecret      string `yaml:"local_secret"`
	Port             int    `yaml:"port"`
	PlatformRoot     string `yaml:"platform_root"`
	UserRootTemplate string `yaml:"user_root_template"`

	// PanelURL is written into deployed agents' environment.
	PanelURL   string `yaml:"panel_url"`
	SourceDir  string `yaml:"source_dir"`
	InstallDir string `yaml:"install_dir"`
	Version    string `yaml:"version"`
}

// HealthConfig configures the node health monitor.
type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StartDelay   time.Duration `yaml:"start_delay"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	PingPorts    []int         `yaml:"ping_ports"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Addr:          ":8080",
			AllowedOrigin: "*",
		},
		Log: LogConfig{Level: "info"},
		Tunnel: TunnelConfig{
			RequestTimeout: 10 * time.Second,
			HandshakeRate:  1,
			HandshakeBurst: 5,
			HeartbeatRate:  200,
			HeartbeatBurst: 400,
			ShellCapacity:  2000,
		},
		Agent: AgentConfig{
			LocalURL:         "http://127.0.0.1:4000",
			Port:             4000,
			PlatformRoot:     "/",
			UserRootTemplate: "/home/{user}",
			PanelURL:         "http://localhost:8080",
			SourceDir:        "./agent",
			InstallDir:       "/opt/yumna-agent",
		},
		Health: HealthConfig{
			Interval:     60 * time.Second,
			StartDelay:   5 * time.Second,
			ProbeTimeout: 3 * time.Second,
			PingPorts:    []int{22, 80, 443},
		},
	}
}

// Load builds the configuration from args (without the program name)
// and the process environment.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("yumna-control-plane", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file (or YUMNA_CONFIG)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before reading YUMNA_* variables")
	addr := fs.String("addr", "", "HTTP listen address")
	databaseURL := fs.String("database-url", "", "PostgreSQL connection string; empty uses the in-memory store")
	redisAddr := fs.String("redis-addr", "", "Redis address for event fan-out")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	logFile := fs.String("log-file", "", "rotated log file written in addition to stdout")
	env := fs.String("environment", "", "development or production")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *envFile != "" {
		if _, err := os.Stat(*envFile); err == nil {
			if err := godotenv.Load(*envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", *envFile, err)
			}
		}
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path = os.Getenv("YUMNA_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("addr", &cfg.Server.Addr, *addr)
	set("database-url", &cfg.Database.URL, *databaseURL)
	set("redis-addr", &cfg.Redis.Addr, *redisAddr)
	set("log-level", &cfg.Log.Level, *logLevel)
	set("log-file", &cfg.Log.File, *logFile)
	if fs.Changed("environment") {
		cfg.Environment = Environment(*env)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays YUMNA_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"YUMNA_ADDR":               &c.Server.Addr,
		"YUMNA_JWT_SECRET":         &c.Server.JWTSecret,
		"YUMNA_ALLOWED_ORIGIN":     &c.Server.AllowedOrigin,
		"YUMNA_DATABASE_URL":       &c.Database.URL,
		"YUMNA_REDIS_ADDR":         &c.Redis.Addr,
		"YUMNA_REDIS_PASSWORD":     &c.Redis.Password,
		"YUMNA_LOG_LEVEL":          &c.Log.Level,
		"YUMNA_LOG_FILE":           &c.Log.File,
		"YUMNA_SECRET_KEY":         &c.Secrets.Key,
		"YUMNA_LOCAL_AGENT_URL":    &c.Agent.LocalURL,
		"YUMNA_LOCAL_AGENT_SECRET": &c.Agent.LocalSecret,
		"YUMNA_PLATFORM_ROOT":      &c.Agent.PlatformRoot,
		"YUMNA_USER_ROOT_TEMPLATE": &c.Agent.UserRootTemplate,
		"YUMNA_PANEL_URL":          &c.Agent.PanelURL,
		"YUMNA_AGENT_SOURCE_DIR":   &c.Agent.SourceDir,
		"YUMNA_AGENT_INSTALL_DIR":  &c.Agent.InstallDir,
		"YUMNA_AGENT_VERSION":      &c.Agent.Version,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("YUMNA_ENVIRONMENT"); ok {
		c.Environment = Environment(v)
	}

	ints := map[string]*int{
		"YUMNA_REDIS_DB":        &c.Redis.DB,
		"YUMNA_AGENT_PORT":      &c.Agent.Port,
		"YUMNA_SHELL_CAPACITY":  &c.Tunnel.ShellCapacity,
		"YUMNA_HANDSHAKE_BURST": &c.Tunnel.HandshakeBurst,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"YUMNA_TUNNEL_TIMEOUT":       &c.Tunnel.RequestTimeout,
		"YUMNA_HEALTH_INTERVAL":      &c.Health.Interval,
		"YUMNA_HEALTH_START_DELAY":   &c.Health.StartDelay,
		"YUMNA_HEALTH_PROBE_TIMEOUT": &c.Health.ProbeTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}

	if v, ok := lookup("YUMNA_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("YUMNA_LOG_JSON: %w", err)
		}
		c.Log.JSON = b
	}
	if v, ok := lookup("YUMNA_PING_PORTS"); ok {
		ports, err := parsePorts(v)
		if err != nil {
			return fmt.Errorf("YUMNA_PING_PORTS: %w", err)
		}
		c.Health.PingPorts = ports
	}
	return nil
}

func parsePorts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Production:
	default:
		errs = append(errs, fmt.Errorf("environment must be development or production, got %q", c.Environment))
	}

	if c.Environment == Production {
		if len(c.Server.JWTSecret) < 32 {
			errs = append(errs, errors.New("server.jwt_secret must be at least 32 characters in production"))
		}
		if c.Secrets.Key == "" {
			errs = append(errs, fmt.Errorf("secrets.key is required in production: %w", secret.ErrNoKey))
		}
	}

	if c.Tunnel.RequestTimeout <= 0 {
		errs = append(errs, errors.New("tunnel.request_timeout must be positive"))
	}
	if c.Tunnel.ShellCapacity <= 0 {
		errs = append(errs, errors.New("tunnel.shell_capacity must be positive"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if !validPort(c.Agent.Port) {
		errs = append(errs, fmt.Errorf("agent.port %d out of range", c.Agent.Port))
	}
	for _, p := range c.Health.PingPorts {
		if !validPort(p) {
			errs = append(errs, fmt.Errorf("health.ping_ports: %d out of range", p))
		}
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
