package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/151300/FreeNodes/internal/layout"
)

// Config is the root configuration for the launcher.
type Config struct {
	Project   ProjectConfig   `mapstructure:"project"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Entry     EntryConfig     `mapstructure:"entry"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Lock      LockConfig      `mapstructure:"lock"`
}

// ProjectConfig locates the project and the directories prepared in it.
// An empty Root means "parent of the launcher's own directory".
type ProjectConfig struct {
	Root string   `mapstructure:"root"`
	Dirs []string `mapstructure:"dirs"`
}

// RuntimeConfig describes the interpreter the node processor runs on and
// how its YAML dependency is checked and installed.
type RuntimeConfig struct {
	Python         string        `mapstructure:"python"`
	// Pip overrides the installer. Empty means `<python> -m pip`, which
	// installs into the interpreter that is probed.
	Pip            string        `mapstructure:"pip"`
	YAMLModule     string        `mapstructure:"yaml_module"`
	YAMLPackage    string        `mapstructure:"yaml_package"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
}

// EntryConfig describes the external processor invocation. ForceFlag is
// always passed; Args are inserted before it. A zero Timeout waits forever.
type EntryConfig struct {
	Script    string        `mapstructure:"script"`
	ForceFlag string        `mapstructure:"force_flag"`
	Args      []string      `mapstructure:"args"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LaunchRate      float64       `mapstructure:"launch_rate"`
	LaunchBurst     int           `mapstructure:"launch_burst"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
	// LogFile is created inside the layout's logs directory. Empty disables it.
	LogFile string `mapstructure:"log_file"`
}

// ReportingConfig lists the optional sinks a finished launch is sent to.
// A sink with an empty address is disabled.
type ReportingConfig struct {
	NATS     NATSConfig     `mapstructure:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LockConfig enables a cross-process run lock when Redis.Host is set.
type LockConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the LAUNCHER_ prefix (e.g. LAUNCHER_PROJECT_ROOT).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LAUNCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case strings.TrimSpace(c.Runtime.Python) == "":
		return fmt.Errorf("runtime.python must not be empty")
	case strings.TrimSpace(c.Entry.Script) == "":
		return fmt.Errorf("entry.script must not be empty")
	case strings.TrimSpace(c.Entry.ForceFlag) == "":
		return fmt.Errorf("entry.force_flag must not be empty")
	case len(c.Project.Dirs) == 0:
		return fmt.Errorf("project.dirs must list at least one directory")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	python := "python3"
	if runtime.GOOS == "windows" {
		python = "python"
	}

	v.SetDefault("project.root", "")
	v.SetDefault("project.dirs", layout.DefaultDirs)

	v.SetDefault("runtime.python", python)
	v.SetDefault("runtime.pip", "")
	v.SetDefault("runtime.yaml_module", "yaml")
	v.SetDefault("runtime.yaml_package", "pyyaml")
	v.SetDefault("runtime.probe_timeout", 30*time.Second)
	v.SetDefault("runtime.install_timeout", 5*time.Minute)

	v.SetDefault("entry.script", "hb/runner.py")
	v.SetDefault("entry.force_flag", "--force")
	v.SetDefault("entry.args", []string{})
	v.SetDefault("entry.timeout", time.Duration(0))

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.launch_rate", 0.2)
	v.SetDefault("server.launch_burst", 1)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "freenodes-launcher")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_file", "launcher.log")

	v.SetDefault("reporting.nats.url", "")
	v.SetDefault("reporting.nats.subject", "launcher.runs")

	v.SetDefault("reporting.postgres.host", "")
	v.SetDefault("reporting.postgres.port", 5432)
	v.SetDefault("reporting.postgres.user", "freenodes")
	v.SetDefault("reporting.postgres.db", "freenodes")
	v.SetDefault("reporting.postgres.ssl_mode", "disable")
	v.SetDefault("reporting.postgres.max_conns", 2)

	v.SetDefault("lock.ttl", time.Hour)
	v.SetDefault("lock.key_prefix", "freenodes:launcher:lock:")
	v.SetDefault("lock.redis.host", "")
	v.SetDefault("lock.redis.port", 6379)
	v.SetDefault("lock.redis.db", 0)
}
