package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig        `mapstructure:"server" yaml:"server"`
	Store   StoreConfig         `mapstructure:"store" yaml:"store"`
	Log     LogConfig           `mapstructure:"log" yaml:"log"`
	Ingest  IngestConfig        `mapstructure:"ingest" yaml:"ingest"`
	RefData map[string][]string `mapstructure:"refdata" yaml:"refdata"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"` // sqlite | postgres
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// IngestConfig carries every tunable of the streaming engine. Defaults are
// set in Load; zero values here mean the caller bypassed Load.
type IngestConfig struct {
	MaxConcurrentJobs     int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	NumWorkers            int           `mapstructure:"num_workers" yaml:"num_workers"`
	FragmentMaxBytes      int           `mapstructure:"fragment_max_bytes" yaml:"fragment_max_bytes"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout      time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MetricsLogInterval    time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval"`
	FailFastThreshold     int64         `mapstructure:"fail_fast_threshold" yaml:"fail_fast_threshold"`
	MemoryThresholdPct    int           `mapstructure:"memory_threshold_percent" yaml:"memory_threshold_percent"`
	ContainerMemoryMB     int           `mapstructure:"container_memory_mb" yaml:"container_memory_mb"`
	InstanceIndex         string        `mapstructure:"instance_index" yaml:"instance_index"`

	// Line validation shape. The validator itself has no defaults for these;
	// two upstream file layouts disagree on the minimum column count, so the
	// deployment has to say which one it ingests.
	MinColumns    int `mapstructure:"min_columns" yaml:"min_columns"`
	CurrencyIndex int `mapstructure:"currency_index" yaml:"currency_index"`
	ProvinceIndex int `mapstructure:"province_index" yaml:"province_index"`
	ProductIndex  int `mapstructure:"product_index" yaml:"product_index"`
}

// MemoryLimitMB resolves the absolute RSS budget from the percentage knobs.
func (c IngestConfig) MemoryLimitMB() float64 {
	return float64(c.ContainerMemoryMB) * float64(c.MemoryThresholdPct) / 100.0
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "linehaul.db")
	v.SetDefault("log.path", "linehaul.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetDefault("ingest.max_concurrent_jobs", 1)
	v.SetDefault("ingest.num_workers", 2)
	v.SetDefault("ingest.fragment_max_bytes", 32*1024*1024)
	v.SetDefault("ingest.heartbeat_interval", "15s")
	v.SetDefault("ingest.heartbeat_timeout", "60s")
	v.SetDefault("ingest.metrics_log_interval", "10s")
	v.SetDefault("ingest.fail_fast_threshold", 50000)
	v.SetDefault("ingest.memory_threshold_percent", 75)
	v.SetDefault("ingest.container_memory_mb", 2048)
	v.SetDefault("ingest.instance_index", "0")
	v.SetDefault("ingest.min_columns", 12)
	v.SetDefault("ingest.currency_index", 3)
	v.SetDefault("ingest.province_index", 10)
	v.SetDefault("ingest.product_index", 11)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("LINEHAUL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want sqlite or postgres)", c.Store.Backend)
	}

	if c.Ingest.MaxConcurrentJobs <= 0 {
		c.Ingest.MaxConcurrentJobs = 1
	}
	if c.Ingest.NumWorkers <= 0 {
		c.Ingest.NumWorkers = 2
	}
	if c.Ingest.FragmentMaxBytes <= 0 {
		return errors.New("ingest.fragment_max_bytes must be positive")
	}
	if c.Ingest.MinColumns <= 0 {
		return errors.New("ingest.min_columns must be positive")
	}
	if c.Ingest.MemoryThresholdPct <= 0 || c.Ingest.MemoryThresholdPct > 100 {
		return fmt.Errorf("ingest.memory_threshold_percent out of range: %d", c.Ingest.MemoryThresholdPct)
	}

	return nil
}
