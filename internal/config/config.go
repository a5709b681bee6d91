package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"replisync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// StorageConfig selects the backend used for local records, markers and the queue.
type StorageConfig struct {
	Backend    string `yaml:"backend"` // memory | sqlite | redis
	SQLitePath string `yaml:"sqlite_path"`
	KeyPrefix  string `yaml:"key_prefix"`
	// Failover keeps an in-memory copy serving requests while the backend is down.
	Failover bool `yaml:"failover"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
}

type SchedulerConfig struct {
	Strategy         string        `yaml:"strategy"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	RetryLimit       int           `yaml:"retry_limit"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	NetworkAware     bool          `yaml:"network_aware"`
}

type QueueConfig struct {
	StorageKey   string `yaml:"storage_key"`
	MaxCompleted int    `yaml:"max_completed"`
}

type SyncConfig struct {
	Collections    []string      `yaml:"collections"`
	ConflictPolicy string        `yaml:"conflict_policy"`
	Interval       time.Duration `yaml:"interval"`
}

// NetworkConfig drives the reachability probe feeding the connectivity monitor.
type NetworkConfig struct {
	Type          string        `yaml:"type"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

var (
	strategies       = map[string]bool{"default": true, "power-saving": true, "urgent": true, "network-aware": true}
	conflictPolicies = map[string]bool{"server-wins": true, "client-wins": true, "last-write-wins": true}
)

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for sqlite backend")
		}
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis.address is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if !strategies[c.Scheduler.Strategy] {
		return fmt.Errorf("unsupported strategy %q", c.Scheduler.Strategy)
	}
	if !conflictPolicies[c.Sync.ConflictPolicy] {
		return fmt.Errorf("unsupported conflict policy %q", c.Sync.ConflictPolicy)
	}
	if c.Scheduler.BaseDelay > c.Scheduler.MaxDelay {
		return errors.New("scheduler.base_delay must not exceed scheduler.max_delay")
	}

	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth enabled but no api_keys configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "replisync"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/replisync.db"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "replisync:"
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15 * time.Second
	}
	if c.Remote.RPS > 0 && c.Remote.Burst == 0 {
		c.Remote.Burst = 1
	}

	if c.Scheduler.Strategy == "" {
		c.Scheduler.Strategy = "default"
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = models.DefaultMaxConcurrent
	}
	if c.Scheduler.ScheduleInterval == 0 {
		c.Scheduler.ScheduleInterval = 5 * time.Second
	}
	if c.Scheduler.RetryLimit == 0 {
		c.Scheduler.RetryLimit = models.DefaultRetryLimit
	}
	if c.Scheduler.BaseDelay == 0 {
		c.Scheduler.BaseDelay = time.Second
	}
	if c.Scheduler.MaxDelay == 0 {
		c.Scheduler.MaxDelay = 5 * time.Minute
	}

	if c.Queue.StorageKey == "" {
		c.Queue.StorageKey = models.DefaultQueueKey
	}
	if c.Queue.MaxCompleted == 0 {
		c.Queue.MaxCompleted = models.DefaultMaxCompleted
	}

	if c.Sync.ConflictPolicy == "" {
		c.Sync.ConflictPolicy = "server-wins"
	}

	if c.Network.Type == "" {
		c.Network.Type = models.NetworkUnknown
	}
	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = 30 * time.Second
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
}
