// Package config loads the Vault's YAML configuration (spec §6's
// configuration keys: storage, cache, db, scheduler, max_bundle_size,
// vault_url) and the ambient sections (server, smtp, logging) every
// component threads through.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures cmd/vault-server's listeners.
type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
}

// StorageConfig addresses the external archive Storage collaborator
// (spec §6) — out of this repo's scope beyond the connection string.
type StorageConfig struct {
	Endpoint string `yaml:"endpoint"`
	// GraphEndpoint addresses the optional graph accelerator (§6); empty
	// means "no graph configured", in which case the git-bare cooker falls
	// back to Storage.revision_log DFS (spec §4.6).
	GraphEndpoint string `yaml:"graph_endpoint"`
}

// CacheConfig backs spec §4.1's Cache: a path-sliced, content-addressed
// blob store on local disk with an optional Redis fast path (SPEC_FULL
// §4.1 [ADD]).
type CacheConfig struct {
	Root        string `yaml:"root"`
	Slicing     string `yaml:"slicing"`
	AllowDelete bool   `yaml:"allow_delete"`
	RedisAddr   string `yaml:"redis_addr"`
}

// DBConfig is the Lifecycle Store's Postgres connection (spec §4.2).
type DBConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SchedulerConfig tunes the in-process Scheduler Adapter (SPEC_FULL §4.7
// [ADD]). MaxConcurrentFetches is defaulted and validated here but is not
// passed to the directory cooker, whose fetch pool is sized by
// directory.DefaultFetchConcurrency.
type SchedulerConfig struct {
	WorkerPoolSize         int `yaml:"worker_pool_size"`
	MaxConcurrentFetches   int `yaml:"max_concurrent_fetches"`
	QueueSize              int `yaml:"queue_size"`
}

// SMTPConfig is the Notifier's mail transport (spec §4.8).
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	From string `yaml:"from"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the Vault's top-level configuration document.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Storage       StorageConfig   `yaml:"storage"`
	Cache         CacheConfig     `yaml:"cache"`
	DB            DBConfig        `yaml:"db"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	SMTP          SMTPConfig      `yaml:"smtp"`
	Logging       LoggingConfig   `yaml:"logging"`
	MaxBundleSize int64           `yaml:"max_bundle_size"`
	VaultURL      string          `yaml:"vault_url"`
}

const defaultMaxBundleSize = 512 * 1024 * 1024 // 512 MiB, spec §4.4

// applyDefaults fills in every field the reference deployment leaves
// implicit, the same role the teacher's Load plays for its SLM/actions
// sections.
func applyDefaults(c *Config) {
	if c.DB.Host == "" {
		c.DB.Host = "localhost"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.User == "" {
		c.DB.User = "vault_user"
	}
	if c.DB.Database == "" {
		c.DB.Database = "vault"
	}
	if c.DB.SSLMode == "" {
		c.DB.SSLMode = "disable"
	}
	if c.DB.MaxOpenConns == 0 {
		c.DB.MaxOpenConns = 25
	}
	if c.DB.MaxIdleConns == 0 {
		c.DB.MaxIdleConns = 5
	}
	if c.DB.ConnMaxLifetime == 0 {
		c.DB.ConnMaxLifetime = 5 * time.Minute
	}
	if c.DB.ConnMaxIdleTime == 0 {
		c.DB.ConnMaxIdleTime = 5 * time.Minute
	}

	if c.Cache.Slicing == "" {
		c.Cache.Slicing = "0:1/1:5"
	}

	if c.Scheduler.WorkerPoolSize == 0 {
		c.Scheduler.WorkerPoolSize = 1
	}
	if c.Scheduler.MaxConcurrentFetches == 0 {
		c.Scheduler.MaxConcurrentFetches = 10
	}
	if c.Scheduler.QueueSize == 0 {
		c.Scheduler.QueueSize = 100
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.MaxBundleSize == 0 {
		c.MaxBundleSize = defaultMaxBundleSize
	}
}

// Load reads and parses the YAML file at path, applies defaults, loads
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(config)
	loadFromEnv(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// loadFromEnv lets operators override secrets (DB password, SMTP host)
// without committing them to the config file, the same escape hatch the
// teacher's config layer provides for DB_* variables.
func loadFromEnv(c *Config) {
	if v := os.Getenv("VAULT_DB_HOST"); v != "" {
		c.DB.Host = v
	}
	if v := os.Getenv("VAULT_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.DB.Port = port
		}
	}
	if v := os.Getenv("VAULT_DB_USER"); v != "" {
		c.DB.User = v
	}
	if v := os.Getenv("VAULT_DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("VAULT_DB_NAME"); v != "" {
		c.DB.Database = v
	}
	if v := os.Getenv("VAULT_DB_SSL_MODE"); v != "" {
		c.DB.SSLMode = v
	}
	if v := os.Getenv("VAULT_CACHE_ROOT"); v != "" {
		c.Cache.Root = v
	}
	if v := os.Getenv("VAULT_SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VAULT_SERVER_PORT"); v != "" {
		c.Server.Port = v
	}
}

// validate rejects configurations that would fail later in a confusing
// place (a cache with no root, a scheduler with zero capacity) rather
// than letting the Vault start in a broken state.
func validate(c *Config) error {
	if c.Cache.Root == "" {
		return fmt.Errorf("cache root directory is required")
	}
	if len(c.Cache.Slicing) == 0 {
		return fmt.Errorf("cache slicing spec is required")
	}
	if c.MaxBundleSize <= 0 {
		return fmt.Errorf("max_bundle_size must be greater than 0")
	}
	if c.Scheduler.WorkerPoolSize <= 0 {
		return fmt.Errorf("scheduler worker pool size must be greater than 0")
	}
	if c.Scheduler.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("scheduler max concurrent fetches must be greater than 0")
	}
	if c.DB.Database == "" {
		return fmt.Errorf("db database name is required")
	}
	return nil
}

// Watch reloads the config file on every write and invokes onChange with
// the freshly parsed value. It applies nothing itself: what a new value
// changes is up to onChange, and no binary in this repository calls
// Watch. An InProcessScheduler's pool size is fixed when it is
// constructed, so a reloaded worker_pool_size does not resize it.
func Watch(path string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				continue
			}
			onChange(cfg)
		}
	}()

	return watcher, nil
}
