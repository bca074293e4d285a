package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/geoforge/rasterflow/internal/platform/envutil"
)

type QueueConfig struct {
	JobsName         string        `yaml:"jobs_name"`
	TasksName        string        `yaml:"tasks_name"`
	LockDuration     time.Duration `yaml:"lock_duration"`
	AutoRenewMax     time.Duration `yaml:"auto_renew_max"`
	MaxDeliveryCount int           `yaml:"max_delivery_count"`
}

type RetryConfig struct {
	Max       int           `yaml:"max"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type Config struct {
	Mode     string `yaml:"mode"`
	HTTPAddr string `yaml:"http_addr"`

	DatabaseURL  string `yaml:"database_url"`
	AppSchema    string `yaml:"app_schema"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Queue              QueueConfig   `yaml:"queue"`
	HandlerTimeout     time.Duration `yaml:"handler_timeout"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	WorkerCount        int           `yaml:"worker_count"`
	InstanceName       string        `yaml:"instance_name"`

	Retry RetryConfig `yaml:"retry"`

	ResultsBucket string   `yaml:"results_bucket"`
	AllowOrigins  []string `yaml:"allow_origins"`
}

func defaults() Config {
	return Config{
		Mode:     "development",
		HTTPAddr: ":8080",
		AppSchema: "app",
		Queue: QueueConfig{
			JobsName:         "jobs",
			TasksName:        "tasks",
			LockDuration:     1 * time.Minute,
			AutoRenewMax:     5 * time.Minute,
			MaxDeliveryCount: 1,
		},
		HandlerTimeout:     5 * time.Minute,
		MaxConcurrentCalls: 4,
		WorkerCount:        1,
		InstanceName:       "rasterflow-1",
		Retry: RetryConfig{
			Max:       3,
			BaseDelay: 1 * time.Second,
			MaxDelay:  30 * time.Second,
		},
	}
}

// LoadConfig merges, in increasing precedence: built-in defaults, the
// optional YAML file named by RASTERFLOW_CONFIG, then environment
// variables.
func LoadConfig() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("RASTERFLOW_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Mode = envutil.Str("MODE", cfg.Mode)
	cfg.HTTPAddr = envutil.Str("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = envutil.Str("DATABASE_URL", cfg.DatabaseURL)
	cfg.AppSchema = envutil.Str("APP_SCHEMA", cfg.AppSchema)
	cfg.MaxOpenConns = envutil.Int("DB_MAX_OPEN_CONNS", cfg.MaxOpenConns)
	cfg.MaxIdleConns = envutil.Int("DB_MAX_IDLE_CONNS", cfg.MaxIdleConns)
	cfg.RedisAddr = envutil.Str("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envutil.Str("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envutil.Int("REDIS_DB", cfg.RedisDB)
	cfg.Queue.JobsName = envutil.Str("QUEUE_JOBS_NAME", cfg.Queue.JobsName)
	cfg.Queue.TasksName = envutil.Str("QUEUE_TASKS_NAME", cfg.Queue.TasksName)
	cfg.Queue.LockDuration = envutil.Duration("QUEUE_LOCK_DURATION", cfg.Queue.LockDuration)
	cfg.Queue.AutoRenewMax = envutil.Duration("QUEUE_AUTO_RENEW_MAX", cfg.Queue.AutoRenewMax)
	cfg.Queue.MaxDeliveryCount = envutil.Int("QUEUE_MAX_DELIVERY_COUNT", cfg.Queue.MaxDeliveryCount)
	cfg.HandlerTimeout = envutil.Duration("HANDLER_TIMEOUT", cfg.HandlerTimeout)
	cfg.MaxConcurrentCalls = envutil.Int("MAX_CONCURRENT_CALLS", cfg.MaxConcurrentCalls)
	cfg.WorkerCount = envutil.Int("WORKER_COUNT", cfg.WorkerCount)
	cfg.InstanceName = envutil.Str("INSTANCE_NAME", cfg.InstanceName)
	cfg.Retry.Max = envutil.Int("RETRY_MAX", cfg.Retry.Max)
	cfg.Retry.BaseDelay = envutil.Duration("RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = envutil.Duration("RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.ResultsBucket = envutil.Str("RESULTS_BUCKET", cfg.ResultsBucket)
	if origins := envutil.Str("ALLOW_ORIGINS", ""); origins != "" {
		cfg.AllowOrigins = strings.Split(origins, ",")
	}

	return cfg, nil
}

// Validate enforces the boot-time harmonization invariant. The process must
// refuse to start on violation; a bus that can yank a lock out from under a
// legally long-running handler corrupts the exactly-one-completion story.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("config: redis_addr is required")
	}
	if c.Queue.JobsName == "" || c.Queue.TasksName == "" {
		return fmt.Errorf("config: queue names must be non-empty")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("config: handler_timeout must be positive")
	}
	if c.Queue.LockDuration <= 0 {
		return fmt.Errorf("config: queue.lock_duration must be positive")
	}
	if c.Queue.LockDuration > c.HandlerTimeout {
		return fmt.Errorf("config: queue.lock_duration (%s) must not exceed handler_timeout (%s)", c.Queue.LockDuration, c.HandlerTimeout)
	}
	if c.Queue.AutoRenewMax != c.HandlerTimeout {
		return fmt.Errorf("config: queue.auto_renew_max (%s) must equal handler_timeout (%s)", c.Queue.AutoRenewMax, c.HandlerTimeout)
	}
	if c.Queue.MaxDeliveryCount != 1 {
		return fmt.Errorf("config: queue.max_delivery_count must be 1, got %d", c.Queue.MaxDeliveryCount)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("config: max_concurrent_calls must be >= 1")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be >= 1")
	}
	return nil
}
