package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mwhitton/conveyor/internal/logger"
)

// Config holds all configuration for the Conveyor service
type Config struct {
	// Port is the HTTP listen port
	Port int `yaml:"port"`
	// MaxWorkers is the upper bound on concurrently executing workers
	MaxWorkers int `yaml:"max_workers"`
	// MinWorkers is the number of workers idle cleanup keeps alive
	MinWorkers int `yaml:"min_workers"`
	// JobTimeout is the default per-attempt execution deadline
	JobTimeout time.Duration `yaml:"job_timeout"`
	// MaxRetries is the default maximum number of retry attempts for failed jobs
	MaxRetries int `yaml:"max_retries"`
	// QueueCapacity is the soft bound used to inform admission; enqueue is not
	// rejected when exceeded
	QueueCapacity int `yaml:"queue_capacity"`
	// PollInterval is how long the dispatcher sleeps on an empty queue
	PollInterval time.Duration `yaml:"poll_interval"`
	// CapacityBackoff is how long the dispatcher sleeps when all workers are busy
	CapacityBackoff time.Duration `yaml:"capacity_backoff"`
	// Executor selects the command executor: "shell" or "echo"
	Executor string `yaml:"executor"`
	// PprofPort enables the pprof listener on a side port when > 0
	PprofPort int `yaml:"pprof_port"`
	// Logging configuration
	Logging *logger.Config `yaml:"logging"`
}

// Load reads configuration from an optional YAML file named by CONVEYOR_CONFIG,
// then applies environment variables on top. Environment always wins.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            4000,
		MaxWorkers:      10,
		MinWorkers:      1,
		JobTimeout:      30 * time.Second,
		MaxRetries:      3,
		QueueCapacity:   1000,
		PollInterval:    100 * time.Millisecond,
		CapacityBackoff: 5 * time.Second,
		Executor:        "shell",
		PprofPort:       0,
		Logging:         logger.DefaultConfig(),
	}

	if path := os.Getenv("CONVEYOR_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnvAsInt("PORT", cfg.Port)
	cfg.MaxWorkers = getEnvAsInt("MAX_WORKERS", cfg.MaxWorkers)
	cfg.MinWorkers = getEnvAsInt("MIN_WORKERS", cfg.MinWorkers)
	cfg.JobTimeout = getEnvAsDuration("JOB_TIMEOUT", cfg.JobTimeout)
	cfg.MaxRetries = getEnvAsInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.QueueCapacity = getEnvAsInt("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.PollInterval = getEnvAsDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.CapacityBackoff = getEnvAsDuration("CAPACITY_BACKOFF", cfg.CapacityBackoff)
	cfg.Executor = getEnv("EXECUTOR", cfg.Executor)
	cfg.PprofPort = getEnvAsInt("PPROF_PORT", cfg.PprofPort)

	loadLoggingConfig(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the loaded configuration for consistency
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in [1, 65535], got %d", c.Port)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be at least 1")
	}
	if c.MinWorkers < 0 || c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("MIN_WORKERS must be in [0, MAX_WORKERS]")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}
	switch c.Executor {
	case "shell", "echo":
	default:
		return fmt.Errorf("EXECUTOR must be \"shell\" or \"echo\", got %q", c.Executor)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig applies LOG_* environment variables on top of cfg
func loadLoggingConfig(cfg *logger.Config) {
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", cfg.Console.Enabled)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", cfg.Console.Color)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", cfg.Console.BufferSize)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", cfg.Console.FlushInterval)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", cfg.File.Enabled)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", cfg.File.BufferSize)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", cfg.File.BatchSize)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", cfg.File.BatchInterval)
}
