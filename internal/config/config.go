package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Backends
const (
	QueueBackendMemory   = "memory"
	QueueBackendRabbitMQ = "rabbitmq"

	StorageBackendSQL  = "sql"
	StorageBackendFile = "file"

	SourceTypeHTML = "html"
	SourceTypeMock = "mock"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
	Worker       WorkerConfig       `yaml:"worker"`
	Queue        QueueBackendConfig `yaml:"queue"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Circuit      CircuitConfig      `yaml:"circuit"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Sources      []SourceConfig     `yaml:"sources"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQL state store connection configuration.
// Driver is one of postgres, pgx or sqlite; for sqlite Database is the file path.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	Queue              QueueConfig      `yaml:"queue"`
	DelayQueue         QueueConfig      `yaml:"delay_queue"`
	DelayTiers         []time.Duration  `yaml:"delay_tiers"`
	RoutingKey         string           `yaml:"routing_key"`
	ManifestRoutingKey string           `yaml:"manifest_routing_key"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
	Consumer           ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	CircuitWaitMax  time.Duration `yaml:"circuit_wait_max"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// an IN_PROGRESS attempt whose lease is not renewed within LeaseTTL is
	// reclaimed by the next recovery sweep
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// QueueBackendConfig selects the job queue implementation
type QueueBackendConfig struct {
	Backend string `yaml:"backend"`
	Buffer  int    `yaml:"buffer"`
}

// RateLimitConfig holds the default per-source pacing parameters
type RateLimitConfig struct {
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	DecayAfter  int           `yaml:"decay_after"`
	DecayFactor float64       `yaml:"decay_factor"`
	Jitter      float64       `yaml:"jitter"`
}

// CircuitConfig holds the per-source breaker parameters
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// DedupConfig holds near-duplicate detection parameters
type DedupConfig struct {
	Threshold     int `yaml:"threshold"`
	SmallSetSize  int `yaml:"small_set_size"`
	SmallSetRelax int `yaml:"small_set_relax"`
}

// StorageConfig selects the state store backend and blob location
type StorageConfig struct {
	Backend  string `yaml:"backend"`
	StateDir string `yaml:"state_dir"`
	BlobDir  string `yaml:"blob_dir"`
}

// OrchestratorConfig holds orchestrator settings
type OrchestratorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SourceConfig describes one listing source
type SourceConfig struct {
	Name          string        `yaml:"name"`
	Type          string        `yaml:"type"`
	Priority      int           `yaml:"priority"`
	URLTemplate   string        `yaml:"url_template"`
	ImageSelector string        `yaml:"image_selector"`
	UserAgent     string        `yaml:"user_agent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxImages     int           `yaml:"max_images"`
	MinDelay      time.Duration `yaml:"min_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	ImageCount    int           `yaml:"image_count"`
	FailureRate   float64       `yaml:"failure_rate"`
}

// Load reads and parses the configuration file, filling unset values with defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills zero values with the documented defaults
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueBackendRabbitMQ
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendSQL
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.AttemptTimeout == 0 {
		c.Worker.AttemptTimeout = 30 * time.Second
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.RetryBaseDelay == 0 {
		c.Worker.RetryBaseDelay = time.Second
	}
	if c.Worker.RetryMaxDelay == 0 {
		c.Worker.RetryMaxDelay = time.Minute
	}
	if c.Worker.CircuitWaitMax == 0 {
		c.Worker.CircuitWaitMax = time.Minute
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.LeaseTTL == 0 {
		c.Worker.LeaseTTL = 2 * c.Worker.AttemptTimeout
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = c.Worker.LeaseTTL / 3
	}

	if c.RateLimit.MinDelay == 0 {
		c.RateLimit.MinDelay = 500 * time.Millisecond
	}
	if c.RateLimit.MaxDelay == 0 {
		c.RateLimit.MaxDelay = time.Minute
	}
	if c.RateLimit.DecayAfter == 0 {
		c.RateLimit.DecayAfter = 5
	}
	if c.RateLimit.DecayFactor == 0 {
		c.RateLimit.DecayFactor = 0.8
	}
	if c.RateLimit.Jitter == 0 {
		c.RateLimit.Jitter = 0.2
	}

	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = 5
	}
	if c.Circuit.FailureWindow == 0 {
		c.Circuit.FailureWindow = 5 * time.Minute
	}
	if c.Circuit.Cooldown == 0 {
		c.Circuit.Cooldown = 5 * time.Minute
	}
	if c.Circuit.MaxCooldown == 0 {
		c.Circuit.MaxCooldown = time.Hour
	}

	if c.Dedup.Threshold == 0 {
		c.Dedup.Threshold = 10
	}
	if c.Dedup.SmallSetSize == 0 {
		c.Dedup.SmallSetSize = 5
	}
	if c.Dedup.SmallSetRelax == 0 {
		c.Dedup.SmallSetRelax = 2
	}

	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = 2 * time.Second
	}

	for i := range c.Sources {
		if c.Sources[i].Type == "" {
			c.Sources[i].Type = SourceTypeHTML
		}
		if c.Sources[i].ImageSelector == "" {
			c.Sources[i].ImageSelector = "img"
		}
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Queue.Backend == QueueBackendRabbitMQ || c.Queue.Backend == "" {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	} else if c.Queue.Backend != QueueBackendMemory {
		return fmt.Errorf("unknown queue backend: %q", c.Queue.Backend)
	}

	return nil
}

// ValidateAPIConfig checks the settings needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator poll_interval must be greater than 0")
	}
	return nil
}

// ValidateWorkerConfig checks the settings needed by the worker pool
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}

	if c.Worker.AttemptTimeout <= 0 {
		return fmt.Errorf("worker attempt_timeout must be greater than 0")
	}

	if c.Worker.RetryBaseDelay <= 0 || c.Worker.RetryMaxDelay < c.Worker.RetryBaseDelay {
		return fmt.Errorf("worker retry delays must satisfy 0 < retry_base_delay <= retry_max_delay")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 || c.Worker.LeaseTTL <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker lease must satisfy 0 < heartbeat_interval < lease_ttl")
	}

	if c.RateLimit.MinDelay <= 0 || c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		return fmt.Errorf("ratelimit delays must satisfy 0 < min_delay <= max_delay")
	}

	if c.RateLimit.DecayFactor <= 0 || c.RateLimit.DecayFactor >= 1 {
		return fmt.Errorf("ratelimit decay_factor must be between 0 and 1")
	}

	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit failure_threshold must be greater than 0")
	}

	if c.Circuit.Cooldown <= 0 || c.Circuit.MaxCooldown < c.Circuit.Cooldown {
		return fmt.Errorf("circuit cooldowns must satisfy 0 < cooldown <= max_cooldown")
	}

	if c.Dedup.Threshold < 0 || c.Dedup.Threshold >= 64 {
		return fmt.Errorf("dedup threshold must be between 0 and 63")
	}

	return c.validateSources()
}

// ValidateBatchConfig checks the settings needed to run a batch in-process,
// where no server or broker is involved
func (c *Config) ValidateBatchConfig() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.ValidateWorkerConfig()
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageBackendFile:
		if c.Storage.StateDir == "" {
			return fmt.Errorf("storage state_dir is required for the file backend")
		}
	case StorageBackendSQL, "":
		if err := c.validateDatabase(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if c.Storage.BlobDir == "" {
		return fmt.Errorf("storage blob_dir is required")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		return nil
	case "postgres", "pgx", "":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	for _, tier := range c.RabbitMQ.DelayTiers {
		if tier < time.Millisecond {
			return fmt.Errorf("invalid rabbitmq delay tier: %s (must be at least 1ms)", tier)
		}
	}
	return nil
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name: %s", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case SourceTypeHTML:
			if s.URLTemplate == "" {
				return fmt.Errorf("source %s: url_template is required", s.Name)
			}
		case SourceTypeMock:
			if s.FailureRate < 0 || s.FailureRate > 1 {
				return fmt.Errorf("source %s: failure_rate must be between 0 and 1", s.Name)
			}
		default:
			return fmt.Errorf("source %s: unknown type %q", s.Name, s.Type)
		}
	}
	return nil
}
