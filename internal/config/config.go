// Package config loads the bridge configuration from a YAML or TOML file, applies
// environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Transports
const (
	TransportMemory   = "memory"
	TransportRabbitMQ = "rabbitmq"
	TransportSQS      = "sqs"
	TransportPostgres = "postgres"
)

// Config is the complete bridge configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	QueueManager QueueManagerConfig `yaml:"queue_manager" toml:"queue_manager"`
	Transport    string             `yaml:"transport" toml:"transport"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq" toml:"rabbitmq"`
	SQS          SQSConfig          `yaml:"sqs" toml:"sqs"`
	Postgres     PostgresConfig     `yaml:"postgres" toml:"postgres"`
	Messaging    MessagingConfig    `yaml:"messaging" toml:"messaging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	MaxConns        int           `yaml:"max_conns" toml:"max_conns"` // 0 means unlimited
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	EnableMCP       bool          `yaml:"enable_mcp" toml:"enable_mcp"`
}

// QueueManagerConfig identifies the queue manager and the credentials used to reach it.
type QueueManagerConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Name     string `yaml:"name" toml:"name"`
	Channel  string `yaml:"channel" toml:"channel"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
}

// RabbitMQConfig holds rabbitmq transport settings.
type RabbitMQConfig struct {
	URL           string `yaml:"url" toml:"url"`
	VHost         string `yaml:"vhost" toml:"vhost"`
	PoolSize      int    `yaml:"pool_size" toml:"pool_size"`
	DialRetries   int    `yaml:"dial_retries" toml:"dial_retries"`
	DeclareQueues bool   `yaml:"declare_queues" toml:"declare_queues"`
}

// SQSConfig holds sqs transport settings.
type SQSConfig struct {
	Region            string `yaml:"region" toml:"region"`
	Endpoint          string `yaml:"endpoint" toml:"endpoint"`
	VisibilityTimeout int32  `yaml:"visibility_timeout" toml:"visibility_timeout"` // seconds
}

// PostgresConfig holds postgres transport settings.
type PostgresConfig struct {
	DSN        string `yaml:"dsn" toml:"dsn"`
	Migrate    bool   `yaml:"migrate" toml:"migrate"`
	AutoDefine bool   `yaml:"auto_define" toml:"auto_define"`
}

// MessagingConfig tunes the queue session protocol.
type MessagingConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout" toml:"operation_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout" toml:"close_timeout"`
	BrowseWait       time.Duration `yaml:"browse_wait" toml:"browse_wait"`
	MaxMessageLength int           `yaml:"max_message_length" toml:"max_message_length"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			EnableMCP:       true,
		},
		QueueManager: QueueManagerConfig{
			Host:    "localhost",
			Port:    1414,
			Name:    "QM1",
			Channel: "DEV.APP.SVRCONN",
		},
		Transport: TransportMemory,
		RabbitMQ: RabbitMQConfig{
			VHost:       "/",
			PoolSize:    4,
			DialRetries: 3,
		},
		SQS: SQSConfig{
			Region:            "us-east-1",
			VisibilityTimeout: 30,
		},
		Messaging: MessagingConfig{
			OperationTimeout: 30 * time.Second,
			CloseTimeout:     5 * time.Second,
			BrowseWait:       100 * time.Millisecond,
			MaxMessageLength: mq.MaxMessageLength,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies environment overrides
// and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads path over the defaults without environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	cleanPath := filepath.Clean(path)
	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".toml":
		if _, err := toml.DecodeFile(cleanPath, cfg); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
		}
	case ".yaml", ".yml":
		content, err := os.ReadFile(cleanPath)
		if err != nil {
			return fmt.Errorf("failed to read config %s: %w", cleanPath, err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", filepath.Ext(cleanPath))
	}
	return nil
}

// applyEnv overrides fields from ASYA_MQ_* variables.
func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("ASYA_MQ_LISTEN_ADDR", c.Server.Addr)
	c.QueueManager.Host = getEnv("ASYA_MQ_HOST", c.QueueManager.Host)
	c.QueueManager.Name = getEnv("ASYA_MQ_QMGR", c.QueueManager.Name)
	c.QueueManager.Channel = getEnv("ASYA_MQ_CHANNEL", c.QueueManager.Channel)
	c.QueueManager.User = getEnv("ASYA_MQ_USER", c.QueueManager.User)
	c.QueueManager.Password = getEnv("ASYA_MQ_PASSWORD", c.QueueManager.Password)
	c.Transport = getEnv("ASYA_MQ_TRANSPORT", c.Transport)
	c.RabbitMQ.URL = getEnv("ASYA_MQ_RABBITMQ_URL", c.RabbitMQ.URL)
	c.SQS.Region = getEnv("ASYA_MQ_SQS_REGION", c.SQS.Region)
	c.SQS.Endpoint = getEnv("ASYA_MQ_SQS_ENDPOINT", c.SQS.Endpoint)
	c.Postgres.DSN = getEnv("ASYA_MQ_PG_DSN", c.Postgres.DSN)

	var err error
	if c.QueueManager.Port, err = envInt("ASYA_MQ_PORT", c.QueueManager.Port); err != nil {
		return err
	}
	if c.Server.MaxConns, err = envInt("ASYA_MQ_MAX_CONNS", c.Server.MaxConns); err != nil {
		return err
	}
	if c.Messaging.OperationTimeout, err = envDuration("ASYA_MQ_OPERATION_TIMEOUT", c.Messaging.OperationTimeout); err != nil {
		return err
	}
	if c.Messaging.CloseTimeout, err = envDuration("ASYA_MQ_CLOSE_TIMEOUT", c.Messaging.CloseTimeout); err != nil {
		return err
	}
	if c.Messaging.BrowseWait, err = envDuration("ASYA_MQ_BROWSE_WAIT", c.Messaging.BrowseWait); err != nil {
		return err
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns cannot be negative")
	}
	if c.QueueManager.Name == "" {
		return fmt.Errorf("queue_manager.name is required")
	}
	if c.QueueManager.Port < 0 || c.QueueManager.Port > 65535 {
		return fmt.Errorf("queue_manager.port %d out of range", c.QueueManager.Port)
	}

	switch c.Transport {
	case TransportMemory:
	case TransportRabbitMQ:
		if c.RabbitMQ.URL == "" && c.QueueManager.Host == "" {
			return fmt.Errorf("rabbitmq transport needs rabbitmq.url or queue_manager.host")
		}
	case TransportSQS:
		if c.SQS.Region == "" {
			return fmt.Errorf("sqs.region is required")
		}
		if c.SQS.VisibilityTimeout < 0 || c.SQS.VisibilityTimeout > 43200 {
			return fmt.Errorf("sqs.visibility_timeout must be between 0 and 43200 seconds")
		}
	case TransportPostgres:
		if c.Postgres.DSN == "" && c.QueueManager.Host == "" {
			return fmt.Errorf("postgres transport needs postgres.dsn or queue_manager.host")
		}
	default:
		return fmt.Errorf("unknown transport %q (must be memory, rabbitmq, sqs, or postgres)", c.Transport)
	}

	if c.Messaging.OperationTimeout <= 0 {
		return fmt.Errorf("messaging.operation_timeout must be positive")
	}
	if c.Messaging.CloseTimeout <= 0 {
		return fmt.Errorf("messaging.close_timeout must be positive")
	}
	if c.Messaging.BrowseWait < 0 {
		return fmt.Errorf("messaging.browse_wait cannot be negative")
	}
	if c.Messaging.MaxMessageLength <= 0 {
		return fmt.Errorf("messaging.max_message_length must be positive")
	}
	return nil
}

// ConnectParams returns the queue manager connection parameters.
func (c *Config) ConnectParams() mq.ConnectParams {
	return mq.ConnectParams{
		Host:             c.QueueManager.Host,
		Port:             c.QueueManager.Port,
		QueueManagerName: c.QueueManager.Name,
		ChannelName:      c.QueueManager.Channel,
		UserID:           c.QueueManager.User,
		Password:         c.QueueManager.Password,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envInt is strict: a set but malformed value is an error rather than a silent default.
func envInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	return n, nil
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	return d, nil
}
