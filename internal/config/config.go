package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root of configs/agentpay.yaml.
type Config struct {
	Ledger   LedgerConfig   `yaml:"ledger"`
	Payment  PaymentConfig  `yaml:"payment"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Queue    QueueConfig    `yaml:"queue"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LedgerConfig selects the value-transfer backend.
type LedgerConfig struct {
	Driver   string         `yaml:"driver"` // memory | ethereum
	Ethereum EthereumConfig `yaml:"ethereum"`
}

// EthereumConfig points the on-chain gateway at a token contract. The
// operator key is read from the named environment variable, never from the
// file itself.
type EthereumConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	TokenAddress   string `yaml:"token_address"`
	ChainID        int64  `yaml:"chain_id"`
	OperatorKeyEnv string `yaml:"operator_key_env"`
}

// PaymentConfig parametrizes the payment orchestrator.
type PaymentConfig struct {
	EscrowAddress string `yaml:"escrow_address"`
}

// WorkflowConfig parametrizes the workflow engine and trigger pipeline.
type WorkflowConfig struct {
	StepCeiling  int    `yaml:"step_ceiling"`
	ExecutionFee string `yaml:"execution_fee"` // smallest token unit, decimal string
	FeeCollector string `yaml:"fee_collector"`
	MaxRetries   int    `yaml:"max_retries"`
}

// ArchiveConfig selects where settled payments and finished executions are
// archived.
type ArchiveConfig struct {
	Driver string      `yaml:"driver"` // file | mysql
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig describes the archive database connection.
type MySQLConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
}

// QueueConfig selects the trigger queue driver.
type QueueConfig struct {
	Driver   string         `yaml:"driver"` // memory | redis | rabbitmq
	Workers  int            `yaml:"workers"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig describes the Redis trigger queue.
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig describes the RabbitMQ trigger queue.
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig controls the audit trail output.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// RuntimeConfig holds cross-cutting runtime parameters.
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load parses the YAML configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "file"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Workflow.MaxRetries <= 0 {
		c.Workflow.MaxRetries = 3
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}
