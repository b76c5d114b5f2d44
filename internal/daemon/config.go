package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from a TOML file.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	AMQP    AMQPConfig    `toml:"amqp"`
	Retry   RetryConfig   `toml:"retry"`
	Workers WorkerConfig  `toml:"workers"`
	API     APIConfig     `toml:"api"`
	Metrics MetricsConfig `toml:"metrics"`
}

type StorageConfig struct {
	Path string `toml:"path"` // sqlite database file
}

// AMQPConfig names the broker topology. An empty URL selects the in-process
// queue, which is useful for local development and tests.
type AMQPConfig struct {
	URL                 string `toml:"url"`
	TransactionExchange string `toml:"transaction_exchange"`
	TransactionQueue    string `toml:"transaction_queue"`
	TransactionKey      string `toml:"transaction_key"`
	TuitionExchange     string `toml:"tuition_exchange"`
	ConfirmedKey        string `toml:"confirmed_key"`
	FailedKey           string `toml:"failed_key"`
}

type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelay   string  `toml:"base_delay"` // e.g. "1s"
	Multiplier  float64 `toml:"multiplier"`
}

type WorkerConfig struct {
	Count   int    `toml:"count"`
	Timeout string `toml:"timeout"` // per-message budget, e.g. "30s"
}

type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Path: "edupay.db",
		},
		AMQP: AMQPConfig{
			TransactionExchange: "transactions",
			TransactionQueue:    "tuition-payments",
			TransactionKey:      "transaction.created",
			TuitionExchange:     "tuition",
			ConfirmedKey:        "tuition.payment.confirmed",
			FailedKey:           "tuition.payment.failed",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   "1s",
			Multiplier:  2,
		},
		Workers: WorkerConfig{
			Count:   4,
			Timeout: "30s",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the config file at path, falling back to defaults for any
// missing section. A missing file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields that would otherwise fail deep inside the
// pipeline with a worse error.
func (c Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if _, err := time.ParseDuration(c.Retry.BaseDelay); err != nil {
		return fmt.Errorf("retry.base_delay: %w", err)
	}
	if _, err := time.ParseDuration(c.Workers.Timeout); err != nil {
		return fmt.Errorf("workers.timeout: %w", err)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	return nil
}

// Delay returns the parsed retry base delay.
func (c RetryConfig) Delay() time.Duration {
	return parseDuration(c.BaseDelay, time.Second)
}

// MessageTimeout returns the parsed per-message budget.
func (c WorkerConfig) MessageTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// Addr returns the host:port the API server binds to.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// WriteDefault writes a commented default config file to path, creating
// parent directories as needed. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(defaultConfigTOML); err != nil {
		return err
	}
	return nil
}

const defaultConfigTOML = `# edupay daemon configuration

[storage]
path = "edupay.db"

[amqp]
# Leave url empty to run with the in-process queue (local development).
url = ""
transaction_exchange = "transactions"
transaction_queue = "tuition-payments"
transaction_key = "transaction.created"
tuition_exchange = "tuition"
confirmed_key = "tuition.payment.confirmed"
failed_key = "tuition.payment.failed"

[retry]
max_attempts = 3
base_delay = "1s"
multiplier = 2.0

[workers]
count = 4
timeout = "30s"

[api]
host = "127.0.0.1"
port = 8090

[metrics]
enabled = true
`
