package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Writer struct {
		Backend       string        `yaml:"backend"` // "clickhouse" or "kafka"
		BatchSize     int           `yaml:"batch_size"`
		BatchWindow   time.Duration `yaml:"batch_window"`
		MaxRetries    int           `yaml:"max_retries"`
		RetryBackoff  time.Duration `yaml:"retry_backoff"`
		QueueCapacity int           `yaml:"queue_capacity"`
	} `yaml:"writer"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Cache struct {
		QuoteTTL       time.Duration `yaml:"quote_ttl"`
		IntradayTTL    time.Duration `yaml:"intraday_ttl"`
		DailyTTL       time.Duration `yaml:"daily_ttl"`
		MemoryMaxItems int           `yaml:"memory_max_items"`
	} `yaml:"cache"`
	Sources struct {
		Finnhub struct {
			Enabled        bool          `yaml:"enabled"`
			APIKey         string        `yaml:"api_key"`
			BaseURL        string        `yaml:"base_url"`
			Priority       int           `yaml:"priority"`
			WebSocketURL   string        `yaml:"websocket_url"`
			StreamEnabled  bool          `yaml:"stream_enabled"`
			Symbols        []string      `yaml:"symbols"`
			ReconnectDelay time.Duration `yaml:"reconnect_delay"`
			PingInterval   time.Duration `yaml:"ping_interval"`
		} `yaml:"finnhub"`
		AlphaVantage struct {
			Enabled  bool   `yaml:"enabled"`
			APIKey   string `yaml:"api_key"`
			BaseURL  string `yaml:"base_url"`
			Priority int    `yaml:"priority"`
		} `yaml:"alphavantage"`
	} `yaml:"sources"`
	Failover struct {
		TopK             int           `yaml:"top_k"`
		PerCallTimeout   time.Duration `yaml:"per_call_timeout"`
		Tolerance        float64       `yaml:"tolerance"`
		FailureThreshold int           `yaml:"failure_threshold"`
		BackoffBase      time.Duration `yaml:"backoff_base"`
		BackoffCeiling   time.Duration `yaml:"backoff_ceiling"`
		ProbeInterval    time.Duration `yaml:"probe_interval"`
		ProbeSymbol      string        `yaml:"probe_symbol"`
	} `yaml:"failover"`
	Rollup struct {
		Width               time.Duration `yaml:"width"`
		Grace               time.Duration `yaml:"grace"`
		Interval            time.Duration `yaml:"interval"`
		RetentionMaxAge     time.Duration `yaml:"retention_max_age"`
		CompressAge         time.Duration `yaml:"compress_age"`
		MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	} `yaml:"rollup"`
	Pipeline struct {
		MaxRPS     int `yaml:"max_rps"`
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"pipeline"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		c.Sources.Finnhub.APIKey = v
	}
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		c.Sources.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Sources.Finnhub.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("WRITER_BACKEND"); v != "" {
		c.Writer.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}

	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Writer.Backend == "" {
		return fmt.Errorf("writer.backend is required")
	}
	if c.Writer.Backend != "kafka" && c.Writer.Backend != "clickhouse" {
		return fmt.Errorf("writer.backend must be 'kafka' or 'clickhouse', got '%s'", c.Writer.Backend)
	}
	if !c.Sources.Finnhub.Enabled && !c.Sources.AlphaVantage.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}
	if c.Sources.Finnhub.Enabled && c.Sources.Finnhub.APIKey == "" {
		return fmt.Errorf("sources.finnhub.api_key is required when finnhub is enabled")
	}
	if c.Sources.AlphaVantage.Enabled && c.Sources.AlphaVantage.APIKey == "" {
		return fmt.Errorf("sources.alphavantage.api_key is required when alphavantage is enabled")
	}
	if c.Sources.Finnhub.StreamEnabled && len(c.Sources.Finnhub.Symbols) == 0 {
		return fmt.Errorf("sources.finnhub.symbols cannot be empty when the stream is enabled")
	}
	if c.Failover.Tolerance < 0 {
		return fmt.Errorf("failover.tolerance must be non-negative")
	}
	return nil
}
