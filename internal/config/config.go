package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Stream   StreamConfig   `mapstructure:"stream"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Store    StoreConfig    `mapstructure:"store"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Report   ReportConfig   `mapstructure:"report"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
	Fixture  FixtureConfig  `mapstructure:"fixture"`
	Log      LogConfig      `mapstructure:"log"`
}

type StreamConfig struct {
	// Backend selects the transport: kafka, rabbitmq, or memory.
	Backend  string         `mapstructure:"backend"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	SASL     struct {
		Enabled   bool   `mapstructure:"enabled"`
		Mechanism string `mapstructure:"mechanism"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
	} `mapstructure:"sasl"`
	TLS struct {
		Enabled            bool `mapstructure:"enabled"`
		InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
}

type VerifyConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	GroupPrefix    string        `mapstructure:"group_prefix"`
}

type StoreConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type TransferConfig struct {
	S3   S3Config   `mapstructure:"s3"`
	SFTP SFTPConfig `mapstructure:"sftp"`
}

type S3Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	Provider     string `mapstructure:"provider"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type SFTPConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Addr                  string `mapstructure:"addr"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	KeyFile               string `mapstructure:"key_file"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
}

type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TriggerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type FixtureConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	RedisAddr  string `mapstructure:"redis_addr"`
	Topic      string `mapstructure:"topic"`
	Collection string `mapstructure:"collection"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("witness")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.backend", "kafka")
	v.SetDefault("verify.default_timeout", "5s")
	v.SetDefault("verify.retry_attempts", 3)
	v.SetDefault("verify.retry_backoff", "500ms")
	v.SetDefault("verify.group_prefix", "witness")
	v.SetDefault("transfer.s3.provider", "aws-sdk-v2")
	v.SetDefault("report.path", "witness-report.db")
	v.SetDefault("fixture.topic", "order-events")
	v.SetDefault("fixture.collection", "orders")
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	switch c.Stream.Backend {
	case "kafka":
		if len(c.Stream.Kafka.Brokers) == 0 {
			return fmt.Errorf("stream.kafka.brokers is required for the kafka backend")
		}
	case "rabbitmq":
		if c.Stream.RabbitMQ.URL == "" {
			return fmt.Errorf("stream.rabbitmq.url is required for the rabbitmq backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported stream backend %q", c.Stream.Backend)
	}
	if c.Verify.DefaultTimeout <= 0 {
		return fmt.Errorf("verify.default_timeout must be positive")
	}
	if c.Verify.RetryAttempts < 1 {
		return fmt.Errorf("verify.retry_attempts must be >= 1")
	}
	return nil
}
