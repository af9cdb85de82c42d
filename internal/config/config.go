package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the push delivery services
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	API       APIConfig       `mapstructure:"api"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
}

// RedisConfig holds Redis configuration. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// KafkaConfig holds Kafka configuration. No brokers disables enqueue events.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	GRPCPort int    `mapstructure:"grpc_port" validate:"min=1,max=65535"`
}

// ChannelsConfig holds push provider configuration
type ChannelsConfig struct {
	WebPush     WebPushConfig  `mapstructure:"webpush"`
	Firebase    FirebaseConfig `mapstructure:"firebase"`
	SendTimeout time.Duration  `mapstructure:"send_timeout" validate:"gt=0"`
}

// WebPushConfig holds VAPID credentials for the Web Push channel
type WebPushConfig struct {
	PublicKey          string `mapstructure:"public_key"`
	PrivateKey         string `mapstructure:"private_key"`
	Subject            string `mapstructure:"subject"`
	TTL                int    `mapstructure:"ttl" validate:"min=0"`
	PermanentStatusSet []int  `mapstructure:"permanent_status_codes"`
}

// Enabled reports whether the VAPID key pair is present.
func (c WebPushConfig) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// FirebaseConfig holds Firebase push notification configuration
type FirebaseConfig struct {
	CredentialsPath     string   `mapstructure:"credentials_path"`
	PermanentErrorCodes []string `mapstructure:"permanent_error_codes"`
}

// Enabled reports whether Firebase credentials are configured.
func (c FirebaseConfig) Enabled() bool {
	return c.CredentialsPath != ""
}

// ProcessorConfig holds batch processor tuning
type ProcessorConfig struct {
	BatchSize       int           `mapstructure:"batch_size" validate:"min=1"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"min=1"`
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	Retention       time.Duration `mapstructure:"retention" validate:"gt=0"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window" validate:"gt=0"`
}

// DedupConfig holds the tag suppression window
type DedupConfig struct {
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
}

// RetryConfig holds the backoff used for reconnecting to infrastructure
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=0"`
}

// MetricsConfig holds monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LogConfig selects the zap preset
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// ErrNoChannels is returned by RequireChannels when neither push channel is configured.
// Validate accepts such a config so the API can run without sender credentials.
var ErrNoChannels = errors.New("no push channel configured: set VAPID keys or Firebase credentials")

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks struct constraints. Channel presence is checked separately with
// RequireChannels because only the processor needs credentials.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RequireChannels fails when no push channel has credentials.
func (c *Config) RequireChannels() error {
	if !c.Channels.WebPush.Enabled() && !c.Channels.Firebase.Enabled() {
		return ErrNoChannels
	}
	if c.Channels.WebPush.Enabled() && c.Channels.WebPush.Subject == "" {
		return fmt.Errorf("invalid configuration: channels.webpush.subject is required with VAPID keys")
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "push_delivery")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 10*time.Minute)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "pending-notifications")
	v.SetDefault("kafka.group_id", "push-processor")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.grpc_port", 9090)

	// Channel defaults
	v.SetDefault("channels.send_timeout", 10*time.Second)
	v.SetDefault("channels.webpush.ttl", 3600)
	v.SetDefault("channels.webpush.permanent_status_codes", []int{404, 410})
	v.SetDefault("channels.firebase.permanent_error_codes", []string{
		"registration-token-not-registered",
		"invalid-registration-token",
		"invalid-argument",
	})

	// Processor defaults
	v.SetDefault("processor.batch_size", 10)
	v.SetDefault("processor.max_retries", 3)
	v.SetDefault("processor.interval", 5*time.Minute)
	v.SetDefault("processor.cleanup_interval", 24*time.Hour)
	v.SetDefault("processor.retention", 7*24*time.Hour)
	v.SetDefault("processor.freshness_window", 10*time.Minute)

	v.SetDefault("dedup.window", 60*time.Second)

	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.max_attempts", 5)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.development", false)

	// Map environment variables
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.database", "DB_NAME")
	v.BindEnv("database.ssl_mode", "DB_SSLMODE")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("channels.firebase.credentials_path", "FIREBASE_CREDENTIALS_PATH")
	v.BindEnv("channels.webpush.public_key", "VAPID_PUBLIC_KEY")
	v.BindEnv("channels.webpush.private_key", "VAPID_PRIVATE_KEY")
	v.BindEnv("channels.webpush.subject", "VAPID_SUBJECT")
	v.BindEnv("processor.batch_size", "PROCESSOR_BATCH_SIZE")
	v.BindEnv("processor.max_retries", "PROCESSOR_MAX_RETRIES")
	v.BindEnv("processor.interval", "PROCESSOR_INTERVAL")
}
