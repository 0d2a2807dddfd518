package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

const (
	BrokerDriverNATS   = "nats"
	BrokerDriverMemory = "memory"

	PayloadStoreFilesystem = "filesystem"
	PayloadStoreMinIO      = "minio"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	CORS         CORSConfig
	Log          LogConfig
	Broker       BrokerConfig
	Consumer     ConsumerConfig
	Outbox       OutboxConfig
	PayloadStore PayloadStoreConfig
	Pipeline     PipelineConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
	// TokenTTL applies to tokens minted by pipelinectl.
	TokenTTL time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BrokerConfig selects and addresses the message broker.
type BrokerConfig struct {
	Driver       string
	NATSURL      string
	ClientName   string
	TopologyFile string
	// MemoryBuffer sizes per-queue channels of the in-process broker.
	MemoryBuffer int
}

// ConsumerConfig bounds how long and how often a message is handled before it is dead-lettered.
type ConsumerConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HandlerTimeout time.Duration
	Concurrency    int
}

// OutboxConfig tunes the relay that drains outbox_messages into the broker.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
}

// PayloadStoreConfig chooses where raw submission payloads live.
type PayloadStoreConfig struct {
	Driver          string
	Dir             string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIORegion     string
	MinIOUseSSL     bool
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

// PipelineConfig holds process-level switches for the consumers.
type PipelineConfig struct {
	WorkersInProcess bool
	InflightLeaseTTL time.Duration
	// ConnectAttempts bounds start-up connects to postgres, the broker and the payload store.
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		TokenTTL: parseDuration(v.GetString("JWT_TOKEN_TTL"), time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Broker = BrokerConfig{
		Driver:       strings.ToLower(v.GetString("BROKER_DRIVER")),
		NATSURL:      v.GetString("NATS_URL"),
		ClientName:   v.GetString("NATS_CLIENT_NAME"),
		TopologyFile: v.GetString("TOPOLOGY_FILE"),
		MemoryBuffer: v.GetInt("MEMORY_BROKER_BUFFER"),
	}

	cfg.Consumer = ConsumerConfig{
		MaxAttempts:    v.GetInt("CONSUMER_MAX_ATTEMPTS"),
		InitialBackoff: parseDuration(v.GetString("CONSUMER_INITIAL_BACKOFF"), time.Second),
		MaxBackoff:     parseDuration(v.GetString("CONSUMER_MAX_BACKOFF"), time.Minute),
		HandlerTimeout: parseDuration(v.GetString("CONSUMER_HANDLER_TIMEOUT"), 30*time.Second),
		Concurrency:    v.GetInt("CONSUMER_CONCURRENCY"),
	}

	cfg.Outbox = OutboxConfig{
		PollInterval: parseDuration(v.GetString("OUTBOX_POLL_INTERVAL"), 2*time.Second),
		BatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
		ClaimTTL:     parseDuration(v.GetString("OUTBOX_CLAIM_TTL"), 30*time.Second),
	}

	cfg.PayloadStore = PayloadStoreConfig{
		Driver:          strings.ToLower(v.GetString("PAYLOAD_STORE")),
		Dir:             v.GetString("PAYLOAD_DIR"),
		MinIOEndpoint:   v.GetString("MINIO_ENDPOINT"),
		MinIOAccessKey:  v.GetString("MINIO_ACCESS_KEY"),
		MinIOSecretKey:  v.GetString("MINIO_SECRET_KEY"),
		MinIOBucket:     v.GetString("MINIO_BUCKET"),
		MinIORegion:     v.GetString("MINIO_REGION"),
		MinIOUseSSL:     v.GetBool("MINIO_USE_SSL"),
		SignedURLSecret: v.GetString("PAYLOAD_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("PAYLOAD_URL_TTL"), 30*time.Minute),
	}

	cfg.Pipeline = PipelineConfig{
		WorkersInProcess: v.GetBool("WORKERS_IN_PROCESS"),
		InflightLeaseTTL: parseDuration(v.GetString("INFLIGHT_LEASE_TTL"), 2*time.Minute),
		ConnectAttempts:  v.GetInt("STARTUP_CONNECT_ATTEMPTS"),
		ConnectBackoff:   parseDuration(v.GetString("STARTUP_CONNECT_BACKOFF"), time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "esg_pipeline")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "esg-pipeline")
	v.SetDefault("JWT_TOKEN_TTL", "1h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BROKER_DRIVER", BrokerDriverNATS)
	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("NATS_CLIENT_NAME", "esg-pipeline")
	v.SetDefault("TOPOLOGY_FILE", "")
	v.SetDefault("MEMORY_BROKER_BUFFER", 256)

	v.SetDefault("CONSUMER_MAX_ATTEMPTS", 5)
	v.SetDefault("CONSUMER_INITIAL_BACKOFF", "1s")
	v.SetDefault("CONSUMER_MAX_BACKOFF", "1m")
	v.SetDefault("CONSUMER_HANDLER_TIMEOUT", "30s")
	v.SetDefault("CONSUMER_CONCURRENCY", 4)

	v.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_CLAIM_TTL", "30s")

	v.SetDefault("PAYLOAD_STORE", PayloadStoreFilesystem)
	v.SetDefault("PAYLOAD_DIR", "./payloads")
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET", "esg-payloads")
	v.SetDefault("MINIO_REGION", "us-east-1")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("PAYLOAD_URL_SECRET", "dev_payload_secret")
	v.SetDefault("PAYLOAD_URL_TTL", "30m")

	v.SetDefault("WORKERS_IN_PROCESS", false)
	v.SetDefault("INFLIGHT_LEASE_TTL", "2m")
	v.SetDefault("STARTUP_CONNECT_ATTEMPTS", 5)
	v.SetDefault("STARTUP_CONNECT_BACKOFF", "1s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
