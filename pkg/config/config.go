package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration for the pipeline service.
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Buckets  BucketConfig
	Kafka    KafkaConfig
	Tracing  TracingConfig
	Pipeline PipelineConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"bibliotecarc-pipeline"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	Name     string `env:"DB_NAME" envDefault:"bibliotecarc"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

// BucketConfig maps upload categories to buckets. CategoryBuckets uses the
// env map syntax, e.g. "documentos:acervo-docs,fotos:acervo-media".
type BucketConfig struct {
	Default         string            `env:"STORAGE_BUCKET" envDefault:"acervo-media"`
	CategoryBuckets map[string]string `env:"STORAGE_CATEGORY_BUCKETS"`
}

type KafkaConfig struct {
	Enabled          bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	EventsTopic      string        `env:"KAFKA_EVENTS_TOPIC" envDefault:"bibliotecarc.assets"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"1s"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=bibliotecarc"`
}

// PipelineConfig tunes the background workers. The TTL and batch sizes are
// operational policy, not constants.
type PipelineConfig struct {
	CronSecret        string        `env:"CRON_SECRET"`
	AlertWebhookURL   string        `env:"ALERT_WEBHOOK_URL"`
	JobTTL            time.Duration `env:"PIPELINE_JOB_TTL" envDefault:"1h"`
	RelayBatchSize    int           `env:"PIPELINE_RELAY_BATCH" envDefault:"50"`
	ReconcileBatch    int           `env:"PIPELINE_RECONCILE_BATCH" envDefault:"100"`
	RelayInterval     time.Duration `env:"PIPELINE_RELAY_INTERVAL" envDefault:"1m"`
	ReconcileInterval time.Duration `env:"PIPELINE_RECONCILE_INTERVAL" envDefault:"5m"`
	PresignExpiry     time.Duration `env:"PIPELINE_PRESIGN_EXPIRY" envDefault:"30m"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
