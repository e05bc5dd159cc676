package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName            string `env:"APP_NAME" envDefault:"clover"`
	Port               int    `env:"PORT" envDefault:"3004"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" envDefault:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" envDefault:"5"`

	// Normalization
	DefaultRegion string `env:"DEFAULT_REGION" envDefault:"US"`

	// PostgreSQL (claim store)
	DatabaseDriver                string        `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" envDefault:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" envDefault:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" envDefault:""`
	DatabasePassword              string        `env:"DB_PASSWORD" envDefault:""`
	DatabaseName                  string        `env:"DB_NAME" envDefault:"clover"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" envDefault:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" envDefault:"db/pg"`
	DatabaseMigrationVersion      uint          `env:"DB_MIGRATION_VERSION" envDefault:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" envDefault:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" envDefault:"true"`

	// Graph projection (Neo4j / Memgraph)
	GraphProjectionEnabled bool   `env:"GRAPH_PROJECTION_ENABLED" envDefault:"false"`
	GraphDBHost            string `env:"GRAPH_DB_HOST" envDefault:"localhost"`
	GraphDBPort            int    `env:"GRAPH_DB_PORT" envDefault:"7687"`
	GraphDBUser            string `env:"GRAPH_DB_USER" envDefault:""`
	GraphDBPassword        string `env:"GRAPH_DB_PASSWORD" envDefault:""`

	// Kafka consumer (observations from ingestion adapters)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" envDefault:"identity-observations"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"clover-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" envDefault:"true"`

	// Kafka producer (person events)
	KafkaProducerEnabled bool   `env:"KAFKA_PRODUCER_ENABLED" envDefault:"true"`
	KafkaOutputTopic     string `env:"KAFKA_OUTPUT_TOPIC" envDefault:"person-events"`
	KafkaBatchSize       int    `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	KafkaBatchTimeout    int    `env:"KAFKA_BATCH_TIMEOUT_MS" envDefault:"100"`
	KafkaRequiredAcks    int    `env:"KAFKA_REQUIRED_ACKS" envDefault:"1"`
	KafkaCompression     string `env:"KAFKA_COMPRESSION" envDefault:"snappy"`

	// Tracing
	OTLPEnabled  bool          `env:"OTLP_ENABLED" envDefault:"false"`
	OTLPEndpoint string        `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPProtocol string        `env:"OTLP_PROTOCOL" envDefault:"grpc"`
	OTLPInsecure bool          `env:"OTLP_INSECURE" envDefault:"true"`
	OTLPTimeout  time.Duration `env:"OTLP_TIMEOUT" envDefault:"10s"`
}

// Load reads the optional .env files that exist and parses the environment into a Config.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}

	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
