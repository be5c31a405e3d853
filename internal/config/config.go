// Package config loads the command's settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendDynamo = "dynamodb"
	BackendMongo  = "mongodb"
	BackendRedis  = "redis"
)

// Config holds application configuration.
type Config struct {
	Backend       string
	Collection    string
	LogLevel      string
	MetricsAddr   string
	TxMaxAttempts int
	TxBackoff     time.Duration

	DynamoDB DynamoDBConfig
	MongoDB  MongoDBConfig
	Redis    RedisConfig
}

// DynamoDBConfig selects the DynamoDB table prefix and client endpoint.
// Endpoint overrides the AWS resolver, for DynamoDB Local.
type DynamoDBConfig struct {
	TablePrefix string
	Endpoint    string
	Region      string
	Profile     string
}

// MongoDBConfig holds the connection URI, database name and connect timeout.
type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// RedisConfig addresses the Redis server. Prefix namespaces every key.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Load reads configuration from the environment, after loading envFile
// when it exists. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PERSONS_BACKEND", BackendMemory)
	v.SetDefault("PERSONS_COLLECTION", "persons")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TX_MAX_ATTEMPTS", 5)
	v.SetDefault("TX_BACKOFF", "10ms")
	v.SetDefault("MONGODB_DATABASE", "personstore")
	v.SetDefault("MONGODB_TIMEOUT", 10)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "personstore")

	cfg := &Config{
		Backend:       strings.ToLower(v.GetString("PERSONS_BACKEND")),
		Collection:    v.GetString("PERSONS_COLLECTION"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		MetricsAddr:   v.GetString("METRICS_ADDR"),
		TxMaxAttempts: v.GetInt("TX_MAX_ATTEMPTS"),
		TxBackoff:     v.GetDuration("TX_BACKOFF"),
		DynamoDB: DynamoDBConfig{
			TablePrefix: v.GetString("DYNAMODB_TABLE_PREFIX"),
			Endpoint:    v.GetString("DYNAMODB_ENDPOINT"),
			Region:      v.GetString("AWS_REGION"),
			Profile:     v.GetString("AWS_PROFILE"),
		},
		MongoDB: MongoDBConfig{
			URI:      v.GetString("MONGODB_URI"),
			Database: v.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(v.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Prefix:   v.GetString("REDIS_PREFIX"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendMemory, BackendDynamo, BackendRedis:
	case BackendMongo:
		if c.MongoDB.URI == "" {
			return fmt.Errorf("config: MONGODB_URI is required for the %s backend", BackendMongo)
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("config: TX_MAX_ATTEMPTS must be positive, got %d", c.TxMaxAttempts)
	}
	if c.TxBackoff < 0 {
		return fmt.Errorf("config: TX_BACKOFF must not be negative, got %s", c.TxBackoff)
	}
	return nil
}
