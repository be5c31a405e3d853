// Package backend opens the document store named by the configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jacentio/personstore/docstore"
	"github.com/jacentio/personstore/docstore/dynamo"
	"github.com/jacentio/personstore/docstore/memory"
	"github.com/jacentio/personstore/docstore/mongostore"
	"github.com/jacentio/personstore/docstore/redisstore"
	"github.com/jacentio/personstore/internal/config"
)

// Closer releases a backend's connections.
type Closer func(ctx context.Context) error

func noopCloser(context.Context) error { return nil }

// Open connects to the configured backend.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Client, Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(docstore.Config{MaxAttempts: cfg.TxMaxAttempts}), noopCloser, nil

	case config.BackendDynamo:
		client, err := DynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		s := dynamo.New(client, dynamo.Config{
			TablePrefix:  cfg.DynamoDB.TablePrefix,
			MaxAttempts:  cfg.TxMaxAttempts,
			RetryBackoff: cfg.TxBackoff,
		})
		s.SetLogger(logger)
		return s, noopCloser, nil

	case config.BackendMongo:
		client, err := mongostore.Connect(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
		if err != nil {
			return nil, nil, err
		}
		s := mongostore.New(client.Database(cfg.MongoDB.Database), mongostore.Config{
			MaxAttempts:  cfg.TxMaxAttempts,
			RetryBackoff: cfg.TxBackoff,
		})
		s.SetLogger(logger)
		return s, func(ctx context.Context) error { return client.Disconnect(ctx) }, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		s := redisstore.New(client, redisstore.Config{
			Prefix:       cfg.Redis.Prefix,
			MaxAttempts:  cfg.TxMaxAttempts,
			RetryBackoff: cfg.TxBackoff,
		})
		s.SetLogger(logger)
		return s, func(context.Context) error { return client.Close() }, nil
	}

	return nil, nil, fmt.Errorf("backend: unknown backend %q", cfg.Backend)
}

// DynamoClient builds a DynamoDB client from the default AWS credential
// chain, honoring an explicit region, profile and endpoint.
func DynamoClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
