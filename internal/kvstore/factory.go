package kvstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"arcstore/internal/arc"
	"arcstore/internal/config"
)

// DBFileName is the SQLite database file inside the store data directory.
const DBFileName = "arcstore.db"

// NewFromConfig creates a KV engine based on the store config type.
func NewFromConfig(ctx context.Context, cfg config.StoreConfig) (arc.KV, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		kv, err := NewSQLiteKV(filepath.Join(cfg.DataDir, DBFileName))
		if err != nil {
			return nil, err
		}
		return kv, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres store")
		}
		kv, err := NewPostgresKV(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return kv, nil
	case "dynamodb":
		if cfg.Table == "" {
			return nil, fmt.Errorf("table required for dynamodb store")
		}
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		return NewDynamoDBKV(client, cfg.Table), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
