package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

const healthCheckTimeout = 5 * time.Second

// Resources holds the server's long-lived external clients: the Postgres pool
// behind the patch log, the Redis client shared by broadcast fan-out and
// presence tracking, and the object-storage client the snapshot worker writes
// through.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	bucket string
}

// NewResources connects every external dependency named in cfg and verifies
// each one before the server starts accepting connections. A failed health
// check releases whatever was already opened.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pool, err := newPatchLogPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	object, err := newSnapshotClient(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	res := &Resources{
		Postgres: pool,
		Redis: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		Object: object,
		bucket: cfg.ObjectBucket,
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func newPatchLogPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func newSnapshotClient(cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return client, nil
}

// HealthCheck pings each dependency under one shared deadline. S3 has no
// ping, so the snapshot bucket is statted instead; a missing bucket fails the
// probe the same way an unreachable endpoint does.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unavailable: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}
	if _, err := r.Object.BucketExists(ctx, r.bucket); err != nil {
		return fmt.Errorf("object storage unavailable: %w", err)
	}
	return nil
}

// Close releases the connection-holding clients. The object client rides a
// plain HTTP transport and has nothing to release.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
