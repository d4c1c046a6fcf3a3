// Package app initializes and holds the long-lived services shared by the
// CLI commands.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/admission"
	"github.com/scoutdata/pipeline/internal/clock/system"
	"github.com/scoutdata/pipeline/internal/config"
	"github.com/scoutdata/pipeline/internal/hash/sha256"
	iduuid "github.com/scoutdata/pipeline/internal/id/uuid"
	"github.com/scoutdata/pipeline/internal/intake"
	"github.com/scoutdata/pipeline/internal/lock"
	"github.com/scoutdata/pipeline/internal/logging"
	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
	"github.com/scoutdata/pipeline/internal/policy"
	queuepg "github.com/scoutdata/pipeline/internal/queue/postgres"
	storagepg "github.com/scoutdata/pipeline/internal/storage/postgres"
)

// App is the dependency container built once at startup.
type App struct {
	Cfg       config.Config
	Logger    *zap.Logger
	Clock     pipeline.Clock
	IDs       pipeline.IDGenerator
	Hasher    pipeline.Hasher
	Admission *admission.Controller
	Retry     *policy.RetryPolicy
	Queue     *queuepg.Queue
	Results   *storagepg.ResultStore
	Intake    *storagepg.IntakeStore
	Lake      *storagepg.LakeStore
	Locker    pipeline.Locker
	Fetcher   pipeline.ContentFetcher
	Blobs     pipeline.BlobStore

	pool   *pgxpool.Pool
	rdb    *redis.Client
	gcs    *gcs.Client
	pubsub *pubsub.Client
}

// New builds the App from config, failing fast when any critical backend is
// unreachable or misconfigured.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{
		Cfg:    cfg,
		Logger: logger,
		Clock:  system.New(),
		IDs:    iduuid.New(),
		Hasher: sha256.New(),
	}

	a.Admission = admission.NewController(cfg.DefaultSpacing())
	a.Retry = policy.NewRetryPolicy(
		policy.WithBaseDelay(time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond),
		policy.WithMaxDoublings(cfg.Retry.MaxDoublings),
		policy.WithQuarantineThreshold(cfg.Retry.QuarantineThreshold),
	)

	a.pool, err = storagepg.NewPool(ctx, storagepg.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifeMin) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing postgres: %w", err)
	}

	a.Queue, err = queuepg.NewQueueWithPool(a.pool, queuepg.QueueConfig{
		Table:      cfg.DB.JobsTable,
		ClaimBatch: cfg.Queue.ClaimBatch,
	}, a.Admission, a.Retry, a.Clock, a.IDs)
	if err != nil {
		return nil, fmt.Errorf("initializing job queue: %w", err)
	}
	a.Results, err = storagepg.NewResultStore(a.pool, cfg.DB.ResultTable)
	if err != nil {
		return nil, fmt.Errorf("initializing result store: %w", err)
	}
	a.Intake, err = storagepg.NewIntakeStore(a.pool, cfg.DB.IntakeTable, cfg.DB.IntakeHistTable)
	if err != nil {
		return nil, fmt.Errorf("initializing intake store: %w", err)
	}
	a.Lake, err = storagepg.NewLakeStore(a.pool)
	if err != nil {
		return nil, fmt.Errorf("initializing lake store: %w", err)
	}

	a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting redis at %s: %w", cfg.Redis.Addr, err)
	}
	a.Locker = lock.NewRedisLocker(a.rdb, cfg.Redis.LockPrefix, uuid.NewString())

	if cfg.Intake.Bucket != "" {
		a.gcs, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initializing cloud storage: %w", err)
		}
		blobs, err := intake.NewGCSBlobStore(a.gcs, cfg.Intake.Bucket)
		if err != nil {
			return nil, fmt.Errorf("initializing blob store: %w", err)
		}
		a.Blobs = blobs
		a.Fetcher = blobs
	}
	if cfg.PubSub.ProjectID != "" {
		a.pubsub, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initializing pubsub: %w", err)
		}
	}

	logger.Info("application services initialized",
		zap.String("jobs_table", cfg.DB.JobsTable),
		zap.Bool("gcs", a.gcs != nil),
		zap.Bool("pubsub", a.pubsub != nil))
	return a, nil
}

// Subscription resolves the object-created subscription, nil when Pub/Sub is
// not configured.
func (a *App) Subscription() *pubsub.Subscription {
	if a.pubsub == nil || a.Cfg.Intake.Subscription == "" {
		return nil
	}
	return a.pubsub.Subscription(a.Cfg.Intake.Subscription)
}

// Close releases every backend handle. Safe to call once after commands
// finish.
func (a *App) Close() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.Logger.Warn("closing pubsub client", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.Logger.Warn("closing storage client", zap.Error(err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.Logger.Warn("closing redis client", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.Logger.Sync()
}
