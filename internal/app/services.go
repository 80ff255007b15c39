package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stockcount"
	"github.com/odyssey-erp/stockledger/internal/transfer"
	"github.com/odyssey-erp/stockledger/jobs"
)

// Services is the wired domain layer shared by the API and the worker.
type Services struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Jobs        *jobs.Client
	Idempotency *shared.IdempotencyStore
	Directory   *masterdata.CachedDirectory
	Companies   jobs.CompanyLister
	Ledger      *inventory.Service
	Transfers   *transfer.Service
	Counts      *stockcount.Service

	closers []func()
}

// Close releases every backing connection in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// HealthChecks returns the probes of the configured backends.
func (s *Services) HealthChecks() map[string]HealthCheck {
	checks := make(map[string]HealthCheck)
	if s.Pool != nil {
		checks["postgres"] = s.Pool.Ping
	}
	if s.Redis != nil {
		checks["redis"] = cache.Ping(s.Redis)
	}
	return checks
}

// BuildServices connects the configured store and lock backends and wires the
// ledger, transfer and count services on top of them.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	needRedis := cfg.LockDriver == LockDriverRedis || cfg.StoreDriver == StoreDriverPostgres
	if needRedis {
		client, err := cache.New(ctx, cfg.RedisOptions())
		if err != nil {
			return nil, err
		}
		s.Redis = client
		s.closers = append(s.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}

	var locker lock.Locker = lock.NewLocal(cfg.LedgerLockWait)
	if cfg.LockDriver == LockDriverRedis {
		locker = lock.NewRedis(s.Redis, lock.RedisConfig{
			TTL:    cfg.LedgerLockTTL,
			Wait:   cfg.LedgerLockWait,
			Logger: logger,
		})
	}

	deps := inventory.Dependencies{
		Locker:  locker,
		Metrics: metrics.Ledger(),
		Logger:  logger,
	}
	var (
		transferRepo transfer.Repository
		countRepo    stockcount.Repository
	)
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.MigrateOnStart {
			if err := db.Migrate(ctx, cfg.PGDSN); err != nil {
				return nil, err
			}
			logger.Info("migrations applied")
		}
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		s.Pool = pool
		s.closers = append(s.closers, pool.Close)

		client := jobs.NewClient(cfg.AsynqRedis())
		s.Jobs = client
		s.closers = append(s.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		})

		directory := masterdata.NewRepository(pool)
		s.Directory = masterdata.NewCachedDirectory(directory, s.Redis, cfg.MasterDataCacheTTL, logger)
		s.Companies = directory
		s.Idempotency = shared.NewIdempotencyStore(pool)

		deps.Repo = inventory.NewRepository(pool)
		deps.MasterData = s.Directory
		deps.Audit = shared.NewAuditLogger(pool)
		deps.Idempotency = s.Idempotency
		deps.Events = client
		transferRepo = transfer.NewPostgresRepository(pool)
		countRepo = stockcount.NewPostgresRepository(pool)
	case StoreDriverMemory:
		logger.Warn("memory store selected, master data checks and audit are disabled")
		deps.Repo = inventory.NewMemoryRepository()
		deps.Idempotency = shared.NewMemoryIdempotencyStore()
		transferRepo = transfer.NewMemoryRepository()
		countRepo = stockcount.NewMemoryRepository()
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}

	s.Ledger = inventory.NewService(deps, cfg.LedgerConfig())
	s.Transfers = transfer.NewService(transferRepo, s.Ledger, locker, logger)
	s.Counts = stockcount.NewService(countRepo, s.Ledger, s.Ledger.Reconciler(), locker, logger)
	ok = true
	return s, nil
}
