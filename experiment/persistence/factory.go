package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/cache"
	"github.com/BaSui01/abflow/internal/database"
	"github.com/BaSui01/abflow/internal/tlsutil"
)

// StoreType 存储后端类型
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypePostgres StoreType = "postgres"
	StoreTypeMySQL    StoreType = "mysql"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeMongo    StoreType = "mongo"
)

// Pinger 支持健康检查的存储
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatsReporter 暴露连接池统计的存储（关系型后端）
type PoolStatsReporter interface {
	PoolStats() (dialect string, stats database.PoolStats)
}

// AsPoolStatsReporter 穿透装饰器查找连接池统计
func AsPoolStatsReporter(store experiment.Store) (PoolStatsReporter, bool) {
	for store != nil {
		if r, ok := store.(PoolStatsReporter); ok {
			return r, true
		}
		u, ok := store.(interface{ Unwrap() experiment.Store })
		if !ok {
			return nil, false
		}
		store = u.Unwrap()
	}
	return nil, false
}

// DefinitionCacheReporter 带定义缓存的存储
type DefinitionCacheReporter interface {
	PingCache(ctx context.Context) error
	CacheStats() cache.Stats
}

// AsDefinitionCache 穿透装饰器查找定义缓存
func AsDefinitionCache(store experiment.Store) (DefinitionCacheReporter, bool) {
	for store != nil {
		if r, ok := store.(DefinitionCacheReporter); ok {
			return r, true
		}
		u, ok := store.(interface{ Unwrap() experiment.Store })
		if !ok {
			return nil, false
		}
		store = u.Unwrap()
	}
	return nil, false
}

// NewStore 按 store.type 创建存储后端。
// 配置了 definition_cache_ttl 时为关系型与 mongo 后端加 Redis 定义缓存；
// 配置了 operation_timeout 时每次操作都带超时。
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (experiment.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Store.DefinitionCacheTTL > 0 {
		store, err = withDefinitionCache(ctx, store, cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	logger.Info("experiment store ready",
		zap.String("type", cfg.Store.Type),
		zap.Duration("definition_cache_ttl", cfg.Store.DefinitionCacheTTL),
	)

	if cfg.Store.OperationTimeout > 0 {
		return WithOperationTimeout(store, cfg.Store.OperationTimeout), nil
	}
	return store, nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (experiment.Store, error) {
	switch StoreType(cfg.Store.Type) {
	case StoreTypeMemory, "":
		return experiment.NewMemoryStore(), nil

	case StoreTypeSQLite, StoreTypePostgres, StoreTypeMySQL:
		dbCfg := cfg.Database
		dbCfg.Driver = cfg.Store.Type
		pool, err := database.Open(dbCfg, logger)
		if err != nil {
			return nil, err
		}
		store := NewGormStore(pool, logger)
		if cfg.Store.AutoMigrate {
			if err := store.AutoMigrate(ctx); err != nil {
				_ = pool.Close()
				return nil, err
			}
		}
		return store, nil

	case StoreTypeRedis:
		client := newRedisClient(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return NewRedisStore(client, cfg.Redis.KeyPrefix, logger), nil

	case StoreTypeMongo:
		opts := options.Client().ApplyURI(cfg.Mongo.URI)
		if cfg.Mongo.ConnectTimeout > 0 {
			opts.SetConnectTimeout(cfg.Mongo.ConnectTimeout)
		}
		client, err := mongo.Connect(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		store := NewMongoStore(client, cfg.Mongo.Database, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
		}
		if cfg.Store.AutoMigrate {
			if err := store.EnsureIndexes(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

// newRedisClient 由配置创建 go-redis 客户端，TLS 开启时使用加固配置
func newRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientTLSConfig(cfg.Addr)
	}
	return redis.NewClient(opts)
}

// withDefinitionCache 为实验定义读取加 Redis 缓存。
// memory 与 redis 后端本身即为内存级读取，不再加缓存。
func withDefinitionCache(ctx context.Context, store experiment.Store, cfg *config.Config, logger *zap.Logger) (experiment.Store, error) {
	switch StoreType(cfg.Store.Type) {
	case StoreTypeMemory, StoreTypeRedis, "":
		logger.Info("definition cache skipped for in-memory backend", zap.String("type", cfg.Store.Type))
		return store, nil
	}

	prefix := "abflow:cache"
	if cfg.Redis.KeyPrefix != "" {
		prefix = cfg.Redis.KeyPrefix + ":cache"
	}
	manager, err := cache.NewManager(ctx, newRedisClient(cfg.Redis), cache.Config{
		KeyPrefix:           prefix,
		DefaultTTL:          cfg.Store.DefinitionCacheTTL,
		HealthCheckInterval: cache.DefaultConfig().HealthCheckInterval,
		OwnsClient:          true,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize definition cache: %w", err)
	}
	return NewCachedStore(store, manager, logger), nil
}

// =============================================================================
// ⏱️ 操作超时装饰器
// =============================================================================

// timeoutStore 为每次存储调用附加超时
type timeoutStore struct {
	inner   experiment.Store
	timeout time.Duration
}

// WithOperationTimeout 包装存储，每次调用派生带超时的 context
func WithOperationTimeout(store experiment.Store, timeout time.Duration) experiment.Store {
	return &timeoutStore{inner: store, timeout: timeout}
}

// Unwrap 返回被包装的存储
func (s *timeoutStore) Unwrap() experiment.Store { return s.inner }

// Ping 透传健康检查
func (s *timeoutStore) Ping(ctx context.Context) error {
	p, ok := s.inner.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return p.Ping(ctx)
}

func (s *timeoutStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.GetExperiment(ctx, name)
}

func (s *timeoutStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.ListExperiments(ctx)
}

func (s *timeoutStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.CreateExperiment(ctx, exp)
}

func (s *timeoutStore) UpdateExperiment(ctx context.Context, exp *experiment.Experiment, expected experiment.Status) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.UpdateExperiment(ctx, exp, expected)
}

func (s *timeoutStore) GetAssignment(ctx context.Context, experimentName, subjectID string) (*experiment.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.GetAssignment(ctx, experimentName, subjectID)
}

func (s *timeoutStore) CreateAssignment(ctx context.Context, a *experiment.Assignment) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.CreateAssignment(ctx, a)
}

func (s *timeoutStore) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.MarkConverted(ctx, assignmentID, at)
}

func (s *timeoutStore) ListAssignments(ctx context.Context, experimentName string) ([]*experiment.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.ListAssignments(ctx, experimentName)
}

func (s *timeoutStore) Close() error {
	return s.inner.Close()
}
