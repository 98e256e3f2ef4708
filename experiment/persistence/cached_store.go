package persistence

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/cache"
	"github.com/BaSui01/abflow/types"
)

// =============================================================================
// 💾 实验定义读缓存
// =============================================================================

// CachedStore 在 Redis 中缓存 GetExperiment 结果，分配记录不缓存。
//
// 缓存位于共享 Redis，所有实例看到同一份失效。写操作先失效再写入，
// 失效失败则拒绝写入；写入后再次失效并推进代数，回源读取只在代数
// 未变时回填，因此状态变更对下一次分配立即可见。
type CachedStore struct {
	experiment.Store
	cache  *cache.Manager
	logger *zap.Logger
}

// invalidateAttempts 写入后失效的尝试次数
const invalidateAttempts = 3

// NewCachedStore 包装存储。cache 由 CachedStore 负责关闭。
func NewCachedStore(inner experiment.Store, c *cache.Manager, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{
		Store:  inner,
		cache:  c,
		logger: logger.With(zap.String("component", "definition_cache")),
	}
}

// definitionKey 哈希标签保证值与代数键同槽
func definitionKey(name string) string {
	return "experiment:{" + name + "}"
}

// Unwrap 返回被包装的存储
func (s *CachedStore) Unwrap() experiment.Store { return s.Store }

// GetExperiment 先读缓存，未命中或缓存异常时回源，并在代数未变时回填
func (s *CachedStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	key := definitionKey(name)

	var cached experiment.Experiment
	err := s.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !cache.IsCacheMiss(err) {
		s.logger.Warn("definition cache read failed, falling back to store",
			zap.String("experiment", name), zap.Error(err))
	}

	// 代数必须在回源之前读取
	gen, genErr := s.cache.Generation(ctx, key)

	exp, err := s.Store.GetExperiment(ctx, name)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return exp, nil
	}
	filled, err := s.cache.SetJSONIfGeneration(ctx, key, gen, exp, 0)
	if err != nil {
		s.logger.Warn("definition cache fill failed", zap.String("experiment", name), zap.Error(err))
	} else if !filled {
		s.logger.Debug("definition changed during read, skipping cache fill", zap.String("experiment", name))
	}
	return exp, nil
}

// CreateExperiment 写入后失效缓存。未找到不会被缓存，失效失败只记录日志。
func (s *CachedStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := s.Store.CreateExperiment(ctx, exp); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, definitionKey(exp.Name)); err != nil {
		s.logger.Warn("definition cache invalidation failed", zap.String("experiment", exp.Name), zap.Error(err))
	}
	return nil
}

// UpdateExperiment 失效、写入、再失效。首次失效失败时不写入。
func (s *CachedStore) UpdateExperiment(ctx context.Context, exp *experiment.Experiment, expected experiment.Status) error {
	key := definitionKey(exp.Name)
	if err := s.cache.Invalidate(ctx, key); err != nil {
		return types.NewStorageUnavailableError("invalidate definition cache", err).WithExperiment(exp.Name)
	}

	if err := s.Store.UpdateExperiment(ctx, exp, expected); err != nil {
		return err
	}

	var err error
	for i := 0; i < invalidateAttempts; i++ {
		if err = s.cache.Invalidate(ctx, key); err == nil {
			return nil
		}
	}
	s.logger.Error("definition written but cache invalidation failed",
		zap.String("experiment", exp.Name), zap.Error(err))
	return types.NewStorageUnavailableError("invalidate definition cache after write", err).WithExperiment(exp.Name)
}

// Ping 只检查底层存储；缓存故障时读取仍可回源
func (s *CachedStore) Ping(ctx context.Context) error {
	if p, ok := s.Store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// PingCache 检查定义缓存
func (s *CachedStore) PingCache(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// CacheStats 缓存命中统计
func (s *CachedStore) CacheStats() cache.Stats {
	return s.cache.GetStats()
}

// Close 关闭缓存与底层存储
func (s *CachedStore) Close() error {
	cacheErr := s.cache.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}
