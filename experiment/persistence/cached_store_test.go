package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/cache"
	"github.com/BaSui01/abflow/testutil/fixtures"
	"github.com/BaSui01/abflow/testutil/mocks"
)

func newCachedTestStore(t *testing.T) (*CachedStore, *mocks.MockStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(context.Background(),
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		cache.Config{KeyPrefix: "abflow:cache", DefaultTTL: time.Minute, OwnsClient: true},
		zap.NewNop())
	require.NoError(t, err)

	inner := mocks.NewMockStore()
	store := NewCachedStore(inner, manager, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, inner, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	store, inner, mr := newCachedTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, fixtures.TrialLength()))

	first, err := store.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)
	second, err := store.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.Calls(mocks.OpGetExperiment))
	assert.True(t, mr.Exists("abflow:cache:experiment:{trial_length}"))
	assert.Equal(t, first.VariantNames, second.VariantNames)
	assert.Equal(t, first.VariantWeights, second.VariantWeights)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.StartedAt.Equal(second.StartedAt))

	stats := store.CacheStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCachedStore_UpdateInvalidates(t *testing.T) {
	store, inner, _ := newCachedTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, fixtures.TrialLength()))

	exp, err := store.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)

	exp.Status = experiment.StatusPaused
	require.NoError(t, store.UpdateExperiment(ctx, exp, experiment.StatusActive))

	got, err := store.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusPaused, got.Status)
	assert.Equal(t, 2, inner.Calls(mocks.OpGetExperiment))
}

func TestCachedStore_InvalidationFailureBlocksWrite(t *testing.T) {
	store, inner, mr := newCachedTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, fixtures.TrialLength()))
	engine := experiment.NewEngine(store, store, zap.NewNop())
	manager := experiment.NewManager(store, zap.NewNop())

	// 预热缓存
	require.True(t, engine.Assign(ctx, "user-1", "trial_length").Bound())
	require.True(t, mr.Exists("abflow:cache:experiment:{trial_length}"))

	mr.SetError("READONLY")
	_, err := manager.Conclude(ctx, "trial_length")
	require.Error(t, err)
	mr.SetError("")

	// 写入被拒绝，存储与缓存保持一致
	stored, err := inner.MemoryStore.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusActive, stored.Status)

	_, err = manager.Conclude(ctx, "trial_length")
	require.NoError(t, err)

	res := engine.Assign(ctx, "new-user", "trial_length")
	assert.False(t, res.Bound())
	assert.Equal(t, "control", res.Variant)
	assert.Empty(t, res.AssignmentID)
}

// slowReadStore 在回源读取返回前执行一次并发写入
type slowReadStore struct {
	experiment.Store
	duringRead func()
}

func (s *slowReadStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	exp, err := s.Store.GetExperiment(ctx, name)
	if fn := s.duringRead; fn != nil {
		s.duringRead = nil
		fn()
	}
	return exp, err
}

func TestCachedStore_StaleReadDoesNotRefill(t *testing.T) {
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(context.Background(),
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		cache.Config{KeyPrefix: "abflow:cache", DefaultTTL: time.Minute, OwnsClient: true},
		zap.NewNop())
	require.NoError(t, err)

	inner := &slowReadStore{Store: experiment.NewMemoryStore()}
	store := NewCachedStore(inner, manager, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, fixtures.TrialLength()))

	inner.duringRead = func() {
		exp, err := inner.Store.GetExperiment(ctx, "trial_length")
		require.NoError(t, err)
		exp.Status = experiment.StatusConcluded
		require.NoError(t, store.UpdateExperiment(ctx, exp, experiment.StatusActive))
	}

	// 本次读到的是写入前的 ACTIVE，但不得回填
	stale, err := store.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusActive, stale.Status)
	assert.False(t, mr.Exists("abflow:cache:experiment:{trial_length}"))

	fresh, err := store.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusConcluded, fresh.Status)
	assert.True(t, mr.Exists("abflow:cache:experiment:{trial_length}"))
}

func TestCachedStore_NotFoundIsNotCached(t *testing.T) {
	store, inner, mr := newCachedTestStore(t)
	ctx := context.Background()

	_, err := store.GetExperiment(ctx, "missing")
	assert.ErrorIs(t, err, experiment.ErrExperimentNotFound)
	assert.False(t, mr.Exists("abflow:cache:experiment:{missing}"))

	require.NoError(t, store.CreateExperiment(ctx, fixtures.Experiment("missing", "control", "b")))
	_, err = store.GetExperiment(ctx, "missing")
	assert.NoError(t, err)
	assert.Equal(t, 2, inner.Calls(mocks.OpGetExperiment))
}

func TestCachedStore_CacheOutageFallsBackToStore(t *testing.T) {
	store, inner, mr := newCachedTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, fixtures.Checkout()))

	mr.SetError("LOADING")
	exp, err := store.GetExperiment(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, "control", exp.Control())
	assert.Equal(t, 1, inner.Calls(mocks.OpGetExperiment))

	// 缓存故障不影响存储连通性，单独由 PingCache 报告
	assert.NoError(t, store.Ping(ctx))
	assert.Error(t, store.PingCache(ctx))
	mr.SetError("")
	assert.NoError(t, store.PingCache(ctx))
}

func TestAsDefinitionCache(t *testing.T) {
	store, _, _ := newCachedTestStore(t)

	r, ok := AsDefinitionCache(WithOperationTimeout(store, time.Second))
	require.True(t, ok)
	assert.Same(t, store, r.(*CachedStore))

	_, ok = AsDefinitionCache(experiment.NewMemoryStore())
	assert.False(t, ok)
}

func TestCachedStore_AssignmentsPassThrough(t *testing.T) {
	store, inner, _ := newCachedTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, fixtures.Checkout()))

	fixtures.Populate(t, store, "checkout", "control", 3, 1)

	list, err := store.ListAssignments(ctx, "checkout")
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, 3, inner.Calls(mocks.OpCreateAssignment))
	assert.Equal(t, 1, inner.Calls(mocks.OpMarkConverted))
	assert.Same(t, experiment.Store(inner), store.Unwrap())
}

func TestCachedStore_CloseClosesInner(t *testing.T) {
	store, inner, _ := newCachedTestStore(t)
	require.NoError(t, store.Close())
	assert.True(t, inner.Closed())
}

func TestNewStore_SQLiteWithDefinitionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Store.Type = "sqlite"
	cfg.Store.DefinitionCacheTTL = 5 * time.Second
	cfg.Database.Name = ":memory:"
	cfg.Database.HealthCheckInterval = 0
	cfg.Redis.Addr = mr.Addr()

	store, err := NewStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ts, ok := store.(*timeoutStore)
	require.True(t, ok)
	_, ok = ts.Unwrap().(*CachedStore)
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, fixtures.TrialLength()))
	_, err = store.GetExperiment(ctx, "trial_length")
	require.NoError(t, err)
	assert.True(t, mr.Exists("abflow:cache:experiment:{trial_length}"))
	assert.Equal(t, 5*time.Second, mr.TTL("abflow:cache:experiment:{trial_length}"))

	// 连接池统计穿透两层装饰器
	_, ok = AsPoolStatsReporter(store)
	assert.True(t, ok)
}

func TestNewStore_DefinitionCacheSkippedForMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.OperationTimeout = 0
	cfg.Store.DefinitionCacheTTL = time.Second

	store, err := NewStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*experiment.MemoryStore)
	assert.True(t, ok)
}
