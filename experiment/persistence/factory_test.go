package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
)

func TestNewStore_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.OperationTimeout = 0

	store, err := NewStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*experiment.MemoryStore)
	assert.True(t, ok)
}

func TestNewStore_WrapsWithTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.OperationTimeout = time.Second

	store, err := NewStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	ts, ok := store.(*timeoutStore)
	require.True(t, ok)
	assert.IsType(t, &experiment.MemoryStore{}, ts.Unwrap())
}

func TestNewStore_SQLiteAutoMigrate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "sqlite"
	cfg.Database.Name = ":memory:"
	cfg.Database.HealthCheckInterval = 0

	store, err := NewStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, newTestExperiment("trial_length")))
	require.NoError(t, store.CreateAssignment(ctx, experiment.NewAssignment("trial_length", "user-1", "control", baseTime)))
	err = store.CreateAssignment(ctx, experiment.NewAssignment("trial_length", "user-1", "variant_a", baseTime))
	assert.ErrorIs(t, err, experiment.ErrDuplicateAssignment)

	p, ok := store.(Pinger)
	require.True(t, ok)
	assert.NoError(t, p.Ping(ctx))

	// 统计穿透超时装饰器
	reporter, ok := AsPoolStatsReporter(store)
	require.True(t, ok)
	dialect, stats := reporter.PoolStats()
	assert.Equal(t, "sqlite", dialect)
	assert.GreaterOrEqual(t, stats.OpenConnections, 1)
}

func TestAsPoolStatsReporter_Memory(t *testing.T) {
	_, ok := AsPoolStatsReporter(WithOperationTimeout(experiment.NewMemoryStore(), time.Second))
	assert.False(t, ok)
}

func TestNewStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Store.Type = "redis"
	cfg.Store.OperationTimeout = 0
	cfg.Redis.Addr = mr.Addr()

	store, err := NewStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*RedisStore)
	assert.True(t, ok)
}

func TestNewStore_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.DefaultConfig()
	cfg.Store.Type = "redis"
	cfg.Redis.Addr = addr

	_, err := NewStore(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewStore_Unsupported(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "cassandra"

	_, err := NewStore(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported store type")
}

// =============================================================================
// 🧪 MongoDB
// =============================================================================

func TestMongoDocs_FieldNames(t *testing.T) {
	concluded := baseTime.Add(time.Hour)
	exp := newTestExperiment("trial_length")
	exp.ConcludedAt = &concluded

	raw, err := bson.Marshal(experimentToDoc(exp))
	require.NoError(t, err)
	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))
	assert.Equal(t, "trial_length", m["_id"])
	assert.Equal(t, "ACTIVE", m["status"])
	assert.Contains(t, m, "concluded_at")

	var doc experimentDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	back := doc.toExperiment()
	assert.Equal(t, exp.VariantNames, back.VariantNames)
	assert.Equal(t, exp.VariantWeights, back.VariantWeights)
	require.NotNil(t, back.ConcludedAt)
	assert.True(t, back.ConcludedAt.Equal(concluded))

	a := experiment.NewAssignment("trial_length", "user-42", "control", baseTime)
	raw, err = bson.Marshal(assignmentToDoc(a))
	require.NoError(t, err)
	m = bson.M{}
	require.NoError(t, bson.Unmarshal(raw, &m))
	assert.Equal(t, a.ID, m["_id"])
	assert.Equal(t, false, m["converted"])
	assert.NotContains(t, m, "converted_at")
}

// 设置 ABFLOW_TEST_MONGO_URI 后针对真实 MongoDB 运行契约测试
func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("ABFLOW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("ABFLOW_TEST_MONGO_URI not set")
	}

	runStoreContract(t, func(t *testing.T) experiment.Store {
		cfg := config.DefaultConfig()
		cfg.Store.Type = "mongo"
		cfg.Store.OperationTimeout = 0
		cfg.Mongo.URI = uri
		cfg.Mongo.Database = "abflow_test_" + bson.NewObjectID().Hex()

		store, err := NewStore(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		ms := store.(*MongoStore)
		t.Cleanup(func() {
			_ = ms.experiments.Database().Drop(context.Background())
			_ = ms.Close()
		})
		return store
	})
}
