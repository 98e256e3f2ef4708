package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("abflow", zap.NewNop(), WithRegisterer(reg)), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector_IsolatedRegistries(t *testing.T) {
	// 同一 namespace 注册到不同 registry 不冲突
	c1, _ := newTestCollector(t)
	c2, _ := newTestCollector(t)
	assert.NotNil(t, c1.assignmentsTotal)
	assert.NotNil(t, c2.assignmentsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("POST", "/api/v1/assign", 200, 100*time.Millisecond, 64, 128)
	c.RecordHTTPRequest("POST", "/api/v1/assign", 201, 50*time.Millisecond, 64, 128)
	c.RecordHTTPRequest("POST", "/api/v1/assign", 503, 5*time.Millisecond, 64, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/assign", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/assign", "5xx")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestCollector_ExperimentMetrics(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordAssignment("trial_length", "variant_a", experiment.OutcomeNew)
	c.RecordAssignment("trial_length", "variant_a", experiment.OutcomeExisting)
	c.RecordAssignment("trial_length", "variant_a", experiment.OutcomeExisting)
	c.RecordConversion("trial_length", "variant_a", experiment.ConversionRecorded)
	c.RecordReport("trial_length", true)
	c.RecordReport("trial_length", false)
	c.RecordStoreError("create_assignment")
	c.ObserveStoreOperation("get_assignment", 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.assignmentsTotal.WithLabelValues("trial_length", "variant_a", "existing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conversionsTotal.WithLabelValues("trial_length", "variant_a", "recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reportsTotal.WithLabelValues("trial_length", "significant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeErrorsTotal.WithLabelValues("create_assignment")))

	expected := `
# HELP abflow_assignments_total Total number of bound variant assignments
# TYPE abflow_assignments_total counter
abflow_assignments_total{experiment="trial_length",outcome="existing",variant="variant_a"} 2
abflow_assignments_total{experiment="trial_length",outcome="new",variant="variant_a"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "abflow_assignments_total"))
}

func TestCollector_FallbackCardinalityGuard(t *testing.T) {
	c, _ := newTestCollector(t)

	for _, name := range []string{"typo_1", "typo_2", "typo_3"} {
		c.RecordFallback(name, experiment.FallbackNotFound)
	}
	c.RecordFallback("", experiment.FallbackEmptySubject)
	c.RecordFallback("trial_length", experiment.FallbackStorageError)
	c.RecordConversion("typo_4", "", experiment.ConversionNotFound)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.fallbacksTotal.WithLabelValues(unknownExperiment, experiment.FallbackNotFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbacksTotal.WithLabelValues(unknownExperiment, experiment.FallbackStorageError)))
	assert.Equal(t, 3, testutil.CollectAndCount(c.fallbacksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conversionsTotal.WithLabelValues(unknownExperiment, "", experiment.ConversionNotFound)))
}

// 存储故障期间请求里的任意实验名不能产生新的序列
func TestCollector_StorageErrorFallbackUnverifiedNames(t *testing.T) {
	c, _ := newTestCollector(t)

	for i := 0; i < 50; i++ {
		c.RecordFallback(fmt.Sprintf("random_%d", i), experiment.FallbackStorageError)
	}
	c.RecordFallback("trial_length", experiment.FallbackNotActive)
	c.RecordConversion("random_x", "", experiment.ConversionStorageError)
	c.RecordConversion("random_y", "", experiment.ConversionStorageError)

	assert.Equal(t, 2, testutil.CollectAndCount(c.fallbacksTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.conversionsTotal.WithLabelValues(unknownExperiment, "", experiment.ConversionStorageError)))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.fallbacksTotal.WithLabelValues(unknownExperiment, experiment.FallbackStorageError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbacksTotal.WithLabelValues("trial_length", experiment.FallbackNotActive)))
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordDBConnections("postgres", 10, 5)

	assert.Equal(t, 10.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("postgres")))
}

// 引擎通过 Recorder 接口上报
func TestCollector_AsEngineRecorder(t *testing.T) {
	c, _ := newTestCollector(t)
	store := experiment.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateExperiment(ctx, &experiment.Experiment{
		Name:         "trial_length",
		Status:       experiment.StatusActive,
		VariantNames: []string{"control", "variant_a"},
	}))

	engine := experiment.NewEngine(store, store, nil, experiment.WithRecorder(c))
	res := engine.Assign(ctx, "user-42", "trial_length")
	engine.Assign(ctx, "user-42", "trial_length")
	engine.Assign(ctx, "user-42", "missing")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.assignmentsTotal.WithLabelValues("trial_length", res.Variant, experiment.OutcomeNew)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.assignmentsTotal.WithLabelValues("trial_length", res.Variant, experiment.OutcomeExisting)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbacksTotal.WithLabelValues(unknownExperiment, experiment.FallbackNotFound)))
	assert.Greater(t, testutil.CollectAndCount(c.storeOperationDuration), 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 16)
			c.RecordAssignment("trial_length", "control", experiment.OutcomeNew)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.assignmentsTotal.WithLabelValues("trial_length", "control", "new")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(304))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(0))
}
