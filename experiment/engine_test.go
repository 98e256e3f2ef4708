package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

var errStoreDown = errors.New("connection refused")

// spyRecorder 记录引擎上报的指标
type spyRecorder struct {
	NopRecorder
	mu          sync.Mutex
	assignments map[string]int
	fallbacks   map[string]int
	conversions map[string]int
	storeErrors map[string]int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{
		assignments: make(map[string]int),
		fallbacks:   make(map[string]int),
		conversions: make(map[string]int),
		storeErrors: make(map[string]int),
	}
}

func (s *spyRecorder) RecordAssignment(_, _, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[outcome]++
}

func (s *spyRecorder) RecordFallback(_, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks[reason]++
}

func (s *spyRecorder) RecordConversion(_, _, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversions[outcome]++
}

func (s *spyRecorder) RecordStoreError(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeErrors[op]++
}

// faultyStore 按需注入存储故障
type faultyStore struct {
	*MemoryStore
	getErr    error
	createErr error
	markErr   error
}

func (f *faultyStore) GetAssignment(ctx context.Context, exp, subject string) (*Assignment, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.GetAssignment(ctx, exp, subject)
}

func (f *faultyStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryStore.CreateAssignment(ctx, a)
}

func (f *faultyStore) MarkConverted(ctx context.Context, id string, at time.Time) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	return f.MemoryStore.MarkConverted(ctx, id, at)
}

// racingStore 模拟另一请求在读与写之间抢先插入
type racingStore struct {
	*MemoryStore
	winner *Assignment
	once   sync.Once
}

func (r *racingStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	var err error
	r.once.Do(func() { err = r.MemoryStore.CreateAssignment(ctx, r.winner) })
	if err != nil {
		return err
	}
	return r.MemoryStore.CreateAssignment(ctx, a)
}

type failingRegistry struct{}

func (failingRegistry) GetExperiment(context.Context, string) (*Experiment, error) {
	return nil, errStoreDown
}

func fixedBuckets(m map[string]int) Bucketer {
	return func(subjectID, experimentName string) int {
		if b, ok := m[subjectID]; ok {
			return b
		}
		return Bucket(subjectID, experimentName)
	}
}

func newTestEngine(t *testing.T, store *MemoryStore, opts ...EngineOption) *Engine {
	t.Helper()
	return NewEngine(store, store, zaptest.NewLogger(t), opts...)
}

func seedExperiment(t *testing.T, store *MemoryStore, exp *Experiment) {
	t.Helper()
	_, err := NewManager(store, nil).Create(context.Background(), exp)
	require.NoError(t, err)
}

func trialLength() *Experiment {
	return &Experiment{
		Name:           "trial_length",
		VariantNames:   []string{"control", "variant_a"},
		VariantWeights: map[string]float64{"control": 50, "variant_a": 50},
	}
}

func TestEngine_Assign_TrialLengthScenario(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedExperiment(t, store, trialLength())

	engine := newTestEngine(t, store, WithBucketer(fixedBuckets(map[string]int{"user-42": 37})))

	first := engine.Assign(ctx, "user-42", "trial_length")
	assert.Equal(t, "control", first.Variant)
	assert.Equal(t, "trial_length", first.ExperimentName)
	assert.True(t, first.Bound())

	_, err := NewManager(store, nil).UpdateWeights(ctx, "trial_length", map[string]float64{"control": 10, "variant_a": 90})
	require.NoError(t, err)

	again := engine.Assign(ctx, "user-42", "trial_length")
	assert.Equal(t, "control", again.Variant)
	assert.Equal(t, first.AssignmentID, again.AssignmentID)

	// 新受试者使用新权重：桶 37 落在 variant_a [10,100)
	fresh := NewEngine(store, store, nil, WithBucketer(fixedBuckets(map[string]int{"user-43": 37})))
	assert.Equal(t, "variant_a", fresh.Assign(ctx, "user-43", "trial_length").Variant)
}

func TestEngine_Assign_UsesDefaultBucketer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedExperiment(t, store, trialLength())

	engine := newTestEngine(t, store)
	// user-42 → 83, user-2 → 28
	assert.Equal(t, "variant_a", engine.Assign(ctx, "user-42", "trial_length").Variant)
	assert.Equal(t, "control", engine.Assign(ctx, "user-2", "trial_length").Variant)
}

func TestEngine_Assign_UnknownExperiment(t *testing.T) {
	rec := newSpyRecorder()
	store := NewMemoryStore()
	engine := newTestEngine(t, store, WithRecorder(rec))

	res := engine.Assign(context.Background(), "user-1", "missing")
	assert.Equal(t, ControlVariant, res.Variant)
	assert.False(t, res.Bound())
	assert.Equal(t, 1, rec.fallbacks[FallbackNotFound])
	assert.Empty(t, store.AssignmentCount("missing"))
}

func TestEngine_Assign_InactiveExperiment(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedExperiment(t, store, &Experiment{Name: "banner", VariantNames: []string{"baseline", "bold"}})
	mgr := NewManager(store, nil)
	rec := newSpyRecorder()
	engine := newTestEngine(t, store, WithRecorder(rec))

	_, err := mgr.Pause(ctx, "banner")
	require.NoError(t, err)

	res := engine.Assign(ctx, "user-1", "banner")
	assert.Equal(t, "baseline", res.Variant)
	assert.False(t, res.Bound())
	assert.Equal(t, 1, rec.fallbacks[FallbackNotActive])
	assert.Empty(t, store.AssignmentCount("banner"))

	_, err = mgr.Resume(ctx, "banner")
	require.NoError(t, err)
	assert.True(t, engine.Assign(ctx, "user-1", "banner").Bound())

	_, err = mgr.Conclude(ctx, "banner")
	require.NoError(t, err)
	res = engine.Assign(ctx, "user-1", "banner")
	assert.False(t, res.Bound())
	assert.Equal(t, "baseline", res.Variant)
}

func TestEngine_Assign_EmptySubject(t *testing.T) {
	rec := newSpyRecorder()
	store := NewMemoryStore()
	seedExperiment(t, store, trialLength())
	engine := newTestEngine(t, store, WithRecorder(rec))

	res := engine.Assign(context.Background(), "", "trial_length")
	assert.Equal(t, ControlVariant, res.Variant)
	assert.False(t, res.Bound())
	assert.Equal(t, 1, rec.fallbacks[FallbackEmptySubject])
}

func TestEngine_Assign_FailOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("registry unavailable", func(t *testing.T) {
		rec := newSpyRecorder()
		engine := NewEngine(failingRegistry{}, NewMemoryStore(), zaptest.NewLogger(t), WithRecorder(rec))

		res := engine.Assign(ctx, "user-1", "trial_length")
		assert.Equal(t, ControlVariant, res.Variant)
		assert.Equal(t, 1, rec.fallbacks[FallbackStorageError])
		assert.Equal(t, 1, rec.storeErrors["get_experiment"])
	})

	t.Run("assignment read fails", func(t *testing.T) {
		mem := NewMemoryStore()
		seedExperiment(t, mem, trialLength())
		store := &faultyStore{MemoryStore: mem, getErr: errStoreDown}
		rec := newSpyRecorder()
		engine := NewEngine(mem, store, zaptest.NewLogger(t), WithRecorder(rec))

		res := engine.Assign(ctx, "user-42", "trial_length")
		assert.Equal(t, "control", res.Variant)
		assert.False(t, res.Bound())
		assert.Equal(t, 1, rec.storeErrors["get_assignment"])
	})

	t.Run("assignment write fails", func(t *testing.T) {
		mem := NewMemoryStore()
		seedExperiment(t, mem, trialLength())
		store := &faultyStore{MemoryStore: mem, createErr: errStoreDown}
		rec := newSpyRecorder()
		engine := NewEngine(mem, store, zaptest.NewLogger(t), WithRecorder(rec))

		res := engine.Assign(ctx, "user-42", "trial_length")
		assert.Equal(t, "control", res.Variant)
		assert.False(t, res.Bound())
		assert.Equal(t, 1, rec.storeErrors["create_assignment"])
		assert.Equal(t, 1, rec.fallbacks[FallbackStorageError])
	})
}

func TestEngine_Assign_RecordsSpanErrorOnStorageFailure(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	engine := NewEngine(failingRegistry{}, NewMemoryStore(), nil, WithTracerProvider(tp))
	engine.Assign(context.Background(), "user-1", "trial_length")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "experiment.Assign", spans[0].Name)
	require.NotEmpty(t, spans[0].Events)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestEngine_Assign_RaceRecoveredByReread(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	seedExperiment(t, mem, trialLength())

	winner := NewAssignment("trial_length", "user-42", "variant_a", time.Now())
	store := &racingStore{MemoryStore: mem, winner: winner}
	rec := newSpyRecorder()
	// 本请求会算出 control，但另一请求已写入 variant_a
	engine := NewEngine(mem, store, zaptest.NewLogger(t),
		WithRecorder(rec),
		WithBucketer(fixedBuckets(map[string]int{"user-42": 10})),
	)

	res := engine.Assign(ctx, "user-42", "trial_length")
	assert.Equal(t, "variant_a", res.Variant)
	assert.Equal(t, winner.ID, res.AssignmentID)
	assert.Equal(t, 1, rec.assignments[OutcomeRaceRecovered])
	assert.Empty(t, rec.storeErrors)
}

func TestEngine_Assign_ConcurrentSameSubject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedExperiment(t, store, &Experiment{Name: "onboarding", VariantNames: []string{"control", "a", "b", "c"}})
	engine := newTestEngine(t, store)

	const workers = 64
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Assign(ctx, "tenant-7", "onboarding")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0].Variant, r.Variant)
		assert.True(t, r.Bound())
	}
	total := 0
	for _, c := range store.AssignmentCount("onboarding") {
		total += c
	}
	assert.Equal(t, 1, total)
}

// 任意次数调用、期间任意调权，同一受试者的变体不变
func TestProperty_Engine_IdempotentAssignment(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		mgr := NewManager(store, nil)
		_, err := mgr.Create(ctx, &Experiment{Name: "pricing", VariantNames: []string{"control", "a", "b"}})
		require.NoError(rt, err)

		engine := NewEngine(store, store, nil)
		subject := rapid.StringMatching(`user-[0-9]{1,6}`).Draw(rt, "subject")
		first := engine.Assign(ctx, subject, "pricing")

		calls := rapid.IntRange(1, 10).Draw(rt, "calls")
		for i := 0; i < calls; i++ {
			wc := rapid.Float64Range(0, 100).Draw(rt, fmt.Sprintf("control_%d", i))
			_, err := mgr.UpdateWeights(ctx, "pricing", map[string]float64{"control": wc})
			require.NoError(rt, err)
			assert.Equal(rt, first.Variant, engine.Assign(ctx, subject, "pricing").Variant)
		}
	})
}

func TestEngine_RecordConversion_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedExperiment(t, store, trialLength())

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newSpyRecorder()
	engine := newTestEngine(t, store, WithRecorder(rec), WithClock(func() time.Time { return clock }))

	res := engine.Assign(ctx, "user-42", "trial_length")
	require.True(t, res.Bound())

	engine.RecordConversion(ctx, "user-42", "trial_length")
	firstAt := clock

	clock = clock.Add(time.Hour)
	engine.RecordConversion(ctx, "user-42", "trial_length")

	a, err := store.GetAssignment(ctx, "trial_length", "user-42")
	require.NoError(t, err)
	assert.True(t, a.Converted)
	require.NotNil(t, a.ConvertedAt)
	assert.True(t, firstAt.Equal(*a.ConvertedAt))
	assert.Equal(t, 1, rec.conversions[ConversionRecorded])
	assert.Equal(t, 1, rec.conversions[ConversionAlreadyConverted])
}

func TestEngine_RecordConversion_NoOps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedExperiment(t, store, trialLength())
	rec := newSpyRecorder()
	engine := newTestEngine(t, store, WithRecorder(rec))

	// 实验不存在与未分配均静默忽略
	engine.RecordConversion(ctx, "user-1", "missing")
	engine.RecordConversion(ctx, "never-assigned", "trial_length")
	assert.Equal(t, 2, rec.conversions[ConversionNotFound])

	engine.Assign(ctx, "user-1", "trial_length")
	_, err := NewManager(store, nil).Pause(ctx, "trial_length")
	require.NoError(t, err)

	engine.RecordConversion(ctx, "user-1", "trial_length")
	assert.Equal(t, 1, rec.conversions[ConversionNotActive])
	assert.Empty(t, store.ConversionCount("trial_length"))
}

func TestEngine_RecordConversion_StorageFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	seedExperiment(t, mem, trialLength())
	store := &faultyStore{MemoryStore: mem}
	rec := newSpyRecorder()
	engine := NewEngine(mem, store, zaptest.NewLogger(t), WithRecorder(rec))

	require.True(t, engine.Assign(ctx, "user-42", "trial_length").Bound())

	store.markErr = errStoreDown
	assert.NotPanics(t, func() { engine.RecordConversion(ctx, "user-42", "trial_length") })
	assert.Equal(t, 1, rec.conversions[ConversionStorageError])
	assert.Equal(t, 1, rec.storeErrors["mark_converted"])
	assert.Empty(t, mem.ConversionCount("trial_length"))
}
