package experiment

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/types"
)

const tracerName = "github.com/BaSui01/abflow/experiment"

// Result 分配结果。ExperimentName 为空表示未绑定实验（回落对照组）。
type Result struct {
	Variant        string `json:"variant"`
	ExperimentName string `json:"experiment_name,omitempty"`
	AssignmentID   string `json:"assignment_id,omitempty"`
}

// Bound 是否绑定到实验
func (r Result) Bound() bool {
	return r.ExperimentName != ""
}

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithBucketer 替换分桶函数
func WithBucketer(b Bucketer) EngineOption {
	return func(e *Engine) {
		if b != nil {
			e.bucketer = b
		}
	}
}

// WithRecorder 设置指标出口
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTracerProvider 设置 TracerProvider，默认使用全局 provider
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// Engine 分配引擎：幂等分配与转化记录，失败开放
type Engine struct {
	registry Registry
	store    AssignmentStore
	bucketer Bucketer
	recorder Recorder
	now      func() time.Time
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewEngine 创建分配引擎
func NewEngine(registry Registry, store AssignmentStore, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		registry: registry,
		store:    store,
		bucketer: Bucket,
		recorder: NopRecorder{},
		now:      time.Now,
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		logger:   logger.With(zap.String("component", "assignment_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assign 为受试者分配变体。
// 实验不存在或非 ACTIVE 时返回对照组且不绑定；已有分配直接返回原变体；
// 并发首次分配冲突时重读胜出者的变体。任何存储错误都降级为对照组。
func (e *Engine) Assign(ctx context.Context, subjectID, experimentName string) Result {
	ctx, span := e.tracer.Start(ctx, "experiment.Assign", trace.WithAttributes(
		attribute.String("experiment.name", experimentName),
	))
	defer span.End()

	if subjectID == "" {
		e.fallback(ctx, span, experimentName, FallbackEmptySubject, nil)
		return Result{Variant: ControlVariant}
	}

	exp, err := e.lookupExperiment(ctx, experimentName)
	if err != nil {
		if errors.Is(err, ErrExperimentNotFound) {
			e.fallback(ctx, span, experimentName, FallbackNotFound, nil)
		} else {
			e.fallback(ctx, span, experimentName, FallbackStorageError, err)
		}
		return Result{Variant: ControlVariant}
	}
	if !exp.IsActive() {
		e.fallback(ctx, span, experimentName, FallbackNotActive, nil)
		return Result{Variant: exp.Control()}
	}

	existing, err := e.getAssignment(ctx, experimentName, subjectID)
	switch {
	case err == nil:
		return e.bound(span, existing, OutcomeExisting)
	case !errors.Is(err, ErrAssignmentNotFound):
		e.fallback(ctx, span, experimentName, FallbackStorageError, err)
		return Result{Variant: exp.Control()}
	}

	bucket := e.bucketer(subjectID, experimentName)
	variant, fellThrough := exp.Allocation().Resolve(bucket)
	span.SetAttributes(attribute.Int("experiment.bucket", bucket))
	if fellThrough {
		e.logger.Debug("分桶未被权重覆盖，回落对照组",
			zap.String("experiment", experimentName),
			zap.Int("bucket", bucket),
		)
	}

	a := NewAssignment(experimentName, subjectID, variant, e.now())
	err = e.createAssignment(ctx, a)
	switch {
	case err == nil:
		return e.bound(span, a, OutcomeNew)
	case errors.Is(err, ErrDuplicateAssignment):
		// 并发首次分配：唯一约束已裁决，读取胜出者
		winner, rerr := e.getAssignment(ctx, experimentName, subjectID)
		if rerr != nil {
			e.fallback(ctx, span, experimentName, FallbackStorageError, rerr)
			return Result{Variant: exp.Control()}
		}
		return e.bound(span, winner, OutcomeRaceRecovered)
	default:
		e.fallback(ctx, span, experimentName, FallbackStorageError, err)
		return Result{Variant: exp.Control()}
	}
}

// RecordConversion 记录转化。实验或分配不存在、实验非 ACTIVE 时静默忽略；
// 重复调用不会覆盖首次转化时间。
func (e *Engine) RecordConversion(ctx context.Context, subjectID, experimentName string) {
	ctx, span := e.tracer.Start(ctx, "experiment.RecordConversion", trace.WithAttributes(
		attribute.String("experiment.name", experimentName),
	))
	defer span.End()

	exp, err := e.lookupExperiment(ctx, experimentName)
	if err != nil {
		if errors.Is(err, ErrExperimentNotFound) {
			e.conversionSkipped(span, experimentName, "", ConversionNotFound)
			return
		}
		e.conversionFailed(ctx, span, experimentName, err)
		return
	}
	if !exp.IsActive() {
		e.conversionSkipped(span, experimentName, "", ConversionNotActive)
		return
	}

	a, err := e.getAssignment(ctx, experimentName, subjectID)
	if err != nil {
		if errors.Is(err, ErrAssignmentNotFound) {
			e.conversionSkipped(span, experimentName, "", ConversionNotFound)
			return
		}
		e.conversionFailed(ctx, span, experimentName, err)
		return
	}
	if a.Converted {
		e.conversionSkipped(span, experimentName, a.Variant, ConversionAlreadyConverted)
		return
	}

	start := time.Now()
	updated, err := e.store.MarkConverted(ctx, a.ID, e.now())
	e.recorder.ObserveStoreOperation("mark_converted", time.Since(start))
	if err != nil {
		if errors.Is(err, ErrAssignmentNotFound) {
			e.conversionSkipped(span, experimentName, a.Variant, ConversionNotFound)
			return
		}
		e.recorder.RecordStoreError("mark_converted")
		e.conversionFailed(ctx, span, experimentName, err)
		return
	}
	if !updated {
		e.conversionSkipped(span, experimentName, a.Variant, ConversionAlreadyConverted)
		return
	}

	span.SetAttributes(attribute.String("experiment.variant", a.Variant))
	e.recorder.RecordConversion(experimentName, a.Variant, ConversionRecorded)
}

func (e *Engine) lookupExperiment(ctx context.Context, name string) (*Experiment, error) {
	start := time.Now()
	exp, err := e.registry.GetExperiment(ctx, name)
	e.recorder.ObserveStoreOperation("get_experiment", time.Since(start))
	if err != nil && !errors.Is(err, ErrExperimentNotFound) {
		e.recorder.RecordStoreError("get_experiment")
	}
	return exp, err
}

func (e *Engine) getAssignment(ctx context.Context, experimentName, subjectID string) (*Assignment, error) {
	start := time.Now()
	a, err := e.store.GetAssignment(ctx, experimentName, subjectID)
	e.recorder.ObserveStoreOperation("get_assignment", time.Since(start))
	if err != nil && !errors.Is(err, ErrAssignmentNotFound) {
		e.recorder.RecordStoreError("get_assignment")
	}
	return a, err
}

func (e *Engine) createAssignment(ctx context.Context, a *Assignment) error {
	start := time.Now()
	err := e.store.CreateAssignment(ctx, a)
	e.recorder.ObserveStoreOperation("create_assignment", time.Since(start))
	if err != nil && !errors.Is(err, ErrDuplicateAssignment) {
		e.recorder.RecordStoreError("create_assignment")
	}
	return err
}

func (e *Engine) bound(span trace.Span, a *Assignment, outcome string) Result {
	span.SetAttributes(
		attribute.String("experiment.variant", a.Variant),
		attribute.String("experiment.outcome", outcome),
	)
	e.recorder.RecordAssignment(a.ExperimentName, a.Variant, outcome)
	return Result{Variant: a.Variant, ExperimentName: a.ExperimentName, AssignmentID: a.ID}
}

func (e *Engine) fallback(ctx context.Context, span trace.Span, experimentName, reason string, err error) {
	span.SetAttributes(attribute.String("experiment.fallback", reason))
	e.recorder.RecordFallback(experimentName, reason)

	if err == nil {
		e.logger.Debug("回落对照组",
			zap.String("experiment", experimentName),
			zap.String("reason", reason),
			zap.String("request_id", requestID(ctx)),
		)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "assignment storage failure")
	e.logger.Warn("实验分配存储异常，降级为对照组",
		zap.String("experiment", experimentName),
		zap.String("reason", reason),
		zap.String("request_id", requestID(ctx)),
		zap.Error(err),
	)
}

func (e *Engine) conversionSkipped(span trace.Span, experimentName, variant, outcome string) {
	span.SetAttributes(attribute.String("experiment.outcome", outcome))
	e.recorder.RecordConversion(experimentName, variant, outcome)
}

func (e *Engine) conversionFailed(ctx context.Context, span trace.Span, experimentName string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "conversion storage failure")
	e.recorder.RecordConversion(experimentName, "", ConversionStorageError)
	e.logger.Warn("转化记录失败，已忽略",
		zap.String("experiment", experimentName),
		zap.String("request_id", requestID(ctx)),
		zap.Error(err),
	)
}

func requestID(ctx context.Context) string {
	id, _ := types.RequestID(ctx)
	return id
}
