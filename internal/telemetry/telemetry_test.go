package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
)

// restoreGlobals 在测试结束时恢复全局 provider
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func shutdownQuickly(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.Equal(t, otel.GetTracerProvider(), p.TracerProvider())
	assert.IsType(t, experiment.NopRecorder{}, p.Recorder())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_NilLogger(t *testing.T) {
	restoreGlobals(t)
	p, err := Init(config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
}

// 导出器异步连接，没有 collector 也能初始化
func TestInit_Enabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		SampleRate:   0.5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	shutdownQuickly(t, p)

	assert.True(t, p.Enabled())
	assert.Same(t, p.tp, p.TracerProvider())
	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())
	assert.IsType(t, &MeterRecorder{}, p.Recorder())
}

func TestProviders_NilSafe(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, p.TracerProvider())
	assert.False(t, p.Enabled())
	assert.IsType(t, experiment.NopRecorder{}, p.Recorder())
}

// 引擎经由 Providers 同时产生 span 与指标
func TestNewProviders_EngineInstrumentation(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p, err := NewProviders(tp, mp)
	require.NoError(t, err)
	shutdownQuickly(t, p)

	store := experiment.NewMemoryStore()
	engine := experiment.NewEngine(store, store, nil,
		experiment.WithTracerProvider(p.TracerProvider()),
		experiment.WithRecorder(p.Recorder()),
	)
	res := engine.Assign(context.Background(), "user-42", "missing")
	assert.Equal(t, experiment.ControlVariant, res.Variant)
	assert.False(t, res.Bound())

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "experiment.Assign")

	fallbacks := collectSum(t, reader, "abflow.fallbacks")
	assert.Equal(t, int64(1), fallbacks[experiment.UnknownExperimentLabel+"|"+experiment.FallbackNotFound])
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "abflow", serviceName(config.TelemetryConfig{}))
	assert.Equal(t, "abflow-canary", serviceName(config.TelemetryConfig{ServiceName: "abflow-canary"}))
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制的 Main.Version 为 "(devel)"
	assert.Equal(t, "dev", buildVersion())
}
