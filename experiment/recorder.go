package experiment

import "time"

// 分配结果
const (
	OutcomeNew           = "new"
	OutcomeExisting      = "existing"
	OutcomeRaceRecovered = "race_recovered"
)

// 回落对照组的原因
const (
	FallbackNotFound     = "not_found"
	FallbackNotActive    = "not_active"
	FallbackStorageError = "storage_error"
	FallbackEmptySubject = "empty_subject"
)

// 转化记录结果
const (
	ConversionRecorded         = "recorded"
	ConversionAlreadyConverted = "already_converted"
	ConversionNotFound         = "not_found"
	ConversionNotActive        = "not_active"
	ConversionStorageError     = "storage_error"
)

// UnknownExperimentLabel 指标中未经存储确认的实验名，防止请求里的任意名称撑爆基数
const UnknownExperimentLabel = "_unknown"

// FallbackExperimentLabel 只有 not_active 回落意味着实验确实从存储读到
func FallbackExperimentLabel(experimentName, reason string) string {
	if reason == FallbackNotActive {
		return experimentName
	}
	return UnknownExperimentLabel
}

// ConversionExperimentLabel 未找到或存储失败时实验名未经确认
func ConversionExperimentLabel(experimentName, outcome string) string {
	switch outcome {
	case ConversionNotFound, ConversionStorageError:
		return UnknownExperimentLabel
	}
	return experimentName
}

// Recorder 引擎指标出口。internal/metrics 提供 Prometheus 实现，internal/telemetry 提供 OTel 实现
type Recorder interface {
	RecordAssignment(experimentName, variant, outcome string)
	RecordFallback(experimentName, reason string)
	RecordConversion(experimentName, variant, outcome string)
	RecordStoreError(operation string)
	ObserveStoreOperation(operation string, duration time.Duration)
	RecordReport(experimentName string, significant bool)
}

// NopRecorder 丢弃所有指标
type NopRecorder struct{}

func (NopRecorder) RecordAssignment(string, string, string) {}
func (NopRecorder) RecordFallback(string, string) {}
func (NopRecorder) RecordConversion(string, string, string) {}
func (NopRecorder) RecordStoreError(string) {}
func (NopRecorder) ObserveStoreOperation(string, time.Duration) {}
func (NopRecorder) RecordReport(string, bool) {}

// MultiRecorder 将指标同时写入多个出口
type MultiRecorder []Recorder

// NewMultiRecorder 组合多个出口，nil 会被跳过
func NewMultiRecorder(recorders ...Recorder) MultiRecorder {
	m := make(MultiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

func (m MultiRecorder) RecordAssignment(experimentName, variant, outcome string) {
	for _, r := range m {
		r.RecordAssignment(experimentName, variant, outcome)
	}
}

func (m MultiRecorder) RecordFallback(experimentName, reason string) {
	for _, r := range m {
		r.RecordFallback(experimentName, reason)
	}
}

func (m MultiRecorder) RecordConversion(experimentName, variant, outcome string) {
	for _, r := range m {
		r.RecordConversion(experimentName, variant, outcome)
	}
}

func (m MultiRecorder) RecordStoreError(operation string) {
	for _, r := range m {
		r.RecordStoreError(operation)
	}
}

func (m MultiRecorder) ObserveStoreOperation(operation string, duration time.Duration) {
	for _, r := range m {
		r.ObserveStoreOperation(operation, duration)
	}
}

func (m MultiRecorder) RecordReport(experimentName string, significant bool) {
	for _, r := range m {
		r.RecordReport(experimentName, significant)
	}
}
