package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackExperimentLabel(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{FallbackNotActive, "trial_length"},
		{FallbackNotFound, UnknownExperimentLabel},
		{FallbackEmptySubject, UnknownExperimentLabel},
		{FallbackStorageError, UnknownExperimentLabel},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, FallbackExperimentLabel("trial_length", tt.reason))
		})
	}
}

func TestConversionExperimentLabel(t *testing.T) {
	assert.Equal(t, "trial_length", ConversionExperimentLabel("trial_length", ConversionRecorded))
	assert.Equal(t, "trial_length", ConversionExperimentLabel("trial_length", ConversionAlreadyConverted))
	assert.Equal(t, "trial_length", ConversionExperimentLabel("trial_length", ConversionNotActive))
	assert.Equal(t, UnknownExperimentLabel, ConversionExperimentLabel("typo", ConversionNotFound))
	assert.Equal(t, UnknownExperimentLabel, ConversionExperimentLabel("typo", ConversionStorageError))
}

type countingRecorder struct {
	NopRecorder
	fallbacks int
	reports   int
}

func (c *countingRecorder) RecordFallback(string, string) { c.fallbacks++ }
func (c *countingRecorder) RecordReport(string, bool)     { c.reports++ }

func TestMultiRecorder(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	m := NewMultiRecorder(a, nil, b)
	assert.Len(t, m, 2)

	m.RecordFallback("x", FallbackNotFound)
	m.RecordReport("x", true)
	m.RecordAssignment("x", "control", OutcomeNew)
	m.ObserveStoreOperation("get_experiment", 0)

	assert.Equal(t, 1, a.fallbacks)
	assert.Equal(t, 1, b.fallbacks)
	assert.Equal(t, 1, b.reports)
}
