package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socket-sentinel/internal/models"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func sampleAt(minute int, total float64) models.TelemetrySample {
	return models.TelemetrySample{
		Timestamp:  base.Add(time.Duration(minute) * time.Minute),
		TotalPower: total,
		PerSocket:  []float64{total},
	}
}

func TestHistory_NeverExceedsCapacity(t *testing.T) {
	h := NewHistory(60)
	for i := 0; i < 150; i++ {
		h.Add(sampleAt(i, float64(i)))
		require.LessOrEqual(t, h.Len(), 60)
	}

	samples := h.Samples()
	require.Len(t, samples, 60)
	assert.Equal(t, 90.0, samples[0].TotalPower)
	assert.Equal(t, 149.0, samples[59].TotalPower)
}

func TestHistory_IgnoresStaleSamples(t *testing.T) {
	h := NewHistory(10)
	assert.True(t, h.Add(sampleAt(5, 5)))
	assert.False(t, h.Add(sampleAt(5, 6)), "same timestamp")
	assert.False(t, h.Add(sampleAt(3, 3)), "older timestamp")
	assert.Equal(t, 1, h.Len())
}

func TestHistory_MergeSortsAndSkipsKnown(t *testing.T) {
	h := NewHistory(5)
	h.Add(sampleAt(2, 2))

	added := h.Merge([]models.TelemetrySample{
		sampleAt(4, 4),
		sampleAt(1, 1),
		sampleAt(3, 3),
		sampleAt(2, 2),
	})
	assert.Equal(t, 2, added)

	samples := h.Samples()
	require.Len(t, samples, 3)
	for i, want := range []float64{2, 3, 4} {
		assert.Equal(t, want, samples[i].TotalPower)
	}
}

func TestHistory_SamplesAreCopies(t *testing.T) {
	h := NewHistory(3)
	h.Add(sampleAt(0, 10))

	out := h.Samples()
	out[0].PerSocket[0] = 999

	assert.Equal(t, 10.0, h.Samples()[0].PerSocket[0])
}

func TestHistory_DefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < DefaultHistoryCapacity+5; i++ {
		h.Add(sampleAt(i, float64(i)))
	}
	assert.Equal(t, DefaultHistoryCapacity, h.Len())
	assert.Equal(t, 5.0, h.Samples()[0].TotalPower)
}
