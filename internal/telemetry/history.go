package telemetry

import (
	"slices"
	"sync"

	"socket-sentinel/internal/models"
)

// DefaultHistoryCapacity size of the rolling window
const DefaultHistoryCapacity = 60

// History bounded, time-ordered window of telemetry samples
type History struct {
	mu       sync.RWMutex
	samples  []models.TelemetrySample
	capacity int
}

// NewHistory creates a window holding at most capacity samples
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		samples:  make([]models.TelemetrySample, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a sample if it is newer than the last one. Returns false when it was ignored.
func (h *History) Add(sample models.TelemetrySample) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.add(sample)
}

func (h *History) add(sample models.TelemetrySample) bool {
	if n := len(h.samples); n > 0 && !sample.Timestamp.After(h.samples[n-1].Timestamp) {
		return false
	}
	sample.PerSocket = slices.Clone(sample.PerSocket)
	if len(h.samples) >= h.capacity {
		// drop oldest
		h.samples = slices.Delete(h.samples, 0, len(h.samples)-h.capacity+1)
	}
	h.samples = append(h.samples, sample)
	return true
}

// Merge adds every sample newer than the current last one, in timestamp order, and returns
// how many were added.
func (h *History) Merge(samples []models.TelemetrySample) int {
	sorted := slices.Clone(samples)
	slices.SortStableFunc(sorted, func(a, b models.TelemetrySample) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	added := 0
	for _, s := range sorted {
		if h.add(s) {
			added++
		}
	}
	return added
}

// Samples returns a copy of the window, oldest first
func (h *History) Samples() []models.TelemetrySample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.TelemetrySample, len(h.samples))
	for i, s := range h.samples {
		s.PerSocket = slices.Clone(s.PerSocket)
		out[i] = s
	}
	return out
}

// Len number of samples in the window
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.samples)
}
