package telemetry

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"socket-sentinel/internal/models"
)

// powerRange per-socket bounds used for generated history
type powerRange struct {
	lo, hi float64
}

var historyRanges = []powerRange{
	{50, 300},
	{100, 400},
	{80, 350},
}

// GeneratorConfig settings for the synthetic data source
type GeneratorConfig struct {
	Sockets       int
	HistoryLength int
	SourceAddress string
	Seed          uint64
	Now           func() time.Time
}

// DefaultGeneratorConfig returns the reference three-socket setup
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Sockets:       3,
		HistoryLength: 60,
		SourceAddress: "192.168.206.239",
		Seed:          uint64(time.Now().UnixNano()),
		Now:           time.Now,
	}
}

// Generator produces plausible device state when the real device can't be used
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	config GeneratorConfig
}

// NewGenerator creates a synthetic data source
func NewGenerator(config GeneratorConfig) *Generator {
	if config.Sockets <= 0 {
		config.Sockets = 3
	}
	if config.HistoryLength < 0 {
		config.HistoryLength = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Generator{
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
		config: config,
	}
}

// SocketCount number of sockets in every generated snapshot
func (g *Generator) SocketCount() int {
	return g.config.Sockets
}

func (g *Generator) between(lo, hi float64) float64 {
	return g.rng.Float64()*(hi-lo) + lo
}

// socket generates readings for one socket
func (g *Generator) socket(id int) models.SocketState {
	voltage := g.between(210, 240)
	current := g.between(0.1, 5)
	return models.SocketState{
		ID:       id,
		Name:     fmt.Sprintf("Socket %d", id),
		RelayOn:  g.rng.Float64() > 0.2,
		Voltage:  voltage,
		Current:  current,
		Power:    voltage * current,
		IsActive: g.rng.Float64() > 0.3,
	}
}

// history generates count samples one minute apart, ending one minute before now
func (g *Generator) history(count int) []models.TelemetrySample {
	now := g.config.Now()
	samples := make([]models.TelemetrySample, 0, count)
	for i := 0; i < count; i++ {
		sample := models.TelemetrySample{
			Timestamp: now.Add(-time.Duration(count-i) * time.Minute).UTC(),
			PerSocket: make([]float64, g.config.Sockets),
		}
		for s := 0; s < g.config.Sockets; s++ {
			r := historyRanges[s%len(historyRanges)]
			sample.PerSocket[s] = g.between(r.lo, r.hi)
			sample.TotalPower += sample.PerSocket[s]
		}
		samples = append(samples, sample)
	}
	return samples
}

// Snapshot generates a complete state around the given config
func (g *Generator) Snapshot(cfg models.Config) models.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	sockets := make([]models.SocketState, 0, g.config.Sockets)
	for id := 1; id <= g.config.Sockets; id++ {
		sockets = append(sockets, g.socket(id))
	}

	return models.Snapshot{
		SystemStatus: models.SystemStatus{
			IsConnected:   true,
			LastUpdated:   g.config.Now().UTC(),
			SourceAddress: g.config.SourceAddress,
			TotalPower:    SumPower(sockets),
		},
		Sockets:      sockets,
		PowerHistory: g.history(g.config.HistoryLength),
		Alerts:       []models.Alert{},
		Config:       cfg.Clone(),
	}
}

// SampleFromSockets derives a history sample from current socket readings
func SampleFromSockets(ts time.Time, sockets []models.SocketState) models.TelemetrySample {
	sample := models.TelemetrySample{
		Timestamp: ts,
		PerSocket: make([]float64, 0, len(sockets)),
	}
	for _, s := range sockets {
		sample.PerSocket = append(sample.PerSocket, s.Power)
		sample.TotalPower += s.Power
	}
	return sample
}
