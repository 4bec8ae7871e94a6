package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"socket-sentinel/internal/analytics"
	"socket-sentinel/internal/models"
	"socket-sentinel/internal/policy"
)

var start = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// stubDevice returns a fixed snapshot and records actuations
type stubDevice struct {
	mu       sync.Mutex
	snap     models.Snapshot
	fallback bool
	relayErr error
	relays   []models.Intent
	polls    int
}

func (d *stubDevice) Poll(context.Context) (models.Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	return d.snap.Clone(), d.fallback
}

func (d *stubDevice) SetRelay(_ context.Context, socketID int, on bool) (models.Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relays = append(d.relays, models.Intent{SocketID: socketID, On: on})
	if d.relayErr != nil {
		return models.Ack{}, d.relayErr
	}
	return models.Ack{Operation: "relay"}, nil
}

func (d *stubDevice) setTotal(total float64) {
	d.mu.Lock()
	d.snap.SystemStatus.TotalPower = total
	d.mu.Unlock()
}

func history(n int, total float64) []models.TelemetrySample {
	out := make([]models.TelemetrySample, n)
	for i := range out {
		out[i] = models.TelemetrySample{
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
			TotalPower: total,
			PerSocket:  []float64{total},
		}
	}
	return out
}

func baseSnapshot() models.Snapshot {
	return models.Snapshot{
		SystemStatus: models.SystemStatus{IsConnected: true, TotalPower: 400},
		Sockets:      []models.SocketState{{ID: 1, RelayOn: true, Power: 400, IsActive: true}},
		PowerHistory: history(20, 400),
		Alerts:       []models.Alert{},
		Config:       models.Config{AdminSecret: "admin123", HighPowerThreshold: 1000, PredictionEnabled: true},
	}
}

func newScheduler(t *testing.T, device Device, opts Options) *Scheduler {
	t.Helper()
	fcfg := analytics.DefaultConfig()
	fcfg.Jitter = 0
	logger := zaptest.NewLogger(t)
	opts.Logger = logger
	return New(device, analytics.NewForecaster(fcfg, 1), policy.NewEngine(logger, func() time.Time { return start }), opts)
}

func TestRunOnce_ForecastsAndAdjusts(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	device.snap.SystemStatus.TotalPower = 440
	s := newScheduler(t, device, Options{})

	update := s.RunOnce(context.Background())

	require.Len(t, update.Predictions, 60)
	require.NotNil(t, update.Predictions[0].ActualPower)
	assert.Equal(t, 440.0, *update.Predictions[0].ActualPower)
	assert.InDelta(t, 440.0, update.Predictions[0].PredictedPower, 1e-6)
	assert.Equal(t, uint64(1), update.Cycle)
	assert.Equal(t, update.Predictions, s.Predictions())
}

func TestRunOnce_UpdatesCarryNoSecret(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	device.setTotal(1200)
	s := newScheduler(t, device, Options{})
	sub := s.Subscribe()

	update := s.RunOnce(context.Background())

	assert.Empty(t, update.Snapshot.Config.AdminSecret)
	assert.Equal(t, 1000.0, update.Snapshot.Config.HighPowerThreshold)
	require.Len(t, update.NewAlerts, 1, "threshold still comes from the device config")

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Empty(t, latest.Snapshot.Config.AdminSecret)
	assert.Empty(t, (<-sub).Snapshot.Config.AdminSecret)
	assert.Equal(t, "admin123", device.snap.Config.AdminSecret, "source snapshot untouched")
}

func TestRestore(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	s := newScheduler(t, device, Options{})

	_, ok := s.Latest()
	require.False(t, ok)

	require.True(t, s.Restore(baseSnapshot()))
	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(0), latest.Cycle)
	assert.Equal(t, 400.0, latest.Snapshot.SystemStatus.TotalPower)
	assert.Empty(t, latest.Snapshot.Config.AdminSecret)
	assert.Equal(t, start.Add(19*time.Minute), latest.Timestamp)

	s.RunOnce(context.Background())
	assert.False(t, s.Restore(baseSnapshot()), "a completed cycle wins")
	latest, _ = s.Latest()
	assert.Equal(t, uint64(1), latest.Cycle)
}

func TestRunOnce_PredictionDisabled(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	device.snap.Config.PredictionEnabled = false
	s := newScheduler(t, device, Options{})

	update := s.RunOnce(context.Background())
	assert.Empty(t, update.Predictions)
	assert.NotNil(t, update.Predictions)
}

func TestRunOnce_AlertsRaisedOnce(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	device.setTotal(1200)
	s := newScheduler(t, device, Options{})
	ctx := context.Background()

	first := s.RunOnce(ctx)
	second := s.RunOnce(ctx)

	require.Len(t, first.NewAlerts, 1)
	assert.Equal(t, models.CategoryHighPower, first.NewAlerts[0].Category)
	assert.Empty(t, second.NewAlerts)
	assert.Len(t, second.Alerts, 1)
	assert.Len(t, s.Alerts(), 1)
}

func TestRunOnce_ClearedAlertIsRaisedAgain(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	device.setTotal(1200)
	s := newScheduler(t, device, Options{})
	ctx := context.Background()

	first := s.RunOnce(ctx)
	assert.False(t, s.ClearAlert("nope"))
	require.True(t, s.ClearAlert(first.Alerts[0].ID))
	assert.Empty(t, s.Alerts())

	again := s.RunOnce(ctx)
	require.Len(t, again.NewAlerts, 1)
	assert.NotEqual(t, first.Alerts[0].ID, again.NewAlerts[0].ID)

	s.ClearAlerts()
	assert.Empty(t, s.Alerts())
}

func TestRunOnce_ExecutesIntents(t *testing.T) {
	snap := baseSnapshot()
	snap.Config.AutoLoadBalance = true
	snap.Sockets = []models.SocketState{
		{ID: 1, RelayOn: true, Power: 400, IsActive: true},
		{ID: 2, RelayOn: true, Power: 3},
	}
	device := &stubDevice{snap: snap, relayErr: errors.New("device unreachable")}
	s := newScheduler(t, device, Options{})

	update := s.RunOnce(context.Background())

	require.Equal(t, []models.Intent{{SocketID: 2, On: false, Reason: models.CategoryAutoBalance}}, update.Intents)
	assert.Equal(t, []models.Intent{{SocketID: 2, On: false}}, device.relays)
	require.Len(t, update.Alerts, 1, "failed actuation keeps its alert")
	assert.Equal(t, models.CategoryAutoBalance, update.Alerts[0].Category)
}

func TestSubscribe_DropsForSlowSubscriber(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot(), fallback: true}
	s := newScheduler(t, device, Options{SubscriberBuffer: 1})
	updates := s.Subscribe()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.RunOnce(ctx)
	}

	require.Len(t, updates, 1)
	got := <-updates
	assert.Equal(t, uint64(1), got.Cycle)
	assert.True(t, got.UsingFallback)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.Cycle)
}

func TestStartStop(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	s := newScheduler(t, device, Options{Interval: 10 * time.Millisecond})
	updates := s.Subscribe()

	s.Start(context.Background())

	select {
	case u := <-updates:
		assert.Equal(t, uint64(1), u.Cycle)
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}

	s.Stop()
	for range updates {
	}

	_, ok := <-s.Subscribe()
	assert.False(t, ok, "subscribing after stop yields a closed channel")
}

func TestStart_StopsWithContext(t *testing.T) {
	device := &stubDevice{snap: baseSnapshot()}
	s := newScheduler(t, device, Options{Interval: time.Hour})
	updates := s.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	<-updates
	cancel()

	for range updates {
	}
	s.Stop()
}
