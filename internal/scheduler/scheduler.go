package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"socket-sentinel/internal/analytics"
	"socket-sentinel/internal/metrics"
	"socket-sentinel/internal/models"
	"socket-sentinel/internal/policy"
)

// Device poll and actuation side of the telemetry adapter
type Device interface {
	Poll(ctx context.Context) (models.Snapshot, bool)
	SetRelay(ctx context.Context, socketID int, on bool) (models.Ack, error)
}

// Update everything one cycle produced
type Update struct {
	Cycle         uint64              `json:"cycle"`
	Timestamp     time.Time           `json:"timestamp"`
	Snapshot      models.Snapshot     `json:"snapshot"`
	Predictions   []models.Prediction `json:"predictions"`
	Alerts        []models.Alert      `json:"alerts"`
	NewAlerts     []models.Alert      `json:"newAlerts"`
	Intents       []models.Intent     `json:"intents"`
	UsingFallback bool                `json:"usingFallback"`
}

// Options scheduler tuning
type Options struct {
	Interval         time.Duration
	HorizonMinutes   int
	SubscriberBuffer int
	Logger           *zap.Logger
	Now              func() time.Time
}

// DefaultOptions 5s cadence, one hour forecast
func DefaultOptions() Options {
	return Options{
		Interval:         5 * time.Second,
		HorizonMinutes:   60,
		SubscriberBuffer: 16,
	}
}

// Scheduler runs poll → forecast → evaluate → actuate on a fixed cadence and publishes the
// result to subscribers
type Scheduler struct {
	device     Device
	forecaster *analytics.Forecaster
	engine     *policy.Engine
	logger     *zap.Logger
	opts       Options

	// cycleMu keeps cycles sequential when RunOnce is also called from outside the loop
	cycleMu sync.Mutex

	mu          sync.RWMutex
	alerts      policy.AlertSet
	predictions []models.Prediction
	latest      *Update
	fallback    bool
	cycles      uint64

	subMu   sync.Mutex
	subs    []chan Update
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New creates a scheduler
func New(device Device, forecaster *analytics.Forecaster, engine *policy.Engine, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.HorizonMinutes <= 0 {
		opts.HorizonMinutes = def.HorizonMinutes
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = def.SubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		device:      device,
		forecaster:  forecaster,
		engine:      engine,
		logger:      opts.Logger.Named("scheduler"),
		opts:        opts,
		predictions: []models.Prediction{},
		stopChan:    make(chan struct{}),
	}
}

// Start runs the loop in the background: one cycle right away, then one per interval.
// Ticks that fire during a slow cycle are dropped.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.closeSubscribers()
			s.loop(ctx)
		}()
		s.logger.Info("Scheduler started", zap.Duration("interval", s.opts.Interval))
	})
}

// Stop ends the loop, waiting for an in-flight cycle to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.closeSubscribers()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle and publishes its update
func (s *Scheduler) RunOnce(ctx context.Context) Update {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.CycleLatency.Observe(time.Since(start).Seconds())
	}()

	snap, fallback := s.device.Poll(ctx)
	predictions := s.forecast(snap)

	s.mu.RLock()
	existing := s.alerts
	wasFallback := s.fallback
	s.mu.RUnlock()

	alerts, intents := s.engine.Evaluate(snap, existing, predictions)
	newAlerts := alerts.Alerts()[:alerts.Len()-existing.Len()]
	s.execute(ctx, intents)

	if fallback != wasFallback {
		if fallback {
			s.logger.Warn("Device unusable, switched to synthetic data")
		} else {
			s.logger.Info("Device data restored")
		}
	}

	s.mu.Lock()
	// re-apply onto the live set so alerts cleared during the cycle stay cleared
	current := s.alerts
	for i := len(newAlerts) - 1; i >= 0; i-- {
		current, _ = current.Add(newAlerts[i])
	}
	s.alerts = current
	s.cycles++
	snap.Config = snap.Config.Redacted()
	update := Update{
		Cycle:         s.cycles,
		Timestamp:     s.opts.Now().UTC(),
		Snapshot:      snap,
		Predictions:   predictions,
		Alerts:        current.Alerts(),
		NewAlerts:     newAlerts,
		Intents:       intents,
		UsingFallback: fallback,
	}
	s.predictions = predictions
	s.fallback = fallback
	s.latest = &update
	s.mu.Unlock()

	s.observe(update)
	s.publish(update)
	return update
}

func (s *Scheduler) forecast(snap models.Snapshot) []models.Prediction {
	if !snap.Config.PredictionEnabled || len(snap.PowerHistory) == 0 {
		return []models.Prediction{}
	}
	predictions := s.forecaster.Forecast(snap.PowerHistory, s.opts.HorizonMinutes)
	if total := snap.SystemStatus.TotalPower; total != 0 {
		predictions = analytics.Adjust(predictions, total)
	}
	return predictions
}

// execute applies policy intents; a failed actuation leaves its alert in place
func (s *Scheduler) execute(ctx context.Context, intents []models.Intent) {
	for _, intent := range intents {
		if _, err := s.device.SetRelay(ctx, intent.SocketID, intent.On); err != nil {
			s.logger.Warn("Actuation failed",
				zap.Int("socket_id", intent.SocketID),
				zap.Bool("on", intent.On),
				zap.String("reason", string(intent.Reason)),
				zap.Error(err))
			continue
		}
		s.logger.Info("Actuation applied",
			zap.Int("socket_id", intent.SocketID),
			zap.Bool("on", intent.On),
			zap.String("reason", string(intent.Reason)))
	}
}

func (s *Scheduler) observe(u Update) {
	metrics.TotalPower.Set(u.Snapshot.SystemStatus.TotalPower)
	for _, sock := range u.Snapshot.Sockets {
		metrics.SocketPower.WithLabelValues(strconv.Itoa(sock.ID)).Set(sock.Power)
	}
	if peak, ok := analytics.Peak(u.Predictions); ok {
		metrics.PredictedPeak.Set(peak.PredictedPower)
	} else {
		metrics.PredictedPeak.Set(0)
	}
	metrics.ActiveAlerts.Set(float64(len(u.Alerts)))
}

// Subscribe returns a channel receiving every update. Updates are dropped for a subscriber whose
// buffer is full. The channel is closed when the scheduler stops.
func (s *Scheduler) Subscribe() <-chan Update {
	ch := make(chan Update, s.opts.SubscriberBuffer)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.stopped {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Scheduler) publish(u Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
			s.logger.Debug("Subscriber lagging, update dropped", zap.Uint64("cycle", u.Cycle))
		}
	}
}

func (s *Scheduler) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// Restore seeds Latest with a persisted snapshot until the first cycle completes. It does
// nothing once a cycle has run.
func (s *Scheduler) Restore(snap models.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil {
		return false
	}
	update := Update{
		Snapshot:    snap.Clone(),
		Predictions: []models.Prediction{},
		Alerts:      []models.Alert{},
		NewAlerts:   []models.Alert{},
		Intents:     []models.Intent{},
	}
	update.Snapshot.Config = update.Snapshot.Config.Redacted()
	if n := len(snap.PowerHistory); n > 0 {
		update.Timestamp = snap.PowerHistory[n-1].Timestamp
	}
	s.latest = &update
	return true
}

// Latest returns the most recent update
func (s *Scheduler) Latest() (Update, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Update{}, false
	}
	return *s.latest, true
}

// Predictions current forecast
func (s *Scheduler) Predictions() []models.Prediction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Prediction, len(s.predictions))
	copy(out, s.predictions)
	return out
}

// Alerts active alerts, newest first
func (s *Scheduler) Alerts() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts.Alerts()
}

// ClearAlert removes one alert; false when the id is unknown
func (s *Scheduler) ClearAlert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	alerts, ok := s.alerts.Clear(id)
	if ok {
		s.alerts = alerts
		metrics.ActiveAlerts.Set(float64(alerts.Len()))
	}
	return ok
}

// ClearAlerts removes every alert
func (s *Scheduler) ClearAlerts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = s.alerts.ClearAll()
	metrics.ActiveAlerts.Set(0)
}
