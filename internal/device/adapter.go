package device

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"socket-sentinel/internal/metrics"
	"socket-sentinel/internal/models"
	"socket-sentinel/internal/telemetry"
)

// DefaultIsolationReason used when isolation is engaged without a device-supplied reason
const DefaultIsolationReason = "Manual isolation"

// Mode where snapshots currently come from
type Mode int

const (
	// ModeConnected live polling
	ModeConnected Mode = iota
	// ModeCooldown live, but the failure threshold was hit and synthetic data is served until retryAt
	ModeCooldown
	// ModeSynthetic operator override
	ModeSynthetic
)

func (m Mode) String() string {
	switch m {
	case ModeConnected:
		return "connected"
	case ModeCooldown:
		return "cooldown"
	default:
		return "synthetic"
	}
}

// MarshalText renders the mode name in JSON
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ConfigStore persists the operator config
type ConfigStore interface {
	Load(ctx context.Context) (models.Config, bool, error)
	Save(ctx context.Context, cfg models.Config) error
}

// Options adapter tuning; zero values take the defaults
type Options struct {
	FailureThreshold int
	CooldownInterval time.Duration
	RequestTimeout   time.Duration
	HistoryCapacity  int
	Generator        *telemetry.Generator
	Store            ConfigStore
	Logger           *zap.Logger
	Now              func() time.Time
}

// DefaultOptions three failures, 30s cooldown, 5s request timeout
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 3,
		CooldownInterval: 30 * time.Second,
		RequestTimeout:   5 * time.Second,
		HistoryCapacity:  telemetry.DefaultHistoryCapacity,
	}
}

// Stats adapter counters
type Stats struct {
	Mode                Mode      `json:"mode"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	RetryAt             time.Time `json:"retryAt,omitzero"`
	LastSuccess         time.Time `json:"lastSuccess,omitzero"`
	HistoryLength       int       `json:"historyLength"`
}

// latches flags that stay set until an explicit operator action
type latches struct {
	isolated bool
	reason   string
	blocked  bool
	abnormal bool
}

// Adapter resilient front for the socket controller. It polls the device, normalizes what it
// gets, and serves synthetic data while the device is unusable.
type Adapter struct {
	// pollMu serializes polls; mu guards everything below it
	pollMu   sync.Mutex
	configMu sync.Mutex
	mu       sync.RWMutex

	transport Transport
	store     ConfigStore
	gen       *telemetry.Generator
	history   *telemetry.History
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	config      models.Config
	latched     latches
	relays      map[int]bool
	sockets     []models.SocketState
	lastGood    *models.Snapshot
	failures    int
	cooldown    bool
	retryAt     time.Time
	lastSuccess time.Time
}

// NewAdapter creates an adapter around transport with the initial config
func NewAdapter(transport Transport, cfg models.Config, opts Options) *Adapter {
	def := DefaultOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.CooldownInterval <= 0 {
		opts.CooldownInterval = def.CooldownInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = def.HistoryCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Generator == nil {
		gen := telemetry.DefaultGeneratorConfig()
		gen.Now = opts.Now
		opts.Generator = telemetry.NewGenerator(gen)
	}

	return &Adapter{
		transport: transport,
		store:     opts.Store,
		gen:       opts.Generator,
		history:   telemetry.NewHistory(opts.HistoryCapacity),
		logger:    opts.Logger.Named("device"),
		opts:      opts,
		now:       opts.Now,
		config:    cfg.Clone(),
		relays:    make(map[int]bool),
	}
}

// LoadConfig replaces the in-memory config with the stored one, or seeds an empty store
func (a *Adapter) LoadConfig(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	a.configMu.Lock()
	defer a.configMu.Unlock()

	cfg, ok, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !ok {
		a.mu.RLock()
		current := a.config.Clone()
		a.mu.RUnlock()
		if err := a.store.Save(ctx, current); err != nil {
			return fmt.Errorf("failed to seed config: %w", err)
		}
		a.logger.Info("Config store seeded from defaults")
		return nil
	}

	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()
	a.logger.Info("Config loaded from store",
		zap.Float64("high_power_threshold", cfg.HighPowerThreshold),
		zap.Bool("synthetic", cfg.UseSyntheticData))
	return nil
}

// Config returns a copy of the current config
func (a *Adapter) Config() models.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Clone()
}

// Mode reports where the next snapshot comes from
func (a *Adapter) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.modeLocked()
}

func (a *Adapter) modeLocked() Mode {
	switch {
	case a.config.UseSyntheticData:
		return ModeSynthetic
	case a.cooldown:
		return ModeCooldown
	default:
		return ModeConnected
	}
}

// Stats returns a point-in-time view of the failure state
func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Mode:                a.modeLocked(),
		ConsecutiveFailures: a.failures,
		RetryAt:             a.retryAt,
		LastSuccess:         a.lastSuccess,
		HistoryLength:       a.history.Len(),
	}
}

// Poll produces one snapshot. usingFallback is true when the data is synthetic because of the
// override or an active cooldown. The request survives cancellation of ctx and is bounded by
// the request timeout instead.
func (a *Adapter) Poll(ctx context.Context) (snap models.Snapshot, usingFallback bool) {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()

	a.mu.RLock()
	override := a.config.UseSyntheticData
	cooling := a.cooldown && a.now().Before(a.retryAt)
	a.mu.RUnlock()

	defer func() {
		if usingFallback {
			metrics.FallbackActive.Set(1)
		} else {
			metrics.FallbackActive.Set(0)
		}
	}()

	if override {
		metrics.PollsTotal.WithLabelValues("synthetic").Inc()
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.syntheticLocked(), true
	}
	if cooling {
		metrics.PollsTotal.WithLabelValues("cooldown").Inc()
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.syntheticLocked(), true
	}

	result, err := a.fetch(ctx)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("failed").Inc()
		return a.recordFailure(err)
	}
	metrics.PollsTotal.WithLabelValues(result.Outcome.String()).Inc()
	return a.recordSuccess(result), false
}

func (a *Adapter) fetch(ctx context.Context) (telemetry.Result, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.RequestTimeout)
	defer cancel()

	raw, err := a.transport.FetchSystem(reqCtx)
	if err != nil {
		return telemetry.Result{}, err
	}

	a.mu.RLock()
	defaults := a.gen.Snapshot(a.config)
	a.mu.RUnlock()

	result := telemetry.Normalize(raw, defaults)
	if !result.Usable() {
		return telemetry.Result{}, fmt.Errorf("%w: nothing recoverable in %d bytes", ErrMalformedPayload, len(raw))
	}
	if result.Outcome == telemetry.OutcomeRecovered || result.DroppedSamples > 0 {
		a.logger.Warn("Device payload repaired",
			zap.Stringer("outcome", result.Outcome),
			zap.Int("dropped_samples", result.DroppedSamples))
	}
	return result, nil
}

func (a *Adapter) recordSuccess(result telemetry.Result) models.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cooldown {
		a.logger.Info("Device reachable again, leaving cooldown")
	}
	a.failures = 0
	a.cooldown = false
	a.retryAt = time.Time{}
	a.lastSuccess = a.now()
	metrics.ConsecutiveFailures.Set(0)

	snap := result.Snapshot
	snap.Config = a.config.Clone()
	snap.SystemStatus.IsConnected = true
	a.applyLatches(&snap.SystemStatus)
	for _, s := range snap.Sockets {
		delete(a.relays, s.ID)
	}
	a.recordHistory(&snap)

	a.sockets = snap.Clone().Sockets
	good := snap.Clone()
	a.lastGood = &good
	return snap
}

func (a *Adapter) recordFailure(err error) (models.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.failures++
	metrics.ConsecutiveFailures.Set(float64(a.failures))
	a.logger.Warn("Device poll failed",
		zap.Error(err),
		zap.Int("consecutive_failures", a.failures),
		zap.Bool("malformed", errors.Is(err, ErrMalformedPayload)))

	if a.cooldown || a.failures >= a.opts.FailureThreshold {
		if !a.cooldown {
			a.logger.Warn("Failure threshold reached, serving synthetic data",
				zap.Int("threshold", a.opts.FailureThreshold),
				zap.Duration("cooldown", a.opts.CooldownInterval))
		}
		a.cooldown = true
		a.retryAt = a.now().Add(a.opts.CooldownInterval)
		return a.syntheticLocked(), true
	}

	var snap models.Snapshot
	if a.lastGood != nil {
		snap = a.lastGood.Clone()
		snap.Config = a.config.Clone()
		a.applyLatches(&snap.SystemStatus)
		snap.PowerHistory = a.history.Samples()
	} else {
		snap = a.syntheticLocked()
	}
	snap.SystemStatus.IsConnected = false
	return snap, false
}

// syntheticLocked generates a snapshot that honours accepted actuations and latched flags
func (a *Adapter) syntheticLocked() models.Snapshot {
	snap := a.gen.Snapshot(a.config)
	a.applyLatches(&snap.SystemStatus)

	for i := range snap.Sockets {
		s := &snap.Sockets[i]
		if on, ok := a.relays[s.ID]; ok {
			s.RelayOn = on
		}
		if !s.RelayOn || snap.SystemStatus.IsIsolated {
			s.Current = 0
			s.Power = 0
			s.IsActive = false
		}
	}
	snap.SystemStatus.TotalPower = telemetry.SumPower(snap.Sockets)
	a.recordHistory(&snap)
	a.sockets = snap.Clone().Sockets
	return snap
}

// recordHistory merges the snapshot's samples into the rolling window, or derives one from the
// sockets when nothing new arrived, then replaces the snapshot history with the window
func (a *Adapter) recordHistory(snap *models.Snapshot) {
	if a.history.Merge(snap.PowerHistory) == 0 {
		a.history.Add(telemetry.SampleFromSockets(a.now().UTC(), snap.Sockets))
	}
	snap.PowerHistory = a.history.Samples()
}

// applyLatches folds device-reported flags into the latches, then reports the latched values
func (a *Adapter) applyLatches(status *models.SystemStatus) {
	if status.IsIsolated && !a.latched.isolated {
		a.latched.isolated = true
		a.latched.reason = status.IsolationReason
	}
	if status.AbnormalDetected {
		a.latched.abnormal = true
		a.latched.blocked = true
	}
	if status.IsCommunicationBlocked {
		a.latched.blocked = true
	}

	status.IsIsolated = a.latched.isolated
	status.IsolationReason = ""
	if a.latched.isolated {
		status.IsolationReason = a.latched.reason
		if status.IsolationReason == "" {
			status.IsolationReason = DefaultIsolationReason
		}
	}
	status.IsCommunicationBlocked = a.latched.blocked
	status.AbnormalDetected = a.latched.abnormal
}

// simulated reports whether control operations are handled locally
func (a *Adapter) simulated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.UseSyntheticData || a.cooldown
}

func (a *Adapter) secretMatches(secret string) bool {
	a.mu.RLock()
	want := a.config.AdminSecret
	a.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(secret), []byte(want)) == 1
}

func (a *Adapter) knownSocket(id int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.sockets) == 0 {
		return id >= 1 && id <= a.gen.SocketCount()
	}
	for _, s := range a.sockets {
		if s.ID == id {
			return true
		}
	}
	return false
}

// forward runs a device call bounded by the request timeout
func (a *Adapter) forward(ctx context.Context, call func(context.Context) error) error {
	reqCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()
	return call(reqCtx)
}

func (a *Adapter) ack(operation string, simulated bool, err error) (models.Ack, error) {
	metrics.Actuations.WithLabelValues(operation, metrics.Result(err)).Inc()
	if err != nil {
		a.logger.Warn("Control operation rejected", zap.String("operation", operation), zap.Error(err))
		return models.Ack{}, err
	}
	a.logger.Info("Control operation applied", zap.String("operation", operation), zap.Bool("simulated", simulated))
	return models.Ack{Operation: operation, Simulated: simulated, Timestamp: a.now().UTC()}, nil
}

// SetRelay switches a socket. The new state is recorded only after the device accepted it.
func (a *Adapter) SetRelay(ctx context.Context, socketID int, on bool) (models.Ack, error) {
	if !a.knownSocket(socketID) {
		return a.ack("relay", false, fmt.Errorf("%w: %d", ErrUnknownSocket, socketID))
	}

	sim := a.simulated()
	if !sim {
		err := a.forward(ctx, func(ctx context.Context) error {
			return a.transport.SetRelay(ctx, socketID, on)
		})
		if err != nil {
			return a.ack("relay", false, err)
		}
	}

	a.mu.Lock()
	a.relays[socketID] = on
	for i := range a.sockets {
		if a.sockets[i].ID == socketID {
			a.sockets[i].RelayOn = on
		}
	}
	if a.lastGood != nil {
		for i := range a.lastGood.Sockets {
			if a.lastGood.Sockets[i].ID == socketID {
				a.lastGood.Sockets[i].RelayOn = on
			}
		}
	}
	a.mu.Unlock()

	return a.ack("relay", sim, nil)
}

// SetIsolation engages or releases isolation. Locally simulated operations check the admin
// secret; live ones leave that to the device.
func (a *Adapter) SetIsolation(ctx context.Context, on bool, secret string) (models.Ack, error) {
	sim := a.simulated()
	if sim {
		if !a.secretMatches(secret) {
			return a.ack("isolation", true, ErrInvalidSecret)
		}
	} else {
		err := a.forward(ctx, func(ctx context.Context) error {
			return a.transport.SetIsolation(ctx, on, secret)
		})
		if err != nil {
			return a.ack("isolation", false, err)
		}
	}

	a.mu.Lock()
	a.latched.isolated = on
	a.latched.reason = ""
	if on {
		a.latched.reason = DefaultIsolationReason
	}
	if a.lastGood != nil {
		a.applyLatches(&a.lastGood.SystemStatus)
	}
	a.mu.Unlock()

	return a.ack("isolation", sim, nil)
}

// ResetCommunication clears the communication block and the abnormal-activity flag
func (a *Adapter) ResetCommunication(ctx context.Context, secret string) (models.Ack, error) {
	sim := a.simulated()
	if sim {
		if !a.secretMatches(secret) {
			return a.ack("reset", true, ErrInvalidSecret)
		}
	} else {
		err := a.forward(ctx, func(ctx context.Context) error {
			return a.transport.ResetCommunication(ctx, secret)
		})
		if err != nil {
			return a.ack("reset", false, err)
		}
	}

	a.mu.Lock()
	a.latched.blocked = false
	a.latched.abnormal = false
	if a.lastGood != nil {
		a.lastGood.SystemStatus.AbnormalDetected = false
		a.lastGood.SystemStatus.IsCommunicationBlocked = false
	}
	a.mu.Unlock()

	return a.ack("reset", sim, nil)
}

// UpdateConfig merges patch onto the config, persists it and returns what the store holds.
// Patches touching the admin secret or the allowed sources need the current secret.
func (a *Adapter) UpdateConfig(ctx context.Context, patch models.ConfigPatch, secret string) (models.Config, error) {
	if err := validatePatch(patch); err != nil {
		_, err = a.ack("config", false, err)
		return models.Config{}, err
	}
	if patch.ChangesAccess() && !a.secretMatches(secret) {
		_, err := a.ack("config", false, ErrInvalidSecret)
		return models.Config{}, err
	}

	a.configMu.Lock()
	defer a.configMu.Unlock()

	sim := a.simulated()
	if !sim {
		err := a.forward(ctx, func(ctx context.Context) error {
			return a.transport.UpdateConfig(ctx, patch)
		})
		if err != nil {
			_, err = a.ack("config", false, err)
			return models.Config{}, err
		}
	}

	merged := patch.Apply(a.Config())
	if a.store != nil {
		if err := a.store.Save(ctx, merged); err != nil {
			_, err = a.ack("config", sim, fmt.Errorf("failed to save config: %w", err))
			return models.Config{}, err
		}
		stored, ok, err := a.store.Load(ctx)
		if err != nil {
			_, err = a.ack("config", sim, fmt.Errorf("failed to reload config: %w", err))
			return models.Config{}, err
		}
		if ok {
			merged = stored
		}
	}

	a.mu.Lock()
	a.config = merged.Clone()
	a.mu.Unlock()

	if _, err := a.ack("config", sim, nil); err != nil {
		return models.Config{}, err
	}
	return merged, nil
}

func validatePatch(p models.ConfigPatch) error {
	if p.HighPowerThreshold != nil {
		v := *p.HighPowerThreshold
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: highPowerThreshold must be a positive number", ErrInvalidConfig)
		}
	}
	if p.AdminSecret != nil && *p.AdminSecret == "" {
		return fmt.Errorf("%w: adminPassword must not be empty", ErrInvalidConfig)
	}
	return nil
}
