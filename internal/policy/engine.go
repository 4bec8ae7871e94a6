package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"socket-sentinel/internal/analytics"
	"socket-sentinel/internal/metrics"
	"socket-sentinel/internal/models"
)

const (
	// IdlePowerLimit below this a powered, inactive socket counts as idle
	IdlePowerLimit = 10.0
	// HeavyPowerLimit above this a powered socket counts as heavy
	HeavyPowerLimit = 100.0
)

// Engine turns a snapshot into alerts and corrective actuation intents
type Engine struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewEngine creates a policy engine. A nil clock uses time.Now.
func NewEngine(logger *zap.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger: logger.Named("policy"),
		now:    now,
		newID:  uuid.NewString,
	}
}

// Evaluate applies every rule to snap. Each rule raises at most one alert per key while an
// alert with that key is active. existing is not modified.
func (e *Engine) Evaluate(snap models.Snapshot, existing AlertSet, predictions []models.Prediction) (AlertSet, []models.Intent) {
	status := snap.SystemStatus
	cfg := snap.Config
	alerts := existing
	intents := []models.Intent{}

	raise := func(category models.Category, socketID int, severity models.Severity, message string) bool {
		var added bool
		alerts, added = alerts.Add(e.alert(category, socketID, severity, message))
		if added {
			metrics.AlertsRaised.WithLabelValues(string(category), string(severity)).Inc()
			e.logger.Info("Alert raised",
				zap.String("category", string(category)),
				zap.Int("socket_id", socketID),
				zap.String("severity", string(severity)))
		}
		return added
	}

	breach := status.TotalPower > cfg.HighPowerThreshold && !status.IsIsolated
	if breach {
		raise(models.CategoryHighPower, 0, models.SeverityWarning,
			fmt.Sprintf("High power usage: %.1fW exceeds threshold of %gW", status.TotalPower, cfg.HighPowerThreshold))
	}

	if status.AbnormalDetected {
		raise(models.CategoryAbnormalActivity, 0, models.SeverityError,
			"Abnormal activity detected, communication blocked until reset")
	}

	if status.IsIsolated {
		reason := status.IsolationReason
		if reason == "" {
			reason = "Manual isolation"
		}
		raise(models.CategoryIsolation, 0, models.SeverityError,
			fmt.Sprintf("System isolated: %s. Administrator action required", reason))
	}

	if cfg.AutoLoadBalance && !status.IsIsolated {
		for _, socket := range idleWhileLoaded(snap.Sockets) {
			if alerts.Has(models.CategoryAutoBalance, socket.ID) {
				continue
			}
			raise(models.CategoryAutoBalance, socket.ID, models.SeverityInfo,
				fmt.Sprintf("Auto-balance: switching off socket %d, idle at %.1fW standby", socket.ID, socket.Power))
			intents = append(intents, models.Intent{SocketID: socket.ID, On: false, Reason: models.CategoryAutoBalance})
		}
	}

	if cfg.PredictionEnabled && !status.IsIsolated && !breach {
		if peak, ok := analytics.Peak(predictions); ok && peak.PredictedPower > cfg.HighPowerThreshold {
			raise(models.CategoryPredictedOverload, 0, models.SeverityWarning,
				fmt.Sprintf("Forecast peak of %.1fW at %s exceeds threshold of %gW",
					peak.PredictedPower, peak.Timestamp.UTC().Format(time.RFC3339), cfg.HighPowerThreshold))
		}
	}

	return alerts, intents
}

func (e *Engine) alert(category models.Category, socketID int, severity models.Severity, message string) models.Alert {
	return models.Alert{
		ID:        models.AlertKey(category, socketID) + "-" + e.newID(),
		Category:  category,
		SocketID:  socketID,
		Severity:  severity,
		Message:   message,
		Timestamp: e.now().UTC(),
	}
}

// idleWhileLoaded idle sockets, but only when some other socket is drawing heavily
func idleWhileLoaded(sockets []models.SocketState) []models.SocketState {
	var idle []models.SocketState
	heavy := false
	for _, s := range sockets {
		if !s.RelayOn {
			continue
		}
		if s.Power < IdlePowerLimit && !s.IsActive {
			idle = append(idle, s)
		}
		if s.Power > HeavyPowerLimit {
			heavy = true
		}
	}
	if !heavy {
		return nil
	}
	return idle
}
