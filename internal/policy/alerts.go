package policy

import (
	"slices"

	"socket-sentinel/internal/models"
)

// AlertSet active alerts, newest first, with at most one alert per deduplication key.
// The zero value is an empty set.
type AlertSet struct {
	alerts []models.Alert
}

// NewAlertSet builds a set from alerts ordered newest first; later duplicates of a key are dropped
func NewAlertSet(alerts ...models.Alert) AlertSet {
	var s AlertSet
	for _, a := range alerts {
		if s.Has(a.Category, a.SocketID) {
			continue
		}
		s.alerts = append(s.alerts, a)
	}
	return s
}

// Alerts returns a copy, newest first
func (s AlertSet) Alerts() []models.Alert {
	if len(s.alerts) == 0 {
		return []models.Alert{}
	}
	return slices.Clone(s.alerts)
}

// Len number of active alerts
func (s AlertSet) Len() int {
	return len(s.alerts)
}

// Has reports whether an alert with the given key is active
func (s AlertSet) Has(category models.Category, socketID int) bool {
	key := models.AlertKey(category, socketID)
	return slices.ContainsFunc(s.alerts, func(a models.Alert) bool { return a.Key() == key })
}

// Add prepends alert unless its key is already present. The receiver is not modified.
func (s AlertSet) Add(alert models.Alert) (AlertSet, bool) {
	if s.Has(alert.Category, alert.SocketID) {
		return s, false
	}
	out := make([]models.Alert, 0, len(s.alerts)+1)
	out = append(out, alert)
	out = append(out, s.alerts...)
	return AlertSet{alerts: out}, true
}

// Clear removes the alert with the given id
func (s AlertSet) Clear(id string) (AlertSet, bool) {
	i := slices.IndexFunc(s.alerts, func(a models.Alert) bool { return a.ID == id })
	if i < 0 {
		return s, false
	}
	return AlertSet{alerts: slices.Delete(slices.Clone(s.alerts), i, i+1)}, true
}

// ClearAll returns an empty set
func (s AlertSet) ClearAll() AlertSet {
	return AlertSet{}
}
