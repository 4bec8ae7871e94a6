package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"

	"socket-sentinel/internal/models"
)

// Outcome tags how a raw payload was turned into a snapshot
type Outcome int

const (
	// OutcomeOK the payload decoded as a JSON object
	OutcomeOK Outcome = iota
	// OutcomeRecovered the payload was broken; only embedded history could be salvaged
	OutcomeRecovered
	// OutcomeUnusable nothing could be salvaged
	OutcomeUnusable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRecovered:
		return "recovered"
	default:
		return "unusable"
	}
}

// Result of Normalize. Snapshot is only meaningful when Usable() is true.
type Result struct {
	Outcome  Outcome
	Snapshot models.Snapshot
	// DroppedSamples history entries discarded by the shape check
	DroppedSamples int
}

// Usable reports whether the snapshot can be used
func (r Result) Usable() bool {
	return r.Outcome != OutcomeUnusable
}

// perSocketFields numeric fields every history sample must carry besides total
var perSocketFields = []string{"socket1", "socket2", "socket3"}

// embeddedArray matches a flat JSON array of objects
var embeddedArray = regexp.MustCompile(`\[\s*\{[^\[\]]*\}(?:\s*,\s*\{[^\[\]]*\})*\s*\]`)

// Normalize validates and repairs a raw device payload. Sections missing from the payload are
// back-filled from defaults; alerts default to empty. It has no side effects.
func Normalize(raw []byte, defaults models.Snapshot) Result {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return recoverHistory(raw, defaults)
	}

	snap := defaults.Clone()
	snap.Alerts = []models.Alert{}
	snap.PowerHistory = []models.TelemetrySample{}

	if rm, ok := payload["sockets"]; ok {
		if sockets, ok := normalizeSockets(rm, defaults.Sockets); ok {
			snap.Sockets = sockets
		}
	}

	if rm, ok := payload["systemStatus"]; ok {
		if status, ok := normalizeStatus(rm, defaults.SystemStatus, snap.Sockets); ok {
			snap.SystemStatus = status
		}
	}

	if rm, ok := payload["config"]; ok {
		if cfg, ok := normalizeConfig(rm, defaults.Config); ok {
			snap.Config = cfg
		}
	}

	if rm, ok := payload["alerts"]; ok {
		snap.Alerts = normalizeAlerts(rm)
	}

	dropped := 0
	if rm, ok := payload["powerHistory"]; ok {
		snap.PowerHistory, dropped = normalizeHistory(rm)
	}

	return Result{Outcome: OutcomeOK, Snapshot: snap, DroppedSamples: dropped}
}

// recoverHistory looks for an embedded array of history samples inside a payload that is not
// valid JSON as a whole.
func recoverHistory(raw []byte, defaults models.Snapshot) Result {
	for _, candidate := range embeddedArray.FindAll(raw, -1) {
		var items []map[string]any
		if err := json.Unmarshal(candidate, &items); err != nil {
			continue
		}
		if !hasPerSocketFields(items) {
			continue
		}
		samples, dropped := filterSamples(items)
		if len(samples) == 0 {
			continue
		}
		snap := defaults.Clone()
		snap.Alerts = []models.Alert{}
		snap.PowerHistory = samples
		return Result{Outcome: OutcomeRecovered, Snapshot: snap, DroppedSamples: dropped}
	}
	return Result{Outcome: OutcomeUnusable}
}

func hasPerSocketFields(items []map[string]any) bool {
	for _, item := range items {
		all := true
		for _, field := range perSocketFields {
			if _, ok := item[field].(float64); !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// fields a decoded JSON object with typed accessors; wrong-typed values read as absent
type fields map[string]any

func decodeFields(rm json.RawMessage) (fields, bool) {
	var f fields
	if err := json.Unmarshal(rm, &f); err != nil || f == nil {
		return nil, false
	}
	return f, true
}

func (f fields) number(key string) (float64, bool) {
	v, ok := f[key].(float64)
	return v, ok
}

func (f fields) boolean(key string) (bool, bool) {
	v, ok := f[key].(bool)
	return v, ok
}

func (f fields) str(key string) (string, bool) {
	v, ok := f[key].(string)
	return v, ok
}

func (f fields) strings(key string) ([]string, bool) {
	items, ok := f[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func normalizeSockets(rm json.RawMessage, defaults []models.SocketState) ([]models.SocketState, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(rm, &items); err != nil {
		return nil, false
	}

	byID := make(map[int]models.SocketState, len(defaults))
	for _, s := range defaults {
		byID[s.ID] = s
	}

	seen := make(map[int]bool, len(items))
	sockets := make([]models.SocketState, 0, len(items))
	for _, item := range items {
		f, ok := decodeFields(item)
		if !ok {
			continue
		}
		rawID, ok := f.number("id")
		if !ok || rawID < 1 || rawID > math.MaxInt32 || rawID != math.Trunc(rawID) {
			continue
		}
		id := int(rawID)
		if seen[id] {
			continue
		}
		seen[id] = true

		s, ok := byID[id]
		if !ok {
			s = models.SocketState{ID: id, Name: fmt.Sprintf("Socket %d", id)}
		}
		if v, ok := f.str("name"); ok && v != "" {
			s.Name = v
		}
		if v, ok := f.boolean("status"); ok {
			s.RelayOn = v
		}
		if v, ok := f.number("voltage"); ok {
			s.Voltage = v
		}
		if v, ok := f.number("current"); ok {
			s.Current = v
		}
		if v, ok := f.number("power"); ok {
			s.Power = v
		}
		if v, ok := f.boolean("isActive"); ok {
			s.IsActive = v
		}
		sockets = append(sockets, s)
	}

	if len(sockets) == 0 {
		return nil, false
	}
	return sockets, true
}

func normalizeStatus(rm json.RawMessage, defaults models.SystemStatus, sockets []models.SocketState) (models.SystemStatus, bool) {
	f, ok := decodeFields(rm)
	if !ok {
		return defaults, false
	}

	s := defaults
	if v, ok := f.boolean("isConnected"); ok {
		s.IsConnected = v
	}
	isolated, hasIsolated := f.boolean("isIsolated")
	if hasIsolated {
		s.IsIsolated = isolated
	}
	if v, ok := f.str("isolationReason"); ok {
		s.IsolationReason = v
	} else if hasIsolated && !isolated {
		s.IsolationReason = ""
	}
	if v, ok := f.boolean("isCommunicationBlocked"); ok {
		s.IsCommunicationBlocked = v
	}
	if v, ok := f.str("lastUpdated"); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.LastUpdated = ts
		}
	}
	if v, ok := f.str("ipAddress"); ok {
		s.SourceAddress = v
	}
	if v, ok := f.number("totalPower"); ok {
		s.TotalPower = v
	} else {
		s.TotalPower = SumPower(sockets)
	}
	if v, ok := f.boolean("abnormalDetected"); ok {
		s.AbnormalDetected = v
	}
	return s, true
}

func normalizeConfig(rm json.RawMessage, defaults models.Config) (models.Config, bool) {
	f, ok := decodeFields(rm)
	if !ok {
		return defaults, false
	}

	var patch models.ConfigPatch
	if v, ok := f.str("adminPassword"); ok {
		patch.AdminSecret = &v
	}
	if v, ok := f.strings("allowedIPs"); ok {
		patch.AllowedSources = &v
	}
	if v, ok := f.number("highPowerThreshold"); ok {
		patch.HighPowerThreshold = &v
	}
	if v, ok := f.boolean("autoLoadBalance"); ok {
		patch.AutoLoadBalance = &v
	}
	if v, ok := f.boolean("predictionEnabled"); ok {
		patch.PredictionEnabled = &v
	}
	if v, ok := f.boolean("mockDataEnabled"); ok {
		patch.UseSyntheticData = &v
	}
	return patch.Apply(defaults), true
}

func normalizeAlerts(rm json.RawMessage) []models.Alert {
	var items []json.RawMessage
	if err := json.Unmarshal(rm, &items); err != nil {
		return []models.Alert{}
	}
	alerts := make([]models.Alert, 0, len(items))
	for _, item := range items {
		var a models.Alert
		if err := json.Unmarshal(item, &a); err != nil || a.ID == "" {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts
}

// normalizeHistory accepts an array or a JSON-encoded string holding one
func normalizeHistory(rm json.RawMessage) ([]models.TelemetrySample, int) {
	var encoded string
	if err := json.Unmarshal(rm, &encoded); err == nil {
		rm = json.RawMessage(encoded)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rm, &items); err != nil {
		return []models.TelemetrySample{}, 0
	}

	objects := make([]map[string]any, 0, len(items))
	dropped := 0
	for _, item := range items {
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			dropped++
			continue
		}
		objects = append(objects, obj)
	}
	samples, bad := filterSamples(objects)
	return samples, dropped + bad
}

// filterSamples keeps samples with a parseable timestamp and numeric total/socket1..3
func filterSamples(items []map[string]any) ([]models.TelemetrySample, int) {
	samples := make([]models.TelemetrySample, 0, len(items))
	dropped := 0
	for _, item := range items {
		sample, ok := parseSample(item)
		if !ok {
			dropped++
			continue
		}
		samples = append(samples, sample)
	}
	return samples, dropped
}

func parseSample(item map[string]any) (models.TelemetrySample, bool) {
	raw, ok := item["timestamp"].(string)
	if !ok || raw == "" {
		return models.TelemetrySample{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return models.TelemetrySample{}, false
	}
	total, ok := item["total"].(float64)
	if !ok {
		return models.TelemetrySample{}, false
	}
	perSocket := make([]float64, 0, len(perSocketFields))
	for _, field := range perSocketFields {
		v, ok := item[field].(float64)
		if !ok {
			return models.TelemetrySample{}, false
		}
		perSocket = append(perSocket, v)
	}
	return models.TelemetrySample{Timestamp: ts, TotalPower: total, PerSocket: perSocket}, true
}

// SumPower total power drawn by the given sockets
func SumPower(sockets []models.SocketState) float64 {
	total := 0.0
	for _, s := range sockets {
		total += s.Power
	}
	return total
}
