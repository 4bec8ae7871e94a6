package models

import (
	"fmt"
	"slices"
	"time"
)

// TelemetrySample one point of the power history window
type TelemetrySample struct {
	Timestamp  time.Time `json:"timestamp"`
	TotalPower float64   `json:"total"`
	PerSocket  []float64 `json:"perSocket"`
}

// SocketState state of a single physical socket
type SocketState struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	RelayOn  bool    `json:"status"`
	Voltage  float64 `json:"voltage"`
	Current  float64 `json:"current"`
	Power    float64 `json:"power"`
	IsActive bool    `json:"isActive"`
}

// SystemStatus controller-wide status
type SystemStatus struct {
	IsConnected            bool      `json:"isConnected"`
	IsIsolated             bool      `json:"isIsolated"`
	IsolationReason        string    `json:"isolationReason,omitempty"`
	IsCommunicationBlocked bool      `json:"isCommunicationBlocked"`
	LastUpdated            time.Time `json:"lastUpdated"`
	SourceAddress          string    `json:"ipAddress"`
	TotalPower             float64   `json:"totalPower"`
	AbnormalDetected       bool      `json:"abnormalDetected"`
}

// Prediction forecast point; ActualPower is set only once ground truth arrived
type Prediction struct {
	Timestamp      time.Time `json:"timestamp"`
	PredictedPower float64   `json:"predicted"`
	ActualPower    *float64  `json:"actual,omitempty"`
}

// Severity alert severity
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Category semantic type of an alert, used for deduplication
type Category string

const (
	CategoryHighPower         Category = "high-power"
	CategoryAbnormalActivity  Category = "abnormal-activity"
	CategoryIsolation         Category = "isolation"
	CategoryAutoBalance       Category = "auto-balance"
	CategoryPredictedOverload Category = "predicted-overload"
)

// Alert operational alert
type Alert struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	SocketID  int       `json:"socketId,omitempty"`
	Severity  Severity  `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the deduplication key: the category, plus the socket for per-socket alerts.
func (a Alert) Key() string {
	return AlertKey(a.Category, a.SocketID)
}

// AlertKey builds the deduplication key for a category and optional socket id (0 = none).
func AlertKey(category Category, socketID int) string {
	if socketID == 0 {
		return string(category)
	}
	return fmt.Sprintf("%s-%d", category, socketID)
}

// Config operator configuration
type Config struct {
	AdminSecret        string   `json:"adminPassword"`
	AllowedSources     []string `json:"allowedIPs"`
	HighPowerThreshold float64  `json:"highPowerThreshold"`
	AutoLoadBalance    bool     `json:"autoLoadBalance"`
	PredictionEnabled  bool     `json:"predictionEnabled"`
	UseSyntheticData   bool     `json:"mockDataEnabled"`
}

// Clone returns a deep copy
func (c Config) Clone() Config {
	c.AllowedSources = slices.Clone(c.AllowedSources)
	return c
}

// Redacted returns a copy without the admin secret, for anything that leaves the process
func (c Config) Redacted() Config {
	out := c.Clone()
	out.AdminSecret = ""
	return out
}

// SourceAllowed reports whether addr may talk to the controller. An empty list allows all.
func (c Config) SourceAllowed(addr string) bool {
	if len(c.AllowedSources) == 0 {
		return true
	}
	return slices.Contains(c.AllowedSources, addr)
}

// ConfigPatch partial config update; nil fields are left untouched
type ConfigPatch struct {
	AdminSecret        *string   `json:"adminPassword,omitempty"`
	AllowedSources     *[]string `json:"allowedIPs,omitempty"`
	HighPowerThreshold *float64  `json:"highPowerThreshold,omitempty"`
	AutoLoadBalance    *bool     `json:"autoLoadBalance,omitempty"`
	PredictionEnabled  *bool     `json:"predictionEnabled,omitempty"`
	UseSyntheticData   *bool     `json:"mockDataEnabled,omitempty"`
}

// ChangesAccess reports whether the patch sets the admin secret or the allowed sources
func (p ConfigPatch) ChangesAccess() bool {
	return p.AdminSecret != nil || p.AllowedSources != nil
}

// Apply merges the patch onto c and returns the result. Allowed sources are deduplicated
// and blank entries dropped.
func (p ConfigPatch) Apply(c Config) Config {
	out := c.Clone()
	if p.AdminSecret != nil {
		out.AdminSecret = *p.AdminSecret
	}
	if p.AllowedSources != nil {
		out.AllowedSources = make([]string, 0, len(*p.AllowedSources))
		for _, src := range *p.AllowedSources {
			if src == "" || slices.Contains(out.AllowedSources, src) {
				continue
			}
			out.AllowedSources = append(out.AllowedSources, src)
		}
	}
	if p.HighPowerThreshold != nil {
		out.HighPowerThreshold = *p.HighPowerThreshold
	}
	if p.AutoLoadBalance != nil {
		out.AutoLoadBalance = *p.AutoLoadBalance
	}
	if p.PredictionEnabled != nil {
		out.PredictionEnabled = *p.PredictionEnabled
	}
	if p.UseSyntheticData != nil {
		out.UseSyntheticData = *p.UseSyntheticData
	}
	return out
}

// Snapshot normalized, fully-populated state produced by one poll
type Snapshot struct {
	SystemStatus SystemStatus      `json:"systemStatus"`
	Sockets      []SocketState     `json:"sockets"`
	PowerHistory []TelemetrySample `json:"powerHistory"`
	Alerts       []Alert           `json:"alerts"`
	Config       Config            `json:"config"`
}

// Clone returns a deep copy so callers can hand snapshots across goroutines
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Sockets = slices.Clone(s.Sockets)
	out.Alerts = slices.Clone(s.Alerts)
	out.PowerHistory = make([]TelemetrySample, len(s.PowerHistory))
	for i, sample := range s.PowerHistory {
		sample.PerSocket = slices.Clone(sample.PerSocket)
		out.PowerHistory[i] = sample
	}
	out.Config = s.Config.Clone()
	return out
}

// Socket returns the socket with the given id
func (s Snapshot) Socket(id int) (SocketState, bool) {
	for _, sock := range s.Sockets {
		if sock.ID == id {
			return sock, true
		}
	}
	return SocketState{}, false
}

// Intent advisory actuation produced by the policy engine
type Intent struct {
	SocketID int      `json:"socketId"`
	On       bool     `json:"status"`
	Reason   Category `json:"reason"`
}

// Ack acknowledgement of a control operation
type Ack struct {
	Operation string    `json:"operation"`
	Simulated bool      `json:"simulated"`
	Timestamp time.Time `json:"timestamp"`
}
