package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socket-sentinel/internal/models"
)

func testDefaults() models.Snapshot {
	return models.Snapshot{
		SystemStatus: models.SystemStatus{
			IsConnected:   true,
			SourceAddress: "10.0.0.1",
			TotalPower:    300,
			LastUpdated:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Sockets: []models.SocketState{
			{ID: 1, Name: "Socket 1", RelayOn: true, Power: 100},
			{ID: 2, Name: "Socket 2", RelayOn: true, Power: 100},
			{ID: 3, Name: "Socket 3", RelayOn: true, Power: 100},
		},
		PowerHistory: []models.TelemetrySample{
			{Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), TotalPower: 300, PerSocket: []float64{100, 100, 100}},
		},
		Alerts: []models.Alert{{ID: "stale"}},
		Config: models.Config{AdminSecret: "admin123", HighPowerThreshold: 1000, PredictionEnabled: true},
	}
}

func TestNormalize_FullPayload(t *testing.T) {
	raw := []byte(`{
		"systemStatus": {"isConnected": true, "isIsolated": false, "isolationReason": null,
			"isCommunicationBlocked": false, "lastUpdated": "2025-06-01T10:00:00Z",
			"ipAddress": "192.168.1.100", "totalPower": 742.5, "abnormalDetected": false},
		"sockets": [
			{"id": 1, "name": "Heater", "status": true, "voltage": 230, "current": 2, "power": 460, "isActive": true},
			{"id": 2, "name": "Lamp", "status": false, "voltage": 230, "current": 0, "power": 0, "isActive": false}
		],
		"powerHistory": [
			{"timestamp": "2025-06-01T09:59:00Z", "total": 700, "socket1": 400, "socket2": 200, "socket3": 100}
		],
		"alerts": [],
		"config": {"adminPassword": "s3cret", "allowedIPs": ["10.0.0.2"], "highPowerThreshold": 900,
			"autoLoadBalance": true, "predictionEnabled": false, "mockDataEnabled": false}
	}`)

	res := Normalize(raw, testDefaults())
	require.Equal(t, OutcomeOK, res.Outcome)

	snap := res.Snapshot
	assert.Equal(t, 742.5, snap.SystemStatus.TotalPower)
	assert.Equal(t, "192.168.1.100", snap.SystemStatus.SourceAddress)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), snap.SystemStatus.LastUpdated)
	require.Len(t, snap.Sockets, 2)
	assert.Equal(t, "Heater", snap.Sockets[0].Name)
	assert.False(t, snap.Sockets[1].RelayOn)
	require.Len(t, snap.PowerHistory, 1)
	assert.Equal(t, []float64{400, 200, 100}, snap.PowerHistory[0].PerSocket)
	assert.Empty(t, snap.Alerts)
	assert.Equal(t, "s3cret", snap.Config.AdminSecret)
	assert.Equal(t, 900.0, snap.Config.HighPowerThreshold)
	assert.Equal(t, []string{"10.0.0.2"}, snap.Config.AllowedSources)
}

func TestNormalize_BackFillsMissingSections(t *testing.T) {
	defaults := testDefaults()

	res := Normalize([]byte(`{}`), defaults)
	require.Equal(t, OutcomeOK, res.Outcome)

	assert.Equal(t, defaults.SystemStatus, res.Snapshot.SystemStatus)
	assert.Equal(t, defaults.Sockets, res.Snapshot.Sockets)
	assert.Equal(t, defaults.Config, res.Snapshot.Config)
	assert.NotNil(t, res.Snapshot.Alerts)
	assert.Empty(t, res.Snapshot.Alerts, "alerts are never back-filled")
}

func TestNormalize_WrongTypedSectionsFallBack(t *testing.T) {
	defaults := testDefaults()
	raw := []byte(`{"systemStatus": "offline", "sockets": {"id": 1}, "config": 42}`)

	res := Normalize(raw, defaults)
	require.True(t, res.Usable())
	assert.Equal(t, defaults.SystemStatus, res.Snapshot.SystemStatus)
	assert.Equal(t, defaults.Sockets, res.Snapshot.Sockets)
	assert.Equal(t, defaults.Config, res.Snapshot.Config)
}

func TestNormalize_PartialStatusKeepsDefaults(t *testing.T) {
	defaults := testDefaults()
	raw := []byte(`{"systemStatus": {"isIsolated": true, "totalPower": "lots"}}`)

	res := Normalize(raw, defaults)
	require.True(t, res.Usable())

	status := res.Snapshot.SystemStatus
	assert.True(t, status.IsIsolated)
	assert.Equal(t, defaults.SystemStatus.SourceAddress, status.SourceAddress)
	assert.Equal(t, 300.0, status.TotalPower, "non-numeric total falls back to the socket sum")
}

func TestNormalize_SocketFiltering(t *testing.T) {
	raw := []byte(`{"sockets": [
		{"name": "no id"},
		{"id": 1.5, "power": 20},
		{"id": 0, "power": 30},
		{"id": "2", "power": 10},
		{"id": 1, "power": "bad", "status": false},
		{"id": 1, "power": 999},
		{"id": -3, "power": 40},
		{"id": 7, "power": 5}
	]}`)

	res := Normalize(raw, testDefaults())
	require.Len(t, res.Snapshot.Sockets, 2, "fractional and non-positive ids are dropped")

	first := res.Snapshot.Sockets[0]
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, 100.0, first.Power, "wrong-typed power keeps the default")
	assert.False(t, first.RelayOn)

	assert.Equal(t, 7, res.Snapshot.Sockets[1].ID)
	assert.Equal(t, "Socket 7", res.Snapshot.Sockets[1].Name)
}

func TestNormalize_HistoryShapeCheck(t *testing.T) {
	tests := []struct {
		name        string
		history     string
		wantSamples int
		wantDropped int
	}{
		{
			name:        "array",
			history:     `[{"timestamp": "2025-06-01T09:59:00Z", "total": 1, "socket1": 1, "socket2": 0, "socket3": 0}]`,
			wantSamples: 1,
		},
		{
			name:        "json encoded string",
			history:     `"[{\"timestamp\": \"2025-06-01T09:59:00Z\", \"total\": 1, \"socket1\": 1, \"socket2\": 0, \"socket3\": 0}]"`,
			wantSamples: 1,
		},
		{
			name: "partial samples dropped",
			history: `[
				{"timestamp": "2025-06-01T09:58:00Z", "total": 1, "socket1": 1, "socket2": 0},
				{"total": 1, "socket1": 1, "socket2": 0, "socket3": 0},
				{"timestamp": "2025-06-01T09:59:00Z", "total": "1", "socket1": 1, "socket2": 0, "socket3": 0},
				{"timestamp": "2025-06-01T10:00:00Z", "total": 3, "socket1": 1, "socket2": 1, "socket3": 1},
				7
			]`,
			wantSamples: 1,
			wantDropped: 4,
		},
		{
			name:        "garbage string",
			history:     `"not json"`,
			wantSamples: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{"powerHistory": ` + tt.history + `}`)
			res := Normalize(raw, testDefaults())
			require.Equal(t, OutcomeOK, res.Outcome)
			assert.Len(t, res.Snapshot.PowerHistory, tt.wantSamples)
			assert.Equal(t, tt.wantDropped, res.DroppedSamples)
		})
	}
}

func TestNormalize_RecoversEmbeddedHistory(t *testing.T) {
	defaults := testDefaults()
	raw := []byte(`{"systemStatus": {"isConnected": true}, "sockets": [{"id": 1}], ` +
		`"powerHistory": [{"timestamp": "2025-06-01T09:59:00Z", "total": 6, "socket1": 1, "socket2": 2, "socket3": 3},` +
		`{"timestamp": "2025-06-01T10:00:00Z", "total": 6, "socket1": 3, "socket2": 2, "socket3": 1}], "alerts": [{"id": "x"`)

	res := Normalize(raw, defaults)
	require.Equal(t, OutcomeRecovered, res.Outcome)
	assert.Len(t, res.Snapshot.PowerHistory, 2)
	assert.Equal(t, defaults.Sockets, res.Snapshot.Sockets)
	assert.Equal(t, defaults.SystemStatus, res.Snapshot.SystemStatus)
	assert.Empty(t, res.Snapshot.Alerts)
}

func TestNormalize_ConcatenatedStream(t *testing.T) {
	raw := []byte(`{"powerHistory": [{"timestamp": "2025-06-01T10:00:00Z", "total": 6, "socket1": 1, "socket2": 2, "socket3": 3}]}{"powerHistory": []}`)

	res := Normalize(raw, testDefaults())
	assert.Equal(t, OutcomeRecovered, res.Outcome)
	assert.Len(t, res.Snapshot.PowerHistory, 1)
}

func TestNormalize_Unusable(t *testing.T) {
	inputs := []string{
		``,
		`null`,
		`<html>502 Bad Gateway</html>`,
		`{"sockets": [{"id": 1}, {"id": 2}`,
		`[{"a": 1}]`,
	}
	for _, in := range inputs {
		res := Normalize([]byte(in), testDefaults())
		assert.Equal(t, OutcomeUnusable, res.Outcome, "input %q", in)
		assert.False(t, res.Usable())
	}
}

func TestNormalize_DoesNotMutateDefaults(t *testing.T) {
	defaults := testDefaults()
	before := defaults.Clone()

	raw := []byte(`{"sockets": [{"id": 1, "power": 5}], "config": {"allowedIPs": ["1.1.1.1"]}}`)
	_ = Normalize(raw, defaults)

	assert.Equal(t, before, defaults)
}
