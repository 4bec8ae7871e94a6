package cache

import (
	"context"
	"sync"

	"socket-sentinel/internal/models"
)

// Store persistence used by the service
type Store interface {
	Load(ctx context.Context) (models.Config, bool, error)
	Save(ctx context.Context, cfg models.Config) error
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	LatestSnapshot(ctx context.Context) (models.Snapshot, bool, error)
	StoreAlert(ctx context.Context, alert models.Alert) error
	RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	Ping(ctx context.Context) error
	Stats() map[string]any
	Close() error
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore process-local Store for running without Redis
type MemoryStore struct {
	mu         sync.RWMutex
	config     *models.Config
	snapshot   *models.Snapshot
	alerts     []models.Alert
	alertLimit int
}

// NewMemoryStore keeps at most alertLimit alerts (500 when <= 0)
func NewMemoryStore(alertLimit int) *MemoryStore {
	if alertLimit <= 0 {
		alertLimit = 500
	}
	return &MemoryStore{alertLimit: alertLimit}
}

func (m *MemoryStore) Load(_ context.Context) (models.Config, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return models.Config{}, false, nil
	}
	return m.config.Clone(), true, nil
}

func (m *MemoryStore) Save(_ context.Context, cfg models.Config) error {
	cfg = cfg.Clone()
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap models.Snapshot) error {
	snap = snap.Clone()
	m.mu.Lock()
	m.snapshot = &snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context) (models.Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return models.Snapshot{}, false, nil
	}
	return m.snapshot.Clone(), true, nil
}

func (m *MemoryStore) StoreAlert(_ context.Context, alert models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	if over := len(m.alerts) - m.alertLimit; over > 0 {
		m.alerts = m.alerts[over:]
	}
	return nil
}

// RecentAlerts newest first
func (m *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		return []models.Alert{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Alert, 0, min(limit, len(m.alerts)))
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"backend":      "memory",
		"alerts":       len(m.alerts),
		"has_snapshot": m.snapshot != nil,
	}
}

func (m *MemoryStore) Close() error { return nil }
