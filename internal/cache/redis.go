package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"socket-sentinel/internal/metrics"
	"socket-sentinel/internal/models"
)

// RedisOptions connection and retention settings
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespace for every key
	Prefix string
	// SnapshotTTL lifetime of the latest snapshot
	SnapshotTTL time.Duration
	// AlertTTL lifetime of the alert log
	AlertTTL time.Duration
	// AlertLimit alerts kept in the log
	AlertLimit int
}

// RedisStore config, latest snapshot and alert log in Redis
type RedisStore struct {
	client     *redis.Client
	prefix     string
	snapTTL    time.Duration
	alertTTL   time.Duration
	alertLimit int
}

// NewRedisStore connects and pings Redis
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "sentinel"
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = time.Hour
	}
	if opts.AlertTTL <= 0 {
		opts.AlertTTL = 24 * time.Hour
	}
	if opts.AlertLimit <= 0 {
		opts.AlertLimit = 500
	}
	return &RedisStore{
		client:     client,
		prefix:     opts.Prefix,
		snapTTL:    opts.SnapshotTTL,
		alertTTL:   opts.AlertTTL,
		alertLimit: opts.AlertLimit,
	}
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func observe(operation string, err error) error {
	metrics.RedisOperations.WithLabelValues(operation, metrics.Result(err)).Inc()
	return err
}

// Load reads the stored config; false when none was saved yet
func (r *RedisStore) Load(ctx context.Context) (models.Config, bool, error) {
	data, err := r.client.Get(ctx, r.key("config")).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Config{}, false, observe("load_config", nil)
	}
	if err != nil {
		return models.Config{}, false, observe("load_config", fmt.Errorf("failed to read config: %w", err))
	}

	var cfg models.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return models.Config{}, false, observe("load_config", fmt.Errorf("failed to unmarshal config: %w", err))
	}
	return cfg, true, observe("load_config", nil)
}

// Save stores the config without expiry
func (r *RedisStore) Save(ctx context.Context, cfg models.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return observe("save_config", r.client.Set(ctx, r.key("config"), data, 0).Err())
}

// SaveSnapshot replaces the latest snapshot
func (r *RedisStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return observe("save_snapshot", r.client.Set(ctx, r.key("snapshot"), data, r.snapTTL).Err())
}

// LatestSnapshot returns the last saved snapshot
func (r *RedisStore) LatestSnapshot(ctx context.Context) (models.Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key("snapshot")).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, observe("latest_snapshot", fmt.Errorf("failed to read snapshot: %w", err))
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, true, observe("latest_snapshot", nil)
}

// StoreAlert appends an alert to the log, trimming it to the configured length
func (r *RedisStore) StoreAlert(ctx context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	key := r.key("alert", alert.ID)
	listKey := r.key("alerts")

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, r.alertTTL)
	pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(alert.Timestamp.UnixMilli()), Member: key})
	pipe.ZRemRangeByRank(ctx, listKey, 0, int64(-r.alertLimit-1))
	pipe.Expire(ctx, listKey, r.alertTTL)

	_, err = pipe.Exec(ctx)
	return observe("store_alert", err)
}

// RecentAlerts newest first; entries that already expired are skipped
func (r *RedisStore) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		return []models.Alert{}, nil
	}

	keys, err := r.client.ZRevRange(ctx, r.key("alerts"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, observe("recent_alerts", fmt.Errorf("failed to get alerts: %w", err))
	}
	if len(keys) == 0 {
		return []models.Alert{}, observe("recent_alerts", nil)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, observe("recent_alerts", fmt.Errorf("failed to read alerts: %w", err))
	}

	alerts := make([]models.Alert, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var alert models.Alert
		if err := json.Unmarshal([]byte(s), &alert); err != nil {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, observe("recent_alerts", nil)
}

// Ping checks Redis availability
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection pool
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Stats connection pool statistics
func (r *RedisStore) Stats() map[string]any {
	stats := r.client.PoolStats()

	return map[string]any{
		"backend":     "redis",
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}
