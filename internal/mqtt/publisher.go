package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"socket-sentinel/internal/analytics"
	"socket-sentinel/internal/metrics"
	"socket-sentinel/internal/models"
	"socket-sentinel/internal/scheduler"
)

const qosAtLeastOnce = 1

// Broker publish side of a paho client
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// PublisherConfig topic layout
type PublisherConfig struct {
	// Prefix topics are <prefix>/snapshot and <prefix>/alerts
	Prefix string
	// Timeout per publish acknowledgement
	Timeout time.Duration
}

// Publisher forwards pipeline updates to the broker
type Publisher struct {
	broker        Broker
	logger        *zap.Logger
	timeout       time.Duration
	snapshotTopic string
	alertTopic    string
}

// snapshotMessage payload of <prefix>/snapshot
type snapshotMessage struct {
	Cycle         uint64               `json:"cycle"`
	Timestamp     time.Time            `json:"timestamp"`
	SystemStatus  models.SystemStatus  `json:"systemStatus"`
	Sockets       []models.SocketState `json:"sockets"`
	PredictedPeak *models.Prediction   `json:"predictedPeak,omitempty"`
	ActiveAlerts  int                  `json:"activeAlerts"`
	UsingFallback bool                 `json:"usingFallback"`
}

// NewPublisher creates a publisher
func NewPublisher(broker Broker, config PublisherConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.TrimSuffix(config.Prefix, "/")
	if prefix == "" {
		prefix = "sentinel"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Publisher{
		broker:        broker,
		logger:        logger.Named("mqtt.publisher"),
		timeout:       config.Timeout,
		snapshotTopic: prefix + "/snapshot",
		alertTopic:    prefix + "/alerts",
	}
}

// Start publishes updates until ctx is cancelled or the channel is closed
func (p *Publisher) Start(ctx context.Context, updates <-chan scheduler.Update) {
	p.logger.Info("Publisher started", zap.String("topic", p.snapshotTopic))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Publisher stopped")
			return
		case u, ok := <-updates:
			if !ok {
				p.logger.Info("Update channel closed, publisher stopped")
				return
			}
			if err := p.PublishUpdate(u); err != nil {
				p.logger.Warn("Failed to publish update", zap.Uint64("cycle", u.Cycle), zap.Error(err))
			}
		}
	}
}

// PublishUpdate sends the snapshot summary and one message per new alert
func (p *Publisher) PublishUpdate(u scheduler.Update) error {
	msg := snapshotMessage{
		Cycle:         u.Cycle,
		Timestamp:     u.Timestamp,
		SystemStatus:  u.Snapshot.SystemStatus,
		Sockets:       u.Snapshot.Sockets,
		ActiveAlerts:  len(u.Alerts),
		UsingFallback: u.UsingFallback,
	}
	if peak, ok := analytics.Peak(u.Predictions); ok {
		msg.PredictedPeak = &peak
	}
	if err := p.publish(p.snapshotTopic, false, msg); err != nil {
		return err
	}

	// oldest first so subscribers see them in raise order
	for i := len(u.NewAlerts) - 1; i >= 0; i-- {
		if err := p.publish(p.alertTopic, false, u.NewAlerts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	token := p.broker.Publish(topic, qosAtLeastOnce, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		metrics.MQTTMessages.WithLabelValues(topic, "timeout").Inc()
		return fmt.Errorf("publish to %s timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		metrics.MQTTMessages.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	metrics.MQTTMessages.WithLabelValues(topic, "success").Inc()
	return nil
}
