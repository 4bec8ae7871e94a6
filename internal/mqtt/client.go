package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ClientConfig broker connection settings
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Client owns the broker connection
type Client struct {
	client paho.Client
	config ClientConfig
	logger *zap.Logger
}

// NewClient connects to the broker; paho reconnects on its own afterwards
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("Connection established", zap.String("broker", config.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("Connection lost", zap.Error(err))
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Client{client: client, config: config, logger: logger}, nil
}

// Native underlying paho client, used by the publisher
func (c *Client) Native() paho.Client {
	return c.client
}

// IsConnected reports the connection state
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects, giving in-flight messages 250ms
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("Disconnected")
}
