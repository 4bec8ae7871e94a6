package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"socket-sentinel/internal/models"
)

// Config process configuration
type Config struct {
	ServerPort     string
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	DeviceURL        string
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	FailureThreshold int
	RetryCooldown    time.Duration
	HistorySize      int
	SyntheticSockets int

	HorizonMinutes int
	ForecastJitter float64
	Seed           uint64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SnapshotTTL   time.Duration
	AlertTTL      time.Duration
	AlertHistory  int

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// Device seeds the operator config when the store is empty
	Device models.Config
}

// Load reads .env when present, then the environment
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		RateLimit:      getEnvAsFloat("API_RATE_LIMIT", 10),
		RateBurst:      getEnvAsInt("API_RATE_BURST", 20),
		AllowedOrigins: getEnvAsList("WS_ALLOWED_ORIGINS", nil),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		DeviceURL:        getEnv("DEVICE_URL", "http://192.168.206.239"),
		RequestTimeout:   getEnvAsDuration("DEVICE_TIMEOUT", 5*time.Second),
		PollInterval:     getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		FailureThreshold: getEnvAsInt("FAILURE_THRESHOLD", 3),
		RetryCooldown:    getEnvAsDuration("RETRY_COOLDOWN", 30*time.Second),
		HistorySize:      getEnvAsInt("HISTORY_SIZE", 60),
		SyntheticSockets: getEnvAsInt("SYNTHETIC_SOCKETS", 3),

		HorizonMinutes: getEnvAsInt("FORECAST_HORIZON_MINUTES", 60),
		ForecastJitter: getEnvAsFloat("FORECAST_JITTER", 25),
		Seed:           uint64(getEnvAsInt("RANDOM_SEED", 0)),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "sentinel"),
		SnapshotTTL:   getEnvAsDuration("SNAPSHOT_TTL", time.Hour),
		AlertTTL:      getEnvAsDuration("ALERT_TTL", 24*time.Hour),
		AlertHistory:  getEnvAsInt("ALERT_HISTORY", 500),

		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "socket-sentinel"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "sentinel"),

		Device: models.Config{
			AdminSecret:        getEnv("ADMIN_SECRET", "admin123"),
			AllowedSources:     getEnvAsList("ALLOWED_IPS", []string{}),
			HighPowerThreshold: getEnvAsFloat("HIGH_POWER_THRESHOLD", 1000),
			AutoLoadBalance:    getEnvAsBool("AUTO_LOAD_BALANCE", false),
			PredictionEnabled:  getEnvAsBool("PREDICTION_ENABLED", true),
			UseSyntheticData:   getEnvAsBool("MOCK_DATA_ENABLED", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate rejects values the pipeline can't run with
func (c Config) Validate() error {
	switch {
	case c.DeviceURL == "":
		return fmt.Errorf("DEVICE_URL must be set")
	case c.PollInterval <= 0:
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	case c.FailureThreshold <= 0:
		return fmt.Errorf("FAILURE_THRESHOLD must be positive, got %d", c.FailureThreshold)
	case c.HistorySize <= 0:
		return fmt.Errorf("HISTORY_SIZE must be positive, got %d", c.HistorySize)
	case c.HorizonMinutes <= 0:
		return fmt.Errorf("FORECAST_HORIZON_MINUTES must be positive, got %d", c.HorizonMinutes)
	case c.Device.HighPowerThreshold <= 0:
		return fmt.Errorf("HIGH_POWER_THRESHOLD must be positive, got %g", c.Device.HighPowerThreshold)
	case c.Device.AdminSecret == "":
		return fmt.Errorf("ADMIN_SECRET must not be empty")
	}
	return nil
}

// getEnv returns the variable or defaultValue when unset
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	out := []string{}
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
