package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floating point values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration parses values such as "1500ms" or "10s". Bare integers are
// read as seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// Config is the console's runtime configuration.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	BackendURL     string        `yaml:"backend_url"`
	ChannelURL     string        `yaml:"channel_url"`
	StateFile      string        `yaml:"state_file"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	ClosingThresholdPixels float64 `yaml:"closing_threshold_pixels"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds the optional live-counter publisher settings. An empty
// Broker disables publishing.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:                   "8080",
		LogLevel:               "info",
		LogFormat:              "json",
		BackendURL:             "http://localhost:8000",
		RequestTimeout:         10 * time.Second,
		ReconnectBase:          time.Second,
		ReconnectMaxAttempts:   5,
		ClosingThresholdPixels: 15,
		MQTT: MQTTConfig{
			Topic:    "customer-flow/counts",
			ClientID: "customer-flow-console",
		},
	}
}

// ReadFile parses a YAML configuration file on top of Defaults.
func ReadFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func FromEnv() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = ReadFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.BackendURL = GetEnv("BACKEND_URL", cfg.BackendURL)
	cfg.ChannelURL = GetEnv("CHANNEL_URL", cfg.ChannelURL)
	cfg.StateFile = GetEnv("STATE_FILE", cfg.StateFile)
	cfg.RequestTimeout = GetEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.ReconnectBase = GetEnvDuration("RECONNECT_BASE", cfg.ReconnectBase)
	cfg.ReconnectMaxAttempts = GetEnvInt("RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	cfg.ClosingThresholdPixels = GetEnvFloat("CLOSING_THRESHOLD_PIXELS", cfg.ClosingThresholdPixels)
	cfg.MQTT.Broker = GetEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = GetEnv("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.ClientID = GetEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)

	cfg.Validate()
	return cfg, nil
}

// Validate replaces empty or non-positive settings with their defaults.
func (c *Config) Validate() {
	def := Defaults()
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.BackendURL == "" {
		c.BackendURL = def.BackendURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if c.ClosingThresholdPixels <= 0 {
		c.ClosingThresholdPixels = def.ClosingThresholdPixels
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
}

// ChannelEndpoint returns the live channel websocket endpoint. Without an
// explicit ChannelURL it is derived from BackendURL.
func (c Config) ChannelEndpoint() string {
	if c.ChannelURL != "" {
		return c.ChannelURL
	}
	base := strings.TrimRight(c.BackendURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/customer-flow/ws"
}
