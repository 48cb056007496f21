package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want time.Duration
	}{
		{"unset", "", 3 * time.Second},
		{"duration", "1500ms", 1500 * time.Millisecond},
		{"bare_seconds", "7", 7 * time.Second},
		{"garbage", "soon", 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.val)
			if got := GetEnvDuration("TEST_DURATION", 3*time.Second); got != tt.want {
				t.Errorf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestFromEnv_file_then_env(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.yaml")
	yml := []byte("port: \"9090\"\nbackend_url: http://analytics:8000\nreconnect_max_attempts: 3\nmqtt:\n  broker: tcp://broker:1883\n")
	if err := os.WriteFile(path, yml, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("RECONNECT_BASE", "250ms")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "7070" {
		t.Errorf("env should override file port, got %q", cfg.Port)
	}
	if cfg.BackendURL != "http://analytics:8000" {
		t.Errorf("backend url: %q", cfg.BackendURL)
	}
	if cfg.ReconnectMaxAttempts != 3 || cfg.ReconnectBase != 250*time.Millisecond {
		t.Errorf("reconnect: %d %v", cfg.ReconnectMaxAttempts, cfg.ReconnectBase)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.Topic != "customer-flow/counts" {
		t.Errorf("mqtt: %+v", cfg.MQTT)
	}
}

func TestFromEnv_missing_file(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate_clamps(t *testing.T) {
	cfg := Config{ReconnectMaxAttempts: -1, ClosingThresholdPixels: 0}
	cfg.Validate()
	def := Defaults()
	if cfg.ReconnectMaxAttempts != def.ReconnectMaxAttempts || cfg.ClosingThresholdPixels != def.ClosingThresholdPixels {
		t.Errorf("got %+v", cfg)
	}
	if cfg.RequestTimeout != def.RequestTimeout || cfg.Port != def.Port {
		t.Errorf("got %+v", cfg)
	}
}

func TestChannelEndpoint(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{BackendURL: "http://analytics:8000/"}, "ws://analytics:8000/customer-flow/ws"},
		{Config{BackendURL: "https://flow.example.com"}, "wss://flow.example.com/customer-flow/ws"},
		{Config{BackendURL: "http://a", ChannelURL: "ws://b/live"}, "ws://b/live"},
	}
	for _, tt := range tests {
		if got := tt.cfg.ChannelEndpoint(); got != tt.want {
			t.Errorf("%+v: got %q want %q", tt.cfg, got, tt.want)
		}
	}
}
