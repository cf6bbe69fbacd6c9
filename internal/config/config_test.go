package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.IdleTimeout != 5*time.Minute || cfg.SweepInterval != time.Minute {
		t.Fatalf("unexpected room timings: idle=%s sweep=%s", cfg.IdleTimeout, cfg.SweepInterval)
	}
	if cfg.SessionsEnabled() {
		t.Fatalf("sessions must be disabled without a signing secret")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("FLOWROOM_ROOM_IDLE_TIMEOUT", "10m")
	t.Setenv("FLOWROOM_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("FLOWROOM_AUTH_REQUIRED", "true")
	t.Setenv("FLOWROOM_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Fatalf("expected idle timeout from env, got %s", cfg.IdleTimeout)
	}
	if !cfg.SessionsEnabled() || !cfg.SessionRequired {
		t.Fatalf("expected sessions to be enabled and required")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "sweep longer than idle", key: "room.sweep_interval", value: 10 * time.Minute, message: "room.sweep_interval"},
		{name: "required without secret", key: "auth.required", value: true, message: "auth.required"},
		{name: "empty database path", key: "database.path", value: " ", message: "database.path"},
		{name: "zero send buffer", key: "ws.send_buffer", value: 0, message: "ws.send_buffer"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
