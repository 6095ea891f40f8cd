package config

import (
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envFrom(map[string]string{
		"API_BASE_URL":   "https://market.example",
		"SESSION_SECRET": "secret",
	}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.StorageDriver != DriverSQLite {
		t.Errorf("Expected sqlite driver, got %s", cfg.StorageDriver)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("Expected 2s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.MonitorInterval != time.Minute {
		t.Errorf("Expected 1m monitor interval, got %v", cfg.MonitorInterval)
	}
	if cfg.AutoRepair {
		t.Error("Expected auto repair off by default")
	}
	if cfg.Origin == "" {
		t.Error("Expected a generated origin")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envFrom(map[string]string{
		"PORT":              "9090",
		"STORAGE_DRIVER":    "postgres",
		"DATABASE_URL":      "postgres://localhost/wallet",
		"STORAGE_QUOTA":     "1048576",
		"STORAGE_ORIGIN":    "worker-1",
		"API_BASE_URL":      "https://market.example",
		"SESSION_SECRET":    "secret",
		"POLL_INTERVAL":     "500ms",
		"AUTO_REPAIR":       "true",
		"ADMIN_TELEGRAM_ID": "42",
	}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.Port != "9090" || cfg.StorageDriver != DriverPostgres || cfg.Origin != "worker-1" {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.StorageQuota != 1048576 || cfg.AdminTelegramID != 42 {
		t.Errorf("Unexpected numeric values %+v", cfg)
	}
	if cfg.PollInterval != 500*time.Millisecond || !cfg.AutoRepair {
		t.Errorf("Unexpected poller settings %+v", cfg)
	}
}

func TestFromEnvErrors(t *testing.T) {
	base := map[string]string{
		"API_BASE_URL":   "https://market.example",
		"SESSION_SECRET": "secret",
	}

	tests := []struct {
		name     string
		key      string
		value    string
		contains string
	}{
		{name: "unknown driver", key: "STORAGE_DRIVER", value: "redis", contains: "STORAGE_DRIVER"},
		{name: "postgres without url", key: "STORAGE_DRIVER", value: "postgres", contains: "DATABASE_URL"},
		{name: "bad quota", key: "STORAGE_QUOTA", value: "lots", contains: "STORAGE_QUOTA"},
		{name: "negative quota", key: "STORAGE_QUOTA", value: "-1", contains: "STORAGE_QUOTA"},
		{name: "bad interval", key: "POLL_INTERVAL", value: "soon", contains: "POLL_INTERVAL"},
		{name: "zero interval", key: "POLL_INTERVAL", value: "0s", contains: "POLL_INTERVAL"},
		{name: "bad bool", key: "AUTO_REPAIR", value: "maybe", contains: "AUTO_REPAIR"},
		{name: "missing api", key: "API_BASE_URL", value: "", contains: "API_BASE_URL"},
		{name: "missing secret", key: "SESSION_SECRET", value: "", contains: "SESSION_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := make(map[string]string, len(base)+1)
			for k, v := range base {
				env[k] = v
			}
			env[tt.key] = tt.value

			_, err := FromEnv(envFrom(env))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Expected error mentioning %s, got %v", tt.contains, err)
			}
		})
	}
}
