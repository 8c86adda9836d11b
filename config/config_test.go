package config

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_PassesValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() failed Validate(): %v", err)
	}
}

func TestLoadConfigFromReader_OverridesDefaults(t *testing.T) {
	body := `{"wholesale_region": "QLD1", "device_timeout": "45s", "health_check_port": 8080}`
	cfg, err := LoadConfigFromReader(strings.NewReader(body))
	if err != nil {
		t.Fatalf("LoadConfigFromReader() error = %v", err)
	}
	if cfg.WholesaleRegion != "QLD1" {
		t.Errorf("WholesaleRegion = %q, want QLD1", cfg.WholesaleRegion)
	}
	if cfg.DeviceTimeout != 45*time.Second {
		t.Errorf("DeviceTimeout = %v, want 45s", cfg.DeviceTimeout)
	}
	if cfg.HealthCheckPort != 8080 {
		t.Errorf("HealthCheckPort = %d, want 8080", cfg.HealthCheckPort)
	}
	// Untouched fields keep their default.
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info (default)", cfg.LogLevel)
	}
}

func TestLoadConfigFromReader_RejectsInvalidLogLevel(t *testing.T) {
	body := `{"log_level": "verbose"}`
	if _, err := LoadConfigFromReader(strings.NewReader(body)); err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
}

func TestLoadConfigFromReader_RejectsPushEnabledWithoutURL(t *testing.T) {
	body := `{"push_enabled": true}`
	if _, err := LoadConfigFromReader(strings.NewReader(body)); err == nil {
		t.Fatal("expected error for push_enabled without push_url, got nil")
	}
}

func TestSaveConfigToWriter_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WholesaleRegion = "VIC1"
	cfg.DeviceTimeout = 10 * time.Second

	var buf bytes.Buffer
	if err := cfg.SaveConfigToWriter(&buf); err != nil {
		t.Fatalf("SaveConfigToWriter() error = %v", err)
	}

	loaded, err := LoadConfigFromReader(&buf)
	if err != nil {
		t.Fatalf("LoadConfigFromReader() error = %v", err)
	}
	if loaded.WholesaleRegion != "VIC1" {
		t.Errorf("WholesaleRegion = %q, want VIC1", loaded.WholesaleRegion)
	}
	if loaded.DeviceTimeout != 10*time.Second {
		t.Errorf("DeviceTimeout = %v, want 10s", loaded.DeviceTimeout)
	}
}
