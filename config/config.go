// Package config implements process-wide JSON configuration, the ambient
// detail spec.md §1 leaves unspecified. Shape and validation style are
// carried over from scheduler.Config: Default*() constructors, Validate(),
// and a custom (Un)MarshalJSON pair so time.Duration fields round-trip as
// human strings ("5m") rather than raw nanosecond integers.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Config is the full process configuration: price-source credentials,
// device-controller dispatch, the singleton lock directory, and ambient
// logging/health settings.
type Config struct {
	// Price source (C1).
	PullBaseURL      string        `json:"pull_base_url"`
	PullToken        string        `json:"pull_token"`
	PushURL          string        `json:"push_url"`
	PushToken        string        `json:"push_token"`
	PushEnabled      bool          `json:"push_enabled"`
	WholesaleRegion  string        `json:"wholesale_region"`  // NEM region code, e.g. "NSW1"
	AEMOSummaryURL   string        `json:"aemo_summary_url"`  // override for tests; empty = production default
	AEMOPredispatchURL string      `json:"aemo_predispatch_url"`

	// Device controller (C2): API base URL, token, and the shared timeout
	// for its HTTPS calls.
	DeviceAPIBaseURL string        `json:"device_api_base_url"`
	DeviceAPIToken   string        `json:"device_api_token"`
	DeviceTimeout    time.Duration `json:"device_timeout"`

	// Process singleton (§5/§9).
	InstanceDir string `json:"instance_dir"`

	// Database (history sink, optional — empty disables persistence).
	PostgresConnString string `json:"postgres_conn_string"`

	// Diagnostics surface.
	HealthCheckPort int     `json:"health_check_port"` // 0 disables
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`

	// Logging.
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	DryRun bool `json:"dry_run"`
}

// DefaultConfig returns a configuration with every non-secret field
// populated; credentials are left blank and must come from the loaded
// file or environment.
func DefaultConfig() *Config {
	return &Config{
		WholesaleRegion: "NSW1",
		DeviceTimeout:   30 * time.Second,
		InstanceDir:     "./instance",
		HealthCheckPort: 0,
		Latitude:        -33.8688, // Sydney
		Longitude:       151.2093,
		LogLevel:        "info",
		LogFormat:       "text",
		DryRun:          false,
	}
}

// LoadConfig reads and validates configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", filename, err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader reads and validates configuration from r, starting
// from DefaultConfig so any field the file omits keeps its default.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to filename as indented JSON.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", filename, err)
	}
	defer file.Close()
	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter writes the configuration as indented JSON.
func (c *Config) SaveConfigToWriter(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"text": true, "json": true}

// Validate checks invariants cheap enough to catch at startup rather than
// at first use.
func (c *Config) Validate() error {
	if c.WholesaleRegion == "" {
		return fmt.Errorf("wholesale_region cannot be empty")
	}
	if c.DeviceTimeout <= 0 {
		return fmt.Errorf("device_timeout must be greater than 0, got: %s", c.DeviceTimeout)
	}
	if c.InstanceDir == "" {
		return fmt.Errorf("instance_dir cannot be empty")
	}
	if c.HealthCheckPort < 0 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("health_check_port must be between 0 and 65535, got: %d", c.HealthCheckPort)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", c.Longitude)
	}
	if c.PushEnabled && c.PushURL == "" {
		return fmt.Errorf("push_url cannot be empty when push_enabled is true")
	}
	return nil
}

// MarshalJSON renders DeviceTimeout as a human-readable duration string.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		DeviceTimeout string `json:"device_timeout"`
	}{
		Alias:         (*Alias)(c),
		DeviceTimeout: c.DeviceTimeout.String(),
	})
}

// UnmarshalJSON accepts DeviceTimeout as either a duration string ("30s")
// or is left at its zero value if omitted (DefaultConfig's value then
// stands, since decoding happens into an already-defaulted struct).
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		DeviceTimeout string `json:"device_timeout"`
	}{Alias: (*Alias)(c)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if aux.DeviceTimeout != "" {
		d, err := time.ParseDuration(aux.DeviceTimeout)
		if err != nil {
			return fmt.Errorf("invalid device_timeout: %w", err)
		}
		c.DeviceTimeout = d
	}
	return nil
}

// String renders the config as indented JSON for logging at startup.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
