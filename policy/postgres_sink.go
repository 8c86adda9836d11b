package policy

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// HistorySink is the append-only price/energy history sink spec.md §1
// calls an external collaborator: "treated as an append-only sink."
// The core only ever writes through it; it never reads history back.
type HistorySink interface {
	SavePriceSample(siteID string, channelType string, perKwh float64, sampleTime time.Time) error
	SaveEnergyUsage(siteID string, solarPowerW, batteryPowerW, loadPowerW, gridPowerW, batterySOC float64, sampleTime time.Time) error
	Close() error
}

// PostgresSink is the concrete HistorySink backed by lib/pq, adapted from
// the teacher's runDataIntegration INSERT pattern.
type PostgresSink struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresSink opens a connection pool against connString. The caller
// owns the returned sink's lifetime and must call Close on shutdown.
func NewPostgresSink(connString string, logger *log.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("policy: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("policy: ping postgres: %w", err)
	}
	return &PostgresSink{db: db, logger: logger}, nil
}

func (s *PostgresSink) SavePriceSample(siteID string, channelType string, perKwh float64, sampleTime time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO price_history (site_id, channel_type, per_kwh, sample_time)
		 VALUES ($1, $2, $3, $4)`,
		siteID, channelType, perKwh, sampleTime,
	)
	if err != nil {
		s.logger.Printf("policy: failed to insert price sample for site %s: %v", siteID, err)
		return fmt.Errorf("policy: insert price sample: %w", err)
	}
	return nil
}

func (s *PostgresSink) SaveEnergyUsage(siteID string, solarPowerW, batteryPowerW, loadPowerW, gridPowerW, batterySOC float64, sampleTime time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO energy_usage (
			site_id, solar_power_w, battery_power_w, load_power_w, grid_power_w, battery_soc, sample_time
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		siteID, solarPowerW, batteryPowerW, loadPowerW, gridPowerW, batterySOC, sampleTime,
	)
	if err != nil {
		s.logger.Printf("policy: failed to insert energy usage for site %s: %v", siteID, err)
		return fmt.Errorf("policy: insert energy usage: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// NoopSink discards every sample; used when no PostgresConnString is
// configured, matching the teacher's "dataDB == nil" dry-path in
// runDataIntegration.
type NoopSink struct{}

func (NoopSink) SavePriceSample(string, string, float64, time.Time) error             { return nil }
func (NoopSink) SaveEnergyUsage(string, float64, float64, float64, float64, float64, time.Time) error {
	return nil
}
func (NoopSink) Close() error { return nil }
