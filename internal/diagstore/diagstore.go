// Package diagstore implements an optional central diagnostics store: a
// report.Writer that fans out every report-sink line to a shared Postgres
// instance, letting a fleet of appliances be monitored from one place
// instead of only their individual log files. It is purely additive --
// report.Sink keeps writing to the console/zap/lumberjack Writer exactly
// as before; this is one more Writer registered alongside it.
package diagstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chapmip/wxappliance/internal/report"
)

// ReportEntry is the gorm model backing the shared report table, mirroring
// report.Line's fields plus the station identity and timestamp that give
// it meaning across a fleet.
type ReportEntry struct {
	ID        uint64 `gorm:"primaryKey"`
	StationID uint16 `gorm:"index"`
	Source    string `gorm:"size:16"`
	Severity  string `gorm:"size:16"`
	Text      string
	CreatedAt time.Time `gorm:"index"`
}

// TableName pins the table name instead of gorm's pluralized default, so
// a human reading the schema sees the same name this package uses.
func (ReportEntry) TableName() string { return "appliance_report_entries" }

// PostgresWriter implements report.Writer, inserting one row per line via
// gorm, and separately exposes PruneOlderThan, which issues a single raw
// DELETE through database/sql's own lib/pq-backed connection pool rather
// than gorm -- a periodic maintenance statement has no need for gorm's
// struct-mapping overhead, so it goes through the driver directly, the
// same "ORM for application writes, raw driver for operational queries"
// split the pack's database/sql-based tooling (migrate, timescaledb
// provisioner) uses.
type PostgresWriter struct {
	db        *gorm.DB
	rawDB     *sql.DB
	stationID uint16
	sink      *report.Sink
}

// NewPostgresWriter opens dsn via gorm's Postgres driver, auto-migrates
// ReportEntry, and opens a second, plain database/sql connection pool
// through lib/pq for maintenance queries.
func NewPostgresWriter(dsn string, stationID uint16, sink *report.Sink) (*PostgresWriter, error) {
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("diagstore: open: %w", err)
	}
	if err := gormDB.AutoMigrate(&ReportEntry{}); err != nil {
		return nil, fmt.Errorf("diagstore: automigrate: %w", err)
	}

	rawDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("diagstore: raw open: %w", err)
	}

	return &PostgresWriter{db: gormDB, rawDB: rawDB, stationID: stationID, sink: sink}, nil
}

// WriteLine implements report.Writer. A failed insert is reported back
// through the same Sink (SourceMain) rather than returned, since Writer's
// contract gives WriteLine no error channel -- it must never block or
// panic the calling Report().
func (p *PostgresWriter) WriteLine(line report.Line) {
	entry := ReportEntry{
		StationID: p.stationID,
		Source:    line.Source.String(),
		Severity:  severityName(line.Severity),
		Text:      line.Text,
		CreatedAt: time.Now(),
	}
	if err := p.db.Create(&entry).Error; err != nil {
		p.sink.Reportf(report.SourceMain, report.SeverityProblem, true, "diagstore: insert failed: %v", err)
	}
}

func severityName(sev report.Severity) string {
	switch {
	case sev&report.SeverityProblem != 0:
		return "PROBLEM"
	case sev&report.SeverityAffirm != 0:
		return "AFFIRM"
	case sev&report.SeverityInfo != 0:
		return "INFO"
	case sev&report.SeverityDetail != 0:
		return "DETAIL"
	default:
		return "UNKNOWN"
	}
}

// PruneOlderThan deletes every row older than cutoff, issued as a single
// raw statement through the lib/pq connection pool.
func (p *PostgresWriter) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.rawDB.ExecContext(ctx, `DELETE FROM appliance_report_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("diagstore: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases both connection pools.
func (p *PostgresWriter) Close() error {
	sqlDB, err := p.db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
	return p.rawDB.Close()
}
