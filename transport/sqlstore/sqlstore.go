// Package sqlstore persists spans to a relational database through gorm.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/asymetry-ai/asymetry-sdk/exporter"
	"github.com/asymetry-ai/asymetry-sdk/internal/database"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const (
	insertBatchSize = 100
	// conflictAttempts bounds in-transaction retries of deadlocks before the
	// batch is handed back to the exporter's retry loop.
	conflictAttempts = 3
)

// SpanRecord is the stored row of one span.
type SpanRecord struct {
	ID                 uint      `gorm:"primaryKey"`
	TraceID            string    `gorm:"size:64;index"`
	SpanID             string    `gorm:"size:64;uniqueIndex"`
	ParentSpanID       string    `gorm:"size:64"`
	Name               string    `gorm:"size:255"`
	SpanType           string    `gorm:"size:32;index"`
	Status             string    `gorm:"size:16"`
	Provider           string    `gorm:"size:32"`
	Model              string    `gorm:"size:128;index"`
	InputTokens        int       `gorm:"default:0"`
	OutputTokens       int       `gorm:"default:0"`
	TokensExact        bool      `gorm:"default:false"`
	LatencyMs          int64     `gorm:"default:0"`
	TimeToFirstTokenMs *int64
	StartTime          time.Time `gorm:"index"`
	EndTime            time.Time
	Payload            string    `gorm:"type:text"`
	CreatedAt          time.Time
}

// TableName implements gorm's tabler.
func (SpanRecord) TableName() string { return "span_records" }

// Config configures a Transport.
type Config struct {
	Driver       string
	DSN          string
	AutoMigrate  bool
	MaxOpenConns int
}

// Transport inserts each batch in one transaction.
type Transport struct {
	pool   *database.Pool
	logger *zap.Logger
}

// Dialector returns the gorm dialector for driver.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q (supported: sqlite, postgres, mysql)", driver)
	}
}

// New opens the database.
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	t, err := newTransport(db, poolCfg, true, cfg.AutoMigrate, logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	t.logger.Info("database connected", zap.String("driver", cfg.Driver))
	return t, nil
}

// NewWithDB uses an existing connection, which Close leaves open.
func NewWithDB(db *gorm.DB, autoMigrate bool, logger *zap.Logger) (*Transport, error) {
	return newTransport(db, database.PoolConfig{}, false, autoMigrate, logger)
}

func newTransport(db *gorm.DB, poolCfg database.PoolConfig, owned, autoMigrate bool, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "transport.sql"))

	pool, err := database.NewPool(db, poolCfg, owned, logger)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	if autoMigrate {
		if err := db.AutoMigrate(&SpanRecord{}); err != nil {
			return nil, fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return &Transport{pool: pool, logger: logger}, nil
}

// Submit stores the batch. Rows whose span id already exists are skipped,
// so a retried batch is not duplicated.
func (t *Transport) Submit(ctx context.Context, batch []*types.SpanContext) error {
	records := make([]SpanRecord, 0, len(batch))
	for _, sc := range batch {
		rec, err := NewRecord(sc)
		if err != nil {
			return exporter.Permanent(err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}

	err := t.pool.WithTransactionRetry(ctx, conflictAttempts, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "span_id"}},
			DoNothing: true,
		}).CreateInBatches(&records, insertBatchSize).Error
	})
	if err != nil {
		if database.IsConnectionError(err) {
			t.logger.Warn("database unreachable", zap.Error(err))
		}
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	t.logger.Debug("batch stored", zap.Int("spans", len(records)))
	return nil
}

// NewRecord flattens a span into a row.
func NewRecord(sc *types.SpanContext) (SpanRecord, error) {
	payload, err := json.Marshal(sc)
	if err != nil {
		return SpanRecord{}, fmt.Errorf("sqlstore: encode span %s: %w", sc.Span.SpanID, err)
	}
	rec := SpanRecord{
		TraceID:            sc.Span.TraceID,
		SpanID:             sc.Span.SpanID,
		ParentSpanID:       sc.Span.ParentSpanID,
		Name:               sc.Span.Name,
		SpanType:           string(sc.Span.Type),
		Status:             string(sc.Span.Status),
		LatencyMs:          sc.LatencyMs,
		TimeToFirstTokenMs: sc.TimeToFirstTokenMs,
		StartTime:          sc.Span.StartTime,
		EndTime:            sc.Span.EndTime,
		Payload:            string(payload),
	}
	if sc.Request != nil {
		rec.Provider = string(sc.Request.Provider)
		rec.Model = sc.Request.Model
	}
	if sc.Tokens != nil {
		rec.InputTokens = sc.Tokens.InputTokens
		rec.OutputTokens = sc.Tokens.OutputTokens
		rec.TokensExact = sc.Tokens.Exact
	}
	return rec, nil
}

// Span decodes the stored payload.
func (r SpanRecord) Span() (*types.SpanContext, error) {
	var sc types.SpanContext
	if err := json.Unmarshal([]byte(r.Payload), &sc); err != nil {
		return nil, fmt.Errorf("sqlstore: decode span %s: %w", r.SpanID, err)
	}
	return &sc, nil
}

// DB exposes the connection for queries.
func (t *Transport) DB() *gorm.DB { return t.pool.DB() }

// Ping checks connectivity.
func (t *Transport) Ping(ctx context.Context) error { return t.pool.Ping(ctx) }

// Close closes the connection when the transport opened it.
func (t *Transport) Close(context.Context) error {
	return t.pool.Close()
}
