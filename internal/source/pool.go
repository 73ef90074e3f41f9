// Package source reads legacy rows in cursor order.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "github.com/microsoft/go-mssqldb"
	"github.com/ptpm/legacy-sync/internal/config"
)

// PoolStats contains connection pool statistics for logging.
type PoolStats struct {
	DBType      string // "mssql" or "postgres"
	MaxConns    int
	ActiveConns int
	IdleConns   int
	WaitCount   int64
	WaitTimeMs  int64
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.DBType, s.ActiveConns, s.MaxConns, s.IdleConns,
		s.WaitCount, float64(s.WaitTimeMs)/float64(max(s.WaitCount, 1)))
}

// Pool is a connection pool to the legacy database with an Extractor on top.
type Pool struct {
	*Extractor
	db      *sql.DB
	dialect Dialect
}

// NewPool opens and pings the configured source database.
func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	d, err := DialectFor(cfg.Source.Type)
	if err != nil {
		return nil, err
	}
	driverName := "sqlserver"
	if d.Name() == "postgres" {
		driverName = "pgx"
	}

	db, err := sql.Open(driverName, cfg.SourceDSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	maxConns := cfg.Source.PoolMax
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/4))
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s source %s:%d: %w", d.Name(), cfg.Source.Host, cfg.Source.Port, err)
	}

	return &Pool{
		Extractor: NewExtractor(db, d, cfg.Source.QueryTimeout),
		db:        db,
		dialect:   d,
	}, nil
}

// Close closes all connections in the pool
func (p *Pool) Close() error {
	return p.db.Close()
}

// DB returns the underlying database connection
func (p *Pool) DB() *sql.DB {
	return p.db
}

// DBType returns the database type
func (p *Pool) DBType() string {
	return p.dialect.Name()
}

// Stats returns current connection pool statistics
func (p *Pool) Stats() PoolStats {
	stats := p.db.Stats()
	return PoolStats{
		DBType:      p.DBType(),
		MaxConns:    stats.MaxOpenConnections,
		ActiveConns: stats.InUse,
		IdleConns:   stats.Idle,
		WaitCount:   stats.WaitCount,
		WaitTimeMs:  stats.WaitDuration.Milliseconds(),
	}
}

var _ BatchSource = (*Pool)(nil)
