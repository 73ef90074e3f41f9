package source

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
)

// Dialect covers the SQL differences between supported legacy databases.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	QualifyTable(schema, table string) string
	// Placeholder returns the parameter marker for the n-th (1-based) bind
	// parameter called name, and the value to pass to database/sql.
	Placeholder(n int, name string, v any) (string, any)
	// Limit wraps a query body with the row limit marker.
	Limit(selectList, rest, limitMarker string) string
	// BindTime converts a watermark bound to the column's SQL type.
	BindTime(t time.Time, sqlType string) any
	DefaultSchema() string
}

// DialectFor returns the dialect for a source type ("mssql" or "postgres").
func DialectFor(sourceType string) (Dialect, error) {
	switch sourceType {
	case "", "mssql":
		return mssqlDialect{}, nil
	case "postgres":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", sourceType)
	}
}

type mssqlDialect struct{}

func (mssqlDialect) Name() string { return "mssql" }

func (mssqlDialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d mssqlDialect) QualifyTable(schema, table string) string {
	if schema == "" {
		schema = d.DefaultSchema()
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (mssqlDialect) Placeholder(_ int, name string, v any) (string, any) {
	return "@" + name, sql.Named(name, v)
}

func (mssqlDialect) Limit(selectList, rest, limitMarker string) string {
	return fmt.Sprintf("SELECT TOP (%s) %s %s", limitMarker, selectList, rest)
}

// BindTime picks the go-mssqldb type matching the watermark column so the
// equality half of the composite predicate compares like with like. Legacy
// datetime columns are the default.
func (mssqlDialect) BindTime(t time.Time, sqlType string) any {
	switch strings.ToLower(sqlType) {
	case "datetime2":
		return civil.DateTimeOf(t.UTC())
	case "datetimeoffset":
		return mssql.DateTimeOffset(t)
	case "date":
		return civil.DateOf(t.UTC())
	default:
		return mssql.DateTime1(snapDateTimeTick(t.UTC()))
	}
}

// snapDateTimeTick rounds t to the nearest 1/300 s datetime tick and then
// nudges it up so the driver's truncating encoder lands on that same tick.
// Scanned datetime values carry .003 and .007 fractions that would otherwise
// be sent back one tick low.
func snapDateTimeTick(t time.Time) time.Time {
	ns := int64(t.Nanosecond())
	tick := (ns*300 + 5e8) / 1e9
	return t.Truncate(time.Second).Add(time.Duration((tick*1e9 + 299) / 300))
}

func (mssqlDialect) DefaultSchema() string { return "dbo" }

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d postgresDialect) QualifyTable(schema, table string) string {
	if schema == "" {
		schema = d.DefaultSchema()
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (postgresDialect) Placeholder(n int, _ string, v any) (string, any) {
	return fmt.Sprintf("$%d", n), v
}

func (postgresDialect) Limit(selectList, rest, limitMarker string) string {
	return fmt.Sprintf("SELECT %s %s LIMIT %s", selectList, rest, limitMarker)
}

func (postgresDialect) BindTime(t time.Time, _ string) any {
	return t
}

func (postgresDialect) DefaultSchema() string { return "public" }
