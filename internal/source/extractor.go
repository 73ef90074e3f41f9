package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/logging"
	"github.com/ptpm/legacy-sync/internal/mapping"
)

// Row is one extracted source row keyed by column name (or select alias).
type Row map[string]any

// Batch is one page of rows in cursor order.
type Batch struct {
	Rows []Row
	// Positions holds each row's cursor position, parallel to Rows.
	Positions []checkpoint.Cursor
	PKColumn  string
	Watermark mapping.Watermark
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// NextCursor returns the cursor after the last row, or from when the batch
// is empty.
func (b *Batch) NextCursor(from checkpoint.Cursor) checkpoint.Cursor {
	if b.Len() == 0 {
		return from
	}
	return b.Positions[len(b.Positions)-1]
}

// BatchSource fetches the next batch of an entity after a cursor.
type BatchSource interface {
	FetchBatch(ctx context.Context, m *mapping.Mapping, w Window, c checkpoint.Cursor, limit int) (*Batch, error)
}

// Extractor runs batch queries against a legacy database.
type Extractor struct {
	db           *sql.DB
	dialect      Dialect
	queryTimeout time.Duration
}

// NewExtractor wraps db. A zero queryTimeout leaves the driver default.
func NewExtractor(db *sql.DB, d Dialect, queryTimeout time.Duration) *Extractor {
	return &Extractor{db: db, dialect: d, queryTimeout: queryTimeout}
}

// FetchBatch returns up to limit rows strictly after c. The batch is checked
// to be ascending and after the cursor; a violation means the ORDER BY and
// the cursor predicate disagree, and resuming from it could skip rows.
func (e *Extractor) FetchBatch(ctx context.Context, m *mapping.Mapping, w Window, c checkpoint.Cursor, limit int) (*Batch, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", limit)
	}
	query, args := BuildBatchQuery(e.dialect, m, w, c, limit)
	logging.Debug("[%s] %s", m.Entity, query)

	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", m.Source.Table, err)
	}
	defer rows.Close()

	batch, err := scanBatch(rows, m)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.Source.Table, err)
	}
	if err := verifyOrder(c, batch); err != nil {
		return nil, fmt.Errorf("%s: %w", m.Entity, err)
	}
	return batch, nil
}

func scanBatch(rows *sql.Rows, m *mapping.Mapping) (*Batch, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	dbTypes := make([]string, len(types))
	for i, ct := range types {
		dbTypes[i] = strings.ToUpper(ct.DatabaseTypeName())
	}

	timestamp := m.Source.Watermark.IsTimestamp()
	batch := &Batch{PKColumn: m.Source.PK, Watermark: m.Source.Watermark}

	// Reuse the pointer slice across rows
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		for i := range vals {
			vals[i] = nil
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		var pos checkpoint.Cursor
		for i, col := range cols {
			v := processValue(vals[i], dbTypes[i])
			switch col {
			case pkAlias:
				pos.LastPK = checkpoint.NormalizePK(v)
			case watermarkAlias:
				if timestamp {
					wm, err := watermarkTime(v)
					if err != nil {
						return nil, err
					}
					pos.LastWatermark = wm
				}
			default:
				row[col] = v
			}
		}
		if pos.LastPK == nil {
			return nil, fmt.Errorf("row without primary key value in %s", m.Source.PK)
		}
		if timestamp && pos.LastWatermark == nil {
			return nil, fmt.Errorf("row %v has no watermark value", pos.LastPK)
		}
		batch.Rows = append(batch.Rows, row)
		batch.Positions = append(batch.Positions, pos)
	}
	return batch, rows.Err()
}

func verifyOrder(c checkpoint.Cursor, b *Batch) error {
	prev := c
	for _, pos := range b.Positions {
		if !prev.Before(pos.LastWatermark, pos.LastPK) {
			return fmt.Errorf("rows out of cursor order: %s is not after %s", pos, prev)
		}
		prev = pos
	}
	return nil
}

// processValue normalizes driver values for the transform engine.
func processValue(val any, dbType string) any {
	if val == nil {
		return nil
	}

	switch dbType {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		var s string
		switch v := val.(type) {
		case []byte:
			s = string(v)
		case string:
			s = v
		default:
			return val
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
		return s
	case "UNIQUEIDENTIFIER":
		if b, ok := val.([]byte); ok && len(b) == 16 {
			return formatGUID(b)
		}
	case "BINARY", "VARBINARY", "IMAGE", "BYTEA":
		return val
	}

	switch v := val.(type) {
	case []byte:
		return string(v)
	case time.Time:
		if v.Year() <= 1 {
			return nil
		}
	}
	return val
}

// formatGUID converts SQL Server's mixed-endian GUID bytes to the canonical
// string form.
func formatGUID(b []byte) string {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u.String()
}

var watermarkLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func watermarkTime(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case string:
		for _, layout := range watermarkLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return &parsed, nil
			}
		}
		return nil, fmt.Errorf("unparseable watermark %q", t)
	default:
		return nil, fmt.Errorf("watermark has unsupported type %T", v)
	}
}
