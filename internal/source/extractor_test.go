package source

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/mapping"
	_ "modernc.org/sqlite"
)

// sqliteDialect lets the extractor run against a local SQLite file.
type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }
func (sqliteDialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
func (d sqliteDialect) QualifyTable(_, table string) string { return d.QuoteIdentifier(table) }
func (sqliteDialect) Placeholder(_ int, name string, v any) (string, any) {
	return "@" + name, sql.Named(name, v)
}
func (sqliteDialect) Limit(selectList, rest, limitMarker string) string {
	return fmt.Sprintf("SELECT %s %s LIMIT %s", selectList, rest, limitMarker)
}
func (sqliteDialect) BindTime(t time.Time, _ string) any {
	return t.UTC().Format("2006-01-02 15:04:05")
}
func (sqliteDialect) DefaultSchema() string { return "main" }

func openLegacyDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "legacy.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE jobs (id INTEGER PRIMARY KEY, name TEXT, updated TEXT)`,
		`INSERT INTO jobs VALUES (1, 'one', '2024-03-01 10:00:00')`,
		`INSERT INTO jobs VALUES (2, 'two', '2024-03-01 10:00:00')`,
		`INSERT INTO jobs VALUES (3, 'three', '2024-03-01 09:00:00')`,
		`INSERT INTO jobs VALUES (4, 'four', NULL)`,
		`INSERT INTO jobs VALUES (5, 'five', '2024-03-02 08:00:00')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	return db
}

func jobsMapping(wm string) *mapping.Mapping {
	m := &mapping.Mapping{
		Entity: "jobs",
		Source: mapping.Source{Table: "jobs", PK: "id", Watermark: mapping.Watermark{Type: wm}},
	}
	if wm == mapping.WatermarkTimestamp {
		m.Source.Watermark.Column = "updated"
	}
	return m
}

func pks(b *Batch) []int64 {
	var out []int64
	for _, r := range b.Rows {
		out = append(out, r["id"].(int64))
	}
	return out
}

func TestFetchBatchTimestampCursor(t *testing.T) {
	ex := NewExtractor(openLegacyDB(t), sqliteDialect{}, time.Second)
	m := jobsMapping(mapping.WatermarkTimestamp)
	ctx := context.Background()

	var cursor checkpoint.Cursor
	var got []int64
	for i := 0; i < 5; i++ {
		b, err := ex.FetchBatch(ctx, m, Window{}, cursor, 2)
		if err != nil {
			t.Fatalf("FetchBatch: %v", err)
		}
		if b.Len() == 0 {
			break
		}
		got = append(got, pks(b)...)
		cursor = b.NextCursor(cursor)
	}

	want := []int64{3, 1, 2, 5}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("rows = %v, want %v (null watermark excluded)", got, want)
	}
	if cursor.LastPK != int64(5) || cursor.LastWatermark == nil ||
		!cursor.LastWatermark.Equal(time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("final cursor = %s", cursor)
	}
}

func TestFetchBatchStripsCursorColumns(t *testing.T) {
	ex := NewExtractor(openLegacyDB(t), sqliteDialect{}, 0)
	b, err := ex.FetchBatch(context.Background(), jobsMapping(mapping.WatermarkTimestamp), Window{}, checkpoint.Cursor{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	row := b.Rows[0]
	if _, ok := row[pkAlias]; ok {
		t.Error("row still has pk alias")
	}
	if _, ok := row[watermarkAlias]; ok {
		t.Error("row still has watermark alias")
	}
	if row["name"] != "three" {
		t.Errorf("row = %v", row)
	}
}

func TestFetchBatchWindow(t *testing.T) {
	ex := NewExtractor(openLegacyDB(t), sqliteDialect{}, 0)
	from := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	to := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	b, err := ex.FetchBatch(context.Background(), jobsMapping(mapping.WatermarkTimestamp),
		Window{From: &from, To: &to}, checkpoint.Cursor{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(pks(b)); got != "[1 2]" {
		t.Errorf("rows = %s, want [1 2]", got)
	}
}

func TestFetchBatchPKCursor(t *testing.T) {
	ex := NewExtractor(openLegacyDB(t), sqliteDialect{}, 0)
	m := jobsMapping(mapping.WatermarkPK)

	b, err := ex.FetchBatch(context.Background(), m, Window{}, checkpoint.Cursor{LastPK: int64(2)}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(pks(b)); got != "[3 4 5]" {
		t.Errorf("rows = %s, want [3 4 5]", got)
	}
	next := b.NextCursor(checkpoint.Cursor{LastPK: int64(2)})
	if next.LastPK != int64(5) || next.LastWatermark != nil {
		t.Errorf("next cursor = %s", next)
	}
}

func TestFetchBatchRejectsBadLimit(t *testing.T) {
	ex := NewExtractor(openLegacyDB(t), sqliteDialect{}, 0)
	if _, err := ex.FetchBatch(context.Background(), jobsMapping(mapping.WatermarkPK), Window{}, checkpoint.Cursor{}, 0); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestVerifyOrder(t *testing.T) {
	wm := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ok := &Batch{Positions: []checkpoint.Cursor{
		{LastPK: int64(1), LastWatermark: &wm},
		{LastPK: int64(2), LastWatermark: &wm},
	}}
	if err := verifyOrder(checkpoint.Cursor{}, ok); err != nil {
		t.Errorf("ascending batch rejected: %v", err)
	}

	bad := &Batch{Positions: []checkpoint.Cursor{{LastPK: int64(3)}, {LastPK: int64(2)}}}
	if err := verifyOrder(checkpoint.Cursor{}, bad); err == nil {
		t.Error("descending batch accepted")
	}

	behind := &Batch{Positions: []checkpoint.Cursor{{LastPK: int64(5)}}}
	if err := verifyOrder(checkpoint.Cursor{LastPK: int64(5)}, behind); err == nil {
		t.Error("batch at cursor accepted")
	}
}

func TestProcessValue(t *testing.T) {
	guid := []byte{0xFF, 0x19, 0x96, 0x6F, 0x86, 0x8B, 0x11, 0xD0, 0xB4, 0x2D, 0x00, 0xC0, 0x4F, 0xC9, 0x64, 0xFF}
	stamp := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		val    any
		dbType string
		want   any
	}{
		{"nil", nil, "INT", nil},
		{"decimal bytes", []byte("12.50"), "DECIMAL", 12.5},
		{"money string", "3.25", "MONEY", 3.25},
		{"bad decimal", []byte("n/a"), "NUMERIC", "n/a"},
		{"guid", guid, "UNIQUEIDENTIFIER", "6f9619ff-8b86-d011-b42d-00c04fc964ff"},
		{"text bytes", []byte("hello"), "NVARCHAR", "hello"},
		{"zero time", time.Time{}, "DATETIME", nil},
		{"time", stamp, "DATETIME", stamp},
		{"int", int64(4), "INT", int64(4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := processValue(tt.val, tt.dbType); got != tt.want {
				t.Errorf("processValue = %#v, want %#v", got, tt.want)
			}
		})
	}

	bin := processValue([]byte{1, 2}, "VARBINARY")
	if b, ok := bin.([]byte); !ok || len(b) != 2 {
		t.Errorf("binary = %#v", bin)
	}
}
