package source

import (
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/mapping"
)

func pkMapping() *mapping.Mapping {
	return &mapping.Mapping{
		Entity: "serviceProviders",
		Source: mapping.Source{
			Schema:    "dbo",
			Table:     "ServiceProvider",
			PK:        "SPID",
			Watermark: mapping.Watermark{Type: mapping.WatermarkPK},
		},
	}
}

func timestampMapping() *mapping.Mapping {
	return &mapping.Mapping{
		Entity: "jobs",
		Source: mapping.Source{
			Table:     "jobs",
			PK:        "job_id",
			Watermark: mapping.Watermark{Type: mapping.WatermarkTimestamp, Column: "updated_at"},
			Select:    []mapping.SelectItem{{Expr: "job_id", As: "JobID"}},
			Where:     "deleted = false",
		},
	}
}

func TestBuildBatchQueryPK(t *testing.T) {
	d, _ := DialectFor("mssql")

	tests := []struct {
		name   string
		cursor checkpoint.Cursor
		query  string
		args   []any
	}{
		{
			name:   "fresh cursor",
			cursor: checkpoint.Cursor{},
			query:  "SELECT TOP (@limit) *, [SPID] AS [__sync_pk] FROM [dbo].[ServiceProvider] ORDER BY [SPID] ASC",
			args:   []any{sql.Named("limit", 200)},
		},
		{
			name:   "resume",
			cursor: checkpoint.Cursor{LastPK: int64(40)},
			query:  "SELECT TOP (@limit) *, [SPID] AS [__sync_pk] FROM [dbo].[ServiceProvider] WHERE [SPID] > @cursorPk ORDER BY [SPID] ASC",
			args:   []any{sql.Named("cursorPk", int64(40)), sql.Named("limit", 200)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := BuildBatchQuery(d, pkMapping(), Window{}, tt.cursor, 200)
			if query != tt.query {
				t.Errorf("query =\n%s\nwant\n%s", query, tt.query)
			}
			if !reflect.DeepEqual(args, tt.args) {
				t.Errorf("args = %#v, want %#v", args, tt.args)
			}
		})
	}
}

func TestBuildBatchQueryTimestampPostgres(t *testing.T) {
	d, _ := DialectFor("postgres")
	wm := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	query, args := BuildBatchQuery(d, timestampMapping(),
		Window{From: &from, To: &to},
		checkpoint.Cursor{LastPK: int64(1200), LastWatermark: &wm}, 100)

	want := `SELECT job_id AS "JobID", "job_id" AS "__sync_pk", "updated_at" AS "__sync_wm" FROM "public"."jobs" ` +
		`WHERE "updated_at" IS NOT NULL AND ("updated_at" > $1 OR ("updated_at" = $1 AND "job_id" > $2)) ` +
		`AND "updated_at" >= $3 AND "updated_at" < $4 AND (deleted = false) ` +
		`ORDER BY "updated_at" ASC, "job_id" ASC LIMIT $5`
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	wantArgs := []any{wm, int64(1200), from, to, 100}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %#v, want %#v", args, wantArgs)
	}
}

func TestBuildBatchQueryTimestampFreshCursor(t *testing.T) {
	d, _ := DialectFor("postgres")
	m := timestampMapping()
	m.Source.Where = ""
	m.Source.Watermark = mapping.Watermark{Type: mapping.WatermarkTimestamp, Expression: "COALESCE(modified, created)"}

	query, args := BuildBatchQuery(d, m, Window{}, checkpoint.Cursor{}, 10)
	want := `SELECT job_id AS "JobID", "job_id" AS "__sync_pk", (COALESCE(modified, created)) AS "__sync_wm" FROM "public"."jobs" ` +
		`WHERE (COALESCE(modified, created)) IS NOT NULL ORDER BY (COALESCE(modified, created)) ASC, "job_id" ASC LIMIT $1`
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	if len(args) != 1 || args[0] != 10 {
		t.Errorf("args = %#v", args)
	}
}

func TestMSSQLBindTime(t *testing.T) {
	d, _ := DialectFor("mssql")
	ts := time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC)

	tests := []struct {
		sqlType string
		check   func(any) bool
	}{
		{"", func(v any) bool { _, ok := v.(mssql.DateTime1); return ok }},
		{"datetime", func(v any) bool { _, ok := v.(mssql.DateTime1); return ok }},
		{"DATETIME2", func(v any) bool { _, ok := v.(civil.DateTime); return ok }},
		{"datetimeoffset", func(v any) bool { _, ok := v.(mssql.DateTimeOffset); return ok }},
		{"date", func(v any) bool { return v == civil.Date{Year: 2024, Month: time.March, Day: 1} }},
	}
	for _, tt := range tests {
		if got := d.BindTime(ts, tt.sqlType); !tt.check(got) {
			t.Errorf("BindTime(%q) = %#v", tt.sqlType, got)
		}
	}
}

// encodedTick mirrors how go-mssqldb writes a datetime: whole seconds plus
// the fraction truncated to 1/300 s.
func encodedTick(t time.Time) (time.Time, int64) {
	return t.Truncate(time.Second), int64(t.Nanosecond()) * 300 / 1e9
}

func TestMSSQLBindTimeDatetimeTicks(t *testing.T) {
	d, _ := DialectFor("mssql")
	base := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		frac     time.Duration
		wantSec  time.Time
		wantTick int64
	}{
		{"tick 0", 0, base, 0},
		{"tick 1 scanned as .003", 3 * time.Millisecond, base, 1},
		{"tick 1 exact", 3333333 * time.Nanosecond, base, 1},
		{"tick 2 scanned as .007", 7 * time.Millisecond, base, 2},
		{"tick 3", 10 * time.Millisecond, base, 3},
		{"tick 4 scanned as .013", 13 * time.Millisecond, base, 4},
		{"tick 5", 17 * time.Millisecond, base, 5},
		{"tick 299", 997 * time.Millisecond, base, 299},
		{"rounds into next second", 999 * time.Millisecond, base.Add(time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.BindTime(base.Add(tt.frac), "datetime").(mssql.DateTime1)
			if !ok {
				t.Fatalf("BindTime returned %T", got)
			}
			sec, tick := encodedTick(time.Time(got))
			if !sec.Equal(tt.wantSec) || tick != tt.wantTick {
				t.Errorf("encoded as %s tick %d, want %s tick %d", sec, tick, tt.wantSec, tt.wantTick)
			}
		})
	}
}

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"", "mssql", "postgres"} {
		if _, err := DialectFor(name); err != nil {
			t.Errorf("DialectFor(%q): %v", name, err)
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Error("expected error for oracle")
	}
}

func TestQuoteIdentifier(t *testing.T) {
	ms, _ := DialectFor("mssql")
	pg, _ := DialectFor("postgres")
	if got := ms.QuoteIdentifier("odd]name"); got != "[odd]]name]" {
		t.Errorf("mssql quote = %s", got)
	}
	if got := pg.QuoteIdentifier(`odd"name`); got != `"odd""name"` {
		t.Errorf("postgres quote = %s", got)
	}
	if got := ms.QualifyTable("", "Job"); got != "[dbo].[Job]" {
		t.Errorf("mssql default schema = %s", got)
	}
}
