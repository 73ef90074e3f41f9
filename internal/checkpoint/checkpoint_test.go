package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCursorJSONKeepsIntegerKeys(t *testing.T) {
	tests := []struct {
		name string
		in   string
		pk   any
		wm   bool
	}{
		{"int", `{"lastPk": 1200}`, int64(1200), false},
		{"big int", `{"lastPk": 9007199254740993}`, int64(9007199254740993), false},
		{"string", `{"lastPk": "A-17"}`, "A-17", false},
		{"null", `{"lastPk": null}`, nil, false},
		{"missing", `{}`, nil, false},
		{"watermark", `{"lastPk": 5, "lastWatermark": "2024-03-01T10:00:00Z"}`, int64(5), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Cursor
			if err := json.Unmarshal([]byte(tt.in), &c); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if c.LastPK != tt.pk {
				t.Errorf("LastPK = %#v, want %#v", c.LastPK, tt.pk)
			}
			if (c.LastWatermark != nil) != tt.wm {
				t.Errorf("LastWatermark = %v", c.LastWatermark)
			}
		})
	}

	var bad Cursor
	if err := json.Unmarshal([]byte(`{"lastPk": true}`), &bad); err == nil {
		t.Error("expected error for boolean pk")
	}
}

func TestCursorString(t *testing.T) {
	wm := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := (Cursor{}).String(); got != "start" {
		t.Errorf("zero cursor = %q", got)
	}
	if got := (Cursor{LastPK: int64(7)}).String(); got != "pk=7" {
		t.Errorf("pk cursor = %q", got)
	}
	if got := (Cursor{LastPK: int64(7), LastWatermark: &wm}).String(); got != "wm=2024-03-01T10:00:00Z pk=7" {
		t.Errorf("composite cursor = %q", got)
	}
}

func TestNormalizePK(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{int32(5), int64(5)},
		{int64(5), int64(5)},
		{float64(5), int64(5)},
		{5.5, 5.5},
		{[]byte("abc"), "abc"},
		{"abc", "abc"},
	}
	for _, tt := range tests {
		if got := NormalizePK(tt.in); got != tt.want {
			t.Errorf("NormalizePK(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func testStores(t *testing.T) map[string]func(path string) (Store, error) {
	t.Helper()
	return map[string]func(path string) (Store, error){
		"file":   func(p string) (Store, error) { return Open("file", p+".json") },
		"sqlite": func(p string) (Store, error) { return Open("sqlite", p+".db") },
	}
}

func TestStoreAdvanceSurvivesReopen(t *testing.T) {
	wm := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, open := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "state")

			s, err := open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if !s.Get("jobs").IsZero() {
				t.Fatal("fresh store should have zero cursor")
			}
			if err := s.Advance("jobs", Cursor{LastPK: int64(1200), LastWatermark: &wm}); err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if err := s.Advance("serviceProviders", Cursor{LastPK: int64(40)}); err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if err := s.Advance("serviceProviders", Cursor{LastPK: int64(80)}); err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			s, err = open(path)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer s.Close()

			jobs := s.Get("jobs")
			if jobs.LastPK != int64(1200) || jobs.LastWatermark == nil || !jobs.LastWatermark.Equal(wm) {
				t.Errorf("jobs cursor = %+v", jobs)
			}
			if got := s.Get("serviceProviders").LastPK; got != int64(80) {
				t.Errorf("serviceProviders lastPk = %#v, want 80", got)
			}
			if snap := s.Snapshot(); len(snap) != 2 {
				t.Errorf("Snapshot has %d entities, want 2", len(snap))
			}
		})
	}
}

func TestFileStateFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileState(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Advance("jobs", Cursor{LastPK: int64(2)}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]map[string]map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("state file is not JSON: %v\n%s", err, data)
	}
	if doc["entities"]["jobs"]["lastPk"] != float64(2) {
		t.Errorf("unexpected state document: %s", data)
	}
	if strings.Contains(string(data), "lastWatermark") {
		t.Errorf("pk-only cursor should omit lastWatermark: %s", data)
	}
}

func TestFileStateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"entities": [`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileState(path); err == nil || !strings.Contains(err.Error(), "parsing state file") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", "x"); err == nil {
		t.Error("expected error")
	}
}

func TestSQLiteIDMapAndRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	jobs, err := s.IDMap("job")
	if err != nil {
		t.Fatalf("IDMap: %v", err)
	}
	if err := jobs.Set("501", 9001); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := jobs.Set("501", 9002); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	sps, _ := s.IDMap("serviceProvider")
	if err := sps.Set("501", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b"} {
		err := s.RecordRun(RunRecord{
			ID: id, Mode: "write", Status: "completed",
			StartedAt: started.Add(time.Duration(i) * time.Hour), FinishedAt: started.Add(time.Duration(i)*time.Hour + time.Minute),
			Succeeded: 10 + i,
		})
		if err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	jobs, _ = s.IDMap("job")
	if id, ok := jobs.Lookup("501"); !ok || id != 9002 {
		t.Errorf("job 501 = %d, %v; want 9002", id, ok)
	}
	if jobs.Len() != 1 {
		t.Errorf("job map Len = %d, want 1", jobs.Len())
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" || runs[0].Succeeded != 11 {
		t.Errorf("RecentRuns = %+v", runs)
	}
}

func TestCursorBefore(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Minute)
	t2 := t1.Add(time.Minute)

	tests := []struct {
		name string
		c    Cursor
		wm   *time.Time
		pk   any
		want bool
	}{
		{"fresh cursor", Cursor{}, &t0, int64(1), true},
		{"pk greater", Cursor{LastPK: int64(10)}, nil, int64(11), true},
		{"pk equal", Cursor{LastPK: int64(10)}, nil, int64(10), false},
		{"pk smaller", Cursor{LastPK: int64(10)}, nil, int32(9), false},
		{"later watermark smaller pk", Cursor{LastPK: int64(10), LastWatermark: &t1}, &t2, int64(1), true},
		{"earlier watermark", Cursor{LastPK: int64(10), LastWatermark: &t1}, &t0, int64(99), false},
		{"equal watermark greater pk", Cursor{LastPK: int64(10), LastWatermark: &t1}, &t1, int64(11), true},
		{"equal watermark equal pk", Cursor{LastPK: int64(10), LastWatermark: &t1}, &t1, int64(10), false},
		{"string keys not compared", Cursor{LastPK: "B"}, nil, "A", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Before(tt.wm, tt.pk); got != tt.want {
				t.Errorf("Before = %v, want %v", got, tt.want)
			}
		})
	}
}
