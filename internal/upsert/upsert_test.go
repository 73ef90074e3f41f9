package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ptpm/legacy-sync/internal/mapping"
)

type call struct {
	query string
	vars  map[string]any
}

// fakeTarget answers each call with the next scripted response.
type fakeTarget struct {
	calls     []call
	responses []func(q string) (json.RawMessage, error)
}

func (f *fakeTarget) Do(_ context.Context, q string, vars map[string]any) (json.RawMessage, error) {
	f.calls = append(f.calls, call{q, vars})
	if len(f.responses) == 0 {
		return nil, errors.New("unexpected call")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next(q)
}

func reply(body string) func(string) (json.RawMessage, error) {
	return func(string) (json.RawMessage, error) { return json.RawMessage(body), nil }
}

func fail(msg string) func(string) (json.RawMessage, error) {
	return func(string) (json.RawMessage, error) { return nil, errors.New(msg) }
}

func jobMapping() *mapping.Mapping {
	return &mapping.Mapping{
		Entity:      "jobs",
		Idempotency: mapping.Idempotency{SourceIDField: "JobID", TargetLegacyIDField: "legacy_job_id"},
		Target: mapping.Target{
			Model: "Job",
			GraphQL: mapping.GraphQLTarget{
				Mutation:      "mutation createJob($payload: JobCreateInput) { createJob(payload: $payload) { id } }",
				InputVariable: "payload",
			},
		},
	}
}

func TestUpsertUpdatesExisting(t *testing.T) {
	ft := &fakeTarget{responses: []func(string) (json.RawMessage, error){
		reply(`{"getJobs":[{"id":42}]}`),
		reply(`{"updateJob":{"id":42}}`),
	}}
	e := New(ft, 3, time.Millisecond)

	res, err := e.Upsert(context.Background(), jobMapping(), map[string]any{"legacy_job_id": 501, "name": "x"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Op != OpUpdate || res.ID != 42 || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(ft.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(ft.calls))
	}
	wantFind := "query { getJobs(query: [{where: {legacy_job_id: 501}}], limit: 1) { id } }"
	if ft.calls[0].query != wantFind {
		t.Errorf("find query = %s", ft.calls[0].query)
	}
	if !strings.Contains(ft.calls[1].query, "updateJob(query: [{where: {id: 42}}], payload: $payload)") ||
		!strings.Contains(ft.calls[1].query, "$payload: JobUpdateInput") {
		t.Errorf("update mutation = %s", ft.calls[1].query)
	}
}

func TestUpsertCreatesWhenMissing(t *testing.T) {
	ft := &fakeTarget{responses: []func(string) (json.RawMessage, error){
		reply(`{"getJobs":[]}`),
		reply(`{"createJob":{"id":"77"}}`),
	}}
	res, err := New(ft, 3, time.Millisecond).Upsert(context.Background(), jobMapping(), map[string]any{"legacy_job_id": "A-1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Op != OpCreate || !res.HasID || res.ID != 77 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(ft.calls[0].query, `legacy_job_id: "A-1"`) {
		t.Errorf("string legacy id not quoted: %s", ft.calls[0].query)
	}
	if ft.calls[1].vars["payload"] == nil {
		t.Errorf("create vars = %v", ft.calls[1].vars)
	}
}

func TestUpsertWithoutIdempotencyCreates(t *testing.T) {
	m := jobMapping()
	m.Idempotency = mapping.Idempotency{}
	ft := &fakeTarget{responses: []func(string) (json.RawMessage, error){reply(`{"createJob":{"id":1}}`)}}

	res, err := New(ft, 3, 0).Upsert(context.Background(), m, map[string]any{"legacy_job_id": 1})
	if err != nil || res.Op != OpCreate {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if len(ft.calls) != 1 {
		t.Errorf("calls = %d, want 1 (no lookup)", len(ft.calls))
	}
}

func TestUpsertRetriesThenSucceeds(t *testing.T) {
	ft := &fakeTarget{responses: []func(string) (json.RawMessage, error){
		fail("connection reset"),
		reply(`{"getJobs":[]}`),
		reply(`{"createJob":{"id":5}}`),
	}}
	res, err := New(ft, 3, time.Millisecond).Upsert(context.Background(), jobMapping(), map[string]any{"legacy_job_id": 9})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
}

func TestUpsertExhaustsRetries(t *testing.T) {
	ft := &fakeTarget{responses: []func(string) (json.RawMessage, error){
		fail("boom 1"), fail("boom 2"), fail("boom 3"), fail("never"),
	}}
	start := time.Now()
	_, err := New(ft, 3, 10*time.Millisecond).Upsert(context.Background(), jobMapping(), map[string]any{"legacy_job_id": 9})

	var ae *AttemptsError
	if !errors.As(err, &ae) || ae.Attempts != 3 {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "boom 3") {
		t.Errorf("last error not reported: %v", err)
	}
	if len(ft.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(ft.calls))
	}
	// backoff 1*10ms + 2*10ms
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed %v, want linear backoff of at least 30ms", elapsed)
	}
}

func TestUpsertStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ft := &fakeTarget{responses: []func(string) (json.RawMessage, error){
		func(string) (json.RawMessage, error) { cancel(); return nil, errors.New("down") },
	}}
	_, err := New(ft, 3, time.Hour).Upsert(ctx, jobMapping(), map[string]any{"legacy_job_id": 9})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExtractID(t *testing.T) {
	tests := []struct {
		data string
		id   int64
		ok   bool
	}{
		{`{"createJob":{"id":12}}`, 12, true},
		{`{"createJob":{"id":"13"}}`, 13, true},
		{`{"getJobs":[{"id":14},{"id":15}]}`, 14, true},
		{`{"getJobs":[]}`, 0, false},
		{`{"getJobs":null}`, 0, false},
		{`{"createJob":{"id":null}}`, 0, false},
		{`{"createJob":{"id":"abc"}}`, 0, false},
		{`null`, 0, false},
	}
	for _, tt := range tests {
		id, ok := ExtractID(json.RawMessage(tt.data))
		if id != tt.id || ok != tt.ok {
			t.Errorf("ExtractID(%s) = %d, %v; want %d, %v", tt.data, id, ok, tt.id, tt.ok)
		}
	}
}
