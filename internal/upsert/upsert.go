// Package upsert writes payloads to the GraphQL target, updating the
// existing record for a legacy id when there is one.
package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ptpm/legacy-sync/internal/logging"
	"github.com/ptpm/legacy-sync/internal/mapping"
	"github.com/ptpm/legacy-sync/internal/target"
)

// Op is the mutation an upsert ended up issuing.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
)

// Result describes a successful upsert.
type Result struct {
	Op       Op
	ID       int64
	HasID    bool
	Attempts int
	Response json.RawMessage
}

// Engine runs upserts with linear retry backoff.
type Engine struct {
	client     target.Doer
	maxRetries int
	retryDelay time.Duration
}

// New returns an engine. maxRetries is the total number of attempts.
func New(client target.Doer, maxRetries int, retryDelay time.Duration) *Engine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	return &Engine{client: client, maxRetries: maxRetries, retryDelay: retryDelay}
}

// AttemptsError is returned when every attempt failed.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("upsert failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error { return e.Err }

// Upsert writes payload for m. Each attempt repeats the lookup so a record
// created by a failed attempt's lost response is updated, not duplicated.
func (e *Engine) Upsert(ctx context.Context, m *mapping.Mapping, payload map[string]any) (*Result, error) {
	var err error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * e.retryDelay
			logging.Debug("[%s] retry %d/%d after %v (error: %v)", m.Entity, attempt, e.maxRetries, backoff, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var res *Result
		res, err = e.once(ctx, m, payload)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	return nil, &AttemptsError{Attempts: e.maxRetries, Err: err}
}

func (e *Engine) once(ctx context.Context, m *mapping.Mapping, payload map[string]any) (*Result, error) {
	if m.Idempotency.Enabled() {
		if legacy, ok := payload[m.Idempotency.TargetLegacyIDField]; ok && legacy != nil {
			id, found, err := e.find(ctx, m, legacy)
			if err != nil {
				return nil, fmt.Errorf("finding existing %s: %w", m.Target.Model, err)
			}
			if found {
				return e.update(ctx, m, id, payload)
			}
		}
	}
	return e.create(ctx, m, payload)
}

// FindQuery renders the lookup of a record by legacy id.
func FindQuery(m *mapping.Mapping, legacy any) (string, error) {
	lit, err := json.Marshal(legacy)
	if err != nil {
		return "", fmt.Errorf("encoding legacy id: %w", err)
	}
	return fmt.Sprintf("query { %s(query: [{where: {%s: %s}}], limit: 1) { id } }",
		m.Target.FindQueryName(), m.Idempotency.TargetLegacyIDField, lit), nil
}

// UpdateMutation renders the update-by-id mutation.
func UpdateMutation(m *mapping.Mapping, id int64) string {
	return fmt.Sprintf("mutation Update%s($payload: %s) { %s(query: [{where: {id: %d}}], payload: $payload) { id } }",
		m.Target.Model, m.Target.UpdateInputTypeName(), m.Target.UpdateMutationName(), id)
}

func (e *Engine) find(ctx context.Context, m *mapping.Mapping, legacy any) (int64, bool, error) {
	q, err := FindQuery(m, legacy)
	if err != nil {
		return 0, false, err
	}
	data, err := e.client.Do(ctx, q, nil)
	if err != nil {
		return 0, false, err
	}
	id, ok := ExtractID(data)
	return id, ok, nil
}

func (e *Engine) update(ctx context.Context, m *mapping.Mapping, id int64, payload map[string]any) (*Result, error) {
	data, err := e.client.Do(ctx, UpdateMutation(m, id), map[string]any{"payload": payload})
	if err != nil {
		return nil, fmt.Errorf("updating %s %d: %w", m.Target.Model, id, err)
	}
	return &Result{Op: OpUpdate, ID: id, HasID: true, Response: data}, nil
}

func (e *Engine) create(ctx context.Context, m *mapping.Mapping, payload map[string]any) (*Result, error) {
	data, err := e.client.Do(ctx, m.Target.GraphQL.Mutation, map[string]any{m.Target.GraphQL.InputVariable: payload})
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", m.Target.Model, err)
	}
	res := &Result{Op: OpCreate, Response: data}
	res.ID, res.HasID = ExtractID(data)
	return res, nil
}

// ExtractID returns the id of the first record in a GraphQL data object,
// looking through the first top-level field and, if it is a list, its
// first element.
func ExtractID(data json.RawMessage) (int64, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return 0, false
	}
	for _, v := range top {
		if id, ok := idOf(v); ok {
			return id, true
		}
	}
	return 0, false
}

func idOf(v json.RawMessage) (int64, bool) {
	var list []json.RawMessage
	if err := json.Unmarshal(v, &list); err == nil {
		if len(list) == 0 {
			return 0, false
		}
		v = list[0]
	}
	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(v, &obj); err != nil || len(obj.ID) == 0 {
		return 0, false
	}

	var n json.Number
	if err := json.Unmarshal(obj.ID, &n); err != nil {
		var s string
		if err := json.Unmarshal(obj.ID, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}
	id, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
