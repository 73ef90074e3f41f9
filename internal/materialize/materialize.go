// Package materialize creates the activity records that legacy jobs imply.
package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ptpm/legacy-sync/internal/config"
	"github.com/ptpm/legacy-sync/internal/idmap"
	"github.com/ptpm/legacy-sync/internal/logging"
	"github.com/ptpm/legacy-sync/internal/mapping"
	"github.com/ptpm/legacy-sync/internal/target"
	"github.com/ptpm/legacy-sync/internal/transform"
	"github.com/ptpm/legacy-sync/internal/upsert"
)

// Counters tallies activity outcomes for one entity.
type Counters struct {
	Created               int `json:"activitiesCreated"`
	Updated               int `json:"activitiesUpdated"`
	Planned               int `json:"activitiesPlanned,omitempty"`
	SkippedNoService      int `json:"activitiesSkippedNoService"`
	SkippedMissingService int `json:"activitiesSkippedMissingService"`
	Failed                int `json:"activitiesFailed"`
}

// Marker tags the activity of a legacy job so later runs find it again.
func Marker(legacyJobID any) string {
	return fmt.Sprintf("[ptpm-legacy-job:%s]", idmap.Key(legacyJobID))
}

// Materializer upserts one activity per synced job.
type Materializer struct {
	client   target.Doer
	cfg      config.ActivityConfig
	dryRun   bool
	services map[string]int64
}

// New returns a materializer. In dry-run no requests are sent.
func New(client target.Doer, cfg config.ActivityConfig, dryRun bool) *Materializer {
	return &Materializer{client: client, cfg: cfg, dryRun: dryRun}
}

// Materialize creates or updates the activity of the job row just written
// as jobID. Failures are counted in c and never returned.
func (m *Materializer) Materialize(ctx context.Context, row map[string]any, jobID int64, legacyJobID any, c *Counters) {
	service := InferService(text(row[m.cfg.AnimalColumn]), text(row[m.cfg.CommentsColumn]))
	if service == "" {
		c.SkippedNoService++
		return
	}

	status, _ := transform.JobStatus(row[m.cfg.StatusColumn])
	activityStatus := MapActivityStatus(status, !blank(row[m.cfg.DateColumn]))

	if m.dryRun {
		c.Planned++
		logging.Debug("[jobs] dry-run: would write %s activity %q for job %d", activityStatus, service, jobID)
		return
	}

	if err := m.loadServices(ctx); err != nil {
		c.Failed++
		logging.Warn("[jobs] activity for job %v: loading services: %v", legacyJobID, err)
		return
	}
	serviceID, ok := m.services[serviceKey(service)]
	if !ok {
		c.SkippedMissingService++
		logging.Debug("[jobs] activity for job %v: no target service named %q", legacyJobID, service)
		return
	}

	marker := Marker(legacyJobID)
	existing, found, err := m.findActivity(ctx, jobID, marker)
	if err != nil {
		c.Failed++
		logging.Warn("[jobs] activity for job %v: %v", legacyJobID, err)
		return
	}

	note := marker
	if comments := strings.TrimSpace(text(row[m.cfg.CommentsColumn])); comments != "" {
		note += " " + comments
	}
	payload := map[string]any{
		m.cfg.JobField:     jobID,
		m.cfg.ServiceField: serviceID,
		m.cfg.StatusField:  activityStatus,
		m.cfg.NoteField:    note,
	}

	if found {
		mut := upsert.UpdateMutation(m.model(), existing)
		if _, err := m.client.Do(ctx, mut, map[string]any{"payload": payload}); err != nil {
			c.Failed++
			logging.Warn("[jobs] updating activity %d for job %v: %v", existing, legacyJobID, err)
			return
		}
		c.Updated++
		return
	}

	mut := fmt.Sprintf("mutation create%[1]s($payload: %[1]sCreateInput) { create%[1]s(payload: $payload) { id } }", m.cfg.Model)
	if _, err := m.client.Do(ctx, mut, map[string]any{"payload": payload}); err != nil {
		c.Failed++
		logging.Warn("[jobs] creating activity for job %v: %v", legacyJobID, err)
		return
	}
	c.Created++
}

func (m *Materializer) model() *mapping.Mapping {
	return &mapping.Mapping{Target: mapping.Target{Model: m.cfg.Model}}
}

// loadServices fetches the service name -> id map once per run. A failed
// fetch is retried on the next job.
func (m *Materializer) loadServices(ctx context.Context) error {
	if m.services != nil {
		return nil
	}
	svc := &mapping.Mapping{Target: mapping.Target{Model: m.cfg.ServiceModel}}
	q := fmt.Sprintf("query { %s { id %s } }", svc.Target.FindQueryName(), m.cfg.ServiceNameField)
	data, err := m.client.Do(ctx, q, nil)
	if err != nil {
		return err
	}

	records, err := firstList(data)
	if err != nil {
		return fmt.Errorf("decoding services: %w", err)
	}
	services := make(map[string]int64, len(records))
	for _, r := range records {
		name := text(r[m.cfg.ServiceNameField])
		id, ok := toID(r["id"])
		if name == "" || !ok {
			continue
		}
		services[serviceKey(name)] = id
	}
	logging.Debug("Loaded %d target services", len(services))
	m.services = services
	return nil
}

func (m *Materializer) findActivity(ctx context.Context, jobID int64, marker string) (int64, bool, error) {
	q := fmt.Sprintf("query { %s(query: [{where: {%s: %d}}]) { id %s } }",
		m.model().Target.FindQueryName(), m.cfg.JobField, jobID, m.cfg.NoteField)
	data, err := m.client.Do(ctx, q, nil)
	if err != nil {
		return 0, false, fmt.Errorf("finding activity: %w", err)
	}
	records, err := firstList(data)
	if err != nil {
		return 0, false, fmt.Errorf("decoding activities: %w", err)
	}
	for _, r := range records {
		if strings.Contains(text(r[m.cfg.NoteField]), marker) {
			if id, ok := toID(r["id"]); ok {
				return id, true, nil
			}
		}
	}
	return 0, false, nil
}

// firstList decodes the list under the data object's single top-level field.
func firstList(data json.RawMessage) ([]map[string]any, error) {
	var top map[string][]map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	for _, v := range top {
		return v, nil
	}
	return nil, nil
}

func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		var id int64
		if _, err := fmt.Sscan(n, &id); err == nil {
			return id, true
		}
	}
	return 0, false
}

func serviceKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func blank(v any) bool {
	return strings.TrimSpace(text(v)) == ""
}
