package transform

import (
	"github.com/ptpm/legacy-sync/internal/mapping"
)

// Resolver turns a legacy foreign key into a target id through a named lookup.
type Resolver interface {
	HasLookup(name string) bool
	Resolve(name string, legacy any) (int64, bool)
}

// Engine applies field rules. It satisfies mapping.Checker so mappings can
// be validated against exactly what the engine will run.
type Engine struct {
	registry Registry
	resolver Resolver
}

// NewEngine returns an engine over reg. resolver may be nil when no mapping
// uses lookups.
func NewEngine(reg Registry, resolver Resolver) *Engine {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Engine{registry: reg, resolver: resolver}
}

// HasTransform reports whether name is a registered transform.
func (e *Engine) HasTransform(name string) bool {
	return e.registry.Has(name)
}

// HasLookup reports whether name is a lookup the resolver knows.
func (e *Engine) HasLookup(name string) bool {
	return e.resolver != nil && e.resolver.HasLookup(name)
}

// Apply runs one field rule over a raw value. A lookup replaces the
// transform chain entirely; otherwise transforms run in declared order, each
// receiving the previous output.
func (e *Engine) Apply(raw any, rule mapping.FieldRule, audit *Audit) any {
	if rule.Lookup != "" {
		return e.lookup(raw, rule, audit)
	}

	c := &Context{Field: rule.To, Audit: audit}
	v := raw
	for _, name := range rule.Transforms {
		fn, ok := e.registry[name]
		if !ok {
			// Mappings are validated at load time; an unknown name here is a programming error.
			panic("transform: unknown transform " + name)
		}
		v = fn(v, c)
	}
	return v
}

func (e *Engine) lookup(raw any, rule mapping.FieldRule, audit *Audit) any {
	if isBlank(raw) {
		return nil
	}
	if e.resolver != nil {
		if id, ok := e.resolver.Resolve(rule.Lookup, raw); ok {
			return id
		}
	}
	audit.RecordUnresolved(rule.To, raw)
	return nil
}

// BuildPayload maps a source row to a target payload: field rules in order,
// then constants, then the legacy id field when the field map left it out.
func (e *Engine) BuildPayload(row map[string]any, m *mapping.Mapping, audit *Audit) map[string]any {
	payload := make(map[string]any, len(m.FieldMap)+len(m.Constants)+1)
	for _, rule := range m.FieldMap {
		payload[rule.To] = e.Apply(row[rule.From], rule, audit)
	}
	for k, v := range m.Constants {
		payload[k] = v
	}
	if m.Idempotency.Enabled() {
		if _, ok := payload[m.Idempotency.TargetLegacyIDField]; !ok {
			payload[m.Idempotency.TargetLegacyIDField] = row[m.Idempotency.SourceIDField]
		}
	}
	return payload
}
