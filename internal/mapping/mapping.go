// Package mapping loads the declarative per-entity documents that describe
// how legacy rows are extracted, transformed and written to the GraphQL target.
package mapping

import (
	"fmt"
	"strings"
)

// Watermark strategies.
const (
	WatermarkPK        = "pk"
	WatermarkTimestamp = "timestamp"
)

// Mapping is one entity's declarative sync definition.
type Mapping struct {
	Entity      string         `json:"entity" yaml:"entity"`
	Source      Source         `json:"source" yaml:"source"`
	FieldMap    []FieldRule    `json:"fieldMap" yaml:"fieldMap"`
	Constants   map[string]any `json:"constants,omitempty" yaml:"constants,omitempty"`
	Idempotency Idempotency    `json:"idempotency" yaml:"idempotency"`
	Target      Target         `json:"target" yaml:"target"`
	// IDMap names the cross-entity map this entity's new ids are recorded in.
	IDMap string `json:"idMap,omitempty" yaml:"idMap,omitempty"`

	// File is the document the mapping was read from.
	File string `json:"-" yaml:"-"`
}

// Source describes where and how rows are read.
type Source struct {
	Schema    string       `json:"schema" yaml:"schema"`
	Table     string       `json:"table" yaml:"table"`
	PK        string       `json:"pk" yaml:"pk"`
	Watermark Watermark    `json:"watermark" yaml:"watermark"`
	Select    []SelectItem `json:"select,omitempty" yaml:"select,omitempty"`
	Where     string       `json:"where,omitempty" yaml:"where,omitempty"`
}

// Watermark selects the cursor strategy. Column and Expression are only
// used by the timestamp strategy; Expression wins when both are set.
type Watermark struct {
	Type       string `json:"type" yaml:"type"`
	Column     string `json:"column,omitempty" yaml:"column,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// SQLType is the watermark's column type (datetime, datetime2,
	// datetimeoffset, date); SQL Server binds cursor values with it.
	SQLType string `json:"sqlType,omitempty" yaml:"sqlType,omitempty"`
}

// IsTimestamp reports whether the composite (watermark, pk) cursor is used.
func (w Watermark) IsTimestamp() bool {
	return w.Type == WatermarkTimestamp
}

// SelectItem is one projected column: a raw SQL expression and its alias.
type SelectItem struct {
	Expr string `json:"expr" yaml:"expr"`
	As   string `json:"as" yaml:"as"`
}

// FieldRule maps one source column to one target field.
type FieldRule struct {
	From       string   `json:"from" yaml:"from"`
	To         string   `json:"to" yaml:"to"`
	Transforms []string `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Lookup     string   `json:"lookup,omitempty" yaml:"lookup,omitempty"`
}

// Idempotency ties a source row to its target record. Without it every row
// is created.
type Idempotency struct {
	SourceIDField       string `json:"sourceIdField" yaml:"sourceIdField"`
	TargetLegacyIDField string `json:"targetLegacyIdField" yaml:"targetLegacyIdField"`
}

// Enabled reports whether existing target records are looked up before writing.
func (i Idempotency) Enabled() bool {
	return i.SourceIDField != "" && i.TargetLegacyIDField != ""
}

// Target names the GraphQL model and its create mutation.
type Target struct {
	Model   string        `json:"model" yaml:"model"`
	GraphQL GraphQLTarget `json:"graphql" yaml:"graphql"`
}

// GraphQLTarget holds the create mutation document plus optional overrides
// for the generated find/update operation names.
type GraphQLTarget struct {
	Mutation        string `json:"mutation" yaml:"mutation"`
	InputVariable   string `json:"inputVariable" yaml:"inputVariable"`
	QueryName       string `json:"queryName,omitempty" yaml:"queryName,omitempty"`
	UpdateMutation  string `json:"updateMutation,omitempty" yaml:"updateMutation,omitempty"`
	UpdateInputType string `json:"updateInputType,omitempty" yaml:"updateInputType,omitempty"`
}

// FindQueryName is the list query used to look a record up by legacy id.
func (t Target) FindQueryName() string {
	if t.GraphQL.QueryName != "" {
		return t.GraphQL.QueryName
	}
	return "get" + t.Model + "s"
}

// UpdateMutationName is the mutation used to update an existing record by id.
func (t Target) UpdateMutationName() string {
	if t.GraphQL.UpdateMutation != "" {
		return t.GraphQL.UpdateMutation
	}
	return "update" + t.Model
}

// UpdateInputTypeName is the GraphQL input type of the update payload.
func (t Target) UpdateInputTypeName() string {
	if t.GraphQL.UpdateInputType != "" {
		return t.GraphQL.UpdateInputType
	}
	return t.Model + "UpdateInput"
}

// Checker reports whether transform and lookup names are registered.
type Checker interface {
	HasTransform(name string) bool
	HasLookup(name string) bool
}

// Validate checks a mapping's structure and, when checker is non-nil, that
// every transform and lookup it names exists.
func (m *Mapping) Validate(checker Checker) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if m.Entity == "" {
		add("entity is required")
	}
	if m.Source.Table == "" {
		add("source.table is required")
	}
	if m.Source.PK == "" {
		add("source.pk is required")
	}
	switch m.Source.Watermark.Type {
	case WatermarkPK:
	case WatermarkTimestamp:
		if m.Source.Watermark.Column == "" && m.Source.Watermark.Expression == "" {
			add("source.watermark needs column or expression for type timestamp")
		}
	case "":
		add("source.watermark.type is required (pk or timestamp)")
	default:
		add("source.watermark.type must be pk or timestamp, got %q", m.Source.Watermark.Type)
	}
	for i, s := range m.Source.Select {
		if strings.TrimSpace(s.Expr) == "" || strings.TrimSpace(s.As) == "" {
			add("source.select[%d] needs expr and as", i)
		}
	}
	if (m.Idempotency.SourceIDField == "") != (m.Idempotency.TargetLegacyIDField == "") {
		add("idempotency needs both sourceIdField and targetLegacyIdField")
	}
	if m.IDMap != "" && m.Idempotency.SourceIDField == "" {
		add("idMap %q requires idempotency.sourceIdField", m.IDMap)
	}
	if m.Target.Model == "" {
		add("target.model is required")
	}
	if strings.TrimSpace(m.Target.GraphQL.Mutation) == "" {
		add("target.graphql.mutation is required")
	}
	if m.Target.GraphQL.InputVariable == "" {
		add("target.graphql.inputVariable is required")
	} else if !strings.Contains(m.Target.GraphQL.Mutation, "$"+m.Target.GraphQL.InputVariable) {
		add("target.graphql.mutation does not declare $%s", m.Target.GraphQL.InputVariable)
	}

	seen := make(map[string]bool)
	for i, r := range m.FieldMap {
		if r.From == "" || r.To == "" {
			add("fieldMap[%d] needs from and to", i)
		}
		if seen[r.To] {
			add("fieldMap[%d] writes %q more than once", i, r.To)
		}
		seen[r.To] = true
		if checker == nil {
			continue
		}
		for _, name := range r.Transforms {
			if !checker.HasTransform(name) {
				add("fieldMap[%d] (%s): unknown transform %q", i, r.From, name)
			}
		}
		if r.Lookup != "" && !checker.HasLookup(r.Lookup) {
			add("fieldMap[%d] (%s): unknown lookup %q", i, r.From, r.Lookup)
		}
	}

	if len(problems) > 0 {
		name := m.Entity
		if name == "" {
			name = m.File
		}
		return fmt.Errorf("invalid mapping %s: %s", name, strings.Join(problems, "; "))
	}
	return nil
}
