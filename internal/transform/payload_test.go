package transform

import (
	"fmt"
	"testing"

	"github.com/ptpm/legacy-sync/internal/mapping"
)

type mapResolver map[string]map[string]int64

func (r mapResolver) HasLookup(name string) bool {
	_, ok := r[name]
	return ok
}

func (r mapResolver) Resolve(name string, legacy any) (int64, bool) {
	id, ok := r[name][fmt.Sprint(legacy)]
	return id, ok
}

func inquiryMapping() *mapping.Mapping {
	return &mapping.Mapping{
		Entity: "inquiries",
		FieldMap: []mapping.FieldRule{
			{From: "Name", To: "name", Transforms: []string{"trim", "emptyToNull"}},
			{From: "Mobile", To: "sms_number", Transforms: []string{"trim", "auSmsNumber"}},
			{From: "JobID", To: "job_id", Lookup: "legacyJobIdToTargetJobId", Transforms: []string{"trim"}},
			{From: "Status", To: "inquiry_status", Transforms: []string{"normalizeInquiryStatus"}},
		},
		Constants:   map[string]any{"inquiry_source": "Legacy PTPM"},
		Idempotency: mapping.Idempotency{SourceIDField: "InquiryID", TargetLegacyIDField: "legacy_inquiry_id"},
	}
}

func TestBuildPayload(t *testing.T) {
	resolver := mapResolver{"legacyJobIdToTargetJobId": {"501": 9001}}
	e := NewEngine(nil, resolver)
	audit := NewAudit()

	row := map[string]any{
		"InquiryID": int64(17),
		"Name":      "  ",
		"Mobile":    " 0412 345 678 ",
		"JobID":     int64(501),
		"Status":    int64(3),
	}
	p := e.BuildPayload(row, inquiryMapping(), audit)

	want := map[string]any{
		"name":              nil,
		"sms_number":        "+61412345678",
		"job_id":            int64(9001),
		"inquiry_status":    "Quoted",
		"inquiry_source":    "Legacy PTPM",
		"legacy_inquiry_id": int64(17),
	}
	if len(p) != len(want) {
		t.Fatalf("payload = %v, want %v", p, want)
	}
	for k, v := range want {
		if p[k] != v {
			t.Errorf("payload[%s] = %#v, want %#v", k, p[k], v)
		}
	}
	if audit.Total() != 0 {
		t.Errorf("expected clean audit, got %+v", audit)
	}
}

func TestUnresolvedLookupNullsFieldAndAudits(t *testing.T) {
	e := NewEngine(nil, mapResolver{"legacyJobIdToTargetJobId": {}})
	audit := NewAudit()

	row := map[string]any{"InquiryID": int64(18), "JobID": "777"}
	p := e.BuildPayload(row, inquiryMapping(), audit)

	if v, ok := p["job_id"]; !ok || v != nil {
		t.Errorf("job_id = %#v (present %v), want nil", v, ok)
	}
	b := audit.UnresolvedRelations["job_id"]
	if b == nil || b.Count != 1 {
		t.Fatalf("unresolvedRelations[job_id] = %+v, want count 1", b)
	}
	if p["legacy_inquiry_id"] != int64(18) {
		t.Error("row should still produce a payload")
	}

	// A blank foreign key is not an unresolved relation.
	e.BuildPayload(map[string]any{"InquiryID": int64(19), "JobID": nil}, inquiryMapping(), audit)
	if audit.UnresolvedRelations["job_id"].Count != 1 {
		t.Error("nil foreign key should not be audited")
	}
}

func TestApplyRunsTransformsInOrder(t *testing.T) {
	e := NewEngine(nil, nil)
	audit := NewAudit()

	// emptyToNull before trim leaves whitespace-only text as "".
	got := e.Apply("   ", mapping.FieldRule{To: "x", Transforms: []string{"emptyToNull", "trim"}}, audit)
	if got != "" {
		t.Errorf("emptyToNull,trim = %#v, want empty string", got)
	}
	got = e.Apply("   ", mapping.FieldRule{To: "x", Transforms: []string{"trim", "emptyToNull"}}, audit)
	if got != nil {
		t.Errorf("trim,emptyToNull = %#v, want nil", got)
	}
}

func TestLookupWithoutResolverIsUnresolved(t *testing.T) {
	e := NewEngine(nil, nil)
	audit := NewAudit()
	got := e.Apply("5", mapping.FieldRule{To: "sp", Lookup: "legacyServiceProviderIdToTargetServiceProviderId"}, audit)
	if got != nil || audit.UnresolvedRelations["sp"].Count != 1 {
		t.Errorf("got %v, audit %+v", got, audit.UnresolvedRelations)
	}
	if e.HasLookup("legacyServiceProviderIdToTargetServiceProviderId") {
		t.Error("engine without resolver should report no lookups")
	}
}

func TestEngineValidatesMappings(t *testing.T) {
	e := NewEngine(nil, mapResolver{"legacyJobIdToTargetJobId": {}})
	m := inquiryMapping()
	m.Source = mapping.Source{Table: "Inquiries", PK: "InquiryID", Watermark: mapping.Watermark{Type: "pk"}}
	m.Target = mapping.Target{Model: "Deal", GraphQL: mapping.GraphQLTarget{
		Mutation:      "mutation createDeal($payload: DealCreateInput) { createDeal(payload: $payload) { id } }",
		InputVariable: "payload",
	}}
	if err := m.Validate(e); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	m.FieldMap[0].Transforms = append(m.FieldMap[0].Transforms, "titleCase")
	if err := m.Validate(e); err == nil {
		t.Error("expected unknown transform error")
	}
}
