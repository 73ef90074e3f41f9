package transform

import (
	"fmt"
	"sort"
)

// MaxSamples bounds the raw values kept per audit bucket.
const MaxSamples = 8

// Bucket counts one kind of anomaly and keeps a few distinct raw samples.
type Bucket struct {
	Count   int      `json:"count"`
	Samples []string `json:"samples"`
}

func (b *Bucket) add(raw any) {
	b.Count++
	if len(b.Samples) >= MaxSamples {
		return
	}
	s := fmt.Sprint(raw)
	for _, existing := range b.Samples {
		if existing == s {
			return
		}
	}
	b.Samples = append(b.Samples, s)
}

func (b *Bucket) merge(o *Bucket) {
	b.Count += o.Count
	for _, s := range o.Samples {
		if len(b.Samples) >= MaxSamples {
			break
		}
		dup := false
		for _, existing := range b.Samples {
			if existing == s {
				dup = true
				break
			}
		}
		if !dup {
			b.Samples = append(b.Samples, s)
		}
	}
}

// Audit accumulates transform anomalies for one entity during one run.
// Anomalies never fail a row; the affected field is nulled instead.
type Audit struct {
	InvalidSMS          Bucket             `json:"invalidSms"`
	InvalidNumbers      Bucket             `json:"invalidNumbers"`
	EnumMismatches      map[string]*Bucket `json:"enumMismatches"`
	UnresolvedRelations map[string]*Bucket `json:"unresolvedRelations"`
}

// NewAudit returns an empty audit.
func NewAudit() *Audit {
	return &Audit{
		InvalidSMS:          Bucket{Samples: []string{}},
		InvalidNumbers:      Bucket{Samples: []string{}},
		EnumMismatches:      make(map[string]*Bucket),
		UnresolvedRelations: make(map[string]*Bucket),
	}
}

// RecordInvalidSMS notes a phone value that matched no mobile pattern.
func (a *Audit) RecordInvalidSMS(raw any) {
	a.InvalidSMS.add(raw)
}

// RecordInvalidNumber notes a value that could not be coerced to a number.
func (a *Audit) RecordInvalidNumber(raw any) {
	a.InvalidNumbers.add(raw)
}

// RecordEnumMismatch notes a value no normalizer case matched.
func (a *Audit) RecordEnumMismatch(field string, raw any) {
	keyed(a.EnumMismatches, field).add(raw)
}

// RecordUnresolved notes a foreign key missing from its id map.
func (a *Audit) RecordUnresolved(field string, raw any) {
	keyed(a.UnresolvedRelations, field).add(raw)
}

func keyed(m map[string]*Bucket, field string) *Bucket {
	b, ok := m[field]
	if !ok {
		b = &Bucket{Samples: []string{}}
		m[field] = b
	}
	return b
}

// Merge folds o into a.
func (a *Audit) Merge(o *Audit) {
	if o == nil {
		return
	}
	a.InvalidSMS.merge(&o.InvalidSMS)
	a.InvalidNumbers.merge(&o.InvalidNumbers)
	for _, field := range sortedKeys(o.EnumMismatches) {
		keyed(a.EnumMismatches, field).merge(o.EnumMismatches[field])
	}
	for _, field := range sortedKeys(o.UnresolvedRelations) {
		keyed(a.UnresolvedRelations, field).merge(o.UnresolvedRelations[field])
	}
}

// Total is the number of anomalies recorded.
func (a *Audit) Total() int {
	n := a.InvalidSMS.Count + a.InvalidNumbers.Count
	for _, b := range a.EnumMismatches {
		n += b.Count
	}
	for _, b := range a.UnresolvedRelations {
		n += b.Count
	}
	return n
}

func sortedKeys(m map[string]*Bucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
