// Package transform applies the named per-field transforms declared in
// mapping documents and builds GraphQL payloads from source rows.
package transform

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Context is handed to every transform: the target field being produced and
// the audit anomalies are recorded against.
type Context struct {
	Field string
	Audit *Audit
}

// Func is a single named transform. It receives the previous transform's
// output and never fails; bad input becomes nil plus an audit entry.
type Func func(v any, c *Context) any

// Registry maps transform names to implementations.
type Registry map[string]Func

// DefaultRegistry returns every built-in transform.
func DefaultRegistry() Registry {
	return Registry{
		"trim":                           trim,
		"emptyToNull":                    emptyToNull,
		"boolFromBit":                    boolFromBit,
		"number":                         number,
		"fractionToPercentInt":           fractionToPercentInt,
		"auSmsNumber":                    auSmsNumber,
		"dateToEpochSeconds":             dateToEpochSeconds,
		"normalizeCompanyAccountType":    normalizeCompanyAccountType,
		"normalizeDealType":              normalizeDealType,
		"normalizeInquiryStatus":         normalizeInquiryStatus,
		"normalizeJobStatus":             normalizeJobStatus,
		"normalizeServiceProviderStatus": normalizeServiceProviderStatus,
	}
}

// Has reports whether name is registered.
func (r Registry) Has(name string) bool {
	_, ok := r[name]
	return ok
}

func trim(v any, _ *Context) any {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case []byte:
		return strings.TrimSpace(string(s))
	}
	return v
}

func emptyToNull(v any, _ *Context) any {
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	return v
}

func boolFromBit(v any, _ *Context) any {
	switch b := v.(type) {
	case nil:
		return nil
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "", "0", "false", "no", "n", "off":
			return false
		}
		return true
	case []byte:
		return boolFromBit(string(b), nil)
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// isBlank reports nil and empty/whitespace-only text.
func isBlank(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(s) == ""
	case []byte:
		return strings.TrimSpace(string(s)) == ""
	}
	return false
}

// toFloat coerces numeric kinds, booleans and numeric text.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case bool:
		if n {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case []byte:
		return toFloat(string(n))
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func number(v any, c *Context) any {
	if isBlank(v) {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		c.Audit.RecordInvalidNumber(v)
		return nil
	}
	return f
}

// fractionToPercentInt scales a 0..1 fraction to a whole percentage,
// rounding halves up (0.125 -> 13).
func fractionToPercentInt(v any, c *Context) any {
	if isBlank(v) {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		c.Audit.RecordInvalidNumber(v)
		return nil
	}
	return int64(math.Floor(f*100 + 0.5))
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// dateToEpochSeconds floors a date to whole seconds since the epoch.
// Numeric input is milliseconds. Zone-less text is read as UTC, matching
// how the SQL driver returns datetime columns.
func dateToEpochSeconds(v any, _ *Context) any {
	if isBlank(v) {
		return nil
	}
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return t.Unix()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Unix()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.Unix()
			}
		}
		return nil
	}
	if f, ok := toFloat(v); ok {
		return int64(math.Floor(f / 1000))
	}
	return nil
}
