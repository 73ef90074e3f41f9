package transform

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// enumRule maps folded text to a canonical value. equals is checked across
// every rule before any substring rule, so an exact alias always wins.
// all requires every substring; any requires one of them.
type enumRule struct {
	value  string
	equals []string
	all    []string
	any    []string
}

type enumTable struct {
	codes map[int64]string
	rules []enumRule
}

// fold lowercases, strips diacritics and collapses punctuation to single
// spaces so "Body-Corp  Cómpany" and "body corp company" compare equal.
func fold(s string) string {
	var b strings.Builder
	space := false
	for _, r := range norm.NFD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		default:
			space = true
		}
	}
	return b.String()
}

func (t enumTable) lookup(v any) (string, bool) {
	if b, ok := v.(bool); ok {
		if b {
			v = int64(1)
		} else {
			v = int64(0)
		}
	}
	if f, ok := toFloat(v); ok {
		if t.codes == nil || f != math.Trunc(f) {
			return "", false
		}
		s, ok := t.codes[int64(f)]
		return s, ok
	}

	var text string
	switch s := v.(type) {
	case string:
		text = s
	case []byte:
		text = string(s)
	default:
		return "", false
	}
	key := fold(text)
	if key == "" {
		return "", false
	}

	for _, r := range t.rules {
		if fold(r.value) == key {
			return r.value, true
		}
		for _, e := range r.equals {
			if e == key {
				return r.value, true
			}
		}
	}
	for _, r := range t.rules {
		if len(r.all) > 0 && containsAll(key, r.all) {
			return r.value, true
		}
		for _, sub := range r.any {
			if strings.Contains(key, sub) {
				return r.value, true
			}
		}
	}
	return "", false
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func (t enumTable) normalize(v any, c *Context) any {
	if isBlank(v) {
		return nil
	}
	if s, ok := t.lookup(v); ok {
		return s
	}
	c.Audit.RecordEnumMismatch(c.Field, v)
	return nil
}

// Canonical job statuses.
const (
	JobQuote             = "Quote"
	JobBooked            = "Booked"
	JobInProgress        = "In Progress"
	JobWaitingForPayment = "Waiting For Payment"
	JobCompleted         = "Completed"
	JobCancelled         = "Cancelled"
	JobOnHold            = "On Hold"
	JobCallBack          = "Call Back"
	JobReschedule        = "Reschedule"
	JobScheduled         = "Scheduled"
)

var jobStatuses = enumTable{
	codes: map[int64]string{
		1:  JobQuote,
		2:  JobBooked,
		3:  JobInProgress,
		4:  JobWaitingForPayment,
		5:  JobCompleted,
		6:  JobCancelled,
		7:  JobOnHold,
		8:  JobCallBack,
		9:  JobReschedule,
		10: JobScheduled,
	},
	rules: []enumRule{
		{value: JobQuote, equals: []string{"quoted", "quotation"}, any: []string{"quot"}},
		{value: JobReschedule, equals: []string{"rebook", "re book"}, any: []string{"resched", "re sched"}},
		{value: JobScheduled, equals: []string{"to be scheduled"}, any: []string{"schedul"}},
		{value: JobBooked, any: []string{"book", "confirm"}},
		{value: JobInProgress, equals: []string{"inprogress", "started", "active", "open"}, any: []string{"progress"}},
		{value: JobWaitingForPayment, equals: []string{"unpaid", "invoiced"}, any: []string{"payment", "awaiting pay"}},
		{value: JobCompleted, equals: []string{"done", "finished", "closed", "paid"}, any: []string{"complet"}},
		{value: JobCancelled, any: []string{"cancel"}},
		{value: JobOnHold, equals: []string{"hold", "paused"}, any: []string{"on hold"}},
		{value: JobCallBack, equals: []string{"callback"}, any: []string{"call back"}},
	},
}

var companyAccountTypes = enumTable{
	rules: []enumRule{
		{value: "Body Corp Company", all: []string{"body corp", "company"}, any: []string{"strata manag", "strata company"}},
		{value: "Body Corp", equals: []string{"bodycorp", "bc"}, any: []string{"body corp", "strata", "owners corp"}},
		{value: "Real Estate Agency", equals: []string{"rea", "agent"}, any: []string{"real estate", "agency", "property manag"}},
		{value: "Government", equals: []string{"govt"}, any: []string{"government", "council", "department"}},
		{value: "School", any: []string{"school", "college", "university", "kindergarten", "childcare"}},
		{value: "Commercial", equals: []string{"business"}, any: []string{"commercial", "company", "pty", "retail", "restaurant"}},
		{value: "Residential", equals: []string{"private", "homeowner", "home owner"}, any: []string{"residential"}},
	},
}

var dealTypes = enumTable{
	rules: []enumRule{
		{value: "Inspection", any: []string{"inspect", "assessment"}},
		{value: "Maintenance Contract", equals: []string{"contract"}, any: []string{"maintenance", "recurring", "ongoing"}},
		{value: "Quote", equals: []string{"estimate"}, any: []string{"quote"}},
		{value: "Service", equals: []string{"job", "call out", "callout"}, any: []string{"service", "removal", "treatment"}},
	},
}

var inquiryStatuses = enumTable{
	codes: map[int64]string{
		1: "New",
		2: "Contacted",
		3: "Quoted",
		4: "Won",
		5: "Lost",
		6: "Cancelled",
	},
	rules: []enumRule{
		{value: "New", equals: []string{"open", "received", "pending"}},
		{value: "Contacted", any: []string{"contact", "follow up", "followup"}},
		{value: "Quoted", any: []string{"quot"}},
		{value: "Won", equals: []string{"booked", "accepted"}, any: []string{"convert"}},
		{value: "Lost", equals: []string{"rejected"}, any: []string{"lost", "declin"}},
		{value: "Cancelled", any: []string{"cancel"}},
	},
}

var serviceProviderStatuses = enumTable{
	codes: map[int64]string{
		0: "Inactive",
		1: "Active",
		2: "On Leave",
	},
	rules: []enumRule{
		{value: "Inactive", equals: []string{"no", "former", "left"}, any: []string{"inactive", "disabled", "terminated", "archived"}},
		{value: "On Leave", equals: []string{"leave"}, any: []string{"on leave", "holiday", "suspend"}},
		{value: "Active", equals: []string{"yes", "current", "enabled"}, any: []string{"active"}},
	},
}

func normalizeJobStatus(v any, c *Context) any { return jobStatuses.normalize(v, c) }

func normalizeCompanyAccountType(v any, c *Context) any {
	return companyAccountTypes.normalize(v, c)
}

func normalizeDealType(v any, c *Context) any { return dealTypes.normalize(v, c) }

func normalizeInquiryStatus(v any, c *Context) any { return inquiryStatuses.normalize(v, c) }

func normalizeServiceProviderStatus(v any, c *Context) any {
	return serviceProviderStatuses.normalize(v, c)
}

// JobStatus normalizes a legacy job status without auditing. The activity
// materializer uses it on raw rows.
func JobStatus(v any) (string, bool) {
	if isBlank(v) {
		return "", false
	}
	return jobStatuses.lookup(v)
}
