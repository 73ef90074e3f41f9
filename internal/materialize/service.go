package materialize

import (
	"strings"
	"unicode"
)

type serviceRule struct {
	service  string
	keywords []string
}

// Rules are checked in order; specific animals come before the broad
// categories whose keywords they would otherwise also match.
var serviceRules = []serviceRule{
	{"Possum Removal & Proofing", []string{"possum", "ringtail", "brushtail"}},
	{"Bird Proofing", []string{"bird", "pigeon", "myna", "mynah", "starling", "sparrow", "indian myna"}},
	{"Rodent Control", []string{"rat", "mice", "mouse", "rodent"}},
	{"Termite Inspection & Treatment", []string{"termite", "white ant"}},
	{"Wasp & Bee Removal", []string{"wasp", "bee", "hornet", "hive", "swarm"}},
	{"Snake Relocation", []string{"snake", "python"}},
	{"General Pest Control", []string{"cockroach", "roach", "spider", "ant", "flea", "silverfish", "pest"}},
}

// InferService returns the service a job is for from its free-text animal
// and comments columns, or "" when nothing matches. Keywords match whole
// words, allowing a plural "s" or "es".
func InferService(animal, comments string) string {
	text := " " + words(animal) + " " + words(comments) + " "
	for _, r := range serviceRules {
		for _, kw := range r.keywords {
			if matches(text, kw) {
				return r.service
			}
		}
	}
	return ""
}

func matches(text, kw string) bool {
	for _, form := range []string{kw, kw + "s", kw + "es"} {
		if strings.Contains(text, " "+form+" ") {
			return true
		}
	}
	return false
}

// words lowercases s and collapses everything but letters and digits to
// single spaces.
func words(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// Activity statuses.
const (
	StatusCompleted     = "Completed"
	StatusCancelled     = "Cancelled"
	StatusQuoted        = "Quoted"
	StatusReschedule    = "Reschedule"
	StatusScheduled     = "Scheduled"
	StatusToBeScheduled = "To Be Scheduled"
)

// MapActivityStatus derives an activity status from a normalized job status.
// Statuses without a direct equivalent depend on whether the job has a date.
func MapActivityStatus(jobStatus string, hasDate bool) string {
	switch jobStatus {
	case "Completed":
		return StatusCompleted
	case "Cancelled":
		return StatusCancelled
	case "Quote":
		return StatusQuoted
	case "Reschedule":
		return StatusReschedule
	case "Scheduled":
		return StatusScheduled
	}
	if hasDate {
		return StatusScheduled
	}
	return StatusToBeScheduled
}
