package transform

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "\t", "")

	canonicalMobile = regexp.MustCompile(`^\+614\d{8}$`)
	localMobile     = regexp.MustCompile(`^04\d{8}$`)
	bareIntlMobile  = regexp.MustCompile(`^614\d{8}$`)
)

// NormalizeAUMobile returns the canonical +614######## form of an Australian
// mobile number, or false when s is not one.
func NormalizeAUMobile(s string) (string, bool) {
	s = phoneSeparators.Replace(strings.TrimSpace(s))
	switch {
	case canonicalMobile.MatchString(s):
		return s, true
	case localMobile.MatchString(s):
		return "+61" + s[1:], true
	case bareIntlMobile.MatchString(s):
		return "+" + s, true
	}
	return "", false
}

func auSmsNumber(v any, c *Context) any {
	if isBlank(v) {
		return nil
	}
	var raw string
	switch s := v.(type) {
	case string:
		raw = s
	case []byte:
		raw = string(s)
	default:
		raw = fmt.Sprint(v)
	}
	if n, ok := NormalizeAUMobile(raw); ok {
		return n
	}
	c.Audit.RecordInvalidSMS(raw)
	return nil
}
