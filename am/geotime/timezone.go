// Package geotime resolves the scheduler timezone from IANA names and the
// aliases operators tend to type instead.
package geotime

import (
	"strings"
	"time"
	_ "time/tzdata" // hosts without a zoneinfo database still resolve America/New_York

	"github.com/teranos/cadence/errors"
)

var timezoneByAbbreviation = map[string]string{
	"est":  "America/New_York",
	"edt":  "America/New_York",
	"et":   "America/New_York",
	"cst":  "America/Chicago",
	"cdt":  "America/Chicago",
	"mst":  "America/Denver",
	"mdt":  "America/Denver",
	"pst":  "America/Los_Angeles",
	"pdt":  "America/Los_Angeles",
	"pt":   "America/Los_Angeles",
	"gmt":  "UTC",
	"utc":  "UTC",
	"bst":  "Europe/London",
	"cet":  "Europe/Berlin",
	"cest": "Europe/Berlin",
	"ist":  "Asia/Kolkata",
	"sgt":  "Asia/Singapore",
	"aest": "Australia/Sydney",
}

var locationKeywordTimezones = map[string]string{
	"new york":      "America/New_York",
	"boston":        "America/New_York",
	"washington":    "America/New_York",
	"eastern":       "America/New_York",
	"chicago":       "America/Chicago",
	"central":       "America/Chicago",
	"denver":        "America/Denver",
	"mountain":      "America/Denver",
	"los angeles":   "America/Los_Angeles",
	"san francisco": "America/Los_Angeles",
	"seattle":       "America/Los_Angeles",
	"pacific":       "America/Los_Angeles",
	"toronto":       "America/Toronto",
	"london":        "Europe/London",
	"amsterdam":     "Europe/Amsterdam",
	"berlin":        "Europe/Berlin",
	"paris":         "Europe/Paris",
	"tokyo":         "Asia/Tokyo",
	"singapore":     "Asia/Singapore",
	"sydney":        "Australia/Sydney",
}

// NormalizeTimezone resolves input to an IANA timezone name.
func NormalizeTimezone(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("timezone cannot be empty")
	}

	// "EST" is a valid fixed-offset zone; the alias means the DST-aware one
	lower := strings.ToLower(trimmed)
	if tz, ok := timezoneByAbbreviation[lower]; ok {
		return tz, nil
	}

	if isValidTimezone(trimmed) {
		if canonical := canonicalize(trimmed); canonical != "" {
			return canonical, nil
		}
		return trimmed, nil
	}

	if candidate := sanitizeTimezone(trimmed); isValidTimezone(candidate) {
		return candidate, nil
	}

	if tz := GuessTimezoneFromLocation(lower); tz != "" {
		return tz, nil
	}

	return "", errors.Newf("unknown timezone: %s", input)
}

// LoadLocation normalizes name and loads the location.
func LoadLocation(name string) (*time.Location, error) {
	tz, err := NormalizeTimezone(name)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load timezone %s", tz)
	}
	return loc, nil
}

// GuessTimezoneFromLocation matches place-name keywords.
// Longer keywords win so "new york" is not shadowed by a shorter match.
func GuessTimezoneFromLocation(location string) string {
	lower := strings.ToLower(strings.TrimSpace(location))
	best, bestLen := "", 0
	for keyword, tz := range locationKeywordTimezones {
		if len(keyword) > bestLen && strings.Contains(lower, keyword) {
			best, bestLen = tz, len(keyword)
		}
	}
	return best
}

// ValidateTimezone ensures the timezone string maps to a valid IANA entry.
func ValidateTimezone(tz string) error {
	if !isValidTimezone(tz) {
		return errors.Newf("invalid timezone: %s", tz)
	}
	return nil
}

func isValidTimezone(tz string) bool {
	if tz == "" || strings.EqualFold(tz, "local") {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// sanitizeTimezone title-cases each path segment: "america/new york" -> "America/New_York"
func sanitizeTimezone(tz string) string {
	trimmed := strings.Trim(strings.TrimSpace(tz), "\"'")
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		words := strings.FieldsFunc(part, func(r rune) bool { return r == ' ' || r == '_' })
		for j, w := range words {
			words[j] = title(w)
		}
		parts[i] = strings.Join(words, "_")
	}
	return strings.Join(parts, "/")
}

func title(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// canonicalize fixes names that load only because the filesystem is
// case-insensitive, like "america/new_york". Correct names return "".
func canonicalize(tz string) string {
	if !hasIncorrectCapitalization(tz) {
		return ""
	}
	candidate := sanitizeTimezone(tz)
	if candidate != tz && isValidTimezone(candidate) {
		return candidate
	}
	return ""
}

func hasIncorrectCapitalization(tz string) bool {
	if strings.ToLower(tz) == tz {
		return true
	}
	for _, part := range strings.Split(tz, "/") {
		if len(part) > 0 && part[0] >= 'a' && part[0] <= 'z' {
			return true
		}
	}
	return false
}
