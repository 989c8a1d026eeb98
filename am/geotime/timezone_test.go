package geotime

import (
	"testing"
	"time"
)

func TestNormalizeTimezone(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"America/New_York", "America/New_York"},
		{"america/new_york", "America/New_York"},
		{"America/New York", "America/New_York"},
		{"EST", "America/New_York"},
		{"edt", "America/New_York"},
		{"New York", "America/New_York"},
		{"PST", "America/Los_Angeles"},
		{"UTC", "UTC"},
		{"America/Port_of_Spain", "America/Port_of_Spain"},
	}

	for _, tc := range tests {
		actual, err := NormalizeTimezone(tc.input)
		if err != nil {
			t.Fatalf("expected timezone for %q, got error: %v", tc.input, err)
		}
		if actual != tc.expected {
			t.Fatalf("expected %s for input %q, got %s", tc.expected, tc.input, actual)
		}
	}
}

func TestNormalizeTimezoneRejectsUnknown(t *testing.T) {
	for _, input := range []string{"", "   ", "Atlantis/Capital", "Local"} {
		if tz, err := NormalizeTimezone(input); err == nil {
			t.Fatalf("expected error for %q, got %s", input, tz)
		}
	}
}

func TestLoadLocationObservesDST(t *testing.T) {
	loc, err := LoadLocation("EST")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	summer := time.Date(2025, 7, 1, 12, 0, 0, 0, loc)
	if _, offset := summer.Zone(); offset != -4*3600 {
		t.Fatalf("expected EDT offset -4h in July, got %ds", offset)
	}
	winter := time.Date(2025, 1, 15, 12, 0, 0, 0, loc)
	if _, offset := winter.Zone(); offset != -5*3600 {
		t.Fatalf("expected EST offset -5h in January, got %ds", offset)
	}
}

func TestGuessTimezoneFromLocationPrefersLongestKeyword(t *testing.T) {
	if tz := GuessTimezoneFromLocation("office in New York, near Washington Square"); tz != "America/New_York" {
		t.Fatalf("expected America/New_York, got %s", tz)
	}
	if tz := GuessTimezoneFromLocation("nowhere"); tz != "" {
		t.Fatalf("expected no match, got %s", tz)
	}
}
