package schedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var newYork = mustLocation("America/New_York")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// at builds a New York wall-clock time.
func at(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, newYork)
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestWindowAt(t *testing.T) {
	w := WindowAt(at(2025, 1, 15, 10, 37), newYork, 15)
	assert.Equal(t, at(2025, 1, 15, 10, 30), w.Start)
	assert.Equal(t, at(2025, 1, 15, 10, 45), w.End)

	utc := time.Date(2025, 1, 15, 15, 37, 0, 0, time.UTC) // 10:37 EST
	assert.True(t, WindowAt(utc, newYork, 15).Start.Equal(at(2025, 1, 15, 10, 30)))

	assert.Equal(t, at(2025, 1, 15, 10, 30), WindowAt(at(2025, 1, 15, 10, 37), newYork, 0).Start,
		"invalid widths fall back to 15 minutes")
}

func TestParseRuleRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		frequency Frequency
		config    string
	}{
		{FrequencyInterval, `{}`},
		{FrequencyInterval, `{"minutes":0}`},
		{FrequencyHourly, `{}`},
		{FrequencyHourly, `{"minute":60}`},
		{FrequencyHourly, `{"minutes":"five"}`},
		{FrequencyDaily, `{"times":[]}`},
		{FrequencyDaily, `{"times":["9am"]}`},
		{FrequencyDaily, `{"times":["24:00"]}`},
		{FrequencyWeekly, `{"days":["funday"],"time":"09:00"}`},
		{FrequencyWeekly, `{"days":["monday"]}`},
		{FrequencyMonthly, `{"day":0,"time":"09:00"}`},
		{FrequencyMonthly, `{"time":"09:00"}`},
		{Frequency("yearly"), `{}`},
		{FrequencyDaily, `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(string(tt.frequency)+" "+tt.config, func(t *testing.T) {
			_, err := ParseRule(tt.frequency, json.RawMessage(tt.config))
			assert.Error(t, err)
		})
	}
}

func TestRuleDue(t *testing.T) {
	now := at(2025, 1, 15, 10, 37) // Wednesday, window 10:30-10:45

	tests := []struct {
		name      string
		frequency Frequency
		config    string
		last      *time.Time
		want      bool
	}{
		{"once never triggered", FrequencyOnce, `{}`, nil, true},
		{"once already triggered", FrequencyOnce, `{}`, ptrTime(at(2024, 6, 1, 0, 0)), false},

		{"interval never triggered", FrequencyInterval, `{"minutes":60}`, nil, true},
		{"interval elapsed", FrequencyInterval, `{"minutes":60}`, ptrTime(now.Add(-60 * time.Minute)), true},
		{"interval not elapsed", FrequencyInterval, `{"minutes":60}`, ptrTime(now.Add(-59 * time.Minute)), false},

		{"hourly minute in window", FrequencyHourly, `{"minute":40}`, nil, true},
		{"hourly minute outside window", FrequencyHourly, `{"minute":5}`, nil, false},
		{"hourly list", FrequencyHourly, `{"minutes":[0,30]}`, nil, true},
		{"hourly scalar minutes", FrequencyHourly, `{"minutes":30}`, nil, true},
		{"hourly scalar minutes outside window", FrequencyHourly, `{"minutes":5}`, nil, false},
		{"hourly already this window", FrequencyHourly, `{"minute":30}`, ptrTime(at(2025, 1, 15, 10, 31)), false},
		{"hourly triggered last hour", FrequencyHourly, `{"minute":30}`, ptrTime(at(2025, 1, 15, 9, 31)), true},

		{"daily time in window", FrequencyDaily, `{"times":["10:30"]}`, nil, true},
		{"daily window end is exclusive", FrequencyDaily, `{"times":["10:45"]}`, nil, false},
		{"daily several times", FrequencyDaily, `{"times":["08:00","10:44"]}`, ptrTime(at(2025, 1, 15, 8, 1)), true},
		{"daily already this window", FrequencyDaily, `{"times":["10:30"]}`, ptrTime(at(2025, 1, 15, 10, 30)), false},

		{"weekly right day", FrequencyWeekly, `{"days":["Wednesday"],"time":"10:30"}`, nil, true},
		{"weekly short day names", FrequencyWeekly, `{"days":["mon","wed"],"time":"10:35"}`, nil, true},
		{"weekly wrong day", FrequencyWeekly, `{"days":["monday"],"time":"10:30"}`, nil, false},

		{"monthly right day", FrequencyMonthly, `{"day":15,"time":"10:30"}`, nil, true},
		{"monthly wrong day", FrequencyMonthly, `{"day":14,"time":"10:30"}`, nil, false},
		{"monthly wrong time", FrequencyMonthly, `{"day":15,"time":"11:30"}`, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRule(tt.frequency, json.RawMessage(tt.config))
			require.NoError(t, err)
			assert.Equal(t, tt.want, rule.Due(tt.last, WindowAt(now, newYork, 15)))
		})
	}
}

func TestMonthlyRuleClampsToShortMonths(t *testing.T) {
	rule, err := ParseRule(FrequencyMonthly, json.RawMessage(`{"day":31,"time":"09:00"}`))
	require.NoError(t, err)

	assert.True(t, rule.Due(nil, WindowAt(at(2025, 2, 28, 9, 5), newYork, 15)))
	assert.False(t, rule.Due(nil, WindowAt(at(2025, 2, 27, 9, 5), newYork, 15)))
	assert.True(t, rule.Due(nil, WindowAt(at(2025, 3, 31, 9, 5), newYork, 15)))
	assert.False(t, rule.Due(nil, WindowAt(at(2025, 3, 30, 9, 5), newYork, 15)))
}

func TestDailyRuleUsesLocalWallClockAcrossDST(t *testing.T) {
	rule, err := ParseRule(FrequencyDaily, json.RawMessage(`{"times":["09:00"]}`))
	require.NoError(t, err)

	winter := time.Date(2025, 1, 15, 14, 5, 0, 0, time.UTC) // 09:05 EST
	summer := time.Date(2025, 7, 15, 13, 5, 0, 0, time.UTC) // 09:05 EDT
	assert.True(t, rule.Due(nil, WindowAt(winter, newYork, 15)))
	assert.True(t, rule.Due(nil, WindowAt(summer, newYork, 15)))
}
