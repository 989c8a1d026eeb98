package schedule

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/version"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "definitions.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefinitionsFile(t *testing.T) {
	path := writeSeed(t, `
[[definition]]
id = 1
name = "nightly-report"
function_app = "reports"
trigger_url = "https://reports.example.com/api/build"
frequency = "daily"
start_date = 2025-01-01T00:00:00Z
trigger_limit = 10

[definition.schedule]
times = ["02:00", "14:00"]

[definition.body]
rows = 5

[[definition]]
name = "cleanup"
trigger_url = "http://cleanup.internal/run"
frequency = "once"
is_active = false
`)

	defs, err := LoadDefinitionsFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	report := defs[0]
	assert.EqualValues(t, 1, report.ID)
	assert.Equal(t, "reports", report.FunctionApp)
	assert.Equal(t, FrequencyDaily, report.Frequency)
	assert.JSONEq(t, `{"times":["02:00","14:00"]}`, string(report.ScheduleConfig))
	assert.JSONEq(t, `{"rows":5}`, report.JSONBody)
	assert.True(t, report.StartDate.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.EqualValues(t, 10, *report.TriggerLimit)
	assert.True(t, report.IsActive)

	cleanup := defs[1]
	assert.Zero(t, cleanup.ID)
	assert.False(t, cleanup.IsActive)
	assert.JSONEq(t, `{}`, cleanup.JSONBody)
	assert.True(t, cleanup.StartDate.IsZero())
}

func TestLoadDefinitionsFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", `[[definition]` + "\n", "failed to parse"},
		{"unknown key", `
[[definition]]
name = "svc"
trigger_url = "https://example.com"
frequency = "once"
colour = "blue"
`, "unknown keys"},
		{"invalid schedule", `
[[definition]]
name = "svc"
trigger_url = "https://example.com"
frequency = "weekly"

[definition.schedule]
days = ["someday"]
time = "09:00"
`, "definition #1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDefinitionsFile(writeSeed(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDefinitionsFileMissing(t *testing.T) {
	_, err := LoadDefinitionsFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.False(t, errors.IsInvalidRequestError(err))
}

func TestLoadDefinitionsFileRequiresVersion(t *testing.T) {
	prev := version.Version
	version.Version = "0.3.0"
	t.Cleanup(func() { version.Version = prev })

	content := `
requires = ">= 0.4"

[[definition]]
name = "svc"
trigger_url = "https://example.com"
frequency = "once"
`
	_, err := LoadDefinitionsFile(writeSeed(t, content))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "requires cadence >= 0.4")

	version.Version = "0.4.2"
	defs, err := LoadDefinitionsFile(writeSeed(t, content))
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}
