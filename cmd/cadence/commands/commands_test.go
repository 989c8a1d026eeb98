package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/pass"
	"github.com/teranos/cadence/pulse/schedule"
)

// isolate points config and database at a temp dir for one test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DB_PATH", "")
	am.Reset()
	t.Cleanup(am.Reset)

	DBPath = filepath.Join(home, "cadence.db")
	t.Cleanup(func() { DBPath = "" })
	return home
}

// testCmd returns cmd wired to a fresh context and an output buffer.
func testCmd(cmd *cobra.Command) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func openTestStores(t *testing.T) (*schedule.Store, *execlog.Store) {
	t.Helper()
	conn, err := db.OpenWithMigrations(DBPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return schedule.NewStore(conn), execlog.NewStore(conn)
}

func TestRenderConfigFormats(t *testing.T) {
	cfg := &am.Config{}
	cfg.Scheduler.Cron = am.DefaultCron
	cfg.Events.Redis.Password = "hunter2"
	masked := maskSecrets(cfg)

	for _, format := range []string{"toml", "json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, renderConfig(&buf, masked, format))
			assert.Contains(t, buf.String(), am.DefaultCron)
			assert.NotContains(t, buf.String(), "hunter2")
		})
	}

	assert.Equal(t, "hunter2", cfg.Events.Redis.Password, "masking must not touch the loaded config")
	assert.Error(t, renderConfig(&bytes.Buffer{}, cfg, "xml"))
}

func TestWriteWhereGroupsBySource(t *testing.T) {
	var buf bytes.Buffer
	writeWhere(&buf, []am.SettingInfo{
		{Key: "scheduler.cron", Value: am.DefaultCron, Source: am.SourceDefault, SourcePath: "built-in default"},
		{Key: "scheduler.window_minutes", Value: 30, Source: am.SourceUser, SourcePath: "/home/op/.cadence/am.toml"},
		{Key: "events.redis.password", Value: "hunter2", Source: am.SourceEnvironment, SourcePath: "CADENCE_EVENTS_REDIS_PASSWORD"},
	})

	out := buf.String()
	assert.Contains(t, out, "user: 1 settings from /home/op/.cadence/am.toml")
	assert.Contains(t, out, "scheduler.window_minutes = 30")
	assert.Contains(t, out, "environment: 1 settings from environment variables")
	assert.NotContains(t, out, "hunter2")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	err := printSummary(&buf, "pass-log", &pass.Summary{
		Processed:  2,
		Successful: 1,
		Failed:     1,
		NotFound:   []int64{99},
		Errors:     []string{"definition 4: connection refused"},
		Triggered: []pass.Triggered{
			{DefinitionID: 3, Name: "nightly-report", LogID: "abc", Status: "success", StatusCode: 200},
			{DefinitionID: 4, Name: "cleanup", LogID: "def", Status: "failed"},
		},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "nightly-report")
	assert.Contains(t, out, "Pass pass-log")
	assert.Contains(t, out, "Not found:  [99]")
	assert.Contains(t, out, "connection refused")
}

func TestDefinitionsAddListDisable(t *testing.T) {
	isolate(t)

	defName, defURL = "nightly-report", "https://reports.example.com/api/build"
	defFrequency, defSchedule, defBody = "daily", `{"times":["02:00"]}`, `{"rows":5}`
	t.Cleanup(func() { defName, defURL, defFrequency, defSchedule, defBody = "", "", "once", "", "" })

	cmd, _ := testCmd(definitionsAddCmd)
	require.NoError(t, runDefinitionsAdd(cmd, nil))

	defsJSON = true
	t.Cleanup(func() { defsJSON = false })
	cmd, out := testCmd(definitionsListCmd)
	require.NoError(t, runDefinitionsList(cmd, nil))

	var listed []*schedule.Definition
	require.NoError(t, json.Unmarshal(out.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "nightly-report", listed[0].Name)
	assert.Equal(t, `{"rows":5}`, listed[0].JSONBody)
	assert.True(t, listed[0].IsActive)

	cmd, _ = testCmd(definitionsDisableCmd)
	require.NoError(t, setDefinitionActive(cmd, "1", false))

	defs, _ := openTestStores(t)
	def, err := defs.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, def.IsActive)

	assert.Error(t, setDefinitionActive(cmd, "42", true))
	assert.Error(t, setDefinitionActive(cmd, "x", true))
}

func TestDefinitionsAddRejectsBadJSON(t *testing.T) {
	isolate(t)

	defName, defURL, defFrequency, defBody = "broken", "https://example.com", "once", "{rows"
	t.Cleanup(func() { defName, defURL, defFrequency, defBody = "", "", "once", "" })

	cmd, _ := testCmd(definitionsAddCmd)
	err := runDefinitionsAdd(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--body")
}

func TestDefinitionsImportSkipExisting(t *testing.T) {
	home := isolate(t)

	file := filepath.Join(home, "definitions.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
[[definition]]
id = 7
name = "hourly-sync"
trigger_url = "https://sync.example.com/run"
frequency = "hourly"

[definition.schedule]
minute = 5
`), 0644))

	cmd, _ := testCmd(definitionsImportCmd)
	require.NoError(t, runDefinitionsImport(cmd, []string{file}))

	err := runDefinitionsImport(cmd, []string{file})
	require.Error(t, err, "a second import conflicts on the id")

	importSkipExisting = true
	t.Cleanup(func() { importSkipExisting = false })
	require.NoError(t, runDefinitionsImport(cmd, []string{file}))

	defs, _ := openTestStores(t)
	all, err := defs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(7), all[0].ID)
}

func TestCompleteThenStatus(t *testing.T) {
	isolate(t)
	_, logs := openTestStores(t)

	rec := &execlog.Record{ServiceName: "nightly-report", TriggerSource: execlog.TriggerExternal}
	require.NoError(t, logs.Create(context.Background(), rec))

	completeStatus, completeResponse = "success", `{"rows":5}`
	t.Cleanup(func() { completeStatus, completeResponse = "success", "" })

	cmd, _ := testCmd(CompleteCmd)
	require.NoError(t, runComplete(cmd, []string{rec.LogID}))
	require.NoError(t, runComplete(cmd, []string{rec.LogID}), "repeating the same outcome is a no-op")

	completeStatus = "failed"
	assert.Error(t, runComplete(cmd, []string{rec.LogID}), "a different outcome conflicts")

	cmd, out := testCmd(StatusCmd)
	require.NoError(t, runStatus(cmd, []string{rec.LogID}))

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, "success", view["status"])

	cmd, out = testCmd(ResultCmd)
	require.NoError(t, runResult(cmd, []string{rec.LogID}))
	assert.Contains(t, out.String(), `"rows": 5`)
}

func TestCompleteRejectsNonTerminalStatus(t *testing.T) {
	completeStatus = "pending"
	t.Cleanup(func() { completeStatus = "success" })

	cmd, _ := testCmd(CompleteCmd)
	err := runComplete(cmd, []string{"anything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--status")
}

func TestStatusUnknownRecord(t *testing.T) {
	isolate(t)

	cmd, _ := testCmd(StatusCmd)
	assert.Error(t, runStatus(cmd, []string{"does-not-exist"}))
}

func TestWriteDbStats(t *testing.T) {
	conn := cadencetest.CreateTestDB(t)
	ctx := context.Background()

	defs := schedule.NewStore(conn)
	require.NoError(t, defs.Create(ctx, &schedule.Definition{
		Name:       "nightly-report",
		TriggerURL: "https://reports.example.com/api/build",
		Frequency:  schedule.FrequencyOnce,
		IsActive:   true,
	}))
	logs := execlog.NewStore(conn)
	require.NoError(t, logs.Create(ctx, &execlog.Record{
		ServiceName:   "nightly-report",
		TriggerSource: execlog.TriggerExternal,
		RootID:        util.Ptr("root"),
	}))

	var buf bytes.Buffer
	require.NoError(t, writeDbStats(ctx, &buf, conn, ":memory:"))

	out := buf.String()
	assert.Contains(t, out, "Definitions:")
	assert.Regexp(t, `(?s)Definitions:.*pending:\s+1`, out)
	assert.Regexp(t, `(?s)Execution records:.*pending:\s+1`, out)
}
