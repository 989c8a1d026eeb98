package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*ConfigWatcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\npoll_delay_seconds = 30\n"), 0644))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 20 * time.Millisecond
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }
	t.Cleanup(func() { cw.Stop() })
	return cw, path
}

func TestConfigWatcherReloadsOnWrite(t *testing.T) {
	cw, path := newTestWatcher(t)

	reloaded := make(chan *Config, 1)
	cw.OnReload(func(cfg *Config) error {
		reloaded <- cfg
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\npoll_delay_seconds = 5\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 5*time.Second, cfg.GetPollDelay())
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reload after writing the config file")
	}
}

func TestConfigWatcherSkipsInvalidConfig(t *testing.T) {
	cw, _ := newTestWatcher(t)

	calls := 0
	cw.OnReload(func(*Config) error {
		calls++
		return nil
	})
	cw.loader = func() (*Config, error) {
		cfg := &Config{}
		cfg.Scheduler.WindowMinutes = 7
		return cfg, nil
	}

	err := cw.reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeping the previous one")
	assert.Equal(t, 0, calls)
}

func TestConfigWatcherOwnWriteFlagIsConsumedOnce(t *testing.T) {
	cw, _ := newTestWatcher(t)

	cw.MarkOwnWrite()
	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite())
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/u/.cadence/am.toml.back1"))
	assert.True(t, isBackupFile("am.toml.back3"))
	assert.False(t, isBackupFile("am.toml"))
}
