package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, c.Heartbeat.Interval)
	assert.Equal(t, time.Second, c.Backoff.Initial)
	assert.Equal(t, 60*time.Second, c.Backoff.Max)
	assert.Equal(t, 2.0, c.Backoff.Multiplier)
	assert.Equal(t, 10, c.Backoff.MaxAttempts)
	assert.Equal(t, 3, c.Backoff.WarnAfter)
	assert.Equal(t, "private-executor", c.Push.ChannelPrefix)
	assert.Equal(t, 4096, c.Commands.DedupCapacity)
	assert.Zero(t, c.Safety.MaxLotSize)
	assert.Equal(t, c, Get())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
executor:
  id: exec-42
  api_key: key-from-file
platform:
  url: https://platform.test/
heartbeat:
  interval: 5s
safety:
  max_lot_size: 2.5
  max_open_positions: 4
  symbol_max_lots:
    eurusd: 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("FXE_EXECUTOR_API_KEY", "key-from-env")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "exec-42", c.Executor.ID)
	assert.Equal(t, "key-from-env", c.Executor.APIKey)
	assert.Equal(t, "https://platform.test", c.Platform.URL)
	assert.Equal(t, 5*time.Second, c.Heartbeat.Interval)
	assert.Equal(t, 2.5, c.Safety.MaxLotSize)
	assert.Equal(t, 4, c.Safety.MaxOpenPositions)
	assert.Equal(t, 1.5, c.Safety.SymbolMaxLots["EURUSD"])
}

func TestLoadRejectsInvalidBackoff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backoff:\n  initial: 10s\n  max: 1s\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
}

func TestWatchDeliversReloadedSafetyLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("safety:\n  max_lot_size: 1\n  max_open_positions: 2\n"), 0o600))
	_, err := Load(path)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		last Safety
		errs []error
	)
	Watch(func(c Config) {
		mu.Lock()
		last = c.Safety
		mu.Unlock()
	}, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	replaceFile(t, path, "safety:\n  max_lot_size: 3\n  max_open_positions: 5\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.MaxLotSize == 3 && last.MaxOpenPositions == 5
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3.0, Get().Safety.MaxLotSize)

	// an invalid edit is rejected and the last good values stay current
	replaceFile(t, path, "heartbeat:\n  interval: -1s\nsafety:\n  max_lot_size: 9\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3.0, Get().Safety.MaxLotSize)
}

// replaceFile swaps the file in one rename so the watcher never sees it half written.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}
