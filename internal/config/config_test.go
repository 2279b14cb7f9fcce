package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ioa/internal/constants"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, constants.DefaultArenaSize, c.Arena.Size)
	assert.Equal(t, constants.DefaultErrorLogListeners, c.HCAM.ErrorLog)
	assert.Equal(t, constants.DefaultConfigChangeListeners, c.HCAM.ConfigChange)
	assert.Equal(t, constants.DefaultMaxResetRetries, c.Reset.MaxRetries)
	assert.Equal(t, constants.DefaultOperationalTimeout, c.Timeouts.Operational)
	assert.Equal(t, uint32(constants.DefaultMaxBusSpeedMBs), c.Bus.MaxRate)
	assert.Equal(t, wire.TermLVD, c.Termination())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ioa.yaml")
	yaml := `
arena:
  size: 4
hcam:
  error_log: 1
  config_change: 3
reset:
  max_retries: 5
timeouts:
  operational: 250ms
  bist: 10ms
bus:
  termination: se
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Arena.Size)
	assert.Equal(t, 1, c.HCAM.ErrorLog)
	assert.Equal(t, 3, c.HCAM.ConfigChange)
	assert.Equal(t, 5, c.Reset.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, c.Timeouts.Operational)
	assert.Equal(t, 10*time.Millisecond, c.Timeouts.BIST)
	assert.Equal(t, wire.TermSE, c.Termination())
	assert.Equal(t, "debug", c.Log.Level)
	// untouched knobs keep defaults
	assert.Equal(t, constants.DefaultIOTimeout, c.Timeouts.IO)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("IOA_ARENA_SIZE", "12")
	t.Setenv("IOA_RESET_MAX_RETRIES", "1")

	c, err := Unmarshal(New())
	require.NoError(t, err)
	assert.Equal(t, 12, c.Arena.Size)
	assert.Equal(t, 1, c.Reset.MaxRetries)
}

func TestVerifyRejects(t *testing.T) {
	tests := []struct {
		key string
		val any
	}{
		{"arena.size", 0},
		{"arena.resources", -1},
		{"reset.max_retries", -2},
		{"hcam.error_log", -1},
		{"bus.termination", "hvd"},
		{"timeouts.poll", 0},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.val)
			_, err := Unmarshal(v)
			assert.Error(t, err)
		})
	}
}

func TestParseTermination(t *testing.T) {
	got, err := ParseTermination("LVD")
	require.NoError(t, err)
	assert.Equal(t, wire.TermLVD, got)

	got, err = ParseTermination("")
	require.NoError(t, err)
	assert.Equal(t, wire.TermNone, got)
}
