package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentreplay/core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, types.CompressionZstd, cfg.Compression)
	assert.Equal(t, types.ReplayStrict, cfg.ReplayMode)
	assert.True(t, cfg.PreserveTiming)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxSegmentSizeMB)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeYAML(t, "replay_mode: hybrid\nmax_segment_size_mb: 50\npreserve_timing: false\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.ReplayHybrid, cfg.ReplayMode)
	assert.Equal(t, 50, cfg.MaxSegmentSizeMB)
	assert.False(t, cfg.PreserveTiming)
}

func TestLoad_PreserveTimingUnsetInFileDefaultsTrue(t *testing.T) {
	path := writeYAML(t, "replay_mode: warn\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.PreserveTiming)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "replay_mode: strict\n")
	t.Setenv("AGENTREPLAY_REPLAY_MODE", "warn")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.ReplayWarn, cfg.ReplayMode)
}

func TestLoad_EnvPreserveTimingOverride(t *testing.T) {
	t.Setenv("AGENTREPLAY_PRESERVE_TIMING", "false")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.PreserveTiming)
}

func TestValidate_RejectsOutOfRangeSegmentSize(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.MaxSegmentSizeMB = 5000
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_RejectsUnrecognizedReplayMode(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.ReplayMode = "bogus"
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_RejectsRedactionRuleMissingPattern(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RedactionRules = []types.RedactionRule{{ID: "x"}}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_AggregatesMultipleErrors(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.ReplayMode = "bogus"
	cfg.MaxSegmentSizeMB = 1
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "and")
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	cfg := types.DefaultConfig()
	require.NoError(t, Validate(cfg))
}
