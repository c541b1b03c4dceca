package player

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	recorder "github.com/agentreplay/core/internal/recorder"
	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// recordSampleRun produces a closed run directory with two tool_call
// events under the same (adapter, agent_id, tool_name) tuple, so replay
// exercises the per-tuple call_index counter end to end.
func recordSampleRun(t *testing.T, cfg types.Config) (runDir string, runID string) {
	t.Helper()
	r, err := recorder.New(cfg, newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	runID, err = r.Start(ctx, types.RunMeta{Adapter: "demo"})
	require.NoError(t, err)

	_, err = r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "ls"}, Outputs: map[string]any{"stdout": "a b c"},
	})
	require.NoError(t, err)

	_, err = r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "pwd"}, Outputs: map[string]any{"stdout": "/tmp"},
	})
	require.NoError(t, err)

	_, err = r.Stop(ctx)
	require.NoError(t, err)

	return filepath.Join(cfg.RootDir, runID), runID
}

func TestPlayer_LoadAndLookup_Matches(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	runDir, _ := recordSampleRun(t, cfg)

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(context.Background(), runDir))
	_, err := p.StartReplay(context.Background())
	require.NoError(t, err)

	res1, err := p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "ls"},
	})
	require.NoError(t, err)
	assert.True(t, res1.Matched)
	assert.Equal(t, map[string]any{"stdout": "a b c"}, res1.Outputs)

	res2, err := p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "pwd"},
	})
	require.NoError(t, err)
	assert.True(t, res2.Matched)
	assert.Equal(t, map[string]any{"stdout": "/tmp"}, res2.Outputs)

	stats := p.Statistics()
	assert.Equal(t, int64(2), stats.Matched)
}

func TestPlayer_StrictMode_KeyMissReturnsError(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.ReplayMode = types.ReplayStrict
	runDir, _ := recordSampleRun(t, cfg)

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(context.Background(), runDir))
	_, err := p.StartReplay(context.Background())
	require.NoError(t, err)

	_, err = p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "nonexistent-tool",
		Inputs: map[string]any{"cmd": "ls"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeKeyMiss))
}

func TestPlayer_WarnMode_KeyMissReturnsUnmatched(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.ReplayMode = types.ReplayWarn
	runDir, _ := recordSampleRun(t, cfg)

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(context.Background(), runDir))
	_, err := p.StartReplay(context.Background())
	require.NoError(t, err)

	res, err := p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "nonexistent-tool",
		Inputs: map[string]any{"cmd": "ls"},
	})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, types.MismatchKeyMiss, res.Mismatch)
}

func TestPlayer_FingerprintMiss_DifferentInputsSameKey(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.ReplayMode = types.ReplayWarn
	runDir, _ := recordSampleRun(t, cfg)

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(context.Background(), runDir))
	_, err := p.StartReplay(context.Background())
	require.NoError(t, err)

	res, err := p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "rm -rf /"}, // same tuple/call_index slot, different inputs
	})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, types.MismatchFingerprintMiss, res.Mismatch)
}

func TestPlayer_StrictMode_FingerprintMissReturnsFingerprintMissCode(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.ReplayMode = types.ReplayStrict
	runDir, _ := recordSampleRun(t, cfg)

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(context.Background(), runDir))
	_, err := p.StartReplay(context.Background())
	require.NoError(t, err)

	_, err = p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "rm -rf /"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeFingerprintMiss), "fingerprint mismatches must not surface as KEY_MISS")
	assert.False(t, apperrors.HasCode(err, apperrors.CodeKeyMiss))
}

func TestPlayer_ExplicitCallIndex_RewindIsOrderMismatch(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.ReplayMode = types.ReplayWarn
	runDir, _ := recordSampleRun(t, cfg)

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(context.Background(), runDir))
	_, err := p.StartReplay(context.Background())
	require.NoError(t, err)

	first := int64(0)
	res, err := p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "ls"}, CallIndex: &first,
	})
	require.NoError(t, err)
	assert.True(t, res.Matched, "explicit call_index equal to the expected next position still matches")

	second := int64(1)
	res, err = p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "pwd"}, CallIndex: &second,
	})
	require.NoError(t, err)
	assert.True(t, res.Matched)

	// Rewinding back to call_index 0 after 0 and 1 already served is an
	// ordering violation, not a plain key miss.
	rewind := int64(0)
	res, err = p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "ls"}, CallIndex: &rewind,
	})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, types.MismatchOrderMismatch, res.Mismatch)

	stats := p.Statistics()
	assert.Equal(t, int64(1), stats.OrderMismatches)
}

func TestPlayer_StrictMode_OrderMismatchReturnsOrderMismatchCode(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.ReplayMode = types.ReplayStrict
	runDir, _ := recordSampleRun(t, cfg)

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(context.Background(), runDir))
	_, err := p.StartReplay(context.Background())
	require.NoError(t, err)

	first := int64(0)
	_, err = p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "ls"}, CallIndex: &first,
	})
	require.NoError(t, err)

	second := int64(1)
	_, err = p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "pwd"}, CallIndex: &second,
	})
	require.NoError(t, err)

	rewind := int64(0)
	_, err = p.Lookup(context.Background(), types.LookupInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell",
		Inputs: map[string]any{"cmd": "ls"}, CallIndex: &rewind,
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeOrderMismatch))
}

func TestPlayer_ReplayStream_ClampsDeltaToMaxChunkWait(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.MaxChunkWait = 20 * time.Millisecond
	r, err := recorder.New(cfg, newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Start(ctx, types.RunMeta{Adapter: "demo"})
	require.NoError(t, err)

	streamID, err := r.StartStream(ctx, types.StartStreamInput{Adapter: "demo", AgentID: "a1", ToolName: "llm"})
	require.NoError(t, err)
	_, err = r.AppendChunk(ctx, streamID, "a", nil, false)
	require.NoError(t, err)
	_, err = r.AppendChunk(ctx, streamID, "b", nil, true)
	require.NoError(t, err)
	m, err := r.Stop(ctx)
	require.NoError(t, err)
	runID := m.RunID

	p := New(cfg, newTestLogger())
	require.NoError(t, p.Load(ctx, filepath.Join(cfg.RootDir, runID)))
	_, err = p.StartReplay(ctx)
	require.NoError(t, err)

	// Corrupt the second chunk's recorded timestamp to simulate a huge gap;
	// ReplayStream must clamp the wait rather than stall.
	p.mu.Lock()
	evs := p.streamEvents[streamID]
	if len(evs) == 2 {
		evs[1].TimestampMS = evs[0].TimestampMS + int64(time.Hour/time.Millisecond)
		p.streamEvents[streamID] = evs
	}
	p.mu.Unlock()

	start := time.Now()
	out, err := p.ReplayStream(ctx, streamID, true)
	require.NoError(t, err)
	for range out {
	}
	assert.Less(t, time.Since(start), time.Second, "a corrupted timestamp gap must be clamped to MaxChunkWait")
}

func TestPlayer_Load_FailsIntegrityCheckOnTamperedSegment(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	runDir, _ := recordSampleRun(t, cfg)

	// Truncate a segment file so it no longer matches the size and hash the
	// manifest recorded for it.
	segPath := filepath.Join(runDir, "events-000000.jsonl.zst")
	require.NoError(t, os.Truncate(segPath, 0))

	p := New(cfg, newTestLogger())
	err := p.Load(context.Background(), runDir)
	require.Error(t, err)
}
