package recorder

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/agentreplay/core/pkg/ledger"
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

func newTestConfig(t *testing.T) types.Config {
	cfg := types.DefaultConfig()
	cfg.RootDir = t.TempDir()
	return cfg
}

func TestRecorder_RecordEventAssignsStepAndCallIndex(t *testing.T) {
	r, err := New(newTestConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	runID, err := r.Start(ctx, types.RunMeta{Adapter: "demo"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	res1, err := r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell", Inputs: map[string]any{"cmd": "ls"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res1.Step)
	assert.Equal(t, int64(0), res1.CallIndex)

	res2, err := r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "shell", Inputs: map[string]any{"cmd": "pwd"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res2.Step)
	assert.Equal(t, int64(1), res2.CallIndex)

	res3, err := r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "other-tool", Inputs: nil,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res3.CallIndex, "distinct tool_name starts its own call_index counter")

	m, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.TotalEvents)
	assert.Empty(t, m.IncompleteStreams)
}

func TestRecorder_StreamLifecycle(t *testing.T) {
	r, err := New(newTestConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Start(ctx, types.RunMeta{Adapter: "demo"})
	require.NoError(t, err)

	streamID, err := r.StartStream(ctx, types.StartStreamInput{Adapter: "demo", AgentID: "a1", ToolName: "llm"})
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	_, err = r.AppendChunk(ctx, streamID, "hello ", nil, false)
	require.NoError(t, err)
	_, err = r.AppendChunk(ctx, streamID, "world", nil, false)
	require.NoError(t, err)
	count, err := r.FinalizeStream(ctx, streamID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "two content chunks plus the terminal chunk FinalizeStream appends")

	m, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Empty(t, m.IncompleteStreams)
}

func TestRecorder_IncompleteStreamSurfacedAtStop(t *testing.T) {
	r, err := New(newTestConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Start(ctx, types.RunMeta{Adapter: "demo"})
	require.NoError(t, err)

	streamID, err := r.StartStream(ctx, types.StartStreamInput{Adapter: "demo", AgentID: "a1", ToolName: "llm"})
	require.NoError(t, err)
	_, err = r.AppendChunk(ctx, streamID, "partial", nil, false)
	require.NoError(t, err)

	m, err := r.Stop(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{streamID}, m.IncompleteStreams)
}

func TestRecorder_RecordEventBeforeStartFails(t *testing.T) {
	r, err := New(newTestConfig(t), newTestLogger())
	require.NoError(t, err)

	_, err = r.RecordEvent(context.Background(), types.RecordEventInput{EventType: types.EventToolCall})
	require.Error(t, err)
}

func TestRecorder_RedactsOutputsAndMetadataBeforePersisting(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.RedactionRules = []types.RedactionRule{
		{ID: "token", Pattern: `(?i)token=\S+`},
	}
	r, err := New(cfg, newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	runID, err := r.Start(ctx, types.RunMeta{Adapter: "demo"})
	require.NoError(t, err)

	_, err = r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventToolCall, Adapter: "demo", AgentID: "a1", ToolName: "http",
		Inputs:   map[string]any{"url": "https://example.com"},
		Outputs:  map[string]any{"body": "token=supersecret"},
		Metadata: map[string]any{"auth": "token=alsosecret"},
	})
	require.NoError(t, err)

	_, err = r.Stop(ctx)
	require.NoError(t, err)

	events, err := ledger.ReadSegments(filepath.Join(cfg.RootDir, runID), cfg.Compression, runID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	outputs, ok := events[0].Outputs.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, outputs["body"], "<redacted:token>")
	assert.NotContains(t, outputs["body"], "supersecret")

	require.NotNil(t, events[0].Metadata)
	assert.Contains(t, events[0].Metadata["auth"], "<redacted:token>")
	assert.NotContains(t, events[0].Metadata["auth"], "alsosecret")
}

func TestRecorder_CheckpointEmitsEvent(t *testing.T) {
	r, err := New(newTestConfig(t), newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.Start(ctx, types.RunMeta{Adapter: "demo"})
	require.NoError(t, err)

	require.NoError(t, r.Checkpoint(ctx, "mid-run", map[string]any{"note": "x"}))

	m, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.TotalEvents)
}
