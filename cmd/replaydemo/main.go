// Command replaydemo wires the record/replay core end to end: it records a
// handful of sample tool_call and llm_stream events into a fresh run
// directory, closes the run, then loads a Player against that same
// directory and replays the tool_call (the recorded stream is not
// replayed). It is not an adapter and does not parse
// adapter-specific flags (spec.md §1 non-goals) — it exists only to show
// Recorder, Player, and the Interception Surface composed together.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentreplay/core/internal/config"
	"github.com/agentreplay/core/internal/player"
	"github.com/agentreplay/core/internal/recorder"
	"github.com/agentreplay/core/internal/surface"
	"github.com/agentreplay/core/pkg/types"
	"github.com/sirupsen/logrus"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("AGENTREPLAY_CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		}
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "replaydemo error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg types.Config, logger *logrus.Logger) error {
	ctx := context.Background()

	rec, err := recorder.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("construct recorder: %w", err)
	}

	runID, err := rec.Start(ctx, types.RunMeta{
		Adapter:        "replaydemo",
		AdapterVersion: "0.1.0",
		ModelIDs:       []string{"demo-model"},
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	logger.WithField("run_id", runID).Info("replaydemo: recording sample run")

	recordSurface := surface.New(surface.ModeRecord, rec, nil, cfg.ReplayMode)

	if _, err := recordSurface.Call(ctx, types.EventToolCall, "replaydemo", "agent-1", "list_files",
		map[string]any{"path": "."}, 0,
		func(ctx context.Context) (any, error) {
			return map[string]any{"files": []string{"a.go", "b.go"}}, nil
		}); err != nil {
		return fmt.Errorf("record tool_call: %w", err)
	}

	streamID, err := rec.StartStream(ctx, types.StartStreamInput{
		Adapter: "replaydemo", AgentID: "agent-1", ToolName: "llm", Inputs: map[string]any{"prompt": "hello"},
	})
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	if _, err := rec.AppendChunk(ctx, streamID, "The answer ", nil, false); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	if _, err := rec.AppendChunk(ctx, streamID, "is 42.", nil, false); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	if _, err := rec.FinalizeStream(ctx, streamID, 12); err != nil {
		return fmt.Errorf("finalize stream: %w", err)
	}

	m, err := rec.Stop(ctx)
	if err != nil {
		return fmt.Errorf("stop run: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"run_id":       m.RunID,
		"total_events": m.TotalEvents,
		"segments":     len(m.Files),
	}).Info("replaydemo: run closed")

	runDir := filepath.Join(cfg.RootDir, runID)
	p := player.New(cfg, logger)
	if err := p.Load(ctx, runDir); err != nil {
		return fmt.Errorf("load run for replay: %w", err)
	}
	if _, err := p.StartReplay(ctx); err != nil {
		return fmt.Errorf("start replay: %w", err)
	}

	replaySurface := surface.New(surface.ModeReplay, nil, p, cfg.ReplayMode)
	noLiveFallback := func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("replaydemo has no live call to fall back to")
	}
	outputs, err := replaySurface.Call(ctx, types.EventToolCall, "replaydemo", "agent-1", "list_files",
		map[string]any{"path": "."}, 0, noLiveFallback)
	if err != nil {
		return fmt.Errorf("replay tool_call: %w", err)
	}
	logger.WithField("outputs", outputs).Info("replaydemo: replayed tool_call")

	stats := p.Statistics()
	logger.WithFields(logrus.Fields{
		"matched":    stats.Matched,
		"key_misses": stats.KeyMisses,
	}).Info("replaydemo: replay statistics")

	return nil
}
