// Package recorder implements the Recorder (spec.md §4.6): the record-side
// orchestration wiring Normalizer → Fingerprinter → Redactor → Background
// Writer → Event Ledger → Manifest Writer behind the operations adapters
// call through the Interception Surface.
//
// Grounded on internal/dispatcher's single struct coordinating a
// normalize/enqueue/persist pipeline (that package has since been folded
// entirely into this one, replaced end to end with Record/Replay
// semantics) and pkg/circuit's sticky-failure propagation reused via
// bgwriter.Writer.Failed.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentreplay/core/internal/telemetry"
	"github.com/agentreplay/core/pkg/bgwriter"
	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/fingerprint"
	"github.com/agentreplay/core/pkg/ledger"
	"github.com/agentreplay/core/pkg/manifest"
	"github.com/agentreplay/core/pkg/normalize"
	"github.com/agentreplay/core/pkg/redact"
	"github.com/agentreplay/core/pkg/stream"
	"github.com/agentreplay/core/pkg/types"
	"github.com/sirupsen/logrus"
)

// Recorder implements types.Recorder over a single run directory.
type Recorder struct {
	cfg    types.Config
	logger *logrus.Logger

	normalizer *normalize.Normalizer
	redactor   *redact.Redactor
	streams    *stream.Registry
	tracer     *telemetry.Tracer

	writer    *ledger.Writer
	bgw       *bgwriter.Writer
	meta      types.RunMeta
	runID     string
	createdAt time.Time

	mu           sync.Mutex
	state        types.RunState
	step         atomic.Int64
	tupleCounter map[types.Tuple]int64
}

// New builds a Recorder ready to have Start called on it.
func New(cfg types.Config, logger *logrus.Logger) (*Recorder, error) {
	redactor, err := redact.New(cfg.RedactionRules)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		normalizer: normalize.New(normalize.Config{
			VolatileFieldPaths: cfg.VolatileFieldPaths,
			MaxPreviewBytes:    cfg.MaxPreviewBytes,
		}),
		redactor:     redactor,
		streams:      stream.NewRegistry(),
		tracer:       telemetry.NewTracer(telemetry.TracerConfig{Enabled: false}, logger),
		state:        types.RunInit,
		tupleCounter: make(map[types.Tuple]int64),
	}, nil
}

// Start opens a new run directory and writer chain (spec.md §4.6, §4.10).
func (r *Recorder) Start(ctx context.Context, meta types.RunMeta) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.RunInit {
		return "", apperrors.New(apperrors.CodeRunAlreadyOpen, "recorder", "start", "recorder already started")
	}

	runID := types.NewID()
	w, err := ledger.NewWriter(runID, r.cfg, r.logger)
	if err != nil {
		return "", err
	}

	r.writer = w
	r.bgw = bgwriter.New(w, r.cfg.WriteQueueCapacity, r.cfg.QueueFullPolicy, r.logger)
	r.meta = meta
	r.runID = runID
	r.createdAt = time.Now().UTC()
	r.state = types.RunOpen

	r.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"adapter": meta.Adapter,
	}).Info("recorder: run started")

	return runID, nil
}

func (r *Recorder) activate() error {
	switch r.state {
	case types.RunOpen:
		r.state = types.RunActive
		return nil
	case types.RunActive:
		return nil
	case types.RunDraining, types.RunClosed:
		return apperrors.New(apperrors.CodeRunNotOpen, "recorder", "activate", "run is not open for writes").WithRun(r.runID, r.step.Load())
	default:
		return apperrors.New(apperrors.CodeRunNotOpen, "recorder", "activate", "run was never started")
	}
}

// RecordEvent implements types.Recorder.
func (r *Recorder) RecordEvent(ctx context.Context, in types.RecordEventInput) (types.RecordEventResult, error) {
	r.mu.Lock()
	if err := r.activate(); err != nil {
		r.mu.Unlock()
		return types.RecordEventResult{}, err
	}
	if r.bgw.Failed() {
		err := apperrors.New(apperrors.CodeWriterFailed, "recorder", "record_event", "writer is in failed state").WithRun(r.runID, r.step.Load())
		r.mu.Unlock()
		return types.RecordEventResult{}, err
	}

	step := r.step.Add(1)
	tuple := types.Tuple{EventType: in.EventType, Adapter: in.Adapter, AgentID: in.AgentID, ToolName: in.ToolName}
	callIndex := r.tupleCounter[tuple]
	r.tupleCounter[tuple] = callIndex + 1
	r.mu.Unlock()

	start := time.Now()
	ctx, span := r.tracer.StartSpan(ctx, "recorder.record_event", r.runID, step)
	defer span.End()

	normResult, err := r.normalizer.Normalize(in.Inputs)
	if err != nil {
		return types.RecordEventResult{}, err
	}
	fp := fingerprint.Of(normResult.Canonical)

	preview := normResult.Preview
	if !r.redactor.Empty() {
		preview, _ = r.redactor.RedactPreview(preview)
	}

	ev := types.Event{
		SchemaVersion: types.SchemaVersion,
		EventType:     in.EventType,
		Step:          step,
		TimestampMS:   nowMillis(),
		RunID:         r.runID,
		SessionID:     r.meta.SessionID,
		TaskID:        r.meta.TaskID,
		Adapter:       in.Adapter,
		AgentID:       in.AgentID,
		ToolName:      in.ToolName,
		CallIndex:     callIndex,
		InputsFP:      [32]byte(fp),
		InputsPreview: preview,
		Outputs:       r.redactValue(in.Outputs),
		DurationMS:    in.Duration,
		Cost:          in.Cost,
		Tokens:        in.Tokens,
		StreamRef:     in.StreamRef,
		Metadata:      r.redactMetadata(in.Metadata),
	}

	if err := r.bgw.EnqueueSync(ctx, ev); err != nil {
		return types.RecordEventResult{}, err
	}

	telemetry.EventsRecordedTotal.WithLabelValues(string(in.EventType), in.Adapter).Inc()
	telemetry.RecordEventDuration.WithLabelValues(string(in.EventType)).Observe(time.Since(start).Seconds())
	bgStats := r.bgw.Stats()
	telemetry.ObserveQueueDepth(int(bgStats.Enqueued-bgStats.Drained), r.cfg.WriteQueueCapacity)

	return types.RecordEventResult{EventID: fmt.Sprintf("%s:%d", r.runID, step), Step: step, CallIndex: callIndex}, nil
}

// redactValue runs the configured Redactor over outputs before it is
// persisted to the ledger (spec.md §4.9: "Original plaintext is never
// written to the ledger"), not just over the debug inputs_preview string.
// Structured values are marshaled to JSON so the same regex rule table
// used on text previews also scrubs secrets embedded inside them.
func (r *Recorder) redactValue(value any) any {
	if r.redactor.Empty() || value == nil {
		return value
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	redacted, applied := r.redactor.Redact(string(raw))
	if len(applied.RuleIDs) == 0 {
		return value
	}
	var tree any
	if err := json.Unmarshal([]byte(redacted), &tree); err != nil {
		// A replacement landed mid-token and broke JSON structure; keep the
		// redacted text itself rather than risk re-emitting the plaintext.
		return redacted
	}
	return tree
}

// redactMetadata applies redactValue to a metadata map, preserving its
// map[string]any shape for callers that key off specific fields.
func (r *Recorder) redactMetadata(meta map[string]any) map[string]any {
	if r.redactor.Empty() || meta == nil {
		return meta
	}
	redacted := r.redactValue(meta)
	out, ok := redacted.(map[string]any)
	if !ok {
		return meta
	}
	return out
}

// StartStream implements types.Recorder.
func (r *Recorder) StartStream(ctx context.Context, in types.StartStreamInput) (string, error) {
	if _, err := r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventLLMStreamStart,
		Adapter:   in.Adapter,
		AgentID:   in.AgentID,
		ToolName:  in.ToolName,
		Inputs:    in.Inputs,
	}); err != nil {
		return "", err
	}
	streamID := types.NewID()
	if _, err := r.streams.Open(streamID); err != nil {
		return "", err
	}
	return streamID, nil
}

// AppendChunk implements types.Recorder.
func (r *Recorder) AppendChunk(ctx context.Context, streamID string, content string, metadata map[string]any, isFinal bool) (int64, error) {
	buf, err := r.streams.Get(streamID)
	if err != nil {
		return 0, err
	}
	ts := nowMillis()
	idx, err := buf.Append(content, ts, metadata, isFinal)
	if err != nil {
		return 0, err
	}
	if _, err := r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventLLMStreamChunk,
		StreamRef: streamID,
		Outputs:   types.Chunk{Index: idx, Content: content, TimestampMS: ts, IsFinal: isFinal},
		Metadata:  metadata,
	}); err != nil {
		return 0, err
	}
	return idx, nil
}

// FinalizeStream implements types.Recorder.
func (r *Recorder) FinalizeStream(ctx context.Context, streamID string, totalTokens int64) (int64, error) {
	buf, err := r.streams.Get(streamID)
	if err != nil {
		return 0, err
	}
	if !buf.Finalized() {
		if _, err := buf.Append("", nowMillis(), nil, true); err != nil {
			return 0, err
		}
	}
	outputs := buf.Outputs(totalTokens)
	if _, err := r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventLLMStreamFinish,
		StreamRef: streamID,
		Outputs:   outputs,
		Tokens:    totalTokens,
	}); err != nil {
		return 0, err
	}
	return outputs.ChunkCount, nil
}

// Checkpoint emits a replay_checkpoint marker event carrying label in its
// metadata (spec.md §4.6). It goes through RecordEvent, so it takes the
// next step and a call_index under the (replay_checkpoint, "", "", "")
// tuple; no adapter tuple's counter moves.
func (r *Recorder) Checkpoint(ctx context.Context, label string, metadata map[string]any) error {
	r.mu.Lock()
	if err := r.activate(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	_, err := r.RecordEvent(ctx, types.RecordEventInput{
		EventType: types.EventReplayCheckpoint,
		Metadata:  mergeMetadata(metadata, "label", label),
	})
	return err
}

// Stop drains the writer, finalizes the ledger, and writes the manifest
// (spec.md §4.6, §4.10: Active/Draining -> Closed).
func (r *Recorder) Stop(ctx context.Context) (types.Manifest, error) {
	r.mu.Lock()
	if r.state == types.RunClosed {
		r.mu.Unlock()
		return types.Manifest{}, apperrors.New(apperrors.CodeRunNotOpen, "recorder", "stop", "run already closed")
	}
	if r.state == types.RunInit {
		r.mu.Unlock()
		return types.Manifest{}, apperrors.New(apperrors.CodeRunNotOpen, "recorder", "stop", "run was never started")
	}
	r.state = types.RunDraining
	r.mu.Unlock()

	writerErr := r.bgw.Stop()

	segments, closeErr := r.writer.Close()
	if closeErr != nil && writerErr == nil {
		writerErr = closeErr
	}

	incomplete := r.streams.Incomplete()

	m := manifest.New(r.runID, r.meta, r.createdAt, segments, !r.redactor.Empty(), r.cfg.Compression,
		r.step.Load(), r.streams.TotalChunks(), incomplete)
	m.ClosedAt = time.Now().UTC()

	if err := manifest.Write(filepath.Join(r.cfg.RootDir, r.runID), m); err != nil {
		r.mu.Lock()
		r.state = types.RunClosed
		r.mu.Unlock()
		return types.Manifest{}, err
	}

	r.mu.Lock()
	r.state = types.RunClosed
	r.mu.Unlock()

	if writerErr != nil {
		return m, writerErr
	}
	if len(incomplete) > 0 {
		return m, apperrors.New(apperrors.CodeIncompleteStreams, "recorder", "stop",
			fmt.Sprintf("%d stream(s) never finalized", len(incomplete))).WithRun(r.runID, r.step.Load())
	}
	return m, nil
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

func mergeMetadata(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
