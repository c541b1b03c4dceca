// Package player implements the Player (spec.md §4.7): loads a closed
// run's ledger into an in-memory index and answers lookups against it
// during replay, classifying mismatches per the active replay mode.
//
// Grounded on pkg/positions' file-position-index idiom (an in-memory map
// rebuilt from durable state at startup) generalized from byte offsets
// keyed by file path to lookup keys keyed by (event_type, adapter,
// agent_id, tool_name, call_index), and on internal/dispatcher's
// stats-collector shape for Statistics().
package player

import (
	"context"
	"sync"
	"time"

	"github.com/agentreplay/core/internal/telemetry"
	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/fingerprint"
	"github.com/agentreplay/core/pkg/ledger"
	"github.com/agentreplay/core/pkg/manifest"
	"github.com/agentreplay/core/pkg/normalize"
	"github.com/agentreplay/core/pkg/types"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Player implements types.Player over a loaded run's ledger.
type Player struct {
	cfg    types.Config
	logger *logrus.Logger
	tracer *telemetry.Tracer

	normalizer *normalize.Normalizer

	mu           sync.Mutex
	state        types.RunState
	runID        string
	manifest     types.Manifest
	events       []types.Event
	buckets      map[uint64][]int         // xxhash(lookup key) -> candidate event indices
	streamEvents map[string][]types.Event // stream_id -> events carrying that stream_ref, in ledger order

	replayCounter map[types.Tuple]int64

	stats Statistics
}

// Statistics is the result of Player.Statistics (spec.md §4.7).
type Statistics struct {
	Total           int64
	Matched         int64
	KeyMisses       int64
	FPMisses        int64
	TypeMismatches  int64
	OrderMismatches int64
	ByEventType     map[types.EventType]int64
}

// New constructs a Player bound to cfg (notably cfg.ReplayMode).
func New(cfg types.Config, logger *logrus.Logger) *Player {
	return &Player{
		cfg:    cfg,
		logger: logger,
		tracer: telemetry.NewTracer(telemetry.TracerConfig{Enabled: false}, logger),
		normalizer: normalize.New(normalize.Config{
			VolatileFieldPaths: cfg.VolatileFieldPaths,
			MaxPreviewBytes:    cfg.MaxPreviewBytes,
		}),
		state: types.RunInit,
		stats: Statistics{ByEventType: make(map[types.EventType]int64)},
	}
}

// indexBucket returns the xxhash bucket a lookup key is filed under. The
// bucket holds every event index whose key hashed the same; Lookup still
// compares the full key before accepting a candidate, so hash collisions
// only cost an extra comparison, never a wrong match.
func indexBucket(k types.LookupKey) uint64 {
	return xxhash.Sum64String(k.String())
}

// Load reads runDir's manifest and ledger segments, verifies integrity,
// and builds the in-memory lookup index (spec.md §4.7, §4.3 read
// algorithm).
func (p *Player) Load(ctx context.Context, runDir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != types.RunInit {
		return apperrors.New(apperrors.CodeRunAlreadyOpen, "player", "load", "player already loaded")
	}

	m, err := manifest.Read(runDir)
	if err != nil {
		return err
	}
	if err := manifest.VerifySegments(runDir, m); err != nil {
		return err
	}

	events, err := ledger.ReadSegments(runDir, types.Compression(m.Compression), m.RunID)
	if err != nil {
		return err
	}

	buckets := make(map[uint64][]int, len(events))
	streamEvents := make(map[string][]types.Event)
	for i, ev := range events {
		h := indexBucket(ev.Key())
		buckets[h] = append(buckets[h], i)
		if ev.StreamRef != "" {
			streamEvents[ev.StreamRef] = append(streamEvents[ev.StreamRef], ev)
		}
		p.stats.ByEventType[ev.EventType]++
	}

	p.manifest = m
	p.events = events
	p.buckets = buckets
	p.streamEvents = streamEvents
	p.runID = m.RunID
	p.replayCounter = make(map[types.Tuple]int64)
	p.state = types.RunLoaded

	p.logger.WithFields(logrus.Fields{
		"run_id": p.runID,
		"events": len(events),
	}).Info("player: run loaded")

	return nil
}

// StartReplay transitions Loaded -> Replaying (spec.md §4.7, §4.10).
func (p *Player) StartReplay(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != types.RunLoaded {
		return "", apperrors.New(apperrors.CodeNotLoaded, "player", "start_replay", "player has not loaded a run")
	}
	p.state = types.RunReplaying
	return types.NewID(), nil
}

// Lookup implements types.Player.Lookup per the algorithm in spec.md §4.7.
func (p *Player) Lookup(ctx context.Context, in types.LookupInput) (types.MatchResult, error) {
	p.mu.Lock()
	if p.state != types.RunReplaying && p.state != types.RunLoaded {
		p.mu.Unlock()
		return types.MatchResult{}, apperrors.New(apperrors.CodeNotLoaded, "player", "lookup", "player is not loaded")
	}

	tuple := types.Tuple{EventType: in.EventType, Adapter: in.Adapter, AgentID: in.AgentID, ToolName: in.ToolName}
	expected := p.replayCounter[tuple]
	orderMismatch := false
	var callIndex int64
	if in.CallIndex != nil {
		// An explicit call_index is the adapter asking to replay a specific
		// position out of band; if it skips ahead of or rewinds behind the
		// tuple's next expected position, that's an ordering violation
		// distinct from simply not finding the key (spec.md §4.7).
		callIndex = *in.CallIndex
		if callIndex != expected {
			orderMismatch = true
		}
		if callIndex+1 > p.replayCounter[tuple] {
			p.replayCounter[tuple] = callIndex + 1
		}
	} else {
		callIndex = expected
		p.replayCounter[tuple] = expected + 1
	}
	p.mu.Unlock()

	_, span := p.tracer.StartSpan(ctx, "player.lookup", p.runID, 0)
	defer span.End()

	if orderMismatch {
		p.recordMismatch(types.MismatchOrderMismatch)
		telemetry.LookupsTotal.WithLabelValues(string(in.EventType), in.Adapter, "order_mismatch").Inc()
		return p.classify(types.MismatchOrderMismatch, nil)
	}

	normResult, err := p.normalizer.Normalize(in.Inputs)
	if err != nil {
		return types.MatchResult{}, err
	}
	fp := fingerprint.Of(normResult.Canonical)

	key := types.LookupKey{Tuple: tuple, CallIndex: callIndex}

	p.mu.Lock()
	idx, ok := p.findExact(key)
	p.mu.Unlock()

	if !ok {
		p.recordMismatch(types.MismatchKeyMiss)
		telemetry.LookupsTotal.WithLabelValues(string(in.EventType), in.Adapter, "key_miss").Inc()
		return p.classify(types.MismatchKeyMiss, nil)
	}

	ev := p.events[idx]

	if ev.EventType != in.EventType {
		p.recordMismatch(types.MismatchTypeMismatch)
		telemetry.LookupsTotal.WithLabelValues(string(in.EventType), in.Adapter, "type_mismatch").Inc()
		return p.classify(types.MismatchTypeMismatch, &ev)
	}

	if [32]byte(fp) != ev.InputsFP {
		p.recordMismatch(types.MismatchFingerprintMiss)
		telemetry.LookupsTotal.WithLabelValues(string(in.EventType), in.Adapter, "fingerprint_miss").Inc()
		return p.classify(types.MismatchFingerprintMiss, &ev)
	}

	p.mu.Lock()
	p.stats.Total++
	p.stats.Matched++
	p.mu.Unlock()
	telemetry.LookupsTotal.WithLabelValues(string(in.EventType), in.Adapter, "matched").Inc()

	return types.MatchResult{
		Matched:   true,
		Mismatch:  types.MismatchNone,
		Outputs:   ev.Outputs,
		StreamRef: ev.StreamRef,
		Event:     &ev,
	}, nil
}

// codeForMismatch maps a MismatchKind to its pkg/errors code so strict-mode
// callers can branch on apperrors.HasCode by mismatch type (spec.md §7),
// rather than every mismatch surfacing as KeyMiss.
func codeForMismatch(kind types.MismatchKind) string {
	switch kind {
	case types.MismatchFingerprintMiss:
		return apperrors.CodeFingerprintMiss
	case types.MismatchTypeMismatch:
		return apperrors.CodeTypeMismatch
	case types.MismatchOrderMismatch:
		return apperrors.CodeOrderMismatch
	default:
		return apperrors.CodeKeyMiss
	}
}

// findExact resolves key via its xxhash bucket, confirming each candidate
// against the full key before returning it (caller holds p.mu).
func (p *Player) findExact(key types.LookupKey) (int, bool) {
	for _, idx := range p.buckets[indexBucket(key)] {
		if p.events[idx].Key() == key {
			return idx, true
		}
	}
	return 0, false
}

func (p *Player) recordMismatch(kind types.MismatchKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Total++
	switch kind {
	case types.MismatchKeyMiss:
		p.stats.KeyMisses++
	case types.MismatchFingerprintMiss:
		p.stats.FPMisses++
	case types.MismatchTypeMismatch:
		p.stats.TypeMismatches++
	case types.MismatchOrderMismatch:
		p.stats.OrderMismatches++
	}
}

// classify applies the active replay mode's policy to a mismatch
// (spec.md §4.7 "Replay modes").
func (p *Player) classify(kind types.MismatchKind, ev *types.Event) (types.MatchResult, error) {
	result := types.MatchResult{Matched: false, Mismatch: kind, Event: ev}
	if ev != nil {
		result.Outputs = ev.Outputs
		result.StreamRef = ev.StreamRef
	}

	switch p.cfg.ReplayMode {
	case types.ReplayStrict:
		return types.MatchResult{}, apperrors.New(codeForMismatch(kind), "player", "lookup", string(kind)).
			WithRun(p.runID, 0).WithMetadata("mismatch", string(kind))
	case types.ReplayWarn, types.ReplayHybrid:
		p.logger.WithFields(logrus.Fields{
			"run_id":   p.runID,
			"mismatch": kind,
		}).Warn("player: replay mismatch")
		return result, nil
	default:
		return result, nil
	}
}

// ReplayStream returns the events recorded with stream_ref == streamRef
// (its chunk events and its llm_stream_finish event) in ledger order. When
// preserveTiming is true, it waits between events for the gap between their
// recorded timestamps, capped at cfg.MaxChunkWait (spec.md §4.7);
// cancelling ctx stops the iteration.
func (p *Player) ReplayStream(ctx context.Context, streamRef string, preserveTiming bool) (<-chan types.Event, error) {
	p.mu.Lock()
	evs, ok := p.streamEvents[streamRef]
	p.mu.Unlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeStreamMissing, "player", "replay_stream", "unknown stream_ref").
			WithMetadata("stream_ref", streamRef)
	}

	out := make(chan types.Event)
	go func() {
		defer close(out)
		var lastTS int64
		for i, ev := range evs {
			if preserveTiming && i > 0 {
				delta := time.Duration(ev.TimestampMS-lastTS) * time.Millisecond
				if p.cfg.MaxChunkWait > 0 && delta > p.cfg.MaxChunkWait {
					// A corrupted or adversarial recorded timestamp must not
					// stall replay indefinitely (SPEC_FULL.md open question 3).
					delta = p.cfg.MaxChunkWait
				}
				if delta > 0 {
					select {
					case <-time.After(delta):
					case <-ctx.Done():
						return
					}
				}
			}
			lastTS = ev.TimestampMS
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Statistics returns a snapshot of replay match/mismatch counters
// (spec.md §4.7).
func (p *Player) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	byType := make(map[types.EventType]int64, len(p.stats.ByEventType))
	for k, v := range p.stats.ByEventType {
		byType[k] = v
	}
	s := p.stats
	s.ByEventType = byType
	return s
}

// Drained moves a replaying player to the terminal Drained state (spec.md
// §4.10); in any other state it does nothing. The core itself does not
// auto-detect this (ordering is adapter-driven); callers invoke it once
// every recorded call has been replayed.
func (p *Player) Drained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == types.RunReplaying {
		p.state = types.RunDrained
	}
}
