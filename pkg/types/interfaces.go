package types

import "context"

// Recorder is the narrow contract internal/recorder.Recorder satisfies,
// named here so internal/surface can depend on an interface instead of a
// concrete package (spec.md §4.6, §4.8).
type Recorder interface {
	RecordEvent(ctx context.Context, in RecordEventInput) (RecordEventResult, error)
	StartStream(ctx context.Context, in StartStreamInput) (string, error)
	AppendChunk(ctx context.Context, streamID string, content string, metadata map[string]any, isFinal bool) (int64, error)
	FinalizeStream(ctx context.Context, streamID string, totalTokens int64) (int64, error)
}

// Player is the narrow contract internal/player.Player satisfies
// (spec.md §4.7, §4.8).
type Player interface {
	Lookup(ctx context.Context, in LookupInput) (MatchResult, error)
}

// RecordEventInput carries the typed fields for Recorder.RecordEvent
// (spec.md §4.6).
type RecordEventInput struct {
	EventType EventType
	Adapter   string
	AgentID   string
	ToolName  string
	Inputs    any
	Outputs   any
	Duration  int64
	Cost      float64
	Tokens    int64
	StreamRef string
	Metadata  map[string]any
}

// RecordEventResult is returned by a successful RecordEvent call.
type RecordEventResult struct {
	EventID   string
	Step      int64
	CallIndex int64
}

// StartStreamInput carries the typed fields for Recorder.StartStream.
type StartStreamInput struct {
	Adapter  string
	AgentID  string
	ToolName string
	Inputs   any
}

// LookupInput carries the typed fields for Player.Lookup (spec.md §4.7).
type LookupInput struct {
	EventType EventType
	Adapter   string
	AgentID   string
	ToolName  string
	Inputs    any
	CallIndex *int64 // nil means "resolve from the per-tuple replay counter"
}

// MismatchKind classifies why a lookup did not produce a clean match
// (spec.md §4.7).
type MismatchKind string

const (
	MismatchNone            MismatchKind = ""
	MismatchKeyMiss         MismatchKind = "KeyMiss"
	MismatchFingerprintMiss MismatchKind = "FingerprintMiss"
	MismatchTypeMismatch    MismatchKind = "TypeMismatch"
	MismatchOrderMismatch   MismatchKind = "OrderMismatch"
)

// MatchResult is what Player.Lookup returns: either a clean substitution
// or a classified mismatch, policy-dependent per spec.md §4.7.
type MatchResult struct {
	Matched   bool
	Mismatch  MismatchKind
	Outputs   any
	StreamRef string
	Event     *Event
}
