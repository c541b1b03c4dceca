// Package types defines the core data structures shared by the recorder,
// player, ledger, and manifest writer: Event, Stream/Chunk, Manifest, Run,
// and the closed configuration tree (spec.md §3, §6.5).
package types

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// EventType enumerates every external I/O edge kind the ledger can record,
// per spec.md §3.2.
type EventType string

const (
	EventLLMCall          EventType = "llm_call"
	EventToolCall         EventType = "tool_call"
	EventSandboxExec      EventType = "sandbox_exec"
	EventVCSAction        EventType = "vcs_action"
	EventIORead           EventType = "io_read"
	EventIOWrite          EventType = "io_write"
	EventIONetwork        EventType = "io_network"
	EventLLMStreamStart   EventType = "llm_stream_start"
	EventLLMStreamChunk   EventType = "llm_stream_chunk"
	EventLLMStreamFinish  EventType = "llm_stream_finish"
	EventRecordingNote    EventType = "recording_note"
	EventReplayCheckpoint EventType = "replay_checkpoint"
	EventReplayAssert     EventType = "replay_assert"
	EventPolicyViolation  EventType = "policy_violation"
	EventError            EventType = "error"
)

// SchemaVersion is the current major.minor schema version written to every
// ledger header and manifest. The manifest and ledger readers reject a
// version whose major component differs from this one; a different minor
// version is accepted, and no warning is emitted for it.
const SchemaVersion = "1.0"

// SchemaMajor returns the major component of a schema version string.
func SchemaMajor(version string) string {
	if idx := strings.IndexByte(version, '.'); idx >= 0 {
		return version[:idx]
	}
	return version
}

// Event is one external I/O edge captured or substituted during a run.
// Field layout mirrors spec.md §3.2.
type Event struct {
	SchemaVersion string    `json:"schema_version"`
	EventType     EventType `json:"event_type"`
	Step          int64     `json:"step"`
	TimestampMS   int64     `json:"timestamp"` // UTC, millisecond precision

	RunID     string `json:"run_id"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	SpanID    string `json:"span_id,omitempty"`

	Adapter   string `json:"adapter"`
	AgentID   string `json:"agent_id"`
	ToolName  string `json:"tool_name,omitempty"`
	CallIndex int64  `json:"call_index"`

	InputsFP      [32]byte `json:"inputs_fp"`
	InputsPreview string   `json:"inputs_preview,omitempty"`
	Outputs       any      `json:"outputs"`

	DurationMS int64              `json:"duration_ms"`
	Cost       float64            `json:"cost,omitempty"`
	Tokens     int64              `json:"tokens,omitempty"`
	StreamRef  string             `json:"stream_ref,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// Tuple identifies the (event_type, adapter, agent_id, tool_name) family a per-tuple
// call_index counter is scoped to (spec.md §3.2).
type Tuple struct {
	EventType EventType
	Adapter   string
	AgentID   string
	ToolName  string
}

// LookupKey is the unique, stable key used to locate a recorded event at
// replay time: (event_type, adapter, agent_id, tool_name, call_index),
// spec.md §3.2 and §6.4.
type LookupKey struct {
	Tuple
	CallIndex int64
}

// String renders the lookup key in the wire syntax from spec.md §6.4:
// "{event_type}:{adapter}:{agent_id}:{tool_name}:{call_index}", with each
// component percent-encoded so embedded colons cannot be mistaken for
// field separators.
func (k LookupKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%d",
		encodeKeyComponent(string(k.EventType)),
		encodeKeyComponent(k.Adapter),
		encodeKeyComponent(k.AgentID),
		encodeKeyComponent(k.ToolName),
		k.CallIndex,
	)
}

// encodeKeyComponent percent-encodes the one character (':') that would
// otherwise collide with the lookup key's field separator, plus '%' itself
// so the encoding is unambiguous to reverse.
func encodeKeyComponent(s string) string {
	if !strings.ContainsAny(s, ":%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ':' || c == '%' {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// decodeKeyComponent reverses encodeKeyComponent.
func decodeKeyComponent(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	return url.QueryUnescape(strings.ReplaceAll(s, "+", "%2B"))
}

// ParseLookupKey parses the wire syntax produced by LookupKey.String.
func ParseLookupKey(s string) (LookupKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return LookupKey{}, fmt.Errorf("lookup key %q: expected 5 colon-separated components, got %d", s, len(parts))
	}
	var callIndex int64
	if _, err := fmt.Sscanf(parts[4], "%d", &callIndex); err != nil {
		return LookupKey{}, fmt.Errorf("lookup key %q: invalid call_index: %w", s, err)
	}
	eventType, err := decodeKeyComponent(parts[0])
	if err != nil {
		return LookupKey{}, fmt.Errorf("lookup key %q: %w", s, err)
	}
	adapter, err := decodeKeyComponent(parts[1])
	if err != nil {
		return LookupKey{}, fmt.Errorf("lookup key %q: %w", s, err)
	}
	agentID, err := decodeKeyComponent(parts[2])
	if err != nil {
		return LookupKey{}, fmt.Errorf("lookup key %q: %w", s, err)
	}
	toolName, err := decodeKeyComponent(parts[3])
	if err != nil {
		return LookupKey{}, fmt.Errorf("lookup key %q: %w", s, err)
	}
	return LookupKey{
		Tuple: Tuple{
			EventType: EventType(eventType),
			Adapter:   adapter,
			AgentID:   agentID,
			ToolName:  toolName,
		},
		CallIndex: callIndex,
	}, nil
}

// Key returns the event's lookup key.
func (e *Event) Key() LookupKey {
	return LookupKey{
		Tuple: Tuple{
			EventType: e.EventType,
			Adapter:   e.Adapter,
			AgentID:   e.AgentID,
			ToolName:  e.ToolName,
		},
		CallIndex: e.CallIndex,
	}
}

// NewID returns a fresh opaque ASCII token suitable for a run_id, stream_id,
// or event_id. Callers must not parse structure into it.
func NewID() string {
	return uuid.NewString()
}
