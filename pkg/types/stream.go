package types

import "time"

// Chunk is one element of a Stream: an ordered, timestamped piece of a
// streaming event's output (spec.md §3.3).
type Chunk struct {
	Index     int64          `json:"index"`
	Content   string         `json:"content"`
	TimestampMS int64        `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsFinal   bool           `json:"is_final"`
}

// StreamOutputs is the aggregate value written onto the owning event's
// Outputs field once a stream finalizes (spec.md §3.3).
type StreamOutputs struct {
	Content    string `json:"content"`
	ChunkCount int64  `json:"chunk_count"`
	TotalTokens int64 `json:"total_tokens,omitempty"`
}

// StreamState is the lifecycle of a Stream (spec.md §3.3, §4.5).
type StreamState string

const (
	StreamOpen      StreamState = "open"
	StreamFinalized StreamState = "finalized"
)

// ChunkTimestamp converts a recorded chunk timestamp back to a time.Time
// for inter-chunk gap computation during preserve_timing replay.
func ChunkTimestamp(c Chunk) time.Time {
	return time.UnixMilli(c.TimestampMS).UTC()
}

// NowMillis converts t to UTC milliseconds since epoch, the
// timestamp resolution spec.md §3.2 mandates for events and chunks.
func NowMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
