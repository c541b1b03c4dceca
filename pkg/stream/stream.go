// Package stream implements the Stream Buffer (spec.md §4.5): in-order
// accumulation of streaming LLM chunks for a single stream_id, enforcing
// the single-producer and final-marker invariants before handing the
// assembled content to the recorder for persistence as an
// llm_stream_finish event.
//
// No teacher component buffers ordered streaming chunks; this is modeled
// on the ordered-append, single-owner discipline of
// internal/dispatcher's batch accumulation (already folded into
// internal/recorder in this tree) rather than copied from a single file.
package stream

import (
	"strings"
	"sync"

	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/types"
)

// Buffer accumulates chunks for one stream_id. A Buffer is single-producer:
// callers must not call Append concurrently from more than one goroutine,
// matching the Interception Surface's per-call-site ownership (spec.md §5).
type Buffer struct {
	mu       sync.Mutex
	streamID string
	chunks   []types.Chunk
	state    types.StreamState
	nextIdx  int64
}

// New creates an empty, open stream buffer.
func New(streamID string) *Buffer {
	return &Buffer{streamID: streamID, state: types.StreamOpen}
}

// StreamID returns the buffer's stream identifier.
func (b *Buffer) StreamID() string {
	return b.streamID
}

// Append adds one chunk. isFinal marks the last chunk of the stream; any
// Append after a final chunk returns StreamAlreadyFinalized (spec.md §7).
func (b *Buffer) Append(content string, timestampMS int64, metadata map[string]any, isFinal bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == types.StreamFinalized {
		return 0, apperrors.New(apperrors.CodeStreamAlreadyFinal, "stream", "append",
			"append after stream finalized").WithMetadata("stream_id", b.streamID)
	}

	idx := b.nextIdx
	b.chunks = append(b.chunks, types.Chunk{
		Index:       idx,
		Content:     content,
		TimestampMS: timestampMS,
		Metadata:    metadata,
		IsFinal:     isFinal,
	})
	b.nextIdx++
	if isFinal {
		b.state = types.StreamFinalized
	}
	return idx, nil
}

// Finalized reports whether the stream's final chunk has been appended.
func (b *Buffer) Finalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == types.StreamFinalized
}

// ChunkCount returns the number of chunks appended so far.
func (b *Buffer) ChunkCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.chunks))
}

// Outputs assembles the buffered chunks into a finished StreamOutputs
// value, concatenating content in append order (spec.md §4.5). Callers
// must have already finalized the stream, or the result is partial.
func (b *Buffer) Outputs(totalTokens int64) types.StreamOutputs {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	for _, c := range b.chunks {
		sb.WriteString(c.Content)
	}
	return types.StreamOutputs{
		Content:     sb.String(),
		ChunkCount:  int64(len(b.chunks)),
		TotalTokens: totalTokens,
	}
}

// Chunks returns a copy of the buffered chunks in append order. Replay does
// not read this buffer; it iterates the chunk events persisted in the
// ledger (internal/player.ReplayStream).
func (b *Buffer) Chunks() []types.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Chunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Registry tracks open and finalized stream buffers for one run, keyed by
// stream_id. The recorder consults it to route AppendChunk/FinalizeStream
// calls and to detect stream_id collisions.
type Registry struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
}

// NewRegistry returns an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{buffers: make(map[string]*Buffer)}
}

// Open registers and returns a new Buffer for streamID. It is an error to
// open a stream_id that already exists in the registry.
func (r *Registry) Open(streamID string) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buffers[streamID]; exists {
		return nil, apperrors.New(apperrors.CodeStreamAlreadyFinal, "stream", "open",
			"stream_id already registered").WithMetadata("stream_id", streamID)
	}
	b := New(streamID)
	r.buffers[streamID] = b
	return b, nil
}

// Get returns the buffer for streamID, or StreamNotOpen if unknown.
func (r *Registry) Get(streamID string) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[streamID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeStreamNotOpen, "stream", "get",
			"unknown stream_id").WithMetadata("stream_id", streamID)
	}
	return b, nil
}

// Incomplete returns the stream_ids of every buffer that was never
// finalized, for Manifest.IncompleteStreams (spec.md §4.10, §6.6).
func (r *Registry) Incomplete() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, b := range r.buffers {
		if !b.Finalized() {
			out = append(out, id)
		}
	}
	return out
}

// TotalChunks sums ChunkCount across every buffer ever opened on this
// registry, including streams still open at Stop, for Manifest.TotalChunks
// (spec.md §4.4, §6.3).
func (r *Registry) TotalChunks() int64 {
	r.mu.Lock()
	buffers := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		buffers = append(buffers, b)
	}
	r.mu.Unlock()

	var total int64
	for _, b := range buffers {
		total += b.ChunkCount()
	}
	return total
}
