// Package ledger implements the Event Ledger (spec.md §4.3, §6.1, §6.2):
// an append-only, segmented, optionally zstd-framed sequence of
// length-prefixed JSON records with per-segment integrity trailers.
//
// Adapted from pkg/buffer/disk_buffer.go's length-prefixed-record,
// rotate-on-size idiom, with gzip swapped for zstd (klauspost/compress)
// and the per-entry sha256 checksum replaced by one rolling BLAKE3 hash
// per segment, carried in a header/trailer pair instead of per-record
// (spec.md §4.3).
package ledger

import (
	"fmt"
)

// SchemaVersion identifies the ledger wire format (spec.md §3.2 ties this
// to the event schema_version).
const SchemaVersion = "1.0"

// recordKind discriminates the three record shapes written to a segment.
type recordKind string

const (
	recordKindHeader  recordKind = "header"
	recordKindEvent   recordKind = "event"
	recordKindTrailer recordKind = "trailer"
)

// segmentHeader is the first record of every segment (spec.md §4.3).
type segmentHeader struct {
	Kind          recordKind `json:"kind"`
	SchemaVersion string     `json:"schema_version"`
	RunID         string     `json:"run_id"`
	SegmentIndex  int        `json:"segment_index"`
	PrevHash      string     `json:"prev_hash"` // hex BLAKE3, zero-value for segment 0
}

// segmentTrailer is the last record of every segment (spec.md §4.3): a
// record count and the rolling BLAKE3 over every event record body
// written between the header and this trailer.
type segmentTrailer struct {
	Kind        recordKind `json:"kind"`
	RecordCount int64      `json:"record_count"`
	Hash        string     `json:"hash"` // hex BLAKE3
}

// eventRecord is the kind-only view the reader decodes first, so it can
// tell header/event/trailer records apart on the same framed stream before
// decoding the full record.
type eventRecord struct {
	Kind recordKind `json:"kind"`
}

// segmentFileName returns the deterministic name for a segment, e.g.
// events-000000.jsonl.zst (spec.md §6.1).
func segmentFileName(index int) string {
	return fmt.Sprintf("events-%06d.jsonl.zst", index)
}
