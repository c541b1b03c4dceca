package types

import "time"

// SegmentFileInfo is one entry in a Manifest's Files list: the path, size,
// and BLAKE3 hash of an on-disk segment, recomputed from bytes on disk
// (spec.md §3.4, §4.4).
type SegmentFileInfo struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	BLAKE3 string `yaml:"blake3"`
}

// Manifest is a run's durable metadata and integrity record (spec.md §3.4,
// §6.3). Field order here is the canonical YAML key order the Manifest
// Writer emits.
type Manifest struct {
	SchemaVersion string            `yaml:"schema_version"`
	RunID         string            `yaml:"run_id"`
	Adapter       string            `yaml:"adapter"`
	AdapterVersion string           `yaml:"adapter_version"`
	CreatedAt     time.Time         `yaml:"created_at"`
	ClosedAt      time.Time         `yaml:"closed_at"`
	ConfigDigest  string            `yaml:"config_digest"`
	GitSHA        string            `yaml:"git_sha,omitempty"`
	ModelIDs      []string          `yaml:"model_ids"`
	Seeds         []int64           `yaml:"seeds"`
	Files         []SegmentFileInfo `yaml:"files"`
	RedactionApplied bool           `yaml:"redaction_applied"`
	Compression   string            `yaml:"compression"`
	TotalEvents   int64             `yaml:"total_events"`
	TotalChunks   int64             `yaml:"total_chunks"`
	IncompleteStreams []string      `yaml:"incomplete_streams"`
}

// RunMeta is the caller-supplied metadata passed to Recorder.Start, the
// subset of Manifest fields known before any event is recorded.
type RunMeta struct {
	SessionID      string
	TaskID         string
	Adapter        string
	AdapterVersion string
	Seeds          []int64
	ModelIDs       []string
	ConfigDigest   string
	GitSHA         string
}
