package types

import "time"

// ReplayMode selects the policy applied on a lookup mismatch (spec.md §4.7).
type ReplayMode string

const (
	ReplayStrict ReplayMode = "strict"
	ReplayWarn   ReplayMode = "warn"
	ReplayHybrid ReplayMode = "hybrid"
)

// Compression selects the ledger segment framing algorithm (spec.md §6.5).
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// QueueFullPolicy selects Background Writer behavior when the write queue
// saturates (spec.md §6.5, §5).
type QueueFullPolicy string

const (
	QueueFullFailFast QueueFullPolicy = "fail_fast"
	QueueFullBlock    QueueFullPolicy = "block"
)

// RedactionRule is one ordered scrub rule applied by the Redactor
// (spec.md §4.9, §6.5): an id (for audit), a regex pattern, and a
// replacement template.
type RedactionRule struct {
	ID          string `yaml:"id"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Config is the closed set of recognized options from spec.md §6.5. Every
// field here, and no others, is consulted by the core; adapters configure
// everything else (CLI parsing, env discovery) on their own side of the
// Interception Surface.
type Config struct {
	Compression Compression `yaml:"compression"`

	MaxSegmentSizeMB   int `yaml:"max_segment_size_mb"`
	WriteQueueCapacity int `yaml:"write_queue_capacity"`

	QueueFullPolicy QueueFullPolicy `yaml:"queue_full_policy"`

	ReplayMode      ReplayMode `yaml:"replay_mode"`
	PreserveTiming  bool       `yaml:"preserve_timing"`
	MaxChunkWait    time.Duration `yaml:"max_chunk_wait"`

	VolatileFieldPaths []string        `yaml:"volatile_field_paths"`
	RedactionRules     []RedactionRule `yaml:"redaction_rules"`

	MaxPreviewBytes int `yaml:"max_preview_bytes"`

	// RootDir is the storage layout root (spec.md §6.1): <root>/<run_id>/...
	RootDir string `yaml:"root_dir"`
}

// DefaultVolatileFieldPaths is the conservative built-in scrub list
// (SPEC_FULL.md Open Question 2). ApplyDefaults uses it only when
// Config.VolatileFieldPaths is empty; a configured list replaces it.
var DefaultVolatileFieldPaths = []string{
	"timestamp",
	"created_at",
	"request_id",
	"*.uuid",
}

// DefaultConfig returns a Config with every zero-value field replaced by
// its spec.md §6.5 default.
func DefaultConfig() Config {
	c := Config{PreserveTiming: true}
	ApplyDefaults(&c)
	return c
}

// ApplyDefaults fills zero-valued fields of c with the defaults from
// spec.md §6.5, in the teacher's "if x == zero { x = default }" idiom.
//
// PreserveTiming is the one field this function does not touch: its
// spec.md default is true, which is indistinguishable from Go's bool zero
// value, so resolving it requires tracking "was this set" before the
// value collapses to a plain bool. internal/config does that during YAML
// parsing (via a *bool field), setting PreserveTiming itself before calling
// ApplyDefaults for the other fields; DefaultConfig sets it to true.
func ApplyDefaults(c *Config) {
	if c.Compression == "" {
		c.Compression = CompressionZstd
	}
	if c.MaxSegmentSizeMB <= 0 {
		c.MaxSegmentSizeMB = 100
	}
	if c.MaxSegmentSizeMB < 10 {
		c.MaxSegmentSizeMB = 10
	}
	if c.MaxSegmentSizeMB > 1024 {
		c.MaxSegmentSizeMB = 1024
	}
	if c.WriteQueueCapacity <= 0 {
		c.WriteQueueCapacity = 65_536
	}
	if c.WriteQueueCapacity < 1024 {
		c.WriteQueueCapacity = 1024
	}
	if c.WriteQueueCapacity > 1_048_576 {
		c.WriteQueueCapacity = 1_048_576
	}
	if c.QueueFullPolicy == "" {
		c.QueueFullPolicy = QueueFullFailFast
	}
	if c.ReplayMode == "" {
		c.ReplayMode = ReplayStrict
	}
	if c.MaxChunkWait <= 0 {
		c.MaxChunkWait = 30 * time.Second
	}
	if c.MaxPreviewBytes <= 0 {
		c.MaxPreviewBytes = 2048
	}
	if c.RootDir == "" {
		c.RootDir = "./runs"
	}
	if len(c.VolatileFieldPaths) == 0 {
		c.VolatileFieldPaths = append([]string(nil), DefaultVolatileFieldPaths...)
	}
}
