// Package normalize implements the Normalizer component (spec.md §4.1):
// it converts arbitrary input/output payloads into a canonical byte form
// that is stable across runs (timestamps, UUIDs, paths scrubbed) yet
// detects meaningful drift in the data that remains.
//
// No teacher component normalizes arbitrary JSON trees, so this package is
// new; it borrows the path-based field-matching idiom from
// pkg/validation/timestamp_validator.go and the ordered-rule/sentinel
// idiom from pkg/security/sanitizer.go.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	apperrors "github.com/agentreplay/core/pkg/errors"
)

// sentinelPrefix begins the replacement value written in place of a
// scrubbed volatile field (spec.md §4.1 rule 2); sentinelFor appends the
// field's dotted path and a closing ">".
const sentinelPrefix = "<redacted:"

// Sanitizer is an adapter-supplied pure function that runs before the
// volatile-field scrub and may flag additional paths as volatile
// (spec.md §4.1 rule 5). It must not mutate its input.
type Sanitizer func(value any) (extraVolatilePaths []string, err error)

// Config configures a Normalizer.
type Config struct {
	// VolatileFieldPaths are dotted paths scrubbed before hashing
	// (spec.md §6.5). A path segment of "*" matches any key at that level.
	VolatileFieldPaths []string
	// MaxPreviewBytes bounds the truncated, redacted copy returned
	// alongside the canonical bytes (spec.md §4.1, default 2 KiB).
	MaxPreviewBytes int
	// Sanitizers run in order before the built-in scrub.
	Sanitizers []Sanitizer
}

// Normalizer converts inputs into canonical, hashable bytes.
type Normalizer struct {
	volatile   map[string]struct{}
	wildcard   []string // paths with a "*" wildcard segment, matched by suffix
	maxPreview int
	sanitizers []Sanitizer
}

// New constructs a Normalizer from Config.
func New(cfg Config) *Normalizer {
	n := &Normalizer{
		volatile:   make(map[string]struct{}),
		maxPreview: cfg.MaxPreviewBytes,
		sanitizers: cfg.Sanitizers,
	}
	if n.maxPreview <= 0 {
		n.maxPreview = 2048
	}
	for _, p := range cfg.VolatileFieldPaths {
		n.addVolatilePath(p)
	}
	return n
}

func (n *Normalizer) addVolatilePath(p string) {
	if strings.Contains(p, "*") {
		n.wildcard = append(n.wildcard, p)
		return
	}
	n.volatile[p] = struct{}{}
}

// Result is the output of Normalize: canonical bytes for hashing, and a
// truncated, redacted preview suitable for inputs_preview (spec.md §4.1).
type Result struct {
	Canonical []byte
	Preview   string
	Truncated bool
}

// Normalize applies the ordered rules from spec.md §4.1 to value and
// returns a canonical byte form plus a bounded preview.
func (n *Normalizer) Normalize(value any) (Result, error) {
	// Rule 5: adapter sanitizers run first and may extend the volatile set.
	extra := map[string]struct{}{}
	for _, san := range n.sanitizers {
		paths, err := san(value)
		if err != nil {
			return Result{}, apperrors.New(apperrors.CodeNormalizationError, "normalize", "sanitize", err.Error()).Wrap(err)
		}
		for _, p := range paths {
			extra[p] = struct{}{}
		}
	}

	tree, err := toTree(value)
	if err != nil {
		return Result{}, apperrors.New(apperrors.CodeNormalizationError, "normalize", "to_tree", err.Error()).Wrap(err)
	}

	canon := n.walk(tree, nil, extra)

	buf, err := encodeCanonical(canon)
	if err != nil {
		return Result{}, apperrors.New(apperrors.CodeNormalizationError, "normalize", "encode", err.Error()).Wrap(err)
	}

	// json.Marshal replaces invalid UTF-8 with U+FFFD instead of failing, so
	// the check runs on the tree's raw strings, which fmt prints byte for byte.
	if !utf8.ValidString(fmt.Sprint(canon)) {
		return Result{}, apperrors.New(apperrors.CodeNormalizationError, "normalize", "utf8", "input contains invalid UTF-8")
	}

	preview := string(buf)
	truncated := false
	if len(preview) > n.maxPreview {
		preview = preview[:n.maxPreview]
		truncated = true
	}

	return Result{Canonical: buf, Preview: preview, Truncated: truncated}, nil
}

// toTree round-trips value through encoding/json so that Go structs, maps,
// and already-decoded json.RawMessage all land on the same tree shape
// (map[string]any / []any / scalars) before the canonical walk.
func toTree(value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return v, nil
	case []byte:
		s := string(v)
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("invalid UTF-8 in byte payload")
		}
		return s, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var tree any
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, err
		}
		return tree, nil
	}
}

// walk recursively applies rules 1-3 of spec.md §4.1: sort map keys,
// preserve sequence order, scrub volatile paths, canonicalize floats.
func (n *Normalizer) walk(node any, path []string, extra map[string]struct{}) any {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			childPath := append(append([]string(nil), path...), k)
			if n.isVolatile(childPath, extra) {
				out[k] = sentinelFor(childPath)
				continue
			}
			out[k] = n.walk(v[k], childPath, extra)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			childPath := append(append([]string(nil), path...), "*")
			out[i] = n.walk(elem, childPath, extra)
		}
		return out
	case float64:
		return canonicalFloat(v)
	case string:
		return v
	default:
		return v
	}
}

func sentinelFor(path []string) string {
	return sentinelPrefix + strings.Join(path, ".") + ">"
}

func (n *Normalizer) isVolatile(path []string, extra map[string]struct{}) bool {
	joined := strings.Join(path, ".")
	if _, ok := n.volatile[joined]; ok {
		return true
	}
	if _, ok := extra[joined]; ok {
		return true
	}
	for _, pattern := range n.wildcard {
		if wildcardMatch(pattern, joined) {
			return true
		}
	}
	return false
}

// wildcardMatch supports a single "*" segment standing for exactly one
// path component, e.g. "*.uuid" matches "request.uuid" but not
// "request.nested.uuid".
func wildcardMatch(pattern, path string) bool {
	pParts := strings.Split(pattern, ".")
	sParts := strings.Split(path, ".")
	if len(pParts) != len(sParts) {
		return false
	}
	for i, p := range pParts {
		if p == "*" {
			continue
		}
		if p != sParts[i] {
			return false
		}
	}
	return true
}

// canonicalFloat applies spec.md §4.1 rule 3: shortest round-trip decimal,
// -0.0 normalized to 0.0, no exponent form when avoidable. Finite values are
// returned as a json.Number so the encoder emits them verbatim instead of
// re-formatting.
func canonicalFloat(f float64) any {
	if f == 0 {
		f = 0 // collapses -0.0 to 0.0
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		// Not valid JSON; stringify so normalization is total rather than
		// fatal on an already-broken payload (NormalizationError is for
		// UTF-8/sanitizer failures, not out-of-band floats).
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, "e") && !strings.Contains(s, "E") {
		return json.Number(s)
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// encodeCanonical serializes the canonicalized tree with sorted map keys
// preserved (json.Marshal already sorts map[string]any keys, but the walk
// already produced deterministic Go maps so this is a formality that also
// gives us the final UTF-8 byte form to hash).
func encodeCanonical(tree any) ([]byte, error) {
	return json.Marshal(tree)
}

// Idempotent reports whether Normalize(Normalize(x)) == Normalize(x), the
// law required by spec.md §8. This is a test helper, not used by the hot
// path, but is exported so ledger/player tests can assert it directly
// against arbitrary fixtures.
func (n *Normalizer) Idempotent(value any) (bool, error) {
	first, err := n.Normalize(value)
	if err != nil {
		return false, err
	}
	var tree any
	if err := json.Unmarshal(first.Canonical, &tree); err != nil {
		return false, err
	}
	second, err := n.Normalize(tree)
	if err != nil {
		return false, err
	}
	return string(first.Canonical) == string(second.Canonical), nil
}
