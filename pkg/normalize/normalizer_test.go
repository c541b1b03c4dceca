package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer() *Normalizer {
	return New(Config{
		VolatileFieldPaths: []string{"timestamp", "request_id", "*.uuid"},
		MaxPreviewBytes:    2048,
	})
}

func TestNormalize_SortsMapKeys(t *testing.T) {
	n := newTestNormalizer()

	a, err := n.Normalize(map[string]any{"b": 1.0, "a": 2.0})
	require.NoError(t, err)

	b, err := n.Normalize(map[string]any{"a": 2.0, "b": 1.0})
	require.NoError(t, err)

	assert.Equal(t, string(a.Canonical), string(b.Canonical))
}

func TestNormalize_ScrubsVolatileFields(t *testing.T) {
	n := newTestNormalizer()

	r1, err := n.Normalize(map[string]any{"timestamp": "2026-01-01T00:00:00Z", "value": 1.0})
	require.NoError(t, err)

	r2, err := n.Normalize(map[string]any{"timestamp": "2027-06-15T12:00:00Z", "value": 1.0})
	require.NoError(t, err)

	assert.Equal(t, string(r1.Canonical), string(r2.Canonical))
}

func TestNormalize_WildcardVolatilePath(t *testing.T) {
	n := newTestNormalizer()

	r1, err := n.Normalize(map[string]any{"request": map[string]any{"uuid": "aaaa"}})
	require.NoError(t, err)
	r2, err := n.Normalize(map[string]any{"request": map[string]any{"uuid": "bbbb"}})
	require.NoError(t, err)

	assert.Equal(t, string(r1.Canonical), string(r2.Canonical))
}

func TestNormalize_PreservesSequenceOrder(t *testing.T) {
	n := newTestNormalizer()

	a, err := n.Normalize([]any{"x", "y", "z"})
	require.NoError(t, err)
	b, err := n.Normalize([]any{"z", "y", "x"})
	require.NoError(t, err)

	assert.NotEqual(t, string(a.Canonical), string(b.Canonical))
}

func TestNormalize_CanonicalFloat_NegativeZero(t *testing.T) {
	n := newTestNormalizer()

	r1, err := n.Normalize(map[string]any{"v": 0.0})
	require.NoError(t, err)
	r2, err := n.Normalize(map[string]any{"v": -0.0})
	require.NoError(t, err)

	assert.Equal(t, string(r1.Canonical), string(r2.Canonical))
}

func TestNormalize_RejectsInvalidUTF8(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize(map[string]any{"v": string([]byte{0xff, 0xfe})})
	require.Error(t, err)
}

func TestNormalize_SanitizerExtendsVolatileSet(t *testing.T) {
	n := New(Config{
		MaxPreviewBytes: 2048,
		Sanitizers: []Sanitizer{
			func(value any) ([]string, error) {
				return []string{"session"}, nil
			},
		},
	})

	r1, err := n.Normalize(map[string]any{"session": "abc"})
	require.NoError(t, err)
	r2, err := n.Normalize(map[string]any{"session": "xyz"})
	require.NoError(t, err)

	assert.Equal(t, string(r1.Canonical), string(r2.Canonical))
}

func TestNormalize_PreviewTruncation(t *testing.T) {
	n := New(Config{MaxPreviewBytes: 8})

	result, err := n.Normalize(map[string]any{"body": "this is a reasonably long string"})
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.LessOrEqual(t, len(result.Preview), 8)
}

func TestNormalize_Idempotent(t *testing.T) {
	n := newTestNormalizer()

	ok, err := n.Idempotent(map[string]any{
		"a": []any{1.0, 2.0, 3.0},
		"b": map[string]any{"nested": "value"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}
