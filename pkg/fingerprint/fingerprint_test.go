package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_Deterministic(t *testing.T) {
	a := Of([]byte(`{"a":1}`))
	b := Of([]byte(`{"a":1}`))
	assert.Equal(t, a, b)
}

func TestOf_DifferentInputsDifferentDigest(t *testing.T) {
	a := Of([]byte(`{"a":1}`))
	b := Of([]byte(`{"a":2}`))
	assert.NotEqual(t, a, b)
}

func TestDigest_StringRoundTrip(t *testing.T) {
	d := Of([]byte("hello world"))
	parsed, err := Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestDigest_IsZero(t *testing.T) {
	var d Digest
	assert.True(t, d.IsZero())
	assert.False(t, Of([]byte("x")).IsZero())
}

func TestParse_BadLength(t *testing.T) {
	_, err := Parse("abcd")
	require.Error(t, err)
}

func TestHasher_MatchesOf(t *testing.T) {
	h := NewHasher()
	h.Write([]byte("hello "))
	h.Write([]byte("world"))

	assert.Equal(t, Of([]byte("hello world")), h.Sum())
}
