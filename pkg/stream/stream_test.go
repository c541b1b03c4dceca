package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendOrdersChunks(t *testing.T) {
	b := New("stream-1")

	idx0, err := b.Append("hello ", 100, nil, false)
	require.NoError(t, err)
	idx1, err := b.Append("world", 200, nil, true)
	require.NoError(t, err)

	assert.Equal(t, int64(0), idx0)
	assert.Equal(t, int64(1), idx1)
	assert.True(t, b.Finalized())
	assert.Equal(t, int64(2), b.ChunkCount())
}

func TestBuffer_AppendAfterFinalFails(t *testing.T) {
	b := New("stream-1")
	_, err := b.Append("final", 100, nil, true)
	require.NoError(t, err)

	_, err = b.Append("late", 200, nil, false)
	require.Error(t, err)
}

func TestBuffer_OutputsConcatenatesContent(t *testing.T) {
	b := New("stream-1")
	b.Append("foo", 0, nil, false)
	b.Append("bar", 0, nil, false)
	b.Append("", 0, nil, true)

	out := b.Outputs(42)
	assert.Equal(t, "foobar", out.Content)
	assert.Equal(t, int64(3), out.ChunkCount)
	assert.Equal(t, int64(42), out.TotalTokens)
}

func TestRegistry_OpenRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Open("s1")
	require.NoError(t, err)

	_, err = reg.Open("s1")
	require.Error(t, err)
}

func TestRegistry_GetUnknownStream(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)
}

func TestRegistry_IncompleteTracksUnfinalized(t *testing.T) {
	reg := NewRegistry()
	open, err := reg.Open("open-stream")
	require.NoError(t, err)
	_ = open

	done, err := reg.Open("done-stream")
	require.NoError(t, err)
	_, err = done.Append("x", 0, nil, true)
	require.NoError(t, err)

	incomplete := reg.Incomplete()
	assert.Equal(t, []string{"open-stream"}, incomplete)
}

func TestRegistry_TotalChunksSumsAllBuffers(t *testing.T) {
	reg := NewRegistry()

	a, err := reg.Open("a")
	require.NoError(t, err)
	_, err = a.Append("1", 0, nil, false)
	require.NoError(t, err)
	_, err = a.Append("2", 0, nil, true)
	require.NoError(t, err)

	b, err := reg.Open("b")
	require.NoError(t, err)
	_, err = b.Append("1", 0, nil, false)
	require.NoError(t, err)

	assert.Equal(t, int64(3), reg.TotalChunks())
}
