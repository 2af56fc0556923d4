package completion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	chunks []Chunk
	i      int
	closed bool
}

func (f *fakeSource) Next(ctx context.Context) (Chunk, error) {
	if f.i >= len(f.chunks) {
		return Chunk{}, ErrClosed
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func drain(t *testing.T, f *StopFilter) []Chunk {
	t.Helper()
	var out []Chunk
	for {
		c, err := f.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, ErrClosed)
			return out
		}
		out = append(out, c)
	}
}

func TestStopFilter_NoPhrasesPassesThrough(t *testing.T) {
	src := &fakeSource{chunks: []Chunk{{Text: "a"}, {Text: "b", EOS: true}}}
	f := NewStopFilter(src, nil)
	out := drain(t, f)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Text)
	assert.True(t, out[1].EOS)
}

func TestStopFilter_SuppressesStopPhraseWithinOneChunk(t *testing.T) {
	src := &fakeSource{chunks: []Chunk{{Text: "hello STOPworld"}}}
	f := NewStopFilter(src, []string{"STOP"})
	out := drain(t, f)
	require.Len(t, out, 1)
	assert.Equal(t, "hello ", out[0].Text)
	assert.True(t, out[0].EOS)
	assert.True(t, src.closed, "detecting a stop phrase must close the inner source")
}

func TestStopFilter_DetectsPhraseSplitAcrossChunks(t *testing.T) {
	src := &fakeSource{chunks: []Chunk{{Text: "hello ST"}, {Text: "OP world"}}}
	f := NewStopFilter(src, []string{"STOP"})
	out := drain(t, f)
	var combined string
	for _, c := range out {
		combined += c.Text
	}
	assert.Equal(t, "hello ", combined)
}

func TestStopFilter_AccumulatesSmallChunksWithoutLosingText(t *testing.T) {
	src := &fakeSource{chunks: []Chunk{{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d", EOS: true}}}
	f := NewStopFilter(src, []string{"STOP"})
	out := drain(t, f)
	var combined string
	for _, c := range out {
		combined += c.Text
	}
	assert.Equal(t, "abcd", combined, "token-by-token chunks smaller than maxTail must still all reach the caller")
}

func TestStopFilter_NextAfterStopReturnsErrClosed(t *testing.T) {
	src := &fakeSource{chunks: []Chunk{{Text: "STOP"}, {Text: "more", EOS: true}}}
	f := NewStopFilter(src, []string{"STOP"})
	_, err := f.Next(context.Background())
	require.NoError(t, err)
	_, err = f.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
