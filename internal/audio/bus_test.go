package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func frame(seq uint32) Frame {
	return Frame{Seq: seq, TsMs: seq * 20, PCM: make([]byte, BytesPerFrame)}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)
	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, q.Push(frame(i)))
	}
	for i := uint32(1); i <= 5; i++ {
		f, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, f.Seq)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueueDropOldestOnOverflow(t *testing.T) {
	q := NewQueue(10)
	for i := uint32(1); i <= 13; i++ {
		require.NoError(t, q.Push(frame(i)))
	}
	require.Equal(t, uint64(3), q.Dropped())
	f, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint32(4), f.Seq, "oldest three frames should have been evicted")
}

func TestQueueRejectsStaleSeq(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Push(frame(5)))
	require.NoError(t, q.Push(frame(5))) // duplicate, silently ignored
	require.NoError(t, q.Push(frame(3))) // reorder, silently ignored
	require.Equal(t, 1, q.Len())
}

func TestQueueCountsGaps(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Push(frame(1)))
	require.NoError(t, q.Push(frame(2)))
	require.NoError(t, q.Push(frame(7)))
	require.Equal(t, uint64(1), q.Gaps())
}

func TestQueueFlushKeeps(t *testing.T) {
	q := NewQueue(10)
	for i := uint32(1); i <= 8; i++ {
		require.NoError(t, q.Push(frame(i)))
	}
	// Barge-in: keep at most 40 ms (2 frames) queued.
	dropped := q.Flush(2)
	require.Equal(t, 6, dropped)
	require.Equal(t, 2, q.Len())
	f, _ := q.Pop()
	require.Equal(t, uint32(1), f.Seq)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(10)
	q.Close()
	require.ErrorIs(t, q.Push(frame(1)), ErrBusClosed)
}

func TestFrameRMS(t *testing.T) {
	silent := Silence(1, 0)
	require.Equal(t, 0.0, silent.RMS())

	loud := make([]int16, SamplesPerFrame)
	for i := range loud {
		loud[i] = 16000
	}
	f := FromSamples(loud, 2, 20)
	require.InDelta(t, 16000.0/32768.0, f.RMS(), 1e-9)
}

func TestFrameSampleRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	f := FromSamples(in, 1, 0)
	require.Equal(t, in, f.Samples())
}
