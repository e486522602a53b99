package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame geometry: 16 kHz mono PCM16, 20 ms per frame.
const (
	SampleRate      = 16000
	FrameDuration   = 20 * time.Millisecond
	SamplesPerFrame = 320
	BytesPerFrame   = SamplesPerFrame * 2
)

// Frame is one 20 ms slice of little-endian PCM16 audio. Immutable once
// enqueued on a bus: producers must not reuse the backing slice.
type Frame struct {
	Seq  uint32
	TsMs uint32
	PCM  []byte
}

// Samples decodes the PCM payload into int16 samples.
func (f Frame) Samples() []int16 {
	n := len(f.PCM) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(f.PCM[2*i:]))
	}
	return out
}

// RMS computes the root-mean-square energy of the frame, normalized to [0,1].
func (f Frame) RMS() float64 {
	n := len(f.PCM) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(f.PCM[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// Silence returns a zeroed frame with the given seq and timestamp.
func Silence(seq, tsMs uint32) Frame {
	return Frame{Seq: seq, TsMs: tsMs, PCM: make([]byte, BytesPerFrame)}
}

// FromSamples encodes int16 samples into a frame payload.
func FromSamples(samples []int16, seq, tsMs uint32) Frame {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	return Frame{Seq: seq, TsMs: tsMs, PCM: pcm}
}
