package local

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tom/voicecore/internal/audio"
)

func toneFrame(seq uint32, amp int16) audio.Frame {
	samples := make([]int16, audio.SamplesPerFrame)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return audio.FromSamples(samples, seq, seq*20)
}

func silentFrame(seq uint32) audio.Frame {
	return audio.Silence(seq, seq*20)
}

func TestVADStartAfter120ms(t *testing.T) {
	v := NewVAD(0.5)
	seq := uint32(1)
	for i := 0; i < startFrames-1; i++ {
		start, end := v.Process(toneFrame(seq, 8000))
		require.False(t, start)
		require.False(t, end)
		seq++
	}
	start, _ := v.Process(toneFrame(seq, 8000))
	require.True(t, start, "6th consecutive loud frame (120 ms) fires start")
	require.True(t, v.Speaking())
}

func TestVADEndAfter400msSilence(t *testing.T) {
	v := NewVAD(0.5)
	seq := uint32(1)
	for i := 0; i < startFrames; i++ {
		v.Process(toneFrame(seq, 8000))
		seq++
	}
	require.True(t, v.Speaking())
	for i := 0; i < hangoverFrames-1; i++ {
		_, end := v.Process(silentFrame(seq))
		require.False(t, end)
		seq++
	}
	_, end := v.Process(silentFrame(seq))
	require.True(t, end, "20th silent frame (400 ms) fires end")
	require.False(t, v.Speaking())
}

func TestVADBriefPauseDoesNotEnd(t *testing.T) {
	v := NewVAD(0.5)
	seq := uint32(1)
	for i := 0; i < startFrames; i++ {
		v.Process(toneFrame(seq, 8000))
		seq++
	}
	// 200 ms pause, then speech resumes
	for i := 0; i < 10; i++ {
		_, end := v.Process(silentFrame(seq))
		require.False(t, end)
		seq++
	}
	v.Process(toneFrame(seq, 8000))
	require.True(t, v.Speaking())
}

func TestVADSensitivityScalesThreshold(t *testing.T) {
	quiet := toneFrame(1, 700) // ~0.02 normalized RMS

	insensitive := NewVAD(0.0)
	for i := 0; i < startFrames*2; i++ {
		start, _ := insensitive.Process(quiet)
		require.False(t, start, "low sensitivity must ignore quiet speech")
	}

	sensitive := NewVAD(1.0)
	fired := false
	for i := 0; i < startFrames*2; i++ {
		if start, _ := sensitive.Process(quiet); start {
			fired = true
		}
	}
	require.True(t, fired, "high sensitivity must trip on quiet speech")
}

func TestVADReset(t *testing.T) {
	v := NewVAD(0.5)
	for i := 0; i < startFrames; i++ {
		v.Process(toneFrame(uint32(i+1), 8000))
	}
	require.True(t, v.Speaking())
	v.Reset()
	require.False(t, v.Speaking())
}
