package record

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tom/voicecore/internal/audio"
)

func TestRecorderWritesBothLegs(t *testing.T) {
	base := t.TempDir()
	r, err := Open(base, "call-1")
	require.NoError(t, err)

	for i := uint32(1); i <= 5; i++ {
		r.WriteIn(audio.Silence(i, i*20))
	}
	for i := uint32(1); i <= 3; i++ {
		r.WriteOut(audio.Silence(i, i*20))
	}
	require.NoError(t, r.Close())

	in, err := os.ReadFile(filepath.Join(base, "call-1", "in.wav"))
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(in[:4]))
	require.Equal(t, "WAVE", string(in[8:12]))
	require.Equal(t, uint32(5*audio.BytesPerFrame), binary.LittleEndian.Uint32(in[40:44]))
	require.Equal(t, uint32(audio.SampleRate), binary.LittleEndian.Uint32(in[24:28]))

	out, err := os.ReadFile(filepath.Join(base, "call-1", "out.wav"))
	require.NoError(t, err)
	require.Equal(t, uint32(3*audio.BytesPerFrame), binary.LittleEndian.Uint32(out[40:44]))

	meta, err := os.ReadFile(filepath.Join(base, "call-1", "meta.txt"))
	require.NoError(t, err)
	require.Contains(t, string(meta), "format=pcm16le 16000Hz mono")
	require.Contains(t, string(meta), "started=")
}

func TestRecorderSizeCap(t *testing.T) {
	base := t.TempDir()
	r, err := Open(base, "call-cap")
	require.NoError(t, err)

	big := audio.Frame{Seq: 1, PCM: make([]byte, MaxBytesPerCall-100)}
	r.WriteIn(big)
	r.WriteIn(audio.Silence(2, 40)) // crosses the cap, discarded
	r.WriteIn(audio.Silence(3, 60))
	require.NoError(t, r.Close())

	meta, err := os.ReadFile(filepath.Join(base, "call-cap", "meta.txt"))
	require.NoError(t, err)
	require.Contains(t, string(meta), "capped=true")

	in, err := os.Stat(filepath.Join(base, "call-cap", "in.wav"))
	require.NoError(t, err)
	require.Equal(t, int64(MaxBytesPerCall-100+44), in.Size())
}

func TestRecorderCloseIdempotent(t *testing.T) {
	r, err := Open(t.TempDir(), "call-2")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	r.WriteIn(audio.Silence(1, 0)) // no panic after close
}

func TestJanitorDeletesExpired(t *testing.T) {
	base := t.TempDir()
	r, err := Open(base, "call-old")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	r2, err := Open(base, "call-new")
	require.NoError(t, err)
	require.NoError(t, r2.Close())

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(base, "call-old"), old, old))

	j := NewJanitor(base, 24*time.Hour)
	deleted, err := j.SweepOnce(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = os.Stat(filepath.Join(base, "call-old"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "call-new"))
	require.NoError(t, err)
}

func TestCheckPolicy(t *testing.T) {
	require.NoError(t, CheckPolicy(false, true, false))
	require.NoError(t, CheckPolicy(true, false, false))
	require.NoError(t, CheckPolicy(true, true, true))
	require.ErrorIs(t, CheckPolicy(true, true, false), ErrEgressOptIn)
}
