package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tom/voicecore/internal/audio"
)

func TestFrameWireRoundTrip(t *testing.T) {
	f := audio.Silence(42, 840)
	f.PCM[0] = 0x7f
	f.PCM[639] = 0x01

	b := EncodeFrame(f)
	require.Len(t, b, HeaderLen+audio.BytesPerFrame)
	require.Equal(t, byte(WireVersion), b[0])
	require.Equal(t, byte(WireKindAudio), b[1])

	got, err := DecodeFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.Seq, got.Seq)
	require.Equal(t, f.TsMs, got.TsMs)
	require.Equal(t, f.PCM, got.PCM)
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 1, 0})
	require.ErrorIs(t, err, ErrWireShort)

	f := audio.Silence(1, 0)
	b := EncodeFrame(f)
	b[0] = 99
	_, err = DecodeFrame(b)
	require.ErrorIs(t, err, ErrWireVersion)

	b[0] = WireVersion
	b[1] = 7
	_, err = DecodeFrame(b)
	require.ErrorIs(t, err, ErrWireKind)
}

func TestWireCodes(t *testing.T) {
	require.Equal(t, "auth", KindAuth.WireCode())
	require.Equal(t, "rate_limited", KindRateLimited.WireCode())
	require.Equal(t, "frame_too_large", KindFrameTooLarge.WireCode())
	require.Equal(t, "backend_unavailable", KindBackendTimeout.WireCode())
	require.Equal(t, "backend_unavailable", KindTerminal.WireCode())
	require.Equal(t, "internal", KindPersistence.WireCode())
}
