package session

import (
	"encoding/binary"
	"errors"

	"tom/voicecore/internal/audio"
)

// Binary frame header, 12 bytes big-endian:
// {version:u8, kind:u8, reserved:u16, seq:u32, ts_ms:u32}, then raw PCM16.
const (
	WireVersion   = 1
	WireKindAudio = 1
	HeaderLen     = 12
)

var (
	ErrWireShort   = errors.New("binary message shorter than header")
	ErrWireVersion = errors.New("unsupported wire version")
	ErrWireKind    = errors.New("unsupported wire kind")
)

// EncodeFrame serializes an audio frame into a wire message.
func EncodeFrame(f audio.Frame) []byte {
	buf := make([]byte, HeaderLen+len(f.PCM))
	buf[0] = WireVersion
	buf[1] = WireKindAudio
	binary.BigEndian.PutUint16(buf[2:], 0)
	binary.BigEndian.PutUint32(buf[4:], f.Seq)
	binary.BigEndian.PutUint32(buf[8:], f.TsMs)
	copy(buf[HeaderLen:], f.PCM)
	return buf
}

// DecodeFrame parses a wire message into an audio frame. The PCM slice
// aliases the input buffer; callers that retain the frame must not reuse it.
func DecodeFrame(b []byte) (audio.Frame, error) {
	if len(b) < HeaderLen {
		return audio.Frame{}, ErrWireShort
	}
	if b[0] != WireVersion {
		return audio.Frame{}, ErrWireVersion
	}
	if b[1] != WireKindAudio {
		return audio.Frame{}, ErrWireKind
	}
	return audio.Frame{
		Seq:  binary.BigEndian.Uint32(b[4:]),
		TsMs: binary.BigEndian.Uint32(b[8:]),
		PCM:  b[HeaderLen:],
	}, nil
}

// Text message types on the duplex channel.
const (
	MsgHello      = "hello"
	MsgBye        = "bye"
	MsgSTTPartial = "stt_partial"
	MsgSTTFinal   = "stt_final"
	MsgLLMToken   = "llm_token"
	MsgTurnEnd    = "turn_end"
	MsgBargeIn    = "barge_in"
	MsgPing       = "ping"
	MsgPong       = "pong"
	MsgError      = "error"
)

// WireMsg is the JSON envelope for every text message. Fields are a union
// across message types; unused ones stay empty.
type WireMsg struct {
	Type      string     `json:"type"`
	CallID    string     `json:"call_id,omitempty"`
	Profile   string     `json:"profile,omitempty"`
	Text      string     `json:"text,omitempty"`
	TsMs      uint32     `json:"ts_ms,omitempty"`
	TurnID    string     `json:"turn_id,omitempty"`
	Durations *Durations `json:"durations_ms,omitempty"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}
