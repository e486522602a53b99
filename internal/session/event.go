package session

// EventType tags entries on a session's event stream.
type EventType string

const (
	EventUserSpeakingStart EventType = "user_speaking_start"
	EventUserSpeakingEnd   EventType = "user_speaking_end"
	EventSTTPartial        EventType = "stt_partial"
	EventSTTFinal          EventType = "stt_final"
	EventLLMToken          EventType = "llm_token"
	EventTurnEnd           EventType = "turn_end"
	EventSpeakDone         EventType = "speak_done"
	EventBargeIn           EventType = "barge_in"
	EventFirstAudio        EventType = "first_audio"
	EventError             EventType = "error"
)

// Durations carries per-stage timings for one turn, feeding the cost log.
type Durations struct {
	SttMs int64 `json:"stt"`
	LlmMs int64 `json:"llm"`
	TtsMs int64 `json:"tts"`
	E2eMs int64 `json:"e2e"`
}

// Event is one entry on the session event stream. Events are ordered
// relative to the audio frames that caused them.
type Event struct {
	Type      EventType
	Text      string
	TsMs      uint32
	TurnID    string
	Durations Durations
	Err       *Error
}
