package local

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/policy"
	"tom/voicecore/internal/session"
)

const (
	maxCaptureBytes  = 30 * audio.SampleRate * 2 // 30 s of caller audio per turn
	firstTokenBudget = 1 * time.Second
	flushTokenCount  = 12
)

// Session drives the VAD -> STT -> LLM -> TTS pipeline for one call. A
// single loop goroutine owns all pipeline state; frames and speak requests
// are funneled in over channels.
type Session struct {
	bus      *audio.Bus
	backends Backends

	events  chan session.Event
	frames  chan audio.Frame
	speakCh chan string

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu           sync.Mutex
	turnCancel   context.CancelFunc
	synthesizing bool
	outSeq       uint32
	started      bool

	closeOnce sync.Once

	vad     *VAD
	params  policy.Parameters
	capture []byte
}

func NewSession(bus *audio.Bus, backends Backends) *Session {
	return &Session{
		bus:      bus,
		backends: backends,
		events:   make(chan session.Event, 64),
		frames:   make(chan audio.Frame, audio.DefaultQueueDepth),
		speakCh:  make(chan string, 4),
	}
}

func (s *Session) Start(ctx context.Context, variant policy.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return session.NewError(session.KindInternal, "session already started", nil)
	}
	s.started = true
	s.params = variant.Parameters
	s.vad = NewVAD(variant.Parameters.BargeInSensitivity)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.g, _ = errgroup.WithContext(s.ctx)
	s.g.Go(s.run)
	log.Printf("[local] session started variant=%s sensitivity=%.2f", variant.ID, variant.Parameters.BargeInSensitivity)
	return nil
}

// PushFrame hands an inbound frame to the loop. Never blocks; when the loop
// is behind, the oldest queued frame is discarded.
func (s *Session) PushFrame(f audio.Frame) error {
	if s.ctx == nil || s.ctx.Err() != nil {
		return session.NewError(session.KindInternal, "session not running", s.ctxErr())
	}
	for {
		select {
		case s.frames <- f:
			return nil
		default:
			select {
			case <-s.frames:
			default:
			}
		}
	}
}

func (s *Session) ctxErr() error {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Err()
}

func (s *Session) Events() <-chan session.Event { return s.events }

// StopOutput aborts the running turn and flushes outbound audio, keeping at
// most 40 ms (two frames) already queued.
func (s *Session) StopOutput() {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.synthesizing = false
	s.mu.Unlock()
	dropped := s.bus.Outbound.Flush(2)
	if dropped > 0 {
		log.Printf("[local] barge-in flushed %d outbound frames", dropped)
	}
}

func (s *Session) Speak(text string) error {
	if s.ctx == nil || s.ctx.Err() != nil {
		return session.NewError(session.KindInternal, "session not running", s.ctxErr())
	}
	select {
	case s.speakCh <- text:
		return nil
	case <-s.ctx.Done():
		return session.NewError(session.KindInternal, "session closed", s.ctx.Err())
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.g != nil {
			s.g.Wait()
		}
		// all emitters have stopped, safe to signal end-of-stream
		close(s.events)
	})
	return nil
}

func (s *Session) run() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case f := <-s.frames:
			s.handleFrame(f)
		case text := <-s.speakCh:
			s.g.Go(func() error {
				s.runSpeak(text)
				return nil
			})
		}
	}
}

func (s *Session) handleFrame(f audio.Frame) {
	start, end := s.vad.Process(f)
	if start {
		s.capture = s.capture[:0]
		s.mu.Lock()
		interrupting := s.synthesizing
		s.mu.Unlock()
		if interrupting {
			// caller spoke over playback: stop synthesis before the FSM
			// even sees the event, so the 120 ms budget holds
			s.StopOutput()
			// counted here, on the VAD edge, so the FSM's follow-up
			// StopOutput does not double-count the same barge-in
			metricBargeIns.Inc()
		}
		s.emit(session.Event{Type: session.EventUserSpeakingStart, TsMs: f.TsMs})
	}
	if s.vad.Speaking() && len(s.capture) < maxCaptureBytes {
		s.capture = append(s.capture, f.PCM...)
	}
	if end {
		s.emit(session.Event{Type: session.EventUserSpeakingEnd, TsMs: f.TsMs})
		pcm := make([]byte, len(s.capture))
		copy(pcm, s.capture)
		s.capture = s.capture[:0]
		s.g.Go(func() error {
			s.runTurn(pcm)
			return nil
		})
	}
}

// runTurn executes one STT -> LLM -> TTS turn on its own goroutine so the
// frame loop keeps running VAD during playback. At most one turn is live: a
// barge-in cancels the previous turn before a new one can begin.
func (s *Session) runTurn(pcm []byte) {
	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnCancel = cancel
	s.synthesizing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.synthesizing = false
		s.mu.Unlock()
	}()

	t0 := time.Now()
	var d session.Durations

	sttStart := time.Now()
	transcript, err := s.backends.STT.Transcribe(turnCtx, pcm, func(p string) {
		s.emit(session.Event{Type: session.EventSTTPartial, Text: p, TurnID: turnID})
	})
	d.SttMs = time.Since(sttStart).Milliseconds()
	if err != nil {
		s.emitStageError("stt", err, turnCtx)
		return
	}
	s.emit(session.Event{Type: session.EventSTTFinal, Text: transcript, TurnID: turnID})

	llmStart := time.Now()
	tokens, err := s.backends.LLM.Stream(turnCtx, transcript, s.params)
	if err != nil {
		s.emitStageError("llm", err, turnCtx)
		return
	}

	firstAudioSent := false
	var pending strings.Builder
	pendingTokens := 0
	flush := func() bool {
		if pending.Len() == 0 {
			return true
		}
		text := pending.String()
		pending.Reset()
		pendingTokens = 0
		ttsStart := time.Now()
		ok := s.synthesize(turnCtx, text, &firstAudioSent)
		d.TtsMs += time.Since(ttsStart).Milliseconds()
		return ok
	}

	// first token budget: a stalled model counts as a backend timeout
	firstToken := time.NewTimer(firstTokenBudget)
	defer firstToken.Stop()
	gotFirst := false

stream:
	for {
		var tok string
		var open bool
		if !gotFirst {
			select {
			case tok, open = <-tokens:
			case <-firstToken.C:
				s.emit(session.Event{Type: session.EventError, TurnID: turnID,
					Err: session.NewError(session.KindBackendTimeout, "no llm token within budget", nil)})
				metricTurnErrors.WithLabelValues("llm_timeout").Inc()
				return
			case <-turnCtx.Done():
				return
			}
		} else {
			select {
			case tok, open = <-tokens:
			case <-turnCtx.Done():
				return
			}
		}
		if !open {
			break stream
		}
		gotFirst = true
		s.emit(session.Event{Type: session.EventLLMToken, Text: tok, TurnID: turnID})
		pending.WriteString(tok)
		pendingTokens++
		if pendingTokens >= flushTokenCount || endsSentence(tok) {
			if !flush() {
				return
			}
		}
	}
	// mid-stream flushes ran TTS inside the token loop; subtract that so the
	// LLM column only carries token-wait time
	d.LlmMs = time.Since(llmStart).Milliseconds() - d.TtsMs
	if d.LlmMs < 0 {
		d.LlmMs = 0
	}
	if !flush() {
		return
	}

	d.E2eMs = time.Since(t0).Milliseconds()
	metricTurnE2E.Observe(float64(d.E2eMs))
	s.emit(session.Event{Type: session.EventTurnEnd, TurnID: turnID, Durations: d})
}

func (s *Session) runSpeak(text string) {
	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnCancel = cancel
	s.synthesizing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.synthesizing = false
		s.mu.Unlock()
	}()

	var first bool
	if s.synthesize(turnCtx, text, &first) {
		s.emit(session.Event{Type: session.EventSpeakDone})
	}
}

// synthesize runs TTS for one text chunk and paces the resulting PCM onto
// the outbound queue at the 20 ms frame cadence. Returns false if the turn
// was cancelled mid-way.
func (s *Session) synthesize(ctx context.Context, text string, firstAudioSent *bool) bool {
	chunks, err := s.backends.TTS.Synthesize(ctx, text)
	if err != nil {
		s.emitStageError("tts", err, ctx)
		return false
	}
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	var buf []byte
	emitFrame := func(pcm []byte) bool {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
		s.mu.Lock()
		s.outSeq++
		seq := s.outSeq
		s.mu.Unlock()
		f := audio.Frame{Seq: seq, TsMs: uint32(time.Now().UnixMilli()), PCM: pcm}
		if err := s.bus.Outbound.Push(f); err != nil {
			return false
		}
		if !*firstAudioSent {
			*firstAudioSent = true
			s.emit(session.Event{Type: session.EventFirstAudio, TsMs: f.TsMs})
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case chunk, open := <-chunks:
			if !open {
				// pad the tail to a whole frame
				if len(buf) > 0 {
					frame := make([]byte, audio.BytesPerFrame)
					copy(frame, buf)
					return emitFrame(frame)
				}
				return true
			}
			buf = append(buf, chunk...)
			for len(buf) >= audio.BytesPerFrame {
				frame := make([]byte, audio.BytesPerFrame)
				copy(frame, buf[:audio.BytesPerFrame])
				buf = buf[audio.BytesPerFrame:]
				if !emitFrame(frame) {
					return false
				}
			}
		}
	}
}

func (s *Session) emitStageError(stage string, err error, ctx context.Context) {
	if ctx.Err() != nil {
		return // cancelled turns are not backend failures
	}
	metricTurnErrors.WithLabelValues(stage).Inc()
	s.emit(session.Event{Type: session.EventError,
		Err: session.NewError(session.KindBackendUnavailable, stage+" stage failed", err)})
}

func (s *Session) emit(ev session.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func endsSentence(tok string) bool {
	t := strings.TrimSpace(tok)
	return strings.HasSuffix(t, ".") || strings.HasSuffix(t, "!") || strings.HasSuffix(t, "?")
}
