package provider

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/policy"
	"tom/voicecore/internal/session"
)

// msgSpeak asks the remote end to synthesize a literal utterance. Part of
// the provider protocol only, never seen by gateway clients.
const msgSpeak = "speak"

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 2 * time.Second
	pingInterval = 15 * time.Second
)

// Config for the remote duplex endpoint.
type Config struct {
	URL           string
	Token         string
	CallID        string
	Profile       string
	AllowExternal bool
}

// Session adapts a remote duplex audio endpoint to the session capability.
// Caller audio goes out as binary wire frames; remote audio and transcript
// events come back and are re-published locally. Outbound frames are
// re-sequenced so consumers always see a monotone seq regardless of what
// the remote sends.
type Session struct {
	bus *audio.Bus
	cfg Config

	events chan session.Event
	sendCh chan outMsg

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu      sync.Mutex
	outSeq  uint32
	started bool

	closeOnce sync.Once
}

type outMsg struct {
	typ  websocket.MessageType
	data []byte
}

func NewSession(bus *audio.Bus, cfg Config) *Session {
	return &Session{
		bus:    bus,
		cfg:    cfg,
		events: make(chan session.Event, 64),
		sendCh: make(chan outMsg, audio.DefaultQueueDepth),
	}
}

func (s *Session) Start(ctx context.Context, variant policy.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return session.NewError(session.KindInternal, "session already started", nil)
	}
	if !s.cfg.AllowExternal {
		return session.NewError(session.KindBackendUnavailable,
			"external backend disabled (ALLOW_EXTERNAL_BACKEND)", nil)
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	dialCtx, dialDone := context.WithTimeout(s.ctx, dialTimeout)
	defer dialDone()
	opts := &websocket.DialOptions{}
	if s.cfg.Token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + s.cfg.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, opts)
	if err != nil {
		return session.NewError(session.KindBackendUnavailable, "provider dial failed", err)
	}
	conn.SetReadLimit(256 * 1024)
	s.conn = conn

	hello, _ := json.Marshal(session.WireMsg{
		Type: session.MsgHello, CallID: s.cfg.CallID, Profile: s.cfg.Profile,
	})
	wctx, wdone := context.WithTimeout(s.ctx, writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, hello)
	wdone()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return session.NewError(session.KindBackendUnavailable, "provider hello failed", err)
	}

	s.g, _ = errgroup.WithContext(s.ctx)
	s.g.Go(s.readLoop)
	s.g.Go(s.writeLoop)
	s.g.Go(s.pingLoop)
	log.Printf("[provider] session up call=%s variant=%s", s.cfg.CallID, variant.ID)
	return nil
}

// PushFrame forwards a caller frame to the remote end. Never blocks; the
// oldest pending frame is dropped when the writer is behind.
func (s *Session) PushFrame(f audio.Frame) error {
	if s.ctx == nil || s.ctx.Err() != nil {
		return session.NewError(session.KindInternal, "session not running", nil)
	}
	msg := outMsg{typ: websocket.MessageBinary, data: session.EncodeFrame(f)}
	for {
		select {
		case s.sendCh <- msg:
			return nil
		default:
			select {
			case <-s.sendCh:
				metricSendDropped.Inc()
			default:
			}
		}
	}
}

func (s *Session) Events() <-chan session.Event { return s.events }

func (s *Session) StopOutput() {
	b, _ := json.Marshal(session.WireMsg{Type: session.MsgBargeIn, TsMs: uint32(time.Now().UnixMilli())})
	s.trySend(b)
	dropped := s.bus.Outbound.Flush(2)
	if dropped > 0 {
		log.Printf("[provider] barge-in flushed %d outbound frames", dropped)
	}
}

func (s *Session) Speak(text string) error {
	if s.ctx == nil || s.ctx.Err() != nil {
		return session.NewError(session.KindInternal, "session not running", nil)
	}
	b, _ := json.Marshal(session.WireMsg{Type: msgSpeak, Text: text})
	s.trySend(b)
	return nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			b, _ := json.Marshal(session.WireMsg{Type: session.MsgBye})
			wctx, done := context.WithTimeout(context.Background(), writeTimeout)
			s.conn.Write(wctx, websocket.MessageText, b)
			done()
			s.conn.Close(websocket.StatusNormalClosure, "call ended")
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.g != nil {
			s.g.Wait()
		}
		close(s.events)
	})
	return nil
}

func (s *Session) readLoop() error {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emit(session.Event{Type: session.EventError,
					Err: session.NewError(session.KindBackendUnavailable, "provider read failed", err)})
				metricConnErrors.Inc()
			}
			return nil
		}
		switch typ {
		case websocket.MessageBinary:
			s.handleAudio(data)
		case websocket.MessageText:
			s.handleText(data)
		}
	}
}

func (s *Session) handleAudio(data []byte) {
	f, err := session.DecodeFrame(data)
	if err != nil {
		metricBadFrames.Inc()
		return
	}
	pcm := make([]byte, len(f.PCM))
	copy(pcm, f.PCM)
	s.mu.Lock()
	s.outSeq++
	seq := s.outSeq
	s.mu.Unlock()
	first := seq == 1
	s.bus.Outbound.Push(audio.Frame{Seq: seq, TsMs: f.TsMs, PCM: pcm})
	if first {
		s.emit(session.Event{Type: session.EventFirstAudio, TsMs: f.TsMs})
	}
}

func (s *Session) handleText(data []byte) {
	var m session.WireMsg
	if err := json.Unmarshal(data, &m); err != nil {
		metricBadFrames.Inc()
		return
	}
	switch m.Type {
	case session.MsgSTTPartial:
		s.emit(session.Event{Type: session.EventSTTPartial, Text: m.Text, TsMs: m.TsMs, TurnID: m.TurnID})
	case session.MsgSTTFinal:
		// the remote end-pointed the utterance; surface the speaking edge
		// so the FSM sees the same event sequence as with the local pipeline
		s.emit(session.Event{Type: session.EventUserSpeakingEnd, TsMs: m.TsMs})
		s.emit(session.Event{Type: session.EventSTTFinal, Text: m.Text, TsMs: m.TsMs, TurnID: m.TurnID})
	case session.MsgLLMToken:
		s.emit(session.Event{Type: session.EventLLMToken, Text: m.Text, TsMs: m.TsMs, TurnID: m.TurnID})
	case session.MsgTurnEnd:
		ev := session.Event{Type: session.EventTurnEnd, TurnID: m.TurnID}
		if m.Durations != nil {
			ev.Durations = *m.Durations
		}
		metricTurnE2E.Observe(float64(ev.Durations.E2eMs))
		s.emit(ev)
	case session.MsgBargeIn:
		s.emit(session.Event{Type: session.EventUserSpeakingStart, TsMs: m.TsMs})
	case session.MsgError:
		s.emit(session.Event{Type: session.EventError,
			Err: session.NewError(session.KindBackendUnavailable, m.Code+": "+m.Message, nil)})
	case session.MsgPong:
		// liveness only
	}
}

func (s *Session) writeLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case msg := <-s.sendCh:
			wctx, done := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(wctx, msg.typ, msg.data)
			done()
			if err != nil {
				if s.ctx.Err() == nil {
					s.emit(session.Event{Type: session.EventError,
						Err: session.NewError(session.KindBackendUnavailable, "provider write failed", err)})
					metricConnErrors.Inc()
				}
				return nil
			}
		}
	}
}

func (s *Session) pingLoop() error {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-t.C:
			b, _ := json.Marshal(session.WireMsg{Type: session.MsgPing, TsMs: uint32(time.Now().UnixMilli())})
			s.trySend(b)
		}
	}
}

func (s *Session) trySend(data []byte) {
	select {
	case s.sendCh <- outMsg{typ: websocket.MessageText, data: data}:
	default:
	}
}

func (s *Session) emit(ev session.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
