package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/auth"
	"tom/voicecore/internal/call"
	"tom/voicecore/internal/session"
)

const helloTimeout = 5 * time.Second

// Config is the transport-facing slice of the process config.
type Config struct {
	TokenSecret     string
	TokenSkewSecs   int
	PhoneHashSalt   string
	OriginAllowlist []string
	MaxFrameBytes   int
	MsgsPerSec      int
	BytesPerSec     int
	ConnPerMin      int
}

func (c *Config) fill() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	if c.MsgsPerSec <= 0 {
		c.MsgsPerSec = 120
	}
	if c.BytesPerSec <= 0 {
		c.BytesPerSec = 256 * 1024
	}
	if c.ConnPerMin <= 0 {
		c.ConnPerMin = 30
	}
}

// CallFactory builds the FSM and its audio bus for one accepted call.
// callerHash is empty when the transport did not carry a caller id.
type CallFactory func(callID, profile, callerHash string) (*call.Call, *audio.Bus, error)

// Server terminates the duplex websocket transport: it authenticates, rate
// limits, spawns a call FSM per connection, and shuttles audio frames and
// typed JSON messages between the socket and the call.
type Server struct {
	cfg     Config
	nonces  *auth.NonceStore
	newCall CallFactory
	conns   *connLimiter
}

func NewServer(cfg Config, nonces *auth.NonceStore, factory CallFactory) *Server {
	cfg.fill()
	return &Server{
		cfg:     cfg,
		nonces:  nonces,
		newCall: factory,
		conns:   newConnLimiter(cfg.ConnPerMin),
	}
}

// HandleCallWS is the websocket endpoint for one call:
// GET /ws/call?call_id=...&token=...[&cli=...]
func (s *Server) HandleCallWS(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		metricConnections.WithLabelValues("bad_request").Inc()
		return
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.conns.allow(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		metricConnections.WithLabelValues("conn_rate_limited").Inc()
		return
	}
	claims, err := s.authenticate(r, callID)
	if err != nil {
		log.Printf("[gateway] %s auth rejected: %v", callID, err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		metricConnections.WithLabelValues("auth_failed").Inc()
		return
	}

	// cross-origin is denied unless the operator allowlists the origin
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginAllowlist,
	})
	if err != nil {
		log.Printf("[gateway] %s accept: %v", callID, err)
		metricConnections.WithLabelValues("origin_denied").Inc()
		return
	}
	// headroom over the frame cap so oversized frames are rejected by us
	// with a typed error instead of an opaque 1009 close
	conn.SetReadLimit(int64(s.cfg.MaxFrameBytes) + 4096)

	metricConnections.WithLabelValues("accepted").Inc()
	metricActiveConns.Inc()
	defer metricActiveConns.Dec()

	s.serve(r.Context(), conn, callID, claims, r.URL.Query().Get("cli"))
}

func (s *Server) authenticate(r *http.Request, callID string) (auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return auth.Claims{}, auth.ErrTokenFormat
	}
	claims, err := auth.ValidateCallToken(s.cfg.TokenSecret, token, callID, time.Now(), s.cfg.TokenSkewSecs)
	if err != nil {
		return auth.Claims{}, err
	}
	if err := s.nonces.Consume(claims.Nonce, time.Unix(claims.ExpiresAt, 0)); err != nil {
		return auth.Claims{}, err
	}
	return claims, nil
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, callID string, claims auth.Claims, cli string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hello, err := s.readHello(ctx, conn, callID)
	if err != nil {
		log.Printf("[gateway] %s hello: %v", callID, err)
		s.closeWithError(ctx, conn, session.KindValidation, err.Error())
		return
	}

	callerHash := s.hashCaller(callID, cli)
	c, bus, err := s.newCall(callID, hello.Profile, callerHash)
	if err != nil {
		log.Printf("[gateway] %s call setup: %v", callID, err)
		s.closeWithError(ctx, conn, session.KindInternal, "call setup failed")
		return
	}
	c.Start(ctx)
	c.Answer()
	log.Printf("[gateway] %s connected subject=%s profile=%s", callID, claims.Subject, hello.Profile)

	go s.writeLoop(ctx, conn, c, bus)
	s.readLoop(ctx, conn, c, bus)

	// reader done: wait for the FSM to finish its CLOSING work before the
	// deferred cancel tears the socket context down
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (s *Server) readHello(ctx context.Context, conn *websocket.Conn, callID string) (session.WireMsg, error) {
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	typ, data, err := conn.Read(hctx)
	if err != nil {
		return session.WireMsg{}, fmt.Errorf("read: %w", err)
	}
	if typ != websocket.MessageText {
		return session.WireMsg{}, fmt.Errorf("first message must be hello")
	}
	var msg session.WireMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return session.WireMsg{}, fmt.Errorf("malformed hello: %w", err)
	}
	if msg.Type != session.MsgHello {
		return session.WireMsg{}, fmt.Errorf("first message must be hello, got %q", msg.Type)
	}
	if msg.CallID != callID {
		return session.WireMsg{}, fmt.Errorf("hello call_id mismatch")
	}
	return msg, nil
}

// hashCaller anonymizes the transport-provided caller number. The raw number
// never leaves this function.
func (s *Server) hashCaller(callID, cli string) string {
	if cli == "" {
		return ""
	}
	normalized, err := auth.NormalizeE164(cli)
	if err != nil {
		log.Printf("[gateway] %s caller id unparseable, dropping", callID)
		return ""
	}
	h, err := auth.HashNumber(normalized, s.cfg.PhoneHashSalt)
	if err != nil {
		log.Printf("[gateway] %s caller id not hashed: %v", callID, err)
		return ""
	}
	log.Printf("[gateway] %s caller %s", callID, auth.MaskNumber(normalized))
	return h
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *call.Call, bus *audio.Bus) {
	msgs := newTokenBucket(s.cfg.MsgsPerSec)
	bytes := newTokenBucket(s.cfg.BytesPerSec)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.Hangup("transport_closed")
			return
		}
		if !msgs.allow(1) || !bytes.allow(float64(len(data))) {
			metricRejectedMsgs.WithLabelValues("rate_limited").Inc()
			s.closeWithError(ctx, conn, session.KindRateLimited, "message rate exceeded")
			c.Hangup("rate_limited")
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if len(data) > s.cfg.MaxFrameBytes {
				metricRejectedMsgs.WithLabelValues("frame_too_large").Inc()
				s.closeWithError(ctx, conn, session.KindFrameTooLarge,
					fmt.Sprintf("frame exceeds %d bytes", s.cfg.MaxFrameBytes))
				c.Hangup("frame_too_large")
				return
			}
			f, err := session.DecodeFrame(data)
			if err != nil {
				metricRejectedMsgs.WithLabelValues("malformed_frame").Inc()
				continue
			}
			// the decoded PCM aliases the read buffer
			f.PCM = append([]byte(nil), f.PCM...)
			bus.Inbound.Push(f)

		case websocket.MessageText:
			var msg session.WireMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				metricRejectedMsgs.WithLabelValues("malformed_json").Inc()
				s.closeWithError(ctx, conn, session.KindValidation, "malformed message")
				c.Hangup("protocol_error")
				return
			}
			switch msg.Type {
			case session.MsgBye:
				c.Hangup("bye")
				return
			case session.MsgPing:
				s.writeMsg(ctx, conn, session.WireMsg{Type: session.MsgPong, TsMs: msg.TsMs})
			case session.MsgPong:
				// keepalive answer, nothing to do
			default:
				metricRejectedMsgs.WithLabelValues("unexpected_type").Inc()
			}
		}
	}
}

// writeLoop drains outbound audio and relays call events until the call ends.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *call.Call, bus *audio.Bus) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-bus.Outbound.Wait():
			for {
				f, ok := bus.Outbound.Pop()
				if !ok {
					break
				}
				c.RecordOut(f)
				wctx, cancel := context.WithTimeout(ctx, time.Second)
				err := conn.Write(wctx, websocket.MessageBinary, session.EncodeFrame(f))
				cancel()
				if err != nil {
					return
				}
			}

		case ev, ok := <-c.Events():
			if !ok {
				// call ended on the FSM side; the close also unblocks the
				// reader so the handler can finish
				s.writeMsg(ctx, conn, session.WireMsg{Type: session.MsgBye})
				conn.Close(websocket.StatusNormalClosure, "call ended")
				return
			}
			if msg, ok := eventToWire(ev); ok {
				s.writeMsg(ctx, conn, msg)
			}
		}
	}
}

// eventToWire maps relayed session events onto the typed JSON protocol.
// Internal events (speak_done, first_audio, VAD edges) stay internal.
func eventToWire(ev session.Event) (session.WireMsg, bool) {
	switch ev.Type {
	case session.EventSTTPartial:
		return session.WireMsg{Type: session.MsgSTTPartial, Text: ev.Text, TsMs: ev.TsMs}, true
	case session.EventSTTFinal:
		return session.WireMsg{Type: session.MsgSTTFinal, Text: ev.Text, TsMs: ev.TsMs}, true
	case session.EventLLMToken:
		return session.WireMsg{Type: session.MsgLLMToken, Text: ev.Text, TsMs: ev.TsMs}, true
	case session.EventTurnEnd:
		d := ev.Durations
		return session.WireMsg{Type: session.MsgTurnEnd, TurnID: ev.TurnID, Durations: &d}, true
	case session.EventBargeIn:
		return session.WireMsg{Type: session.MsgBargeIn, TsMs: ev.TsMs}, true
	case session.EventError:
		code := session.KindInternal.WireCode()
		msg := "internal error"
		if ev.Err != nil {
			code = ev.Err.Kind.WireCode()
			msg = ev.Err.Msg
		}
		return session.WireMsg{Type: session.MsgError, Code: code, Message: msg}, true
	default:
		return session.WireMsg{}, false
	}
}

func (s *Server) writeMsg(ctx context.Context, conn *websocket.Conn, msg session.WireMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, b)
}

// closeWithError sends a final typed error and closes with a policy cause.
func (s *Server) closeWithError(ctx context.Context, conn *websocket.Conn, kind session.Kind, message string) {
	s.writeMsg(ctx, conn, session.WireMsg{Type: session.MsgError, Code: kind.WireCode(), Message: message})
	conn.Close(websocket.StatusPolicyViolation, string(kind))
}
