package failover

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/policy"
	"tom/voicecore/internal/session"
)

// Controller states.
type State string

const (
	StatePrimaryUp   State = "PRIMARY_UP"
	StateDegraded    State = "DEGRADED"
	StateSwitching   State = "SWITCHING"
	StateSecondaryUp State = "SECONDARY_UP"
	StateCooldown    State = "COOLDOWN"
)

// Factory builds a fresh backend session of the given kind.
type Factory func(kind session.BackendKind) (session.Session, error)

// Config tunes health detection. Durations of zero take the defaults.
type Config struct {
	Mode        string // provider_only, local_only, provider_then_local, local_then_provider
	CallID      string // stamped into the published session descriptor
	TriggerMs   int
	ErrorBurst  int
	ErrorWindow time.Duration
	Cooldown    time.Duration
	Sustained   time.Duration // traffic required before the latency trigger arms
	Handover    time.Duration
}

func (c *Config) fill() {
	if c.TriggerMs <= 0 {
		c.TriggerMs = 800
	}
	if c.ErrorBurst <= 0 {
		c.ErrorBurst = 3
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	if c.Sustained <= 0 {
		c.Sustained = 2 * time.Minute
	}
	if c.Handover <= 0 {
		c.Handover = 200 * time.Millisecond
	}
}

// backendOrder maps a mode onto the preference list.
func backendOrder(mode string) ([]session.BackendKind, error) {
	switch mode {
	case "provider_only":
		return []session.BackendKind{session.BackendProvider}, nil
	case "local_only":
		return []session.BackendKind{session.BackendLocal}, nil
	case "provider_then_local", "":
		return []session.BackendKind{session.BackendProvider, session.BackendLocal}, nil
	case "local_then_provider":
		return []session.BackendKind{session.BackendLocal, session.BackendProvider}, nil
	}
	return nil, fmt.Errorf("unknown backend mode %q", mode)
}

// Controller realizes the session capability by composition: it owns one
// live backend session at a time, watches its health, and swaps in the
// alternate when the detectors fire. Consumers see a single uninterrupted
// event stream.
type Controller struct {
	cfg     Config
	order   []session.BackendKind
	factory Factory

	events chan session.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	active        session.Session
	activeKind    session.BackendKind
	activeDesc    session.Descriptor
	activeIdx     int
	variant       policy.Variant
	state         State
	cooldownUntil time.Time
	health        *health
	forwardGen    int
	closed        bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewController(cfg Config, factory Factory) (*Controller, error) {
	cfg.fill()
	order, err := backendOrder(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		order:   order,
		factory: factory,
		events:  make(chan session.Event, 64),
	}, nil
}

// Start brings up the first healthy backend in preference order.
func (c *Controller) Start(ctx context.Context, variant policy.Variant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.variant = variant
	for i, kind := range c.order {
		if err := c.startBackendLocked(kind); err != nil {
			log.Printf("[failover] backend %s failed to start: %v", kind, err)
			continue
		}
		c.activeIdx = i
		c.state = StatePrimaryUp
		if i > 0 {
			c.state = StateSecondaryUp
		}
		return nil
	}
	return session.NewError(session.KindTerminal, "no backend available", nil)
}

func (c *Controller) startBackendLocked(kind session.BackendKind) error {
	s, err := c.factory(kind)
	if err != nil {
		return err
	}
	if err := s.Start(c.ctx, c.variant); err != nil {
		s.Close()
		return err
	}
	c.active = s
	c.activeKind = kind
	c.activeDesc = session.Descriptor{
		SessionID:       uuid.NewString(),
		CallID:          c.cfg.CallID,
		PolicyVariantID: c.variant.ID,
		Backend:         kind,
		CreatedAt:       time.Now(),
	}
	c.health = newHealth(c.cfg)
	c.forwardGen++
	gen := c.forwardGen
	c.wg.Add(1)
	go c.forward(s, gen)
	setBackendGauge(kind)
	log.Printf("[failover] backend %s active session=%s call=%s variant=%s",
		kind, c.activeDesc.SessionID, c.activeDesc.CallID, c.activeDesc.PolicyVariantID)
	return nil
}

// forward relays one backend's events, feeding the health detectors. A
// stale generation (after a switch) stops silently.
func (c *Controller) forward(s session.Session, gen int) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			c.mu.Lock()
			stale := gen != c.forwardGen
			c.mu.Unlock()
			if stale {
				return
			}
			if !c.observe(ev) {
				continue // absorbed by failover
			}
			select {
			case c.events <- ev:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// observe updates health from one event. Returns false when the event is
// absorbed (recoverable errors that trigger a switch instead of surfacing).
func (c *Controller) observe(ev session.Event) bool {
	switch ev.Type {
	case session.EventTurnEnd:
		c.mu.Lock()
		c.health.recordLatency(time.Now(), ev.Durations.E2eMs)
		degraded := c.health.latencyDegraded(time.Now())
		c.mu.Unlock()
		if degraded {
			c.trigger("latency")
		}
		return true
	case session.EventError:
		if ev.Err != nil && ev.Err.Kind.Recoverable() {
			c.mu.Lock()
			c.health.recordError(time.Now())
			burst := c.health.errorBurst(time.Now())
			c.mu.Unlock()
			if burst {
				c.trigger("errors")
				return false
			}
			// single recoverable error: absorbed, the backend may recover
			return false
		}
		return true
	}
	return true
}

// trigger runs the switch protocol unless cooldown or policy forbids it.
func (c *Controller) trigger(cause string) {
	c.mu.Lock()
	if c.closed || c.state == StateSwitching {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Before(c.cooldownUntil) {
		c.mu.Unlock()
		log.Printf("[failover] %s trigger ignored, cooldown until %s", cause, c.cooldownUntil.Format(time.RFC3339))
		return
	}
	if len(c.order) < 2 {
		c.mu.Unlock()
		c.surfaceTerminal("backend degraded (" + cause + ") and policy allows no alternate")
		return
	}
	c.state = StateDegraded
	old := c.active
	oldKind := c.activeKind
	nextIdx := (c.activeIdx + 1) % len(c.order)
	nextKind := c.order[nextIdx]
	c.state = StateSwitching
	log.Printf("[failover] switching %s -> %s cause=%s", oldKind, nextKind, cause)

	if err := c.startBackendLocked(nextKind); err != nil {
		c.mu.Unlock()
		c.surfaceTerminal("both backends unavailable")
		return
	}
	c.activeIdx = nextIdx
	c.state = StateSecondaryUp
	c.cooldownUntil = now.Add(c.cfg.Cooldown)
	handover := c.cfg.Handover
	c.mu.Unlock()

	metricFailovers.Inc()

	// the old session may still flush its last frames during the handover
	// window, then it is torn down
	go func() {
		time.Sleep(handover)
		old.Close()
	}()
}

func (c *Controller) surfaceTerminal(msg string) {
	ev := session.Event{Type: session.EventError,
		Err: session.NewError(session.KindTerminal, msg, nil)}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Controller) PushFrame(f audio.Frame) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return session.NewError(session.KindInternal, "no active backend", nil)
	}
	return s.PushFrame(f)
}

func (c *Controller) Events() <-chan session.Event { return c.events }

func (c *Controller) StopOutput() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s != nil {
		s.StopOutput()
	}
}

func (c *Controller) Speak(text string) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return session.NewError(session.KindInternal, "no active backend", nil)
	}
	return s.Speak(text)
}

// ActiveBackend reports which backend currently serves the call.
func (c *Controller) ActiveBackend() session.BackendKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeKind
}

// Describe returns the descriptor of the live backend session. A failover
// replaces it wholesale: fresh session id, new backend kind, new birth time.
func (c *Controller) Describe() session.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeDesc
}

// CurrentState reports the controller state, for introspection and tests.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		s := c.active
		c.mu.Unlock()
		if s != nil {
			s.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		close(c.events)
	})
	return nil
}
