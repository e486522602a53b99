package call

import (
	"context"
	"log"
	"sync"
	"time"

	"tom/voicecore/internal/deploy"
	"tom/voicecore/internal/feedback"
)

// OutboxEntry is one call outcome whose persistence failed. The reward is
// held in memory and retried so a transient disk problem never loses an
// observation or blocks a live call.
type OutboxEntry struct {
	Event      *feedback.Event
	VariantID  string
	Reward     float64
	NeedStore  bool
	NeedUpdate bool
}

// Outbox retries held entries on a bounded backoff and is flushed once more
// at shutdown.
type Outbox struct {
	mu      sync.Mutex
	entries []OutboxEntry
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Hold(e OutboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
	metricOutboxHeld.Inc()
	log.Printf("[call] outcome for variant %s held in outbox (%d pending)", e.VariantID, len(o.entries))
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Flush retries every held entry. Entries that fail again stay held.
func (o *Outbox) Flush(store *feedback.Store, gate *deploy.Gate) int {
	o.mu.Lock()
	pending := o.entries
	o.entries = nil
	o.mu.Unlock()

	flushed := 0
	var remain []OutboxEntry
	for _, e := range pending {
		if e.NeedStore && e.Event != nil {
			if err := store.Append(*e.Event); err != nil {
				remain = append(remain, e)
				continue
			}
			e.NeedStore = false
		}
		if e.NeedUpdate {
			if err := gate.RecordOutcome(e.VariantID, e.Reward); err != nil {
				remain = append(remain, e)
				continue
			}
			e.NeedUpdate = false
		}
		flushed++
	}
	if len(remain) > 0 {
		o.mu.Lock()
		o.entries = append(remain, o.entries...)
		o.mu.Unlock()
	}
	return flushed
}

// Run retries the outbox until ctx ends, with a final flush on the way out.
func (o *Outbox) Run(ctx context.Context, store *feedback.Store, gate *deploy.Gate, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := o.Flush(store, gate); n > 0 {
				log.Printf("[call] outbox flushed %d entries at shutdown", n)
			}
			return
		case <-t.C:
			if o.Len() > 0 {
				o.Flush(store, gate)
			}
		}
	}
}
