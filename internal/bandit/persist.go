package bandit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const stateVersion = 1

type state struct {
	Version int   `json:"version"`
	Arms    []Arm `json:"arms"`
}

func loadState(path string) (state, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return state{}, err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return state{}, fmt.Errorf("corrupt bandit state: %w", err)
	}
	if st.Version != stateVersion {
		return state{}, fmt.Errorf("bandit state version %d, want %d", st.Version, stateVersion)
	}
	return st, nil
}

// WriteStateFile atomically replaces path with the serialized state:
// temp file in the same directory, fsync, rename.
func WriteStateFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// persister serializes state writes on a dedicated goroutine so Update never
// blocks on disk. The queue keeps only the latest snapshot: intermediate
// states are superseded, not worth an fsync each.
type persister struct {
	path    string
	pending chan state
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPersister(path string) *persister {
	p := &persister{
		path:    path,
		pending: make(chan state, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue hands a snapshot to the writer goroutine. Snapshots arriving after
// stop are dropped; the caller already wrote a final state synchronously, and
// a late update (shutdown outbox flush) must not panic on the closed channel.
func (p *persister) enqueue(st state) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for {
		select {
		case p.pending <- st:
			return
		default:
			// slot full: discard the superseded snapshot
			select {
			case <-p.pending:
			default:
			}
		}
	}
}

func (p *persister) run() {
	defer close(p.done)
	for st := range p.pending {
		if err := p.writeNow(st); err != nil {
			log.Printf("[bandit] persist %s failed: %v", p.path, err)
			metricPersistErrors.Inc()
		}
	}
}

func (p *persister) writeNow(st state) error {
	return WriteStateFile(p.path, st)
}

func (p *persister) stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.pending)
	}
	p.mu.Unlock()
	<-p.done
}
