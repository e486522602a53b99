package feedback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is an append-only JSONL log of feedback events keyed by
// (ts_hour, call_id_hash). Appends are durable before they return.
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, f: f}, nil
}

// Append validates, writes, and fsyncs one event.
func (s *Store) Append(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("feedback append: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("feedback fsync: %w", err)
	}
	metricAppends.Inc()
	return nil
}

// VariantStats aggregates outcomes per policy variant.
type VariantStats struct {
	Count      int     `json:"count"`
	MeanReward float64 `json:"mean_reward"`
	Resolved   int     `json:"resolved"`
}

// Stats scans events with ts_hour >= sinceTs and aggregates them by variant.
func (s *Store) Stats(sinceTs int64) (map[string]VariantStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]VariantStats)
	sums := make(map[string]float64)
	err := s.scanLocked(func(e Event) {
		if e.TsHour < sinceTs {
			return
		}
		vs := out[e.PolicyVariantID]
		vs.Count++
		if e.Signals.Resolution {
			vs.Resolved++
		}
		sums[e.PolicyVariantID] += e.Reward
		out[e.PolicyVariantID] = vs
	})
	if err != nil {
		return nil, err
	}
	for id, vs := range out {
		vs.MeanReward = sums[id] / float64(vs.Count)
		out[id] = vs
	}
	return out, nil
}

// Cleanup drops events with ts_hour < olderThanTs, rewriting the log
// atomically. Returns how many records were removed.
func (s *Store) Cleanup(olderThanTs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []Event
	removed := 0
	err := s.scanLocked(func(e Event) {
		if e.TsHour < olderThanTs {
			removed++
		} else {
			kept = append(kept, e)
		}
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	for _, e := range kept {
		b, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			return 0, err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			tmp.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return 0, err
	}
	// reopen the append handle on the new inode
	s.f.Close()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	s.f = f
	return removed, nil
}

func (s *Store) scanLocked(fn func(Event)) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			// a torn tail line from a crash is skipped, not fatal
			continue
		}
		fn(e)
	}
	return sc.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
