package costlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tom/voicecore/internal/session"
)

// Prices are per-minute rates for each pipeline stage.
type Prices struct {
	STTPerMin float64
	LLMPerMin float64
	TTSPerMin float64
}

// Record is one call's cost line, derived from turn-end timing metadata.
type Record struct {
	Ts         string  `json:"ts"`
	CallIDHash string  `json:"call_id_hash"`
	SttSec     float64 `json:"stt_sec"`
	LlmSec     float64 `json:"llm_sec"`
	TtsSec     float64 `json:"tts_sec"`
	CostStt    float64 `json:"cost_stt"`
	CostLlm    float64 `json:"cost_llm"`
	CostTts    float64 `json:"cost_tts"`
	CostTotal  float64 `json:"cost_total"`
}

// Log appends per-call cost records to a day-keyed JSONL file.
type Log struct {
	mu     sync.Mutex
	dir    string
	prices Prices
	now    func() time.Time
}

func Open(dir string, prices Prices) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Log{dir: dir, prices: prices, now: time.Now}, nil
}

// Append writes one cost record from accumulated stage durations.
func (l *Log) Append(callIDHash string, d session.Durations) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	r := Record{
		Ts:         now.Format(time.RFC3339),
		CallIDHash: callIDHash,
		SttSec:     float64(d.SttMs) / 1000,
		LlmSec:     float64(d.LlmMs) / 1000,
		TtsSec:     float64(d.TtsMs) / 1000,
	}
	r.CostStt = r.SttSec / 60 * l.prices.STTPerMin
	r.CostLlm = r.LlmSec / 60 * l.prices.LLMPerMin
	r.CostTts = r.TtsSec / 60 * l.prices.TTSPerMin
	r.CostTotal = r.CostStt + r.CostLlm + r.CostTts

	path := filepath.Join(l.dir, "cost_"+now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Record{}, fmt.Errorf("open cost log: %w", err)
	}
	defer f.Close()
	b, err := json.Marshal(r)
	if err != nil {
		return Record{}, err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return Record{}, err
	}
	return r, nil
}
