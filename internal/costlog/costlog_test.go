package costlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tom/voicecore/internal/session"
)

func TestAppendComputesCosts(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, Prices{STTPerMin: 0.030, LLMPerMin: 0.040, TTSPerMin: 0.010})
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	r, err := l.Append("abc123", session.Durations{SttMs: 60000, LlmMs: 30000, TtsMs: 120000})
	require.NoError(t, err)
	require.InDelta(t, 0.030, r.CostStt, 1e-9) // one full minute
	require.InDelta(t, 0.020, r.CostLlm, 1e-9)
	require.InDelta(t, 0.020, r.CostTts, 1e-9)
	require.InDelta(t, 0.070, r.CostTotal, 1e-9)

	f, err := os.Open(filepath.Join(dir, "cost_2025-06-01.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var got Record
	require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
	require.Equal(t, "abc123", got.CallIDHash)
	require.InDelta(t, 60.0, got.SttSec, 1e-9)
}

func TestAppendAccumulatesLines(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, Prices{})
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	_, err = l.Append("a", session.Durations{})
	require.NoError(t, err)
	_, err = l.Append("b", session.Durations{})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "cost_2025-06-01.jsonl"))
	require.NoError(t, err)
	lines := 0
	for _, c := range b {
		if c == '\n' {
			lines++
		}
	}
	require.Equal(t, 2, lines)
}
