package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatencyTriggerNeedsSustainedTraffic(t *testing.T) {
	cfg := testCfg("provider_then_local")
	cfg.Sustained = 2 * time.Minute
	h := newHealth(cfg)
	now := time.Now()

	// fresh backend with slow turns: cold start, no trigger yet
	h.recordLatency(now, 1500)
	require.False(t, h.latencyDegraded(now))

	// two minutes in, still slow: trigger
	later := now.Add(2 * time.Minute)
	for i := 0; i < 10; i++ {
		h.recordLatency(later, 1500)
	}
	require.True(t, h.latencyDegraded(later))
}

func TestLatencyP95IgnoresOutliers(t *testing.T) {
	cfg := testCfg("provider_then_local")
	cfg.Sustained = time.Millisecond
	h := newHealth(cfg)
	now := time.Now()
	h.recordLatency(now.Add(-time.Minute), 100)

	later := now.Add(time.Second)
	for i := 0; i < 99; i++ {
		h.recordLatency(later, 200)
	}
	h.recordLatency(later, 5000) // one outlier is below the p95
	require.False(t, h.latencyDegraded(later))
}

func TestLatencyWindowPrunes(t *testing.T) {
	cfg := testCfg("provider_then_local")
	cfg.Sustained = time.Millisecond
	h := newHealth(cfg)
	now := time.Now()
	h.recordLatency(now, 2000)
	require.False(t, h.latencyDegraded(now.Add(2*time.Minute)), "stale samples outside 60 s must not trigger")
}

func TestErrorBurstWindow(t *testing.T) {
	h := newHealth(testCfg("provider_then_local"))
	now := time.Now()
	h.recordError(now)
	h.recordError(now.Add(5 * time.Second))
	require.False(t, h.errorBurst(now.Add(6*time.Second)))
	h.recordError(now.Add(9 * time.Second))
	require.True(t, h.errorBurst(now.Add(10*time.Second)), "three errors within 10 s trip the 60 s window")

	// the window slides: old errors age out
	h2 := newHealth(testCfg("provider_then_local"))
	h2.recordError(now)
	h2.recordError(now.Add(time.Second))
	h2.recordError(now.Add(90 * time.Second))
	require.False(t, h2.errorBurst(now.Add(90*time.Second)))
}
