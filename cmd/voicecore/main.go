package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/auth"
	"tom/voicecore/internal/bandit"
	"tom/voicecore/internal/call"
	"tom/voicecore/internal/config"
	"tom/voicecore/internal/costlog"
	"tom/voicecore/internal/deploy"
	"tom/voicecore/internal/failover"
	"tom/voicecore/internal/feedback"
	"tom/voicecore/internal/gateway"
	"tom/voicecore/internal/local"
	"tom/voicecore/internal/policy"
	"tom/voicecore/internal/provider"
	"tom/voicecore/internal/record"
	"tom/voicecore/internal/reward"
	"tom/voicecore/internal/session"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Auth.TokenSecret == "" {
		log.Fatal("TOKEN_SECRET must be set")
	}
	if err := record.CheckPolicy(cfg.Record.Enabled, cfg.Backend.AllowExternal, cfg.Record.EgressOptIn); err != nil {
		log.Fatalf("recording policy: %v", err)
	}

	cat, err := policy.Load(cfg.Deploy.CatalogPath)
	if err != nil {
		log.Fatalf("policy catalog: %v", err)
	}
	bdt, err := bandit.New(cat.IDs(), cfg.Bandit.StatePath)
	if err != nil {
		log.Fatalf("bandit: %v", err)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	gate, err := deploy.New(cat, bdt, deploy.Config{
		StatePath:           cfg.Deploy.StatePath,
		SplitNew:            cfg.Deploy.TrafficSplitNew,
		SplitUncertain:      cfg.Deploy.TrafficSplitUncertain,
		BlacklistMinSamples: cfg.Bandit.BlacklistMinSamples,
		BlacklistMinReward:  cfg.Bandit.BlacklistMinReward,
	}, rng)
	if err != nil {
		log.Fatalf("deploy gate: %v", err)
	}
	store, err := feedback.OpenStore(cfg.Feedback.StorePath)
	if err != nil {
		log.Fatalf("feedback store: %v", err)
	}
	costLog, err := costlog.Open(cfg.Cost.LogDir, costlog.Prices{
		STTPerMin: cfg.Cost.PriceSTTPerMin,
		LLMPerMin: cfg.Cost.PriceLLMPerMin,
		TTSPerMin: cfg.Cost.PriceTTSPerMin,
	})
	if err != nil {
		log.Fatalf("cost log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbox := call.NewOutbox()
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		outbox.Run(ctx, store, gate, 30*time.Second)
	}()

	if cfg.Record.Enabled {
		j := record.NewJanitor(cfg.Record.Path, time.Duration(cfg.Record.RetentionHours)*time.Hour)
		go j.Run(ctx, time.Hour)
	}
	go feedbackRetention(ctx, store, cfg.Feedback.RetentionDays)

	weights := reward.Defaults()
	weights.OptimalDur = cfg.Reward.OptimalDurationSec

	failCfg := failover.Config{
		Mode:        cfg.Backend.Mode,
		TriggerMs:   cfg.Backend.FallbackTriggerMs,
		ErrorBurst:  cfg.Backend.FallbackErrorBurst,
		ErrorWindow: time.Duration(cfg.Backend.FallbackErrorWindowS) * time.Second,
		Cooldown:    time.Duration(cfg.Backend.FallbackCooldownS) * time.Second,
	}

	newCall := func(callID, profile, callerHash string) (*call.Call, *audio.Bus, error) {
		bus := audio.NewBus(audio.DefaultQueueDepth)
		var rec *record.Recorder
		if cfg.Record.Enabled {
			r, rerr := record.Open(cfg.Record.Path, callID)
			if rerr != nil {
				log.Printf("recorder for %s unavailable: %v", callID, rerr)
			} else {
				rec = r
			}
		}
		c := call.New(call.Config{
			CallID:   callID,
			Profile:  profile,
			Gate:     gate,
			Store:    store,
			Weights:  weights,
			Catalog:  cat,
			Outbox:   outbox,
			CostLog:  costLog,
			Recorder: rec,
			Bus:      bus,
			NewSession: func(v policy.Variant) (session.Session, error) {
				factory := func(kind session.BackendKind) (session.Session, error) {
					switch kind {
					case session.BackendProvider:
						return provider.NewSession(bus, provider.Config{
							URL:           cfg.Backend.ProviderURL,
							Token:         cfg.Backend.ProviderToken,
							CallID:        callID,
							Profile:       profile,
							AllowExternal: cfg.Backend.AllowExternal,
						}), nil
					case session.BackendLocal:
						return local.NewSession(bus, local.DevBackends()), nil
					}
					return nil, fmt.Errorf("unknown backend kind %q", kind)
				}
				fc := failCfg
				fc.CallID = callID
				return failover.NewController(fc, factory)
			},
		})
		return c, bus, nil
	}

	gw := gateway.NewServer(gateway.Config{
		TokenSecret:     cfg.Auth.TokenSecret,
		TokenSkewSecs:   cfg.Auth.TokenSkewSecs,
		PhoneHashSalt:   cfg.Feedback.PhoneHashSalt,
		OriginAllowlist: cfg.Server.OriginAllowlist,
		MaxFrameBytes:   cfg.Gateway.MaxFrameBytes,
		MsgsPerSec:      cfg.Gateway.RateLimitMsgsPerSec,
		BytesPerSec:     cfg.Gateway.RateLimitBytesPerSec,
		ConnPerMin:      cfg.Gateway.RateLimitConnPerMin,
	}, auth.NewNonceStore(), newCall)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/call", gw.HandleCallWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutdown signal received; stopping server...")
		cancel() // flushes the outbox and stops the janitors
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("voicecore starting on %s (backend_mode=%s)", addr, cfg.Backend.Mode)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Println("server error:", err)
		os.Exit(1)
	}

	// The outbox final flush records outcomes into the bandit, so it must
	// finish before the bandit saves state and stops.
	cancel()
	<-outboxDone
	if err := bdt.Close(); err != nil {
		log.Printf("bandit state save failed: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("feedback store close failed: %v", err)
	}
}

// feedbackRetention prunes feedback events past the retention window once a
// day, plus once shortly after boot.
func feedbackRetention(ctx context.Context, store *feedback.Store, days int) {
	if days <= 0 {
		return
	}
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	prune := func() {
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
		if n, err := store.Cleanup(cutoff); err != nil {
			log.Printf("feedback cleanup failed: %v", err)
		} else if n > 0 {
			log.Printf("feedback cleanup removed %d expired events", n)
		}
	}
	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
