package deploy

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"tom/voicecore/internal/bandit"
	"tom/voicecore/internal/policy"
)

// Default exploration splits.
const (
	DefaultSplitNew       = 0.10
	DefaultSplitUncertain = 0.05
)

var ErrNoBase = errors.New("deploy state has no base variant")

// Config tunes the gate. Zero splits mean "no exploration", so callers
// normally pass the defaults explicitly from the typed config.
type Config struct {
	StatePath           string
	SplitNew            float64
	SplitUncertain      float64
	BlacklistMinSamples int
	BlacklistMinReward  float64
}

// Gate wraps the bandit with a traffic split and a blacklist. It owns the
// deploy state (ordered sets; the order makes seeded selection reproducible)
// and the injected RNG.
type Gate struct {
	mu     sync.Mutex
	cfg    Config
	bandit *bandit.Bandit
	rng    *rand.Rand
	st     State
}

// State is the persisted deploy document.
type State struct {
	Version       int      `json:"version"`
	Active        []string `json:"active"`
	Blacklist     []string `json:"blacklist"`
	NewVariants   []string `json:"new_variants"`
	Uncertain     []string `json:"uncertain_variants"`
	BaseVariantID string   `json:"base_variant_id"`
}

const stateVersion = 1

// New builds the gate from the catalog, restoring prior deploy state when
// present. Catalog ids unseen before join active and new_variants; ids that
// left the catalog are dropped from every set. The base variant is forced
// active and never blacklisted.
func New(cat policy.Catalog, b *bandit.Bandit, cfg Config, rng *rand.Rand) (*Gate, error) {
	base := cat.Base()
	if base.ID == "" {
		return nil, ErrNoBase
	}
	if cfg.BlacklistMinSamples <= 0 {
		cfg.BlacklistMinSamples = 20
	}
	g := &Gate{cfg: cfg, bandit: b, rng: rng}
	g.st = State{Version: stateVersion, BaseVariantID: base.ID}

	var prior State
	restored := false
	if cfg.StatePath != "" {
		if err := loadState(cfg.StatePath, &prior); err != nil {
			log.Printf("[deploy] state %s unreadable, rebuilding from catalog: %v", cfg.StatePath, err)
		} else {
			restored = true
		}
	}

	known := make(map[string]bool)
	for _, id := range cat.IDs() {
		known[id] = true
	}
	inPrior := make(map[string]bool)
	if restored {
		for _, id := range prior.Active {
			inPrior[id] = true
			if known[id] {
				g.st.Active = append(g.st.Active, id)
			}
		}
		for _, id := range prior.Blacklist {
			inPrior[id] = true
			if known[id] && id != base.ID {
				g.st.Blacklist = append(g.st.Blacklist, id)
			}
		}
		for _, id := range prior.NewVariants {
			if known[id] && contains(g.st.Active, id) {
				g.st.NewVariants = append(g.st.NewVariants, id)
			}
		}
		for _, id := range prior.Uncertain {
			if known[id] && contains(g.st.Active, id) {
				g.st.Uncertain = append(g.st.Uncertain, id)
			}
		}
	}
	for _, id := range cat.IDs() {
		b.AddVariant(id)
		if !inPrior[id] {
			g.st.Active = append(g.st.Active, id)
			if id != base.ID {
				g.st.NewVariants = append(g.st.NewVariants, id)
			}
		}
	}
	if !contains(g.st.Active, base.ID) {
		g.st.Active = append(g.st.Active, base.ID)
	}
	log.Printf("[deploy] gate ready: %d active, %d blacklisted, %d new, %d uncertain, base=%s",
		len(g.st.Active), len(g.st.Blacklist), len(g.st.NewVariants), len(g.st.Uncertain), base.ID)
	return g, g.persistLocked()
}

// Select picks the policy variant for one call:
// explore new, else explore uncertain, else Thompson-sample the eligible
// arms, else fall back to base.
func (g *Gate) Select() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.st.NewVariants) > 0 && g.rng.Float64() < g.cfg.SplitNew {
		id := g.st.NewVariants[g.rng.Intn(len(g.st.NewVariants))]
		metricSelections.WithLabelValues("new").Inc()
		return id
	}
	if len(g.st.Uncertain) > 0 && g.rng.Float64() < g.cfg.SplitUncertain {
		id := g.st.Uncertain[g.rng.Intn(len(g.st.Uncertain))]
		metricSelections.WithLabelValues("uncertain").Inc()
		return id
	}
	eligible := subtract(g.st.Active, g.st.Blacklist)
	if id, ok := g.bandit.Sample(g.rng, eligible); ok {
		metricSelections.WithLabelValues("bandit").Inc()
		return id
	}
	metricSelections.WithLabelValues("base").Inc()
	return g.st.BaseVariantID
}

// RecordOutcome folds a call's reward into the bandit, reclassifies the
// variant's new/uncertain membership, and sweeps blacklist candidates.
func (g *Gate) RecordOutcome(variantID string, reward float64) error {
	if err := g.bandit.Update(variantID, reward); err != nil {
		return fmt.Errorf("bandit update: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.bandit.Stats(variantID); ok {
		g.st.NewVariants = remove(g.st.NewVariants, variantID)
		if s.Confident {
			g.st.Uncertain = remove(g.st.Uncertain, variantID)
		} else if contains(g.st.Active, variantID) && !contains(g.st.Uncertain, variantID) {
			g.st.Uncertain = append(g.st.Uncertain, variantID)
		}
	}

	for _, id := range g.bandit.BlacklistCandidates(g.cfg.BlacklistMinSamples, g.cfg.BlacklistMinReward) {
		if id == g.st.BaseVariantID || contains(g.st.Blacklist, id) {
			continue
		}
		g.st.Active = remove(g.st.Active, id)
		g.st.NewVariants = remove(g.st.NewVariants, id)
		g.st.Uncertain = remove(g.st.Uncertain, id)
		g.st.Blacklist = append(g.st.Blacklist, id)
		metricBlacklisted.Inc()
		log.Printf("[deploy] variant %s blacklisted (sustained negative reward)", id)
	}
	return g.persistLocked()
}

// Snapshot returns a copy of the current deploy state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := g.st
	cp.Active = append([]string(nil), g.st.Active...)
	cp.Blacklist = append([]string(nil), g.st.Blacklist...)
	cp.NewVariants = append([]string(nil), g.st.NewVariants...)
	cp.Uncertain = append([]string(nil), g.st.Uncertain...)
	return cp
}

func (g *Gate) persistLocked() error {
	if g.cfg.StatePath == "" {
		return nil
	}
	return bandit.WriteStateFile(g.cfg.StatePath, g.st)
}

func contains(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

func remove(set []string, id string) []string {
	out := set[:0]
	for _, s := range set {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

func subtract(set, minus []string) []string {
	out := make([]string, 0, len(set))
	for _, s := range set {
		if !contains(minus, s) {
			out = append(out, s)
		}
	}
	return out
}
