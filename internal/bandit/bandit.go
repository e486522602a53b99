package bandit

import (
	"errors"
	"log"
	"math/rand"
	"sort"
	"sync"
)

const (
	// MinPullsForConfidence is how many observations an arm needs before the
	// deploy gate stops treating it as uncertain.
	MinPullsForConfidence = 10

	priorAlpha = 1.0
	priorBeta  = 1.0
)

var ErrUnknownVariant = errors.New("unknown variant")

// Arm holds the Beta posterior over one variant's success probability,
// where success probability p maps the reward r in [-1,+1] via p=(r+1)/2.
type Arm struct {
	VariantID  string  `json:"variant_id"`
	Alpha      float64 `json:"alpha"`
	Beta       float64 `json:"beta"`
	Pulls      int     `json:"pulls"`
	LastReward float64 `json:"last_reward"`
}

// Stats is the read-only view of one arm used by the deploy gate.
type Stats struct {
	VariantID  string
	Pulls      int
	Alpha      float64
	Beta       float64
	MeanReward float64
	Confident  bool
}

// Bandit is the process-wide Thompson sampler. All methods are safe for
// concurrent use; the critical section is O(|variants|).
type Bandit struct {
	mu        sync.Mutex
	arms      map[string]*Arm
	persister *persister
}

// New builds a bandit over the known variant ids, restoring persisted
// posteriors from statePath. Missing or corrupt state starts every arm fresh
// at the uniform prior. statePath may be empty to disable persistence (tests).
func New(variantIDs []string, statePath string) (*Bandit, error) {
	b := &Bandit{arms: make(map[string]*Arm, len(variantIDs))}
	for _, id := range variantIDs {
		b.arms[id] = &Arm{VariantID: id, Alpha: priorAlpha, Beta: priorBeta}
	}
	if statePath != "" {
		st, err := loadState(statePath)
		if err != nil {
			log.Printf("[bandit] state %s unreadable, starting fresh: %v", statePath, err)
		} else {
			restored := 0
			for _, a := range st.Arms {
				if _, known := b.arms[a.VariantID]; known && a.Alpha >= priorAlpha && a.Beta >= priorBeta && a.Pulls >= 0 {
					arm := a
					b.arms[a.VariantID] = &arm
					restored++
				}
			}
			log.Printf("[bandit] restored %d/%d arms from %s", restored, len(b.arms), statePath)
		}
		b.persister = newPersister(statePath)
	}
	return b, nil
}

// AddVariant registers a new arm at the uniform prior. Existing arms keep
// their posterior.
func (b *Bandit) AddVariant(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.arms[id]; !ok {
		b.arms[id] = &Arm{VariantID: id, Alpha: priorAlpha, Beta: priorBeta}
	}
}

// Sample draws one Beta sample per eligible arm and returns the argmax.
// Ties break by highest pulls, then lexicographic id, so a fixed rng yields a
// deterministic choice. ok=false when no arm is eligible.
func (b *Bandit) Sample(rng *rand.Rand, eligible []string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	type draw struct {
		id    string
		value float64
		pulls int
	}
	draws := make([]draw, 0, len(eligible))
	for _, id := range eligible {
		arm, ok := b.arms[id]
		if !ok {
			continue
		}
		draws = append(draws, draw{id: id, value: sampleBeta(rng, arm.Alpha, arm.Beta), pulls: arm.Pulls})
	}
	if len(draws) == 0 {
		return "", false
	}
	sort.Slice(draws, func(i, j int) bool {
		if draws[i].value != draws[j].value {
			return draws[i].value > draws[j].value
		}
		if draws[i].pulls != draws[j].pulls {
			return draws[i].pulls > draws[j].pulls
		}
		return draws[i].id < draws[j].id
	})
	return draws[0].id, true
}

// Update folds a reward in [-1,+1] into the arm's posterior using the
// deterministic fractional rule: alpha += p, beta += 1-p with p=(r+1)/2.
// The updated state is persisted off the hot path.
func (b *Bandit) Update(variantID string, reward float64) error {
	if reward < -1 {
		reward = -1
	} else if reward > 1 {
		reward = 1
	}
	b.mu.Lock()
	arm, ok := b.arms[variantID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownVariant
	}
	p := (reward + 1) / 2
	arm.Alpha += p
	arm.Beta += 1 - p
	arm.Pulls++
	arm.LastReward = reward
	st := b.snapshotLocked()
	b.mu.Unlock()

	metricUpdates.Inc()
	if b.persister != nil {
		b.persister.enqueue(st)
	}
	return nil
}

// Stats reports the arm's posterior summary. The empirical mean reward is
// recovered from the posterior mass: mean p = (alpha-prior)/pulls.
func (b *Bandit) Stats(variantID string) (Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	arm, ok := b.arms[variantID]
	if !ok {
		return Stats{}, false
	}
	return armStats(arm), true
}

// AllStats returns stats for every arm, sorted by id.
func (b *Bandit) AllStats() []Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Stats, 0, len(b.arms))
	for _, arm := range b.arms {
		out = append(out, armStats(arm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

func armStats(arm *Arm) Stats {
	s := Stats{
		VariantID: arm.VariantID,
		Pulls:     arm.Pulls,
		Alpha:     arm.Alpha,
		Beta:      arm.Beta,
		Confident: arm.Pulls >= MinPullsForConfidence,
	}
	if arm.Pulls > 0 {
		meanP := (arm.Alpha - priorAlpha) / float64(arm.Pulls)
		s.MeanReward = 2*meanP - 1
	}
	return s
}

// BlacklistCandidates returns ids with enough evidence of sustained bad
// reward: pulls >= minSamples and mean reward <= minReward. The caller
// excludes the base variant.
func (b *Bandit) BlacklistCandidates(minSamples int, minReward float64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, arm := range b.arms {
		s := armStats(arm)
		if s.Pulls >= minSamples && s.MeanReward <= minReward {
			out = append(out, s.VariantID)
		}
	}
	sort.Strings(out)
	return out
}

// Save forces a synchronous write of the current state. Used at shutdown.
func (b *Bandit) Save() error {
	if b.persister == nil {
		return nil
	}
	b.mu.Lock()
	st := b.snapshotLocked()
	b.mu.Unlock()
	return b.persister.writeNow(st)
}

// Close stops the background persister after draining pending writes.
func (b *Bandit) Close() error {
	if err := b.Save(); err != nil {
		return err
	}
	if b.persister != nil {
		b.persister.stop()
	}
	return nil
}

func (b *Bandit) snapshotLocked() state {
	st := state{Version: stateVersion, Arms: make([]Arm, 0, len(b.arms))}
	for _, arm := range b.arms {
		st.Arms = append(st.Arms, *arm)
	}
	sort.Slice(st.Arms, func(i, j int) bool { return st.Arms[i].VariantID < st.Arms[j].VariantID })
	return st
}
