// Package challenge injects random interaction challenges ("click
// Notifications") and validates their fulfillment against subsequent
// frames. Failing a challenge never blocks the user: the outcome is
// recorded silently and only lowers the trust score.
package challenge

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"veriscope/internal/template"
)

// DefaultTimeout applies when a challenge spec carries no timeout.
const DefaultTimeout = 15 * time.Second

// DefaultProbability is the per-step chance of injecting a challenge.
const DefaultProbability = 0.4

// Active is the single in-flight challenge for a session.
type Active struct {
	ID              string    `json:"id"`
	Instruction     string    `json:"instruction"`
	SuccessCriteria string    `json:"successCriteria"`
	IssuedAt        time.Time `json:"issuedAt"`
	TimeoutMs       int64     `json:"timeoutMs"`
}

// Outcome is one audit entry for an issued challenge.
type Outcome struct {
	ID         string `json:"id"`
	Step       int    `json:"step"`
	Passed     bool   `json:"passed"`
	ResponseMs int64  `json:"responseMs"`
}

// Expired reports whether the challenge outlived its timeout at the
// given instant. Verification at exactly the timeout counts as expired.
func (a *Active) Expired(now time.Time) bool {
	return now.Sub(a.IssuedAt).Milliseconds() >= a.TimeoutMs
}

// Elapsed returns milliseconds since issuance.
func (a *Active) Elapsed(now time.Time) int64 {
	return now.Sub(a.IssuedAt).Milliseconds()
}

// Picker decides whether and which challenge to issue. The random source
// is injectable so tests can pin the coin and the selection. One picker
// is shared across sessions; the mutex serializes draws.
type Picker struct {
	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
	timeout     time.Duration
}

// NewPicker creates a picker with the given issuance probability and
// default response timeout for specs that carry none. A nil source falls
// back to an unseeded PRNG (operational simplicity; no cryptographic
// requirement here).
func NewPicker(src rand.Source, probability float64, timeout time.Duration) *Picker {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if probability <= 0 {
		probability = DefaultProbability
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Picker{rng: rand.New(src), probability: probability, timeout: timeout}
}

// ShouldIssue flips the challenge-probability coin.
func (p *Picker) ShouldIssue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < p.probability
}

// PickHint selects one hint uniformly at random.
func (p *Picker) PickHint(hints []string) string {
	if len(hints) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return hints[p.rng.IntN(len(hints))]
}

// Issue selects one spec uniformly at random and stamps a fresh active
// challenge from it.
func (p *Picker) Issue(specs []template.ChallengeSpec, now time.Time) *Active {
	if len(specs) == 0 {
		return nil
	}
	p.mu.Lock()
	spec := specs[p.rng.IntN(len(specs))]
	p.mu.Unlock()

	timeoutMs := spec.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = p.timeout.Milliseconds()
	}

	return &Active{
		ID:              uuid.New().String()[:8],
		Instruction:     spec.Instruction,
		SuccessCriteria: spec.SuccessCriteria,
		IssuedAt:        now,
		TimeoutMs:       timeoutMs,
	}
}
