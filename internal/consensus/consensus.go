// Package consensus commits extracted values only after repeated
// agreement. Vision models misread short strings intermittently; two
// agreeing readings filter transient noise while bounding latency to two
// successful frames.
package consensus

import (
	"strings"
	"sync"
)

// DefaultThreshold is the minimum repeated readings before commit.
const DefaultThreshold = 2

// Pair is one observed (label, value) reading.
type Pair struct {
	Label string
	Value string
}

// Tally accumulates votes per label and tracks committed winners. Vote
// counts are internal state; only committed pairs leave this package.
type Tally struct {
	mu        sync.Mutex
	threshold int

	// votes[label][value] = count
	votes map[string]map[string]int
	// seen preserves first-observation order per label for tie breaks
	seen map[string][]string

	committed map[string]string
	order     []string // commit order of labels
}

// NewTally creates a tally with the given consensus threshold.
// A threshold below one falls back to the default.
func NewTally(threshold int) *Tally {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Tally{
		threshold: threshold,
		votes:     make(map[string]map[string]int),
		seen:      make(map[string][]string),
		committed: make(map[string]string),
	}
}

// Observe records a batch of readings and returns true when any
// committed value changed. Pairs with empty label or value are dropped;
// a nil batch is a no-op.
func (t *Tally) Observe(pairs []Pair) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for _, p := range pairs {
		value := strings.TrimSpace(p.Value)
		if p.Label == "" || value == "" {
			continue
		}

		if t.votes[p.Label] == nil {
			t.votes[p.Label] = make(map[string]int)
		}
		if _, ok := t.votes[p.Label][value]; !ok {
			t.seen[p.Label] = append(t.seen[p.Label], value)
		}
		t.votes[p.Label][value]++

		winner, count := t.plurality(p.Label)
		if count < t.threshold {
			continue
		}
		if prev, ok := t.committed[p.Label]; !ok {
			t.committed[p.Label] = winner
			t.order = append(t.order, p.Label)
			changed = true
		} else if prev != winner {
			t.committed[p.Label] = winner
			changed = true
		}
	}
	return changed
}

// plurality returns the winning value for a label; ties break toward the
// earlier-seen value.
func (t *Tally) plurality(label string) (string, int) {
	var winner string
	best := 0
	for _, value := range t.seen[label] {
		if c := t.votes[label][value]; c > best {
			winner, best = value, c
		}
	}
	return winner, best
}

// Committed returns the committed pairs in label commit order.
func (t *Tally) Committed() []Pair {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Pair, 0, len(t.order))
	for _, label := range t.order {
		result = append(result, Pair{Label: label, Value: t.committed[label]})
	}
	return result
}

// Get returns the committed value for a label, if any.
func (t *Tally) Get(label string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.committed[label]
	return v, ok
}

// Seed restores previously committed pairs without recording votes.
// Used when a reconnecting session rehydrates extracted data; the vote
// history behind those commits is deliberately not restored.
func (t *Tally) Seed(pairs []Pair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range pairs {
		if p.Label == "" || p.Value == "" {
			continue
		}
		if _, ok := t.committed[p.Label]; !ok {
			t.order = append(t.order, p.Label)
		}
		t.committed[p.Label] = p.Value
	}
}
