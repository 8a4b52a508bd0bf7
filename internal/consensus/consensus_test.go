package consensus

import "testing"

func observe(t *Tally, label, value string) bool {
	return t.Observe([]Pair{{Label: label, Value: value}})
}

func TestCommitAfterThreshold(t *testing.T) {
	tally := NewTally(2)

	if observe(tally, "Handle", "@alice") {
		t.Fatal("first reading should not commit")
	}
	if _, ok := tally.Get("Handle"); ok {
		t.Fatal("committed before threshold")
	}

	if !observe(tally, "Handle", "@alice") {
		t.Fatal("second agreeing reading should commit")
	}
	v, ok := tally.Get("Handle")
	if !ok || v != "@alice" {
		t.Fatalf("Get(Handle) = %q, %v", v, ok)
	}

	// Further identical readings change nothing.
	if observe(tally, "Handle", "@alice") {
		t.Error("repeat reading of committed value reported a change")
	}
}

func TestPluralityWithInterleavedNoise(t *testing.T) {
	// Readings @a, @b, @a: nothing commits until @a reaches two votes.
	tally := NewTally(2)

	if observe(tally, "Handle", "@a") {
		t.Fatal("frame 1: unexpected commit")
	}
	if observe(tally, "Handle", "@b") {
		t.Fatal("frame 2: two singletons must not commit")
	}
	if !observe(tally, "Handle", "@a") {
		t.Fatal("frame 3: @a at count 2 should commit")
	}
	if v, _ := tally.Get("Handle"); v != "@a" {
		t.Errorf("committed value = %q, want @a", v)
	}
}

func TestTieBreaksTowardEarlierSeen(t *testing.T) {
	tally := NewTally(2)
	observe(tally, "Reach", "100")
	observe(tally, "Reach", "200")
	observe(tally, "Reach", "200")
	observe(tally, "Reach", "100")

	// 2-2 tie: "100" was seen first and wins the plurality.
	if v, _ := tally.Get("Reach"); v != "100" {
		t.Errorf("tie-break winner = %q, want 100", v)
	}
}

func TestCommittedValueReplacedByHigherPlurality(t *testing.T) {
	tally := NewTally(2)
	observe(tally, "Handle", "@a")
	observe(tally, "Handle", "@a")
	if v, _ := tally.Get("Handle"); v != "@a" {
		t.Fatal("setup commit failed")
	}

	observe(tally, "Handle", "@b")
	observe(tally, "Handle", "@b")
	// 2-2 tie: earlier-seen @a retains the commit.
	if v, _ := tally.Get("Handle"); v != "@a" {
		t.Errorf("tied challenger displaced commit, got %q", v)
	}

	if !observe(tally, "Handle", "@b") {
		t.Fatal("@b at 3 votes should replace the commit")
	}
	if v, _ := tally.Get("Handle"); v != "@b" {
		t.Errorf("committed = %q, want @b", v)
	}
}

func TestEmptyAndWhitespaceDropped(t *testing.T) {
	tally := NewTally(2)
	tally.Observe([]Pair{
		{Label: "", Value: "x"},
		{Label: "Handle", Value: ""},
		{Label: "Handle", Value: "   "},
	})
	tally.Observe(nil)
	if got := tally.Committed(); len(got) != 0 {
		t.Errorf("Committed() = %v, want empty", got)
	}

	// Values are trimmed before voting, so padded repeats agree.
	observe(tally, "Handle", " @a ")
	if !observe(tally, "Handle", "@a") {
		t.Error("trimmed values should vote together")
	}
}

func TestCommittedOrderAndDistinctLabels(t *testing.T) {
	tally := NewTally(1)
	tally.Observe([]Pair{{Label: "B", Value: "2"}, {Label: "A", Value: "1"}})

	got := tally.Committed()
	if len(got) != 2 {
		t.Fatalf("Committed() len = %d, want 2", len(got))
	}
	if got[0].Label != "B" || got[1].Label != "A" {
		t.Errorf("commit order = %v, want B then A", got)
	}
}

func TestSeedRestoresCommitsWithoutVotes(t *testing.T) {
	tally := NewTally(2)
	tally.Seed([]Pair{{Label: "Handle", Value: "@alice"}})

	if v, ok := tally.Get("Handle"); !ok || v != "@alice" {
		t.Fatalf("seeded value missing: %q, %v", v, ok)
	}

	// Seeding restored the commit but not vote history: a fresh
	// competitor still needs a full plurality to displace it.
	observe(tally, "Handle", "@bob")
	if v, _ := tally.Get("Handle"); v != "@alice" {
		t.Errorf("single fresh vote displaced seeded commit, got %q", v)
	}
}
