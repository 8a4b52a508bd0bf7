package session

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNewClampsStep(t *testing.T) {
	tests := []struct {
		name    string
		step    int
		total   int
		want    int
	}{
		{"in range", 1, 3, 1},
		{"negative", -2, 3, 0},
		{"past last", 5, 3, 2},
		{"zero steps", 4, 0, 4}, // nothing to clamp against
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := New("tok", "sid", "tpl", "instagram", tt.step, tt.total, t0)
			if st.CurrentStep != tt.want {
				t.Errorf("CurrentStep = %d, want %d", st.CurrentStep, tt.want)
			}
		})
	}
}

func TestNewInitializesFreshState(t *testing.T) {
	st := New("tok", "sid", "tpl", "instagram", 0, 3, t0)
	if st.Status != StatusWaiting {
		t.Errorf("Status = %v, want waiting", st.Status)
	}
	if st.Trust == nil || !st.Trust.SessionStart.Equal(t0) {
		t.Error("trust accumulator not started at connect time")
	}
	if st.LinkClicked == nil {
		t.Error("LinkClicked map not initialized")
	}
	if st.Completed() {
		t.Error("fresh state reports completed")
	}
}

func TestMarkLinkClicked(t *testing.T) {
	st := New("tok", "sid", "tpl", "instagram", 0, 3, t0)
	st.LastSpoken = "scroll down"
	st.PendingGuidance = "click here"

	st.MarkLinkClicked(0, t0.Add(time.Minute))

	if !st.LinkClicked[0] {
		t.Error("gate not opened")
	}
	if !st.LinkClickedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("LinkClickedAt = %v", st.LinkClickedAt)
	}
	if st.LastSpoken != "" || st.PendingGuidance != "" {
		t.Error("spoken-action memory not cleared on link click")
	}

	// Re-clicking is idempotent aside from the refreshed timestamp.
	st.MarkLinkClicked(0, t0.Add(2*time.Minute))
	if !st.LinkClicked[0] {
		t.Error("gate closed by second click")
	}
	if !st.LinkClickedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Error("timestamp not refreshed by second click")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	defer store.Quit()

	if got, err := store.Get(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, nil", got, err)
	}

	st := New("tok", "sid", "tpl", "instagram", 0, 3, t0)
	if err := store.Set(ctx, "tok", st); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "tok")
	if err != nil || got == nil || got.SessionID != "sid" {
		t.Fatalf("Get(tok) = %+v, %v", got, err)
	}

	if err := store.Delete(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Get(ctx, "tok"); got != nil {
		t.Error("entry survived Delete")
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Nanosecond)

	st := New("tok", "sid", "tpl", "instagram", 0, 3, t0)
	if err := store.Set(ctx, "tok", st); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	if got, _ := store.Get(ctx, "tok"); got != nil {
		t.Error("expired entry returned")
	}
	if store.Len() != 0 {
		t.Error("expired entry not evicted lazily")
	}
}

func TestRateLimiterWindow(t *testing.T) {
	l := NewRateLimiter(50, 10*time.Second)

	for i := 1; i <= 50; i++ {
		if !l.Allow("tok", t0.Add(time.Duration(i)*time.Millisecond)) {
			t.Fatalf("message %d within limit rejected", i)
		}
	}
	if l.Allow("tok", t0.Add(51*time.Millisecond)) {
		t.Error("51st message in the window accepted")
	}

	// A fresh window resets the counter.
	if !l.Allow("tok", t0.Add(11*time.Second)) {
		t.Error("first message of the next window rejected")
	}
}

func TestRateLimiterPerToken(t *testing.T) {
	l := NewRateLimiter(2, 10*time.Second)
	l.Allow("a", t0)
	l.Allow("a", t0)
	if l.Allow("a", t0) {
		t.Error("token a over limit accepted")
	}
	if !l.Allow("b", t0) {
		t.Error("token b penalized by token a's traffic")
	}
}

func TestRateLimiterForget(t *testing.T) {
	l := NewRateLimiter(1, 10*time.Second)
	l.Allow("tok", t0)
	if l.Allow("tok", t0.Add(time.Second)) {
		t.Fatal("setup: second message should be rejected")
	}
	l.Forget("tok")
	if !l.Allow("tok", t0.Add(2*time.Second)) {
		t.Error("forgotten token still limited")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	l := NewRateLimiter(0, 0)
	if l.limit != DefaultRateLimit || l.window != DefaultRateWindow {
		t.Errorf("defaults = %d/%v", l.limit, l.window)
	}
}
