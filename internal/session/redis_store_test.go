package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { store.Quit() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	if got, err := store.Get(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, nil", got, err)
	}

	st := New("tok", "sid", "tpl", "instagram", 1, 3, t0)
	st.Extracted = []Field{{Label: "Handle", Value: "@alice"}}
	if err := store.Set(ctx, "tok", st); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SessionID != "sid" || got.CurrentStep != 1 {
		t.Fatalf("round trip = %+v", got)
	}
	if len(got.Extracted) != 1 || got.Extracted[0].Label != "Handle" || got.Extracted[0].Value != "@alice" {
		t.Errorf("extracted data lost: %v", got.Extracted)
	}

	if err := store.Delete(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Get(ctx, "tok"); got != nil {
		t.Error("entry survived Delete")
	}
}

func TestRedisStoreKeyPrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	st := New("tok", "sid", "tpl", "instagram", 0, 3, t0)
	if err := store.Set(ctx, "tok", st); err != nil {
		t.Fatal(err)
	}

	if !mr.Exists("veriscope:session:tok") {
		t.Fatalf("key missing under default prefix; keys: %v", mr.Keys())
	}
	if ttl := mr.TTL("veriscope:session:tok"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	// TTL elapses: entry gone.
	mr.FastForward(2 * time.Hour)
	if got, _ := store.Get(ctx, "tok"); got != nil {
		t.Error("expired entry returned")
	}
}

func TestRedisStoreCustomPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), KeyPrefix: "custom:"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Quit()

	if err := store.Set(ctx, "tok", New("tok", "sid", "tpl", "x", 0, 1, t0)); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("custom:tok") {
		t.Errorf("custom prefix ignored; keys: %v", mr.Keys())
	}
}

func TestNewRedisStoreConnectFailure(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"}, time.Hour); err == nil {
		t.Error("expected connection error")
	}
}
