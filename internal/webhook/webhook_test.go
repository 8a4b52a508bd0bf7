package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNotifyCompletedPostsSignedEvent(t *testing.T) {
	var gotBody []byte
	var gotSig, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "shh")
	n.NotifyCompleted(context.Background(), "sess-1", "instagram",
		map[string]string{"Handle": "@alice"}, t0, map[string]any{"score": 0.92})

	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotSig != Sign("shh", gotBody) {
		t.Errorf("signature mismatch: %q", gotSig)
	}

	var event CompletionEvent
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("body not valid JSON: %v", err)
	}
	if event.Event != "session.completed" {
		t.Errorf("event = %q", event.Event)
	}
	if event.SessionID != "sess-1" || event.Platform != "instagram" {
		t.Errorf("identity fields = %q/%q", event.SessionID, event.Platform)
	}
	if event.ExtractedData["Handle"] != "@alice" {
		t.Errorf("extractedData = %v", event.ExtractedData)
	}
	if event.CompletedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("completedAt = %q", event.CompletedAt)
	}
	if event.Trust == nil {
		t.Error("trust report missing")
	}
}

func TestNotifyCompletedWithoutSecretOmitsSignature(t *testing.T) {
	var gotBody []byte
	var sigPresent bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, sigPresent = r.Header["X-Webhook-Signature"]
	}))
	defer srv.Close()

	NewNotifier(srv.URL, "").NotifyCompleted(context.Background(), "sess-1", "instagram",
		map[string]string{"Handle": "@alice"}, t0, nil)

	if sigPresent {
		t.Error("signature header set without a shared secret")
	}
	var event CompletionEvent
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("body not valid JSON: %v", err)
	}
	if event.Event != "session.completed" {
		t.Errorf("event = %q", event.Event)
	}
}

func TestNotifyCompletedNilExtracted(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	NewNotifier(srv.URL, "shh").NotifyCompleted(context.Background(), "sess-1", "x", nil, t0, nil)

	var event CompletionEvent
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatal(err)
	}
	if event.ExtractedData == nil {
		t.Error("extractedData should serialize as an empty object, not null")
	}
}

func TestNotifierDisabledWithoutURL(t *testing.T) {
	n := NewNotifier("", "shh")
	if n.Enabled() {
		t.Error("Enabled() = true with no URL")
	}
	// Must be a silent no-op.
	n.NotifyCompleted(context.Background(), "sess-1", "x", nil, t0, nil)
}

func TestNotifyCompletedSwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Delivery failure must not panic or propagate.
	NewNotifier(srv.URL, "shh").NotifyCompleted(context.Background(), "sess-1", "x", nil, t0, nil)
}

func TestSign(t *testing.T) {
	// Deterministic and secret-dependent.
	a := Sign("secret", []byte("body"))
	if a != Sign("secret", []byte("body")) {
		t.Error("signature not deterministic")
	}
	if a == Sign("other", []byte("body")) {
		t.Error("signature ignores secret")
	}
	if a == Sign("secret", []byte("different")) {
		t.Error("signature ignores body")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
}
