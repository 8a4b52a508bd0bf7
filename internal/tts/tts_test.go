package tts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEscapeSSML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "scroll down", "scroll down"},
		{"ampersand", "insights & reach", "insights &amp; reach"},
		{"angle brackets", "<tap here>", "&lt;tap here&gt;"},
		{"quotes", `click "Save" on Tom's page`, "click &quot;Save&quot; on Tom&apos;s page"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeSSML(tt.in); got != tt.want {
				t.Errorf("EscapeSSML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHTTPProviderSpeak(t *testing.T) {
	var gotBody, gotContentType, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		w.Write([]byte("RIFFaudio"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "key-1", "en-US-JennyNeural")
	audio, err := p.Speak(context.Background(), `tap "Insights" & wait`)
	if err != nil {
		t.Fatal(err)
	}
	if string(audio) != "RIFFaudio" {
		t.Errorf("audio = %q", audio)
	}
	if gotContentType != "application/ssml+xml" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotKey != "key-1" {
		t.Errorf("subscription key = %q", gotKey)
	}
	if !strings.Contains(gotBody, `<voice name="en-US-JennyNeural">`) {
		t.Errorf("voice element missing: %q", gotBody)
	}
	if !strings.Contains(gotBody, "tap &quot;Insights&quot; &amp; wait") {
		t.Errorf("text not escaped: %q", gotBody)
	}
}

func TestHTTPProviderDefaultVoice(t *testing.T) {
	p := NewHTTPProvider("http://example.invalid", "", "")
	if p.voice != "en-US-JennyNeural" {
		t.Errorf("default voice = %q", p.voice)
	}
}

func TestHTTPProviderFailuresWrapSentinel(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer bad.Close()

	tests := []struct {
		name     string
		endpoint string
	}{
		{"non-200 status", bad.URL},
		{"transport error", "http://127.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewHTTPProvider(tt.endpoint, "", "")
			_, err := p.Speak(context.Background(), "hello")
			if !errors.Is(err, ErrSpeechFailed) {
				t.Errorf("err = %v, want ErrSpeechFailed", err)
			}
		})
	}
}
