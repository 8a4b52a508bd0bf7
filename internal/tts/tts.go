// Package tts defines the speech-synthesis port and a generic HTTP
// provider speaking SSML to a configurable endpoint.
package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Port is the abstract speech interface. Speak returns raw audio bytes;
// callers base64-encode for the wire.
type Port interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

type ttsError string

func (e ttsError) Error() string { return string(e) }

// ErrSpeechFailed distinguishes provider failure so the engine can fall
// back to a text-only instruction message.
const ErrSpeechFailed ttsError = "speech synthesis failed"

// ssmlEscaper covers the five XML-significant characters so arbitrary
// instruction text embeds safely in SSML markup.
var ssmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeSSML escapes text for embedding in SSML.
func EscapeSSML(text string) string {
	return ssmlEscaper.Replace(text)
}

// HTTPProvider posts SSML to a speech endpoint and returns the audio
// body. It covers SSML-speaking services (Azure-style) behind one URL.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	voice    string
	client   *http.Client
}

// NewHTTPProvider creates a provider for the given endpoint.
func NewHTTPProvider(endpoint, apiKey, voice string) *HTTPProvider {
	if voice == "" {
		voice = "en-US-JennyNeural"
	}
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		voice:    voice,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Speak synthesizes the text. Any transport or status failure surfaces
// as ErrSpeechFailed so callers can branch on it.
func (p *HTTPProvider) Speak(ctx context.Context, text string) ([]byte, error) {
	ssml := fmt.Sprintf(
		`<speak version="1.0" xml:lang="en-US"><voice name=%q>%s</voice></speak>`,
		p.voice, EscapeSSML(text),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBufferString(ssml))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpeechFailed, err)
	}
	req.Header.Set("Content-Type", "application/ssml+xml")
	if p.apiKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpeechFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSpeechFailed, resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpeechFailed, err)
	}
	return audio, nil
}
