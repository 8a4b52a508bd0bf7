// Package protocol validates inbound wire messages and builds outbound
// ones. All frames on the session channel are JSON text, discriminated
// on a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// MaxMessageBytes caps raw inbound payloads before parsing.
	MaxMessageBytes = 3 << 20
	// MaxImageBytes caps the imageData field inside a frame message.
	MaxImageBytes = 2 << 20
	// MaxLinkStep bounds the step index a client may report clicked.
	MaxLinkStep = 20
)

type codecError string

func (e codecError) Error() string { return string(e) }

const (
	ErrMessageTooLarge codecError = "message exceeds maximum size"
	ErrImageTooLarge   codecError = "frame image too large or invalid"
	ErrInvalidMessage  codecError = "invalid message format"
)

// Frame carries one screenshot from the client.
type Frame struct {
	ImageData string `json:"imageData"`
	FrameHash string `json:"frameHash,omitempty"`
}

// LinkClicked reports the user confirmed opening a step's link.
type LinkClicked struct {
	Step int `json:"step"`
}

// AudioComplete is a historical no-op acknowledgement.
type AudioComplete struct{}

// Ping requests a Pong.
type Ping struct{}

// RequestHint asks for spoken help on the current step.
type RequestHint struct{}

// SkipStep advances past the current step (operator/dev affordance).
type SkipStep struct{}

// ChallengeAck acknowledges a challenge message. Logged only.
type ChallengeAck struct {
	ChallengeID string `json:"challengeId"`
}

// ClientInfo reports client environment details for trust scoring.
type ClientInfo struct {
	Platform         string  `json:"platform"`
	DisplaySurface   string  `json:"displaySurface,omitempty"`
	ScreenResolution string  `json:"screenResolution,omitempty"`
	DevicePixelRatio float64 `json:"devicePixelRatio,omitempty"`
	Timezone         string  `json:"timezone,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
}

// Decode validates and decodes a raw inbound message into one of the
// typed messages above. The size check runs before any parsing.
func Decode(data []byte) (any, error) {
	if len(data) > MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidMessage
	}

	switch env.Type {
	case "frame":
		var m Frame
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if m.ImageData == "" {
			return nil, ErrInvalidMessage
		}
		if len(m.ImageData) > MaxImageBytes {
			return nil, ErrImageTooLarge
		}
		return &m, nil

	case "linkClicked":
		var m LinkClicked
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if m.Step < 0 || m.Step > MaxLinkStep {
			return nil, ErrInvalidMessage
		}
		return &m, nil

	case "audioComplete":
		return &AudioComplete{}, nil

	case "ping":
		return &Ping{}, nil

	case "requestHint":
		return &RequestHint{}, nil

	case "skipStep":
		return &SkipStep{}, nil

	case "challengeAck":
		var m ChallengeAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if l := len(m.ChallengeID); l < 1 || l > 64 {
			return nil, ErrInvalidMessage
		}
		return &m, nil

	case "clientInfo":
		var m ClientInfo
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		switch m.Platform {
		case "web", "ios", "android":
		default:
			return nil, ErrInvalidMessage
		}
		if len(m.DisplaySurface) > 64 || len(m.ScreenResolution) > 32 || len(m.Timezone) > 64 {
			return nil, ErrInvalidMessage
		}
		if m.DevicePixelRatio < 0 || m.DevicePixelRatio > 10 {
			return nil, ErrInvalidMessage
		}
		return &m, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
}
