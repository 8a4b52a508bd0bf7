// Package vision defines the analysis port the engine drives and the
// shared result contract every provider must satisfy.
package vision

import (
	"context"
	"math"

	"veriscope/internal/template"
)

// Request describes one frame analysis. When a challenge is active the
// engine substitutes the challenge's instruction and criteria and omits
// the extraction schema and expected host.
type Request struct {
	ImageBase64     string
	Instruction     string
	SuccessCriteria string
	Schema          []template.Field
	ExpectedHost    string
	// PrevDescription is the prior frame's description, used for the
	// visual continuity assessment. Empty on the first frame.
	PrevDescription string
}

// ExtractedPair is one (label, value) reading from the screen.
type ExtractedPair struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Analysis is the provider-neutral result contract.
type Analysis struct {
	Description      string          `json:"description"`
	DetectedElements []string        `json:"detectedElements"`
	MatchesSuccess   bool            `json:"matchesSuccessCriteria"`
	Confidence       float64         `json:"confidence"`
	SuggestedAction  string          `json:"suggestedAction,omitempty"`
	Extracted        []ExtractedPair `json:"extractedData,omitempty"`
	URLVerified      *bool           `json:"urlVerified,omitempty"`
	// VisualContinuity is nil when no prior description was supplied.
	VisualContinuity *bool `json:"visualContinuity,omitempty"`
}

// Port is the abstract vision interface; any provider satisfies it.
type Port interface {
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

// ClampConfidence forces a provider confidence into [0,1]. NaN clamps
// to zero.
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Sanitize normalizes a provider result in place: confidence clamped,
// extracted rows with empty label or value dropped.
func Sanitize(a *Analysis) *Analysis {
	a.Confidence = ClampConfidence(a.Confidence)
	if len(a.Extracted) > 0 {
		kept := a.Extracted[:0]
		for _, p := range a.Extracted {
			if p.Label != "" && p.Value != "" {
				kept = append(kept, p)
			}
		}
		a.Extracted = kept
	}
	return a
}

// Disabled is the provider used when no vision backend is configured.
// Every frame yields the safe default, so sessions stay connected but
// never advance.
type Disabled struct{}

func (Disabled) Analyze(_ context.Context, _ Request) (*Analysis, error) {
	return SafeDefault(), nil
}

// SafeDefault is the result providers return on transport failure so
// the pipeline degrades instead of crashing the session.
func SafeDefault() *Analysis {
	return &Analysis{
		Description:     "Unable to analyze frame",
		MatchesSuccess:  false,
		Confidence:      0,
		SuggestedAction: "Please hold steady and try again in a moment",
	}
}
