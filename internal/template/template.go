package template

import (
	"encoding/json"
	"fmt"
)

// Template is an ordered sequence of verification steps. Templates are
// authored elsewhere and read-only from the engine's perspective.
type Template struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Steps    []Step `json:"steps"`
}

// Step is one element of a template's instruction sequence. Steps vary in
// which optional features they carry; all variants share this one record.
type Step struct {
	Instruction     string          `json:"instruction"`
	SuccessCriteria string          `json:"successCriteria"`
	Link            *Link           `json:"link,omitempty"`
	Extract         []Field         `json:"extract,omitempty"`
	RequireLink     bool            `json:"requireLinkClick,omitempty"`
	ExpectedHost    string          `json:"expectedHost,omitempty"`
	Challenges      []ChallengeSpec `json:"challenges,omitempty"`
	Hints           []string        `json:"hints,omitempty"`
}

// Link is an optional navigation target shown to the user for a step.
type Link struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

// Field names a value the vision model should read off the screen.
type Field struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ChallengeSpec describes one interaction challenge a step may inject.
type ChallengeSpec struct {
	Instruction     string `json:"instruction"`
	SuccessCriteria string `json:"successCriteria"`
	TimeoutMs       int64  `json:"timeoutMs,omitempty"`
}

// ParseSteps decodes the steps JSON column of a template row.
func ParseSteps(data []byte) ([]Step, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("template has no steps")
	}
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parsing template steps: %w", err)
	}
	return steps, nil
}

// FieldNames returns the union of all extraction field names across the
// template's steps, in step order. Used to filter vision output down to
// known labels (matching is case-sensitive against schema names).
func (t *Template) FieldNames() map[string]bool {
	known := make(map[string]bool)
	for _, step := range t.Steps {
		for _, f := range step.Extract {
			if f.Name != "" {
				known[f.Name] = true
			}
		}
	}
	return known
}

// RequiredFields returns the required extraction field names for a step.
func (s *Step) RequiredFields() []string {
	var names []string
	for _, f := range s.Extract {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}
