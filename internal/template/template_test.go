package template

import (
	"slices"
	"testing"
)

func TestParseSteps(t *testing.T) {
	data := []byte(`[
		{"instruction": "Open your profile", "successCriteria": "profile page visible"},
		{
			"instruction": "Open insights",
			"successCriteria": "insights dashboard visible",
			"requireLinkClick": true,
			"expectedHost": "instagram.com",
			"link": {"url": "https://instagram.com/insights", "label": "Open Insights"},
			"extract": [
				{"name": "Handle", "required": true},
				{"name": "Followers", "description": "follower count"}
			],
			"challenges": [{"instruction": "tap Reels", "successCriteria": "reels tab open", "timeoutMs": 30000}],
			"hints": ["look for the chart icon"]
		}
	]`)

	steps, err := ParseSteps(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("len = %d, want 2", len(steps))
	}
	s := steps[1]
	if !s.RequireLink || s.ExpectedHost != "instagram.com" {
		t.Errorf("link gating fields = %v/%q", s.RequireLink, s.ExpectedHost)
	}
	if s.Link == nil || s.Link.URL != "https://instagram.com/insights" {
		t.Errorf("link = %+v", s.Link)
	}
	if len(s.Extract) != 2 || len(s.Challenges) != 1 || len(s.Hints) != 1 {
		t.Errorf("optional lists = %d/%d/%d", len(s.Extract), len(s.Challenges), len(s.Hints))
	}
	if s.Challenges[0].TimeoutMs != 30000 {
		t.Errorf("challenge timeout = %d", s.Challenges[0].TimeoutMs)
	}
}

func TestParseStepsErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not json", []byte("steps: nope")},
		{"wrong shape", []byte(`{"instruction": "x"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSteps(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFieldNames(t *testing.T) {
	tpl := &Template{Steps: []Step{
		{Extract: []Field{{Name: "Handle"}, {Name: ""}}},
		{},
		{Extract: []Field{{Name: "Followers"}, {Name: "Handle"}}},
	}}

	known := tpl.FieldNames()
	if len(known) != 2 || !known["Handle"] || !known["Followers"] {
		t.Errorf("FieldNames() = %v", known)
	}
	// Matching is case-sensitive.
	if known["handle"] {
		t.Error("lowercase variant should not match")
	}
}

func TestRequiredFields(t *testing.T) {
	s := &Step{Extract: []Field{
		{Name: "Handle", Required: true},
		{Name: "Followers"},
		{Name: "Reach", Required: true},
	}}
	got := s.RequiredFields()
	if !slices.Equal(got, []string{"Handle", "Reach"}) {
		t.Errorf("RequiredFields() = %v", got)
	}

	if got := (&Step{}).RequiredFields(); len(got) != 0 {
		t.Errorf("no-extract step = %v, want empty", got)
	}
}
