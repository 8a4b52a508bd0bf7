package session

import (
	"time"

	"veriscope/internal/challenge"
	"veriscope/internal/trust"
)

// Status is the live progress state of a session.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
)

// Field is one committed extracted (label, value) pair.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// State is the full per-token engine state. It is owned exclusively by
// the connection handler that loaded it; the store only ever sees
// snapshots written between messages.
type State struct {
	Token      string `json:"token"`
	SessionID  string `json:"sessionId"`
	TemplateID string `json:"templateId"`
	Platform   string `json:"platform"`

	CurrentStep          int    `json:"currentStep"`
	TotalSteps           int    `json:"totalSteps"`
	Status               Status `json:"status"`
	ConsecutiveSuccesses int    `json:"consecutiveSuccesses"`

	// Link gates: once a step's gate opens it never closes again.
	LinkClicked   map[int]bool `json:"linkClicked,omitempty"`
	LinkClickedAt time.Time    `json:"linkClickedAt,omitzero"`

	Extracted []Field `json:"extracted,omitempty"`

	// Spoken-guidance memory for the utterance gate.
	LastSpoken      string    `json:"lastSpoken,omitempty"`
	LastSpokenAt    time.Time `json:"lastSpokenAt,omitzero"`
	PendingGuidance string    `json:"pendingGuidance,omitempty"`

	Challenge       *challenge.Active   `json:"challenge,omitempty"`
	ChallengeIssued bool                `json:"challengeIssued"`
	ChallengeAudit  []challenge.Outcome `json:"challengeAudit,omitempty"`

	Trust *trust.Accumulator `json:"trust,omitempty"`

	LastAnalysisAt time.Time `json:"lastAnalysisAt,omitzero"`
}

// New creates fresh state for a connection, hydrated from the persisted
// step index. Everything except identity and progress starts clean.
func New(token, sessionID, templateID, platform string, currentStep, totalSteps int, now time.Time) *State {
	if currentStep < 0 {
		currentStep = 0
	}
	if totalSteps > 0 && currentStep > totalSteps-1 {
		currentStep = totalSteps - 1
	}
	return &State{
		Token:       token,
		SessionID:   sessionID,
		TemplateID:  templateID,
		Platform:    platform,
		CurrentStep: currentStep,
		TotalSteps:  totalSteps,
		Status:      StatusWaiting,
		LinkClicked: make(map[int]bool),
		Trust:       trust.NewAccumulator(now),
	}
}

// Completed reports whether the session reached its terminal state.
func (s *State) Completed() bool {
	return s.Status == StatusCompleted
}

// MarkLinkClicked opens the gate for a step and clears the spoken-action
// memory so post-navigation guidance starts fresh.
func (s *State) MarkLinkClicked(step int, now time.Time) {
	if s.LinkClicked == nil {
		s.LinkClicked = make(map[int]bool)
	}
	s.LinkClicked[step] = true
	s.LinkClickedAt = now
	s.LastSpoken = ""
	s.PendingGuidance = ""
}

// LatestChallengeOutcome returns the most recent audit entry, if any.
func (s *State) LatestChallengeOutcome() *challenge.Outcome {
	if len(s.ChallengeAudit) == 0 {
		return nil
	}
	return &s.ChallengeAudit[len(s.ChallengeAudit)-1]
}
