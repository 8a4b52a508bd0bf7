// Package trust accumulates per-frame anti-forgery signals and scores
// them when a session completes. The score is advisory: it summarizes
// how much the observed frame stream looked like a live, unmodified
// screen share, and never blocks the user on its own.
package trust

import (
	"math"
	"time"
)

// RingCap bounds the frame-timestamp and frame-hash rings.
const RingCap = 100

const (
	// FastIntervalMs marks an inter-frame gap suspicious when the frame
	// content also changed.
	FastIntervalMs = 200
	// UniformCVLimit flags machine-regular frame pacing.
	UniformCVLimit = 0.05
)

// Accumulator gathers raw signals frame by frame. It is owned by the
// session's handler and never shared across goroutines.
type Accumulator struct {
	SessionStart time.Time `json:"sessionStart"`

	URLVerified    int `json:"urlVerified"`
	URLNotVerified int `json:"urlNotVerified"`
	FramesAnalyzed int `json:"framesAnalyzed"`

	DisplaySurface   string  `json:"displaySurface,omitempty"`
	ClientPlatform   string  `json:"clientPlatform,omitempty"`
	ScreenResolution string  `json:"screenResolution,omitempty"`
	DevicePixelRatio float64 `json:"devicePixelRatio,omitempty"`
	Timezone         string  `json:"timezone,omitempty"`

	// FrameHashes stays index-aligned with FrameTimes; a frame sent
	// without a hash holds an empty slot.
	FrameTimes  []time.Time `json:"frameTimes,omitempty"`
	FrameHashes []string    `json:"frameHashes,omitempty"`

	ContinuityConsistent    int `json:"continuityConsistent"`
	ContinuityDiscontinuous int `json:"continuityDiscontinuous"`

	// PrevDescription is the continuity baseline passed to the next
	// vision call. Not a signal by itself.
	PrevDescription string `json:"prevDescription,omitempty"`
}

// NewAccumulator starts collection at the given session-start time.
func NewAccumulator(start time.Time) *Accumulator {
	return &Accumulator{SessionStart: start}
}

// RecordFrame appends the frame timestamp and optional client-supplied
// hash, evicting the oldest entries past RingCap. The hash is recorded
// even when empty so the two rings evict in lockstep.
func (a *Accumulator) RecordFrame(now time.Time, hash string) {
	a.FrameTimes = append(a.FrameTimes, now)
	a.FrameHashes = append(a.FrameHashes, hash)
	if len(a.FrameTimes) > RingCap {
		a.FrameTimes = a.FrameTimes[len(a.FrameTimes)-RingCap:]
		a.FrameHashes = a.FrameHashes[len(a.FrameHashes)-RingCap:]
	}
}

// RecordAnalysis folds one vision result into the counters. The
// not-verified counter only moves when the step asserted an expected
// host, so host-less steps never penalize the URL signal.
func (a *Accumulator) RecordAnalysis(urlVerified *bool, hasExpectedHost bool, continuity *bool, description string) {
	a.FramesAnalyzed++
	if hasExpectedHost && urlVerified != nil {
		if *urlVerified {
			a.URLVerified++
		} else {
			a.URLNotVerified++
		}
	}
	if continuity != nil {
		if *continuity {
			a.ContinuityConsistent++
		} else {
			a.ContinuityDiscontinuous++
		}
	}
	if description != "" {
		a.PrevDescription = description
	}
}

// ClientInfo is the client-reported environment snapshot. Platform and
// display surface feed scoring; the rest is retained with the signals.
type ClientInfo struct {
	Platform         string
	DisplaySurface   string
	ScreenResolution string
	DevicePixelRatio float64
	Timezone         string
}

// SetClientInfo records client-reported environment details. Empty
// fields never overwrite an earlier report.
func (a *Accumulator) SetClientInfo(info ClientInfo) {
	if info.Platform != "" {
		a.ClientPlatform = info.Platform
	}
	if info.DisplaySurface != "" {
		a.DisplaySurface = info.DisplaySurface
	}
	if info.ScreenResolution != "" {
		a.ScreenResolution = info.ScreenResolution
	}
	if info.DevicePixelRatio > 0 {
		a.DevicePixelRatio = info.DevicePixelRatio
	}
	if info.Timezone != "" {
		a.Timezone = info.Timezone
	}
}

// ChallengeResult is the latest challenge outcome fed into scoring.
type ChallengeResult struct {
	Issued     bool
	Passed     bool
	ResponseMs int64
}

// Signals is the materialized bundle persisted with the session.
type Signals struct {
	URLVerified       bool    `json:"urlVerified"`
	URLVerifiedRatio  float64 `json:"urlVerifiedRatio"`
	URLChecks         int     `json:"urlChecks"`
	ChallengeIssued   bool    `json:"challengeIssued"`
	ChallengePassed   bool    `json:"challengePassed"`
	ChallengeMs       int64   `json:"challengeResponseMs,omitempty"`
	SessionDurationMs int64   `json:"sessionDurationMs"`
	FramesAnalyzed    int     `json:"framesAnalyzed"`
	DisplaySurface    string  `json:"displaySurface,omitempty"`
	ClientPlatform    string  `json:"clientPlatform,omitempty"`
	ScreenResolution  string  `json:"screenResolution,omitempty"`
	DevicePixelRatio  float64 `json:"devicePixelRatio,omitempty"`
	Timezone          string  `json:"timezone,omitempty"`

	Temporal   *TemporalSignal   `json:"temporal,omitempty"`
	Similarity *SimilaritySignal `json:"similarity,omitempty"`
	Continuity *ContinuitySignal `json:"continuity,omitempty"`
}

// TemporalSignal summarizes inter-frame timing (needs >= 3 timestamps).
type TemporalSignal struct {
	MeanIntervalMs float64 `json:"meanIntervalMs"`
	StdDevMs       float64 `json:"stdDevMs"`
	CV             float64 `json:"coefficientOfVariation"`
	FastCount      int     `json:"suspiciouslyFastCount"`
	TotalIntervals int     `json:"totalIntervals"`
}

// SimilaritySignal summarizes the client hash sequence (needs >= 3 hashes).
type SimilaritySignal struct {
	DuplicatePairs   int     `json:"duplicatePairs"`
	AbruptChanges    int     `json:"abruptChanges"`
	TotalTransitions int     `json:"totalTransitions"`
	UniqueRatio      float64 `json:"uniqueRatio"`
}

// ContinuitySignal summarizes the per-frame AI continuity assessment.
type ContinuitySignal struct {
	Consistent    int `json:"consistent"`
	Discontinuous int `json:"discontinuous"`
}

// Report is the scored result: a 0..1 composite, the signals behind it,
// and the flags explaining any deductions.
type Report struct {
	Score   float64  `json:"score"`
	Signals Signals  `json:"signals"`
	Flags   []string `json:"flags"`
}

// Score weights. Each component starts at its weight and loses credit
// per the flag rules; the composite is their sum.
const (
	weightURL        = 0.20
	weightChallenge  = 0.25
	weightNoChall    = 0.15
	weightDuration   = 0.10
	weightCoverage   = 0.05
	weightSurface    = 0.05
	weightTemporal   = 0.15
	weightSimilarity = 0.10
	weightContinuity = 0.10
)

// Evaluate scores the accumulated signals at session completion.
func Evaluate(a *Accumulator, challenge ChallengeResult, now time.Time) Report {
	var flags []string
	signals := Signals{
		FramesAnalyzed:    a.FramesAnalyzed,
		DisplaySurface:    a.DisplaySurface,
		ClientPlatform:    a.ClientPlatform,
		ScreenResolution:  a.ScreenResolution,
		DevicePixelRatio:  a.DevicePixelRatio,
		Timezone:          a.Timezone,
		SessionDurationMs: now.Sub(a.SessionStart).Milliseconds(),
		ChallengeIssued:   challenge.Issued,
		ChallengePassed:   challenge.Issued && challenge.Passed,
		ChallengeMs:       challenge.ResponseMs,
	}

	score := 0.0

	// URL verification: full credit when no step asserted a host.
	checks := a.URLVerified + a.URLNotVerified
	signals.URLChecks = checks
	if checks == 0 {
		signals.URLVerified = false
		score += weightURL
	} else {
		signals.URLVerified = a.URLVerified > 0 && a.URLNotVerified == 0
		signals.URLVerifiedRatio = float64(a.URLVerified) / float64(checks)
		score += weightURL * signals.URLVerifiedRatio
		if a.URLNotVerified > 0 {
			flags = append(flags, "url_verification_failed")
		}
	}

	// Challenge: passing earns the most; never issuing earns a reduced
	// baseline; failing earns nothing and flags.
	switch {
	case !challenge.Issued:
		score += weightNoChall
	case challenge.Passed:
		score += weightChallenge
	default:
		flags = append(flags, "challenge_failed")
	}

	// Session duration.
	durationS := float64(signals.SessionDurationMs) / 1000
	switch {
	case durationS < 15:
		score += 0.03
		flags = append(flags, "session_too_fast")
	case durationS > 300:
		score += 0.05
		flags = append(flags, "session_too_slow")
	default:
		score += weightDuration
	}

	// Frame coverage.
	switch {
	case a.FramesAnalyzed >= 4:
		score += weightCoverage
	case a.FramesAnalyzed >= 2:
		score += weightCoverage / 2
		flags = append(flags, "low_frame_count")
	default:
		flags = append(flags, "very_low_frame_count")
	}

	// Display surface: "monitor" earns full credit; empty is neutral
	// (mobile clients have no surface to report).
	switch a.DisplaySurface {
	case "monitor", "":
		score += weightSurface
	default:
		score += weightSurface / 2
		flags = append(flags, "display_surface_partial")
	}

	// Temporal consistency.
	temporalScore := weightTemporal
	if sig := temporalSignal(a); sig != nil {
		signals.Temporal = sig
		if sig.TotalIntervals >= 4 && sig.CV < UniformCVLimit {
			temporalScore -= 0.10
			flags = append(flags, "timing_too_uniform")
		}
		if sig.TotalIntervals > 0 && float64(sig.FastCount)/float64(sig.TotalIntervals) > 0.3 {
			temporalScore -= 0.05
			flags = append(flags, "timing_suspiciously_fast")
		}
	}
	score += math.Max(0, temporalScore)

	// Frame similarity.
	similarityScore := weightSimilarity
	if sig := similaritySignal(a.FrameHashes); sig != nil {
		signals.Similarity = sig
		total := float64(sig.TotalTransitions)
		if total > 0 && float64(sig.DuplicatePairs)/total > 0.4 {
			similarityScore -= 0.04
			flags = append(flags, "frame_replay_suspected")
		}
		if sig.UniqueRatio < 0.3 {
			similarityScore -= 0.04
			flags = append(flags, "frame_looping_suspected")
		}
		if total > 0 && float64(sig.AbruptChanges)/total > 0.5 {
			similarityScore -= 0.04
			flags = append(flags, "frame_splicing_suspected")
		}
	}
	score += math.Max(0, similarityScore)

	// Visual continuity.
	continuityScore := weightContinuity
	if n := a.ContinuityConsistent + a.ContinuityDiscontinuous; n >= 1 {
		signals.Continuity = &ContinuitySignal{
			Consistent:    a.ContinuityConsistent,
			Discontinuous: a.ContinuityDiscontinuous,
		}
		ratio := float64(a.ContinuityConsistent) / float64(n)
		switch {
		case ratio >= 0.8:
		case ratio >= 0.5:
			continuityScore = weightContinuity / 2
			flags = append(flags, "visual_continuity_partial")
		default:
			continuityScore = 0
			flags = append(flags, "visual_continuity_poor")
		}
	}
	score += continuityScore

	return Report{
		Score:   math.Round(score*100) / 100,
		Signals: signals,
		Flags:   flags,
	}
}

// temporalSignal computes timing stats from the timestamp ring. A fast
// interval only counts as suspicious when the hash at the same position
// changed: a static screen legitimately produces rapid identical frames.
func temporalSignal(a *Accumulator) *TemporalSignal {
	times := a.FrameTimes
	if len(times) < 3 {
		return nil
	}

	intervals := make([]float64, 0, len(times)-1)
	fast := 0
	for i := 1; i < len(times); i++ {
		ms := float64(times[i].Sub(times[i-1]).Milliseconds())
		intervals = append(intervals, ms)
		if ms < FastIntervalMs && hashChangedAt(a.FrameHashes, i) {
			fast++
		}
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))
	stddev := math.Sqrt(variance)

	cv := 0.0
	if mean > 0 {
		cv = stddev / mean
	}

	return &TemporalSignal{
		MeanIntervalMs: mean,
		StdDevMs:       stddev,
		CV:             cv,
		FastCount:      fast,
		TotalIntervals: len(intervals),
	}
}

// hashChangedAt reports whether the hash changed across the interval
// ending at index i. An unhashed frame on either side is inconclusive
// and counts as unchanged.
func hashChangedAt(hashes []string, i int) bool {
	if i >= len(hashes) || i < 1 {
		return false
	}
	if hashes[i] == "" || hashes[i-1] == "" {
		return false
	}
	return hashes[i] != hashes[i-1]
}

// similaritySignal inspects the client hash sequence for replay
// (consecutive duplicates), looping (low unique ratio), and splicing
// (runs of three all-distinct hashes). Unhashed frames are excluded.
func similaritySignal(ring []string) *SimilaritySignal {
	hashes := make([]string, 0, len(ring))
	for _, h := range ring {
		if h != "" {
			hashes = append(hashes, h)
		}
	}
	if len(hashes) < 3 {
		return nil
	}

	duplicates := 0
	abrupt := 0
	unique := make(map[string]bool, len(hashes))
	for i, h := range hashes {
		unique[h] = true
		if i > 0 && h == hashes[i-1] {
			duplicates++
		}
		if i >= 2 {
			a, b, c := hashes[i-2], hashes[i-1], h
			if a != b && b != c && a != c {
				abrupt++
			}
		}
	}

	return &SimilaritySignal{
		DuplicatePairs:   duplicates,
		AbruptChanges:    abrupt,
		TotalTransitions: len(hashes) - 1,
		UniqueRatio:      float64(len(unique)) / float64(len(hashes)),
	}
}
