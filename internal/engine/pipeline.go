package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"veriscope/internal/challenge"
	"veriscope/internal/consensus"
	"veriscope/internal/guidance"
	"veriscope/internal/protocol"
	"veriscope/internal/session"
	"veriscope/internal/template"
	"veriscope/internal/trust"
	"veriscope/internal/tts"
	"veriscope/internal/vision"
)

// successConfidence is the minimum confidence for a matching frame to
// count toward advancement.
const successConfidence = 0.7

// actor is the per-connection handler. It owns its session state
// exclusively; the store only sees snapshots written between messages.
type actor struct {
	e     *Engine
	conn  Conn
	st    *session.State
	tpl   *template.Template
	tally *consensus.Tally
	log   *slog.Logger
}

func (a *actor) send(ctx context.Context, msg any) {
	if err := a.conn.Send(ctx, msg); err != nil {
		a.log.Debug("send failed", "error", err)
	}
}

func (a *actor) currentStep() *template.Step {
	if a.st.CurrentStep < 0 || a.st.CurrentStep >= len(a.tpl.Steps) {
		return nil
	}
	return &a.tpl.Steps[a.st.CurrentStep]
}

func (a *actor) dispatch(ctx context.Context, msg any, now time.Time) {
	switch m := msg.(type) {
	case *protocol.Frame:
		a.handleFrame(ctx, m, now)

	case *protocol.LinkClicked:
		a.st.MarkLinkClicked(m.Step, now)
		a.log.Info("link clicked", "step", m.Step)

	case *protocol.AudioComplete:
		// Historical no-op.

	case *protocol.Ping:
		a.send(ctx, protocol.Pong())

	case *protocol.RequestHint:
		a.handleHint(ctx)

	case *protocol.SkipStep:
		a.handleSkip(ctx, now)

	case *protocol.ChallengeAck:
		a.log.Info("challenge acknowledged", "challenge_id", m.ChallengeID)

	case *protocol.ClientInfo:
		a.st.Trust.SetClientInfo(trust.ClientInfo{
			Platform:         m.Platform,
			DisplaySurface:   m.DisplaySurface,
			ScreenResolution: m.ScreenResolution,
			DevicePixelRatio: m.DevicePixelRatio,
			Timezone:         m.Timezone,
		})
		a.log.Info("client info recorded",
			"platform", m.Platform,
			"display_surface", m.DisplaySurface,
			"resolution", m.ScreenResolution,
			"timezone", m.Timezone)
	}
}

// handleFrame is the frame pipeline: debounce, gates, vision, trust,
// consensus, then the success or failure branch.
func (a *actor) handleFrame(ctx context.Context, m *protocol.Frame, now time.Time) {
	st := a.st

	// Debounce: strictly-less comparator, so a frame at exactly the
	// debounce interval is analyzed.
	if !st.LastAnalysisAt.IsZero() && now.Sub(st.LastAnalysisAt).Milliseconds() < a.e.cfg.DebounceMs {
		return
	}
	if st.Completed() {
		return
	}

	step := a.currentStep()
	if step == nil {
		return
	}
	if step.RequireLink && !st.LinkClicked[st.CurrentStep] {
		return
	}

	st.Status = session.StatusAnalyzing
	st.LastAnalysisAt = now
	st.Trust.RecordFrame(now, m.FrameHash)

	a.send(ctx, protocol.Analyzing())

	// A live challenge hijacks the analysis target; the extraction
	// schema and expected host only apply to regular step analysis.
	req := vision.Request{
		ImageBase64:     m.ImageData,
		Instruction:     step.Instruction,
		SuccessCriteria: step.SuccessCriteria,
		Schema:          step.Extract,
		ExpectedHost:    step.ExpectedHost,
		PrevDescription: st.Trust.PrevDescription,
	}
	if st.Challenge != nil {
		req.Instruction = st.Challenge.Instruction
		req.SuccessCriteria = st.Challenge.SuccessCriteria
		req.Schema = nil
		req.ExpectedHost = ""
	}

	ctxSpan, span := a.e.tel.StartFrameSpan(ctx, st.SessionID, st.CurrentStep)
	res, err := a.e.vision.Analyze(ctxSpan, req)
	if err != nil {
		a.e.tel.EndFrameSpan(span, false, 0, err)
		a.log.Error("frame analysis failed", "error", err)
		st.Status = session.StatusWaiting
		a.send(ctx, protocol.Error("Analysis failed"))
		return
	}
	vision.Sanitize(res)
	a.e.tel.EndFrameSpan(span, res.MatchesSuccess, res.Confidence, nil)

	st.Trust.RecordAnalysis(res.URLVerified, req.ExpectedHost != "", res.VisualContinuity, res.Description)

	survivors := a.recordExtractions(now, res.Extracted)

	a.send(ctx, protocol.Analysis(res.MatchesSuccess, res.Confidence, survivors, res.URLVerified))

	if res.MatchesSuccess && res.Confidence > successConfidence {
		a.handleSuccess(ctx, now)
	} else {
		a.handleMiss(ctx, res.SuggestedAction, now)
	}

	if st.Status == session.StatusAnalyzing {
		st.Status = session.StatusWaiting
	}
}

// recordExtractions filters this frame's readings to the template's
// known field names, feeds them to the consensus tally, and persists the
// committed list best-effort when it changed.
func (a *actor) recordExtractions(now time.Time, extracted []vision.ExtractedPair) []protocol.ExtractedField {
	if len(extracted) == 0 {
		return nil
	}
	known := a.tpl.FieldNames()

	var survivors []protocol.ExtractedField
	var pairs []consensus.Pair
	for _, p := range extracted {
		if !known[p.Label] {
			continue
		}
		survivors = append(survivors, protocol.ExtractedField{Label: p.Label, Value: p.Value})
		pairs = append(pairs, consensus.Pair{Label: p.Label, Value: p.Value})
	}

	if a.tally.Observe(pairs) {
		a.st.Extracted = committedFields(a.tally)
		meta := map[string]any{"extractedData": a.extractedMap()}
		if err := a.e.db.UpdateMetadata(a.st.Token, meta, now); err != nil {
			a.log.Warn("extracted data persist failed", "error", err)
		}
	}
	return survivors
}

func (a *actor) extractedMap() map[string]string {
	out := make(map[string]string, len(a.st.Extracted))
	for _, f := range a.st.Extracted {
		out[f.Label] = f.Value
	}
	return out
}

// handleSuccess runs after a matching frame: challenge verification,
// required-fields gate, challenge issuance, then advancement.
func (a *actor) handleSuccess(ctx context.Context, now time.Time) {
	st := a.st
	step := a.currentStep()
	if step == nil {
		return
	}

	challengeHandled := false
	if ch := st.Challenge; ch != nil {
		// Failing a challenge is flagged silently and never blocks the
		// user, so both outcomes force the step to advance.
		passed := !ch.Expired(now)
		a.resolveChallenge(ctx, ch, passed, now)
		st.ConsecutiveSuccesses = a.e.cfg.SuccessThreshold
		challengeHandled = true
	}

	if !challengeHandled {
		for _, name := range step.RequiredFields() {
			if _, ok := a.tally.Get(name); !ok {
				a.log.Debug("required field missing, holding step", "field", name)
				return
			}
		}
		st.ConsecutiveSuccesses++
	}

	if st.ConsecutiveSuccesses < a.e.cfg.SuccessThreshold {
		return
	}

	// One challenge attempt per (session, step), decided before the
	// step is allowed to advance.
	if !st.ChallengeIssued && st.Challenge == nil && len(step.Challenges) > 0 && a.e.picker.ShouldIssue() {
		active := a.e.picker.Issue(step.Challenges, now)
		st.Challenge = active
		st.ChallengeIssued = true
		a.log.Info("challenge issued", "challenge_id", active.ID, "step", st.CurrentStep)
		a.send(ctx, protocol.Challenge(active.ID, active.Instruction, active.TimeoutMs))
		a.say(ctx, active.Instruction)
		return
	}

	a.advance(ctx, now)
}

// handleMiss runs after a non-matching frame: lazy challenge expiry,
// then the utterance gate on the model's suggested action.
func (a *actor) handleMiss(ctx context.Context, suggested string, now time.Time) {
	st := a.st

	if ch := st.Challenge; ch != nil && ch.Expired(now) {
		a.resolveChallenge(ctx, ch, false, now)
		a.advance(ctx, now)
		return
	}

	d := guidance.Decide(guidance.State{
		LastSpoken:    st.LastSpoken,
		LastSpokenAt:  st.LastSpokenAt,
		Pending:       st.PendingGuidance,
		LinkClickedAt: st.LinkClickedAt,
	}, guidance.Config{
		QuietPeriod:  a.e.cfg.QuietPeriod,
		StuckTimeout: a.e.cfg.StuckTimeout,
	}, suggested, now)

	st.LastSpoken = d.LastSpoken
	st.LastSpokenAt = d.LastSpokenAt
	st.PendingGuidance = d.Pending
	if d.Speak {
		a.say(ctx, d.Text)
	}
}

func (a *actor) resolveChallenge(ctx context.Context, ch *challenge.Active, passed bool, now time.Time) {
	outcome := challenge.Outcome{
		ID:         ch.ID,
		Step:       a.st.CurrentStep,
		Passed:     passed,
		ResponseMs: ch.Elapsed(now),
	}
	a.st.ChallengeAudit = append(a.st.ChallengeAudit, outcome)
	a.st.Challenge = nil
	a.e.tel.RecordChallengeResolved(ctx, ch.ID, passed)
	a.log.Info("challenge resolved", "challenge_id", ch.ID, "passed", passed, "response_ms", outcome.ResponseMs)
}

// advance moves to the next step, persists progress, and emits either a
// step transition or the terminal completion.
func (a *actor) advance(ctx context.Context, now time.Time) {
	st := a.st
	st.CurrentStep++
	st.ConsecutiveSuccesses = 0
	st.LastSpoken = ""
	st.PendingGuidance = ""
	st.ChallengeIssued = false

	if err := a.e.db.UpdateProgress(st.Token, st.CurrentStep, now); err != nil {
		a.log.Warn("progress persist failed", "error", err)
	}

	if st.CurrentStep >= st.TotalSteps {
		a.complete(ctx, now)
		return
	}

	next := a.tpl.Steps[st.CurrentStep].Instruction
	a.send(ctx, protocol.StepComplete(st.CurrentStep, st.TotalSteps, next))
	a.say(ctx, "Step complete. "+next)
	a.log.Info("step advanced", "current_step", st.CurrentStep)
}

// complete is the terminal transition: score trust, persist metadata,
// notify, and announce.
func (a *actor) complete(ctx context.Context, now time.Time) {
	st := a.st
	st.Status = session.StatusCompleted

	var result trust.ChallengeResult
	if latest := st.LatestChallengeOutcome(); latest != nil {
		result = trust.ChallengeResult{Issued: true, Passed: latest.Passed, ResponseMs: latest.ResponseMs}
	}
	report := trust.Evaluate(st.Trust, result, now)

	extracted := a.extractedMap()
	meta := map[string]any{
		"extractedData": extracted,
		"completedAt":   now.UTC().Format(time.RFC3339),
		"trust":         report,
	}
	if err := a.e.db.Complete(st.Token, meta, now); err != nil {
		// The in-memory state still reflects completion; the client is
		// told regardless.
		a.log.Error("terminal persist failed", "error", err)
	}

	a.e.notifier.NotifyCompleted(ctx, st.SessionID, st.Platform, extracted, now, report)
	a.e.tel.RecordSessionCompleted(ctx, st.SessionID, st.TemplateID,
		now.Sub(st.Trust.SessionStart).Milliseconds(),
		int64(st.Trust.FramesAnalyzed), report.Score, report.Flags)

	fields := make([]protocol.ExtractedField, 0, len(st.Extracted))
	for _, f := range st.Extracted {
		fields = append(fields, protocol.ExtractedField{Label: f.Label, Value: f.Value})
	}
	a.send(ctx, protocol.Completed("Verification complete. Thank you!", fields))
	a.say(ctx, "All steps complete. Thank you!")
	a.log.Info("session completed", "trust_score", report.Score, "flags", report.Flags)
}

// handleSkip is the operator/dev affordance: advance without analysis
// and without scoring trust.
func (a *actor) handleSkip(ctx context.Context, now time.Time) {
	st := a.st
	if st.Completed() {
		return
	}
	st.CurrentStep++
	st.ConsecutiveSuccesses = 0
	st.Challenge = nil
	st.ChallengeIssued = false
	a.log.Info("step skipped", "current_step", st.CurrentStep)

	if st.CurrentStep >= st.TotalSteps {
		st.Status = session.StatusCompleted
		meta := map[string]any{
			"extractedData": a.extractedMap(),
			"completedAt":   now.UTC().Format(time.RFC3339),
		}
		if err := a.e.db.Complete(st.Token, meta, now); err != nil {
			a.log.Error("terminal persist failed", "error", err)
		}
		fields := make([]protocol.ExtractedField, 0, len(st.Extracted))
		for _, f := range st.Extracted {
			fields = append(fields, protocol.ExtractedField{Label: f.Label, Value: f.Value})
		}
		a.send(ctx, protocol.Completed("Verification complete. Thank you!", fields))
		return
	}

	if err := a.e.db.UpdateProgress(st.Token, st.CurrentStep, now); err != nil {
		a.log.Warn("progress persist failed", "error", err)
	}
	next := a.tpl.Steps[st.CurrentStep].Instruction
	a.send(ctx, protocol.StepComplete(st.CurrentStep, st.TotalSteps, next))
	a.say(ctx, next)
}

func (a *actor) handleHint(ctx context.Context) {
	step := a.currentStep()
	if step == nil {
		return
	}
	if hint := a.e.picker.PickHint(step.Hints); hint != "" {
		a.say(ctx, "Here's a hint: "+hint)
		return
	}
	a.say(ctx, "Try this: "+step.Instruction)
}

// say synthesizes and emits speech. TTS failure downgrades to the
// text-only instruction message; a missing TTS port always does.
func (a *actor) say(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if a.e.tts == nil {
		a.send(ctx, protocol.Instruction(text))
		return
	}
	audio, err := a.e.tts.Speak(ctx, text)
	if err != nil {
		if !errors.Is(err, tts.ErrSpeechFailed) {
			a.log.Warn("tts failed", "error", err)
		}
		a.send(ctx, protocol.Instruction(text))
		return
	}
	a.send(ctx, protocol.Audio(text, base64.StdEncoding.EncodeToString(audio)))
}
