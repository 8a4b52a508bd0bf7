// Package guidance decides whether candidate spoken help should be
// emitted. The gate suppresses chatter (model suggestions flicker frame
// to frame) without losing help when the user is genuinely stuck.
package guidance

import "time"

const (
	// DefaultQuietPeriod suppresses speech after a link click while the
	// destination page is still loading.
	DefaultQuietPeriod = 4 * time.Second
	// DefaultStuckTimeout re-speaks prior guidance when nothing has been
	// said for this long.
	DefaultStuckTimeout = 15 * time.Second
)

// State is the slice of session state the gate reads.
type State struct {
	LastSpoken    string
	LastSpokenAt  time.Time
	Pending       string
	LinkClickedAt time.Time
}

// Config holds the gate's timing policy.
type Config struct {
	QuietPeriod  time.Duration
	StuckTimeout time.Duration
}

// Decision is the gate's verdict plus the replacement state fields. The
// caller owns the session state; the gate never mutates it directly.
type Decision struct {
	Speak bool
	Text  string

	LastSpoken   string
	LastSpokenAt time.Time
	Pending      string
}

// Decide applies the utterance policy to a candidate guidance string.
//
// Order matters: the quiet period wins over everything, then the
// stability gate (two consecutive frames must agree before the user
// hears a new suggestion), then the stuck timeout, which re-speaks the
// previously spoken guidance rather than the candidate so an unchanged
// screen doesn't get contradictory narration.
func Decide(st State, cfg Config, candidate string, now time.Time) Decision {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = DefaultStuckTimeout
	}

	d := Decision{
		LastSpoken:   st.LastSpoken,
		LastSpokenAt: st.LastSpokenAt,
		Pending:      st.Pending,
	}

	if !st.LinkClickedAt.IsZero() && now.Sub(st.LinkClickedAt) < cfg.QuietPeriod {
		d.Pending = candidate
		return d
	}

	if candidate != "" && candidate == st.Pending && candidate != st.LastSpoken {
		d.Speak = true
		d.Text = candidate
		d.LastSpoken = candidate
		d.LastSpokenAt = now
		d.Pending = ""
		return d
	}

	if st.LastSpoken != "" && !st.LastSpokenAt.IsZero() && now.Sub(st.LastSpokenAt) >= cfg.StuckTimeout {
		d.Speak = true
		d.Text = st.LastSpoken
		d.LastSpokenAt = now
		return d
	}

	d.Pending = candidate
	return d
}
