// Package engine owns the per-session state machine: connection
// lifecycle, message dispatch, the frame pipeline, and persistence
// commits. One handler goroutine per live token; messages for a token
// are processed strictly in order.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"veriscope/internal/challenge"
	"veriscope/internal/config"
	"veriscope/internal/consensus"
	"veriscope/internal/protocol"
	"veriscope/internal/session"
	"veriscope/internal/storage"
	"veriscope/internal/telemetry"
	"veriscope/internal/template"
	"veriscope/internal/tts"
	"veriscope/internal/vision"
	"veriscope/internal/webhook"
)

// Conn is the outbound half of a client connection. Abstracted so tests
// can record messages without a network.
type Conn interface {
	Send(ctx context.Context, msg any) error
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

// Engine drives all live sessions. Shared resources (store, limiter,
// picker, providers) are safe for concurrent use; everything per-session
// lives in the actor.
type Engine struct {
	cfg        config.EngineConfig
	production bool
	prefix     string
	origins    map[string]bool

	store    session.Store
	db       *storage.Store
	vision   vision.Port
	tts      tts.Port
	notifier *webhook.Notifier
	tel      *telemetry.Provider
	limiter  *session.RateLimiter
	picker   *challenge.Picker

	// now is the engine clock, injectable in tests.
	now func() time.Time
}

// New wires an engine from configuration and its collaborator ports.
// A nil rand source uses an unseeded PRNG.
func New(cfg *config.Config, store session.Store, db *storage.Store, vis vision.Port, speech tts.Port, notifier *webhook.Notifier, tel *telemetry.Provider, src rand.Source) *Engine {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	if vis == nil {
		vis = vision.Disabled{}
	}
	if tel == nil {
		tel = telemetry.NoopProvider()
	}
	if notifier == nil {
		notifier = webhook.NewNotifier("", "")
	}
	return &Engine{
		cfg:        cfg.Engine,
		production: cfg.Production(),
		prefix:     cfg.PathPrefix,
		origins:    origins,
		store:      store,
		db:         db,
		vision:     vis,
		tts:        speech,
		notifier:   notifier,
		tel:        tel,
		limiter:    session.NewRateLimiter(cfg.Engine.RateLimit, cfg.Engine.RateWindow),
		picker:     challenge.NewPicker(src, cfg.Engine.ChallengeProbability, cfg.Engine.ChallengeTimeout),
		now:        time.Now,
	}
}

// ServeHTTP upgrades /<prefix>/<token> requests and runs the session
// until the connection closes.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := e.tokenFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if e.production {
		origin := r.Header.Get("Origin")
		if origin != "" && !e.origins[origin] {
			slog.Warn("origin rejected", "origin", origin)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin policy is enforced above against the allow-list.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("failed to accept websocket connection", "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler exited")

	// Headroom over the codec cap so oversize payloads reach Decode and
	// produce a protocol error instead of a connection kill.
	c.SetReadLimit(2 * protocol.MaxMessageBytes)

	e.run(r.Context(), wsConn{c}, c, token)
	c.Close(websocket.StatusNormalClosure, "")
}

func (e *Engine) tokenFromPath(path string) (string, bool) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] != e.prefix || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// run attaches the session and pumps inbound messages until the
// connection closes or attachment is refused.
func (e *Engine) run(ctx context.Context, conn Conn, c *websocket.Conn, token string) {
	a, err := e.attach(ctx, conn, token)
	if err != nil {
		var se sessionError
		if errors.As(err, &se) {
			conn.Send(ctx, protocol.Error(string(se))) //nolint:errcheck
		} else {
			slog.Error("session attach failed", "token", token, "error", err)
			conn.Send(ctx, protocol.Error("Session unavailable")) //nolint:errcheck
		}
		return
	}
	defer e.limiter.Forget(token)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				a.log.Debug("connection closed")
			} else {
				a.log.Debug("read failed", "error", err)
			}
			return
		}
		a.handleRaw(ctx, data)
	}
}

// handleRaw rate-limits, decodes, and dispatches one inbound message,
// then commits the mutated state snapshot to the store.
func (a *actor) handleRaw(ctx context.Context, data []byte) {
	now := a.e.now()

	if !a.e.limiter.Allow(a.st.Token, now) {
		a.send(ctx, protocol.Error("Rate limit exceeded"))
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrImageTooLarge):
			a.send(ctx, protocol.Error("Frame image too large or invalid"))
		case errors.Is(err, protocol.ErrMessageTooLarge):
			a.send(ctx, protocol.Error("Message too large"))
		default:
			a.send(ctx, protocol.Error("Invalid message format"))
		}
		return
	}

	a.dispatch(ctx, msg, now)

	if err := a.e.store.Set(ctx, a.st.Token, a.st); err != nil {
		a.log.Error("session store write failed", "error", err)
	}
}

type sessionError string

func (e sessionError) Error() string { return string(e) }

const (
	errSessionNotFound  sessionError = "Session not found"
	errSessionExpired   sessionError = "Session has expired"
	errTemplateNotFound sessionError = "Template not found"
)

// attach loads the session row and template, hydrates fresh state (plus
// any previously committed extracted data), commits it to the store,
// and greets the client.
func (e *Engine) attach(ctx context.Context, conn Conn, token string) (*actor, error) {
	now := e.now()

	row, err := e.db.GetSessionByToken(token)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errSessionNotFound
	}
	if row.Status == "expired" || (row.ExpiresAt != nil && row.ExpiresAt.Before(now)) {
		return nil, errSessionExpired
	}

	tplRow, err := e.db.GetTemplate(row.TemplateID)
	if err != nil {
		return nil, err
	}
	if tplRow == nil {
		return nil, errTemplateNotFound
	}
	steps, err := template.ParseSteps(tplRow.Steps)
	if err != nil {
		return nil, err
	}
	tpl := &template.Template{ID: tplRow.ID, Name: tplRow.Name, Platform: tplRow.Platform, Steps: steps}

	st := session.New(token, row.ID, tpl.ID, tpl.Platform, row.CurrentStep, len(steps), now)
	tally := consensus.NewTally(e.cfg.ConsensusThreshold)
	rehydrateExtracted(st, tally, row.Metadata)

	if err := e.db.MarkUsed(token, now); err != nil {
		slog.Warn("failed to mark session used", "token", token, "error", err)
	}
	if err := e.store.Set(ctx, token, st); err != nil {
		slog.Error("session store write failed", "token", token, "error", err)
	}

	a := &actor{
		e:     e,
		conn:  conn,
		st:    st,
		tpl:   tpl,
		tally: tally,
		log:   slog.With("session_id", st.SessionID, "template_id", tpl.ID),
	}

	instruction := ""
	if st.CurrentStep < len(steps) {
		instruction = steps[st.CurrentStep].Instruction
	}
	a.send(ctx, protocol.Connected(st.SessionID, st.CurrentStep, st.TotalSteps, instruction))
	a.log.Info("session connected", "current_step", st.CurrentStep, "total_steps", st.TotalSteps)

	if st.CurrentStep == 0 && instruction != "" {
		a.say(ctx, instruction)
	}
	return a, nil
}

// rehydrateExtracted lifts previously committed extracted data out of
// the session row's metadata blob. Vote tallies are deliberately not
// restored across reconnects.
func rehydrateExtracted(st *session.State, tally *consensus.Tally, metadata []byte) {
	if len(metadata) == 0 {
		return
	}
	var meta struct {
		ExtractedData map[string]string `json:"extractedData"`
	}
	if err := json.Unmarshal(metadata, &meta); err != nil || len(meta.ExtractedData) == 0 {
		return
	}
	pairs := make([]consensus.Pair, 0, len(meta.ExtractedData))
	for label, value := range meta.ExtractedData {
		pairs = append(pairs, consensus.Pair{Label: label, Value: value})
	}
	tally.Seed(pairs)
	st.Extracted = committedFields(tally)
}

func committedFields(tally *consensus.Tally) []session.Field {
	committed := tally.Committed()
	fields := make([]session.Field, 0, len(committed))
	for _, p := range committed {
		fields = append(fields, session.Field{Label: p.Label, Value: p.Value})
	}
	return fields
}
