// Package session orchestrates one conversational turn: extraction first,
// then store updates, then trust, and only then the curiosity scheduler, so
// a fact the user just stated is never asked about in the same turn.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/curiosity"
	"github.com/mnemo-labs/mnemo/pkg/extract"
	"github.com/mnemo-labs/mnemo/pkg/profile"
)

// Config tunes the coordinator.
type Config struct {
	// IdleTimeout is how long a per-user session survives without a turn
	// before its scheduler state is discarded. Default 30m.
	IdleTimeout time.Duration
	// Curiosity is passed through to each session's scheduler.
	Curiosity curiosity.Config
}

// TurnResult is everything the caller needs to finish the assistant's reply.
// Fact updates are already applied by the time this is returned.
type TurnResult struct {
	UserID  string
	Name    string
	Created bool // true when this turn created the record

	Applied            profile.Update
	SharedPersonalInfo bool
	TrustLevel         float64

	// Question, when non-empty, should be woven verbatim into the reply.
	Question      string
	QuestionTopic profile.FactKey

	// PromptHint, when non-empty, is an instruction for the completion
	// request so the model raises the topic in its own words.
	PromptHint string
}

// Coordinator owns per-user session state and runs the turn pipeline.
// Safe for concurrent use; the turn pipeline itself does no network I/O.
type Coordinator struct {
	store *profile.Store
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

type session struct {
	sched    *curiosity.Scheduler
	lastSeen time.Time
}

// New creates a coordinator over the given profile store.
func New(store *profile.Store, cfg Config) *Coordinator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Coordinator{
		store:    store,
		cfg:      cfg,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// HandleTurn processes one incoming message. Pipeline order is fixed:
// resolve the user, run the pattern extractor, apply its updates, update
// trust, refresh the scheduler's goals from the fresh record, and only then
// ask the scheduler for a question or prompt hint.
func (c *Coordinator) HandleTurn(senderName, platform, text string) (TurnResult, error) {
	rec, found := c.store.Lookup(senderName, platform)
	if !found {
		id, err := c.store.Create(senderName, platform)
		if err != nil {
			return TurnResult{}, fmt.Errorf("create user: %w", err)
		}
		rec, _ = c.store.Get(id)
		slog.Info("new user", "user", id, "name", rec.Name, "platform", platform)
	}

	res := TurnResult{UserID: rec.UserID, Created: !found}

	sess := c.session(rec.UserID)
	sess.sched.ObserveTurn()

	upd, shared := extract.Pattern(text, &rec)
	if !upd.Empty() {
		if err := c.store.Apply(rec.UserID, upd); err != nil {
			return res, fmt.Errorf("apply extraction: %w", err)
		}
		res.Applied = upd
	}
	res.SharedPersonalInfo = shared

	if delta := curiosity.TrustDelta(len(text), shared); delta > 0 {
		if _, err := c.store.RaiseTrust(rec.UserID, delta); err != nil {
			return res, fmt.Errorf("raise trust: %w", err)
		}
	}

	// Reload so the scheduler sees this turn's updates before choosing.
	rec, _ = c.store.Get(rec.UserID)
	res.Name = rec.Name
	res.TrustLevel = rec.TrustLevel
	sess.sched.Refresh(&rec)

	if q, ok := sess.sched.DateFollowUp(text); ok {
		res.Question = q
		return res, nil
	}
	if q, ok := sess.sched.NextQuestion(rec.TrustLevel); ok {
		res.Question = q.Text
		res.QuestionTopic = q.Key
		slog.Debug("curiosity question selected", "user", rec.UserID, "topic", q.Key)
		return res, nil
	}
	if hint, ok := sess.sched.NextPromptHint(rec.TrustLevel); ok {
		res.PromptHint = hint
	}
	return res, nil
}

// session returns the live session for a user, starting a fresh one when
// none exists or the previous one went idle. Expired sessions for other
// users are swept opportunistically.
func (c *Coordinator) session(userID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, s := range c.sessions {
		if id != userID && now.Sub(s.lastSeen) > c.cfg.IdleTimeout {
			delete(c.sessions, id)
		}
	}

	s, ok := c.sessions[userID]
	if !ok || now.Sub(s.lastSeen) > c.cfg.IdleTimeout {
		s = &session{sched: curiosity.New(c.cfg.Curiosity)}
		c.sessions[userID] = s
	}
	s.lastSeen = now
	return s
}

// ActiveSessions reports how many sessions are currently live.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// SchedulerState exposes a user's scheduler state for the events stream.
// Returns idle for users with no live session.
func (c *Coordinator) SchedulerState(userID string) curiosity.State {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	c.mu.Unlock()
	if !ok {
		return curiosity.StateIdle
	}
	return s.sched.State()
}
