package curiosity

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/profile"
)

// State is the scheduler's coarse position in its ask cycle. It is derived,
// not stored, and exists mainly for logging and the events stream.
type State string

const (
	StateIdle     State = "idle"     // nothing askable right now
	StateEligible State = "eligible" // a question could go out this turn
	StateAsked    State = "asked"    // a direct question just went out
	StateCooldown State = "cooldown" // waiting out the message gap
)

// Config tunes the scheduler. Zero values pick the defaults.
type Config struct {
	// MinMessagesBetweenQuestions is how many user turns must pass after a
	// direct question before another may be asked. Default 3.
	MinMessagesBetweenQuestions int
	// MaxQuestionsPerSession caps direct questions per session. Default 3.
	MaxQuestionsPerSession int
	// SecondChoiceOdds is the probability of picking the second-ranked
	// candidate instead of the first, when there is one. Default 0.2.
	SecondChoiceOdds float64
}

func (c *Config) fill() {
	if c.MinMessagesBetweenQuestions <= 0 {
		c.MinMessagesBetweenQuestions = 3
	}
	if c.MaxQuestionsPerSession <= 0 {
		c.MaxQuestionsPerSession = 3
	}
	if c.SecondChoiceOdds <= 0 {
		c.SecondChoiceOdds = 0.2
	}
}

// Question is a selected curiosity prompt ready to deliver.
type Question struct {
	Key    profile.FactKey
	Text   string
	Method AskMethod
}

// Scheduler tracks knowledge goals for one session and rations the
// questions that pursue them. Safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	goals     []*Goal
	sinceLast int // user turns since the last direct question
	asked     int // direct questions sent this session
	rng       *rand.Rand
	now       func() time.Time
}

// New returns a scheduler with a fresh goal set. Goal Known flags start
// false; call Refresh with the user's record to reconcile them.
func New(cfg Config) *Scheduler {
	cfg.fill()
	return &Scheduler{
		cfg:       cfg,
		goals:     defaultGoals(),
		sinceLast: cfg.MinMessagesBetweenQuestions, // first question needs no warm-up
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// Refresh reconciles goal Known flags against the user's current record.
// Called at session start and after every extraction pass, so a fact the
// user just stated is off the table before the next question is chosen.
func (s *Scheduler) Refresh(rec *profile.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.goals {
		g.Known = rec.Knows(g.Key)
	}
}

// ObserveTurn records one user turn for cooldown accounting.
func (s *Scheduler) ObserveTurn() {
	s.mu.Lock()
	s.sinceLast++
	s.mu.Unlock()
}

// State reports the scheduler's current position in its ask cycle.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.asked > 0 && s.sinceLast == 0:
		return StateAsked
	case s.sinceLast < s.cfg.MinMessagesBetweenQuestions:
		return StateCooldown
	case len(s.candidates(AskDirect, 10)) > 0 || len(s.candidates(AskLLMPrompted, 10)) > 0:
		return StateEligible
	default:
		return StateIdle
	}
}

// NextQuestion picks a direct question if the session is eligible for one:
// cooldown elapsed, session quota not exhausted, and at least one unknown
// direct goal within the trust level. Choosing a question consumes quota
// and restarts the cooldown.
func (s *Scheduler) NextQuestion(trust float64) (Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.asked >= s.cfg.MaxQuestionsPerSession {
		return Question{}, false
	}
	if s.sinceLast < s.cfg.MinMessagesBetweenQuestions {
		return Question{}, false
	}
	goal := s.pick(s.candidates(AskDirect, trust))
	if goal == nil {
		return Question{}, false
	}

	goal.LastAsked = s.now()
	s.asked++
	s.sinceLast = 0

	wordings := phrasings[goal.Key]
	text := wordings[s.rng.Intn(len(wordings))]
	return Question{Key: goal.Key, Text: text, Method: AskDirect}, true
}

// NextPromptHint picks an llm-prompted goal and renders it as an
// instruction for the completion request. Hints share the direct-question
// quota and cooldown so the assistant doesn't fish every turn, but do not
// consume them; each goal is hinted at most once per session.
func (s *Scheduler) NextPromptHint(trust float64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.asked >= s.cfg.MaxQuestionsPerSession {
		return "", false
	}
	if s.sinceLast < s.cfg.MinMessagesBetweenQuestions {
		return "", false
	}
	var pool []*Goal
	for _, g := range s.candidates(AskLLMPrompted, trust) {
		if g.LastAsked.IsZero() {
			pool = append(pool, g)
		}
	}
	goal := s.pick(pool)
	if goal == nil {
		return "", false
	}
	goal.LastAsked = s.now()

	hint := fmt.Sprintf(
		"If it fits the flow of conversation, gently steer toward learning the user's %s. Do not force it or ask point-blank.",
		goal.Key)
	return hint, true
}

// candidates returns unknown goals matching method whose trust threshold is
// met, ranked by priority descending. The sort is stable so equal
// priorities keep goal-set order.
func (s *Scheduler) candidates(method AskMethod, trust float64) []*Goal {
	var out []*Goal
	for _, g := range s.goals {
		if g.Known || g.Method != method || trust < g.MinTrust {
			continue
		}
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// pick takes the top-ranked candidate, or the runner-up with
// SecondChoiceOdds probability, so openers vary between sessions.
func (s *Scheduler) pick(ranked []*Goal) *Goal {
	switch {
	case len(ranked) == 0:
		return nil
	case len(ranked) == 1:
		return ranked[0]
	case s.rng.Float64() < s.cfg.SecondChoiceOdds:
		return ranked[1]
	default:
		return ranked[0]
	}
}

// Asked reports how many direct questions have been sent this session.
func (s *Scheduler) Asked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asked
}
