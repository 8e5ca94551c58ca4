package curiosity

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/mnemo-labs/mnemo/pkg/profile"
)

// markAllKnownExcept flips every goal to Known except the listed keys.
func markAllKnownExcept(s *Scheduler, keys ...profile.FactKey) {
	unknown := map[profile.FactKey]bool{}
	for _, k := range keys {
		unknown[k] = true
	}
	for _, g := range s.goals {
		g.Known = !unknown[g.Key]
	}
}

func TestNextQuestionPicksHighestPriority(t *testing.T) {
	s := New(Config{})
	s.rng = rand.New(rand.NewSource(1))
	s.cfg.SecondChoiceOdds = 0.0001 // effectively always top pick
	markAllKnownExcept(s, profile.FactName, profile.FactLocation)

	q, ok := s.NextQuestion(3)
	if !ok {
		t.Fatal("expected a question")
	}
	if q.Key != profile.FactName {
		t.Errorf("asked about %q, want name (highest priority)", q.Key)
	}
	if q.Method != AskDirect {
		t.Errorf("method = %q, want direct", q.Method)
	}
	if q.Text == "" {
		t.Error("question has no text")
	}
}

func TestNextQuestionRespectsTrustThreshold(t *testing.T) {
	s := New(Config{})
	markAllKnownExcept(s, profile.FactLocation) // location needs trust 2

	if _, ok := s.NextQuestion(1); ok {
		t.Error("location question asked at trust 1, threshold is 2")
	}
	if _, ok := s.NextQuestion(2); !ok {
		t.Error("location question not asked at trust 2")
	}
}

func TestNextQuestionCooldownAndQuota(t *testing.T) {
	s := New(Config{MinMessagesBetweenQuestions: 3, MaxQuestionsPerSession: 2})
	markAllKnownExcept(s, profile.FactName, profile.FactLocation, profile.FactField)

	if _, ok := s.NextQuestion(10); !ok {
		t.Fatal("first question should be eligible immediately")
	}
	// cooldown: three turns must pass before the next question
	if _, ok := s.NextQuestion(10); ok {
		t.Fatal("second question asked with zero turns elapsed")
	}
	s.ObserveTurn()
	s.ObserveTurn()
	if _, ok := s.NextQuestion(10); ok {
		t.Fatal("second question asked after only two turns")
	}
	s.ObserveTurn()
	if _, ok := s.NextQuestion(10); !ok {
		t.Fatal("second question not asked after cooldown elapsed")
	}
	// quota: two per session
	for i := 0; i < 5; i++ {
		s.ObserveTurn()
	}
	if _, ok := s.NextQuestion(10); ok {
		t.Error("third question asked, session quota is 2")
	}
	if s.Asked() != 2 {
		t.Errorf("asked = %d, want 2", s.Asked())
	}
}

func TestNextQuestionSkipsKnownGoals(t *testing.T) {
	s := New(Config{})
	for _, g := range s.goals {
		g.Known = true
	}
	if _, ok := s.NextQuestion(10); ok {
		t.Error("question asked with every goal known")
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

// With name (priority 5) and location (priority 4) both unknown at trust 3,
// name should be asked in roughly 80% of sessions and location in the rest.
func TestSecondChoiceOdds(t *testing.T) {
	src := rand.New(rand.NewSource(42))

	const trials = 1000
	var name, location int
	for i := 0; i < trials; i++ {
		s := New(Config{MinMessagesBetweenQuestions: 3})
		s.rng = rand.New(rand.NewSource(src.Int63()))
		markAllKnownExcept(s, profile.FactName, profile.FactLocation)

		q, ok := s.NextQuestion(3)
		if !ok {
			t.Fatal("expected a question")
		}
		switch q.Key {
		case profile.FactName:
			name++
		case profile.FactLocation:
			location++
		default:
			t.Fatalf("unexpected goal %q", q.Key)
		}
	}

	if name < 750 || name > 850 {
		t.Errorf("name picked %d/%d times, want ~800", name, trials)
	}
	if location != trials-name {
		t.Errorf("location picked %d times, want %d", location, trials-name)
	}
}

func TestRefreshReconcilesKnownFlags(t *testing.T) {
	s := New(Config{})
	rec := &profile.UserRecord{
		UserID: "u1",
		Name:   "Dana",
		Facts: profile.FactSet{
			Scalar: map[profile.FactKey]string{profile.FactLocation: "Austin"},
		},
	}
	s.Refresh(rec)

	for _, g := range s.goals {
		want := g.Key == profile.FactName || g.Key == profile.FactLocation
		if g.Known != want {
			t.Errorf("goal %q known = %v, want %v", g.Key, g.Known, want)
		}
	}

	// After the user states a fact mid-session, Refresh takes it off the table.
	rec.Facts.Scalar[profile.FactField] = "robotics"
	s.Refresh(rec)
	for _, g := range s.goals {
		if g.Key == profile.FactField && !g.Known {
			t.Error("field still unknown after Refresh")
		}
	}
}

func TestPromptHintFiresOncePerGoal(t *testing.T) {
	s := New(Config{})
	s.cfg.SecondChoiceOdds = 0.0001
	markAllKnownExcept(s, profile.FactLikes)

	hint, ok := s.NextPromptHint(3)
	if !ok {
		t.Fatal("expected a hint")
	}
	if !strings.Contains(hint, "likes") {
		t.Errorf("hint %q does not mention the goal", hint)
	}
	if _, ok := s.NextPromptHint(3); ok {
		t.Error("same goal hinted twice in one session")
	}
}

func TestPromptHintDoesNotConsumeQuestionQuota(t *testing.T) {
	s := New(Config{MaxQuestionsPerSession: 1})
	markAllKnownExcept(s, profile.FactName, profile.FactLikes)

	if _, ok := s.NextPromptHint(3); !ok {
		t.Fatal("expected a hint")
	}
	if _, ok := s.NextQuestion(3); !ok {
		t.Error("hint consumed the direct-question quota")
	}
}

func TestTrustDelta(t *testing.T) {
	cases := []struct {
		name   string
		length int
		shared bool
		want   float64
	}{
		{"short plain", 20, false, 0},
		{"long", 150, false, 0.2},
		{"short personal", 20, true, 0.5},
		{"long personal", 150, true, 0.7},
		{"at threshold", 100, false, 0},
	}
	for _, tc := range cases {
		if got := TrustDelta(tc.length, tc.shared); got != tc.want {
			t.Errorf("%s: TrustDelta(%d, %v) = %v, want %v", tc.name, tc.length, tc.shared, got, tc.want)
		}
	}
}

func TestDetectDate(t *testing.T) {
	positive := map[string]string{
		"my birthday is March 3":            "March 3",
		"the wedding is on the 12th":        "on the 12th",
		"it ships 14.03.2026 apparently":    "14.03.2026",
		"deadline is 3/14":                  "3/14",
		"see you on Friday!":                "on Friday",
		"needs to be done by next week":     "by next week",
		"I was born on the 3rd of august":   "3rd of august",
		"release is planned for 2026-09-01": "2026-09-01",
	}
	for text, want := range positive {
		got, ok := DetectDate(text)
		if !ok {
			t.Errorf("DetectDate(%q) found nothing, want %q", text, want)
			continue
		}
		if got != want {
			t.Errorf("DetectDate(%q) = %q, want %q", text, got, want)
		}
	}

	negative := []string{
		"I like chess",
		"that costs 12 dollars",
		"my name is May", // bare month name with no day
		"turn on the lights",
	}
	for _, text := range negative {
		if got, ok := DetectDate(text); ok {
			t.Errorf("DetectDate(%q) = %q, want no match", text, got)
		}
	}
}

func TestDateFollowUpBypassesCooldown(t *testing.T) {
	s := New(Config{MinMessagesBetweenQuestions: 3, MaxQuestionsPerSession: 1})
	markAllKnownExcept(s, profile.FactName)

	// Exhaust the quota and land inside the cooldown window.
	if _, ok := s.NextQuestion(10); !ok {
		t.Fatal("expected a question")
	}

	q, ok := s.DateFollowUp("the launch is on Friday")
	if !ok {
		t.Fatal("date follow-up suppressed by cooldown, want bypass")
	}
	if !strings.Contains(q, "on Friday") {
		t.Errorf("follow-up %q does not quote the mention", q)
	}
	if s.Asked() != 1 {
		t.Errorf("follow-up consumed question quota, asked = %d", s.Asked())
	}
}

func TestStateTransitions(t *testing.T) {
	s := New(Config{MinMessagesBetweenQuestions: 2})
	markAllKnownExcept(s, profile.FactName)

	if got := s.State(); got != StateEligible {
		t.Fatalf("fresh session state = %q, want eligible", got)
	}
	if _, ok := s.NextQuestion(10); !ok {
		t.Fatal("expected a question")
	}
	if got := s.State(); got != StateAsked {
		t.Errorf("state after asking = %q, want asked", got)
	}
	s.ObserveTurn()
	if got := s.State(); got != StateCooldown {
		t.Errorf("state mid-cooldown = %q, want cooldown", got)
	}
	s.ObserveTurn()
	// Name is now the only goal and it was just asked, but it is still
	// unknown, so it remains eligible for a later session turn.
	if got := s.State(); got != StateEligible {
		t.Errorf("state after cooldown = %q, want eligible", got)
	}
}
