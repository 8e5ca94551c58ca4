// Package curiosity decides when the assistant should proactively ask for
// missing personal information, and what to ask.
//
// Each session tracks a set of knowledge goals, fact categories the
// assistant would like to fill in. Questions are gated by the user's trust
// level, rate-limited so the assistant doesn't interrogate, and selected
// mostly by priority with a little randomness so the opener varies.
package curiosity

import (
	"time"

	"github.com/mnemo-labs/mnemo/pkg/profile"
)

// AskMethod describes how a knowledge goal may be pursued.
type AskMethod string

const (
	// AskDirect questions are asked verbatim, taking a conversational turn.
	AskDirect AskMethod = "direct"
	// AskInfer goals are never asked about; they fill in from extraction only.
	AskInfer AskMethod = "infer"
	// AskLLMPrompted goals yield an instruction appended to the outgoing
	// completion request, so the model works the question into its own reply.
	AskLLMPrompted AskMethod = "llm-prompted"
	// AskFollowUp goals ride on something the user just said.
	AskFollowUp AskMethod = "follow-up"
)

// Goal is one tracked fact category the assistant wants to learn.
// Goal state lives only for the session; it is recomputed from the user's
// record at session start and refreshed after every extraction cycle.
type Goal struct {
	Key       profile.FactKey
	Known     bool
	Priority  int // higher = asked about sooner
	Method    AskMethod
	MinTrust  float64 // trust threshold before this may be solicited
	LastAsked time.Time
}

// defaultGoals returns the goal set for a fresh session. Order matters only
// as a tie-break: equal priorities keep this order.
func defaultGoals() []*Goal {
	return []*Goal{
		{Key: profile.FactName, Priority: 5, Method: AskDirect, MinTrust: 1},
		{Key: profile.FactLocation, Priority: 4, Method: AskDirect, MinTrust: 2},
		{Key: profile.FactField, Priority: 3, Method: AskDirect, MinTrust: 3},
		{Key: profile.FactLikes, Priority: 3, Method: AskLLMPrompted, MinTrust: 2},
		{Key: profile.FactInterests, Priority: 2, Method: AskLLMPrompted, MinTrust: 2},
		{Key: profile.FactNationality, Priority: 2, Method: AskInfer, MinTrust: 4},
		{Key: profile.FactProjects, Priority: 2, Method: AskFollowUp, MinTrust: 3},
		{Key: profile.FactLanguages, Priority: 1, Method: AskLLMPrompted, MinTrust: 3},
		{Key: profile.FactBirthday, Priority: 1, Method: AskDirect, MinTrust: 6},
		{Key: profile.FactDislikes, Priority: 1, Method: AskLLMPrompted, MinTrust: 4},
		{Key: profile.FactEmail, Priority: 1, Method: AskDirect, MinTrust: 8},
	}
}

// phrasings holds the pre-written wordings for direct questions. One is
// picked uniformly at random per ask.
var phrasings = map[profile.FactKey][]string{
	profile.FactName: {
		"By the way, I don't think I ever got your name — what should I call you?",
		"I just realized I don't know your name. What is it?",
	},
	profile.FactLocation: {
		"Whereabouts do you live, if you don't mind me asking?",
		"Where in the world are you based these days?",
	},
	profile.FactField: {
		"What do you do for work?",
		"What field are you in, out of curiosity?",
	},
	profile.FactBirthday: {
		"When's your birthday, by the way?",
		"Would you tell me your birthday? I'd like to remember it.",
	},
	profile.FactEmail: {
		"Is there an email address I could reach you at?",
		"What's a good email for you, in case I ever need to send you something?",
	},
}
