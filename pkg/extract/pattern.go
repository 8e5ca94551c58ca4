// Package extract turns raw conversation text into candidate fact updates
// for the profile store.
//
// Two extractors feed the same merge contract: a synchronous pattern
// extractor that runs inline on every conversational turn, and an
// asynchronous worker that replays recorded conversation logs through the
// completion service (see worker.go). Neither guarantees the facts it
// produces are accurate, only that updates merge deterministically.
package extract

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/mnemo-labs/mnemo/pkg/profile"
)

// categoryRules is an ordered pattern list for one fact category. The first
// matching pattern wins; later patterns for the same category are not tried.
type categoryRules struct {
	key      profile.FactKey
	patterns []*regexp.Regexp
	// maxLen bounds the accepted value; values must start with a letter.
	maxLen int
	// multi splits the captured phrase into several values ("chess and jazz").
	multi bool
}

// Rule order within a category encodes priority: the most explicit phrasing
// first, looser phrasings after.
var patternRules = []categoryRules{
	{
		key: profile.FactName,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmy name is ([a-zA-Z][a-zA-Z'\-]*)`),
			regexp.MustCompile(`(?i)\bcall me ([a-zA-Z][a-zA-Z'\-]*)`),
			regexp.MustCompile(`(?i)\bi go by ([a-zA-Z][a-zA-Z'\-]*)`),
		},
		maxLen: 32,
	},
	{
		key: profile.FactLocation,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi live in ([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bi'?m (?:based|living) in ([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bi (?:just )?moved to ([^,.!?\n]+)`),
		},
		maxLen: 48,
	},
	{
		key: profile.FactNationality,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmy nationality is ([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bi'?m originally from ([^,.!?\n]+)`),
		},
		maxLen: 32,
	},
	{
		key: profile.FactField,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi work (?:as an? |in )([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bi study ([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bmy job is ([^,.!?\n]+)`),
		},
		maxLen: 48,
	},
	{
		key: profile.FactEmail,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmy e-?mail (?:address )?is ([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})`),
		},
		maxLen: 64,
	},
	{
		key: profile.FactBirthday,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmy birthday is (?:on )?([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bi was born on ([^,.!?\n]+)`),
		},
		maxLen: 32,
	},
	{
		key: profile.FactLikes,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi (?:really |absolutely )?love ([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bi (?:really )?(?:like|enjoy) ([^,.!?\n]+)`),
		},
		maxLen: 40,
		multi:  true,
	},
	{
		key: profile.FactDislikes,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi (?:hate|dislike|can'?t stand) ([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bi (?:don'?t|do not) like ([^,.!?\n]+)`),
		},
		maxLen: 40,
		multi:  true,
	},
	{
		key: profile.FactInterests,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi'?m (?:interested in|into) ([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bmy hobb(?:y|ies) (?:is|are) ([^,.!?\n]+)`),
		},
		maxLen: 40,
		multi:  true,
	},
	{
		key: profile.FactLanguages,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi speak ([^,.!?\n]+)`),
		},
		maxLen: 40,
		multi:  true,
	},
	{
		key: profile.FactProjects,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi'?m (?:currently )?(?:working on|building) (?:a |an |the )?([^,.!?\n]+)`),
			regexp.MustCompile(`(?i)\bmy (?:current )?project is (?:called )?([^,.!?\n]+)`),
		},
		maxLen: 48,
	},
}

// clauseBreaks cut a captured phrase before a trailing clause that belongs
// to the rest of the sentence ("Austin and I work from home").
var clauseBreaks = []string{" and ", " but ", " because ", " since ", " so ", " which ", " where "}

// Pattern applies the ordered rule list to a single message. It is total:
// the worst case is an empty update, never an error. The second return
// value flags that the user shared personal information, which feeds trust
// scoring downstream.
//
// existing, when non-nil, is the user's current record; candidate projects
// already present there (or collected earlier in the same update) are not
// duplicated.
func Pattern(text string, existing *profile.UserRecord) (profile.Update, bool) {
	var upd profile.Update

	for _, cat := range patternRules {
		raw, ok := firstMatch(cat.patterns, text)
		if !ok {
			continue
		}

		switch cat.key {
		case profile.FactName:
			if v, ok := validate(raw, cat.maxLen); ok {
				upd.Name = capitalize(v)
			}

		case profile.FactProjects:
			v, ok := validate(cutClause(raw), cat.maxLen)
			if !ok {
				continue
			}
			if existing != nil && hasProject(existing.Facts.Projects, v) {
				continue
			}
			if hasProject(upd.Projects, v) {
				continue
			}
			upd.Projects = append(upd.Projects, profile.Project{
				Name:      v,
				Mentioned: time.Now().UTC(),
			})

		default:
			kind, _ := profile.KindOf(cat.key)
			if kind == profile.KindScalar {
				if v, ok := validate(cutClause(raw), cat.maxLen); ok {
					if upd.Scalar == nil {
						upd.Scalar = map[profile.FactKey]string{}
					}
					upd.Scalar[cat.key] = v
				}
				continue
			}
			values := []string{cutClause(raw)}
			if cat.multi {
				values = splitValues(raw)
			}
			for _, val := range values {
				v, ok := validate(val, cat.maxLen)
				if !ok {
					continue
				}
				if upd.List == nil {
					upd.List = map[profile.FactKey][]string{}
				}
				upd.List[cat.key] = append(upd.List[cat.key], v)
			}
		}
	}

	return upd, !upd.Empty()
}

func firstMatch(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// validate rejects spurious captures: too short, too long, or not starting
// with a letter. Rejection is a filter, not an error.
func validate(v string, maxLen int) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) < 2 || len(v) > maxLen {
		return "", false
	}
	r := []rune(v)[0]
	if !unicode.IsLetter(r) {
		return "", false
	}
	return v, true
}

// cutClause trims a captured phrase at the first clause break.
func cutClause(v string) string {
	lower := strings.ToLower(v)
	cut := len(v)
	for _, sep := range clauseBreaks {
		if i := strings.Index(lower, sep); i >= 0 && i < cut {
			cut = i
		}
	}
	return strings.TrimSpace(v[:cut])
}

// splitValues breaks "chess, go and jazz" into individual values.
func splitValues(v string) []string {
	v = strings.ReplaceAll(v, " and ", ",")
	var out []string
	for _, part := range strings.Split(v, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		// A fragment that restarts in the first person belongs to the next
		// clause, not to this list ("chess and I hate mornings").
		if low := strings.ToLower(p); low == "i" || strings.HasPrefix(low, "i ") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func capitalize(v string) string {
	r := []rune(v)
	return string(unicode.ToUpper(r[0])) + string(r[1:])
}

func hasProject(projects []profile.Project, name string) bool {
	for _, p := range projects {
		if strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}
