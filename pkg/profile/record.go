// Package profile implements mnemo's identity store, the durable record of
// every person the assistant knows, resolved across chat platforms.
//
// A UserRecord survives renames, platform hops, and restarts. Records are
// keyed by a stable user id and reachable through two secondary indices:
// a global lowercased-name index and a platform-qualified name index.
// Two records discovered to be the same person are unified with Merge.
package profile

import (
	"fmt"
	"strings"
	"time"
)

// FactKey names one slot of personal information in a record.
type FactKey string

// Known fact categories. The set is closed: extractors may only write
// categories declared here, anything else is skipped upstream.
const (
	FactName        FactKey = "name"
	FactLocation    FactKey = "location"
	FactNationality FactKey = "nationality"
	FactField       FactKey = "field"
	FactEmail       FactKey = "email"
	FactBirthday    FactKey = "birthday"

	FactLikes     FactKey = "likes"
	FactDislikes  FactKey = "dislikes"
	FactInterests FactKey = "interests"
	FactLanguages FactKey = "languages"

	FactProjects FactKey = "projects"
)

// FactKind declares the merge semantics of a category.
type FactKind int

const (
	// KindScalar holds a single value; a new value overwrites the old one.
	KindScalar FactKind = iota
	// KindCollection holds a de-duplicated list; new values append.
	KindCollection
	// KindProjects holds {name, mentioned} pairs, de-duplicated by name.
	KindProjects
)

var factKinds = map[FactKey]FactKind{
	FactName:        KindScalar,
	FactLocation:    KindScalar,
	FactNationality: KindScalar,
	FactField:       KindScalar,
	FactEmail:       KindScalar,
	FactBirthday:    KindScalar,
	FactLikes:       KindCollection,
	FactDislikes:    KindCollection,
	FactInterests:   KindCollection,
	FactLanguages:   KindCollection,
	FactProjects:    KindProjects,
}

// KindOf returns the declared kind of a category, and whether it is known.
func KindOf(key FactKey) (FactKind, bool) {
	k, ok := factKinds[key]
	return k, ok
}

// Project is one structured fact: something the user is actively working on.
type Project struct {
	Name      string    `json:"name"`
	Mentioned time.Time `json:"mentioned"`
}

// FactSet holds everything known about a user, split by merge semantics.
type FactSet struct {
	Scalar   map[FactKey]string   `json:"scalar,omitempty"`
	List     map[FactKey][]string `json:"list,omitempty"`
	Projects []Project            `json:"projects,omitempty"`
}

// UserRecord is the durable representation of one recognized individual.
type UserRecord struct {
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	NameHistory []string        `json:"name_history,omitempty"`
	Platforms   map[string]bool `json:"platforms"`
	Facts       FactSet         `json:"facts"`
	TrustLevel  float64         `json:"trust_level"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PlaceholderPrefix is the generic name given to users whose real name is
// not yet known (e.g. created from a conversation log with no detectable
// speaker). Automated extraction may replace a placeholder name but never a
// name the user supplied themselves.
const PlaceholderPrefix = "User"

// HasPlaceholderName reports whether the record still carries a generated name.
func (r *UserRecord) HasPlaceholderName() bool {
	return r.Name == PlaceholderPrefix || strings.HasPrefix(r.Name, PlaceholderPrefix+"-")
}

// Knows reports whether the record holds a value for the given category.
// The curiosity scheduler uses this to refresh its goal set.
func (r *UserRecord) Knows(key FactKey) bool {
	switch key {
	case FactName:
		return !r.HasPlaceholderName()
	case FactProjects:
		return len(r.Facts.Projects) > 0
	}
	kind, ok := factKinds[key]
	if !ok {
		return false
	}
	if kind == KindScalar {
		return r.Facts.Scalar[key] != ""
	}
	return len(r.Facts.List[key]) > 0
}

// Summary renders a compact "what I know about this user" block for the
// assistant's system prompt.
func (r *UserRecord) Summary() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Name: %s", r.Name))
	for _, key := range []FactKey{FactLocation, FactNationality, FactField, FactBirthday} {
		if v := r.Facts.Scalar[key]; v != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", titled(key), v))
		}
	}
	for _, key := range []FactKey{FactLikes, FactDislikes, FactInterests, FactLanguages} {
		if vs := r.Facts.List[key]; len(vs) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", titled(key), strings.Join(vs, ", ")))
		}
	}
	if len(r.Facts.Projects) > 0 {
		names := make([]string, len(r.Facts.Projects))
		for i, p := range r.Facts.Projects {
			names[i] = p.Name
		}
		parts = append(parts, "Projects: "+strings.Join(names, ", "))
	}
	return strings.Join(parts, "\n")
}

// clone returns a deep copy, so callers can't mutate store state.
func (r *UserRecord) clone() UserRecord {
	cp := *r
	cp.NameHistory = append([]string(nil), r.NameHistory...)
	cp.Platforms = make(map[string]bool, len(r.Platforms))
	for k, v := range r.Platforms {
		cp.Platforms[k] = v
	}
	cp.Facts = r.Facts.clone()
	return cp
}

func (f FactSet) clone() FactSet {
	cp := FactSet{}
	if f.Scalar != nil {
		cp.Scalar = make(map[FactKey]string, len(f.Scalar))
		for k, v := range f.Scalar {
			cp.Scalar[k] = v
		}
	}
	if f.List != nil {
		cp.List = make(map[FactKey][]string, len(f.List))
		for k, v := range f.List {
			cp.List[k] = append([]string(nil), v...)
		}
	}
	cp.Projects = append([]Project(nil), f.Projects...)
	return cp
}

// Update is a partial-facts change produced by an extractor. Zero-valued
// fields are left untouched by Apply.
type Update struct {
	// Name, when non-empty, renames the user (with index maintenance).
	Name string

	Scalar   map[FactKey]string
	List     map[FactKey][]string
	Projects []Project
}

// Empty reports whether the update carries no changes at all.
func (u Update) Empty() bool {
	return u.Name == "" && len(u.Scalar) == 0 && len(u.List) == 0 && len(u.Projects) == 0
}

// containsFold reports whether list holds s, case-insensitively.
func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func titled(key FactKey) string {
	s := string(key)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// hasProjectNamed reports whether projects holds name, case-insensitively.
func hasProjectNamed(projects []Project, name string) bool {
	for _, p := range projects {
		if strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}
