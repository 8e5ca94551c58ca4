package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrNotFound means the requested record does not exist. Never fatal.
	ErrNotFound = errors.New("profile: record not found")
	// ErrStoreUnavailable means the backing document could not be read or
	// written. Distinct from ErrNotFound so callers can retry or degrade.
	ErrStoreUnavailable = errors.New("profile: store unavailable")
	// ErrSelfMerge means primary and secondary id were the same record.
	ErrSelfMerge = errors.New("profile: cannot merge a record with itself")
)

// Trust level bounds and defaults.
const (
	TrustMin     = 1.0
	TrustMax     = 10.0
	TrustInitial = 1.0
)

// Store owns the persisted record set and both secondary indices.
//
// The on-disk layout is a single JSON document with three top-level maps:
// users (user_id → record), name_map (lowercased name → user_id) and
// platform_map ("platform:lowercased-name" → user_id). Every operation runs
// under one mutex: load-mutate-save is a single critical section, so
// concurrent callers (the chat turn path and the background log extractor)
// can never lose updates to each other.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

type document struct {
	Users       map[string]*UserRecord `json:"users"`
	NameMap     map[string]string      `json:"name_map"`
	PlatformMap map[string]string      `json:"platform_map"`
}

// Open loads the identity document at path, creating an empty store if the
// file does not exist. A document that fails to parse is renamed aside
// (never deleted) and the store reinitializes empty.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			Users:       map[string]*UserRecord{},
			NameMap:     map[string]string{},
			PlatformMap: map[string]string{},
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("profile store initialized empty", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405"))
		if mvErr := os.Rename(path, aside); mvErr != nil {
			return nil, fmt.Errorf("%w: quarantine corrupt document: %v", ErrStoreUnavailable, mvErr)
		}
		slog.Warn("profile document corrupt, moved aside and reinitialized",
			"path", path, "backup", aside, "error", err)
		return s, nil
	}

	if doc.Users == nil {
		doc.Users = map[string]*UserRecord{}
	}
	if doc.NameMap == nil {
		doc.NameMap = map[string]string{}
	}
	if doc.PlatformMap == nil {
		doc.PlatformMap = map[string]string{}
	}
	s.doc = doc

	slog.Info("profile store opened", "path", path, "users", len(doc.Users))
	return s, nil
}

// save writes the whole document atomically (temp file + rename).
// Callers must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal document: %v", ErrStoreUnavailable, err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrStoreUnavailable, dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStoreUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrStoreUnavailable, s.path, err)
	}
	return nil
}

// normalize lowers and trims a name for index keys.
func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func platformKey(platform, loweredName string) string {
	return platform + ":" + loweredName
}

// Lookup resolves a display name to a record. The fallback chain runs from
// the most specific, cheapest signal to the most expensive scan:
//
//  1. (platform, name) index, when a platform other than "any" is given
//  2. (any platform, name) scan of the platform index
//  3. global name index
//  4. direct user_id match
//  5. every record's name history, case-insensitively
//
// Returns a deep copy; mutations go through Apply/Merge.
func (s *Store) Lookup(name, platform string) (UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lname := normalize(name)

	if platform != "" && platform != "any" {
		if id, ok := s.doc.PlatformMap[platformKey(platform, lname)]; ok {
			if rec, ok := s.doc.Users[id]; ok {
				return rec.clone(), true
			}
		}
	}

	suffix := ":" + lname
	for key, id := range s.doc.PlatformMap {
		if strings.HasSuffix(key, suffix) {
			if rec, ok := s.doc.Users[id]; ok {
				return rec.clone(), true
			}
		}
	}

	if id, ok := s.doc.NameMap[lname]; ok {
		if rec, ok := s.doc.Users[id]; ok {
			return rec.clone(), true
		}
	}

	if rec, ok := s.doc.Users[name]; ok {
		return rec.clone(), true
	}

	for _, rec := range s.doc.Users {
		for _, old := range rec.NameHistory {
			if normalize(old) == lname {
				return rec.clone(), true
			}
		}
	}

	return UserRecord{}, false
}

// Get returns the record for a user id.
func (s *Store) Get(userID string) (UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Users[userID]
	if !ok {
		return UserRecord{}, false
	}
	return rec.clone(), true
}

// Create allocates a fresh record for a previously-unseen name and persists
// it. The returned user id is stable for the record's lifetime.
func (s *Store) Create(name, platform string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if name == "" {
		name = PlaceholderPrefix + "-" + id[:8]
	}
	rec := &UserRecord{
		UserID:     id,
		Name:       name,
		Platforms:  map[string]bool{platform: true},
		TrustLevel: TrustInitial,
		CreatedAt:  time.Now().UTC(),
	}

	lname := normalize(name)
	s.doc.Users[id] = rec
	s.doc.NameMap[lname] = id
	s.doc.PlatformMap[platformKey(platform, lname)] = id

	if err := s.save(); err != nil {
		return "", err
	}
	slog.Info("profile created", "user_id", id, "name", name, "platform", platform)
	return id, nil
}

// Apply merges a partial-facts update into a record. Scalar categories
// overwrite, collection categories append with case-insensitive dedup, and
// a name change repoints every index entry so no stale entry survives.
// Re-applying the same update is a no-op.
func (s *Store) Apply(userID string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Users[userID]
	if !ok {
		return fmt.Errorf("apply to %s: %w", userID, ErrNotFound)
	}

	if upd.Name != "" && upd.Name != rec.Name {
		s.rename(rec, upd.Name)
	}

	for key, val := range upd.Scalar {
		if key == FactName || val == "" {
			continue
		}
		if rec.Facts.Scalar == nil {
			rec.Facts.Scalar = map[FactKey]string{}
		}
		rec.Facts.Scalar[key] = val
	}

	for key, vals := range upd.List {
		for _, v := range vals {
			if v == "" || containsFold(rec.Facts.List[key], v) {
				continue
			}
			if rec.Facts.List == nil {
				rec.Facts.List = map[FactKey][]string{}
			}
			rec.Facts.List[key] = append(rec.Facts.List[key], v)
		}
	}

	for _, p := range upd.Projects {
		if p.Name == "" || hasProjectNamed(rec.Facts.Projects, p.Name) {
			continue
		}
		rec.Facts.Projects = append(rec.Facts.Projects, p)
	}

	return s.save()
}

// rename changes a record's display name and keeps both indices consistent:
// the old global entry is removed only if it still points at this record,
// and platform entries under the old name are repointed. The old name goes
// into name_history so Lookup still resolves it.
// Callers must hold s.mu.
func (s *Store) rename(rec *UserRecord, newName string) {
	oldLower := normalize(rec.Name)
	newLower := normalize(newName)

	if !containsFold(rec.NameHistory, rec.Name) && !rec.HasPlaceholderName() {
		rec.NameHistory = append(rec.NameHistory, rec.Name)
	}

	if s.doc.NameMap[oldLower] == rec.UserID {
		delete(s.doc.NameMap, oldLower)
	}
	s.doc.NameMap[newLower] = rec.UserID

	oldSuffix := ":" + oldLower
	for key, id := range s.doc.PlatformMap {
		if id != rec.UserID || !strings.HasSuffix(key, oldSuffix) {
			continue
		}
		platform := strings.TrimSuffix(key, oldSuffix)
		delete(s.doc.PlatformMap, key)
		s.doc.PlatformMap[platformKey(platform, newLower)] = rec.UserID
	}

	slog.Info("profile renamed", "user_id", rec.UserID, "from", rec.Name, "to", newName)
	rec.Name = newName
}

// Merge unifies two records discovered to be the same person. Collection
// facts union loss-free; scalar facts keep the primary's value when present.
// Every index entry that pointed at the secondary is repointed to the
// primary, then the secondary record is deleted.
func (s *Store) Merge(primaryID, secondaryID string) error {
	if primaryID == secondaryID {
		return ErrSelfMerge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	primary, ok := s.doc.Users[primaryID]
	if !ok {
		return fmt.Errorf("merge primary %s: %w", primaryID, ErrNotFound)
	}
	secondary, ok := s.doc.Users[secondaryID]
	if !ok {
		return fmt.Errorf("merge secondary %s: %w", secondaryID, ErrNotFound)
	}

	for platform, seen := range secondary.Platforms {
		if seen {
			if primary.Platforms == nil {
				primary.Platforms = map[string]bool{}
			}
			primary.Platforms[platform] = true
		}
	}

	for _, name := range append([]string{secondary.Name}, secondary.NameHistory...) {
		if strings.EqualFold(name, primary.Name) || containsFold(primary.NameHistory, name) {
			continue
		}
		primary.NameHistory = append(primary.NameHistory, name)
	}

	for key, val := range secondary.Facts.Scalar {
		if val == "" {
			continue
		}
		if primary.Facts.Scalar[key] != "" {
			continue // primary wins
		}
		if primary.Facts.Scalar == nil {
			primary.Facts.Scalar = map[FactKey]string{}
		}
		primary.Facts.Scalar[key] = val
	}

	for key, vals := range secondary.Facts.List {
		for _, v := range vals {
			if containsFold(primary.Facts.List[key], v) {
				continue
			}
			if primary.Facts.List == nil {
				primary.Facts.List = map[FactKey][]string{}
			}
			primary.Facts.List[key] = append(primary.Facts.List[key], v)
		}
	}

	for _, p := range secondary.Facts.Projects {
		if hasProjectNamed(primary.Facts.Projects, p.Name) {
			continue
		}
		primary.Facts.Projects = append(primary.Facts.Projects, p)
	}

	if secondary.TrustLevel > primary.TrustLevel {
		primary.TrustLevel = secondary.TrustLevel
	}

	for name, id := range s.doc.NameMap {
		if id == secondaryID {
			s.doc.NameMap[name] = primaryID
		}
	}
	for key, id := range s.doc.PlatformMap {
		if id == secondaryID {
			s.doc.PlatformMap[key] = primaryID
		}
	}

	delete(s.doc.Users, secondaryID)

	if err := s.save(); err != nil {
		return err
	}
	slog.Info("profiles merged",
		"primary", primaryID,
		"secondary", secondaryID,
		"name", primary.Name,
	)
	return nil
}

// RaiseTrust adds delta to a record's trust level, clamps the result to
// [TrustMin, TrustMax], rounds it to one decimal place and persists it.
// Returns the new level.
func (s *Store) RaiseTrust(userID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Users[userID]
	if !ok {
		return 0, fmt.Errorf("raise trust for %s: %w", userID, ErrNotFound)
	}

	level := rec.TrustLevel + delta
	if level < TrustMin {
		level = TrustMin
	}
	if level > TrustMax {
		level = TrustMax
	}
	rec.TrustLevel = roundTenth(level)

	if err := s.save(); err != nil {
		return 0, err
	}
	return rec.TrustLevel, nil
}

func roundTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// Count returns the number of records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Users)
}

// All returns a deep copy of every record, ordered by creation time.
func (s *Store) All() []UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]UserRecord, 0, len(s.doc.Users))
	for _, rec := range s.doc.Users {
		records = append(records, rec.clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// FactStatement is one natural-language rendition of a known fact, used by
// the embedding sync worker for semantic profile recall.
type FactStatement struct {
	ID     string // "<user_id>/<category>"
	UserID string
	Text   string
}

// FactStatements renders every known fact of every user as a short
// statement ("Dana likes chess, go").
func (s *Store) FactStatements() []FactStatement {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []FactStatement
	for id, rec := range s.doc.Users {
		for key, val := range rec.Facts.Scalar {
			if val == "" {
				continue
			}
			out = append(out, FactStatement{
				ID:     id + "/" + string(key),
				UserID: id,
				Text:   fmt.Sprintf("%s's %s is %s", rec.Name, key, val),
			})
		}
		for key, vals := range rec.Facts.List {
			if len(vals) == 0 {
				continue
			}
			out = append(out, FactStatement{
				ID:     id + "/" + string(key),
				UserID: id,
				Text:   fmt.Sprintf("%s %s %s", rec.Name, key, strings.Join(vals, ", ")),
			})
		}
		if len(rec.Facts.Projects) > 0 {
			names := make([]string, len(rec.Facts.Projects))
			for i, p := range rec.Facts.Projects {
				names[i] = p.Name
			}
			out = append(out, FactStatement{
				ID:     id + "/" + string(FactProjects),
				UserID: id,
				Text:   fmt.Sprintf("%s is working on %s", rec.Name, strings.Join(names, ", ")),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
