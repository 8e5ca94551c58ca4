package profile

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "profiles.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestCreateAndLookup(t *testing.T) {
	s := testStore(t)

	id, err := s.Create("Dana", "matrix")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	// Platform-qualified lookup
	rec, ok := s.Lookup("dana", "matrix")
	if !ok {
		t.Fatal("Lookup(dana, matrix): not found")
	}
	if rec.UserID != id {
		t.Errorf("Lookup returned user_id %q, want %q", rec.UserID, id)
	}
	if !rec.Platforms["matrix"] {
		t.Error("platforms[matrix] not set on create")
	}
	if rec.TrustLevel != TrustInitial {
		t.Errorf("initial trust = %v, want %v", rec.TrustLevel, TrustInitial)
	}

	// "any" platform falls back to the global name index
	if _, ok := s.Lookup("DANA", "any"); !ok {
		t.Error("Lookup(DANA, any): not found, want case-insensitive hit")
	}

	// Unknown platform still resolves via the all-platform scan
	if _, ok := s.Lookup("Dana", "discord"); !ok {
		t.Error("Lookup(Dana, discord): not found, want fallback hit")
	}

	// Direct user_id match
	if rec, ok := s.Lookup(id, "any"); !ok || rec.UserID != id {
		t.Error("Lookup by user_id failed")
	}

	if _, ok := s.Lookup("nobody", "any"); ok {
		t.Error("Lookup(nobody): found, want miss")
	}
}

func TestLookupSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Create("Alex", "terminal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, ok := reopened.Lookup("Alex", "terminal")
	if !ok || rec.UserID != id {
		t.Fatalf("record did not survive restart: ok=%v id=%q want %q", ok, rec.UserID, id)
	}
}

func TestApplyScalarAndCollection(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Dana", "matrix")

	upd := Update{
		Scalar:   map[FactKey]string{FactLocation: "Austin"},
		List:     map[FactKey][]string{FactLikes: {"chess", "jazz"}},
		Projects: []Project{{Name: "birdfeeder", Mentioned: time.Now().UTC()}},
	}
	if err := s.Apply(id, upd); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rec, _ := s.Get(id)
	if rec.Facts.Scalar[FactLocation] != "Austin" {
		t.Errorf("location = %q, want Austin", rec.Facts.Scalar[FactLocation])
	}
	if got := rec.Facts.List[FactLikes]; len(got) != 2 {
		t.Errorf("likes = %v, want 2 entries", got)
	}
	if len(rec.Facts.Projects) != 1 {
		t.Errorf("projects = %v, want 1 entry", rec.Facts.Projects)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Dana", "matrix")

	upd := Update{
		Scalar:   map[FactKey]string{FactLocation: "Austin", FactField: "biology"},
		List:     map[FactKey][]string{FactLikes: {"chess"}, FactInterests: {"birds"}},
		Projects: []Project{{Name: "birdfeeder", Mentioned: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}},
	}
	if err := s.Apply(id, upd); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	once, _ := s.Get(id)

	if err := s.Apply(id, upd); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	twice, _ := s.Get(id)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Apply not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestApplyCollectionDedupIsCaseInsensitive(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Dana", "matrix")

	s.Apply(id, Update{List: map[FactKey][]string{FactLikes: {"Chess"}}})
	s.Apply(id, Update{List: map[FactKey][]string{FactLikes: {"chess"}}})
	s.Apply(id, Update{Projects: []Project{{Name: "Birdfeeder"}}})
	s.Apply(id, Update{Projects: []Project{{Name: "birdfeeder"}}})

	rec, _ := s.Get(id)
	if got := rec.Facts.List[FactLikes]; len(got) != 1 {
		t.Errorf("likes = %v, want single entry", got)
	}
	if len(rec.Facts.Projects) != 1 {
		t.Errorf("projects = %v, want single entry", rec.Facts.Projects)
	}
}

func TestRenamePreservesReachability(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Alex", "matrix")

	if err := s.Apply(id, Update{Name: "Alexandra"}); err != nil {
		t.Fatalf("Apply rename: %v", err)
	}

	rec, ok := s.Lookup("Alexandra", "matrix")
	if !ok || rec.UserID != id {
		t.Fatal("Lookup(Alexandra) did not resolve via primary index")
	}
	if rec.Name != "Alexandra" {
		t.Errorf("name = %q, want Alexandra", rec.Name)
	}
	if !containsFold(rec.NameHistory, "Alex") {
		t.Errorf("name_history = %v, want to contain Alex", rec.NameHistory)
	}

	// Old name still reachable via the history fallback
	rec, ok = s.Lookup("alex", "any")
	if !ok || rec.UserID != id {
		t.Fatal("Lookup(alex) did not resolve via name_history fallback")
	}

	// Renaming twice does not duplicate history
	s.Apply(id, Update{Name: "Alex"})
	s.Apply(id, Update{Name: "Alexandra"})
	rec, _ = s.Get(id)
	count := 0
	for _, n := range rec.NameHistory {
		if n == "Alex" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Alex appears %d times in name_history, want 1 (%v)", count, rec.NameHistory)
	}
}

func TestApplyNotFound(t *testing.T) {
	s := testStore(t)
	err := s.Apply("missing-id", Update{Name: "Ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Apply(missing) = %v, want ErrNotFound", err)
	}
}

func TestMerge(t *testing.T) {
	s := testStore(t)
	primaryID, _ := s.Create("Dana", "matrix")
	secondaryID, _ := s.Create("Dee", "terminal")

	s.Apply(primaryID, Update{
		Scalar: map[FactKey]string{FactLocation: "Austin"},
		List:   map[FactKey][]string{FactLikes: {"chess"}},
	})
	s.Apply(secondaryID, Update{
		Scalar:   map[FactKey]string{FactLocation: "Houston", FactField: "biology"},
		List:     map[FactKey][]string{FactLikes: {"jazz", "Chess"}},
		Projects: []Project{{Name: "birdfeeder"}},
	})

	if err := s.Merge(primaryID, secondaryID); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	rec, ok := s.Get(primaryID)
	if !ok {
		t.Fatal("primary record missing after merge")
	}

	// Scalar: primary wins when it already has a value, secondary fills gaps
	if rec.Facts.Scalar[FactLocation] != "Austin" {
		t.Errorf("location = %q, want primary's Austin", rec.Facts.Scalar[FactLocation])
	}
	if rec.Facts.Scalar[FactField] != "biology" {
		t.Errorf("field = %q, want secondary's biology", rec.Facts.Scalar[FactField])
	}

	// Collections: loss-free union, de-duplicated
	likes := rec.Facts.List[FactLikes]
	if !containsFold(likes, "chess") || !containsFold(likes, "jazz") || len(likes) != 2 {
		t.Errorf("likes = %v, want union of chess+jazz", likes)
	}
	if len(rec.Facts.Projects) != 1 {
		t.Errorf("projects = %v, want birdfeeder", rec.Facts.Projects)
	}

	// Platforms unioned, secondary name in history
	if !rec.Platforms["matrix"] || !rec.Platforms["terminal"] {
		t.Errorf("platforms = %v, want both", rec.Platforms)
	}
	if !containsFold(rec.NameHistory, "Dee") {
		t.Errorf("name_history = %v, want Dee", rec.NameHistory)
	}

	// Secondary gone, its names resolve to the primary
	if _, ok := s.Get(secondaryID); ok {
		t.Error("secondary record still present after merge")
	}
	got, ok := s.Lookup("Dee", "any")
	if !ok || got.UserID != primaryID {
		t.Errorf("Lookup(Dee) = (%q, %v), want primary id", got.UserID, ok)
	}
	got, ok = s.Lookup("dee", "terminal")
	if !ok || got.UserID != primaryID {
		t.Errorf("Lookup(dee, terminal) = (%q, %v), want primary id", got.UserID, ok)
	}
}

func TestMergeRejectsSelfAndMissing(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Dana", "matrix")

	if err := s.Merge(id, id); !errors.Is(err, ErrSelfMerge) {
		t.Errorf("self merge = %v, want ErrSelfMerge", err)
	}
	if err := s.Merge(id, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("merge with missing secondary = %v, want ErrNotFound", err)
	}
	if err := s.Merge("missing", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("merge with missing primary = %v, want ErrNotFound", err)
	}
}

func TestMergeLeavesNoDanglingIndexEntries(t *testing.T) {
	s := testStore(t)
	primaryID, _ := s.Create("Dana", "matrix")
	secondaryID, _ := s.Create("Dee", "terminal")
	s.Apply(secondaryID, Update{Name: "Deedee"})

	if err := s.Merge(primaryID, secondaryID); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.doc.NameMap {
		if id == secondaryID {
			t.Errorf("name_map[%q] still points at deleted secondary", name)
		}
	}
	for key, id := range s.doc.PlatformMap {
		if id == secondaryID {
			t.Errorf("platform_map[%q] still points at deleted secondary", key)
		}
	}
}

func TestRaiseTrustClamps(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Dana", "matrix")

	// Many positive bumps never push past the ceiling
	for i := 0; i < 100; i++ {
		if _, err := s.RaiseTrust(id, 0.7); err != nil {
			t.Fatalf("RaiseTrust: %v", err)
		}
	}
	rec, _ := s.Get(id)
	if rec.TrustLevel != TrustMax {
		t.Errorf("trust after 100 bumps = %v, want %v", rec.TrustLevel, TrustMax)
	}

	// And a huge negative delta never drops below the floor
	level, err := s.RaiseTrust(id, -1000)
	if err != nil {
		t.Fatalf("RaiseTrust: %v", err)
	}
	if level != TrustMin {
		t.Errorf("trust after -1000 = %v, want %v", level, TrustMin)
	}
}

func TestRaiseTrustRoundsToTenth(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Dana", "matrix")

	level, err := s.RaiseTrust(id, 0.2+0.2+0.2) // 0.6000000000000001 in float64
	if err != nil {
		t.Fatalf("RaiseTrust: %v", err)
	}
	if level != 1.6 {
		t.Errorf("trust = %v, want 1.6", level)
	}
}

func TestOpenQuarantinesCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open on corrupt document: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("store not empty after reinit: %d records", s.Count())
	}

	// The corrupt file must survive, renamed aside
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Name() != "profiles.json" && len(e.Name()) > len("profiles.json") {
			found = true
		}
	}
	if !found {
		t.Error("no quarantined backup of the corrupt document found")
	}

	// Store is usable after reinit
	if _, err := s.Create("Dana", "matrix"); err != nil {
		t.Errorf("Create after reinit: %v", err)
	}
}

func TestFactStatements(t *testing.T) {
	s := testStore(t)
	id, _ := s.Create("Dana", "matrix")
	s.Apply(id, Update{
		Scalar:   map[FactKey]string{FactLocation: "Austin"},
		List:     map[FactKey][]string{FactLikes: {"chess"}},
		Projects: []Project{{Name: "birdfeeder"}},
	})

	stmts := s.FactStatements()
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3: %+v", len(stmts), stmts)
	}
	for _, st := range stmts {
		if st.UserID != id {
			t.Errorf("statement %q has user %q, want %q", st.ID, st.UserID, id)
		}
	}
}
