package convlog

import (
	"strings"
	"testing"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/extract"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionID(t *testing.T) {
	ts := time.Date(2026, 8, 30, 19, 2, 0, 0, time.UTC)
	got := SessionID("!room:example.org", ts)
	want := "_room_example.org-2026-08-30.log"
	if got != want {
		t.Errorf("SessionID = %q, want %q", got, want)
	}
}

func TestAppendAndRead(t *testing.T) {
	s := testStore(t)
	ts := time.Date(2026, 8, 30, 19, 2, 11, 0, time.UTC)
	id := SessionID("room", ts)

	if err := s.Append(id, "Dana", "hey, are you there?", ts); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(id, "mnemo", "Always.\nWhat's up?", ts.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}

	content, err := s.Read(id)
	if err != nil {
		t.Fatal(err)
	}
	want := "[2026-08-30 19:02:11] Dana: hey, are you there?\n" +
		"[2026-08-30 19:02:14] mnemo: Always. What's up?\n"
	if content != want {
		t.Errorf("log content:\n%q\nwant:\n%q", content, want)
	}

	// The written format must round-trip through the extraction parser.
	msgs := extract.ParseLog(content)
	if len(msgs) != 2 {
		t.Fatalf("ParseLog found %d messages, want 2", len(msgs))
	}
	if msgs[0].Speaker != "Dana" || msgs[1].Speaker != "mnemo" {
		t.Errorf("speakers = %q, %q", msgs[0].Speaker, msgs[1].Speaker)
	}
}

func TestUnprocessedAndMark(t *testing.T) {
	s := testStore(t)
	ts := time.Now().UTC()

	for _, room := range []string{"alpha", "beta"} {
		id := SessionID(room, ts)
		if err := s.Append(id, "Dana", "hello", ts); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.Unprocessed()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("unprocessed = %v, want 2 entries", ids)
	}
	if !strings.HasPrefix(ids[0], "alpha") {
		t.Errorf("ids not sorted: %v", ids)
	}

	if err := s.MarkProcessed(ids[0], "extracted", 3); err != nil {
		t.Fatal(err)
	}
	ids, err = s.Unprocessed()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || !strings.HasPrefix(ids[0], "beta") {
		t.Errorf("unprocessed after mark = %v, want only beta", ids)
	}

	n, err := s.ProcessedCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("processed count = %d, want 1", n)
	}
}

func TestMarkProcessedSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Now().UTC()
	id := SessionID("room", ts)
	if err := s.Append(id, "Dana", "hello", ts); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(id, "empty", 0); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	ids, err := s2.Unprocessed()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("unprocessed after reopen = %v, want none", ids)
	}
}

func TestMinAgeHidesFreshLogs(t *testing.T) {
	s := testStore(t)
	s.MinAge = time.Hour

	ts := time.Now().UTC()
	if err := s.Append(SessionID("room", ts), "Dana", "hello", ts); err != nil {
		t.Fatal(err)
	}

	ids, err := s.Unprocessed()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("unprocessed = %v, want fresh log hidden", ids)
	}
}
