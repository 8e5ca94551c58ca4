package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/profile"
)

const sampleLog = `[2026-08-30 19:02:11] Dana: hey, are you there?
[2026-08-30 19:02:14] mnemo: Always. What's up?
[2026-08-30 19:02:40] Dana: I live in Austin these days
[2026-08-30 19:03:01] Dana: and I got really into chess
`

type fakeSource struct {
	logs      map[string]string
	processed map[string]string // id → outcome
	readErr   error
}

func newFakeSource(logs map[string]string) *fakeSource {
	return &fakeSource{logs: logs, processed: map[string]string{}}
}

func (f *fakeSource) Unprocessed() ([]string, error) {
	var ids []string
	for id := range f.logs {
		if _, done := f.processed[id]; !done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeSource) Read(id string) (string, error) {
	if f.readErr != nil {
		return "", f.readErr
	}
	return f.logs[id], nil
}

func (f *fakeSource) MarkProcessed(id, outcome string, facts int) error {
	f.processed[id] = outcome
	return nil
}

type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func testProfileStore(t *testing.T) *profile.Store {
	t.Helper()
	s, err := profile.Open(filepath.Join(t.TempDir(), "profiles.json"))
	if err != nil {
		t.Fatalf("open profile store: %v", err)
	}
	return s
}

func TestParseLog(t *testing.T) {
	msgs := ParseLog(sampleLog + "garbage line without format\n")
	if len(msgs) != 4 {
		t.Fatalf("parsed %d messages, want 4", len(msgs))
	}
	if msgs[0].Speaker != "Dana" || msgs[0].Text != "hey, are you there?" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Speaker != "mnemo" {
		t.Errorf("second speaker = %q, want mnemo", msgs[1].Speaker)
	}
	if msgs[0].Timestamp != "2026-08-30 19:02:11" {
		t.Errorf("timestamp = %q", msgs[0].Timestamp)
	}
}

func TestDetectSpeaker(t *testing.T) {
	msgs := ParseLog(sampleLog)
	if got := DetectSpeaker(msgs, "mnemo"); got != "Dana" {
		t.Errorf("DetectSpeaker = %q, want Dana", got)
	}

	// Assistant-only log falls back to the documented default
	only := []LogMessage{{Speaker: "mnemo", Text: "hello?"}}
	if got := DetectSpeaker(only, "mnemo"); got != DefaultSpeaker {
		t.Errorf("DetectSpeaker = %q, want %q", got, DefaultSpeaker)
	}
	if got := DetectSpeaker(nil, "mnemo"); got != DefaultSpeaker {
		t.Errorf("DetectSpeaker(empty) = %q, want %q", got, DefaultSpeaker)
	}
}

func TestParseExtractionTolerant(t *testing.T) {
	response := `Sure! {"extracted_info":[{"category":"likes","value":"chess"}]} Hope that helps!`
	items, err := ParseExtraction(response)
	if err != nil {
		t.Fatalf("ParseExtraction: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Category != "likes" || items[0].Value != "chess" {
		t.Errorf("item = %+v", items[0])
	}
}

func TestParseExtractionFailures(t *testing.T) {
	if _, err := ParseExtraction("no structured payload here"); err == nil {
		t.Error("want error for prose-only response")
	}
	if _, err := ParseExtraction("{broken json"); err == nil {
		t.Error("want error for malformed payload")
	}
}

func TestWorkerExtractsAndMarksProcessed(t *testing.T) {
	source := newFakeSource(map[string]string{"2026-08-30-room1.log": sampleLog})
	store := testProfileStore(t)

	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"extracted_info":[{"category":"location","value":"Austin"},{"category":"likes","value":"chess"}]}`, nil
	})

	w := NewWorker(source, store, completer, nil, WorkerConfig{})
	report := w.RunOnce(context.Background())

	if report.Processed != 1 || report.Facts != 2 {
		t.Fatalf("report = %+v, want 1 processed / 2 facts", report)
	}
	if source.processed["2026-08-30-room1.log"] != OutcomeExtracted {
		t.Errorf("outcome = %q, want %q", source.processed["2026-08-30-room1.log"], OutcomeExtracted)
	}

	rec, ok := store.Lookup("Dana", "any")
	if !ok {
		t.Fatal("record for Dana not created")
	}
	if got := rec.Facts.Scalar[profile.FactLocation]; got != "Austin" {
		t.Errorf("location = %q, want Austin", got)
	}
	if likes := rec.Facts.List[profile.FactLikes]; len(likes) != 1 || likes[0] != "chess" {
		t.Errorf("likes = %v, want [chess]", likes)
	}
}

func TestWorkerSkipsProcessedLogs(t *testing.T) {
	source := newFakeSource(map[string]string{"old.log": sampleLog})
	source.processed["old.log"] = OutcomeExtracted
	store := testProfileStore(t)

	calls := 0
	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return `{"extracted_info":[]}`, nil
	})

	w := NewWorker(source, store, completer, nil, WorkerConfig{})
	report := w.RunOnce(context.Background())

	if calls != 0 {
		t.Errorf("completion service called %d times for a processed log, want 0", calls)
	}
	if report.Scanned != 0 || report.Facts != 0 {
		t.Errorf("report = %+v, want nothing scanned", report)
	}
	if store.Count() != 0 {
		t.Errorf("store has %d records, want 0 (unchanged)", store.Count())
	}
}

func TestWorkerServiceFailureStillMarksProcessed(t *testing.T) {
	source := newFakeSource(map[string]string{"a.log": sampleLog})
	store := testProfileStore(t)

	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("HTTP 503: overloaded")
	})

	w := NewWorker(source, store, completer, nil, WorkerConfig{})
	report := w.RunOnce(context.Background())

	if source.processed["a.log"] != OutcomeError {
		t.Errorf("outcome = %q, want %q (no infinite retry)", source.processed["a.log"], OutcomeError)
	}
	if report.Facts != 0 {
		t.Errorf("facts = %d, want 0", report.Facts)
	}
}

func TestWorkerTimeoutMarksProcessed(t *testing.T) {
	source := newFakeSource(map[string]string{"a.log": sampleLog})
	store := testProfileStore(t)

	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	w := NewWorker(source, store, completer, nil, WorkerConfig{RequestTimeout: 10 * time.Millisecond})
	report := w.RunOnce(context.Background())

	if source.processed["a.log"] != OutcomeError {
		t.Errorf("outcome = %q, want %q (timeouts are definitive, no retry)", source.processed["a.log"], OutcomeError)
	}
	if report.Facts != 0 {
		t.Errorf("facts = %d, want 0", report.Facts)
	}
}

func TestWorkerShutdownLeavesLogUnmarked(t *testing.T) {
	source := newFakeSource(map[string]string{"a.log": sampleLog})
	store := testProfileStore(t)

	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	w := NewWorker(source, store, completer, nil, WorkerConfig{})
	report := w.RunOnce(ctx)

	if _, marked := source.processed["a.log"]; marked {
		t.Error("log analyzed during shutdown was marked processed, want retry on next pass")
	}
	if len(report.Errors) != 1 {
		t.Errorf("report errors = %v, want 1", report.Errors)
	}
}

func TestWorkerUnparsableResponseMarksProcessed(t *testing.T) {
	source := newFakeSource(map[string]string{"a.log": sampleLog})
	store := testProfileStore(t)

	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		return "I could not find anything useful.", nil
	})

	w := NewWorker(source, store, completer, nil, WorkerConfig{})
	w.RunOnce(context.Background())

	if source.processed["a.log"] != OutcomeUnparsable {
		t.Errorf("outcome = %q, want %q", source.processed["a.log"], OutcomeUnparsable)
	}
}

func TestWorkerNameOnlyReplacesPlaceholder(t *testing.T) {
	store := testProfileStore(t)

	// Log with no identifiable speaker → placeholder record
	anonLog := "[2026-08-30 10:00:00] mnemo: anyone there?\n"
	source := newFakeSource(map[string]string{"anon.log": anonLog})
	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"extracted_info":[{"category":"name","value":"Dana"}]}`, nil
	})
	w := NewWorker(source, store, completer, nil, WorkerConfig{})
	w.RunOnce(context.Background())

	rec, ok := store.Lookup("Dana", "any")
	if !ok {
		t.Fatal("placeholder record not renamed to Dana")
	}
	if rec.HasPlaceholderName() {
		t.Errorf("record still has placeholder name %q", rec.Name)
	}

	// A second log claiming a different name must NOT override a real name
	source2 := newFakeSource(map[string]string{"later.log": "[2026-08-31 10:00:00] Dana: hi again\n"})
	completer2 := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"extracted_info":[{"category":"name","value":"Impostor"}]}`, nil
	})
	w2 := NewWorker(source2, store, completer2, nil, WorkerConfig{})
	w2.RunOnce(context.Background())

	rec, _ = store.Lookup("Dana", "any")
	if rec.Name != "Dana" {
		t.Errorf("name = %q, automated extraction overrode a user-supplied name", rec.Name)
	}
}

func TestWorkerQuarantinesUnknownCategories(t *testing.T) {
	source := newFakeSource(map[string]string{"a.log": sampleLog})
	store := testProfileStore(t)

	completer := completerFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"extracted_info":[{"category":"blood_type","value":"O+"},{"category":"likes","value":"chess"}]}`, nil
	})

	w := NewWorker(source, store, completer, nil, WorkerConfig{})
	report := w.RunOnce(context.Background())

	if report.Facts != 1 {
		t.Errorf("facts = %d, want 1 (unknown category skipped)", report.Facts)
	}
	rec, _ := store.Lookup("Dana", "any")
	if len(rec.Facts.Scalar) != 0 {
		t.Errorf("scalar facts = %v, want none", rec.Facts.Scalar)
	}
}

func TestWorkerReadErrorLeavesLogUnmarked(t *testing.T) {
	source := newFakeSource(map[string]string{"a.log": sampleLog})
	source.readErr = errors.New("disk unhappy")
	store := testProfileStore(t)

	w := NewWorker(source, store, completerFunc(func(ctx context.Context, p string) (string, error) {
		return `{"extracted_info":[]}`, nil
	}), nil, WorkerConfig{})
	report := w.RunOnce(context.Background())

	if _, marked := source.processed["a.log"]; marked {
		t.Error("unreadable log was marked processed")
	}
	if len(report.Errors) != 1 {
		t.Errorf("errors = %v, want 1", report.Errors)
	}
}
