package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/profile"
)

// extractionInstruction is the fixed prompt sent with each transcript. The
// response payload is located tolerantly (see ParseExtraction), so extra
// prose around the JSON does not break parsing.
const extractionInstruction = `Read the following conversation and extract personal facts about the human participant.
Recognized categories: name, location, nationality, field, email, birthday, likes, dislikes, interests, languages, projects.
Respond with a JSON object of the form {"extracted_info":[{"category":"likes","value":"chess"}]}.
Use one entry per fact. If the conversation contains no personal facts, respond with {"extracted_info":[]}.

Conversation:
`

// Processed-log outcomes recorded in the journal.
const (
	OutcomeExtracted  = "extracted"  // service responded, facts merged
	OutcomeEmpty      = "empty"      // service responded, nothing found
	OutcomeUnparsable = "unparsable" // response carried no usable payload
	OutcomeError      = "error"      // service call failed or timed out
)

// Completer is the slice of the completion service the worker needs.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LogSource lists and marks conversation logs. Implemented by convlog.Store.
type LogSource interface {
	// Unprocessed returns ids of logs not yet analyzed, oldest first.
	Unprocessed() ([]string, error)
	// Read returns the raw content of one log.
	Read(id string) (string, error)
	// MarkProcessed records that a log produced a definitive result.
	MarkProcessed(id, outcome string, facts int) error
}

// EventFunc receives worker status events for the daemon's event stream.
type EventFunc func(message string)

// WorkerConfig holds log extraction worker settings.
type WorkerConfig struct {
	Interval       time.Duration // how often to scan for new logs (default 15m)
	RequestTimeout time.Duration // per-log completion call budget (default 60s)
	AssistantName  string        // speaker label to exclude from detection
	Platform       string        // platform recorded on records created from logs
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:       15 * time.Minute,
		RequestTimeout: 60 * time.Second,
		AssistantName:  "mnemo",
		Platform:       "logs",
	}
}

// Worker replays recorded conversation logs through the completion service
// and merges whatever it finds into the profile store. It runs off the
// turn-taking path: slow or failing service calls never block a chat turn.
type Worker struct {
	source    LogSource
	store     *profile.Store
	completer Completer
	onEvent   EventFunc
	cfg       WorkerConfig

	mu         sync.Mutex
	lastReport *Report
	passCount  int
}

// Report holds the results of a single extraction pass.
type Report struct {
	PassNumber int       `json:"pass_number"`
	StartedAt  time.Time `json:"started_at"`
	Duration   string    `json:"duration"`
	Scanned    int       `json:"scanned"`
	Processed  int       `json:"processed"`
	Facts      int       `json:"facts"`
	Errors     []string  `json:"errors,omitempty"`
}

// NewWorker creates a log extraction worker.
func NewWorker(source LogSource, store *profile.Store, completer Completer, onEvent EventFunc, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = def.AssistantName
	}
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	return &Worker{
		source:    source,
		store:     store,
		completer: completer,
		onEvent:   onEvent,
		cfg:       cfg,
	}
}

// Run starts the extraction loop. Blocks until ctx is cancelled. An initial
// pass runs shortly after startup so logs accumulated while the daemon was
// down get analyzed without waiting a full interval.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("log extraction worker started",
		"interval", w.cfg.Interval,
		"request_timeout", w.cfg.RequestTimeout,
	)
	w.emit("log extraction worker started")

	select {
	case <-ctx.Done():
		return
	case <-time.After(10 * time.Second):
	}

	w.runAndLog(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("log extraction worker stopping")
			return
		case <-ticker.C:
			w.runAndLog(ctx)
		}
	}
}

func (w *Worker) runAndLog(ctx context.Context) {
	report := w.RunOnce(ctx)
	if report.Scanned == 0 {
		return
	}
	slog.Info("log extraction pass complete",
		"pass", report.PassNumber,
		"scanned", report.Scanned,
		"processed", report.Processed,
		"facts", report.Facts,
		"errors", len(report.Errors),
		"duration", report.Duration,
	)
	w.emit(fmt.Sprintf("extraction pass %d: %d logs, %d facts", report.PassNumber, report.Processed, report.Facts))
}

// RunOnce runs a single extraction pass over every unprocessed log.
//
// Each log ends marked processed with a definitive outcome (facts found,
// nothing found, unparsable response, or a failed or timed-out service
// call), except when the daemon is shutting down or the log could not be
// read, in which case it stays unmarked and the next pass retries it.
func (w *Worker) RunOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.passCount++
	report := &Report{PassNumber: w.passCount, StartedAt: time.Now()}
	w.mu.Unlock()

	ids, err := w.source.Unprocessed()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list logs: %v", err))
		return w.finish(report)
	}
	report.Scanned = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		facts, err := w.processLog(ctx, id)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		report.Processed++
		report.Facts += facts
	}

	return w.finish(report)
}

func (w *Worker) finish(report *Report) *Report {
	report.Duration = time.Since(report.StartedAt).Round(time.Millisecond).String()
	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent pass report, or nil.
func (w *Worker) LastReport() *Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReport
}

// processLog analyzes one log. The returned error means the log was NOT
// marked processed and will be retried.
func (w *Worker) processLog(ctx context.Context, id string) (int, error) {
	content, err := w.source.Read(id)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}

	msgs := ParseLog(content)
	if len(msgs) == 0 {
		if err := w.source.MarkProcessed(id, OutcomeEmpty, 0); err != nil {
			return 0, fmt.Errorf("mark processed: %w", err)
		}
		return 0, nil
	}

	speaker := DetectSpeaker(msgs, w.cfg.AssistantName)
	prompt := extractionInstruction + Transcript(msgs)

	cctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	response, err := w.completer.Complete(cctx, prompt)
	if err != nil {
		// Daemon shutdown means the analysis never ran: leave the log
		// unmarked so the next pass retries it. Every other failure,
		// timeouts included, is definitive for this log. Mark it and move
		// on rather than retrying forever.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return 0, fmt.Errorf("interrupted: %w", err)
		}
		slog.Warn("log extraction service call failed", "log", id, "error", err)
		if markErr := w.source.MarkProcessed(id, OutcomeError, 0); markErr != nil {
			return 0, fmt.Errorf("mark processed: %w", markErr)
		}
		return 0, nil
	}

	items, err := ParseExtraction(response)
	if err != nil {
		slog.Warn("log extraction response unparsable", "log", id, "error", err)
		if markErr := w.source.MarkProcessed(id, OutcomeUnparsable, 0); markErr != nil {
			return 0, fmt.Errorf("mark processed: %w", markErr)
		}
		return 0, nil
	}

	facts := w.merge(speaker, items)

	outcome := OutcomeEmpty
	if facts > 0 {
		outcome = OutcomeExtracted
	}
	if err := w.source.MarkProcessed(id, outcome, facts); err != nil {
		return facts, fmt.Errorf("mark processed: %w", err)
	}
	return facts, nil
}

// merge applies extracted items to the speaker's record, creating one if
// the speaker is unknown. Returns the number of facts merged.
func (w *Worker) merge(speaker string, items []ExtractedItem) int {
	rec, ok := w.store.Lookup(speaker, "any")
	if !ok {
		name := speaker
		if name == DefaultSpeaker {
			name = "" // let the store generate a placeholder
		}
		id, err := w.store.Create(name, w.cfg.Platform)
		if err != nil {
			slog.Warn("create record from log failed", "speaker", speaker, "error", err)
			return 0
		}
		rec, _ = w.store.Get(id)
	}

	upd, skipped := buildUpdate(items, &rec)
	for _, cat := range skipped {
		slog.Warn("log extraction returned unrecognized category", "category", cat, "user", rec.UserID)
	}
	if upd.Empty() {
		return 0
	}

	if err := w.store.Apply(rec.UserID, upd); err != nil {
		slog.Warn("apply log extraction failed", "user", rec.UserID, "error", err)
		return 0
	}
	return countFacts(upd)
}

// buildUpdate converts extracted items into a store update. Unrecognized
// categories are quarantined (returned, not inserted). A name value is only
// honored while the record still carries a placeholder name: once a user
// has supplied a real name, automated extraction may not override it.
func buildUpdate(items []ExtractedItem, rec *profile.UserRecord) (profile.Update, []string) {
	var upd profile.Update
	var skipped []string

	for _, item := range items {
		value := strings.TrimSpace(item.Value)
		if value == "" {
			continue
		}
		key, ok := mapCategory(item.Category)
		if !ok {
			skipped = append(skipped, item.Category)
			continue
		}

		switch key {
		case profile.FactName:
			if rec.HasPlaceholderName() {
				upd.Name = value
			}
		case profile.FactProjects:
			if hasProject(rec.Facts.Projects, value) || hasProject(upd.Projects, value) {
				continue
			}
			upd.Projects = append(upd.Projects, profile.Project{Name: value, Mentioned: time.Now().UTC()})
		default:
			kind, _ := profile.KindOf(key)
			if kind == profile.KindScalar {
				if upd.Scalar == nil {
					upd.Scalar = map[profile.FactKey]string{}
				}
				upd.Scalar[key] = value
			} else {
				if upd.List == nil {
					upd.List = map[profile.FactKey][]string{}
				}
				upd.List[key] = append(upd.List[key], value)
			}
		}
	}
	return upd, skipped
}

func countFacts(upd profile.Update) int {
	n := len(upd.Scalar) + len(upd.Projects)
	if upd.Name != "" {
		n++
	}
	for _, vals := range upd.List {
		n += len(vals)
	}
	return n
}

// ExtractedItem is one {category, value} pair from the completion response.
type ExtractedItem struct {
	Category string `json:"category"`
	Value    string `json:"value"`
}

type extractionPayload struct {
	ExtractedInfo []ExtractedItem `json:"extracted_info"`
}

// ParseExtraction locates and parses the structured payload in a completion
// response. The service tends to wrap the JSON in prose ("Sure! {...} Hope
// that helps!"), so everything outside the outermost braces is ignored.
func ParseExtraction(response string) ([]ExtractedItem, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(response[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return payload.ExtractedInfo, nil
}

// categoryAliases maps the loosely-spelled categories the completion
// service returns onto the closed fact category set.
var categoryAliases = map[string]profile.FactKey{
	"name":        profile.FactName,
	"location":    profile.FactLocation,
	"city":        profile.FactLocation,
	"nationality": profile.FactNationality,
	"field":       profile.FactField,
	"profession":  profile.FactField,
	"job":         profile.FactField,
	"email":       profile.FactEmail,
	"birthday":    profile.FactBirthday,
	"likes":       profile.FactLikes,
	"like":        profile.FactLikes,
	"dislikes":    profile.FactDislikes,
	"dislike":     profile.FactDislikes,
	"interests":   profile.FactInterests,
	"interest":    profile.FactInterests,
	"hobby":       profile.FactInterests,
	"languages":   profile.FactLanguages,
	"language":    profile.FactLanguages,
	"projects":    profile.FactProjects,
	"project":     profile.FactProjects,
}

func mapCategory(category string) (profile.FactKey, bool) {
	key, ok := categoryAliases[strings.ToLower(strings.TrimSpace(category))]
	return key, ok
}

func (w *Worker) emit(msg string) {
	if w.onEvent != nil {
		w.onEvent(msg)
	}
}
