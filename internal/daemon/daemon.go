// Package daemon implements the mnemo daemon, the persistent event loop
// that listens for messages, remembers who it is talking to, and asks.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-labs/mnemo/internal/channel/matrix"
	"github.com/mnemo-labs/mnemo/internal/llm"
	"github.com/mnemo-labs/mnemo/pkg/channel"
	"github.com/mnemo-labs/mnemo/pkg/convlog"
	"github.com/mnemo-labs/mnemo/pkg/curiosity"
	"github.com/mnemo-labs/mnemo/pkg/embeddings"
	"github.com/mnemo-labs/mnemo/pkg/extract"
	"github.com/mnemo-labs/mnemo/pkg/profile"
	"github.com/mnemo-labs/mnemo/pkg/session"
)

// chatSystemPrompt primes the chat path for mobile messaging behavior.
const chatSystemPrompt = `You are mnemo, a persistent AI assistant chatting via Matrix (mobile messaging).

Behavioral rules:
- Be concise and conversational. This is mobile chat, not a terminal.
- No markdown headers, no code fences unless explicitly asked.
- Short, natural responses. Think texting, not writing essays.
- You remember people across conversations. Use what you know about the
  person naturally, the way a friend would. Never recite their profile back.
- If you are unsure you are talking to the person you think you are, ask.`

const (
	// maxHistoryPerRoom caps message count even for large context windows.
	maxHistoryPerRoom = 100
	// defaultHistoryBudgetChars is the fallback if no context window is configured.
	defaultHistoryBudgetChars = 8000
	// historyBudgetRatio is the fraction of context window allocated to conversation history.
	// Remainder covers system prompt, output tokens, and safety margin.
	historyBudgetRatio = 0.60
	// charsPerToken is a rough estimate for converting token budgets to character budgets.
	charsPerToken = 4
)

// Daemon is the main mnemo process.
type Daemon struct {
	config      *Config
	profiles    *profile.Store
	logs        *convlog.Store
	coordinator *session.Coordinator
	matrix      *matrix.Channel
	router      *llm.Router
	extractor   *extract.Worker

	hasLLM    bool
	startedAt time.Time
	healthy   bool

	// Conversation memory, sliding window per room
	history   map[string][]llm.Message
	historyMu sync.Mutex

	// Event bus for the /v1/events SSE stream
	events *EventBus

	// Semantic fact recall (optional, requires pgvector + TEI)
	embedStore *embeddings.Store
	teiClient  *embeddings.TEIClient
	syncWorker *embeddings.SyncWorker
	embedMu    sync.RWMutex // protects the three fields above for lazy reconnect
}

// New creates a new daemon instance.
func New(cfg *Config) (*Daemon, error) {
	profiles, err := profile.Open(cfg.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}

	logs, err := convlog.Open(cfg.Logs.Dir)
	if err != nil {
		return nil, fmt.Errorf("open conversation logs: %w", err)
	}
	logs.MinAge = Duration(cfg.Logs.MinAge, logs.MinAge)

	d := &Daemon{
		config:    cfg,
		profiles:  profiles,
		logs:      logs,
		history:   make(map[string][]llm.Message),
		startedAt: time.Now(),
		events:    NewEventBus(),
	}

	d.coordinator = session.New(profiles, session.Config{
		IdleTimeout: Duration(cfg.Curiosity.SessionIdle, 30*time.Minute),
		Curiosity: curiosity.Config{
			MinMessagesBetweenQuestions: cfg.Curiosity.MinMessagesBetweenQuestions,
			MaxQuestionsPerSession:      cfg.Curiosity.MaxQuestionsPerSession,
			SecondChoiceOdds:            cfg.Curiosity.SecondChoiceOdds,
		},
	})

	// Initialize Matrix channel
	d.matrix = matrix.New(matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		Password:     cfg.Matrix.Password,
		ServerName:   cfg.Matrix.ServerName,
		AllowedUsers: cfg.Matrix.AllowedUsers,
		DataDir:      cfg.Matrix.DataDir,
	})

	// Initialize LLM providers
	providers := make(map[llm.Tier]llm.Provider)
	if p := buildProvider(cfg.LLM.Chat); p != nil {
		providers[llm.TierDeep] = p
		slog.Info("LLM provider configured",
			"tier", "chat",
			"provider", cfg.LLM.Chat.Provider,
			"model", cfg.LLM.Chat.Model,
		)
	}
	if p := buildProvider(cfg.LLM.Extract); p != nil {
		providers[llm.TierFast] = p
		slog.Info("LLM provider configured",
			"tier", "extract",
			"provider", cfg.LLM.Extract.Provider,
			"model", cfg.LLM.Extract.Model,
		)
	}
	d.hasLLM = len(providers) > 0
	d.router = llm.NewRouter(providers)
	if !d.hasLLM {
		slog.Warn("no LLM providers configured, chat and log extraction will be unavailable")
	}

	// Log extraction worker. Runs off the turn-taking path.
	if !cfg.Logs.Disabled && d.hasLLM {
		wcfg := extract.DefaultWorkerConfig()
		wcfg.Interval = Duration(cfg.Logs.Interval, wcfg.Interval)
		wcfg.RequestTimeout = Duration(cfg.Logs.RequestTimeout, wcfg.RequestTimeout)
		wcfg.AssistantName = cfg.Name
		wcfg.Platform = "matrix"
		d.extractor = extract.NewWorker(logs, profiles, &extractCompleter{
			router: d.router,
			cfg:    cfg.LLM.Extract,
		}, func(msg string) {
			d.events.Publish(Event{Type: EventExtraction, Message: msg})
		}, wcfg)
	} else if cfg.Logs.Disabled {
		slog.Info("log extraction worker disabled by config")
	}

	// Initialize semantic recall (optional, requires pgvector + TEI).
	// If pgvector is not ready yet (startup race), a background retry is started in Run().
	if cfg.Embeddings.Enabled && cfg.Embeddings.PostgresURL != "" && cfg.Embeddings.TEIURL != "" {
		if !d.tryInitSemanticRecall() {
			slog.Info("semantic recall will retry in background when pgvector becomes available")
		}
	} else if cfg.Embeddings.Enabled {
		slog.Warn("semantic recall enabled but missing config",
			"has_pg_url", cfg.Embeddings.PostgresURL != "",
			"has_tei_url", cfg.Embeddings.TEIURL != "",
		)
	}
	return d, nil
}

// buildProvider constructs a completion provider from config, or nil when
// the tier is not configured.
func buildProvider(cfg ProviderConfig) llm.Provider {
	if cfg.APIKey == "" {
		return nil
	}
	switch cfg.Provider {
	case "kimi":
		// Kimi uses the Anthropic-format API at /coding/v1
		return llm.NewAnthropicCompat(cfg.Provider, cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "openai-compat":
		if cfg.BaseURL == "" {
			return nil
		}
		return llm.NewOpenAICompat(cfg.Provider, cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		return llm.NewAnthropic(cfg.APIKey, cfg.Model)
	}
}

// extractCompleter adapts the tier router to the extraction worker's
// single-prompt contract.
type extractCompleter struct {
	router *llm.Router
	cfg    ProviderConfig
}

func (c *extractCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	maxOutput := c.cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = 2048
	}
	resp, err := c.router.Complete(ctx, llm.TierFast, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens:   maxOutput,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// tryInitSemanticRecall attempts to connect to pgvector and initialize the
// embedding store. Returns false if the connection failed (caller retries later).
func (d *Daemon) tryInitSemanticRecall() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := embeddings.NewStore(ctx, d.config.Embeddings.PostgresURL)
	if err != nil {
		slog.Warn("semantic recall unavailable, pgvector connection failed", "error", err)
		return false
	}

	if err := store.Init(ctx); err != nil {
		slog.Warn("semantic recall unavailable, schema init failed", "error", err)
		store.Close()
		return false
	}

	d.embedMu.Lock()
	d.embedStore = store
	d.teiClient = embeddings.NewTEIClient(d.config.Embeddings.TEIURL)
	d.embedMu.Unlock()

	slog.Info("semantic recall initialized",
		"postgres", d.config.Embeddings.PostgresURL,
		"tei", d.config.Embeddings.TEIURL,
	)
	return true
}

// retrySemanticRecall runs a background loop to reconnect pgvector.
// Tries every 30s for up to 10 minutes, then gives up.
func (d *Daemon) retrySemanticRecall(ctx context.Context) {
	const maxRetries = 20
	const retryInterval = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			slog.Info("semantic recall retry cancelled")
			return
		case <-time.After(retryInterval):
		}

		slog.Info("retrying semantic recall connection", "attempt", attempt, "max", maxRetries)
		if d.tryInitSemanticRecall() {
			slog.Info("semantic recall reconnected, starting embedding sync")
			d.startEmbeddingSyncWorker(ctx)
			return
		}
	}

	slog.Error("semantic recall permanently unavailable after retries", "attempts", maxRetries)
}

// startEmbeddingSyncWorker starts the background embedding sync goroutine.
func (d *Daemon) startEmbeddingSyncWorker(ctx context.Context) {
	d.embedMu.Lock()
	store := d.embedStore
	tei := d.teiClient
	if store == nil || tei == nil {
		d.embedMu.Unlock()
		return
	}
	worker := embeddings.NewSyncWorker(
		d.profiles, store, tei,
		Duration(d.config.Embeddings.SyncInterval, 30*time.Second),
		d.config.Embeddings.BatchSize,
	)
	d.syncWorker = worker
	d.embedMu.Unlock()

	go worker.Run(ctx)
}

// Run starts the daemon event loop. Blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("mnemo daemon running",
		"name", d.config.Name,
		"matrix", d.config.Matrix.Homeserver,
		"profiles", d.profiles.Count(),
		"llm", d.hasLLM,
	)

	// Start HTTP API in background
	go d.serveAPI(ctx)

	// Start embedding sync worker (if semantic recall is available).
	// If not available, start background retry for when pgvector comes up.
	d.embedMu.RLock()
	hasEmbed := d.embedStore != nil && d.teiClient != nil
	d.embedMu.RUnlock()
	if hasEmbed {
		d.startEmbeddingSyncWorker(ctx)
	} else if d.config.Embeddings.Enabled && d.config.Embeddings.PostgresURL != "" {
		go d.retrySemanticRecall(ctx)
	}

	// Start log extraction worker
	if d.extractor != nil {
		go d.extractor.Run(ctx)
	}

	// Start Matrix listener in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting matrix channel")
		if err := d.matrix.Start(ctx, d.onMessage); err != nil {
			errCh <- err
		}
	}()

	// Mark healthy once Matrix starts syncing (give it a moment)
	go func() {
		time.Sleep(2 * time.Second)
		d.healthy = true
	}()

	// Wait for shutdown or fatal error
	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("matrix channel fatal error: %w", err)
		}
	}

	// Graceful shutdown
	d.healthy = false
	d.matrix.Stop()

	d.embedMu.RLock()
	if d.embedStore != nil {
		d.embedStore.Close()
	}
	d.embedMu.RUnlock()

	if err := d.logs.Close(); err != nil {
		slog.Warn("close conversation logs", "error", err)
	}

	slog.Info("mnemo daemon shutting down")
	return nil
}

// onMessage handles an incoming message: run the memory pipeline, generate
// the reply, weave in any pending question, and record both turns.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) error {
	start := time.Now()
	slog.Info("processing message",
		"source", msg.Source,
		"sender", msg.SenderID,
		"len", len(msg.Content),
	)
	d.events.Publish(Event{Type: EventChat, Role: "user", Content: msg.Content})

	// Record the user turn before anything else can fail.
	sessionID := convlog.SessionID(msg.RoomID, time.Now())
	if err := d.logs.Append(sessionID, msg.SenderName, msg.Content, time.Now()); err != nil {
		slog.Warn("append conversation log failed", "error", err)
	}

	// Memory pipeline. A store failure never blocks the reply.
	result, err := d.coordinator.HandleTurn(msg.SenderName, msg.Source, msg.Content)
	if err != nil {
		slog.Warn("memory pipeline failed, replying without it", "error", err)
		d.events.Publish(Event{Type: EventError, Message: err.Error()})
		result = session.TurnResult{Name: msg.SenderName}
	}
	d.publishTurnEvents(result)

	response, err := d.reply(ctx, msg, result)
	if err != nil {
		// The turn still owes the user something. A pending question
		// stands on its own when the completion service is down.
		if result.Question != "" {
			response = result.Question
		} else {
			return err
		}
	} else if result.Question != "" && !strings.Contains(response, result.Question) {
		response = strings.TrimRight(response, " \n") + "\n\n" + result.Question
	}

	d.appendHistory(msg.RoomID, llm.Message{Role: "assistant", Content: response})
	d.events.Publish(Event{Type: EventChat, Role: "assistant", Content: response, User: result.UserID})

	if err := d.matrix.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: response}); err != nil {
		slog.Error("failed to send response", "error", err)
		return fmt.Errorf("send response: %w", err)
	}

	if err := d.logs.Append(sessionID, d.config.Name, response, time.Now()); err != nil {
		slog.Warn("append conversation log failed", "error", err)
	}

	slog.Info("response ready",
		"user", result.UserID,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"len", len(response),
		"question", result.QuestionTopic,
	)
	return nil
}

// publishTurnEvents mirrors a turn's profile effects onto the event stream.
func (d *Daemon) publishTurnEvents(result session.TurnResult) {
	if result.Created {
		d.events.Publish(Event{
			Type:    EventFact,
			User:    result.UserID,
			Message: fmt.Sprintf("new profile created for %s", result.Name),
		})
	}
	for key, val := range result.Applied.Scalar {
		d.events.Publish(Event{
			Type:    EventFact,
			User:    result.UserID,
			Message: fmt.Sprintf("learned %s: %s", key, val),
		})
	}
	for key, vals := range result.Applied.List {
		d.events.Publish(Event{
			Type:    EventFact,
			User:    result.UserID,
			Message: fmt.Sprintf("learned %s: %s", key, strings.Join(vals, ", ")),
		})
	}
	if result.Question != "" {
		d.events.Publish(Event{
			Type:    EventQuestion,
			User:    result.UserID,
			Message: fmt.Sprintf("asking about %s", result.QuestionTopic),
		})
	}
}

// reply generates the assistant's reply for one turn.
func (d *Daemon) reply(ctx context.Context, msg channel.Message, result session.TurnResult) (string, error) {
	if !d.hasLLM {
		return "", fmt.Errorf("no LLM backend available")
	}

	sys := chatSystemPrompt
	if rec, ok := d.profiles.Get(result.UserID); ok {
		if summary := rec.Summary(); summary != "" {
			sys += "\n\nWhat you know about this person:\n" + summary
		}
	}
	if result.PromptHint != "" {
		sys += "\n\n" + result.PromptHint
	}

	cfg := d.config.LLM.Chat
	d.appendHistory(msg.RoomID, llm.Message{Role: "user", Content: msg.Content})
	messages := d.getHistory(msg.RoomID, d.historyCharBudget(cfg))

	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = 4096
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.7
	}
	resp, err := d.router.Complete(ctx, llm.TierDeep, llm.CompletionRequest{
		System:            sys,
		Messages:          messages,
		MaxTokens:         maxOutput,
		Temperature:       temp,
		TopP:              cfg.TopP,
		TopK:              cfg.TopK,
		RepetitionPenalty: cfg.RepetitionPenalty,
		StopSequences:     cfg.StopSequences,
	})
	if err != nil {
		slog.Error("LLM completion failed", "error", err)
		d.events.Publish(Event{Type: EventError, Message: err.Error()})
		return "", fmt.Errorf("LLM error: %w", err)
	}

	slog.Info("chat response",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"history_len", len(messages),
	)
	return resp.Content, nil
}

// --- Conversation History ---

// appendHistory adds a message to a room's conversation history.
func (d *Daemon) appendHistory(roomID string, msg llm.Message) {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()

	d.history[roomID] = append(d.history[roomID], msg)

	// Trim to max entries
	if len(d.history[roomID]) > maxHistoryPerRoom {
		d.history[roomID] = d.history[roomID][len(d.history[roomID])-maxHistoryPerRoom:]
	}
}

// getHistory returns the conversation history for a room, trimmed to fit
// within the given character budget. Returns a copy safe for concurrent use.
func (d *Daemon) getHistory(roomID string, charBudget int) []llm.Message {
	d.historyMu.Lock()
	msgs := make([]llm.Message, len(d.history[roomID]))
	copy(msgs, d.history[roomID])
	d.historyMu.Unlock()
	totalChars := 0
	for _, m := range msgs {
		totalChars += len(m.Content)
	}

	for totalChars > charBudget && len(msgs) > 1 {
		totalChars -= len(msgs[0].Content)
		msgs = msgs[1:]
	}
	// Ensure history starts with a user message (LLM APIs require this)
	for len(msgs) > 0 && msgs[0].Role != "user" {
		msgs = msgs[1:]
	}
	return msgs
}

// historyCharBudget computes the character budget for conversation history
// based on the provider's context window. Uses 60% of context for history,
// leaving room for system prompt, output tokens, and safety margin.
func (d *Daemon) historyCharBudget(cfg ProviderConfig) int {
	if cfg.ContextWindow > 0 {
		return int(float64(cfg.ContextWindow) * historyBudgetRatio * charsPerToken)
	}
	return defaultHistoryBudgetChars
}

// --- HTTP API ---

// serveAPI runs the daemon's HTTP API.
// Endpoints:
//   - GET  /health              health check
//   - GET  /v1/profiles         list known users (or one, with ?user=)
//   - GET  /v1/profiles/recall           semantic fact recall
//   - POST /v1/extract/run      trigger an extraction pass now
//   - GET  /v1/events           SSE event stream
func (d *Daemon) serveAPI(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/profiles", d.handleProfiles)
	mux.HandleFunc("/v1/profiles/recall", d.handleRecall)
	mux.HandleFunc("/v1/extract/run", d.handleExtractRun)
	mux.HandleFunc("/v1/events", d.handleEvents)

	srv := &http.Server{Addr: d.config.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("API listening", "addr", d.config.HTTPAddr,
		"endpoints", []string{"/health", "/v1/profiles", "/v1/profiles/recall", "/v1/extract/run", "/v1/events"})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Warn("API server error", "error", err)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.healthy {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s","profiles":%d,"sessions":%d}`,
			time.Since(d.startedAt).Round(time.Second), d.profiles.Count(), d.coordinator.ActiveSessions())
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"starting"}`)
	}
}

// handleProfiles serves profile inspection.
// Query params:
//   - user: return one record by id (optional)
func (d *Daemon) handleProfiles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if userID := r.URL.Query().Get("user"); userID != "" {
		rec, ok := d.profiles.Get(userID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"unknown user"}`)
			return
		}
		enc.Encode(rec)
		return
	}

	enc.Encode(map[string]any{
		"count": d.profiles.Count(),
		"users": d.profiles.All(),
	})
}

// recallResponse is the JSON response for /v1/profiles/recall.
type recallResponse struct {
	Facts []recallFact `json:"facts"`
	Query string       `json:"query"`
	Count int          `json:"count"`
}

// recallFact is a single fact in the recall response.
type recallFact struct {
	FactID   string  `json:"fact_id"`
	UserID   string  `json:"user_id"`
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

// handleRecall serves semantic fact recall.
// Query params:
//   - q: search query (required)
//   - user: restrict to one user's facts
//   - limit: max results (default 5)
func (d *Daemon) handleRecall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing required parameter: q"}`)
		return
	}

	limit := 5
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	d.embedMu.RLock()
	worker := d.syncWorker
	d.embedMu.RUnlock()
	if worker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"semantic recall not available"}`)
		return
	}

	results, err := worker.Recall(r.Context(), query, r.URL.Query().Get("user"), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	resp := recallResponse{Query: query, Count: len(results), Facts: make([]recallFact, 0, len(results))}
	for _, res := range results {
		resp.Facts = append(resp.Facts, recallFact{
			FactID:   res.FactID,
			UserID:   res.UserID,
			Text:     res.Text,
			Distance: res.Distance,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		slog.Warn("failed to encode recall response", "error", err)
	}
}

// handleExtractRun triggers an extraction pass outside the regular schedule.
func (d *Daemon) handleExtractRun(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}
	if d.extractor == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"log extraction not available"}`)
		return
	}

	report := d.extractor.RunOnce(r.Context())
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		slog.Warn("failed to encode extraction report", "error", err)
	}
}

// handleEvents serves the SSE event stream. New connections are hydrated
// with recent events from the ring buffer first.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	ch, done := d.events.Subscribe()
	defer d.events.Unsubscribe(done)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
			flusher.Flush()
		}
	}
}
