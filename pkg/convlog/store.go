// Package convlog records conversations as append-only per-session text
// logs and tracks which logs the extraction worker has already analyzed.
//
// Log files hold lines of the form "[2006-01-02 15:04:05] speaker: text".
// The processed set lives in a small SQLite journal next to the logs so a
// log is analyzed at most once, across restarts included.
package convlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05"

// Store owns one directory of session logs plus the processed-log journal.
type Store struct {
	// MinAge, when positive, keeps logs modified more recently than this
	// out of Unprocessed, so a session still in progress is not analyzed
	// mid-conversation.
	MinAge time.Duration

	dir string
	db  *sql.DB
	mu  sync.Mutex
}

// Open opens (or creates) a log directory and its journal.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	dbPath := filepath.Join(dir, "journal.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_logs (
			log_id       TEXT PRIMARY KEY,
			processed_at TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			facts        INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	s := &Store{dir: dir, db: db}
	n, _ := s.ProcessedCount()
	slog.Info("conversation log store opened", "dir", dir, "processed", n)
	return s, nil
}

// Close closes the journal database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the log directory.
func (s *Store) Dir() string {
	return s.dir
}

// SessionID derives the log id for a room on a given day. One session per
// room per day keeps logs small enough to fit an extraction prompt.
func SessionID(room string, t time.Time) string {
	return fmt.Sprintf("%s-%s.log", sanitize(room), t.UTC().Format("2006-01-02"))
}

// sanitize maps a room identifier onto filename-safe characters. Matrix
// room ids contain '!' and ':'.
func sanitize(room string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '_'
		}
	}, room)
}

// Append writes one message line to a session log, creating the file on
// first use. Newlines inside the text are flattened so the line format
// stays parseable.
func (s *Store) Append(sessionID, speaker, text string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, sessionID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	text = strings.Join(strings.Fields(text), " ")
	line := fmt.Sprintf("[%s] %s: %s\n", ts.UTC().Format(timeLayout), speaker, text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append to session log: %w", err)
	}
	return nil
}

// Unprocessed returns ids of logs not yet in the processed set, oldest
// first. Session ids embed the date, so lexical order is age order.
func (s *Store) Unprocessed() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		if s.MinAge > 0 {
			if info, err := e.Info(); err == nil && time.Since(info.ModTime()) < s.MinAge {
				continue
			}
		}
		done, err := s.isProcessed(e.Name())
		if err != nil {
			return nil, err
		}
		if !done {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) isProcessed(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed_logs WHERE log_id = ?`, id).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query journal: %w", err)
	}
	return true, nil
}

// Read returns the raw content of one log.
func (s *Store) Read(id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	return string(data), nil
}

// MarkProcessed records a log's definitive extraction outcome. Marking the
// same log again overwrites the previous entry.
func (s *Store) MarkProcessed(id, outcome string, facts int) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		INSERT INTO processed_logs (log_id, processed_at, outcome, facts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(log_id) DO UPDATE SET
			processed_at = excluded.processed_at,
			outcome      = excluded.outcome,
			facts        = excluded.facts`,
		id, now, outcome, facts,
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// ProcessedCount returns how many logs have been analyzed.
func (s *Store) ProcessedCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}
