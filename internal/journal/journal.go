// Package journal records outlet actions in an append-only JSON lines file.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"
)

const DefaultLimit = 1000

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Event is one recorded outlet action.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"time"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Alias     string    `json:"alias,omitempty"`
	Action    string    `json:"action"`
	Result    string    `json:"result"` // ok, error
	Error     string    `json:"error,omitempty"`
}

// Store persists events to a JSON lines file, keeping at most limit events.
type Store struct {
	mu    sync.Mutex
	path  string
	limit int
}

// NewStore creates a Store backed by path.
func NewStore(path string, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{path: path, limit: limit}
}

// Add appends an event and logs it as JSON.
func (s *Store) Add(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	log.Println(string(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	_, werr := f.Write(append(data, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("failed to write journal: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("failed to write journal: %w", cerr)
	}

	return s.trim()
}

// Tail returns the most recent n events, oldest first. n <= 0 returns
// every event.
func (s *Store) Tail(n int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.read()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// read loads all events (must be called with lock held). A missing file
// is an empty journal; unparsable lines are skipped.
func (s *Store) read() ([]Event, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// trim drops the oldest events past the limit (must be called with lock held).
func (s *Store) trim() error {
	events, err := s.read()
	if err != nil || len(events) <= s.limit {
		return err
	}
	events = events[len(events)-s.limit:]

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
	}

	// Write atomically
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to trim journal: %w", err)
	}
	return os.Rename(tmpFile, s.path)
}

// Logger records outlet actions for one power strip.
type Logger struct {
	store *Store
	host  string
	now   func() time.Time
}

// NewLogger creates a Logger.
func NewLogger(store *Store, host string) *Logger {
	return NewLoggerWithClock(store, host, func() time.Time { return time.Now().UTC() })
}

// NewLoggerWithClock creates a Logger with a custom clock.
func NewLoggerWithClock(store *Store, host string, now func() time.Time) *Logger {
	if store == nil {
		panic("journal: nil Store")
	}
	if now == nil {
		panic("journal: nil clock")
	}
	return &Logger{store: store, host: host, now: now}
}

// LogAction records the outcome of an action on port. actionErr is nil on success.
func (l *Logger) LogAction(port int, aliasName, action string, actionErr error) error {
	event := Event{
		ID:        xid.New().String(),
		Timestamp: l.now(),
		Host:      l.host,
		Port:      port,
		Alias:     aliasName,
		Action:    action,
		Result:    ResultOK,
	}
	if actionErr != nil {
		event.Result = ResultError
		event.Error = actionErr.Error()
	}
	return l.store.Add(event)
}
