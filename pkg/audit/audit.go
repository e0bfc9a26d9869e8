// Package audit provides an immutable, append-only record of what an agent
// did: which commands it received and how they resolved, connect/disconnect
// transitions, and supervisor restarts. It is a diagnostic trail distinct
// from the store's LOG/BACKTRACE items; those are push payloads for the
// broker, this is a local record for whoever operates the device.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventCommandRecv   EventType = "command.recv"
	EventCommandResult EventType = "command.result"
	EventCommandDrop   EventType = "command.drop"
	EventConnect       EventType = "client.connect"
	EventDisconnect    EventType = "client.disconnect"
	EventRestart       EventType = "supervisor.restart"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	ClientID  string         `json:"client_id,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventResult captures the outcome of whatever the event describes.
type EventResult struct {
	Status   string        `json:"status"` // "ok", "error", "dropped"
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	ClientID string
	Type     EventType
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event to the audit log. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	// Export returns all events since the given time.
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only file-based audit store using JSON Lines
// format. Each line is a complete JSON event; the file is never rewritten,
// only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.ClientID != "" && e.ClientID != opts.ClientID {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger emits audit events for one client id. A nil *Logger is valid and
// every method on it is a no-op, so callers can wire it in unconditionally.
type Logger struct {
	store    Store
	clientID string
}

// NewLogger creates an audit logger for the given client id.
func NewLogger(store Store, clientID string) *Logger {
	return &Logger{store: store, clientID: clientID}
}

// LogCommandRecv records that a command envelope of the given type was
// accepted for dispatch.
func (l *Logger) LogCommandRecv(ctx context.Context, cmdType, cmdID string) {
	if l == nil {
		return
	}
	l.store.Append(ctx, &Event{
		Type:     EventCommandRecv,
		ClientID: l.clientID,
		Metadata: map[string]any{"command_type": cmdType, "command_id": cmdID},
	})
}

// LogCommandResult records the outcome of running a command: ok, or an
// error message if the handler set one.
func (l *Logger) LogCommandResult(ctx context.Context, cmdType, cmdID string, errMsg string, dur time.Duration) {
	if l == nil {
		return
	}
	status := "ok"
	if errMsg != "" {
		status = "error"
	}
	l.store.Append(ctx, &Event{
		Type:     EventCommandResult,
		ClientID: l.clientID,
		Result:   &EventResult{Status: status, Error: errMsg, Duration: dur},
		Metadata: map[string]any{"command_type": cmdType, "command_id": cmdID},
	})
}

// LogCommandDrop records that a raw buffer was silently dropped, and why.
func (l *Logger) LogCommandDrop(ctx context.Context, reason string) {
	if l == nil {
		return
	}
	l.store.Append(ctx, &Event{
		Type:     EventCommandDrop,
		ClientID: l.clientID,
		Result:   &EventResult{Status: "dropped", Error: reason},
	})
}

// LogConnect records a connect attempt, successful or not.
func (l *Logger) LogConnect(ctx context.Context, attempt int, err error) {
	if l == nil {
		return
	}
	res := &EventResult{Status: "ok"}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	l.store.Append(ctx, &Event{
		Type:     EventConnect,
		ClientID: l.clientID,
		Result:   res,
		Metadata: map[string]any{"attempt": attempt},
	})
}

// LogDisconnect records a clean or forced disconnect.
func (l *Logger) LogDisconnect(ctx context.Context, reason string) {
	if l == nil {
		return
	}
	l.store.Append(ctx, &Event{
		Type:     EventDisconnect,
		ClientID: l.clientID,
		Metadata: map[string]any{"reason": reason},
	})
}

// LogRestart records a supervisor restart of a service, with the exit
// reason that triggered it.
func (l *Logger) LogRestart(ctx context.Context, service, exitReason string) {
	if l == nil {
		return
	}
	l.store.Append(ctx, &Event{
		Type:     EventRestart,
		ClientID: l.clientID,
		Metadata: map[string]any{"service": service, "exit_reason": exitReason},
	})
}
