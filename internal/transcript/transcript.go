// Package transcript writes conversations to per-session NDJSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
)

// Event directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Event types.
const (
	EventUserMessage  = "user_message"
	EventFlowResponse = "flow_response"
)

// Config controls the transcript logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one line of a transcript file.
type Event struct {
	Timestamp  time.Time        `json:"ts"`
	TenantID   string           `json:"tenant_id"`
	SessionID  string           `json:"session_id"`
	Direction  string           `json:"direction"`
	EventType  string           `json:"event_type"`
	Content    string           `json:"content"`
	Stage      domain.Stage     `json:"stage,omitempty"`
	Intent     string           `json:"intent,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Params     map[string]any   `json:"params,omitempty"`
	Dispatches int              `json:"dispatches,omitempty"`
	ErrorKind  domain.ErrorKind `json:"error_kind,omitempty"`
}

// Logger appends events from a bounded queue on a single goroutine. Log never blocks;
// events that do not fit the queue are dropped.
type Logger struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Int64
}

// New creates a logger. A disabled logger accepts and discards events.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{cfg: cfg, logger: logger, done: make(chan struct{})}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
		l.cfg.QueueSize = cfg.QueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	l.queue = make(chan Event, cfg.QueueSize)
	go l.run()
	return l, nil
}

// Log records a user message and the response to it. An empty message records only
// the response.
func (l *Logger) Log(tenantID, sessionID, message string, resp domain.FlowResponse) {
	now := time.Now().UTC()
	if message != "" {
		l.Write(Event{
			Timestamp: now,
			TenantID:  tenantID,
			SessionID: sessionID,
			Direction: Inbound,
			EventType: EventUserMessage,
			Content:   message,
		})
	}
	ev := Event{
		Timestamp:  now,
		TenantID:   tenantID,
		SessionID:  sessionID,
		Direction:  Outbound,
		EventType:  EventFlowResponse,
		Content:    resp.Content,
		Intent:     resp.Intent,
		Confidence: resp.Confidence,
		Params:     resp.ExtractedParams,
		Dispatches: len(resp.TasksToCreate),
	}
	if resp.SessionState != nil {
		ev.Stage = resp.SessionState.Stage
	}
	if resp.Error != nil {
		ev.ErrorKind = resp.Error.Kind
	}
	l.Write(ev)
}

// Write queues one event.
func (l *Logger) Write(ev Event) {
	if l.queue == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- ev:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("Transcript queue full, dropping events", "dropped", n, "queue_size", l.cfg.QueueSize)
		}
	}
}

// Dropped returns the number of events lost to a full queue.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close flushes queued events and stops the writer.
func (l *Logger) Close() error {
	l.once.Do(func() {
		if l.queue == nil {
			return
		}
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.append(ev); err != nil {
			l.logger.Warn("Failed to write transcript event", "tenant_id", ev.TenantID, "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *Logger) append(ev Event) error {
	dir := filepath.Join(l.cfg.Dir, safeName(ev.TenantID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(ev.SessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeName keeps a path component inside the transcript directory.
func safeName(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
