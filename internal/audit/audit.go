// Package audit implements the AuditEvent trail (C12): one record per
// pack/unpack/prehash invocation, held in memory and flushed to a pluggable
// EventWriter sink. Adapted from the reference service's S3 audit logger,
// generalized from bucket/key operations to blockfold's pack/unpack/prehash
// operations.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenchrcum/blockfold/internal/config"
)

// EventType identifies which blockfold operation an AuditEvent describes.
type EventType string

const (
	EventTypePack    EventType = "pack"
	EventTypeUnpack  EventType = "unpack"
	EventTypePrehash EventType = "prehash"
)

// AuditEvent is one record of a pack/unpack/prehash invocation.
type AuditEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Name      string        `json:"name"`
	Blocks    int           `json:"blocks"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  int64         `json:"duration_ms"` // milliseconds

	// OrderingComparisons is set only for unpack: the number of Phase-B
	// candidate comparisons performed before order was recovered (or
	// before OrderingIrrecoverable was raised), so an operator can see how
	// close a reassembly came to failing.
	OrderingComparisons int `json:"ordering_comparisons,omitempty"`
}

// Logger records AuditEvents and forwards them to a sink.
type Logger interface {
	Log(event *AuditEvent)
	LogPack(name string, blocks int, success bool, err error, duration time.Duration)
	LogUnpack(name string, blocks int, success bool, err error, duration time.Duration, orderingComparisons int)
	LogPrehash(name string, success bool, err error, duration time.Duration)

	// GetEvents returns all events recorded so far (for testing/querying).
	GetEvents() []*AuditEvent

	Close() error
}

// EventWriter is the interface one audit sink implements.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger returns a Logger that retains up to maxEvents in memory and
// forwards every event to writer. A nil writer defaults to stdout JSON
// lines.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// NewLoggerFromConfig builds a Logger from a config.AuditConfig: an HTTP
// sink if HTTPEndpoint is set, else a file sink if SinkPath is set, else
// stdout, wrapped in a BatchSink when BatchSize > 0 (HTTPSink implements
// BatchWriter, so batching a remote sink ships one request per flush
// instead of one per event).
func NewLoggerFromConfig(cfg config.AuditConfig) Logger {
	var writer EventWriter = &StdoutSink{}
	switch {
	case cfg.HTTPEndpoint != "":
		writer = NewHTTPSink(cfg.HTTPEndpoint, cfg.HTTPHeaders)
	case cfg.SinkPath != "":
		writer = NewFileSink(cfg.SinkPath)
	}
	if cfg.BatchSize > 0 {
		writer = NewBatchSink(writer, cfg.BatchSize, 5*time.Second, 0, 0)
	}
	return NewLogger(1000, writer)
}

func (l *auditLogger) Log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogPack(name string, blocks int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		EventType: EventTypePack,
		Name:      name,
		Blocks:    blocks,
		Success:   success,
		Duration:  duration.Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogUnpack(name string, blocks int, success bool, err error, duration time.Duration, orderingComparisons int) {
	event := &AuditEvent{
		ID:                  uuid.NewString(),
		Timestamp:           time.Now(),
		EventType:           EventTypeUnpack,
		Name:                name,
		Blocks:              blocks,
		Success:             success,
		Duration:            duration.Milliseconds(),
		OrderingComparisons: orderingComparisons,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogPrehash(name string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		EventType: EventTypePrehash,
		Name:      name,
		Success:   success,
		Duration:  duration.Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
