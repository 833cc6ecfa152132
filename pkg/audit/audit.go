// Package audit provides the operational event sink: a plain JSONL stream
// of decision and outcome events for dashboards and log pipelines. It is
// not tamper-evident; the hash-chained ledger is the authoritative record.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventDecision EventType = "decision"
	EventOutcome  EventType = "outcome"
	EventSystem   EventType = "system"
)

// Event is one structured audit record.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"type"`
	RequestID  string         `json:"request_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Effect     string         `json:"effect,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations must be safe for concurrent
// use; the engine records from every in-flight invocation.
type Logger interface {
	Record(ctx context.Context, event Event) error
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing JSON lines to os.Stderr.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stderr)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(line, '\n'))
	return err
}

// Discard is a Logger that drops every event. Used when no operational sink
// is configured.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Record(context.Context, Event) error { return nil }
