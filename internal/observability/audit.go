package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventIngest        AuditEventType = "ingest"
	AuditEventDelete        AuditEventType = "delete"
	AuditEventServerStart   AuditEventType = "server_start"
	AuditEventServerStop    AuditEventType = "server_stop"
	AuditEventWorkflowStart AuditEventType = "workflow.start"
	AuditEventWorkflowEnd   AuditEventType = "workflow.end"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	SessionID   string         `json:"session_id"`
	Collection  string         `json:"collection,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Success     bool           `json:"success"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}

// AuditLogger writes mutation events as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	sessionID string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // file path or "stdout"/"stderr"
	SessionID  string
}

// DefaultAuditConfig returns the default: disabled, writing to stdout.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{OutputPath: "stdout"}
}

// NewAuditLogger creates an audit logger. A disabled config yields a logger
// that drops every event without opening its output.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}
	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !config.Enabled {
		return &AuditLogger{sessionID: sessionID}, nil
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: sessionID,
		enabled:   true,
	}, nil
}

// NewAuditWriter returns an enabled logger writing to w.
func NewAuditWriter(w io.Writer, sessionID string) *AuditLogger {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &AuditLogger{writer: w, sessionID: sessionID, enabled: true}
}

// Enabled reports whether events are written.
func (l *AuditLogger) Enabled() bool { return l.enabled }

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogIngest records an ingest call.
func (l *AuditLogger) LogIngest(ctx context.Context, collection string, texts, chunks int, duration time.Duration, err error) {
	event := &AuditEvent{
		EventType:  AuditEventIngest,
		Collection: collection,
		Success:    err == nil,
		DurationMS: duration.Milliseconds(),
		Message:    fmt.Sprintf("Ingested %d texts as %d chunks", texts, chunks),
		Details: map[string]any{
			"texts":  texts,
			"chunks": chunks,
		},
	}
	if err != nil {
		event.Message = fmt.Sprintf("Ingest of %d texts failed", texts)
		event.ErrorDetail = err.Error()
	}
	l.Log(event)
}

// LogDelete records a delete call.
func (l *AuditLogger) LogDelete(ctx context.Context, collection string, ids []string, duration time.Duration, err error) {
	event := &AuditEvent{
		EventType:  AuditEventDelete,
		Collection: collection,
		Success:    err == nil,
		DurationMS: duration.Milliseconds(),
		Message:    fmt.Sprintf("Deleted %d identities", len(ids)),
		Details:    map[string]any{"ids": ids},
	}
	if err != nil {
		event.ErrorDetail = err.Error()
	}
	l.Log(event)
}

// LogServerStart records that the HTTP service began listening.
func (l *AuditLogger) LogServerStart(ctx context.Context, addr, collection, backend string) {
	l.Log(&AuditEvent{
		EventType:  AuditEventServerStart,
		Collection: collection,
		Success:    true,
		Message:    "Server started on " + addr,
		Details:    map[string]any{"addr": addr, "backend": backend},
	})
}

// LogServerStop records a shutdown.
func (l *AuditLogger) LogServerStop(ctx context.Context, reason string, uptime time.Duration) {
	l.Log(&AuditEvent{
		EventType:  AuditEventServerStop,
		Success:    true,
		DurationMS: uptime.Milliseconds(),
		Message:    "Server stopped: " + reason,
	})
}

// LogWorkflowStart records a submitted bulk-ingest workflow.
func (l *AuditLogger) LogWorkflowStart(ctx context.Context, workflowID, collection string, texts int) {
	l.Log(&AuditEvent{
		EventType:  AuditEventWorkflowStart,
		WorkflowID: workflowID,
		Collection: collection,
		Success:    true,
		Message:    fmt.Sprintf("Bulk ingest of %d texts submitted", texts),
		Details:    map[string]any{"texts": texts},
	})
}

// LogWorkflowEnd records a finished bulk-ingest workflow.
func (l *AuditLogger) LogWorkflowEnd(ctx context.Context, workflowID string, chunks int, duration time.Duration, err error) {
	event := &AuditEvent{
		EventType:  AuditEventWorkflowEnd,
		WorkflowID: workflowID,
		Success:    err == nil,
		DurationMS: duration.Milliseconds(),
		Message:    fmt.Sprintf("Bulk ingest wrote %d chunks", chunks),
		Details:    map[string]any{"chunks": chunks},
	}
	if err != nil {
		event.ErrorDetail = err.Error()
	}
	l.Log(event)
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

var (
	auditMu           sync.RWMutex
	globalAuditLogger *AuditLogger
)

// InitGlobalAuditLogger replaces the process-wide audit logger.
func InitGlobalAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	l, err := NewAuditLogger(config)
	if err != nil {
		return nil, err
	}
	auditMu.Lock()
	globalAuditLogger = l
	auditMu.Unlock()
	return l, nil
}

// Audit returns the process-wide audit logger, disabled until initialized.
func Audit() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	if globalAuditLogger == nil {
		return &AuditLogger{enabled: false}
	}
	return globalAuditLogger
}
