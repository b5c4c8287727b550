package simplemigrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoopAuditSink is a no-operation implementation of AuditSink
// Useful when no audit output is wanted or for testing
type NoopAuditSink struct{}

// NewNoopAuditSink creates a new no-operation audit sink
func NewNoopAuditSink() AuditSink {
	return &NoopAuditSink{}
}

// Record does nothing
func (n *NoopAuditSink) Record(ctx context.Context, event AuditEvent) {}

// MultiAuditSink fans every event out to several sinks in order.
type MultiAuditSink []AuditSink

// Record implements AuditSink.
func (m MultiAuditSink) Record(ctx context.Context, event AuditEvent) {
	for _, sink := range m {
		sink.Record(ctx, event)
	}
}

// LoggingAuditSink writes audit events to a slog logger. Failures are logged
// at warn level, everything else at info.
type LoggingAuditSink struct {
	logger *slog.Logger
}

// NewLoggingAuditSink creates a new logging audit sink
func NewLoggingAuditSink(logger *slog.Logger) AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingAuditSink{logger: logger}
}

// Record implements AuditSink.
func (l *LoggingAuditSink) Record(ctx context.Context, event AuditEvent) {
	level := slog.LevelInfo
	if event.Status == StepFailed || event.Status == StepAborted || event.Status == StepWarning {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "migration event", EventAttrs(event)...)
}

// EventAttrs flattens an event into slog attributes, omitting empty fields.
func EventAttrs(event AuditEvent) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("pid", event.PID),
		slog.String("stage", string(event.Stage)),
		slog.String("status", string(event.Status)),
	}
	if event.Key != "" {
		attrs = append(attrs, slog.String("key", event.Key))
	}
	if event.Source != "" {
		attrs = append(attrs, slog.String("source", event.Source))
	}
	if event.FormatID != "" {
		attrs = append(attrs, slog.String("format_id", event.FormatID))
	}
	if event.Size > 0 {
		attrs = append(attrs, slog.Int64("size", event.Size))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("err", event.Err.Error()))
	}
	if event.RunID != uuid.Nil {
		attrs = append(attrs, slog.String("run_id", event.RunID.String()))
	}
	return attrs
}

// RepositorySink records audit events as ledger step rows.
type RepositorySink struct {
	repo   Repository
	logger *slog.Logger
}

// NewRepositorySink creates a sink writing to repo. Ledger write failures
// are logged and otherwise ignored; they never affect a chain.
func NewRepositorySink(repo Repository, logger *slog.Logger) *RepositorySink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepositorySink{repo: repo, logger: logger}
}

// Record implements AuditSink.
func (r *RepositorySink) Record(ctx context.Context, event AuditEvent) {
	if event.RunID == uuid.Nil {
		return
	}
	detail := event.Detail
	if event.Err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += event.Err.Error()
	}
	created := event.Time
	if created.IsZero() {
		created = time.Now().UTC()
	}
	step := &StepRecord{
		ID:        uuid.New(),
		RunID:     event.RunID,
		PID:       event.PID,
		GroupKey:  event.Key,
		Stage:     event.Stage,
		Status:    event.Status,
		Source:    event.Source,
		Detail:    detail,
		CreatedAt: created,
	}
	// the ledger must outlive an interrupted run context
	if err := r.repo.RecordStep(context.WithoutCancel(ctx), step); err != nil {
		r.logger.Error("Failed to record step", "pid", event.PID, "err", err)
	}
}

// CollectingAuditSink keeps every event in memory. It is meant for tests
// and for small diagnostic runs.
type CollectingAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Record implements AuditSink.
func (c *CollectingAuditSink) Record(ctx context.Context, event AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the recorded events.
func (c *CollectingAuditSink) Events() []AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AuditEvent(nil), c.events...)
}
