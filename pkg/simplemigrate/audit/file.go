// Package audit writes migration audit events to an append-only log file.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

// FileSink appends one text line per event to a file. Lines are never
// interleaved between concurrent chains.
type FileSink struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger *slog.Logger
}

// Open opens path for appending, creating it if needed.
func Open(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return NewFileSink(f), nil
}

// NewFileSink writes events to w. Close closes w.
func NewFileSink(w io.WriteCloser) *FileSink {
	s := &FileSink{out: w}
	s.logger = slog.New(slog.NewTextHandler(lockedWriter{s}, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return a
		},
	}))
	return s
}

// Record implements simplemigrate.AuditSink.
func (s *FileSink) Record(ctx context.Context, event simplemigrate.AuditEvent) {
	level := slog.LevelInfo
	switch event.Status {
	case simplemigrate.StepFailed, simplemigrate.StepAborted:
		level = slog.LevelError
	case simplemigrate.StepWarning, simplemigrate.StepSkipped:
		level = slog.LevelWarn
	}

	r := slog.NewRecord(event.Time, level, message(event), 0)
	if event.Time.IsZero() {
		r.Time = time.Now()
	}
	r.AddAttrs(simplemigrate.EventAttrs(event)...)
	_ = s.logger.Handler().Handle(ctx, r)
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

func message(event simplemigrate.AuditEvent) string {
	switch event.Status {
	case simplemigrate.StepCreated, simplemigrate.StepUpdated:
		return "replayed"
	case simplemigrate.StepFailed:
		if event.Stage == simplemigrate.StageObject || event.Stage == simplemigrate.StageMetadata {
			return "get failed"
		}
		return "failed"
	case simplemigrate.StepSkipped:
		return "skipped"
	case simplemigrate.StepWarning:
		return "warning"
	case simplemigrate.StepComplete:
		return "chain complete"
	case simplemigrate.StepAborted:
		return "chain aborted"
	default:
		return string(event.Status)
	}
}

// lockedWriter serializes whole records; slog.TextHandler issues one Write
// per record.
type lockedWriter struct {
	s *FileSink
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.out.Write(p)
}
