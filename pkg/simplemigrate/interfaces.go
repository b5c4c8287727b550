package simplemigrate

import (
	"context"
	"iter"

	"github.com/google/uuid"
)

// CatalogSource enumerates the raw identifiers held by a node.
type CatalogSource interface {
	// List returns a lazy, finite, forward-only sequence of identifiers.
	// Every call starts a fresh enumeration. A non-nil error ends the sequence.
	List(ctx context.Context) iter.Seq2[string, error]
}

// ObjectSource serves object bytes and system metadata
type ObjectSource interface {
	// Name identifies the node in audit output
	Name() string

	// Get returns the object bytes
	Get(ctx context.Context, pid string) ([]byte, error)

	// GetSystemMetadata returns the parsed system metadata
	GetSystemMetadata(ctx context.Context, pid string) (*SystemMetadata, error)
}

// Destination receives replayed writes. Each call is atomic from the
// caller's point of view.
type Destination interface {
	// Create stores a new object under pid
	Create(ctx context.Context, pid string, data []byte, meta *SystemMetadata) error

	// Update stores newPID as the successor of oldPID
	Update(ctx context.Context, oldPID string, data []byte, newPID string, meta *SystemMetadata) error
}

// AuditSink receives append-only audit events. Implementations must be safe
// for concurrent use.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// Repository defines the interface for the migration ledger
type Repository interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// Step operations
	RecordStep(ctx context.Context, step *StepRecord) error
	// ListSteps returns the steps of a run in insertion order; an empty
	// status returns all of them.
	ListSteps(ctx context.Context, runID uuid.UUID, status StepStatus) ([]*StepRecord, error)
}

// Node is implemented by backends that can act as catalog, source and destination.
type Node interface {
	CatalogSource
	ObjectSource
	Destination
}
