package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

// Repository implements simplemigrate.Repository using in-memory storage
type Repository struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]*simplemigrate.Run
	steps map[uuid.UUID][]*simplemigrate.StepRecord // run_id -> steps in insertion order
}

// New creates a new in-memory repository
func New() simplemigrate.Repository {
	return &Repository{
		runs:  make(map[uuid.UUID]*simplemigrate.Run),
		steps: make(map[uuid.UUID][]*simplemigrate.StepRecord),
	}
}

// Run operations

func (r *Repository) CreateRun(ctx context.Context, run *simplemigrate.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *Repository) UpdateRun(ctx context.Context, run *simplemigrate.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; !exists {
		return simplemigrate.ErrRunNotFound
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (*simplemigrate.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, exists := r.runs[id]
	if !exists {
		return nil, simplemigrate.ErrRunNotFound
	}
	return copyRun(run), nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all runs.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*simplemigrate.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*simplemigrate.Run, 0, len(r.runs))
	for _, run := range r.runs {
		result = append(result, copyRun(run))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Step operations

func (r *Repository) RecordStep(ctx context.Context, step *simplemigrate.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[step.RunID]; !exists {
		return simplemigrate.ErrRunNotFound
	}
	stepCopy := *step
	r.steps[step.RunID] = append(r.steps[step.RunID], &stepCopy)
	return nil
}

func (r *Repository) ListSteps(ctx context.Context, runID uuid.UUID, status simplemigrate.StepStatus) ([]*simplemigrate.StepRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.runs[runID]; !exists {
		return nil, simplemigrate.ErrRunNotFound
	}

	var result []*simplemigrate.StepRecord
	for _, step := range r.steps[runID] {
		if status != "" && step.Status != status {
			continue
		}
		stepCopy := *step
		result = append(result, &stepCopy)
	}
	return result, nil
}

func copyRun(run *simplemigrate.Run) *simplemigrate.Run {
	runCopy := *run
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		runCopy.FinishedAt = &finished
	}
	return &runCopy
}
