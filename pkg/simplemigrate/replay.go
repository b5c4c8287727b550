package simplemigrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChainState is the replay state of a chain.
type ChainState int

// Chain states. Aborted is reachable from every state before Done.
const (
	StateAwaitingFirst ChainState = iota
	StateCreating
	StateUpdating
	StateDone
	StateAborted
)

func (s ChainState) String() string {
	switch s {
	case StateAwaitingFirst:
		return "awaiting_first"
	case StateCreating:
		return "creating"
	case StateUpdating:
		return "updating"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("ChainState(%d)", int(s))
	}
}

// StepOutcome is the result for one chain element: created, updated or skipped.
type StepOutcome struct {
	Identifier Identifier
	Status     StepStatus
	// Reason explains a skipped step
	Reason string
	Source string
	// Err is set on the element whose step failed
	Err error
}

// ReplayOutcome records what happened to every element of a chain.
type ReplayOutcome struct {
	Key      GroupKey
	Steps    []StepOutcome
	Warnings []error
	State    ChainState
	// Err is the failure that aborted the chain
	Err error
	// Current is the last identifier successfully written to the destination
	Current string
}

// Complete reports whether every element was written.
func (o *ReplayOutcome) Complete() bool {
	return o.State == StateDone
}

// Count returns the number of steps with the given status.
func (o *ReplayOutcome) Count(status StepStatus) int {
	n := 0
	for _, s := range o.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Replayer replays chains against a destination.
type Replayer struct {
	fetcher     Fetcher
	transformer *Transformer
	dest        Destination
	destName    string
	sink        AuditSink
	runID       uuid.UUID
}

// NewReplayer creates a replayer. sink may be nil; runID tags audit events
// and may be uuid.Nil.
func NewReplayer(fetcher Fetcher, transformer *Transformer, dest Destination, sink AuditSink, runID uuid.UUID) *Replayer {
	if sink == nil {
		sink = NewNoopAuditSink()
	}
	name := "destination"
	if n, ok := dest.(interface{ Name() string }); ok {
		name = n.Name()
	}
	return &Replayer{
		fetcher:     fetcher,
		transformer: transformer,
		dest:        dest,
		destName:    name,
		sink:        sink,
		runID:       runID,
	}
}

// Replay creates the first element of chain and updates through the rest,
// strictly in order. The first failure skips every remaining element. An
// element the destination already holds is skipped and the chain continues
// from it, so replaying a partly written chain finishes it.
func (r *Replayer) Replay(ctx context.Context, chain *Chain) *ReplayOutcome {
	out := &ReplayOutcome{
		Key:      chain.Key,
		Warnings: chain.Warnings,
		State:    StateAwaitingFirst,
	}
	key := chain.Key.String()

	for _, w := range chain.Warnings {
		r.record(ctx, AuditEvent{Key: key, PID: pidOf(w), Stage: StageLineage, Status: StepWarning, Err: w})
	}

	var failed, failedSource string
	for i, id := range chain.Members {
		if out.State == StateAborted {
			reason := fmt.Sprintf("predecessor %s failed", failed)
			out.Steps = append(out.Steps, StepOutcome{Identifier: id, Status: StepSkipped, Reason: reason})
			r.record(ctx, AuditEvent{Key: key, PID: id.Raw, Stage: stageFor(i), Status: StepSkipped, Detail: reason})
			continue
		}

		if err := ctx.Err(); err != nil {
			r.abort(ctx, out, id, stageFor(i), "", fmt.Errorf("run canceled: %w", err))
			failed = id.Raw
			continue
		}

		if i == 0 {
			out.State = StateCreating
		} else {
			out.State = StateUpdating
		}

		step, err := r.step(ctx, id, out.Current, i)
		if err != nil {
			source := step.source
			if source == "" {
				source = SourceOf(err)
			}
			r.abort(ctx, out, id, StageOf(err, stageFor(i)), source, err)
			failed, failedSource = id.Raw, source
			continue
		}

		out.Steps = append(out.Steps, step.outcome)
		out.Current = id.Raw
		r.record(ctx, AuditEvent{
			Key:      key,
			PID:      id.Raw,
			Stage:    stageFor(i),
			Status:   step.outcome.Status,
			Source:   step.source,
			Detail:   step.outcome.Reason,
			FormatID: step.formatID,
			Size:     step.size,
		})
	}

	status := StepAborted
	if out.State != StateAborted {
		out.State = StateDone
		status = StepComplete
	}
	r.record(ctx, AuditEvent{
		Key:    key,
		PID:    out.Current,
		Stage:  StageChain,
		Status: status,
		Source: failedSource,
		Detail: fmt.Sprintf("%d created, %d updated, %d skipped", out.Count(StepCreated), out.Count(StepUpdated), out.Count(StepSkipped)),
		Err:    out.Err,
	})
	return out
}

type stepResult struct {
	outcome  StepOutcome
	source   string
	formatID string
	size     int64
}

func (r *Replayer) step(ctx context.Context, id Identifier, current string, index int) (stepResult, error) {
	rec, err := r.fetcher.Fetch(ctx, id)
	if err != nil {
		return stepResult{}, err
	}
	res := stepResult{source: rec.Source, formatID: rec.Metadata.FormatID, size: int64(len(rec.Data))}

	meta := r.transformer.Derive(rec.Metadata, rec.Data)
	meta.Identifier = id.Raw

	if index == 0 {
		err = r.dest.Create(ctx, id.Raw, rec.Data, meta)
		res.outcome = StepOutcome{Identifier: id, Status: StepCreated, Source: rec.Source}
	} else {
		meta.Obsoletes = current
		err = r.dest.Update(ctx, current, rec.Data, id.Raw, meta)
		res.outcome = StepOutcome{Identifier: id, Status: StepUpdated, Source: rec.Source}
	}
	if errors.Is(err, ErrAlreadyExists) {
		res.outcome.Status = StepSkipped
		res.outcome.Reason = "already present"
		return res, nil
	}
	if err != nil {
		res.source = r.destName
		return res, &MigrationError{
			Kind:   KindDestinationWrite,
			PID:    id.Raw,
			Stage:  stageFor(index),
			Source: r.destName,
			Err:    err,
		}
	}
	return res, nil
}

func (r *Replayer) abort(ctx context.Context, out *ReplayOutcome, id Identifier, stage Stage, source string, err error) {
	out.State = StateAborted
	out.Err = err
	out.Steps = append(out.Steps, StepOutcome{
		Identifier: id,
		Status:     StepSkipped,
		Reason:     err.Error(),
		Source:     source,
		Err:        err,
	})
	r.record(ctx, AuditEvent{
		Key:    out.Key.String(),
		PID:    id.Raw,
		Stage:  stage,
		Status: StepFailed,
		Source: source,
		Err:    err,
	})
}

func (r *Replayer) record(ctx context.Context, event AuditEvent) {
	event.Time = time.Now().UTC()
	event.RunID = r.runID
	r.sink.Record(ctx, event)
}

// SourceOf returns the source recorded in err, or "" when err carries none.
func SourceOf(err error) string {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Source
	}
	return ""
}

// StageOf returns the stage recorded in err, or fallback when err carries none.
func StageOf(err error, fallback Stage) Stage {
	var me *MigrationError
	if errors.As(err, &me) && me.Stage != "" {
		return me.Stage
	}
	return fallback
}

func stageFor(index int) Stage {
	if index == 0 {
		return StageCreate
	}
	return StageUpdate
}

func pidOf(err error) string {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.PID
	}
	return ""
}
