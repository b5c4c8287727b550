package simplemigrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the number of chains replayed in parallel by default.
const DefaultWorkers = 4

// service implements the Service interface
type service struct {
	catalog     CatalogSource
	primary     ObjectSource
	secondary   ObjectSource
	destination Destination
	transformer *Transformer
	sinks       MultiAuditSink
	repository  Repository
	limit       int
	workers     int
	identifier  string
	logger      *slog.Logger
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithCatalog sets the catalog the run enumerates
func WithCatalog(catalog CatalogSource) Option {
	return func(s *service) {
		s.catalog = catalog
	}
}

// WithPrimarySource sets the preferred object source (the coordinating node)
func WithPrimarySource(src ObjectSource) Option {
	return func(s *service) {
		s.primary = src
	}
}

// WithSecondarySource sets the fallback object source (the origin member node)
func WithSecondarySource(src ObjectSource) Option {
	return func(s *service) {
		s.secondary = src
	}
}

// WithDestination sets the node receiving the replayed writes
func WithDestination(dest Destination) Option {
	return func(s *service) {
		s.destination = dest
	}
}

// WithTransformer sets the metadata transformer
func WithTransformer(t *Transformer) Option {
	return func(s *service) {
		s.transformer = t
	}
}

// WithAuditSink adds an audit sink. It may be given several times.
func WithAuditSink(sink AuditSink) Option {
	return func(s *service) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithRepository sets the ledger that records runs and steps
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithLimit stops catalog consumption after limit accepted identifiers
func WithLimit(limit int) Option {
	return func(s *service) {
		s.limit = limit
	}
}

// WithWorkers sets the number of chains replayed in parallel
func WithWorkers(n int) Option {
	return func(s *service) {
		s.workers = n
	}
}

// WithIdentifier makes Run process only the named identifier
func WithIdentifier(raw string) Option {
	return func(s *service) {
		s.identifier = raw
	}
}

// WithLogger sets the logger for run-level messages
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		workers: DefaultWorkers,
		logger:  slog.Default(),
	}

	for _, option := range options {
		option(s)
	}

	if s.catalog == nil && s.identifier == "" {
		return nil, fmt.Errorf("catalog is required")
	}
	if s.primary == nil {
		return nil, fmt.Errorf("primary source is required")
	}
	if s.destination == nil {
		return nil, fmt.Errorf("destination is required")
	}
	if s.transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if s.workers < 1 {
		s.workers = 1
	}

	return s, nil
}

func (s *service) Plan(ctx context.Context) (*Plan, error) {
	return s.plan(ctx, s.sinks, uuid.Nil)
}

func (s *service) Run(ctx context.Context) (*RunReport, error) {
	if s.identifier != "" {
		return s.ReplayIdentifier(ctx, s.identifier)
	}
	return s.execute(ctx, func(sink AuditSink, runID uuid.UUID) (*Plan, error) {
		return s.plan(ctx, sink, runID)
	})
}

func (s *service) ReplayIdentifier(ctx context.Context, raw string) (*RunReport, error) {
	return s.execute(ctx, func(sink AuditSink, runID uuid.UUID) (*Plan, error) {
		return s.single(ctx, raw, sink, runID), nil
	})
}

func (s *service) plan(ctx context.Context, sink AuditSink, runID uuid.UUID) (*Plan, error) {
	if s.identifier != "" {
		return s.single(ctx, s.identifier, sink, runID), nil
	}

	plan := &Plan{}
	builder := NewLineageBuilder(s.limit)
	for raw, err := range s.catalog.List(ctx) {
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, fmt.Errorf("catalog read interrupted: %w", cerr)
			}
			cerr := &MigrationError{Kind: KindCatalogUnavailable, Stage: StageCatalog, Err: err}
			sink.Record(ctx, AuditEvent{Time: time.Now().UTC(), RunID: runID, Stage: StageCatalog, Status: StepFailed, Err: err})
			return nil, cerr
		}
		id, perr := ParseIdentifier(raw)
		if perr != nil {
			plan.Malformed = append(plan.Malformed, perr)
			sink.Record(ctx, AuditEvent{Time: time.Now().UTC(), RunID: runID, PID: raw, Stage: StageParse, Status: StepFailed, Err: perr})
			continue
		}
		builder.Add(id)
		if builder.Full() {
			break
		}
	}
	plan.Accepted = builder.Accepted()
	plan.Chains = builder.Chains()
	return plan, nil
}

func (s *service) single(ctx context.Context, raw string, sink AuditSink, runID uuid.UUID) *Plan {
	plan := &Plan{Chains: Chains{}}
	id, err := ParseIdentifier(raw)
	if err != nil {
		plan.Malformed = append(plan.Malformed, err)
		sink.Record(ctx, AuditEvent{Time: time.Now().UTC(), RunID: runID, PID: raw, Stage: StageParse, Status: StepFailed, Err: err})
		return plan
	}
	plan.Accepted = 1
	plan.Chains = BuildChains([]Identifier{id}, 0)
	return plan
}

func (s *service) execute(ctx context.Context, plan func(AuditSink, uuid.UUID) (*Plan, error)) (*RunReport, error) {
	run := &Run{
		ID:                uuid.New(),
		DestinationNodeID: s.transformer.NodeID(),
		Status:            RunStatusRunning,
		StartedAt:         time.Now().UTC(),
	}
	report := &RunReport{Run: run}

	sinks := s.sinks
	if s.repository != nil {
		if err := s.repository.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
		sinks = append(MultiAuditSink{NewRepositorySink(s.repository, s.logger)}, sinks...)
	}

	s.logger.Info("Migration run started", "run_id", run.ID, "destination", run.DestinationNodeID, "workers", s.workers)

	p, err := plan(sinks, run.ID)
	if err != nil {
		run.Status = RunStatusFailed
		if ctx.Err() != nil {
			run.Status = RunStatusCanceled
		}
		s.finish(ctx, run)
		return report, err
	}
	run.Accepted = p.Accepted
	run.Malformed = len(p.Malformed)
	run.Chains = len(p.Chains)

	fetcher := NewFallbackFetcher(s.primary, s.secondary, runSink{sink: sinks, runID: run.ID})
	replayer := NewReplayer(fetcher, s.transformer, s.destination, sinks, run.ID)

	keys := p.Chains.Keys()
	report.Outcomes = make([]*ReplayOutcome, len(keys))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, key := range keys {
		chain := p.Chains[key]
		g.Go(func() error {
			report.Outcomes[i] = replayer.Replay(ctx, chain)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range report.Outcomes {
		if o.Complete() {
			run.CompleteChains++
		} else {
			run.AbortedChains++
		}
		run.Created += o.Count(StepCreated)
		run.Updated += o.Count(StepUpdated)
		run.Skipped += o.Count(StepSkipped)
	}

	run.Status = RunStatusCompleted
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		run.Status = RunStatusCanceled
	}
	s.finish(ctx, run)

	s.logger.Info("Migration run finished",
		"run_id", run.ID,
		"status", run.Status,
		"accepted", run.Accepted,
		"malformed", run.Malformed,
		"chains", run.Chains,
		"complete", run.CompleteChains,
		"aborted", run.AbortedChains,
		"created", run.Created,
		"updated", run.Updated,
		"skipped", run.Skipped,
	)
	return report, nil
}

func (s *service) finish(ctx context.Context, run *Run) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	if s.repository == nil {
		return
	}
	if err := s.repository.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("Failed to update run", "run_id", run.ID, "err", err)
	}
}

// runSink stamps a run id on events recorded by collaborators that do not
// know about runs.
type runSink struct {
	sink  AuditSink
	runID uuid.UUID
}

func (r runSink) Record(ctx context.Context, event AuditEvent) {
	event.RunID = r.runID
	r.sink.Record(ctx, event)
}
