package simplemigrate_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/node/memory"
	repomemory "github.com/tendant/simple-migrate/pkg/simplemigrate/repo/memory"
)

func newTransformer(t *testing.T) *simplemigrate.Transformer {
	t.Helper()
	tr, err := simplemigrate.NewTransformer("urn:node:GMN", simplemigrate.ChecksumMD5)
	require.NoError(t, err)
	return tr
}

func TestServiceCreation(t *testing.T) {
	src := memory.New("mn")
	dest := memory.New("gmn")
	tr := newTransformer(t)

	tests := []struct {
		name        string
		options     []simplemigrate.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     []simplemigrate.Option{},
			expectError: true,
		},
		{
			name: "missing destination should fail",
			options: []simplemigrate.Option{
				simplemigrate.WithCatalog(src),
				simplemigrate.WithPrimarySource(src),
				simplemigrate.WithTransformer(tr),
			},
			expectError: true,
		},
		{
			name: "missing transformer should fail",
			options: []simplemigrate.Option{
				simplemigrate.WithCatalog(src),
				simplemigrate.WithPrimarySource(src),
				simplemigrate.WithDestination(dest),
			},
			expectError: true,
		},
		{
			name: "full configuration should succeed",
			options: []simplemigrate.Option{
				simplemigrate.WithCatalog(src),
				simplemigrate.WithPrimarySource(src),
				simplemigrate.WithDestination(dest),
				simplemigrate.WithTransformer(tr),
			},
			expectError: false,
		},
		{
			name: "identifier override does not need a catalog",
			options: []simplemigrate.Option{
				simplemigrate.WithIdentifier("a/x.1.1"),
				simplemigrate.WithPrimarySource(src),
				simplemigrate.WithDestination(dest),
				simplemigrate.WithTransformer(tr),
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := simplemigrate.New(tt.options...)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestService_Plan(t *testing.T) {
	mn := newFlakySource("mn")
	for _, pid := range []string{"a/x.100.1", "a/x.100.3", "a/bad.id", "a/x.100.2", "b/y.7.1"} {
		mn.AddIdentifier(pid)
	}
	sink := &simplemigrate.CollectingAuditSink{}

	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(mn),
		simplemigrate.WithPrimarySource(mn),
		simplemigrate.WithDestination(memory.New("gmn")),
		simplemigrate.WithTransformer(newTransformer(t)),
		simplemigrate.WithAuditSink(sink),
	)
	require.NoError(t, err)

	plan, err := svc.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Accepted)
	require.Len(t, plan.Malformed, 1)
	assert.ErrorIs(t, plan.Malformed[0], simplemigrate.ErrMalformedIdentifier)
	assert.Len(t, plan.Chains, 2)
	assert.Equal(t, "x.100 - [a/x.100.1 1, a/x.100.2 2, a/x.100.3 3]", plan.Chains[simplemigrate.GroupKey{Scope: "x", LocalID: "100"}].String())

	failed := eventsWith(sink.Events(), simplemigrate.StepFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "a/bad.id", failed[0].PID)
	assert.Equal(t, simplemigrate.StageParse, failed[0].Stage)
}

func TestService_Run(t *testing.T) {
	cn, mn := newFlakySource("cn"), newFlakySource("mn")
	for _, pid := range []string{"a/x.100.1", "a/x.100.3", "a/bad.id", "a/x.100.2", "b/y.7.1", "b/z.9.1", "b/z.9.2"} {
		mn.seed(pid, "payload "+pid)
	}
	// z.9 cannot be fetched from either node
	mn.failObject["b/z.9.1"] = true

	dest := memory.New("gmn")
	repo := repomemory.New()
	sink := &simplemigrate.CollectingAuditSink{}

	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(mn),
		simplemigrate.WithPrimarySource(cn),
		simplemigrate.WithSecondarySource(mn),
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(newTransformer(t)),
		simplemigrate.WithAuditSink(sink),
		simplemigrate.WithRepository(repo),
		simplemigrate.WithWorkers(2),
	)
	require.NoError(t, err)

	ctx := context.Background()
	report, err := svc.Run(ctx)
	require.NoError(t, err)

	run := report.Run
	assert.Equal(t, simplemigrate.RunStatusCompleted, run.Status)
	assert.Equal(t, 6, run.Accepted)
	assert.Equal(t, 1, run.Malformed)
	assert.Equal(t, 3, run.Chains)
	assert.Equal(t, 2, run.CompleteChains)
	assert.Equal(t, 1, run.AbortedChains)
	assert.Equal(t, 2, run.Created)
	assert.Equal(t, 2, run.Updated)
	assert.Equal(t, 2, run.Skipped)
	require.NotNil(t, run.FinishedAt)

	// outcomes follow key order
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, "x.100", report.Outcomes[0].Key.String())
	assert.Equal(t, "y.7", report.Outcomes[1].Key.String())
	assert.Equal(t, "z.9", report.Outcomes[2].Key.String())

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, simplemigrate.ErrObjectUnavailable)

	// the bad identifier never reaches the destination
	_, err = dest.Get(ctx, "a/bad.id")
	assert.ErrorIs(t, err, simplemigrate.ErrNotFound)
	assert.Equal(t, 4, dest.Len())

	// primary failures are audited before the fallback answers
	var cnFailures int
	for _, e := range sink.Events() {
		if e.Source == "cn" && e.Status == simplemigrate.StepFailed {
			cnFailures++
			assert.Equal(t, run.ID, e.RunID)
		}
	}
	assert.Equal(t, 5, cnFailures)

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemigrate.RunStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.CompleteChains)

	steps, err := repo.ListSteps(ctx, run.ID, simplemigrate.StepCreated)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	aborted, err := repo.ListSteps(ctx, run.ID, simplemigrate.StepAborted)
	require.NoError(t, err)
	require.Len(t, aborted, 1)
	assert.Equal(t, "z.9", aborted[0].GroupKey)
}

func TestService_RunLimit(t *testing.T) {
	mn := newFlakySource("mn")
	for _, pid := range []string{"x.1.1", "bad", "x.1.2", "y.1.1", "y.1.2"} {
		mn.seed(pid, "p")
	}
	dest := memory.New("gmn")

	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(mn),
		simplemigrate.WithPrimarySource(mn),
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(newTransformer(t)),
		simplemigrate.WithLimit(3),
	)
	require.NoError(t, err)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Run.Accepted)
	assert.Equal(t, 1, report.Run.Malformed)
	assert.Equal(t, []memory.Write{
		{Op: memory.OpCreate, PID: "x.1.1"},
		{Op: memory.OpUpdate, PID: "x.1.2", OldPID: "x.1.1"},
		{Op: memory.OpCreate, PID: "y.1.1"},
	}, sortedWrites(dest.Writes()))
}

// sortedWrites groups writes by chain so concurrent chains compare stably.
func sortedWrites(writes []memory.Write) []memory.Write {
	byKey := map[string][]memory.Write{}
	var keys []string
	for _, w := range writes {
		id, _ := simplemigrate.ParseIdentifier(w.PID)
		k := id.Key().String()
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], w)
	}
	sort.Strings(keys)
	var out []memory.Write
	for _, k := range keys {
		out = append(out, byKey[k]...)
	}
	return out
}

func TestService_ReplayIdentifier(t *testing.T) {
	mn := newFlakySource("mn")
	mn.seed("a/x.1.2", "second")
	dest := memory.New("gmn")

	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(mn),
		simplemigrate.WithPrimarySource(mn),
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(newTransformer(t)),
	)
	require.NoError(t, err)

	report, err := svc.ReplayIdentifier(context.Background(), "a/x.1.2")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Run.Created)
	assert.Equal(t, []memory.Write{{Op: memory.OpCreate, PID: "a/x.1.2"}}, dest.Writes())

	report, err = svc.ReplayIdentifier(context.Background(), "a/bad.id")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Run.Malformed)
	assert.Empty(t, report.Outcomes)
}

type brokenCatalog struct{}

func (brokenCatalog) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("x.1.1", nil) {
			return
		}
		yield("", errors.New("connection reset"))
	}
}

func TestService_CatalogFailureFailsRun(t *testing.T) {
	repo := repomemory.New()
	dest := memory.New("gmn")
	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(brokenCatalog{}),
		simplemigrate.WithPrimarySource(memory.New("cn")),
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(newTransformer(t)),
		simplemigrate.WithRepository(repo),
	)
	require.NoError(t, err)

	report, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, simplemigrate.ErrCatalogUnavailable)
	require.NotNil(t, report)
	assert.Equal(t, simplemigrate.RunStatusFailed, report.Run.Status)
	assert.Empty(t, dest.Writes())

	stored, err := repo.GetRun(context.Background(), report.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemigrate.RunStatusFailed, stored.Status)
}

// cancelingCatalog cancels the run after its first identifier and then
// fails the way an interrupted request does.
type cancelingCatalog struct {
	cancel context.CancelFunc
}

func (c cancelingCatalog) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("x.1.1", nil) {
			return
		}
		c.cancel()
		yield("", fmt.Errorf("list objects: %w", ctx.Err()))
	}
}

func TestService_CatalogInterruptedCancelsRun(t *testing.T) {
	repo := repomemory.New()
	dest := memory.New("gmn")
	sink := &simplemigrate.CollectingAuditSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(cancelingCatalog{cancel: cancel}),
		simplemigrate.WithPrimarySource(memory.New("cn")),
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(newTransformer(t)),
		simplemigrate.WithRepository(repo),
		simplemigrate.WithAuditSink(sink),
	)
	require.NoError(t, err)

	report, err := svc.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, simplemigrate.ErrCatalogUnavailable)
	require.NotNil(t, report)
	assert.Equal(t, simplemigrate.RunStatusCanceled, report.Run.Status)
	assert.Empty(t, eventsWith(sink.Events(), simplemigrate.StepFailed))
	assert.Empty(t, dest.Writes())

	stored, err := repo.GetRun(context.Background(), report.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemigrate.RunStatusCanceled, stored.Status)
}

// rerunService replays the chain x.100 from mn into dest.
func rerunService(t *testing.T, mn *flakySource, dest simplemigrate.Destination) simplemigrate.Service {
	t.Helper()
	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(mn),
		simplemigrate.WithPrimarySource(mn),
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(newTransformer(t)),
	)
	require.NoError(t, err)
	return svc
}

func TestService_RerunFinishesPartialChain(t *testing.T) {
	mn := newFlakySource("mn")
	for _, pid := range []string{"a/x.100.1", "a/x.100.2", "a/x.100.3"} {
		mn.seed(pid, "payload "+pid)
	}
	dest := newRejectingDestination("a/x.100.2")
	ctx := context.Background()

	first, err := rerunService(t, mn, dest).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Run.AbortedChains)
	assert.Equal(t, 1, dest.Len())

	dest.accept("a/x.100.2")
	second, err := rerunService(t, mn, dest).Run(ctx)
	require.NoError(t, err)

	run := second.Run
	assert.Equal(t, 1, run.CompleteChains)
	assert.Zero(t, run.AbortedChains)
	assert.Zero(t, run.Created)
	assert.Equal(t, 2, run.Updated)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 3, dest.Len())

	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, "already present", second.Outcomes[0].Steps[0].Reason)

	head, err := dest.GetSystemMetadata(ctx, "a/x.100.3")
	require.NoError(t, err)
	assert.Equal(t, "a/x.100.2", head.Obsoletes)
}

func TestService_RunCanceled(t *testing.T) {
	mn := newFlakySource("mn")
	dest := memory.New("gmn")

	svc, err := simplemigrate.New(
		simplemigrate.WithCatalog(staticCatalog{"x.1.1", "x.1.2", "y.1.1"}),
		simplemigrate.WithPrimarySource(mn),
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(newTransformer(t)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, simplemigrate.RunStatusCanceled, report.Run.Status)
	assert.Equal(t, 2, report.Run.AbortedChains)
	assert.Equal(t, 3, report.Run.Skipped)
	assert.Empty(t, dest.Writes())
}

// staticCatalog lists fixed identifiers and ignores cancellation.
type staticCatalog []string

func (c staticCatalog) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, pid := range c {
			if !yield(pid, nil) {
				return
			}
		}
	}
}
