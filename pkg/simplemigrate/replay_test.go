package simplemigrate_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/node/memory"
)

type replayFixture struct {
	cn, mn   *flakySource
	dest     *rejectingDestination
	sink     *simplemigrate.CollectingAuditSink
	replayer *simplemigrate.Replayer
}

func newReplayFixture(t *testing.T, reject ...string) *replayFixture {
	t.Helper()
	f := &replayFixture{
		cn:   newFlakySource("cn"),
		mn:   newFlakySource("mn"),
		dest: newRejectingDestination(reject...),
		sink: &simplemigrate.CollectingAuditSink{},
	}
	tr, err := simplemigrate.NewTransformer("urn:node:GMN", simplemigrate.ChecksumMD5)
	require.NoError(t, err)
	fetcher := simplemigrate.NewFallbackFetcher(f.cn, f.mn, f.sink)
	f.replayer = simplemigrate.NewReplayer(fetcher, tr, f.dest, f.sink, uuid.Nil)
	return f
}

func (f *replayFixture) chain(t *testing.T, pids ...string) *simplemigrate.Chain {
	t.Helper()
	for _, pid := range pids {
		f.cn.seed(pid, "data of "+pid)
	}
	chains := simplemigrate.BuildChains(parseAll(t, pids...), 0)
	require.Len(t, chains, 1)
	for _, c := range chains {
		return c
	}
	return nil
}

func TestReplay_SingleElementIsOneCreate(t *testing.T) {
	f := newReplayFixture(t)
	out := f.replayer.Replay(context.Background(), f.chain(t, "a/x.1.1"))

	assert.True(t, out.Complete())
	assert.Equal(t, simplemigrate.StateDone, out.State)
	assert.Equal(t, []memory.Write{{Op: memory.OpCreate, PID: "a/x.1.1"}}, f.dest.Writes())
	assert.Equal(t, 1, out.Count(simplemigrate.StepCreated))
	assert.Equal(t, "a/x.1.1", out.Current)
}

func TestReplay_CreateThenUpdatesInRevisionOrder(t *testing.T) {
	f := newReplayFixture(t)
	// delivered out of order; replay must follow revisions
	out := f.replayer.Replay(context.Background(), f.chain(t, "a/x.100.1", "a/x.100.3", "a/x.100.2"))

	require.True(t, out.Complete())
	assert.Equal(t, []memory.Write{
		{Op: memory.OpCreate, PID: "a/x.100.1"},
		{Op: memory.OpUpdate, PID: "a/x.100.2", OldPID: "a/x.100.1"},
		{Op: memory.OpUpdate, PID: "a/x.100.3", OldPID: "a/x.100.2"},
	}, f.dest.Writes())
	assert.Equal(t, 1, out.Count(simplemigrate.StepCreated))
	assert.Equal(t, 2, out.Count(simplemigrate.StepUpdated))

	ctx := context.Background()
	second, err := f.dest.GetSystemMetadata(ctx, "a/x.100.2")
	require.NoError(t, err)
	assert.Equal(t, "a/x.100.1", second.Obsoletes)
	assert.Equal(t, "a/x.100.3", second.ObsoletedBy)
	assert.Equal(t, "urn:node:GMN", second.AuthoritativeMemberNode)
	assert.Equal(t, uint64(len("data of a/x.100.2")), second.Size)

	events := eventsWith(f.sink.Events(), simplemigrate.StepUpdated)
	require.Len(t, events, 2)
	assert.Equal(t, "cn", events[0].Source)
	assert.Equal(t, "text/plain", events[0].FormatID)
	assert.Equal(t, "x.100", events[0].Key)
}

func TestReplay_FailedCreateSkipsEverything(t *testing.T) {
	f := newReplayFixture(t, "a/x.1.1")
	out := f.replayer.Replay(context.Background(), f.chain(t, "a/x.1.1", "a/x.1.2", "a/x.1.3"))

	assert.False(t, out.Complete())
	assert.Equal(t, simplemigrate.StateAborted, out.State)
	assert.Empty(t, f.dest.Writes())
	assert.Equal(t, 3, out.Count(simplemigrate.StepSkipped))
	assert.ErrorIs(t, out.Err, simplemigrate.ErrDestinationWrite)
	assert.Equal(t, simplemigrate.StageCreate, simplemigrate.StageOf(out.Err, ""))

	require.Len(t, out.Steps, 3)
	assert.Equal(t, "gmn", out.Steps[0].Source)
	assert.Equal(t, "predecessor a/x.1.1 failed", out.Steps[1].Reason)
	assert.Equal(t, "predecessor a/x.1.1 failed", out.Steps[2].Reason)

	failed := eventsWith(f.sink.Events(), simplemigrate.StepFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "a/x.1.1", failed[0].PID)
	assert.Equal(t, "gmn", failed[0].Source)

	aborted := eventsWith(f.sink.Events(), simplemigrate.StepAborted)
	require.Len(t, aborted, 1)
	assert.Equal(t, simplemigrate.StageChain, aborted[0].Stage)
}

func TestReplay_FailureAtUpdateStopsThere(t *testing.T) {
	f := newReplayFixture(t)
	chain := f.chain(t, "a/x.1.1", "a/x.1.2", "a/x.1.3", "a/x.1.4")
	f.cn.failObject["a/x.1.3"] = true

	out := f.replayer.Replay(context.Background(), chain)

	assert.False(t, out.Complete())
	assert.Equal(t, []memory.Write{
		{Op: memory.OpCreate, PID: "a/x.1.1"},
		{Op: memory.OpUpdate, PID: "a/x.1.2", OldPID: "a/x.1.1"},
	}, f.dest.Writes())
	assert.Equal(t, "a/x.1.2", out.Current)
	assert.ErrorIs(t, out.Err, simplemigrate.ErrObjectUnavailable)
	assert.Equal(t, 2, out.Count(simplemigrate.StepSkipped))

	require.Len(t, out.Steps, 4)
	assert.Equal(t, simplemigrate.StepCreated, out.Steps[0].Status)
	assert.Equal(t, simplemigrate.StepUpdated, out.Steps[1].Status)
	assert.Equal(t, simplemigrate.StepSkipped, out.Steps[2].Status)
	assert.Error(t, out.Steps[2].Err)
	assert.Equal(t, "predecessor a/x.1.3 failed", out.Steps[3].Reason)
	assert.Zero(t, f.cn.calls("a/x.1.4"))
}

func TestReplay_RerunFinishesPartialChain(t *testing.T) {
	f := newReplayFixture(t, "a/x.1.2")
	chain := f.chain(t, "a/x.1.1", "a/x.1.2", "a/x.1.3")

	first := f.replayer.Replay(context.Background(), chain)
	require.False(t, first.Complete())
	assert.Equal(t, 1, f.dest.Len())

	f.dest.accept("a/x.1.2")
	second := f.replayer.Replay(context.Background(), chain)

	require.True(t, second.Complete(), "err: %v", second.Err)
	assert.Equal(t, "a/x.1.3", second.Current)
	assert.Equal(t, 3, f.dest.Len())
	require.Len(t, second.Steps, 3)
	assert.Equal(t, simplemigrate.StepSkipped, second.Steps[0].Status)
	assert.Equal(t, "already present", second.Steps[0].Reason)
	assert.Equal(t, simplemigrate.StepUpdated, second.Steps[1].Status)
	assert.Equal(t, simplemigrate.StepUpdated, second.Steps[2].Status)

	assert.Equal(t, []memory.Write{
		{Op: memory.OpCreate, PID: "a/x.1.1"},
		{Op: memory.OpUpdate, PID: "a/x.1.2", OldPID: "a/x.1.1"},
		{Op: memory.OpUpdate, PID: "a/x.1.3", OldPID: "a/x.1.2"},
	}, f.dest.Writes())

	meta, err := f.dest.GetSystemMetadata(context.Background(), "a/x.1.2")
	require.NoError(t, err)
	assert.Equal(t, "a/x.1.1", meta.Obsoletes)
	assert.Equal(t, "a/x.1.3", meta.ObsoletedBy)

	skipped := eventsWith(f.sink.Events(), simplemigrate.StepSkipped)
	require.NotEmpty(t, skipped)
	last := skipped[len(skipped)-1]
	assert.Equal(t, "a/x.1.1", last.PID)
	assert.Equal(t, "already present", last.Detail)
}

func TestReplay_RerunOfCompleteChainWritesNothing(t *testing.T) {
	f := newReplayFixture(t)
	chain := f.chain(t, "a/x.1.1", "a/x.1.2", "a/x.1.3")

	require.True(t, f.replayer.Replay(context.Background(), chain).Complete())
	out := f.replayer.Replay(context.Background(), chain)

	require.True(t, out.Complete(), "err: %v", out.Err)
	assert.Equal(t, 3, out.Count(simplemigrate.StepSkipped))
	assert.Equal(t, "a/x.1.3", out.Current)
	assert.Len(t, f.dest.Writes(), 3)
}

func TestReplay_BothSourcesFailedNamesSources(t *testing.T) {
	f := newReplayFixture(t)
	chain := f.chain(t, "a/x.1.1", "a/x.1.2")
	f.cn.failObject["a/x.1.1"] = true

	out := f.replayer.Replay(context.Background(), chain)
	require.False(t, out.Complete())
	assert.Equal(t, "cn,mn", out.Steps[0].Source)

	// one line per source, then the step failure naming both
	failed := eventsWith(f.sink.Events(), simplemigrate.StepFailed)
	require.Len(t, failed, 3)
	assert.Equal(t, "cn", failed[0].Source)
	assert.Equal(t, "mn", failed[1].Source)
	assert.Equal(t, "cn,mn", failed[2].Source)

	aborted := eventsWith(f.sink.Events(), simplemigrate.StepAborted)
	require.Len(t, aborted, 1)
	assert.Equal(t, "cn,mn", aborted[0].Source)
}

func TestReplay_FallbackSourceIsUsed(t *testing.T) {
	f := newReplayFixture(t)
	chain := f.chain(t, "a/x.1.1", "a/x.1.2")
	f.cn.failObject["a/x.1.2"] = true
	f.mn.seed("a/x.1.2", "mn copy")

	out := f.replayer.Replay(context.Background(), chain)
	require.True(t, out.Complete())
	assert.Equal(t, "mn", out.Steps[1].Source)

	data, err := f.dest.Get(context.Background(), "a/x.1.2")
	require.NoError(t, err)
	assert.Equal(t, "mn copy", string(data))
}

func TestReplay_DuplicateRevisionWarning(t *testing.T) {
	f := newReplayFixture(t)
	out := f.replayer.Replay(context.Background(), f.chain(t, "a/x.1.1", "b/x.1.1"))

	require.Len(t, out.Warnings, 1)
	warnings := eventsWith(f.sink.Events(), simplemigrate.StepWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "b/x.1.1", warnings[0].PID)
	assert.Equal(t, simplemigrate.StageLineage, warnings[0].Stage)

	// the second identifier becomes an update of the first
	assert.Equal(t, []memory.Write{
		{Op: memory.OpCreate, PID: "a/x.1.1"},
		{Op: memory.OpUpdate, PID: "b/x.1.1", OldPID: "a/x.1.1"},
	}, f.dest.Writes())
}

func TestReplay_CanceledContext(t *testing.T) {
	f := newReplayFixture(t)
	chain := f.chain(t, "a/x.1.1", "a/x.1.2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.replayer.Replay(ctx, chain)
	assert.Equal(t, simplemigrate.StateAborted, out.State)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Empty(t, f.dest.Writes())
	assert.Zero(t, f.cn.calls("a/x.1.1"))
}

func TestChainState_String(t *testing.T) {
	assert.Equal(t, "awaiting_first", simplemigrate.StateAwaitingFirst.String())
	assert.Equal(t, "done", simplemigrate.StateDone.String())
	assert.Equal(t, "aborted", simplemigrate.StateAborted.String())
}
