package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/node/memory"
)

func TestMemoryNode(t *testing.T) {
	node := memory.New("gmn")
	ctx := context.Background()
	meta := &simplemigrate.SystemMetadata{Identifier: "a/x.1.1", FormatID: "text/csv"}

	t.Run("Create", func(t *testing.T) {
		err := node.Create(ctx, "a/x.1.1", []byte("one"), meta)
		require.NoError(t, err)

		err = node.Create(ctx, "a/x.1.1", []byte("again"), meta)
		assert.ErrorIs(t, err, simplemigrate.ErrAlreadyExists)
	})

	t.Run("Get", func(t *testing.T) {
		data, err := node.Get(ctx, "a/x.1.1")
		require.NoError(t, err)
		assert.Equal(t, "one", string(data))

		got, err := node.GetSystemMetadata(ctx, "a/x.1.1")
		require.NoError(t, err)
		assert.Equal(t, "text/csv", got.FormatID)

		_, err = node.Get(ctx, "a/missing.1.1")
		assert.ErrorIs(t, err, simplemigrate.ErrNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		next := &simplemigrate.SystemMetadata{Identifier: "a/x.1.2", Obsoletes: "a/x.1.1"}
		err := node.Update(ctx, "a/x.1.1", []byte("two"), "a/x.1.2", next)
		require.NoError(t, err)

		old, err := node.GetSystemMetadata(ctx, "a/x.1.1")
		require.NoError(t, err)
		assert.Equal(t, "a/x.1.2", old.ObsoletedBy)

		// an obsoleted object cannot be updated twice
		err = node.Update(ctx, "a/x.1.1", []byte("three"), "a/x.1.3", next)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, simplemigrate.ErrAlreadyExists)

		// replaying an applied update reports the new object as present
		err = node.Update(ctx, "a/x.1.1", []byte("two"), "a/x.1.2", next)
		assert.ErrorIs(t, err, simplemigrate.ErrAlreadyExists)

		err = node.Update(ctx, "a/missing.1.1", []byte("x"), "a/missing.1.2", next)
		assert.ErrorIs(t, err, simplemigrate.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		var pids []string
		for pid, err := range node.List(ctx) {
			require.NoError(t, err)
			pids = append(pids, pid)
		}
		assert.Equal(t, []string{"a/x.1.1", "a/x.1.2"}, pids)
	})

	t.Run("Writes", func(t *testing.T) {
		assert.Equal(t, []memory.Write{
			{Op: memory.OpCreate, PID: "a/x.1.1"},
			{Op: memory.OpUpdate, PID: "a/x.1.2", OldPID: "a/x.1.1"},
		}, node.Writes())
	})
}

func TestMemoryNodeMissingMetadata(t *testing.T) {
	node := memory.New("")
	node.Put("a/x.1.1", []byte("data"), nil)

	assert.Equal(t, "memory", node.Name())
	_, err := node.GetSystemMetadata(context.Background(), "a/x.1.1")
	assert.ErrorIs(t, err, simplemigrate.ErrNotFound)
}

func TestMemoryNodeListCanceled(t *testing.T) {
	node := memory.New("cn")
	node.AddIdentifier("a/x.1.1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range node.List(ctx) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}
