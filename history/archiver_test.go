package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsql/driftsql/model"
)

func TestArchiverWritesRecords(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndex()
	a := NewArchiver(store,
		WithCompression(CompressionZstd),
		WithIndex(ix),
		WithClusterName("test"),
	)

	for i := 0; i < 5; i++ {
		rec := sampleRecord(0)
		rec.Info.QueryID = model.QueryID(fmt.Sprintf("q-%d", i))
		if i%2 == 1 {
			rec.Info.State = model.StateFailed
			rec.Info.User = "bob"
		}
		a.QueryCompleted(rec.Info)
	}
	require.NoError(t, a.Close())

	assert.Zero(t, a.Errors())
	names, err := store.List(context.Background(), "test/")
	require.NoError(t, err)
	assert.Len(t, names, 5)
	assert.Equal(t, 5, ix.Len())

	// Records read back intact.
	rec, err := Load(context.Background(), store, names[0])
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Info.QueryID)
	assert.NotEmpty(t, rec.Info.SQLText)
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, []byte) error { return fmt.Errorf("disk on fire") }
func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("disk on fire")
}
func (failingStore) List(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("disk on fire")
}
func (failingStore) Delete(context.Context, string) error { return nil }

func TestArchiverSwallowsStoreErrors(t *testing.T) {
	a := NewArchiver(failingStore{})

	a.QueryCompleted(sampleRecord(0).Info)
	a.QueryCompleted(sampleRecord(0).Info)

	// Write failures are counted and logged, never propagated.
	require.NoError(t, a.Close())
	assert.Equal(t, int64(2), a.Errors())
}

func TestIndexFilter(t *testing.T) {
	ix := NewIndex()

	add := func(seq uint32, user string, state model.QueryState) {
		rec := sampleRecord(seq)
		rec.Info.User = user
		rec.Info.State = state
		ix.Add(rec, fmt.Sprintf("rec-%d", seq))
	}
	add(1, "alice", model.StateFinished)
	add(2, "alice", model.StateFailed)
	add(3, "bob", model.StateFinished)
	add(4, "bob", model.StateFailed)
	add(5, "alice", model.StateFinished)

	assert.Equal(t, []string{"rec-1", "rec-2", "rec-3", "rec-4", "rec-5"}, ix.Filter("", AnyState))
	assert.Equal(t, []string{"rec-1", "rec-2", "rec-5"}, ix.Filter("alice", AnyState))
	assert.Equal(t, []string{"rec-2", "rec-4"}, ix.Filter("", model.StateFailed))
	assert.Equal(t, []string{"rec-2"}, ix.Filter("alice", model.StateFailed))
	assert.Empty(t, ix.Filter("carol", AnyState))
	assert.Empty(t, ix.Filter("alice", model.StateCanceled))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(t.TempDir()))
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/1", []byte("one")))
	require.NoError(t, s.Put(ctx, "a/2", []byte("two")))
	require.NoError(t, s.Put(ctx, "b/1", []byte("three")))

	data, err := s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := s.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, names)

	// Overwrite replaces content.
	require.NoError(t, s.Put(ctx, "a/1", []byte("uno")))
	data, err = s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), data)

	require.NoError(t, s.Delete(ctx, "a/1"))
	_, err = s.Get(ctx, "a/1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing record is not an error.
	require.NoError(t, s.Delete(ctx, "a/1"))
}
