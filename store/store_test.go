package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache", "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenDisabled(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestKey(t *testing.T) {
	type opts struct {
		Beams int `json:"num_beams"`
	}
	a, err := Key([]byte("img"), "base", opts{3})
	require.NoError(t, err)
	b, err := Key([]byte("img"), "base", opts{3})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	for _, other := range []func() (string, error){
		func() (string, error) { return Key([]byte("img2"), "base", opts{3}) },
		func() (string, error) { return Key([]byte("img"), "large", opts{3}) },
		func() (string, error) { return Key([]byte("img"), "base", opts{1}) },
	} {
		k, err := other()
		require.NoError(t, err)
		assert.NotEqual(t, a, k)
	}
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k1", "base", "a cat on a mat"))

	e, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a cat on a mat", e.Caption)
	assert.Equal(t, "base", e.Model)
	assert.Equal(t, 1, e.Hits)

	e, _, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Hits)

	// Ersetzen setzt die Treffer zurueck
	require.NoError(t, s.Put(ctx, "k1", "large", "a dog"))
	e, _, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "a dog", e.Caption)
	assert.Equal(t, 1, e.Hits)
}

func TestStatsAndPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", "base", "one"))
	require.NoError(t, s.Put(ctx, "k2", "base", "two"))
	_, _, err := s.Get(ctx, "k1")
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 1, st.Hits)

	n, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", "base", "kept"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	e, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", e.Caption)

	v, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)
}
