package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *BoltStore[record] {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New[record](db, "records")
	require.NoError(t, err)
	return s
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "a", &record{Name: "first", Count: 1}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, 1, got.Count)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "a", &record{Name: "x"}))
	require.NoError(t, s.Delete(ctx, "a"))
	// Second delete of a missing key is still a success.
	require.NoError(t, s.Delete(ctx, "a"))

	_, err := s.Get(ctx, "a")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "vm1/fwd1", &record{Name: "a"}))
	require.NoError(t, s.Set(ctx, "vm1/fwd2", &record{Name: "b"}))
	require.NoError(t, s.Set(ctx, "vm2/fwd1", &record{Name: "c"}))

	var keys []string
	err := s.Scan(ctx, "vm1/", func(key string, value *record) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1/fwd1", "vm1/fwd2"}, keys)
}
