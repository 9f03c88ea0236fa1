package strata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/resource"
)

func TestDB_BasicOperations(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, db.Put(ctx, []byte("b"), []byte("2")))

	v, err := db.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, db.Delete(ctx, []byte("a")))
	_, err = db.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	var seen []string
	require.NoError(t, db.Scan(ctx, nil, nil, func(k, _ []byte) error {
		seen = append(seen, string(k))
		return nil
	}))
	require.Equal(t, []string{"b"}, seen)
}

func TestDB_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, []byte("persisted"), []byte("yes")))
	require.NoError(t, db.Close())

	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	v, err := db2.Get(ctx, []byte("persisted"))
	require.NoError(t, err)
	require.Equal(t, []byte("yes"), v)
}

func TestDB_MetricsCollector(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	var mc BasicMetricsCollector
	db.SetMetricsCollector(&mc)

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("k"), []byte("v")))
	_, err = db.Get(ctx, []byte("k"))
	require.NoError(t, err)
	_, err = db.Get(ctx, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.EqualValues(t, 1, mc.PutCount.Load())
	require.EqualValues(t, 2, mc.GetCount.Load())
	require.EqualValues(t, 1, mc.GetErrors.Load())
}

func TestDB_ResourceControllerOption(t *testing.T) {
	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:     64 << 20,
		MaxBackgroundWorkers: 2,
		IOLimitBytesPerSec:   8 << 20,
	})
	db, err := Open(t.TempDir(), WithResourceController(rc))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		k := []byte{byte(i)}
		require.NoError(t, db.Put(ctx, k, k))
	}
	require.NoError(t, db.Flush(ctx))
	v, err := db.Get(ctx, []byte{42})
	require.NoError(t, err)
	require.Equal(t, []byte{42}, v)
}
