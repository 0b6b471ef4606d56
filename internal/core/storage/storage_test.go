package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "assets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Storage{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "scene")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, Record{ID: "scene", Revision: 1, Data: []byte(`{"nodes":[]}`)}))
			rec, err := s.Read(ctx, "scene")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), rec.Revision)
			assert.JSONEq(t, `{"nodes":[]}`, string(rec.Data))
			assert.False(t, rec.UpdatedAt.IsZero())

			require.NoError(t, s.Write(ctx, Record{ID: "scene", Revision: 5, Data: []byte(`{"nodes":[{"id":"a"}]}`)}))
			require.NoError(t, s.Write(ctx, Record{ID: "scene", Revision: 5, Data: []byte(`{"nodes":[{"id":"b"}]}`)}))

			err = s.Write(ctx, Record{ID: "scene", Revision: 4, Data: []byte(`{"nodes":[]}`)})
			require.ErrorIs(t, err, ErrStaleRevision)
			rec, err = s.Read(ctx, "scene")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), rec.Revision)
			assert.JSONEq(t, `{"nodes":[{"id":"b"}]}`, string(rec.Data))

			require.NoError(t, s.Write(ctx, Record{ID: "another", Revision: 0, Data: []byte(`{}`)}))
			infos, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, "another", infos[0].ID)
			assert.Equal(t, "scene", infos[1].ID)
			assert.Equal(t, len(`{"nodes":[{"id":"b"}]}`), infos[1].Size)

			require.NoError(t, s.Delete(ctx, "another"))
			require.ErrorIs(t, s.Delete(ctx, "another"), ErrNotFound)

			stats := s.Statistics()
			assert.Equal(t, uint64(3), stats.Reads)
			assert.Equal(t, uint64(1), stats.Misses)
			assert.Equal(t, uint64(4), stats.Writes)
			assert.Equal(t, uint64(1), stats.Deletes)
		})
	}
}

func TestMemoryCopiesData(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	data := []byte(`{"nodes":[]}`)
	require.NoError(t, m.Write(ctx, Record{ID: "a", Data: data}))
	data[2] = 'X'

	rec, err := m.Read(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[]}`, string(rec.Data))

	require.NoError(t, m.Close())
	_, err = m.Read(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteConcurrentReads(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "assets.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Write(ctx, Record{ID: "scene", Revision: 2, Data: []byte(`{"nodes":[]}`)}))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := db.Read(ctx, "scene")
			if err == nil && rec.Revision != 2 {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestSQLiteCancelledReaderDoesNotFailOthers(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "assets.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.Write(ctx, Record{ID: "scene", Revision: 3, Data: []byte(`{"nodes":[]}`)}))

	// hold the only connection so both reads queue behind it
	conn, err := db.db.Conn(ctx)
	require.NoError(t, err)

	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := db.Read(first, "scene")
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		rec Record
		err error
	}
	second := make(chan result, 1)
	go func() {
		rec, err := db.Read(ctx, "scene")
		second <- result{rec, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, conn.Close())

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, uint64(3), res.rec.Revision)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not finish")
	}

	_, err = db.Read(first, "scene")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assets.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Write(ctx, Record{ID: "scene", Revision: 7, Data: []byte(`{"nodes":[]}`)}))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	rec, err := db.Read(ctx, "scene")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rec.Revision)
}
