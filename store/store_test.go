package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "state"), logger.NewNoOpLogger())
	testutil.RequireNoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreOpenCloseReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s := New(dir, logger.NewNoOpLogger())

	testutil.RequireNoError(t, s.Open())
	testutil.AssertTrue(t, s.IsOpen())
	testutil.AssertError(t, s.Open(), "double open must fail")

	testutil.RequireNoError(t, s.Set("k", []byte("v")))

	testutil.AssertNoError(t, s.Close())
	testutil.AssertNoError(t, s.Close(), "close must be idempotent")
	testutil.AssertFalse(t, s.IsOpen())

	// Reopenable at the same state dir with data intact.
	testutil.RequireNoError(t, s.Open())
	defer s.Close()

	v, err := s.Get("k")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, "v", string(v))
}

func TestStoreClosedOperations(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state"), logger.NewNoOpLogger())

	_, err := s.Get("k")
	testutil.AssertErrorIs(t, err, ErrClosed)
	testutil.AssertErrorIs(t, s.Set("k", nil), ErrClosed)
	testutil.AssertErrorIs(t, s.Delete("k"), ErrClosed)
}

func TestStoreGetSetDelete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing")
	testutil.AssertErrorIs(t, err, ErrNotFound)

	testutil.RequireNoError(t, s.Set("a", []byte("1")))
	v, err := s.Get("a")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, "1", string(v))

	testutil.RequireNoError(t, s.Delete("a"))
	_, err = s.Get("a")
	testutil.AssertErrorIs(t, err, ErrNotFound)

	testutil.AssertNoError(t, s.Delete("a"), "deleting a missing key is not an error")
}

func TestStorePrefixScan(t *testing.T) {
	s := newTestStore(t)

	testutil.RequireNoError(t, s.Set("doc/c1/1", []byte("a")))
	testutil.RequireNoError(t, s.Set("doc/c1/2", []byte("b")))
	testutil.RequireNoError(t, s.Set("doc/c2/1", []byte("c")))
	testutil.RequireNoError(t, s.Set("meta/x", []byte("d")))

	var keys []string
	err := s.PrefixScan("doc/c1/", func(k string, v []byte) error {
		keys = append(keys, k)
		return nil
	})
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, []string{"doc/c1/1", "doc/c1/2"}, keys)

	stop := errors.New("stop")
	count := 0
	err = s.PrefixScan("doc/", func(k string, v []byte) error {
		count++
		return stop
	})
	testutil.AssertErrorIs(t, err, stop)
	testutil.AssertEqual(t, 1, count)
}

func TestStoreDeletePrefix(t *testing.T) {
	s := newTestStore(t)

	testutil.RequireNoError(t, s.Set("doc/c1/1", []byte("a")))
	testutil.RequireNoError(t, s.Set("doc/c1/2", []byte("b")))
	testutil.RequireNoError(t, s.Set("doc/c2/1", []byte("c")))

	n, err := s.DeletePrefix("doc/c1/")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, 2, n)

	_, err = s.Get("doc/c1/1")
	testutil.AssertErrorIs(t, err, ErrNotFound)

	v, err := s.Get("doc/c2/1")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, "c", string(v))
}

func TestStoreCheckpoint(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"a", "b", "c"} {
		testutil.RequireNoError(t, s.Set(k, []byte("v-"+k)))
	}

	target := filepath.Join(t.TempDir(), "db_snapshot")
	testutil.RequireNoError(t, s.Checkpoint(target))

	// Mutate after the checkpoint; the copy must not see it.
	testutil.RequireNoError(t, s.Set("d", []byte("v-d")))

	copied := New(target, logger.NewNoOpLogger())
	testutil.RequireNoError(t, copied.Open())
	defer copied.Close()

	for _, k := range []string{"a", "b", "c"} {
		v, err := copied.Get(k)
		testutil.RequireNoError(t, err)
		testutil.AssertEqual(t, "v-"+k, string(v))
	}
	_, err := copied.Get("d")
	testutil.AssertErrorIs(t, err, ErrNotFound)
}

func TestStoreCheckpointClosed(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state"), logger.NewNoOpLogger())
	err := s.Checkpoint(t.TempDir())
	testutil.AssertErrorIs(t, err, ErrCheckpoint)
}
