package replication

import (
	"archive/tar"
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/store"
	"github.com/searchraft/searchraft/testutil"
)

// memorySink is an in-memory raft.SnapshotSink.
type memorySink struct {
	bytes.Buffer
	canceled bool
	closed   bool
}

func (s *memorySink) ID() string    { return "test-snapshot" }
func (s *memorySink) Cancel() error { s.canceled = true; return nil }
func (s *memorySink) Close() error  { s.closed = true; return nil }

func newSnapshotStore(t *testing.T, keys map[string]string) *store.Store {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "state"), logger.NewNoOpLogger())
	testutil.RequireNoError(t, st.Open())
	t.Cleanup(func() { st.Close() })
	for k, v := range keys {
		testutil.RequireNoError(t, st.Set(k, []byte(v)))
	}
	return st
}

func TestSnapshotPersistAndInstall(t *testing.T) {
	src := newSnapshotStore(t, map[string]string{
		"$CM/c":    `{"name":"c","num_documents":2,"next_seq_id":3}`,
		"$DOC/c/1": `{"id":"1"}`,
		"$DOC/c/2": `{"id":"2"}`,
	})

	var completed []error
	driver := newSnapshotDriver(src, logger.NewNoOpLogger(), NewNoOpMetrics(), func(err error) {
		completed = append(completed, err)
	})

	sink := &memorySink{}
	testutil.RequireNoError(t, driver.Persist(sink))
	testutil.AssertTrue(t, sink.closed)
	testutil.AssertFalse(t, sink.canceled)

	driver.Release()
	testutil.AssertLen(t, completed, 1, "completion must run exactly once across all exit paths")
	testutil.AssertNoError(t, completed[0])

	// Install on a fresh node's state dir and verify byte equivalence.
	targetDir := filepath.Join(t.TempDir(), "restored")
	testutil.RequireNoError(t, installSnapshotArchive(bytes.NewReader(sink.Bytes()), targetDir))

	restored := store.New(targetDir, logger.NewNoOpLogger())
	testutil.RequireNoError(t, restored.Open())
	defer restored.Close()

	for _, key := range []string{"$CM/c", "$DOC/c/1", "$DOC/c/2"} {
		want, err := src.Get(key)
		testutil.RequireNoError(t, err)
		got, err := restored.Get(key)
		testutil.RequireNoError(t, err)
		testutil.AssertEqual(t, string(want), string(got))
	}
}

func TestSnapshotPersistClosedStoreFails(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "state"), logger.NewNoOpLogger())

	var completed []error
	driver := newSnapshotDriver(st, logger.NewNoOpLogger(), NewNoOpMetrics(), func(err error) {
		completed = append(completed, err)
	})

	sink := &memorySink{}
	err := driver.Persist(sink)
	testutil.AssertError(t, err)
	testutil.AssertTrue(t, sink.canceled, "failed persist must cancel the sink")

	driver.Release()
	testutil.AssertLen(t, completed, 1)
	testutil.AssertError(t, completed[0], "completion must carry the failure")
}

func TestInstallSnapshotRejectsForeignEntries(t *testing.T) {
	// An archive entry outside the manifest directory must be rejected.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	payload := []byte("owned")
	testutil.RequireNoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape", Mode: 0o600, Size: int64(len(payload)),
	}))
	_, err := tw.Write(payload)
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, tw.Close())

	err = installSnapshotArchive(&buf, filepath.Join(t.TempDir(), "bad"))
	testutil.AssertError(t, err)
}

func TestInstallSnapshotTruncatedStream(t *testing.T) {
	sink := &memorySink{}
	src := newSnapshotStore(t, map[string]string{"k": "v"})
	driver := newSnapshotDriver(src, logger.NewNoOpLogger(), NewNoOpMetrics(), nil)
	testutil.RequireNoError(t, driver.Persist(sink))

	// Valid archive installs fine.
	testutil.RequireNoError(t, installSnapshotArchive(bytes.NewReader(sink.Bytes()), filepath.Join(t.TempDir(), "ok")))

	// A truncated stream errors out.
	err := installSnapshotArchive(bytes.NewReader(sink.Bytes()[:10]), filepath.Join(t.TempDir(), "bad"))
	testutil.AssertError(t, err)
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	// Full loadSnapshot path: close store, wipe state dir, install, init_db.
	fx := newApplyFixture(t)
	_, err := fx.rs.collections.Create([]byte(`{"name":"c"}`))
	testutil.RequireNoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := fx.rs.collections.AddDocument("c", []byte(`{"title":"x"}`))
		testutil.RequireNoError(t, err)
	}

	sink := &memorySink{}
	testutil.RequireNoError(t, fx.rs.newSnapshot().Persist(sink))

	readinessBefore := fx.rs.InitReadinessCount()
	testutil.RequireNoError(t, fx.rs.loadSnapshot(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	c, err := fx.rs.collections.Get("c")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, uint64(10), c.NumDocuments)
	testutil.AssertTrue(t, fx.rs.InitReadinessCount() > readinessBefore,
		"readiness must increase after snapshot load")
}
