package replication

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/store"
)

// DBSnapshotName is the manifest sub-directory holding the store's
// checkpointed files inside every snapshot.
const DBSnapshotName = "db_snapshot"

// snapshotDriver drives checkpoint creation for a snapshot save. The
// consensus library invokes Persist off the apply thread, so the slow
// filesystem work never blocks entry application. The completion callback
// runs exactly once across all exit paths.
type snapshotDriver struct {
	store   *store.Store
	logger  logger.Logger
	metrics Metrics

	once       sync.Once
	onComplete func(err error)
}

func newSnapshotDriver(st *store.Store, log logger.Logger, metrics Metrics, onComplete func(error)) *snapshotDriver {
	return &snapshotDriver{
		store:      st,
		logger:     log.WithComponent("snapshot"),
		metrics:    metrics,
		onComplete: onComplete,
	}
}

// Persist checkpoints the store into the db_snapshot manifest directory and
// registers each of its files with the snapshot sink.
func (d *snapshotDriver) Persist(sink raft.SnapshotSink) error {
	start := time.Now()
	d.logger.Infow("Snapshot save started", "id", sink.ID())

	err := d.persist(sink)

	d.metrics.IncrSnapshot(err == nil)
	d.metrics.ObserveSnapshotSaveLatency(time.Since(start))
	d.finish(err)

	if err != nil {
		d.logger.Errorw("Snapshot save failed", "id", sink.ID(), "error", err)
		sink.Cancel()
		return err
	}

	d.logger.Infow("Snapshot save done", "id", sink.ID())
	return sink.Close()
}

func (d *snapshotDriver) persist(sink raft.SnapshotSink) error {
	tmp, err := os.MkdirTemp("", "searchraft-snapshot-*")
	if err != nil {
		return fmt.Errorf("replication: snapshot temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	checkpointDir := filepath.Join(tmp, DBSnapshotName)
	if err := d.store.Checkpoint(checkpointDir); err != nil {
		return err
	}

	return writeSnapshotArchive(sink, checkpointDir)
}

// Release runs after the library is done with the snapshot. The completion
// fires here when Persist never ran.
func (d *snapshotDriver) Release() {
	d.finish(nil)
}

func (d *snapshotDriver) finish(err error) {
	d.once.Do(func() {
		if d.onComplete != nil {
			d.onComplete(err)
		}
	})
}

// writeSnapshotArchive registers the checkpoint's files (non-recursive)
// with the sink under `db_snapshot/<filename>`.
func writeSnapshotArchive(w io.Writer, checkpointDir string) error {
	entries, err := os.ReadDir(checkpointDir)
	if err != nil {
		return fmt.Errorf("replication: enumerate checkpoint: %w", err)
	}

	tw := tar.NewWriter(w)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("replication: stat %s: %w", entry.Name(), err)
		}

		hdr := &tar.Header{
			Name: DBSnapshotName + "/" + entry.Name(),
			Mode: 0o600,
			Size: info.Size(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("replication: add file %s: %w", hdr.Name, err)
		}

		f, err := os.Open(filepath.Join(checkpointDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("replication: add file %s: %w", hdr.Name, err)
		}
		_, cerr := io.Copy(tw, f)
		f.Close()
		if cerr != nil {
			return fmt.Errorf("replication: add file %s: %w", hdr.Name, cerr)
		}
	}
	return tw.Close()
}

// installSnapshotArchive unpacks a snapshot's db_snapshot files onto
// stateDir. Entries outside the manifest directory are rejected.
func installSnapshotArchive(r io.Reader, stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("replication: mkdir %s: %w", stateDir, err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replication: read snapshot archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(hdr.Name)
		if filepath.Dir(hdr.Name) != DBSnapshotName || name == "." || name == ".." {
			return fmt.Errorf("replication: unexpected snapshot entry %q", hdr.Name)
		}

		target := filepath.Join(stateDir, name)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("replication: create %s: %w", target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("replication: write %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("replication: close %s: %w", target, err)
		}
	}
}
