package replication

import (
	"io"
	"os"
	"time"

	"github.com/hashicorp/raft"

	"github.com/searchraft/searchraft/httpapi"
	"github.com/searchraft/searchraft/types"
)

// fsm adapts the replication state to the consensus library's state-machine
// contract. Apply runs strictly sequentially on the library's apply thread.
type fsm struct {
	rs *ReplicationState
}

func (f *fsm) Apply(l *raft.Log) any {
	return f.rs.applyEntry(l)
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return f.rs.newSnapshot(), nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	return f.rs.loadSnapshot(rc)
}

// applyEntry replays one committed log entry: it recovers (or rebuilds) the
// request/response pair, hands it to an HTTP worker, and blocks on the
// response's await gate until the worker signals completion. Mutations
// therefore execute in log order.
func (rs *ReplicationState) applyEntry(l *raft.Log) any {
	if l.Type != raft.LogCommand {
		return nil
	}

	decoded, err := httpapi.DecodeRequest(l.Data)
	if err != nil {
		rs.logger.Errorw("Failed to decode log entry", "index", l.Index, "error", err)
		rs.metrics.IncrApply(false)
		return err
	}

	if decoded.IsInitSnapshotSentinel() {
		// Cold snapshot against an existing stand-alone DB for upgrades.
		go rs.performInitSnapshot()
		return nil
	}

	var req *httpapi.Request
	var res *httpapi.Response

	if pw := rs.pending.take(decoded.ID); pw != nil {
		if pw.ExpectedTerm == types.Term(l.Term) {
			// This task was applied by this node; reuse the originating
			// handles to avoid additional parsing.
			req, res = pw.Req, pw.Res
		} else {
			// The entry committed under a different leadership than the
			// origin observed at submit time. The mutation still applies in
			// log order on every node; only the origin's response carries
			// the term error.
			rs.logger.Warnw("Expected term mismatch at apply",
				"index", l.Index, "entryTerm", l.Term, "expected", pw.ExpectedTerm)
			pw.Res.Set500(ErrTermMismatch.Error())
			pw.Res.MarkReady()
		}
	}

	if req == nil {
		req = decoded
		res = httpapi.NewResponse()
	}

	// Retain ownership across the handoff; the worker's verdict decides
	// who tears the pair down.
	res.AutoDispose = false

	start := time.Now()
	if err := rs.dispatcher.SendMessage(httpapi.ReplicationMsg, &httpapi.ApplyArg{Req: req, Res: res}); err != nil {
		rs.metrics.IncrApply(false)
		res.SetError(503, "Shutting down.")
		res.MarkReady()
		return err
	}

	rs.logger.Debugw("Raft write waiting to proceed", "index", l.Index)
	verdict, ok := res.Await.WaitTimeout(rs.cfg.ApplyEntryTimeout)
	rs.metrics.ObserveApplyLatency(time.Since(start))
	if !ok {
		// The worker died silently; fail the entry instead of stalling the
		// apply thread forever.
		rs.logger.Errorw("Worker never signalled the apply gate", "index", l.Index, "path", req.Path)
		rs.metrics.IncrApply(false)
		return ErrApplyTimeout
	}
	rs.logger.Debugw("Raft write ready to proceed",
		"index", l.Index, "final", res.Final, "freedByWorker", verdict == types.FreedByWorker)

	rs.lastApplied.Store(uint64(l.Index))
	rs.metrics.IncrApply(true)

	if rs.shutdown.Load() {
		// Surfaces an error to the library instead of acknowledging the
		// remaining entries of the batch.
		return ErrShuttingDown
	}
	return nil
}

// newSnapshot hands checkpointing off to the snapshot driver; the library
// invokes its Persist on a detached task.
func (rs *ReplicationState) newSnapshot() raft.FSMSnapshot {
	return newSnapshotDriver(rs.store, rs.logger, rs.metrics, nil)
}

// loadSnapshot replaces the local store with the snapshot's db_snapshot
// files and re-initializes the database.
func (rs *ReplicationState) loadSnapshot(rc io.ReadCloser) error {
	defer rc.Close()

	if node := rs.raftNode(); node != nil && node.State() == raft.Leader {
		rs.logger.Errorw("Leader is not supposed to load snapshot")
	}

	rs.logger.Infow("Loading snapshot", "stateDir", rs.store.StateDirPath())

	rs.resetDB()
	if err := os.RemoveAll(rs.store.StateDirPath()); err != nil {
		return err
	}

	if err := installSnapshotArchive(rc, rs.store.StateDirPath()); err != nil {
		return err
	}
	rs.logger.Infow("Snapshot installed", "stateDir", rs.store.StateDirPath())

	return rs.initDB()
}
