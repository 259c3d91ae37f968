package replication

import (
	"sync"

	"github.com/searchraft/searchraft/httpapi"
	"github.com/searchraft/searchraft/types"
)

// PendingWrite is created per in-flight leader write. It keeps the
// originating request/response handles so the apply loop can recover them
// instead of re-parsing the log payload, and the leader term captured at
// submit time to detect stepdown-and-reelection between submit and apply.
type PendingWrite struct {
	Req          *httpapi.Request
	Res          *httpapi.Response
	ExpectedTerm types.Term
}

// pendingTable maps in-flight request ids to their PendingWrite. A write
// leaves the table exactly once: either the apply loop takes it when its
// entry commits, or the submit-side failure path takes it when the
// consensus library rejects the task.
type pendingTable struct {
	mu     sync.Mutex
	writes map[string]*PendingWrite
}

func newPendingTable() *pendingTable {
	return &pendingTable{writes: make(map[string]*PendingWrite)}
}

// add registers a pending write under its request id.
func (t *pendingTable) add(id string, pw *PendingWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[id] = pw
}

// take removes and returns the pending write for id, or nil. Only the first
// caller wins; the write's single-response invariant rests on this.
func (t *pendingTable) take(id string) *PendingWrite {
	if id == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pw, ok := t.writes[id]
	if !ok {
		return nil
	}
	delete(t.writes, id)
	return pw
}

// size returns the number of writes currently in flight.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}
