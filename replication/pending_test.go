package replication

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/searchraft/searchraft/httpapi"
	"github.com/searchraft/searchraft/testutil"
	"github.com/searchraft/searchraft/types"
)

func TestPendingTableAddTake(t *testing.T) {
	table := newPendingTable()
	testutil.AssertEqual(t, 0, table.size())

	pw := &PendingWrite{Req: &httpapi.Request{ID: "r1"}, Res: httpapi.NewResponse(), ExpectedTerm: types.Term(3)}
	table.add("r1", pw)
	testutil.AssertEqual(t, 1, table.size())

	got := table.take("r1")
	testutil.RequireNotNil(t, got)
	testutil.AssertEqual(t, types.Term(3), got.ExpectedTerm)
	testutil.AssertEqual(t, 0, table.size())

	// A write leaves the table exactly once.
	testutil.AssertTrue(t, table.take("r1") == nil)
}

func TestPendingTableTakeUnknown(t *testing.T) {
	table := newPendingTable()
	testutil.AssertTrue(t, table.take("missing") == nil)
	testutil.AssertTrue(t, table.take("") == nil, "empty id never matches")
}

func TestPendingTableConcurrentTake(t *testing.T) {
	// The apply path and the submit-failure path race for the same entry;
	// exactly one may win.
	table := newPendingTable()
	table.add("r1", &PendingWrite{})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if table.take("r1") != nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	testutil.AssertEqual(t, int32(1), atomic.LoadInt32(&wins))
}
