package httpapi

import "github.com/searchraft/searchraft/types"

// Replicator is the surface of the replication layer the HTTP server
// depends on. Mutations are submitted through Write and complete
// asynchronously; the response becomes ready once its log entry is applied
// (or the write is rejected or forwarded).
type Replicator interface {
	// Write submits a mutating request. On a leader it is encoded into the
	// log; on a follower it is relayed to the leader. The response is
	// populated asynchronously and signalled via Ready().
	Write(req *Request, res *Response)

	// IsAlive reports whether the node is initialized, ready and either
	// leader or aware of one.
	IsAlive() bool

	// NodeState returns the consensus state for introspection.
	NodeState() types.NodeState

	// LeaderID returns the current leader's node id, or "" if unknown.
	LeaderID() string

	// InitReadinessCount returns how many times the local store has been
	// (re)opened with collections loaded. Monotonically increasing.
	InitReadinessCount() uint64

	// TriggerSnapshot starts a snapshot and waits for its completion.
	TriggerSnapshot() error

	// TriggerElection asks the node to give up leadership so an election
	// runs. Returns an error when the node cannot trigger one.
	TriggerElection() error

	// RefreshNodes applies a new cluster configuration string.
	RefreshNodes(nodes string) error
}
