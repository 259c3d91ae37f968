package types

// Term represents a consensus term, a monotonically increasing number used
// to detect stale leadership across elections.
type Term uint64

// Index represents a position in the replicated log.
// Log indices start at 1 and increase with each appended entry.
type Index uint64

// NodeIdentity identifies a node in the cluster. The peering endpoint is
// used for consensus traffic; the full `ip:peering_port:api_port` triple is
// the node identifier within the consensus group, so the API port can be
// recovered from any node id.
type NodeIdentity struct {
	PeeringIP   string
	PeeringPort int
	APIPort     int
}

// ClusterConfig is an ordered set of node identities. When the operator
// does not supply one, the local node's identity alone forms the initial
// configuration.
type ClusterConfig []NodeIdentity

// RouteCode is the hash identifying a registered route. A small range of
// codes is reserved for control signalling between the replication layer
// and the HTTP dispatcher.
type RouteCode uint64

const (
	// RouteAlreadyHandled tells the dispatcher that the response has
	// already been fully populated and only disposal is required; the
	// route handler must not run again.
	RouteAlreadyHandled RouteCode = 1
)

// FreedBy records which side of the apply/worker rendezvous owns teardown
// of the request and response handles once the await gate fires.
type FreedBy int

const (
	// FreedByApply means the worker is done with the handles and the
	// apply side tears them down.
	FreedByApply FreedBy = iota

	// FreedByWorker means the worker (or a proxy it handed the handles
	// to) retains ownership and will tear them down itself.
	FreedByWorker
)

// NodeState mirrors the consensus library's node state for introspection.
// StateAbsent is reserved for "no node"; the remaining values are the
// library's state codes shifted by one so the zero value stays unambiguous.
type NodeState uint64

const (
	StateAbsent NodeState = iota
	StateFollower
	StateCandidate
	StateLeader
	StateShutdown
)
