package replication

import "errors"

var (
	// ErrNodeNotInitialized indicates the consensus node has not been started.
	ErrNodeNotInitialized = errors.New("replication: node is not initialized")

	// ErrNodeInit indicates the consensus node refused to initialize.
	ErrNodeInit = errors.New("replication: failed to initialize consensus node")

	// ErrConfigParse indicates a nodes configuration string was malformed.
	ErrConfigParse = errors.New("replication: failed to parse nodes configuration")

	// ErrStoreOpen indicates the local store failed to open.
	ErrStoreOpen = errors.New("replication: failed to open store")

	// ErrCollectionsLoad indicates domain collections could not be loaded.
	// Fatal at startup.
	ErrCollectionsLoad = errors.New("replication: failed to load collections")

	// ErrTermMismatch indicates a write was submitted at a term that was no
	// longer current when its entry applied.
	ErrTermMismatch = errors.New("replication: leader term changed before apply")

	// ErrLeaderUnknown indicates a follower write arrived with no known leader.
	ErrLeaderUnknown = errors.New("replication: could not find a leader")

	// ErrForwardMethodUnsupported indicates the forwarder has no relay mode
	// for the request's HTTP method.
	ErrForwardMethodUnsupported = errors.New("replication: forwarding not implemented for method")

	// ErrApplyTimeout indicates the apply thread's bounded wait on a worker
	// expired; the entry is failed rather than stalling the apply loop.
	ErrApplyTimeout = errors.New("replication: timed out waiting for worker to apply entry")

	// ErrShuttingDown indicates the apply loop observed the shutdown flag
	// and abandoned the remaining entries.
	ErrShuttingDown = errors.New("replication: shutting down")

	// ErrNotLeader indicates an operation that requires leadership ran on a
	// non-leader.
	ErrNotLeader = errors.New("replication: node is not the leader")
)
