package replication

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/searchraft/searchraft/collection"
	"github.com/searchraft/searchraft/httpapi"
	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/store"
	"github.com/searchraft/searchraft/types"
)

const (
	logDirName      = "log"
	metaDirName     = "meta"
	snapshotDirName = "snapshot"

	// applyingIndexKey is the store meta record the crash hook persists so
	// re-application resumes from a safe point after an indexing crash.
	applyingIndexKey = "$META/applying_index"
)

// ReplicationState binds the local store to the consensus group: it encodes
// incoming mutations into log entries, replays committed entries through
// the HTTP worker pool, ships snapshots between peers and manages cluster
// membership.
//
// It exclusively owns the consensus node handle and the store facade.
type ReplicationState struct {
	cfg         Config
	logger      logger.Logger
	metrics     Metrics
	store       *store.Store
	collections *collection.Manager
	dispatcher  *httpapi.Dispatcher
	forwarder   *Forwarder

	fsm         *fsm
	pending     *pendingTable
	readiness   atomic.Uint64
	lastApplied atomic.Uint64
	shutdown    atomic.Bool

	nodeMu      sync.RWMutex
	node        *raft.Raft
	transport   *raft.NetworkTransport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	snapshots   *raft.FileSnapshotStore

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReplicationState wires the state machine. Call Start before use.
func NewReplicationState(cfg Config, st *store.Store, cm *collection.Manager, dispatcher *httpapi.Dispatcher) (*ReplicationState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rs := &ReplicationState{
		cfg:         cfg,
		logger:      cfg.Logger.WithComponent("replication").WithNodeID(cfg.Identity.String()),
		metrics:     cfg.Metrics,
		store:       st,
		collections: cm,
		dispatcher:  dispatcher,
		pending:     newPendingTable(),
		stopCh:      make(chan struct{}),
	}
	rs.fsm = &fsm{rs: rs}
	rs.forwarder = NewForwarder(dispatcher, cfg)
	return rs, nil
}

// Start configures and initializes the consensus node. Startup errors are
// fatal: the caller is expected to abort the process.
func (rs *ReplicationState) Start() error {
	clusterConf, err := rs.cfg.effectiveClusterConfig()
	if err != nil {
		return err
	}

	raftDir := rs.cfg.RaftDir
	for _, sub := range []string{logDirName, metaDirName, snapshotDirName} {
		if err := os.MkdirAll(filepath.Join(raftDir, sub), 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", ErrNodeInit, sub, err)
		}
	}

	rs.logStore, err = raftboltdb.NewBoltStore(filepath.Join(raftDir, logDirName, "log.db"))
	if err != nil {
		return fmt.Errorf("%w: log store: %v", ErrNodeInit, err)
	}
	rs.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(raftDir, metaDirName, "meta.db"))
	if err != nil {
		return fmt.Errorf("%w: meta store: %v", ErrNodeInit, err)
	}
	rs.snapshots, err = raft.NewFileSnapshotStore(filepath.Join(raftDir, snapshotDirName), rs.cfg.SnapshotRetain, io.Discard)
	if err != nil {
		return fmt.Errorf("%w: snapshot store: %v", ErrNodeInit, err)
	}

	existing, err := rs.snapshots.List()
	if err != nil {
		return fmt.Errorf("%w: list snapshots: %v", ErrNodeInit, err)
	}
	snapshotExists := len(existing) > 0

	switch {
	case snapshotExists:
		// on_snapshot_load fires during node init and will init_db there.
	case !rs.cfg.CreateInitDBSnapshot:
		rs.logger.Infow("Snapshot does not exist. We will remove db dir and init db fresh.")
		rs.resetDB()
		if err := os.RemoveAll(rs.store.StateDirPath()); err != nil {
			return fmt.Errorf("%w: rm %s: %v", ErrStoreOpen, rs.store.StateDirPath(), err)
		}
		if err := rs.initDB(); err != nil {
			return err
		}
	default:
		// Stand-alone upgrade: keep the existing data; it is snapshotted
		// once a leader is elected.
		if err := rs.initDB(); err != nil {
			return err
		}
	}

	bindAddr := rs.cfg.Identity.PeeringAddress()
	advertise, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrNodeInit, bindAddr, err)
	}
	rs.transport, err = raft.NewTCPTransport(bindAddr, advertise, 3, 10*time.Second, io.Discard)
	if err != nil {
		return fmt.Errorf("%w: transport: %v", ErrNodeInit, err)
	}

	conf := rs.raftConfig()

	hasState, err := raft.HasExistingState(rs.logStore, rs.stableStore, rs.snapshots)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeInit, err)
	}
	if !hasState {
		rs.logger.Infow("Bootstrapping cluster", "nodes", clusterConf.String())
		if err := raft.BootstrapCluster(conf, rs.logStore, rs.stableStore, rs.snapshots,
			rs.transport, raftConfiguration(clusterConf)); err != nil {
			return fmt.Errorf("%w: bootstrap: %v", ErrNodeInit, err)
		}
	}

	node, err := raft.NewRaft(conf, rs.fsm, rs.logStore, rs.stableStore, rs.snapshots, rs.transport)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeInit, err)
	}
	rs.setRaftNode(node)

	if rs.cfg.CreateInitDBSnapshot {
		go rs.watchInitSnapshot(node)
	}
	go rs.stateGaugeLoop()

	rs.logger.Infow("Replication started", "raftDir", raftDir, "nodes", clusterConf.String())
	return nil
}

// raftConfig derives the consensus node options from the replication config.
func (rs *ReplicationState) raftConfig() *raft.Config {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(rs.cfg.Identity.String())
	conf.Logger = logger.NewHCLogBridge(rs.cfg.Logger, "raft")

	election := rs.cfg.ElectionTimeout
	heartbeat := election / 2
	if heartbeat < 10*time.Millisecond {
		heartbeat = election
	}
	conf.ElectionTimeout = election
	conf.HeartbeatTimeout = heartbeat
	if conf.LeaderLeaseTimeout > heartbeat {
		conf.LeaderLeaseTimeout = heartbeat
	}

	conf.SnapshotInterval = rs.cfg.SnapshotInterval
	// Snapshot as soon as any entry landed since the last one.
	conf.SnapshotThreshold = 1
	return conf
}

// raftConfiguration maps a cluster config onto consensus membership. The
// full identity triple is the node id, so peers can recover each other's
// API port from it.
func raftConfiguration(conf types.ClusterConfig) raft.Configuration {
	servers := make([]raft.Server, 0, len(conf))
	for _, n := range conf {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(n.String()),
			Address:  raft.ServerAddress(n.PeeringAddress()),
		})
	}
	return raft.Configuration{Servers: servers}
}

func (rs *ReplicationState) raftNode() *raft.Raft {
	rs.nodeMu.RLock()
	defer rs.nodeMu.RUnlock()
	return rs.node
}

func (rs *ReplicationState) setRaftNode(node *raft.Raft) {
	rs.nodeMu.Lock()
	defer rs.nodeMu.Unlock()
	rs.node = node
}

// Write submits a mutating request. On a follower it is relayed to the
// leader; on the leader it is encoded into the replicated log. The actual
// mutation happens only in the apply path, keeping nodes consistent.
func (rs *ReplicationState) Write(req *httpapi.Request, res *httpapi.Response) {
	node := rs.raftNode()
	if node == nil {
		res.SetError(http.StatusServiceUnavailable, "Replication is not ready.")
		res.MarkReady()
		return
	}

	if node.State() != raft.Leader {
		rs.metrics.IncrWrite("forwarded")
		rs.forwarder.Forward(req, res, rs.LeaderID())
		return
	}

	// Streaming routes keep the body on the upstream request until submit
	// time; the log entry must be self-contained.
	if req.Body == nil && req.Upstream != nil && req.Upstream.Body != nil {
		body, err := io.ReadAll(req.Upstream.Body)
		if err != nil {
			res.SetError(http.StatusBadRequest, "Failed to read request body.")
			res.MarkReady()
			return
		}
		req.Body = body
	}

	payload, err := httpapi.EncodeRequest(req)
	if err != nil {
		rs.metrics.IncrWrite("rejected")
		res.Set500(err.Error())
		res.MarkReady()
		return
	}

	// Captured before submit to defeat ABA across re-elections; the apply
	// path checks it against the entry's term.
	pw := &PendingWrite{Req: req, Res: res, ExpectedTerm: rs.currentTerm()}
	rs.pending.add(req.ID, pw)
	rs.metrics.IncrWrite("submitted")

	future := node.ApplyLog(raft.Log{Data: payload}, rs.cfg.SubmitTimeout)
	go func() {
		err := future.Error()
		if err == nil {
			return
		}
		// The task was rejected before it reached this node's apply loop.
		if taken := rs.pending.take(req.ID); taken != nil {
			rs.metrics.IncrWrite("rejected")
			msg := "Could not commit the write."
			switch {
			case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrNotLeader):
				msg = ErrTermMismatch.Error()
			case errors.Is(err, raft.ErrEnqueueTimeout):
				msg = "Write queue is full."
			}
			rs.logger.Errorw("Write rejected by consensus", "path", req.Path, "error", err)
			taken.Res.Set500(msg)
			taken.Res.MarkReady()
		}
	}()
}

// currentTerm reads the node's current term from its status.
func (rs *ReplicationState) currentTerm() types.Term {
	node := rs.raftNode()
	if node == nil {
		return 0
	}
	t, _ := strconv.ParseUint(node.Stats()["term"], 10, 64)
	return types.Term(t)
}

// initDB creates the state directory, opens the store and loads the domain
// collections. Any failure is fatal to startup. Success increments the
// readiness counter.
func (rs *ReplicationState) initDB() error {
	if err := os.MkdirAll(rs.store.StateDirPath(), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrStoreOpen, rs.store.StateDirPath(), err)
	}
	if err := rs.store.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOpen, err)
	}
	rs.logger.Infow("DB open success!")

	rs.logger.Infow("Loading collections from disk...")
	if err := rs.collections.Load(); err != nil {
		return fmt.Errorf("%w: %v", ErrCollectionsLoad, err)
	}

	count := rs.readiness.Add(1)
	rs.metrics.SetReadiness(count)
	return nil
}

// resetDB closes the store; it stays reopenable at the same state dir.
func (rs *ReplicationState) resetDB() {
	if err := rs.store.Close(); err != nil {
		rs.logger.Warnw("Failed to close store", "error", err)
	}
}

// performInitSnapshot runs the one-shot snapshot triggered by the
// INIT_SNAPSHOT sentinel, then reloads the database.
func (rs *ReplicationState) performInitSnapshot() {
	node := rs.raftNode()
	if node == nil {
		return
	}
	if err := node.Snapshot().Error(); err != nil {
		rs.logger.Errorw("Init snapshot failed", "error", err)
		return
	}
	rs.logger.Infow("Init snapshot succeeded!")
	rs.resetDB()
	if err := rs.initDB(); err != nil {
		rs.logger.Errorw("Failed to reinitialize DB after init snapshot", "error", err)
	}
}

// watchInitSnapshot submits the snapshot sentinel once this node is elected
// leader of the fresh group.
func (rs *ReplicationState) watchInitSnapshot(node *raft.Raft) {
	for {
		select {
		case isLeader, ok := <-node.LeaderCh():
			if !ok {
				return
			}
			if !isLeader {
				continue
			}
			rs.logger.Infow("Leader elected; triggering init snapshot for stand-alone upgrade")
			node.ApplyLog(raft.Log{Data: httpapi.EncodeInitSnapshotSentinel()}, rs.cfg.SubmitTimeout)
			return
		case <-rs.stopCh:
			return
		}
	}
}

// stateGaugeLoop keeps the node-state gauge current.
func (rs *ReplicationState) stateGaugeLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rs.metrics.SetNodeState(rs.NodeState())
		case <-rs.stopCh:
			return
		}
	}
}

// RefreshNodes applies a new cluster configuration. Leaders reconcile
// membership through consensus; a leaderless singleton performs the unsafe
// peer reset used for single-node IP-change recovery.
func (rs *ReplicationState) RefreshNodes(nodes string) error {
	node := rs.raftNode()
	if node == nil {
		rs.logger.Warnw("Node state is not initialized: unable to refresh nodes.")
		return ErrNodeNotInitialized
	}

	conf, err := types.ParseClusterConfig(nodes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigParse, err)
	}

	if node.State() == raft.Leader {
		return rs.changePeers(node, conf)
	}

	if rs.LeaderID() == "" {
		// NOTE: resetting peers gives up on consistency and consensus
		// guarantees. It exists solely to recover a single-node cluster
		// whose IP changed (container reschedule, DHCP lease change).
		if conf.IsSingleton() {
			rs.logger.Warnw("Single-node with no leader. Resetting peers.", "nodes", nodes)
			return rs.unsafeResetPeers(conf)
		}
		rs.logger.Warnw("Multi-node with no leader: refusing to reset peers.", "nodes", nodes)
	}
	return nil
}

// changePeers reconciles consensus membership with the desired config.
func (rs *ReplicationState) changePeers(node *raft.Raft, conf types.ClusterConfig) error {
	future := node.GetConfiguration()
	if err := future.Error(); err != nil {
		return fmt.Errorf("replication: get configuration: %w", err)
	}
	current := future.Configuration().Servers

	desired := make(map[raft.ServerID]raft.ServerAddress, len(conf))
	for _, n := range conf {
		desired[raft.ServerID(n.String())] = raft.ServerAddress(n.PeeringAddress())
	}
	have := make(map[raft.ServerID]struct{}, len(current))
	for _, srv := range current {
		have[srv.ID] = struct{}{}
	}

	for id, addr := range desired {
		if _, ok := have[id]; ok {
			continue
		}
		rs.logger.Infow("Adding peer", "id", id, "address", addr)
		if err := node.AddVoter(id, addr, 0, rs.cfg.SubmitTimeout).Error(); err != nil {
			return fmt.Errorf("replication: add peer %s: %w", id, err)
		}
	}
	for _, srv := range current {
		if _, ok := desired[srv.ID]; ok {
			continue
		}
		rs.logger.Infow("Removing peer", "id", srv.ID)
		if err := node.RemoveServer(srv.ID, 0, rs.cfg.SubmitTimeout).Error(); err != nil {
			return fmt.Errorf("replication: remove peer %s: %w", srv.ID, err)
		}
	}
	return nil
}

// unsafeResetPeers force-installs a singleton membership: the node is shut
// down, its logs are recovered with the new configuration, and a fresh node
// is started over the same stores and transport.
func (rs *ReplicationState) unsafeResetPeers(conf types.ClusterConfig) error {
	rs.metrics.IncrPeerReset()

	node := rs.raftNode()
	if err := node.Shutdown().Error(); err != nil {
		return fmt.Errorf("%w: shutdown before reset: %v", ErrNodeInit, err)
	}

	rc := rs.raftConfig()
	if err := raft.RecoverCluster(rc, rs.fsm, rs.logStore, rs.stableStore, rs.snapshots,
		rs.transport, raftConfiguration(conf)); err != nil {
		return fmt.Errorf("%w: recover cluster: %v", ErrNodeInit, err)
	}

	fresh, err := raft.NewRaft(rc, rs.fsm, rs.logStore, rs.stableStore, rs.snapshots, rs.transport)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeInit, err)
	}
	rs.setRaftNode(fresh)

	rs.logger.Warnw("Peers reset complete", "nodes", conf.String())
	return nil
}

// IsAlive reports whether the node is initialized, ready, and either leader
// or aware of one.
func (rs *ReplicationState) IsAlive() bool {
	node := rs.raftNode()
	if node == nil || rs.readiness.Load() == 0 {
		return false
	}
	return node.State() == raft.Leader || rs.LeaderID() != ""
}

// NodeState returns the consensus state code, StateAbsent when no node exists.
func (rs *ReplicationState) NodeState() types.NodeState {
	node := rs.raftNode()
	if node == nil {
		return types.StateAbsent
	}
	switch node.State() {
	case raft.Follower:
		return types.StateFollower
	case raft.Candidate:
		return types.StateCandidate
	case raft.Leader:
		return types.StateLeader
	case raft.Shutdown:
		return types.StateShutdown
	default:
		return types.StateAbsent
	}
}

// LeaderID returns the leader's node id triple, or "" when unknown.
func (rs *ReplicationState) LeaderID() string {
	node := rs.raftNode()
	if node == nil {
		return ""
	}
	_, id := node.LeaderWithID()
	return string(id)
}

// InitReadinessCount returns how many times init_db has succeeded.
func (rs *ReplicationState) InitReadinessCount() uint64 {
	return rs.readiness.Load()
}

// PendingWrites returns the number of in-flight leader writes.
func (rs *ReplicationState) PendingWrites() int {
	return rs.pending.size()
}

// TriggerSnapshot starts a snapshot and waits for it to finish.
func (rs *ReplicationState) TriggerSnapshot() error {
	node := rs.raftNode()
	if node == nil {
		return ErrNodeNotInitialized
	}
	return node.Snapshot().Error()
}

// TriggerElection makes the leader hand leadership off so an election runs.
// Followers cannot force an election through the consensus library.
func (rs *ReplicationState) TriggerElection() error {
	node := rs.raftNode()
	if node == nil {
		return ErrNodeNotInitialized
	}
	if node.State() != raft.Leader {
		return fmt.Errorf("%w: only the leader can trigger an election", ErrNotLeader)
	}
	return node.LeadershipTransfer().Error()
}

// PersistApplyingIndex writes the last applying log index into the store's
// meta area. Invoked by the crash hook so a crash inside the indexing path
// lets re-application resume from a safe point on next boot.
func (rs *ReplicationState) PersistApplyingIndex() {
	idx := rs.lastApplied.Load()
	if err := rs.store.Set(applyingIndexKey, []byte(strconv.FormatUint(idx, 10))); err != nil {
		rs.logger.Errorw("Failed to persist applying index", "index", idx, "error", err)
		return
	}
	rs.logger.Warnw("Persisted applying index", "index", idx)
}

// Shutdown stops the consensus node and releases storage. The apply loop
// observes the shutdown flag and abandons any remaining entries.
func (rs *ReplicationState) Shutdown() error {
	rs.shutdown.Store(true)
	rs.stopOnce.Do(func() { close(rs.stopCh) })

	var firstErr error
	if node := rs.raftNode(); node != nil {
		if err := node.Shutdown().Error(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rs.transport != nil {
		if err := rs.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rs.logStore != nil {
		if err := rs.logStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rs.stableStore != nil {
		if err := rs.stableStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := rs.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
