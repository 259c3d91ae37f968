package replication

import (
	"fmt"
	"time"

	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/types"
)

const (
	DefaultElectionTimeout   = 1000 * time.Millisecond
	DefaultSnapshotInterval  = 3600 * time.Second
	DefaultSubmitTimeout     = 10 * time.Second
	DefaultApplyEntryTimeout = 60 * time.Second
	DefaultForwardTimeout    = 60 * time.Second
	DefaultForwardPoolSize   = 8
	DefaultSnapshotRetain    = 2
)

// Config holds the settings of the replication state machine.
type Config struct {
	// Identity is this node's `ip:peering_port:api_port` identity. The
	// whole triple is the node id within the consensus group.
	Identity types.NodeIdentity

	// Nodes is the operator-supplied cluster configuration string
	// (comma-separated identity triples). Empty means single-node.
	Nodes string

	// RaftDir holds the consensus log, meta and snapshot sub-directories.
	RaftDir string

	ElectionTimeout  time.Duration // Leader election timeout
	SnapshotInterval time.Duration // Periodic snapshot interval

	// CreateInitDBSnapshot upgrades a previously stand-alone store into a
	// replicated one: the existing data is kept and snapshotted once the
	// first leader is elected.
	CreateInitDBSnapshot bool

	SubmitTimeout     time.Duration // Max time to enqueue a write into the log
	ApplyEntryTimeout time.Duration // Bounded wait on the apply/worker gate
	ForwardTimeout    time.Duration // HTTP client timeout for forwarded writes
	ForwardPoolSize   int           // Concurrent leader-forwarding slots

	SnapshotRetain int // Snapshots kept on disk

	Logger  logger.Logger
	Metrics Metrics
}

// DefaultConfig returns a Config pre-populated with safe defaults.
// Callers must set Identity and RaftDir.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:   DefaultElectionTimeout,
		SnapshotInterval:  DefaultSnapshotInterval,
		SubmitTimeout:     DefaultSubmitTimeout,
		ApplyEntryTimeout: DefaultApplyEntryTimeout,
		ForwardTimeout:    DefaultForwardTimeout,
		ForwardPoolSize:   DefaultForwardPoolSize,
		SnapshotRetain:    DefaultSnapshotRetain,
		Logger:            logger.NewNoOpLogger(),
		Metrics:           NewNoOpMetrics(),
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Identity.PeeringIP == "" || c.Identity.PeeringPort == 0 || c.Identity.APIPort == 0 {
		return fmt.Errorf("replication: config: Identity must be fully specified")
	}
	if c.RaftDir == "" {
		return fmt.Errorf("replication: config: RaftDir cannot be empty")
	}
	if c.ElectionTimeout <= 0 {
		return fmt.Errorf("replication: config: ElectionTimeout must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("replication: config: SnapshotInterval must be positive")
	}
	if c.ApplyEntryTimeout <= 0 {
		return fmt.Errorf("replication: config: ApplyEntryTimeout must be positive")
	}
	if c.ForwardPoolSize <= 0 {
		return fmt.Errorf("replication: config: ForwardPoolSize must be positive")
	}
	if c.Nodes != "" {
		if _, err := types.ParseClusterConfig(c.Nodes); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigParse, err)
		}
	}
	return nil
}

// effectiveClusterConfig derives the initial cluster configuration: the
// operator string when given, otherwise a singleton of the local identity.
func (c *Config) effectiveClusterConfig() (types.ClusterConfig, error) {
	if c.Nodes == "" {
		return types.ClusterConfig{c.Identity}, nil
	}
	conf, err := types.ParseClusterConfig(c.Nodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	return conf, nil
}
