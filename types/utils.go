package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedNodeConfig is returned when a nodes string cannot be parsed
// into `ip:peering_port:api_port` triples.
var ErrMalformedNodeConfig = errors.New("types: malformed nodes configuration")

// String renders the identity in the canonical `ip:peering_port:api_port`
// form used in nodes strings and as the consensus node id.
func (n NodeIdentity) String() string {
	return fmt.Sprintf("%s:%d:%d", n.PeeringIP, n.PeeringPort, n.APIPort)
}

// PeeringAddress returns the `ip:port` endpoint consensus traffic binds to.
func (n NodeIdentity) PeeringAddress() string {
	return fmt.Sprintf("%s:%d", n.PeeringIP, n.PeeringPort)
}

// APIAddress returns the `ip:port` endpoint the HTTP API is reachable at.
func (n NodeIdentity) APIAddress() string {
	return fmt.Sprintf("%s:%d", n.PeeringIP, n.APIPort)
}

// ParseNodeIdentity parses a single `ip:peering_port:api_port` triple.
func ParseNodeIdentity(s string) (NodeIdentity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return NodeIdentity{}, fmt.Errorf("%w: %q must have 3 colon-separated fields", ErrMalformedNodeConfig, s)
	}
	if parts[0] == "" {
		return NodeIdentity{}, fmt.Errorf("%w: %q has an empty host", ErrMalformedNodeConfig, s)
	}

	peeringPort, err := strconv.Atoi(parts[1])
	if err != nil || peeringPort <= 0 || peeringPort > 65535 {
		return NodeIdentity{}, fmt.Errorf("%w: %q has an invalid peering port", ErrMalformedNodeConfig, s)
	}

	apiPort, err := strconv.Atoi(parts[2])
	if err != nil || apiPort <= 0 || apiPort > 65535 {
		return NodeIdentity{}, fmt.Errorf("%w: %q has an invalid api port", ErrMalformedNodeConfig, s)
	}

	return NodeIdentity{PeeringIP: parts[0], PeeringPort: peeringPort, APIPort: apiPort}, nil
}

// ParseClusterConfig parses a comma-separated list of
// `ip:peering_port:api_port` triples into a ClusterConfig.
func ParseClusterConfig(nodes string) (ClusterConfig, error) {
	nodes = strings.TrimSpace(nodes)
	if nodes == "" {
		return nil, fmt.Errorf("%w: empty nodes string", ErrMalformedNodeConfig)
	}

	var conf ClusterConfig
	for _, part := range strings.Split(nodes, ",") {
		id, err := ParseNodeIdentity(part)
		if err != nil {
			return nil, err
		}
		conf = append(conf, id)
	}
	return conf, nil
}

// String renders the configuration back into the nodes-string syntax.
func (c ClusterConfig) String() string {
	parts := make([]string, 0, len(c))
	for _, n := range c {
		parts = append(parts, n.String())
	}
	return strings.Join(parts, ",")
}

// IsSingleton reports whether the configuration names exactly one node.
// The unsafe peer-reset recovery path is only permitted for singletons.
func (c ClusterConfig) IsSingleton() bool {
	return len(c) == 1
}

// String helps with making node state values readable in logs and status output.
func (s NodeState) String() string {
	switch s {
	case StateAbsent:
		return "Absent"
	case StateFollower:
		return "Follower"
	case StateCandidate:
		return "Candidate"
	case StateLeader:
		return "Leader"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}
