package replication

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/searchraft/searchraft/types"
)

// Metrics defines observability hooks for the replicated write path.
// All methods must be safe for concurrent use.
type Metrics interface {
	// IncrWrite counts write submissions by outcome
	// ("submitted", "forwarded", "rejected").
	IncrWrite(outcome string)

	// IncrApply counts applied log entries by success.
	IncrApply(success bool)

	// ObserveApplyLatency records the apply/worker rendezvous duration.
	ObserveApplyLatency(d time.Duration)

	// IncrForward counts leader-forwarded requests by method and upstream status.
	IncrForward(method string, status int)

	// IncrSnapshot counts snapshot save attempts by result.
	IncrSnapshot(success bool)

	// ObserveSnapshotSaveLatency records checkpoint-and-register duration.
	ObserveSnapshotSaveLatency(d time.Duration)

	// IncrPeerReset counts unsafe single-node peer resets.
	IncrPeerReset()

	// SetNodeState records the current consensus state.
	SetNodeState(state types.NodeState)

	// SetReadiness records the init readiness counter.
	SetReadiness(count uint64)
}

// NoOpMetrics provides a no-operation implementation of Metrics.
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new no-operation metrics implementation.
func NewNoOpMetrics() Metrics { return &NoOpMetrics{} }

func (*NoOpMetrics) IncrWrite(outcome string)                   {}
func (*NoOpMetrics) IncrApply(success bool)                     {}
func (*NoOpMetrics) ObserveApplyLatency(d time.Duration)        {}
func (*NoOpMetrics) IncrForward(method string, status int)      {}
func (*NoOpMetrics) IncrSnapshot(success bool)                  {}
func (*NoOpMetrics) ObserveSnapshotSaveLatency(d time.Duration) {}
func (*NoOpMetrics) IncrPeerReset()                             {}
func (*NoOpMetrics) SetNodeState(state types.NodeState)         {}
func (*NoOpMetrics) SetReadiness(count uint64)                  {}

// PromMetrics implements Metrics on a Prometheus registry.
type PromMetrics struct {
	nodeID string

	writeTotal      *prometheus.CounterVec
	applyTotal      *prometheus.CounterVec
	applyDuration   *prometheus.HistogramVec
	forwardTotal    *prometheus.CounterVec
	snapshotTotal   *prometheus.CounterVec
	snapshotSaveDur *prometheus.HistogramVec
	peerResetTotal  *prometheus.CounterVec
	nodeState       *prometheus.GaugeVec
	readiness       *prometheus.GaugeVec
}

// NewPromMetrics builds and registers the replication metric set.
func NewPromMetrics(reg prometheus.Registerer, nodeID string) (*PromMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMetrics{
		nodeID: nodeID,
		writeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "write_total",
				Help:      "Write submissions by outcome (submitted, forwarded, rejected).",
			},
			[]string{"node_id", "outcome"},
		),
		applyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "apply_total",
				Help:      "Applied log entries by result.",
			},
			[]string{"node_id", "result"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "apply_duration_seconds",
				Help:      "Time from posting an entry to the worker pool to its await gate firing.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"node_id"},
		),
		forwardTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "forward_total",
				Help:      "Requests relayed to the leader by method and upstream status.",
			},
			[]string{"node_id", "method", "status"},
		),
		snapshotTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "snapshot_total",
				Help:      "Snapshot save attempts by result.",
			},
			[]string{"node_id", "result"},
		),
		snapshotSaveDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "snapshot_save_duration_seconds",
				Help:      "Duration of checkpoint creation and snapshot file registration.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"node_id"},
		),
		peerResetTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "peer_reset_total",
				Help:      "Unsafe single-node peer resets performed for IP-change recovery.",
			},
			[]string{"node_id"},
		),
		nodeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "node_state",
				Help:      "Consensus node state code (0 absent, 1 follower, 2 candidate, 3 leader, 4 shutdown).",
			},
			[]string{"node_id"},
		),
		readiness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "searchraft",
				Subsystem: "replication",
				Name:      "init_readiness_count",
				Help:      "Times the local store has been (re)opened with collections loaded.",
			},
			[]string{"node_id"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.writeTotal, m.applyTotal, m.applyDuration, m.forwardTotal,
		m.snapshotTotal, m.snapshotSaveDur, m.peerResetTotal, m.nodeState, m.readiness,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMetrics) IncrWrite(outcome string) {
	m.writeTotal.WithLabelValues(m.nodeID, outcome).Inc()
}

func (m *PromMetrics) IncrApply(success bool) {
	m.applyTotal.WithLabelValues(m.nodeID, resultString(success)).Inc()
}

func (m *PromMetrics) ObserveApplyLatency(d time.Duration) {
	m.applyDuration.WithLabelValues(m.nodeID).Observe(d.Seconds())
}

func (m *PromMetrics) IncrForward(method string, status int) {
	m.forwardTotal.WithLabelValues(m.nodeID, method, statusClass(status)).Inc()
}

func (m *PromMetrics) IncrSnapshot(success bool) {
	m.snapshotTotal.WithLabelValues(m.nodeID, resultString(success)).Inc()
}

func (m *PromMetrics) ObserveSnapshotSaveLatency(d time.Duration) {
	m.snapshotSaveDur.WithLabelValues(m.nodeID).Observe(d.Seconds())
}

func (m *PromMetrics) IncrPeerReset() {
	m.peerResetTotal.WithLabelValues(m.nodeID).Inc()
}

func (m *PromMetrics) SetNodeState(state types.NodeState) {
	m.nodeState.WithLabelValues(m.nodeID).Set(float64(state))
}

func (m *PromMetrics) SetReadiness(count uint64) {
	m.readiness.WithLabelValues(m.nodeID).Set(float64(count))
}

func resultString(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
