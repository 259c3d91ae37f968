package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/searchraft/searchraft/collection"
	"github.com/searchraft/searchraft/httpapi"
	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/replication"
	"github.com/searchraft/searchraft/store"
	"github.com/searchraft/searchraft/types"
)

// currentReplication is the process-wide handle the crash hook reads under
// an atomic load; it is set during startup and cleared at shutdown.
var currentReplication atomic.Pointer[replication.ReplicationState]

type options struct {
	apiAddr              string
	apiPort              int
	peeringAddr          string
	peeringPort          int
	dataDir              string
	nodes                string
	nodesFile            string
	logLevel             string
	electionTimeoutMs    int
	snapshotIntervalS    int
	createInitDBSnapshot bool
	refreshIntervalS     int
	workers              int
}

// envString lets every flag be supplied as a SEARCHRAFT_* environment
// variable; command line arguments take precedence.
func envString(key, fallback string) string {
	if v := os.Getenv("SEARCHRAFT_" + key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv("SEARCHRAFT_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv("SEARCHRAFT_" + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func parseOptions() options {
	var o options
	flag.StringVar(&o.apiAddr, "api-address", envString("API_ADDRESS", "0.0.0.0"), "address the HTTP API binds to")
	flag.IntVar(&o.apiPort, "api-port", envInt("API_PORT", 8108), "port the HTTP API listens on")
	flag.StringVar(&o.peeringAddr, "peering-address", envString("PEERING_ADDRESS", "127.0.0.1"), "address peers reach this node at")
	flag.IntVar(&o.peeringPort, "peering-port", envInt("PEERING_PORT", 7100), "port used for consensus traffic")
	flag.StringVar(&o.dataDir, "data-dir", envString("DATA_DIR", "/var/lib/searchraft"), "directory for store and consensus state")
	flag.StringVar(&o.nodes, "nodes", envString("NODES", ""), "comma-separated ip:peering_port:api_port triples")
	flag.StringVar(&o.nodesFile, "nodes-file", envString("NODES_FILE", ""), "file holding the nodes string, re-read periodically")
	flag.StringVar(&o.logLevel, "log-level", envString("LOG_LEVEL", "info"), "minimum log level")
	flag.IntVar(&o.electionTimeoutMs, "election-timeout-ms", envInt("ELECTION_TIMEOUT_MS", 1000), "leader election timeout in milliseconds")
	flag.IntVar(&o.snapshotIntervalS, "snapshot-interval-s", envInt("SNAPSHOT_INTERVAL_S", 3600), "snapshot interval in seconds")
	flag.BoolVar(&o.createInitDBSnapshot, "create-init-db-snapshot", envBool("CREATE_INIT_DB_SNAPSHOT", false), "snapshot a pre-existing stand-alone store after leader election")
	flag.IntVar(&o.refreshIntervalS, "refresh-interval-s", envInt("REFRESH_INTERVAL_S", 30), "nodes-file refresh interval in seconds")
	flag.IntVar(&o.workers, "workers", envInt("WORKERS", 4), "mutation worker pool size")
	flag.Parse()
	return o
}

func main() {
	o := parseOptions()
	log := logger.NewStdLogger(o.logLevel)

	if o.nodes == "" && o.nodesFile != "" {
		if content, err := os.ReadFile(o.nodesFile); err == nil {
			o.nodes = strings.TrimSpace(string(content))
		} else {
			log.Warnw("Could not read nodes file", "path", o.nodesFile, "error", err)
		}
	}

	identity := types.NodeIdentity{
		PeeringIP:   o.peeringAddr,
		PeeringPort: o.peeringPort,
		APIPort:     o.apiPort,
	}

	st := store.New(filepath.Join(o.dataDir, "state"), log)
	cm := collection.NewManager(st, log)

	router := httpapi.NewRouter()
	httpapi.NewHandlers(cm, log).RegisterRoutes(router)

	registry := prometheus.NewRegistry()
	metrics, err := replication.NewPromMetrics(registry, identity.String())
	if err != nil {
		log.Fatalw("Failed to register metrics", "error", err)
	}

	dispatcher := httpapi.NewDispatcher(router, o.workers, 4*o.workers, log,
		httpapi.WithCrashHook(func(arg *httpapi.ApplyArg, cause any) {
			if rs := currentReplication.Load(); rs != nil {
				rs.PersistApplyingIndex()
			}
		}))

	replCfg := replication.DefaultConfig()
	replCfg.Identity = identity
	replCfg.Nodes = o.nodes
	replCfg.RaftDir = filepath.Join(o.dataDir, "raft")
	replCfg.ElectionTimeout = time.Duration(o.electionTimeoutMs) * time.Millisecond
	replCfg.SnapshotInterval = time.Duration(o.snapshotIntervalS) * time.Second
	replCfg.CreateInitDBSnapshot = o.createInitDBSnapshot
	replCfg.Logger = log
	replCfg.Metrics = metrics

	rs, err := replication.NewReplicationState(replCfg, st, cm, dispatcher)
	if err != nil {
		log.Fatalw("Invalid replication configuration", "error", err)
	}
	if err := rs.Start(); err != nil {
		log.Fatalw("Failed to start replication", "error", err)
	}
	currentReplication.Store(rs)

	srvCfg := httpapi.DefaultServerConfig()
	srvCfg.ListenAddress = fmt.Sprintf("%s:%d", o.apiAddr, o.apiPort)
	srvCfg.Logger = log
	srvCfg.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	srv, err := httpapi.NewServer(srvCfg, router, rs)
	if err != nil {
		log.Fatalw("Invalid server configuration", "error", err)
	}

	stopRefresh := make(chan struct{})
	if o.nodesFile != "" {
		go refreshNodesLoop(rs, o.nodesFile, time.Duration(o.refreshIntervalS)*time.Second, log, stopRefresh)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.Infow("Shutting down", "signal", s.String())

		close(stopRefresh)
		if err := srv.Stop(); err != nil {
			log.Errorw("HTTP shutdown failed", "error", err)
		}
		currentReplication.Store(nil)
		if err := rs.Shutdown(); err != nil {
			log.Errorw("Replication shutdown failed", "error", err)
		}
		dispatcher.Stop()
	}()

	if err := srv.Start(); err != nil {
		log.Fatalw("HTTP server failed", "error", err)
	}
}

// refreshNodesLoop re-reads the nodes file and feeds changes into the
// membership refresh path, covering peers whose IPs change underneath a
// stable configuration file.
func refreshNodesLoop(rs *replication.ReplicationState, path string, interval time.Duration, log logger.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ticker.C:
			content, err := os.ReadFile(path)
			if err != nil {
				log.Warnw("Could not read nodes file", "path", path, "error", err)
				continue
			}
			nodes := strings.TrimSpace(string(content))
			if nodes == "" || nodes == last {
				continue
			}
			last = nodes
			if err := rs.RefreshNodes(nodes); err != nil {
				log.Errorw("Nodes refresh failed", "nodes", nodes, "error", err)
			}
		case <-stop:
			return
		}
	}
}
