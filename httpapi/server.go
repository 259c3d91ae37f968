package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/searchraft/searchraft/logger"
)

// Server binds the route table and the replication layer to an HTTP
// listener. Reads are served from the local store; mutations are submitted
// through the Replicator and answered once applied (or forwarded).
type Server struct {
	cfg     ServerConfig
	router  *Router
	repl    Replicator
	limiter RateLimiter
	logger  logger.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the server. The router must already have its routes
// registered.
func NewServer(cfg ServerConfig, router *Router, repl Replicator) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var rl RateLimiter = noopRateLimiter{}
	if cfg.EnableRateLimit {
		rl = NewTokenBucketRateLimiter(cfg.RateLimit, cfg.RateLimitBurst, cfg.RateLimitWindow, cfg.Logger)
	}

	s := &Server{
		cfg:     cfg,
		router:  router,
		repl:    repl,
		limiter: rl,
		logger:  cfg.Logger.WithComponent("httpapi"),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: s,
	}
	return s, nil
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.logger.Infow("HTTP API listening", "address", s.cfg.ListenAddress)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP routes admin endpoints, then read routes, then mutations.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.serveAdmin(w, r) {
		return
	}

	route, params, ok := s.router.Find(r.Method, r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not found."})
		return
	}

	if !route.Mutating {
		s.serveRead(w, r, route, params)
		return
	}
	s.serveWrite(w, r, route)
}

// serveRead executes a non-mutating route directly against local state.
func (s *Server) serveRead(w http.ResponseWriter, r *http.Request, route *Route, params Params) {
	req := &Request{
		ID:        NewRequestID(),
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Headers:   copyHeaders(r.Header),
		RouteHash: route.Hash,
		Upstream:  r,
		InputGate: NewGate(),
	}
	res := NewResponse()
	route.Handler(req, params, res)
	writeResponse(w, res)
}

// serveWrite builds the transportable request and hands it to the
// replication layer, then waits for the response to become ready.
func (s *Server) serveWrite(w http.ResponseWriter, r *http.Request, route *Route) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": ErrRateLimited.Error()})
		return
	}

	req := &Request{
		ID:        NewRequestID(),
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Headers:   copyHeaders(r.Header),
		RouteHash: route.Hash,
		Upstream:  r,
		InputGate: NewGate(),
	}

	// Streaming routes keep the body on the upstream request so followers
	// can relay it without buffering; the leader reads it at submit time.
	if !route.Streaming {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Failed to read request body."})
			return
		}
		req.Body = body
	}

	res := NewResponse()
	res.Generator = w

	s.repl.Write(req, res)

	select {
	case <-res.Ready():
	case <-r.Context().Done():
		s.logger.Warnw("Client went away while write was in flight", "path", req.Path)
		return
	case <-time.After(s.cfg.RequestTimeout):
		s.logger.Errorw("Write timed out", "path", req.Path)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "Write timed out."})
		return
	}

	if res.ProxiedStream {
		// Bytes already went out through the generator.
		return
	}
	writeResponse(w, res)
}

// serveAdmin handles the operational endpoints. Returns true if handled.
func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request) bool {
	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet {
			return false
		}
		if s.repl.IsAlive() {
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		} else {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
		}
		return true

	case "/status":
		if r.Method != http.MethodGet {
			return false
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":                s.repl.NodeState().String(),
			"leader":               s.repl.LeaderID(),
			"init_readiness_count": s.repl.InitReadinessCount(),
		})
		return true

	case "/stats.json":
		if r.Method != http.MethodGet {
			return false
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		})
		return true

	case "/metrics":
		if r.Method != http.MethodGet || s.cfg.MetricsHandler == nil {
			return false
		}
		s.cfg.MetricsHandler.ServeHTTP(w, r)
		return true

	case "/operations/snapshot":
		if r.Method != http.MethodPost {
			return false
		}
		if err := s.repl.TriggerSnapshot(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return true
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
		return true

	case "/operations/vote":
		if r.Method != http.MethodPost {
			return false
		}
		if err := s.repl.TriggerElection(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return true
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return true

	case "/config":
		if r.Method != http.MethodPost {
			return false
		}
		var body struct {
			Nodes string `json:"nodes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid config body."})
			return true
		}
		if err := s.repl.RefreshNodes(body.Nodes); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return true
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return true
	}
	return false
}

// copyHeaders flattens an http.Header into an ordered slice. Names are
// sorted so the encoded log payload is deterministic for a given request.
func copyHeaders(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Header
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

func writeResponse(w http.ResponseWriter, res *Response) {
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
