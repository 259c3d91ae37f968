package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/testutil"
	"github.com/searchraft/searchraft/types"
)

// fakeReplicator applies writes inline through the route table, standing in
// for the consensus round trip.
type fakeReplicator struct {
	router    *Router
	alive     bool
	leaderID  string
	readiness uint64
	snapErr   error
	lastNodes string
	writes    int
}

func (f *fakeReplicator) Write(req *Request, res *Response) {
	f.writes++
	route, ok := f.router.FindByHash(req.RouteHash)
	if !ok {
		res.SetError(http.StatusNotFound, "Not found.")
		res.MarkReady()
		return
	}
	route.Handler(req, route.PathParams(req.Path), res)
	res.MarkReady()
}

func (f *fakeReplicator) IsAlive() bool              { return f.alive }
func (f *fakeReplicator) NodeState() types.NodeState { return types.StateLeader }
func (f *fakeReplicator) LeaderID() string           { return f.leaderID }
func (f *fakeReplicator) InitReadinessCount() uint64 { return f.readiness }
func (f *fakeReplicator) TriggerSnapshot() error     { return f.snapErr }
func (f *fakeReplicator) TriggerElection() error     { return nil }
func (f *fakeReplicator) RefreshNodes(nodes string) error {
	f.lastNodes = nodes
	if nodes == "" {
		return types.ErrMalformedNodeConfig
	}
	return nil
}

func newServerFixture(t *testing.T, mutate Handler) (*Server, *fakeReplicator) {
	t.Helper()
	rt := NewRouter()
	rt.Register(http.MethodPost, "/collections", mutate, true)
	rt.Register(http.MethodGet, "/collections", func(_ *Request, _ Params, res *Response) {
		res.SetJSON(http.StatusOK, []string{"c1"})
	}, false)

	repl := &fakeReplicator{router: rt, alive: true, leaderID: "10.0.0.1:7100:8108", readiness: 1}

	cfg := DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Logger = logger.NewNoOpLogger()
	cfg.RequestTimeout = 2 * time.Second

	srv, err := NewServer(cfg, rt, repl)
	testutil.RequireNoError(t, err)
	return srv, repl
}

func TestServerServesReadsLocally(t *testing.T) {
	srv, repl := newServerFixture(t, noopHandler)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/collections", nil))

	testutil.AssertEqual(t, http.StatusOK, rec.Code)
	testutil.AssertContains(t, rec.Body.String(), "c1")
	testutil.AssertEqual(t, 0, repl.writes, "reads must not go through the log")
}

func TestServerSubmitsWrites(t *testing.T) {
	srv, repl := newServerFixture(t, func(req *Request, _ Params, res *Response) {
		res.SetBody(http.StatusCreated, req.Body)
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collections", strings.NewReader(`{"name":"c"}`)))

	testutil.AssertEqual(t, http.StatusCreated, rec.Code)
	testutil.AssertContains(t, rec.Body.String(), `"name":"c"`)
	testutil.AssertEqual(t, 1, repl.writes)
}

func TestServerUnknownRoute(t *testing.T) {
	srv, _ := newServerFixture(t, noopHandler)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/aliases", nil))
	testutil.AssertEqual(t, http.StatusNotFound, rec.Code)
}

func TestServerHealth(t *testing.T) {
	srv, repl := newServerFixture(t, noopHandler)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertEqual(t, http.StatusOK, rec.Code)

	repl.alive = false
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertEqual(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerStatus(t *testing.T) {
	srv, _ := newServerFixture(t, noopHandler)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	testutil.AssertEqual(t, http.StatusOK, rec.Code)

	var body map[string]any
	testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	testutil.AssertEqual(t, "Leader", body["state"])
	testutil.AssertEqual(t, "10.0.0.1:7100:8108", body["leader"])
	testutil.AssertEqual(t, float64(1), body["init_readiness_count"])
}

func TestServerSnapshotOperation(t *testing.T) {
	srv, repl := newServerFixture(t, noopHandler)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/operations/snapshot", nil))
	testutil.AssertEqual(t, http.StatusCreated, rec.Code)

	repl.snapErr = errors.New("no leader")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/operations/snapshot", nil))
	testutil.AssertEqual(t, http.StatusInternalServerError, rec.Code)
}

func TestServerConfigEndpoint(t *testing.T) {
	srv, repl := newServerFixture(t, noopHandler)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/config",
		strings.NewReader(`{"nodes":"10.0.0.9:7100:8108"}`)))
	testutil.AssertEqual(t, http.StatusOK, rec.Code)
	testutil.AssertEqual(t, "10.0.0.9:7100:8108", repl.lastNodes)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(`garbage`)))
	testutil.AssertEqual(t, http.StatusBadRequest, rec.Code)
}

func TestServerRateLimit(t *testing.T) {
	rt := NewRouter()
	rt.Register(http.MethodPost, "/collections", func(_ *Request, _ Params, res *Response) {
		res.SetBody(http.StatusCreated, nil)
	}, true)
	repl := &fakeReplicator{router: rt, alive: true}

	cfg := DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Logger = logger.NewNoOpLogger()
	cfg.EnableRateLimit = true
	cfg.RateLimit = 1
	cfg.RateLimitBurst = 1
	cfg.RateLimitWindow = time.Hour

	srv, err := NewServer(cfg, rt, repl)
	testutil.RequireNoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collections", strings.NewReader("{}")))
	testutil.AssertEqual(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collections", strings.NewReader("{}")))
	testutil.AssertEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestServerConfigValidation(t *testing.T) {
	cfg := DefaultServerConfig()
	_, err := NewServer(cfg, NewRouter(), &fakeReplicator{})
	testutil.AssertError(t, err, "missing listen address must fail validation")
}

func TestCopyHeadersDeterministic(t *testing.T) {
	h := http.Header{}
	h.Set("Zeta", "1")
	h.Set("Alpha", "2")
	h.Add("Alpha", "3")

	out := copyHeaders(h)
	testutil.AssertEqual(t, []Header{
		{Name: "Alpha", Value: "2"},
		{Name: "Alpha", Value: "3"},
		{Name: "Zeta", Value: "1"},
	}, out)
}
