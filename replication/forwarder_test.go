package replication

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/searchraft/searchraft/httpapi"
	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/testutil"
	"github.com/searchraft/searchraft/types"
)

func newForwarderFixture(t *testing.T) *Forwarder {
	t.Helper()
	d := httpapi.NewDispatcher(httpapi.NewRouter(), 2, 8, logger.NewNoOpLogger())
	t.Cleanup(d.Stop)

	cfg := DefaultConfig()
	cfg.Logger = logger.NewNoOpLogger()
	cfg.ForwardTimeout = 5 * time.Second
	return NewForwarder(d, cfg)
}

// leaderIDFor converts an httptest server URL into an `ip:peering:api`
// leader id whose api port points at the test server.
func leaderIDFor(t *testing.T, serverURL string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	testutil.RequireNoError(t, err)
	return fmt.Sprintf("%s:7100:%s", u.Hostname(), u.Port())
}

func waitReady(t *testing.T, res *httpapi.Response) {
	t.Helper()
	select {
	case <-res.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("response never became ready")
	}
}

func TestForwardNoLeader(t *testing.T) {
	f := newForwarderFixture(t)

	req := &httpapi.Request{
		ID: "r1", Method: http.MethodPost, Path: "/collections",
		Body: []byte("{}"), InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()

	f.Forward(req, res, "")
	waitReady(t, res)

	testutil.AssertEqual(t, http.StatusInternalServerError, res.Status)
	testutil.AssertContains(t, string(res.Body), "Could not find a leader.")
	testutil.AssertEqual(t, types.RouteAlreadyHandled, req.RouteHash, "completion must be marked already handled")
}

func TestForwardNoLeaderStreamingInFlight(t *testing.T) {
	f := newForwarderFixture(t)

	req := &httpapi.Request{
		ID: "r1", Method: http.MethodPost, Path: "/collections/c/documents/import",
		ProceedReq: true, InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()
	res.ProxiedStream = true

	f.Forward(req, res, "")

	// The in-flight stream is terminated through the input gate; no
	// response is written.
	testutil.AssertTrue(t, req.InputGate.Fired())
	select {
	case <-res.Ready():
		t.Fatal("no response must be delivered for an in-flight stream")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForwardInFlightStreamWithLeader(t *testing.T) {
	f := newForwarderFixture(t)

	req := &httpapi.Request{
		ID: "r1", Method: http.MethodPost, Path: "/collections/c/documents/import",
		ProceedReq: true, InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()
	res.ProxiedStream = true

	f.Forward(req, res, "10.0.0.1:7100:8108")
	testutil.AssertTrue(t, req.InputGate.Fired(), "body pumping must resume")
}

func TestForwardSyncPost(t *testing.T) {
	var gotBody string
	var gotPath string
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"name":"c"}`))
	}))
	defer leader.Close()

	f := newForwarderFixture(t)
	req := &httpapi.Request{
		ID: "r1", Method: http.MethodPost, Path: "/collections", RawQuery: "x=1",
		Headers:   []httpapi.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:      []byte(`{"name":"c"}`),
		InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()

	f.Forward(req, res, leaderIDFor(t, leader.URL))
	waitReady(t, res)

	// Status, body and content type of the leader's response are copied.
	testutil.AssertEqual(t, http.StatusCreated, res.Status)
	testutil.AssertEqual(t, `{"name":"c"}`, string(res.Body))
	testutil.AssertEqual(t, "application/json", res.ContentType)
	testutil.AssertEqual(t, `{"name":"c"}`, gotBody)
	testutil.AssertEqual(t, "/collections?x=1", gotPath)
}

func TestForwardSyncDelete(t *testing.T) {
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer leader.Close()

	f := newForwarderFixture(t)
	req := &httpapi.Request{
		ID: "r1", Method: http.MethodDelete, Path: "/collections/c/documents/1",
		InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()

	f.Forward(req, res, leaderIDFor(t, leader.URL))
	waitReady(t, res)
	testutil.AssertEqual(t, http.StatusOK, res.Status)
}

func TestForwardUnsupportedMethod(t *testing.T) {
	f := newForwarderFixture(t)
	req := &httpapi.Request{
		ID: "r1", Method: http.MethodPatch, Path: "/collections/c/documents/1",
		InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()

	f.Forward(req, res, "10.0.0.1:7100:8108")
	waitReady(t, res)

	testutil.AssertEqual(t, http.StatusInternalServerError, res.Status)
	testutil.AssertContains(t, string(res.Body), "not implemented")
}

func TestForwardTransportFailure(t *testing.T) {
	f := newForwarderFixture(t)
	req := &httpapi.Request{
		ID: "r1", Method: http.MethodPost, Path: "/collections",
		Body: []byte("{}"), InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()

	// Nothing listens on this port.
	f.Forward(req, res, "127.0.0.1:7100:1")
	waitReady(t, res)
	testutil.AssertEqual(t, http.StatusInternalServerError, res.Status)
}

func TestForwardStreamingImport(t *testing.T) {
	lines := strings.Repeat(`{"id":"1"}`+"\n", 1000)
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		testutil.AssertEqual(t, len(lines), len(body))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat(`{"success":true}`+"\n", 1000)))
	}))
	defer leader.Close()

	f := newForwarderFixture(t)

	rec := httptest.NewRecorder()
	req := &httpapi.Request{
		ID: "r1", Method: http.MethodPost, Path: "/collections/c/documents/import",
		Headers:   []httpapi.Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:      []byte(lines),
		InputGate: httpapi.NewGate(),
	}
	res := httpapi.NewResponse()
	res.Generator = rec

	f.Forward(req, res, leaderIDFor(t, leader.URL))
	waitReady(t, res)

	// Ownership transferred to the proxy: bytes went through the generator.
	testutil.AssertTrue(t, res.ProxiedStream)
	testutil.AssertEqual(t, http.StatusOK, rec.Code)
	testutil.AssertContains(t, rec.Body.String(), `"success":true`)
	testutil.AssertEqual(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestIsImportPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/collections/c/documents/import", true},
		{"/collections/c/documents/import_batch", true},
		{"/collections/c/documents", false},
		{"/collections", false},
		{"/", false},
	}
	for _, tt := range tests {
		testutil.AssertEqual(t, tt.expected, isImportPath(tt.path), "path %s", tt.path)
	}
}

func TestSplitLeaderID(t *testing.T) {
	host, apiPort, err := splitLeaderID("10.0.0.5:7100:8108")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, "10.0.0.5", host)
	testutil.AssertEqual(t, "8108", apiPort)

	_, _, err = splitLeaderID("10.0.0.5:7100")
	testutil.AssertError(t, err)
}
