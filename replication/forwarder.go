package replication

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/searchraft/searchraft/httpapi"
	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/types"
)

// Forwarder relays mutating requests received on a follower to the current
// leader over HTTP. Bulk imports are streamed through without buffering;
// everything else is relayed synchronously and the leader's response copied
// back. Errors from the leader become the client's response; this layer
// never retries.
type Forwarder struct {
	client     *http.Client
	dispatcher *httpapi.Dispatcher
	logger     logger.Logger
	metrics    Metrics
	scheme     string
	slots      chan struct{}
}

// NewForwarder returns a forwarder with a bounded relay pool.
func NewForwarder(dispatcher *httpapi.Dispatcher, cfg Config) *Forwarder {
	return &Forwarder{
		client:     &http.Client{Timeout: cfg.ForwardTimeout},
		dispatcher: dispatcher,
		logger:     cfg.Logger.WithComponent("forwarder"),
		metrics:    cfg.Metrics,
		scheme:     "http",
		slots:      make(chan struct{}, cfg.ForwardPoolSize),
	}
}

// Forward applies the follower-write policy. leaderID is the leader's
// `ip:peering_port:api_port` node id, or "" when no leader is known.
func (f *Forwarder) Forward(req *httpapi.Request, res *httpapi.Response, leaderID string) {
	if leaderID == "" {
		f.logger.Errorw("Rejecting write: could not find a leader.", "path", req.Path)

		if req.ProceedReq && res.ProxiedStream {
			// streaming in progress: ensure graceful termination (cannot start response again)
			f.logger.Errorw("Terminating streaming request gracefully.", "path", req.Path)
			req.InputGate.Notify()
			return
		}

		res.Set500("Could not find a leader.")
		f.complete(req, res)
		return
	}

	if req.ProceedReq && res.ProxiedStream {
		// Async body of an in-flight proxied request: resume the body pump;
		// the full-body dispatch re-enters Forward.
		f.logger.Infow("Inflight proxied request, returning control to caller.", "path", req.Path)
		req.InputGate.Notify()
		return
	}

	host, apiPort, err := splitLeaderID(leaderID)
	if err != nil {
		f.logger.Errorw("Malformed leader id", "leader", leaderID, "error", err)
		res.Set500("Could not resolve the leader address.")
		f.complete(req, res)
		return
	}

	url := fmt.Sprintf("%s://%s:%s%s", f.scheme, host, apiPort, req.Path)
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}
	f.logger.Infow("Redirecting write to leader.", "url", url)

	f.slots <- struct{}{}
	go func() {
		defer func() { <-f.slots }()
		f.relay(req, res, url)
	}()
}

// relay performs the actual HTTP exchange with the leader on a pool slot.
func (f *Forwarder) relay(req *httpapi.Request, res *httpapi.Response, url string) {
	switch req.Method {
	case http.MethodPost:
		if isImportPath(req.Path) {
			f.relayStream(req, res, url)
			return
		}
		f.relaySync(req, res, url)
	case http.MethodPut, http.MethodDelete:
		f.relaySync(req, res, url)
	default:
		err := fmt.Sprintf("Forwarding for http method not implemented: %s", req.Method)
		f.logger.Errorw(err, "path", req.Path)
		res.Set500(err)
		f.complete(req, res)
	}
}

// relayStream proxies a bulk import: the body is pumped to the leader as it
// arrives, and the leader's response bytes are streamed back to the client.
// Ownership of response delivery transfers to this proxy; the completion
// message only triggers disposal.
func (f *Forwarder) relayStream(req *httpapi.Request, res *httpapi.Response, url string) {
	body := f.bodyReader(req)

	upstream, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		res.Set500(err.Error())
		f.complete(req, res)
		return
	}
	if ct := req.Header("Content-Type"); ct != "" {
		upstream.Header.Set("Content-Type", ct)
	}

	resp, err := f.client.Do(upstream)
	if err != nil {
		f.logger.Errorw("Streaming relay failed before any bytes were sent back.", "url", url, "error", err)
		f.metrics.IncrForward(req.Method, http.StatusInternalServerError)
		res.Set500(err.Error())
		f.complete(req, res)
		return
	}
	defer resp.Body.Close()

	res.ProxiedStream = true
	res.AutoDispose = false
	res.Status = resp.StatusCode
	f.metrics.IncrForward(req.Method, resp.StatusCode)

	if g := res.Generator; g != nil {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			g.Header().Set("Content-Type", ct)
		}
		g.WriteHeader(resp.StatusCode)
		copyFlush(g, resp.Body)
	}

	f.logger.Infow("Import call done.", "url", url, "status", resp.StatusCode)
	f.complete(req, res)
}

// relaySync forwards the buffered request and copies status, body and
// content type of the leader's response into the follower's response.
func (f *Forwarder) relaySync(req *httpapi.Request, res *httpapi.Response, url string) {
	upstream, err := http.NewRequest(req.Method, url, f.bodyReader(req))
	if err != nil {
		res.Set500(err.Error())
		f.complete(req, res)
		return
	}
	if ct := req.Header("Content-Type"); ct != "" {
		upstream.Header.Set("Content-Type", ct)
	}

	resp, err := f.client.Do(upstream)
	if err != nil {
		f.logger.Errorw("Relay to leader failed.", "url", url, "error", err)
		f.metrics.IncrForward(req.Method, http.StatusInternalServerError)
		res.Set500(err.Error())
		f.complete(req, res)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Set500(err.Error())
		f.complete(req, res)
		return
	}

	f.metrics.IncrForward(req.Method, resp.StatusCode)
	res.ContentType = resp.Header.Get("Content-Type")
	res.SetBody(resp.StatusCode, body)
	f.complete(req, res)
}

// complete enqueues the already-handled completion so the dispatcher only
// disposes of the pair instead of re-running the route.
func (f *Forwarder) complete(req *httpapi.Request, res *httpapi.Response) {
	req.RouteHash = types.RouteAlreadyHandled
	if err := f.dispatcher.SendMessage(httpapi.ReplicationMsg, &httpapi.ApplyArg{Req: req, Res: res}); err != nil {
		// Dispatcher is gone; unblock the origin directly.
		res.MarkReady()
	}
}

// bodyReader returns the buffered body carried in the request; only when no
// buffered copy was taken (streaming routes) does it read the live upstream
// body instead.
func (f *Forwarder) bodyReader(req *httpapi.Request) io.Reader {
	if req.Upstream != nil && req.Upstream.Body != nil && req.Body == nil {
		return req.Upstream.Body
	}
	return bytes.NewReader(req.Body)
}

// splitLeaderID recovers host and api port from an `ip:peering:api` node id.
func splitLeaderID(leaderID string) (host, apiPort string, err error) {
	parts := strings.Split(leaderID, ":")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("%w: %q", ErrConfigParse, leaderID)
	}
	return parts[0], parts[2], nil
}

// isImportPath reports whether the last path segment begins with "import".
func isImportPath(path string) bool {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 {
		return false
	}
	return strings.HasPrefix(segs[len(segs)-1], "import")
}

// copyFlush streams src to dst, flushing after each chunk so the client
// sees bytes as they arrive.
func copyFlush(dst http.ResponseWriter, src io.Reader) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
