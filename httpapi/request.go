package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/searchraft/searchraft/types"
)

// Header is a single HTTP header pair. Order is preserved across the log
// codec, so followers replay headers exactly as the origin saw them.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the transport-independent form of a mutating HTTP request.
// It is what travels through the replicated log; the Upstream and gate
// fields are transport-local and never serialized.
type Request struct {
	ID        string
	Method    string
	Path      string
	RawQuery  string
	Headers   []Header
	Body      []byte
	RouteHash types.RouteCode

	// Upstream is the originating server request, nil for requests decoded
	// from the log on a remote node.
	Upstream *http.Request

	// ProceedReq marks a streamed request whose body is only partially
	// received; the input gate resumes body pumping.
	ProceedReq bool

	// InputGate resumes a suspended streaming body producer.
	InputGate *Gate
}

// NewRequestID returns a fresh opaque request identifier.
func NewRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a time-derived id; uniqueness is only needed within
		// the pending-write table of a single node.
		return hex.EncodeToString([]byte(time.Now().String()))[:32]
	}
	return hex.EncodeToString(b[:])
}

// Header returns the first header with the given name, case-insensitively.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Gate is a one-shot notification. There is exactly one waiter and one
// notifier; duplicate notifies are ignored.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

// NewGate returns an unfired Gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Notify fires the gate. Safe to call more than once.
func (g *Gate) Notify() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until the gate fires.
func (g *Gate) Wait() {
	<-g.ch
}

// Fired reports whether the gate has already been notified.
func (g *Gate) Fired() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// AwaitGate is the apply/worker rendezvous: a one-shot gate whose payload
// records which side owns teardown of the request/response pair.
type AwaitGate struct {
	once sync.Once
	ch   chan types.FreedBy
}

// NewAwaitGate returns an unfired AwaitGate.
func NewAwaitGate() *AwaitGate {
	return &AwaitGate{ch: make(chan types.FreedBy, 1)}
}

// Notify delivers the ownership verdict. Only the first call wins.
func (g *AwaitGate) Notify(v types.FreedBy) {
	g.once.Do(func() { g.ch <- v })
}

// Wait blocks until the verdict arrives.
func (g *AwaitGate) Wait() types.FreedBy {
	return <-g.ch
}

// WaitTimeout blocks until the verdict arrives or the timeout expires.
// The second return value is false on timeout.
func (g *AwaitGate) WaitTimeout(d time.Duration) (types.FreedBy, bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case v := <-g.ch:
		return v, true
	case <-t.C:
		return 0, false
	}
}

// Response collects the outcome of a mutating request. It is shared between
// the apply thread and the worker executing the mutation; the AutoDispose
// and Final fields encode which side currently owns it.
type Response struct {
	Status      int
	ContentType string
	Body        []byte

	// Await is the rendezvous gate the apply thread blocks on until the
	// worker signals completion.
	Await *AwaitGate

	// AutoDispose is cleared by the apply thread before handing the
	// response to a worker, retaining ownership across the handoff.
	AutoDispose bool

	// Final is set by the worker once response delivery is complete and
	// the apply side may tear the pair down.
	Final bool

	// ProxiedStream marks a response whose bytes were already streamed to
	// the client by a proxy; the origin handler must not write again.
	ProxiedStream bool

	// Generator is the streaming sink for proxied responses. It is the
	// originating server's response writer; only one goroutine writes to
	// it at a time, and the origin goroutine does not return until the
	// response is marked ready.
	Generator http.ResponseWriter

	ready     chan struct{}
	readyOnce sync.Once
}

// NewResponse returns a Response in its initial owned-by-origin state.
func NewResponse() *Response {
	return &Response{
		Status:      http.StatusOK,
		ContentType: "application/json",
		AutoDispose: true,
		Await:       NewAwaitGate(),
		ready:       make(chan struct{}),
	}
}

// SetBody populates status and body.
func (r *Response) SetBody(status int, body []byte) {
	r.Status = status
	r.Body = body
}

// SetJSON populates the response with a JSON-encoded value.
func (r *Response) SetJSON(status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.SetError(http.StatusInternalServerError, err.Error())
		return
	}
	r.ContentType = "application/json"
	r.SetBody(status, data)
}

// SetError populates a JSON error body of the form {"message": ...}.
func (r *Response) SetError(status int, message string) {
	r.ContentType = "application/json"
	r.SetJSON(status, map[string]string{"message": message})
}

// Set500 is the conventional internal-error response.
func (r *Response) Set500(message string) {
	r.SetError(http.StatusInternalServerError, message)
}

// MarkReady signals the originating goroutine that the response is fully
// populated. Each response becomes ready at most once.
func (r *Response) MarkReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Ready returns a channel closed once the response is fully populated.
func (r *Response) Ready() <-chan struct{} {
	return r.ready
}
