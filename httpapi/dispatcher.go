package httpapi

import (
	"net/http"
	"sync"

	"github.com/searchraft/searchraft/logger"
	"github.com/searchraft/searchraft/types"
)

// MessageType labels messages posted to the dispatcher.
type MessageType int

const (
	// ReplicationMsg carries a committed mutation (or a completion marker)
	// from the replication layer to an HTTP worker.
	ReplicationMsg MessageType = iota
)

// ApplyArg is the unit of work handed from the apply thread to a worker:
// the request to execute and the response to populate.
type ApplyArg struct {
	Req *Request
	Res *Response
}

// Dispatcher runs a pool of workers that execute mutations posted back by
// the apply loop. It is the worker half of the apply/worker rendezvous: the
// apply thread blocks on each response's await gate until a worker signals.
type Dispatcher struct {
	router *Router
	logger logger.Logger
	queue  chan *ApplyArg

	// onCrash runs when a route handler panics, before the error response
	// is delivered. Used to persist the applying index so re-application
	// resumes from a safe point after a crash inside the indexing path.
	onCrash func(arg *ApplyArg, cause any)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCrashHook installs the handler-panic hook.
func WithCrashHook(hook func(arg *ApplyArg, cause any)) DispatcherOption {
	return func(d *Dispatcher) { d.onCrash = hook }
}

// NewDispatcher returns a started dispatcher with the given worker count.
func NewDispatcher(router *Router, workers, queueDepth int, log logger.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}

	d := &Dispatcher{
		router:  router,
		logger:  log.WithComponent("dispatcher"),
		queue:   make(chan *ApplyArg, queueDepth),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// SendMessage enqueues work for the worker pool. Blocks while the queue is
// full so the apply loop gets natural backpressure.
func (d *Dispatcher) SendMessage(msg MessageType, arg *ApplyArg) error {
	if msg != ReplicationMsg {
		return ErrDispatcherStopped
	}
	// Checked first on its own: a select with both cases ready picks one at
	// random and could enqueue work no worker will ever take.
	select {
	case <-d.stopped:
		return ErrDispatcherStopped
	default:
	}
	select {
	case <-d.stopped:
		return ErrDispatcherStopped
	case d.queue <- arg:
		return nil
	}
}

// Stop shuts the pool down. Work still queued is failed with a shutdown
// response so no waiter is left hanging.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case arg := <-d.queue:
			d.handle(arg)
		case <-d.stopped:
			for {
				select {
				case arg := <-d.queue:
					arg.Res.SetError(http.StatusServiceUnavailable, "Shutting down.")
					d.finish(arg, types.FreedByApply)
				default:
					return
				}
			}
		}
	}
}

// handle executes one ApplyArg and signals both the origin goroutine (via
// MarkReady) and the apply thread (via the await gate).
func (d *Dispatcher) handle(arg *ApplyArg) {
	defer func() {
		if cause := recover(); cause != nil {
			d.logger.Errorw("Route handler panicked", "path", arg.Req.Path, "cause", cause)
			if d.onCrash != nil {
				d.onCrash(arg, cause)
			}
			arg.Res.Set500("Internal server error.")
			d.finish(arg, types.FreedByApply)
		}
	}()

	// A completion marker: the response is already fully populated, only
	// disposal is required.
	if arg.Req.RouteHash == types.RouteAlreadyHandled {
		d.finish(arg, types.FreedByApply)
		return
	}

	route, ok := d.router.FindByHash(arg.Req.RouteHash)
	if !ok {
		d.logger.Errorw("No route for hash in log entry", "hash", arg.Req.RouteHash, "path", arg.Req.Path)
		arg.Res.SetError(http.StatusNotFound, "Not found.")
		d.finish(arg, types.FreedByApply)
		return
	}

	route.Handler(arg.Req, route.PathParams(arg.Req.Path), arg.Res)
	d.finish(arg, types.FreedByApply)
}

func (d *Dispatcher) finish(arg *ApplyArg, verdict types.FreedBy) {
	if verdict == types.FreedByApply {
		arg.Res.Final = true
	}
	arg.Res.MarkReady()
	arg.Res.Await.Notify(verdict)
}
