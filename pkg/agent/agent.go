package agent

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Agent is the per-connection client-session core. One Agent is created per
// MessageStream and lives for the lifetime of that connection. All of its
// state (subscribedDocs, subscribedQueries, closed) is only ever touched by
// the goroutine running Run's loop; every other goroutine (the stream
// reader, Backend completions, DocStream/QueryEmitter callbacks) talks to it
// exclusively by enqueuing a closure, never by calling its methods directly.
// This is the Go rendering of "serialized on the same executor" from spec §5.
type Agent struct {
	ClientID    string
	ConnectTime time.Time

	stream  MessageStream
	backend Backend
	log     zerolog.Logger

	subscribedDocs    map[string]map[string]DocStream
	subscribedQueries map[int64]QueryEmitter
	queryCollections  map[int64]string

	actions chan func()
	closed  bool
	done    chan struct{}

	// closedFlag mirrors closed for producer goroutines, which must never
	// block forever trying to hand a closure to a loop that has already
	// exited (spec §5: late callbacks are dropped silently).
	closedFlag atomic.Bool
}

// New constructs an Agent bound to stream and backend. Call Run to start it.
func New(stream MessageStream, backend Backend, log zerolog.Logger) *Agent {
	id := uuid.NewString()
	return &Agent{
		ClientID:          id,
		ConnectTime:       time.Now(),
		stream:            stream,
		backend:           backend,
		log:               log.With().Str("client_id", id).Logger(),
		subscribedDocs:    make(map[string]map[string]DocStream),
		subscribedQueries: make(map[int64]QueryEmitter),
		queryCollections:  make(map[int64]string),
		actions:           make(chan func(), 64),
		done:              make(chan struct{}),
	}
}

// enqueue hands fn to the loop goroutine. Safe to call from any goroutine.
// Returns false without running fn if the Agent has already closed (or
// closes concurrently) — callers holding Backend resources that only fn
// would otherwise dispose of must clean them up themselves in that case.
func (a *Agent) enqueue(fn func()) bool {
	if a.closedFlag.Load() {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.actions <- fn:
		return true
	case <-a.done:
		return false
	}
}

// enqueueOrCleanup enqueues fn; if the Agent has already closed and fn will
// never run, it calls cleanup instead so Backend resources captured in fn's
// closure are not leaked (spec §5 cancellation policy).
func (a *Agent) enqueueOrCleanup(fn func(), cleanup func()) {
	if !a.enqueue(fn) {
		cleanup()
	}
}

// Run drains the stream and the internal action queue until the connection
// ends or ctx is cancelled. It blocks until the Agent has fully closed.
func (a *Agent) Run(ctx context.Context) {
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	a.enqueue(func() { a.sendInit() })

	go a.readLoop(readerCtx)

	for {
		select {
		case fn := <-a.actions:
			fn()
		case <-ctx.Done():
			a.enqueue(func() { a.closeWithError(ctx.Err()) })
		}
		if a.closed {
			a.cleanup()
			close(a.done)
			return
		}
	}
}

// readLoop is the sole producer translating MessageStream.Next into actions
// on the loop goroutine. It never touches Agent state directly.
func (a *Agent) readLoop(ctx context.Context) {
	for {
		raw, err := a.stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				a.enqueue(func() { a.closeWithError(nil) })
			} else {
				a.enqueue(func() { a.closeWithError(err) })
			}
			return
		}
		req := raw.Parsed
		if req == nil {
			parsed, perr := parseJSONObject(raw.Text)
			if perr != nil {
				// A parse failure is a transport-level error, not a bad
				// request: it closes the connection (spec §4.2, §7 item 2)
				// rather than replying and continuing.
				a.enqueue(func() { a.closeWithError(perr) })
				return
			}
			req = parsed
		}
		a.enqueue(func() { a.handleRequest(ctx, req) })
	}
}

// sendInit writes the handshake message naming this connection's clientId,
// per spec §4.1. It is the first message on every connection.
func (a *Agent) sendInit() {
	a.send(map[string]interface{}{
		"a":        "init",
		"protocol": 0,
		"id":       a.ClientID,
	})
}

// handleRequest validates and routes one inbound message, per spec §4.3.
func (a *Agent) handleRequest(ctx context.Context, req map[string]interface{}) {
	if a.closed {
		return
	}
	if verr := validateRequest(req); verr != nil {
		a.replyError(req, verr)
		return
	}

	switch req["a"].(string) {
	case "sub":
		a.handleSub(ctx, req)
	case "unsub":
		a.handleUnsub(req)
	case "bs":
		a.handleBulkSub(ctx, req)
	case "fetch":
		a.handleFetch(ctx, req)
	case "op":
		a.handleSubmit(ctx, req)
	case "qsub":
		a.handleQuerySub(ctx, req)
	case "qresub":
		a.handleQueryResub(ctx, req)
	case "qunsub":
		a.handleQueryUnsub(req)
	case "qfetch":
		a.handleQueryFetch(ctx, req)
	}
}

// send writes msg to the client. Runs on the loop goroutine; per spec §5 the
// core writes without flow-control awareness, inheriting whatever
// backpressure MessageStream.Send applies.
func (a *Agent) send(msg map[string]interface{}) {
	if a.closed {
		return
	}
	if err := a.stream.Send(context.Background(), msg); err != nil {
		a.closeWithError(err)
	}
}

// replyError writes the {a, error:{code,message}} shape, echoing back
// whatever correlation fields (c, d, id) the request carried with a truthy
// value (not null, false, empty or zero).
func (a *Agent) replyError(req map[string]interface{}, err *Error) {
	reply := map[string]interface{}{
		"a": req["a"],
		"error": map[string]interface{}{
			"code":    err.Code,
			"message": err.Message,
		},
	}
	copyCorrelation(reply, req)
	a.send(reply)
}

func copyCorrelation(reply, req map[string]interface{}) {
	for _, k := range []string{"c", "d", "id"} {
		if v, ok := req[k]; ok && v != nil && v != false && v != "" && v != float64(0) && v != 0 {
			reply[k] = v
		}
	}
}

// closeWithError marks the Agent closed and triggers cleanup on the next
// loop iteration. Idempotent; the first call wins.
func (a *Agent) closeWithError(err error) {
	if a.closed {
		return
	}
	a.closed = true
	a.closedFlag.Store(true)
	if err != nil {
		a.log.Debug().Err(err).Msg("agent closing")
	}
	_ = a.stream.CloseWithError(err)
}

// cleanup destroys every DocStream and QueryEmitter this Agent ever
// installed, per spec invariant 2 (no dangling Backend-side subscriptions
// survive a closed Agent) and §4.13 (cleanup runs exactly once).
func (a *Agent) cleanup() {
	for _, docs := range a.subscribedDocs {
		for _, stream := range docs {
			stream.Destroy()
		}
	}
	a.subscribedDocs = nil
	for _, emitter := range a.subscribedQueries {
		emitter.Destroy()
	}
	a.subscribedQueries = nil
	a.queryCollections = nil
}

// Done reports when the Agent has fully closed and run its cleanup.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}
