package backend

import (
	"sync"

	"github.com/coreseekdev/shareddoc/pkg/agent"
)

// docStream is a agent.DocStream implementation. Delivery is buffered and
// only forwarded once a consumer has installed OnData, matching how the
// Agent subscribes synchronously right after receiving the stream but
// catch-up ops (for a version-bounded subscribe) may already be queued.
// It uses a forwarding goroutine over a channel plus idempotent Destroy via
// sync.Once, the usual pub/sub subscription shape, carrying one op at a
// time instead of a generic event envelope.
type docStream struct {
	mu      sync.Mutex
	ch      chan *agent.Op
	closeCh chan struct{}
	once    sync.Once

	onData    func(op *agent.Op)
	onError   func(err error)
	onEnd     func()
	onDestroy func()

	started bool
}

func newDocStream() *docStream {
	return &docStream{
		ch:      make(chan *agent.Op, 256),
		closeCh: make(chan struct{}),
	}
}

// deliver queues op for this subscriber. Non-blocking: a full buffer drops
// the op and reports it through onError if installed, rather than stalling
// the document's single submit path.
func (s *docStream) deliver(op *agent.Op) {
	select {
	case <-s.closeCh:
		return
	default:
	}
	select {
	case s.ch <- op:
	case <-s.closeCh:
	default:
		s.mu.Lock()
		cb := s.onError
		s.mu.Unlock()
		if cb != nil {
			cb(errDocStreamOverflow)
		}
	}
}

func (s *docStream) OnData(fn func(op *agent.Op)) {
	s.mu.Lock()
	s.onData = fn
	alreadyStarted := s.started
	s.started = true
	s.mu.Unlock()
	if !alreadyStarted {
		go s.run()
	}
}

func (s *docStream) OnError(fn func(err error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

func (s *docStream) OnEnd(fn func()) {
	s.mu.Lock()
	s.onEnd = fn
	s.mu.Unlock()
}

func (s *docStream) run() {
	for {
		select {
		case op := <-s.ch:
			s.mu.Lock()
			cb := s.onData
			s.mu.Unlock()
			if cb != nil {
				cb(op)
			}
		case <-s.closeCh:
			return
		}
	}
}

// Destroy is idempotent, per spec §4.7/invariant discipline.
func (s *docStream) Destroy() {
	s.once.Do(func() {
		close(s.closeCh)
		if s.onDestroy != nil {
			s.onDestroy()
		}
	})
}

var errDocStreamOverflow = &agent.Error{Code: agent.CodeInternal, Message: "doc stream buffer overflow"}
