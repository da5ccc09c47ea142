package backend

import (
	"encoding/json"
	"sync"

	"github.com/coreseekdev/shareddoc/pkg/agent"
)

// queryMatcher reports whether a document's (JSON-encoded) content belongs
// in a query's result set.
type queryMatcher func(content string) bool

// compileQuery turns the client-supplied, backend-opaque query body into a
// matcher. A map is treated as a set of required top-level field equalities
// against the document's JSON content; anything else (nil, empty map)
// matches every document in the collection.
func compileQuery(q interface{}) queryMatcher {
	filter, ok := q.(map[string]interface{})
	if !ok || len(filter) == 0 {
		return func(string) bool { return true }
	}
	return func(content string) bool {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(content), &data); err != nil {
			return false
		}
		for k, want := range filter {
			if got, ok := data[k]; !ok || got != want {
				return false
			}
		}
		return true
	}
}

// collectionQueries tracks every live queryEmitter watching one collection.
type collectionQueries struct {
	mu       sync.Mutex
	emitters map[*queryEmitter]bool
}

// queryEmitter is the agent.QueryEmitter implementation backing a live
// collection query. notifyDocChanged is called by MemoryBackend after every
// submit to the watched collection and decides whether that's an insert,
// remove, or in-place op for this query's current result set.
type queryEmitter struct {
	mu         sync.Mutex
	index      int
	opts       agent.QueryOptions
	matcher    queryMatcher
	collection string
	seen       map[string]bool

	onExtra func(extra interface{})
	onDiff  func(diff []agent.QueryDiffEntry)
	onOp    func(op *agent.Op)
	onError func(err error)

	closeCh     chan struct{}
	once        sync.Once
	onDestroyFn func()
}

func (q *queryEmitter) OnExtra(fn func(extra interface{})) {
	q.mu.Lock()
	q.onExtra = fn
	q.mu.Unlock()
}

func (q *queryEmitter) OnDiff(fn func(diff []agent.QueryDiffEntry)) {
	q.mu.Lock()
	q.onDiff = fn
	q.mu.Unlock()
}

func (q *queryEmitter) OnOp(fn func(op *agent.Op)) {
	q.mu.Lock()
	q.onOp = fn
	q.mu.Unlock()
}

func (q *queryEmitter) OnError(fn func(err error)) {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
}

func (q *queryEmitter) Index() int { return q.index }

func (q *queryEmitter) Options() agent.QueryOptions {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts
}

func (q *queryEmitter) Destroy() {
	q.once.Do(func() {
		close(q.closeCh)
		if q.onDestroyFn != nil {
			q.onDestroyFn()
		}
	})
}

// notifyDocChanged re-evaluates this query's match for one document after a
// submit and emits the corresponding diff or op event.
func (q *queryEmitter) notifyDocChanged(id string, d *doc, op *agent.Op) {
	select {
	case <-q.closeCh:
		return
	default:
	}

	q.mu.Lock()
	matcher := q.matcher
	wasMatch := q.seen[id]
	onDiff := q.onDiff
	onOp := q.onOp
	q.mu.Unlock()

	var result *agent.QueryResult
	nowMatch := false
	if d != nil {
		d.mu.Lock()
		snap := d.snapshotLocked()
		docType := d.docType
		exists := d.exists && !d.deleted
		d.mu.Unlock()
		if exists {
			if content, ok := snap.Data.(string); ok && matcher(content) {
				nowMatch = true
				result = &agent.QueryResult{ID: id, Ver: snap.Version, Type: docType, Data: snap.Data}
			}
		}
	}

	switch {
	case nowMatch && !wasMatch:
		q.mu.Lock()
		q.seen[id] = true
		q.mu.Unlock()
		if onDiff != nil {
			onDiff([]agent.QueryDiffEntry{{Type: "insert", Values: []*agent.QueryResult{result}}})
		}
	case !nowMatch && wasMatch:
		q.mu.Lock()
		delete(q.seen, id)
		q.mu.Unlock()
		if onDiff != nil {
			onDiff([]agent.QueryDiffEntry{{Type: "remove", IDs: []string{id}}})
		}
	case nowMatch && wasMatch:
		if onOp != nil && op != nil {
			onOp(op)
		}
	}
}
