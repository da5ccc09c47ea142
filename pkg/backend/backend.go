// Package backend is a concrete, in-memory implementation of agent.Backend:
// it owns document storage, runs the pkg/ot operational-transform engine,
// and evaluates simple collection-scoped live queries. It exists to give
// pkg/agent a Backend to talk to; a production deployment would replace it
// with a persistent store behind the same interface.
package backend

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coreseekdev/shareddoc/pkg/agent"
	"github.com/rs/zerolog"
)

// MemoryBackend implements agent.Backend entirely in process memory.
type MemoryBackend struct {
	log     zerolog.Logger
	patches *PatchManager

	mu          sync.RWMutex
	collections map[string]map[string]*doc

	queryMu        sync.Mutex
	queriesByColl  map[string]*collectionQueries
	nextQueryIndex int32
}

// New constructs an empty MemoryBackend.
func New(log zerolog.Logger) *MemoryBackend {
	return &MemoryBackend{
		log:           log.With().Str("component", "backend").Logger(),
		patches:       NewPatchManager(),
		collections:   make(map[string]map[string]*doc),
		queriesByColl: make(map[string]*collectionQueries),
	}
}

func (b *MemoryBackend) getOrCreateDoc(collection, id string) *doc {
	b.mu.Lock()
	defer b.mu.Unlock()
	docs, ok := b.collections[collection]
	if !ok {
		docs = make(map[string]*doc)
		b.collections[collection] = docs
	}
	d, ok := docs[id]
	if !ok {
		d = newDoc(collection, id, b.log, b.patches)
		docs[id] = d
	}
	return d
}

func (b *MemoryBackend) getDocIfExists(collection, id string) *doc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	docs, ok := b.collections[collection]
	if !ok {
		return nil
	}
	return docs[id]
}

func (b *MemoryBackend) Subscribe(ctx context.Context, a *agent.Agent, collection, id string, version *int64) (agent.DocStream, *agent.Snapshot, error) {
	d := b.getOrCreateDoc(collection, id)
	stream, snapshot, err := d.subscribe(a.ClientID, version)
	if err != nil {
		return nil, nil, err
	}
	return stream, snapshot, nil
}

func (b *MemoryBackend) SubscribeBulk(ctx context.Context, a *agent.Agent, collection string, versions map[string]*int64) (map[string]agent.DocStream, map[string]*agent.Snapshot, error) {
	streams := make(map[string]agent.DocStream, len(versions))
	snapshots := make(map[string]*agent.Snapshot, len(versions))
	for id, v := range versions {
		d := b.getOrCreateDoc(collection, id)
		stream, snapshot, err := d.subscribe(a.ClientID, v)
		if err != nil {
			for _, s := range streams {
				s.Destroy()
			}
			return nil, nil, err
		}
		streams[id] = stream
		if snapshot != nil {
			snapshots[id] = snapshot
		}
	}
	return streams, snapshots, nil
}

func (b *MemoryBackend) Fetch(ctx context.Context, collection, id string) (*agent.Snapshot, error) {
	d := b.getOrCreateDoc(collection, id)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), nil
}

func (b *MemoryBackend) GetOps(ctx context.Context, collection, id string, from int64, to *int64) ([]*agent.Op, error) {
	d := b.getOrCreateDoc(collection, id)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opsSinceLocked(from, to), nil
}

func (b *MemoryBackend) GetOpsBulk(ctx context.Context, a *agent.Agent, collection string, req map[string]int64, to *int64) (map[string][]*agent.Op, error) {
	out := make(map[string][]*agent.Op, len(req))
	for id, from := range req {
		d := b.getOrCreateDoc(collection, id)
		d.mu.Lock()
		ops := d.opsSinceLocked(from, to)
		d.mu.Unlock()
		if len(ops) > 0 {
			out[id] = ops
		}
	}
	return out, nil
}

func (b *MemoryBackend) Submit(ctx context.Context, a *agent.Agent, collection, id string, op *agent.Op) (int64, []*agent.Op, error) {
	d := b.getOrCreateDoc(collection, id)
	version, missed, err := d.submit(op)
	b.notifyQueries(collection, id, op)
	return version, missed, err
}

func (b *MemoryBackend) collectionQueries(collection string) *collectionQueries {
	b.queryMu.Lock()
	defer b.queryMu.Unlock()
	cq, ok := b.queriesByColl[collection]
	if !ok {
		cq = &collectionQueries{emitters: make(map[*queryEmitter]bool)}
		b.queriesByColl[collection] = cq
	}
	return cq
}

func (b *MemoryBackend) collectionQueriesIfAny(collection string) *collectionQueries {
	b.queryMu.Lock()
	defer b.queryMu.Unlock()
	return b.queriesByColl[collection]
}

func (b *MemoryBackend) evalQuery(collection string, matcher queryMatcher) ([]*agent.QueryResult, map[string]bool) {
	b.mu.RLock()
	docs := b.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	results := make([]*agent.QueryResult, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		d := b.getDocIfExists(collection, id)
		if d == nil {
			continue
		}
		d.mu.Lock()
		snap := d.snapshotLocked()
		docType := d.docType
		exists := d.exists && !d.deleted
		d.mu.Unlock()
		if !exists {
			continue
		}
		content, _ := snap.Data.(string)
		if !matcher(content) {
			continue
		}
		results = append(results, &agent.QueryResult{ID: id, Ver: snap.Version, Type: docType, Data: snap.Data})
		seen[id] = true
	}
	return results, seen
}

func (b *MemoryBackend) notifyQueries(collection, id string, op *agent.Op) {
	cq := b.collectionQueriesIfAny(collection)
	if cq == nil {
		return
	}
	d := b.getDocIfExists(collection, id)

	cq.mu.Lock()
	emitters := make([]*queryEmitter, 0, len(cq.emitters))
	for qe := range cq.emitters {
		emitters = append(emitters, qe)
	}
	cq.mu.Unlock()

	for _, qe := range emitters {
		qe.notifyDocChanged(id, d, op)
	}
}

func (b *MemoryBackend) QuerySubscribe(ctx context.Context, a *agent.Agent, collection string, query interface{}, opts agent.QueryOptions) (agent.QueryEmitter, []*agent.QueryResult, interface{}, error) {
	matcher := compileQuery(query)
	results, seen := b.evalQuery(collection, matcher)

	qe := &queryEmitter{
		index:      int(atomic.AddInt32(&b.nextQueryIndex, 1)),
		opts:       opts,
		matcher:    matcher,
		collection: collection,
		closeCh:    make(chan struct{}),
		seen:       seen,
	}
	cq := b.collectionQueries(collection)
	cq.mu.Lock()
	cq.emitters[qe] = true
	cq.mu.Unlock()
	qe.onDestroyFn = func() {
		cq.mu.Lock()
		delete(cq.emitters, qe)
		cq.mu.Unlock()
	}

	return qe, results, nil, nil
}

func (b *MemoryBackend) QueryResubscribe(ctx context.Context, a *agent.Agent, index int, query interface{}, emitter agent.QueryEmitter, opts agent.QueryOptions) ([]*agent.QueryResult, interface{}, error) {
	qe, ok := emitter.(*queryEmitter)
	if !ok {
		return nil, nil, &agent.Error{Code: agent.CodeInternal, Message: "emitter not recognized"}
	}
	matcher := compileQuery(query)
	results, seen := b.evalQuery(qe.collection, matcher)
	qe.mu.Lock()
	qe.matcher = matcher
	qe.seen = seen
	qe.mu.Unlock()
	return results, nil, nil
}

func (b *MemoryBackend) QueryFetch(ctx context.Context, a *agent.Agent, collection string, query interface{}, opts agent.QueryOptions) ([]*agent.QueryResult, interface{}, error) {
	matcher := compileQuery(query)
	results, _ := b.evalQuery(collection, matcher)
	return results, nil, nil
}
