package agent

import "context"

// Backend is the storage + OT engine + query engine façade the Agent
// dispatches validated requests to. Implementations own persistence,
// operational transformation, and live-query evaluation; the Agent only
// depends on this contract (spec §6.2). A concrete implementation lives in
// package backend.
type Backend interface {
	// Subscribe subscribes agent to (collection, id). If version is nil this
	// is an initial subscription and the returned snapshot is non-nil; if
	// version is set this is a catch-up subscription, the snapshot is nil,
	// and any ops since version have already been pushed into the stream.
	Subscribe(ctx context.Context, a *Agent, collection, id string, version *int64) (DocStream, *Snapshot, error)

	// SubscribeBulk subscribes to every id in versions within collection.
	// versions maps id to a catch-up version, or nil for an initial
	// subscription of that id.
	SubscribeBulk(ctx context.Context, a *Agent, collection string, versions map[string]*int64) (streams map[string]DocStream, snapshots map[string]*Snapshot, err error)

	// Fetch returns the current snapshot of (collection, id).
	Fetch(ctx context.Context, collection, id string) (*Snapshot, error)

	// GetOps returns ops for (collection, id) starting at "from" (inclusive).
	// A nil "to" means "up to the latest version".
	GetOps(ctx context.Context, collection, id string, from int64, to *int64) ([]*Op, error)

	// GetOpsBulk is GetOps for many ids at once. req maps id to the "from"
	// version for that id.
	GetOpsBulk(ctx context.Context, a *Agent, collection string, req map[string]int64, to *int64) (map[string][]*Op, error)

	// Submit applies op to (collection, id). It returns the op's final
	// version and any ops the caller missed since the version it submitted
	// against (for catch-up on the submit reply).
	Submit(ctx context.Context, a *Agent, collection, id string, op *Op) (version int64, missed []*Op, err error)

	// QuerySubscribe starts a live query over collection and returns its
	// emitter plus the current result set.
	QuerySubscribe(ctx context.Context, a *Agent, collection string, query interface{}, opts QueryOptions) (QueryEmitter, []*QueryResult, interface{}, error)

	// QueryResubscribe re-evaluates an existing emitter's query (e.g. after
	// the client edits its query body) without destroying the emitter.
	QueryResubscribe(ctx context.Context, a *Agent, index int, query interface{}, emitter QueryEmitter, opts QueryOptions) ([]*QueryResult, interface{}, error)

	// QueryFetch runs a one-shot query, with no live emitter.
	QueryFetch(ctx context.Context, a *Agent, collection string, query interface{}, opts QueryOptions) ([]*QueryResult, interface{}, error)
}

// DocStream is a push stream of ops for one subscribed document. It is
// delivered to the Agent by Backend.Subscribe/SubscribeBulk; the Agent
// installs callbacks and owns its lifetime thereafter.
type DocStream interface {
	// OnData registers the callback invoked for each op. Called at most
	// once; the Agent installs exactly one handler immediately after
	// receiving the stream.
	OnData(func(op *Op))

	// OnError registers the callback invoked when the stream itself fails
	// asynchronously (not tied to any client request).
	OnError(func(err error))

	// OnEnd registers the callback invoked when the Backend ends the stream
	// on its own (not via Destroy).
	OnEnd(func())

	// Destroy releases Backend-side resources. Idempotent.
	Destroy()
}

// QueryEmitter is a push source for one live query's result deltas.
type QueryEmitter interface {
	OnExtra(func(extra interface{}))
	OnDiff(func(diff []QueryDiffEntry))
	OnOp(func(op *Op))
	OnError(func(err error))

	// Index and Options are required by Backend.QueryResubscribe.
	Index() int
	Options() QueryOptions

	Destroy()
}

// QueryDiffEntry is one entry of a live query's incremental diff, e.g.
// {type: "insert", values: [...]} or {type: "remove", ids: [...]}.
type QueryDiffEntry struct {
	Type   string
	Values []*QueryResult
	IDs    []string
}
