package agent

import "context"

// hasDocStream reports whether (collection, id) currently has a live
// DocStream, per invariant 3.
func (a *Agent) hasDocStream(collection, id string) bool {
	docs, ok := a.subscribedDocs[collection]
	if !ok {
		return false
	}
	_, ok = docs[id]
	return ok
}

func (a *Agent) setDocStream(collection, id string, stream DocStream) {
	docs, ok := a.subscribedDocs[collection]
	if !ok {
		docs = make(map[string]DocStream)
		a.subscribedDocs[collection] = docs
	}
	docs[id] = stream
}

// removeDocStream drops the (collection, id) entry, pruning the outer
// collection entry when its inner map becomes empty, per invariant 5. Safe
// to call on an entry that was never installed (returns ok=false).
func (a *Agent) removeDocStream(collection, id string) (DocStream, bool) {
	docs, ok := a.subscribedDocs[collection]
	if !ok {
		return nil, false
	}
	stream, ok := docs[id]
	if !ok {
		return nil, false
	}
	delete(docs, id)
	if len(docs) == 0 {
		delete(a.subscribedDocs, collection)
	}
	return stream, true
}

// installDocStream implements spec §4.7. Must only run while holding the
// loop goroutine (i.e. from inside an enqueued closure).
func (a *Agent) installDocStream(collection, id string, stream DocStream) {
	if a.closed {
		stream.Destroy()
		return
	}
	if prior, ok := a.removeDocStream(collection, id); ok {
		prior.Destroy()
	}
	a.setDocStream(collection, id, stream)

	stream.OnData(func(op *Op) {
		a.enqueue(func() {
			if !a.hasDocStream(collection, id) {
				return
			}
			if op.isOwnOp(a.ClientID, collection) {
				return
			}
			a.sendOp(collection, id, op)
		})
	})
	stream.OnError(func(err error) {
		a.log.Warn().Err(err).Str("collection", collection).Str("doc", id).Msg("doc stream error")
	})
	stream.OnEnd(func() {
		a.enqueue(func() {
			a.removeDocStream(collection, id)
		})
	})
}

// handleSub implements spec §4.5.
func (a *Agent) handleSub(ctx context.Context, req map[string]interface{}) {
	collection, _ := asString(req["c"])
	id, _ := asString(req["d"])
	version := optionalVersion(req["v"])

	go func() {
		stream, snapshot, err := a.backend.Subscribe(ctx, a, collection, id, version)
		a.enqueueOrCleanup(func() {
			if err != nil {
				a.replyError(req, toWireError(err))
				return
			}
			a.installDocStream(collection, id, stream)
			if snapshot != nil {
				a.reply(req, map[string]interface{}{"data": snapshotToWire(snapshot)})
			} else {
				a.reply(req, nil)
			}
		}, func() {
			if stream != nil {
				stream.Destroy()
			}
		})
	}()
}

// handleUnsub removes and destroys the DocStream for (c, d), acknowledging
// the request whether or not one was present.
func (a *Agent) handleUnsub(req map[string]interface{}) {
	collection, _ := asString(req["c"])
	id, _ := asString(req["d"])
	if stream, ok := a.removeDocStream(collection, id); ok {
		stream.Destroy()
	}
	a.reply(req, nil)
}

// handleFetch implements spec §4.11's dual semantics.
func (a *Agent) handleFetch(ctx context.Context, req map[string]interface{}) {
	collection, _ := asString(req["c"])
	id, _ := asString(req["d"])

	if v, present := req["v"]; present && v != nil {
		from, _ := asInt64(v)
		go func() {
			ops, err := a.backend.GetOps(ctx, collection, id, from, nil)
			a.enqueue(func() {
				if err != nil {
					a.replyError(req, toWireError(err))
					return
				}
				a.sendOps(collection, id, ops)
				a.reply(req, nil)
			})
		}()
		return
	}

	go func() {
		snapshot, err := a.backend.Fetch(ctx, collection, id)
		a.enqueue(func() {
			if err != nil {
				a.replyError(req, toWireError(err))
				return
			}
			a.reply(req, map[string]interface{}{"data": snapshotToWire(snapshot)})
		})
	}()
}

func optionalVersion(v interface{}) *int64 {
	if v == nil {
		return nil
	}
	n, ok := asInt64(v)
	if !ok {
		return nil
	}
	return &n
}

func snapshotToWire(s *Snapshot) map[string]interface{} {
	if s == nil {
		return nil
	}
	return map[string]interface{}{"v": s.Version, "data": s.Data}
}
