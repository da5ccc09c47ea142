package agent

import "context"

func queryOptionsFromReq(req map[string]interface{}) QueryOptions {
	opts := QueryOptions{}
	if vsRaw, ok := req["vs"].(map[string]interface{}); ok {
		versions := make(map[string]int64, len(vsRaw))
		for id, v := range vsRaw {
			if n, ok := asInt64(v); ok {
				versions[id] = n
			}
		}
		opts.Versions = versions
	}
	if db, ok := req["db"].(string); ok {
		opts.DB = db
	}
	return opts
}

// buildQueryData implements the `data` array half of spec §4.10: per-item
// `d`/`v`, `data` only for ids the caller has no prior version for, and
// run-length compression of `type` across consecutive items.
func buildQueryData(results []*QueryResult, versions map[string]int64) []interface{} {
	data := make([]interface{}, 0, len(results))
	prevType := ""
	havePrev := false
	for _, r := range results {
		item := map[string]interface{}{"d": r.ID, "v": r.Ver}

		hasPriorVersion := false
		if versions != nil {
			if _, ok := versions[r.ID]; ok {
				hasPriorVersion = true
			}
		}
		if !hasPriorVersion {
			item["data"] = r.Data
		}
		if !havePrev || r.Type != prevType {
			item["type"] = r.Type
		}
		prevType = r.Type
		havePrev = true

		data = append(data, item)
	}
	return data
}

// buildOpsCatchupRequest implements the catch-up half of spec §4.10.
func buildOpsCatchupRequest(results []*QueryResult, versions map[string]int64) map[string]int64 {
	req := map[string]int64{}
	for _, r := range results {
		if v, ok := versions[r.ID]; ok && r.Ver > v {
			req[r.ID] = v
		}
	}
	return req
}

func translateDiffEntries(diff []QueryDiffEntry) []interface{} {
	out := make([]interface{}, 0, len(diff))
	for _, d := range diff {
		item := map[string]interface{}{"type": d.Type}
		if len(d.Values) > 0 {
			item["values"] = buildQueryData(d.Values, nil)
		}
		if len(d.IDs) > 0 {
			item["ids"] = d.IDs
		}
		out = append(out, item)
	}
	return out
}

// installQueryEmitter implements the shared half of §4.8: register the
// emitter (destroying any prior one under the same id, per invariant 4) and
// wire its four push hooks.
func (a *Agent) installQueryEmitter(queryID int64, collection string, emitter QueryEmitter) {
	if a.closed {
		emitter.Destroy()
		return
	}
	if prior, ok := a.subscribedQueries[queryID]; ok {
		prior.Destroy()
	}
	a.subscribedQueries[queryID] = emitter
	a.queryCollections[queryID] = collection

	emitter.OnExtra(func(extra interface{}) {
		a.enqueue(func() {
			if _, ok := a.subscribedQueries[queryID]; !ok {
				return
			}
			a.send(map[string]interface{}{"a": "q", "id": queryID, "extra": extra})
		})
	})
	emitter.OnOp(func(op *Op) {
		a.enqueue(func() {
			if _, ok := a.subscribedQueries[queryID]; !ok {
				return
			}
			a.sendOp(collection, op.ID, op)
		})
	})
	emitter.OnDiff(func(diff []QueryDiffEntry) {
		a.enqueue(func() {
			if _, ok := a.subscribedQueries[queryID]; !ok {
				return
			}
			a.send(map[string]interface{}{"a": "q", "id": queryID, "diff": translateDiffEntries(diff)})
		})
	})
	emitter.OnError(func(err error) {
		a.log.Warn().Err(err).Int64("query_id", queryID).Msg("query emitter error")
	})
}

// sendQueryResults implements the reply half of spec §4.10, including the
// getOpsBulk catch-up fan-out that must complete before the query reply is
// sent.
func (a *Agent) sendQueryResults(ctx context.Context, req map[string]interface{}, collection string, results []*QueryResult, extra interface{}, opts QueryOptions) {
	body := map[string]interface{}{"data": buildQueryData(results, opts.Versions)}
	if extra != nil {
		body["extra"] = extra
	}

	if opts.Versions == nil {
		a.reply(req, body)
		return
	}
	catchup := buildOpsCatchupRequest(results, opts.Versions)
	if len(catchup) == 0 {
		a.reply(req, body)
		return
	}

	go func() {
		ops, err := a.backend.GetOpsBulk(ctx, a, collection, catchup, nil)
		a.enqueue(func() {
			if err != nil {
				a.replyError(req, toWireError(err))
				return
			}
			for id, docOps := range ops {
				a.sendOps(collection, id, docOps)
			}
			a.reply(req, body)
		})
	}()
}

// handleQuerySub implements spec §4.8's `qsub`.
func (a *Agent) handleQuerySub(ctx context.Context, req map[string]interface{}) {
	queryID, _ := asInt64(req["id"])
	collection, _ := asString(req["c"])
	query := req["q"]
	opts := queryOptionsFromReq(req)

	go func() {
		emitter, results, extra, err := a.backend.QuerySubscribe(ctx, a, collection, query, opts)
		a.enqueueOrCleanup(func() {
			if err != nil {
				a.replyError(req, toWireError(err))
				return
			}
			a.installQueryEmitter(queryID, collection, emitter)
			a.sendQueryResults(ctx, req, collection, results, extra, opts)
		}, func() {
			if emitter != nil {
				emitter.Destroy()
			}
		})
	}()
}

// handleQueryResub implements spec §4.8's `qresub`.
func (a *Agent) handleQueryResub(ctx context.Context, req map[string]interface{}) {
	queryID, _ := asInt64(req["id"])
	emitter, ok := a.subscribedQueries[queryID]
	if !ok {
		a.replyError(req, errBadRequest("Can not find query to resubscribe"))
		return
	}
	collection := a.queryCollections[queryID]
	query := req["q"]

	go func() {
		results, extra, err := a.backend.QueryResubscribe(ctx, a, emitter.Index(), query, emitter, emitter.Options())
		a.enqueue(func() {
			if err != nil {
				a.replyError(req, toWireError(err))
				return
			}
			a.sendQueryResults(ctx, req, collection, results, extra, emitter.Options())
		})
	}()
}

// handleQueryUnsub implements spec §4.8's `qunsub`.
func (a *Agent) handleQueryUnsub(req map[string]interface{}) {
	queryID, _ := asInt64(req["id"])
	if emitter, ok := a.subscribedQueries[queryID]; ok {
		emitter.Destroy()
		delete(a.subscribedQueries, queryID)
		delete(a.queryCollections, queryID)
	}
	a.reply(req, nil)
}

// handleQueryFetch implements spec §4.8's `qfetch`: a one-shot query with no
// emitter installed.
func (a *Agent) handleQueryFetch(ctx context.Context, req map[string]interface{}) {
	collection, _ := asString(req["c"])
	query := req["q"]
	opts := queryOptionsFromReq(req)

	go func() {
		results, extra, err := a.backend.QueryFetch(ctx, a, collection, query, opts)
		a.enqueue(func() {
			if err != nil {
				a.replyError(req, toWireError(err))
				return
			}
			a.sendQueryResults(ctx, req, collection, results, extra, opts)
		})
	}()
}
