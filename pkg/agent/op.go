package agent

import "context"

// buildSubmitOp constructs the normalized Op for a `op` request, per spec
// §4.12: src defaults to the Agent's clientId but the client may override it
// on resubmit after reconnect; exactly one of edit/create/delete is set.
func (a *Agent) buildSubmitOp(collection, id string, req map[string]interface{}) *Op {
	src := a.ClientID
	if s, ok := req["src"].(string); ok && s != "" {
		src = s
	}
	var seq int64
	if s, ok := asInt64(req["seq"]); ok {
		seq = s
	}
	var version *int64
	if v, present := req["v"]; present && v != nil {
		if n, ok := asInt64(v); ok {
			version = &n
		}
	}

	op := &Op{
		Collection: collection,
		ID:         id,
		Version:    version,
		Src:        src,
		Seq:        seq,
		Meta:       map[string]interface{}{},
	}

	switch {
	case isTruthy(req["del"]):
		op.Del = true
	case req["create"] != nil:
		create, _ := req["create"].(map[string]interface{})
		co := &CreateOp{}
		if t, ok := create["type"].(string); ok {
			co.Type = t
		}
		co.Data = create["data"]
		op.Create = co
	default:
		op.Op = req["op"]
	}
	return op
}

func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

// handleSubmit implements spec §4.12.
func (a *Agent) handleSubmit(ctx context.Context, req map[string]interface{}) {
	collection, _ := asString(req["c"])
	id, _ := asString(req["d"])
	op := a.buildSubmitOp(collection, id, req)

	go func() {
		version, missed, err := a.backend.Submit(ctx, a, collection, id, op)
		a.enqueue(func() {
			ack := map[string]interface{}{"src": op.Src, "seq": op.Seq, "v": version}
			if err != nil {
				wireErr := toWireError(err)
				if wireErr.Code == CodeAlreadySubmitted {
					a.reply(req, ack)
					return
				}
				a.replyError(req, wireErr)
				return
			}
			a.sendOps(collection, id, missed)
			a.reply(req, ack)
		})
	}()
}
