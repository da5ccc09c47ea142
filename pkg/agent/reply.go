package agent

// reply sends a success reply to req with body m (may be nil/empty), per
// spec §4.4. It echoes c, d, id from the request when they are present with a
// truthy value (not null, false, empty or zero).
func (a *Agent) reply(req map[string]interface{}, body map[string]interface{}) {
	out := map[string]interface{}{}
	for k, v := range body {
		out[k] = v
	}
	out["a"] = req["a"]
	copyCorrelation(out, req)
	a.send(out)
}

// translateOp renders a Backend op into the wire `op` shape, per spec §4.9.
func translateOp(collection, id string, op *Op) map[string]interface{} {
	out := map[string]interface{}{
		"a":   "op",
		"c":   collection,
		"d":   id,
		"src": op.Src,
		"seq": op.Seq,
	}
	if op.Version != nil {
		out["v"] = *op.Version
	}
	if op.Op != nil {
		out["op"] = op.Op
	}
	if op.Create != nil {
		out["create"] = op.Create
	}
	if op.Del {
		out["del"] = true
	}
	return out
}

func (a *Agent) sendOp(collection, id string, op *Op) {
	a.send(translateOp(collection, id, op))
}

func (a *Agent) sendOps(collection, id string, ops []*Op) {
	for _, op := range ops {
		a.sendOp(collection, id, op)
	}
}
