package backend

import (
	"fmt"
	"sync"

	"github.com/coreseekdev/shareddoc/pkg/agent"
	"github.com/coreseekdev/shareddoc/pkg/ot"
	"github.com/rs/zerolog"
)

// checkpointInterval is how many ops accumulate between compacted
// checkpoints of a document's text history (mirrors the snapshot-interval
// policy this package's history handling is grounded on).
const checkpointInterval = 200

// doc is one (collection, id) document's live state: its OT-maintained
// content, its full op log, and the set of DocStreams currently subscribed
// to it.
type doc struct {
	mu sync.Mutex

	collection string
	id         string
	docType    string
	exists     bool
	deleted    bool

	version int64
	content string
	ops     []*agent.Op // ops[i] is the op that took the doc from version i to i+1

	lastSeq map[string]int64          // src -> seq of the most recently applied op
	seqVer  map[string]int64          // "src\x00seq" -> version that submit produced, for 4001 replies

	subs map[string]*docStream

	checkpointContent string
	checkpointVersion int64

	log     zerolog.Logger
	patches *PatchManager
}

func newDoc(collection, id string, log zerolog.Logger, patches *PatchManager) *doc {
	return &doc{
		collection: collection,
		id:         id,
		lastSeq:    make(map[string]int64),
		seqVer:     make(map[string]int64),
		subs:       make(map[string]*docStream),
		log:        log.With().Str("collection", collection).Str("doc", id).Logger(),
		patches:    patches,
	}
}

func seqKey(src string, seq int64) string {
	return fmt.Sprintf("%s\x00%d", src, seq)
}

// snapshotLocked returns the document's current snapshot, including for a
// document that was never created (version 0, nil data) or was deleted
// (version advanced, nil data). Caller must hold mu.
func (d *doc) snapshotLocked() *agent.Snapshot {
	if !d.exists || d.deleted {
		return &agent.Snapshot{Version: d.version, Data: nil}
	}
	return &agent.Snapshot{Version: d.version, Data: d.content}
}

// opsSinceLocked returns a copy of ops[from:to] (to==nil means "to latest").
func (d *doc) opsSinceLocked(from int64, to *int64) []*agent.Op {
	if from < 0 {
		from = 0
	}
	end := d.version
	if to != nil && *to < end {
		end = *to
	}
	if from >= end {
		return nil
	}
	out := make([]*agent.Op, 0, end-from)
	out = append(out, d.ops[from:end]...)
	return out
}

// subscribe registers a new docStream for subID, returning it plus (when
// version is nil) a snapshot, or (when version is set) after having already
// pushed catch-up ops into the stream.
func (d *doc) subscribe(subID string, version *int64) (*docStream, *agent.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stream := newDocStream()
	d.subs[subID] = stream
	stream.onDestroy = func() { d.unsubscribeStream(subID, stream) }

	if version == nil {
		return stream, d.snapshotLocked(), nil
	}

	for _, op := range d.opsSinceLocked(*version, nil) {
		stream.deliver(op)
	}
	return stream, nil, nil
}

// unsubscribeStream removes subID's entry only if it still points at stream,
// so destroying a stale (already-replaced) DocStream never evicts the
// subscription that superseded it.
func (d *doc) unsubscribeStream(subID string, stream *docStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[subID] == stream {
		delete(d.subs, subID)
	}
}

// submit applies op against the document's current state, transforming it
// against any ops committed since op.Version, and returns the final version
// plus the ops the caller missed (those it hadn't yet seen).
func (d *doc) submit(op *agent.Op) (version int64, missed []*agent.Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dup, ok := d.seqVer[seqKey(op.Src, op.Seq)]; ok {
		return dup, nil, &agent.Error{Code: agent.CodeAlreadySubmitted, Message: "Op already submitted"}
	}

	switch {
	case op.Create != nil:
		if d.exists && !d.deleted {
			return d.version, nil, &agent.Error{Code: agent.CodeInternal, Message: "document already exists"}
		}
		d.exists = true
		d.deleted = false
		d.docType = op.Create.Type
		d.content = dataToString(op.Create.Data)
		d.version++
		d.checkpointContent = d.content
		d.checkpointVersion = d.version
		d.recordLocked(op, nil)
		d.broadcastLocked(op)
		return d.version, nil, nil

	case op.Del:
		if !d.exists || d.deleted {
			return d.version, nil, &agent.Error{Code: agent.CodeInternal, Message: "document does not exist"}
		}
		d.deleted = true
		d.content = ""
		d.version++
		d.recordLocked(op, nil)
		d.broadcastLocked(op)
		return d.version, nil, nil
	}

	if !d.exists || d.deleted {
		return d.version, nil, &agent.Error{Code: agent.CodeInternal, Message: "document does not exist"}
	}

	opArray, ok := op.Op.([]interface{})
	if !ok {
		return d.version, nil, &agent.Error{Code: agent.CodeBadRequest, Message: "op payload must be an operation array"}
	}
	transformed, err := ot.FromJSON(opArray)
	if err != nil {
		return d.version, nil, &agent.Error{Code: agent.CodeBadRequest, Message: err.Error()}
	}

	base := d.version
	if op.Version != nil {
		base = *op.Version
	}
	missed = d.opsSinceLocked(base, nil)
	for _, m := range missed {
		concurrentArray, ok := m.Op.([]interface{})
		if !ok {
			continue
		}
		concurrent, err := ot.FromJSON(concurrentArray)
		if err != nil {
			continue
		}
		transformed, _, err = ot.Transform(transformed, concurrent)
		if err != nil {
			return d.version, nil, &agent.Error{Code: agent.CodeInternal, Message: err.Error()}
		}
	}

	newContent, err := transformed.Apply(d.content)
	if err != nil {
		return d.version, nil, &agent.Error{Code: agent.CodeBadRequest, Message: err.Error()}
	}
	d.content = newContent
	d.version++
	d.recordLocked(op, transformed)
	d.maybeCheckpointLocked()
	d.broadcastLocked(op)

	return d.version, missed, nil
}

// recordLocked appends the (possibly rebased) op to the log and remembers
// the (src,seq) -> version mapping used to answer duplicate resubmits.
func (d *doc) recordLocked(orig *agent.Op, transformed *ot.Operation) {
	final := &agent.Op{
		Collection: d.collection,
		ID:         d.id,
		Src:        orig.Src,
		Seq:        orig.Seq,
		Create:     orig.Create,
		Del:        orig.Del,
	}
	if transformed != nil {
		final.Op = transformed.ToJSON()
	}
	v := d.version
	final.Version = &v
	d.ops = append(d.ops, final)
	d.lastSeq[orig.Src] = orig.Seq
	d.seqVer[seqKey(orig.Src, orig.Seq)] = v
}

func (d *doc) maybeCheckpointLocked() {
	if d.version-d.checkpointVersion < checkpointInterval {
		return
	}
	result := d.patches.ComputePatch(d.checkpointContent, d.content)
	stats := d.patches.GetPatchStats(result.Patch)
	d.log.Debug().
		Int64("from_version", d.checkpointVersion).
		Int64("to_version", d.version).
		Int("patch_bytes", result.PatchSize).
		Int("saved_bytes", result.SavedBytes).
		Int("diff_regions", stats.TotalDiffs).
		Msg("doc checkpoint")
	d.checkpointContent = d.content
	d.checkpointVersion = d.version
}

// broadcastLocked fans the just-applied op out to every subscriber,
// including the submitter's own DocStream — own-op filtering is the Agent's
// responsibility (spec invariant 6), not the Backend's.
func (d *doc) broadcastLocked(orig *agent.Op) {
	broadcastOp := d.ops[len(d.ops)-1]
	for _, stream := range d.subs {
		stream.deliver(broadcastOp)
	}
}

func dataToString(data interface{}) string {
	if s, ok := data.(string); ok {
		return s
	}
	if data == nil {
		return ""
	}
	return fmt.Sprintf("%v", data)
}
