package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreseekdev/shareddoc/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testAgent() *agent.Agent {
	return agent.New(noopStream{}, nil, zerolog.Nop())
}

// noopStream is an agent.MessageStream that never delivers anything; tests
// here only need an *agent.Agent for its ClientID, not a running Run loop.
type noopStream struct{}

func (noopStream) Next(ctx context.Context) (agent.RawMessage, error) { <-ctx.Done(); return agent.RawMessage{}, ctx.Err() }
func (noopStream) Send(ctx context.Context, msg map[string]interface{}) error { return nil }
func (noopStream) CloseWithError(err error) error                            { return nil }

func TestFetchNeverCreatedDocument(t *testing.T) {
	b := New(zerolog.Nop())
	snap, err := b.Fetch(context.Background(), "docs", "missing")
	require.NoError(t, err)
	require.Equal(t, int64(0), snap.Version)
	require.Nil(t, snap.Data)
}

func TestSubmitCreateThenEdit(t *testing.T) {
	b := New(zerolog.Nop())
	a := testAgent()
	ctx := context.Background()

	create := &agent.Op{Src: a.ClientID, Seq: 1, Create: &agent.CreateOp{Type: "text", Data: ""}}
	v, missed, err := b.Submit(ctx, a, "docs", "doc1", create)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	require.Empty(t, missed)

	insert := &agent.Op{Src: a.ClientID, Seq: 2, Version: int64Ptr(1), Op: []interface{}{"Hello"}}
	v, _, err = b.Submit(ctx, a, "docs", "doc1", insert)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	snap, err := b.Fetch(ctx, "docs", "doc1")
	require.NoError(t, err)
	require.Equal(t, "Hello", snap.Data)
}

func TestSubmitDuplicateSeqIsIdempotent(t *testing.T) {
	b := New(zerolog.Nop())
	a := testAgent()
	ctx := context.Background()

	create := &agent.Op{Src: a.ClientID, Seq: 1, Create: &agent.CreateOp{Type: "text", Data: ""}}
	v1, _, err := b.Submit(ctx, a, "docs", "doc1", create)
	require.NoError(t, err)

	v2, _, err := b.Submit(ctx, a, "docs", "doc1", create)
	require.Error(t, err)
	wireErr, ok := err.(*agent.Error)
	require.True(t, ok)
	require.Equal(t, agent.CodeAlreadySubmitted, wireErr.Code)
	require.Equal(t, v1, v2)
}

func TestSubscribeDeliversOpsAfterSubmit(t *testing.T) {
	b := New(zerolog.Nop())
	owner := testAgent()
	watcher := testAgent()
	ctx := context.Background()

	_, _, err := b.Submit(ctx, owner, "docs", "doc1", &agent.Op{
		Src: owner.ClientID, Seq: 1, Create: &agent.CreateOp{Type: "text", Data: ""},
	})
	require.NoError(t, err)

	stream, snap, err := b.Subscribe(ctx, watcher, "docs", "doc1", nil)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, int64(1), snap.Version)

	var mu sync.Mutex
	var received []*agent.Op
	done := make(chan struct{}, 1)
	stream.OnData(func(op *agent.Op) {
		mu.Lock()
		received = append(received, op)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	_, _, err = b.Submit(ctx, owner, "docs", "doc1", &agent.Op{
		Src: owner.ClientID, Seq: 2, Version: int64Ptr(1), Op: []interface{}{"Hi"},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("doc stream never delivered the submitted op")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, owner.ClientID, received[0].Src)

	stream.Destroy()
}

func TestUnsubscribeStaleStreamDoesNotEvictReplacement(t *testing.T) {
	b := New(zerolog.Nop())
	w := testAgent()
	ctx := context.Background()

	stream1, _, err := b.Subscribe(ctx, w, "docs", "doc1", nil)
	require.NoError(t, err)
	stream2, _, err := b.Subscribe(ctx, w, "docs", "doc1", nil)
	require.NoError(t, err)

	// Destroying the superseded stream must not remove stream2's registration.
	stream1.Destroy()

	owner := testAgent()
	_, _, err = b.Submit(ctx, owner, "docs", "doc1", &agent.Op{
		Src: owner.ClientID, Seq: 1, Create: &agent.CreateOp{Type: "text", Data: "x"},
	})
	require.NoError(t, err)

	received := make(chan *agent.Op, 1)
	stream2.OnData(func(op *agent.Op) { received <- op })

	_, _, err = b.Submit(ctx, owner, "docs", "doc1", &agent.Op{
		Src: owner.ClientID, Seq: 2, Version: int64Ptr(1), Op: []interface{}{"y"},
	})
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("stream2 never received the op; stale destroy evicted the live subscription")
	}
	stream2.Destroy()
}

func TestQuerySubscribeMatchesByFieldAndTracksInserts(t *testing.T) {
	b := New(zerolog.Nop())
	owner := testAgent()
	watcher := testAgent()
	ctx := context.Background()

	_, _, err := b.Submit(ctx, owner, "docs", "doc1", &agent.Op{
		Src: owner.ClientID, Seq: 1, Create: &agent.CreateOp{Type: "text", Data: `{"status":"open"}`},
	})
	require.NoError(t, err)

	qe, results, _, err := b.QuerySubscribe(ctx, watcher, "docs", map[string]interface{}{"status": "open"}, agent.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc1", results[0].ID)

	var diffs []agent.QueryDiffEntry
	done := make(chan struct{}, 1)
	qe.OnDiff(func(d []agent.QueryDiffEntry) {
		diffs = append(diffs, d...)
		done <- struct{}{}
	})

	_, _, err = b.Submit(ctx, owner, "docs", "doc2", &agent.Op{
		Src: owner.ClientID, Seq: 1, Create: &agent.CreateOp{Type: "text", Data: `{"status":"open"}`},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("query emitter never received the insert diff")
	}
	require.Len(t, diffs, 1)
	require.Equal(t, "insert", diffs[0].Type)
	qe.Destroy()
}

func int64Ptr(v int64) *int64 { return &v }
