package agent_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coreseekdev/shareddoc/pkg/agent"
	"github.com/coreseekdev/shareddoc/pkg/backend"
	"github.com/coreseekdev/shareddoc/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestAgent wires one Agent to a fresh MemoryBackend over a MemoryStream
// pair, runs it in the background, and hands the test the client-side half
// of the stream to drive the protocol directly.
func newTestAgent(t *testing.T) (client *transport.MemoryStream, a *agent.Agent, done func()) {
	t.Helper()
	be := backend.New(zerolog.Nop())
	clientSide, agentSide := transport.NewMemoryStreamPair()
	a = agent.New(agentSide, be, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	return clientSide, a, cancel
}

func recvAction(t *testing.T, c *transport.MemoryStream, action string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		raw, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", action, err)
		}
		if a, _ := raw.Parsed["a"].(string); a == action {
			return raw.Parsed
		}
	}
}

func send(t *testing.T, c *transport.MemoryStream, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, c.Send(context.Background(), msg))
}

func TestInitHandshake(t *testing.T) {
	client, _, cancel := newTestAgent(t)
	defer cancel()

	msg := recvAction(t, client, "init", 2*time.Second)
	require.Equal(t, float64(0), toFloat(msg["protocol"]))
	require.NotEmpty(t, msg["id"])
}

func TestSubAndSubmitRoundTrip(t *testing.T) {
	client, _, cancel := newTestAgent(t)
	defer cancel()
	recvAction(t, client, "init", 2*time.Second)

	send(t, client, map[string]interface{}{"a": "sub", "c": "docs", "d": "doc1"})
	subReply := recvAction(t, client, "sub", 2*time.Second)
	require.Equal(t, "doc1", subReply["d"])

	send(t, client, map[string]interface{}{
		"a": "op", "c": "docs", "d": "doc1", "v": float64(0),
		"create": map[string]interface{}{"type": "text", "data": ""},
	})
	ack := recvAction(t, client, "op", 2*time.Second)
	require.Equal(t, float64(1), toFloat(ack["v"]))
}

// TestOwnOpFiltering verifies invariant 6: a client never receives its own
// op echoed back over its DocStream subscription.
func TestOwnOpFiltering(t *testing.T) {
	clientA, _, cancelA := newTestAgent(t)
	defer cancelA()
	recvAction(t, clientA, "init", 2*time.Second)

	send(t, clientA, map[string]interface{}{"a": "sub", "c": "docs", "d": "doc1"})
	recvAction(t, clientA, "sub", 2*time.Second)

	send(t, clientA, map[string]interface{}{
		"a": "op", "c": "docs", "d": "doc1", "v": float64(0),
		"create": map[string]interface{}{"type": "text", "data": ""},
	})
	recvAction(t, clientA, "op", 2*time.Second)

	// No further "op" message should arrive for this client's own create.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := clientA.Next(ctx)
	require.Error(t, err, "expected no further op delivery, own op should be filtered")
}

// TestDuplicateSubmitTreatedAsSuccess covers spec code 4001: resubmitting
// the same (src, seq) a second time replies success instead of an error.
func TestDuplicateSubmitTreatedAsSuccess(t *testing.T) {
	client, _, cancel := newTestAgent(t)
	defer cancel()
	recvAction(t, client, "init", 2*time.Second)

	submit := map[string]interface{}{
		"a": "op", "c": "docs", "d": "doc1", "v": float64(0), "seq": float64(1),
		"create": map[string]interface{}{"type": "text", "data": ""},
	}
	send(t, client, submit)
	ack1 := recvAction(t, client, "op", 2*time.Second)
	require.Nil(t, ack1["error"])

	send(t, client, submit)
	ack2 := recvAction(t, client, "op", 2*time.Second)
	require.Nil(t, ack2["error"])
	require.Equal(t, ack1["v"], ack2["v"])
}

// TestBulkSubscribeAllSucceed is the happy path: every collection in the
// batch subscribes successfully and the reply carries a snapshot/sentinel
// per requested id.
func TestBulkSubscribeAllSucceed(t *testing.T) {
	client, _, cancel := newTestAgent(t)
	defer cancel()
	recvAction(t, client, "init", 2*time.Second)

	send(t, client, map[string]interface{}{
		"a": "bs", "s": map[string]interface{}{
			"docs": map[string]interface{}{"doc1": nil, "doc2": nil},
		},
	})
	reply := recvAction(t, client, "bs", 2*time.Second)
	require.NotNil(t, reply["s"])
}

// TestBulkSubscribePartialFailureCleansUp covers spec §4.6 and literal
// Scenario 4 (§8): if any collection in a bulk subscribe request fails, no
// stream from the batch is left installed. It uses a Backend double that
// fails SubscribeBulk for one collection while delegating every other call
// to a real MemoryBackend, so the succeeding collection's DocStream is a
// live, Backend-owned resource that must actually be destroyed rather than
// merely never reported.
func TestBulkSubscribePartialFailureCleansUp(t *testing.T) {
	be := &partialFailBackend{MemoryBackend: backend.New(zerolog.Nop()), failCollection: "bad"}
	clientSide, agentSide := transport.NewMemoryStreamPair()
	a := agent.New(agentSide, be, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	recvAction(t, clientSide, "init", 2*time.Second)

	send(t, clientSide, map[string]interface{}{
		"a": "bs", "s": map[string]interface{}{
			"good": map[string]interface{}{"doc1": nil},
			"bad":  map[string]interface{}{"doc2": nil},
		},
	})
	reply := recvAction(t, clientSide, "bs", 2*time.Second)
	require.NotNil(t, reply["error"], "expected the batch to fail because one collection failed")

	// The "good" collection's stream must have been destroyed by the
	// leak-prevention sweep: a later op on that document, submitted by a
	// second independent agent, must never reach this client.
	clientSide2, agentSide2 := transport.NewMemoryStreamPair()
	a2 := agent.New(agentSide2, be, zerolog.Nop())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go a2.Run(ctx2)
	recvAction(t, clientSide2, "init", 2*time.Second)

	send(t, clientSide2, map[string]interface{}{
		"a": "op", "c": "good", "d": "doc1", "v": float64(0),
		"create": map[string]interface{}{"type": "text", "data": ""},
	})
	recvAction(t, clientSide2, "op", 2*time.Second)

	readCtx, readCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer readCancel()
	_, err := clientSide.Next(readCtx)
	require.Error(t, err, "stream from the failed bulk subscribe should have been destroyed, not left delivering ops")
}

// partialFailBackend wraps a real MemoryBackend and fails SubscribeBulk for
// one chosen collection, so a bulk subscribe spanning multiple collections
// can exercise the partial-failure cleanup path against live, Backend-owned
// resources for the collections that do succeed.
type partialFailBackend struct {
	*backend.MemoryBackend
	failCollection string
}

func (f *partialFailBackend) SubscribeBulk(ctx context.Context, a *agent.Agent, collection string, versions map[string]*int64) (map[string]agent.DocStream, map[string]*agent.Snapshot, error) {
	if collection == f.failCollection {
		return nil, nil, &agent.Error{Code: agent.CodeInternal, Message: "injected failure for test"}
	}
	return f.MemoryBackend.SubscribeBulk(ctx, a, collection, versions)
}

// TestCleanupDestroysSubscriptionsOnClose covers invariant 2: closing the
// Agent must not leave any Backend-side DocStream subscription alive.
func TestCleanupDestroysSubscriptionsOnClose(t *testing.T) {
	be := backend.New(zerolog.Nop())
	clientSide, agentSide := transport.NewMemoryStreamPair()
	a := agent.New(agentSide, be, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	recvAction(t, clientSide, "init", 2*time.Second)

	send(t, clientSide, map[string]interface{}{"a": "sub", "c": "docs", "d": "doc1"})
	recvAction(t, clientSide, "sub", 2*time.Second)

	cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent never finished cleanup after context cancellation")
	}

	// After the first agent's cleanup, the shared backend must still accept
	// a submit to the same document from a second, independent agent.
	clientSide2, agentSide2 := transport.NewMemoryStreamPair()
	a2 := agent.New(agentSide2, be, zerolog.Nop())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go a2.Run(ctx2)
	recvAction(t, clientSide2, "init", 2*time.Second)

	send(t, clientSide2, map[string]interface{}{
		"a": "op", "c": "docs", "d": "doc1", "v": float64(0),
		"create": map[string]interface{}{"type": "text", "data": ""},
	})
	recvAction(t, clientSide2, "op", 2*time.Second)
}

// TestQuerySubscribeReceivesLiveInsert covers §4.8/§4.10: qsub replies with
// the current match set, then a later matching create is pushed as a diff.
func TestQuerySubscribeReceivesLiveInsert(t *testing.T) {
	client, _, cancel := newTestAgent(t)
	defer cancel()
	recvAction(t, client, "init", 2*time.Second)

	send(t, client, map[string]interface{}{
		"a": "qsub", "id": float64(1), "c": "docs",
		"q": map[string]interface{}{"status": "open"},
	})
	qreply := recvAction(t, client, "qsub", 2*time.Second)
	data, _ := qreply["data"].([]interface{})
	require.Len(t, data, 0)

	send(t, client, map[string]interface{}{
		"a": "op", "c": "docs", "d": "doc1", "v": float64(0),
		"create": map[string]interface{}{"type": "text", "data": `{"status":"open"}`},
	})

	// The backend emits the diff while handling the submit, so the "q"
	// message reaches the client before the submit's "op" ack.
	qmsg := recvAction(t, client, "q", 2*time.Second)
	require.Equal(t, float64(1), toFloat(qmsg["id"]))
	require.NotNil(t, qmsg["diff"])

	recvAction(t, client, "op", 2*time.Second)
}

// textOnceStream hands back one Text-only frame (as a byte/line-oriented
// transport would, with no pre-parsing) and then blocks until closed,
// recording every outbound Send and the error CloseWithError was called
// with, so a test can inspect how the Agent reacted to that one frame.
type textOnceStream struct {
	mu       sync.Mutex
	text     string
	used     bool
	sent     []map[string]interface{}
	closed   bool
	closeErr error
	closeCh  chan struct{}
}

func newTextOnceStream(text string) *textOnceStream {
	return &textOnceStream{text: text, closeCh: make(chan struct{})}
}

func (s *textOnceStream) Next(ctx context.Context) (agent.RawMessage, error) {
	s.mu.Lock()
	if !s.used {
		s.used = true
		s.mu.Unlock()
		return agent.RawMessage{Text: s.text}, nil
	}
	s.mu.Unlock()
	select {
	case <-s.closeCh:
		return agent.RawMessage{}, io.EOF
	case <-ctx.Done():
		return agent.RawMessage{}, ctx.Err()
	}
}

func (s *textOnceStream) Send(ctx context.Context, msg map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *textOnceStream) CloseWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeErr = err
		close(s.closeCh)
	}
	return nil
}

// TestMalformedJSONClosesAgent covers spec §4.2/§7 item 2: a frame that
// fails to parse as JSON is a transport-level error and closes the Agent,
// it is not reported back as a {error: {code: 4000, ...}} protocol reply.
func TestMalformedJSONClosesAgent(t *testing.T) {
	stream := newTextOnceStream("{not valid json")
	a := agent.New(stream, backend.New(zerolog.Nop()), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent never closed after a malformed JSON frame")
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.True(t, stream.closed)
	require.Error(t, stream.closeErr)
	require.Len(t, stream.sent, 1, "only the initial init handshake should have been sent, no error reply")
	require.Equal(t, "init", stream.sent[0]["a"])
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return -1
	}
}
