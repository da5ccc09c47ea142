package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/coreseekdev/shareddoc/pkg/backend"
	"github.com/coreseekdev/shareddoc/pkg/transport"
	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// MockWebSocket wraps a real gorilla/websocket client connection. When it is
// given a goja VM it calls the onOpen/onMessage/onClose JavaScript callbacks
// stored on it; the tests in this file pass no VM and drive the
// sub/bs/op/qsub protocol from Go over a live network round trip.
type MockWebSocket struct {
	conn      *websocket.Conn
	url       string
	vm        *goja.Runtime
	onMessage goja.Value
	onOpen    goja.Value
	onClose   goja.Value
	messageCh chan map[string]interface{}
	connected bool
	t         *testing.T
}

func NewMockWebSocket(t *testing.T, vm *goja.Runtime, url string) *MockWebSocket {
	return &MockWebSocket{
		url:       url,
		vm:        vm,
		messageCh: make(chan map[string]interface{}, 100),
		t:         t,
	}
}

func (m *MockWebSocket) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(m.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	m.conn = conn
	m.connected = true
	go m.receiveMessages()
	m.callVoid(m.onOpen)
	return nil
}

func (m *MockWebSocket) receiveMessages() {
	for {
		var msg map[string]interface{}
		if err := m.conn.ReadJSON(&msg); err != nil {
			m.callVoid(m.onClose)
			return
		}
		select {
		case m.messageCh <- msg:
		default:
			m.t.Logf("warning: message channel full, dropping message")
		}
		if m.vm != nil && m.onMessage != nil && !goja.IsUndefined(m.onMessage) && !goja.IsNull(m.onMessage) {
			if fn, ok := goja.AssertFunction(m.onMessage); ok {
				b, _ := json.Marshal(msg)
				if _, err := fn(goja.Undefined(), m.vm.ToValue(string(b))); err != nil {
					m.t.Logf("warning: onMessage callback failed: %v", err)
				}
			}
		}
	}
}

func (m *MockWebSocket) callVoid(fn goja.Value) {
	if m.vm == nil || fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return
	}
	if f, ok := goja.AssertFunction(fn); ok {
		_, _ = f(goja.Undefined())
	}
}

// Send writes one protocol message (an a: "sub"/"bs"/"op"/... object).
func (m *MockWebSocket) Send(msg map[string]interface{}) error {
	if !m.connected || m.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return m.conn.WriteJSON(msg)
}

func (m *MockWebSocket) Close() error {
	if !m.connected || m.conn == nil {
		return nil
	}
	m.connected = false
	return m.conn.Close()
}

// WaitForAction blocks until a message with the given "a" field arrives.
func (m *MockWebSocket) WaitForAction(action string, timeout time.Duration) (map[string]interface{}, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-m.messageCh:
			if a, _ := msg["a"].(string); a == action {
				return msg, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("timeout waiting for %q message", action)
		}
	}
}

// startTestServer spins up a transport.Server on an ephemeral loopback port
// backed by a fresh in-memory backend, and returns its ws:// base URL.
func startTestServer(t *testing.T) (url string, shutdown func()) {
	t.Helper()
	be := backend.New(zerolog.Nop())
	srv := transport.NewServer("127.0.0.1:0", be, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	ready := make(chan string, 1)

	go func() {
		errCh <- srv.ListenAndServeWithReady(ctx, ready)
	}()

	select {
	case addr := <-ready:
		return "ws://" + addr + "/", func() { cancel() }
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to start")
	}
	return "", func() {}
}

func TestWebSocketConnectionInit(t *testing.T) {
	url, shutdown := startTestServer(t)
	defer shutdown()

	ws := NewMockWebSocket(t, nil, url)
	require.NoError(t, ws.Connect())
	defer ws.Close()

	msg, err := ws.WaitForAction("init", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, float64(0), msg["protocol"])
	require.NotEmpty(t, msg["id"])
}

// TestCollaborativeEditing exercises sub + op across two real WebSocket
// connections against the collection/docId protocol: ops submitted by one
// client are acked to it and pushed to the other subscriber.
func TestCollaborativeEditing(t *testing.T) {
	url, shutdown := startTestServer(t)
	defer shutdown()

	collection := "docs"
	docID := fmt.Sprintf("e2e-%d", time.Now().UnixNano())

	ws1 := NewMockWebSocket(t, nil, url)
	require.NoError(t, ws1.Connect())
	defer ws1.Close()
	_, err := ws1.WaitForAction("init", 2*time.Second)
	require.NoError(t, err)

	ws2 := NewMockWebSocket(t, nil, url)
	require.NoError(t, ws2.Connect())
	defer ws2.Close()
	_, err = ws2.WaitForAction("init", 2*time.Second)
	require.NoError(t, err)

	sub := map[string]interface{}{"a": "sub", "c": collection, "d": docID}
	require.NoError(t, ws1.Send(sub))
	require.NoError(t, ws2.Send(sub))

	_, err = ws1.WaitForAction("sub", 2*time.Second)
	require.NoError(t, err)
	_, err = ws2.WaitForAction("sub", 2*time.Second)
	require.NoError(t, err)

	submit := map[string]interface{}{
		"a": "op",
		"c": collection,
		"d": docID,
		"v": float64(0),
		"create": map[string]interface{}{
			"type": "http://sharejs.org/types/textv1",
			"data": "",
		},
	}
	require.NoError(t, ws2.Send(submit))

	ack, err := ws2.WaitForAction("op", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, ack["v"])

	insertOp := map[string]interface{}{
		"a":  "op",
		"c":  collection,
		"d":  docID,
		"v":  float64(1),
		"op": []interface{}{"Hello"},
	}
	require.NoError(t, ws2.Send(insertOp))

	_, err = ws2.WaitForAction("op", 2*time.Second)
	require.NoError(t, err)

	remoteOp, err := ws1.WaitForAction("op", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, docID, remoteOp["d"])
}
