// Package transport provides agent.MessageStream implementations: a
// WebSocket transport for real clients and an in-process transport for
// tests. The WebSocket transport runs a readPump/writePump goroutine pair
// over buffered channels; the in-process transport is a pair of buffered
// channels with no goroutines of its own. Both carry the sub/bs/op/qsub
// protocol as plain JSON-object messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreseekdev/shareddoc/pkg/agent"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

// WSStream is an agent.MessageStream over one WebSocket connection.
type WSStream struct {
	conn *websocket.Conn
	log  zerolog.Logger

	recv chan agent.RawMessage
	send chan map[string]interface{}

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWSStream wraps an already-upgraded WebSocket connection and starts its
// read/write pumps.
func NewWSStream(conn *websocket.Conn, log zerolog.Logger) *WSStream {
	s := &WSStream{
		conn:    conn,
		log:     log,
		recv:    make(chan agent.RawMessage, 64),
		send:    make(chan map[string]interface{}, 64),
		closeCh: make(chan struct{}),
	}
	go s.readPump()
	go s.writePump()
	return s
}

func (s *WSStream) Next(ctx context.Context) (agent.RawMessage, error) {
	select {
	case msg, ok := <-s.recv:
		if !ok {
			return agent.RawMessage{}, io.EOF
		}
		return msg, nil
	case <-s.closeCh:
		return agent.RawMessage{}, io.EOF
	case <-ctx.Done():
		return agent.RawMessage{}, ctx.Err()
	}
}

func (s *WSStream) Send(ctx context.Context, msg map[string]interface{}) error {
	select {
	case s.send <- msg:
		return nil
	case <-s.closeCh:
		return errors.New("stream closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WSStream) CloseWithError(err error) error {
	s.closeOnce.Do(func() {
		if err != nil {
			s.log.Debug().Err(err).Msg("closing websocket stream")
		}
		close(s.closeCh)
	})
	return nil
}

func (s *WSStream) readPump() {
	defer func() {
		s.CloseWithError(nil)
		close(s.recv)
		s.conn.Close()
	}()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			select {
			case s.recv <- agent.RawMessage{Text: string(raw)}:
			case <-s.closeCh:
				return
			}
			continue
		}
		select {
		case s.recv <- agent.RawMessage{Parsed: parsed}:
		case <-s.closeCh:
			return
		}
	}
}

func (s *WSStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.CloseWithError(err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.CloseWithError(err)
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// Server upgrades incoming HTTP connections to WebSocket and runs one
// agent.Agent per connection against a shared Backend.
type Server struct {
	addr    string
	backend agent.Backend
	log     zerolog.Logger
	server  *http.Server

	mu     sync.Mutex
	agents map[*agent.Agent]struct{}
}

// NewServer constructs a Server listening on addr and serving Agents backed
// by backend.
func NewServer(addr string, backend agent.Backend, log zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		backend: backend,
		log:     log.With().Str("component", "transport").Logger(),
		agents:  make(map[*agent.Agent]struct{}),
	}
}

// ListenAndServe blocks serving WebSocket connections until ctx is done.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	return srv.ListenAndServeWithReady(ctx, nil)
}

// ListenAndServeWithReady behaves like ListenAndServe, but additionally
// writes the bound address to ready (once) as soon as the listener is up —
// useful in tests that bind an ephemeral port (":0") and need to know which
// one was chosen before dialing it.
func (srv *Server) ListenAndServeWithReady(ctx context.Context, ready chan<- string) error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleWebSocket)
	srv.server = &http.Server{Handler: mux}

	if ready != nil {
		ready <- ln.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return srv.server.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (srv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	stream := NewWSStream(conn, srv.log)
	a := agent.New(stream, srv.backend, srv.log)

	srv.mu.Lock()
	srv.agents[a] = struct{}{}
	srv.mu.Unlock()

	// r.Context() is cancelled as soon as this handler returns, so the Agent
	// runs on its own context and ends when the connection does.
	go func() {
		a.Run(context.Background())
		srv.mu.Lock()
		delete(srv.agents, a)
		srv.mu.Unlock()
	}()
}
