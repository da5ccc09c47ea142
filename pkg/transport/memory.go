package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/coreseekdev/shareddoc/pkg/agent"
)

// MemoryStream is an in-process agent.MessageStream, grounded on this
// package's historical sendCh/recvCh/closeCh channel-triple shape for a
// transport. Two MemoryStreams created via NewMemoryStreamPair are wired so
// one side's Send feeds the other's Next, with no network involved — used
// by tests and by any in-process client.
type MemoryStream struct {
	recvCh chan map[string]interface{}
	sendCh chan map[string]interface{}

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewMemoryStreamPair returns two streams wired to each other: messages sent
// on one arrive as the Next() result on the other.
func NewMemoryStreamPair() (a, b *MemoryStream) {
	ab := make(chan map[string]interface{}, 64)
	ba := make(chan map[string]interface{}, 64)

	a = &MemoryStream{recvCh: ba, sendCh: ab, closeCh: make(chan struct{})}
	b = &MemoryStream{recvCh: ab, sendCh: ba, closeCh: make(chan struct{})}
	return a, b
}

func (s *MemoryStream) Next(ctx context.Context) (agent.RawMessage, error) {
	select {
	case msg := <-s.recvCh:
		return agent.RawMessage{Parsed: msg}, nil
	case <-s.closeCh:
		return agent.RawMessage{}, io.EOF
	case <-ctx.Done():
		return agent.RawMessage{}, ctx.Err()
	}
}

func (s *MemoryStream) Send(ctx context.Context, msg map[string]interface{}) error {
	select {
	case s.sendCh <- msg:
		return nil
	case <-s.closeCh:
		return errors.New("stream closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWithError is idempotent; it only ever closes this stream's own
// closeCh, never a shared channel, so a racing Send can never select a
// closed channel and panic.
func (s *MemoryStream) CloseWithError(err error) error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	return nil
}
