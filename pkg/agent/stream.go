package agent

import "context"

// RawMessage is what MessageStream.Next hands back for one inbound message.
// Transports that already parse frames (e.g. WebSocket JSON frames) deliver
// Parsed; transports that only have byte/text frames deliver Text and let
// the Agent parse it as JSON (spec §4.2).
type RawMessage struct {
	Parsed map[string]interface{}
	Text   string
}

// MessageStream is a duplex, message-oriented channel to one client.
// Implementations are provided by package transport (WebSocket, in-process).
type MessageStream interface {
	// Next blocks until the next inbound message is available, the stream
	// ends (returns io.EOF), or ctx is done.
	Next(ctx context.Context) (RawMessage, error)

	// Send writes one outbound message. Implementations must preserve the
	// order in which Send is called.
	Send(ctx context.Context, msg map[string]interface{}) error

	// CloseWithError ends this side of the stream. A non-nil err is only
	// reported locally (the WebSocket transport logs it); it is not sent to
	// the remote side. Idempotent.
	CloseWithError(err error) error
}
