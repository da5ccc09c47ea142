package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStreamPairRoundTrip(t *testing.T) {
	a, b := NewMemoryStreamPair()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, map[string]interface{}{"a": "ping"}))

	raw, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "ping", raw.Parsed["a"])
}

func TestMemoryStreamCloseIsIdempotentAndDoesNotPanicConcurrentSend(t *testing.T) {
	a, b := NewMemoryStreamPair()

	require.NoError(t, a.CloseWithError(nil))
	require.NoError(t, a.CloseWithError(nil)) // second close must not panic

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	// b's own channels are untouched by a's close; sending on b must still
	// be safe (regression check for the shared-channel-close panic).
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Send(context.Background(), map[string]interface{}{"a": "still alive"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send on the still-open side blocked unexpectedly")
	}
}
