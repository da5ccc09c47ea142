// Package agent implements the per-connection client-session core of the
// collaborative document server: it deserializes wire messages from a
// MessageStream, validates and dispatches them to a Backend, and fans the
// Backend's push streams back out to the client.
package agent

import "fmt"

// Op is the normalized form of a mutation, shared between the wire layer
// and the Backend. Exactly one of Op, Create, or Del is set.
type Op struct {
	Collection string
	ID         string
	Version    *int64
	Src        string
	Seq        int64

	Op     interface{} // edit payload, opaque to the Agent
	Create *CreateOp
	Del    bool

	// SourceCollection is the collection the op actually originated in, used
	// for own-op filtering against projections. Empty means "same as
	// Collection".
	SourceCollection string

	Meta map[string]interface{}
}

// CreateOp describes the snapshot and type passed on document creation.
type CreateOp struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// isOwnOp reports whether op originated from clientID for the given
// subscribed collection, per invariant 6.
func (o *Op) isOwnOp(clientID, collection string) bool {
	src := o.SourceCollection
	if src == "" {
		src = o.Collection
	}
	return o.Src == clientID && src == collection
}

// Snapshot is an opaque document snapshot returned by the Backend.
type Snapshot struct {
	Version int64
	Data    interface{}
}

// QueryResult is one row of a live-query or one-shot query result set.
type QueryResult struct {
	ID   string
	Ver  int64
	Type string
	Data interface{}
}

// QueryOptions carries the caller-supplied catch-up versions and database
// hint for a query subscription/fetch.
type QueryOptions struct {
	Versions map[string]int64
	DB       string
}

// Error is the wire error shape {code, message}.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Well-known error codes. 4000/4001 are fixed by the wire protocol; 5000 is
// this package's fallback for a Backend error that did not arrive as *Error.
const (
	CodeBadRequest       = 4000
	CodeAlreadySubmitted = 4001
	CodeInternal         = 5000
)

func errBadRequest(msg string) *Error {
	return &Error{Code: CodeBadRequest, Message: msg}
}

// toWireError normalizes an arbitrary Backend error into the wire {code,
// message} shape, preserving the code when the Backend already produced one.
func toWireError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
