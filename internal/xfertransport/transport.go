// Package xfertransport defines the channel abstraction the
// orchestrator consumes: something capable of carrying two named
// bidirectional streams ("Read" and "Write") of length-prefixed chunk
// messages between a client and a server. The protocol core never
// depends on a concrete transport; concrete implementations live in
// the quictransport, wstransport and webrtctransport subpackages, with
// looptransport provided for tests.
package xfertransport

import (
	"context"
	"io"
)

// Direction names one of the two streams a Conn exposes.
type Direction string

const (
	StreamRead  Direction = "read"
	StreamWrite Direction = "write"
)

// Transport is the client or server side of the channel. A server
// Transport accepts inbound connections; a client Transport dials out.
type Transport interface {
	// Dial opens a connection to the peer (client role).
	Dial(ctx context.Context) (Conn, error)
	// Accept blocks until a peer connects (server role).
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is one peer connection, exposing the two named directional
// streams the wire contract requires.
type Conn interface {
	// OpenStream opens dir as the initiator.
	OpenStream(ctx context.Context, dir Direction) (Stream, error)
	// AcceptStream accepts dir as opened by the peer.
	AcceptStream(ctx context.Context, dir Direction) (Stream, error)
	RemoteAddr() string
	Close() error
}

// Stream carries framed chunk messages both ways for one named
// direction: each peer writes to it and reads from it. Framing
// (length-prefixing) is the concrete transport's responsibility;
// callers read and write already-delimited chunk messages via
// ReadMessage/WriteMessage.
type Stream interface {
	io.Closer
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
}
