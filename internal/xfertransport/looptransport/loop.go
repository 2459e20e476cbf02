// Package looptransport is an in-process xfertransport.Transport pair
// for tests: no network, no framing bugs to chase, just two directly
// wired Conns sharing io.Pipes per direction.
package looptransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/chunkwire/chunkwire/internal/xfertransport"
)

// NewPair returns two connected Transports: the first behaves as the
// dialing (client) side, the second as the accepting (server) side.
func NewPair() (client, server xfertransport.Transport) {
	c := &pairedTransport{}
	s := &pairedTransport{}
	c.peer, s.peer = s, c
	return c, s
}

type pairedTransport struct {
	mu     sync.Mutex
	peer   *pairedTransport
	dialCh chan *loopConn
	once   sync.Once
	closed bool
}

func (t *pairedTransport) init() {
	t.once.Do(func() {
		t.dialCh = make(chan *loopConn, 1)
	})
}

func (t *pairedTransport) Dial(ctx context.Context) (xfertransport.Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("looptransport: transport closed")
	}

	t.init()
	t.peer.init()

	read := newPipePair()
	write := newPipePair()

	clientConn := &loopConn{streams: map[xfertransport.Direction]*pipePair{
		xfertransport.StreamRead:  read,
		xfertransport.StreamWrite: write,
	}, clientSide: true, remote: "loop-server"}
	serverConn := &loopConn{streams: map[xfertransport.Direction]*pipePair{
		xfertransport.StreamRead:  read,
		xfertransport.StreamWrite: write,
	}, clientSide: false, remote: "loop-client"}

	select {
	case t.peer.dialCh <- serverConn:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return clientConn, nil
}

func (t *pairedTransport) Accept(ctx context.Context) (xfertransport.Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("looptransport: transport closed")
	}

	t.init()
	select {
	case conn := <-t.dialCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *pairedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// pipePair backs one named direction's stream with two independent
// io.Pipes, one per flow direction, so the stream is genuinely
// full-duplex: a client-to-server byte stream and a server-to-client
// byte stream. A single io.Pipe has exactly one reader and one writer,
// so carrying both flows of a bidirectional stream over just one would
// mean both peers racing to read and write the same pipe ends.
// Grounded on the teacher's mockStream (internal/transfer/mock.go),
// which pairs a localToRemote and remoteToLocal io.Pipe per stream.
type pipePair struct {
	c2sR *io.PipeReader
	c2sW *io.PipeWriter
	s2cR *io.PipeReader
	s2cW *io.PipeWriter
}

func newPipePair() *pipePair {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	return &pipePair{c2sR: c2sR, c2sW: c2sW, s2cR: s2cR, s2cW: s2cW}
}

// loopConn implements xfertransport.Conn over two pipePairs, one per
// direction. Both the client and server loopConn share the same
// pipePair objects so that opening a stream on one side and accepting
// it on the other use the same underlying pipe.
type loopConn struct {
	streams    map[xfertransport.Direction]*pipePair
	clientSide bool
	remote     string
}

func (c *loopConn) OpenStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	return c.stream(dir), nil
}

func (c *loopConn) AcceptStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	return c.stream(dir), nil
}

// stream returns the loopStream for dir, wired so that whichever side
// this Conn represents reads the flow addressed to it and writes the
// flow addressed away from it.
func (c *loopConn) stream(dir xfertransport.Direction) *loopStream {
	pp := c.streams[dir]
	return &loopStream{pp: pp, clientSide: c.clientSide}
}

func (c *loopConn) RemoteAddr() string { return c.remote }

func (c *loopConn) Close() error {
	for _, pp := range c.streams {
		pp.c2sR.Close()
		pp.c2sW.Close()
		pp.s2cR.Close()
		pp.s2cW.Close()
	}
	return nil
}

// loopStream is one side's view of a pipePair: the client side reads
// the server-to-client pipe and writes the client-to-server one, and
// vice versa.
type loopStream struct {
	pp         *pipePair
	clientSide bool
}

func (s *loopStream) readPipe() *io.PipeReader {
	if s.clientSide {
		return s.pp.s2cR
	}
	return s.pp.c2sR
}

func (s *loopStream) writePipe() *io.PipeWriter {
	if s.clientSide {
		return s.pp.c2sW
	}
	return s.pp.s2cW
}

func (s *loopStream) ReadMessage() ([]byte, error) {
	r := s.readPipe()
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("looptransport: short message body: %w", err)
	}
	return buf, nil
}

func (s *loopStream) WriteMessage(b []byte) error {
	w := s.writePipe()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func (s *loopStream) Close() error {
	_ = s.writePipe().Close()
	return s.readPipe().Close()
}

var _ xfertransport.Transport = (*pairedTransport)(nil)
var _ xfertransport.Conn = (*loopConn)(nil)
var _ xfertransport.Stream = (*loopStream)(nil)
