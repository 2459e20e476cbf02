// Package wstransport implements xfertransport.Transport over
// github.com/gorilla/websocket. A single websocket connection carries
// both named directions multiplexed by a one-byte tag prefixed to
// every binary message; gorilla already frames messages, so no
// additional length-prefixing is needed on top.
package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chunkwire/chunkwire/internal/xfertransport"
)

const (
	tagRead  byte = 0
	tagWrite byte = 1
)

func tagFor(dir xfertransport.Direction) byte {
	if dir == xfertransport.StreamWrite {
		return tagWrite
	}
	return tagRead
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is a websocket-backed server-side xfertransport.Transport. It
// is driven by an http.Server calling ServeHTTP on each upgrade
// request; accepted connections are delivered through Accept.
type Server struct {
	accepted chan xfertransport.Conn
}

// NewServer returns a Server ready to be registered as an http.Handler.
func NewServer() *Server {
	return &Server{accepted: make(chan xfertransport.Conn, 8)}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.accepted <- newConn(conn)
}

func (s *Server) Dial(ctx context.Context) (xfertransport.Conn, error) {
	return nil, fmt.Errorf("wstransport: server transport cannot Dial")
}

func (s *Server) Accept(ctx context.Context) (xfertransport.Conn, error) {
	select {
	case c := <-s.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) Close() error { return nil }

// Client is a websocket-backed client-side xfertransport.Transport.
type Client struct {
	url string
}

// NewClient returns a Transport that dials url (e.g. "ws://host:port/chunkwire").
func NewClient(url string) *Client { return &Client{url: url} }

func (c *Client) Dial(ctx context.Context) (xfertransport.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", c.url, err)
	}
	return newConn(conn), nil
}

func (c *Client) Accept(ctx context.Context) (xfertransport.Conn, error) {
	return nil, fmt.Errorf("wstransport: client transport cannot Accept")
}

func (c *Client) Close() error { return nil }

type wsConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	chans    map[byte]chan []byte
	demuxErr chan error
	once     sync.Once
}

func newConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:     conn,
		chans:    map[byte]chan []byte{tagRead: make(chan []byte, 32), tagWrite: make(chan []byte, 32)},
		demuxErr: make(chan error, 1),
	}
	go c.demux()
	return c
}

func (c *wsConn) demux() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.demuxErr <- err
			for _, ch := range c.chans {
				close(ch)
			}
			return
		}
		if len(data) < 1 {
			continue
		}
		tag, payload := data[0], data[1:]
		ch, ok := c.chans[tag]
		if !ok {
			continue
		}
		body := make([]byte, len(payload))
		copy(body, payload)
		ch <- body
	}
}

func (c *wsConn) OpenStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	return &wsStream{conn: c, tag: tagFor(dir)}, nil
}

func (c *wsConn) AcceptStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	return &wsStream{conn: c, tag: tagFor(dir)}, nil
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error { return c.conn.Close() }

type wsStream struct {
	conn *wsConn
	tag  byte
}

func (s *wsStream) ReadMessage() ([]byte, error) {
	ch := s.conn.chans[s.tag]
	select {
	case body, ok := <-ch:
		if !ok {
			select {
			case err := <-s.conn.demuxErr:
				return nil, err
			default:
				return nil, fmt.Errorf("wstransport: stream closed")
			}
		}
		return body, nil
	}
}

func (s *wsStream) WriteMessage(b []byte) error {
	framed := make([]byte, 1+len(b))
	framed[0] = s.tag
	copy(framed[1:], b)

	s.conn.writeMu.Lock()
	defer s.conn.writeMu.Unlock()
	return s.conn.conn.WriteMessage(websocket.BinaryMessage, framed)
}

func (s *wsStream) Close() error { return nil }

var _ xfertransport.Transport = (*Server)(nil)
var _ xfertransport.Transport = (*Client)(nil)
var _ xfertransport.Conn = (*wsConn)(nil)
var _ xfertransport.Stream = (*wsStream)(nil)
var _ http.Handler = (*Server)(nil)
