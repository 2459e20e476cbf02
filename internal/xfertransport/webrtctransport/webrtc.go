// Package webrtctransport implements xfertransport.Transport over
// github.com/pion/webrtc/v4 data channels: one label ("read"/"write")
// per named direction, SDP offer/answer and ICE candidates exchanged
// over a short-lived TCP signaling connection, bulk chunk messages
// carried data-channel-message-per-chunk (no extra length prefix
// needed; data channels are already message-framed).
package webrtctransport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/chunkwire/chunkwire/internal/xfertransport"
)

// Config holds WebRTC transport configuration.
type Config struct {
	// StunServers is the ICE server list offered to pion/webrtc's
	// agent for NAT traversal. Defaults to DefaultStunServers.
	StunServers []string
	// Ordered is not consulted when data channels are created: both
	// data channels are always opened with reliable-ordered delivery,
	// whatever its value.
	Ordered bool
	Logger  *slog.Logger
}

// DefaultStunServers is the STUN list used when Config.StunServers is
// empty.
var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

// DefaultConfig returns the default WebRTC transport configuration.
func DefaultConfig() Config {
	return Config{StunServers: DefaultStunServers, Ordered: true}
}

func (c Config) withDefaults() Config {
	if len(c.StunServers) == 0 {
		c.StunServers = DefaultStunServers
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	iceServers := []webrtc.ICEServer{{URLs: cfg.StunServers}}
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

// sdpMessage is the wire shape exchanged over the TCP signaling
// connection: one JSON object per line.
type sdpMessage struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

func gatherAndSend(pc *webrtc.PeerConnection, enc *json.Encoder) error {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("webrtctransport: timed out waiting for ICE gathering")
	}
	return enc.Encode(sdpMessage{SDP: *pc.LocalDescription()})
}

// Server is a WebRTC-backed server-side xfertransport.Transport. Each
// Accept performs one TCP-signaled offer/answer exchange and hands
// back a Conn wrapping the resulting PeerConnection.
type Server struct {
	cfg Config
	ln  net.Listener
}

// Listen starts the TCP signaling listener at addr. The chunk data
// itself never touches this socket; it closes once the SDP answer is
// written.
func Listen(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("webrtctransport: listen %s: %w", addr, err)
	}
	return &Server{cfg: cfg.withDefaults(), ln: ln}, nil
}

func (s *Server) Dial(ctx context.Context) (xfertransport.Conn, error) {
	return nil, fmt.Errorf("webrtctransport: server transport cannot Dial")
}

func (s *Server) Accept(ctx context.Context) (xfertransport.Conn, error) {
	type result struct {
		conn xfertransport.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := s.ln.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		conn, err := s.answer(c)
		done <- result{conn: conn, err: err}
	}()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) answer(sigConn net.Conn) (xfertransport.Conn, error) {
	defer sigConn.Close()

	pc, err := newPeerConnection(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtctransport: new peer connection: %w", err)
	}

	var msg sdpMessage
	if err := json.NewDecoder(sigConn).Decode(&msg); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: reading offer: %w", err)
	}
	if err := pc.SetRemoteDescription(msg.SDP); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: set remote description: %w", err)
	}

	conn := newConn(pc, s.cfg.Logger, false)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: set local description: %w", err)
	}
	if err := gatherAndSend(pc, json.NewEncoder(sigConn)); err != nil {
		pc.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Server) Close() error { return s.ln.Close() }

// Client is a WebRTC-backed client-side xfertransport.Transport.
type Client struct {
	cfg        Config
	signalAddr string
}

// NewClient returns a Transport that signals against signalAddr (a
// webrtctransport.Server's Listen address).
func NewClient(signalAddr string, cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults(), signalAddr: signalAddr}
}

func (c *Client) Dial(ctx context.Context) (xfertransport.Conn, error) {
	var d net.Dialer
	sigConn, err := d.DialContext(ctx, "tcp", c.signalAddr)
	if err != nil {
		return nil, fmt.Errorf("webrtctransport: dial signaling %s: %w", c.signalAddr, err)
	}
	defer sigConn.Close()

	pc, err := newPeerConnection(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtctransport: new peer connection: %w", err)
	}

	conn := newConn(pc, c.cfg.Logger, true)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: set local description: %w", err)
	}
	if err := gatherAndSend(pc, json.NewEncoder(sigConn)); err != nil {
		pc.Close()
		return nil, err
	}

	var msg sdpMessage
	if err := json.NewDecoder(sigConn).Decode(&msg); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: reading answer: %w", err)
	}
	if err := pc.SetRemoteDescription(msg.SDP); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtctransport: set remote description: %w", err)
	}
	return conn, nil
}

func (c *Client) Accept(ctx context.Context) (xfertransport.Conn, error) {
	return nil, fmt.Errorf("webrtctransport: client transport cannot Accept")
}

func (c *Client) Close() error { return nil }

// rtcConn wraps one PeerConnection and implements xfertransport.Conn.
// The dialer side opens both named data channels; the answering side
// waits for them by label.
type rtcConn struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger
	dialer bool

	mu       sync.Mutex
	incoming map[xfertransport.Direction]chan *webrtc.DataChannel
}

func newConn(pc *webrtc.PeerConnection, logger *slog.Logger, dialer bool) *rtcConn {
	c := &rtcConn{
		pc:     pc,
		logger: logger,
		dialer: dialer,
		incoming: map[xfertransport.Direction]chan *webrtc.DataChannel{
			xfertransport.StreamRead:  make(chan *webrtc.DataChannel, 1),
			xfertransport.StreamWrite: make(chan *webrtc.DataChannel, 1),
		},
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dir := xfertransport.Direction(dc.Label())
		c.mu.Lock()
		ch, ok := c.incoming[dir]
		c.mu.Unlock()
		if !ok {
			logger.Warn("incoming data channel with unknown label, dropping", "label", dc.Label())
			dc.Close()
			return
		}
		select {
		case ch <- dc:
		default:
			logger.Warn("duplicate data channel for direction, dropping", "direction", dir)
			dc.Close()
		}
	})
	return c
}

func (c *rtcConn) OpenStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(string(dir), &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("webrtctransport: create data channel %s: %w", dir, err)
	}
	return waitOpen(ctx, dc, c.logger)
}

func (c *rtcConn) AcceptStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	c.mu.Lock()
	ch := c.incoming[dir]
	c.mu.Unlock()
	select {
	case dc := <-ch:
		return waitOpen(ctx, dc, c.logger)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitOpen(ctx context.Context, dc *webrtc.DataChannel, logger *slog.Logger) (xfertransport.Stream, error) {
	stream := newStream(dc, logger)
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		return stream, nil
	}
	openCh := make(chan struct{})
	dc.OnOpen(func() { close(openCh) })
	select {
	case <-openCh:
		return stream, nil
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		dc.Close()
		return nil, fmt.Errorf("webrtctransport: timed out waiting for data channel %s to open", dc.Label())
	}
}

func (c *rtcConn) RemoteAddr() string {
	if pair, err := c.pc.SCTP().Transport().ICETransport().GetSelectedCandidatePair(); err == nil && pair != nil {
		return pair.Remote.String()
	}
	return "webrtc-peer"
}

func (c *rtcConn) Close() error { return c.pc.Close() }

// stream wraps one data channel and implements xfertransport.Stream.
// Each Send/OnMessage pair is already one discrete message, so
// ReadMessage/WriteMessage need no extra length-prefix framing.
type stream struct {
	dc     *webrtc.DataChannel
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	readErr error
	closed  bool
}

func newStream(dc *webrtc.DataChannel, logger *slog.Logger) *stream {
	s := &stream{dc: dc, logger: logger}
	s.cond = sync.NewCond(&s.mu)

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		s.queue = append(s.queue, msg.Data)
		s.mu.Unlock()
		s.cond.Signal()
	})
	dc.OnError(func(err error) {
		s.mu.Lock()
		if s.readErr == nil {
			s.readErr = err
		}
		s.mu.Unlock()
		s.cond.Signal()
	})
	dc.OnClose(func() {
		s.mu.Lock()
		if s.readErr == nil {
			s.readErr = io.EOF
		}
		s.mu.Unlock()
		s.cond.Signal()
	})
	return s
}

func (s *stream) ReadMessage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && s.readErr == nil {
		s.cond.Wait()
	}
	if len(s.queue) > 0 {
		msg := s.queue[0]
		s.queue = s.queue[1:]
		return msg, nil
	}
	return nil, s.readErr
}

func (s *stream) WriteMessage(b []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.mu.Unlock()
	if err := s.dc.Send(b); err != nil {
		return fmt.Errorf("webrtctransport: send: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.readErr == nil {
		s.readErr = io.ErrClosedPipe
	}
	s.mu.Unlock()
	s.cond.Signal()
	return s.dc.Close()
}

var (
	_ xfertransport.Transport = (*Server)(nil)
	_ xfertransport.Transport = (*Client)(nil)
	_ xfertransport.Conn      = (*rtcConn)(nil)
	_ xfertransport.Stream    = (*stream)(nil)
)
