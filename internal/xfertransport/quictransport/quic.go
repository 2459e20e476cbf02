// Package quictransport implements xfertransport.Transport over
// github.com/quic-go/quic-go: each direction is one QUIC stream,
// framed with a 4-byte big-endian length prefix.
package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chunkwire/chunkwire/internal/xfertransport"
)

// ALPNProtocol identifies chunkwire's QUIC application protocol.
const ALPNProtocol = "chunkwire-v1"

// DefaultConfig returns QUIC transport tuning suited to bulk chunk
// transfer: generous receive windows, a modest idle timeout.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             100,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("quictransport: generating certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"chunkwire"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Server is a QUIC-backed server-side xfertransport.Transport.
type Server struct {
	listener *quic.Listener
}

// Listen starts a QUIC listener on addr.
func Listen(addr string) (*Server, error) {
	tlsCfg, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen %s: %w", addr, err)
	}
	return &Server{listener: listener}, nil
}

func (s *Server) Dial(ctx context.Context) (xfertransport.Conn, error) {
	return nil, fmt.Errorf("quictransport: server transport cannot Dial")
}

func (s *Server) Accept(ctx context.Context) (xfertransport.Conn, error) {
	conn, err := s.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept: %w", err)
	}
	return &quicConn{conn: conn, isClient: false}, nil
}

func (s *Server) Close() error { return s.listener.Close() }

// Client is a QUIC-backed client-side xfertransport.Transport.
type Client struct {
	addr string
}

// NewClient returns a Transport that dials addr on each Dial call.
func NewClient(addr string) *Client { return &Client{addr: addr} }

func (c *Client) Dial(ctx context.Context) (xfertransport.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("quictransport: resolving %s: %w", c.addr, err)
	}
	conn, err := quic.DialAddr(ctx, udpAddr.String(), clientTLSConfig(), DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: dial %s: %w", c.addr, err)
	}
	return &quicConn{conn: conn, isClient: true}, nil
}

func (c *Client) Accept(ctx context.Context) (xfertransport.Conn, error) {
	return nil, fmt.Errorf("quictransport: client transport cannot Accept")
}

func (c *Client) Close() error { return nil }

type quicConn struct {
	conn     *quic.Conn
	isClient bool
}

// direction ordering: the client always opens StreamWrite first, then
// StreamRead; the server accepts in the same order. This fixed order
// avoids needing an out-of-band stream-purpose handshake.
func (c *quicConn) OpenStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open stream %s: %w", dir, err)
	}
	return &quicStream{stream: stream}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context, dir xfertransport.Direction) (xfertransport.Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept stream %s: %w", dir, err)
	}
	return &quicStream{stream: stream}, nil
}

func (c *quicConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *quicConn) Close() error { return c.conn.CloseWithError(0, "closed") }

type quicStream struct {
	stream *quic.Stream
}

func (s *quicStream) ReadMessage() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.stream, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.stream, buf); err != nil {
		return nil, fmt.Errorf("quictransport: short message body: %w", err)
	}
	return buf, nil
}

func (s *quicStream) WriteMessage(b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := s.stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.stream.Write(b)
	return err
}

func (s *quicStream) Close() error { return s.stream.Close() }

var _ xfertransport.Transport = (*Server)(nil)
var _ xfertransport.Transport = (*Client)(nil)
var _ xfertransport.Conn = (*quicConn)(nil)
var _ xfertransport.Stream = (*quicStream)(nil)
