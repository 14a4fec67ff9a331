// Package transport manages the QUIC connections between czar and worker:
// TLS setup, one connection per worker, a control stream for cancel and
// squash propagation, and one stream per dispatched job or result channel.
package transport

import (
	"context"
	"crypto/tls"

	"github.com/quic-go/quic-go"
)

// Connection wraps a QUIC connection between a czar and a worker.
type Connection struct {
	conn    *quic.Conn
	control *ControlStream
}

// NewConnection wraps an established QUIC connection.
func NewConnection(conn *quic.Conn) *Connection {
	return &Connection{conn: conn}
}

// OpenControlStream opens the control stream used for cancel/squash
// propagation and worker status pushes.
func (c *Connection) OpenControlStream(ctx context.Context) (*ControlStream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	c.control = NewControlStream(stream)
	return c.control, nil
}

// AcceptControlStream accepts the peer-opened control stream.
func (c *Connection) AcceptControlStream(ctx context.Context) (*ControlStream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	c.control = NewControlStream(stream)
	return c.control, nil
}

func (c *Connection) ControlStream() *ControlStream { return c.control }

// OpenJobStream opens a new bidirectional job stream: the TaskMsg goes out
// on it and the job's result frames come back on it. A
// dedicated stream per job keeps QUIC's per-stream flow control isolating
// one slow consumer from the rest of the connection's jobs.
func (c *Connection) OpenJobStream(ctx context.Context) (*quic.Stream, error) {
	return c.conn.OpenStreamSync(ctx)
}

// AcceptJobStream accepts an incoming job stream.
func (c *Connection) AcceptJobStream(ctx context.Context) (*quic.Stream, error) {
	return c.conn.AcceptStream(ctx)
}

func (c *Connection) Underlying() *quic.Conn { return c.conn }

// Close tears down the control stream and the connection.
func (c *Connection) Close() error {
	if c.control != nil {
		c.control.Close()
	}
	return c.conn.CloseWithError(0, "connection closed")
}

// Dial establishes a QUIC connection to a worker or czar endpoint.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		KeepAlivePeriod:                10 * 1e9, // 10s
		MaxIdleTimeout:                 60 * 1e9,
		InitialStreamReceiveWindow:     8 << 20,   // 8 MiB
		InitialConnectionReceiveWindow: 128 << 20, // 128 MiB
	})
	if err != nil {
		return nil, err
	}
	return NewConnection(conn), nil
}

// Listener wraps a QUIC listener accepting worker or czar connections.
type Listener struct {
	listener *quic.Listener
}

// Listen starts a QUIC listener.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		KeepAlivePeriod:                10 * 1e9,
		MaxIdleTimeout:                 60 * 1e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, err
	}
	return &Listener{listener: listener}, nil
}

// Accept accepts the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn), nil
}

func (l *Listener) Close() error        { return l.listener.Close() }
func (l *Listener) Addr() string        { return l.listener.Addr().String() }
