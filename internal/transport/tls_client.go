package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"monitorflux/internal/model"
)

// TLSClient speaks the framed protocol over a raw TLS stream. Acks are
// read by one goroutine per connection.
type TLSClient struct {
	*session

	mu   sync.Mutex
	conn net.Conn
	wg   sync.WaitGroup
}

func NewTLSClient(opts Options, hooks Hooks) (*TLSClient, error) {
	if opts.TLS == nil {
		return nil, errors.New("tls transport requires a TLS config")
	}
	if opts.Endpoint == "" {
		return nil, errors.New("tls transport requires an endpoint")
	}
	return &TLSClient{session: newSession(KindTLS, opts, hooks)}, nil
}

func (c *TLSClient) Connect(ctx context.Context) error {
	return c.connect(ctx, c.dial)
}

func (c *TLSClient) dial(ctx context.Context) error {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: 30 * time.Second},
		Config:    c.opts.TLS.Clone(),
	}
	conn, err := d.DialContext(ctx, "tcp", c.opts.Endpoint)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.sm.Transition(Connected); err != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return err
	}
	connID := c.sm.ConnID()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readAcks(conn, connID)
	c.logger.Info("transport connected", "conn_id", connID)
	return nil
}

func (c *TLSClient) Send(ctx context.Context, env model.Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	connID, err := c.beginSend()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	_ = c.conn.SetWriteDeadline(c.writeDeadline(ctx))
	if _, werr := c.conn.Write(frame); werr != nil {
		_ = c.conn.Close()
		c.conn = nil
		lost := c.markLost(werr)
		c.mu.Unlock()
		c.notifyLost(connID, lost)
		return lost
	}
	c.endSend()
	c.mu.Unlock()
	return nil
}

func (c *TLSClient) readAcks(conn net.Conn, connID uint64) {
	defer c.wg.Done()
	for {
		seq, err := ReadAck(conn)
		if err != nil {
			c.drop(conn, connID, err)
			return
		}
		c.ack(seq, connID)
	}
}

func (c *TLSClient) drop(conn net.Conn, connID uint64, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	lost := c.markLost(err)
	c.mu.Unlock()
	c.notifyLost(connID, lost)
}

// Close tears down the connection without firing OnDisconnect.
func (c *TLSClient) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if conn != nil {
		c.sm.Fail(nil)
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return waitGroup(ctx, &c.wg)
}
