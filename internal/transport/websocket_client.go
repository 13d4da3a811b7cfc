package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"monitorflux/internal/model"
)

// WebSocketClient carries frames as binary WebSocket messages; each ack
// is an 8-byte binary message.
type WebSocketClient struct {
	*session

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWebSocketClient(opts Options, hooks Hooks) (*WebSocketClient, error) {
	if opts.TLS == nil {
		return nil, errors.New("websocket transport requires a TLS config")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("websocket endpoint: %w", err)
	}
	if u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket endpoint must use wss://, got %q", u.Scheme)
	}
	return &WebSocketClient{session: newSession(KindWebSocket, opts, hooks)}, nil
}

func (c *WebSocketClient) Connect(ctx context.Context) error {
	return c.connect(ctx, c.dial)
}

func (c *WebSocketClient) dial(ctx context.Context) error {
	headers := http.Header{}
	if c.opts.Token != "" {
		headers.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := websocket.Dial(ctx, c.opts.Endpoint, &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.opts.TLS.Clone()},
		},
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Err: err}
		}
		return err
	}
	conn.SetReadLimit(1 << 10)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if err := c.sm.Transition(Connected); err != nil {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "state")
		return err
	}
	connID := c.sm.ConnID()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readAcks(connCtx, conn, connID)
	go c.pingLoop(connCtx, conn, connID)
	c.logger.Info("websocket connected", "conn_id", connID)
	return nil
}

func (c *WebSocketClient) Send(ctx context.Context, env model.Envelope) error {
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
	writeCtx, cancel := context.WithDeadline(ctx, c.writeDeadline(ctx))
	werr := c.conn.Write(writeCtx, websocket.MessageBinary, frame)
	cancel()
	if werr != nil {
		c.closeLocked(websocket.StatusGoingAway, "write failed")
		lost := c.markLost(werr)
		c.mu.Unlock()
		c.notifyLost(connID, lost)
		return lost
	}
	c.endSend()
	c.mu.Unlock()
	return nil
}

func (c *WebSocketClient) readAcks(ctx context.Context, conn *websocket.Conn, connID uint64) {
	defer c.wg.Done()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.drop(conn, connID, err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		seq, err := DecodeAck(data)
		if err != nil {
			c.logger.Warn("websocket ack ignored", "conn_id", connID, "error", err)
			continue
		}
		c.ack(seq, connID)
	}
}

func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn, connID uint64) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.drop(conn, connID, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *WebSocketClient) drop(conn *websocket.Conn, connID uint64, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.closeLocked(websocket.StatusGoingAway, "connection lost")
	lost := c.markLost(err)
	c.mu.Unlock()
	c.notifyLost(connID, lost)
}

func (c *WebSocketClient) closeLocked(code websocket.StatusCode, reason string) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
		c.conn = nil
	}
}

func (c *WebSocketClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.sm.Fail(nil)
	}
	c.closeLocked(websocket.StatusNormalClosure, "shutdown")
	c.mu.Unlock()
	return waitGroup(ctx, &c.wg)
}
