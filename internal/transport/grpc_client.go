package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"monitorflux/internal/model"
)

const DefaultForwardMethod = "/monitorflux.v1.Collector/Forward"

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ForwardFrame is one envelope on the gRPC stream.
type ForwardFrame struct {
	Seq     uint64 `json:"seq"`
	Codec   uint8  `json:"codec"`
	RawSize uint32 `json:"raw_size"`
	Payload []byte `json:"payload"`
}

type AckFrame struct {
	Seq uint64 `json:"seq"`
}

// GRPCClient forwards envelopes on a bidirectional stream. The ClientConn
// survives reconnects; each Connect opens a fresh stream.
type GRPCClient struct {
	*session

	// sendMu serializes SendMsg; mu guards the fields below and is never
	// held across a blocking write, so Close can always cancel the stream.
	sendMu sync.Mutex
	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGRPCClient(opts Options, hooks Hooks) (*GRPCClient, error) {
	if opts.TLS == nil {
		return nil, errors.New("grpc transport requires a TLS config")
	}
	if opts.Endpoint == "" {
		return nil, errors.New("grpc transport requires an endpoint")
	}
	return &GRPCClient{session: newSession(KindGRPC, opts, hooks)}, nil
}

func (c *GRPCClient) Connect(ctx context.Context) error {
	return c.connect(ctx, c.dial)
}

func (c *GRPCClient) dial(ctx context.Context) error {
	conn, err := c.clientConn()
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if c.opts.Token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+c.opts.Token)
	}
	// The stream outlives the dial timeout; only the open is bounded by it.
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &grpc.StreamDesc{
		StreamName:    "Forward",
		ClientStreams: true,
		ServerStreams: true,
	}, c.opts.Method)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if err := c.sm.Transition(Connected); err != nil {
		c.mu.Unlock()
		cancel()
		return err
	}
	connID := c.sm.ConnID()
	c.stream = stream
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readAcks(stream, connID)
	c.logger.Info("grpc stream connected", "conn_id", connID, "method", c.opts.Method)
	return nil
}

func (c *GRPCClient) clientConn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.NewClient(
		c.opts.Endpoint,
		grpc.WithTransportCredentials(credentials.NewTLS(c.opts.TLS.Clone())),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *GRPCClient) Send(ctx context.Context, env model.Envelope) error {
	if 1+len(env.Payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	stream, cancel := c.stream, c.cancel
	if stream == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	connID, err := c.beginSend()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	// A collector that stops reading fills the flow-control window and
	// SendMsg blocks; past the write deadline the stream is torn down.
	sendCtx, done := context.WithDeadline(ctx, c.writeDeadline(ctx))
	stop := context.AfterFunc(sendCtx, cancel)
	frame := &ForwardFrame{Seq: env.Seq, Codec: uint8(env.Codec), RawSize: env.RawSize, Payload: env.Payload}
	serr := stream.SendMsg(frame)
	expired := !stop()
	done()
	if serr != nil {
		if expired {
			serr = fmt.Errorf("grpc send seq %d: %w", env.Seq, sendCtx.Err())
		}
		return c.drop(stream, connID, serr)
	}
	if expired {
		return c.drop(stream, connID, fmt.Errorf("grpc send seq %d: %w", env.Seq, sendCtx.Err()))
	}

	c.mu.Lock()
	if c.stream == stream {
		c.endSend()
	}
	c.mu.Unlock()
	return nil
}

func (c *GRPCClient) readAcks(stream grpc.ClientStream, connID uint64) {
	defer c.wg.Done()
	for {
		var ack AckFrame
		if err := stream.RecvMsg(&ack); err != nil {
			_ = c.drop(stream, connID, err)
			return
		}
		c.ack(ack.Seq, connID)
	}
}

// drop tears down stream and reports the loss once, whichever of the
// reader or a failed Send notices first.
func (c *GRPCClient) drop(stream grpc.ClientStream, connID uint64, err error) error {
	c.mu.Lock()
	if c.stream != stream {
		c.mu.Unlock()
		return classify(err)
	}
	c.closeStreamLocked()
	lost := c.markLost(err)
	c.mu.Unlock()
	c.notifyLost(connID, lost)
	return lost
}

// closeStreamLocked cancels the stream context. CloseSend is not used: it
// must not run concurrently with a SendMsg that may still be blocked.
func (c *GRPCClient) closeStreamLocked() {
	c.stream = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *GRPCClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.stream != nil {
		c.sm.Fail(nil)
	}
	c.closeStreamLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if werr := waitGroup(ctx, &c.wg); werr != nil {
		return werr
	}
	return err
}
