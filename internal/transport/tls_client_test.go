package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monitorflux/internal/model"
)

type ackEvent struct {
	seq    uint64
	connID uint64
}

type lostEvent struct {
	connID uint64
	err    error
}

func testHooks() (Hooks, chan ackEvent, chan lostEvent) {
	acks := make(chan ackEvent, 64)
	lost := make(chan lostEvent, 8)
	return Hooks{
		OnAck:        func(seq, connID uint64) { acks <- ackEvent{seq, connID} },
		OnDisconnect: func(connID uint64, err error) { lost <- lostEvent{connID, err} },
	}, acks, lost
}

func fastOptions(endpoint string) Options {
	return Options{
		Endpoint:      endpoint,
		DialTimeout:   2 * time.Second,
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	}
}

func TestTLSClientSendsFramesAndReceivesAcks(t *testing.T) {
	pki := newTestPKI(t)
	col := startCollector(t, pki.serverTLS(), true)
	hooks, acks, _ := testHooks()

	opts := fastOptions(col.addr())
	opts.TLS = pki.clientTLS()
	c, err := NewTLSClient(opts, hooks)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, Connected, c.State())
	connID := c.ConnID()
	require.NotZero(t, connID)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, c.Send(ctx, model.Envelope{Seq: seq, Codec: model.CodecZstd, Payload: []byte("batch")}))
	}
	for seq := uint64(1); seq <= 3; seq++ {
		f := recv(t, col.frames)
		assert.Equal(t, seq, f.Seq)
		assert.Equal(t, model.CodecZstd, f.Codec)
		assert.Equal(t, []byte("batch"), f.Payload)

		a := recv(t, acks)
		assert.Equal(t, ackEvent{seq: seq, connID: connID}, a)
	}
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, Disconnected, c.State())
}

func TestTLSClientDisconnectNotifiesAndReconnects(t *testing.T) {
	pki := newTestPKI(t)
	col := startCollector(t, pki.serverTLS(), true)
	hooks, _, lost := testHooks()

	opts := fastOptions(col.addr())
	opts.TLS = pki.clientTLS()
	c, err := NewTLSClient(opts, hooks)
	require.NoError(t, err)
	ctx := context.Background()
	defer c.Close(ctx)

	require.NoError(t, c.Connect(ctx))
	first := c.ConnID()

	col.dropAll()
	ev := recv(t, lost)
	assert.Equal(t, first, ev.connID)
	assert.ErrorIs(t, ev.err, ErrConnection)
	assert.Equal(t, Disconnected, c.State())

	err = c.Send(ctx, model.Envelope{Seq: 9, Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	assert.NotEqual(t, first, c.ConnID())
}

func TestTLSClientUntrustedServerEscalates(t *testing.T) {
	server := newTestPKI(t)
	other := newTestPKI(t)
	col := startCollector(t, server.serverTLS(), true)

	opts := fastOptions(col.addr())
	opts.TLS = other.clientTLS()
	opts.AuthFailureThreshold = 2
	c, err := NewTLSClient(opts, Hooks{})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthEscalated), err.Error())
	assert.Equal(t, Disconnected, c.State())
	assert.True(t, IsAuthError(c.sm.LastError()))
}

func TestTLSClientStopsAfterMaxReconnects(t *testing.T) {
	pki := newTestPKI(t)
	opts := fastOptions(closedPort(t))
	opts.TLS = pki.clientTLS()
	opts.MaxReconnects = 3
	c, err := NewTLSClient(opts, Hooks{})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrReconnectsExhausted)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestTLSClientConnectHonorsContext(t *testing.T) {
	pki := newTestPKI(t)
	opts := fastOptions(closedPort(t))
	opts.TLS = pki.clientTLS()
	c, err := NewTLSClient(opts, Hooks{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
}

func TestNewRequiresTLS(t *testing.T) {
	_, err := New(KindTLS, Options{Endpoint: "127.0.0.1:1"}, Hooks{})
	assert.Error(t, err)
	_, err = New(KindWebSocket, Options{Endpoint: "ws://127.0.0.1:1", TLS: newTestPKI(t).clientTLS()}, Hooks{})
	assert.Error(t, err)
	_, err = New("carrier-pigeon", Options{}, Hooks{})
	assert.Error(t, err)
}
