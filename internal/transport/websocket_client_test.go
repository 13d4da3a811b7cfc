package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"monitorflux/internal/model"
)

func startWebSocketCollector(t *testing.T, pki *testPKI, token string, frames chan<- Frame) string {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			f, err := DecodeFrame(data)
			if err != nil {
				return
			}
			frames <- f
			if err := conn.Write(r.Context(), websocket.MessageBinary, EncodeAck(f.Seq)); err != nil {
				return
			}
		}
	}))
	srv.TLS = pki.serverTLS()
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return "wss://" + srv.Listener.Addr().String() + "/ingest"
}

func TestWebSocketClientForwardsAndAcks(t *testing.T) {
	pki := newTestPKI(t)
	frames := make(chan Frame, 8)
	endpoint := startWebSocketCollector(t, pki, "tok", frames)
	hooks, acks, _ := testHooks()

	opts := fastOptions(endpoint)
	opts.TLS = pki.clientTLS()
	opts.Token = "tok"
	c, err := NewWebSocketClient(opts, hooks)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	connID := c.ConnID()
	require.NoError(t, c.Send(ctx, model.Envelope{Seq: 7, Payload: []byte("hello")}))

	f := recv(t, frames)
	assert.Equal(t, uint64(7), f.Seq)
	assert.Equal(t, []byte("hello"), f.Payload)
	assert.Equal(t, ackEvent{seq: 7, connID: connID}, recv(t, acks))

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, Disconnected, c.State())
}

func TestWebSocketClientUnauthorizedEscalates(t *testing.T) {
	pki := newTestPKI(t)
	endpoint := startWebSocketCollector(t, pki, "tok", make(chan Frame, 1))

	opts := fastOptions(endpoint)
	opts.TLS = pki.clientTLS()
	opts.Token = "nope"
	opts.AuthFailureThreshold = 1
	c, err := NewWebSocketClient(opts, Hooks{})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAuthEscalated)
}
