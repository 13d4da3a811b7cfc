package transport

import "fmt"

const (
	KindTLS       = "tls"
	KindGRPC      = "grpc"
	KindWebSocket = "websocket"
)

// New builds the client for kind. Each pipeline worker owns one.
func New(kind string, opts Options, hooks Hooks) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch kind {
	case KindTLS, "":
		t, err = NewTLSClient(opts, hooks)
	case KindGRPC:
		t, err = NewGRPCClient(opts, hooks)
	case KindWebSocket:
		t, err = NewWebSocketClient(opts, hooks)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
