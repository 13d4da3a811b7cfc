package pipeline

import (
	"context"
	"fmt"
	"sync"

	"monitorflux/internal/model"
	"monitorflux/internal/transport"
)

// fakeTransport acknowledges synchronously, can fail chosen sequences
// with connection errors, and can refuse to connect.
type fakeTransport struct {
	hooks transport.Hooks
	sm    *transport.StateMachine

	mu         sync.Mutex
	failures   map[uint64]int
	failAlways map[uint64]bool
	noAck      bool

	// encode runs every envelope through the wire encoder like the real
	// clients do.
	encode     bool
	connectErr error
	sent       []model.Envelope
	connects   int
}

func newFake(hooks transport.Hooks) *fakeTransport {
	return &fakeTransport{
		hooks:      hooks,
		sm:         transport.NewStateMachine(nil),
		failures:   map[uint64]int{},
		failAlways: map[uint64]bool{},
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.sm.State() != transport.Disconnected {
		return nil
	}
	f.connects++
	if err := f.sm.Transition(transport.Connecting); err != nil {
		return err
	}
	return f.sm.Transition(transport.Connected)
}

func (f *fakeTransport) Send(ctx context.Context, env model.Envelope) error {
	f.mu.Lock()
	if f.sm.State() != transport.Connected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.encode {
		if _, err := transport.EncodeFrame(env); err != nil {
			f.mu.Unlock()
			return err
		}
	}
	if f.failAlways[env.Seq] || f.failures[env.Seq] > 0 {
		f.failures[env.Seq]--
		err := fmt.Errorf("%w: reset by peer", transport.ErrConnection)
		id := f.sm.Fail(err)
		f.mu.Unlock()
		f.hooks.OnDisconnect(id, err)
		return err
	}
	id := f.sm.ConnID()
	f.sent = append(f.sent, env)
	ack := !f.noAck
	f.mu.Unlock()
	if ack {
		f.hooks.OnAck(env.Seq, id)
	}
	return nil
}

func (f *fakeTransport) State() transport.ConnState { return f.sm.State() }
func (f *fakeTransport) ConnID() uint64             { return f.sm.ConnID() }

func (f *fakeTransport) Close(ctx context.Context) error {
	f.sm.Fail(nil)
	return nil
}

func (f *fakeTransport) Sent() []model.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Envelope(nil), f.sent...)
}

func (f *fakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}
