// Package transport ships envelopes to the collector over an encrypted
// stream and reports acknowledgments back to the delivery tracker.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"monitorflux/internal/model"
)

type Transport interface {
	// Connect blocks until a connection is up, ctx ends, or a fatal
	// condition (ErrAuthEscalated, ErrReconnectsExhausted) is reached.
	Connect(ctx context.Context) error
	Send(ctx context.Context, env model.Envelope) error
	State() ConnState
	ConnID() uint64
	Close(ctx context.Context) error
}

// Hooks are called from the client's reader goroutine, or from Send when
// a write fails. They must not call back into the client.
type Hooks struct {
	OnAck         func(seq, connID uint64)
	OnDisconnect  func(connID uint64, err error)
	OnStateChange func(from, to ConnState)
}

type Options struct {
	// Endpoint is host:port for tls and grpc, a wss:// URL for websocket.
	Endpoint     string
	TLS          *tls.Config
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64
	// MaxReconnects <= 0 retries forever.
	MaxReconnects        int
	AuthFailureThreshold int

	// Method is the gRPC stream method.
	Method string
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 8 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 60 * time.Second
	}
	if o.ReconnectJitter < 0 || o.ReconnectJitter >= 1 {
		o.ReconnectJitter = 0.2
	}
	if o.AuthFailureThreshold <= 0 {
		o.AuthFailureThreshold = 3
	}
	if o.Method == "" {
		o.Method = DefaultForwardMethod
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// session holds what every client implementation shares: the state
// machine, the reconnect schedule and auth failure accounting.
type session struct {
	opts   Options
	hooks  Hooks
	sm     *StateMachine
	logger *slog.Logger

	mu           sync.Mutex
	backoff      *backoff.ExponentialBackOff
	attempts     int
	authFailures int
	// backoffNext makes the next Connect wait first: the previous
	// connection was lost before any ack proved it healthy.
	backoffNext bool
}

func newSession(kind string, opts Options, hooks Hooks) *session {
	opts.setDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectBase
	b.MaxInterval = opts.ReconnectMax
	b.RandomizationFactor = opts.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &session{
		opts:    opts,
		hooks:   hooks,
		sm:      NewStateMachine(hooks.OnStateChange),
		logger:  opts.Logger.With("transport", kind, "endpoint", opts.Endpoint),
		backoff: b,
	}
}

func (s *session) State() ConnState { return s.sm.State() }
func (s *session) ConnID() uint64   { return s.sm.ConnID() }

// connect runs dial until it succeeds. dial must move the state machine
// to Connected itself once the connection is usable.
func (s *session) connect(ctx context.Context, dial func(context.Context) error) error {
	if s.waitFirst() {
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch s.sm.State() {
		case Connected, Sending:
			return nil
		}
		if err := s.escalated(); err != nil {
			return err
		}
		if err := s.sm.Transition(Connecting); err != nil {
			return err
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		err := dial(dialCtx)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
			return nil
		}

		err = classify(err)
		s.sm.Fail(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts := s.recordFailure(err)
		if IsAuthError(err) {
			s.logger.Warn("transport identity rejected", "attempt", attempts, "error", err)
			if err := s.escalated(); err != nil {
				return err
			}
		} else {
			s.logger.Warn("transport connect failed", "attempt", attempts, "error", err)
		}
		if s.opts.MaxReconnects > 0 && attempts >= s.opts.MaxReconnects {
			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectsExhausted, attempts, err)
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

func (s *session) recordFailure(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if IsAuthError(err) {
		s.authFailures++
	}
	return s.attempts
}

func (s *session) escalated() error {
	s.mu.Lock()
	n := s.authFailures
	s.mu.Unlock()
	if n >= s.opts.AuthFailureThreshold {
		return fmt.Errorf("%w: %d consecutive failures", ErrAuthEscalated, n)
	}
	return nil
}

func (s *session) waitFirst() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.backoffNext
	s.backoffNext = false
	return w
}

func (s *session) sleep(ctx context.Context) error {
	s.mu.Lock()
	wait := s.backoff.NextBackOff()
	s.mu.Unlock()
	if wait == backoff.Stop {
		wait = s.opts.ReconnectMax
	}
	s.logger.Debug("transport reconnect scheduled", "retry_in", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// markLost moves the state machine to Disconnected. Callers hold their
// connection lock so Send never observes a half-closed connection.
func (s *session) markLost(err error) error {
	err = classify(err)
	s.sm.Fail(err)
	s.mu.Lock()
	if IsAuthError(err) {
		s.authFailures++
	}
	s.backoffNext = true
	s.mu.Unlock()
	return err
}

func (s *session) notifyLost(connID uint64, err error) {
	s.logger.Warn("transport disconnected", "conn_id", connID, "error", err)
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(connID, err)
	}
}

// ack resets failure accounting: the collector has proven it accepts us.
func (s *session) ack(seq, connID uint64) {
	s.mu.Lock()
	s.authFailures = 0
	s.backoffNext = false
	s.backoff.Reset()
	s.mu.Unlock()
	if s.hooks.OnAck != nil {
		s.hooks.OnAck(seq, connID)
	}
}

func (s *session) beginSend() (uint64, error) {
	if err := s.sm.Transition(Sending); err != nil {
		return 0, ErrNotConnected
	}
	return s.sm.ConnID(), nil
}

func (s *session) endSend() {
	_ = s.sm.Transition(Connected)
}

func (s *session) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(s.opts.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return deadline
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
