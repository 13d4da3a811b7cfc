// Package libvirt snapshots hypervisor and domain counters over the
// libvirt RPC protocol.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	golibvirt "github.com/digitalocean/go-libvirt"
)

// ErrUnavailable is returned while the manager waits out the retry delay
// after a failed connect.
var ErrUnavailable = errors.New("libvirt unavailable")

type dialFunc func(uri *url.URL) (*golibvirt.Libvirt, error)

// ConnManager owns a single libvirt RPC connection. Client makes at most
// one connect attempt per call, spaced by retryWait plus jitter, so the
// collection loop is never parked inside a reconnect.
type ConnManager struct {
	mu          sync.Mutex
	client      *golibvirt.Libvirt
	uri         string
	logger      *slog.Logger
	clk         clock.Clock
	dial        dialFunc
	retryWait   time.Duration
	maxJitter   time.Duration
	randSrc     *rand.Rand
	nextAttempt time.Time
	failures    int
}

func NewConnManager(uri string, retryWait, maxJitter time.Duration, logger *slog.Logger, clk clock.Clock) *ConnManager {
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		uri:       uri,
		logger:    logger,
		clk:       clk,
		dial:      func(u *url.URL) (*golibvirt.Libvirt, error) { return golibvirt.ConnectToURI(u) },
		retryWait: retryWait,
		maxJitter: maxJitter,
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *ConnManager) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	now := m.clk.Now()
	if now.Before(m.nextAttempt) {
		return nil, fmt.Errorf("%w: next attempt in %s", ErrUnavailable, m.nextAttempt.Sub(now))
	}

	uri, err := m.parseURI()
	if err != nil {
		return nil, err
	}
	c, err := m.dial(uri)
	if err != nil {
		m.failures++
		wait := m.retryWait + m.jitter()
		m.nextAttempt = now.Add(wait)
		m.logger.Error("libvirt connect failed", "uri", uri.Redacted(), "error", err, "failures", m.failures, "retry_in", wait)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.client = c
	m.failures = 0
	m.nextAttempt = time.Time{}
	m.logger.Info("libvirt connected", "uri", uri.Redacted())
	return c, nil
}

func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

// Invalidate drops the current connection after an RPC error. The next
// Client call dials again without waiting.
func (m *ConnManager) Invalidate(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return
	}
	if err := m.client.Disconnect(); err != nil {
		m.logger.Debug("libvirt disconnect failed", "error", err)
	}
	m.client = nil
	m.logger.Warn("libvirt connection dropped", "error", cause)
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect()
	m.client = nil
	return err
}

func (m *ConnManager) parseURI() (*url.URL, error) {
	raw := m.uri
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return nil, fmt.Errorf("libvirt uri %q has no scheme", raw)
	}
	return uri, nil
}

func (m *ConnManager) jitter() time.Duration {
	if m.maxJitter == 0 {
		return 0
	}
	return time.Duration(m.randSrc.Int63n(int64(m.maxJitter)))
}
