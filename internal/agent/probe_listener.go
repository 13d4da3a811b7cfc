package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const probeReply = "monitorflux:ok\n"

// runProbeListener answers every TCP connection with a fixed line so
// plain TCP checks can tell the agent apart from another listener.
func (a *Agent) runProbeListener(ctx context.Context, ln net.Listener) error {
	defer func() { _ = ln.Close() }()
	a.logger.Info("probe endpoint listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept probe endpoint %s: %w", ln.Addr(), err)
		}
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		_, _ = conn.Write([]byte(probeReply))
		_ = conn.Close()
	}
}
