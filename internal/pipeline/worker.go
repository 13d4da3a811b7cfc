package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"monitorflux/internal/delivery"
	"monitorflux/internal/transport"
)

type worker struct {
	id        int
	p         *Pipeline
	logger    *slog.Logger
	transport transport.Transport
}

func (w *worker) hooks() transport.Hooks {
	return transport.Hooks{
		OnAck: func(seq, connID uint64) {
			if w.p.tracker.Ack(seq) {
				w.p.lastAck.Store(w.p.clock.Now().UnixNano())
			}
		},
		OnDisconnect: func(connID uint64, err error) {
			reason := "disconnected"
			if err != nil {
				reason = err.Error()
			}
			if n := w.p.tracker.RevertConn(connID, reason); n > 0 {
				w.logger.Info("in-flight envelopes reverted", "conn_id", connID, "count", n)
			}
		},
	}
}

func (w *worker) run(ctx context.Context) error {
	for {
		if err := w.transport.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrAuthEscalated) && w.p.reporter != nil {
				w.p.reporter.ReportFailure(delivery.Failure{
					Kind:   delivery.FailureAuthentication,
					Reason: err.Error(),
					At:     w.p.clock.Now(),
				})
			}
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		w.sendLoop(ctx, w.transport.ConnID())
		if ctx.Err() != nil {
			return nil
		}
	}
}

// sendLoop claims due envelopes and sends them on connID until the
// connection drops or ctx ends.
func (w *worker) sendLoop(ctx context.Context, connID uint64) {
	idle := time.NewTicker(w.p.cfg.SchedulerTick)
	defer idle.Stop()
	for {
		if ctx.Err() != nil || w.transport.State() == transport.Disconnected {
			return
		}
		env, ok := w.p.tracker.Claim(connID)
		if !ok {
			select {
			case <-ctx.Done():
			case <-w.p.tracker.Ready():
			case <-idle.C:
			}
			continue
		}
		if err := w.transport.Send(ctx, env); err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				w.p.serializationErrors.Add(1)
				w.p.tracker.Reject(env.Seq, err.Error())
				continue
			}
			w.p.sendErrors.Add(1)
			w.p.tracker.Fail(env.Seq, err.Error())
			w.logger.Debug("send failed", "seq", env.Seq, "conn_id", connID, "error", err)
			continue
		}
		w.p.sent.Add(1)
	}
}
