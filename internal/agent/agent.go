// Package agent assembles the sources, the delivery pipeline and the
// probe/HTTP endpoints, and owns the process lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"monitorflux/internal/config"
	"monitorflux/internal/delivery"
	"monitorflux/internal/libvirt"
	"monitorflux/internal/model"
	"monitorflux/internal/pipeline"
	"monitorflux/internal/queue"
	"monitorflux/internal/source"
	"monitorflux/internal/telemetry"
	"monitorflux/internal/transport"
)

type Agent struct {
	cfg       config.Config
	logger    *slog.Logger
	pipeline  *pipeline.Pipeline
	scheduler *source.Scheduler
	status    *source.StatusSource
	libvirt   *libvirt.ConnManager
	health    *HealthStatus
	metrics   *telemetry.Server
}

// New builds the agent. TLS material is loaded here so a bad certificate
// fails startup instead of the first connection.
func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	opts := transport.Options{
		Endpoint:             cfg.Endpoint,
		TLS:                  tlsCfg,
		Token:                cfg.Token,
		DialTimeout:          cfg.DialTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		PingInterval:         cfg.PingInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMax:         cfg.ReconnectMax,
		ReconnectJitter:      cfg.RetryJitter,
		MaxReconnects:        cfg.MaxReconnects,
		AuthFailureThreshold: cfg.AuthFailureThreshold,
		Method:               cfg.GRPCMethod,
	}
	dial := func(worker int, hooks transport.Hooks) (transport.Transport, error) {
		o := opts
		o.Logger = logger.With("worker", worker, "transport", cfg.Transport)
		return transport.New(cfg.Transport, o, hooks)
	}
	return build(cfg, logger, dial, clock.New())
}

func build(cfg config.Config, logger *slog.Logger, dial pipeline.Dialer, clk clock.Clock) (*Agent, error) {
	a := &Agent{cfg: cfg, logger: logger}

	var libvirtUp func() bool
	if cfg.LibvirtURI != "" {
		a.libvirt = libvirt.NewConnManager(cfg.LibvirtURI, cfg.LibvirtReconnect, cfg.LibvirtJitter, logger.With("component", "libvirt"), clk)
		libvirtUp = a.libvirt.Connected
	}

	var p *pipeline.Pipeline
	a.health = NewHealthStatus(cfg.InstanceID, clk.Now(), func() pipeline.Stats { return p.Stats() }, libvirtUp)

	p, err := pipeline.New(pipeline.Config{
		QueueCapacity:    cfg.QueueCapacity,
		QueuePolicy:      queue.Policy(cfg.QueuePolicy),
		BatchMaxItems:    cfg.BatchMaxItems,
		BatchMaxBytes:    cfg.BatchMaxBytes,
		BatchMaxAge:      cfg.BatchMaxAge,
		Codec:            cfg.Codec(),
		CompressionLevel: cfg.CompressionLevel,
		CompressMinSize:  cfg.CompressMinSize,
		MaxPending:       cfg.MaxPending,
		Workers:          cfg.Workers,
		SchedulerTick:    cfg.SchedulerTick,
		DrainTimeout:     cfg.DrainTimeout,
		Tags:             map[string]string{"instance": cfg.InstanceID, "host": cfg.Hostname},
		Delivery: delivery.Options{
			MaxAttempts: cfg.MaxAttempts,
			AckTimeout:  cfg.AckTimeout,
			AckGrace:    cfg.AckGrace,
			RetryBase:   cfg.RetryBase,
			RetryMax:    cfg.RetryMax,
			RetryJitter: cfg.RetryJitter,
			Reporter:    delivery.MultiReporter{delivery.LogReporter{Logger: logger}, a.health},
		},
	}, dial, logger.With("component", "pipeline"), clk)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	a.pipeline = p

	a.scheduler = source.NewScheduler(logger.With("component", "sources"), p, clk, cfg.CollectErrorBackoff)
	a.status = source.NewStatusSource(cfg.RootName, clk)
	a.scheduler.Add(a.status, cfg.StatusInterval)
	if cfg.HostMetrics {
		a.scheduler.Add(source.NewHostSource(cfg.ProcRoot, clk), cfg.CollectInterval)
	}
	if a.libvirt != nil {
		a.scheduler.Add(source.NewLibvirtSource(a.libvirt, clk), cfg.CollectInterval)
	}

	if cfg.HTTPListenAddr != "" {
		collector := telemetry.NewCollector(p.Stats, a.scheduler.Stats)
		a.metrics = telemetry.NewServer(cfg.HTTPListenAddr, telemetry.NewRegistry(collector), a.health, logger.With("component", "http"))
	}
	return a, nil
}

// Ingest hands an externally produced sample to the pipeline.
func (a *Agent) Ingest(s model.Sample) error {
	return a.pipeline.Ingest(s)
}

func (a *Agent) Health() Health {
	return a.health.Snapshot()
}

// Run blocks until a signal, ctx cancellation or a fatal pipeline error.
// The first signal starts a graceful shutdown bounded by ShutdownTimeout;
// a second one forces it.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting monitorflux",
		"instance_id", a.cfg.InstanceID,
		"endpoint", a.cfg.Endpoint,
		"transport", a.cfg.Transport,
		"workers", a.cfg.Workers,
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("monitorflux stopped")
	return nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
