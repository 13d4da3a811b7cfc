package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"monitorflux/internal/batch"
	"monitorflux/internal/compress"
	"monitorflux/internal/delivery"
	"monitorflux/internal/model"
	"monitorflux/internal/queue"
	"monitorflux/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type failureLog struct {
	mu  sync.Mutex
	all []delivery.Failure
}

func (l *failureLog) ReportFailure(f delivery.Failure) {
	l.mu.Lock()
	l.all = append(l.all, f)
	l.mu.Unlock()
}

func (l *failureLog) Failures() []delivery.Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]delivery.Failure(nil), l.all...)
}

func testConfig(reporter delivery.FailureReporter) Config {
	return Config{
		QueueCapacity: 1000,
		QueuePolicy:   queue.DropOldest,
		BatchMaxItems: 50,
		BatchMaxAge:   20 * time.Millisecond,
		Codec:         model.CodecZlib,
		Workers:       1,
		SchedulerTick: 5 * time.Millisecond,
		DrainTimeout:  2 * time.Second,
		Tags:          map[string]string{"instance": "test-1"},
		Delivery: delivery.Options{
			MaxAttempts: 3,
			AckTimeout:  time.Second,
			AckGrace:    time.Minute,
			RetryBase:   5 * time.Millisecond,
			RetryMax:    20 * time.Millisecond,
			Reporter:    reporter,
		},
	}
}

type harness struct {
	p      *Pipeline
	fakes  []*fakeTransport
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg Config, setup func(*fakeTransport)) *harness {
	t.Helper()
	h := &harness{done: make(chan error, 1)}
	p, err := New(cfg, func(_ int, hooks transport.Hooks) (transport.Transport, error) {
		f := newFake(hooks)
		if setup != nil {
			setup(f)
		}
		h.fakes = append(h.fakes, f)
		return f, nil
	}, nil, nil)
	require.NoError(t, err)
	h.p = p

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- p.Run(ctx) }()
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func ingest(t *testing.T, p *Pipeline, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		require.NoError(t, p.Ingest(model.Gauge(fmt.Sprintf("sample.%04d", i), float64(i), nil, time.Time{})))
	}
}

func decodeAll(t *testing.T, envs []model.Envelope) []model.Sample {
	t.Helper()
	var out []model.Sample
	for _, env := range envs {
		raw, err := compress.Decompress(env.Codec, env.Payload, int(env.RawSize))
		require.NoError(t, err)
		b, err := batch.Decode(raw)
		require.NoError(t, err)
		out = append(out, b.Samples...)
	}
	return out
}

func TestEverySampleDeliveredExactlyOnce(t *testing.T) {
	h := start(t, testConfig(nil), nil)
	ingest(t, h.p, 0, 500)

	require.Eventually(t, func() bool {
		return h.p.Stats().Delivery.Acks > 0 && h.p.Tracker().Outstanding() == 0 && h.p.Stats().Queue.Len == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))

	envs := h.fakes[0].Sent()
	var last uint64
	for _, env := range envs {
		assert.Equal(t, last+1, env.Seq, "sequence numbers are gap free and increasing")
		last = env.Seq
	}

	seen := map[string]int{}
	for _, s := range decodeAll(t, envs) {
		seen[s.Name()]++
		v, _ := s.Tag("instance")
		assert.Equal(t, "test-1", v)
		assert.False(t, s.Timestamp().IsZero())
	}
	assert.Len(t, seen, 500)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}

func TestConnectionFailureIsRetried(t *testing.T) {
	h := start(t, testConfig(nil), func(f *fakeTransport) {
		f.failures[1] = 1
	})
	ingest(t, h.p, 0, 10)

	require.Eventually(t, func() bool {
		rec, ok := h.p.Tracker().Record(1)
		return ok && rec.State == model.StateAcknowledged
	}, 5*time.Second, 5*time.Millisecond)
	rec, _ := h.p.Tracker().Record(1)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, uint64(1), h.p.Stats().Delivery.Acks)
	assert.GreaterOrEqual(t, h.fakes[0].Connects(), 2)
	require.NoError(t, h.stop(t))
}

func TestExhaustedRetriesAreReportedOnce(t *testing.T) {
	failures := &failureLog{}
	h := start(t, testConfig(failures), func(f *fakeTransport) {
		f.failAlways[1] = true
	})
	ingest(t, h.p, 0, 5)

	require.Eventually(t, func() bool {
		return h.p.Stats().Delivery.Dropped == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))

	got := failures.Failures()
	require.Len(t, got, 1)
	assert.Equal(t, delivery.FailureRetriesExhausted, got[0].Kind)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, 5, got[0].SampleCount)
}

func TestOversizedBatchIsSerializationFailure(t *testing.T) {
	failures := &failureLog{}
	h := start(t, testConfig(failures), func(f *fakeTransport) {
		f.encode = true
	})

	noise := make([]byte, 18<<20)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	big := model.NewSample("log.blob", model.KindLog, model.Text(base64.StdEncoding.EncodeToString(noise)), nil, time.Time{})
	require.NoError(t, h.p.Ingest(big))

	require.Eventually(t, func() bool {
		return h.p.Stats().SerializationErrors == 1
	}, 5*time.Second, 5*time.Millisecond)

	ingest(t, h.p, 0, 1)
	require.Eventually(t, func() bool {
		return h.p.Stats().Delivery.Acks == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))

	got := failures.Failures()
	require.Len(t, got, 1)
	assert.Equal(t, delivery.FailureSerialization, got[0].Kind)
	assert.Zero(t, got[0].Seq)
	assert.Equal(t, 1, got[0].SampleCount)
	assert.Contains(t, got[0].Reason, "frame exceeds maximum size")

	stats := h.p.Stats()
	assert.Zero(t, stats.Delivery.Retries)
	assert.Zero(t, stats.SendErrors)
	sent := h.fakes[0].Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(1), sent[0].Seq, "dropped batch takes no sequence number")
}

func TestShutdownAbandonsUnacknowledged(t *testing.T) {
	cfg := testConfig(nil)
	cfg.DrainTimeout = 150 * time.Millisecond
	h := start(t, cfg, func(f *fakeTransport) {
		f.noAck = true
	})
	ingest(t, h.p, 0, 10)
	require.Eventually(t, func() bool {
		return h.p.Stats().Sent == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.stop(t))
	st := h.p.Stats()
	assert.Equal(t, uint64(1), st.Delivery.Abandoned)
	assert.Zero(t, st.Delivery.InFlight)

	assert.ErrorIs(t, h.p.Ingest(model.Gauge("late", 1, nil, time.Time{})), queue.ErrClosed)
}

func TestShutdownFlushesPartialBatch(t *testing.T) {
	cfg := testConfig(nil)
	cfg.BatchMaxAge = time.Hour
	h := start(t, cfg, nil)
	ingest(t, h.p, 0, 7)

	require.NoError(t, h.stop(t))
	samples := decodeAll(t, h.fakes[0].Sent())
	assert.Len(t, samples, 7)
	assert.Equal(t, uint64(1), h.p.Stats().Delivery.Acks)
}

func TestEscalatedAuthFailureStopsPipeline(t *testing.T) {
	failures := &failureLog{}
	h := start(t, testConfig(failures), func(f *fakeTransport) {
		f.connectErr = fmt.Errorf("%w: 3 consecutive failures", transport.ErrAuthEscalated)
	})

	select {
	case err := <-h.done:
		assert.True(t, errors.Is(err, transport.ErrAuthEscalated))
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline kept running")
	}
	h.cancel()

	got := failures.Failures()
	require.Len(t, got, 1)
	assert.Equal(t, delivery.FailureAuthentication, got[0].Kind)
}

func TestBackpressureLeavesSamplesInQueue(t *testing.T) {
	cfg := testConfig(nil)
	cfg.QueueCapacity = 10
	cfg.MaxPending = 1
	cfg.BatchMaxItems = 1
	cfg.DrainTimeout = 50 * time.Millisecond
	h := start(t, cfg, func(f *fakeTransport) {
		f.noAck = true
	})

	ingest(t, h.p, 0, 1)
	require.Eventually(t, func() bool {
		return h.p.Tracker().Outstanding() == 1
	}, 5*time.Second, 5*time.Millisecond)

	ingest(t, h.p, 1, 30)
	st := h.p.Stats()
	assert.Equal(t, 10, st.Queue.Len)
	assert.Equal(t, uint64(20), st.Queue.Dropped)
	require.NoError(t, h.stop(t))
}

func TestTooManyWorkers(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Workers = 5
	_, err := New(cfg, func(int, transport.Hooks) (transport.Transport, error) {
		return nil, errors.New("unused")
	}, nil, nil)
	assert.Error(t, err)
}
