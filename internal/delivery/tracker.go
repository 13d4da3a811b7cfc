// Package delivery tracks every envelope from hand-off to acknowledgment
// and schedules retries.
package delivery

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"monitorflux/internal/model"
)

var ErrDuplicateSeq = errors.New("sequence number already tracked")

type Options struct {
	MaxAttempts int
	AckTimeout  time.Duration
	AckGrace    time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration
	// RetryJitter is the backoff randomization factor in [0, 1).
	RetryJitter float64
	Clock       clock.Clock
	Reporter    FailureReporter
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.AckGrace <= 0 {
		o.AckGrace = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = 60 * time.Second
	}
	if o.RetryJitter < 0 || o.RetryJitter >= 1 {
		o.RetryJitter = 0.2
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type entry struct {
	rec     model.DeliveryRecord
	backoff *backoff.ExponentialBackOff
}

// Stats counts records per state plus lifetime totals.
type Stats struct {
	Pending       int
	InFlight      int
	Acknowledged  int
	Acks          uint64
	DuplicateAcks uint64
	Retries       uint64
	Dropped       uint64
	Abandoned     uint64
}

// Tracker owns the sequence number to DeliveryRecord map. Every state
// change goes through transition.
type Tracker struct {
	mu      sync.Mutex
	opts    Options
	records map[uint64]*entry
	ready   chan struct{}

	acks          uint64
	duplicateAcks uint64
	retries       uint64
	dropped       uint64
	abandoned     uint64
}

func NewTracker(opts Options) *Tracker {
	opts.setDefaults()
	return &Tracker{
		opts:    opts,
		records: make(map[uint64]*entry),
		ready:   make(chan struct{}, 1),
	}
}

// Add registers env as Pending and immediately eligible.
func (t *Tracker) Add(env model.Envelope) error {
	t.mu.Lock()
	if _, ok := t.records[env.Seq]; ok {
		t.mu.Unlock()
		return ErrDuplicateSeq
	}
	t.records[env.Seq] = &entry{
		rec: model.DeliveryRecord{
			Seq:           env.Seq,
			State:         model.StatePending,
			NextAttemptAt: t.opts.Clock.Now(),
			Envelope:      env,
		},
		backoff: t.newBackOff(),
	}
	t.mu.Unlock()
	t.signal()
	return nil
}

// Claim hands out the lowest due Pending record and marks it InFlight on
// connID. A record is claimable at most once per backoff cycle.
func (t *Tracker) Claim(connID uint64) (model.Envelope, bool) {
	t.mu.Lock()
	now := t.opts.Clock.Now()
	var (
		best      *entry
		remaining bool
	)
	for _, e := range t.records {
		if e.rec.State != model.StatePending || e.rec.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || e.rec.Seq < best.rec.Seq {
			if best != nil {
				remaining = true
			}
			best = e
		} else {
			remaining = true
		}
	}
	if best == nil {
		t.mu.Unlock()
		return model.Envelope{}, false
	}
	if err := t.transition(best, model.StateInFlight, ""); err != nil {
		t.mu.Unlock()
		t.opts.Logger.Error("claim failed", "error", err)
		return model.Envelope{}, false
	}
	best.rec.Attempts++
	best.rec.ConnID = connID
	best.rec.Deadline = now.Add(t.opts.AckTimeout)
	env := best.rec.Envelope
	t.mu.Unlock()
	if remaining {
		t.signal()
	}
	return env, true
}

// Ack marks seq Acknowledged. It reports whether the ack completed a
// delivery; duplicate and unknown acks are absorbed. A record reverted
// to Pending after a send still completes: the collector has it, so the
// queued retry is cancelled.
func (t *Tracker) Ack(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.records[seq]
	if !ok {
		t.opts.Logger.Debug("ack for unknown sequence", "seq", seq)
		return false
	}
	switch e.rec.State {
	case model.StateAcknowledged:
		t.duplicateAcks++
		return false
	case model.StateInFlight:
	case model.StatePending:
		if e.rec.Attempts == 0 {
			t.opts.Logger.Debug("ack for unsent sequence", "seq", seq)
			return false
		}
		// Pending has no direct edge to Acknowledged.
		if err := t.transition(e, model.StateInFlight, "late ack"); err != nil {
			t.opts.Logger.Error("ack failed", "error", err)
			return false
		}
		t.opts.Logger.Debug("late ack accepted", "seq", seq, "attempts", e.rec.Attempts)
	default:
		return false
	}
	if err := t.transition(e, model.StateAcknowledged, ""); err != nil {
		t.opts.Logger.Error("ack failed", "error", err)
		return false
	}
	e.rec.AckedAt = t.opts.Clock.Now()
	e.rec.Deadline = time.Time{}
	t.acks++
	return true
}

// Fail records a failed attempt on an in-flight record. The record either
// goes back to Pending after backoff or, once MaxAttempts is reached, is
// dropped and reported.
func (t *Tracker) Fail(seq uint64, reason string) {
	t.mu.Lock()
	e, ok := t.records[seq]
	if !ok || e.rec.State != model.StateInFlight {
		t.mu.Unlock()
		return
	}
	f := t.failLocked(e, reason)
	t.mu.Unlock()
	t.report(f)
}

// Reject drops an in-flight record that can never be sent and reports a
// serialization failure. It is not retried.
func (t *Tracker) Reject(seq uint64, reason string) {
	t.mu.Lock()
	e, ok := t.records[seq]
	if !ok || e.rec.State != model.StateInFlight {
		t.mu.Unlock()
		return
	}
	delete(t.records, seq)
	t.dropped++
	f := Failure{
		Kind:        FailureSerialization,
		Seq:         seq,
		Attempts:    e.rec.Attempts,
		SampleCount: e.rec.Envelope.SampleCount,
		Reason:      reason,
		At:          t.opts.Clock.Now(),
	}
	t.mu.Unlock()
	t.report(&f)
}

// RevertConn sends every in-flight record bound to connID back through
// Failed, as a transport failure on that connection.
func (t *Tracker) RevertConn(connID uint64, reason string) int {
	t.mu.Lock()
	var (
		n        int
		failures []*Failure
	)
	for _, e := range t.records {
		if e.rec.State != model.StateInFlight || e.rec.ConnID != connID {
			continue
		}
		failures = append(failures, t.failLocked(e, reason))
		n++
	}
	t.mu.Unlock()
	for _, f := range failures {
		t.report(f)
	}
	return n
}

// Sweep times out overdue in-flight records and evicts acknowledged ones
// past the grace period. It is driven by the pipeline scheduler tick.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	now := t.opts.Clock.Now()
	var (
		failures []*Failure
		due      bool
	)
	for seq, e := range t.records {
		switch e.rec.State {
		case model.StateInFlight:
			if !e.rec.Deadline.IsZero() && !now.Before(e.rec.Deadline) {
				failures = append(failures, t.failLocked(e, "ack timeout"))
			}
		case model.StateAcknowledged:
			if now.Sub(e.rec.AckedAt) >= t.opts.AckGrace {
				delete(t.records, seq)
			}
		case model.StatePending:
			if !e.rec.NextAttemptAt.After(now) {
				due = true
			}
		}
	}
	t.mu.Unlock()
	for _, f := range failures {
		t.report(f)
	}
	if due {
		t.signal()
	}
}

// AbandonInFlight removes every in-flight record without retry. Used on
// shutdown once the drain deadline has passed.
func (t *Tracker) AbandonInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for seq, e := range t.records {
		if e.rec.State == model.StateInFlight {
			delete(t.records, seq)
			n++
		}
	}
	t.abandoned += uint64(n)
	return n
}

// Outstanding counts records not yet acknowledged.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.records {
		if e.rec.State != model.StateAcknowledged {
			n++
		}
	}
	return n
}

func (t *Tracker) Record(seq uint64) (model.DeliveryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.records[seq]
	if !ok {
		return model.DeliveryRecord{}, false
	}
	return e.rec, true
}

// Records returns copies of all tracked records ordered by sequence.
func (t *Tracker) Records() []model.DeliveryRecord {
	t.mu.Lock()
	out := make([]model.DeliveryRecord, 0, len(t.records))
	for _, e := range t.records {
		out = append(out, e.rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Acks:          t.acks,
		DuplicateAcks: t.duplicateAcks,
		Retries:       t.retries,
		Dropped:       t.dropped,
		Abandoned:     t.abandoned,
	}
	for _, e := range t.records {
		switch e.rec.State {
		case model.StatePending:
			s.Pending++
		case model.StateInFlight:
			s.InFlight++
		case model.StateAcknowledged:
			s.Acknowledged++
		}
	}
	return s
}

// Ready delivers a wake-up when a Pending record may be claimable.
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// Report forwards a failure that never reached the tracker, such as a
// batch that could not be serialized.
func (t *Tracker) Report(f Failure) {
	if f.At.IsZero() {
		f.At = t.opts.Clock.Now()
	}
	t.mu.Lock()
	t.dropped++
	t.mu.Unlock()
	t.report(&f)
}

func (t *Tracker) failLocked(e *entry, reason string) *Failure {
	if err := t.transition(e, model.StateFailed, reason); err != nil {
		t.opts.Logger.Error("fail transition", "error", err)
		return nil
	}
	now := t.opts.Clock.Now()
	e.rec.Deadline = time.Time{}
	e.rec.ConnID = 0
	if e.rec.Attempts >= t.opts.MaxAttempts {
		delete(t.records, e.rec.Seq)
		t.dropped++
		return &Failure{
			Kind:        FailureRetriesExhausted,
			Seq:         e.rec.Seq,
			Attempts:    e.rec.Attempts,
			SampleCount: e.rec.Envelope.SampleCount,
			Reason:      reason,
			At:          now,
		}
	}
	wait := e.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = t.opts.RetryMax
	}
	if err := t.transition(e, model.StatePending, reason); err != nil {
		t.opts.Logger.Error("retry transition", "error", err)
		return nil
	}
	e.rec.NextAttemptAt = now.Add(wait)
	t.retries++
	t.opts.Logger.Debug("delivery retry scheduled", "seq", e.rec.Seq, "attempts", e.rec.Attempts, "retry_in", wait, "reason", reason)
	return nil
}

// transition is the only place a record's state changes.
func (t *Tracker) transition(e *entry, to model.DeliveryState, reason string) error {
	if !CanTransition(e.rec.State, to) {
		return &TransitionError{Seq: e.rec.Seq, From: e.rec.State, To: to}
	}
	e.rec.State = to
	e.rec.Reason = reason
	return nil
}

func (t *Tracker) report(f *Failure) {
	if f == nil || t.opts.Reporter == nil {
		return
	}
	t.opts.Reporter.ReportFailure(*f)
}

func (t *Tracker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.RetryBase
	b.MaxInterval = t.opts.RetryMax
	b.RandomizationFactor = t.opts.RetryJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Clock = t.opts.Clock
	b.Reset()
	return b
}

func (t *Tracker) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}
