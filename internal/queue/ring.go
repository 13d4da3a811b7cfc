// Package queue holds samples between the sources and the batch stage.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"monitorflux/internal/model"
)

// Policy decides what Enqueue does when the ring is full.
type Policy string

const (
	// DropOldest evicts the oldest queued sample. Fresh monitoring data is
	// worth more than stale data.
	DropOldest Policy = "drop-oldest"
	// RejectNew refuses the incoming sample with ErrQueueFull.
	RejectNew Policy = "reject-new"
)

var (
	ErrQueueFull = errors.New("queue full")
	ErrClosed    = errors.New("queue closed")
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case DropOldest, RejectNew:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", s)
	}
}

// Ring is a fixed-capacity FIFO of samples. Enqueue never blocks and is
// safe for any number of producers; Drain is meant for a single consumer.
type Ring struct {
	mu       sync.Mutex
	buf      []model.Sample
	head     int
	size     int
	policy   Policy
	closed   bool
	ready    chan struct{}
	dropped  atomic.Uint64
	rejected atomic.Uint64
	accepted atomic.Uint64
}

func NewRing(capacity int, policy Policy) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Ring{
		buf:    make([]model.Sample, capacity),
		policy: policy,
		ready:  make(chan struct{}, 1),
	}
}

// Enqueue adds s to the tail. Under DropOldest a full ring evicts its head
// and still returns nil; under RejectNew it returns ErrQueueFull.
func (r *Ring) Enqueue(s model.Sample) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	capacity := len(r.buf)
	if r.size == capacity {
		if r.policy == RejectNew {
			r.mu.Unlock()
			r.rejected.Add(1)
			return ErrQueueFull
		}
		r.buf[r.head] = s
		r.head = (r.head + 1) % capacity
		r.mu.Unlock()
		r.dropped.Add(1)
		r.accepted.Add(1)
		r.signal()
		return nil
	}
	r.buf[(r.head+r.size)%capacity] = s
	r.size++
	r.mu.Unlock()
	r.accepted.Add(1)
	r.signal()
	return nil
}

// Drain removes up to max samples from the head in FIFO order.
func (r *Ring) Drain(max int) []model.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]model.Sample, n)
	capacity := len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.head]
		r.buf[r.head] = model.Sample{}
		r.head = (r.head + 1) % capacity
	}
	r.size -= n
	if r.size > 0 {
		r.signal()
	}
	return out
}

// Ready delivers a wake-up whenever samples may be available.
func (r *Ring) Ready() <-chan struct{} {
	return r.ready
}

// Close rejects further enqueues. Queued samples stay drainable.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring) Cap() int         { return len(r.buf) }
func (r *Ring) Policy() Policy   { return r.policy }
func (r *Ring) Dropped() uint64  { return r.dropped.Load() }
func (r *Ring) Rejected() uint64 { return r.rejected.Load() }
func (r *Ring) Accepted() uint64 { return r.accepted.Load() }

func (r *Ring) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}
