// Package queue hands out test pairs so that no region is used by two
// running tests at once.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

const DefaultBackoff = 5 * time.Second

// PairQueue holds pending and in-flight test pairs. A pair moves from
// pending to in flight in Dequeue and leaves the queue in Done; it never
// returns to pending.
type PairQueue struct {
	mu        sync.Mutex
	untested  []types.TestPair
	inFlight  map[types.PairKey]types.TestPair
	busy      map[types.RegionKey]bool
	released  chan struct{}
	completed int
	waits     uint64
	closed    bool

	backoff time.Duration
	metrics metrics.QueueRecorder
}

type Option func(*PairQueue)

// WithBackoff bounds how long Dequeue sleeps when every pending pair
// collides with a running test. Dequeue also wakes as soon as any pair is
// released.
func WithBackoff(d time.Duration) Option {
	return func(q *PairQueue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

func WithMetricsRecorder(rec metrics.QueueRecorder) Option {
	return func(q *PairQueue) {
		if rec != nil {
			q.metrics = rec
		}
	}
}

func NewPairQueue(pairs []types.TestPair, opts ...Option) *PairQueue {
	q := &PairQueue{
		untested: append([]types.TestPair(nil), pairs...),
		inFlight: make(map[types.PairKey]types.TestPair),
		busy:     make(map[types.RegionKey]bool),
		released: make(chan struct{}),
		backoff:  DefaultBackoff,
		metrics:  metrics.NoopQueueRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Dequeue returns the first pending pair whose regions are both idle,
// waiting while every pending pair collides with a running test. It
// returns false once nothing is pending, the queue is closed or ctx is done.
func (q *PairQueue) Dequeue(ctx context.Context) (types.TestPair, bool) {
	for {
		q.mu.Lock()
		if q.closed || len(q.untested) == 0 {
			q.mu.Unlock()
			return types.TestPair{}, false
		}
		if pair, ok := q.takeLocked(); ok {
			q.mu.Unlock()
			return pair, true
		}
		wake := q.released
		q.waits++
		q.mu.Unlock()
		q.metrics.IncQueueWaits()

		timer := time.NewTimer(q.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.TestPair{}, false
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *PairQueue) takeLocked() (types.TestPair, bool) {
	for i, p := range q.untested {
		src, dst := p.Src.Region.Key(), p.Dst.Region.Key()
		if q.busy[src] || q.busy[dst] {
			continue
		}
		q.untested = append(q.untested[:i], q.untested[i+1:]...)
		q.inFlight[p.Key()] = p
		q.busy[src] = true
		q.busy[dst] = true
		q.metrics.ObserveInFlight(len(q.inFlight))
		return p, true
	}
	return types.TestPair{}, false
}

// Done releases a pair returned by Dequeue, freeing its regions. It
// reports false for a pair that is not in flight.
func (q *PairQueue) Done(key types.PairKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[key]; !ok {
		return false
	}
	delete(q.inFlight, key)
	delete(q.busy, key.Src)
	delete(q.busy, key.Dst)
	q.completed++
	q.metrics.ObserveInFlight(len(q.inFlight))

	q.wakeLocked()
	return true
}

// Close stops handing out pairs. Waiting Dequeue calls return false;
// pairs already in flight can still be released with Done.
func (q *PairQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

func (q *PairQueue) wakeLocked() {
	close(q.released)
	q.released = make(chan struct{})
}

// InFlight lists the pairs held by running tests, ordered by key.
func (q *PairQueue) InFlight() []types.PairKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.PairKey, 0, len(q.inFlight))
	for k := range q.inFlight {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// IsDone reports whether every pair has been dequeued and released.
func (q *PairQueue) IsDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.untested) == 0 && len(q.inFlight) == 0
}

type Stats struct {
	Untested  int
	InFlight  int
	Completed int
	Waits     uint64
}

func (q *PairQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Untested:  len(q.untested),
		InFlight:  len(q.inFlight),
		Completed: q.completed,
		Waits:     q.waits,
	}
}
