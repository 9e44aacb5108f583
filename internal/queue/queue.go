// Package queue parks requests that could not be admitted immediately
// and wakes them in priority order when capacity frees up. Waiting
// longer raises an entry's effective priority so low-priority work
// cannot starve.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/metrics"
)

var (
	// ErrFull rejects an enqueue when the queue is at capacity.
	ErrFull = errors.New("queue full")
	// ErrTimeout fails a waiter whose queue deadline passed.
	ErrTimeout = errors.New("queue wait timed out")
	// ErrClosed fails enqueues and waiters after shutdown.
	ErrClosed = errors.New("queue closed")
)

// Config holds the queue tunables.
type Config struct {
	MaxSize               int           `yaml:"max_size"`
	Timeout               time.Duration `yaml:"timeout"`
	PriorityBoostInterval time.Duration `yaml:"priority_boost_interval"`
	PriorityBoostAmount   int           `yaml:"priority_boost_amount"`
	MaxPriority           int           `yaml:"max_priority"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:               100,
		Timeout:               30 * time.Second,
		PriorityBoostInterval: 10 * time.Second,
		PriorityBoostAmount:   1,
		MaxPriority:           10,
		SweepInterval:         time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PriorityBoostInterval <= 0 {
		c.PriorityBoostInterval = d.PriorityBoostInterval
	}
	if c.MaxPriority <= 0 {
		c.MaxPriority = d.MaxPriority
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// entry is one parked request. ready is buffered so delivery never
// blocks; an entry is delivered exactly once, guarded by heap
// membership (index >= 0).
type entry struct {
	id         string
	model      string
	priority   int
	enqueuedAt time.Time
	deadline   time.Time

	effective int
	seq       uint64
	index     int
	ready     chan error
}

// Ticket is the caller's handle on a queued request.
type Ticket struct {
	q *Queue
	e *entry
}

// ID returns the queue entry ID.
func (t *Ticket) ID() string { return t.e.id }

// Wait blocks until the entry is woken for an admission retry (nil),
// its queue deadline passes (ErrTimeout), the queue shuts down
// (ErrClosed), or ctx is cancelled. A wake that loses the race against
// cancellation is passed on to the next waiter so capacity signals are
// never dropped.
func (t *Ticket) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		t.cancelled()
		return err
	}
	select {
	case err := <-t.e.ready:
		return err
	case <-ctx.Done():
		t.cancelled()
		return ctx.Err()
	}
}

// cancelled unparks the entry; if a delivery already left the heap the
// wake is consumed and handed to the next waiter.
func (t *Ticket) cancelled() {
	if t.q.abandon(t.e) {
		return
	}
	if err := <-t.e.ready; err == nil {
		t.q.Wake()
	}
}

// Queue is a bounded priority queue. All operations are ordered under
// one mutex.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	entries entryHeap
	paused  bool
	closed  bool
	nextSeq uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds a queue. Start launches the deadline sweeper.
func New(cfg Config) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start launches the background sweeper that fails expired waiters.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
				q.sweepExpired(q.now())
			}
		}
	}()
}

// Stop halts the sweeper and fails every waiter with ErrClosed.
// Subsequent enqueues are rejected.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	q.closed = true
	drained := q.takeAllLocked()
	q.mu.Unlock()

	for _, e := range drained {
		e.ready <- ErrClosed
	}
}

// Enqueue parks a request. Negative priorities are treated as zero.
// Pause does not reject enqueues.
func (q *Queue) Enqueue(model string, priority int) (*Ticket, error) {
	if priority < 0 {
		priority = 0
	}
	now := q.now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.entries.Len() >= q.cfg.MaxSize {
		q.mu.Unlock()
		return nil, ErrFull
	}
	e := &entry{
		id:         uuid.NewString(),
		model:      model,
		priority:   priority,
		enqueuedAt: now,
		deadline:   now.Add(q.cfg.Timeout),
		effective:  q.effectivePriority(priority, now, now),
		seq:        q.nextSeq,
		ready:      make(chan error, 1),
	}
	q.nextSeq++
	heap.Push(&q.entries, e)
	depth := q.entries.Len()
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	return &Ticket{q: q, e: e}, nil
}

// Wake delivers the highest-effective-priority entry for an admission
// retry. Returns false when paused, closed, or empty. Effective
// priorities are refreshed first so boosts earned while waiting count.
func (q *Queue) Wake() bool {
	q.mu.Lock()
	if q.paused || q.closed || q.entries.Len() == 0 {
		q.mu.Unlock()
		return false
	}
	q.refreshLocked(q.now())
	e := heap.Pop(&q.entries).(*entry)
	depth := q.entries.Len()
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	e.ready <- nil
	return true
}

// Pause halts wakes. Enqueues continue to be accepted.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	logging.Info("queue paused")
}

// Resume reenables wakes and immediately wakes one entry so the queue
// drains without waiting for the next release.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	logging.Info("queue resumed")
	q.Wake()
}

// Paused reports whether wakes are halted.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len returns the number of parked entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// sweepExpired fails every entry whose deadline passed and refreshes
// the remaining effective priorities.
func (q *Queue) sweepExpired(now time.Time) {
	q.mu.Lock()
	var expired []*entry
	for _, e := range q.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		heap.Remove(&q.entries, e.index)
	}
	q.refreshLocked(now)
	depth := q.entries.Len()
	q.mu.Unlock()

	if len(expired) > 0 {
		metrics.SetQueueDepth(depth)
		logging.Debug("queue entries expired", zap.Int("count", len(expired)))
	}
	for _, e := range expired {
		e.ready <- ErrTimeout
	}
}

// abandon removes a cancelled waiter. Returns false when the entry
// already left the heap, meaning a delivery is in flight.
func (q *Queue) abandon(e *entry) bool {
	q.mu.Lock()
	if e.index < 0 {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.entries, e.index)
	depth := q.entries.Len()
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	return true
}

func (q *Queue) takeAllLocked() []*entry {
	out := make([]*entry, 0, q.entries.Len())
	for q.entries.Len() > 0 {
		out = append(out, heap.Pop(&q.entries).(*entry))
	}
	metrics.SetQueueDepth(0)
	return out
}

// refreshLocked recomputes cached effective priorities and restores
// heap order. Boost schedules are shared, but the cap and interval
// quantization can reorder entries as they age.
func (q *Queue) refreshLocked(now time.Time) {
	for _, e := range q.entries {
		e.effective = q.effectivePriority(e.priority, e.enqueuedAt, now)
	}
	heap.Init(&q.entries)
}

func (q *Queue) effectivePriority(priority int, enqueuedAt, now time.Time) int {
	p := priority
	if q.cfg.PriorityBoostInterval > 0 && q.cfg.PriorityBoostAmount > 0 {
		if boosts := int(now.Sub(enqueuedAt) / q.cfg.PriorityBoostInterval); boosts > 0 {
			p += boosts * q.cfg.PriorityBoostAmount
		}
	}
	if p > q.cfg.MaxPriority {
		p = q.cfg.MaxPriority
	}
	return p
}

// EntrySnapshot is one parked entry as shown by the control plane.
type EntrySnapshot struct {
	ID                string    `json:"id"`
	Model             string    `json:"model"`
	Priority          int       `json:"priority"`
	EffectivePriority int       `json:"effective_priority"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
	Deadline          time.Time `json:"deadline"`
	WaitMs            int64     `json:"wait_ms"`
}

// Snapshot is the control-plane view of the queue.
type Snapshot struct {
	Size    int             `json:"size"`
	MaxSize int             `json:"max_size"`
	Paused  bool            `json:"paused"`
	Entries []EntrySnapshot `json:"entries"`
}

// Snapshot copies out the queue state, entries in wake order.
func (q *Queue) Snapshot() Snapshot {
	now := q.now()

	q.mu.Lock()
	q.refreshLocked(now)
	ordered := make([]*entry, len(q.entries))
	copy(ordered, q.entries)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.effective != b.effective {
			return a.effective > b.effective
		}
		if !a.enqueuedAt.Equal(b.enqueuedAt) {
			return a.enqueuedAt.Before(b.enqueuedAt)
		}
		return a.seq < b.seq
	})
	snap := Snapshot{
		Size:    len(ordered),
		MaxSize: q.cfg.MaxSize,
		Paused:  q.paused,
		Entries: make([]EntrySnapshot, 0, len(ordered)),
	}
	for _, e := range ordered {
		snap.Entries = append(snap.Entries, EntrySnapshot{
			ID:                e.id,
			Model:             e.model,
			Priority:          e.priority,
			EffectivePriority: e.effective,
			EnqueuedAt:        e.enqueuedAt,
			Deadline:          e.deadline,
			WaitMs:            now.Sub(e.enqueuedAt).Milliseconds(),
		})
	}
	q.mu.Unlock()
	return snap
}
