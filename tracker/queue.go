package tracker

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cncvn/api/models"
)

// EntryState is the position of a queued event in its delivery lifecycle.
// Delivered and expired entries are removed rather than kept in a state.
type EntryState int

const (
	StatePending EntryState = iota
	StateSending
)

func (s EntryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSending:
		return "sending"
	default:
		return fmt.Sprintf("EntryState(%d)", int(s))
	}
}

// QueuedEvent wraps an event awaiting delivery.
type QueuedEvent struct {
	ID            string
	Event         models.AnalyticsEvent
	EnqueuedAt    time.Time
	AttemptCount  int
	State         EntryState
	NextAttemptAt time.Time
}

// QueueDeps are the optional collaborators of a Queue.
type QueueDeps struct {
	Clock     Clock
	Persister Persister
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Queue is the single owner of pending analytics events. Insertion order is
// preserved and identical events are never merged.
type Queue struct {
	mu      sync.Mutex
	entries []*QueuedEvent
	version uint64

	persistMu    sync.Mutex
	savedVersion uint64
	dirty        chan struct{}

	policy    *RetryPolicy
	clock     Clock
	persister Persister
	metrics   *Metrics
	log       zerolog.Logger
	newID     func() string
}

func NewQueue(policy *RetryPolicy, deps QueueDeps) *Queue {
	if policy == nil {
		policy = NewRetryPolicy(DefaultRetryConfig())
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	return &Queue{
		policy:    policy,
		clock:     deps.Clock,
		persister: deps.Persister,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		newID:     uuid.NewString,
		dirty:     make(chan struct{}, 1),
	}
}

// Enqueue validates event and appends it to the tail.
func (q *Queue) Enqueue(event models.AnalyticsEvent) (string, error) {
	if event == nil {
		return "", &models.ValidationError{Field: "event", Message: "event is nil"}
	}
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("enqueue %s event: %w", event.Kind(), err)
	}

	now := q.clock.Now()
	entry := &QueuedEvent{
		ID:            q.newID(),
		Event:         event,
		EnqueuedAt:    now,
		State:         StatePending,
		NextAttemptAt: now,
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.touchLocked()
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.enqueued(event.Kind())
	q.metrics.depth(depth)
	q.markDirty()
	return entry.ID, nil
}

// Drain yields the pending entries that are due, oldest first. Each range
// over the sequence takes a fresh snapshot; nothing is removed.
func (q *Queue) Drain() iter.Seq[QueuedEvent] {
	return func(yield func(QueuedEvent) bool) {
		for _, entry := range q.due() {
			if !yield(entry) {
				return
			}
		}
	}
}

func (q *Queue) due() []QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.pruneLocked(now)

	out := make([]QueuedEvent, 0, len(q.entries))
	for _, e := range q.entries {
		if e.State == StatePending && !e.NextAttemptAt.After(now) {
			out = append(out, *e)
		}
	}
	return out
}

// Begin moves a pending entry to sending. It returns false when the entry
// has gone or is already being sent.
func (q *Queue) Begin(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(q.clock.Now())
	e, _ := q.findLocked(id)
	if e == nil || e.State != StatePending {
		return false
	}
	e.State = StateSending
	return true
}

// Release returns a sending entry to pending without counting an attempt.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	if e, _ := q.findLocked(id); e != nil {
		e.State = StatePending
	}
	q.mu.Unlock()
}

// MarkDelivered removes the entry.
func (q *Queue) MarkDelivered(id string) bool {
	q.mu.Lock()
	e, i := q.findLocked(id)
	if e == nil {
		q.mu.Unlock()
		return false
	}
	q.removeLocked(i)
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.delivered(e.Event.Kind())
	q.metrics.depth(depth)
	q.markDirty()
	return true
}

// MarkFailed counts a failed attempt. The entry goes back to pending after
// the retry delay, or is dropped once it reaches the retry or age limit.
// It returns true when the entry will be retried.
func (q *Queue) MarkFailed(id string) bool {
	q.mu.Lock()
	e, i := q.findLocked(id)
	if e == nil {
		q.mu.Unlock()
		return false
	}

	now := q.clock.Now()
	e.AttemptCount++
	kind := e.Event.Kind()

	var reason string
	switch {
	case q.policy.Exhausted(e.AttemptCount):
		reason = "retries"
	case q.policy.Expired(e.EnqueuedAt, now):
		reason = "age"
	}

	if reason != "" {
		q.removeLocked(i)
	} else {
		e.State = StatePending
		e.NextAttemptAt = now.Add(q.policy.NextDelay(e.AttemptCount))
		q.touchLocked()
	}
	depth := len(q.entries)
	attempts := e.AttemptCount
	q.mu.Unlock()

	q.metrics.failed(kind)
	q.metrics.depth(depth)
	if reason != "" {
		q.metrics.dropped(reason)
		q.log.Debug().Str("entry", id).Str("reason", reason).Int("attempts", attempts).Msg("dropping analytics event")
	}
	q.markDirty()
	return reason == ""
}

// Prune removes entries older than the maximum age.
func (q *Queue) Prune() int {
	q.mu.Lock()
	n := q.pruneLocked(q.clock.Now())
	depth := len(q.entries)
	q.mu.Unlock()

	if n > 0 {
		q.metrics.depth(depth)
		q.markDirty()
	}
	return n
}

// Len counts live entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(q.clock.Now())
	return len(q.entries)
}

// Get returns a copy of one entry.
func (q *Queue) Get(id string) (QueuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(q.clock.Now())
	e, _ := q.findLocked(id)
	if e == nil {
		return QueuedEvent{}, false
	}
	return *e, true
}

// Entries returns copies of all live entries in FIFO order.
func (q *Queue) Entries() []QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(q.clock.Now())
	out := make([]QueuedEvent, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Restore replaces the queue contents with the persisted snapshot. Entries
// that were being sent when the snapshot was taken come back as pending.
func (q *Queue) Restore(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	stored, err := q.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}

	entries := make([]*QueuedEvent, 0, len(stored))
	for _, s := range stored {
		event, err := s.Envelope.Decode()
		if err != nil {
			q.log.Warn().Err(err).Str("entry", s.ID).Msg("skipping unreadable persisted event")
			continue
		}
		entries = append(entries, &QueuedEvent{
			ID:            s.ID,
			Event:         event,
			EnqueuedAt:    s.EnqueuedAt,
			AttemptCount:  s.AttemptCount,
			State:         StatePending,
			NextAttemptAt: s.NextAttemptAt,
		})
	}

	q.mu.Lock()
	q.entries = entries
	q.pruneLocked(q.clock.Now())
	q.touchLocked()
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.depth(depth)
	return nil
}

func (q *Queue) findLocked(id string) (*QueuedEvent, int) {
	for i, e := range q.entries {
		if e.ID == id {
			return e, i
		}
	}
	return nil, -1
}

func (q *Queue) removeLocked(i int) {
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.touchLocked()
}

func (q *Queue) pruneLocked(now time.Time) int {
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if q.policy.Expired(e.EnqueuedAt, now) {
			removed++
			q.metrics.dropped("age")
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	if removed > 0 {
		q.touchLocked()
	}
	return removed
}

func (q *Queue) touchLocked() {
	q.version++
}

// markDirty asks the persistence loop for a new snapshot. It never blocks,
// so page requests do not wait on the store.
func (q *Queue) markDirty() {
	if q.persister == nil {
		return
	}
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

// Dirty signals when the queue changed since the last snapshot request.
func (q *Queue) Dirty() <-chan struct{} {
	return q.dirty
}

// Persistent reports whether the queue has a store to flush to.
func (q *Queue) Persistent() bool {
	return q.persister != nil
}

// Flush writes the current snapshot. Older snapshots never overwrite a
// newer one that has already been saved.
func (q *Queue) Flush(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}

	q.mu.Lock()
	version := q.version
	snapshot := make([]PersistedEntry, 0, len(q.entries))
	for _, e := range q.entries {
		env, err := models.Wrap(e.Event)
		if err != nil {
			q.log.Error().Err(err).Str("entry", e.ID).Msg("encode queued event")
			continue
		}
		snapshot = append(snapshot, PersistedEntry{
			ID:            e.ID,
			Envelope:      env,
			EnqueuedAt:    e.EnqueuedAt,
			AttemptCount:  e.AttemptCount,
			NextAttemptAt: e.NextAttemptAt,
		})
	}
	q.mu.Unlock()

	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	if version <= q.savedVersion {
		return nil
	}

	if err := q.persister.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("persist analytics queue: %w", err)
	}
	q.savedVersion = version
	return nil
}
