package retryqueue

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MaxEntries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	DrainInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:    50,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    30 * time.Second,
		DrainInterval: 500 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return c.BaseBackoff
	}
	delay := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return delay
}

// Backoff is Config.Backoff with the default schedule (2s, 4s, 8s, 16s, 30s, 30s, ...).
func Backoff(attempt int) time.Duration {
	return DefaultConfig().Backoff(attempt)
}

// DeliverFunc sends one payload to its destination.
type DeliverFunc[T any] func(ctx context.Context, key string, payload T) error

// Entry is a pending submission.
type Entry[T any] struct {
	Key           string
	Payload       T
	Attempts      int
	EnqueuedAt    time.Time
	NextAttemptAt time.Time
	LastError     string
}

type entry[T any] struct {
	Entry[T]
	// version changes on every re-enqueue so an in-flight delivery of an
	// older payload does not remove the newer one.
	version uint64
}

// Queue is a bounded, keyed retry queue. When full, the oldest entry is
// evicted to make room. Safe for concurrent use.
type Queue[T any] struct {
	cfg     Config
	clock   clockwork.Clock
	deliver DeliverFunc[T]

	mu        sync.Mutex
	items     *deque[T]
	index     map[string]*entry[T]
	permanent func(error) bool
	onEvict   func(Entry[T])
	onDrop    func(Entry[T], error)
	notify    chan struct{}

	drainMu sync.Mutex
}

// New creates a queue that delivers entries with deliver.
func New[T any](cfg Config, clock clockwork.Clock, deliver DeliverFunc[T]) *Queue[T] {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue[T]{
		cfg:     cfg,
		clock:   clock,
		deliver: deliver,
		items:   newDeque[T](cfg.MaxEntries),
		index:   make(map[string]*entry[T]),
		notify:  make(chan struct{}, 1),
	}
}

// SetPermanent installs the predicate that marks a delivery error as not
// worth retrying. Such entries are dropped immediately.
func (q *Queue[T]) SetPermanent(fn func(error) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.permanent = fn
}

// OnEvict registers a callback for entries evicted by the size bound.
func (q *Queue[T]) OnEvict(fn func(Entry[T])) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onEvict = fn
}

// OnDrop registers a callback for entries dropped after a permanent failure.
func (q *Queue[T]) OnDrop(fn func(Entry[T], error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Enqueue inserts a submission or replaces the payload of the pending one
// with the same key. Attempts and schedule of a replaced entry are kept.
func (q *Queue[T]) Enqueue(key string, payload T) {
	q.mu.Lock()
	if e, ok := q.index[key]; ok {
		e.Payload = payload
		e.version++
		q.mu.Unlock()
		q.wake()
		return
	}

	var evicted *entry[T]
	if q.items.full() {
		evicted = q.items.popFront()
		delete(q.index, evicted.Key)
	}

	now := q.clock.Now()
	e := &entry[T]{Entry: Entry[T]{
		Key:           key,
		Payload:       payload,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}}
	q.items.pushBack(e)
	q.index[key] = e
	onEvict := q.onEvict
	q.mu.Unlock()

	if evicted != nil {
		log.Warn().
			Str("key", evicted.Key).
			Int("attempts", evicted.Attempts).
			Int("max_entries", q.cfg.MaxEntries).
			Msg("retry queue full, evicted oldest submission")
		if onEvict != nil {
			onEvict(evicted.Entry)
		}
	}
	q.wake()
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// Get returns a copy of the pending entry for key.
func (q *Queue[T]) Get(key string) (Entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[key]
	if !ok {
		return Entry[T]{}, false
	}
	return e.Entry, true
}

// Snapshot returns copies of all pending entries, oldest first.
func (q *Queue[T]) Snapshot() []Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry[T], 0, q.items.len())
	for i := 0; i < q.items.len(); i++ {
		out = append(out, q.items.at(i).Entry)
	}
	return out
}

type attempt[T any] struct {
	e       *entry[T]
	key     string
	payload T
	version uint64
}

type dropped[T any] struct {
	entry Entry[T]
	err   error
}

// Drain delivers every due entry in enqueue order. It returns how many
// entries were delivered and how many failed. Only one drain runs at a time.
func (q *Queue[T]) Drain(ctx context.Context) (delivered, failed int) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	now := q.clock.Now()
	var due []attempt[T]
	for i := 0; i < q.items.len(); i++ {
		e := q.items.at(i)
		if !e.NextAttemptAt.After(now) {
			due = append(due, attempt[T]{e: e, key: e.Key, payload: e.Payload, version: e.version})
		}
	}
	q.mu.Unlock()

	var drops []dropped[T]
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		err := q.deliver(ctx, a.key, a.payload)

		q.mu.Lock()
		if q.index[a.key] != a.e {
			// Evicted while in flight.
			q.mu.Unlock()
			continue
		}
		switch {
		case err == nil:
			delivered++
			if a.e.version == a.version {
				q.removeLocked(a.e)
			} else {
				a.e.NextAttemptAt = q.clock.Now()
			}
		case q.permanent != nil && q.permanent(err):
			failed++
			a.e.LastError = err.Error()
			drops = append(drops, dropped[T]{entry: a.e.Entry, err: err})
			q.removeLocked(a.e)
		default:
			failed++
			a.e.Attempts++
			a.e.LastError = err.Error()
			a.e.NextAttemptAt = q.clock.Now().Add(q.cfg.Backoff(a.e.Attempts))
			log.Debug().
				Err(err).
				Str("key", a.key).
				Int("attempts", a.e.Attempts).
				Time("next_attempt_at", a.e.NextAttemptAt).
				Msg("delivery failed, backing off")
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	onDrop := q.onDrop
	q.mu.Unlock()

	for _, d := range drops {
		log.Warn().Err(d.err).Str("key", d.entry.Key).Msg("dropping submission after permanent failure")
		if onDrop != nil {
			onDrop(d.entry, d.err)
		}
	}
	return delivered, failed
}

// removeLocked drops e from the queue. Caller holds mu.
func (q *Queue[T]) removeLocked(e *entry[T]) {
	delete(q.index, e.Key)
	q.items.retain(func(x *entry[T]) bool { return x != e })
}

// Notify signals after every enqueue; the worker uses it to drain promptly.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

// NextDue returns the earliest NextAttemptAt among pending entries.
func (q *Queue[T]) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for i := 0; i < q.items.len(); i++ {
		e := q.items.at(i)
		if next.IsZero() || e.NextAttemptAt.Before(next) {
			next = e.NextAttemptAt
		}
	}
	return next, !next.IsZero()
}
