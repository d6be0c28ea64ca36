/*
Package effects tracks asynchronous work started by dispatched commands.

A Tracker keeps the set of in-flight effects. Every effect has its own
timeout, so Wait always returns once the set drains, even when a
completion signal is lost. Failed and timed-out effects are logged and
dropped, never returned to the waiter.

One Tracker is shared by every dispatcher it is injected into. Callers
that want isolation between conversations create one Tracker per session.
*/
package effects

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every effect unless WithTimeout says otherwise.
const DefaultTimeout = 30 * time.Second

// Status of a tracked effect
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Effect is a snapshot of one tracked operation.
type Effect struct {
	ID        string    `json:"effectId"`
	Source    string    `json:"sourceType"`
	StartTime time.Time `json:"startTime"`
	Status    Status    `json:"status"`
}

// Stats counts settled effects since the tracker was created.
type Stats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timedOut"`
}

type entry struct {
	Effect
	timer *time.Timer
	queue string // FIFO pairing key, empty when paired by id
}

// Tracker is a mutex-protected registry of pending effects.
type Tracker struct {
	mu        sync.Mutex
	timeout   time.Duration
	pending   map[string]*entry
	drained   chan struct{} // closed while pending is empty
	onDrained func()
	stats     Stats

	declared map[string]declaration
	requests map[string]string   // request id -> effect id
	queues   map[string][]string // pairing key -> effect ids, oldest first

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Entry
}

type Option func(*Tracker)

// WithTimeout sets the per-effect timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithOnDrained registers a callback run by Wait once the set is empty.
func WithOnDrained(fn func()) Option {
	return func(t *Tracker) { t.onDrained = fn }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func New(opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	drained := make(chan struct{})
	close(drained)

	t := &Tracker{
		timeout:  DefaultTimeout,
		pending:  make(map[string]*entry),
		drained:  drained,
		declared: make(map[string]declaration),
		requests: make(map[string]string),
		queues:   make(map[string][]string),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin registers a pending effect and starts its timer. An empty id is
// replaced by a generated one. Beginning an id that is already pending is
// a no-op.
func (t *Tracker) Begin(id, source string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beginLocked(id, source, "")
}

func (t *Tracker) beginLocked(id, source, queue string) string {
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := t.pending[id]; exists {
		return id
	}
	if len(t.pending) == 0 {
		t.drained = make(chan struct{})
	}

	e := &entry{
		Effect: Effect{ID: id, Source: source, StartTime: time.Now(), Status: StatusPending},
		queue:  queue,
	}
	e.timer = time.AfterFunc(t.timeout, func() {
		t.settle(id, StatusTimedOut, nil)
	})
	t.pending[id] = e
	if queue != "" {
		t.queues[queue] = append(t.queues[queue], id)
	}

	t.logger.WithFields(logrus.Fields{
		"effectId": id,
		"source":   source,
		"pending":  len(t.pending),
	}).Debug("Effect started")
	return id
}

// Complete settles a pending effect successfully. It reports whether the
// effect was still pending.
func (t *Tracker) Complete(id string) bool {
	return t.settle(id, StatusCompleted, nil)
}

// Fail settles a pending effect with an error. The error is logged only.
func (t *Tracker) Fail(id string, err error) bool {
	return t.settle(id, StatusFailed, err)
}

// Track registers an effect that settles when wait returns. wait receives
// a context cancelled at the effect's timeout or when the tracker closes.
func (t *Tracker) Track(id, source string, wait func(ctx context.Context) error) string {
	id = t.Begin(id, source)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
		defer cancel()

		if err := wait(ctx); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				t.settle(id, StatusTimedOut, nil)
				return
			}
			t.settle(id, StatusFailed, err)
			return
		}
		t.settle(id, StatusCompleted, nil)
	}()
	return id
}

// TrackChan registers an effect that settles on the first value received
// from ch, or when ch is closed.
func (t *Tracker) TrackChan(id, source string, ch <-chan error) string {
	return t.Track(id, source, func(ctx context.Context) error {
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (t *Tracker) settle(id string, status Status, err error) bool {
	t.mu.Lock()
	e, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	e.timer.Stop()
	if e.queue != "" {
		t.queues[e.queue] = remove(t.queues[e.queue], id)
		if len(t.queues[e.queue]) == 0 {
			delete(t.queues, e.queue)
		}
	}
	for rid, eid := range t.requests {
		if eid == id {
			delete(t.requests, rid)
		}
	}

	switch status {
	case StatusCompleted:
		t.stats.Completed++
	case StatusFailed:
		t.stats.Failed++
	case StatusTimedOut:
		t.stats.TimedOut++
	}
	remaining := len(t.pending)
	if remaining == 0 {
		close(t.drained)
	}
	t.mu.Unlock()

	log := t.logger.WithFields(logrus.Fields{
		"effectId": id,
		"source":   e.Source,
		"elapsed":  time.Since(e.StartTime),
		"pending":  remaining,
	})
	switch status {
	case StatusFailed:
		log.WithError(err).Warn("Effect failed")
	case StatusTimedOut:
		log.Warn("Effect timed out")
	default:
		log.Debug("Effect completed")
	}
	return true
}

// Wait blocks until no effect is pending or ctx is done. The drained
// callback runs on every successful return.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	drained := t.drained
	t.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	// An effect may have begun after the channel closed; that one belongs
	// to a later Wait.
	if t.onDrained != nil {
		t.onDrained()
	}
	return nil
}

// Pending returns the in-flight effects, oldest first.
func (t *Tracker) Pending() []Effect {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Effect, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, e.Effect)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Pending = len(t.pending)
	return s
}

// Close drops every pending effect, cancels running Track waits and
// returns once their goroutines have exited.
func (t *Tracker) Close() {
	t.cancel()

	t.mu.Lock()
	for id, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, id)
	}
	t.requests = make(map[string]string)
	t.queues = make(map[string][]string)
	select {
	case <-t.drained:
	default:
		close(t.drained)
	}
	t.mu.Unlock()

	t.wg.Wait()
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
