// Package loop implements the host run loop: timers and posted tasks
// dispatched on the single goroutine that owns the engine.
//
// Only Step runs user work. Everything else is safe to call from any
// goroutine, which is how module workers (HTTP requests, REPL input) hand
// results back to the engine without touching it themselves.
package loop

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Post after Close.
var ErrClosed = errors.New("loop closed")

// Task is a unit of work run on the loop goroutine.
type Task func()

// TimerID identifies a scheduled timer. Zero is never issued.
type TimerID int64

type timer struct {
	id       TimerID
	when     time.Time
	interval time.Duration // zero for one-shot
	next     func(time.Time) time.Time
	fn       Task
	index    int
	dead     bool
}

type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].id < q[j].id
	}
	return q[i].when.Before(q[j].when)
}
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Loop is the run loop. The zero value is not usable; call New.
type Loop struct {
	mu      sync.Mutex
	tasks   []Task
	queue   timerQueue
	timers  map[TimerID]*timer
	nextID  TimerID
	pending int
	closed  bool

	wake   chan struct{}
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for loop diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		lp.logger = l
	}
}

// New creates an empty loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		timers: make(map[TimerID]*timer),
		wake:   make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues t for the next Step. Safe from any goroutine.
func (l *Loop) Post(t Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, t)
	l.mu.Unlock()

	l.Wake()
	return nil
}

// Wake interrupts a blocked Step without queueing work. It never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc runs fn once after d.
func (l *Loop) AfterFunc(d time.Duration, fn Task) TimerID {
	return l.schedule(d, 0, fn)
}

// Every runs fn every interval until cancelled. Non-positive intervals are
// raised to one millisecond.
func (l *Loop) Every(interval time.Duration, fn Task) TimerID {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return l.schedule(interval, interval, fn)
}

// Schedule runs fn at every time next returns, starting with next(now).
// A zero time from next ends the schedule; if the first one is zero, no
// timer is created and Schedule returns 0.
func (l *Loop) Schedule(next func(time.Time) time.Time, fn Task) TimerID {
	when := next(time.Now())
	if when.IsZero() {
		return 0
	}
	return l.add(&timer{when: when, next: next, fn: fn})
}

func (l *Loop) schedule(d, interval time.Duration, fn Task) TimerID {
	if d < 0 {
		d = 0
	}
	return l.add(&timer{when: time.Now().Add(d), interval: interval, fn: fn})
}

func (l *Loop) add(t *timer) TimerID {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0
	}
	l.nextID++
	t.id = l.nextID
	heap.Push(&l.queue, t)
	l.timers[t.id] = t
	l.mu.Unlock()

	l.Wake()
	return t.id
}

// Cancel stops a timer. It reports whether the timer was still scheduled.
func (l *Loop) Cancel(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.timers[id]
	if !ok {
		return false
	}
	delete(l.timers, id)
	t.dead = true
	if t.index >= 0 {
		heap.Remove(&l.queue, t.index)
	}
	return true
}

// Hold marks an outstanding asynchronous source, such as an in-flight
// request whose completion will be posted later. The loop is not idle
// while any hold is active. The returned release is idempotent.
func (l *Loop) Hold() (release func()) {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.pending--
			l.mu.Unlock()
			l.Wake()
		})
	}
}

// Idle reports whether there is nothing queued, scheduled or pending.
func (l *Loop) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) == 0 && len(l.timers) == 0 && l.pending == 0
}

// Step performs one iteration: it blocks for at most maxWait until work is
// ready (or Wake is called), then runs every queued task followed by every
// timer that is due. It returns the number of callbacks run.
//
// Callbacks run without the loop lock held. A panic in a callback unwinds
// out of Step; the callbacks not yet run in that iteration are dropped.
func (l *Loop) Step(maxWait time.Duration) int {
	if wait := l.nextWait(maxWait); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-l.wake:
		case <-t.C:
		}
		t.Stop()
	}

	tasks, due := l.collect(time.Now())
	for _, task := range tasks {
		task()
	}
	ran := len(tasks)
	for _, t := range due {
		if l.isDead(t) {
			continue
		}
		t.fn()
		ran++
	}
	return ran
}

func (l *Loop) nextWait(maxWait time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) > 0 {
		return 0
	}
	wait := maxWait
	if len(l.queue) > 0 {
		until := time.Until(l.queue[0].when)
		if until < wait {
			wait = until
		}
	}
	return wait
}

// collect takes the queued tasks and the due timers. Repeating and
// scheduled timers are rescheduled before their callback runs so a callback may cancel itself.
func (l *Loop) collect(now time.Time) ([]Task, []*timer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tasks := l.tasks
	l.tasks = nil

	var due []*timer
	for len(l.queue) > 0 && !l.queue[0].when.After(now) {
		t := heap.Pop(&l.queue).(*timer)
		due = append(due, t)
		if t.interval > 0 {
			next := t.when.Add(t.interval)
			if next.Before(now) {
				next = now.Add(t.interval)
			}
			t.when = next
			heap.Push(&l.queue, t)
		} else {
			delete(l.timers, t.id)
		}
	}
	return tasks, due
}

func (l *Loop) isDead(t *timer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return t.dead
}

// Close drops every task and timer. Post fails afterwards. Close is
// idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true

	dropped := len(l.tasks)
	for _, t := range l.timers {
		t.dead = true
	}
	l.tasks = nil
	l.queue = nil
	l.timers = make(map[TimerID]*timer)

	if dropped > 0 {
		l.logger.Debug("loop closed with queued tasks", "dropped", dropped)
	}
}
