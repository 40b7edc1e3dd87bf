// Package bus routes events between components with priority ordering and
// single-threaded dispatch.
package bus

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/quantx/internal/domain"
)

// ErrQueueFull is returned by Publish when the backlog cap is reached.
// The bus never drops events silently.
var ErrQueueFull = errors.New("bus: event queue full")

const (
	DefaultMaxQueueSize = 10000

	// How long the dispatcher sleeps on an empty queue before rechecking
	// the stop flag.
	pollInterval = 50 * time.Millisecond
)

// Handler consumes one event. Handlers run sequentially on the dispatcher
// goroutine and must not block for long.
type Handler func(domain.Event)

// Subscription identifies a registered handler so it can be removed.
// Handlers themselves are not comparable.
type Subscription struct {
	kind domain.EventKind
	id   uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Running     bool
	QueueDepth  int
	Dispatched  uint64
	Errors      uint64
	Subscribers map[domain.EventKind]int
}

// Bus is a bounded priority queue with a single dispatcher goroutine.
// Events of lower priority value dispatch first; equal priorities
// dispatch in publish order.
type Bus struct {
	mu         sync.Mutex
	queue      eventHeap
	maxQueue   int
	subs       map[domain.EventKind][]subscriber
	nextSubID  uint64
	nextSeq    uint64
	running    bool
	dispatched uint64
	errors     uint64

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	log *slog.Logger
}

// New builds a stopped bus. maxQueue <= 0 selects the default cap.
func New(maxQueue int) *Bus {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueSize
	}
	return &Bus{
		maxQueue: maxQueue,
		subs:     make(map[domain.EventKind][]subscriber),
		notify:   make(chan struct{}, 1),
		log:      slog.Default().With("component", "bus"),
	}
}

// Subscribe registers a handler for one event kind and returns a handle
// for Unsubscribe.
func (b *Bus) Subscribe(kind domain.EventKind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	b.subs[kind] = append(b.subs[kind], subscriber{id: b.nextSubID, handler: h})
	return Subscription{kind: kind, id: b.nextSubID}
}

// Unsubscribe removes a previously registered handler. Unknown handles
// are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event without blocking. It fails with ErrQueueFull
// when the backlog cap is reached.
func (b *Bus) Publish(ev domain.Event) error {
	b.mu.Lock()
	if b.queue.Len() >= b.maxQueue {
		b.mu.Unlock()
		return ErrQueueFull
	}
	b.nextSeq++
	heap.Push(&b.queue, queued{event: ev, seq: b.nextSeq})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the dispatcher goroutine. Starting a running bus is a
// no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.dispatch()
	b.log.Info("event bus started", "max_queue", b.maxQueue)
}

// Stop asks the dispatcher to exit and waits up to timeout. It reports
// whether the dispatcher exited within the budget. Events still queued
// are not dispatched.
func (b *Bus) Stop(timeout time.Duration) bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return true
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
		b.log.Info("event bus stopped")
		return true
	case <-time.After(timeout):
		b.log.Warn("event bus stop timed out", "timeout", timeout)
		return false
	}
}

// ClearQueue drops all pending events and returns how many were dropped.
func (b *Bus) ClearQueue() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.queue.Len()
	b.queue = nil
	return n
}

// Stats returns a snapshot of bus counters and subscriber counts.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make(map[domain.EventKind]int, len(b.subs))
	for k, list := range b.subs {
		subs[k] = len(list)
	}
	return Stats{
		Running:     b.running,
		QueueDepth:  b.queue.Len(),
		Dispatched:  b.dispatched,
		Errors:      b.errors,
		Subscribers: subs,
	}
}

func (b *Bus) dispatch() {
	defer close(b.done)
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		ev, ok := b.pop()
		if !ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pollInterval)
			select {
			case <-b.stop:
				return
			case <-b.notify:
			case <-timer.C:
			}
			continue
		}

		select {
		case <-b.stop:
			return
		default:
		}
		b.deliver(ev)
	}
}

func (b *Bus) pop() (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 {
		return domain.Event{}, false
	}
	q := heap.Pop(&b.queue).(queued)
	return q.event, true
}

func (b *Bus) deliver(ev domain.Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.subs[ev.Kind]))
	for i, s := range b.subs[ev.Kind] {
		handlers[i] = s.handler
	}
	b.dispatched++
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.errors++
			b.mu.Unlock()
			b.log.Error("event handler panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	h(ev)
}
