package xcache

import (
	"sync"
	"sync/atomic"
)

// CacheEventKind is the kind of change a CacheEvent describes.
type CacheEventKind uint8

const (
	EventInserted CacheEventKind = iota + 1
	EventUpdated
	EventDeleted
)

// TransformState tags whether a CacheEvent may still be transformed by a
// transformer-filter listener, has already been transformed, or was never
// eligible. Transformed events must never reach key-scoped listeners
// (spec §3).
type TransformState uint8

const (
	TransformTransformable TransformState = iota
	TransformNonTransformable
	TransformTransformed
)

// Filter is the server-evaluable predicate this client also needs to
// evaluate locally when collectNoOptimize has no explicit filter-id list
// to work from (spec §4.A step 3). Concrete filters are supplied by the
// caller (the predicate language itself is outside this package's scope,
// same as the serializer and wire codec).
type Filter interface {
	// Evaluate reports whether e matches this filter.
	Evaluate(e *CacheEvent) bool
}

// CacheEvent is the data model type from spec §3.
type CacheEvent struct {
	Source         *BinaryCache
	Kind           CacheEventKind
	Key            []byte
	OldValue       []byte
	NewValue       []byte
	IsSynthetic    bool
	TransformState TransformState
	IsPriming      bool

	// FilterIDs is the server-echoed filter id list attached to the wire
	// event (spec §6 event payload shape). When non-empty, Collect
	// resolves listeners by looking each id up in the FilterIDTable
	// instead of evaluating every registered filter.
	FilterIDs []int64

	// MatchedFilters is populated by ListenerRegistry.Collect under the
	// NoOptimize path: with the filters resolved from FilterIDs when an
	// id list was attached, otherwise with the registered filters that
	// evaluated true, so callers don't need to re-evaluate them.
	MatchedFilters []Filter
}

// runnableCacheEvent is the unit of work placed on the Event Dispatcher's
// queue. It carries either a whole ListenerSet or a single listener,
// mirroring the "RunnableCacheEvent variants" note in spec §4.I.
type runnableCacheEvent struct {
	event     *CacheEvent
	listeners ListenerSet
	single    Listener
}

func (t runnableCacheEvent) run(strict bool, onPanic func(listener Listener, err interface{})) {
	if t.single != nil {
		dispatchOne(t.single, t.event, strict, onPanic)
		return
	}
	for _, reg := range t.listeners {
		if !dispatchOne(reg.listener, t.event, strict, onPanic) && strict {
			return
		}
	}
}

// dispatchOne invokes l.OnEvent, recovering a panic so one misbehaving
// listener can never take down the dispatcher goroutine or block delivery
// to the rest of the set (spec §4.I: "Any exception from a synchronous
// listener is logged but MUST NOT affect delivery to other listeners").
// It returns false if a panic occurred, so strict-mode callers can halt.
func dispatchOne(l Listener, e *CacheEvent, strict bool, onPanic func(Listener, interface{})) (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if onPanic != nil {
				onPanic(l, r)
			}
			if strict {
				panic(r)
			}
		}
	}()
	l.OnEvent(e)
	return
}

// EventDispatcher is the single-consumer queue of spec §4.I; every
// BinaryCache of a service may enqueue onto it. It is modeled directly on the teacher's brokerCxn.resps /
// handleResps pairing in broker.go: a buffered channel fed by producers,
// drained serially by exactly one goroutine so within-listener ordering is
// FIFO, plus a dieMu-guarded atomic "dead" flag so a full queue never
// blocks shutdown.
type EventDispatcher struct {
	logger Logger
	strict bool

	onPanic func(listener Listener, err interface{})

	dieMu sync.RWMutex
	tasks chan runnableCacheEvent
	dead  int32

	wg sync.WaitGroup

	// drainMu/drainCond let Drain block until the queue is empty and no
	// task is in flight, per spec §4.I.
	drainMu   sync.Mutex
	drainCond *sync.Cond
	inFlight  int
}

// NewEventDispatcher starts the single worker goroutine and returns a ready
// dispatcher. strict controls whether a synchronous listener's panic
// re-raises (halting delivery to the rest of the set) or is logged and
// swallowed, per the propagation policy in spec §7.
func NewEventDispatcher(lg Logger, strict bool) *EventDispatcher {
	if lg == nil {
		lg = nopLogger{}
	}
	d := &EventDispatcher{
		logger: lg,
		strict: strict,
		tasks:  make(chan runnableCacheEvent, 256),
	}
	d.drainCond = sync.NewCond(&d.drainMu)
	d.onPanic = func(l Listener, err interface{}) {
		d.logger.Log(LogLevelWarn, "listener panicked during event dispatch", "err", err)
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Enqueue schedules a task for the worker goroutine. It is a no-op once
// the dispatcher has been stopped.
func (d *EventDispatcher) Enqueue(t runnableCacheEvent) {
	dead := false
	d.dieMu.RLock()
	if atomic.LoadInt32(&d.dead) == 1 {
		dead = true
	} else {
		d.drainMu.Lock()
		d.inFlight++
		d.drainMu.Unlock()
		d.tasks <- t
	}
	d.dieMu.RUnlock()
	if dead {
		d.logger.Log(LogLevelDebug, "dropping event, dispatcher stopped")
	}
}

// DispatchInline runs listeners synchronously on the calling goroutine,
// for ListenerSynchronous/ListenerPriming registrations (spec §4.I: these
// "bypass the queue and execute on the channel-receiving thread").
func (d *EventDispatcher) DispatchInline(e *CacheEvent, listeners ListenerSet) {
	runnableCacheEvent{event: e, listeners: listeners}.run(d.strict, d.onPanic)
}

func (d *EventDispatcher) run() {
	defer d.wg.Done()
	for t := range d.tasks {
		t.run(d.strict, d.onPanic)
		d.drainMu.Lock()
		d.inFlight--
		if d.inFlight == 0 {
			d.drainCond.Broadcast()
		}
		d.drainMu.Unlock()
	}
}

// Drain blocks until the queue is empty and no task is in flight.
func (d *EventDispatcher) Drain() {
	d.drainMu.Lock()
	for d.inFlight > 0 {
		d.drainCond.Wait()
	}
	d.drainMu.Unlock()
}

// Stop permanently disables the dispatcher. Any tasks still queued are
// dropped; Stop does not wait for them (call Drain first if that matters).
func (d *EventDispatcher) Stop() {
	if atomic.SwapInt32(&d.dead, 1) == 1 {
		return
	}
	d.dieMu.Lock()
	d.dieMu.Unlock()
	close(d.tasks)
	d.wg.Wait()
}
