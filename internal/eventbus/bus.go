package eventbus

import (
	"sync"
	"time"
)

// Handler receives an event payload. The concrete type of payload
// matches the EventType it was subscribed under (see the *Payload
// types in types.go) — callers type-assert it themselves, the same
// way the teacher's handlers switched on event.Type before reading
// event-specific fields.
type Handler func(payload any)

type subscription struct {
	id       uint64
	evtType  EventType
	handler  Handler
	once     bool
}

// entry is a single queued dispatch job, processed strictly FIFO by
// the bus's single drain goroutine so handler ordering across event
// types is deterministic.
type entry struct {
	evtType EventType
	payload any
}

// Bus is the core's in-process event dispatcher. Subscribers register
// for an EventType and are invoked, in subscription order, on the
// bus's single dispatch goroutine — handlers never run concurrently
// with each other, mirroring the teacher's sequential priority-ordered
// Dispatch loop but without the priority field (subscription order is
// the only ordering the core needs).
type Bus struct {
	mu        sync.Mutex
	subs      map[EventType][]*subscription
	lastValue map[EventType]any
	nextID    uint64

	queue    chan entry
	debounce map[string]*time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Bus and starts its dispatch goroutine. Close stops it.
func New() *Bus {
	b := &Bus{
		subs:      make(map[EventType][]*subscription),
		lastValue: make(map[EventType]any),
		queue:     make(chan entry, 256),
		debounce:  make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	go b.drain()
	return b
}

// SubscribeOpts mirrors the core's subscribe(type, handler, opts) API.
type SubscribeOpts struct {
	// Once unsubscribes the handler automatically after its first call.
	Once bool
	// Immediately replays the last emitted value for this EventType (if
	// any) to the new handler, synchronously, before returning.
	Immediately bool
}

// Subscribe registers handler for evtType and returns an id usable
// with Unsubscribe.
func (b *Bus) Subscribe(evtType EventType, handler Handler, opts SubscribeOpts) uint64 {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, evtType: evtType, handler: handler, once: opts.Once}
	b.subs[evtType] = append(b.subs[evtType], sub)
	last, hasLast := b.lastValue[evtType]
	b.mu.Unlock()

	if opts.Immediately && hasLast {
		handler(last)
	}
	return id
}

// Unsubscribe removes the subscription with the given id. Returns
// true if a subscription was found and removed.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for evtType, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[evtType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Emit queues payload for dispatch to evtType's subscribers and
// records it as the type's last value for future Immediately
// subscribers.
func (b *Bus) Emit(evtType EventType, payload any) {
	b.mu.Lock()
	b.lastValue[evtType] = payload
	b.mu.Unlock()

	select {
	case b.queue <- entry{evtType: evtType, payload: payload}:
	case <-b.done:
	}
}

// EmitDebounced delays Emit by delay, coalescing repeated calls that
// share the same key so only the last payload within the window is
// ever dispatched.
func (b *Bus) EmitDebounced(evtType EventType, payload any, key string, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.debounce[key]; ok {
		t.Stop()
	}
	b.debounce[key] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.debounce, key)
		b.mu.Unlock()
		b.Emit(evtType, payload)
	})
}

// Close stops the dispatch goroutine and any pending debounce timers.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		for _, t := range b.debounce {
			t.Stop()
		}
		b.mu.Unlock()
		close(b.done)
	})
}

func (b *Bus) drain() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(e entry) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs[e.evtType]))
	copy(subs, b.subs[e.evtType])
	b.mu.Unlock()

	var onceIDs []uint64
	for _, s := range subs {
		s.handler(e.payload)
		if s.once {
			onceIDs = append(onceIDs, s.id)
		}
	}
	for _, id := range onceIDs {
		b.Unsubscribe(id)
	}
}
