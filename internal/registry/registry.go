// Package registry is the Incantation Registry: the component that
// turns a (surql, params, client_id) tuple into a single live,
// refcounted incantation, deduplicating concurrent identical
// registrations with golang.org/x/sync/singleflight the way the
// teacher's internal/rpc/query_dedup.go hand-rolled an in-flight
// dedup map for identical concurrent RPCs — generalized here to the
// stdlib-compatible singleflight primitive instead of a bespoke
// channel-broadcast table.
package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wisp-sync/wisp/internal/cache"
	"github.com/wisp-sync/wisp/internal/eventbus"
	"github.com/wisp-sync/wisp/internal/hashutil"
	"github.com/wisp-sync/wisp/internal/types"
)

// Resolver is implemented by the Cache Module: the registry never
// talks to the processor directly.
type Resolver interface {
	RegisterQuery(hash, surql string, params map[string]any) (types.MaterializedView, error)
	UnregisterQuery(hash string)
}

var _ Resolver = (*cache.Module)(nil)

// DownPusher is implemented by the Sync Scheduler's PushDown: the
// registry dispatches register/heartbeat/sync/cleanup work onto the
// Down lane rather than performing any remote call itself.
type DownPusher func(ctx context.Context, item types.QueueItem) error

// entry is one tracked incantation.
type entry struct {
	inc         types.Incantation
	view        types.MaterializedView
	remoteArray types.RecordVersionArray
	heartbeat   *time.Timer
}

// Registry is the Incantation Registry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	cache   Resolver
	ttl     time.Duration

	bus        *eventbus.Bus
	ownsBus    bool
	downPusher DownPusher
	closeOnce  sync.Once
}

const defaultTTL = 90 * time.Second

// Option configures optional Registry collaborators; the zero-value
// Registry (no options) still satisfies Query/Unregister/
// GetActiveQueries on their own, which is what the unit tests exercise.
type Option func(*Registry)

// WithDownPusher wires the Sync Scheduler's Down lane so the registry
// can dispatch register/heartbeat/sync/cleanup work instead of being a
// pure in-memory intern table.
func WithDownPusher(p DownPusher) Option {
	return func(r *Registry) { r.downPusher = p }
}

// WithBus supplies an existing event bus instead of the private one
// New creates, so the registry's incantation-lifecycle and processor-
// update events share a dispatch queue with the rest of the runtime.
func WithBus(b *eventbus.Bus) Option {
	return func(r *Registry) { r.bus = b; r.ownsBus = false }
}

func New(cache Resolver, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		cache:   cache,
		ttl:     defaultTTL,
		bus:     eventbus.New(),
		ownsBus: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops every incantation's heartbeat timer and the registry's
// private event bus (a no-op if WithBus supplied one the caller owns).
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		for _, e := range r.entries {
			if e.heartbeat != nil {
				e.heartbeat.Stop()
			}
		}
		r.mu.Unlock()
		if r.ownsBus {
			r.bus.Close()
		}
	})
}

// Query registers (or reuses) the incantation for surql/params/clientID
// and returns its current materialized view. Concurrent Query calls
// for the identical content hash collapse into a single Register call
// via singleflight — only the first caller actually compiles and runs
// the plan; the rest receive its result.
func (r *Registry) Query(surql string, params map[string]any, clientID string) (types.MaterializedView, error) {
	hash := hashutil.QueryHash(surql, params, clientID)

	v, err, _ := r.group.Do(hash, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.entries[hash]; ok {
			e.inc.Refs++
			e.inc.State = types.StateLive
			r.mu.Unlock()
			return e.view, nil
		}
		r.mu.Unlock()

		view, err := r.cache.RegisterQuery(hash, surql, params)
		if err != nil {
			return types.MaterializedView{}, err
		}

		r.mu.Lock()
		e := &entry{
			inc: types.Incantation{
				Hash: hash, ClientID: clientID, SurQL: surql, Params: params,
				State: types.StateLive, TTL: r.ttl, Heartbeat: time.Now(), Refs: 1,
			},
			view: view,
		}
		r.entries[hash] = e
		e.heartbeat = r.startHeartbeat(hash, clientID, r.ttl)
		r.mu.Unlock()

		r.pushDown(types.QueueItem{Kind: "register", ClientID: clientID, Payload: hash})
		r.bus.Emit(eventbus.EventIncantationRegistered, eventbus.IncantationRegisteredPayload{Hash: hash, ClientID: clientID})
		return view, nil
	})
	if err != nil {
		return types.MaterializedView{}, err
	}
	return v.(types.MaterializedView), nil
}

// startHeartbeat schedules a repeating timer at 90% of ttl that
// dispatches a "heartbeat" Down-queue item for hash, per spec §4.7 —
// the registry owns the timer, the Sync Scheduler owns the actual
// remote call. A zero downPusher (no Scheduler wired) still returns a
// timer so Unregister/Close have something to Stop; it simply has
// nothing to dispatch to.
func (r *Registry) startHeartbeat(hash, clientID string, ttl time.Duration) *time.Timer {
	interval := ttl * 9 / 10
	if interval <= 0 {
		interval = ttl
	}
	var t *time.Timer
	t = time.AfterFunc(interval, func() {
		r.mu.Lock()
		_, ok := r.entries[hash]
		r.mu.Unlock()
		if !ok {
			return
		}
		r.pushDown(types.QueueItem{Kind: "heartbeat", ClientID: clientID, Payload: hash})
		t.Reset(interval)
	})
	return t
}

// pushDown dispatches item to the Sync Scheduler's Down lane if one is
// wired; it is a no-op (not an error) otherwise, since Query/Unregister
// must keep working for callers that only exercise the in-memory
// intern table (e.g. unit tests constructing a bare Registry).
func (r *Registry) pushDown(item types.QueueItem) {
	if r.downPusher == nil {
		return
	}
	_ = r.downPusher(context.Background(), item)
}

// Heartbeat renews an incantation's last-active timestamp. The
// registry's own per-incantation timer (started in Query) is what
// actually dispatches "heartbeat" Down-queue items at 90% of TTL; this
// method lets a caller that observed liveness some other way (e.g. a
// successful sync) bump the bookkeeping without waiting for the timer.
func (r *Registry) Heartbeat(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return false
	}
	e.inc.Heartbeat = time.Now()
	return true
}

// Unregister decrements an incantation's refcount; at zero it moves to
// StateCleaning and, after a ttl/10 grace window (giving a
// fast-reconnecting client a chance to re-subscribe without losing its
// compiled plan), to StateDestroyed.
func (r *Registry) Unregister(hash string) {
	r.mu.Lock()
	e, ok := r.entries[hash]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.inc.Refs--
	if e.inc.Refs > 0 {
		r.mu.Unlock()
		return
	}
	e.inc.State = types.StateCleaning
	grace := e.inc.TTL / 10
	r.mu.Unlock()

	time.AfterFunc(grace, func() {
		r.mu.Lock()
		cur, ok := r.entries[hash]
		if !ok || cur.inc.Refs > 0 {
			r.mu.Unlock()
			return // re-registered during the grace window
		}
		cur.inc.State = types.StateDestroyed
		if cur.heartbeat != nil {
			cur.heartbeat.Stop()
		}
		clientID := cur.inc.ClientID
		delete(r.entries, hash)
		r.mu.Unlock()

		// Local state is freed immediately per the cleanup-ack-wait
		// decision (SPEC_FULL §(c)): the Down-queue item carries the
		// remote DELETE, fired without blocking this teardown on it.
		r.cache.UnregisterQuery(hash)
		r.pushDown(types.QueueItem{Kind: "cleanup", ClientID: clientID, Payload: hash})
		r.bus.Emit(eventbus.EventIncantationUnregistered, eventbus.IncantationUnregisteredPayload{Hash: hash, ClientID: clientID})
	})
}

// GetActiveQueries returns every incantation currently in StateLive or
// StateSyncing, for the Inspector feed.
func (r *Registry) GetActiveQueries() []types.Incantation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Incantation, 0, len(r.entries))
	for _, e := range r.entries {
		if e.inc.State == types.StateLive || e.inc.State == types.StateSyncing {
			out = append(out, e.inc)
		}
	}
	return out
}

// SetSyncing flips an incantation into StateSyncing while the Sync
// Engine resolves a pending diff for it, and back to StateLive once
// the diff is applied.
func (r *Registry) SetSyncing(hash string, syncing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return
	}
	if syncing {
		e.inc.State = types.StateSyncing
	} else if e.inc.State == types.StateSyncing {
		e.inc.State = types.StateLive
	}
}

// UpdateView records a freshly recomputed materialized view for hash
// and fans it out to subscribers. In production it is the Cache
// Module's update handler (installed by internal/daemon.Open), invoked
// once per affected incantation per ingest/ingest_batch.
func (r *Registry) UpdateView(hash string, diff types.RecordVersionDiff, view types.MaterializedView) {
	r.mu.Lock()
	e, ok := r.entries[hash]
	if ok {
		e.view = view
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.bus.Emit(eventbus.EventProcessorUpdate, eventbus.ProcessorUpdatePayload{Hash: hash, Diff: diff, View: view})
}

// Subscribe registers cb to be called with hash's current materialized
// view every time the Stream Processor emits a non-empty diff for it.
// The view handed to cb is the (id, version) RecordVersionArray the
// Stream Processor resolves a query to, not the full record fields —
// the same contract the version-mutation rule (internal/streamproc)
// guarantees, so a subscriber that also wants field content reads it
// back from the Cache Module keyed by the view's record refs. If
// immediate is set, cb is invoked synchronously with the incantation's
// current view before Subscribe returns. The returned func
// unsubscribes; it does not touch the incantation's refcount — pair it
// with Unregister to actually release the incantation.
func (r *Registry) Subscribe(hash string, cb func(types.MaterializedView), immediate bool) (unsubscribe func()) {
	id := r.bus.Subscribe(eventbus.EventProcessorUpdate, func(payload any) {
		p, ok := payload.(eventbus.ProcessorUpdatePayload)
		if !ok || p.Hash != hash {
			return
		}
		cb(p.View)
	}, eventbus.SubscribeOpts{})

	if immediate {
		r.mu.Lock()
		e, ok := r.entries[hash]
		r.mu.Unlock()
		if ok {
			cb(e.view)
		}
	}
	return func() { r.bus.Unsubscribe(id) }
}

// ApplyQueryRefEvent folds one `_query_ref` live-channel message into
// hash's tracked remote_array and dispatches a "sync" Down-queue item
// so the Sync Engine resolves the resulting diff. An event naming an
// unknown query_id is dropped and ApplyQueryRefEvent returns false; the
// registry itself stays dependency-free of obslog, so logging the
// dropped case is the caller's job (internal/daemon logs it).
func (r *Registry) ApplyQueryRefEvent(evt types.QueryRefEvent) bool {
	r.mu.Lock()
	e, ok := r.entries[evt.QueryID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.remoteArray = applyQueryRefToArray(e.remoteArray, evt)
	clientID := e.inc.ClientID
	r.mu.Unlock()

	r.bus.Emit(eventbus.EventQueryRef, eventbus.QueryRefPayload{Event: evt})
	r.pushDown(types.QueueItem{Kind: "sync", ClientID: clientID, Payload: evt.QueryID})
	return true
}

// Incantation returns a copy of hash's tracked incantation, for a
// caller (the daemon wiring's Down-queue handlers) that needs its
// SurQL/params/client_id to act on a register/heartbeat/sync/cleanup
// item without the registry exposing its internal entry map.
func (r *Registry) Incantation(hash string) (types.Incantation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return types.Incantation{}, false
	}
	return e.inc, true
}

// RemoteArray returns the last remote_array recorded for hash via
// ApplyQueryRefEvent, for the Sync Engine to diff against the local
// array when resolving a "sync" Down-queue item.
func (r *Registry) RemoteArray(hash string) (types.RecordVersionArray, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return nil, false
	}
	return e.remoteArray, true
}

func applyQueryRefToArray(arr types.RecordVersionArray, evt types.QueryRefEvent) types.RecordVersionArray {
	ref := types.RecordRef{ID: evt.RecordID}
	out := make(types.RecordVersionArray, 0, len(arr)+1)
	found := false
	for _, rv := range arr {
		if rv.Record.ID == ref.ID {
			found = true
			if evt.Action == types.ActionRemoved {
				continue
			}
			out = append(out, types.RecordVersion{Record: rv.Record, Version: evt.Version})
			continue
		}
		out = append(out, rv)
	}
	if !found && evt.Action != types.ActionRemoved {
		out = append(out, types.RecordVersion{Record: ref, Version: evt.Version})
	}
	return out
}
