// Package daemon assembles the core's collaborators — Local DB,
// Remote DB, Stream Processor, Cache Module, Incantation Registry,
// Mutation Pipeline, Sync Engine, and Sync Scheduler — into one running
// process, grounded on the teacher's cmd/bd/daemon_server.go
// startRPCServer (construct storage, wire RPC, start a supervised
// background loop, surface a WaitReady-style channel) and
// internal/daemon/wisp_store.go's Redis-vs-in-memory fallback shape.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/wisp-sync/wisp/internal/cache"
	"github.com/wisp-sync/wisp/internal/config"
	"github.com/wisp-sync/wisp/internal/eventbus"
	"github.com/wisp-sync/wisp/internal/inspector"
	"github.com/wisp-sync/wisp/internal/localdb"
	"github.com/wisp-sync/wisp/internal/mutation"
	"github.com/wisp-sync/wisp/internal/obslog"
	"github.com/wisp-sync/wisp/internal/planner"
	"github.com/wisp-sync/wisp/internal/registry"
	"github.com/wisp-sync/wisp/internal/remotedb"
	"github.com/wisp-sync/wisp/internal/scheduler"
	"github.com/wisp-sync/wisp/internal/streamproc"
	"github.com/wisp-sync/wisp/internal/syncengine"
	"github.com/wisp-sync/wisp/internal/types"
)

// Runtime holds every wired collaborator for one running core process.
// cmd/wispd's serve subcommand is the sole production constructor;
// tests construct individual packages directly instead of a Runtime.
type Runtime struct {
	Cfg       *config.Config
	Log       *obslog.Logger
	LocalDB   *localdb.DB
	Remote    *remotedb.Adapter
	Processor *streamproc.Processor
	Cache     *cache.Module
	Registry  *registry.Registry
	Sync      *syncengine.Engine
	Mutations *mutation.Pipeline
	Scheduler *scheduler.Scheduler
	Inspector *inspector.Server

	bus *eventbus.Bus

	redis *redis.Client
	nc    *nats.Conn

	subMu        sync.Mutex
	queryRefSubs map[string]*nats.Subscription
}

// remoteSender adapts remotedb.Adapter's ApplyMutation to the Mutation
// Pipeline's narrow RemoteSender interface.
type remoteSender struct{ remote *remotedb.Adapter }

func (s remoteSender) SendMutation(ctx context.Context, m types.PendingMutation) error {
	return s.remote.ApplyMutation(ctx, m.Record.Table, m.Record.ID, string(m.Kind), m.Payload)
}

// Open constructs and wires a Runtime from cfg. It opens the local
// database, dials the remote, connects Redis (queue mirroring) and
// NATS (the live _query_ref channel) if configured, and wires the
// Registry's Down-queue dispatch through to the Scheduler. It does not
// start the background drain loop or the Inspector socket — call Run
// for that, mirroring the teacher's construct-then-Start split between
// startRPCServer and server.Start.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	log := obslog.New("wisp", obslog.ParseLevel(cfg.LogLevel))

	db, err := localdb.Open(cfg.LocalDBName)
	if err != nil {
		return nil, fmt.Errorf("daemon: open local db: %w", err)
	}

	remote, err := remotedb.Open(cfg.RemoteURL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("daemon: open remote db: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warnf("invalid redis_url, running without queue mirroring: %v", err)
		} else {
			rdb = redis.NewClient(opts)
		}
	}

	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL)
		if err != nil {
			log.Warnf("nats unavailable, live query-ref channel disabled: %v", err)
		} else {
			js, err := nc.JetStream()
			if err != nil {
				log.Warnf("jetstream unavailable: %v", err)
			} else if err := remotedb.EnsureQueryRefStream(js); err != nil {
				log.Warnf("query-ref stream provisioning failed: %v", err)
			} else {
				remote.SetJetStream(js)
			}
		}
	}

	proc := streamproc.New()
	c := cache.New(db, proc)
	eng := syncengine.New(remote, c)
	pipe := mutation.New(c, remoteSender{remote: remote})
	bus := eventbus.New()

	rt := &Runtime{
		Cfg: cfg, Log: log, LocalDB: db, Remote: remote, Processor: proc, Cache: c,
		Sync: eng, Mutations: pipe, bus: bus, redis: rdb, nc: nc,
		queryRefSubs: make(map[string]*nats.Subscription),
	}

	sched := scheduler.New(rt.upHandler, rt.downHandler, rdb)
	rt.Scheduler = sched

	reg := registry.New(c, registry.WithDownPusher(sched.PushDown), registry.WithBus(bus))
	c.SetUpdateHandler(reg.UpdateView)
	rt.Registry = reg

	// A newly registered incantation opens (once per client) the live
	// _query_ref JetStream consumer backing that client's queries, so a
	// remote record change reaches the registry without polling.
	bus.Subscribe(eventbus.EventIncantationRegistered, func(payload any) {
		p, ok := payload.(eventbus.IncantationRegisteredPayload)
		if !ok {
			return
		}
		rt.ensureQueryRefSubscription(p.ClientID)
	}, eventbus.SubscribeOpts{})

	rt.Inspector = nil // wired by Run once the socket path is known
	return rt, nil
}

// ensureQueryRefSubscription opens clientID's live _query_ref JetStream
// consumer the first time any of its incantations registers, folding
// every event into the Registry so a remote record change drives a
// "sync" Down-queue item instead of waiting on the next heartbeat. A
// second registration for the same client is a no-op; the subject
// already covers every query_id that client owns. If NATS/JetStream
// was never configured, SubscribeQueryRef's "jetstream not configured"
// error is logged at debug and otherwise ignored — the core still
// functions on heartbeat-interval polling alone.
func (rt *Runtime) ensureQueryRefSubscription(clientID string) {
	rt.subMu.Lock()
	defer rt.subMu.Unlock()
	if _, ok := rt.queryRefSubs[clientID]; ok {
		return
	}
	sub, err := rt.Remote.SubscribeQueryRef(context.Background(), clientID, func(evt types.QueryRefEvent) {
		if !rt.Registry.ApplyQueryRefEvent(evt) {
			rt.Log.Warnf("query-ref event for unknown query %s dropped", evt.QueryID)
		}
	})
	if err != nil {
		rt.Log.Debugf("query-ref subscribe for client %s skipped: %v", clientID, err)
		return
	}
	rt.queryRefSubs[clientID] = sub
}

// upHandler delivers one queued pending mutation upstream; it is the
// Up lane's rehydration path (populated by Rehydrate at startup), kept
// separate from the Mutation Pipeline's own inline backoff.Retry send
// so a crash mid-retry still leaves the work discoverable in the Up
// queue, not just in the `_pending_mutations` table.
func (rt *Runtime) upHandler(ctx context.Context, item types.QueueItem) error {
	pending, err := rt.Cache.LoadPendingMutations(ctx)
	if err != nil {
		return err
	}
	for _, pm := range pending {
		if pm.ID != item.Payload {
			continue
		}
		if err := rt.Remote.ApplyMutation(ctx, pm.Record.Table, pm.Record.ID, string(pm.Kind), pm.Payload); err != nil {
			return err
		}
		return rt.Cache.ConfirmMutation(ctx, pm.ID)
	}
	return nil // already confirmed by the inline retry path; nothing left to do
}

// downHandler resolves one register/heartbeat/sync/cleanup Down-queue
// item against the remote database and, for "sync", the Sync Engine.
func (rt *Runtime) downHandler(ctx context.Context, item types.QueueItem) error {
	hash := item.Payload
	switch item.Kind {
	case "register":
		inc, ok := rt.Registry.Incantation(hash)
		if !ok {
			return nil
		}
		return rt.Remote.RegisterQuery(ctx, item.ClientID, hash, inc.SurQL, inc.Params)
	case "heartbeat":
		return rt.Remote.Heartbeat(ctx, item.ClientID, hash)
	case "cleanup":
		go func() {
			if err := rt.Remote.UnregisterQuery(context.Background(), item.ClientID, hash); err != nil {
				rt.Log.Warnf("cleanup of %s: %v", hash, err)
			}
		}()
		return nil
	case "sync":
		inc, ok := rt.Registry.Incantation(hash)
		if !ok {
			return nil
		}
		plan, err := planner.Parse(inc.SurQL)
		if err != nil {
			return fmt.Errorf("daemon: downHandler sync: %w", err)
		}
		remoteArr, _ := rt.Registry.RemoteArray(hash)
		view, ok := rt.Processor.View(hash)
		if !ok {
			return nil
		}
		diff := diffAgainstRemote(view.Records, remoteArr)
		rt.Registry.SetSyncing(hash, true)
		defer rt.Registry.SetSyncing(hash, false)
		return rt.Sync.SyncRecords(ctx, plan.Table, diff)
	default:
		return nil
	}
}

// diffAgainstRemote computes what the remote_array has that the
// currently materialized local view does not, the input SyncRecords
// needs to reconcile a "sync" Down-queue item (spec §4.7's _query_ref
// fold-then-resolve step).
func diffAgainstRemote(local, remote types.RecordVersionArray) types.RecordVersionDiff {
	localVer := make(map[string]uint64, len(local))
	for _, rv := range local {
		localVer[rv.Record.ID] = rv.Version
	}
	var diff types.RecordVersionDiff
	seen := make(map[string]bool, len(remote))
	for _, rv := range remote {
		seen[rv.Record.ID] = true
		if v, ok := localVer[rv.Record.ID]; !ok {
			diff.Added = append(diff.Added, rv)
		} else if v != rv.Version {
			diff.Updated = append(diff.Updated, rv)
		}
	}
	for _, rv := range local {
		if !seen[rv.Record.ID] {
			diff.Removed = append(diff.Removed, rv.Record)
		}
	}
	return diff
}

// Rehydrate loads every durable pending-mutation row and re-enqueues it
// on the Up lane, so a process restart resumes delivering writes a
// prior run committed locally but never confirmed against the remote —
// the crash-recovery half of the pending-mutations durability
// invariant, the other half being SaveMutation/DeleteMutation's
// same-transaction insert.
func (rt *Runtime) Rehydrate(ctx context.Context) error {
	pending, err := rt.Cache.LoadPendingMutations(ctx)
	if err != nil {
		return err
	}
	for _, pm := range pending {
		if err := rt.Scheduler.PushUp(ctx, types.QueueItem{Payload: pm.ID}); err != nil {
			return err
		}
	}
	rt.Log.Infof("rehydrated %d pending mutation(s) onto the up queue", len(pending))
	return nil
}

// Run starts the Inspector socket (if socketPath is non-empty) and the
// Scheduler's supervised drain loop; it blocks until ctx is canceled or
// the drain loop returns an error.
func (rt *Runtime) Run(ctx context.Context, socketPath string, drainTick time.Duration) error {
	if socketPath != "" {
		srv, err := inspector.Listen(socketPath, rt.snapshot, nil)
		if err != nil {
			return fmt.Errorf("daemon: inspector listen: %w", err)
		}
		rt.Inspector = srv
		defer srv.Close()

		ticker := time.NewTicker(drainTick)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					srv.Publish()
				}
			}
		}()
	}

	wake := make(chan struct{})
	return rt.Scheduler.Run(ctx, wake, drainTick)
}

func (rt *Runtime) snapshot() inspector.Snapshot {
	up, down := rt.Scheduler.Depths()
	return inspector.Snapshot{
		ActiveIncantations: rt.Registry.GetActiveQueries(),
		UpQueueDepth:       up,
		DownQueueDepth:     down,
		ProcessorViews:     rt.Processor.ViewCount(),
	}
}

// Close releases every collaborator's held resource (local db handle,
// remote connection, Redis/NATS clients, registry timers).
func (rt *Runtime) Close() error {
	rt.Registry.Close()
	rt.bus.Close()

	rt.subMu.Lock()
	for _, sub := range rt.queryRefSubs {
		_ = sub.Unsubscribe()
	}
	rt.subMu.Unlock()

	if rt.Inspector != nil {
		_ = rt.Inspector.Close()
	}
	if rt.nc != nil {
		rt.nc.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if err := rt.Remote.Close(); err != nil {
		return err
	}
	return rt.LocalDB.Close()
}
