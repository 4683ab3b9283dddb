// Package mutation is the Mutation Pipeline: local writes (create,
// update, delete) are committed to the local transaction and recorded
// as a durable PendingMutation row before the processor is optimistically
// updated, so a crash between the local commit and the eventual remote
// sync never loses the write. Remote delivery is retried on a fixed
// 100ms/200ms/300ms schedule via cenkalti/backoff, the same dependency
// the teacher already carries (added there for resilient RPC calls
// elsewhere in its tree).
package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/wisp-sync/wisp/internal/cache"
	"github.com/wisp-sync/wisp/internal/types"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

// RemoteSender delivers a committed mutation upstream; internal/daemon's
// adapter over remotedb.Adapter.ApplyMutation is the only production
// implementation, but Pipeline depends on the narrow interface so its
// retry logic is testable without a remote.
type RemoteSender interface {
	SendMutation(ctx context.Context, m types.PendingMutation) error
}

// Pipeline is the Mutation Pipeline.
type Pipeline struct {
	cache  *cache.Module
	sender RemoteSender
}

func New(c *cache.Module, sender RemoteSender) *Pipeline {
	return &Pipeline{cache: c, sender: sender}
}

// retryPolicy is the linear 100ms/200ms/300ms sequence spec's Mutation
// Pipeline requires, expressed as a small linearBackoff type that
// implements backoff.BackOff and returns backoff.Stop after the third
// step, rather than backoff's exponential default.
func retryPolicy() backoff.BackOff {
	return &linearBackoff{steps: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}}
}

type linearBackoff struct {
	steps []time.Duration
	n     int
}

func (l *linearBackoff) NextBackOff() time.Duration {
	if l.n >= len(l.steps) {
		return backoff.Stop
	}
	d := l.steps[l.n]
	l.n++
	return d
}

func (l *linearBackoff) Reset() { l.n = 0 }

// opts gathers the per-call mutation options; LocalOnly skips both the
// durable pending-mutations row and the Up-queue delivery, for a write
// that should never leave this process (spec §4.4).
type opts struct {
	localOnly bool
}

// Opt configures a single Create/Update/Delete call.
type Opt func(*opts)

// LocalOnly marks the mutation as never leaving this process.
func LocalOnly() Opt {
	return func(o *opts) { o.localOnly = true }
}

func resolveOpts(os []Opt) opts {
	var o opts
	for _, f := range os {
		f(&o)
	}
	return o
}

// Create inserts a new record: local TX + cache write, a durable
// PendingMutation row, an optimistic processor ingest (version =
// stored+1), then hands the mutation to the remote sender with the
// pipeline's retry policy.
func (p *Pipeline) Create(ctx context.Context, table string, fields map[string]any, os ...Opt) (types.PendingMutation, error) {
	return p.apply(ctx, types.PendingMutation{
		ID:        uuid.NewString(),
		Record:    types.RecordRef{Table: table, ID: uuid.NewString()},
		Kind:      types.MutationCreate,
		Payload:   fields,
		CreatedAt: time.Now().UTC(),
	}, resolveOpts(os))
}

// Update applies a field-level change to an existing record.
func (p *Pipeline) Update(ctx context.Context, table, id string, fields map[string]any, os ...Opt) (types.PendingMutation, error) {
	return p.apply(ctx, types.PendingMutation{
		ID:        uuid.NewString(),
		Record:    types.RecordRef{Table: table, ID: id},
		Kind:      types.MutationUpdate,
		Payload:   fields,
		CreatedAt: time.Now().UTC(),
	}, resolveOpts(os))
}

// Delete removes a record.
func (p *Pipeline) Delete(ctx context.Context, table, id string, os ...Opt) (types.PendingMutation, error) {
	return p.apply(ctx, types.PendingMutation{
		ID:        uuid.NewString(),
		Record:    types.RecordRef{Table: table, ID: id},
		Kind:      types.MutationDelete,
		CreatedAt: time.Now().UTC(),
	}, resolveOpts(os))
}

// apply durably records m's pending-mutations row in the same local
// transaction as its data effect, then — once that transaction has
// committed — hands the mutation to the remote sender under the fixed
// retry schedule. This is the primary delivery path: it runs inline on
// the caller's goroutine rather than going through the Sync Scheduler's
// Up lane, so a mutation is typically confirmed before Create/Update/
// Delete even returns. The Up lane (internal/daemon.Runtime.Rehydrate/
// upHandler) only re-enters the picture if the process crashes between
// the durable commit above and this inline retry finishing — at the
// next startup it re-enqueues every still-pending row so delivery
// resumes without a second write path. A successful send confirms the
// row, deleting it; the row otherwise survives for that restart retry,
// per the pending-mutations durability invariant. A LocalOnly call
// skips the durable row and the remote send entirely: the data effect
// and its optimistic ingest are the only side effects.
func (p *Pipeline) apply(ctx context.Context, m types.PendingMutation, o opts) (types.PendingMutation, error) {
	if o.localOnly {
		return m, p.applyLocalOnly(ctx, m)
	}

	switch m.Kind {
	case types.MutationDelete:
		if err := p.cache.DeleteMutation(ctx, m.Record.Table, m.Record.ID, m); err != nil {
			return m, err
		}
	default:
		record := cache.Record{
			Table:  m.Record.Table,
			ID:     m.Record.ID,
			Fields: m.Payload,
		}
		if err := p.cache.SaveMutation(ctx, record, m); err != nil {
			return m, err
		}
	}

	if err := p.enqueueUp(ctx, m); err != nil {
		m.LastErr = err.Error()
		return m, wisperr.New("mutation.apply", wisperr.KindMutationFailed, err)
	}
	if err := p.cache.ConfirmMutation(ctx, m.ID); err != nil {
		return m, wisperr.New("mutation.apply", wisperr.KindLocalDB, err)
	}
	return m, nil
}

func (p *Pipeline) applyLocalOnly(ctx context.Context, m types.PendingMutation) error {
	if m.Kind == types.MutationDelete {
		return p.cache.Delete(ctx, m.Record.Table, m.Record.ID)
	}
	return p.cache.SaveBatch(ctx, []cache.Record{{
		Table: m.Record.Table, ID: m.Record.ID, Fields: m.Payload, Optimistic: true,
	}})
}

// enqueueUp delivers m to the remote sender under the fixed retry
// schedule, surfacing RemoteTimeout as a classified error once the
// schedule is exhausted.
func (p *Pipeline) enqueueUp(ctx context.Context, m types.PendingMutation) error {
	op := func() error {
		return p.sender.SendMutation(ctx, m)
	}
	err := backoff.Retry(op, retryPolicy())
	if err != nil {
		return wisperr.New("mutation.enqueueUp", wisperr.KindRemoteTimeout, err)
	}
	return nil
}

// MarshalPayload encodes a PendingMutation's payload as JSON text, the
// form the `_pending_mutations` payload column holds. The cache's own
// insert path encodes the payload itself and does not call it.
func MarshalPayload(m types.PendingMutation) (string, error) {
	b, err := json.Marshal(m.Payload)
	if err != nil {
		return "", fmt.Errorf("mutation: marshal payload: %w", err)
	}
	return string(b), nil
}
