// Package syncengine is the Sync Engine: a stateless translator
// between a Stream Processor diff and the remote/cache round trip
// needed to resolve it. It verifies removed records are truly absent
// remotely, bounded-batch fetches added/updated records, drops
// fetched rows whose remote version is behind what the diff already
// anticipated (staleness guard), and hands surviving rows to the
// Cache Module.
package syncengine

import (
	"context"

	"github.com/wisp-sync/wisp/internal/cache"
	"github.com/wisp-sync/wisp/internal/remotedb"
	"github.com/wisp-sync/wisp/internal/types"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

const defaultBatchSize = 200

// Engine is the Sync Engine. It holds no per-incantation state of its
// own — every call is a pure function of its diff argument plus
// whatever the remote and cache currently report.
type Engine struct {
	remote    *remotedb.Adapter
	cache     *cache.Module
	batchSize int
}

func New(remote *remotedb.Adapter, c *cache.Module) *Engine {
	return &Engine{remote: remote, cache: c, batchSize: defaultBatchSize}
}

// SyncRecords resolves a single incantation's diff against the remote
// database and writes the result into the Cache Module.
func (e *Engine) SyncRecords(ctx context.Context, table string, diff types.RecordVersionDiff) error {
	if diff.Empty() {
		return nil // zero-I/O: an empty diff never touches the remote or the cache
	}

	if err := e.verifyRemoved(ctx, table, diff.Removed); err != nil {
		return err
	}

	wanted := make(map[string]uint64, len(diff.Added)+len(diff.Updated))
	ids := make([]string, 0, len(diff.Added)+len(diff.Updated))
	for _, rv := range diff.Added {
		wanted[rv.Record.ID] = rv.Version
		ids = append(ids, rv.Record.ID)
	}
	for _, rv := range diff.Updated {
		wanted[rv.Record.ID] = rv.Version
		ids = append(ids, rv.Record.ID)
	}

	var records []cache.Record
	for start := 0; start < len(ids); start += e.batchSize {
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := e.remote.FetchRecords(ctx, table, ids[start:end])
		if err != nil {
			return wisperr.New("syncengine.SyncRecords", wisperr.KindRemoteDB, err)
		}
		for _, rec := range batch {
			anticipated := wanted[rec.ID]
			if rec.Version < anticipated {
				// the remote hasn't caught up to what the diff expected yet;
				// drop it rather than regress the cache to a stale version
				continue
			}
			records = append(records, cache.Record{Table: table, ID: rec.ID, Fields: rec.Fields, Version: rec.Version})
		}
	}

	if len(records) == 0 {
		return nil
	}
	return e.cache.SaveBatch(ctx, records)
}

// verifyRemoved confirms every removed record ref is genuinely absent
// from the remote before deleting it locally, so a transient diff
// produced by a race between two writers never deletes a record the
// remote still has.
func (e *Engine) verifyRemoved(ctx context.Context, table string, removed []types.RecordRef) error {
	if len(removed) == 0 {
		return nil
	}
	ids := make([]string, len(removed))
	for i, ref := range removed {
		ids[i] = ref.ID
	}
	present, err := e.remote.FetchRecords(ctx, table, ids)
	if err != nil {
		return wisperr.New("syncengine.verifyRemoved", wisperr.KindRemoteDB, err)
	}
	stillThere := make(map[string]bool, len(present))
	for _, rec := range present {
		stillThere[rec.ID] = true
	}
	for _, ref := range removed {
		if stillThere[ref.ID] {
			continue // remote still has it; a later diff will reconcile this
		}
		if err := e.cache.Delete(ctx, table, ref.ID); err != nil {
			return err
		}
	}
	return nil
}
