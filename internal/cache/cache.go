// Package cache is the Cache Module: the sole writer to both the
// Local DB Adapter and the Stream Processor. Every write goes through
// a local transaction first; the processor ingest only happens after
// that transaction commits, so a failed local write never reaches the
// processor. The ingest itself has no failure path, and nothing rolls
// back a committed transaction.
// Grounded on the teacher's internal/rpc/label_cache.go in-memory
// caching shape (sync.Once-guarded load, explicit invalidate/refresh
// entry points).
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wisp-sync/wisp/internal/localdb"
	"github.com/wisp-sync/wisp/internal/streamproc"
	"github.com/wisp-sync/wisp/internal/types"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

// Module is the Cache Module.
type Module struct {
	db        *localdb.DB
	processor *streamproc.Processor
	onUpdate  func(hash string, diff types.RecordVersionDiff, view types.MaterializedView)
}

func New(db *localdb.DB, processor *streamproc.Processor) *Module {
	return &Module{db: db, processor: processor}
}

// SetUpdateHandler installs fn as the callback invoked, once per
// affected incantation, after every ingest that changes a registered
// view. The Registry is the only production caller — wired in at
// startup via its UpdateView method — kept as a plain func rather than
// an import so cache never depends on registry.
func (m *Module) SetUpdateHandler(fn func(hash string, diff types.RecordVersionDiff, view types.MaterializedView)) {
	m.onUpdate = fn
}

func (m *Module) notify(diffs map[string]types.RecordVersionDiff) {
	if m.onUpdate == nil || len(diffs) == 0 {
		return
	}
	for hash, diff := range diffs {
		view, ok := m.processor.View(hash)
		if !ok {
			continue
		}
		m.onUpdate(hash, diff, view)
	}
}

// Save writes a single record's fields into the local records table
// in one local transaction and, once it has committed, ingests the
// same update into the processor. IngestBatch has no error return, so
// there is no ingest failure to roll back.
func (m *Module) Save(ctx context.Context, table, id string, fields map[string]any, version uint64) error {
	return m.SaveBatch(ctx, []Record{{Table: table, ID: id, Fields: fields, Version: version}})
}

// Record is one row passed to SaveBatch. Optimistic marks the ingest
// as a local write whose version the processor should derive as
// stored+1 rather than trust verbatim (spec's optimistic vs.
// server-authoritative ingest rule, spec §4.2/§9(b)).
type Record struct {
	Table      string
	ID         string
	Fields     map[string]any
	Version    uint64
	Optimistic bool
}

// SaveBatch writes every record in one local transaction and ingests
// them into the processor as a single batch, so N records produce at
// most one diff per affected incantation rather than N.
func (m *Module) SaveBatch(ctx context.Context, records []Record) error {
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			if err := upsertRecord(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wisperr.New("cache.SaveBatch", wisperr.KindLocalDB, err)
	}

	items := make([]streamproc.IngestItem, len(records))
	for i, r := range records {
		items[i] = streamproc.IngestItem{Table: r.Table, ID: r.ID, Fields: r.Fields, Version: r.Version, Optimistic: r.Optimistic}
	}
	m.notify(m.processor.IngestBatch(items))
	return nil
}

// Delete removes a record from the local table and retracts it from
// every registered incantation's materialized view.
func (m *Module) Delete(ctx context.Context, table, id string) error {
	if err := validTableName(table); err != nil {
		return wisperr.New("cache.Delete", wisperr.KindLocalDB, err)
	}
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_records WHERE id = ?`, table), id)
		return err
	})
	if err != nil {
		return wisperr.New("cache.Delete", wisperr.KindLocalDB, err)
	}
	m.notify(m.processor.Ingest(streamproc.IngestItem{Table: table, ID: id, Deleted: true}))
	return nil
}

// RegisterQuery compiles and registers an incantation with the
// processor, returning its initial view so the caller can hand it
// straight to the client that issued the query.
func (m *Module) RegisterQuery(hash, surql string, params map[string]any) (types.MaterializedView, error) {
	return m.processor.Register(hash, surql, params)
}

// UnregisterQuery drops an incantation's compiled plan.
func (m *Module) UnregisterQuery(hash string) {
	m.processor.Unregister(hash)
}

// SaveMutation is the Mutation Pipeline's entry point: it upserts rec
// into the local records table and inserts pm into the reserved
// `_pending_mutations` table inside a single transaction, so a crash
// between the two never leaves a write without a durable retry
// record. Only after that transaction commits does it ingest rec into
// the processor, with Optimistic forced true regardless of rec's own
// field — the Mutation Pipeline's local path always auto-increments
// the version counter, never trusts a caller-supplied one.
func (m *Module) SaveMutation(ctx context.Context, rec Record, pm types.PendingMutation) error {
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		return insertPendingMutation(ctx, tx, pm)
	})
	if err != nil {
		return wisperr.New("cache.SaveMutation", wisperr.KindLocalDB, err)
	}

	m.notify(m.processor.Ingest(streamproc.IngestItem{
		Table: rec.Table, ID: rec.ID, Fields: rec.Fields, Optimistic: true,
	}))
	return nil
}

// DeleteMutation is SaveMutation's delete counterpart: removes the
// record locally and records pm in the same transaction, then
// retracts the record from the processor.
func (m *Module) DeleteMutation(ctx context.Context, table, id string, pm types.PendingMutation) error {
	if err := validTableName(table); err != nil {
		return wisperr.New("cache.DeleteMutation", wisperr.KindLocalDB, err)
	}
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_records WHERE id = ?`, table), id); err != nil {
			return err
		}
		return insertPendingMutation(ctx, tx, pm)
	})
	if err != nil {
		return wisperr.New("cache.DeleteMutation", wisperr.KindLocalDB, err)
	}
	m.notify(m.processor.Ingest(streamproc.IngestItem{Table: table, ID: id, Deleted: true}))
	return nil
}

// ConfirmMutation deletes pm's `_pending_mutations` row once the
// remote has acknowledged delivery — the row's entire lifetime runs
// from SaveMutation/DeleteMutation's insert to this delete, satisfying
// the testable property that exactly one pending row exists per
// committed mutation until confirmation.
func (m *Module) ConfirmMutation(ctx context.Context, mutationID string) error {
	_, err := m.db.Conn().ExecContext(ctx, `DELETE FROM _pending_mutations WHERE id = ?`, mutationID)
	if err != nil {
		return wisperr.New("cache.ConfirmMutation", wisperr.KindLocalDB, err)
	}
	return nil
}

// LoadPendingMutations reads every durable pending-mutation row in
// created_at order, the order the Sync Scheduler's Up queue is
// required to drain in — used to rehydrate the Up queue across a
// process restart.
func (m *Module) LoadPendingMutations(ctx context.Context) ([]types.PendingMutation, error) {
	rows, err := m.db.Conn().QueryContext(ctx, `SELECT id, record_table, record_id, kind, payload, attempts, created_at, last_err
		FROM _pending_mutations ORDER BY created_at ASC`)
	if err != nil {
		return nil, wisperr.New("cache.LoadPendingMutations", wisperr.KindLocalDB, err)
	}
	defer rows.Close()

	var out []types.PendingMutation
	for rows.Next() {
		var pm types.PendingMutation
		var payload, createdAt, lastErr sql.NullString
		if err := rows.Scan(&pm.ID, &pm.Record.Table, &pm.Record.ID, &pm.Kind, &payload, &pm.Attempts, &createdAt, &lastErr); err != nil {
			return nil, wisperr.New("cache.LoadPendingMutations", wisperr.KindLocalDB, err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &pm.Payload); err != nil {
				return nil, wisperr.New("cache.LoadPendingMutations", wisperr.KindLocalDB, err)
			}
		}
		if createdAt.Valid {
			pm.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
		}
		pm.LastErr = lastErr.String
		out = append(out, pm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, rows.Err()
}

func insertPendingMutation(ctx context.Context, tx *sql.Tx, pm types.PendingMutation) error {
	payload, err := json.Marshal(pm.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO _pending_mutations
		(id, record_table, record_id, kind, payload, attempts, created_at, last_err)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pm.ID, pm.Record.Table, pm.Record.ID, string(pm.Kind), string(payload), pm.Attempts,
		pm.CreatedAt.UTC().Format(time.RFC3339Nano), pm.LastErr)
	return err
}

// validTableName guards the identifiers interpolated into generated
// SQL (table names can't be bound parameters) against anything but a
// schema-declared word, keeping injection surface at zero per the
// typed-statement-builder design note.
func validTableName(table string) error {
	if table == "" {
		return fmt.Errorf("cache: empty table name")
	}
	for _, r := range table {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("cache: invalid table name %q", table)
		}
	}
	if strings.HasPrefix(table, "_") {
		return fmt.Errorf("cache: table name %q collides with a reserved table", table)
	}
	return nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, r Record) error {
	if err := validTableName(r.Table); err != nil {
		return err
	}
	table := r.Table + "_records"
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, table)); err != nil {
		return err
	}

	payload, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`, table),
		r.ID, r.Version, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
