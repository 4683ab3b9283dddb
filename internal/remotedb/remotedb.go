// Package remotedb is the core's Remote DB Adapter: a MySQL-wire-
// protocol connection to a Dolt server, grounded on the teacher's
// internal/storage/dolt/server.go, which reaches its own remote Dolt
// server over the same database/sql + go-sql-driver/mysql pairing used
// here (the teacher's embedded-Dolt path goes through dolthub/driver
// instead, which has no analogue in this adapter — wisp's remote is a
// plain MySQL-wire client, not an embedded engine). query::register
// and query::heartbeat are modeled as stored procedure calls over this
// same connection, and the server-side live `_query_ref` subscription
// is modeled as an ephemeral NATS JetStream consumer (new messages
// only) on a per-client subject of a file-backed stream, mirroring the teacher's internal/eventbus JetStream publish
// path and internal/rpc/http_sse.go's streamFromJetStream consumer
// pattern.
package remotedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/nats-io/nats.go"

	"github.com/wisp-sync/wisp/internal/types"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

const (
	StreamQueryRef       = "WISP_QUERY_REF"
	SubjectQueryRefPrefix = "wisp.query_ref."
)

// Adapter is a connection to the remote document database plus an
// optional JetStream context for the live _query_ref channel.
type Adapter struct {
	db *sql.DB
	js nats.JetStreamContext
}

// Open dials dsn (a MySQL-wire-protocol DSN pointed at a Dolt server,
// e.g. "user:pass@tcp(host:3306)/database").
func Open(dsn string) (*Adapter, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, wisperr.New("remotedb.Open", wisperr.KindRemoteDB, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wisperr.New("remotedb.Open", wisperr.KindRemoteAuth, err)
	}
	return &Adapter{db: db}, nil
}

// SetJetStream attaches the JetStream context used for the per-client
// query-ref live subscription.
func (a *Adapter) SetJetStream(js nats.JetStreamContext) { a.js = js }

// Close closes the underlying SQL connection.
func (a *Adapter) Close() error { return a.db.Close() }

// EnsureQueryRefStream idempotently provisions the JetStream stream
// backing every client's _query_ref subject, mirroring the teacher's
// EnsureStreams (internal/eventbus/streams.go) idempotent
// StreamInfo/AddStream pattern.
func EnsureQueryRefStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamQueryRef); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamQueryRef,
			Subjects: []string{SubjectQueryRefPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxMsgs:  10000,
			MaxBytes: 100 << 20,
		})
		if err != nil {
			return fmt.Errorf("remotedb: create %s stream: %w", StreamQueryRef, err)
		}
	}
	return nil
}

// RegisterQuery calls the query::register stored procedure, handing
// the remote database a client's bound incantation so it can begin
// tracking which records that client's live subscription cares about.
func (a *Adapter) RegisterQuery(ctx context.Context, clientID, queryID, surql string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return wisperr.New("remotedb.RegisterQuery", wisperr.KindRemoteDB, err)
	}
	_, err = a.db.ExecContext(ctx, `CALL query_register(?, ?, ?, ?)`, clientID, queryID, surql, string(paramsJSON))
	if err != nil {
		return wisperr.New("remotedb.RegisterQuery", wisperr.KindRemoteDB, err)
	}
	return nil
}

// Heartbeat calls the query::heartbeat stored procedure to renew an
// incantation's remote TTL.
func (a *Adapter) Heartbeat(ctx context.Context, clientID, queryID string) error {
	_, err := a.db.ExecContext(ctx, `CALL query_heartbeat(?, ?)`, clientID, queryID)
	if err != nil {
		return wisperr.New("remotedb.Heartbeat", wisperr.KindRemoteDB, err)
	}
	return nil
}

// UnregisterQuery releases a client's query-ref tracking state on the
// remote. Per the cleanup-ack-wait decision, callers invoke this
// fire-and-forget and do not block the scheduler on its result.
func (a *Adapter) UnregisterQuery(ctx context.Context, clientID, queryID string) error {
	_, err := a.db.ExecContext(ctx, `CALL query_unregister(?, ?)`, clientID, queryID)
	if err != nil {
		return wisperr.New("remotedb.UnregisterQuery", wisperr.KindRemoteDB, err)
	}
	return nil
}

// FetchRecords bounded-batch fetches the given records' current
// state from the remote, used by the Sync Engine to resolve a diff's
// added/updated record refs.
func (a *Adapter) FetchRecords(ctx context.Context, table string, ids []string) ([]RemoteRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := validTableName(table); err != nil {
		return nil, wisperr.New("remotedb.FetchRecords", wisperr.KindRemoteDB, err)
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, table)
	placeholders := ""
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT id, version, payload FROM %s_records WHERE table_name = ? AND id IN (%s)`, table, placeholders)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wisperr.New("remotedb.FetchRecords", wisperr.KindRemoteDB, err)
	}
	defer rows.Close()

	var out []RemoteRecord
	for rows.Next() {
		var rec RemoteRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Version, &payload); err != nil {
			return nil, wisperr.New("remotedb.FetchRecords", wisperr.KindRemoteDB, err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
			return nil, wisperr.New("remotedb.FetchRecords", wisperr.KindRemoteDB, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RemoteRecord is a row fetched from the remote document store.
type RemoteRecord struct {
	ID      string
	Version uint64
	Fields  map[string]any
}

// validTableName guards the identifiers interpolated into generated
// SQL against anything but a schema-declared word; table names can't
// be bound parameters, so this is the injection-surface boundary for
// every query this adapter builds by string composition.
func validTableName(table string) error {
	if table == "" {
		return fmt.Errorf("remotedb: empty table name")
	}
	for _, r := range table {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("remotedb: invalid table name %q", table)
		}
	}
	return nil
}

// ApplyMutation writes a single Mutation Pipeline delivery to the
// remote `<table>_records` table: a create/update upserts the payload
// and bumps the version, a delete removes the row outright. This is
// the Up-lane counterpart to FetchRecords, called by the Sync
// Scheduler's upHandler once a PendingMutation clears its local
// commit.
func (a *Adapter) ApplyMutation(ctx context.Context, table, id string, kind string, fields map[string]any) error {
	if err := validTableName(table); err != nil {
		return wisperr.New("remotedb.ApplyMutation", wisperr.KindRemoteDB, err)
	}
	if kind == "delete" {
		_, err := a.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_records WHERE id = ?`, table), id)
		if err != nil {
			return wisperr.New("remotedb.ApplyMutation", wisperr.KindRemoteDB, err)
		}
		return nil
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return wisperr.New("remotedb.ApplyMutation", wisperr.KindRemoteDB, err)
	}
	_, err = a.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s_records (id, version, payload)
		VALUES (?, 1, ?)
		ON DUPLICATE KEY UPDATE version = version + 1, payload = VALUES(payload)`, table),
		id, string(payload))
	if err != nil {
		return wisperr.New("remotedb.ApplyMutation", wisperr.KindRemoteDB, err)
	}
	return nil
}

// SubscribeQueryRef opens an ephemeral JetStream consumer on
// clientID's query-ref subject, starting from "now" rather than
// replaying history, mirroring streamFromJetStream's nats.DeliverNew
// posture: a newly (re)connected client only cares about changes from
// this point forward, since it already has a fresh materialized view.
func (a *Adapter) SubscribeQueryRef(ctx context.Context, clientID string, handler func(types.QueryRefEvent)) (*nats.Subscription, error) {
	if a.js == nil {
		return nil, wisperr.New("remotedb.SubscribeQueryRef", wisperr.KindRemoteDB, fmt.Errorf("jetstream not configured"))
	}
	subject := SubjectQueryRefPrefix + clientID
	sub, err := a.js.Subscribe(subject, func(msg *nats.Msg) {
		var evt types.QueryRefEvent
		if json.Unmarshal(msg.Data, &evt) == nil {
			handler(evt)
		}
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.AckExplicit())
	if err != nil {
		return nil, wisperr.New("remotedb.SubscribeQueryRef", wisperr.KindRemoteDB, err)
	}
	return sub, nil
}

// PublishQueryRef is the fire-and-forget publish the remote side uses
// to notify a client's live subscription of a member-record change;
// errors are logged by the caller, not propagated, matching
// Bus.publishToJetStream's posture in the teacher.
func (a *Adapter) PublishQueryRef(evt types.QueryRefEvent) error {
	if a.js == nil {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = a.js.Publish(SubjectQueryRefPrefix+evt.ClientID, data)
	return err
}
