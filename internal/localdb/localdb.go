// Package localdb is the core's Local DB Adapter: the embedded,
// pure-Go SQLite database every client reads from and the Cache
// Module is the sole writer to. It owns the four reserved tables
// (_pending_mutations, _version, _stream_processor_state, _schema),
// an flock-based single-writer guarantee grounded on the teacher's
// internal/lockfile, and a fsnotify-based live-subscription primitive
// the Cache Module's local live stream rides on.
package localdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fsnotify/fsnotify"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wisp-sync/wisp/internal/lockfile"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

const schemaVersion = 1

const reservedSchema = `
CREATE TABLE IF NOT EXISTS _schema (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _version (
	record_table TEXT NOT NULL,
	record_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (record_table, record_id)
);

CREATE TABLE IF NOT EXISTS _pending_mutations (
	id TEXT PRIMARY KEY,
	record_table TEXT NOT NULL,
	record_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_err TEXT
);

CREATE TABLE IF NOT EXISTS _stream_processor_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	snapshot BLOB NOT NULL,
	saved_at TEXT NOT NULL
);
`

// DB is a handle to the local SQLite file plus the OS-level lock that
// proves this process is the sole writer.
type DB struct {
	conn   *sql.DB
	lock   *lockfile.Lock
	path   string
	watch  *fsnotify.Watcher
}

// Open acquires the single-writer flock on path+".lock", opens the
// SQLite connection, and provisions the reserved tables if they don't
// already exist. Opening a second writer against the same path
// returns lockfile.ErrLockBusy rather than blocking, since a second
// live daemon for the same local DB is a configuration error, not a
// transient condition worth waiting out.
func Open(path string) (*DB, error) {
	lock, err := lockfile.AcquireExclusiveNonBlocking(path + ".lock")
	if err != nil {
		return nil, wisperr.New("localdb.Open", wisperr.KindLocalDB, err)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		_ = lock.Close()
		return nil, wisperr.New("localdb.Open", wisperr.KindLocalDB, err)
	}
	conn.SetMaxOpenConns(1) // single-writer SQLite, avoid pool contention on the file lock

	if _, err := conn.Exec(reservedSchema); err != nil {
		_ = conn.Close()
		_ = lock.Close()
		return nil, wisperr.New("localdb.Open", wisperr.KindSchemaProvision, err)
	}
	if err := stampSchemaVersion(conn); err != nil {
		_ = conn.Close()
		_ = lock.Close()
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = conn.Close()
		_ = lock.Close()
		return nil, wisperr.New("localdb.Open", wisperr.KindLocalDB, err)
	}
	if err := watcher.Add(path); err != nil {
		// The file may not exist on disk yet for an in-memory-backed
		// driver target; this is not fatal to opening the database.
		_ = watcher.Close()
		watcher = nil
	}

	return &DB{conn: conn, lock: lock, path: path, watch: watcher}, nil
}

func stampSchemaVersion(conn *sql.DB) error {
	_, err := conn.Exec(`INSERT INTO _schema (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version`, schemaVersion)
	if err != nil {
		return wisperr.New("localdb.stampSchemaVersion", wisperr.KindSchemaProvision, err)
	}
	return nil
}

// Close releases the fsnotify watcher, the SQLite connection, and the
// single-writer lock, in that order.
func (d *DB) Close() error {
	if d.watch != nil {
		_ = d.watch.Close()
	}
	if err := d.conn.Close(); err != nil {
		return err
	}
	return d.lock.Close()
}

// Conn exposes the underlying *sql.DB for the Cache Module's
// transactional writes.
func (d *DB) Conn() *sql.DB { return d.conn }

// Changes returns a channel of local file-level change notifications,
// the "local-DB live-subscription primitive": a write from any process
// (including this one) touching the database file wakes every reader
// watching it. A nil channel is returned if the watcher could not be
// attached (e.g. the backing file did not exist at Open time).
func (d *DB) Changes() <-chan fsnotify.Event {
	if d.watch == nil {
		return nil
	}
	return d.watch.Events
}

// WithTx runs fn inside a single SQLite transaction, rolling back on
// any returned error and on panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return wisperr.New("localdb.WithTx", wisperr.KindLocalDB, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// SchemaVersion reports the version stamped in _schema.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := d.conn.QueryRowContext(ctx, `SELECT version FROM _schema WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("localdb: read schema version: %w", err)
	}
	return v, nil
}
