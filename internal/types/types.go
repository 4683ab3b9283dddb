// Package types holds the core data model shared across the wisp packages:
// incantations (registered live queries), record versions, pending
// mutations, and the materialized view rows a query resolves to.
package types

import "time"

// RecordRef is a canonical "table:id" reference, used as the join key
// between the Stream Processor's version bookkeeping and the Cache
// Module's stored rows.
type RecordRef struct {
	Table string
	ID    string
}

func (r RecordRef) String() string {
	return r.Table + ":" + r.ID
}

// RecordVersion pairs a record reference with the version the Stream
// Processor currently believes is resolved for it.
type RecordVersion struct {
	Record  RecordRef
	Version uint64
}

// RecordVersionArray is the ordered snapshot of (record, version) pairs
// a query resolves to. Order matters: its canonical encoding feeds the
// BLAKE3 result hash, so two arrays with the same members in different
// orders hash differently by design (spec's ordering is query-defined,
// e.g. ORDER BY).
type RecordVersionArray []RecordVersion

// RecordVersionDiff is the delta between two RecordVersionArrays for a
// single incantation, computed by the Stream Processor on each ingest.
type RecordVersionDiff struct {
	Added   []RecordVersion
	Updated []RecordVersion
	Removed []RecordRef
}

func (d RecordVersionDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// QueryAction describes what changed a _query_ref live row.
type QueryAction string

const (
	ActionAdded   QueryAction = "added"
	ActionUpdated QueryAction = "updated"
	ActionRemoved QueryAction = "removed"
)

// QueryRefEvent is the wire shape of a single _query_ref live-channel
// message: a client's registered query gained, lost, or re-versioned a
// member record.
type QueryRefEvent struct {
	ClientID string      `json:"client_id"`
	QueryID  string      `json:"query_id"`
	RecordID string      `json:"record_id"`
	Version  uint64      `json:"version"`
	Action   QueryAction `json:"action"`
}

// RegistryState is the Incantation Registry's per-incantation state
// machine position.
type RegistryState string

const (
	StateUnregistered RegistryState = "unregistered"
	StateRegistering  RegistryState = "registering"
	StateLive         RegistryState = "live"
	StateSyncing      RegistryState = "syncing"
	StateCleaning     RegistryState = "cleaning"
	StateDestroyed    RegistryState = "destroyed"
)

// Incantation is a registered live query: a SurQL-subset statement plus
// its bound parameters, identified by a content hash derived from both
// and the registering client.
type Incantation struct {
	Hash      string
	ClientID  string
	SurQL     string
	Params    map[string]any
	State     RegistryState
	TTL       time.Duration
	Heartbeat time.Time
	Refs      int
}

// MaterializedView is what a query currently resolves to: the ordered
// record set plus the hash the Stream Processor computed over it.
type MaterializedView struct {
	Hash    string
	Records RecordVersionArray
	Version uint64
}

// MutationKind is the CRUD verb a PendingMutation performs against a
// single record.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// PendingMutation is a durable row recording a local write that has not
// yet been confirmed against the remote database. It survives process
// restarts in the `_pending_mutations` reserved table.
type PendingMutation struct {
	ID        string
	Record    RecordRef
	Kind      MutationKind
	Payload   map[string]any
	Attempts  int
	CreatedAt time.Time
	LastErr   string
}

// QueueDirection distinguishes the Sync Scheduler's two FIFO lanes.
type QueueDirection string

const (
	QueueUp   QueueDirection = "up"
	QueueDown QueueDirection = "down"
)

// QueueItem is a unit of scheduler work: push a pending mutation
// upstream, or pull/cleanup an incantation's remote state downstream.
type QueueItem struct {
	Direction QueueDirection
	Kind      string
	ClientID  string
	Payload   string
	Attempts  int
	EnqueuedAt time.Time
}
