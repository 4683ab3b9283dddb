// Package streamproc is the core's Stream Processor: a DBSP-style
// incrementally-maintained view over an in-memory record store. Each
// registered incantation compiles to a planner.Plan; every ingest call
// re-executes only that plan's scan/selection/projection/sort/limit
// pipeline and diffs the new result against the incantation's last
// materialized view, rather than recomputing every registered query on
// every write.
package streamproc

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wisp-sync/wisp/internal/hashutil"
	"github.com/wisp-sync/wisp/internal/planner"
	"github.com/wisp-sync/wisp/internal/types"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

// registration is a compiled, bound incantation ready for execution.
type registration struct {
	plan   *planner.Plan
	params map[string]any
	view   types.MaterializedView
}

// Processor is the single writer's in-memory dataflow state: every
// record the local or remote adapter has handed it, and the last
// result each registered incantation resolved to.
type Processor struct {
	mu    sync.RWMutex
	rows  map[string]Row // keyed by "table:id"
	regs  map[string]*registration
}

func New() *Processor {
	return &Processor{
		rows: make(map[string]Row),
		regs: make(map[string]*registration),
	}
}

// Register compiles surql and binds params under hash, the content
// hash derived by hashutil.QueryHash. It returns the initial
// materialized view so the caller can seed a client without waiting
// for the next ingest.
func (p *Processor) Register(hash, surql string, params map[string]any) (types.MaterializedView, error) {
	plan, err := planner.Parse(surql)
	if err != nil {
		return types.MaterializedView{}, wisperr.New("streamproc.Register", wisperr.KindPlan, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reg := &registration{plan: plan, params: params}
	reg.view = p.execute(reg)
	p.regs[hash] = reg
	return reg.view, nil
}

// Unregister drops an incantation's compiled plan and cached view.
func (p *Processor) Unregister(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.regs, hash)
}

// IngestItem is one row update passed to Ingest/IngestBatch.
type IngestItem struct {
	Table      string
	ID         string
	Fields     map[string]any
	Version    uint64
	Optimistic bool
	Deleted    bool
}

// Ingest applies a single row update and returns the diff for every
// incantation whose result set it affected. Per spec's version rule: a
// record's stored _version is whatever the last ingest said it was —
// Optimistic computes stored+1 before storing; otherwise Version is
// stored verbatim.
func (p *Processor) Ingest(item IngestItem) map[string]types.RecordVersionDiff {
	return p.IngestBatch([]IngestItem{item})
}

// IngestBatch applies every item under a single lock acquisition, then
// recomputes each affected registration's view exactly once — N
// ingests into the same incantation produce one diff, not N.
func (p *Processor) IngestBatch(items []IngestItem) map[string]types.RecordVersionDiff {
	p.mu.Lock()
	defer p.mu.Unlock()

	touched := make(map[string]bool, len(items))
	for _, item := range items {
		touched[item.Table] = true
		key := item.Table + ":" + item.ID
		if item.Deleted {
			delete(p.rows, key)
			continue
		}

		version := item.Version
		if item.Optimistic {
			if existing, ok := p.rows[key]; ok {
				version = existing.Version + 1
			} else {
				version = 1
			}
		}
		p.rows[key] = Row{Table: item.Table, ID: item.ID, Version: version, Fields: item.Fields}
	}

	diffs := make(map[string]types.RecordVersionDiff)
	for hash, reg := range p.regs {
		if !touched[reg.plan.Table] {
			continue
		}
		newView := p.execute(reg)
		diff := diffViews(reg.view, newView)
		reg.view = newView
		if !diff.Empty() {
			diffs[hash] = diff
		}
	}
	return diffs
}

// SetRecordVersion overrides a stored record's version without
// touching its fields, for a caller that learns an authoritative
// version without also fetching fresh field data. The Sync Engine
// doesn't call this today: its reconciliation always re-fetches the
// full row and routes it through IngestBatch with Optimistic unset,
// which already stores the remote's version verbatim alongside the
// new fields in one step. This stays exposed for a lighter-weight
// caller (e.g. a version-only heartbeat ack) that wants to bump a
// version without paying for a full row fetch.
func (p *Processor) SetRecordVersion(table, id string, version uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := table + ":" + id
	if row, ok := p.rows[key]; ok {
		row.Version = version
		p.rows[key] = row
	}
}

// ViewCount reports how many incantations currently hold a compiled
// plan, for the Inspector feed.
func (p *Processor) ViewCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.regs)
}

// View returns the last materialized view computed for hash.
func (p *Processor) View(hash string) (types.MaterializedView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	reg, ok := p.regs[hash]
	if !ok {
		return types.MaterializedView{}, false
	}
	return reg.view, true
}

func (p *Processor) execute(reg *registration) types.MaterializedView {
	plan := reg.plan
	rows := scan(p.rows, plan.Table)
	rows = selection(rows, plan.Where, reg.params)
	rows = orderBy(rows, plan.OrderBy)
	rows = limitOffset(rows, plan.Offset, plan.HasOffset, plan.Limit, plan.HasLimit)
	rows = projection(rows, plan.Fields)

	records := make(types.RecordVersionArray, 0, len(rows))
	lines := make([]string, 0, len(rows))
	var maxVersion uint64
	for _, r := range rows {
		records = append(records, types.RecordVersion{
			Record:  types.RecordRef{Table: r.Table, ID: r.ID},
			Version: r.Version,
		})
		lines = append(lines, fmt.Sprintf("%s:%s:%d", r.Table, r.ID, r.Version))
		if r.Version > maxVersion {
			maxVersion = r.Version
		}
	}

	return types.MaterializedView{
		Hash:    hashutil.ResultHash(lines),
		Records: records,
		Version: maxVersion,
	}
}

// Join exposes the equi-join operator to callers executing a nested
// relation lookup across two already-materialized incantation views
// (e.g. resolving a parent/child record pair), since the parsed SurQL
// subset does not itself carry join syntax.
func (p *Processor) Join(leftHash, rightHash, leftField, rightField string) ([]Row, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	left, ok := p.regs[leftHash]
	if !ok {
		return nil, fmt.Errorf("streamproc: unknown incantation %q", leftHash)
	}
	right, ok := p.regs[rightHash]
	if !ok {
		return nil, fmt.Errorf("streamproc: unknown incantation %q", rightHash)
	}
	leftRows := projection(selection(scan(p.rows, left.plan.Table), left.plan.Where, left.params), nil)
	rightRows := projection(selection(scan(p.rows, right.plan.Table), right.plan.Where, right.params), nil)
	return equiJoin(leftRows, rightRows, leftField, rightField), nil
}

func diffViews(old, new types.MaterializedView) types.RecordVersionDiff {
	oldByRef := make(map[types.RecordRef]uint64, len(old.Records))
	for _, rv := range old.Records {
		oldByRef[rv.Record] = rv.Version
	}
	newByRef := make(map[types.RecordRef]bool, len(new.Records))

	var diff types.RecordVersionDiff
	for _, rv := range new.Records {
		newByRef[rv.Record] = true
		if oldVersion, existed := oldByRef[rv.Record]; !existed {
			diff.Added = append(diff.Added, rv)
		} else if oldVersion != rv.Version {
			diff.Updated = append(diff.Updated, rv)
		}
	}
	for ref := range oldByRef {
		if !newByRef[ref] {
			diff.Removed = append(diff.Removed, ref)
		}
	}
	sortDiff(&diff)
	return diff
}

func sortDiff(d *types.RecordVersionDiff) {
	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Record.String() < d.Added[j].Record.String() })
	sort.Slice(d.Updated, func(i, j int) bool { return d.Updated[i].Record.String() < d.Updated[j].Record.String() })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].String() < d.Removed[j].String() })
}

// snapshotEnvelope is the versioned, checksummed container SaveState
// writes and LoadState validates, grounded on the teacher's pattern of
// never trusting a snapshot blob without a schema-version and
// integrity check before applying it.
type snapshotEnvelope struct {
	SchemaVersion int                  `json:"schema_version"`
	Checksum      string               `json:"checksum"`
	Rows          map[string]Row       `json:"rows"`
}

const currentSnapshotVersion = 1

// SaveState serializes the processor's record store into a versioned,
// checksummed snapshot blob. Registered incantations are not part of
// the snapshot — they are re-registered by their owning clients on
// reconnect and recompute their view from the restored rows.
func (p *Processor) SaveState() ([]byte, error) {
	p.mu.RLock()
	rowsCopy := make(map[string]Row, len(p.rows))
	for k, v := range p.rows {
		rowsCopy[k] = v
	}
	p.mu.RUnlock()

	body, err := json.Marshal(rowsCopy)
	if err != nil {
		return nil, wisperr.New("streamproc.SaveState", wisperr.KindLocalDB, err)
	}

	env := snapshotEnvelope{
		SchemaVersion: currentSnapshotVersion,
		Checksum:      hashutil.Checksum(body),
		Rows:          rowsCopy,
	}
	return json.Marshal(env)
}

// LoadState validates and restores a snapshot written by SaveState. A
// version mismatch or checksum failure is returned as an error rather
// than partially applied, so a corrupt snapshot never silently
// replaces good in-memory state.
func (p *Processor) LoadState(data []byte) error {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wisperr.New("streamproc.LoadState", wisperr.KindLocalDB, err)
	}
	if env.SchemaVersion != currentSnapshotVersion {
		return wisperr.New("streamproc.LoadState", wisperr.KindLocalDB,
			fmt.Errorf("unsupported snapshot schema version %d", env.SchemaVersion))
	}

	body, err := json.Marshal(env.Rows)
	if err != nil {
		return wisperr.New("streamproc.LoadState", wisperr.KindLocalDB, err)
	}
	if hashutil.Checksum(body) != env.Checksum {
		return wisperr.New("streamproc.LoadState", wisperr.KindLocalDB, fmt.Errorf("checksum mismatch"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = env.Rows
	for hash, reg := range p.regs {
		reg.view = p.execute(reg)
		p.regs[hash] = reg
	}
	return nil
}
