package streamproc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisp-sync/wisp/internal/types"
)

func TestRegisterComputesInitialView(t *testing.T) {
	p := New()
	p.IngestBatch([]IngestItem{
		{Table: "task", ID: "1", Fields: map[string]any{"status": "open"}, Version: 1},
		{Table: "task", ID: "2", Fields: map[string]any{"status": "closed"}, Version: 1},
	})

	view, err := p.Register("h1", `SELECT * FROM task WHERE status = "open"`, nil)
	require.NoError(t, err)
	require.Len(t, view.Records, 1)
	assert.Equal(t, "1", view.Records[0].Record.ID)
}

func TestIngestProducesDiffForAffectedIncantationOnly(t *testing.T) {
	p := New()
	_, err := p.Register("open-tasks", `SELECT * FROM task WHERE status = "open"`, nil)
	require.NoError(t, err)
	_, err = p.Register("closed-tasks", `SELECT * FROM task WHERE status = "closed"`, nil)
	require.NoError(t, err)

	diffs := p.IngestBatch([]IngestItem{
		{Table: "task", ID: "1", Fields: map[string]any{"status": "open"}, Version: 1},
	})

	require.Contains(t, diffs, "open-tasks")
	assert.NotContains(t, diffs, "closed-tasks")
	assert.Len(t, diffs["open-tasks"].Added, 1)
}

func TestOptimisticIngestIncrementsVersion(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{"n": float64(1)}, Optimistic: true})
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{"n": float64(2)}, Optimistic: true})

	view, err := p.Register("all", `SELECT * FROM task`, nil)
	require.NoError(t, err)
	require.Len(t, view.Records, 1)
	assert.Equal(t, uint64(2), view.Records[0].Version)
}

func TestAuthoritativeIngestStoresVersionVerbatim(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{"n": float64(1)}, Version: 42})

	view, err := p.Register("all", `SELECT * FROM task`, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), view.Records[0].Version)
}

func TestDeleteRemovesRecordFromView(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{}, Version: 1})
	_, err := p.Register("all", `SELECT * FROM task`, nil)
	require.NoError(t, err)

	diffs := p.IngestBatch([]IngestItem{{Table: "task", ID: "1", Deleted: true}})
	require.Contains(t, diffs, "all")
	assert.Len(t, diffs["all"].Removed, 1)
	assert.Equal(t, types.RecordRef{Table: "task", ID: "1"}, diffs["all"].Removed[0])
}

func TestEmptyDiffWhenReingestingSameValue(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{"status": "open"}, Version: 1})
	_, err := p.Register("open-tasks", `SELECT * FROM task WHERE status = "open"`, nil)
	require.NoError(t, err)

	diffs := p.IngestBatch([]IngestItem{{Table: "task", ID: "1", Fields: map[string]any{"status": "open"}, Version: 1}})
	assert.NotContains(t, diffs, "open-tasks")
}

func TestIngestOfUnrelatedTableProducesNoDiff(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{"status": "open"}, Version: 1})
	_, err := p.Register("all-tasks", `SELECT * FROM task`, nil)
	require.NoError(t, err)

	diffs := p.IngestBatch([]IngestItem{{Table: "project", ID: "1", Fields: map[string]any{}, Version: 1}})
	assert.NotContains(t, diffs, "all-tasks")
}

func TestSaveLoadStateRoundTrip(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{"status": "open"}, Version: 3})
	_, err := p.Register("all", `SELECT * FROM task`, nil)
	require.NoError(t, err)

	blob, err := p.SaveState()
	require.NoError(t, err)

	p2 := New()
	_, err = p2.Register("all", `SELECT * FROM task`, nil)
	require.NoError(t, err)
	require.NoError(t, p2.LoadState(blob))

	view, ok := p2.View("all")
	require.True(t, ok)
	require.Len(t, view.Records, 1)
	assert.Equal(t, uint64(3), view.Records[0].Version)
}

func TestLoadStateRejectsCorruptChecksum(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{}, Version: 1})
	blob, err := p.SaveState()
	require.NoError(t, err)

	corrupt := bytes.Replace(blob, []byte(`"Version":1`), []byte(`"Version":2`), 1)
	require.NotEqual(t, blob, corrupt)

	p2 := New()
	assert.Error(t, p2.LoadState(corrupt))
}

func TestHashEqualityAndInequality(t *testing.T) {
	p := New()
	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{}, Version: 1})
	v1, err := p.Register("all", `SELECT * FROM task`, nil)
	require.NoError(t, err)

	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{}, Version: 1})
	v2, ok := p.View("all")
	require.True(t, ok)
	assert.Equal(t, v1.Hash, v2.Hash)

	p.Ingest(IngestItem{Table: "task", ID: "1", Fields: map[string]any{}, Version: 2})
	v3, ok := p.View("all")
	require.True(t, ok)
	assert.NotEqual(t, v2.Hash, v3.Hash)
}
