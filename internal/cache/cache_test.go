package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisp-sync/wisp/internal/localdb"
	"github.com/wisp-sync/wisp/internal/streamproc"
)

func newTestModule(t *testing.T) *Module {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "wisp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, streamproc.New())
}

func TestSaveThenRegisterSeesRecord(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "task", "1", map[string]any{"status": "open"}, 1))

	view, err := m.RegisterQuery("h1", `SELECT * FROM task WHERE status = "open"`, nil)
	require.NoError(t, err)
	require.Len(t, view.Records, 1)
}

func TestDeleteRetractsFromView(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "task", "1", map[string]any{"status": "open"}, 1))
	view, err := m.RegisterQuery("h1", `SELECT * FROM task`, nil)
	require.NoError(t, err)
	require.Len(t, view.Records, 1)

	require.NoError(t, m.Delete(ctx, "task", "1"))
	view2, ok := m.processor.View("h1")
	require.True(t, ok)
	require.Len(t, view2.Records, 0)
}

func TestSaveBatchSingleIngestForMultipleRecords(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	records := []Record{
		{Table: "task", ID: "1", Fields: map[string]any{"status": "open"}, Version: 1},
		{Table: "task", ID: "2", Fields: map[string]any{"status": "open"}, Version: 1},
	}
	require.NoError(t, m.SaveBatch(ctx, records))

	view, err := m.RegisterQuery("h1", `SELECT * FROM task`, nil)
	require.NoError(t, err)
	require.Len(t, view.Records, 2)
}
