package mutation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisp-sync/wisp/internal/cache"
	"github.com/wisp-sync/wisp/internal/localdb"
	"github.com/wisp-sync/wisp/internal/streamproc"
	"github.com/wisp-sync/wisp/internal/types"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

type fakeSender struct {
	failures int
	calls    int
}

func (f *fakeSender) SendMutation(ctx context.Context, m types.PendingMutation) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient remote error")
	}
	return nil
}

func newTestCache(t *testing.T) *cache.Module {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "wisp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return cache.New(db, streamproc.New())
}

func TestCreateRetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{failures: 2}
	p := New(newTestCache(t), sender)

	m, err := p.Create(context.Background(), "task", map[string]any{"title": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "task", m.Record.Table)
	assert.Equal(t, 3, sender.calls)
}

func TestCreateExhaustsRetriesReturnsTimeoutKind(t *testing.T) {
	sender := &fakeSender{failures: 10}
	p := New(newTestCache(t), sender)

	_, err := p.Create(context.Background(), "task", map[string]any{"title": "hello"})
	require.Error(t, err)
	assert.True(t, wisperr.Is(err, wisperr.KindMutationFailed))
	assert.True(t, wisperr.Is(errors.Unwrap(err), wisperr.KindRemoteTimeout))
}

func TestDeleteRemovesRecord(t *testing.T) {
	c := newTestCache(t)
	sender := &fakeSender{}
	p := New(c, sender)

	created, err := p.Create(context.Background(), "task", map[string]any{"title": "x"})
	require.NoError(t, err)

	_, err = p.Delete(context.Background(), created.Record.Table, created.Record.ID)
	require.NoError(t, err)
}
