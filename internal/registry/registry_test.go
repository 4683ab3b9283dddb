package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisp-sync/wisp/internal/types"
)

type fakeResolver struct {
	mu           sync.Mutex
	registerCalls int32
	unregistered []string
}

func (f *fakeResolver) RegisterQuery(hash, surql string, params map[string]any) (types.MaterializedView, error) {
	atomic.AddInt32(&f.registerCalls, 1)
	return types.MaterializedView{Hash: hash}, nil
}

func (f *fakeResolver) UnregisterQuery(hash string) {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, hash)
	f.mu.Unlock()
}

func TestQueryRegistersOnce(t *testing.T) {
	r := New(&fakeResolver{})
	fr := r.cache.(*fakeResolver)

	view, err := r.Query(`SELECT * FROM task`, nil, "client-1")
	require.NoError(t, err)
	assert.NotEmpty(t, view.Hash)
	assert.EqualValues(t, 1, fr.registerCalls)

	_, err = r.Query(`SELECT * FROM task`, nil, "client-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fr.registerCalls, "repeat query with the same hash must not re-register")
}

func TestConcurrentIdenticalQueriesCollapseToOneRegister(t *testing.T) {
	fr := &fakeResolver{}
	r := New(fr)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Query(`SELECT * FROM task WHERE status = "open"`, nil, "client-1")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fr.registerCalls)
}

func TestUnregisterDestroysAfterGraceWindow(t *testing.T) {
	fr := &fakeResolver{}
	r := New(fr)
	r.ttl = 50 * time.Millisecond // shrink the grace window for the test

	view, err := r.Query(`SELECT * FROM task`, nil, "client-1")
	require.NoError(t, err)
	r.Unregister(view.Hash)

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.unregistered) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestReRegisterDuringGraceWindowSurvives(t *testing.T) {
	fr := &fakeResolver{}
	r := New(fr)
	r.ttl = 100 * time.Millisecond

	view, err := r.Query(`SELECT * FROM task`, nil, "client-1")
	require.NoError(t, err)
	r.Unregister(view.Hash)

	_, err = r.Query(`SELECT * FROM task`, nil, "client-1")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Empty(t, fr.unregistered)
}

func TestGetActiveQueriesReturnsLiveEntries(t *testing.T) {
	fr := &fakeResolver{}
	r := New(fr)
	_, err := r.Query(`SELECT * FROM task`, nil, "client-1")
	require.NoError(t, err)

	active := r.GetActiveQueries()
	require.Len(t, active, 1)
	assert.Equal(t, types.StateLive, active[0].State)
}
