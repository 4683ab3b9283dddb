package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisp-sync/wisp/internal/types"
)

func TestDrainRunsUpBeforeDown(t *testing.T) {
	var mu sync.Mutex
	var order []string

	up := func(ctx context.Context, item types.QueueItem) error {
		mu.Lock()
		order = append(order, "up:"+item.Kind)
		mu.Unlock()
		return nil
	}
	down := func(ctx context.Context, item types.QueueItem) error {
		mu.Lock()
		order = append(order, "down:"+item.Kind)
		mu.Unlock()
		return nil
	}

	s := New(up, down, nil)
	require.NoError(t, s.PushDown(context.Background(), types.QueueItem{Kind: "cleanup"}))
	require.NoError(t, s.PushUp(context.Background(), types.QueueItem{Kind: "mutation"}))

	require.NoError(t, s.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"up:mutation", "down:cleanup"}, order)
}

func TestFailedUpItemIsRequeuedAtFront(t *testing.T) {
	attempts := 0
	up := func(ctx context.Context, item types.QueueItem) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}
	down := func(ctx context.Context, item types.QueueItem) error { return nil }

	s := New(up, down, nil)
	require.NoError(t, s.PushUp(context.Background(), types.QueueItem{Kind: "mutation"}))

	err := s.Drain(context.Background())
	require.Error(t, err)

	upDepth, _ := s.Depths()
	assert.Equal(t, 1, upDepth)

	require.NoError(t, s.Drain(context.Background()))
	upDepth2, _ := s.Depths()
	assert.Equal(t, 0, upDepth2)
}

func TestEmptyReflectsBothQueues(t *testing.T) {
	up := func(ctx context.Context, item types.QueueItem) error { return nil }
	down := func(ctx context.Context, item types.QueueItem) error { return nil }
	s := New(up, down, nil)

	assert.True(t, s.Empty())
	require.NoError(t, s.PushUp(context.Background(), types.QueueItem{Kind: "x"}))
	assert.False(t, s.Empty())
	require.NoError(t, s.Drain(context.Background()))
	assert.True(t, s.Empty())
}
