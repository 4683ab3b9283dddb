package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeEmit(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []any
	b.Subscribe(EventMutationCommitted, func(payload any) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	}, SubscribeOpts{})

	b.Emit(EventMutationCommitted, MutationCommittedPayload{MutationID: "m1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, MutationCommittedPayload{MutationID: "m1"}, got[0])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var calls int
	var mu sync.Mutex
	id := b.Subscribe(EventSyncQueueDrained, func(any) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, SubscribeOpts{})

	assert.True(t, b.Unsubscribe(id))
	b.Emit(EventSyncQueueDrained, SyncQueueDrainedPayload{})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestOnceUnsubscribesAfterFirstCall(t *testing.T) {
	b := New()
	defer b.Close()

	var calls int
	var mu sync.Mutex
	b.Subscribe(EventProcessorUpdate, func(any) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, SubscribeOpts{Once: true})

	b.Emit(EventProcessorUpdate, ProcessorUpdatePayload{Hash: "h1"})
	b.Emit(EventProcessorUpdate, ProcessorUpdatePayload{Hash: "h2"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestImmediatelyReplaysLastValue(t *testing.T) {
	b := New()
	defer b.Close()

	b.Emit(EventIncantationRegistered, IncantationRegisteredPayload{Hash: "abc"})
	time.Sleep(20 * time.Millisecond)

	var got IncantationRegisteredPayload
	b.Subscribe(EventIncantationRegistered, func(payload any) {
		got = payload.(IncantationRegisteredPayload)
	}, SubscribeOpts{Immediately: true})

	assert.Equal(t, "abc", got.Hash)
}

func TestEmitDebouncedCoalescesByKey(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []ProcessorUpdatePayload
	b.Subscribe(EventProcessorUpdate, func(payload any) {
		mu.Lock()
		got = append(got, payload.(ProcessorUpdatePayload))
		mu.Unlock()
	}, SubscribeOpts{})

	for i := 0; i < 5; i++ {
		b.EmitDebounced(EventProcessorUpdate, ProcessorUpdatePayload{Hash: "final"}, "key1", 10*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "final", got[0].Hash)
}
