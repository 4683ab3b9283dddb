package inspector

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisp-sync/wisp/internal/types"
)

func TestPublishDeliversSnapshotToConnectedClient(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "wisp.sock")

	var counters Counters
	counters.IncCacheHit()

	source := func() Snapshot {
		return Snapshot{
			ActiveIncantations: []types.Incantation{{Hash: "abc", State: types.StateLive}},
			UpQueueDepth:       2,
			ProcessorViews:     5,
			Metrics:            counters.Snapshot(),
		}
	}

	srv, err := Listen(sock, source, nil)
	require.NoError(t, err)
	defer srv.Close()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let acceptLoop register the connection
	srv.Publish()

	out := make(chan Snapshot, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go ReadLines(ctx, conn, out)

	select {
	case snap := <-out:
		require.Len(t, snap.ActiveIncantations, 1)
		require.Equal(t, "abc", snap.ActiveIncantations[0].Hash)
		require.Equal(t, 2, snap.UpQueueDepth)
		require.EqualValues(t, 1, snap.Metrics.CacheHits)
	case <-ctx.Done():
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestCommandHandlerReceivesControlLines(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "wisp.sock")
	source := func() Snapshot { return Snapshot{} }

	received := make(chan string, 1)
	srv, err := Listen(sock, source, func(line string) { received <- line })
	require.NoError(t, err)
	defer srv.Close()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("heartbeat abc123\n"))
	require.NoError(t, err)

	select {
	case line := <-received:
		require.Equal(t, "heartbeat abc123", line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestCountersAreIndependentPerKind(t *testing.T) {
	var c Counters
	c.IncCacheHit()
	c.IncCacheHit()
	c.IncCacheMiss()
	c.IncQueueDrains()
	c.IncMutationsFailed()

	v := c.Snapshot()
	require.EqualValues(t, 2, v.CacheHits)
	require.EqualValues(t, 1, v.CacheMisses)
	require.EqualValues(t, 1, v.QueueDrains)
	require.EqualValues(t, 1, v.MutationsFailed)
}
