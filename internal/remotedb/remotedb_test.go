package remotedb

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisp-sync/wisp/internal/types"
)

func TestSubjectQueryRefPrefixNaming(t *testing.T) {
	assert.Equal(t, "wisp.query_ref.client-1", SubjectQueryRefPrefix+"client-1")
}

// startEmbeddedNATS boots an in-process JetStream-enabled NATS server on
// a free loopback port, mirroring the teacher's cmd/nats-spike/main.go
// embedding recipe (temp StoreDir, NoLog/NoSigs, ReadyForConnections).
// It returns a client connection already attached to the server, with
// cleanup registered on t.
func startEmbeddedNATS(t *testing.T) *nats.Conn {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	storeDir, err := os.MkdirTemp("", "wisp-remotedb-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(storeDir) })

	ns, err := server.NewServer(&server.Options{
		ServerName: "wisp-test",
		Host:       "127.0.0.1",
		Port:       port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoLog:      true,
		NoSigs:     true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded nats server did not become ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// TestSubscribeQueryRefRoundTrip exercises the live _query_ref channel
// end to end against a real (embedded) JetStream server: a client
// subscribes via an Adapter, the remote side publishes a QueryRefEvent
// on that client's subject, and the subscriber observes it.
func TestSubscribeQueryRefRoundTrip(t *testing.T) {
	nc := startEmbeddedNATS(t)
	js, err := nc.JetStream()
	require.NoError(t, err)
	require.NoError(t, EnsureQueryRefStream(js))

	a := &Adapter{}
	a.SetJetStream(js)

	received := make(chan types.QueryRefEvent, 1)
	sub, err := a.SubscribeQueryRef(context.Background(), "client-1", func(evt types.QueryRefEvent) {
		received <- evt
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	want := types.QueryRefEvent{ClientID: "client-1", QueryID: "hash-abc", RecordID: "rec-1", Version: 3, Action: types.ActionUpdated}
	require.NoError(t, a.PublishQueryRef(want))

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for query-ref event")
	}
}

// TestSubscribeQueryRefNotConfigured confirms SubscribeQueryRef rejects
// a bare Adapter that never had SetJetStream called, rather than
// panicking on a nil JetStreamContext.
func TestSubscribeQueryRefNotConfigured(t *testing.T) {
	a := &Adapter{}
	_, err := a.SubscribeQueryRef(context.Background(), "client-1", func(types.QueryRefEvent) {})
	assert.Error(t, err)
}
