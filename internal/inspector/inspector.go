// Package inspector is the opt-in introspection trait: a Unix-socket,
// JSON-lines feed of registry state (active incantations, queue
// depths, processor view count) and running metrics counters,
// grounded on the teacher's internal/rpc Unix-socket transport and
// surfaced here instead of a browser-based DevTools UI.
package inspector

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/wisp-sync/wisp/internal/types"
)

// Snapshot is a single JSON-lines frame written to every connected
// inspector client.
type Snapshot struct {
	ActiveIncantations []types.Incantation `json:"active_incantations"`
	UpQueueDepth       int                 `json:"up_queue_depth"`
	DownQueueDepth     int                 `json:"down_queue_depth"`
	ProcessorViews     int                 `json:"processor_views"`
	Metrics            CounterValues       `json:"metrics"`
}

// SnapshotSource is whatever can produce a Snapshot on demand; main
// wiring supplies a closure over the registry, scheduler, and
// processor rather than this package depending on them directly.
type SnapshotSource func() Snapshot

// CounterValues is a marshalable point-in-time read of Counters.
type CounterValues struct {
	QueueDrains     int64 `json:"queue_drains"`
	MutationsFailed int64 `json:"mutations_failed"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
}

// Counters are the running counters the Inspector surfaces instead of
// an OpenTelemetry export, grounded on the teacher's
// internal/rpc/metrics.go counter style.
type Counters struct {
	mu     sync.Mutex
	values CounterValues
}

func (c *Counters) IncQueueDrains()     { c.mu.Lock(); c.values.QueueDrains++; c.mu.Unlock() }
func (c *Counters) IncMutationsFailed() { c.mu.Lock(); c.values.MutationsFailed++; c.mu.Unlock() }
func (c *Counters) IncCacheHit()        { c.mu.Lock(); c.values.CacheHits++; c.mu.Unlock() }
func (c *Counters) IncCacheMiss()       { c.mu.Lock(); c.values.CacheMisses++; c.mu.Unlock() }

// Snapshot returns a copy of the counters safe to marshal without
// racing the increments above.
func (c *Counters) Snapshot() CounterValues {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values
}

// CommandHandler reacts to a single control line a connected client
// wrote to the socket (e.g. "heartbeat <hash>"), the write half of the
// otherwise publish-only inspector protocol.
type CommandHandler func(line string)

// Server listens on a Unix socket and writes one Snapshot per
// connected client per Publish call.
type Server struct {
	listener net.Listener
	source   SnapshotSource
	onCmd    CommandHandler

	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

// Listen binds socketPath, removing a stale socket file left behind
// by a crashed previous daemon. onCmd may be nil if the daemon exposes
// no control commands over this socket.
func Listen(socketPath string, source SnapshotSource, onCmd CommandHandler) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: ln, source: source, onCmd: onCmd, clients: make(map[net.Conn]struct{})}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		if s.onCmd != nil {
			go s.readCommands(conn)
		}
	}
}

func (s *Server) readCommands(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		s.onCmd(scanner.Text())
	}
}

// Publish marshals the current snapshot as one JSON line and writes it
// to every connected client, dropping any client whose write fails.
func (s *Server) Publish() {
	snap := s.source()
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if _, err := conn.Write(data); err != nil {
			_ = conn.Close()
			delete(s.clients, conn)
		}
	}
}

// Close stops accepting new connections and closes every client.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = conn.Close()
		delete(s.clients, conn)
	}
	return err
}

// ReadLines reads JSON-lines frames off conn into out until conn is
// closed or ctx is done. It's the client half of the inspector
// protocol, used by cmd/wispd's inspect subcommand.
func ReadLines(ctx context.Context, conn net.Conn, out chan<- Snapshot) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var snap Snapshot
		if json.Unmarshal(scanner.Bytes(), &snap) == nil {
			out <- snap
		}
	}
}
