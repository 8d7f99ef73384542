// Package outbound implements the result publication endpoint: a long-lived
// TCP accept loop that pushes every tracking result to all connected
// listeners as length-prefixed msgpack records. Publication is
// fire-and-forget; a slow or dead listener sheds its own messages and never
// stalls the tracking loop or its peers. Listeners may connect and
// disconnect at any time and receive only results published after they
// connected.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryosukecooltanaka/minizfvr/internal/types"
)

// Server is the outbound link endpoint
type Server struct {
	addr        string
	queueSize   int
	sendTimeout time.Duration

	ln     net.Listener
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	listeners map[string]*listener
	published uint64
	dropped   map[string]uint64
}

// listener is one connected consumer with its private send queue
type listener struct {
	id    string
	conn  net.Conn
	queue chan types.Result
}

// NewServer creates an outbound server
func NewServer(addr string, queueSize int, sendTimeout time.Duration) *Server {
	if queueSize < 1 {
		queueSize = 256
	}
	if sendTimeout <= 0 {
		sendTimeout = 200 * time.Millisecond
	}
	return &Server{
		addr:        addr,
		queueSize:   queueSize,
		sendTimeout: sendTimeout,
		stopCh:      make(chan struct{}),
		listeners:   make(map[string]*listener),
		dropped:     make(map[string]uint64),
	}
}

// Start binds the listen socket and launches the accept loop
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("outbound server already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.running = true
	s.mu.Unlock()

	slog.Info("outbound link listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address (useful when configured with port 0)
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the socket and all listener connections
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.ln.Close()

	s.mu.Lock()
	for _, l := range s.listeners {
		l.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	slog.Info("outbound link stopped")
	return nil
}

// Publish offers a result to every connected listener's queue without
// blocking. A full queue drops this result for that listener only.
func (s *Server) Publish(res types.Result) {
	s.mu.Lock()
	s.published++
	targets := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		targets = append(targets, l)
	}
	s.mu.Unlock()

	for _, l := range targets {
		select {
		case l.queue <- res:
		default:
			s.mu.Lock()
			s.dropped[l.id]++
			s.mu.Unlock()
			slog.Debug("listener queue full, dropping result",
				"listener_id", l.id,
				"seq", res.Seq,
			)
		}
	}
}

// acceptLoop admits listeners until Stop
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("outbound accept failed", "error", err)
			continue
		}

		l := &listener{
			id:    uuid.New().String(),
			conn:  conn,
			queue: make(chan types.Result, s.queueSize),
		}

		s.mu.Lock()
		s.listeners[l.id] = l
		count := len(s.listeners)
		s.mu.Unlock()

		slog.Info("listener connected",
			"listener_id", l.id,
			"remote", conn.RemoteAddr().String(),
			"listeners", count,
		)

		s.wg.Add(1)
		go s.serve(l)
	}
}

// serve drains one listener's queue onto its connection. Any write error
// or deadline expiry disconnects the listener; the tracking side is
// unaffected and the listener may reconnect.
func (s *Server) serve(l *listener) {
	defer s.wg.Done()
	defer s.disconnect(l)

	for {
		select {
		case <-s.stopCh:
			return
		case res := <-l.queue:
			l.conn.SetWriteDeadline(time.Now().Add(s.sendTimeout))
			if err := WriteRecord(l.conn, NewRecord(res)); err != nil {
				s.mu.Lock()
				s.dropped[l.id]++
				s.mu.Unlock()
				slog.Warn("listener send failed, disconnecting",
					"listener_id", l.id,
					"seq", res.Seq,
					"error", err,
				)
				return
			}
		}
	}
}

// disconnect unregisters and closes one listener
func (s *Server) disconnect(l *listener) {
	l.conn.Close()

	s.mu.Lock()
	_, present := s.listeners[l.id]
	delete(s.listeners, l.id)
	count := len(s.listeners)
	s.mu.Unlock()

	if present {
		slog.Info("listener disconnected", "listener_id", l.id, "listeners", count)
	}
}

// Stats contains outbound link statistics
type Stats struct {
	Listeners         int
	Published         uint64
	DroppedByListener map[string]uint64
}

// Stats returns outbound link statistics
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dropped := make(map[string]uint64, len(s.dropped))
	for k, v := range s.dropped {
		dropped[k] = v
	}

	return Stats{
		Listeners:         len(s.listeners),
		Published:         s.published,
		DroppedByListener: dropped,
	}
}
