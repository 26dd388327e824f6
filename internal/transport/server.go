// Package transport implements the daemon's Unix-domain stream socket:
// newline-delimited JSON frames in both directions, with long-lived
// monitor:subscribe streaming connections.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/observability"
	"github.com/ksi-project/ksid/internal/router"
)

// maxFrameBytes bounds one inbound JSON line; oversized frames close the
// connection rather than allocate unbounded buffers.
const maxFrameBytes = 16 << 20

// Frame is one newline-delimited JSON message, in either direction.
type Frame struct {
	ID            string         `json:"id,omitempty"`
	Event         string         `json:"event"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Response is written back for every inbound Frame that isn't a
// monitor:subscribe/unsubscribe control frame.
type Response struct {
	ID     string         `json:"id,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// Server listens on a Unix domain socket and dispatches each inbound
// frame through a router.Router.
type Server struct {
	socketPath string
	router     *router.Router
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
	wg       sync.WaitGroup
}

// NewServer constructs a Server bound to socketPath once Start runs.
func NewServer(socketPath string, rtr *router.Router, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		socketPath: socketPath,
		router:     rtr,
		logger:     logger,
		metrics:    metrics,
		conns:      make(map[string]net.Conn),
	}
}

// Start removes any stale socket file, binds the listener, and begins
// accepting connections in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("transport: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.logger != nil {
				s.logger.Error(ctx, "transport: accept failed", "error", err.Error())
			}
			return
		}
		clientID := uuid.NewString()
		s.mu.Lock()
		s.conns[clientID] = conn
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionOpened()
		}
		s.wg.Add(1)
		go s.handleConn(ctx, clientID, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, clientID string, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.router.Unsubscribe(clientID)
		s.mu.Lock()
		delete(s.conns, clientID)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if s.metrics != nil {
			s.metrics.RecordTransportBytes("in", len(line))
		}
		if len(line) == 0 {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.writeResponse(conn, Response{Result: map[string]any{"error": fmt.Sprintf("invalid frame: %v", err)}})
			continue
		}
		if !event.Valid(frame.Event) {
			s.writeResponse(conn, Response{ID: frame.ID, Result: map[string]any{"error": fmt.Sprintf("invalid event name %q: expected namespace:verb", frame.Event)}})
			continue
		}

		switch frame.Event {
		case "monitor:subscribe":
			patterns := stringSlice(frame.Data["patterns"])
			s.router.Subscribe(clientID, conn, patterns)
			s.writeResponse(conn, Response{ID: frame.ID, Result: map[string]any{"subscribed": true, "client_id": clientID}})
			continue
		case "monitor:unsubscribe":
			s.router.Unsubscribe(clientID)
			s.writeResponse(conn, Response{ID: frame.ID, Result: map[string]any{"unsubscribed": true}})
			continue
		}

		if !s.router.HasHandler(frame.Event) {
			s.writeResponse(conn, Response{ID: frame.ID, Result: map[string]any{"error": fmt.Sprintf("no handler for event %q", frame.Event)}})
			continue
		}
		rctx := &router.Context{Writer: conn, ClientID: clientID, CorrelationID: frame.CorrelationID}
		result := s.router.EmitFirst(ctx, frame.Event, frame.Data, rctx)
		s.writeResponse(conn, Response{ID: frame.ID, Result: result})
	}
	if err := scanner.Err(); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "transport: connection read error", "client_id", clientID, "error", err.Error())
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b = append(b, '\n')
	n, err := conn.Write(b)
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTransportBytes("out", n)
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if str, ok := e.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// Stop closes the listener and every open connection, then waits up to
// grace for in-flight handlers to finish.
func (s *Server) Stop(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("transport: connections still draining after grace period")
	case <-ctx.Done():
		return ctx.Err()
	}
}
