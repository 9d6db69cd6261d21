package socket

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vigilon/dsmed/internal/bus"
)

// maxConcurrentConns bounds simultaneous client connections on the
// external message-bus socket, mirroring the teacher's operator server
// connection cap.
const maxConcurrentConns = 8

// frameTimeout bounds how long a read or write on a client connection may
// block before the connection is dropped.
const frameTimeout = 10 * time.Second

// Broadcaster is the narrow slice of bus.Kernel that Server needs. It is
// an interface, rather than a concrete *bus.Kernel, so that a daemon with
// several concurrent frame sources (this socket, the heartbeat-driven
// periodic tasks) can serialize all of them onto the kernel's single
// dispatch goroutine through one lock, since bus.Kernel itself assumes a
// single caller.
type Broadcaster interface {
	Broadcast(msg bus.Message)
}

// Server bridges frames received on a Unix domain socket onto the bus,
// and its Broadcast method writes frames out to every connected client;
// there is no per-client type subscription.
type Server struct {
	path string
	log  *zap.Logger
	bus  Broadcaster

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	activeConns atomic.Int32
}

// NewServer constructs a Server bound to path (not yet listening).
func NewServer(path string, log *zap.Logger, bus Broadcaster) *Server {
	return &Server{path: path, log: log, bus: bus, conns: make(map[net.Conn]struct{})}
}

// Serve listens on the configured path and accepts connections until ctx
// is cancelled. The socket file is created with 0600 permissions and
// removed on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("socket.Server.Serve: listen %q: %w", s.path, err)
	}
	defer os.Remove(s.path)

	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("socket.Server.Serve: chmod %q: %w", s.path, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("socket.Server.Serve: accept: %w", err)
			}
		}

		if s.activeConns.Load() >= maxConcurrentConns {
			conn.Close()
			s.log.Warn("socket: rejected connection, max concurrent connections reached")
			continue
		}

		s.trackConn(conn)
		s.activeConns.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.activeConns.Add(-1)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(frameTimeout))
		f, err := ReadFrame(conn)
		if err != nil {
			return
		}

		s.bus.Broadcast(bus.Message{Type: f.Type, Payload: f.Payload, Extra: f.Extra, Source: "socket"})
	}
}

// Broadcast writes a frame to every currently connected client. cmd/dsmed
// does not wire it to the bus, so bus messages such as PING do not reach
// socket clients through it.
func (s *Server) Broadcast(typ bus.TypeID, payload, extra []byte) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(frameTimeout))
		if err := WriteFrame(c, typ, payload, extra); err != nil {
			s.log.Warn("socket: write failed, dropping connection", zap.Error(err))
			c.Close()
		}
	}
}
