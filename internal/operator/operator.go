// Package operator implements the supplemental debug/override Unix
// socket: a newline-delimited JSON protocol distinct from the binary
// message-bus socket (internal/socket), intended for local operators and
// test harnesses to inspect and nudge daemon state without needing to
// speak the wire frame format.
//
// Grounded directly on the teacher's internal/operator Unix socket
// server: newline-delimited JSON requests/responses, 0600 socket
// permissions, a bounded number of concurrent connections, read/write
// timeouts, and one goroutine per connection.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	ioTimeout          = 10 * time.Second
)

// Request is a single operator command.
type Request struct {
	Command string `json:"command"`
	Arg     string `json:"arg,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	OK    bool   `json:"ok"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// CommandHandler dispatches operator commands. Implemented by the daemon
// using the live bus/state/hwwd/processwd objects.
type CommandHandler interface {
	// Status returns a short human-readable daemon status summary.
	Status() string
	// ForceKick forces one immediate hardware watchdog kick cycle.
	ForceKick() error
	// ForceWakeup forces one immediate IPHB wake-up across all
	// subscribers, for testing heartbeat-driven logic without waiting.
	ForceWakeup() error
}

// Server accepts operator connections and dispatches commands to a
// CommandHandler.
type Server struct {
	path    string
	log     *zap.Logger
	handler CommandHandler

	activeConns atomic.Int32
}

// NewServer constructs a Server bound to path (not yet listening).
func NewServer(path string, log *zap.Logger, handler CommandHandler) *Server {
	return &Server{path: path, log: log, handler: handler}
}

// Serve listens on path and serves connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("operator.Server.Serve: listen %q: %w", s.path, err)
	}
	defer os.Remove(s.path)

	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("operator.Server.Serve: chmod %q: %w", s.path, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("operator.Server.Serve: accept: %w", err)
			}
		}

		if s.activeConns.Load() >= maxConcurrentConns {
			conn.Close()
			continue
		}
		s.activeConns.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.activeConns.Add(-1)

	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	reader := bufio.NewReaderSize(conn, maxRequestBytes)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	resp := Response{}
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %v", err)
	} else {
		resp = s.dispatch(req)
	}

	out, _ := json.Marshal(resp)
	out = append(out, '\n')
	_, _ = conn.Write(out)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Command {
	case "status":
		return Response{OK: true, Data: s.handler.Status()}
	case "force-kick":
		if err := s.handler.ForceKick(); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	case "force-wakeup":
		if err := s.handler.ForceWakeup(); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}
