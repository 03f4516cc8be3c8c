// Package controltest provides an in-process fake control server speaking
// the same line-oriented wire protocol as the real one, for exercising
// internal/control without a real detector.
package controltest

import (
	"bufio"
	"net"
	"sync"
	"testing"

	"github.com/esrf-bliss/areadet/internal/wire"
)

// Server accepts a single connection and dispatches each incoming command
// to a caller-supplied Handler, which returns zero or more reply records to
// write back.
type Server struct {
	t        testing.TB
	ln       net.Listener
	mu       sync.Mutex
	conn     net.Conn
	handler  Handler
	commands []string
}

// Handler is invoked once per received command (already split on the wire
// terminator and trimmed). It returns the reply records to send back, in
// order; each is terminated automatically.
type Handler func(cmd string) []string

// Start launches the fake server on an ephemeral loopback port.
func Start(t testing.TB, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("controltest: listen: %v", err)
	}
	s := &Server{t: t, ln: ln, handler: h}
	go s.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

// Addr returns the host and port to dial.
func (s *Server) Addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, wire.MaxRecord), wire.MaxRecord)
	scanner.Split(wire.NewSplitter())
	for scanner.Scan() {
		cmd := scanner.Text()
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		if s.handler == nil {
			continue
		}
		for _, reply := range s.handler(cmd) {
			_, _ = conn.Write(wire.Encode(reply))
		}
	}
}

// Push writes an unsolicited reply record to the current connection, for
// simulating asynchronous server notifications (e.g. an exposure-complete
// event with no preceding command).
func (s *Server) Push(reply string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_, _ = conn.Write(wire.Encode(reply))
}

// Commands returns every command received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Close stops accepting new connections and closes the current one.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
