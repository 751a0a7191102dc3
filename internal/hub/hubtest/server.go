// Package hubtest runs an in-process hub server for tests.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aussiebroadwan/shopfloor/internal/hub"
	"github.com/gorilla/websocket"
)

// Invocation is one invoke frame received by the server.
type Invocation struct {
	Target string
	Args   []string
}

// Server speaks the hub protocol over httptest. It records tokens presented
// at handshake and invocations, and lets tests drop or refuse connections.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*websocket.Conn]*sync.Mutex
	tokens      []string
	invocations []Invocation
	groups      map[string]bool
	reject      bool
	failTargets map[string]string
	handshakes  int
	hold        chan struct{}
}

// NewServer starts a hub server closed automatically at test cleanup.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		conns:       make(map[*websocket.Conn]*sync.Mutex),
		groups:      make(map[string]bool),
		failTargets: make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.DropAll()
		s.Close()
	})
	return s
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/hubs/events"
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	if s.reject {
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.tokens = append(s.tokens, r.URL.Query().Get("access_token"))
	hold := s.hold
	s.mu.Unlock()

	if hold != nil {
		<-hold
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[ws] = writeMu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var f hub.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != hub.FrameInvoke {
			continue
		}

		s.mu.Lock()
		s.invocations = append(s.invocations, Invocation{Target: f.Target, Args: f.Args})
		failure := s.failTargets[f.Target]
		if failure == "" && len(f.Args) == 1 {
			switch f.Target {
			case hub.TargetJoinGroup:
				s.groups[f.Args[0]] = true
			case hub.TargetLeaveGroup:
				delete(s.groups, f.Args[0])
			}
		}
		s.mu.Unlock()

		writeMu.Lock()
		_ = ws.WriteJSON(hub.Frame{Type: hub.FrameCompletion, ID: f.ID, Error: failure})
		writeMu.Unlock()
	}
}

// Publish sends an event to every open connection and returns how many
// connections it reached.
func (s *Server) Publish(event string, payload any) int {
	raw, _ := json.Marshal(payload)
	frame := hub.Frame{Type: hub.FrameEvent, Event: event, Payload: raw}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for ws, writeMu := range s.conns {
		writeMu.Lock()
		if err := ws.WriteJSON(frame); err == nil {
			n++
		}
		writeMu.Unlock()
	}
	return n
}

// DropAll closes every open connection abruptly.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ws := range s.conns {
		_ = ws.Close()
		delete(s.conns, ws)
	}
	s.groups = make(map[string]bool)
}

// SetReject makes subsequent handshakes fail with 503 while true.
func (s *Server) SetReject(reject bool) {
	s.mu.Lock()
	s.reject = reject
	s.mu.Unlock()
}

// HoldHandshakes stalls accepted handshakes before the upgrade until the
// returned release func is called.
func (s *Server) HoldHandshakes() (release func()) {
	hold := make(chan struct{})
	s.mu.Lock()
	s.hold = hold
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold = nil
			s.mu.Unlock()
			close(hold)
		})
	}
}

// FailTarget makes invocations of target complete with the given error.
func (s *Server) FailTarget(target, message string) {
	s.mu.Lock()
	s.failTargets[target] = message
	s.mu.Unlock()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Handshakes returns the number of handshake attempts, refused ones included.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Tokens returns the access tokens presented by accepted handshakes.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Invocations returns every invocation received so far.
func (s *Server) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.invocations...)
}

// InGroup reports whether any connection has joined group since the last drop.
func (s *Server) InGroup(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group]
}
