// Package rttest provides a scripted OpenAI Realtime peer for tests.
package rttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Path is the endpoint path the server upgrades on.
const Path = "/v1/realtime"

// ReadTimeout bounds every Peer read so a stuck client fails the test
// instead of hanging it.
const ReadTimeout = 5 * time.Second

// Handler scripts one connection.
type Handler func(p *Peer)

// Server is an httptest server speaking the realtime event protocol over
// gorilla/websocket. Each accepted connection runs the handler.
type Server struct {
	// BaseURL is the ws:// endpoint, without a model query parameter.
	BaseURL string

	srv *httptest.Server

	mu          sync.Mutex
	connections int
	headers     []http.Header
	queries     []url.Values
	received    []map[string]any
}

// NewServer starts a server closed at test cleanup.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	s := &Server{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.connections++
		s.headers = append(s.headers, r.Header.Clone())
		s.queries = append(s.queries, r.URL.Query())
		s.mu.Unlock()

		handler(&Peer{Conn: conn, server: s})
	}))
	s.BaseURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + Path
	t.Cleanup(s.srv.Close)
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// Connections returns how many websocket connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Header returns the upgrade request headers of connection i.
func (s *Server) Header(i int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.headers) {
		return nil
	}
	return s.headers[i]
}

// Query returns the upgrade request query of connection i.
func (s *Server) Query(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.queries) {
		return nil
	}
	return s.queries[i]
}

// Received returns every client event read so far, across connections.
func (s *Server) Received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.received...)
}

// ReceivedTypes returns the type of every client event read so far.
func (s *Server) ReceivedTypes() []string {
	events := s.Received()
	out := make([]string, 0, len(events))
	for _, ev := range events {
		typ, _ := ev["type"].(string)
		out = append(out, typ)
	}
	return out
}

func (s *Server) record(event map[string]any) {
	s.mu.Lock()
	s.received = append(s.received, event)
	s.mu.Unlock()
}

// Peer is the server side of one connection.
type Peer struct {
	Conn   *websocket.Conn
	server *Server
}

// Send writes one server event.
func (p *Peer) Send(event map[string]any) error {
	return p.Conn.WriteJSON(event)
}

// SendRaw writes a text message verbatim.
func (p *Peer) SendRaw(text string) error {
	return p.Conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Ping sends a ping control frame.
func (p *Peer) Ping(payload string) error {
	return p.Conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(time.Second))
}

// CloseWith sends a close frame with the given status.
func (p *Peer) CloseWith(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return p.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Read reads and records the next client event.
func (p *Peer) Read() (map[string]any, error) {
	_ = p.Conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	_, data, err := p.Conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("rttest: client sent invalid JSON: %w", err)
	}
	p.server.record(event)
	return event, nil
}

// Expect reads the next client event and checks its type.
func (p *Peer) Expect(eventType string) (map[string]any, error) {
	event, err := p.Read()
	if err != nil {
		return nil, err
	}
	if got, _ := event["type"].(string); got != eventType {
		return event, fmt.Errorf("rttest: got client event %q, want %q", got, eventType)
	}
	return event, nil
}

// Handshake announces the session and acknowledges the first
// session.update.
func (p *Peer) Handshake() error {
	if err := p.Send(SessionCreated("sess_test")); err != nil {
		return err
	}
	if _, err := p.Expect("session.update"); err != nil {
		return err
	}
	return p.Send(SessionUpdated())
}

// AwaitResponseCreate reads client events up to response.create and returns
// the items of the conversation.item.create events before it. A
// session.update on the way is acknowledged.
func (p *Peer) AwaitResponseCreate() ([]map[string]any, error) {
	var items []map[string]any
	for {
		event, err := p.Read()
		if err != nil {
			return nil, err
		}
		switch event["type"] {
		case "conversation.item.create":
			item, _ := event["item"].(map[string]any)
			items = append(items, item)
		case "session.update":
			if err := p.Send(SessionUpdated()); err != nil {
				return nil, err
			}
		case "response.create":
			return items, nil
		default:
			return nil, fmt.Errorf("rttest: unexpected client event %v", event["type"])
		}
	}
}

// SendAll writes events in order, stopping at the first error.
func (p *Peer) SendAll(events ...map[string]any) error {
	for _, event := range events {
		if err := p.Send(event); err != nil {
			return err
		}
	}
	return nil
}
