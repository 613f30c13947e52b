package oai_realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-realtime/internal/rttest"
	"github.com/vango-go/vai-realtime/pkg/core/types"
	"github.com/vango-go/vai-realtime/pkg/core/ws"
)

func newTestSession(t *testing.T, srv *rttest.Server, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithBaseURL(srv.BaseURL),
		WithTimeout(2 * time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	s := New("sk-test", append(base, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSession_ChatAssemblesText(t *testing.T) {
	itemsCh := make(chan []map[string]any, 1)
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		if err := p.Handshake(); err != nil {
			return
		}
		items, err := p.AwaitResponseCreate()
		if err != nil {
			return
		}
		itemsCh <- items
		_ = p.SendAll(
			rttest.TextDelta("Hel"),
			rttest.TextDelta("lo"),
			rttest.ResponseDone("completed", 5, 2),
		)
	})

	s := newTestSession(t, srv)
	result, err := s.Chat(testContext(t), []types.Message{types.UserMessage("Say hello")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	msg, ok := result.(*TextMessage)
	if !ok {
		t.Fatalf("result = %T, want *TextMessage", result)
	}
	if msg.Content != "Hello" || msg.StopReason != "completed" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Usage.InputTokens != 5 || msg.Usage.OutputTokens != 2 {
		t.Fatalf("usage = %+v, want 5/2", msg.Usage)
	}
	if s.State() != StateConfigured {
		t.Fatalf("State() = %s, want configured", s.State())
	}
	if s.SessionID() != "sess_test" {
		t.Fatalf("SessionID() = %q", s.SessionID())
	}

	items := <-itemsCh
	if len(items) != 1 || items[0]["type"] != "message" || items[0]["role"] != "user" {
		t.Fatalf("items = %v", items)
	}

	header := srv.Header(0)
	if got := header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Fatalf("OpenAI-Beta = %q", got)
	}
	if got := srv.Query(0).Get("model"); got != DefaultModel {
		t.Fatalf("model = %q", got)
	}

	wantTypes := []string{"session.update", "conversation.item.create", "response.create"}
	gotTypes := srv.ReceivedTypes()
	if strings.Join(gotTypes, ",") != strings.Join(wantTypes, ",") {
		t.Fatalf("client events = %v, want %v", gotTypes, wantTypes)
	}
	for _, ev := range srv.Received() {
		if id, _ := ev["event_id"].(string); !strings.HasPrefix(id, "evt_") {
			t.Fatalf("event %v has event_id %q", ev["type"], id)
		}
	}
}

func TestSession_ToolCallRoundTrip(t *testing.T) {
	outputCh := make(chan map[string]any, 1)
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		if err := p.Handshake(); err != nil {
			return
		}
		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		_ = p.SendAll(
			rttest.ArgumentsDelta("c1", `{"a":`),
			rttest.ArgumentsDelta("c1", `1}`),
			rttest.ArgumentsDone("c1", "lookup", `{"a":1}`),
			rttest.ResponseDone("completed", 10, 4),
		)

		items, err := p.AwaitResponseCreate()
		if err != nil || len(items) != 1 {
			return
		}
		outputCh <- items[0]
		_ = p.SendAll(
			rttest.TextDelta("Found it."),
			rttest.ResponseDone("completed", 20, 3),
		)
	})

	s := newTestSession(t, srv, WithTools(types.NewFunctionTool("lookup", "Search", nil)))
	ctx := testContext(t)

	result, err := s.Chat(ctx, []types.Message{types.UserMessage("Find a")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	calls, ok := result.(*ToolCallMessage)
	if !ok {
		t.Fatalf("result = %T, want *ToolCallMessage", result)
	}
	if calls.StopReason != "tool_calls" || len(calls.Calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	call := calls.Calls[0]
	if call.CallID != "c1" || call.Name != "lookup" || call.Arguments["a"] != float64(1) {
		t.Fatalf("call = %+v", call)
	}

	final, err := s.SubmitToolResults(ctx, []ToolOutput{{CallID: "c1", Output: map[string]any{"status": "ok"}}})
	if err != nil {
		t.Fatalf("SubmitToolResults() error = %v", err)
	}
	if final.Text() != "Found it." {
		t.Fatalf("final text = %q", final.Text())
	}

	out := <-outputCh
	if out["type"] != "function_call_output" || out["call_id"] != "c1" || out["output"] != `{"status":"ok"}` {
		t.Fatalf("output item = %v", out)
	}
	if srv.Connections() != 1 {
		t.Fatalf("Connections() = %d, want 1", srv.Connections())
	}
}

func TestSession_UnexpectedFirstEvent(t *testing.T) {
	tests := []struct {
		name    string
		first   map[string]any
		wantMsg string
	}{
		{
			name:    "wrong type",
			first:   map[string]any{"type": "session.updated"},
			wantMsg: `got "session.updated"`,
		},
		{
			name:    "server error",
			first:   rttest.ErrorEvent("invalid_api_key", "Incorrect API key provided"),
			wantMsg: "Incorrect API key provided",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := rttest.NewServer(t, func(p *rttest.Peer) {
				_ = p.Send(tt.first)
				_, _ = p.Read()
			})
			s := newTestSession(t, srv)

			_, err := s.Chat(testContext(t), []types.Message{types.UserMessage("hi")})
			var rtErr *Error
			if !errors.As(err, &rtErr) || rtErr.Type != ErrUnexpectedEvent {
				t.Fatalf("err = %v, want %s", err, ErrUnexpectedEvent)
			}
			if !strings.Contains(rtErr.Message, tt.wantMsg) {
				t.Fatalf("message = %q, want it to contain %q", rtErr.Message, tt.wantMsg)
			}
			if s.State() != StateDisconnected {
				t.Fatalf("State() = %s, want disconnected", s.State())
			}
		})
	}
}

func TestSession_ConfigureRequiresSessionUpdated(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		_ = p.Send(rttest.SessionCreated("sess_1"))
		if _, err := p.Expect("session.update"); err != nil {
			return
		}
		_ = p.Send(rttest.TextDelta("too early"))
		_, _ = p.Read()
	})
	s := newTestSession(t, srv)

	err := s.Configure(testContext(t))
	if TypeOf(err) != ErrUnexpectedEvent {
		t.Fatalf("err = %v, want %s", err, ErrUnexpectedEvent)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("State() = %s, want disconnected", s.State())
	}
}

func TestSession_ServerErrorFailsTurn(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		if err := p.Handshake(); err != nil {
			return
		}
		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		_ = p.SendAll(
			rttest.TextDelta("partial"),
			rttest.ErrorEvent("rate_limit_exceeded", "Slow down."),
			rttest.ResponseDone("completed", 1, 1),
		)
		_, _ = p.Read()
	})
	s := newTestSession(t, srv)

	result, err := s.Chat(testContext(t), []types.Message{types.UserMessage("hi")})
	if result != nil {
		t.Fatalf("result = %+v, want nil", result)
	}
	var rtErr *Error
	if !errors.As(err, &rtErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if rtErr.Type != ErrServer || rtErr.Message != "Slow down." || rtErr.Code != "rate_limit_exceeded" {
		t.Fatalf("err = %+v", rtErr)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("State() = %s, want disconnected", s.State())
	}
}

func TestSession_ReconnectsAfterFailure(t *testing.T) {
	var conns atomic.Int32
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		n := conns.Add(1)
		if err := p.Handshake(); err != nil {
			return
		}
		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		if n == 1 {
			_ = p.Send(rttest.ErrorEvent("server_error", "boom"))
			_, _ = p.Read()
			return
		}
		_ = p.SendAll(rttest.TextDelta("recovered"), rttest.ResponseDone("completed", 1, 1))
	})
	s := newTestSession(t, srv)
	ctx := testContext(t)

	if _, err := s.Chat(ctx, []types.Message{types.UserMessage("one")}); TypeOf(err) != ErrServer {
		t.Fatalf("first Chat() err = %v, want %s", err, ErrServer)
	}
	result, err := s.Chat(ctx, []types.Message{types.UserMessage("two")})
	if err != nil {
		t.Fatalf("second Chat() error = %v", err)
	}
	if result.Text() != "recovered" {
		t.Fatalf("Text() = %q", result.Text())
	}
	if srv.Connections() != 2 {
		t.Fatalf("Connections() = %d, want 2", srv.Connections())
	}
}

func TestSession_AnswersPingMidTurn(t *testing.T) {
	pongCh := make(chan string, 1)
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		p.Conn.SetPongHandler(func(data string) error {
			pongCh <- data
			return nil
		})
		if err := p.Handshake(); err != nil {
			return
		}
		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		_ = p.Ping("hb-1")
		_ = p.SendAll(rttest.TextDelta("still here"), rttest.ResponseDone("completed", 1, 1))
		// Reading drives gorilla's control frame handlers.
		_, _ = p.Read()
	})
	s := newTestSession(t, srv)

	result, err := s.Chat(testContext(t), []types.Message{types.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Text() != "still here" {
		t.Fatalf("Text() = %q", result.Text())
	}

	select {
	case got := <-pongCh:
		if got != "hb-1" {
			t.Fatalf("pong payload = %q, want hb-1", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received a pong")
	}
}

func TestSession_ReadTimeoutTearsDown(t *testing.T) {
	release := make(chan struct{})
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		if err := p.Handshake(); err != nil {
			return
		}
		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		<-release
	})
	defer close(release)
	s := newTestSession(t, srv, WithTimeout(200*time.Millisecond))

	_, err := s.Chat(testContext(t), []types.Message{types.UserMessage("hi")})
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if ws.KindOf(err) != ws.KindReadTimeout {
		t.Fatalf("KindOf(err) = %q, want %q", ws.KindOf(err), ws.KindReadTimeout)
	}
	if TypeOf(err) != ErrTransport {
		t.Fatalf("TypeOf(err) = %q, want %q", TypeOf(err), ErrTransport)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("State() = %s, want disconnected", s.State())
	}
}

func TestSession_SubmitToolResultsRequiresConnection(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {})
	s := newTestSession(t, srv)

	_, err := s.SubmitToolResults(testContext(t), []ToolOutput{{CallID: "c1", Output: "x"}})
	if TypeOf(err) != ErrNotConnected {
		t.Fatalf("err = %v, want %s", err, ErrNotConnected)
	}
	if srv.Connections() != 0 {
		t.Fatalf("Connections() = %d, want 0", srv.Connections())
	}
}

func TestSession_ClosedRejectsOperations(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {})
	s := newTestSession(t, srv)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("State() = %s, want closed", s.State())
	}
	if _, err := s.Chat(testContext(t), []types.Message{types.UserMessage("hi")}); TypeOf(err) != ErrNotConnected {
		t.Fatalf("Chat() err = %v, want %s", err, ErrNotConnected)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestSession_InvalidMessagesDoNotConnect(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {})
	s := newTestSession(t, srv)

	_, err := s.Chat(testContext(t), []types.Message{{Role: "narrator", Content: "x"}})
	if TypeOf(err) != ErrInvalidRequest {
		t.Fatalf("err = %v, want %s", err, ErrInvalidRequest)
	}
	if srv.Connections() != 0 || s.State() != StateDisconnected {
		t.Fatalf("connections = %d, state = %s", srv.Connections(), s.State())
	}
}

func TestSession_ReconfiguresOnlyWhenStale(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		if err := p.Handshake(); err != nil {
			return
		}
		for i := 0; i < 3; i++ {
			if _, err := p.AwaitResponseCreate(); err != nil {
				return
			}
			_ = p.Send(rttest.ResponseDone("completed", 1, 1))
		}
	})
	s := newTestSession(t, srv, WithInstructions("first"))
	ctx := testContext(t)

	if _, err := s.Chat(ctx, []types.Message{types.UserMessage("1")}); err != nil {
		t.Fatalf("Chat 1 error = %v", err)
	}
	if _, err := s.Chat(ctx, []types.Message{types.UserMessage("2")}); err != nil {
		t.Fatalf("Chat 2 error = %v", err)
	}
	s.SetInstructions("second")
	if s.State() != StateConnected {
		t.Fatalf("State() after SetInstructions = %s, want connected", s.State())
	}
	if _, err := s.Chat(ctx, []types.Message{types.UserMessage("3")}); err != nil {
		t.Fatalf("Chat 3 error = %v", err)
	}

	var updates []string
	for _, ev := range srv.Received() {
		if ev["type"] == "session.update" {
			session, _ := ev["session"].(map[string]any)
			instructions, _ := session["instructions"].(string)
			updates = append(updates, instructions)
		}
	}
	if strings.Join(updates, "|") != "first|second" {
		t.Fatalf("session.update instructions = %v, want [first second]", updates)
	}
}

func TestSession_TurnInFlightRejected(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		if err := p.Handshake(); err != nil {
			return
		}
		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		_ = p.SendAll(rttest.TextDelta("a"), rttest.ResponseDone("completed", 1, 1))
	})
	s := newTestSession(t, srv)
	ctx := testContext(t)

	stream, err := s.Stream(ctx, []types.Message{types.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	if s.State() != StateAwaitingResponse {
		t.Fatalf("State() = %s, want awaiting_response", s.State())
	}
	if _, err := s.Chat(ctx, []types.Message{types.UserMessage("again")}); TypeOf(err) != ErrInvalidState {
		t.Fatalf("Chat() err = %v, want %s", err, ErrInvalidState)
	}
}

func TestSession_Structured(t *testing.T) {
	instructionsCh := make(chan string, 1)
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		_ = p.Send(rttest.SessionCreated("sess_s"))
		update, err := p.Expect("session.update")
		if err != nil {
			return
		}
		session, _ := update["session"].(map[string]any)
		instructions, _ := session["instructions"].(string)
		instructionsCh <- instructions
		_ = p.Send(rttest.SessionUpdated())

		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		_ = p.SendAll(
			rttest.TextDelta("```json\n{\"temp\": 21}\n```"),
			rttest.ResponseDone("completed", 8, 6),
		)
	})
	s := newTestSession(t, srv, WithInstructions("You report weather."))

	schema := &types.JSONSchema{
		Type:       "object",
		Properties: map[string]types.JSONSchema{"temp": {Type: "number"}},
		Required:   []string{"temp"},
	}
	msg, err := s.Structured(testContext(t), []types.Message{types.UserMessage("Weather?")}, "weather", schema)
	if err != nil {
		t.Fatalf("Structured() error = %v", err)
	}
	if msg.Content != `{"temp": 21}` {
		t.Fatalf("Content = %q", msg.Content)
	}

	sent := <-instructionsCh
	if !strings.HasPrefix(sent, "You report weather.\n\nYou MUST respond with valid JSON") {
		t.Fatalf("instructions = %q", sent)
	}
	if !strings.Contains(sent, "Schema name: weather") || !strings.Contains(sent, `"temp"`) {
		t.Fatalf("instructions missing schema: %q", sent)
	}
	if got := s.Config().Instructions; got != "You report weather." {
		t.Fatalf("instructions not restored: %q", got)
	}
	if s.State() != StateConnected {
		t.Fatalf("State() = %s, want connected (config stale)", s.State())
	}
}

func TestSession_PeerCloseSurfacesCloseCode(t *testing.T) {
	srv := rttest.NewServer(t, func(p *rttest.Peer) {
		if err := p.Handshake(); err != nil {
			return
		}
		if _, err := p.AwaitResponseCreate(); err != nil {
			return
		}
		_ = p.CloseWith(1011, "internal error")
		_, _ = p.Read()
	})
	s := newTestSession(t, srv)

	_, err := s.Chat(testContext(t), []types.Message{types.UserMessage("hi")})
	var wsErr *ws.Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("err = %v, want *ws.Error in chain", err)
	}
	if wsErr.Kind != ws.KindPeerClosed || wsErr.CloseCode != 1011 || wsErr.CloseReason != "internal error" {
		t.Fatalf("ws error = %+v", wsErr)
	}
}
