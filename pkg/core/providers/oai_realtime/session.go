package oai_realtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vango-go/vai-realtime/pkg/core/types"
	"github.com/vango-go/vai-realtime/pkg/core/ws"
)

const (
	// DefaultBaseURL is the OpenAI Realtime endpoint.
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the model requested when none is configured.
	DefaultModel = "gpt-4o-realtime-preview"

	// DefaultBetaHeader is the OpenAI-Beta header value sent on connect.
	DefaultBetaHeader = "realtime=v1"

	// DefaultTimeout bounds the dial and every blocking read.
	DefaultTimeout = 30 * time.Second
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateConfigured
	StateAwaitingResponse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateConfigured:
		return "configured"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a text-only conversation over one OpenAI Realtime socket. It
// connects lazily, re-sends session.update whenever its configuration
// changed, and runs one response at a time. A Session is not safe for
// concurrent use.
type Session struct {
	apiKey          string
	baseURL         string
	model           string
	betaHeader      string
	headers         map[string]string
	timeout         time.Duration
	tlsConfig       *tls.Config
	maxMessageBytes int64
	connOpts        []ws.Option
	logger          *slog.Logger

	config         SessionConfig
	conn           *ws.Conn
	state          State
	staleAfterTurn bool
	sessionID      string
}

// New creates a disconnected session.
func New(apiKey string, opts ...Option) *Session {
	s := &Session{
		apiKey:          apiKey,
		baseURL:         DefaultBaseURL,
		model:           DefaultModel,
		betaHeader:      DefaultBetaHeader,
		timeout:         DefaultTimeout,
		maxMessageBytes: ws.DefaultMaxPayload,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// SessionID returns the id announced in session.created, if connected.
func (s *Session) SessionID() string {
	return s.sessionID
}

// Model returns the configured model.
func (s *Session) Model() string {
	return s.model
}

// Endpoint returns the connection URL including the model query parameter.
func (s *Session) Endpoint() string {
	u, err := url.Parse(s.baseURL)
	if err != nil || s.model == "" {
		return s.baseURL
	}
	q := u.Query()
	q.Set("model", s.model)
	u.RawQuery = q.Encode()
	return u.String()
}

// Config returns a copy of the current session configuration.
func (s *Session) Config() SessionConfig {
	return SessionConfig{
		Instructions: s.config.Instructions,
		Tools:        append([]types.Tool(nil), s.config.Tools...),
		ToolChoice:   cloneToolChoice(s.config.ToolChoice),
		Parameters:   cloneParams(s.config.Parameters),
	}
}

// SetInstructions replaces the instructions. They are sent before the next
// response.
func (s *Session) SetInstructions(instructions string) {
	s.config.Instructions = instructions
	s.markStale()
}

// SetTools replaces the tools. They are sent before the next response.
func (s *Session) SetTools(tools []types.Tool) {
	s.config.Tools = append([]types.Tool(nil), tools...)
	s.markStale()
}

// SetToolChoice replaces the tool choice. It is sent before the next
// response.
func (s *Session) SetToolChoice(choice *types.ToolChoice) {
	s.config.ToolChoice = cloneToolChoice(choice)
	s.markStale()
}

// SetParameters replaces the extra session fields. They are sent before the
// next response.
func (s *Session) SetParameters(params map[string]any) {
	s.config.Parameters = cloneParams(params)
	s.markStale()
}

func (s *Session) markStale() {
	switch s.state {
	case StateConfigured:
		s.state = StateConnected
	case StateAwaitingResponse:
		s.staleAfterTurn = true
	}
}

// Connect opens the socket and waits for session.created. It is a no-op on
// a connected session.
func (s *Session) Connect(ctx context.Context) error {
	switch s.state {
	case StateClosed:
		return errSessionClosed()
	case StateAwaitingResponse:
		return errTurnInFlight()
	case StateConnected, StateConfigured:
		return nil
	}

	conn, err := ws.Dial(ctx, s.Endpoint(), s.connOptions()...)
	if err != nil {
		return s.fail(transportError("connect", err))
	}
	s.conn = conn

	event, err := s.receive(ctx)
	if err != nil {
		return s.fail(err)
	}
	if event.Get("type").String() != eventSessionCreated {
		return s.fail(unexpectedEvent(eventSessionCreated, event))
	}

	s.sessionID = event.Get("session.id").String()
	s.state = StateConnected
	s.staleAfterTurn = false
	s.logger.Info("realtime session created", "session_id", s.sessionID, "model", s.model)
	return nil
}

// Configure sends session.update and waits for session.updated, connecting
// first if needed. It is a no-op while the configuration is current.
func (s *Session) Configure(ctx context.Context) error {
	switch s.state {
	case StateClosed:
		return errSessionClosed()
	case StateAwaitingResponse:
		return errTurnInFlight()
	case StateConfigured:
		return nil
	}

	payload, err := s.sessionUpdate()
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}

	if err := s.send(ctx, payload); err != nil {
		return s.fail(err)
	}
	event, err := s.receive(ctx)
	if err != nil {
		return s.fail(err)
	}
	if event.Get("type").String() != eventSessionUpdated {
		return s.fail(unexpectedEvent(eventSessionUpdated, event))
	}

	s.state = StateConfigured
	s.logger.Info("realtime session configured", "session_id", s.sessionID, "tools", len(s.config.Tools))
	return nil
}

// Chat appends messages to the conversation, requests a response and
// returns it once complete.
func (s *Session) Chat(ctx context.Context, messages []types.Message) (TurnResult, error) {
	items, err := MapMessages(messages)
	if err != nil {
		return nil, err
	}
	if err := s.startTurn(ctx, items, true); err != nil {
		return nil, err
	}
	return s.collect(ctx)
}

// SubmitToolResults answers the calls of a ToolCallMessage and returns the
// follow-up response. The call ids only exist in the live server-side
// conversation, so it never reconnects: a disconnected session returns
// ErrNotConnected.
func (s *Session) SubmitToolResults(ctx context.Context, outputs []ToolOutput) (TurnResult, error) {
	items, err := toolOutputItems(outputs)
	if err != nil {
		return nil, err
	}
	if err := s.startTurn(ctx, items, false); err != nil {
		return nil, err
	}
	return s.collect(ctx)
}

// Stream starts a response like Chat and returns an iterator over its
// events.
func (s *Session) Stream(ctx context.Context, messages []types.Message) (*Stream, error) {
	items, err := MapMessages(messages)
	if err != nil {
		return nil, err
	}
	if err := s.startTurn(ctx, items, true); err != nil {
		return nil, err
	}
	return newStream(ctx, s), nil
}

// Structured runs one turn with a JSON schema appended to the instructions
// and returns the model's JSON text. The original instructions are restored
// afterwards.
func (s *Session) Structured(ctx context.Context, messages []types.Message, name string, schema *types.JSONSchema) (*TextMessage, error) {
	if schema == nil {
		return nil, invalidRequest("structured output requires a schema")
	}
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, invalidRequest("encode schema: %v", err)
	}

	original := s.config.Instructions
	s.SetInstructions(original + structuredInstruction(name, string(schemaJSON)))
	defer s.SetInstructions(original)

	result, err := s.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	msg, ok := result.(*TextMessage)
	if !ok {
		return nil, &Error{Type: ErrProtocol, Message: "model requested tool calls instead of structured output"}
	}
	content := stripCodeFence(msg.Content)
	if !gjson.Valid(content) {
		return nil, &Error{Type: ErrProtocol, Message: "structured output is not valid JSON"}
	}
	out := *msg
	out.Content = content
	return &out, nil
}

func structuredInstruction(name, schemaJSON string) string {
	return "\n\nYou MUST respond with valid JSON matching this schema exactly:\n" +
		"Schema name: " + name + "\n" +
		"Schema: " + schemaJSON + "\n" +
		"Return ONLY the JSON object, no markdown fences or extra text."
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// Close closes the socket. The session cannot be used afterwards.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.state = StateClosed
	s.logger.Info("realtime session closed", "session_id", s.sessionID)
	return err
}

// startTurn configures the session if needed, sends items and
// response.create.
func (s *Session) startTurn(ctx context.Context, items []ConversationItem, connect bool) error {
	switch s.state {
	case StateClosed:
		return errSessionClosed()
	case StateAwaitingResponse:
		return errTurnInFlight()
	case StateDisconnected:
		if !connect {
			return &Error{Type: ErrNotConnected, Message: "no live session to submit tool results to"}
		}
	}

	if err := s.Configure(ctx); err != nil {
		return err
	}
	for _, item := range items {
		err := s.sendEvent(ctx, conversationItemCreateEvent{
			EventID: newEventID(),
			Type:    eventConversationCreate,
			Item:    item,
		})
		if err != nil {
			return s.fail(err)
		}
	}
	err := s.sendEvent(ctx, responseCreateEvent{
		EventID:  newEventID(),
		Type:     eventResponseCreate,
		Response: responseOptions{Modalities: textModalities},
	})
	if err != nil {
		return s.fail(err)
	}
	s.state = StateAwaitingResponse
	return nil
}

func (s *Session) collect(ctx context.Context) (TurnResult, error) {
	asm := newAssembler()
	for {
		event, err := s.receive(ctx)
		if err != nil {
			return nil, s.fail(err)
		}
		_, done, err := asm.handle(event)
		if err != nil {
			return nil, s.fail(err)
		}
		if done {
			result := asm.result()
			s.endTurn(result)
			return result, nil
		}
	}
}

func (s *Session) endTurn(result TurnResult) {
	s.state = StateConfigured
	if s.staleAfterTurn {
		s.state = StateConnected
		s.staleAfterTurn = false
	}
	usage := result.TokenUsage()
	s.logger.Debug("realtime response done",
		"session_id", s.sessionID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
}

// fail tears the connection down after an error. The next operation starts
// from a fresh connection.
func (s *Session) fail(err error) error {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	s.staleAfterTurn = false
	s.logger.Warn("realtime session torn down", "session_id", s.sessionID, "error", err)
	return err
}

func (s *Session) sessionUpdate() ([]byte, error) {
	tools, err := MapTools(s.config.Tools)
	if err != nil {
		return nil, err
	}
	choice, err := MapToolChoice(s.config.ToolChoice, s.config.Tools)
	if err != nil {
		return nil, err
	}
	payload := sessionPayload{
		Modalities:   textModalities,
		Instructions: s.config.Instructions,
		Tools:        tools,
		ToolChoice:   choice,
	}
	data, err := json.Marshal(sessionUpdateEvent{
		EventID: newEventID(),
		Type:    eventSessionUpdate,
		Session: payload,
	})
	if err != nil {
		return nil, invalidRequest("encode session.update: %v", err)
	}

	if err := checkParameters(s.config.Parameters); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.config.Parameters))
	for k := range s.config.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, err = sjson.SetBytes(data, "session."+escapePathKey(k), s.config.Parameters[k])
		if err != nil {
			return nil, invalidRequest("session parameter %q: %v", k, err)
		}
	}
	return data, nil
}

func checkParameters(params map[string]any) error {
	for _, field := range reservedSessionFields {
		if _, ok := params[field]; ok {
			return invalidRequest("session parameter %q is managed by the session", field)
		}
	}
	return nil
}

// escapePathKey escapes sjson path metacharacters in a literal key.
func escapePathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Session) sendEvent(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return &Error{Type: ErrInvalidRequest, Message: "encode client event", Err: err}
	}
	return s.send(ctx, data)
}

func (s *Session) send(ctx context.Context, data []byte) error {
	if s.conn == nil {
		return &Error{Type: ErrNotConnected, Message: "session is not connected"}
	}
	s.logger.Debug("realtime: send", "event", gjson.GetBytes(data, "type").String())
	if err := s.conn.Send(ctx, data); err != nil {
		return transportError("send event", err)
	}
	return nil
}

func (s *Session) receive(ctx context.Context) (gjson.Result, error) {
	if s.conn == nil {
		return gjson.Result{}, &Error{Type: ErrNotConnected, Message: "session is not connected"}
	}
	raw, err := s.conn.Receive(ctx)
	if err != nil {
		return gjson.Result{}, transportError("receive event", err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &Error{Type: ErrProtocol, Message: "server event is not valid JSON"}
	}
	event := gjson.ParseBytes(raw)
	if !event.IsObject() {
		return gjson.Result{}, &Error{Type: ErrProtocol, Message: "server event is not a JSON object"}
	}
	s.logger.Debug("realtime: receive", "event", event.Get("type").String())
	return event, nil
}

func (s *Session) connOptions() []ws.Option {
	opts := []ws.Option{
		ws.WithTimeout(s.timeout),
		ws.WithMaxMessageBytes(s.maxMessageBytes),
		ws.WithLogger(s.logger),
	}
	if s.apiKey != "" {
		opts = append(opts, ws.WithHeader("Authorization", "Bearer "+s.apiKey))
	}
	if s.betaHeader != "" {
		opts = append(opts, ws.WithHeader("OpenAI-Beta", s.betaHeader))
	}
	if len(s.headers) > 0 {
		opts = append(opts, ws.WithHeaders(s.headers))
	}
	if s.tlsConfig != nil {
		opts = append(opts, ws.WithTLSConfig(s.tlsConfig))
	}
	return append(opts, s.connOpts...)
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

func unexpectedEvent(want string, event gjson.Result) *Error {
	got := event.Get("type").String()
	msg := fmt.Sprintf("expected %s, got %q", want, got)
	if got == eventError {
		if detail := event.Get("error.message").String(); detail != "" {
			msg += ": " + detail
		}
	}
	return &Error{
		Type:      ErrUnexpectedEvent,
		Message:   msg,
		Code:      event.Get("error.code").String(),
		EventType: got,
	}
}

func errSessionClosed() *Error {
	return &Error{Type: ErrNotConnected, Message: "session is closed"}
}

func errTurnInFlight() *Error {
	return &Error{Type: ErrInvalidState, Message: "a response is already in progress"}
}
