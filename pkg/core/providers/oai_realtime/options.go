package oai_realtime

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/vango-go/vai-realtime/pkg/core/types"
	"github.com/vango-go/vai-realtime/pkg/core/ws"
)

// Option configures a Session (and the Provider wrapping it).
type Option func(*Session)

// WithBaseURL sets the realtime endpoint without the model query parameter.
func WithBaseURL(url string) Option {
	return func(s *Session) {
		if url != "" {
			s.baseURL = url
		}
	}
}

// WithModel sets the model requested in the connection URL.
func WithModel(model string) Option {
	return func(s *Session) {
		if model != "" {
			s.model = model
		}
	}
}

// WithTimeout sets the dial and per-read timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithBetaHeader sets the OpenAI-Beta header value. An empty value omits the
// header.
func WithBetaHeader(value string) Option {
	return func(s *Session) {
		s.betaHeader = value
	}
}

// WithExtraHeader adds an HTTP header to the upgrade request.
func WithExtraHeader(key, value string) Option {
	return func(s *Session) {
		if s.headers == nil {
			s.headers = make(map[string]string)
		}
		s.headers[key] = value
	}
}

// WithTLSConfig sets the TLS configuration for wss:// endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Session) {
		s.tlsConfig = cfg
	}
}

// WithMaxMessageBytes bounds a single inbound event.
func WithMaxMessageBytes(n int64) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxMessageBytes = n
		}
	}
}

// WithLogger sets the logger for the session and its transport.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstructions sets the initial session instructions.
func WithInstructions(instructions string) Option {
	return func(s *Session) {
		s.config.Instructions = instructions
	}
}

// WithTools sets the initial session tools.
func WithTools(tools ...types.Tool) Option {
	return func(s *Session) {
		s.config.Tools = append([]types.Tool(nil), tools...)
	}
}

// WithToolChoice sets the initial tool choice.
func WithToolChoice(choice *types.ToolChoice) Option {
	return func(s *Session) {
		s.config.ToolChoice = cloneToolChoice(choice)
	}
}

// WithParameters sets extra session fields merged into session.update.
func WithParameters(params map[string]any) Option {
	return func(s *Session) {
		s.config.Parameters = cloneParams(params)
	}
}

// WithConnOptions appends transport options, applied after the session's own.
func WithConnOptions(opts ...ws.Option) Option {
	return func(s *Session) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func cloneToolChoice(choice *types.ToolChoice) *types.ToolChoice {
	if choice == nil {
		return nil
	}
	c := *choice
	return &c
}
