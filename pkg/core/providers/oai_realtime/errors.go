package oai_realtime

import (
	"errors"
	"fmt"

	"github.com/vango-go/vai-realtime/pkg/core/ws"
)

// ErrorType categorizes session errors.
type ErrorType string

const (
	// ErrUnexpectedEvent means the server sent a different event than the one
	// the lifecycle required (session.created, session.updated).
	ErrUnexpectedEvent ErrorType = "unexpected_event_type"
	// ErrServer carries an "error" event reported by the server.
	ErrServer ErrorType = "server_error"
	// ErrProtocol means an inbound event could not be understood.
	ErrProtocol ErrorType = "protocol_error"
	// ErrTransport wraps a *ws.Error.
	ErrTransport ErrorType = "transport_error"
	// ErrNotConnected means the operation needs an established connection.
	ErrNotConnected ErrorType = "not_connected"
	// ErrInvalidState means the operation is not valid in the session's
	// current state, e.g. starting a turn while another is in flight.
	ErrInvalidState ErrorType = "invalid_state"
	// ErrInvalidRequest means the caller's messages, tools or outputs could
	// not be mapped to wire items.
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// Error is returned by Session, Stream and Provider operations.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	// EventType is the offending event's type for ErrUnexpectedEvent.
	EventType string `json:"event_type,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("oai-realtime: %s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg += " (code: " + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err was caused by a read timeout on the socket.
func IsTimeout(err error) bool {
	return ws.IsTimeout(err)
}

// TypeOf returns the ErrorType of the first *Error in err's chain.
func TypeOf(err error) ErrorType {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Type
	}
	return ""
}

func transportError(op string, err error) error {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return err
	}
	return &Error{Type: ErrTransport, Message: op, Err: err}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Type: ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}
