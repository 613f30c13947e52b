package ws

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes transport errors.
type ErrorKind string

const (
	KindConnect      ErrorKind = "connect_error"
	KindTLS          ErrorKind = "tls_error"
	KindHandshake    ErrorKind = "handshake_error"
	KindFrameDecode  ErrorKind = "frame_decode_error"
	KindReadTimeout  ErrorKind = "read_timeout"
	KindPeerClosed   ErrorKind = "peer_closed"
	KindSend         ErrorKind = "send_error"
	KindNotConnected ErrorKind = "not_connected"
)

// Error is returned by every transport operation that fails.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error

	// CloseCode and CloseReason are set when the peer sent a close frame.
	CloseCode   int
	CloseReason string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("ws: %s: %s", e.Kind, e.Message)
	if e.CloseCode != 0 {
		msg = fmt.Sprintf("%s (code: %d", msg, e.CloseCode)
		if e.CloseReason != "" {
			msg += ", reason: " + e.CloseReason
		}
		msg += ")"
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

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var wsErr *Error
	if errors.As(err, &wsErr) {
		return wsErr.Kind
	}
	return ""
}

// IsTimeout reports whether err is a read timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == KindReadTimeout
}

// IsPeerClosed reports whether err means the peer went away, either by EOF or
// by sending a close frame.
func IsPeerClosed(err error) bool {
	return KindOf(err) == KindPeerClosed
}
