package oai_realtime

import (
	"context"
	"io"

	"github.com/vango-go/vai-realtime/pkg/core/types"
)

// StreamEvent is an event yielded by Stream.Next.
type StreamEvent interface {
	EventType() string
}

// TextDeltaEvent carries a fragment of the response text.
type TextDeltaEvent struct {
	Delta string
}

func (TextDeltaEvent) EventType() string { return "text_delta" }

// UsageEvent reports token usage for a completed response.
type UsageEvent struct {
	Usage types.Usage
}

func (UsageEvent) EventType() string { return "usage" }

// ToolCallsPendingEvent means the response ended with tool calls. The stream
// pauses until Stream.SubmitToolResults is called.
type ToolCallsPendingEvent struct {
	Message *ToolCallMessage
}

func (ToolCallsPendingEvent) EventType() string { return "tool_calls_pending" }

// DoneEvent carries the final result. Next returns io.EOF afterwards.
type DoneEvent struct {
	Result TurnResult
}

func (DoneEvent) EventType() string { return "done" }

type streamPhase int

const (
	phaseReceiving streamPhase = iota
	phaseToolsPending
	phaseDone
)

// Stream iterates over the events of a response and of the follow-up
// responses produced by SubmitToolResults. Errors are terminal.
type Stream struct {
	ctx     context.Context
	session *Session
	asm     *assembler
	pending []StreamEvent
	phase   streamPhase
	usage   types.Usage
	err     error
}

func newStream(ctx context.Context, s *Session) *Stream {
	return &Stream{
		ctx:     ctx,
		session: s,
		asm:     newAssembler(),
	}
}

// Next returns the next event. Returns nil, io.EOF after DoneEvent.
func (st *Stream) Next() (StreamEvent, error) {
	if len(st.pending) > 0 {
		event := st.pending[0]
		st.pending = st.pending[1:]
		return event, nil
	}
	if st.err != nil {
		return nil, st.err
	}

	switch st.phase {
	case phaseDone:
		return nil, io.EOF
	case phaseToolsPending:
		return nil, &Error{Type: ErrInvalidState, Message: "tool results must be submitted before the stream continues"}
	}

	for {
		event, err := st.session.receive(st.ctx)
		if err != nil {
			return nil, st.abort(err)
		}
		delta, done, err := st.asm.handle(event)
		if err != nil {
			return nil, st.abort(err)
		}
		if done {
			st.complete()
			return st.Next()
		}
		if delta != "" {
			return TextDeltaEvent{Delta: delta}, nil
		}
	}
}

func (st *Stream) complete() {
	result := st.asm.result()
	st.session.endTurn(result)
	st.usage = st.usage.Add(result.TokenUsage())

	if usage := result.TokenUsage(); !usage.IsEmpty() {
		st.pending = append(st.pending, UsageEvent{Usage: usage})
	}
	if msg, ok := result.(*ToolCallMessage); ok {
		st.pending = append(st.pending, ToolCallsPendingEvent{Message: msg})
		st.phase = phaseToolsPending
		return
	}
	st.pending = append(st.pending, DoneEvent{Result: result})
	st.phase = phaseDone
}

func (st *Stream) abort(err error) error {
	st.err = st.session.fail(err)
	st.phase = phaseDone
	return st.err
}

// SubmitToolResults answers pending tool calls and resumes the stream with
// the follow-up response.
func (st *Stream) SubmitToolResults(ctx context.Context, outputs []ToolOutput) error {
	if st.err != nil {
		return st.err
	}
	if st.phase != phaseToolsPending {
		return &Error{Type: ErrInvalidState, Message: "no tool calls are pending"}
	}
	items, err := toolOutputItems(outputs)
	if err != nil {
		return err
	}
	if err := st.session.startTurn(ctx, items, false); err != nil {
		st.err = err
		st.phase = phaseDone
		return err
	}
	st.ctx = ctx
	st.asm = newAssembler()
	st.phase = phaseReceiving
	return nil
}

// Usage returns the token usage summed over every completed response of the
// stream, tool rounds included.
func (st *Stream) Usage() types.Usage {
	return st.usage
}

// Close abandons the stream. Closing mid-response tears the connection down
// since the remaining events cannot be resumed.
func (st *Stream) Close() error {
	if st.phase == phaseReceiving && st.err == nil {
		_ = st.session.fail(&Error{Type: ErrInvalidState, Message: "stream closed before the response completed"})
	}
	st.phase = phaseDone
	st.pending = nil
	return nil
}
