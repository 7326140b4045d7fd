// Package endpoint defines the model-endpoint boundary: the remote service
// that executes a conversation turn and streams protocol events back.
//
// The orchestrator treats the endpoint as opaque. It only relies on the
// Endpoint interface, the pull-based EventStream, and the error text carrying
// an HTTP-equivalent status code when a stream cannot be opened.
package endpoint

import (
	"context"
	"io"
	"sync"

	"github.com/coppermind/turnstile/pkg/models"
)

// Continuation carries the identifiers that resume an existing conversation
// on the endpoint. Zero values start a fresh context/task.
type Continuation struct {
	ContextID string
	TaskID    string
}

// EventStream is a pull-based stream of protocol events. Next blocks until
// an event is available, the stream ends (io.EOF), or ctx is done. After
// io.EOF, further calls keep returning io.EOF.
type EventStream interface {
	Next(ctx context.Context) (models.Event, error)
	Close() error
}

// Endpoint opens streamed turns against the remote model service.
type Endpoint interface {
	// StartTurn opens a stream for a new user message.
	StartTurn(ctx context.Context, text string, cont Continuation) (EventStream, error)

	// ResolveBatch opens a stream continuing a paused task with tool-approval
	// decisions.
	ResolveBatch(ctx context.Context, resolutions []models.Resolution, cont Continuation) (EventStream, error)
}

// StaticStream is an EventStream over a fixed slice of events.
type StaticStream struct {
	mu     sync.Mutex
	events []models.Event
	next   int
}

// NewStaticStream creates a stream that yields the given events in order
// and then io.EOF.
func NewStaticStream(events ...models.Event) *StaticStream {
	return &StaticStream{events: events}
}

func (s *StaticStream) Next(ctx context.Context) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

func (s *StaticStream) Close() error { return nil }
