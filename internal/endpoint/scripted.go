package endpoint

import (
	"context"
	"sync"

	"github.com/coppermind/turnstile/pkg/models"
)

// StartCall records one StartTurn invocation on a Scripted endpoint.
type StartCall struct {
	Text         string
	Continuation Continuation
}

// ResolveCall records one ResolveBatch invocation on a Scripted endpoint.
type ResolveCall struct {
	Resolutions  []models.Resolution
	Continuation Continuation
}

// Scripted is a test double for Endpoint. Behavior is supplied through the
// function fields; invocations are recorded for assertions.
type Scripted struct {
	mu sync.Mutex

	// StartFunc handles StartTurn. Required for tests that start turns.
	StartFunc func(text string, cont Continuation) (EventStream, error)

	// ResolveFunc handles ResolveBatch. Required for tests that resolve
	// approvals.
	ResolveFunc func(resolutions []models.Resolution, cont Continuation) (EventStream, error)

	startCalls   []StartCall
	resolveCalls []ResolveCall
}

func (s *Scripted) StartTurn(ctx context.Context, text string, cont Continuation) (EventStream, error) {
	s.mu.Lock()
	s.startCalls = append(s.startCalls, StartCall{Text: text, Continuation: cont})
	fn := s.StartFunc
	s.mu.Unlock()
	if fn == nil {
		return NewStaticStream(), nil
	}
	return fn(text, cont)
}

func (s *Scripted) ResolveBatch(ctx context.Context, resolutions []models.Resolution, cont Continuation) (EventStream, error) {
	s.mu.Lock()
	s.resolveCalls = append(s.resolveCalls, ResolveCall{Resolutions: resolutions, Continuation: cont})
	fn := s.ResolveFunc
	s.mu.Unlock()
	if fn == nil {
		return NewStaticStream(), nil
	}
	return fn(resolutions, cont)
}

// StartCalls returns the recorded StartTurn invocations.
func (s *Scripted) StartCalls() []StartCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StartCall(nil), s.startCalls...)
}

// ResolveCalls returns the recorded ResolveBatch invocations.
func (s *Scripted) ResolveCalls() []ResolveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResolveCall(nil), s.resolveCalls...)
}
