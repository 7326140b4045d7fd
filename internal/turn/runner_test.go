package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coppermind/turnstile/internal/endpoint"
	"github.com/coppermind/turnstile/internal/session"
	"github.com/coppermind/turnstile/internal/transport"
	"github.com/coppermind/turnstile/pkg/models"
)

type push struct {
	ThreadID string
	Msg      models.Outbound
}

type recordingSink struct {
	mu     sync.Mutex
	pushes []push
}

func (s *recordingSink) Push(threadID string, msg models.Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, push{ThreadID: threadID, Msg: msg})
}

func (s *recordingSink) all() []push {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]push(nil), s.pushes...)
}

func newTestRunner(ep endpoint.Endpoint) (*Runner, *recordingSink) {
	sink := &recordingSink{}
	opener := transport.NewOpener(nil)
	opener.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return NewRunner(ep, opener, sink, nil), sink
}

func TestRun_CompletedTurn(t *testing.T) {
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.TextSnapshot{TaskID: "t1", ContextID: "ctx-1", Text: "a.txt, b.txt"},
				models.LifecycleChange{TaskID: "t1", ContextID: "ctx-1", State: models.StateCompleted},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")

	runner.Run(context.Background(), sess, "list files")

	pushes := sink.all()
	if len(pushes) != 1 {
		t.Fatalf("got %d pushes, want 1", len(pushes))
	}
	if pushes[0].Msg.Text != "a.txt, b.txt" {
		t.Errorf("pushed text = %q, want %q", pushes[0].Msg.Text, "a.txt, b.txt")
	}
	if sess.ContextID() != "ctx-1" {
		t.Errorf("contextID = %q, want ctx-1", sess.ContextID())
	}
	if sess.TaskID() != "" {
		t.Errorf("taskID = %q, want cleared after terminal state", sess.TaskID())
	}
	if sess.InFlight() {
		t.Error("inFlight still true after turn")
	}

	calls := ep.StartCalls()
	if len(calls) != 1 || calls[0].Text != "list files" {
		t.Errorf("start calls = %+v", calls)
	}
}

func TestRun_InputRequiredSurfacesApprovalPrompt(t *testing.T) {
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.ToolApprovalRequested{TaskID: "t1", Approvals: []models.ToolApprovalRequest{
					{CallID: "c1", TaskID: "t1", Name: "write_file", Status: models.StatusAwaitingApproval},
				}},
				models.LifecycleChange{TaskID: "t1", State: models.StateInputRequired},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")

	runner.Run(context.Background(), sess, "write a file")

	pushes := sink.all()
	if len(pushes) != 1 {
		t.Fatalf("got %d pushes, want 1 approval prompt", len(pushes))
	}
	if pushes[0].Msg.Card == nil {
		t.Fatal("pushed message has no approval card")
	}
	if pushes[0].Msg.Card.CallID != "c1" || pushes[0].Msg.Card.ToolName != "write_file" {
		t.Errorf("card = %+v", pushes[0].Msg.Card)
	}

	pending := sess.Pending()
	if pending == nil {
		t.Fatal("no pending approval on session")
	}
	if pending.CallID != "c1" || pending.TaskID != "t1" || pending.ToolName != "write_file" {
		t.Errorf("pending = %+v", pending)
	}
	if sess.TaskID() != "t1" {
		t.Errorf("taskID = %q, want t1 retained across input-required", sess.TaskID())
	}
}

func TestRun_TerminalStatesClearTaskID(t *testing.T) {
	states := []models.LifecycleState{
		models.StateCompleted, models.StateFailed, models.StateCanceled, models.StateRejected,
	}
	for _, state := range states {
		t.Run(string(state), func(t *testing.T) {
			ep := &endpoint.Scripted{
				StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
					return endpoint.NewStaticStream(
						models.LifecycleChange{TaskID: "t1", State: state},
					), nil
				},
			}
			runner, _ := newTestRunner(ep)
			sess := session.NewSession("thread-1")
			sess.SetTaskID("t-prev")

			runner.Run(context.Background(), sess, "hi")

			if sess.TaskID() != "" {
				t.Errorf("taskID = %q after %s, want cleared", sess.TaskID(), state)
			}
		})
	}
}

func TestRun_CancellationSuppressesOutput(t *testing.T) {
	sess := session.NewSession("thread-1")
	sess.SetContextID("ctx-before")
	sess.SetTaskID("t-before")

	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return &cancellingStream{
				sess: sess,
				events: []models.Event{
					models.TextSnapshot{TaskID: "t1", ContextID: "ctx-1", Text: "half-done"},
					models.LifecycleChange{TaskID: "t1", State: models.StateCompleted},
				},
				cancelAfter: 1,
			}, nil
		},
	}
	runner, sink := newTestRunner(ep)

	runner.Run(context.Background(), sess, "hi")

	if pushes := sink.all(); len(pushes) != 0 {
		t.Errorf("got %d pushes after cancellation, want 0", len(pushes))
	}
	if sess.ContextID() != "ctx-before" || sess.TaskID() != "t-before" {
		t.Errorf("session mutated by cancelled turn: contextID=%q taskID=%q",
			sess.ContextID(), sess.TaskID())
	}
	if sess.InFlight() {
		t.Error("inFlight not released after cancelled turn")
	}
}

func TestRun_CancellationSuppressesErrorReport(t *testing.T) {
	sess := session.NewSession("thread-1")

	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			sess.Cancel()
			return nil, errors.New("stream blew up")
		},
	}
	runner, sink := newTestRunner(ep)

	runner.Run(context.Background(), sess, "hi")

	if pushes := sink.all(); len(pushes) != 0 {
		t.Errorf("got %d pushes, want failures after cancellation to be silent", len(pushes))
	}
}

func TestRun_SecondMessageRejectedWhileInFlight(t *testing.T) {
	ep := &endpoint.Scripted{}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")

	if !sess.TryBegin() {
		t.Fatal("TryBegin() failed")
	}
	runner.Run(context.Background(), sess, "second message")

	pushes := sink.all()
	if len(pushes) != 1 {
		t.Fatalf("got %d pushes, want 1", len(pushes))
	}
	if pushes[0].Msg.Text != stillProcessingText {
		t.Errorf("pushed text = %q, want still-processing notice", pushes[0].Msg.Text)
	}
	if len(ep.StartCalls()) != 0 {
		t.Error("a second turn execution was started while one was in flight")
	}
	if !sess.InFlight() {
		t.Error("rejection must not release the original in-flight claim")
	}
}

func TestRun_EmptyResponseFallback(t *testing.T) {
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.LifecycleChange{TaskID: "t1", State: models.StateCompleted},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")

	runner.Run(context.Background(), sess, "hi")

	pushes := sink.all()
	if len(pushes) != 1 {
		t.Fatalf("got %d pushes, want 1", len(pushes))
	}
	if pushes[0].Msg.Text != noResponseText {
		t.Errorf("pushed text = %q, want fallback", pushes[0].Msg.Text)
	}
}

func TestRun_FailureReportedToSink(t *testing.T) {
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return nil, errors.New("endpoint exploded")
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")

	runner.Run(context.Background(), sess, "hi")

	pushes := sink.all()
	if len(pushes) != 1 {
		t.Fatalf("got %d pushes, want 1 error report", len(pushes))
	}
	if !strings.HasPrefix(pushes[0].Msg.Text, errorPrefix) {
		t.Errorf("pushed text = %q, want %q prefix", pushes[0].Msg.Text, errorPrefix)
	}
	if !strings.Contains(pushes[0].Msg.Text, "endpoint exploded") {
		t.Errorf("pushed text = %q, want failure description", pushes[0].Msg.Text)
	}
	if sess.InFlight() {
		t.Error("inFlight not released after failed turn")
	}
}

func TestRun_ApprovalsIgnoredWhenRoundEndsTerminal(t *testing.T) {
	// Approvals seen in passing before a terminal state are informational:
	// the endpoint resolved them itself and continued.
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.ToolApprovalRequested{TaskID: "t1", Approvals: []models.ToolApprovalRequest{
					{CallID: "c1", TaskID: "t1", Name: "sh", Status: models.StatusAwaitingApproval},
				}},
				models.TextSnapshot{TaskID: "t1", Text: "done"},
				models.LifecycleChange{TaskID: "t1", State: models.StateCompleted},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")

	runner.Run(context.Background(), sess, "hi")

	if sess.Pending() != nil {
		t.Error("pending approval set for a round that ended terminally")
	}
	pushes := sink.all()
	if len(pushes) != 1 || pushes[0].Msg.Text != "done" {
		t.Errorf("pushes = %+v, want single text push", pushes)
	}
	if len(ep.ResolveCalls()) != 0 {
		t.Error("resolutions sent for approvals the endpoint already handled")
	}
}

func TestRun_AutoApproveResolvesAndCompletes(t *testing.T) {
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.ToolApprovalRequested{TaskID: "t1", ContextID: "ctx-1", Approvals: []models.ToolApprovalRequest{
					{CallID: "c1", TaskID: "t1", Name: "sh", Status: models.StatusAwaitingApproval},
				}},
				models.LifecycleChange{TaskID: "t1", State: models.StateInputRequired},
			), nil
		},
		ResolveFunc: func(resolutions []models.Resolution, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.TextSnapshot{TaskID: "t1", Text: "ran the tool"},
				models.LifecycleChange{TaskID: "t1", State: models.StateCompleted},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")
	sess.SetAutoApprove(true)

	runner.Run(context.Background(), sess, "run it")

	resolves := ep.ResolveCalls()
	if len(resolves) != 1 {
		t.Fatalf("got %d resolve calls, want 1", len(resolves))
	}
	if got := resolves[0].Resolutions; len(got) != 1 || got[0].Outcome != models.OutcomeProceedOnce {
		t.Errorf("resolutions = %+v", got)
	}
	if resolves[0].Continuation.TaskID != "t1" || resolves[0].Continuation.ContextID != "ctx-1" {
		t.Errorf("continuation = %+v", resolves[0].Continuation)
	}

	pushes := sink.all()
	if len(pushes) != 1 || pushes[0].Msg.Text != "ran the tool" {
		t.Errorf("pushes = %+v, want final text only", pushes)
	}
	if sess.Pending() != nil {
		t.Error("pending approval set in auto-approve mode")
	}
	if sess.TaskID() != "" {
		t.Errorf("taskID = %q, want cleared", sess.TaskID())
	}
}

func TestRun_AutoApprovalRoundCap(t *testing.T) {
	round := 0
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.ToolApprovalRequested{TaskID: "t1", Approvals: []models.ToolApprovalRequest{
					{CallID: "c0", TaskID: "t1", Name: "sh", Status: models.StatusAwaitingApproval},
				}},
				models.LifecycleChange{TaskID: "t1", State: models.StateInputRequired},
			), nil
		},
		ResolveFunc: func(resolutions []models.Resolution, cont endpoint.Continuation) (endpoint.EventStream, error) {
			round++
			// Every resolution spawns a fresh approval request.
			return endpoint.NewStaticStream(
				models.ToolApprovalRequested{TaskID: "t1", Approvals: []models.ToolApprovalRequest{
					{CallID: fmt.Sprintf("c%d", round), TaskID: "t1", Name: "sh", Status: models.StatusAwaitingApproval},
				}},
				models.LifecycleChange{TaskID: "t1", State: models.StateInputRequired},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")
	sess.SetAutoApprove(true)

	runner.Run(context.Background(), sess, "go wild")

	if got := len(ep.ResolveCalls()); got != maxAutoApprovalRounds {
		t.Errorf("resolve calls = %d, want exactly the %d-round cap", got, maxAutoApprovalRounds)
	}
	// The cap ends the loop silently, not with an error report.
	pushes := sink.all()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %+v, want single final message", pushes)
	}
	if strings.HasPrefix(pushes[0].Msg.Text, errorPrefix) {
		t.Errorf("cap produced an error report: %q", pushes[0].Msg.Text)
	}
	if sess.InFlight() {
		t.Error("inFlight not released after cap")
	}
}

func TestRun_CancellationDuringResolutionRoundIsSilent(t *testing.T) {
	sess := session.NewSession("thread-1")
	sess.SetAutoApprove(true)
	sess.SetTaskID("t-before")

	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.ToolApprovalRequested{TaskID: "t1", Approvals: []models.ToolApprovalRequest{
					{CallID: "c1", TaskID: "t1", Name: "sh", Status: models.StatusAwaitingApproval},
				}},
				models.LifecycleChange{TaskID: "t1", State: models.StateInputRequired},
			), nil
		},
		ResolveFunc: func(resolutions []models.Resolution, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return &cancellingStream{
				sess: sess,
				events: []models.Event{
					models.TextSnapshot{TaskID: "t1", Text: "half-done"},
					models.ToolApprovalRequested{TaskID: "t1", Approvals: []models.ToolApprovalRequest{
						{CallID: "c2", TaskID: "t1", Name: "sh", Status: models.StatusAwaitingApproval},
					}},
					models.LifecycleChange{TaskID: "t1", State: models.StateInputRequired},
				},
				cancelAfter: 2,
			}, nil
		},
	}
	runner, sink := newTestRunner(ep)

	runner.Run(context.Background(), sess, "run it")

	if got := len(ep.ResolveCalls()); got != 1 {
		t.Errorf("resolve calls = %d, want no further rounds after cancellation", got)
	}
	if pushes := sink.all(); len(pushes) != 0 {
		t.Errorf("got %d pushes after mid-resolution cancellation, want 0", len(pushes))
	}
	if sess.TaskID() != "t-before" {
		t.Errorf("taskID = %q, cancelled turn must not mutate the session", sess.TaskID())
	}
	if sess.InFlight() {
		t.Error("inFlight not released after cancelled turn")
	}
}

func TestRun_AlwaysAllowedToolResolvesWithoutPrompt(t *testing.T) {
	ep := &endpoint.Scripted{
		StartFunc: func(text string, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.ToolApprovalRequested{TaskID: "t1", Approvals: []models.ToolApprovalRequest{
					{CallID: "c1", TaskID: "t1", Name: "read_file", Status: models.StatusAwaitingApproval},
				}},
				models.LifecycleChange{TaskID: "t1", State: models.StateInputRequired},
			), nil
		},
		ResolveFunc: func(resolutions []models.Resolution, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.TextSnapshot{TaskID: "t1", Text: "file contents"},
				models.LifecycleChange{TaskID: "t1", State: models.StateCompleted},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")
	sess.AddAlwaysAllow("read_file")

	runner.Run(context.Background(), sess, "read it")

	if sess.Pending() != nil {
		t.Error("prompted for a tool with a standing grant")
	}
	pushes := sink.all()
	if len(pushes) != 1 || pushes[0].Msg.Text != "file contents" {
		t.Errorf("pushes = %+v", pushes)
	}
}

func TestResume_ContinuationRound(t *testing.T) {
	ep := &endpoint.Scripted{
		ResolveFunc: func(resolutions []models.Resolution, cont endpoint.Continuation) (endpoint.EventStream, error) {
			return endpoint.NewStaticStream(
				models.TextSnapshot{TaskID: "t1", Text: "tool ran, all done"},
				models.LifecycleChange{TaskID: "t1", State: models.StateCompleted},
			), nil
		},
	}
	runner, sink := newTestRunner(ep)
	sess := session.NewSession("thread-1")
	sess.SetContextID("ctx-1")
	sess.SetTaskID("t1")

	runner.Resume(context.Background(), sess, []models.Resolution{
		{CallID: "c1", TaskID: "t1", Outcome: models.OutcomeProceedOnce},
	})

	resolves := ep.ResolveCalls()
	if len(resolves) != 1 {
		t.Fatalf("got %d resolve calls, want 1", len(resolves))
	}
	if resolves[0].Continuation.ContextID != "ctx-1" || resolves[0].Continuation.TaskID != "t1" {
		t.Errorf("continuation = %+v", resolves[0].Continuation)
	}

	pushes := sink.all()
	if len(pushes) != 1 || pushes[0].Msg.Text != "tool ran, all done" {
		t.Errorf("pushes = %+v", pushes)
	}
	if sess.TaskID() != "" {
		t.Errorf("taskID = %q, want cleared after completion", sess.TaskID())
	}
}

// cancellingStream cancels the session after yielding cancelAfter events.
type cancellingStream struct {
	sess        *session.Session
	events      []models.Event
	next        int
	cancelAfter int
}

func (c *cancellingStream) Next(ctx context.Context) (models.Event, error) {
	if c.next >= len(c.events) {
		return nil, io.EOF
	}
	ev := c.events[c.next]
	c.next++
	if c.next >= c.cancelAfter {
		c.sess.Cancel()
	}
	return ev, nil
}

func (c *cancellingStream) Close() error { return nil }
