// Package gateway routes inbound channel events to turn executions. It owns
// the control-command vocabulary, the free-text and button approval flows,
// and the fire-and-forget dispatch of turns.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/coppermind/turnstile/internal/approval"
	"github.com/coppermind/turnstile/internal/session"
	"github.com/coppermind/turnstile/pkg/models"
)

const (
	stillProcessingAck = "Still processing your previous request. Please wait for it to finish."
	resetAck           = "Session reset. The next message starts a fresh conversation."
	cancelAck          = "Cancelling the current request."
	nothingToCancelAck = "Nothing is currently running."
	yoloAck            = "Auto-approval enabled. Tool calls will run without asking."
	safeAck            = "Auto-approval disabled. Tool calls will ask before running."
	staleApprovalAck   = "That approval request is no longer pending."
)

// TurnRunner executes turns. Satisfied by *turn.Runner.
type TurnRunner interface {
	Run(ctx context.Context, sess *session.Session, text string)
	Resume(ctx context.Context, sess *session.Session, resolutions []models.Resolution)
}

// Config holds the gateway server dependencies.
type Config struct {
	Registry *session.Registry
	Runner   TurnRunner
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Validate checks required dependencies and applies defaults.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("gateway: registry is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("gateway: runner is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

// Server routes inbound events for all threads. Safe for concurrent use.
type Server struct {
	registry *session.Registry
	runner   TurnRunner
	metrics  *Metrics
	logger   *slog.Logger

	// dispatch runs a turn execution. Replaced in tests to run inline.
	dispatch func(fn func())
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		registry: cfg.Registry,
		runner:   cfg.Runner,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "gateway"),
	}
	s.dispatch = s.dispatchAsync
	return s, nil
}

// HandleMessage processes one inbound text message and returns the immediate
// synchronous acknowledgement, or "" when the reply will arrive asynchronously
// through the channel sink.
//
// Routing order: control commands first, then a decision on the pending
// approval if one exists, then a fresh turn. Unrecognized text while an
// approval is pending abandons the prompt and starts a new turn; requests are
// never merged.
func (s *Server) HandleMessage(ctx context.Context, threadID, text string) string {
	sess := s.registry.GetOrCreate(threadID)
	trimmed := strings.TrimSpace(text)

	if ack, handled := s.handleCommand(ctx, sess, trimmed); handled {
		return ack
	}

	if pending := sess.Pending(); pending != nil {
		if outcome, ok := approval.ParseDecision(trimmed); ok {
			return s.resolvePending(ctx, sess, pending.CallID, outcome)
		}
		// Last request wins: the unanswered prompt is dropped and the text
		// becomes a new turn.
		sess.SetPending(nil)
		s.logger.Info("pending approval abandoned by new message",
			"thread_id", threadID,
			"call_id", pending.CallID)
	}

	if sess.InFlight() {
		// Advisory fast path; the runner's gate is authoritative and will
		// reject a racing message through the sink.
		return stillProcessingAck
	}

	channel := channelOf(threadID)
	s.metrics.TurnStarted(channel)
	// Detach from the caller's context: on the HTTP front-end it is
	// request-scoped and net/http cancels it the moment the ack is written,
	// which would kill the dispatched turn mid-flight.
	turnCtx := context.WithoutCancel(ctx)
	s.dispatch(func() {
		start := time.Now()
		s.runner.Run(turnCtx, sess, trimmed)
		s.metrics.ObserveTurn(channel, time.Since(start).Seconds())
		s.registry.Persist(turnCtx, sess)
	})
	return ""
}

// HandleApprovalClick processes an approval button press. The payload must
// carry the call id, task id, and outcome; a payload referencing anything but
// the currently pending approval is rejected as stale.
func (s *Server) HandleApprovalClick(ctx context.Context, threadID string, payload approval.ClickPayload) string {
	if err := payload.Validate(); err != nil {
		s.metrics.RecordError("gateway", "invalid_click_payload")
		return "Invalid approval response: " + err.Error()
	}

	sess := s.registry.GetOrCreate(threadID)
	pending := sess.Pending()
	if pending == nil || pending.CallID != payload.CallID || pending.TaskID != payload.TaskID {
		return staleApprovalAck
	}
	return s.resolvePending(ctx, sess, payload.CallID, payload.Outcome)
}

// resolvePending clears the pending approval and sends its resolution onward.
// Clearing happens before the resolution round starts so a duplicate decision
// cannot resolve the same prompt twice.
func (s *Server) resolvePending(ctx context.Context, sess *session.Session, callID string, outcome models.ApprovalOutcome) string {
	pending := sess.TakePending()
	if pending == nil || pending.CallID != callID {
		return staleApprovalAck
	}

	if outcome == models.OutcomeProceedAlways {
		sess.AddAlwaysAllow(pending.ToolName)
	}

	resolution := models.Resolution{
		CallID:  pending.CallID,
		TaskID:  pending.TaskID,
		Outcome: outcome,
	}
	s.metrics.ApprovalResolved(string(outcome))
	// Same detachment as HandleMessage: the resolution round outlives the
	// inbound request that carried the decision.
	turnCtx := context.WithoutCancel(ctx)
	s.dispatch(func() {
		s.runner.Resume(turnCtx, sess, []models.Resolution{resolution})
		s.registry.Persist(turnCtx, sess)
	})
	return ""
}

// handleCommand recognizes the control vocabulary. Commands work with or
// without a leading slash and only when they are the entire message.
func (s *Server) handleCommand(ctx context.Context, sess *session.Session, text string) (string, bool) {
	cmd := strings.ToLower(strings.TrimPrefix(text, "/"))
	switch cmd {
	case "reset", "clear", "new":
		sess.Reset()
		s.registry.Persist(ctx, sess)
		return resetAck, true
	case "cancel", "stop":
		if !sess.InFlight() {
			return nothingToCancelAck, true
		}
		sess.Cancel()
		return cancelAck, true
	case "yolo":
		sess.SetAutoApprove(true)
		s.registry.Persist(ctx, sess)
		return yoloAck, true
	case "safe":
		sess.SetAutoApprove(false)
		s.registry.Persist(ctx, sess)
		return safeAck, true
	case "status":
		return s.statusText(sess), true
	}
	return "", false
}

func (s *Server) statusText(sess *session.Session) string {
	var b strings.Builder
	b.WriteString("Session status:\n")
	fmt.Fprintf(&b, "- busy: %v\n", sess.InFlight())
	fmt.Fprintf(&b, "- auto-approve: %v\n", sess.AutoApprove())
	if taskID := sess.TaskID(); taskID != "" {
		fmt.Fprintf(&b, "- open task: %s\n", taskID)
	}
	if pending := sess.Pending(); pending != nil {
		fmt.Fprintf(&b, "- awaiting approval: %s\n", pending.ToolName)
	}
	state := sess.Snapshot()
	if len(state.AlwaysAllow) > 0 {
		sort.Strings(state.AlwaysAllow)
		fmt.Fprintf(&b, "- always allowed: %s\n", strings.Join(state.AlwaysAllow, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// dispatchAsync runs fn on its own goroutine. A panicking turn must not take
// down the gateway; it is logged and the thread stays usable.
func (s *Server) dispatchAsync(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.metrics.RecordError("gateway", "turn_panic")
				s.logger.Error("turn execution panicked", "panic", r)
			}
		}()
		fn()
	}()
}

// channelOf extracts the channel name from a thread id of the form
// "channel:identifier". Used only as a metric label.
func channelOf(threadID string) string {
	if i := strings.IndexByte(threadID, ':'); i > 0 {
		return threadID[:i]
	}
	return "unknown"
}
