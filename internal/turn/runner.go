// Package turn drives one conversation turn: it opens an endpoint stream,
// folds events into the latest-known state, resolves or surfaces tool
// approvals, and pushes exactly one user-visible result.
package turn

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/coppermind/turnstile/internal/approval"
	"github.com/coppermind/turnstile/internal/endpoint"
	"github.com/coppermind/turnstile/internal/session"
	"github.com/coppermind/turnstile/internal/transport"
	"github.com/coppermind/turnstile/pkg/models"
)

const (
	stillProcessingText = "Still processing your previous request. Please wait for it to finish."
	noResponseText      = "The agent completed without generating a response."
	errorPrefix         = "Sorry, I encountered an error: "
)

// maxAutoApprovalRounds caps the auto-approval sub-loop. It is a circuit
// breaker against a runaway endpoint that keeps requesting approvals, not a
// protocol limit; hitting it ends the loop silently with whatever state was
// last accumulated.
const maxAutoApprovalRounds = 20

// Sink receives user-visible messages. Delivery is fire-and-forget; the
// runner never blocks on confirmation.
type Sink interface {
	Push(threadID string, msg models.Outbound)
}

// Runner executes turns against the model endpoint. A Runner is stateless
// across turns; all per-thread state lives on the Session it borrows.
//
// Runner methods never return errors: every failure is contained here and
// reported through the sink, so callers can dispatch fire-and-forget.
type Runner struct {
	endpoint endpoint.Endpoint
	opener   *transport.Opener
	sink     Sink
	logger   *slog.Logger
}

// NewRunner creates a turn runner.
func NewRunner(ep endpoint.Endpoint, opener *transport.Opener, sink Sink, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opener == nil {
		opener = transport.NewOpener(logger)
	}
	return &Runner{
		endpoint: ep,
		opener:   opener,
		sink:     sink,
		logger:   logger.With("component", "turn"),
	}
}

// Run executes one turn for a user message.
func (r *Runner) Run(ctx context.Context, sess *session.Session, text string) {
	cont := endpoint.Continuation{ContextID: sess.ContextID(), TaskID: sess.TaskID()}
	r.run(ctx, sess, func(ctx context.Context) (endpoint.EventStream, error) {
		return r.endpoint.StartTurn(ctx, text, cont)
	})
}

// Resume executes a continuation round carrying tool-approval decisions in
// place of user text. Used after a pending approval is resolved.
func (r *Runner) Resume(ctx context.Context, sess *session.Session, resolutions []models.Resolution) {
	cont := endpoint.Continuation{ContextID: sess.ContextID(), TaskID: sess.TaskID()}
	r.run(ctx, sess, func(ctx context.Context) (endpoint.EventStream, error) {
		return r.endpoint.ResolveBatch(ctx, resolutions, cont)
	})
}

func (r *Runner) run(ctx context.Context, sess *session.Session, open transport.OpenFunc) {
	if !sess.TryBegin() {
		r.sink.Push(sess.ThreadID, models.Outbound{Text: stillProcessingText})
		return
	}
	defer sess.End()

	log := r.logger.With("turn_id", uuid.NewString(), "thread_id", sess.ThreadID)
	log.Debug("turn started")

	if err := r.execute(ctx, sess, open); err != nil {
		if sess.Cancelled() {
			// A cancelled turn is silent, even about its own failures.
			return
		}
		log.Error("turn failed", "error", err)
		r.sink.Push(sess.ThreadID, models.Outbound{Text: errorPrefix + err.Error()})
	}
}

func (r *Runner) execute(ctx context.Context, sess *session.Session, open transport.OpenFunc) error {
	stream, err := r.opener.Open(ctx, sess.Cancelled, open)
	if err != nil {
		if sess.Cancelled() {
			return nil
		}
		return err
	}
	defer stream.Close()

	acc := &Accumulator{}
	if err := r.consume(ctx, sess, stream, acc); err != nil {
		return err
	}
	if sess.Cancelled() {
		// No output and no session mutation: a cancelled turn must not
		// appear to have produced a result.
		return nil
	}

	promptSent := false
	if acc.State == models.StateInputRequired && len(acc.Awaiting()) > 0 {
		// Approvals seen only in passing during a still-running round are
		// ignored: the endpoint may auto-approve and continue on its own.
		promptSent, err = r.resolveApprovals(ctx, sess, acc)
		if err != nil {
			return err
		}
		if sess.Cancelled() {
			return nil
		}
	}

	if acc.ContextID != "" {
		sess.SetContextID(acc.ContextID)
	}
	if acc.State.Terminal() {
		sess.ClearTask()
	} else if acc.TaskID != "" {
		sess.SetTaskID(acc.TaskID)
	}

	if !promptSent {
		text := acc.Text
		if strings.TrimSpace(text) == "" {
			text = noResponseText
		}
		r.sink.Push(sess.ThreadID, models.Outbound{Text: text})
	}
	return nil
}

// consume pulls events until the round is over, the stream ends, or the
// session is cancelled.
func (r *Runner) consume(ctx context.Context, sess *session.Session, stream endpoint.EventStream, acc *Accumulator) error {
	for {
		if sess.Cancelled() {
			return nil
		}
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.Cancelled() {
			return nil
		}
		acc.Apply(ev)
		if acc.RoundOver() {
			return nil
		}
	}
}

// resolveApprovals handles the awaiting approvals of a paused round. When
// every awaiting tool is covered by auto-approve or a standing per-tool
// grant, it resolves them in bounded rounds; otherwise it installs a pending
// approval and pushes a prompt, reporting promptSent so the caller skips the
// generic text push.
func (r *Runner) resolveApprovals(ctx context.Context, sess *session.Session, acc *Accumulator) (promptSent bool, err error) {
	for round := 0; round < maxAutoApprovalRounds; round++ {
		awaiting := acc.Awaiting()
		if len(awaiting) == 0 {
			return false, nil
		}

		if !sess.AutoApprove() {
			for _, req := range awaiting {
				if sess.AlwaysAllowed(req.Name) {
					continue
				}
				sess.SetPending(&models.PendingApproval{
					CallID:   req.CallID,
					TaskID:   req.TaskID,
					ToolName: req.Name,
				})
				r.sink.Push(sess.ThreadID, approval.Prompt(req))
				return true, nil
			}
		}
		if sess.Cancelled() {
			return false, nil
		}

		resolutions := make([]models.Resolution, len(awaiting))
		for i, req := range awaiting {
			resolutions[i] = models.Resolution{
				CallID:  req.CallID,
				TaskID:  req.TaskID,
				Outcome: models.OutcomeProceedOnce,
			}
		}

		cont := endpoint.Continuation{
			ContextID: firstNonEmpty(acc.ContextID, sess.ContextID()),
			TaskID:    firstNonEmpty(acc.TaskID, sess.TaskID()),
		}
		stream, err := r.opener.Open(ctx, sess.Cancelled, func(ctx context.Context) (endpoint.EventStream, error) {
			return r.endpoint.ResolveBatch(ctx, resolutions, cont)
		})
		if err != nil {
			if sess.Cancelled() {
				return false, nil
			}
			return false, err
		}

		acc.Approvals = nil
		err = r.consumeResolution(ctx, sess, stream, acc)
		stream.Close()
		if err != nil {
			return false, err
		}
		if sess.Cancelled() || acc.State.Terminal() {
			return false, nil
		}
		if len(acc.Awaiting()) == 0 {
			return false, nil
		}
	}

	r.logger.Warn("auto-approval round cap reached",
		"thread_id", sess.ThreadID,
		"rounds", maxAutoApprovalRounds)
	return false, nil
}

// consumeResolution pulls events after a resolution batch. Unlike consume,
// input-required alone does not end the round here: the endpoint emits a
// brief awaiting status while tools spin up. The round ends on a terminal
// state or when a fresh awaiting batch arrives to feed the next round.
func (r *Runner) consumeResolution(ctx context.Context, sess *session.Session, stream endpoint.EventStream, acc *Accumulator) error {
	for {
		if sess.Cancelled() {
			return nil
		}
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.Cancelled() {
			return nil
		}
		acc.Apply(ev)
		if acc.State.Terminal() {
			return nil
		}
		if len(acc.Awaiting()) > 0 {
			return nil
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
