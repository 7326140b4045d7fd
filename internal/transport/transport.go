// Package transport wraps the opening of an endpoint event stream with
// retry-on-saturation semantics.
//
// A freshly opened stream may fail on its very first pull when the endpoint
// has no available capacity. The Opener probes each stream by pulling one
// event before handing it to the caller; on a transient failure it backs off
// and reopens, and on success it replays the probed event so the caller
// observes a single uninterrupted sequence.
package transport

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/coppermind/turnstile/internal/backoff"
	"github.com/coppermind/turnstile/internal/endpoint"
	"github.com/coppermind/turnstile/pkg/models"
)

// maxRetries is the number of reopen attempts after the initial one.
const maxRetries = 3

// OpenFunc opens one endpoint stream attempt.
type OpenFunc func(ctx context.Context) (endpoint.EventStream, error)

// Opener retries stream opening with exponential backoff.
type Opener struct {
	policy backoff.Policy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewOpener creates an Opener with the transport backoff policy
// (5s, 10s, 20s; 40s ceiling).
func NewOpener(logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{
		policy: backoff.Transport(),
		sleep:  backoff.Sleep,
		logger: logger.With("component", "transport"),
	}
}

// SetSleep overrides the backoff sleep function. Used by tests to observe
// delays without waiting.
func (o *Opener) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	o.sleep = sleep
}

// Open opens a stream via open, retrying transient saturation failures.
// The cancelled probe is checked before each retry: once the owning session
// is cancelled the loop aborts early with the last failure, and the caller's
// own cancellation check suppresses any output.
func (o *Opener) Open(ctx context.Context, cancelled func() bool, open OpenFunc) (endpoint.EventStream, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		stream, err := open(ctx)
		if err == nil {
			first, perr := stream.Next(ctx)
			if perr == nil {
				return &replayStream{first: first, hasFirst: true, rest: stream}, nil
			}
			if perr == io.EOF {
				// Stream opened and ended without events; still a success.
				return &replayStream{rest: stream}, nil
			}
			stream.Close()
			err = perr
		}

		if !Retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt > maxRetries {
			return nil, lastErr
		}
		if cancelled != nil && cancelled() {
			return nil, lastErr
		}

		delay := backoff.Compute(o.policy, attempt)
		o.logger.Warn("endpoint saturated, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if serr := o.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// Retryable reports whether err indicates transient endpoint saturation:
// an HTTP-equivalent 500 or 503 in the failure text. Anything else
// propagates immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "500") || strings.Contains(msg, "503")
}

// replayStream yields a single buffered lookahead event, then the rest of
// the underlying stream.
type replayStream struct {
	first    models.Event
	hasFirst bool
	rest     endpoint.EventStream
}

func (r *replayStream) Next(ctx context.Context) (models.Event, error) {
	if r.hasFirst {
		r.hasFirst = false
		return r.first, nil
	}
	return r.rest.Next(ctx)
}

func (r *replayStream) Close() error {
	return r.rest.Close()
}
