// Package channels connects chat platforms to the gateway. Each platform
// adapter turns inbound platform events into gateway calls and delivers
// outbound messages back to the right thread; the Router fans outbound
// messages from turn executions to the adapter that owns the thread.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coppermind/turnstile/pkg/models"
)

// ErrorCode classifies channel failures for monitoring and retry decisions.
type ErrorCode string

const (
	// ErrCodeConnection indicates network or connection failures.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates authentication failures.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeInvalidInput indicates invalid message or configuration data.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeNotFound indicates no adapter owns the target thread.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConfig indicates a configuration error.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured channel error carrying a classification code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a structured channel error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the classification code from an error, falling back to
// ErrCodeInternal for non-channel errors.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// Gateway is the inbound surface adapters call into. Satisfied by
// *gateway.Server.
type Gateway interface {
	HandleMessage(ctx context.Context, threadID, text string) string
}

// Deliverer delivers one outbound message to a thread on its platform.
type Deliverer interface {
	Deliver(ctx context.Context, threadID string, msg models.Outbound) error
}

// deliverTimeout bounds one outbound delivery attempt.
const deliverTimeout = 30 * time.Second

// Router fans outbound messages to the adapter registered for the thread's
// channel prefix. Thread ids have the form "channel:identifier"; the prefix
// before the first colon selects the adapter.
//
// Router implements the turn runner's sink. Delivery is fire-and-forget:
// failures are logged and counted, never surfaced to the turn.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Deliverer
	logger *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		routes: make(map[string]Deliverer),
		logger: logger.With("component", "router"),
	}
}

// Register binds a channel name to its deliverer.
func (r *Router) Register(channel string, d Deliverer) {
	r.mu.Lock()
	r.routes[channel] = d
	r.mu.Unlock()
}

// Push delivers msg to the thread's channel adapter.
func (r *Router) Push(threadID string, msg models.Outbound) {
	channel, _, ok := SplitThreadID(threadID)
	if !ok {
		r.logger.Error("outbound message for malformed thread id", "thread_id", threadID)
		return
	}

	r.mu.RLock()
	d, found := r.routes[channel]
	r.mu.RUnlock()
	if !found {
		r.logger.Error("outbound message for unregistered channel",
			"thread_id", threadID,
			"channel", channel)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := d.Deliver(ctx, threadID, msg); err != nil {
		r.logger.Error("outbound delivery failed",
			"thread_id", threadID,
			"channel", channel,
			"code", CodeOf(err),
			"error", err)
	}
}

// SplitThreadID separates a thread id into channel and platform identifier.
func SplitThreadID(threadID string) (channel, id string, ok bool) {
	i := strings.IndexByte(threadID, ':')
	if i <= 0 || i == len(threadID)-1 {
		return "", "", false
	}
	return threadID[:i], threadID[i+1:], true
}

// ThreadID builds a thread id from a channel name and platform identifier.
func ThreadID(channel, id string) string {
	return channel + ":" + id
}
