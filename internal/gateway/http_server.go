package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coppermind/turnstile/internal/approval"
	"github.com/coppermind/turnstile/pkg/models"
)

// HTTPServer exposes the gateway over HTTP: health, metrics, and a small
// event API used by headless integrations that do not speak a chat protocol.
type HTTPServer struct {
	server   *Server
	addr     string
	http     *http.Server
	listener net.Listener
}

// NewHTTPServer creates the HTTP surface for a gateway server.
func NewHTTPServer(server *Server, addr string) *HTTPServer {
	return &HTTPServer{server: server, addr: addr}
}

// Start binds the listener and begins serving in the background.
func (h *HTTPServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/v1/events", h.instrument("/v1/events", h.handleEvent))

	h.http = &http.Server{
		Addr:              h.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	h.listener = listener

	go func() {
		if err := h.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.server.logger.Error("http server error", "error", err)
		}
	}()

	h.server.logger.Info("starting http server", "addr", h.addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (h *HTTPServer) Stop(ctx context.Context) {
	if h.http == nil {
		return
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := h.http.Shutdown(ctx); err != nil {
		h.server.logger.Warn("http server shutdown error", "error", err)
	}
	h.http = nil
	h.listener = nil
}

func (h *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// eventRequest is the wire form of one inbound gateway event.
type eventRequest struct {
	ThreadID string `json:"threadId"`
	Kind     string `json:"kind"` // message | approval
	Text     string `json:"text,omitempty"`

	// Approval decision fields, required when kind is approval.
	CallID  string                 `json:"callId,omitempty"`
	TaskID  string                 `json:"taskId,omitempty"`
	Outcome models.ApprovalOutcome `json:"outcome,omitempty"`
}

type eventResponse struct {
	Ack string `json:"ack,omitempty"`
}

func (h *HTTPServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ThreadID == "" {
		http.Error(w, "threadId is required", http.StatusBadRequest)
		return
	}

	var ack string
	switch req.Kind {
	case "message":
		h.server.metrics.MessageReceived(channelOf(req.ThreadID))
		ack = h.server.HandleMessage(r.Context(), req.ThreadID, req.Text)
	case "approval":
		ack = h.server.HandleApprovalClick(r.Context(), req.ThreadID, approval.ClickPayload{
			CallID:  req.CallID,
			TaskID:  req.TaskID,
			Outcome: req.Outcome,
		})
	default:
		http.Error(w, "unknown event kind", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(eventResponse{Ack: ack})
}

// instrument wraps a handler with request-duration metrics.
func (h *HTTPServer) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.server.metrics.RecordHTTPRequest(
			r.Method, path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
