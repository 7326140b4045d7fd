package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coppermind/turnstile/pkg/models"
)

// maxEventBytes bounds a single SSE record. Text snapshots are cumulative,
// so one data line grows with the entire response; bufio's default 64 KiB
// token limit is far too small for long model output.
const maxEventBytes = 16 << 20

// HTTPConfig configures the SSE-backed endpoint client.
type HTTPConfig struct {
	// BaseURL is the endpoint root, e.g. "http://127.0.0.1:7430" (required).
	BaseURL string

	// Token is an optional bearer token sent with every request.
	Token string

	// HTTPClient overrides the default client. The default has no overall
	// timeout: streams are long-lived and bounded by context instead.
	HTTPClient *http.Client

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("endpoint base URL is required")
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// HTTPClient talks to a model endpoint that streams protocol events over
// server-sent events. Opening a turn is a POST whose response body is the
// event stream.
type HTTPClient struct {
	config HTTPConfig
	logger *slog.Logger
}

// NewHTTPClient creates an SSE endpoint client.
func NewHTTPClient(config HTTPConfig) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{
		config: config,
		logger: config.Logger.With("component", "endpoint"),
	}, nil
}

type turnRequest struct {
	Text        string              `json:"text,omitempty"`
	Resolutions []models.Resolution `json:"resolutions,omitempty"`
	ContextID   string              `json:"contextId,omitempty"`
	TaskID      string              `json:"taskId,omitempty"`
}

// StartTurn opens a stream for a new user message.
func (c *HTTPClient) StartTurn(ctx context.Context, text string, cont Continuation) (EventStream, error) {
	return c.open(ctx, "/v1/turns", turnRequest{
		Text:      text,
		ContextID: cont.ContextID,
		TaskID:    cont.TaskID,
	})
}

// ResolveBatch opens a stream continuing a paused task with approval
// decisions.
func (c *HTTPClient) ResolveBatch(ctx context.Context, resolutions []models.Resolution, cont Continuation) (EventStream, error) {
	return c.open(ctx, "/v1/resolutions", turnRequest{
		Resolutions: resolutions,
		ContextID:   cont.ContextID,
		TaskID:      cont.TaskID,
	})
}

func (c *HTTPClient) open(ctx context.Context, path string, body turnRequest) (EventStream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	start := time.Now()
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open endpoint stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, snippet)
	}

	c.logger.Debug("endpoint stream opened",
		"path", path,
		"elapsed", time.Since(start))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	return &sseStream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}

// wireEvent is one SSE data record. A single record may carry several
// logical updates; it expands into one Event variant per populated field.
type wireEvent struct {
	TaskID        string                       `json:"taskId,omitempty"`
	ContextID     string                       `json:"contextId,omitempty"`
	State         models.LifecycleState        `json:"state,omitempty"`
	Text          *string                      `json:"text,omitempty"`
	ToolApprovals []models.ToolApprovalRequest `json:"toolApprovals,omitempty"`
}

func (w wireEvent) expand() []models.Event {
	var events []models.Event
	if w.Text != nil {
		events = append(events, models.TextSnapshot{
			TaskID:    w.TaskID,
			ContextID: w.ContextID,
			Text:      *w.Text,
		})
	}
	if len(w.ToolApprovals) > 0 {
		events = append(events, models.ToolApprovalRequested{
			TaskID:    w.TaskID,
			ContextID: w.ContextID,
			Approvals: w.ToolApprovals,
		})
	}
	// Lifecycle last, so consumers see the full round state before deciding
	// the round is over.
	if w.State != "" {
		events = append(events, models.LifecycleChange{
			TaskID:    w.TaskID,
			ContextID: w.ContextID,
			State:     w.State,
		})
	}
	return events
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []models.Event
	done    bool
}

func (s *sseStream) Next(ctx context.Context) (models.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		data, err := s.nextData()
		if err != nil {
			if err == io.EOF {
				s.done = true
				continue
			}
			return nil, err
		}
		var wire wireEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decode endpoint event: %w", err)
		}
		s.pending = wire.expand()
	}
}

// nextData reads SSE lines until a complete data payload is assembled.
// Comment lines and non-data fields are ignored.
func (s *sseStream) nextData() ([]byte, error) {
	var data []byte
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return data, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			value = strings.TrimPrefix(value, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, value...)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read endpoint stream: %w", err)
	}
	if len(data) > 0 {
		return data, nil
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
