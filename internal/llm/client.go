// Package llm talks to the chat model endpoint.
//
// The wire protocol is the NDJSON chat API: POST /api/chat with a message
// list, either a single JSON object (stream=false) or one JSON object per
// line (stream=true). Client normalizes both into Go values so the pipeline
// never touches the wire format.
//
// Every call carries a deadline. A deadline hit is an ordinary error to the
// caller; the pipeline maps it to a terminal event rather than hanging a
// conversation on a wedged model server.
package llm

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

	"golang.org/x/time/rate"

	"engram/internal/logging"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system | user | assistant | tool
	Content string `json:"content"`
}

// Options tune a single generation.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Client is a chat model client. Safe for concurrent use.
type Client struct {
	baseURL string
	model   string
	httpc   *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client. rps <= 0 disables client-side rate limiting.
func New(baseURL, model string, timeout time.Duration, rps float64, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpc:   &http.Client{},
		timeout: timeout,
		limiter: limiter,
		logger:  logging.Default(logger).With("component", "llm"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
	Format   string    `json:"format,omitempty"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Chat runs one non-streaming generation and returns the full assistant text.
func (c *Client) Chat(ctx context.Context, msgs []Message, opts *Options) (string, error) {
	body, err := c.do(ctx, chatRequest{Model: c.model, Messages: msgs, Stream: false, Options: opts})
	if err != nil {
		return "", err
	}
	defer body.Close()

	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("model error: %s", resp.Error)
	}
	return resp.Message.Content, nil
}

// ChatJSON runs one generation with JSON output forced and decodes the result
// into out. Model responses wrapped in markdown fences are unwrapped first.
func (c *Client) ChatJSON(ctx context.Context, msgs []Message, out any) error {
	body, err := c.do(ctx, chatRequest{Model: c.model, Messages: msgs, Stream: false, Format: "json"})
	if err != nil {
		return err
	}
	defer body.Close()

	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("model error: %s", resp.Error)
	}
	return json.Unmarshal([]byte(StripFences(resp.Message.Content)), out)
}

// ChatStream runs one streaming generation, calling fn once per content
// chunk. It returns the accumulated text. fn returning an error cancels the
// stream and propagates the error.
func (c *Client) ChatStream(ctx context.Context, msgs []Message, opts *Options, fn func(chunk string) error) (string, error) {
	body, err := c.do(ctx, chatRequest{Model: c.model, Messages: msgs, Stream: true, Options: opts})
	if err != nil {
		return "", err
	}
	defer body.Close()

	var full strings.Builder
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp chatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("skipping malformed stream line", "error", err)
			continue
		}
		if resp.Error != "" {
			return full.String(), fmt.Errorf("model error: %s", resp.Error)
		}
		if resp.Message.Content != "" {
			full.WriteString(resp.Message.Content)
			if fn != nil {
				if err := fn(resp.Message.Content); err != nil {
					return full.String(), err
				}
			}
		}
		if resp.Done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return full.String(), fmt.Errorf("read model stream: %w", err)
	}
	return full.String(), nil
}

func (c *Client) do(ctx context.Context, req chatRequest) (io.ReadCloser, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	raw, err := json.Marshal(req)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("model request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("model status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return cancelCloser{resp.Body, cancel}, nil
}

type cancelCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

// StripFences removes a surrounding markdown code fence, if any. Small
// models regularly wrap JSON answers in ```json fences despite instructions.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
