// Package mcp is the client side of the tool hub: a single JSON-RPC 2.0
// endpoint accepting tools/call requests and fanning them out to the tool
// servers behind it.
//
// The hub keeps a tool_name → server registry. The pipeline filters model
// tool suggestions against this registry, so hallucinated tool names are
// dropped before any call leaves the process. Argument validation uses the
// registered inputSchema.required list.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"engram/internal/logging"
)

// Tool is one registered hub tool.
type Tool struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Description string `json:"description,omitempty"`
	InputSchema Schema `json:"inputSchema"`
}

// Schema is the subset of JSON Schema the hub cares about.
type Schema struct {
	Type       string         `json:"type,omitempty"`
	Required   []string       `json:"required,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Result is the outcome of one tools/call.
type Result struct {
	Text    string         // concatenated text content
	Data    map[string]any // structured content when the server returned JSON
	IsError bool
}

// Hub calls tools through the JSON-RPC endpoint.
type Hub struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	tools map[string]Tool

	nextID int64
}

// New creates a Hub for the given endpoint. timeout bounds each tools/call.
func New(url string, timeout time.Duration, logger *slog.Logger) *Hub {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Hub{
		url:     url,
		client:  &http.Client{Timeout: timeout + 5*time.Second},
		timeout: timeout,
		logger:  logging.Default(logger).With("component", "mcp-hub"),
		tools:   map[string]Tool{},
	}
}

// Register adds tools to the registry. Later registrations of the same name win.
func (h *Hub) Register(tools ...Tool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range tools {
		h.tools[t.Name] = t
	}
}

// Has reports whether a tool name is registered.
func (h *Hub) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tools[name]
	return ok
}

// Tool returns a registered tool by name.
func (h *Hub) Tool(name string) (Tool, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tools[name]
	return t, ok
}

// Required returns the required argument names of a tool, or nil when the
// tool is unknown.
func (h *Hub) Required(name string) []string {
	t, ok := h.Tool(name)
	if !ok {
		return nil
	}
	return t.InputSchema.Required
}

// Names returns all registered tool names.
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.tools))
	for name := range h.tools {
		out = append(out, name)
	}
	return out
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	Result *rpcResult `json:"result"`
	Error  *rpcError  `json:"error"`
}

type rpcResult struct {
	Content []rpcContent `json:"content"`
	IsError bool         `json:"isError"`
}

type rpcContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call executes tools/call for a registered tool. Unknown tools error
// without any network traffic. Each call is bounded by the hub timeout in
// addition to whatever deadline ctx already carries.
func (h *Hub) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if !h.Has(name) {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/call",
		Params:  rpcParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("encode tools/call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read tools/call response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools/call %s: status %d", name, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("decode tools/call response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	if rr.Result == nil {
		return nil, fmt.Errorf("tools/call %s: empty result", name)
	}

	res := &Result{IsError: rr.Result.IsError}
	for _, c := range rr.Result.Content {
		if c.Type == "text" {
			if res.Text != "" {
				res.Text += "\n"
			}
			res.Text += c.Text
		}
	}
	// Surface structured content when the payload is a JSON object.
	var data map[string]any
	if json.Unmarshal([]byte(res.Text), &data) == nil {
		res.Data = data
	}
	return res, nil
}
