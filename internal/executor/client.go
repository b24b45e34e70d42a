// Package executor is the client for the skill execution sandbox.
//
// The sandbox exposes two endpoint generations. Modern endpoints return
// structured JSON ({"packages": [{"name": ..., "version": ...}]}); the
// legacy compat shape returns a flat name → version dict. EndpointMode
// selects a generation, and auto mode probes modern first and latches onto
// compat after the first 404.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
)

// Package is one installable sandbox package.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SkillResult is the outcome of a skill lifecycle call.
type SkillResult struct {
	OK     bool   `json:"ok"`
	Name   string `json:"name,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client talks to the sandbox HTTP API. Safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger

	mu   sync.Mutex
	mode config.EndpointMode
}

// New creates a Client in the given endpoint mode.
func New(baseURL string, mode config.EndpointMode, logger *slog.Logger) *Client {
	if mode == "" {
		mode = config.EndpointAuto
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 60 * time.Second},
		logger:  logging.Default(logger).With("component", "executor"),
		mode:    mode,
	}
}

// Mode returns the currently effective endpoint mode. Auto mode reports
// what it has latched onto so far.
func (c *Client) Mode() config.EndpointMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// CreateSkill registers a new skill in the sandbox.
func (c *Client) CreateSkill(ctx context.Context, name, code string) (*SkillResult, error) {
	return c.skillCall(ctx, "/v1/skills/create", map[string]any{"name": name, "code": code})
}

// InstallSkill installs a previously created skill.
func (c *Client) InstallSkill(ctx context.Context, name string) (*SkillResult, error) {
	return c.skillCall(ctx, "/v1/skills/install", map[string]any{"name": name})
}

// UninstallSkill removes an installed skill.
func (c *Client) UninstallSkill(ctx context.Context, name string) (*SkillResult, error) {
	return c.skillCall(ctx, "/v1/skills/uninstall", map[string]any{"name": name})
}

// RunSkill executes an installed skill with arguments.
func (c *Client) RunSkill(ctx context.Context, name string, args map[string]any) (*SkillResult, error) {
	return c.skillCall(ctx, "/v1/skills/run", map[string]any{"name": name, "args": args})
}

func (c *Client) skillCall(ctx context.Context, path string, body map[string]any) (*SkillResult, error) {
	raw, status, err := c.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("executor %s: status %d", path, status)
	}
	var res SkillResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return &res, nil
}

// Packages returns the installable package catalog plus the allowlist.
// Both endpoint generations are normalized to the same return shape.
func (c *Client) Packages(ctx context.Context) ([]Package, []string, error) {
	raw, status, err := c.get(ctx, "/v1/packages")
	if err != nil {
		return nil, nil, err
	}
	if status != http.StatusOK {
		return nil, nil, fmt.Errorf("executor /v1/packages: status %d", status)
	}

	if c.effectiveMode(status) != config.EndpointCompat {
		var modern struct {
			Packages  []Package `json:"packages"`
			Allowlist []string  `json:"allowlist"`
		}
		if err := json.Unmarshal(raw, &modern); err == nil && modern.Packages != nil {
			return modern.Packages, modern.Allowlist, nil
		}
		if c.autoLatchCompat() {
			c.logger.Info("packages endpoint answered in compat shape, latching", "mode", "compat")
		}
	}

	// Compat: {"numpy": "1.26", ...} with no allowlist.
	var dict map[string]string
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, nil, fmt.Errorf("decode packages: %w", err)
	}
	pkgs := make([]Package, 0, len(dict))
	for name, version := range dict {
		pkgs = append(pkgs, Package{Name: name, Version: version})
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil, nil
}

// Installed returns installed package names, lowercased for stable matching
// against model-produced package references.
func (c *Client) Installed(ctx context.Context) ([]string, error) {
	raw, status, err := c.get(ctx, "/v1/packages/installed")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("executor /v1/packages/installed: status %d", status)
	}

	var names []string
	var modern struct {
		Packages []Package `json:"packages"`
	}
	if err := json.Unmarshal(raw, &modern); err == nil && modern.Packages != nil {
		for _, p := range modern.Packages {
			names = append(names, strings.ToLower(p.Name))
		}
	} else {
		var dict map[string]string
		if err := json.Unmarshal(raw, &dict); err != nil {
			return nil, fmt.Errorf("decode installed packages: %w", err)
		}
		for name := range dict {
			names = append(names, strings.ToLower(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

// effectiveMode folds a 404 into auto mode's latch decision.
func (c *Client) effectiveMode(status int) config.EndpointMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == config.EndpointAuto && status == http.StatusNotFound {
		c.mode = config.EndpointCompat
	}
	return c.mode
}

func (c *Client) autoLatchCompat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == config.EndpointAuto {
		c.mode = config.EndpointCompat
		return true
	}
	return false
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	return c.roundTrip(req)
}

func (c *Client) roundTrip(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("executor request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}
