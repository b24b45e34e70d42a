package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/theory/jsonpath"

	"engram/internal/logging"
	"engram/internal/mcp"
)

// Result text markers. These survive every clipping pass downstream so the
// output model always sees that a tool went wrong or was skipped.
const (
	MarkerToolError = "TOOL-FEHLER"
	MarkerToolSkip  = "TOOL-SKIP"
)

// pendingValue marks an argument to be filled from an earlier tool result.
const pendingValue = "PENDING"

// ToolCall is one requested tool invocation from the thinking stage.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolOutcome is the dispatch result for one call.
type ToolOutcome struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Text       string         `json:"text,omitempty"`
	Data       map[string]any `json:"-"`
	Failed     bool           `json:"failed,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
}

// Dispatcher runs planned tool calls against the hub, in order.
type Dispatcher struct {
	hub    *mcp.Hub
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(hub *mcp.Hub, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{hub: hub, logger: logging.Default(logger).With("component", "dispatch")}
}

// containerIDPaths are tried in order when chaining a container ID out of a
// previous tool result.
var containerIDPaths = []string{
	"$.container_id",
	"$.id",
	"$.containers[0].id",
	"$.container.id",
}

// graphSearchTools are the generic memory search tools the temporal guard
// blocks. The guard is enforced here as well as in the context manager, so
// a plan cannot smuggle a graph search past a guarded turn.
var graphSearchTools = map[string]bool{
	"memory_graph_search":    true,
	"memory_search_layered":  true,
	"memory_semantic_search": true,
}

// Turn carries the per-turn facts the dispatcher needs beyond the calls
// themselves.
type Turn struct {
	UserText       string
	ConversationID string
	TemporalGuard  bool
}

// Dispatch executes calls sequentially. Model-invented tool names are
// dropped, never sent. Calls with missing required args get the user message
// autofilled into query/message slots; anything else missing skips the call.
// On a guarded turn, graph search tools are skipped with a marker.
// emit may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []ToolCall, turn Turn, emit func(StreamEvent)) []ToolOutcome {
	send := func(e StreamEvent) {
		if emit != nil {
			emit(e)
		}
	}

	outcomes := make([]ToolOutcome, 0, len(calls))
	for _, call := range calls {
		if !d.hub.Has(call.Tool) {
			d.logger.Warn("dropping unknown tool", "tool", call.Tool)
			continue
		}
		out := ToolOutcome{Tool: call.Tool, Args: cloneArgs(call.Args)}

		if turn.TemporalGuard && graphSearchTools[call.Tool] {
			out.Skipped = true
			out.SkipReason = "temporal_guard"
			out.Text = fmt.Sprintf("%s %s: temporal_guard", MarkerToolSkip, call.Tool)
			outcomes = append(outcomes, out)
			d.logger.Info("graph search blocked on guarded turn", "tool", call.Tool)
			send(ev(EventToolResult, "tool", call.Tool, "skipped", true, "reason", "temporal_guard"))
			continue
		}

		d.chainPending(&out, outcomes)
		if reason := d.fillRequired(&out, turn.UserText); reason != "" {
			out.Skipped = true
			out.SkipReason = reason
			out.Text = fmt.Sprintf("%s %s: %s", MarkerToolSkip, call.Tool, reason)
			outcomes = append(outcomes, out)
			send(ev(EventToolResult, "tool", call.Tool, "skipped", true, "reason", reason))
			continue
		}

		if reason, blocked := d.probeContainer(ctx, out); blocked {
			out.Skipped = true
			out.SkipReason = reason
			out.Text = fmt.Sprintf("%s %s: %s", MarkerToolSkip, call.Tool, reason)
			outcomes = append(outcomes, out)
			send(workspaceEvent(turn.ConversationID, "container_stopped",
				fmt.Sprintf("%s übersprungen: Container nicht aktiv", call.Tool),
				"tool_dispatch", "reason", reason, "tool", call.Tool))
			send(ev(EventToolResult, "tool", call.Tool, "skipped", true, "reason", reason))
			continue
		}

		send(ev(EventToolStart, "tool", call.Tool))
		res, err := d.hub.Call(ctx, call.Tool, out.Args)
		switch {
		case err != nil:
			out.Failed = true
			out.Text = fmt.Sprintf("%s %s: %v", MarkerToolError, call.Tool, err)
			d.logger.Error("tool call failed", "tool", call.Tool, "error", err)
		case res.IsError:
			out.Failed = true
			out.Text = fmt.Sprintf("%s %s: %s", MarkerToolError, call.Tool, res.Text)
		default:
			out.Text = res.Text
			out.Data = res.Data
		}
		outcomes = append(outcomes, out)
		send(ev(EventToolResult, "tool", call.Tool, "failed", out.Failed))
	}
	return outcomes
}

// chainPending replaces PENDING argument values with a container ID
// extracted from the most recent successful outcome carrying one.
func (d *Dispatcher) chainPending(out *ToolOutcome, prior []ToolOutcome) {
	for key, val := range out.Args {
		s, ok := val.(string)
		if !ok || s != pendingValue {
			continue
		}
		if id := latestContainerID(prior); id != "" {
			out.Args[key] = id
			d.logger.Info("chained container id", "tool", out.Tool, "arg", key)
		}
	}
}

func latestContainerID(prior []ToolOutcome) string {
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Failed || prior[i].Skipped || prior[i].Data == nil {
			continue
		}
		for _, path := range containerIDPaths {
			p, err := jsonpath.Parse(path)
			if err != nil {
				continue
			}
			nodes := p.Select(prior[i].Data)
			if len(nodes) == 0 {
				continue
			}
			if id, ok := nodes[0].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

// fillRequired autofills missing query/message args from the user message
// and reports the first unfillable missing arg.
func (d *Dispatcher) fillRequired(out *ToolOutcome, userMessage string) string {
	for _, req := range d.hub.Required(out.Tool) {
		if out.Args == nil {
			out.Args = map[string]any{}
		}
		if v, ok := out.Args[req]; ok && v != nil && v != "" && v != pendingValue {
			continue
		}
		switch req {
		case "query", "message", "text":
			out.Args[req] = userMessage
		default:
			return fmt.Sprintf("missing required argument %q", req)
		}
	}
	return ""
}

// mutatingContainerTools act on a specific running container and get a
// stats probe before the call.
var mutatingContainerTools = map[string]bool{
	"exec_in_container": true,
	"stop_container":    true,
}

// probeContainer verifies the target container is running before a mutating
// container call. A stopped target skips the call instead of letting the
// tool fail with a less specific error.
func (d *Dispatcher) probeContainer(ctx context.Context, out ToolOutcome) (string, bool) {
	if !mutatingContainerTools[out.Tool] {
		return "", false
	}
	id, _ := out.Args["container_id"].(string)
	if id == "" || !d.hub.Has("container_stats") {
		return "", false
	}

	res, err := d.hub.Call(ctx, "container_stats", map[string]any{"container_id": id})
	if err != nil || res.IsError {
		// Probe failure is not proof the container is gone; let the call run.
		return "", false
	}
	if state, ok := res.Data["state"].(string); ok && state != "running" {
		return "verify_failed", true
	}
	return "", false
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
