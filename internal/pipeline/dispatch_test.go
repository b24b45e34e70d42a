package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"engram/internal/mcp"
)

// hubStub answers tools/call with canned per-tool payloads.
func hubStub(t *testing.T, responses map[string]string) (*mcp.Hub, *[]string) {
	t.Helper()
	var calledTools []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		calledTools = append(calledTools, req.Params.Name)

		text, ok := responses[req.Params.Name]
		if !ok {
			text = "ok"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
			},
		})
	}))
	t.Cleanup(srv.Close)

	hub := mcp.New(srv.URL, 5*time.Second, nil)
	hub.Register(mcp.DefaultTools()...)
	return hub, &calledTools
}

func TestDispatchDropsUnknownTools(t *testing.T) {
	hub, called := hubStub(t, nil)
	d := NewDispatcher(hub, nil)

	outcomes := d.Dispatch(context.Background(), []ToolCall{
		{Tool: "made_up_tool"},
		{Tool: "memory_search_layered", Args: map[string]any{"query": "x"}},
	}, Turn{UserText: "msg"}, nil)

	if len(outcomes) != 1 || outcomes[0].Tool != "memory_search_layered" {
		t.Errorf("outcomes = %+v", outcomes)
	}
	for _, c := range *called {
		if c == "made_up_tool" {
			t.Error("hallucinated tool reached the hub")
		}
	}
}

func TestDispatchAutofillsQuery(t *testing.T) {
	hub, _ := hubStub(t, nil)
	d := NewDispatcher(hub, nil)

	outcomes := d.Dispatch(context.Background(), []ToolCall{
		{Tool: "memory_search_layered"},
	}, Turn{UserText: "wo sind meine Schlüssel"}, nil)

	if len(outcomes) != 1 || outcomes[0].Skipped {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Args["query"] != "wo sind meine Schlüssel" {
		t.Errorf("query autofill = %v", outcomes[0].Args)
	}
}

func TestDispatchSkipsUnfillableRequired(t *testing.T) {
	hub, called := hubStub(t, nil)
	d := NewDispatcher(hub, nil)

	outcomes := d.Dispatch(context.Background(), []ToolCall{
		{Tool: "home_write", Args: map[string]any{"entity_id": "light.kitchen"}},
	}, Turn{UserText: "msg"}, nil)

	if len(outcomes) != 1 || !outcomes[0].Skipped {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !strings.HasPrefix(outcomes[0].Text, MarkerToolSkip) {
		t.Errorf("skip text = %q", outcomes[0].Text)
	}
	if len(*called) != 0 {
		t.Error("skipped call must not reach the hub")
	}
}

func TestDispatchChainsContainerID(t *testing.T) {
	hub, _ := hubStub(t, map[string]string{
		"request_container": `{"container_id": "abc123", "state": "created"}`,
		"container_stats":   `{"container_id": "abc123", "state": "running"}`,
	})
	d := NewDispatcher(hub, nil)

	outcomes := d.Dispatch(context.Background(), []ToolCall{
		{Tool: "request_container", Args: map[string]any{"image": "python:3"}},
		{Tool: "exec_in_container", Args: map[string]any{"container_id": "PENDING", "command": "ls"}},
	}, Turn{UserText: "msg"}, nil)

	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[1].Args["container_id"] != "abc123" {
		t.Errorf("chained id = %v", outcomes[1].Args["container_id"])
	}
	if outcomes[1].Skipped || outcomes[1].Failed {
		t.Errorf("chained call should run: %+v", outcomes[1])
	}
}

func TestDispatchProbeSkipsStoppedContainer(t *testing.T) {
	hub, _ := hubStub(t, map[string]string{
		"container_stats": `{"container_id": "abc123", "state": "exited"}`,
	})
	d := NewDispatcher(hub, nil)

	var events []StreamEvent
	outcomes := d.Dispatch(context.Background(), []ToolCall{
		{Tool: "stop_container", Args: map[string]any{"container_id": "abc123"}},
	}, Turn{UserText: "msg", ConversationID: "conv-A"}, func(e StreamEvent) { events = append(events, e) })

	if len(outcomes) != 1 || !outcomes[0].Skipped || outcomes[0].SkipReason != "verify_failed" {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	var stopped *StreamEvent
	for i, e := range events {
		if e.Kind == EventWorkspaceUpdate && e.Data["entry_type"] == "container_stopped" {
			stopped = &events[i]
		}
	}
	if stopped == nil {
		t.Fatal("container_stopped workspace event not emitted")
	}
	for _, key := range []string{"entry_id", "content", "entry_type", "source_layer", "conversation_id", "timestamp"} {
		if _, ok := stopped.Data[key]; !ok {
			t.Errorf("workspace event missing %q: %v", key, stopped.Data)
		}
	}
	if stopped.Data["conversation_id"] != "conv-A" || stopped.Data["source_layer"] != "tool_dispatch" {
		t.Errorf("workspace event payload = %v", stopped.Data)
	}
}

func TestDispatchGuardedTurnSkipsGraphSearch(t *testing.T) {
	hub, called := hubStub(t, nil)
	d := NewDispatcher(hub, nil)

	outcomes := d.Dispatch(context.Background(), []ToolCall{
		{Tool: "memory_graph_search", Args: map[string]any{"query": "heute"}},
		{Tool: "memory_search_layered", Args: map[string]any{"query": "heute"}},
		{Tool: "home_list"},
	}, Turn{UserText: "was lief heute?", ConversationID: "conv-A", TemporalGuard: true}, nil)

	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	for _, out := range outcomes[:2] {
		if !out.Skipped || out.SkipReason != "temporal_guard" {
			t.Errorf("%s: skipped=%v reason=%q", out.Tool, out.Skipped, out.SkipReason)
		}
		if !strings.HasPrefix(out.Text, MarkerToolSkip) {
			t.Errorf("%s: text = %q", out.Tool, out.Text)
		}
	}
	if outcomes[2].Skipped {
		t.Errorf("non-search tool must still run: %+v", outcomes[2])
	}
	for _, c := range *called {
		if graphSearchTools[c] {
			t.Errorf("graph search %s reached the hub on a guarded turn", c)
		}
	}
}

func TestDispatchErrorProducesMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": -32000, "message": "backend down"},
		})
	}))
	t.Cleanup(srv.Close)
	hub := mcp.New(srv.URL, 2*time.Second, nil)
	hub.Register(mcp.DefaultTools()...)
	d := NewDispatcher(hub, nil)

	outcomes := d.Dispatch(context.Background(), []ToolCall{
		{Tool: "memory_search_layered", Args: map[string]any{"query": "x"}},
	}, Turn{UserText: "msg"}, nil)

	if len(outcomes) != 1 || !outcomes[0].Failed {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if !strings.HasPrefix(outcomes[0].Text, MarkerToolError) {
		t.Errorf("error text = %q", outcomes[0].Text)
	}
}
