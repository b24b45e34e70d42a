package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"engram/internal/config"
	"engram/internal/contextmgr"
	"engram/internal/executor"
	"engram/internal/llm"
	"engram/internal/mcp"
)

// modelStub answers the three stage prompts: plan JSON for the thinking
// stage, a verdict for the control stage, streamed text for output.
type modelStub struct {
	planJSON    string
	controlJSON string
	output      string
}

func (m *modelStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []llm.Message `json:"messages"`
			Stream   bool          `json:"stream"`
			Format   string        `json:"format"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		system := ""
		if len(req.Messages) > 0 {
			system = req.Messages[0].Content
		}
		switch {
		case strings.Contains(system, "Planungsstufe"):
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"content": m.planJSON}, "done": true,
			})
		case strings.Contains(system, "Kontrollstufe"):
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"content": m.controlJSON}, "done": true,
			})
		default:
			fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", m.output)
			fmt.Fprintln(w, `{"done":true}`)
		}
	}
}

// userMsg wraps text as a single-entry chat history.
func userMsg(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

type pipeFixture struct {
	pipe     *Pipeline
	intents  *IntentStore
	created  *[]string // skill names the executor saw on /v1/skills/install
	hubTools *[]string // tool names the hub saw on tools/call
}

func newPipeFixture(t *testing.T, model *modelStub) *pipeFixture {
	t.Helper()
	dir := t.TempDir()

	var hubTools []string
	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rpc struct {
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&rpc)
		hubTools = append(hubTools, rpc.Params.Name)
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"content": []map[string]any{{"type": "text", "text": "hub ok"}},
			},
		})
	}))
	t.Cleanup(hubSrv.Close)
	hub := mcp.New(hubSrv.URL, 5*time.Second, nil)
	hub.Register(mcp.DefaultTools()...)

	var created []string
	execSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path == "/v1/skills/install" {
			created = append(created, body["name"].(string))
		}
		json.NewEncoder(w).Encode(executor.SkillResult{OK: true})
	}))
	t.Cleanup(execSrv.Close)

	modelSrv := httptest.NewServer(model.handler())
	t.Cleanup(modelSrv.Close)

	cfg := config.Config{
		ControlEnable:      true,
		SkipControlLowRisk: true,
		SmallModel:         config.SmallModel{CharCap: 6000, ToolCtxCap: 2000},
		ProtocolDir:        dir,
	}

	intents := NewIntentStore(filepath.Join(dir, "intents.json"), nil)
	plans := NewPlanCache(filepath.Join(dir, "plans.msgpack"), nil)
	queue := NewQueue(filepath.Join(dir, "queue.jsonl"), nil)
	retriever := contextmgr.NewRetriever(hub, nil, cfg, nil)
	builder := contextmgr.NewBuilder(cfg.SmallModel, nil)
	client := llm.New(modelSrv.URL, "test", 5*time.Second, 0, nil)
	exec := executor.New(execSrv.URL, config.EndpointModern, nil)

	pipe := New(cfg, client, hub, exec, retriever, builder, intents, plans, queue, nil, nil, nil)
	return &pipeFixture{pipe: pipe, intents: intents, created: &created, hubTools: &hubTools}
}

func doneReason(t *testing.T, resp *Response) string {
	t.Helper()
	if resp.DoneReason == "" {
		t.Fatalf("no done reason, events: %+v", resp.Events)
	}
	return resp.DoneReason
}

func TestUserTextPicksLatestUserMessage(t *testing.T) {
	req := Request{Messages: []llm.Message{
		{Role: "system", Content: "du bist ein Assistent"},
		{Role: "user", Content: "erste Frage"},
		{Role: "assistant", Content: "erste Antwort"},
		{Role: "user", Content: "  zweite Frage  "},
	}}
	if got := req.UserText(); got != "zweite Frage" {
		t.Errorf("UserText = %q", got)
	}
	if got := (Request{}).UserText(); got != "" {
		t.Errorf("empty history UserText = %q", got)
	}
}

func TestPlainTurnStreamsContent(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"memory_search_layered","args":{"query":"Wetter"}}],"complexity":2}`,
		controlJSON: `{"approved":true}`,
		output:      "Die Antwort.",
	})

	resp := fx.pipe.Process(context.Background(), Request{
		ConversationID: "conv-A",
		Messages:       userMsg("wie ist das Wetter"),
	})
	if doneReason(t, resp) != DoneStop {
		t.Errorf("done = %q", resp.DoneReason)
	}
	if resp.Content != "Die Antwort." {
		t.Errorf("content = %q", resp.Content)
	}
	if !resp.Done || resp.Model != "test" || resp.ConversationID != "conv-A" {
		t.Errorf("response envelope = %+v", resp)
	}
	if !resp.ValidationPassed {
		t.Error("completed turn must report validation_passed")
	}

	// Exactly one done event, and it is last.
	var doneCount int
	for _, e := range resp.Events {
		if e.Kind == EventDone {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Errorf("done events = %d", doneCount)
	}
	if resp.Events[len(resp.Events)-1].Kind != EventDone {
		t.Errorf("last event = %q", resp.Events[len(resp.Events)-1].Kind)
	}
}

func TestSkillCreationRequiresConfirmation(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"create_skill","args":{"name":"blumen_giessen","code":"print(1)"}}],"complexity":4}`,
		controlJSON: `{"approved":true}`,
		output:      "unused",
	})

	// Turn 1: the skill is proposed, not executed.
	resp := fx.pipe.Process(context.Background(), Request{
		ConversationID: "conv-A",
		Messages:       userMsg("erstelle einen skill der die blumen gießt"),
	})
	if doneReason(t, resp) != DoneConfirmationPending {
		t.Fatalf("done = %q", resp.DoneReason)
	}
	if resp.IntentID == "" {
		t.Fatal("no intent id on confirmation question")
	}
	if !strings.Contains(resp.Content, "blumen_giessen") {
		t.Errorf("question should name the skill: %q", resp.Content)
	}
	if len(*fx.created) != 0 {
		t.Fatal("skill executed before confirmation")
	}

	// Turn 2: unclear answer keeps it pending.
	resp = fx.pipe.Process(context.Background(), Request{
		ConversationID: "conv-A",
		Messages:       userMsg("hm, was genau macht der?"),
	})
	if doneReason(t, resp) != DoneConfirmationPending {
		t.Errorf("unclear answer done = %q", resp.DoneReason)
	}
	if len(*fx.created) != 0 {
		t.Fatal("skill executed on unclear answer")
	}

	// Turn 3: explicit yes executes exactly once.
	resp = fx.pipe.Process(context.Background(), Request{
		ConversationID: "conv-A",
		Messages:       userMsg("ja"),
	})
	if doneReason(t, resp) != DoneConfirmationExecuted {
		t.Fatalf("done = %q", resp.DoneReason)
	}
	if !strings.Contains(resp.Content, "wurde erstellt") {
		t.Errorf("content = %q", resp.Content)
	}
	if len(*fx.created) != 1 || (*fx.created)[0] != "blumen_giessen" {
		t.Errorf("installed skills = %v", *fx.created)
	}
	var sawTask bool
	for _, tool := range *fx.hubTools {
		if tool == "autonomous_skill_task" {
			sawTask = true
		}
	}
	if !sawTask {
		t.Error("confirmed intent must run through the autonomous skill task")
	}

	it, _ := fx.intents.Get(resp.IntentID)
	if it.State != IntentExecuted {
		t.Errorf("intent state = %q", it.State)
	}
	if fx.intents.Pending("conv-A") != nil {
		t.Error("intent still pending after execution")
	}
}

func TestSkillCreationRejected(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"create_skill","args":{"name":"risky","code":"x"}}],"complexity":4}`,
		controlJSON: `{"approved":true}`,
	})

	fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("erstelle einen skill")})
	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("nein")})

	if doneReason(t, resp) != DoneStop {
		t.Errorf("done = %q", resp.DoneReason)
	}
	if len(*fx.created) != 0 {
		t.Error("rejected intent executed")
	}
	if fx.intents.Pending("conv-A") != nil {
		t.Error("rejected intent still pending")
	}
}

func TestControlBlocksConfirmableAction(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"create_skill","args":{"name":"rm_rf","code":"!"}}],"complexity":4}`,
		controlJSON: `{"approved":false,"reason":"destructive"}`,
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("erstelle einen skill")})
	if doneReason(t, resp) != DoneBlocked {
		t.Errorf("done = %q", resp.DoneReason)
	}
	if fx.intents.Pending("conv-A") != nil {
		t.Error("blocked action must not leave a pending intent")
	}
	if len(*fx.created) != 0 {
		t.Error("blocked action executed")
	}
}

func TestBlockedTurnDispatchesNothing(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"memory_search_layered","args":{"query":"x"}},{"tool":"home_write","args":{"entity_id":"light.kitchen","action":"off"}}],"complexity":3}`,
		controlJSON: `{"approved":false,"reason":"destructive"}`,
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("mach das Licht aus")})
	if doneReason(t, resp) != DoneBlocked {
		t.Fatalf("done = %q", resp.DoneReason)
	}
	if resp.ValidationPassed {
		t.Error("blocked turn must not report validation_passed")
	}
	if len(*fx.hubTools) != 0 {
		t.Errorf("blocked turn ran tools: %v", *fx.hubTools)
	}
}

func TestControlCorrectionsOverridePlan(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"home_write","args":{"entity_id":"light.kitchen","action":"off"}}],"complexity":3}`,
		controlJSON: `{"approved":true,"corrections":{"steps":[{"tool":"home_list","args":{}}]},"warnings":["write ersetzt durch list"]}`,
		output:      "ok",
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("mach das Licht aus")})
	if doneReason(t, resp) != DoneStop {
		t.Fatalf("done = %q", resp.DoneReason)
	}
	var sawWrite, sawList bool
	for _, tool := range *fx.hubTools {
		if tool == "home_write" {
			sawWrite = true
		}
		if tool == "home_list" {
			sawList = true
		}
	}
	if sawWrite {
		t.Error("corrected-away step still dispatched")
	}
	if !sawList {
		t.Error("corrected step not dispatched")
	}
}

func TestControlRequestsSkillConfirmation(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[],"complexity":1}`,
		controlJSON: `{"approved":true,"_needs_skill_confirmation":true,"_skill_name":"demo-skill"}`,
	})
	fx.pipe.cfg.SkipControlLowRisk = false

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("bau mir was")})
	if doneReason(t, resp) != DoneConfirmationPending {
		t.Fatalf("done = %q", resp.DoneReason)
	}
	if !strings.Contains(resp.Content, "demo-skill") {
		t.Errorf("question should name the skill: %q", resp.Content)
	}
	pending := fx.intents.Pending("conv-A")
	if pending == nil {
		t.Fatal("no pending intent after confirmation request")
	}
	if name, _ := pending.Params["name"].(string); name != "demo-skill" {
		t.Errorf("intent skill name = %q", name)
	}
}

func TestLowRiskSkipsControl(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"memory_search_layered","args":{"query":"x"}}],"complexity":1}`,
		controlJSON: `{"approved":false,"reason":"should not be asked"}`,
		output:      "ok",
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("was weißt du über Anna")})
	if doneReason(t, resp) != DoneStop {
		t.Errorf("read-only turn blocked: done = %q, events = %+v", resp.DoneReason, resp.Events)
	}
}

func TestDeepPrefixRunsSequential(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[],"complexity":3}`,
		controlJSON: `{"approved":true}`,
		output:      "tiefe Antwort",
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("/deep plane meinen Umzug")})
	var sawSequential, sawDeferred bool
	for _, e := range resp.Events {
		if e.Kind == EventSequentialStart {
			sawSequential = true
		}
		if e.Kind == EventThinkingDone && e.Data["sequential"] == "_sequential_deferred" {
			sawDeferred = true
		}
	}
	if !sawSequential || sawDeferred {
		t.Errorf("/deep should run sequential thinking inline: seq=%v deferred=%v", sawSequential, sawDeferred)
	}
}

func TestComplexInteractiveTurnDefersSequential(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"sequential_thinking","args":{}}],"complexity":8,"needs_sequential_thinking":true}`,
		controlJSON: `{"approved":true}`,
		output:      "schnelle Antwort",
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("plane meinen Umzug")})
	var sawSequential, sawDeferred bool
	for _, e := range resp.Events {
		if e.Kind == EventSequentialStart {
			sawSequential = true
		}
		if e.Kind == EventThinkingDone && e.Data["sequential"] == "_sequential_deferred" {
			sawDeferred = true
		}
	}
	if sawSequential {
		t.Error("interactive turn must not run sequential thinking inline")
	}
	if !sawDeferred {
		t.Errorf("complexity 8 must defer sequential thinking, events = %+v", resp.Events)
	}
	for _, tool := range *fx.hubTools {
		if sequentialTools[tool] {
			t.Errorf("think step %s dispatched on a deferring turn", tool)
		}
	}
}

func TestLowComplexityAnswersDirectly(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[],"complexity":2}`,
		controlJSON: `{"approved":true}`,
		output:      "kurz",
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("hallo")})
	var sawPlain, sawDeferred, sawSequential bool
	for _, e := range resp.Events {
		switch e.Kind {
		case EventSequentialStart:
			sawSequential = true
		case EventThinkingDone:
			if e.Data["sequential"] == "_sequential_deferred" {
				sawDeferred = true
			} else {
				sawPlain = true
			}
		}
	}
	if sawSequential || sawDeferred {
		t.Errorf("simple turn escalated: seq=%v deferred=%v", sawSequential, sawDeferred)
	}
	if !sawPlain {
		t.Errorf("thinking_done missing, events = %+v", resp.Events)
	}
}

func TestNewFactPlanSavesFact(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[],"complexity":1,"is_new_fact":true,"new_fact_key":"katze_name","new_fact_value":"Minka"}`,
		controlJSON: `{"approved":true}`,
		output:      "Gemerkt.",
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("meine Katze heißt Minka")})
	if doneReason(t, resp) != DoneStop {
		t.Fatalf("done = %q", resp.DoneReason)
	}
	var sawFactSave bool
	for _, tool := range *fx.hubTools {
		if tool == "memory_fact_save" {
			sawFactSave = true
		}
	}
	if !sawFactSave {
		t.Errorf("plan-flagged fact not saved, hub saw %v", *fx.hubTools)
	}
	var sawWorkspace bool
	for _, e := range resp.Events {
		if e.Kind == EventWorkspaceUpdate && e.Data["entry_type"] == "fact_saved" {
			sawWorkspace = true
			for _, key := range []string{"entry_id", "content", "source_layer", "conversation_id", "timestamp"} {
				if _, ok := e.Data[key]; !ok {
					t.Errorf("workspace event missing %q: %v", key, e.Data)
				}
			}
		}
	}
	if !sawWorkspace {
		t.Error("fact save must surface as a workspace update")
	}
}

func TestAnswerPersistedToMemory(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[],"complexity":1}`,
		controlJSON: `{"approved":true}`,
		output:      "Die fertige Antwort.",
	})

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("hallo")})
	if doneReason(t, resp) != DoneStop {
		t.Fatalf("done = %q", resp.DoneReason)
	}
	var sawSave bool
	for _, tool := range *fx.hubTools {
		if tool == "memory_save" {
			sawSave = true
		}
	}
	if !sawSave {
		t.Errorf("generated answer not saved, hub saw %v", *fx.hubTools)
	}
}

func TestSkillGraphReconcileOnCreate(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"create_skill","args":{"name":"pflanzen","code":"x"}}],"complexity":4}`,
		controlJSON: `{"approved":true}`,
	})
	fx.pipe.cfg.SkillGraphReconcile = true

	fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("erstelle einen skill")})
	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("ja")})
	if doneReason(t, resp) != DoneConfirmationExecuted {
		t.Fatalf("done = %q", resp.DoneReason)
	}

	var saved bool
	for _, tool := range *fx.hubTools {
		if tool == "memory_save" {
			saved = true
		}
	}
	if !saved {
		t.Error("created skill was not mirrored to the memory graph")
	}
}

func TestSkillGateFailsClosed(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[],"complexity":1}`,
		controlJSON: `{"approved":true}`,
		output:      "ok",
	})
	fx.pipe.skills = func(context.Context) ([]contextmgr.Candidate, map[string]bool, error) {
		return nil, nil, fmt.Errorf("skill index unreachable")
	}

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("hallo")})
	var sawGate bool
	for _, e := range resp.Events {
		if e.Kind == EventControl && e.Data["gate"] == "_skill_gate_blocked" {
			sawGate = true
		}
	}
	if !sawGate {
		t.Error("failing skill source must surface the closed gate")
	}
	if doneReason(t, resp) != DoneStop {
		t.Errorf("gate closure must not kill the turn: %q", resp.DoneReason)
	}
}

func TestClosedSkillGateBlocksSkillTools(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"run_skill","args":{"name":"demo"}},{"tool":"memory_search_layered","args":{"query":"x"}}],"complexity":1}`,
		controlJSON: `{"approved":true}`,
		output:      "ok",
	})
	fx.pipe.skills = func(context.Context) ([]contextmgr.Candidate, map[string]bool, error) {
		return nil, nil, fmt.Errorf("skill index unreachable")
	}

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("führe den skill aus")})
	for _, tool := range *fx.hubTools {
		if tool == "run_skill" {
			t.Error("skill tool dispatched through a closed gate")
		}
	}
	var sawMemory bool
	for _, e := range resp.Events {
		if e.Kind == EventToolStart && e.Data["tool"] == "memory_search_layered" {
			sawMemory = true
		}
	}
	if !sawMemory {
		t.Error("non-skill tools must still dispatch")
	}
}

func TestClosedBlueprintGateBlocksBlueprintTools(t *testing.T) {
	fx := newPipeFixture(t, &modelStub{
		planJSON:    `{"steps":[{"tool":"blueprint_list","args":{}}],"complexity":1}`,
		controlJSON: `{"approved":true}`,
		output:      "ok",
	})
	fx.pipe.blueprints = func(context.Context) ([]contextmgr.Candidate, map[string]bool, error) {
		return nil, nil, fmt.Errorf("blueprint index unreachable")
	}

	resp := fx.pipe.Process(context.Background(), Request{ConversationID: "conv-A", Messages: userMsg("zeig mir die blueprints")})
	var sawGate bool
	for _, e := range resp.Events {
		if e.Kind == EventControl && e.Data["gate"] == "_blueprint_gate_blocked" {
			sawGate = true
		}
	}
	if !sawGate {
		t.Error("failing blueprint source must surface the closed gate")
	}
	for _, tool := range *fx.hubTools {
		if tool == "blueprint_list" {
			t.Error("blueprint tool dispatched through a closed gate")
		}
	}
}
