// Package pipeline orchestrates one chat turn through the staged loop:
// thinking (plan), response-mode policy, context retrieval, control
// (verification), tool dispatch, output, and memory save. The plan steers
// retrieval and dispatch; the control verdict can correct the plan or stop
// the turn before any tool runs.
//
// The stream contract: every turn emits exactly one terminal done event,
// and nothing after it. Cancellation is cooperative; stages check the
// context between steps and the done event then carries reason error.
//
// Destructive actions never execute on the turn that proposed them. They
// become pending intents and run only after an explicit yes matched against
// a closed phrase list.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"engram/internal/chunk"
	"engram/internal/config"
	"engram/internal/contextmgr"
	"engram/internal/executor"
	"engram/internal/llm"
	"engram/internal/logging"
	"engram/internal/mcp"
)

// deepComplexity is the plan complexity at which an interactive turn defers
// sequential thinking instead of running it inline.
const deepComplexity = 7

// Request is one inbound chat turn. The message history carries the user
// text; UserText extracts the newest user entry.
type Request struct {
	Model          string        `json:"model,omitempty"`
	Messages       []llm.Message `json:"messages"`
	ConversationID string        `json:"conversation_id"`
	Temperature    float64       `json:"temperature,omitempty"`
	TopP           float64       `json:"top_p,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Stream         bool          `json:"stream"`
	SourceAdapter  string        `json:"source_adapter,omitempty"`
}

// UserText returns the newest user message, trimmed. Empty when the history
// holds no user entry.
func (r Request) UserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return ""
}

// options maps the request sampling knobs onto a model options block, or nil
// when the request sets none.
func (r Request) options() *llm.Options {
	if r.Temperature == 0 && r.TopP == 0 && r.MaxTokens == 0 {
		return nil
	}
	return &llm.Options{Temperature: r.Temperature, TopP: r.TopP, NumPredict: r.MaxTokens}
}

// Response is the collected outcome of a turn (non-streaming view).
type Response struct {
	Model            string        `json:"model"`
	Content          string        `json:"content"`
	ConversationID   string        `json:"conversation_id"`
	Done             bool          `json:"done"`
	DoneReason       string        `json:"done_reason"`
	MemoryUsed       bool          `json:"memory_used"`
	ValidationPassed bool          `json:"validation_passed"`
	IntentID         string        `json:"intent_id,omitempty"`
	Events           []StreamEvent `json:"-"`
}

// Verification is the control stage verdict. Corrections are partial plan
// overrides; the underscore fields ask the caller to confirm a skill action
// instead of running it.
type Verification struct {
	Approved               bool         `json:"approved"`
	Reason                 string       `json:"reason,omitempty"`
	Corrections            *Corrections `json:"corrections,omitempty"`
	Warnings               []string     `json:"warnings,omitempty"`
	NeedsSkillConfirmation bool         `json:"_needs_skill_confirmation,omitempty"`
	SkillName              string       `json:"_skill_name,omitempty"`
}

// Corrections are the plan fields control may override.
type Corrections struct {
	Steps             []PlanStep `json:"steps,omitempty"`
	MemoryKeys        []string   `json:"memory_keys,omitempty"`
	HallucinationRisk string     `json:"hallucination_risk,omitempty"`
}

// SkillSource lists routable skill candidates plus the active ID set.
type SkillSource func(ctx context.Context) ([]contextmgr.Candidate, map[string]bool, error)

// Pipeline wires the stages together. All dependencies are injected; the
// zero value is not usable.
type Pipeline struct {
	cfg        config.Config
	model      *llm.Client
	hub        *mcp.Hub
	exec       *executor.Client
	retriever  *contextmgr.Retriever
	builder    *contextmgr.Builder
	intents    *IntentStore
	plans      *PlanCache
	queue      *Queue
	dispatch   *Dispatcher
	skills     SkillSource
	blueprints SkillSource
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Pipeline. skills and blueprints may be nil, which disables
// the respective routing.
func New(cfg config.Config, model *llm.Client, hub *mcp.Hub, exec *executor.Client,
	retriever *contextmgr.Retriever, builder *contextmgr.Builder,
	intents *IntentStore, plans *PlanCache, queue *Queue,
	skills, blueprints SkillSource, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		model:      model,
		hub:        hub,
		exec:       exec,
		retriever:  retriever,
		builder:    builder,
		intents:    intents,
		plans:      plans,
		queue:      queue,
		dispatch:   NewDispatcher(hub, logger),
		skills:     skills,
		blueprints: blueprints,
		logger:     logging.Default(logger).With("component", "pipeline"),
		now:        time.Now,
	}
}

// Process runs a turn to completion and returns the collected response.
func (p *Pipeline) Process(ctx context.Context, req Request) *Response {
	resp := &Response{Model: p.model.Model(), ConversationID: req.ConversationID}
	for e := range p.ProcessStream(ctx, req) {
		resp.Events = append(resp.Events, e)
		switch e.Kind {
		case EventContent:
			if s, ok := e.Data["text"].(string); ok {
				resp.Content += s
			}
		case EventDone:
			resp.Done = true
			if r, ok := e.Data["reason"].(string); ok {
				resp.DoneReason = r
			}
			if id, ok := e.Data["intent_id"].(string); ok {
				resp.IntentID = id
			}
			if b, ok := e.Data["memory_used"].(bool); ok {
				resp.MemoryUsed = b
			}
			if b, ok := e.Data["validation_passed"].(bool); ok {
				resp.ValidationPassed = b
			}
		}
	}
	return resp
}

// ProcessStream runs a turn, emitting events on the returned channel. The
// channel is closed after the single done event.
func (p *Pipeline) ProcessStream(ctx context.Context, req Request) <-chan StreamEvent {
	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		emit := func(e StreamEvent) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		}
		p.run(ctx, req, emit)
	}()
	return ch
}

func (p *Pipeline) run(ctx context.Context, req Request, emit func(StreamEvent)) {
	done := func(reason string, kv ...any) {
		emit(ev(EventDone, append([]any{"reason", reason}, kv...)...))
	}

	// Confirmation gate runs before anything else. A pending intent owns
	// the conversation until it is resolved.
	if pending := p.intents.Pending(req.ConversationID); pending != nil {
		p.resolveIntent(ctx, req, pending, emit, done)
		return
	}

	raw := req.UserText()
	deep := strings.HasPrefix(raw, "/deep")
	message := strings.TrimSpace(strings.TrimPrefix(raw, "/deep"))
	trigger := classifyTrigger(message)

	skillDecision, skillGateBlocked := p.route(ctx, p.skills, "skill")
	if skillGateBlocked {
		emit(ev(EventControl, "gate", "_skill_gate_blocked"))
	}
	_, blueprintGateBlocked := p.route(ctx, p.blueprints, "blueprint")
	if blueprintGateBlocked {
		emit(ev(EventControl, "gate", "_blueprint_gate_blocked"))
	}

	// Thinking runs first; the plan it yields steers retrieval and dispatch.
	plan := p.think(ctx, message, emit)
	if ctx.Err() != nil {
		done(DoneError, "error", ctx.Err().Error())
		return
	}
	// A closed gate blocks its whole tool class instead of falling through.
	if skillGateBlocked {
		plan = stripTools(plan, skillClassTools)
	}
	if blueprintGateBlocked {
		plan = stripTools(plan, blueprintClassTools)
	}

	// Response-mode policy. Only /deep runs sequential thinking inline; a
	// complex interactive turn defers it and drops the think steps so the
	// answer stays fast.
	switch {
	case deep:
		emit(ev(EventSequentialStart))
		emit(ev(EventSequentialResult, "mode", "deep"))
	case plan != nil && plan.Complexity >= deepComplexity:
		plan = stripTools(plan, sequentialTools)
		emit(ev(EventThinkingDone, "sequential", "_sequential_deferred"))
	default:
		emit(ev(EventThinkingDone))
	}

	retrieved, rerr := p.retriever.GetContext(ctx, p.retrievalQuery(message, trigger, req.ConversationID, plan))
	memory := retrieved.Memory
	if retrieved.Facts != "" {
		memory = strings.TrimSpace(memory + "\n\n" + retrieved.Facts)
	}
	contextBlock := p.builder.BuildSmallModelContext(retrieved.Events, memory, retrieved.Protocol, rerr != nil)
	if retrieved.TemporalGuard {
		contextBlock = contextmgr.ProtocolHeader(p.now(), retrieved.Protocol) + "\n\n" + contextBlock
	}

	// Control verdict before any tool runs. Corrections override the plan;
	// a confirmation request parks the turn as a pending intent.
	confirm := confirmableCall(plan)
	verdict := p.verify(ctx, message, plan, confirm != nil, emit)
	if !verdict.Approved {
		emit(ev(EventContent, "text", "Diese Anfrage wurde von der Kontrollstufe abgelehnt."))
		done(DoneBlocked, "memory_used", retrieved.MemoryUsed, "validation_passed", false)
		return
	}
	plan = applyCorrections(plan, verdict.Corrections)
	if verdict.Corrections != nil && len(verdict.Corrections.MemoryKeys) > 0 {
		if facts, n := p.retriever.LookupFacts(ctx, verdict.Corrections.MemoryKeys); n > 0 {
			contextBlock += "\n\n[jit_memory]\n" + facts
			emit(workspaceEvent(req.ConversationID, "jit_memory", facts, "control"))
		}
	}

	if confirm != nil || verdict.NeedsSkillConfirmation {
		name := verdict.SkillName
		var code any
		if confirm != nil {
			if n, ok := confirm.Args["name"].(string); ok && n != "" {
				name = n
			}
			code = confirm.Args["code"]
		}
		intent := p.intents.Create(req.ConversationID, "autonomous_skill_task", map[string]any{
			"name":          name,
			"code":          code,
			"user_text":     message,
			"thinking_plan": planSnapshot(plan),
			"prefer_create": true,
		})
		emit(ev(EventContent, "text",
			fmt.Sprintf("Soll ich den Skill %q erstellen? Bitte mit ja oder nein antworten.", name)))
		done(DoneConfirmationPending, "intent_id", intent.ID,
			"memory_used", retrieved.MemoryUsed, "validation_passed", true)
		return
	}

	var calls []ToolCall
	if plan != nil {
		for _, step := range plan.Steps {
			calls = append(calls, ToolCall{Tool: step.Tool, Args: step.Args})
		}
	}
	if skillDecision.Mode == contextmgr.RouteUse {
		emit(workspaceEvent(req.ConversationID, "skill_routed",
			skillDecision.Selected[0].Name, "context_retrieval"))
	}
	emit(ev(EventToolSelection, "tools", toolNames(calls)))

	outcomes := p.dispatch.Dispatch(ctx, calls, Turn{
		UserText:       message,
		ConversationID: req.ConversationID,
		TemporalGuard:  retrieved.TemporalGuard,
	}, emit)
	if ctx.Err() != nil {
		done(DoneError, "error", ctx.Err().Error())
		return
	}

	prompt := contextBlock
	if toolCtx := BuildToolContext(outcomes, p.cfg.SmallModel); toolCtx != "" {
		prompt += "\n\n" + toolCtx
	}
	prompt = FinalizePrompt(prompt, p.cfg.SmallModel)

	msgs := append([]llm.Message{{Role: "system", Content: prompt}}, req.Messages...)
	answer, err := p.model.ChatStream(ctx, msgs, req.options(), func(chunk string) error {
		emit(ev(EventContent, "text", chunk))
		return ctx.Err()
	})
	if err != nil {
		p.logger.Error("output generation failed", "error", err)
		done(DoneError, "error", err.Error())
		return
	}

	p.memorySave(ctx, req, message, trigger, plan, outcomes, answer, emit)
	done(DoneStop, "memory_used", retrieved.MemoryUsed, "validation_passed", true)
}

// retrievalQuery folds the plan hints into the retrieval query.
func (p *Pipeline) retrievalQuery(message, trigger, conversationID string, plan *Plan) contextmgr.Query {
	q := contextmgr.Query{Text: message, Trigger: trigger, ConversationID: conversationID}
	if plan != nil {
		q.NeedsMemory = plan.NeedsMemory
		q.MemoryKeys = plan.MemoryKeys
	} else {
		// Without a plan there is nothing to steer by; retrieve anyway.
		q.NeedsMemory = true
	}
	return q
}

// resolveIntent handles the turn after a confirmation question.
func (p *Pipeline) resolveIntent(ctx context.Context, req Request, pending *Intent, emit func(StreamEvent), done func(string, ...any)) {
	switch ClassifyAnswer(req.UserText()) {
	case AnswerYes:
		intent, ok := p.intents.Resolve(req.ConversationID, AnswerYes)
		if !ok {
			done(DoneError, "error", "intent vanished")
			return
		}
		p.executeIntent(ctx, intent, emit, done)
	case AnswerNo:
		p.intents.Resolve(req.ConversationID, AnswerNo)
		emit(ev(EventContent, "text", "Okay, ich verwerfe das."))
		done(DoneStop, "intent_id", pending.ID)
	default:
		emit(ev(EventContent, "text",
			"Rückfrage: Es gibt noch eine offene Aktion. Bitte mit ja oder nein antworten."))
		done(DoneConfirmationPending, "intent_id", pending.ID)
	}
}

// executeIntent runs a confirmed skill creation: the hub's autonomous task
// builds the skill, the executor installs it into the sandbox.
func (p *Pipeline) executeIntent(ctx context.Context, intent *Intent, emit func(StreamEvent), done func(string, ...any)) {
	name, _ := intent.Params["name"].(string)

	res, err := p.hub.Call(ctx, "autonomous_skill_task", map[string]any{
		"name":          name,
		"user_text":     intent.Params["user_text"],
		"thinking_plan": intent.Params["thinking_plan"],
		"prefer_create": true,
	})
	if err == nil && !res.IsError {
		if _, ierr := p.exec.InstallSkill(ctx, name); ierr != nil {
			p.logger.Warn("skill created but install failed", "skill", name, "error", ierr)
		}
		p.intents.Transition(intent.ID, IntentExecuted)
		p.reconcileSkillGraph(ctx, name, intent.ID)
		emit(workspaceEvent(intent.ConversationID, "skill_created",
			fmt.Sprintf("Skill %q wurde erstellt.", name), "intent_executor", "skill", name))
		emit(ev(EventContent, "text", fmt.Sprintf("Der Skill %q wurde erstellt.", name)))
		done(DoneConfirmationExecuted, "intent_id", intent.ID)
		return
	}

	p.intents.Transition(intent.ID, IntentFailed)
	detail := "unbekannter Fehler"
	if err != nil {
		detail = err.Error()
	} else if res.Text != "" {
		detail = res.Text
	}
	p.logger.Error("intent execution failed", "intent_id", intent.ID, "error", detail)
	emit(ev(EventContent, "text", fmt.Sprintf("Die Aktion ist fehlgeschlagen: %s", detail)))
	done(DoneError, "intent_id", intent.ID)
}

// reconcileSkillGraph mirrors a freshly created skill into the memory graph
// so the router's candidate listing and the executor agree on what exists.
// Best-effort: the executor is the source of truth for skills.
func (p *Pipeline) reconcileSkillGraph(ctx context.Context, name, intentID string) {
	if !p.cfg.SkillGraphReconcile {
		return
	}
	skillKey := name
	if p.cfg.SkillKeyMode == "legacy" {
		skillKey = "skill-" + intentID
	}
	_, err := p.hub.Call(ctx, "memory_save", map[string]any{
		"text": fmt.Sprintf("Skill %q wurde erstellt.", name),
		"meta": map[string]any{"skill_key": skillKey, "kind": "skill"},
	})
	if err != nil {
		p.logger.Warn("skill graph reconcile failed", "skill", name, "error", err)
	}
}

// think runs the thinking stage: cached plan lookup, model call on miss.
// A failed thinking stage degrades to a plan-free direct answer.
func (p *Pipeline) think(ctx context.Context, message string, emit func(StreamEvent)) *Plan {
	plan, err := p.plans.Get(PlanKey(message), func() (*Plan, error) {
		var out Plan
		msgs := []llm.Message{
			{Role: "system", Content: thinkingPrompt(p.hub.Names())},
			{Role: "user", Content: message},
		}
		if err := p.model.ChatJSON(ctx, msgs, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		p.logger.Warn("thinking stage failed, continuing without plan", "error", err)
		emit(ev(EventThinkingStream, "text", ""))
		return nil
	}
	emit(ev(EventThinkingStream, "intent", plan.Intent, "complexity", plan.Complexity))
	return plan
}

// verify runs the control stage and returns its verdict. Low-risk turns skip
// control when configured, except that confirmable actions are always
// checked. The gate fails closed for confirmable actions: an unreachable
// control model yields approved=false there, approved-with-warning otherwise.
func (p *Pipeline) verify(ctx context.Context, message string, plan *Plan, confirmable bool, emit func(StreamEvent)) *Verification {
	if !p.cfg.ControlEnable {
		return &Verification{Approved: true}
	}
	if !confirmable && p.cfg.SkipControlLowRisk && isLowRisk(plan) {
		emit(ev(EventControl, "verdict", "skipped_low_risk"))
		return &Verification{Approved: true}
	}

	user := message
	if plan != nil {
		if snap, err := json.Marshal(planSnapshot(plan)); err == nil {
			user += "\n\nPlan:\n" + string(snap)
		}
	}
	var verdict Verification
	msgs := []llm.Message{
		{Role: "system", Content: controlPrompt()},
		{Role: "user", Content: user},
	}
	if err := p.model.ChatJSON(ctx, msgs, &verdict); err != nil {
		p.logger.Error("control stage unreachable", "error", err)
		if confirmable {
			emit(ev(EventControl, "verdict", "blocked", "reason", "control_unreachable"))
			return &Verification{Approved: false, Reason: "control_unreachable"}
		}
		emit(ev(EventControl, "verdict", "error_open", "reason", err.Error()))
		return &Verification{Approved: true, Warnings: []string{"control_unreachable"}}
	}
	switch {
	case verdict.NeedsSkillConfirmation:
		emit(ev(EventControl, "verdict", "needs_confirmation", "skill", verdict.SkillName))
	case verdict.Approved:
		emit(ev(EventControl, "verdict", "allow", "warnings", verdict.Warnings))
	default:
		emit(ev(EventControl, "verdict", "blocked", "reason", verdict.Reason))
	}
	return &verdict
}

// applyCorrections overlays the control corrections onto the plan. Only the
// fields control set are replaced.
func applyCorrections(plan *Plan, c *Corrections) *Plan {
	if c == nil {
		return plan
	}
	if plan == nil {
		plan = &Plan{}
	}
	out := *plan
	if len(c.Steps) > 0 {
		out.Steps = c.Steps
	}
	if len(c.MemoryKeys) > 0 {
		out.MemoryKeys = c.MemoryKeys
	}
	if c.HallucinationRisk != "" {
		out.HallucinationRisk = c.HallucinationRisk
	}
	return &out
}

// route applies the trust-filtered router to one candidate source. A failing
// source is a closed gate: nothing from that class routes this turn.
func (p *Pipeline) route(ctx context.Context, src SkillSource, class string) (contextmgr.Decision, bool) {
	if src == nil {
		return contextmgr.Decision{Mode: contextmgr.RouteNone}, false
	}
	cands, active, err := src(ctx)
	if err != nil {
		p.logger.Warn("candidate source failed, gate closed", "class", class, "error", err)
		return contextmgr.Decision{Mode: contextmgr.RouteNone}, true
	}
	return contextmgr.Route(cands, active), false
}

// skillClassTools and blueprintClassTools are the tool classes a closed
// router gate removes from the plan.
var skillClassTools = map[string]bool{
	"create_skill":          true,
	"run_skill":             true,
	"list_skills":           true,
	"get_skill_info":        true,
	"autonomous_skill_task": true,
}

var blueprintClassTools = map[string]bool{
	"blueprint_semantic_search": true,
	"blueprint_list":            true,
}

// sequentialTools are the inline think steps a deferring turn drops.
var sequentialTools = map[string]bool{
	"sequential_thinking": true,
	"sequentialthinking":  true,
}

// stripTools removes every step whose tool is in the given class.
func stripTools(plan *Plan, class map[string]bool) *Plan {
	if plan == nil {
		return nil
	}
	kept := plan.Steps[:0:0]
	for _, s := range plan.Steps {
		if !class[s.Tool] {
			kept = append(kept, s)
		}
	}
	out := *plan
	out.Steps = kept
	return &out
}

// memorySave persists the turn after output. A plan-flagged new fact is
// saved under its key, a remember-trigger saves the user text, and the
// generated answer lands in conversation memory. Suppressed entirely when
// the conversation has a pending intent or the turn produced failure
// markers; a half-done turn must not become remembered truth.
func (p *Pipeline) memorySave(ctx context.Context, req Request, message, trigger string, plan *Plan, outcomes []ToolOutcome, answer string, emit func(StreamEvent)) {
	if p.intents.Pending(req.ConversationID) != nil || HasFailureMarkers(outcomes) {
		p.logger.Info("memory save suppressed",
			"pending_intent", p.intents.Pending(req.ConversationID) != nil,
			"failures", HasFailureMarkers(outcomes))
		return
	}

	switch {
	case plan != nil && plan.IsNewFact && plan.NewFactKey != "":
		if _, err := p.hub.Call(ctx, "memory_fact_save", map[string]any{
			"text": plan.NewFactKey + ": " + plan.NewFactValue,
			"key":  plan.NewFactKey,
		}); err != nil {
			p.logger.Warn("fact save failed", "key", plan.NewFactKey, "error", err)
		} else {
			emit(workspaceEvent(req.ConversationID, "fact_saved", plan.NewFactKey, "memory_save"))
		}
	case trigger == "remember":
		if _, err := p.hub.Call(ctx, "memory_fact_save", map[string]any{"text": message}); err != nil {
			p.logger.Warn("fact save failed", "error", err)
		}
	}

	if answer != "" {
		pieces := []string{answer}
		if p.cfg.ChunkingEnable && len(answer) > p.cfg.ChunkingThreshold {
			pieces = chunk.Split(answer, p.cfg.ChunkingThreshold)
		}
		for _, piece := range pieces {
			if _, err := p.hub.Call(ctx, "memory_save", map[string]any{
				"text": piece,
				"meta": map[string]any{"conversation_id": req.ConversationID, "role": "assistant"},
			}); err != nil {
				p.logger.Warn("memory save failed", "error", err)
				return
			}
		}
	}

	// Embedding happens off-turn; a dead queue falls back to doing nothing
	// now and letting the next drain pick the text up from the graph side.
	if p.queue != nil && answer != "" {
		if _, err := p.queue.Enqueue("embed", answer, map[string]any{
			"conversation_id": req.ConversationID,
		}); err != nil {
			p.logger.Warn("embed enqueue failed, skipping deferred embedding", "error", err)
		}
	}
}

// planSnapshot copies the plan into a plain map for intent persistence,
// leaving out volatile fields like the cache timestamp.
func planSnapshot(plan *Plan) map[string]any {
	if plan == nil {
		return nil
	}
	steps := make([]map[string]any, len(plan.Steps))
	for i, s := range plan.Steps {
		steps[i] = map[string]any{"tool": s.Tool, "args": s.Args, "rationale": s.Rationale}
	}
	return map[string]any{"steps": steps, "complexity": plan.Complexity, "intent": plan.Intent}
}

// confirmableCall returns the skill-creating step of a plan, if any. Both
// the direct create and the autonomous task are confirmable: each ends with
// a new skill on disk.
func confirmableCall(plan *Plan) *PlanStep {
	if plan == nil {
		return nil
	}
	for i := range plan.Steps {
		switch plan.Steps[i].Tool {
		case "create_skill", "autonomous_skill_task":
			return &plan.Steps[i]
		}
	}
	return nil
}

// readOnlyTools never mutate anything and count as low risk.
var readOnlyTools = map[string]bool{
	"memory_search_layered":     true,
	"memory_semantic_search":    true,
	"memory_graph_search":       true,
	"memory_fact_load":          true,
	"blueprint_semantic_search": true,
	"container_stats":           true,
	"container_logs":            true,
	"snapshot_list":             true,
	"blueprint_list":            true,
	"list_skills":               true,
	"get_skill_info":            true,
	"home_read":                 true,
	"home_list":                 true,
}

func isLowRisk(plan *Plan) bool {
	if plan == nil {
		return true
	}
	for _, step := range plan.Steps {
		if !readOnlyTools[step.Tool] {
			return false
		}
	}
	return true
}

func toolNames(calls []ToolCall) []string {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Tool)
	}
	return names
}

// classifyTrigger maps a message onto the retrieval trigger vocabulary.
func classifyTrigger(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "merk dir") || strings.Contains(m, "merke dir") ||
		strings.Contains(m, "remember that") || strings.Contains(m, "nicht vergessen"):
		return "remember"
	case strings.Contains(m, "heute") || strings.Contains(m, "gestern") ||
		strings.Contains(m, "today") || strings.Contains(m, "yesterday") ||
		strings.Contains(m, "letzte woche") || strings.Contains(m, "last week"):
		return "time_reference"
	case strings.Contains(m, "was weißt du") || strings.Contains(m, "erinnerst du dich") ||
		strings.Contains(m, "what do you know") || strings.Contains(m, "do you remember"):
		return "fact_recall"
	default:
		return ""
	}
}

func thinkingPrompt(tools []string) string {
	return fmt.Sprintf(`Du bist die Planungsstufe eines Assistenten.
Antworte ausschließlich mit JSON:
{"intent": "...", "steps": [{"tool": ..., "args": {...}}], "complexity": 1-10,
 "needs_memory": true/false, "memory_keys": ["..."], "hallucination_risk": "low|medium|high",
 "needs_sequential_thinking": true/false,
 "is_new_fact": true/false, "new_fact_key": "...", "new_fact_value": "..."}
Die steps sind die vorgeschlagenen Tools in Ausführungsreihenfolge.
Verfügbare Tools: %s`, strings.Join(tools, ", "))
}

func controlPrompt() string {
	return `Du bist die Kontrollstufe. Prüfe Anfrage und Plan auf destruktive oder riskante Aktionen.
Antworte ausschließlich mit JSON:
{"approved": true/false, "reason": "...",
 "corrections": {"steps": [...], "memory_keys": [...], "hallucination_risk": "..."},
 "warnings": ["..."],
 "_needs_skill_confirmation": true/false, "_skill_name": "..."}.
Korrekturen überschreiben nur die genannten Planfelder.`
}
