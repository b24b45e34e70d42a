package pipeline

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"engram/internal/logging"
)

// IntentState is the lifecycle state of a confirmable intent.
type IntentState string

const (
	IntentPending   IntentState = "PENDING_CONFIRMATION"
	IntentConfirmed IntentState = "CONFIRMED"
	IntentRejected  IntentState = "REJECTED"
	IntentExecuted  IntentState = "EXECUTED"
	IntentFailed    IntentState = "FAILED"
)

// Intent is a deferred action waiting for an explicit user yes or no.
type Intent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	State          IntentState    `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Confirmation phrase lists. Matching is closed: anything not on either
// list is neither a yes nor a no, and the pending intent stays pending.
// Free-text interpretation by the model is deliberately not used here; a
// destructive action must not fire off a misread.
var (
	affirmations = []string{
		"ja", "ja bitte", "ja gerne", "jawohl", "klar", "mach das", "mach es",
		"ok", "okay", "passt", "bitte",
		"yes", "yes please", "sure", "do it", "go ahead",
	}
	negations = []string{
		"nein", "nee", "nicht", "lieber nicht", "nein danke", "abbrechen", "abbruch",
		"stopp", "stop", "no", "cancel", "no thanks", "don't",
	}
)

// Answer classifies a confirmation reply.
type Answer int

const (
	AnswerUnclear Answer = iota
	AnswerYes
	AnswerNo
)

// ClassifyAnswer matches a message against the closed phrase lists.
func ClassifyAnswer(message string) Answer {
	norm := strings.ToLower(strings.TrimSpace(message))
	norm = strings.Trim(norm, ".!?, ")
	for _, a := range affirmations {
		if norm == a {
			return AnswerYes
		}
	}
	for _, n := range negations {
		if norm == n {
			return AnswerNo
		}
	}
	return AnswerUnclear
}

// IntentStore persists intents across process restarts. One pending intent
// per conversation at a time; creating a new one supersedes the old.
type IntentStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	intents map[string]*Intent // by ID
}

// NewIntentStore loads (or initializes) the store at path.
func NewIntentStore(path string, logger *slog.Logger) *IntentStore {
	s := &IntentStore{
		path:    path,
		logger:  logging.Default(logger).With("component", "intent-store"),
		intents: map[string]*Intent{},
	}
	s.load()
	return s
}

func (s *IntentStore) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var list []*Intent
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("intent store corrupt, starting empty", "error", err)
		return
	}
	for _, it := range list {
		s.intents[it.ID] = it
	}
}

func (s *IntentStore) write() {
	list := make([]*Intent, 0, len(s.intents))
	for _, it := range s.intents {
		list = append(list, it)
	}
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.logger.Error("intent store write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("intent store rename failed", "error", err)
	}
}

// Create registers a new pending intent, superseding any pending intent in
// the same conversation.
func (s *IntentStore) Create(conversationID, action string, params map[string]any) *Intent {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.intents {
		if it.ConversationID == conversationID && it.State == IntentPending {
			it.State = IntentRejected
		}
	}
	it := &Intent{
		ID:             uuid.NewString()[:8],
		ConversationID: conversationID,
		Action:         action,
		Params:         params,
		State:          IntentPending,
		CreatedAt:      time.Now().UTC(),
	}
	s.intents[it.ID] = it
	s.write()
	s.logger.Info("intent created", "intent_id", it.ID, "action", action)
	return it
}

// Pending returns the pending intent for a conversation, if any.
func (s *IntentStore) Pending(conversationID string) *Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.intents {
		if it.ConversationID == conversationID && it.State == IntentPending {
			return it
		}
	}
	return nil
}

// Resolve applies a yes/no answer to the pending intent. Yes moves it to
// CONFIRMED exactly once; a second yes on the same intent is a no-op that
// returns false. Unclear answers leave the intent pending.
func (s *IntentStore) Resolve(conversationID string, answer Answer) (*Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending *Intent
	for _, it := range s.intents {
		if it.ConversationID == conversationID && it.State == IntentPending {
			pending = it
			break
		}
	}
	if pending == nil {
		return nil, false
	}
	switch answer {
	case AnswerYes:
		pending.State = IntentConfirmed
	case AnswerNo:
		pending.State = IntentRejected
	default:
		return pending, false
	}
	s.write()
	return pending, true
}

// Transition moves an intent to a terminal execution state.
func (s *IntentStore) Transition(id string, state IntentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.intents[id]; ok {
		it.State = state
		s.write()
	}
}

// Get returns an intent by ID.
func (s *IntentStore) Get(id string) (*Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.intents[id]
	return it, ok
}

// Path returns the backing file path.
func (s *IntentStore) Path() string { return filepath.Clean(s.path) }
