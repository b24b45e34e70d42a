package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Stream event kinds, in rough emission order. Every stream ends with
// exactly one done event; nothing follows it.
const (
	EventToolSelection    = "tool_selection"
	EventThinkingStream   = "thinking_stream"
	EventThinkingDone     = "thinking_done"
	EventSequentialStart  = "sequential_start"
	EventSequentialResult = "sequential_result"
	EventControl          = "control"
	EventWorkspaceUpdate  = "workspace_update"
	EventToolStart        = "tool_start"
	EventToolResult       = "tool_result"
	EventContent          = "content"
	EventDone             = "done"
)

// Terminal reasons carried by the done event.
const (
	DoneStop                 = "stop"
	DoneBlocked              = "blocked"
	DoneError                = "error"
	DoneConfirmationPending  = "confirmation_pending"
	DoneConfirmationExecuted = "confirmation_executed"
)

// StreamEvent is one event on a chat stream.
type StreamEvent struct {
	Kind string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func ev(kind string, kv ...any) StreamEvent {
	e := StreamEvent{Kind: kind}
	if len(kv) > 0 {
		e.Data = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Data[kv[i].(string)] = kv[i+1]
		}
	}
	return e
}

// workspaceEvent builds a workspace_update event. Every update carries the
// same six keys so downstream observers can persist them uniformly; extra
// key/value pairs are appended after them.
func workspaceEvent(conversationID, entryType, content, sourceLayer string, kv ...any) StreamEvent {
	base := []any{
		"entry_id", uuid.NewString(),
		"content", content,
		"entry_type", entryType,
		"source_layer", sourceLayer,
		"conversation_id", conversationID,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	return ev(EventWorkspaceUpdate, append(base, kv...)...)
}
