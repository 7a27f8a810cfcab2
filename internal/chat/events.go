package chat

import "encoding/json"

// Event names emitted over the stream.
const (
	EventToken     = "token"
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventUpdate    = "update"
	EventError     = "error"
	EventDone      = "done"
)

// Event is one streamed occurrence. Payload is one of the payload structs
// below, chosen by Name.
type Event struct {
	Name    string
	Payload any
}

// TokenPayload carries one text delta.
type TokenPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload announces a tool invocation. MessageID is the persisted
// transcript row, written before the event is emitted.
type ToolStartPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
	MessageID  int64           `json:"message_id"`
}

// ToolEndPayload reports a tool result. Output is set when OK; Error holds
// the failure message otherwise.
type ToolEndPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	OK         bool            `json:"ok"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	MessageID  int64           `json:"message_id"`
}

// UpdatePayload is a coarse progress note between model turns.
type UpdatePayload struct {
	Note string `json:"note"`
}

// ErrorPayload terminates a stream that failed. Traceback carries a bounded
// stack trace when the failure came from a recovered panic.
type ErrorPayload struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// DonePayload closes a successful stream with the persisted assistant turn.
type DonePayload struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Content        string `json:"content"`
}
