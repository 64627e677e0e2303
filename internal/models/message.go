package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// InvocationStatus reports whether a tool call succeeded.
type InvocationStatus string

const (
	InvocationSuccess InvocationStatus = "success"
	InvocationError   InvocationStatus = "error"
)

// ToolInvocation records one tool call made during a turn: the arguments the
// model supplied and either the result payload or a structured error. It is
// embedded in the tool-role message that reports it, never stored on its own.
type ToolInvocation struct {
	CallID    string           `json:"call_id,omitempty"`
	ToolName  string           `json:"tool_name"`
	Arguments json.RawMessage  `json:"arguments,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Status    InvocationStatus `json:"status"`
}

// Message is one entry in a conversation. Messages are immutable once
// committed; a turn appends new rows, never edits old ones. Ordering within a
// conversation is (created_at, seq), with seq assigned monotonically at
// commit time.
type Message struct {
	ID             int64            `json:"id"`
	ConversationID int64            `json:"conversation_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Invocations    []ToolInvocation `json:"tool_invocations,omitempty"`
	Seq            int64            `json:"seq"`
	CreatedAt      time.Time        `json:"created_at"`
}
