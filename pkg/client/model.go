// Package client is the SDK side of the bridge: it speaks the wire
// protocol over WebSocket, rebuilds an ordered in-memory conversation from
// streaming updates, rectifies overlapping chunks, tracks tool-call
// lifecycles, and exposes a notification API with strict arrival ordering.
package client

import (
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// PartKind discriminates assistant content parts.
type PartKind int

const (
	TextPartKind PartKind = iota
	ThoughtPartKind
	ToolCallPartKind
)

// Part is one element of an assistant message's ordered content.
type Part struct {
	Kind     PartKind
	Text     string    // TextPartKind and ThoughtPartKind accumulate here
	ToolCall *ToolCall // ToolCallPartKind
}

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	StatusQueued    ToolStatus = "queued"
	StatusRunning   ToolStatus = "running"
	StatusCompleted ToolStatus = "completed"
	StatusFailed    ToolStatus = "failed"
	StatusCancelled ToolStatus = "cancelled"
)

// Terminal reports whether the status fires a tool-completed event.
func (s ToolStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Diff is the normalized form of any diff payload shape the agent sends.
type Diff struct {
	Path          string `json:"path,omitempty"`
	Unified       string `json:"unified"`
	OldTextLength *int   `json:"oldTextLength,omitempty"`
	NewTextLength *int   `json:"newTextLength,omitempty"`
}

// ToolCall is one tool invocation within an assistant message. ID is unique
// within the message.
type ToolCall struct {
	ID          string
	Name        string
	Title       string
	Status      ToolStatus
	Input       string
	Args        any
	Description string
	WorkingDir  string
	Result      string
	Diff        *Diff
	Timestamp   int64
	Seq         int64
}

// AssistantMessage is the client-side model of one assistant turn. Content
// is the canonical ordered sequence; Text and Thought are flat accumulators
// kept for backward-compatible consumers.
type AssistantMessage struct {
	ID         string
	Role       string
	Content    []Part
	Text       string
	Thought    string
	ToolCalls  []*ToolCall
	StopReason string
	Hidden     bool
	Timestamp  int64
	Seq        int64

	finalized bool
}

// FindToolCall locates a call by id, or nil.
func (m *AssistantMessage) FindToolCall(id string) *ToolCall {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return tc
		}
	}
	return nil
}

// lastPart returns the final content part, or nil for an empty message.
func (m *AssistantMessage) lastPart() *Part {
	if len(m.Content) == 0 {
		return nil
	}
	return &m.Content[len(m.Content)-1]
}

// UserMessage is a locally-recorded or replayed user prompt.
type UserMessage struct {
	ID        string
	Role      string
	Text      string
	Hidden    bool
	Timestamp int64
	Seq       int64
}

// Message is either a *UserMessage or an *AssistantMessage, in
// conversation order.
type Message any

// PendingApproval is a tool authorization awaiting the host's choice.
type PendingApproval struct {
	RequestID *wire.ID
	ToolCall  *ToolCall
	Options   []wire.PermissionOption
}

// StructuredEvent is a typed payload extracted from the assistant's text
// stream by the bridge.
type StructuredEvent struct {
	Type    string
	Payload []byte
	Error   string
	Raw     string
}

// Meta carries ordering metadata on every emitted notification. Seq is
// strictly monotonic and is the authoritative order for interleaving chat
// messages with side-channel events; timestamps are advisory.
type Meta struct {
	Seq       int64
	Timestamp int64
	// Replay fields, set when the event arrived via a replay envelope.
	Replayed bool
	ReplayID string
}

// Handlers are the host application's notification callbacks. Nil
// callbacks are skipped.
type Handlers struct {
	OnUserMessage       func(*UserMessage, Meta)
	OnAssistantDelta    func(msg *AssistantMessage, delta string, thought bool, meta Meta)
	OnAssistantFinal    func(*AssistantMessage, Meta)
	OnToolCall          func(*AssistantMessage, *ToolCall, Meta)
	OnToolCompleted     func(*AssistantMessage, *ToolCall, Meta)
	OnStructuredEvent   func(StructuredEvent, Meta)
	OnPermissionRequest func(*PendingApproval, Meta)
	OnAuthURL           func(string, Meta)
	OnTurnCompleted     func(reason string, meta Meta)
}
