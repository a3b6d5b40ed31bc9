package wire

import (
	"encoding/json"
	"fmt"
)

// HiddenMode controls per-turn UI suppression. The mode rides on the prompt
// that opened the turn and is inherited by every event of that turn.
type HiddenMode string

const (
	HiddenNone      HiddenMode = "none"
	HiddenUser      HiddenMode = "user"
	HiddenAssistant HiddenMode = "assistant"
	HiddenTurn      HiddenMode = "turn"
)

// ParseHiddenMode normalizes a metadata hint into a HiddenMode.
// Unrecognized values fall back to HiddenNone.
func ParseHiddenMode(s string) HiddenMode {
	switch HiddenMode(s) {
	case HiddenUser, HiddenAssistant, HiddenTurn:
		return HiddenMode(s)
	}
	return HiddenNone
}

// SuppressesUser reports whether user-side emissions are hidden.
func (m HiddenMode) SuppressesUser() bool {
	return m == HiddenUser || m == HiddenTurn
}

// SuppressesAssistant reports whether assistant-side emissions are hidden.
// Suppressed turns also auto-reject permission requests.
func (m HiddenMode) SuppressesAssistant() bool {
	return m == HiddenAssistant || m == HiddenTurn
}

// ContentBlock is a prompt or update content element. Only text blocks are
// produced by the bridge; other types pass through untouched.
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// PromptMeta is the bridge-recognized metadata on a prompt content block.
type PromptMeta struct {
	Hidden string `json:"hidden,omitempty"`
}

// PromptParams are the params of a session/prompt request.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// HiddenMode reads the hidden-mode hint from the first prompt item's
// metadata.
func (p *PromptParams) HiddenMode() HiddenMode {
	if len(p.Prompt) == 0 || len(p.Prompt[0].Meta) == 0 {
		return HiddenNone
	}
	var meta PromptMeta
	if err := json.Unmarshal(p.Prompt[0].Meta, &meta); err != nil {
		return HiddenNone
	}
	return ParseHiddenMode(meta.Hidden)
}

// StripMeta removes the hidden-mode metadata before the prompt reaches the
// subprocess. Returns params unchanged when nothing was stripped.
func (p *PromptParams) StripMeta() {
	for i := range p.Prompt {
		p.Prompt[i].Meta = nil
	}
}

// SessionUpdate is the payload of a session/update notification.
type SessionUpdate struct {
	SessionID string       `json:"sessionId,omitempty"`
	Update    UpdateDetail `json:"update"`
}

// UpdateDetail discriminates on SessionUpdate ("sessionUpdate" in JSON).
// Content stays raw: chunk updates carry a single content block, tool-call
// updates carry an array of content items.
type UpdateDetail struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Name          string          `json:"name,omitempty"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	StopReason    string          `json:"stopReason,omitempty"`
}

// TextContent decodes the content as a single text block, as carried by
// agent_message_chunk and agent_thought_chunk updates.
func (d *UpdateDetail) TextContent() (string, bool) {
	if len(d.Content) == 0 {
		return "", false
	}
	var block ContentBlock
	if err := json.Unmarshal(d.Content, &block); err != nil {
		return "", false
	}
	return block.Text, true
}

// SetTextContent replaces the content with a single text block.
func (d *UpdateDetail) SetTextContent(text string) {
	raw, _ := json.Marshal(ContentBlock{Type: "text", Text: text})
	d.Content = raw
}

// StopResult is a response result carrying a stop reason, which ends a turn.
type StopResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// PermissionOption is one selectable outcome of a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
	Label    string `json:"label,omitempty"`
}

// PermissionParams are the params of session/request_permission.
type PermissionParams struct {
	SessionID string             `json:"sessionId,omitempty"`
	ToolCall  json.RawMessage    `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the doubly-signalled resolution of a permission
// request: sent as the response result and mirrored as a
// session/provide_permission notification.
type PermissionOutcome struct {
	Outcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId"`
	} `json:"outcome"`
}

// SelectedOutcome builds the canonical "selected" outcome for an option.
func SelectedOutcome(optionID string) PermissionOutcome {
	var o PermissionOutcome
	o.Outcome.Outcome = "selected"
	o.Outcome.OptionID = optionID
	return o
}

// AuthURLParams are the params of a gemini/authUrl announcement.
type AuthURLParams struct {
	URL string `json:"url"`
}

// AuthCodeParams are the params of gemini/submitAuthCode.
type AuthCodeParams struct {
	Code string `json:"code"`
}

// StructuredEventParams are the params of bridge/structured_event frames
// extracted from tagged regions of the assistant text stream.
type StructuredEventParams struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Raw     string          `json:"raw,omitempty"`
}

// ReplayParams wrap a stored historical frame for late joiners.
type ReplayParams struct {
	Timestamp int64           `json:"timestamp"`
	ReplayID  string          `json:"replayId"`
	Data      json.RawMessage `json:"data"`
}

// Non-protocol keys smuggled inside a replay envelope's data so a
// reconnecting client can reconstitute per-turn hidden behavior.
const (
	replayTurnKey   = "_turn"
	replayHiddenKey = "_hidden"
)

// WrapReplay envelopes a frame with its original timestamp, turn id and
// hidden mode. The index disambiguates frames sharing a millisecond.
func WrapReplay(f Frame, ts int64, index int, turn int64, hidden HiddenMode) (Frame, error) {
	inner, err := json.Marshal(f)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal replay data: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(inner, &m); err != nil {
		return Frame{}, fmt.Errorf("reshape replay data: %w", err)
	}
	m[replayTurnKey], _ = json.Marshal(turn)
	m[replayHiddenKey], _ = json.Marshal(hidden)
	data, err := json.Marshal(m)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal replay data: %w", err)
	}
	return NewNotification(MethodReplay, ReplayParams{
		Timestamp: ts,
		ReplayID:  fmt.Sprintf("%d-%d", ts, index),
		Data:      data,
	})
}

// UnwrapReplay extracts the inner frame plus its turn id and hidden mode
// from a replay envelope's data.
func UnwrapReplay(p ReplayParams) (Frame, int64, HiddenMode, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(p.Data, &m); err != nil {
		return Frame{}, 0, HiddenNone, fmt.Errorf("parse replay data: %w", err)
	}
	var turn int64
	if raw, ok := m[replayTurnKey]; ok {
		_ = json.Unmarshal(raw, &turn)
		delete(m, replayTurnKey)
	}
	hidden := HiddenNone
	if raw, ok := m[replayHiddenKey]; ok {
		var s string
		_ = json.Unmarshal(raw, &s)
		hidden = ParseHiddenMode(s)
		delete(m, replayHiddenKey)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Frame{}, 0, HiddenNone, fmt.Errorf("reshape replay data: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return Frame{}, 0, HiddenNone, err
	}
	return f, turn, hidden, nil
}
