package client

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// emission is a deferred handler invocation. The reconstructor mutates
// state under the client mutex and returns emissions; the client fires them
// after unlocking, in order, so handlers observe strict arrival ordering
// without holding the lock.
type emission func(h Handlers)

// reconstructor rebuilds the conversation from wire frames. It is not
// safe for concurrent use; the owning client serializes access.
type reconstructor struct {
	diffContext int
	now         func() int64

	messages  []Message
	current   *AssistantMessage
	approvals map[string]*PendingApproval
	hidden    wire.HiddenMode
	seq       int64
	turnOpen  bool
}

func newReconstructor(diffContext int, now func() int64) *reconstructor {
	return &reconstructor{
		diffContext: diffContext,
		now:         now,
		approvals:   make(map[string]*PendingApproval),
	}
}

func (r *reconstructor) nextSeq() int64 {
	r.seq++
	return r.seq
}

func (r *reconstructor) meta(replayed bool, replayID string) Meta {
	return Meta{
		Seq:       r.nextSeq(),
		Timestamp: r.now(),
		Replayed:  replayed,
		ReplayID:  replayID,
	}
}

// ensureCurrent opens an assistant message for the turn if none is open.
func (r *reconstructor) ensureCurrent() *AssistantMessage {
	if r.current != nil && !r.current.finalized {
		return r.current
	}
	msg := &AssistantMessage{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Hidden:    r.hidden.SuppressesAssistant(),
		Timestamp: r.now(),
		Seq:       r.nextSeq(),
	}
	r.current = msg
	r.messages = append(r.messages, msg)
	r.turnOpen = true
	return msg
}

// addUserMessage records a prompt, local or replayed.
func (r *reconstructor) addUserMessage(text string, meta Meta) (*UserMessage, []emission) {
	msg := &UserMessage{
		ID:        uuid.NewString(),
		Role:      "user",
		Text:      text,
		Hidden:    r.hidden.SuppressesUser(),
		Timestamp: meta.Timestamp,
		Seq:       meta.Seq,
	}
	r.messages = append(r.messages, msg)
	r.turnOpen = true
	if msg.Hidden {
		return msg, nil
	}
	return msg, []emission{func(h Handlers) {
		if h.OnUserMessage != nil {
			h.OnUserMessage(msg, meta)
		}
	}}
}

// applyUpdate folds one session/update into the model and returns the
// handler notifications it produced.
func (r *reconstructor) applyUpdate(update wire.SessionUpdate, meta Meta) []emission {
	detail := update.Update
	switch detail.SessionUpdate {
	case wire.UpdateAgentMessageChunk:
		if text, ok := detail.TextContent(); ok {
			return r.applyChunk(text, false, meta)
		}
	case wire.UpdateAgentThoughtChunk:
		if text, ok := detail.TextContent(); ok {
			return r.applyChunk(text, true, meta)
		}
	case wire.UpdateToolCall:
		return r.applyToolCall(detail, meta)
	case wire.UpdateToolCallUpdate:
		return r.applyToolUpdate(detail, meta)
	case wire.UpdateEndOfTurn:
		reason := detail.StopReason
		if reason == "" {
			reason = "end_turn"
		}
		return r.finalize(reason, meta)
	}
	return nil
}

// applyChunk rectifies a streaming chunk against the open content part of
// the matching kind and appends only the novel suffix.
func (r *reconstructor) applyChunk(text string, thought bool, meta Meta) []emission {
	msg := r.ensureCurrent()

	kind := TextPartKind
	if thought {
		kind = ThoughtPartKind
	}
	part := msg.lastPart()
	if part == nil || part.Kind != kind {
		msg.Content = append(msg.Content, Part{Kind: kind})
		part = msg.lastPart()
	}

	delta := rectify(part.Text, text)
	if delta == "" {
		return nil
	}
	part.Text += delta
	if thought {
		msg.Thought += delta
	} else {
		msg.Text += delta
	}

	if r.hidden.SuppressesAssistant() {
		return nil
	}
	return []emission{func(h Handlers) {
		if h.OnAssistantDelta != nil {
			h.OnAssistantDelta(msg, delta, thought, meta)
		}
	}}
}

// applyToolCall opens a tool-call part from the initial tool_call update.
func (r *reconstructor) applyToolCall(detail wire.UpdateDetail, meta Meta) []emission {
	msg := r.ensureCurrent()

	if existing := msg.FindToolCall(detail.ToolCallID); existing != nil {
		// Duplicate announcement, treat as an update.
		return r.applyToolUpdate(detail, meta)
	}

	info := parseTitle(detail.Title)
	tc := &ToolCall{
		ID:          detail.ToolCallID,
		Name:        toolName(detail),
		Title:       detail.Title,
		Status:      parseToolStatus(detail.Status),
		Input:       info.Input,
		Args:        info.Args,
		Description: info.Description,
		WorkingDir:  info.WorkingDir,
		Timestamp:   meta.Timestamp,
		Seq:         meta.Seq,
	}
	if tc.Args == nil && len(detail.RawInput) > 0 {
		var args any
		if err := json.Unmarshal(detail.RawInput, &args); err == nil {
			tc.Args = args
		}
	}
	if len(detail.Content) > 0 {
		r.applyToolContent(tc, detail.Content)
	}

	msg.ToolCalls = append(msg.ToolCalls, tc)
	msg.Content = append(msg.Content, Part{Kind: ToolCallPartKind, ToolCall: tc})

	if r.hidden.SuppressesAssistant() {
		return nil
	}
	out := []emission{func(h Handlers) {
		if h.OnToolCall != nil {
			h.OnToolCall(msg, tc, meta)
		}
	}}
	if tc.Status.Terminal() {
		out = append(out, func(h Handlers) {
			if h.OnToolCompleted != nil {
				h.OnToolCompleted(msg, tc, meta)
			}
		})
	}
	return out
}

// applyToolUpdate advances a tool call's lifecycle and folds in result
// content and diffs.
func (r *reconstructor) applyToolUpdate(detail wire.UpdateDetail, meta Meta) []emission {
	msg := r.ensureCurrent()
	tc := msg.FindToolCall(detail.ToolCallID)
	if tc == nil {
		// Update for a call that was never announced; synthesize it so the
		// result is not lost.
		return r.applyToolCall(detail, meta)
	}

	wasTerminal := tc.Status.Terminal()
	if detail.Status != "" {
		tc.Status = parseToolStatus(detail.Status)
	}
	if detail.Title != "" && detail.Title != tc.Title {
		tc.Title = detail.Title
		info := parseTitle(detail.Title)
		if info.Input != "" {
			tc.Input = info.Input
		}
		if info.Description != "" {
			tc.Description = info.Description
		}
		if info.WorkingDir != "" {
			tc.WorkingDir = info.WorkingDir
		}
		if info.Args != nil {
			tc.Args = info.Args
		}
	}
	if len(detail.RawInput) > 0 && tc.Args == nil {
		var args any
		if err := json.Unmarshal(detail.RawInput, &args); err == nil {
			tc.Args = args
		}
	}
	if len(detail.Content) > 0 {
		r.applyToolContent(tc, detail.Content)
	}

	if r.hidden.SuppressesAssistant() {
		return nil
	}
	if !wasTerminal && tc.Status.Terminal() {
		return []emission{func(h Handlers) {
			if h.OnToolCompleted != nil {
				h.OnToolCompleted(msg, tc, meta)
			}
		}}
	}
	return nil
}

// applyToolContent folds a tool_call_update content array into result text
// and a normalized diff.
func (r *reconstructor) applyToolContent(tc *ToolCall, content json.RawMessage) {
	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err != nil {
		// A bare object is treated as a single item.
		items = []json.RawMessage{content}
	}
	for _, item := range items {
		var probe struct {
			Type    string `json:"type"`
			Text    string `json:"text"`
			Content *struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(item, &probe); err != nil {
			continue
		}
		switch probe.Type {
		case "diff":
			if d := normalizeDiff(item, r.diffContext); d != nil {
				tc.Diff = d
			}
		case "content":
			if probe.Content != nil && probe.Content.Text != "" {
				tc.Result += probe.Content.Text
			}
		case "text":
			tc.Result += probe.Text
		default:
			// Unknown item; a diff may still hide inside.
			if d := normalizeDiff(item, r.diffContext); d != nil {
				tc.Diff = d
			}
		}
	}
}

// finalize closes the turn exactly once. Repeat stop signals (an
// end_of_turn update followed by the prompt response's stop reason, a
// local cancel crossing the agent's own stop) produce no emissions.
func (r *reconstructor) finalize(reason string, meta Meta) []emission {
	if !r.turnOpen {
		return nil
	}
	r.turnOpen = false
	suppressed := r.hidden.SuppressesAssistant()
	r.hidden = wire.HiddenNone

	turnDone := emission(func(h Handlers) {
		if h.OnTurnCompleted != nil {
			h.OnTurnCompleted(reason, meta)
		}
	})
	msg := r.current
	if msg == nil || msg.finalized {
		// A turn may end without any assistant output.
		return []emission{turnDone}
	}
	msg.finalized = true
	msg.StopReason = reason

	var out []emission
	if !suppressed {
		out = append(out, func(h Handlers) {
			if h.OnAssistantFinal != nil {
				h.OnAssistantFinal(msg, meta)
			}
		})
	}
	return append(out, turnDone)
}

// addApproval registers a pending permission request keyed by tool-call id.
func (r *reconstructor) addApproval(requestID *wire.ID, params wire.PermissionParams) *PendingApproval {
	var detail wire.UpdateDetail
	if len(params.ToolCall) > 0 {
		_ = json.Unmarshal(params.ToolCall, &detail)
	}
	msg := r.ensureCurrent()
	tc := msg.FindToolCall(detail.ToolCallID)
	if tc == nil && detail.ToolCallID != "" {
		info := parseTitle(detail.Title)
		tc = &ToolCall{
			ID:          detail.ToolCallID,
			Name:        toolName(detail),
			Title:       detail.Title,
			Status:      StatusQueued,
			Input:       info.Input,
			Args:        info.Args,
			Description: info.Description,
			WorkingDir:  info.WorkingDir,
			Timestamp:   r.now(),
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
		msg.Content = append(msg.Content, Part{Kind: ToolCallPartKind, ToolCall: tc})
	}
	pa := &PendingApproval{
		RequestID: requestID,
		ToolCall:  tc,
		Options:   params.Options,
	}
	key := detail.ToolCallID
	if key == "" {
		key = requestID.String()
	}
	r.approvals[key] = pa
	return pa
}

func (r *reconstructor) removeApproval(key string) {
	delete(r.approvals, key)
}

func toolName(detail wire.UpdateDetail) string {
	if detail.Name != "" {
		return detail.Name
	}
	return detail.Kind
}

// parseToolStatus maps agent status strings onto the client lifecycle.
func parseToolStatus(s string) ToolStatus {
	switch s {
	case "", "pending", "queued":
		return StatusQueued
	case "in_progress", "running":
		return StatusRunning
	case "completed", "success":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	}
	return ToolStatus(s)
}
