package bridge

import (
	"encoding/json"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/tagparse"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// transform feeds assistant message chunks through the tag parser and
// re-serializes the resulting parts into wire frames. Text parts become
// ordinary assistant chunks; event parts become standalone
// bridge/structured_event notifications inserted at the same position.
type transform struct {
	parser *tagparse.Parser
	// lastSessionID remembers the session of the most recent update so a
	// flush triggered by a bare response can synthesize chunks.
	lastSessionID string
}

func newTransform(cfg tagparse.Config) *transform {
	return &transform{parser: tagparse.New(cfg)}
}

// Apply maps one subprocess frame to zero or more outgoing frames. A chunk
// fully held back for a split delimiter produces no frames; a stop-of-turn
// frame is preceded by any flushed in-flight text.
func (t *transform) Apply(f wire.Frame) []wire.Frame {
	if t == nil || t.parser == nil {
		return []wire.Frame{f}
	}

	if update, text, ok := messageChunk(f); ok {
		t.lastSessionID = update.SessionID
		parts := t.parser.Feed(text)
		return t.serialize(f, update, parts)
	}

	if isStopOfTurn(f) {
		flushed := t.parser.Flush()
		var out []wire.Frame
		for _, part := range flushed {
			if part.IsEvent {
				continue // Flush never emits events
			}
			if chunk, err := newChunkFrame(t.lastSessionID, part.Text); err == nil {
				out = append(out, chunk)
			}
		}
		return append(out, f)
	}

	return []wire.Frame{f}
}

// serialize re-emits parsed parts in position order. The first text part
// replaces the original frame; later parts follow as fresh notifications.
func (t *transform) serialize(original wire.Frame, update wire.SessionUpdate, parts []tagparse.Part) []wire.Frame {
	out := make([]wire.Frame, 0, len(parts))
	firstText := true
	for _, part := range parts {
		if part.IsEvent {
			event, err := wire.NewNotification(wire.MethodStructuredEvent, wire.StructuredEventParams{
				Type:    part.Type,
				Payload: part.Payload,
				Error:   part.Err,
				Raw:     part.Raw,
			})
			if err == nil {
				out = append(out, event)
			}
			continue
		}
		if firstText {
			firstText = false
			if replaced, err := replaceChunkText(original, update, part.Text); err == nil {
				out = append(out, replaced)
				continue
			}
		}
		if chunk, err := newChunkFrame(update.SessionID, part.Text); err == nil {
			out = append(out, chunk)
		}
	}
	return out
}

// messageChunk extracts the session update and its text when f is an
// assistant text chunk eligible for tag parsing.
func messageChunk(f wire.Frame) (wire.SessionUpdate, string, bool) {
	if !f.IsNotification() || f.Method != wire.MethodSessionUpdate {
		return wire.SessionUpdate{}, "", false
	}
	var update wire.SessionUpdate
	if err := json.Unmarshal(f.Params, &update); err != nil {
		return wire.SessionUpdate{}, "", false
	}
	if update.Update.SessionUpdate != wire.UpdateAgentMessageChunk {
		return wire.SessionUpdate{}, "", false
	}
	text, ok := update.Update.TextContent()
	if !ok {
		return wire.SessionUpdate{}, "", false
	}
	return update, text, true
}

// isStopOfTurn reports whether f ends the current turn: an end_of_turn
// session update or a response carrying a stop reason.
func isStopOfTurn(f wire.Frame) bool {
	if f.IsNotification() && f.Method == wire.MethodSessionUpdate {
		var update wire.SessionUpdate
		if err := json.Unmarshal(f.Params, &update); err == nil {
			return update.Update.SessionUpdate == wire.UpdateEndOfTurn
		}
		return false
	}
	if f.IsResponse() && len(f.Result) > 0 {
		var res wire.StopResult
		if err := json.Unmarshal(f.Result, &res); err == nil {
			return res.StopReason != ""
		}
	}
	return false
}

func replaceChunkText(original wire.Frame, update wire.SessionUpdate, text string) (wire.Frame, error) {
	update.Update.SetTextContent(text)
	params, err := json.Marshal(update)
	if err != nil {
		return wire.Frame{}, err
	}
	original.Params = params
	return original, nil
}

func newChunkFrame(sessionID, text string) (wire.Frame, error) {
	update := wire.SessionUpdate{SessionID: sessionID}
	update.Update.SessionUpdate = wire.UpdateAgentMessageChunk
	update.Update.SetTextContent(text)
	return wire.NewNotification(wire.MethodSessionUpdate, update)
}
