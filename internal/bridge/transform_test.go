package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/tagparse"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

func chunkFrame(t *testing.T, sessionID, text string) wire.Frame {
	t.Helper()
	update := wire.SessionUpdate{SessionID: sessionID}
	update.Update.SessionUpdate = wire.UpdateAgentMessageChunk
	update.Update.SetTextContent(text)
	f, err := wire.NewNotification(wire.MethodSessionUpdate, update)
	require.NoError(t, err)
	return f
}

func chunkText(t *testing.T, f wire.Frame) string {
	t.Helper()
	var update wire.SessionUpdate
	require.NoError(t, json.Unmarshal(f.Params, &update))
	text, ok := update.Update.TextContent()
	require.True(t, ok)
	return text
}

func TestTransformNilPassesThrough(t *testing.T) {
	var tf *transform
	f := chunkFrame(t, "s1", "hello")
	out := tf.Apply(f)
	require.Len(t, out, 1)
	require.Equal(t, f.Method, out[0].Method)
}

func TestTransformPlainChunkUnchanged(t *testing.T) {
	tf := newTransform(tagparse.DefaultConfig())
	out := tf.Apply(chunkFrame(t, "s1", "just text"))
	require.Len(t, out, 1)
	require.Equal(t, "just text", chunkText(t, out[0]))
}

func TestTransformExtractsEventBetweenText(t *testing.T) {
	tf := newTransform(tagparse.DefaultConfig())
	out := tf.Apply(chunkFrame(t, "s1", `before <SYS_JSON>{"a":1}</SYS_JSON> after`))
	require.Len(t, out, 3)

	require.Equal(t, wire.MethodSessionUpdate, out[0].Method)
	require.Equal(t, "before ", chunkText(t, out[0]))

	require.Equal(t, wire.MethodStructuredEvent, out[1].Method)
	var ev wire.StructuredEventParams
	require.NoError(t, json.Unmarshal(out[1].Params, &ev))
	require.Equal(t, "sys_json", ev.Type)
	require.JSONEq(t, `{"a":1}`, string(ev.Payload))

	require.Equal(t, " after", chunkText(t, out[2]))
}

func TestTransformHoldsSplitDelimiter(t *testing.T) {
	tf := newTransform(tagparse.DefaultConfig())

	out := tf.Apply(chunkFrame(t, "s1", "text <SYS_"))
	require.Len(t, out, 1)
	require.Equal(t, "text ", chunkText(t, out[0]))

	out = tf.Apply(chunkFrame(t, "s1", `JSON>{"x":1}</SYS_JSON>`))
	require.Len(t, out, 1)
	require.Equal(t, wire.MethodStructuredEvent, out[0].Method)
}

func TestTransformChunkFullyHeldProducesNoFrames(t *testing.T) {
	tf := newTransform(tagparse.DefaultConfig())
	out := tf.Apply(chunkFrame(t, "s1", "<SYS_JSON>{\"unfinished\":"))
	require.Empty(t, out)
}

func TestTransformFlushOnEndOfTurn(t *testing.T) {
	tf := newTransform(tagparse.DefaultConfig())
	require.Empty(t, tf.Apply(chunkFrame(t, "s1", "<SYS_JSON>{\"open\":")))

	stop := wire.SessionUpdate{SessionID: "s1"}
	stop.Update.SessionUpdate = wire.UpdateEndOfTurn
	stopFrame, err := wire.NewNotification(wire.MethodSessionUpdate, stop)
	require.NoError(t, err)

	out := tf.Apply(stopFrame)
	require.Len(t, out, 2)
	// Flushed in-flight text first, then the original stop frame.
	require.Equal(t, "<SYS_JSON>{\"open\":", chunkText(t, out[0]))
	require.Equal(t, stopFrame.Method, out[1].Method)
}

func TestTransformFlushOnStopReasonResponse(t *testing.T) {
	tf := newTransform(tagparse.DefaultConfig())
	tf.Apply(chunkFrame(t, "s1", "held <SYS"))

	resp, err := wire.NewResponse(wire.NumberID(1), wire.StopResult{StopReason: "end_turn"})
	require.NoError(t, err)

	out := tf.Apply(resp)
	require.Len(t, out, 2)
	require.Equal(t, "<SYS", chunkText(t, out[0]))
	require.True(t, out[1].IsResponse())
}

func TestTransformIgnoresOtherFrames(t *testing.T) {
	tf := newTransform(tagparse.DefaultConfig())
	f, err := wire.NewNotification(wire.MethodAuthURL, wire.AuthURLParams{URL: "https://example.com"})
	require.NoError(t, err)
	out := tf.Apply(f)
	require.Len(t, out, 1)
	require.Equal(t, f.Method, out[0].Method)
}

func TestIsStopOfTurn(t *testing.T) {
	stop := wire.SessionUpdate{}
	stop.Update.SessionUpdate = wire.UpdateEndOfTurn
	f, _ := wire.NewNotification(wire.MethodSessionUpdate, stop)
	require.True(t, isStopOfTurn(f))

	resp, _ := wire.NewResponse(wire.NumberID(1), wire.StopResult{StopReason: "end_turn"})
	require.True(t, isStopOfTurn(resp))

	plain, _ := wire.NewResponse(wire.NumberID(1), map[string]bool{"ok": true})
	require.False(t, isStopOfTurn(plain))

	require.False(t, isStopOfTurn(chunkFrame(t, "s1", "x")))
}
