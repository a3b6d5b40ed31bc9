package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// fakeBridge is a minimal in-process stand-in for the bridge server: it
// accepts one WebSocket connection and lets the test drive both directions.
type fakeBridge struct {
	t      *testing.T
	srv    *httptest.Server
	connCh chan *websocket.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{t: t, connCh: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.connCh <- ws
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBridge) accept() *websocket.Conn {
	fb.t.Helper()
	select {
	case ws := <-fb.connCh:
		return ws
	case <-time.After(5 * time.Second):
		fb.t.Fatal("no client connected")
		return nil
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, ws *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Parse(data)
	require.NoError(t, err)
	return f
}

func chunkNotification(t *testing.T, sessionID, text string) wire.Frame {
	t.Helper()
	u := wire.SessionUpdate{SessionID: sessionID}
	u.Update.SessionUpdate = wire.UpdateAgentMessageChunk
	u.Update.SetTextContent(text)
	f, err := wire.NewNotification(wire.MethodSessionUpdate, u)
	require.NoError(t, err)
	return f
}

func endOfTurnNotification(t *testing.T, sessionID, reason string) wire.Frame {
	t.Helper()
	u := wire.SessionUpdate{SessionID: sessionID}
	u.Update.SessionUpdate = wire.UpdateEndOfTurn
	u.Update.StopReason = reason
	f, err := wire.NewNotification(wire.MethodSessionUpdate, u)
	require.NoError(t, err)
	return f
}

func TestClientSessionAndPromptFlow(t *testing.T) {
	fb := newFakeBridge(t)

	var rec recorded
	c := New(Options{URL: fb.url()}, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ws := fb.accept()

	// Server side of session/new.
	go func() {
		req := readFrame(t, ws)
		resp, _ := wire.NewResponse(req.ID, map[string]string{"sessionId": "sess-1"})
		sendFrame(t, ws, resp)
	}()
	sessionID, err := c.NewSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-1", sessionID)

	// Server side of session/prompt: stream two chunks, end the turn, then
	// answer the request.
	go func() {
		req := readFrame(t, ws)
		var params wire.PromptParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		require.Equal(t, "sess-1", params.SessionID)

		sendFrame(t, ws, chunkNotification(t, "sess-1", "Hello, "))
		sendFrame(t, ws, chunkNotification(t, "sess-1", "world!"))
		sendFrame(t, ws, endOfTurnNotification(t, "sess-1", "end_turn"))
		resp, _ := wire.NewResponse(req.ID, wire.StopResult{StopReason: "end_turn"})
		sendFrame(t, ws, resp)
	}()

	reason, err := c.Prompt(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "end_turn", reason)

	require.Eventually(t, func() bool {
		return len(rec.snapshotFinals()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	user := msgs[0].(*UserMessage)
	require.Equal(t, "hi", user.Text)
	assistant := msgs[1].(*AssistantMessage)
	require.Equal(t, "Hello, world!", assistant.Text)
	require.Equal(t, "end_turn", assistant.StopReason)
}

func TestClientReplayIntake(t *testing.T) {
	fb := newFakeBridge(t)

	var rec recorded
	c := New(Options{URL: fb.url(), ReplayLimit: 10}, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ws := fb.accept()

	// Historical turn: prompt, one chunk, end of turn.
	prompt, err := wire.NewRequest(wire.NumberID(1), wire.MethodSessionPrompt, wire.PromptParams{
		SessionID: "sess-1",
		Prompt:    []wire.ContentBlock{{Type: "text", Text: "old question"}},
	})
	require.NoError(t, err)

	frames := []wire.Frame{
		prompt,
		chunkNotification(t, "sess-1", "old answer"),
		endOfTurnNotification(t, "sess-1", "end_turn"),
	}
	baseTS := int64(1700000000000)
	for i, f := range frames {
		env, err := wire.WrapReplay(f, baseTS+int64(i), i, 1, wire.HiddenNone)
		require.NoError(t, err)
		sendFrame(t, ws, env)
	}

	msgs, err := c.FetchHistory(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	user := msgs[0].(*UserMessage)
	require.Equal(t, "old question", user.Text)
	require.Equal(t, baseTS, user.Timestamp)

	assistant := msgs[1].(*AssistantMessage)
	require.Equal(t, "old answer", assistant.Text)
	require.Equal(t, "end_turn", assistant.StopReason)
	require.Equal(t, baseTS+1, assistant.Timestamp)
}

func TestClientDedupesReplayEnvelopes(t *testing.T) {
	fb := newFakeBridge(t)

	var rec recorded
	c := New(Options{URL: fb.url()}, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ws := fb.accept()

	prompt, err := wire.NewRequest(wire.NumberID(1), wire.MethodSessionPrompt, wire.PromptParams{
		SessionID: "sess-1",
		Prompt:    []wire.ContentBlock{{Type: "text", Text: "once"}},
	})
	require.NoError(t, err)
	env, err := wire.WrapReplay(prompt, 1700000000000, 0, 1, wire.HiddenNone)
	require.NoError(t, err)

	sendFrame(t, ws, env)
	sendFrame(t, ws, env)

	msgs, err := c.FetchHistory(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestClientReplayedHiddenTurnStaysSuppressed(t *testing.T) {
	fb := newFakeBridge(t)

	var rec recorded
	c := New(Options{URL: fb.url()}, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ws := fb.accept()

	prompt, err := wire.NewRequest(wire.NumberID(1), wire.MethodSessionPrompt, wire.PromptParams{
		SessionID: "sess-1",
		Prompt:    []wire.ContentBlock{{Type: "text", Text: "secret instruction"}},
	})
	require.NoError(t, err)

	frames := []wire.Frame{
		prompt,
		chunkNotification(t, "sess-1", "secret reply"),
	}
	for i, f := range frames {
		env, err := wire.WrapReplay(f, 1700000000000+int64(i), i, 1, wire.HiddenTurn)
		require.NoError(t, err)
		sendFrame(t, ws, env)
	}

	msgs, err := c.FetchHistory(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)

	// State carries the hidden turn; handlers never saw it.
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].(*UserMessage).Hidden)
	require.True(t, msgs[1].(*AssistantMessage).Hidden)
	require.Empty(t, rec.snapshotUsers())
	require.Empty(t, rec.snapshotDeltas())
}

func TestClientAutoDeniesPermissionOnHiddenTurn(t *testing.T) {
	fb := newFakeBridge(t)

	permissionSeen := false
	handlers := Handlers{
		OnPermissionRequest: func(*PendingApproval, Meta) { permissionSeen = true },
	}
	c := New(Options{URL: fb.url()}, handlers)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ws := fb.accept()

	// Establish a session.
	go func() {
		req := readFrame(t, ws)
		resp, _ := wire.NewResponse(req.ID, map[string]string{"sessionId": "sess-1"})
		sendFrame(t, ws, resp)
	}()
	_, err := c.NewSession(context.Background())
	require.NoError(t, err)

	promptDone := make(chan error, 1)
	go func() {
		_, err := c.PromptHidden(context.Background(), "do something risky", wire.HiddenTurn)
		promptDone <- err
	}()

	// Server: receive the prompt, raise a permission request.
	promptReq := readFrame(t, ws)
	require.Equal(t, wire.MethodSessionPrompt, promptReq.Method)

	permReq, err := wire.NewRequest(wire.StringID("perm-1"), wire.MethodRequestPermission, wire.PermissionParams{
		SessionID: "sess-1",
		ToolCall:  json.RawMessage(`{"toolCallId":"tc1","title":"rm -rf build"}`),
		Options: []wire.PermissionOption{
			{OptionID: "yes", Kind: "allow_once"},
			{OptionID: "no", Kind: "reject_once"},
		},
	})
	require.NoError(t, err)
	sendFrame(t, ws, permReq)

	// The client must answer with the rejecting option, twice signalled.
	denial := readFrame(t, ws)
	require.True(t, denial.IsResponse())
	var outcome wire.PermissionOutcome
	require.NoError(t, json.Unmarshal(denial.Result, &outcome))
	require.Equal(t, "selected", outcome.Outcome.Outcome)
	require.Equal(t, "no", outcome.Outcome.OptionID)

	mirror := readFrame(t, ws)
	require.Equal(t, wire.MethodProvidePermission, mirror.Method)

	// Finish the turn so the prompt returns.
	sendFrame(t, ws, endOfTurnNotification(t, "sess-1", "end_turn"))
	resp, _ := wire.NewResponse(promptReq.ID, wire.StopResult{StopReason: "end_turn"})
	sendFrame(t, ws, resp)
	require.NoError(t, <-promptDone)

	require.False(t, permissionSeen)
}

func TestClientCancelClosesTurnLocally(t *testing.T) {
	fb := newFakeBridge(t)

	var rec recorded
	c := New(Options{URL: fb.url()}, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ws := fb.accept()

	go func() {
		req := readFrame(t, ws)
		resp, _ := wire.NewResponse(req.ID, map[string]string{"sessionId": "sess-1"})
		sendFrame(t, ws, resp)
	}()
	_, err := c.NewSession(context.Background())
	require.NoError(t, err)

	promptDone := make(chan error, 1)
	go func() {
		_, err := c.Prompt(context.Background(), "long job")
		promptDone <- err
	}()

	// The agent receives the prompt but never streams a stop signal.
	promptReq := readFrame(t, ws)
	require.Equal(t, wire.MethodSessionPrompt, promptReq.Method)

	require.NoError(t, c.Cancel())

	// The turn ends locally without waiting on the agent.
	require.Eventually(t, func() bool {
		turns := rec.snapshotTurns()
		return len(turns) == 1 && turns[0] == "canceled"
	}, 5*time.Second, 10*time.Millisecond)

	cancelNote := readFrame(t, ws)
	require.Equal(t, wire.MethodSessionCancel, cancelNote.Method)

	// The agent's late acknowledgement must not complete the turn again.
	resp, _ := wire.NewResponse(promptReq.ID, wire.StopResult{StopReason: "canceled"})
	sendFrame(t, ws, resp)
	require.NoError(t, <-promptDone)
	require.Equal(t, []string{"canceled"}, rec.snapshotTurns())
}

func TestClientDialURLCarriesReplayQuery(t *testing.T) {
	c := New(Options{
		URL:          "ws://localhost:4444/",
		ReplayLimit:  5,
		ReplaySince:  100,
		ReplayBefore: 200,
	}, Handlers{})
	u := c.dialURL()
	require.Contains(t, u, "limit=5")
	require.Contains(t, u, "since=100")
	require.Contains(t, u, "before=200")
}

func TestClientCloseRejectsInFlight(t *testing.T) {
	fb := newFakeBridge(t)
	c := New(Options{URL: fb.url()}, Handlers{})
	require.NoError(t, c.Connect(context.Background()))
	ws := fb.accept()
	_ = ws

	done := make(chan error, 1)
	go func() {
		_, err := c.NewSession(context.Background())
		done <- err
	}()

	// Give the request time to go out, then close under it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request did not fail on close")
	}
}
