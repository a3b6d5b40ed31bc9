package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// Options configure a Client.
type Options struct {
	// URL is the bridge WebSocket endpoint, e.g. ws://localhost:4444/.
	URL string
	// SessionID resumes an existing session instead of creating one.
	SessionID string
	// Cwd is the working directory passed to session/new.
	Cwd string
	// DiffContext is the number of context lines in computed unified diffs.
	DiffContext int

	// Replay query parameters; zero values are omitted from the URL.
	ReplayLimit  uint64
	ReplaySince  int64
	ReplayBefore int64
}

// Client connects to the bridge, replays history, and rebuilds the
// conversation while dispatching handler notifications in strict arrival
// order. All exported methods are safe for concurrent use.
type Client struct {
	opts     Options
	handlers Handlers
	tr       *transport

	mu         sync.Mutex
	rec        *reconstructor
	sessionID  string
	seenReplay map[string]struct{}
	replayTS   int64 // nonzero while applying a replay envelope
	lastFrame  time.Time
}

// New builds a client. Connect must be called before any other method.
func New(opts Options, handlers Handlers) *Client {
	c := &Client{
		opts:       opts,
		handlers:   handlers,
		sessionID:  opts.SessionID,
		seenReplay: make(map[string]struct{}),
		lastFrame:  time.Now(),
	}
	c.rec = newReconstructor(opts.DiffContext, c.clock)
	c.tr = newTransport(c.dialURL(), c.handleFrame)
	return c
}

// clock returns the model timestamp: the replay envelope's original
// timestamp while replaying, wall time otherwise. Called under c.mu.
func (c *Client) clock() int64 {
	if c.replayTS != 0 {
		return c.replayTS
	}
	return time.Now().UnixMilli()
}

// dialURL appends the replay query to the configured endpoint.
func (c *Client) dialURL() string {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return c.opts.URL
	}
	q := u.Query()
	if c.opts.ReplayLimit > 0 {
		q.Set("limit", strconv.FormatUint(c.opts.ReplayLimit, 10))
	}
	if c.opts.ReplaySince > 0 {
		q.Set("since", strconv.FormatInt(c.opts.ReplaySince, 10))
	}
	if c.opts.ReplayBefore > 0 {
		q.Set("before", strconv.FormatInt(c.opts.ReplayBefore, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the bridge. Replayed history starts flowing immediately;
// use FetchHistory to wait for it to settle.
func (c *Client) Connect(ctx context.Context) error {
	return c.tr.connect(ctx)
}

// Close tears down the connection. In-flight requests fail with ErrClosed.
func (c *Client) Close() error {
	return c.tr.close()
}

// SessionID returns the active session, or "" before NewSession.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// NewSession creates an agent session rooted at the configured working
// directory and remembers its id for subsequent prompts.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	params := map[string]any{
		"cwd":        c.opts.Cwd,
		"mcpServers": []any{},
	}
	resp, err := c.tr.call(ctx, wire.MethodSessionNew, params)
	if err != nil {
		return "", err
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("parse session/new result: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("session/new returned no session id")
	}
	c.mu.Lock()
	c.sessionID = result.SessionID
	c.mu.Unlock()
	return result.SessionID, nil
}

// Prompt sends a visible user turn and blocks until the agent stops.
// It returns the stop reason.
func (c *Client) Prompt(ctx context.Context, text string) (string, error) {
	return c.PromptHidden(ctx, text, wire.HiddenNone)
}

// PromptHidden sends a user turn with a hidden mode controlling which side
// of the exchange is suppressed from handler notifications. State is
// always updated regardless of mode.
func (c *Client) PromptHidden(ctx context.Context, text string, mode wire.HiddenMode) (string, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	if sessionID == "" {
		c.mu.Unlock()
		return "", fmt.Errorf("no active session; call NewSession first")
	}
	c.rec.hidden = mode
	meta := c.rec.meta(false, "")
	_, emissions := c.rec.addUserMessage(text, meta)
	c.mu.Unlock()
	c.fire(emissions)

	block := wire.ContentBlock{Type: "text", Text: text}
	if mode != wire.HiddenNone {
		block.Meta, _ = json.Marshal(wire.PromptMeta{Hidden: string(mode)})
	}
	params := wire.PromptParams{SessionID: sessionID, Prompt: []wire.ContentBlock{block}}

	resp, err := c.tr.call(ctx, wire.MethodSessionPrompt, params)
	if err != nil {
		return "", err
	}
	var result wire.StopResult
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &result)
	}
	if result.StopReason == "" {
		result.StopReason = "end_turn"
	}

	// The end_of_turn update usually finalizes first; this covers agents
	// that only signal the stop through the response.
	c.mu.Lock()
	meta = c.rec.meta(false, "")
	emissions = c.rec.finalize(result.StopReason, meta)
	c.mu.Unlock()
	c.fire(emissions)

	return result.StopReason, nil
}

// Cancel asks the agent to stop the in-flight turn and closes it locally
// right away, so the host sees the turn end even when the agent never
// answers with its own stop signal.
func (c *Client) Cancel() error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	err := c.tr.notify(wire.MethodSessionCancel, map[string]any{"sessionId": sessionID})

	c.mu.Lock()
	meta := c.rec.meta(false, "")
	emissions := c.rec.finalize("canceled", meta)
	c.mu.Unlock()
	c.fire(emissions)
	return err
}

// SubmitAuthCode forwards an OAuth code to the agent's pending login.
func (c *Client) SubmitAuthCode(code string) error {
	return c.tr.notify(wire.MethodSubmitAuthCode, wire.AuthCodeParams{Code: code})
}

// Authenticate triggers the agent's authentication flow.
func (c *Client) Authenticate(ctx context.Context, methodID string) error {
	_, err := c.tr.call(ctx, wire.MethodAuthenticate, map[string]any{"methodId": methodID})
	return err
}

// Messages returns a snapshot of the conversation in order. The returned
// slice is a copy; the messages it points to are live.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.rec.messages))
	copy(out, c.rec.messages)
	return out
}

// PendingApprovals returns the tool authorizations awaiting Resolve.
func (c *Client) PendingApprovals() []*PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PendingApproval, 0, len(c.rec.approvals))
	for _, pa := range c.rec.approvals {
		out = append(out, pa)
	}
	return out
}

// Resolve answers a pending permission request with the chosen option.
// The outcome is doubly signalled: as the response to the agent's request
// and as a session/provide_permission notification, so the bridge and any
// peers observe the decision.
func (c *Client) Resolve(toolCallID, optionID string) error {
	c.mu.Lock()
	pa, ok := c.rec.approvals[toolCallID]
	if ok {
		c.rec.removeApproval(toolCallID)
	}
	sessionID := c.sessionID
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for %q", toolCallID)
	}

	outcome := wire.SelectedOutcome(optionID)
	if pa.RequestID != nil {
		if err := c.tr.respond(pa.RequestID, outcome); err != nil {
			return err
		}
	}
	return c.tr.notify(wire.MethodProvidePermission, map[string]any{
		"sessionId": sessionID,
		"outcome":   outcome.Outcome,
	})
}

// fire runs emissions outside the client mutex.
func (c *Client) fire(emissions []emission) {
	for _, e := range emissions {
		e(c.handlers)
	}
}

// handleFrame is the single dispatch point for every non-response frame.
// It runs on the transport's read goroutine.
func (c *Client) handleFrame(f wire.Frame) {
	c.mu.Lock()
	c.lastFrame = time.Now()
	c.mu.Unlock()

	switch {
	case f.Method == wire.MethodReplay:
		c.handleReplay(f)
	case f.Method == wire.MethodSessionUpdate:
		c.handleUpdate(f, Meta{})
	case f.Method == wire.MethodRequestPermission && f.IsRequest():
		c.handlePermission(f)
	case f.Method == wire.MethodAuthURL:
		c.handleAuthURL(f, false, "")
	case f.Method == wire.MethodStructuredEvent:
		c.handleStructuredEvent(f, false, "")
	default:
		logger.Debug().Str("method", f.Method).Msg("client: ignoring frame")
	}
}

func (c *Client) handleUpdate(f wire.Frame, replay Meta) {
	var update wire.SessionUpdate
	if err := json.Unmarshal(f.Params, &update); err != nil {
		logger.Debug().Err(err).Msg("client: bad session/update params")
		return
	}
	c.mu.Lock()
	if update.SessionID != "" && c.sessionID == "" {
		c.sessionID = update.SessionID
	}
	meta := c.rec.meta(replay.Replayed, replay.ReplayID)
	emissions := c.rec.applyUpdate(update, meta)
	c.mu.Unlock()
	c.fire(emissions)
}

// handlePermission registers the approval and either surfaces it to the
// host or, on an assistant-suppressed turn, auto-denies it.
func (c *Client) handlePermission(f wire.Frame) {
	var params wire.PermissionParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		logger.Debug().Err(err).Msg("client: bad permission params")
		return
	}

	c.mu.Lock()
	suppressed := c.rec.hidden.SuppressesAssistant()
	pa := c.rec.addApproval(f.ID, params)
	var meta Meta
	var key string
	if suppressed {
		key = approvalKey(pa, f.ID)
		c.rec.removeApproval(key)
	} else {
		meta = c.rec.meta(false, "")
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	if suppressed {
		optionID := denyOption(params.Options)
		outcome := wire.SelectedOutcome(optionID)
		if err := c.tr.respond(f.ID, outcome); err != nil {
			logger.Warn().Err(err).Msg("client: auto-deny response failed")
		}
		if err := c.tr.notify(wire.MethodProvidePermission, map[string]any{
			"sessionId": sessionID,
			"outcome":   outcome.Outcome,
		}); err != nil {
			logger.Warn().Err(err).Msg("client: auto-deny notification failed")
		}
		return
	}

	if c.handlers.OnPermissionRequest != nil {
		c.handlers.OnPermissionRequest(pa, meta)
	}
}

func (c *Client) handleAuthURL(f wire.Frame, replayed bool, replayID string) {
	var params wire.AuthURLParams
	if err := json.Unmarshal(f.Params, &params); err != nil || params.URL == "" {
		return
	}
	c.mu.Lock()
	meta := c.rec.meta(replayed, replayID)
	c.mu.Unlock()
	if c.handlers.OnAuthURL != nil {
		c.handlers.OnAuthURL(params.URL, meta)
	}
}

func (c *Client) handleStructuredEvent(f wire.Frame, replayed bool, replayID string) {
	var params wire.StructuredEventParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return
	}
	c.mu.Lock()
	suppressed := c.rec.hidden.SuppressesAssistant()
	meta := c.rec.meta(replayed, replayID)
	c.mu.Unlock()
	if suppressed {
		return
	}
	if c.handlers.OnStructuredEvent != nil {
		c.handlers.OnStructuredEvent(StructuredEvent{
			Type:    params.Type,
			Payload: params.Payload,
			Error:   params.Error,
			Raw:     params.Raw,
		}, meta)
	}
}

// handleReplay unwraps a replay envelope and routes the inner frame with
// the envelope's original timestamp and per-turn hidden mode in effect.
func (c *Client) handleReplay(f wire.Frame) {
	var params wire.ReplayParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		logger.Debug().Err(err).Msg("client: bad replay envelope")
		return
	}

	c.mu.Lock()
	if _, seen := c.seenReplay[params.ReplayID]; seen {
		c.mu.Unlock()
		return
	}
	c.seenReplay[params.ReplayID] = struct{}{}
	c.mu.Unlock()

	inner, _, hidden, err := wire.UnwrapReplay(params)
	if err != nil {
		logger.Debug().Err(err).Msg("client: bad replay data")
		return
	}

	c.mu.Lock()
	c.replayTS = params.Timestamp
	c.rec.hidden = hidden
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.replayTS = 0
		c.mu.Unlock()
	}()

	replay := Meta{Replayed: true, ReplayID: params.ReplayID}
	switch inner.Method {
	case wire.MethodSessionPrompt:
		c.handleReplayedPrompt(inner, replay)
	case wire.MethodSessionUpdate:
		c.handleUpdate(inner, replay)
	case wire.MethodRequestPermission:
		// Exposed for display; the original request is long gone, so no
		// response is sent.
		c.handleReplayedPermission(inner, replay)
	case wire.MethodAuthURL:
		c.handleAuthURL(inner, true, params.ReplayID)
	case wire.MethodStructuredEvent:
		c.handleStructuredEvent(inner, true, params.ReplayID)
	}
}

// handleReplayedPrompt synthesizes the user message a historical or peer
// prompt represents.
func (c *Client) handleReplayedPrompt(f wire.Frame, replay Meta) {
	var params wire.PromptParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return
	}
	var sb strings.Builder
	for _, block := range params.Prompt {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	c.mu.Lock()
	if params.SessionID != "" && c.sessionID == "" {
		c.sessionID = params.SessionID
	}
	meta := c.rec.meta(true, replay.ReplayID)
	_, emissions := c.rec.addUserMessage(sb.String(), meta)
	c.mu.Unlock()
	c.fire(emissions)
}

func (c *Client) handleReplayedPermission(f wire.Frame, replay Meta) {
	var params wire.PermissionParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return
	}
	c.mu.Lock()
	pa := c.rec.addApproval(f.ID, params)
	pa.RequestID = nil // not answerable anymore
	meta := c.rec.meta(true, replay.ReplayID)
	c.mu.Unlock()
	if c.handlers.OnPermissionRequest != nil {
		c.handlers.OnPermissionRequest(pa, meta)
	}
}

func approvalKey(pa *PendingApproval, id *wire.ID) string {
	if pa.ToolCall != nil && pa.ToolCall.ID != "" {
		return pa.ToolCall.ID
	}
	return id.String()
}

// denyOption picks the rejecting option for auto-denied requests: any kind
// in the deny/reject family (deny, deny_always, reject_once, ...) or a
// cancel, falling back to the first option.
func denyOption(options []wire.PermissionOption) string {
	for _, o := range options {
		if strings.HasPrefix(o.Kind, "deny") || strings.HasPrefix(o.Kind, "reject") || o.Kind == "cancel" {
			return o.OptionID
		}
	}
	if len(options) > 0 {
		return options[0].OptionID
	}
	return ""
}
