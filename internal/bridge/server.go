// Package bridge implements the session/turn multiplexer: the WebSocket
// listener, the bounded replay ring, the turn counter and hidden-mode
// table, and the outgoing tag transform. It sits between any number of
// wire clients and the supervised agent subprocess.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/config"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/supervisor"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/tagparse"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// Server is the bridge multiplexer. One instance owns one subprocess.
type Server struct {
	opts config.ServerOptions
	sup  *supervisor.Supervisor
	tf   *transform

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu           sync.Mutex
	conns        map[*conn]struct{}
	ring         *Ring
	turn         int64
	hiddenByTurn map[int64]wire.HiddenMode
	sessionID    string
	nextConnID   int64

	now func() time.Time
}

// NewServer creates a bridge server over the given supervisor.
func NewServer(opts config.ServerOptions, sup *supervisor.Supervisor) *Server {
	s := &Server{
		opts:         opts,
		sup:          sup,
		conns:        make(map[*conn]struct{}),
		ring:         NewRing(0),
		hiddenByTurn: make(map[int64]wire.HiddenMode),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
	if cfg, ok := tagConfig(opts); ok {
		s.tf = newTransform(cfg)
	}
	sup.OnFrame = s.handleOutbound
	sup.OnRestart = s.handleRestart
	return s
}

func tagConfig(opts config.ServerOptions) (tagparse.Config, bool) {
	cfg := tagparse.DefaultConfig()
	if opts.JSONTag != "" {
		cfg.JSONTag = opts.JSONTag
	}
	if opts.BlockTag != "" {
		cfg.BlockTag = opts.BlockTag
	}
	switch opts.TagMode {
	case "event":
		cfg.Mode = tagparse.ModeEvent
	case "raw":
		cfg.Mode = tagparse.ModeRaw
	case "both":
		cfg.Mode = tagparse.ModeBoth
	case "":
		return tagparse.Config{}, false
	default:
		logger.Warn().Str("mode", opts.TagMode).Msg("unknown tag mode, transform disabled")
		return tagparse.Config{}, false
	}
	return cfg, true
}

// Run starts the supervisor and serves WebSocket connections until ctx is
// cancelled. A bind failure is returned to the caller and is fatal.
func (s *Server) Run(ctx context.Context) error {
	if err := s.sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	addr := fmt.Sprintf(":%d", s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("bridge listening")

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	done := make(chan error, 1)
	go func() { done <- s.httpSrv.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.sup.Stop()
		return nil
	case err := <-done:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// handleWS upgrades a connection, drains the replay slice per the query
// parameters, then attaches the client for live fan-out.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	query, err := parseReplayQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.nextConnID++
	c := newConn(strconv.FormatInt(s.nextConnID, 10), ws, s)
	s.attachLocked(c, query)
	s.mu.Unlock()

	logger.Info().Str("client", c.id).Msg("client connected")
	go c.writePump()
	go c.readPump()
}

func parseReplayQuery(r *http.Request) (ReplayQuery, error) {
	var q ReplayQuery
	values := r.URL.Query()
	parse := func(key string, dst *uint64, has *bool) error {
		raw := values.Get(key)
		if raw == "" {
			return nil
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		*has = true
		return nil
	}
	if err := parse("limit", &q.Limit, &q.HasLimit); err != nil {
		return q, err
	}
	if err := parse("since", &q.Since, &q.HasSince); err != nil {
		return q, err
	}
	if err := parse("before", &q.Before, &q.HasBefore); err != nil {
		return q, err
	}
	return q, nil
}

// attachLocked registers the client and enqueues its replay slice, followed
// by the pending auth URL if the gate is armed. Caller holds s.mu, so no
// live broadcast can interleave with the replay drain.
func (s *Server) attachLocked(c *conn, q ReplayQuery) {
	slice := Slice(s.ring.Snapshot(), q)
	for i, e := range slice {
		env, err := wire.WrapReplay(e.Frame, e.Timestamp, i, e.Turn, e.Hidden)
		if err != nil {
			logger.Error().Err(err).Msg("failed to envelope replay entry")
			continue
		}
		if data, err := wire.Encode(env); err == nil {
			c.enqueue(data)
		}
	}
	if url := s.sup.AuthURL(); url != "" && s.sup.AuthPending() {
		if f, err := wire.NewNotification(wire.MethodAuthURL, wire.AuthURLParams{URL: url}); err == nil {
			if data, err := wire.Encode(f); err == nil {
				c.enqueue(data)
			}
		}
	}
	s.conns[c] = struct{}{}
}

func (s *Server) detach(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		close(c.send)
	}
	s.mu.Unlock()
	logger.Info().Str("client", c.id).Msg("client disconnected")
}

// handleInbound applies the inbound frame policy for one client frame.
func (s *Server) handleInbound(c *conn, data []byte) {
	f, err := wire.Parse(data)
	if err != nil {
		logger.Warn().Err(err).Str("client", c.id).Msg("dropping unparseable client frame")
		return
	}

	switch {
	case f.Method == wire.MethodSubmitAuthCode:
		var params wire.AuthCodeParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			logger.Warn().Err(err).Msg("invalid auth code submission")
			return
		}
		if err := s.sup.SubmitAuthCode(params.Code); err != nil {
			logger.Error().Err(err).Msg("failed to submit auth code")
		}
		return

	case f.Method == wire.MethodAuthenticate:
		if err := s.sup.WriteFrame(f); err != nil {
			logger.Error().Err(err).Msg("failed to forward authenticate request")
		}
		return

	case s.sup.AuthPending():
		logger.Warn().Str("client", c.id).Str("method", f.Method).Msg("dropping frame while authentication pending")
		return

	case f.IsRequest() && f.Method == wire.MethodInitialize:
		s.answerInitialize(c, f)
		return

	case f.Method == wire.MethodSessionPrompt:
		s.handlePrompt(c, f)
		return
	}

	if err := s.sup.WriteFrame(f); err != nil {
		logger.Error().Err(err).Str("method", f.Method).Msg("failed to forward client frame")
	}
}

// answerInitialize responds locally; the subprocess is never consulted.
func (s *Server) answerInitialize(c *conn, f wire.Frame) {
	result := map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": false,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	}
	reply, err := wire.NewResponse(f.ID, result)
	if err != nil {
		return
	}
	if data, err := wire.Encode(reply); err == nil {
		if !c.enqueue(data) {
			s.dropSlow(c)
		}
	}
}

// handlePrompt opens a new turn: bump the counter, record the prompt in the
// ring, echo it to every other client, then forward it (metadata stripped)
// to the subprocess.
func (s *Server) handlePrompt(sender *conn, f wire.Frame) {
	var params wire.PromptParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		logger.Warn().Err(err).Msg("dropping malformed prompt")
		return
	}
	hidden := params.HiddenMode()
	ts := s.now().UnixMilli()

	s.mu.Lock()
	s.turn++
	turn := s.turn
	s.hiddenByTurn[turn] = hidden
	s.ring.Append(Entry{Timestamp: ts, Turn: turn, Hidden: hidden, Frame: f})
	s.evictHiddenLocked()
	index := s.ring.Len() - 1

	// Real-time peer echo: every client except the sender sees the prompt
	// wrapped in a replay envelope carrying turn and hidden mode.
	if env, err := wire.WrapReplay(f, ts, index, turn, hidden); err == nil {
		if data, err := wire.Encode(env); err == nil {
			s.broadcastLocked(data, sender)
		}
	}
	s.mu.Unlock()

	logger.Info().Int64("turn", turn).Str("hidden", string(hidden)).Msg("prompt accepted")

	params.StripMeta()
	stripped, err := json.Marshal(params)
	if err == nil {
		f.Params = stripped
	}
	if err := s.sup.WriteFrame(f); err != nil {
		logger.Error().Err(err).Msg("failed to forward prompt to agent")
	}
}

// handleOutbound applies the outbound frame policy for one subprocess
// frame: transform, record, broadcast, checkpoint.
func (s *Server) handleOutbound(f wire.Frame) {
	s.captureSessionID(f)

	frames := s.tf.Apply(f)
	for _, out := range frames {
		data, err := wire.Encode(out)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode outbound frame")
			continue
		}

		s.mu.Lock()
		if isStreamOfRecord(out) {
			s.ring.Append(Entry{
				Timestamp: s.now().UnixMilli(),
				Turn:      s.turn,
				Hidden:    s.hiddenByTurn[s.turn],
				Frame:     out,
			})
			s.evictHiddenLocked()
		}
		s.broadcastLocked(data, nil)
		s.mu.Unlock()

		if isStopOfTurn(out) {
			if files := s.sup.TakeModifiedFiles(); len(files) > 0 {
				s.fireCheckpoint(files)
			}
		}
	}
}

// isStreamOfRecord reports whether a frame belongs in the replay ring:
// session updates, permission requests, auth URLs, and structured events.
// Responses and internal tool replies are not stored.
func isStreamOfRecord(f wire.Frame) bool {
	switch f.Method {
	case wire.MethodSessionUpdate, wire.MethodRequestPermission,
		wire.MethodAuthURL, wire.MethodStructuredEvent:
		return true
	}
	return false
}

// captureSessionID remembers the downstream session id from a session/new
// response.
func (s *Server) captureSessionID(f wire.Frame) {
	if !f.IsResponse() || len(f.Result) == 0 {
		return
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(f.Result, &res); err != nil || res.SessionID == "" {
		return
	}
	s.mu.Lock()
	s.sessionID = res.SessionID
	s.mu.Unlock()
	logger.SetSession(res.SessionID)
	logger.Info().Str("session", res.SessionID).Msg("downstream session established")
}

// broadcastLocked fans data out to every attached client except skip.
// Caller holds s.mu. Clients with a full queue are dropped.
func (s *Server) broadcastLocked(data []byte, skip *conn) {
	for c := range s.conns {
		if c == skip {
			continue
		}
		if !c.enqueue(data) {
			logger.Warn().Str("client", c.id).Msg("dropping slow client")
			delete(s.conns, c)
			close(c.send)
		}
	}
}

// dropSlow removes a client whose queue overflowed outside a broadcast.
func (s *Server) dropSlow(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		logger.Warn().Str("client", c.id).Msg("dropping slow client")
		delete(s.conns, c)
		close(c.send)
	}
	s.mu.Unlock()
}

// evictHiddenLocked discards hidden-mode entries older than the oldest
// retained turn. Caller holds s.mu.
func (s *Server) evictHiddenLocked() {
	oldest := s.ring.OldestTurn()
	for turn := range s.hiddenByTurn {
		if turn < oldest {
			delete(s.hiddenByTurn, turn)
		}
	}
}

// handleRestart resets per-subprocess state after a crash replacement: the
// session identifier and the turn counter start fresh. The replay ring is
// cleared too; pre-restart entries would collide with the restarted
// counter and ring turn ids must stay non-decreasing.
func (s *Server) handleRestart() {
	s.mu.Lock()
	s.turn = 0
	s.sessionID = ""
	s.hiddenByTurn = make(map[int64]wire.HiddenMode)
	s.ring = NewRing(0)
	s.mu.Unlock()
	logger.SetSession("")
	logger.Info().Msg("agent subprocess replaced, session state reset")
}
