package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// ErrClosed is returned for operations on a closed client and delivered to
// requests still in flight when the connection goes away for good.
var ErrClosed = errors.New("client: connection closed")

const (
	dialTimeout    = 10 * time.Second
	reconnectDelay = 2 * time.Second
)

// transport owns the WebSocket: it serializes writes, demultiplexes
// responses to their callers by request id, and reconnects with a fixed
// backoff until closed. Every non-response frame is handed to onFrame from
// a single goroutine, so arrival order is preserved.
type transport struct {
	url         string
	onFrame     func(wire.Frame)
	onReconnect func()

	writeMu sync.Mutex

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan wire.Frame
	nextID  int64
	closed  bool
}

func newTransport(url string, onFrame func(wire.Frame)) *transport {
	return &transport{
		url:     url,
		onFrame: onFrame,
		pending: make(map[string]chan wire.Frame),
	}
}

// connect dials the bridge and starts the read loop.
func (t *transport) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	t.ws = ws
	t.mu.Unlock()

	go t.readLoop(ctx, ws)
	return nil
}

func (t *transport) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.handleDisconnect(ctx, err)
			return
		}
		f, err := wire.Parse(data)
		if err != nil {
			logger.Debug().Err(err).Msg("client: dropping unparseable frame")
			continue
		}
		if f.IsResponse() {
			if t.deliver(f) {
				continue
			}
			// Response nobody asked for; surface it anyway.
		}
		t.onFrame(f)
	}
}

// deliver routes a response to its waiting caller.
func (t *transport) deliver(f wire.Frame) bool {
	t.mu.Lock()
	ch, ok := t.pending[f.ID.String()]
	if ok {
		delete(t.pending, f.ID.String())
	}
	t.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// handleDisconnect fails in-flight requests and keeps redialing until the
// transport is closed or the context ends.
func (t *transport) handleDisconnect(ctx context.Context, cause error) {
	t.mu.Lock()
	closed := t.closed
	t.ws = nil
	t.failPendingLocked()
	t.mu.Unlock()

	if closed || ctx.Err() != nil {
		return
	}
	logger.Warn().Err(cause).Msg("client: connection lost, reconnecting")

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		if err := t.connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			logger.Debug().Err(err).Msg("client: reconnect failed")
			continue
		}
		if t.onReconnect != nil {
			t.onReconnect()
		}
		return
	}
}

// failPendingLocked rejects every in-flight request. Waiters receive a
// zero frame and report ErrClosed.
func (t *transport) failPendingLocked() {
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// call sends a request and waits for its response.
func (t *transport) call(ctx context.Context, method string, params any) (wire.Frame, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return wire.Frame{}, ErrClosed
	}
	t.nextID++
	id := wire.NumberID(t.nextID)
	ch := make(chan wire.Frame, 1)
	t.pending[id.String()] = ch
	t.mu.Unlock()

	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		t.drop(id)
		return wire.Frame{}, err
	}
	if err := t.send(req); err != nil {
		t.drop(id)
		return wire.Frame{}, err
	}

	select {
	case <-ctx.Done():
		t.drop(id)
		return wire.Frame{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return wire.Frame{}, ErrClosed
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	}
}

func (t *transport) drop(id *wire.ID) {
	t.mu.Lock()
	delete(t.pending, id.String())
	t.mu.Unlock()
}

// notify sends a fire-and-forget frame.
func (t *transport) notify(method string, params any) error {
	f, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.send(f)
}

// respond answers a server-initiated request.
func (t *transport) respond(id *wire.ID, result any) error {
	f, err := wire.NewResponse(id, result)
	if err != nil {
		return err
	}
	return t.send(f)
}

func (t *transport) send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	ws := t.ws
	closed := t.closed
	t.mu.Unlock()
	if closed || ws == nil {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

// close tears the connection down and rejects anything still waiting.
func (t *transport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ws := t.ws
	t.ws = nil
	t.failPendingLocked()
	t.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}
