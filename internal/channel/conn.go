package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/metrics"
)

const (
	// pingInterval and pongWait implement the keepalive contract:
	// a ping every 20s, two missed pongs (45s of silence) kill the
	// connection.
	pingInterval = 20 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second

	// requestTimeout applies to Send when the caller brings no
	// deadline of its own.
	requestTimeout = 30 * time.Second

	// pushQueueSize bounds the outbound queue; on overflow the oldest
	// frame is dropped. Status is eventually consistent through the
	// reconciler, so a lost push heals itself.
	pushQueueSize = 1024
)

// cancelPayload travels in a "cancel" push and names the request the
// remote caller gave up on.
type cancelPayload struct {
	ID string `json:"id"`
}

// conn is one live WebSocket to a peer. It owns the socket entirely:
// a reader goroutine, a writer goroutine with the outbound queue, the
// correlation map for outstanding requests, and the cancel functions
// of requests the peer has in flight here.
type conn struct {
	peer    string
	ws      *websocket.Conn
	router  *Router
	metrics *metrics.Metrics
	logger  *slog.Logger

	writeCh chan frame
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	pending  map[string]chan frame
	inflight map[string]context.CancelFunc
}

func newConn(peer string, ws *websocket.Conn, router *Router, m *metrics.Metrics) *conn {
	return &conn{
		peer:     peer,
		ws:       ws,
		router:   router,
		metrics:  m,
		logger:   slog.Default().With("component", "channel", "peer", peer),
		writeCh:  make(chan frame, pushQueueSize),
		done:     make(chan struct{}),
		pending:  map[string]chan frame{},
		inflight: map[string]context.CancelFunc{},
	}
}

// run serves the connection until the socket dies or ctx is
// cancelled. It blocks; the manager runs it in a goroutine.
func (c *conn) run(ctx context.Context) {
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()
	c.readLoop(ctx)
	c.close()
}

// close tears the connection down exactly once. Outstanding sends
// observe done and fail with channel_down; inbound handlers still
// running are cancelled.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, cancel := range c.inflight {
			cancel()
		}
		c.mu.Unlock()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) readLoop(ctx context.Context) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed() {
				c.logger.Info("channel read ended", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.metrics.FrameReceived(c.peer)

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch {
		case f.isReply():
			c.deliverReply(f)
		case f.isRequest():
			go c.serveRequest(ctx, f)
		case f.Type == "cancel":
			c.cancelInflight(f.Payload)
		default:
			c.router.handlePush(ctx, c.peer, f.Type, f.Payload)
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case f := <-c.writeCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.logger.Info("channel write failed", "error", err)
				c.close()
				return
			}
			c.metrics.FrameSent(c.peer)
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			// Best-effort close frame so the peer skips its pong wait.
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (c *conn) deliverReply(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("dropping reply without matching request", "id", f.ID)
		return
	}
	ch <- f
}

func (c *conn) serveRequest(ctx context.Context, f frame) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.inflight[f.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, f.ID)
		c.mu.Unlock()
	}()

	result, err := c.router.handleRequest(rctx, c.peer, f.Type, f.Payload)

	var reply frame
	if err != nil {
		reply = errReply(f.ID, err.Error())
	} else if reply, err = okReply(f.ID, result); err != nil {
		reply = errReply(f.ID, err.Error())
	}

	select {
	case c.writeCh <- reply:
	case <-c.done:
	}
}

func (c *conn) cancelInflight(payload json.RawMessage) {
	var p cancelPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
		return
	}
	c.mu.Lock()
	cancel, ok := c.inflight[p.ID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// send issues a request and waits for the matching reply. Errors map
// to the transport taxonomy: channel_down when the socket dies,
// timeout on the deadline, cancelled when the caller gives up, and
// RemoteError when the peer replies ok=false.
func (c *conn) send(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	id := newRequestID()
	f, err := requestFrame(id, typ, payload)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.writeCh <- f:
	case <-c.done:
		return nil, core.ErrChannelDown
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	if deadline, ok := ctx.Deadline(); ok {
		// The caller's deadline governs; park the default timer.
		timer.Reset(time.Until(deadline) + time.Minute)
	}

	select {
	case r := <-replyCh:
		if r.OK != nil && *r.OK {
			return r.Payload, nil
		}
		return nil, &core.RemoteError{Msg: r.Error}
	case <-c.done:
		return nil, core.ErrChannelDown
	case <-ctx.Done():
		c.pushCancel(id)
		return nil, ctxErr(ctx)
	case <-timer.C:
		c.pushCancel(id)
		return nil, core.ErrTimeout
	}
}

// pushCancel tells the peer the caller no longer wants the answer.
// Best-effort: if the queue is full the remote work just runs out.
func (c *conn) pushCancel(id string) {
	f, err := pushFrame("cancel", cancelPayload{ID: id})
	if err != nil {
		return
	}
	select {
	case c.writeCh <- f:
	default:
	}
}

// push enqueues a fire-and-forget frame. On a full queue the oldest
// queued frame is dropped so fresh status wins over stale.
func (c *conn) push(typ string, payload any) error {
	f, err := pushFrame(typ, payload)
	if err != nil {
		return err
	}
	for {
		select {
		case c.writeCh <- f:
			return nil
		case <-c.done:
			return core.ErrChannelDown
		default:
		}
		select {
		case old := <-c.writeCh:
			c.logger.Warn("push queue overflow, dropping oldest frame", "type", old.Type)
			c.metrics.DroppedPush(c.peer)
		default:
		}
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.ErrTimeout
	}
	return core.ErrCancelled
}
