package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	wsReadLimit    = 1 << 20
	wsPongWait     = 45 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 128
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is one WebSocket client. Each text frame is a chat request; the
// events of every turn it starts are written back as JSON frames.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan models.StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	// The upgrade hijacks the connection, so turns are bound to the
	// connection lifetime rather than the request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsConn{
		server: s,
		conn:   conn,
		send:   make(chan models.StreamEvent, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()
	c.readLoop(r)

	cancel()
	c.turns.Wait()
	close(c.send)
	<-done
	_ = conn.Close() //nolint:errcheck
}

func (c *wsConn) readLoop(r *http.Request) {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.DebugContext(c.ctx, "websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if msgType != websocket.TextMessage {
			continue
		}

		var req models.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reject(fmt.Errorf("%w: decode frame: %w", agent.ErrInvalidRequest, err))
			continue
		}
		c.server.bindIdentity(r, &req)
		req.Stream = true

		events, err := c.server.deps.Runner.Stream(c.ctx, &req)
		if err != nil {
			c.reject(err)
			continue
		}
		c.turns.Add(1)
		go c.forward(events)
	}
}

// forward relays one turn's events to the writer.
func (c *wsConn) forward(events <-chan models.StreamEvent) {
	defer c.turns.Done()
	for event := range events {
		select {
		case c.send <- event:
		case <-c.ctx.Done():
			// Drain so the turn can release its session.
			for range events {
			}
			return
		}
	}
}

// reject reports an error for a frame that never started a turn.
func (c *wsConn) reject(err error) {
	_, kind := classify(err)
	event := models.StreamEvent{
		Event: models.EventError,
		Data:  models.ErrorData{Kind: kind, Message: err.Error()},
	}
	select {
	case c.send <- event:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteWait)) //nolint:errcheck
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteJSON(event); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.server.logger.DebugContext(c.ctx, "websocket write failed", "error", err)
				}
				c.cancel()
				c.discard()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				c.discard()
				return
			}
		}
	}
}

// discard drains the send channel after the writer gave up.
func (c *wsConn) discard() {
	_ = c.conn.Close() //nolint:errcheck
	for range c.send {
	}
}
