package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Calls/internal/app"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrStreamClosed = errors.New("event stream closed")
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventConn is one UI websocket. Frames are queued and written by a single
// pump.
type eventConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *eventConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrStreamClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *eventConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *eventConn) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http.events").Msg("marshal frame")
		return
	}
	if err := c.TrySend(b); err != nil && !errors.Is(err, ErrStreamClosed) {
		log.Warn().Err(err).Str("module", "adapters.http.events").Msg("frame dropped")
	}
}

// handleEvents upgrades the request and streams every notice to the UI,
// starting with the current session.
func (a *API) handleEvents(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.GetString("client_token")
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http.events").Msg("ws upgrade")
			return
		}
		log.Info().Str("module", "adapters.http.events").Str("sid", sid).Msg("ui connected")

		conn := &eventConn{conn: ws, send: make(chan []byte, 32)}
		notices, unsubscribe := a.Orch.Subscribe(64)
		ctx, cancel := context.WithCancel(ctx)

		state := a.Orch.State()
		conn.sendJSON(app.Notice{Type: app.NoticeState, Session: &state})

		go a.forward(ctx, conn, notices)
		go a.writePump(ctx, sid, conn)
		go func() {
			a.readPump(ctx, sid, conn)
			cancel()
			unsubscribe()
		}()
	}
}

func (a *API) forward(ctx context.Context, conn *eventConn, notices <-chan app.Notice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			conn.sendJSON(n)
		}
	}
}

func (a *API) writePump(ctx context.Context, sid string, c *eventConn) {
	logger := log.With().Str("module", "adapters.http.events").Str("sid", sid).Logger()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn().Err(err).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// readPump serves the few requests the UI sends over the stream and closes
// the connection when the UI goes away.
func (a *API) readPump(ctx context.Context, sid string, c *eventConn) {
	logger := log.With().Str("module", "adapters.http.events").Str("sid", sid).Logger()
	defer func() {
		logger.Info().Msg("ui disconnected")
		c.Close()
	}()

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		a.handleFrame(c, data)
	}
}

func (a *API) handleFrame(c *eventConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http.events").Msg("bad json")
		return
	}
	switch env.Type {
	case "ping":
		c.sendJSON(struct {
			Type string `json:"type"`
		}{Type: "pong"})
	case "state":
		state := a.Orch.State()
		c.sendJSON(app.Notice{Type: app.NoticeState, Session: &state})
	default:
		log.Warn().Str("module", "adapters.http.events").Str("type", env.Type).Msg("unknown frame")
	}
}
