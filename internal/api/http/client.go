package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/internal/service"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// wsClient is one websocket connection. Outbound messages go through a
// buffered queue drained by writePump, so a slow reader never blocks fan-out.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan *domain.Message
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     *slog.Logger
}

func newWSClient(id string, conn *websocket.Conn, opts ConnOptions, log *slog.Logger) *wsClient {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := max(opts.RateBurst, 1)
	return &wsClient{
		id:      id,
		conn:    conn,
		send:    make(chan *domain.Message, opts.OutboxSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With(slog.String("connection_id", id)),
	}
}

// Send enqueues without blocking. A full or closed queue drops the message.
func (c *wsClient) Send(msg *domain.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) Close() {
	c.once.Do(func() { close(c.done) })
}

// readPump runs on the handler goroutine until the socket fails or closes.
func (c *wsClient) readPump(ctx context.Context, rooms service.RoomInteractor, maxMessageSize int64) {
	defer func() {
		rooms.Disconnect(ctx, c.id)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", sl.Err(err))
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("malformed message", sl.Err(err))
			c.Send(domain.NewErrorMessage(fmt.Errorf("%w: malformed message", domain.ErrInvalidRequest)))
			continue
		}

		// offers, answers and candidates bypass the limiter
		if !msg.Type.IsDirected() && !c.limiter.Allow() {
			c.log.Warn("rate limit exceeded", slog.String("type", string(msg.Type)))
			c.Send(domain.NewErrorMessage(fmt.Errorf("%w: %s", domain.ErrRateLimited, msg.Type)))
			continue
		}

		c.handle(ctx, rooms, &msg)
	}
}

func (c *wsClient) handle(ctx context.Context, rooms service.RoomInteractor, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic while handling message",
				slog.String("type", string(msg.Type)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	_ = rooms.HandleMessage(ctx, c.id, msg)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("websocket write failed", sl.Err(err))
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing connection"))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
