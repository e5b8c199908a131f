// Package signaling is the client side of the websocket signaling protocol.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("signaling connection closed")

// Client manages the websocket connection to the signaling server.
type Client struct {
	serverURL string
	log       *slog.Logger

	conn     *websocket.Conn
	incoming chan *domain.Message
	outgoing chan *domain.Message
	done     chan struct{}
	once     sync.Once
}

func NewClient(serverURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		serverURL: serverURL,
		log:       log,
		incoming:  make(chan *domain.Message, 32),
		outgoing:  make(chan *domain.Message, 32),
		done:      make(chan struct{}),
	}
}

// Connect dials the server, retrying with exponential backoff up to
// maxRetries more times, and starts the pumps.
func (c *Client) Connect(ctx context.Context, maxRetries int) error {
	const op = "signaling.client.connect"

	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("%s: invalid server url: %w", op, err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(maxRetries, 0))), ctx)
	conn, err := backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		return conn, err
	}, policy, func(err error, next time.Duration) {
		c.log.Warn("signaling dial failed, retrying", sl.Err(err), slog.Duration("next", next))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.log.Info("connected to signaling server", slog.String("url", u.String()))
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg domain.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("signaling read failed", sl.Err(err))
			}
			return
		}
		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("signaling write failed", sl.Err(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg for the server.
func (c *Client) Send(ctx context.Context, msg *domain.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan *domain.Message {
	return c.incoming
}

func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}
