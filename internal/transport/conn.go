// Package transport carries protocol envelopes between peers over
// websocket connections, one envelope per text message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/feedsync/internal/protocol"
)

const (
	// DefaultWriteTimeout bounds a single envelope write when ctx carries
	// no deadline.
	DefaultWriteTimeout = 10 * time.Second

	// MaxMessageSize is the largest envelope accepted from a peer.
	MaxMessageSize = 16 << 20

	handshakeTimeout = 15 * time.Second
)

// Handler receives every decoded envelope read from a connection.
type Handler func(ctx context.Context, env protocol.Envelope) error

// DecodeErrorHandler receives messages whose envelope header parsed but
// whose payload did not.
type DecodeErrorHandler func(ctx context.Context, derr *protocol.DecodeError) error

// Conn is a peer link. Send is safe for concurrent use; ReadLoop must run
// in exactly one goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	onDecodeErr  DecodeErrorHandler
	closeOnce    sync.Once
	closeErr     error
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{ws: ws, writeTimeout: DefaultWriteTimeout}
}

// Dial connects to a peer's sync endpoint, e.g. ws://authority:8080/sync.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status=%d err=%w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(ws), nil
}

// SetWriteTimeout overrides DefaultWriteTimeout.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeTimeout = d
}

// OnDecodeError routes undecodable payloads to h instead of dropping them.
// Must be called before ReadLoop.
func (c *Conn) OnDecodeError(h DecodeErrorHandler) {
	c.onDecodeErr = h
}

// Send writes one envelope. It matches feedsync.SendFunc.
func (c *Conn) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send: set deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Tag(), err)
	}
	return nil
}

// ReadLoop reads envelopes until the connection closes or ctx is done,
// handing each to h. A message with a readable header but a bad payload
// goes to the OnDecodeError handler when one is set. Anything else that
// cannot be decoded, and handler errors, are logged and skipped. Returns nil
// on a clean close or cancellation.
func (c *Conn) ReadLoop(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			slog.Warn("ignoring non-text message", "type", msgType)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			var derr *protocol.DecodeError
			if c.onDecodeErr != nil && errors.As(err, &derr) {
				if err := c.onDecodeErr(ctx, derr); err != nil {
					slog.Debug("decode error handler failed", "request_id", derr.RequestID, "error", err)
				}
				continue
			}
			slog.Warn("ignoring undecodable envelope", "error", err, "bytes", len(data))
			continue
		}
		if err := h(ctx, env); err != nil {
			slog.Debug("envelope handler failed",
				"request_id", env.RequestID(),
				"tag", env.Tag(),
				"error", err,
			)
		}
	}
}

// Close sends a close frame and closes the connection. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
