// Package transport owns a single WebSocket connection to the groupsync
// server. It provides correlated request/reply invocation of named
// operations and dispatch of server pushes to registered handlers.
// Reconnect policy lives above this package; when the read pump fails the
// connection is dead and the closed callback fires exactly once.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

const handshakeTimeout = 10 * time.Second

// ErrClosed is returned by Invoke when the connection dies before a reply
// arrives.
var ErrClosed = errors.New("transport: connection closed")

// PushHandler consumes one server-pushed envelope. Handlers run on the read
// pump goroutine, so envelopes for a connection are handled in arrival order.
type PushHandler func(protocol.Envelope)

// Conn is a live connection. Register push handlers and the closed callback
// between Dial and Start; after Start the read pump is running.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope

	handlersMu sync.RWMutex
	handlers   map[string]PushHandler

	onClosed  func(error)
	closeOnce sync.Once
	done      chan struct{}
}

// Dial establishes the WebSocket with a bearer credential. It does not
// start the read pump.
func Dial(ctx context.Context, endpoint, credential string, log zerolog.Logger) (*Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	return &Conn{
		ws:       ws,
		log:      log,
		pending:  make(map[string]chan protocol.Envelope),
		handlers: make(map[string]PushHandler),
		done:     make(chan struct{}),
	}, nil
}

// OnPush registers the handler for one push event type. Must be called
// before Start.
func (c *Conn) OnPush(eventType string, h PushHandler) {
	c.handlersMu.Lock()
	c.handlers[eventType] = h
	c.handlersMu.Unlock()
}

// OnClosed registers the callback invoked once when the read pump exits.
// Must be called before Start.
func (c *Conn) OnClosed(fn func(error)) {
	c.onClosed = fn
}

// Start launches the read pump.
func (c *Conn) Start() {
	go c.readPump()
}

// Invoke sends one named operation and waits for its correlated reply. A
// TypeAck reply is unmarshalled into out when out is non-nil; a TypeError
// reply is returned as *protocol.RemoteError.
func (c *Conn) Invoke(ctx context.Context, op string, in, out any) error {
	env, err := protocol.NewEnvelope(op, uuid.NewString(), in)
	if err != nil {
		return err
	}

	replyCh := make(chan protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.ID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	select {
	case reply := <-replyCh:
		return decodeReply(op, reply, out)
	case <-c.done:
		return fmt.Errorf("%s: %w", op, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func decodeReply(op string, reply protocol.Envelope, out any) error {
	switch reply.Type {
	case protocol.TypeAck:
		if out == nil || len(reply.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Payload, out); err != nil {
			return fmt.Errorf("%s: unmarshal ack payload: %w", op, err)
		}
		return nil
	case protocol.TypeError:
		var ep protocol.ErrorPayload
		if err := json.Unmarshal(reply.Payload, &ep); err != nil {
			return fmt.Errorf("%s: unmarshal error payload: %w", op, err)
		}
		return &protocol.RemoteError{Code: ep.ErrorCode, Message: ep.ErrorMessage}
	default:
		return fmt.Errorf("%s: unexpected reply type %s", op, reply.Type)
	}
}

func (c *Conn) write(env protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Close tears the connection down. The closed callback still fires, from
// the read pump.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// readPump reads until the connection errors, dispatching replies to
// pending invokes and pushes to their handlers.
func (c *Conn) readPump() {
	var cause error
	defer func() { c.shutdown(cause) }()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Msg("connection closed")
			} else {
				c.log.Debug().Err(err).Msg("read failed")
				cause = err
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn().Err(err).Bytes("raw", raw).Msg("dropping unparseable frame")
			continue
		}

		if env.ID != "" {
			c.deliverReply(env)
			continue
		}
		c.dispatchPush(env)
	}
}

func (c *Conn) deliverReply(env protocol.Envelope) {
	c.pendingMu.Lock()
	replyCh, ok := c.pending[env.ID]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug().Str("id", env.ID).Str("type", env.Type).Msg("reply for unknown invoke")
		return
	}
	replyCh <- env
}

func (c *Conn) dispatchPush(env protocol.Envelope) {
	c.handlersMu.RLock()
	h, ok := c.handlers[env.Type]
	c.handlersMu.RUnlock()
	if !ok {
		c.log.Debug().Str("type", env.Type).Msg("unhandled push type")
		return
	}
	h(env)
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		if c.onClosed != nil {
			c.onClosed(cause)
		}
	})
}
