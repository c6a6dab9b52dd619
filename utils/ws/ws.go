// Package ws provides the websocket plumbing used by the voice gateway:
// framing into Ops, an explicit op registry and rate limits.
package ws

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Websocket is a wrapper around a websocket Conn with thread safety and rate
// limiting for sending and dialing.
type Websocket struct {
	mutex  csync.Mutex
	conn   Connection
	addr   string
	logger *zap.Logger

	sendLimiter *rate.Limiter
	dialLimiter *rate.Limiter
}

// NewWebsocket creates a default Websocket with the given address.
func NewWebsocket(c Codec, addr string, logger *zap.Logger) *Websocket {
	return NewCustomWebsocket(NewConn(c, logger), addr, logger)
}

// NewCustomWebsocket creates a new undialed Websocket.
func NewCustomWebsocket(conn Connection, addr string, logger *zap.Logger) *Websocket {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Websocket{
		conn:   conn,
		addr:   addr,
		logger: logger,

		sendLimiter: NewSendLimiter(),
		dialLimiter: NewDialLimiter(),
	}
}

// Addr returns the address that the Websocket dials.
func (ws *Websocket) Addr() string { return ws.addr }

// Dial waits until the rate limiter allows then dials the websocket.
func (ws *Websocket) Dial(ctx context.Context) (<-chan Op, error) {
	if err := ws.dialLimiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to wait for dial rate limiter")
	}

	if err := ws.mutex.CLock(ctx); err != nil {
		return nil, err
	}
	defer ws.mutex.Unlock()

	ws.sendLimiter = NewSendLimiter()

	ws.logger.Debug("dialing websocket", zap.String("addr", ws.addr))
	return ws.conn.Dial(ctx, ws.addr)
}

// Send sends b over the Websocket, waiting for the send rate limiter first.
func (ws *Websocket) Send(ctx context.Context, b []byte) error {
	if err := ws.mutex.CLock(ctx); err != nil {
		return err
	}
	sendLimiter := ws.sendLimiter
	conn := ws.conn
	ws.mutex.Unlock()

	if err := sendLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "send limiter failed")
	}

	return conn.Send(ctx, b)
}

// Close drops the websocket connection without a close frame. It assumes that
// the Websocket is closed even when it returns an error.
func (ws *Websocket) Close() error {
	return ws.CloseWithCode(NoCloseFrame)
}

// CloseWithCode closes the websocket connection with a close frame carrying
// code. If the Websocket was already closed, ErrWebsocketClosed is returned.
func (ws *Websocket) CloseWithCode(code int) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(code)
}
