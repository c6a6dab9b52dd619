package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"
	"go.uber.org/zap"
)

const rwBufferSize = 1 << 14 // 16KB

// NoCloseFrame tells Close to drop the socket without sending a close frame.
const NoCloseFrame = 0

// ErrWebsocketClosed is returned if the websocket is already closed.
var ErrWebsocketClosed = errors.New("websocket is closed")

// Connection abstracts around a generic Websocket driver. The implementation
// doesn't have to be safe for concurrent use.
type Connection interface {
	// Dial dials the address. The returned channel receives every decoded Op
	// and is closed after a final CloseEvent.
	Dial(ctx context.Context, addr string) (<-chan Op, error)
	// Send sends a single text frame.
	Send(ctx context.Context, b []byte) error
	// Close closes the connection. If code is not NoCloseFrame, a close frame
	// carrying that code is written first.
	Close(code int) error
}

// Dialer dials a websocket URL. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error)
}

// Conn is the default Websocket connection, backed by gorilla/websocket.
type Conn struct {
	dialer Dialer
	codec  Codec
	logger *zap.Logger

	mut  sync.Mutex
	conn *activeConn

	// CloseTimeout bounds the time spent writing the close frame.
	CloseTimeout time.Duration
}

type activeConn struct {
	*websocket.Conn
	wrmut  csync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Connection = (*Conn)(nil)

// DefaultDialer returns the dialer used by NewConn.
func DefaultDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   rwBufferSize,
		WriteBufferSize:  rwBufferSize,
	}
}

// NewConn creates a new websocket connection with the default dialer.
func NewConn(codec Codec, logger *zap.Logger) *Conn {
	return NewConnWithDialer(codec, DefaultDialer(), logger)
}

// NewConnWithDialer creates a new websocket connection with a custom dialer.
func NewConnWithDialer(codec Codec, dialer Dialer, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		dialer:       dialer,
		codec:        codec,
		logger:       logger,
		CloseTimeout: 5 * time.Second,
	}
}

// Dial starts a new connection and returns the listening channel for it. An
// existing connection is dropped first.
func (c *Conn) Dial(ctx context.Context, addr string) (<-chan Op, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn != nil {
		c.conn.close(c.logger, c.CloseTimeout, NoCloseFrame)
		c.conn = nil
	}

	conn, _, err := c.dialer.DialContext(ctx, addr, c.codec.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial WS")
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	active := &activeConn{
		Conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	events := make(chan Op, 1)
	go func() {
		defer close(active.done)
		readLoop(loopCtx, conn, c.codec, c.logger, events)
	}()

	c.conn = active
	return events, nil
}

// Close implements Connection.
func (c *Conn) Close(code int) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn == nil {
		return ErrWebsocketClosed
	}

	err := c.conn.close(c.logger, c.CloseTimeout, code)
	c.conn = nil
	return err
}

func (c *activeConn) close(log *zap.Logger, timeout time.Duration, code int) error {
	if code != NoCloseFrame {
		deadline := time.Now().Add(timeout)

		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		if err := c.wrmut.CLock(ctx); err == nil {
			c.SetWriteDeadline(deadline)

			msg := websocket.FormatCloseMessage(code, "")
			if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
				log.Debug("cannot write close frame", zap.Int("code", code), zap.Error(err))
			}

			c.wrmut.Unlock()
		}
	}

	err := c.Conn.Close()
	c.cancel()
	<-c.done

	log.Debug("websocket closed", zap.Int("code", code), zap.Error(err))
	return err
}

// Send implements Connection.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	c.mut.Lock()
	conn := c.conn
	c.mut.Unlock()

	if conn == nil {
		return ErrWebsocketClosed
	}

	if err := conn.wrmut.CLock(ctx); err != nil {
		return err
	}
	defer conn.wrmut.Unlock()

	if d, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(d)
		defer conn.SetWriteDeadline(time.Time{})
	}

	return conn.WriteMessage(websocket.TextMessage, b)
}

func readLoop(ctx context.Context, conn *websocket.Conn, codec Codec, log *zap.Logger, opCh chan<- Op) {
	defer close(opCh)

	for {
		err := readFrame(ctx, conn, codec, opCh)
		if err == nil {
			continue
		}

		closeEv := &CloseEvent{Err: err, Code: -1}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			closeEv.Code = closeErr.Code
		}

		log.Debug("read loop stopped", zap.Int("code", closeEv.Code), zap.Error(err))

		// The receiver may have stopped listening once the connection was
		// closed locally, so don't block forever.
		select {
		case opCh <- Op{Code: closeEv.Op(), Data: closeEv}:
		case <-ctx.Done():
		}

		return
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn, codec Codec, opCh chan<- Op) error {
	t, r, err := conn.NextReader()
	if err != nil {
		return err
	}

	if t != websocket.TextMessage {
		return send(ctx, opCh, errOp(errors.Errorf("unexpected frame type %d", t)))
	}

	if err := codec.DecodeInto(ctx, r, opCh); err != nil {
		return errors.Wrap(err, "error distributing event")
	}

	return nil
}
