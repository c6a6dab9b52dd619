package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type pingEvent struct {
	Nonce uint64 `json:"nonce"`
}

func (*pingEvent) Op() OpCode { return 42 }

func serve(t *testing.T, fn func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Error("cannot accept:", err)
			return
		}
		fn(r.Context(), c)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDecode(t *testing.T) {
	addr := serve(t, func(ctx context.Context, c *websocket.Conn) {
		c.Write(ctx, websocket.MessageText, []byte(`{"op":42,"d":{"nonce":7}}`))
		c.Write(ctx, websocket.MessageText, []byte(`{"op":99,"d":{"x":1}}`))
		c.Write(ctx, websocket.MessageText, []byte(`{"op":42,"d":"garbage"}`))
		c.Close(websocket.StatusCode(4014), "disconnected")
	})

	codec := NewCodec(NewOpUnmarshalers(func() Event { return new(pingEvent) }))
	sock := NewWebsocket(codec, addr, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := sock.Dial(ctx)
	require.NoError(t, err)

	op, err := ReadOp(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, &pingEvent{Nonce: 7}, op.Data)

	op, err = ReadOp(ctx, ch)
	require.NoError(t, err)
	assert.True(t, IsUnknownEvent(op.Data.(error)), "op 99 must be reported as unknown")
	assert.Equal(t, OpCode(99), op.Code)

	op, err = ReadOp(ctx, ch)
	require.NoError(t, err)
	assert.IsType(t, (*BackgroundErrorEvent)(nil), op.Data)

	op, err = ReadOp(ctx, ch)
	require.NoError(t, err)
	closeEv, ok := op.Data.(*CloseEvent)
	require.True(t, ok, "expected close event, got %T", op.Data)
	assert.Equal(t, 4014, closeEv.Code)

	_, err = ReadOp(ctx, ch)
	assert.ErrorIs(t, err, ErrWebsocketClosed)

	assert.NoError(t, sock.Close())
	assert.ErrorIs(t, sock.Close(), ErrWebsocketClosed)
}

func TestWebsocketCloseCode(t *testing.T) {
	got := make(chan websocket.StatusCode, 1)

	addr := serve(t, func(ctx context.Context, c *websocket.Conn) {
		_, b, err := c.Read(ctx)
		if err == nil {
			assert.JSONEq(t, `{"op":42,"d":{"nonce":3}}`, string(b))
		}
		_, _, err = c.Read(ctx)
		got <- websocket.CloseStatus(err)
	})

	codec := NewCodec(NewOpUnmarshalers(func() Event { return new(pingEvent) }))
	sock := NewWebsocket(codec, addr, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sock.Dial(ctx)
	require.NoError(t, err)

	require.NoError(t, sock.Send(ctx, []byte(`{"op":42,"d":{"nonce":3}}`)))
	require.NoError(t, sock.CloseWithCode(1000))

	select {
	case code := <-got:
		assert.Equal(t, websocket.StatusNormalClosure, code)
	case <-ctx.Done():
		t.Fatal("server never saw the close frame")
	}
}

func TestOpUnmarshalersOverride(t *testing.T) {
	m := NewOpUnmarshalers(func() Event { return new(pingEvent) })
	assert.NotNil(t, m.Lookup(42))
	assert.Nil(t, m.Lookup(43))
}
