package ws

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/diamondburned/voicecore/utils/json"
)

// Codec holds the state needed to turn websocket frames into Ops. It is shared
// between the Websocket and its Connection.
type Codec struct {
	Unmarshalers OpUnmarshalers
	Headers      http.Header
}

// NewCodec creates a new Codec instance with the given registry.
func NewCodec(unmarshalers OpUnmarshalers) Codec {
	return Codec{
		Unmarshalers: unmarshalers,
		Headers:      http.Header{},
	}
}

type codecOp struct {
	Code OpCode   `json:"op"`
	Data json.Raw `json:"d,omitempty"`
}

// DecodeInto reads a single frame from r and sends the decoded Op into out.
// Decoding failures are sent as BackgroundErrorEvents and unknown op codes as
// UnknownEventErrors; only a context error is returned.
func (c Codec) DecodeInto(ctx context.Context, r io.Reader, out chan<- Op) error {
	var op codecOp

	if err := json.DecodeStream(r, &op); err != nil {
		return send(ctx, out, errOp(errors.Wrap(err, "cannot read JSON frame")))
	}

	fn := c.Unmarshalers.Lookup(op.Code)
	if fn == nil {
		ev := &UnknownEventError{Code: op.Code, Data: op.Data}
		return send(ctx, out, Op{Code: op.Code, Data: ev})
	}

	data := fn()
	if err := op.Data.UnmarshalTo(data); err != nil {
		err = errors.Wrapf(err, "cannot unmarshal op %d", op.Code)
		return send(ctx, out, errOp(err))
	}

	return send(ctx, out, Op{Code: op.Code, Data: data})
}

func send(ctx context.Context, ch chan<- Op, op Op) error {
	select {
	case ch <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errOp(err error) Op {
	return Op{Code: backgroundOp, Data: &BackgroundErrorEvent{Err: err}}
}
