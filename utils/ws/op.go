package ws

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/diamondburned/voicecore/utils/json"
)

// OpCode is the type for websocket Op codes. Op codes less than 0 are
// internal Op codes generated by this package; they never go over the wire.
type OpCode int

const (
	closeOp      OpCode = -1
	backgroundOp OpCode = -2
	unknownOp    OpCode = -3
)

// Event describes the data of a gateway Operation, which is the "d" field in
// the payload.
type Event interface {
	Op() OpCode
}

// Op is a gateway Operation.
type Op struct {
	Code OpCode `json:"op"`
	Data Event  `json:"d,omitempty"`
}

// CloseEvent is the last Op given from the read loop once the websocket is
// closed.
type CloseEvent struct {
	// Err is the underlying error.
	Err error
	// Code is the websocket close code, if any. It is -1 otherwise.
	Code int
}

// Unwrap returns err.Err.
func (e *CloseEvent) Unwrap() error { return e.Err }

// Error formats the CloseEvent. A CloseEvent is also an error.
func (e *CloseEvent) Error() string {
	return fmt.Sprintf("websocket closed with code %d: %v", e.Code, e.Err)
}

// Op implements Event. It returns -1.
func (e *CloseEvent) Op() OpCode { return closeOp }

// BackgroundErrorEvent describes a non-fatal error that the read loop stumbled
// upon, such as a frame that could not be decoded.
type BackgroundErrorEvent struct {
	Err error
}

// Unwrap returns err.Err.
func (e *BackgroundErrorEvent) Unwrap() error { return e.Err }

// Error formats the BackgroundErrorEvent.
func (e *BackgroundErrorEvent) Error() string {
	return "background gateway error: " + e.Err.Error()
}

// Op implements Event. It returns -2.
func (e *BackgroundErrorEvent) Op() OpCode { return backgroundOp }

// UnknownEventError is given for every frame whose op code has no registered
// constructor. Unknown events are logged and dropped; they are never fatal.
type UnknownEventError struct {
	Code OpCode
	Data json.Raw
}

// Error formats the unknown event error with its op code and payload.
func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown op %d: %s", e.Code, e.Data)
}

// Op implements Event. It returns -3.
func (e *UnknownEventError) Op() OpCode { return unknownOp }

// IsUnknownEvent returns true if the error is an unknown event error.
func IsUnknownEvent(err error) bool {
	var uevent *UnknownEventError
	return errors.As(err, &uevent)
}

// OpFunc is a constructor function for an Operation's data.
type OpFunc func() Event

// OpUnmarshalers is an explicit registry from op code to data constructor.
// Lookups never use reflection.
type OpUnmarshalers struct {
	r map[OpCode]OpFunc
}

// NewOpUnmarshalers creates a new OpUnmarshalers instance from the given
// constructor functions.
func NewOpUnmarshalers(funcs ...OpFunc) OpUnmarshalers {
	m := OpUnmarshalers{r: make(map[OpCode]OpFunc, len(funcs))}
	m.Add(funcs...)
	return m
}

// Add adds the given functions into the unmarshaler registry. A later
// function overrides an earlier one with the same op code.
func (m OpUnmarshalers) Add(funcs ...OpFunc) {
	for _, fn := range funcs {
		m.r[fn().Op()] = fn
	}
}

// Lookup searches the registry for the given op code's constructor.
func (m OpUnmarshalers) Lookup(op OpCode) OpFunc {
	return m.r[op]
}

// ReadOp reads a single Op.
func ReadOp(ctx context.Context, ch <-chan Op) (Op, error) {
	select {
	case <-ctx.Done():
		return Op{}, ctx.Err()
	case op, ok := <-ch:
		if !ok {
			return Op{}, ErrWebsocketClosed
		}
		return op, nil
	}
}
