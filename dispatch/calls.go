package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/najoast/rref/message"
	"github.com/najoast/rref/rref"
)

var (
	// ErrUnknownMessageType is returned by Process for a tag outside the
	// closed message type set.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrUnexpectedMessage is returned for a response tag received as a
	// request.
	ErrUnexpectedMessage = errors.New("unexpected message type")

	// ErrNoExecutor is returned when a node cannot run the requested kind
	// of call.
	ErrNoExecutor = errors.New("no executor for call")
)

// Executor runs named operations.
type Executor interface {
	Execute(ctx context.Context, op string, inputs []message.Value) ([]message.Value, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op string, inputs []message.Value) ([]message.Value, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, op string, inputs []message.Value) ([]message.Value, error) {
	return f(ctx, op, inputs)
}

// OpaqueRunner runs serialized user functions and serializes values for
// opaque fetches.
type OpaqueRunner interface {
	RunOpaque(ctx context.Context, udf []byte) ([]byte, error)
	Serialize(v message.Value) ([]byte, error)
}

// CallDescriptor is the payload of a DirectCall.
type CallDescriptor struct {
	Op string `json:"op"`
}

// RemoteCall is the payload of RemoteCreate and RemoteCreateOpaque.
type RemoteCall struct {
	RRefID rref.RRefID `json:"rref_id"`
	ForkID rref.ForkID `json:"fork_id"`
	Op     string      `json:"op,omitempty"`
	UDF    []byte      `json:"udf,omitempty"`
}

// ArityError reports an operation that did not return exactly one output.
type ArityError struct {
	Op  string
	Got int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("operation %q returned %d outputs, expected exactly one", e.Op, e.Got)
}

// NewDirectCallMessage builds a DirectCall of op on args.
func NewDirectCallMessage(op string, args ...message.Value) *message.Message {
	return message.NewMessage(message.TypeDirectCall, message.MustEncodePayload(CallDescriptor{Op: op}), args...)
}

// NewOpaqueCallMessage builds an OpaqueCall running udf.
func NewOpaqueCallMessage(udf []byte) *message.Message {
	return message.NewMessage(message.TypeOpaqueCall, udf)
}

// NewRemoteCreateMessage builds a RemoteCreate storing the output of op
// into rrefID, referenced by the caller through forkID.
func NewRemoteCreateMessage(rrefID rref.RRefID, forkID rref.ForkID, op string, args ...message.Value) *message.Message {
	call := RemoteCall{RRefID: rrefID, ForkID: forkID, Op: op}
	return message.NewMessage(message.TypeRemoteCreate, message.MustEncodePayload(call), args...)
}

// NewRemoteCreateOpaqueMessage builds a RemoteCreateOpaque running udf.
func NewRemoteCreateOpaqueMessage(rrefID rref.RRefID, forkID rref.ForkID, udf []byte) *message.Message {
	call := RemoteCall{RRefID: rrefID, ForkID: forkID, UDF: udf}
	return message.NewMessage(message.TypeRemoteCreateOpaque, message.MustEncodePayload(call))
}
