package ipc

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// Transport errors
	ErrTransport       = errors.New("transport error")
	ErrTransportClosed = fmt.Errorf("%w: transport closed", ErrTransport)
	ErrNotConnected    = fmt.Errorf("%w: not connected", ErrTransport)
	ErrUnknownPeer     = fmt.Errorf("%w: unknown peer", ErrTransport)

	// Protocol errors
	ErrNotFound       = errors.New("not found")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnsupportedOp  = errors.New("unsupported op code")
	ErrEmptyPayload   = errors.New("empty payload")
)

// well-known names keep errors.Is working after a round trip over the wire.
var errorNames = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFoundError"},
	{ErrUnknownCommand, "UnknownCommandError"},
	{ErrUnsupportedOp, "UnsupportedOpError"},
	{ErrTransport, "TransportError"},
}

// ErrorObject is the serialized form of an error: {name, message, stack}.
type ErrorObject struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// ErrorObjectFrom serializes err. Remote errors keep their original name and
// stack so relayed failures still point at the side that produced them.
func ErrorObjectFrom(err error) ErrorObject {
	if err == nil {
		return ErrorObject{Name: "Error"}
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return ErrorObject{Name: re.Name, Message: re.Message, Stack: re.Stack}
	}
	obj := ErrorObject{Name: "Error", Message: err.Error()}
	for _, n := range errorNames {
		if errors.Is(err, n.err) {
			obj.Name = n.name
			break
		}
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		obj.Name = "PanicError"
		obj.Stack = string(pe.Stack)
	}
	return obj
}

// MakeError reconstructs a native error from its serialized form.
func MakeError(obj ErrorObject) error {
	return &RemoteError{Name: obj.Name, Message: obj.Message, Stack: obj.Stack}
}

// RemoteError is an error that happened on the other end of an IPC connection.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote %s: %s", e.Name, e.Message)
}

// Is matches the sentinel error that was serialized under the same name.
func (e *RemoteError) Is(target error) bool {
	for _, n := range errorNames {
		if n.name == e.Name && errors.Is(n.err, target) {
			return true
		}
	}
	return false
}

// PanicError wraps a value recovered while executing a request.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// NewPanicError converts a recovered value into an error carrying the stack.
func NewPanicError(r any) error {
	return &PanicError{Value: r, Stack: debug.Stack()}
}
