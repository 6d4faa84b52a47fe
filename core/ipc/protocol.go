package ipc

import (
	"encoding/json"
	"fmt"
)

// OpCode discriminates the semantic type of an IPC message. The ordinals are
// part of the wire format and must never be reordered.
type OpCode int

const (
	OpEval OpCode = iota
	OpMessage
	OpBroadcast
	OpReady
	OpShardReady
	OpShardReconnect
	OpShardResume
	OpShardDisconnect
	OpMasterEval
	OpRestartAll
	OpRestart
	OpFetchUser
	OpFetchChannel
	OpFetchGuild

	opCount
)

var opNames = [opCount]string{
	OpEval:            "EVAL",
	OpMessage:         "MESSAGE",
	OpBroadcast:       "BROADCAST",
	OpReady:           "READY",
	OpShardReady:      "SHARD_READY",
	OpShardReconnect:  "SHARD_RECONNECT",
	OpShardResume:     "SHARD_RESUME",
	OpShardDisconnect: "SHARD_DISCONNECT",
	OpMasterEval:      "MASTER_EVAL",
	OpRestartAll:      "RESTART_ALL",
	OpRestart:         "RESTART",
	OpFetchUser:       "FETCH_USER",
	OpFetchChannel:    "FETCH_CHANNEL",
	OpFetchGuild:      "FETCH_GUILD",
}

// OpCodes returns every defined op code in ordinal order.
func OpCodes() []OpCode {
	out := make([]OpCode, 0, opCount)
	for op := OpCode(0); op < opCount; op++ {
		out = append(out, op)
	}
	return out
}

// Valid reports whether op is part of the closed enum.
func (op OpCode) Valid() bool { return op >= 0 && op < opCount }

func (op OpCode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("OP(%d)", int(op))
	}
	return opNames[op]
}

// Message is the request envelope {op, d}.
type Message struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// NewMessage encodes payload as the message data.
func NewMessage(op OpCode, payload any) (Message, error) {
	if payload == nil {
		return Message{Op: op}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Message{Op: op, D: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return Message{Op: op, D: data}, nil
}

// NormalizeMessage turns an arbitrary payload into a Message. Values that
// already are messages pass through unchanged; everything else is wrapped as
// {op: MESSAGE, d: payload}.
func NormalizeMessage(payload any) (Message, error) {
	switch m := payload.(type) {
	case Message:
		return m, nil
	case *Message:
		if m == nil {
			return Message{Op: OpMessage}, nil
		}
		return *m, nil
	default:
		return NewMessage(OpMessage, payload)
	}
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	if len(m.D) == 0 {
		return fmt.Errorf("decode %s payload: %w", m.Op, ErrEmptyPayload)
	}
	if err := json.Unmarshal(m.D, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Op, err)
	}
	return nil
}

// Reply answers a receptive request: {success, d}. On failure D carries an
// ErrorObject, or nothing for a plain negative answer.
type Reply struct {
	Success bool            `json:"success"`
	D       json.RawMessage `json:"d,omitempty"`
}

// OK builds a successful reply carrying v.
func OK(v any) Reply {
	if v == nil {
		return Reply{Success: true}
	}
	if raw, ok := v.(json.RawMessage); ok {
		return Reply{Success: true, D: raw}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Fail(fmt.Errorf("encode reply: %w", err))
	}
	return Reply{Success: true, D: data}
}

// Fail builds a failed reply carrying the serialized error.
func Fail(err error) Reply {
	data, _ := json.Marshal(ErrorObjectFrom(err))
	return Reply{Success: false, D: data}
}

// Err reconstructs the error carried by a failed reply. It returns nil for
// successful replies and ErrNotFound for failures without an error object.
func (r Reply) Err() error {
	if r.Success {
		return nil
	}
	if len(r.D) == 0 || string(r.D) == "null" {
		return ErrNotFound
	}
	var obj ErrorObject
	if err := json.Unmarshal(r.D, &obj); err != nil {
		return &RemoteError{Name: "Error", Message: string(r.D)}
	}
	return MakeError(obj)
}

// Decode unmarshals a successful reply's data into v.
func (r Reply) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.D) == 0 {
		return nil
	}
	return json.Unmarshal(r.D, v)
}

// Truthy reports whether raw encodes a value other than null, false, 0 or "".
func Truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// dispatchTable maps every op code to its handler.
type dispatchTable [opCount]HandlerFunc

// mustBeTotal panics when an op code has no handler. A gap in a dispatch
// table is a programming error, never a runtime condition.
func (t *dispatchTable) mustBeTotal(side string) {
	for op, h := range t {
		if h == nil {
			panic(fmt.Sprintf("ipc: %s dispatch table has no handler for %s", side, OpCode(op)))
		}
	}
}

func (t *dispatchTable) lookup(op OpCode) (HandlerFunc, bool) {
	if !op.Valid() {
		return nil, false
	}
	return t[op], true
}
