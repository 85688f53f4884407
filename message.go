package archbridge

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const AppName = "archbridge_ipc_v1"

// MessageType represents the type of IPC message
type MessageType string

const (
	MessageTypeHello     MessageType = "hello"
	MessageTypeCall      MessageType = "call"
	MessageTypeNotify    MessageType = "notify"
	MessageTypeResponse  MessageType = "response"
	MessageTypeError     MessageType = "error"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeBye       MessageType = "bye"
)

// Metadata keys carried by hello and heartbeat messages
const (
	metaVersion     = "version"
	metaPID         = "pid"
	metaArch        = "arch"
	metaClient      = "client_id"
	metaHBTimestamp = "hb_timestamp"
	metaHBResponse  = "hb_response"
)

// Message is one discrete message on the channel
type Message struct {
	App       string             `msgpack:"app"`
	ID        string             `msgpack:"id"`
	Type      string             `msgpack:"type"`
	Timestamp float64            `msgpack:"timestamp"`
	Method    string             `msgpack:"method,omitempty"`
	Args      []any              `msgpack:"args,omitempty"`
	Result    msgpack.RawMessage `msgpack:"result,omitempty"`
	Error     string             `msgpack:"error,omitempty"`
	Metadata  map[string]any     `msgpack:"metadata,omitempty"`
}

// NewMessage creates a new message with defaults
func NewMessage(msgType MessageType) *Message {
	return &Message{
		App:       AppName,
		ID:        uuid.New().String(),
		Type:      string(msgType),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// CreateCall creates a method call message
func CreateCall(method string, args []any) *Message {
	msg := NewMessage(MessageTypeCall)
	msg.Method = method
	msg.Args = args
	return msg
}

// CreateNotify creates a fire-and-forget message; the worker never replies
func CreateNotify(method string, args []any) *Message {
	msg := NewMessage(MessageTypeNotify)
	msg.Method = method
	msg.Args = args
	return msg
}

// CreateResponse creates a response message, encoding result eagerly so a
// value that cannot be encoded is reported to the caller as an error
func CreateResponse(result any, msgID string) (*Message, error) {
	raw, err := msgpack.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	msg := NewMessage(MessageTypeResponse)
	msg.ID = msgID
	msg.Result = raw
	return msg, nil
}

// CreateError creates an error message
func CreateError(errMsg string, msgID string) *Message {
	msg := NewMessage(MessageTypeError)
	msg.Error = errMsg
	msg.ID = msgID
	return msg
}

// CreateHello creates the handshake request sent right after dialing.
// clientID names the host across its reconnects; it may be empty.
func CreateHello(clientID string) *Message {
	msg := NewMessage(MessageTypeHello)
	msg.Metadata = map[string]any{metaVersion: Version}
	if clientID != "" {
		msg.Metadata[metaClient] = clientID
	}
	return msg
}

// helloClient returns the client id a hello carries, or fallback
func helloClient(msg *Message, fallback string) string {
	if id, _ := msg.Metadata[metaClient].(string); id != "" {
		return id
	}
	return fallback
}

// CreateHelloAck answers a hello with the worker identity
func CreateHelloAck(requestID string, info WorkerInfo) *Message {
	msg := NewMessage(MessageTypeHello)
	msg.ID = requestID
	msg.Metadata = map[string]any{
		metaVersion: info.Version,
		metaPID:     int64(info.PID),
		metaArch:    info.Arch,
	}
	return msg
}

// CreateHeartbeat creates a heartbeat request message
func CreateHeartbeat() *Message {
	msg := NewMessage(MessageTypeHeartbeat)
	msg.Metadata = map[string]any{
		metaHBTimestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	return msg
}

// CreateHeartbeatResponse creates a heartbeat response message
func CreateHeartbeatResponse(requestID string, originalTimestamp float64) *Message {
	msg := NewMessage(MessageTypeHeartbeat)
	msg.ID = requestID
	msg.Metadata = map[string]any{
		metaHBTimestamp: originalTimestamp,
		metaHBResponse:  true,
	}
	return msg
}

// CreateBye tells the worker the session is over
func CreateBye() *Message {
	return NewMessage(MessageTypeBye)
}

// WorkerInfo is what a worker reports about itself during the handshake
type WorkerInfo struct {
	Version string
	PID     int
	Arch    string
}

// workerInfoFrom reads a hello ack
func workerInfoFrom(msg *Message) WorkerInfo {
	var info WorkerInfo
	if msg.Metadata == nil {
		return info
	}
	info.Version, _ = msg.Metadata[metaVersion].(string)
	info.Arch, _ = msg.Metadata[metaArch].(string)
	switch pid := msg.Metadata[metaPID].(type) {
	case int64:
		info.PID = int(pid)
	case uint64:
		info.PID = int(pid)
	}
	return info
}

// Pack serializes the message to msgpack
func (m *Message) Pack() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeResult decodes the raw result of a response into v
func (m *Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

const (
	maxMessageSize  = 10 * 1024 * 1024 // 10MB
	maxArrayLength  = 10000
	maxStringLength = 100000
)

// Unpack deserializes a message from msgpack with safety validations.
// Integers decode as int64/uint64 and floats as float64 regardless of their
// encoded width.
func Unpack(data []byte) (*Message, error) {
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds limit %d", ErrMalformedPayload, len(data), maxMessageSize)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: decode failed: %v", ErrMalformedPayload, err)
	}

	if math.IsNaN(msg.Timestamp) || math.IsInf(msg.Timestamp, 0) {
		msg.Timestamp = 0.0
	}

	if len(msg.Args) > maxArrayLength {
		return nil, fmt.Errorf("%w: %d args exceeds limit %d", ErrMalformedPayload, len(msg.Args), maxArrayLength)
	}
	for i := range msg.Args {
		if err := validateAnyValue(&msg.Args[i]); err != nil {
			return nil, fmt.Errorf("%w: arg %d: %v", ErrMalformedPayload, i, err)
		}
	}
	for k, v := range msg.Metadata {
		if err := validateAnyValue(&v); err != nil {
			return nil, fmt.Errorf("%w: metadata '%s': %v", ErrMalformedPayload, k, err)
		}
		msg.Metadata[k] = v
	}

	return &msg, nil
}

// validateAnyValue clamps non-finite floats and enforces container limits
func validateAnyValue(val *any) error {
	if val == nil {
		return nil
	}

	switch v := (*val).(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			*val = 0.0
		}
	case string:
		if len(v) > maxStringLength {
			return fmt.Errorf("string length %d exceeds limit %d", len(v), maxStringLength)
		}
	case map[string]any:
		if len(v) > maxArrayLength {
			return fmt.Errorf("map size %d exceeds limit %d", len(v), maxArrayLength)
		}
		for k, vv := range v {
			if err := validateAnyValue(&vv); err != nil {
				return fmt.Errorf("key '%s': %w", k, err)
			}
			v[k] = vv
		}
	case []any:
		if len(v) > maxArrayLength {
			return fmt.Errorf("array length %d exceeds limit %d", len(v), maxArrayLength)
		}
		for i := range v {
			if err := validateAnyValue(&v[i]); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	}

	return nil
}
