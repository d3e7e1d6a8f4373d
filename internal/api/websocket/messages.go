package websocket

import (
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Device readouts produced by the pollers
	MessageTypeReadout MessageType = "readout"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Device    string      `json:"device,omitempty"`
	Data      any         `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewReadoutMessage(result *types.ReadResult) Message {
	msg := NewMessage(MessageTypeReadout, result)
	msg.Device = result.DeviceID
	return msg
}

// clientMessage is what clients send: {"type":"auth","token":"..."} or
// {"type":"subscribe","devices":["pump"]}. An empty device list subscribes
// to every device.
type clientMessage struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Devices []string `json:"devices,omitempty"`
}
