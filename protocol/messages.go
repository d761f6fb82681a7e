package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies one of the logical lanes multiplexed over a kernel connection.
type Channel string

const (
	ChannelShell     Channel = "shell"
	ChannelControl   Channel = "control"
	ChannelIOPub     Channel = "iopub"
	ChannelStdin     Channel = "stdin"
	ChannelHeartbeat Channel = "hb"
)

// Channels lists every channel in the order sockets are opened.
var Channels = []Channel{ChannelShell, ChannelControl, ChannelIOPub, ChannelStdin, ChannelHeartbeat}

// Valid reports whether c names a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelShell, ChannelControl, ChannelIOPub, ChannelStdin, ChannelHeartbeat:
		return true
	}
	return false
}

// Header is the per-message header. MsgID is unique per message and Session
// stays constant for one connection generation.
type Header struct {
	MsgID    string    `json:"msg_id"`
	MsgType  string    `json:"msg_type"`
	Session  string    `json:"session"`
	Username string    `json:"username"`
	Version  string    `json:"version"`
	Date     time.Time `json:"date"`
}

// Message is the unit flowing over a kernel connection.
type Message struct {
	Channel      Channel        `json:"channel"`
	Header       Header         `json:"header"`
	ParentHeader *Header        `json:"parent_header,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Buffers      [][]byte       `json:"buffers,omitempty"`
}

// NewMessage creates a message with a fresh msg_id and the current protocol version.
// The session is left empty; the connection stamps it on send.
func NewMessage(channel Channel, msgType string, content map[string]any) *Message {
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		Channel: channel,
		Header: Header{
			MsgID:   uuid.NewString(),
			MsgType: msgType,
			Version: CurrentProtocolVersion,
			Date:    time.Now().UTC(),
		},
		Metadata: map[string]any{},
		Content:  content,
	}
}

// NewReply creates a message answering parent. The reply inherits parent's session.
func NewReply(parent *Message, channel Channel, msgType string, content map[string]any) *Message {
	msg := NewMessage(channel, msgType, content)
	msg.Header.Session = parent.Header.Session
	msg.Header.Username = parent.Header.Username
	ph := parent.Header
	msg.ParentHeader = &ph
	return msg
}

// Type returns the msg_type of the header.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// ParentMsgID returns the msg_id of the parent header, or "" when there is none.
func (m *Message) ParentMsgID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.MsgID
}

// IsReplyTo reports whether m was produced in response to req.
func (m *Message) IsReplyTo(req *Message) bool {
	return req != nil && m.ParentMsgID() != "" && m.ParentMsgID() == req.Header.MsgID
}

// ExecutionState returns the execution_state of a status message.
// ok is false for messages that are not status notifications.
func (m *Message) ExecutionState() (state string, ok bool) {
	if m.Header.MsgType != MsgStatus {
		return "", false
	}
	state, ok = m.Content["execution_state"].(string)
	return state, ok
}

// String renders a short description used in log lines.
func (m *Message) String() string {
	return fmt.Sprintf("%s/%s id=%s parent=%s", m.Channel, m.Header.MsgType, m.Header.MsgID, m.ParentMsgID())
}
