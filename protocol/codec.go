package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// frame is the JSON wire form of a Message.
type frame struct {
	Channel      Channel         `json:"channel,omitempty"`
	Header       json.RawMessage `json:"header"`
	ParentHeader json.RawMessage `json:"parent_header"`
	Metadata     json.RawMessage `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      [][]byte        `json:"buffers,omitempty"`
	Signature    string          `json:"signature,omitempty"`
}

var emptyObject = json.RawMessage("{}")

// Codec turns messages into signed JSON frames and back.
// A Codec with an empty key neither signs nor verifies.
type Codec struct {
	key []byte
}

// NewCodec creates a codec for the key and scheme of a connection file.
func NewCodec(key, scheme string) (*Codec, error) {
	if scheme != "" && scheme != DefaultSignatureScheme {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return &Codec{key: []byte(key)}, nil
}

// Encode marshals msg into a single JSON frame.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	parent := emptyObject
	if msg.ParentHeader != nil {
		if parent, err = json.Marshal(msg.ParentHeader); err != nil {
			return nil, fmt.Errorf("failed to encode parent header: %w", err)
		}
	}
	metadata, err := marshalObject(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	content, err := marshalObject(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}

	f := frame{
		Channel:      msg.Channel,
		Header:       header,
		ParentHeader: parent,
		Metadata:     metadata,
		Content:      content,
		Buffers:      msg.Buffers,
	}
	f.Signature = c.sign(header, parent, metadata, content)
	return json.Marshal(f)
}

// Decode parses a JSON frame and verifies its signature.
func (c *Codec) Decode(data []byte) (*Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.ParentHeader == nil {
		f.ParentHeader = emptyObject
	}
	if f.Metadata == nil {
		f.Metadata = emptyObject
	}
	if f.Content == nil {
		f.Content = emptyObject
	}
	if len(c.key) > 0 {
		expected := c.sign(f.Header, f.ParentHeader, f.Metadata, f.Content)
		if !hmac.Equal([]byte(expected), []byte(f.Signature)) {
			return nil, ErrInvalidSignature
		}
	}

	msg := &Message{Channel: f.Channel, Buffers: f.Buffers}
	if err := json.Unmarshal(f.Header, &msg.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	var parent Header
	if err := json.Unmarshal(f.ParentHeader, &parent); err != nil {
		return nil, fmt.Errorf("failed to parse parent header: %w", err)
	}
	if parent.MsgID != "" {
		msg.ParentHeader = &parent
	}
	if err := json.Unmarshal(f.Metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := json.Unmarshal(f.Content, &msg.Content); err != nil {
		return nil, fmt.Errorf("failed to parse content: %w", err)
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	if msg.Content == nil {
		msg.Content = map[string]any{}
	}
	return msg, nil
}

// sign returns the hex HMAC-SHA256 over the four parts in protocol order.
func (c *Codec) sign(parts ...[]byte) string {
	if len(c.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, c.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func marshalObject(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return emptyObject, nil
	}
	return json.Marshal(m)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON accepts the date layouts kernels emit in practice, with or
// without a zone. An unparseable date leaves Date zero instead of failing the frame.
func (h *Header) UnmarshalJSON(data []byte) error {
	type alias Header
	var raw struct {
		alias
		Date string `json:"date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*h = Header(raw.alias)
	h.Date = time.Time{}
	date := strings.TrimSpace(raw.Date)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			h.Date = t
			break
		}
	}
	return nil
}
