package types

import (
	"encoding/json"
	"errors"
)

// MessagePart is one element of a multi-part message content.
type MessagePart struct {
	Type string `json:"type" example:"text"`
	Text string `json:"text,omitempty"`
}

// ChatMessage is an OpenAI-compatible chat message. On the wire Content is either a
// string or an array of parts; Parts is populated in the latter case.
type ChatMessage struct {
	Role    string        `json:"role" example:"user"`
	Content string        `json:"-"`
	Parts   []MessagePart `json:"-"`
}

type chatMessageWire struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

// MarshalJSON writes Parts as an array when present, else Content as a string.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	var content any = m.Content
	if len(m.Parts) > 0 {
		content = m.Parts
	}
	b, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(chatMessageWire{Role: m.Role, Content: b})
}

// UnmarshalJSON accepts string, array-of-parts, or null content.
func (m *ChatMessage) UnmarshalJSON(b []byte) error {
	var w chatMessageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = ""
	m.Parts = nil
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	switch w.Content[0] {
	case '"':
		return json.Unmarshal(w.Content, &m.Content)
	case '[':
		return json.Unmarshal(w.Content, &m.Parts)
	default:
		return errors.New("message content must be a string or an array of parts")
	}
}
