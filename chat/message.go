// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names for the conversation half of the wire protocol.
const (
	EventJoinChat       = "join:chat"
	EventLeaveChat      = "leave:chat"
	EventMessageSend    = "message:send"
	EventMessageReceive = "message:receive"
	EventMessageStatus  = "message:status"
	EventMessageDelete  = "message:delete"
	EventMessageDeleted = "message:deleted"
)

// MessageType identifies the payload variant of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
)

// Status is the delivery status of a message. Transitions are
// monotonic: pending → sent → delivered → read. A status event that
// would move a message backwards is out of order and ignored.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus converts the wire representation of a status.
func ParseStatus(name string) (Status, error) {
	for status, statusName := range statusNames {
		if statusName == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("chat: unknown status %q", name)
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("chat: cannot marshal status %d", int(s))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes the wire name of a status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Message is one entry in a conversation's ordered sequence. The ID
// is unique within the conversation: the sender assigns it at send
// time and the server preserves it, so the echo of a locally sent
// message carries the same ID and deduplicates against the optimistic
// pending copy.
type Message struct {
	ID       string      `json:"id"`
	ChatID   string      `json:"chatId"`
	SenderID string      `json:"userId"`
	Type     MessageType `json:"type"`

	// Text holds the body of a text message.
	Text string `json:"text,omitempty"`

	// Image is a blob reference for an image message; FileName is
	// its original name.
	Image    string `json:"image,omitempty"`
	FileName string `json:"fileName,omitempty"`

	// Audio is a blob reference for a voice message; Duration is
	// its length in seconds.
	Audio    string `json:"audio,omitempty"`
	Duration int    `json:"duration,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// Content is the caller-supplied part of an outgoing message.
type Content struct {
	Type     MessageType
	Text     string
	Image    string
	FileName string
	Audio    string
	Duration int
}

func (c Content) validate() error {
	switch c.Type {
	case TypeText:
		if c.Text == "" {
			return fmt.Errorf("chat: text message requires text")
		}
	case TypeImage:
		if c.Image == "" {
			return fmt.Errorf("chat: image message requires an image reference")
		}
	case TypeAudio:
		if c.Audio == "" {
			return fmt.Errorf("chat: audio message requires an audio reference")
		}
	default:
		return fmt.Errorf("chat: unknown message type %q", c.Type)
	}
	return nil
}

// membershipPayload travels on join:chat and leave:chat.
type membershipPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// statusPayload travels on message:status in both directions.
type statusPayload struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// deletePayload travels on message:delete.
type deletePayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// deletedPayload travels on message:deleted.
type deletedPayload struct {
	MessageID string `json:"messageId"`
}

// unmarshalPayload decodes an event payload, treating an empty
// payload as malformed.
func unmarshalPayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("chat: empty payload")
	}
	return json.Unmarshal(payload, v)
}
