// Package event is the socket wire protocol. Every frame is
// {"event": "<name>", "data": {...}}. Inbound and outbound events are closed
// sets of concrete types so dispatch is a type switch, not a string lookup.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
)

const (
	NameHeartbeat    = "presence:heartbeat"
	NameJoin         = "chat:join"
	NameTypingStart  = "chat:typing:start"
	NameTypingStop   = "chat:typing:stop"
	NameSend         = "chat:send"
	NameSeen         = "chat:seen"
	NameHeartbeatAck = "presence:heartbeat:ack"
	NameJoinAck      = "chat:join:ack"
	NameTyping       = "chat:typing"
	NameMessage      = "chat:message"
	NameAck          = "chat:ack"
	NameReceipt      = "chat:receipt"
	NamePresence     = "presence:changed"
	NameSocketError  = "socket:error"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented only by the client event types in this package.
type Inbound interface {
	inbound()
}

type Heartbeat struct{}

type Join struct {
	ChatID uint `json:"chatId"`
}

type Typing struct {
	ChatID uint `json:"chatId"`
	// Started is true for chat:typing:start.
	Started bool `json:"-"`
}

// Send keeps its payload raw; validating it is part of the send pipeline and
// happens after the sender's quota is charged.
type Send struct {
	Raw json.RawMessage
}

type Seen struct {
	ChatID     uint   `json:"chatId"`
	MessageIDs []uint `json:"messageIds"`
}

func (Heartbeat) inbound() {}
func (Join) inbound()      {}
func (Typing) inbound()    {}
func (Send) inbound()      {}
func (Seen) inbound()      {}

// Decode parses one client frame. Unknown events and malformed data are
// BadPayload errors.
func Decode(data []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apperr.BadPayload("frame is not valid JSON")
	}
	switch f.Event {
	case NameHeartbeat:
		return Heartbeat{}, nil
	case NameJoin:
		var j Join
		if err := decodeData(f.Data, &j); err != nil || j.ChatID == 0 {
			return nil, apperr.BadPayload("chatId is required")
		}
		return j, nil
	case NameTypingStart, NameTypingStop:
		var t Typing
		if err := decodeData(f.Data, &t); err != nil || t.ChatID == 0 {
			return nil, apperr.BadPayload("chatId is required")
		}
		t.Started = f.Event == NameTypingStart
		return t, nil
	case NameSend:
		return Send{Raw: f.Data}, nil
	case NameSeen:
		var s Seen
		if err := decodeData(f.Data, &s); err != nil {
			return nil, apperr.BadPayload("chatId and messageIds are required")
		}
		return s, nil
	case "":
		return nil, apperr.BadPayload("event is required")
	}
	return nil, apperr.BadPayload(fmt.Sprintf("unknown event %q", f.Event))
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(raw, v)
}

// Outbound is every server-to-client event.
type Outbound interface {
	Event() string
}

type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
}

type JoinAck struct {
	ChatID uint `json:"chatId"`
	OK     bool `json:"ok"`
}

type TypingChanged struct {
	ChatID   uint   `json:"chatId"`
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	State    string `json:"state"`
}

// Envelope is the client view of a stored message.
type Envelope struct {
	ID              uint            `json:"id"`
	ChatID          uint            `json:"chatId"`
	SenderID        uint            `json:"senderId"`
	ClientMessageID string          `json:"clientMessageId"`
	Ciphertext      string          `json:"ciphertext"`
	Nonce           string          `json:"nonce"`
	SentAt          time.Time       `json:"sentAt"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func EnvelopeFromModel(m models.MessageEnvelope) Envelope {
	env := Envelope{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		ClientMessageID: m.ClientMessageID,
		Ciphertext:      m.Ciphertext,
		Nonce:           m.Nonce,
		SentAt:          m.SentAt.UTC(),
		CreatedAt:       m.CreatedAt.UTC(),
	}
	if m.Metadata != "" {
		env.Metadata = json.RawMessage(m.Metadata)
	}
	return env
}

type Message struct {
	Envelope
	Duplicate bool `json:"duplicate"`
}

type Ack struct {
	OK              bool   `json:"ok"`
	ChatID          uint   `json:"chatId"`
	ClientMessageID string `json:"clientMessageId"`
	MessageID       uint   `json:"messageId"`
	Duplicate       bool   `json:"duplicate"`
}

const (
	ReceiptDelivered = "delivered"
	ReceiptSeen      = "seen"
)

type Receipt struct {
	ChatID       uint      `json:"chatId"`
	Type         string    `json:"type"`
	MessageID    uint      `json:"messageId,omitempty"`
	MessageIDs   []uint    `json:"messageIds,omitempty"`
	RecipientIDs []uint    `json:"recipientIds,omitempty"`
	SeenBy       uint      `json:"seenBy,omitempty"`
	At           time.Time `json:"at"`
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type PresenceChanged struct {
	UserID uint   `json:"userId"`
	State  string `json:"state"`
}

type SocketError struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func ErrorFrom(err error) SocketError {
	return SocketError{Code: apperr.CodeOf(err), Message: apperr.MessageOf(err)}
}

func (HeartbeatAck) Event() string    { return NameHeartbeatAck }
func (JoinAck) Event() string         { return NameJoinAck }
func (TypingChanged) Event() string   { return NameTyping }
func (Message) Event() string         { return NameMessage }
func (Ack) Event() string             { return NameAck }
func (Receipt) Event() string         { return NameReceipt }
func (PresenceChanged) Event() string { return NamePresence }
func (SocketError) Event() string     { return NameSocketError }

func Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: ev.Event(), Data: data})
}

// Room names the fan-out room of a chat.
func Room(chatID uint) string {
	return fmt.Sprintf("chat:%d", chatID)
}
