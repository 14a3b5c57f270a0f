package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/voicechat/internal/audio"
)

// EventType tags an envelope on the shared channel.
type EventType string

const (
	TypeNewMessage      EventType = "NEW_MESSAGE"
	TypeMessageReceived EventType = "MESSAGE_RECEIVED"
	TypeTyping          EventType = "TYPING"
	TypeOnlineStatus    EventType = "ONLINE_STATUS"
	TypeRoomJoined      EventType = "ROOM_JOINED"
	TypeRoomLeft        EventType = "ROOM_LEFT"
	TypeRoomCreated     EventType = "ROOM_CREATED"
	TypePresenceRequest EventType = "PRESENCE_REQUEST"
)

// Valid reports whether t belongs to the closed set of envelope types.
func (t EventType) Valid() bool {
	switch t {
	case TypeNewMessage, TypeMessageReceived, TypeTyping, TypeOnlineStatus,
		TypeRoomJoined, TypeRoomLeft, TypeRoomCreated, TypePresenceRequest:
		return true
	}
	return false
}

// Envelope is the unit exchanged over a channel.
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId"`
	SessionID string          `json:"sessionId"`
	RoomID    string          `json:"roomId,omitempty"`
}

// ErrInvalidEnvelope is returned by DecodeEnvelope for frames that are not envelopes.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// DecodeEnvelope parses a raw frame received from the channel.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}
	if env.SessionID == "" {
		return Envelope{}, fmt.Errorf("%w: missing session id", ErrInvalidEnvelope)
	}
	return env, nil
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Status is the presence state carried by ONLINE_STATUS.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// OnlineStatusData is the ONLINE_STATUS payload.
type OnlineStatusData struct {
	Status    Status `json:"status"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
}

// RoomEventData is the ROOM_JOINED and ROOM_LEFT payload.
type RoomEventData struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
	Nickname  string `json:"nickname,omitempty"`
}

// RoomCreatedData is the ROOM_CREATED payload.
type RoomCreatedData struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	Nickname  string `json:"nickname,omitempty"`
}

// PresenceRequestData is the PRESENCE_REQUEST payload.
type PresenceRequestData struct {
	RequesterID        string `json:"requesterId"`
	RequesterSessionID string `json:"requesterSessionId"`
}

// NewMessageData is the NEW_MESSAGE payload. Wire is set only when the
// message audio had to be normalized for transport.
type NewMessageData struct {
	Message ChatMessage     `json:"message"`
	Wire    *audio.WireForm `json:"wire,omitempty"`
}

// TypingData is the TYPING payload.
type TypingData struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
	Nickname  string `json:"nickname,omitempty"`
	Typing    bool   `json:"typing"`
}
