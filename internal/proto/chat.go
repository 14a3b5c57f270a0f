package proto

import (
	"encoding/json"
	"time"

	"github.com/vovakirdan/voicechat/internal/audio"
)

// UserType classifies chat participants.
type UserType string

const (
	UserTypeSystem  UserType = "SYSTEM"
	UserTypeStudent UserType = "STUDENT"
	UserTypeTeacher UserType = "TEACHER"
)

// User is the author of a chat message.
type User struct {
	ID        string   `json:"id"`
	Nickname  string   `json:"nickname"`
	Email     string   `json:"email,omitempty"`
	UserType  UserType `json:"userType,omitempty"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// ChatMessage is a voice message with its transcript.
type ChatMessage struct {
	ID         string        `json:"id"`
	Transcript string        `json:"transcript,omitempty"`
	Audio      audio.Payload `json:"-"`
	Duration   float64       `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
	RoomID     string        `json:"roomId"`
	User       User          `json:"user"`
}

type chatMessageAlias ChatMessage

type chatMessageJSON struct {
	chatMessageAlias
	AudioBlob *audio.Blob `json:"audioBlob,omitempty"`
}

// MarshalJSON emits the audio as audioBlob only when it is a Blob; other
// representations must travel in NewMessageData.Wire.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := chatMessageJSON{chatMessageAlias: chatMessageAlias(m)}
	switch v := m.Audio.(type) {
	case audio.Blob:
		out.AudioBlob = &v
	case *audio.Blob:
		out.AudioBlob = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores audioBlob into Audio.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var in chatMessageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = ChatMessage(in.chatMessageAlias)
	if in.AudioBlob != nil {
		m.Audio = *in.AudioBlob
	}
	return nil
}

// HasBlob reports whether the message audio can travel as-is.
func (m ChatMessage) HasBlob() bool {
	switch v := m.Audio.(type) {
	case audio.Blob:
		return true
	case *audio.Blob:
		return v != nil
	}
	return false
}
