package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Room represents a chat room known to this client.
type Room struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	LastActivity time.Time
	Participants []string
}

// Message represents a persisted chat message.
type Message struct {
	ID         string
	RoomID     string
	UserID     string
	Nickname   string
	UserType   string
	Transcript string
	AudioMime  string
	Audio      []byte
	Duration   float64
	CreatedAt  time.Time
}

// RoomStore handles room persistence.
type RoomStore interface {
	// SaveRoom inserts or updates a room. Participants are replaced.
	SaveRoom(ctx context.Context, room *Room) error

	// GetRoom retrieves a room by ID.
	GetRoom(ctx context.Context, id string) (*Room, error)

	// ListRooms lists rooms by creation time.
	ListRooms(ctx context.Context) ([]*Room, error)

	// DeleteRoom removes a room with its participants and messages.
	DeleteRoom(ctx context.Context, id string) error

	// AddParticipant records a user in a room.
	AddParticipant(ctx context.Context, roomID, userID string) error

	// RemoveParticipant drops a user from a room.
	RemoveParticipant(ctx context.Context, roomID, userID string) error
}

// MessageStore handles message persistence.
type MessageStore interface {
	// SaveMessage persists a message. It reports false when the id already exists.
	SaveMessage(ctx context.Context, msg *Message) (bool, error)

	// ListMessages returns up to limit of the newest messages of a room in
	// chronological order. A limit <= 0 returns all of them.
	ListMessages(ctx context.Context, roomID string, limit int) ([]*Message, error)

	// DeleteMessage removes a message by ID.
	DeleteMessage(ctx context.Context, id string) error

	// ClearMessages removes every message of a room.
	ClearMessages(ctx context.Context, roomID string) error
}

// SettingsStore keeps client settings that survive restarts.
type SettingsStore interface {
	// SetCurrentRoom stores the active room; "" clears it.
	SetCurrentRoom(ctx context.Context, roomID string) error

	// CurrentRoom returns the stored active room or "".
	CurrentRoom(ctx context.Context) (string, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	RoomStore
	MessageStore
	SettingsStore

	// Close closes the underlying database connection.
	Close() error
}
