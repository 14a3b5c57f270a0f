package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/voicechat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS room_participants (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	nickname   TEXT NOT NULL DEFAULT '',
	user_type  TEXT NOT NULL DEFAULT '',
	transcript TEXT NOT NULL DEFAULT '',
	audio_mime TEXT NOT NULL DEFAULT '',
	audio      BLOB,
	duration   REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id, created_at);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const currentRoomKey = "current_room"

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// Migrate creates the tables used by the store.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// NewWithSetup creates a new SQLite store and runs a setup function.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== RoomStore implementation ====

// SaveRoom inserts or updates a room and replaces its participants.
func (s *SQLiteStore) SaveRoom(ctx context.Context, room *store.Room) error {
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = room.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO rooms (id, name, created_at, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			last_activity = excluded.last_activity
	`
	if _, err := tx.ExecContext(ctx, query, room.ID, room.Name, room.CreatedAt, room.LastActivity); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, room.ID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, userID := range room.Participants {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)`, room.ID, userID); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit room: %w", err)
	}
	return nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	query := `
		SELECT id, name, created_at, last_activity
		FROM rooms
		WHERE id = ?
	`
	var room store.Room
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&room.ID,
		&room.Name,
		&room.CreatedAt,
		&room.LastActivity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}

	participants, err := s.listParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	room.Participants = participants
	return &room, nil
}

// ListRooms lists rooms by creation time.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	query := `
		SELECT id, name, created_at, last_activity
		FROM rooms
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}

	var rooms []*store.Room
	for rows.Next() {
		var room store.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.LastActivity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// The single connection is free again once rows are closed.
	for _, room := range rooms {
		participants, err := s.listParticipants(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		room.Participants = participants
	}
	return rooms, nil
}

// DeleteRoom removes a room with its participants and messages.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, id); err != nil {
		return fmt.Errorf("delete room messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, id); err != nil {
		return fmt.Errorf("delete participants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return tx.Commit()
}

// AddParticipant records a user in a room.
func (s *SQLiteStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	query := `INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// RemoveParticipant drops a user from a room.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	query := `DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listParticipants(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// ==== MessageStore implementation ====

// SaveMessage persists a message once; a repeated id is ignored.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message) (bool, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT OR IGNORE INTO messages
			(id, room_id, user_id, nickname, user_type, transcript, audio_mime, audio, duration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.UserID, msg.Nickname, msg.UserType,
		msg.Transcript, msg.AudioMime, msg.Audio, msg.Duration, msg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE rooms SET last_activity = ? WHERE id = ? AND last_activity < ?`, msg.CreatedAt, msg.RoomID, msg.CreatedAt); err != nil {
		return true, fmt.Errorf("touch room: %w", err)
	}
	return true, nil
}

// ListMessages returns the newest messages of a room in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string, limit int) ([]*store.Message, error) {
	query := `
		SELECT id, room_id, user_id, nickname, user_type, transcript, audio_mime, audio, duration, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
	`
	args := []interface{}{roomID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var msg store.Message
		if err := rows.Scan(
			&msg.ID, &msg.RoomID, &msg.UserID, &msg.Nickname, &msg.UserType,
			&msg.Transcript, &msg.AudioMime, &msg.Audio, &msg.Duration, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	// Reverse to get chronological order
	for i := range len(messages) / 2 {
		messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
	}

	return messages, rows.Err()
}

// DeleteMessage removes a message by ID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ClearMessages removes every message of a room.
func (s *SQLiteStore) ClearMessages(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// ==== SettingsStore implementation ====

// SetCurrentRoom stores the active room; "" clears it.
func (s *SQLiteStore) SetCurrentRoom(ctx context.Context, roomID string) error {
	var err error
	if roomID == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, currentRoomKey)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, currentRoomKey, roomID)
	}
	if err != nil {
		return fmt.Errorf("set current room: %w", err)
	}
	return nil
}

// CurrentRoom returns the stored active room or "".
func (s *SQLiteStore) CurrentRoom(ctx context.Context) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, currentRoomKey).Scan(&roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query current room: %w", err)
	}
	return roomID, nil
}

var _ store.Store = (*SQLiteStore)(nil)
