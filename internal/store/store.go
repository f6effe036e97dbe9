package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Language assigned to the code buffer of a freshly created room.
const DefaultLanguage = "javascript"

// Store owns the durable Room records. Everything the live engine keeps in
// memory is a cache over these rows and must tolerate being wiped.
type Store struct {
	db *sql.DB
}

type Room struct {
	ID           string
	ShareLink    string
	OwnerID      string
	OwnerName    string
	CanvasScene  json.RawMessage // nil until something is drawn
	CodeText     string
	CodeLanguage string
	QuestionLink *string
	EndedAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Ended reports whether the room is terminal.
func (r *Room) Ended() bool {
	return r.EndedAt != nil
}

// StateUpdate is one coalesced flush of buffered live state. Nil fields
// leave the corresponding column untouched; QuestionSet distinguishes
// "clear the link" from "leave it alone".
type StateUpdate struct {
	Scene       json.RawMessage
	Code        *string
	Language    *string
	Question    *string
	QuestionSet bool
}

func (u *StateUpdate) Empty() bool {
	return u.Scene == nil && u.Code == nil && u.Language == nil && !u.QuestionSet
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL keeps flush writes from stalling join-time reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logrus.WithField("path", dbPath).Info("Session store initialized")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		share_link TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		owner_name TEXT NOT NULL DEFAULT '',
		canvas_scene TEXT,
		code_text TEXT NOT NULL DEFAULT '',
		code_language TEXT NOT NULL DEFAULT 'javascript',
		question_link TEXT,
		ended_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_owner_id ON rooms(owner_id);
	CREATE INDEX IF NOT EXISTS idx_rooms_ended_at ON rooms(ended_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRoom(id, shareLink, ownerID, ownerName string) error {
	_, err := s.db.Exec(`
		INSERT INTO rooms (room_id, share_link, owner_id, owner_name, code_language)
		VALUES (?, ?, ?, ?, ?)
	`, id, shareLink, ownerID, ownerName, DefaultLanguage)
	return err
}

// GetRoom returns nil without error when the room does not exist.
func (s *Store) GetRoom(id string) (*Room, error) {
	row := s.db.QueryRow(`
		SELECT room_id, share_link, owner_id, owner_name, canvas_scene,
		       code_text, code_language, question_link, ended_at, created_at, updated_at
		FROM rooms WHERE room_id = ?
	`, id)

	room, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*Room, error) {
	var room Room
	var scene, question sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(&room.ID, &room.ShareLink, &room.OwnerID, &room.OwnerName,
		&scene, &room.CodeText, &room.CodeLanguage, &question, &endedAt,
		&room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if scene.Valid && scene.String != "" {
		room.CanvasScene = json.RawMessage(scene.String)
	}
	if question.Valid {
		q := question.String
		room.QuestionLink = &q
	}
	if endedAt.Valid {
		t := endedAt.Time
		room.EndedAt = &t
	}
	return &room, nil
}

func (s *Store) ListRooms(limit, offset int) ([]Room, error) {
	return s.listRooms(`
		SELECT room_id, share_link, owner_id, owner_name, canvas_scene,
		       code_text, code_language, question_link, ended_at, created_at, updated_at
		FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
}

func (s *Store) ListRoomsByOwner(ownerID string, limit, offset int) ([]Room, error) {
	return s.listRooms(`
		SELECT room_id, share_link, owner_id, owner_name, canvas_scene,
		       code_text, code_language, question_link, ended_at, created_at, updated_at
		FROM rooms WHERE owner_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`, ownerID, limit, offset)
}

func (s *Store) listRooms(query string, args ...any) ([]Room, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// ApplyState performs the coalesced flush write. It touches only the fields
// set in the update and never mutates an ended room.
func (s *Store) ApplyState(id string, update StateUpdate) error {
	if update.Empty() {
		return nil
	}

	query := "UPDATE rooms SET updated_at = CURRENT_TIMESTAMP"
	args := []any{}

	if update.Scene != nil {
		query += ", canvas_scene = ?"
		args = append(args, string(update.Scene))
	}
	if update.Code != nil {
		query += ", code_text = ?"
		args = append(args, *update.Code)
	}
	if update.Language != nil {
		query += ", code_language = ?"
		args = append(args, *update.Language)
	}
	if update.QuestionSet {
		query += ", question_link = ?"
		if update.Question != nil {
			args = append(args, *update.Question)
		} else {
			args = append(args, nil)
		}
	}

	query += " WHERE room_id = ? AND ended_at IS NULL"
	args = append(args, id)

	_, err := s.db.Exec(query, args...)
	return err
}

// EndRoom marks the room terminal. Idempotent: a second call is a no-op.
func (s *Store) EndRoom(id string) error {
	_, err := s.db.Exec(`
		UPDATE rooms SET ended_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE room_id = ? AND ended_at IS NULL
	`, id)
	return err
}

// DeleteRoomsEndedBefore removes rooms whose terminal timestamp predates
// the cutoff. Live rooms are never touched.
func (s *Store) DeleteRoomsEndedBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		"DELETE FROM rooms WHERE ended_at IS NOT NULL AND ended_at < ?",
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, ended int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&total); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rooms WHERE ended_at IS NOT NULL").Scan(&ended); err != nil {
		return nil, err
	}

	stats["room_count"] = total
	stats["ended_count"] = ended
	stats["open_count"] = total - ended
	return stats, nil
}
