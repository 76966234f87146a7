// Package store persists chat history and room participation in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/talkie-p2p/talkie/internal/util"
)

// DefaultHistoryLimit caps how many messages History returns per room.
const DefaultHistoryLimit = 200

// ChatRecord is one persisted chat message. ID is the sender-generated
// message id and the dedup key across the whole room.
type ChatRecord struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Body       string
	SentAt     int64 // unix millis
}

// Participation is one row of a room's membership log.
type Participation struct {
	RoomID   string
	PeerID   string
	Name     string
	JoinedAt int64
	LeftAt   int64 // 0 while still present
}

// Store wraps the SQLite database holding chat and participation data.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "talkie.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL so the chat relay's writes don't block history reads
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			id          TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			sender_name TEXT DEFAULT '',
			body        TEXT NOT NULL,
			sent_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_room_time
			ON chat_messages (room_id, sent_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS participation (
			room_id   TEXT NOT NULL,
			peer_id   TEXT NOT NULL,
			name      TEXT DEFAULT '',
			joined_at INTEGER NOT NULL,
			left_at   INTEGER DEFAULT 0,
			PRIMARY KEY (room_id, peer_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create participation table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			peer_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			updated_at   INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create profiles table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// ── Chat ──────────────────────────────────────────────────────────────────────

// AppendMessage persists a locally authored message. A duplicate id is an
// error here — the caller generated it and must not reuse it.
func (s *Store) AppendMessage(m ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chat_messages (id, room_id, sender_id, sender_name, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.SenderID, m.SenderName, m.Body, m.SentAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// InsertIfAbsent persists a message received from the room, reporting
// whether it was new. The pubsub echo of our own messages and relayed
// duplicates land here and are absorbed by the primary key.
func (s *Store) InsertIfAbsent(m ChatRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO chat_messages (id, room_id, sender_id, sender_name, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.SenderID, m.SenderName, m.Body, m.SentAt)
	if err != nil {
		return false, fmt.Errorf("store message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessage removes a message by id. Used to roll back an optimistic
// append whose relay publish failed.
func (s *Store) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM chat_messages WHERE id = ?`, id)
	return err
}

// History returns up to limit messages of a room in insertion order,
// oldest first. When the room holds more, the oldest rows beyond the
// window are omitted. Insertion order is authoritative: sender clocks
// can skew, so sent_at is display metadata, not the ordering key.
func (s *Store) History(roomID string, limit int) ([]ChatRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest `limit` rows, then flip back to insertion order.
	rows, err := s.db.Query(`
		SELECT id, room_id, sender_id, sender_name, body, sent_at
		FROM chat_messages
		WHERE room_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var m ChatRecord
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ── Participation ─────────────────────────────────────────────────────────────

// MarkJoined records a member entering a room. A rejoin resets the row.
func (s *Store) MarkJoined(roomID, peerID, name string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO participation (room_id, peer_id, name, joined_at, left_at)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (room_id, peer_id)
		DO UPDATE SET name = excluded.name, joined_at = excluded.joined_at, left_at = 0
	`, roomID, peerID, name, at)
	return err
}

// MarkLeft closes a member's participation row. Unknown rows are ignored,
// which keeps the room-leave path idempotent.
func (s *Store) MarkLeft(roomID, peerID string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE participation SET left_at = ?
		WHERE room_id = ? AND peer_id = ? AND left_at = 0
	`, at, roomID, peerID)
	return err
}

// Participants returns a room's membership log, present members first.
func (s *Store) Participants(roomID string) ([]Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT room_id, peer_id, name, joined_at, left_at
		FROM participation
		WHERE room_id = ?
		ORDER BY left_at = 0 DESC, joined_at ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participation
	for rows.Next() {
		var p Participation
		if err := rows.Scan(&p.RoomID, &p.PeerID, &p.Name, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Profiles ──────────────────────────────────────────────────────────────────

// SetProfile remembers a peer's display name.
func (s *Store) SetProfile(peerID, displayName string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO profiles (peer_id, display_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (peer_id)
		DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at
	`, peerID, displayName, at)
	return err
}

// DisplayName resolves a peer id to its last known name, falling back to
// the truncated id when the peer never introduced itself.
func (s *Store) DisplayName(peerID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name string
	err := s.db.QueryRow(`SELECT display_name FROM profiles WHERE peer_id = ?`, peerID).Scan(&name)
	if err != nil || name == "" {
		return util.ShortID(peerID)
	}
	return name
}
