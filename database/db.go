// Package database keeps a local SQLite copy of resolved conversations and
// confirmed messages so a session can render history before the network
// answers.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dmsync/models"
)

// DefaultHistoryLimit bounds how many cached messages are read back
const DefaultHistoryLimit = 200

// Cache is a handle on the local database
type Cache struct {
	db *sql.DB
}

// Open sets up the database file and creates tables. ":memory:" is accepted.
func Open(path string) (*Cache, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	// One writer; an in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}
	c := &Cache{db: db}
	if err := c.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache tables: %w", err)
	}
	return c, nil
}

func (c *Cache) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS conversations (
		user_id INTEGER NOT NULL,
		peer_id INTEGER NOT NULL,
		conversation_id INTEGER NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, peer_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		conversation_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		is_read BOOLEAN DEFAULT 0,
		is_deleted BOOLEAN DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	`

	_, err := c.db.Exec(tables)
	return err
}

// Close releases the database
func (c *Cache) Close() error {
	return c.db.Close()
}

// Conversation queries

// ConversationFor returns the cached conversation id between userID and
// peerID. ok is false when it was never resolved.
func (c *Cache) ConversationFor(userID, peerID int64) (id int64, ok bool, err error) {
	err = c.db.QueryRow(
		"SELECT conversation_id FROM conversations WHERE user_id = ? AND peer_id = ?",
		userID, peerID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// RememberConversation stores the resolved conversation id for a peer
func (c *Cache) RememberConversation(userID, peerID, conversationID int64) error {
	_, err := c.db.Exec(
		`INSERT INTO conversations (user_id, peer_id, conversation_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, peer_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at`,
		userID, peerID, conversationID, time.Now().UTC(),
	)
	return err
}

// Message queries

// SaveMessages upserts confirmed messages. Optimistic entries are skipped,
// they only exist until the server answers.
func (c *Cache) SaveMessages(msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = CASE WHEN messages.is_deleted THEN messages.content ELSE excluded.content END,
			is_read = MAX(messages.is_read, excluded.is_read),
			is_deleted = MAX(messages.is_deleted, excluded.is_deleted)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID.IsOptimistic() {
			continue
		}
		if _, err := stmt.Exec(m.ID.Server, m.ConversationID, m.SenderID, m.Content,
			m.Timestamp.UTC(), m.Read, m.Deleted); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Messages returns the newest limit messages of a conversation, oldest first
func (c *Cache) Messages(conversationID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := c.db.Query(
		`SELECT id, conversation_id, sender_id, content, created_at, is_read, is_deleted
		FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m  models.Message
			id int64
		)
		if err := rows.Scan(&id, &m.ConversationID, &m.SenderID, &m.Content,
			&m.Timestamp, &m.Read, &m.Deleted); err != nil {
			return nil, err
		}
		m.ID = models.ConfirmedID(id)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
