package store

import (
	"database/sql"
	"time"

	"github.com/Qrutz/deelsync/internal/chat"
)

// UpsertConversation inserts or updates a conversation-list entry. The
// preview only advances: an older last_message_at never overwrites a
// newer one (history backfill races live notifications).
func (db *DB) UpsertConversation(e chat.Entry, isGroup bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, is_group, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			is_group = excluded.is_group,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		e.ConversationID, e.Name, isGroup, e.LastMessageAt.UnixMilli(), e.Preview, now)
	return err
}

// ListConversations returns entries sorted by last activity, newest first.
func (db *DB) ListConversations(limit int) ([]chat.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []chat.Entry
	for rows.Next() {
		var e chat.Entry
		var lastAt int64
		if err := rows.Scan(&e.ConversationID, &e.Name, &lastAt, &e.Preview); err != nil {
			return nil, err
		}
		e.LastMessageAt = time.UnixMilli(lastAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetConversation returns a single entry by id, or nil when unknown.
func (db *DB) GetConversation(id string) (*chat.Entry, error) {
	var e chat.Entry
	var lastAt int64
	err := db.QueryRow(`
		SELECT id, name, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&e.ConversationID, &e.Name, &lastAt, &e.Preview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.LastMessageAt = time.UnixMilli(lastAt)
	return &e, nil
}
