package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Qrutz/deelsync/internal/chat"
)

// UpsertMessage persists one message. A confirmed echo that carries the
// client id of an earlier pending row upgrades that row in place instead
// of inserting a second one, mirroring the engine's reconciliation.
func (db *DB) UpsertMessage(m chat.Message) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	now := time.Now().UnixMilli()

	if m.ID != "" && m.ClientID != "" {
		res, err := db.Exec(`
			UPDATE messages SET msg_id = ?, kind = ?, content = ?, status = ?, created_at = ?
			WHERE conversation_id = ? AND client_msg_id = ? AND msg_id = ''`,
			m.ID, m.Content.Kind, string(content), m.State, m.CreatedAt.UnixMilli(),
			m.ConversationID, m.ClientID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	if m.ID != "" {
		_, err = db.Exec(`
			INSERT INTO messages (conversation_id, msg_id, client_msg_id, sender_id, sender_name, kind, content, status, created_at, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) WHERE msg_id != '' DO UPDATE SET
				sender_name = excluded.sender_name,
				content = excluded.content,
				status = excluded.status`,
			m.ConversationID, m.ID, m.ClientID, m.SenderID, m.SenderName,
			m.Content.Kind, string(content), m.State, m.CreatedAt.UnixMilli(), now)
		return err
	}

	// Pending or failed local message, keyed by client id only.
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_msg_id, sender_id, sender_name, kind, content, status, created_at, inserted_at)
		VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, client_msg_id) WHERE client_msg_id != '' DO UPDATE SET
			content = excluded.content,
			status = excluded.status`,
		m.ConversationID, m.ClientID, m.SenderID, m.SenderName,
		m.Content.Kind, string(content), m.State, m.CreatedAt.UnixMilli(), now)
	return err
}

// MarkMessageFailed flips a pending local message to failed.
func (db *DB) MarkMessageFailed(conversationID, clientMsgID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND client_msg_id = ? AND msg_id = ''`,
		chat.StateFailed, conversationID, clientMsgID)
	return err
}

// ListMessages returns a conversation's messages in application order
// (oldest first). This is insertion order, not timestamp order, matching
// the engine's delivery-order log.
func (db *DB) ListMessages(conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, client_msg_id, sender_id, sender_name, content, status, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var content string
		var createdAt int64
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.SenderName, &content, &m.State, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
