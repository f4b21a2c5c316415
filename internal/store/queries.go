package store

import (
	"database/sql"
	"fmt"
	"time"
)

const addParticipantQuery = "INSERT INTO participants (conversation_id, user_id, joined_at, updated_at) " +
	"VALUES ($1, $2, $3, $4) RETURNING id, conversation_id, user_id, unread_count, joined_at"

func (db *PgRelayRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	res := db.conn.QueryRow(
		"INSERT INTO conversations (external_id, tenant_id, kind, title, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, external_id, tenant_id, kind, title, created_at, updated_at",
		params.ExternalId,
		params.TenantId,
		params.Kind,
		params.Title,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var conv Conversation
	err := res.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.TenantId,
		&conv.Kind,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)

	return conv, err
}

func (db *PgRelayRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, tenant_id, kind, title, "+
			"COALESCE(last_message_id, ''), COALESCE(last_message_preview, ''), "+
			"COALESCE(last_message_at, 'epoch'::timestamptz) "+
			"FROM conversations WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.TenantId,
		&conv.Kind,
		&conv.Title,
		&conv.LastMessageId,
		&conv.LastMessagePreview,
		&conv.LastMessageAt,
	)

	return conv, err
}

func (db *PgRelayRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	query := `
		SELECT
				c.id AS conversation_id,
				c.external_id,
				c.tenant_id,
				c.kind,
				c.title,
				c.created_at AS conversation_created_at,
				c.updated_at AS conversation_updated_at,
				p.id,
				p.user_id,
				p.unread_count,
				p.muted,
				p.pinned,
				COALESCE(p.last_read_message_id, ''),
				p.joined_at
		FROM conversations c
		LEFT JOIN participants p ON c.id = p.conversation_id AND p.left_at IS NULL
		WHERE c.id = $1;
`

	rows, err := db.conn.Query(query, conversationId)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation with participants: %w", err)
	}
	defer rows.Close()

	var conv *Conversation
	for rows.Next() {
		var (
			convId            int
			externalId        string
			tenantId          string
			kind              string
			title             string
			convCreatedAt     time.Time
			convUpdatedAt     time.Time
			participantId     sql.NullInt64
			userId            sql.NullString
			unreadCount       sql.NullInt64
			muted             sql.NullBool
			pinned            sql.NullBool
			lastReadMessageId sql.NullString
			joinedAt          sql.NullTime
		)

		err := rows.Scan(
			&convId,
			&externalId,
			&tenantId,
			&kind,
			&title,
			&convCreatedAt,
			&convUpdatedAt,
			&participantId,
			&userId,
			&unreadCount,
			&muted,
			&pinned,
			&lastReadMessageId,
			&joinedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if conv == nil {
			conv = &Conversation{
				Id:           convId,
				ExternalId:   externalId,
				TenantId:     tenantId,
				Kind:         kind,
				Title:        title,
				CreatedAt:    convCreatedAt,
				UpdatedAt:    convUpdatedAt,
				Participants: make([]Participant, 0),
			}
		}

		if participantId.Valid && userId.Valid {
			conv.Participants = append(conv.Participants, Participant{
				Id:                int(participantId.Int64),
				ConversationId:    convId,
				UserId:            userId.String,
				UnreadCount:       int(unreadCount.Int64),
				Muted:             muted.Bool,
				Pinned:            pinned.Bool,
				LastReadMessageId: lastReadMessageId.String,
				JoinedAt:          joinedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if conv == nil {
		return nil, sql.ErrNoRows
	}

	return conv, nil
}

func (db *PgRelayRepository) ListConversations(userId string) ([]Participant, error) {
	rows, err := db.conn.Query(
		"SELECT p.id, p.conversation_id, p.unread_count, p.muted, p.pinned, "+
			"COALESCE(p.last_read_message_id, ''), p.joined_at, "+
			"c.external_id, c.tenant_id, c.kind, c.title, "+
			"COALESCE(c.last_message_id, ''), COALESCE(c.last_message_preview, ''), "+
			"COALESCE(c.last_message_at, 'epoch'::timestamptz) "+
			"FROM participants p JOIN conversations c ON c.id = p.conversation_id "+
			"WHERE p.user_id = $1 AND p.left_at IS NULL "+
			"ORDER BY c.last_message_at DESC NULLS LAST",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		p := Participant{UserId: userId}
		if err = rows.Scan(
			&p.Id,
			&p.ConversationId,
			&p.UnreadCount,
			&p.Muted,
			&p.Pinned,
			&p.LastReadMessageId,
			&p.JoinedAt,
			&p.Conversation.ExternalId,
			&p.Conversation.TenantId,
			&p.Conversation.Kind,
			&p.Conversation.Title,
			&p.Conversation.LastMessageId,
			&p.Conversation.LastMessagePreview,
			&p.Conversation.LastMessageAt,
		); err != nil {
			return nil, err
		}

		p.Conversation.Id = p.ConversationId
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func (db *PgRelayRepository) AddParticipant(conversationId int, userId string) (Participant, error) {
	res := db.conn.QueryRow(
		addParticipantQuery,
		conversationId,
		userId,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var p Participant
	err := res.Scan(
		&p.Id,
		&p.ConversationId,
		&p.UserId,
		&p.UnreadCount,
		&p.JoinedAt,
	)

	return p, err
}

func (db *PgRelayRepository) RemoveParticipant(conversationId int, userId string) error {
	_, err := db.conn.Exec(
		"UPDATE participants SET left_at = $3, updated_at = $3 "+
			"WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL",
		conversationId,
		userId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgRelayRepository) GetParticipant(conversationId int, userId string) (Participant, error) {
	row := db.conn.QueryRow(
		"SELECT id, conversation_id, user_id, unread_count, muted, pinned, "+
			"COALESCE(last_read_message_id, ''), joined_at "+
			"FROM participants WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL LIMIT 1",
		conversationId,
		userId,
	)

	var p Participant
	err := row.Scan(
		&p.Id,
		&p.ConversationId,
		&p.UserId,
		&p.UnreadCount,
		&p.Muted,
		&p.Pinned,
		&p.LastReadMessageId,
		&p.JoinedAt,
	)

	return p, err
}

func (db *PgRelayRepository) ParticipantExists(conversationId int, userId string) bool {
	res := db.conn.QueryRow(
		"SELECT id FROM participants WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL LIMIT 1",
		conversationId,
		userId,
	)

	var id int
	return res.Scan(&id) == nil
}

func (db *PgRelayRepository) CreateMessage(msg Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (id, conversation_id, sender_id, content, kind, reply_to_id, attachment_ref, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)",
		msg.Id,
		msg.ConversationId,
		msg.SenderId,
		msg.Content,
		msg.Kind,
		msg.ReplyToId,
		msg.AttachmentRef,
		msg.CreatedAt,
	)

	return err
}

func (db *PgRelayRepository) GetMessage(id string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT id, conversation_id, sender_id, content, kind, "+
			"COALESCE(reply_to_id, ''), COALESCE(attachment_ref, ''), edited, deleted, created_at, edited_at "+
			"FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.Content,
		&msg.Kind,
		&msg.ReplyToId,
		&msg.AttachmentRef,
		&msg.Edited,
		&msg.Deleted,
		&msg.CreatedAt,
		&msg.EditedAt,
	)

	return msg, err
}

func (db *PgRelayRepository) UpdateMessageContent(id, content string, editedAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET content = $2, edited = TRUE, edited_at = $3 WHERE id = $1",
		id,
		content,
		editedAt,
	)

	return err
}

// SoftDeleteMessage blanks the content and marks the row deleted; the
// row itself is never removed.
func (db *PgRelayRepository) SoftDeleteMessage(id string) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET deleted = TRUE, content = '', edited_at = $2 WHERE id = $1",
		id,
		time.Now().UTC(),
	)

	return err
}

func (db *PgRelayRepository) ListMessages(conversationId int, after, before string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	// ULID ids sort lexicographically in creation order, so the cursor
	// comparisons happen directly on the id column.
	query := "SELECT id, conversation_id, sender_id, content, kind, " +
		"COALESCE(reply_to_id, ''), COALESCE(attachment_ref, ''), edited, deleted, created_at " +
		"FROM messages WHERE conversation_id = $1"
	args := []any{conversationId}

	if after != "" {
		args = append(args, after)
		query += fmt.Sprintf(" AND id > $%d", len(args))
	}
	if before != "" {
		args = append(args, before)
		query += fmt.Sprintf(" AND id < $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.SenderId,
			&msg.Content,
			&msg.Kind,
			&msg.ReplyToId,
			&msg.AttachmentRef,
			&msg.Edited,
			&msg.Deleted,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgRelayRepository) IncrementUnread(conversationId int, exceptUserId string) error {
	_, err := db.conn.Exec(
		"UPDATE participants SET unread_count = unread_count + 1, updated_at = $3 "+
			"WHERE conversation_id = $1 AND user_id <> $2 AND left_at IS NULL",
		conversationId,
		exceptUserId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgRelayRepository) UpdateConversationOnMessage(msg Message) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET last_message_id = $2, last_message_preview = $3, "+
			"last_message_at = $4, updated_at = $4 WHERE id = $1",
		msg.ConversationId,
		msg.Id,
		preview(msg),
		msg.CreatedAt,
	)

	return err
}

const previewLen = 80

func preview(msg Message) string {
	if msg.Deleted {
		return ""
	}
	if len(msg.Content) > previewLen {
		return msg.Content[:previewLen]
	}
	return msg.Content
}

// MarkRead resets the unread counter, advances the read cursor and
// records per-message read statuses up to the given message id. Safe to
// replay: the upsert ignores existing rows and the cursor never moves
// backwards.
func (db *PgRelayRepository) MarkRead(conversationId int, userId, upToMessageId string, readAt time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec(
		"UPDATE participants SET unread_count = 0, last_read_at = $3, updated_at = $3, "+
			"last_read_message_id = GREATEST(COALESCE(last_read_message_id, ''), $4) "+
			"WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL",
		conversationId,
		userId,
		readAt,
		upToMessageId,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO read_statuses (message_id, user_id, read_at) "+
			"SELECT m.id, $2, $3 FROM messages m "+
			"WHERE m.conversation_id = $1 AND m.id <= $4 AND m.sender_id <> $2 "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		conversationId,
		userId,
		readAt,
		upToMessageId,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgRelayRepository) GetNotificationPreference(userId string) (NotificationPreference, error) {
	row := db.conn.QueryRow(
		"SELECT user_id, quiet_start_min, quiet_end_min, updated_at "+
			"FROM notification_preferences WHERE user_id = $1 LIMIT 1",
		userId,
	)

	var pref NotificationPreference
	err := row.Scan(
		&pref.UserId,
		&pref.QuietStartMin,
		&pref.QuietEndMin,
		&pref.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		// no row means no quiet hours configured
		return NotificationPreference{UserId: userId}, nil
	}

	return pref, err
}
