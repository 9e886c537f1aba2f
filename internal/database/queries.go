package database

import (
	"context"
	"database/sql"
	"time"
)

func (db *PgChatRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (User, error) {
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (id, username, avatar_url, is_moderator, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (id) DO UPDATE SET username = $2, avatar_url = $3, is_moderator = $4, updated_at = $5 "+
			"RETURNING id, username, avatar_url, is_moderator, updated_at",
		params.Id,
		params.Username,
		params.AvatarUrl,
		params.IsModerator,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.AvatarUrl,
		&u.IsModerator,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetUserById(ctx context.Context, id string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, avatar_url, is_moderator, updated_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.AvatarUrl,
		&user.IsModerator,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetChannelByName(ctx context.Context, name string) (Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name FROM channels WHERE name = $1 LIMIT 1",
		name,
	)

	var channel Channel
	err := row.Scan(
		&channel.Id,
		&channel.Name,
	)

	return channel, err
}

func (db *PgChatRepository) EnsureChannel(ctx context.Context, name string) (Channel, error) {
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO channels (name) VALUES ($1) "+
			"ON CONFLICT (name) DO UPDATE SET name = $1 RETURNING id, name",
		name,
	)

	var channel Channel
	err := res.Scan(
		&channel.Id,
		&channel.Name,
	)

	return channel, err
}

func (db *PgChatRepository) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, name FROM channels ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var channel Channel
		if err = rows.Scan(&channel.Id, &channel.Name); err != nil {
			break
		}

		channels = append(channels, channel)
	}
	return channels, err
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRowContext(ctx,
		"WITH inserted AS ("+
			"INSERT INTO messages (channel_id, user_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, channel_id, user_id, content, created_at"+
			") SELECT i.id, i.channel_id, i.user_id, i.content, i.created_at, u.username, u.avatar_url "+
			"FROM inserted i JOIN users u ON u.id = i.user_id",
		params.ChannelId,
		params.UserId,
		params.Content,
		time.Now().UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.UserId,
		&msg.Content,
		&msg.CreatedAt,
		&msg.Username,
		&msg.AvatarUrl,
	)

	return msg, err
}

func (db *PgChatRepository) GetMessages(ctx context.Context, channelId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	// Most recent N in ascending creation order: grab the tail
	// descending, then flip it.
	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.channel_id, m.user_id, m.content, m.created_at, u.username, u.avatar_url "+
			"FROM messages m JOIN users u ON u.id = m.user_id "+
			"WHERE m.channel_id = $1 AND m.is_deleted = false "+
			"ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
		channelId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.ChannelId, &msg.UserId, &msg.Content, &msg.CreatedAt, &msg.Username, &msg.AvatarUrl); err != nil {
			break
		}

		messages = append(messages, msg)
	}
	if err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PgChatRepository) DeleteMessage(ctx context.Context, messageId, channelId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_deleted = true WHERE id = $1 AND channel_id = $2",
		messageId,
		channelId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) UpsertPresence(ctx context.Context, userId, channelName string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO user_presence (user_id, channel_name, is_online, last_seen) "+
			"VALUES ($1, $2, true, $3) "+
			"ON CONFLICT (user_id, channel_name) DO UPDATE SET is_online = true, last_seen = $3",
		userId,
		channelName,
		at,
	)

	return err
}

func (db *PgChatRepository) MarkPresenceOffline(ctx context.Context, userId, channelName string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE user_presence SET is_online = false, last_seen = $3 "+
			"WHERE user_id = $1 AND channel_name = $2",
		userId,
		channelName,
		at,
	)

	return err
}

func (db *PgChatRepository) SweepStalePresence(ctx context.Context, channelName string, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE user_presence SET is_online = false "+
			"WHERE channel_name = $1 AND is_online = true AND last_seen < $2",
		channelName,
		cutoff,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db *PgChatRepository) ListOnlinePresence(ctx context.Context, channelName string) ([]PresenceRow, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT p.user_id, p.channel_name, p.is_online, p.last_seen, u.username, u.avatar_url "+
			"FROM user_presence p JOIN users u ON u.id = p.user_id "+
			"WHERE p.channel_name = $1 AND p.is_online = true "+
			"ORDER BY p.last_seen DESC",
		channelName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries = make([]PresenceRow, 0)
	for rows.Next() {
		var row PresenceRow
		if err = rows.Scan(&row.UserId, &row.ChannelName, &row.IsOnline, &row.LastSeen, &row.Username, &row.AvatarUrl); err != nil {
			break
		}

		entries = append(entries, row)
	}

	return entries, err
}
