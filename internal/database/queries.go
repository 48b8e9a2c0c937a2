package database

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chatflow-io/chatflow/internal/types"
)

const insertMessageQuery = "INSERT INTO messages (message_id, room_id, user_id, username, message_text, " +
	"message_type, client_timestamp, server_timestamp, created_at) " +
	"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) " +
	"ON CONFLICT (message_id, created_at) DO NOTHING"

// BatchInsert writes a batch of queued messages in a single transaction
// through one prepared statement. Each row gets a freshly generated message
// id; conflicts on (message_id, created_at) are no-ops, so duplicate broker
// deliveries never produce duplicate rows. Returns the number of rows
// actually inserted.
func (r *PgMessageRepository) BatchInsert(msgs []types.QueuedMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := r.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertMessageQuery)
	if err != nil {
		return 0, fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, qm := range msgs {
		msg := qm.ChatMessage

		roomId, err := strconv.Atoi(qm.RoomId)
		if err != nil {
			roomId = msg.RoomId
		}

		clientTs, err := time.Parse(time.RFC3339, msg.Timestamp)
		if err != nil {
			// validated at the edge; fall back to ingress time for safety
			clientTs = time.UnixMilli(qm.ReceivedTimestamp)
		}

		res, err := stmt.Exec(
			uuid.NewString(),
			roomId,
			msg.UserId,
			msg.Username,
			msg.Message,
			string(msg.MessageType),
			clientTs,
			time.UnixMilli(qm.ReceivedTimestamp),
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("batch insert: %w", err)
		}

		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}

	return inserted, nil
}

// RoomHistory returns up to 1000 messages for a room in [from, to], newest
// first.
func (r *PgMessageRepository) RoomHistory(roomId int, from, to time.Time) ([]StoredMessage, error) {
	rows, err := r.conn.Query(
		"SELECT message_id, room_id, user_id, username, message_text, "+
			"message_type, client_timestamp, server_timestamp, created_at "+
			"FROM messages "+
			"WHERE room_id = $1 AND created_at BETWEEN $2 AND $3 "+
			"ORDER BY created_at DESC "+
			"LIMIT 1000",
		roomId, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// UserHistory returns up to 10000 messages sent by a user in [from, to],
// newest first.
func (r *PgMessageRepository) UserHistory(userId int, from, to time.Time) ([]StoredMessage, error) {
	rows, err := r.conn.Query(
		"SELECT message_id, room_id, user_id, username, message_text, "+
			"message_type, client_timestamp, server_timestamp, created_at "+
			"FROM messages "+
			"WHERE user_id = $1 AND created_at BETWEEN $2 AND $3 "+
			"ORDER BY created_at DESC "+
			"LIMIT 10000",
		userId, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountActiveUsers returns the number of distinct users with at least one
// message in [from, to].
func (r *PgMessageRepository) CountActiveUsers(from, to time.Time) (int64, error) {
	row := r.conn.QueryRow(
		"SELECT COUNT(DISTINCT user_id) FROM messages "+
			"WHERE created_at BETWEEN $1 AND $2",
		from, to,
	)

	var count int64
	err := row.Scan(&count)
	return count, err
}

// RoomsForUser returns every room the user has written to, with per-room
// message count and last activity, most recent first.
func (r *PgMessageRepository) RoomsForUser(userId int) ([]RoomParticipation, error) {
	rows, err := r.conn.Query(
		"SELECT room_id, MAX(created_at) AS last_activity, COUNT(*) AS message_count "+
			"FROM messages "+
			"WHERE user_id = $1 "+
			"GROUP BY room_id "+
			"ORDER BY last_activity DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RoomParticipation
	for rows.Next() {
		var rp RoomParticipation
		if err := rows.Scan(&rp.RoomId, &rp.LastActivity, &rp.MessageCount); err != nil {
			return nil, err
		}
		results = append(results, rp)
	}

	return results, rows.Err()
}

// MessagesPerMinute buckets message volume by minute over [from, to].
func (r *PgMessageRepository) MessagesPerMinute(from, to time.Time) ([]MessageRate, error) {
	rows, err := r.conn.Query(
		"SELECT date_trunc('minute', created_at) AS minute, COUNT(*) AS message_count "+
			"FROM messages "+
			"WHERE created_at BETWEEN $1 AND $2 "+
			"GROUP BY date_trunc('minute', created_at) "+
			"ORDER BY minute",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MessageRate
	for rows.Next() {
		var mr MessageRate
		if err := rows.Scan(&mr.Minute, &mr.MessageCount); err != nil {
			return nil, err
		}
		results = append(results, mr)
	}

	return results, rows.Err()
}

// TopUsers returns the most active users by message count.
func (r *PgMessageRepository) TopUsers(limit int) ([]UserStats, error) {
	rows, err := r.conn.Query(
		"SELECT user_id, username, COUNT(*) AS message_count "+
			"FROM messages "+
			"GROUP BY user_id, username "+
			"ORDER BY message_count DESC "+
			"LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []UserStats
	for rows.Next() {
		var us UserStats
		if err := rows.Scan(&us.UserId, &us.Username, &us.MessageCount); err != nil {
			return nil, err
		}
		results = append(results, us)
	}

	return results, rows.Err()
}

// TopRooms returns the most active rooms by message count.
func (r *PgMessageRepository) TopRooms(limit int) ([]RoomStats, error) {
	rows, err := r.conn.Query(
		"SELECT room_id, COUNT(*) AS message_count, COUNT(DISTINCT user_id) AS unique_users "+
			"FROM messages "+
			"GROUP BY room_id "+
			"ORDER BY message_count DESC "+
			"LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RoomStats
	for rows.Next() {
		var rs RoomStats
		if err := rows.Scan(&rs.RoomId, &rs.MessageCount, &rs.UniqueUsers); err != nil {
			return nil, err
		}
		results = append(results, rs)
	}

	return results, rows.Err()
}

type scannable interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows scannable) ([]StoredMessage, error) {
	var results []StoredMessage
	for rows.Next() {
		var m StoredMessage
		err := rows.Scan(
			&m.MessageId,
			&m.RoomId,
			&m.UserId,
			&m.Username,
			&m.MessageText,
			&m.MessageType,
			&m.ClientTimestamp,
			&m.ServerTimestamp,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}

	return results, rows.Err()
}
