package database

import (
	"database/sql"
	"time"
)

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email, created_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	res := db.conn.QueryRow(
		"INSERT INTO rooms (name, description, created_at) "+
			"VALUES ($1, $2, $3) RETURNING id, name, description, created_at",
		params.Name,
		params.Description,
		time.Now().UTC(),
	)

	var room Room
	err := res.Scan(
		&room.Id,
		&room.Name,
		&room.Description,
		&room.CreatedAt,
	)

	return room, err
}

func (db *PgChatRepository) GetRoom(roomId int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, description, created_at FROM rooms "+
			"WHERE id = $1 LIMIT 1",
		roomId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.Description,
		&room.CreatedAt,
	)

	return room, err
}

func (db *PgChatRepository) ListRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, description, created_at FROM rooms ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms = make([]Room, 0)
	for rows.Next() {
		var room Room
		if err = rows.Scan(&room.Id, &room.Name, &room.Description, &room.CreatedAt); err != nil {
			break
		}

		rooms = append(rooms, room)
	}

	return rooms, err
}

// CreateMessage records a message with a server-assigned timestamp and id.
// The insert is a single statement, so readers never observe a partial write.
func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	var senderUserId sql.NullInt64
	if params.SenderUserId != 0 {
		senderUserId = sql.NullInt64{Int64: int64(params.SenderUserId), Valid: true}
	}

	createdAt := time.Now().UTC()
	res := db.conn.QueryRow(
		"INSERT INTO messages (room_id, sender_subject, sender_user_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id",
		params.RoomId,
		params.SenderSubject,
		senderUserId,
		params.Content,
		createdAt,
	)

	msg := Message{
		RoomId:        params.RoomId,
		SenderSubject: params.SenderSubject,
		SenderUserId:  params.SenderUserId,
		Content:       params.Content,
		CreatedAt:     createdAt,
	}
	err := res.Scan(&msg.Id)

	return msg, err
}

// RecentMessages returns the most recent limit messages for a room,
// oldest first, so replay reconstructs the order participants saw live.
func (db *PgChatRepository) RecentMessages(roomId, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT id, room_id, sender_subject, sender_user_id, content, created_at FROM ("+
			"SELECT id, room_id, sender_subject, sender_user_id, content, created_at FROM messages "+
			"WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2"+
			") m ORDER BY created_at ASC, id ASC",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		var senderUserId sql.NullInt64
		if err = rows.Scan(&msg.Id, &msg.RoomId, &msg.SenderSubject, &senderUserId, &msg.Content, &msg.CreatedAt); err != nil {
			break
		}

		msg.SenderUserId = int(senderUserId.Int64)
		messages = append(messages, msg)
	}

	return messages, err
}
