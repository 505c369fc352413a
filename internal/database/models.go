package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
}

type Room struct {
	Id          int
	Name        string
	Description string
	CreatedAt   time.Time
}

type Message struct {
	Id            int
	RoomId        int
	SenderSubject string
	// SenderUserId is zero when the sender's token carried no user id claim.
	SenderUserId int
	Content      string
	CreatedAt    time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name        string
	Description string
}

type CreateMessageParams struct {
	RoomId        int
	SenderSubject string
	SenderUserId  int
	Content       string
}
