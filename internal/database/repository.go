package database

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountByEmail(email string) (User, error)
	GetAccountById(accountId int) (User, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoom(roomId int) (Room, error)
	ListRooms() ([]Room, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	RecentMessages(roomId, limit int) ([]Message, error)
}
