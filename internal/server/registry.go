package server

import (
	"log"
	"sync"
)

// Registry tracks which clients are connected to which room. It is the
// only state shared across session goroutines; every method is safe for
// concurrent use.
type Registry struct {
	log       *log.Logger
	roomsLock sync.RWMutex
	rooms     map[int]map[*Client]struct{}
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		log:   logger,
		rooms: make(map[int]map[*Client]struct{}),
	}
}

func (reg *Registry) Add(roomId int, c *Client) {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	if reg.rooms[roomId] == nil {
		reg.rooms[roomId] = make(map[*Client]struct{})
	}
	reg.rooms[roomId][c] = struct{}{}
}

// Remove deregisters a client. Removing a client that is not registered
// is a no-op, which tolerates double cleanup between a failed broadcast
// and the session's own deferred teardown.
func (reg *Registry) Remove(roomId int, c *Client) {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	clients, ok := reg.rooms[roomId]
	if !ok {
		return
	}

	delete(clients, c)
	if len(clients) == 0 {
		delete(reg.rooms, roomId)
	}
}

// Count returns the number of clients currently registered in a room.
func (reg *Registry) Count(roomId int) int {
	reg.roomsLock.RLock()
	defer reg.roomsLock.RUnlock()

	return len(reg.rooms[roomId])
}

// Broadcast delivers an event to every client registered in the room at
// the moment of the call. Membership is snapshotted under the read lock
// and iterated outside it, so a concurrent Remove cannot corrupt the
// iteration and a slow peer cannot hold the lock. A client whose send
// buffer is full is considered gone: it is closed and deregistered after
// the snapshot iteration completes, without disturbing delivery to the
// remaining clients.
func (reg *Registry) Broadcast(roomId int, event *ServerEvent) {
	reg.roomsLock.RLock()
	snapshot := make([]*Client, 0, len(reg.rooms[roomId]))
	for c := range reg.rooms[roomId] {
		snapshot = append(snapshot, c)
	}
	reg.roomsLock.RUnlock()

	var failed []*Client
	for _, c := range snapshot {
		if !c.queueEvent(event) {
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		reg.log.Printf("dropping unresponsive client %s from room %d", c.sessionId, roomId)
		reg.Remove(roomId, c)
		c.close()
	}
}
